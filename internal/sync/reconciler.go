package sync

import (
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/matheus3301/sealdm/internal/model"
	"github.com/matheus3301/sealdm/internal/store"
)

// Echo match rules, in priority order.
const (
	RuleCiphertext = "ciphertext"
	RuleAsset      = "asset"
	RuleContent    = "content"
	RuleWindow     = "window"
)

// matchPending finds the pending message an own echo confirms. Rules are
// tried in priority order and, within a rule, pending messages oldest first;
// the first hit wins. It returns -1 when nothing matches.
func matchPending(list []*model.Message, echo *model.Message, window time.Duration) (int, string) {
	type rule struct {
		name string
		ok   func(p *model.Message) bool
	}
	rules := []rule{
		{RuleCiphertext, func(p *model.Message) bool {
			return echo.EncryptedContent != "" && p.EncryptedContent == echo.EncryptedContent
		}},
		{RuleAsset, func(p *model.Message) bool {
			return echo.AssetID != "" && p.AssetID == echo.AssetID
		}},
		{RuleContent, func(p *model.Message) bool {
			return !echo.IsEncrypted() && !p.IsEncrypted() && echo.Content != "" && p.Content == echo.Content
		}},
		{RuleWindow, func(p *model.Message) bool {
			return p.Type == echo.Type && !conflicting(p, echo) && withinWindow(p.CreatedAt, echo.CreatedAt, window)
		}},
	}
	for _, r := range rules {
		for i, p := range list {
			if p.IsPending() && r.ok(p) {
				return i, r.name
			}
		}
	}
	return -1, ""
}

// conflicting reports whether p and echo carry payloads that can be compared
// and differ. Equal ones would have matched an earlier rule, so such a pair
// is two different messages, e.g. one sent from another device.
func conflicting(p, echo *model.Message) bool {
	switch {
	case p.EncryptedContent != "" && echo.EncryptedContent != "":
		return true
	case p.AssetID != "" && echo.AssetID != "" && p.AssetID != echo.AssetID:
		return true
	case !p.IsEncrypted() && !echo.IsEncrypted() && p.Content != "" && echo.Content != "":
		return p.Content != echo.Content
	}
	return false
}

func withinWindow(a, b time.Time, window time.Duration) bool {
	if b.IsZero() {
		b = time.Now()
	}
	d := b.Sub(a)
	if d < 0 {
		d = -d
	}
	return d <= window
}

// Reconciler manages per-room sync checkpoints.
type Reconciler struct {
	db     *store.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *store.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger}
}

func checkpointKey(room string) string {
	return "room:" + room + ":last_synced_at"
}

// MarkSynced records that room's first page was merged at t.
func (r *Reconciler) MarkSynced(room string, t time.Time) {
	if r == nil || r.db == nil {
		return
	}
	if err := r.db.UpdateCheckpoint(checkpointKey(room), strconv.FormatInt(t.UnixMilli(), 10)); err != nil {
		r.logger.Warn("failed to update sync checkpoint", zap.String("room", room), zap.Error(err))
	}
}

// LastSynced returns the last checkpoint of room, zero if never synced.
func (r *Reconciler) LastSynced(room string) (time.Time, error) {
	if r == nil || r.db == nil {
		return time.Time{}, nil
	}
	v, err := r.db.GetCheckpoint(checkpointKey(room))
	if err != nil || v == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
