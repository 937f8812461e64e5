package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/matheus3301/sealdm/internal/bus"
	"github.com/matheus3301/sealdm/internal/model"
	"github.com/matheus3301/sealdm/internal/store"
	"github.com/matheus3301/sealdm/internal/wire"
)

var (
	ErrRoomClosed     = errors.New("sync: room closed")
	ErrNotFound       = errors.New("sync: message not found")
	ErrDeleteInFlight = errors.New("sync: delete already in flight")
	ErrEditInFlight   = errors.New("sync: edit already in flight")
	ErrNotEditable    = errors.New("sync: message cannot be edited")
	ErrNotRetryable   = errors.New("sync: message is not a failed send")
	ErrLoadInFlight   = errors.New("sync: page load already in flight")
)

// MessageAPI is the REST surface the sync core needs.
type MessageAPI interface {
	ListMessages(ctx context.Context, room string, page, pageSize int, fresh bool) (model.Page, error)
	MarkRead(ctx context.Context, room string, ids []string) error
	EditMessage(ctx context.Context, id string, edit model.Edit) (*model.Message, error)
	DeleteMessage(ctx context.Context, id string) error
}

// Cipher seals outgoing text and opens incoming messages.
type Cipher interface {
	Seal(ctx context.Context, peerID, plaintext string) (model.Sealed, error)
	Open(ctx context.Context, msg *model.Message) (string, error)
}

// Cache is the plaintext cache.
type Cache interface {
	Get(room, id string) (string, bool)
	Set(room, id, plaintext string)
	GetAll(room string) map[string]string
	Remove(room, id string)
}

// Outbox transmits composed messages and owns the sent-not-echoed lookaside.
type Outbox interface {
	Transmit(msg *model.Message) error
	Forget(pendingID string)
	Recover(roomID, ciphertext string) (*store.PendingSend, bool)
	Unconfirmed(roomID string) []store.PendingSend
}

// FrameSender writes frames on the live socket.
type FrameSender interface {
	Send(room string, frame any) error
}

// Metrics receives sync outcomes. A nil Metrics is allowed.
type Metrics interface {
	EchoReconciled(rule string)
	RolledBack(op string)
	ReadBatch(ok bool)
	DecryptFailed()
}

// RoomInfo describes the room being synced. Rooms with a peer are direct
// rooms and are end-to-end encrypted; rooms without one carry plaintext.
type RoomInfo struct {
	ID     string `json:"room_id"`
	PeerID string `json:"peer_id,omitempty"`
}

// Encrypted reports whether messages of the room are sealed.
func (i RoomInfo) Encrypted() bool { return i.PeerID != "" }

// SendOptions carries the optional parts of an outgoing message.
type SendOptions struct {
	Type    model.MessageType
	AssetID string
	ReplyTo string
}

// Options tunes a room.
type Options struct {
	SelfID             string
	PageSize           int
	ReadDebounce       time.Duration
	MatchWindow        time.Duration
	DecryptConcurrency int
}

func (o *Options) applyDefaults() {
	if o.PageSize <= 0 {
		o.PageSize = 30
	}
	if o.ReadDebounce <= 0 {
		o.ReadDebounce = 300 * time.Millisecond
	}
	if o.MatchWindow <= 0 {
		o.MatchWindow = 10 * time.Second
	}
	if o.DecryptConcurrency <= 0 {
		o.DecryptConcurrency = 5
	}
}

// Deps are the collaborators of a room.
type Deps struct {
	API         MessageAPI
	Cipher      Cipher
	Cache       Cache
	Outbox      Outbox
	Frames      FrameSender
	Checkpoints *Reconciler
	Metrics     Metrics
	Bus         *bus.Bus
	Logger      *zap.Logger
}

type deleteState struct {
	msg      *model.Message
	index    int
	upstream bool // the server already pushed the delete
}

// Room is the single owner of one room's state. Every mutation runs as a
// closure on its goroutine; network and crypto work runs elsewhere and
// posts its result back.
type Room struct {
	info RoomInfo
	opts Options
	deps Deps
	log  *zap.Logger

	ops     chan func()
	done    chan struct{}
	stopped chan struct{}
	once    stdsync.Once
	ctx     context.Context
	cancel  context.CancelFunc

	// Owner-only state.
	messages   []*model.Message
	plaintexts map[string]string // pending id -> composed text
	decrypting map[string]bool
	deleting   map[string]*deleteState
	editing    map[string]bool
	readBuf    []string
	readQueued map[string]bool
	readFlying map[string]bool
	readTimer  *time.Timer
	readGen    uint64
	nextPage   int
	hasMore    bool
	loading    bool
}

// NewRoom starts the owner goroutine of a room.
func NewRoom(info RoomInfo, opts Options, deps Deps) *Room {
	opts.applyDefaults()
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &Room{
		info:       info,
		opts:       opts,
		deps:       deps,
		log:        deps.Logger.With(zap.String("room", info.ID)),
		ops:        make(chan func(), 128),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		plaintexts: make(map[string]string),
		decrypting: make(map[string]bool),
		deleting:   make(map[string]*deleteState),
		editing:    make(map[string]bool),
		readQueued: make(map[string]bool),
		readFlying: make(map[string]bool),
		nextPage:   1,
		hasMore:    true,
	}
	go r.run()
	return r
}

// Info returns the room description.
func (r *Room) Info() RoomInfo { return r.info }

func (r *Room) run() {
	defer close(r.stopped)
	for {
		select {
		case fn := <-r.ops:
			fn()
		case <-r.done:
			return
		}
	}
}

// Close stops the owner. Pending network results are discarded.
func (r *Room) Close() {
	r.once.Do(func() {
		r.cancel()
		close(r.done)
		<-r.stopped
		if r.readTimer != nil {
			r.readTimer.Stop()
		}
	})
}

// post queues fn on the owner without waiting. It must not be called from
// the owner goroutine itself.
func (r *Room) post(fn func()) {
	select {
	case r.ops <- fn:
	case <-r.done:
	}
}

// call runs fn on the owner and waits for it.
func (r *Room) call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	select {
	case r.ops <- func() { fn(); close(finished) }:
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-r.done:
		return ErrRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns copies of the visible list in display order.
func (r *Room) Snapshot(ctx context.Context) ([]*model.Message, error) {
	var out []*model.Message
	err := r.call(ctx, func() {
		out = make([]*model.Message, len(r.messages))
		for i, m := range r.messages {
			out[i] = m.Clone()
		}
	})
	return out, err
}

// Send composes, optimistically appends and transmits a message. On a
// transport failure the message stays visible with Status failed and the
// error is returned alongside it.
func (r *Room) Send(ctx context.Context, text string, so SendOptions) (*model.Message, error) {
	if so.Type == "" {
		so.Type = model.TypeText
	}
	now := time.Now()
	msg := &model.Message{
		ID:        model.NewPendingID(now),
		RoomID:    r.info.ID,
		SenderID:  r.opts.SelfID,
		Type:      so.Type,
		AssetID:   so.AssetID,
		ReplyToID: so.ReplyTo,
		Plaintext: text,
		Status:    model.StatusSending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if r.info.Encrypted() {
		sealed, err := r.deps.Cipher.Seal(ctx, r.info.PeerID, text)
		if err != nil {
			return nil, fmt.Errorf("seal message: %w", err)
		}
		msg.EncryptedContent = sealed.EncryptedContent
		msg.EncryptedSessionKey = sealed.EncryptedSessionKey
		msg.SelfEncryptedSessionKey = sealed.SelfEncryptedSessionKey
	} else {
		msg.Content = text
	}

	if err := r.call(ctx, func() {
		r.plaintexts[msg.ID] = text
		r.messages = append(r.messages, msg.Clone())
		r.sortLocked()
		r.publish(bus.KindMessageAdded, MessageEvent{RoomID: r.info.ID, Message: msg.Clone()})
	}); err != nil {
		return nil, err
	}
	return r.transmit(ctx, msg)
}

// Resend retransmits a failed pending message.
func (r *Room) Resend(ctx context.Context, pendingID string) (*model.Message, error) {
	var (
		msg *model.Message
		err error
	)
	if cerr := r.call(ctx, func() {
		m := r.findLocked(pendingID)
		switch {
		case m == nil:
			err = ErrNotFound
		case !m.IsPending() || m.Status != model.StatusFailed:
			err = ErrNotRetryable
		default:
			m.Status = model.StatusSending
			msg = m.Clone()
			if text, ok := r.plaintexts[m.ID]; ok {
				msg.Plaintext = text
			}
			r.publish(bus.KindMessageUpdated, MessageEvent{RoomID: r.info.ID, Message: m.Clone()})
		}
	}); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		return nil, err
	}
	return r.transmit(ctx, msg)
}

func (r *Room) transmit(ctx context.Context, msg *model.Message) (*model.Message, error) {
	sendErr := r.deps.Outbox.Transmit(msg)
	status := model.StatusSent
	if sendErr != nil {
		status = model.StatusFailed
	}
	var out *model.Message
	if err := r.call(ctx, func() {
		m := r.findLocked(msg.ID)
		if m == nil {
			// Already replaced by its echo.
			out = msg.Clone()
			out.Status = status
			return
		}
		m.Status = status
		out = m.Clone()
		r.publish(bus.KindMessageUpdated, MessageEvent{RoomID: r.info.ID, Message: m.Clone()})
	}); err != nil {
		return nil, err
	}
	if sendErr != nil {
		return out, fmt.Errorf("send message: %w", sendErr)
	}
	return out, nil
}

// Handle applies one inbound event addressed to this room.
func (r *Room) Handle(ev wire.Event) {
	r.post(func() { r.handleLocked(ev) })
}

func (r *Room) handleLocked(ev wire.Event) {
	switch e := ev.(type) {
	case wire.ChatMessage:
		if m := r.ingestLocked(e.Message, "", true); m != nil {
			r.decryptLocked([]*model.Message{m})
		}
		r.sortLocked()
	case wire.MessageUpdate:
		r.applyUpdateLocked(e.Message)
	case wire.MessageDelete:
		r.applyDeleteLocked(e.MessageID)
	case wire.ReadReceipt:
		r.applyReceiptLocked(e)
	}
}

// ingestLocked merges one server message into the list. Own echoes are
// first matched against pending sends; anything else is inserted or, when
// the ID is already present, updated in place. It returns the inserted
// message when it still needs decrypting.
func (r *Room) ingestLocked(m *model.Message, cached string, live bool) *model.Message {
	if m.RoomID == "" {
		m.RoomID = r.info.ID
	}
	if cached != "" {
		m.Plaintext = cached
	}
	if _, ok := r.deleting[m.ID]; ok {
		return nil
	}

	if i := r.indexLocked(m.ID); i >= 0 {
		r.refreshLocked(r.messages[i], m)
		return nil
	}

	if m.SenderID == r.opts.SelfID && r.reconcileLocked(m) {
		return nil
	}

	if m.SenderID == r.opts.SelfID && m.Plaintext == "" && m.IsEncrypted() && r.deps.Outbox != nil {
		if p, ok := r.deps.Outbox.Recover(r.info.ID, m.EncryptedContent); ok {
			m.Plaintext = p.Plaintext
			m.Status = model.StatusSent
			r.deps.Cache.Set(r.info.ID, m.ID, p.Plaintext)
			go r.deps.Outbox.Forget(p.PendingID)
			r.observeMatch("lookaside")
		}
	}
	if !r.info.Encrypted() || !m.IsEncrypted() {
		if m.Plaintext == "" {
			m.Plaintext = m.Content
		}
	}

	r.messages = append(r.messages, m)
	if live {
		r.publish(bus.KindMessageAdded, MessageEvent{RoomID: r.info.ID, Message: m.Clone()})
	}
	if m.IsEncrypted() && m.Plaintext == "" {
		return m
	}
	return nil
}

// reconcileLocked replaces the pending message an own echo confirms.
func (r *Room) reconcileLocked(echo *model.Message) bool {
	i, rule := matchPending(r.messages, echo, r.opts.MatchWindow)
	if i < 0 {
		return false
	}
	pending := r.messages[i]
	text, ok := r.plaintexts[pending.ID]
	if !ok {
		text = pending.Plaintext
	}
	delete(r.plaintexts, pending.ID)

	confirmed := echo
	confirmed.Status = model.StatusSent
	// The composed text only belongs to the echo if the echo carries the
	// same payload; anything else is decrypted on its own.
	if confirmed.Plaintext == "" && samePayload(pending, confirmed) {
		confirmed.Plaintext = text
	}
	r.messages[i] = confirmed
	if confirmed.IsEncrypted() && confirmed.Plaintext != "" {
		r.deps.Cache.Set(r.info.ID, confirmed.ID, confirmed.Plaintext)
	}
	if !confirmed.IsEncrypted() && confirmed.Plaintext == "" {
		confirmed.Plaintext = confirmed.Content
	}
	go r.deps.Outbox.Forget(pending.ID)

	r.observeMatch(rule)
	r.log.Debug("echo reconciled", zap.String("pending_id", pending.ID), zap.String("msg_id", confirmed.ID), zap.String("rule", rule))
	r.publish(bus.KindMessageUpdated, MessageEvent{RoomID: r.info.ID, Message: confirmed.Clone(), PendingID: pending.ID})
	if confirmed.IsEncrypted() && confirmed.Plaintext == "" {
		r.decryptLocked([]*model.Message{confirmed})
	}
	return true
}

// samePayload reports whether echo provably carries what pending was
// composed with.
func samePayload(pending, echo *model.Message) bool {
	if echo.IsEncrypted() {
		return pending.EncryptedContent == echo.EncryptedContent
	}
	return !pending.IsEncrypted() && (echo.Content == "" || echo.Content == pending.Content)
}

func (r *Room) observeMatch(rule string) {
	if r.deps.Metrics != nil {
		r.deps.Metrics.EchoReconciled(rule)
	}
}

// refreshLocked copies server fields of m onto the existing entry. The
// decrypted text survives unless the ciphertext changed. Read flags only
// move forward; a stale server copy never clears one.
func (r *Room) refreshLocked(cur, m *model.Message) {
	if m.EncryptedContent != cur.EncryptedContent || (!m.IsEncrypted() && m.Content != cur.Content) {
		cur.Plaintext = m.Plaintext
		if !m.IsEncrypted() && cur.Plaintext == "" {
			cur.Plaintext = m.Content
		}
		cur.DecryptFailed = false
		r.deps.Cache.Remove(r.info.ID, cur.ID)
	}
	cur.Content = m.Content
	cur.EncryptedContent = m.EncryptedContent
	cur.EncryptedSessionKey = m.EncryptedSessionKey
	cur.SelfEncryptedSessionKey = m.SelfEncryptedSessionKey
	cur.AssetID = m.AssetID
	cur.ReplyToID = m.ReplyToID
	cur.UpdatedAt = m.UpdatedAt
	if !m.CreatedAt.IsZero() {
		cur.CreatedAt = m.CreatedAt
	}
	cur.IsRead = cur.IsRead || m.IsRead
	if cur.IsEncrypted() && cur.Plaintext == "" && !cur.DecryptFailed {
		r.decryptLocked([]*model.Message{cur})
	}
}

func (r *Room) applyUpdateLocked(m *model.Message) {
	cur := r.findLocked(m.ID)
	if cur == nil {
		return
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = cur.CreatedAt
	}
	r.refreshLocked(cur, m)
	r.sortLocked()
	r.publish(bus.KindMessageUpdated, MessageEvent{RoomID: r.info.ID, Message: cur.Clone()})
}

func (r *Room) applyDeleteLocked(id string) {
	if st, ok := r.deleting[id]; ok {
		st.upstream = true
	}
	i := r.indexLocked(id)
	if i < 0 {
		return
	}
	r.removeAtLocked(i)
	r.deps.Cache.Remove(r.info.ID, id)
	r.publish(bus.KindMessageRemoved, RemovedEvent{RoomID: r.info.ID, MessageID: id})
}

func (r *Room) applyReceiptLocked(e wire.ReadReceipt) {
	if e.UserID == r.opts.SelfID {
		return
	}
	var marked []string
	for _, id := range e.MessageIDs {
		m := r.findLocked(id)
		if m == nil || m.SenderID != r.opts.SelfID || m.IsRead {
			continue
		}
		m.IsRead = true
		marked = append(marked, id)
	}
	if len(marked) > 0 {
		r.publish(bus.KindMessageRead, ReadEvent{RoomID: r.info.ID, MessageIDs: marked, IsRead: true})
	}
}

func (r *Room) removeAtLocked(i int) *model.Message {
	m := r.messages[i]
	r.messages = append(r.messages[:i], r.messages[i+1:]...)
	r.dropReadLocked(m.ID)
	return m
}

func (r *Room) dropReadLocked(id string) {
	if !r.readQueued[id] {
		return
	}
	delete(r.readQueued, id)
	for i, q := range r.readBuf {
		if q == id {
			r.readBuf = append(r.readBuf[:i], r.readBuf[i+1:]...)
			break
		}
	}
}

// Delete removes a message optimistically and restores it at its original
// position if the server refuses.
func (r *Room) Delete(ctx context.Context, id string) error {
	var (
		err     error
		pending bool
	)
	if cerr := r.call(ctx, func() {
		if _, busy := r.deleting[id]; busy {
			err = ErrDeleteInFlight
			return
		}
		i := r.indexLocked(id)
		if i < 0 {
			err = ErrNotFound
			return
		}
		m := r.removeAtLocked(i)
		r.publish(bus.KindMessageRemoved, RemovedEvent{RoomID: r.info.ID, MessageID: id})
		if m.IsPending() {
			// Never reached the server.
			pending = true
			delete(r.plaintexts, id)
			return
		}
		r.deleting[id] = &deleteState{msg: m, index: i}
	}); cerr != nil {
		return cerr
	}
	if err != nil {
		return err
	}
	if pending {
		go r.deps.Outbox.Forget(id)
		return nil
	}

	apiErr := r.deps.API.DeleteMessage(ctx, id)
	if cerr := r.call(context.WithoutCancel(ctx), func() {
		st := r.deleting[id]
		delete(r.deleting, id)
		if apiErr == nil || st == nil {
			r.deps.Cache.Remove(r.info.ID, id)
			return
		}
		if st.upstream {
			return
		}
		idx := min(st.index, len(r.messages))
		r.messages = append(r.messages[:idx], append([]*model.Message{st.msg}, r.messages[idx:]...)...)
		r.sortLocked()
		r.rolledBack("delete")
		r.publish(bus.KindMessageAdded, MessageEvent{RoomID: r.info.ID, Message: st.msg.Clone()})
	}); cerr != nil {
		return cerr
	}
	if apiErr != nil {
		return fmt.Errorf("delete message %s: %w", id, apiErr)
	}
	return nil
}

// Edit replaces the text of an own message optimistically and restores the
// original if the server refuses.
func (r *Room) Edit(ctx context.Context, id, text string) (*model.Message, error) {
	var (
		err      error
		original *model.Message
	)
	if cerr := r.call(ctx, func() {
		m := r.findLocked(id)
		switch {
		case m == nil:
			err = ErrNotFound
		case m.SenderID != r.opts.SelfID || m.IsPending() || m.Type != model.TypeText:
			err = ErrNotEditable
		case r.editing[id]:
			err = ErrEditInFlight
		default:
			r.editing[id] = true
			original = m.Clone()
		}
	}); cerr != nil {
		return nil, cerr
	}
	if err != nil {
		return nil, err
	}

	edit := model.Edit{Content: text}
	if r.info.Encrypted() {
		sealed, sealErr := r.deps.Cipher.Seal(ctx, r.info.PeerID, text)
		if sealErr != nil {
			_ = r.call(context.WithoutCancel(ctx), func() { delete(r.editing, id) })
			return nil, fmt.Errorf("seal edit: %w", sealErr)
		}
		edit = model.Edit{Sealed: sealed}
	}

	if cerr := r.call(ctx, func() {
		m := r.findLocked(id)
		if m == nil {
			return
		}
		m.Content = edit.Content
		m.EncryptedContent = edit.Sealed.EncryptedContent
		m.EncryptedSessionKey = edit.Sealed.EncryptedSessionKey
		m.SelfEncryptedSessionKey = edit.Sealed.SelfEncryptedSessionKey
		m.Plaintext = text
		m.DecryptFailed = false
		m.UpdatedAt = time.Now()
		r.publish(bus.KindMessageUpdated, MessageEvent{RoomID: r.info.ID, Message: m.Clone()})
	}); cerr != nil {
		return nil, cerr
	}

	updated, apiErr := r.deps.API.EditMessage(ctx, id, edit)
	var out *model.Message
	if cerr := r.call(context.WithoutCancel(ctx), func() {
		delete(r.editing, id)
		i := r.indexLocked(id)
		if i < 0 {
			return
		}
		if apiErr != nil {
			r.messages[i] = original
			r.rolledBack("edit")
			r.publish(bus.KindMessageUpdated, MessageEvent{RoomID: r.info.ID, Message: original.Clone()})
			return
		}
		m := r.messages[i]
		if updated != nil && !updated.UpdatedAt.IsZero() {
			m.UpdatedAt = updated.UpdatedAt
		}
		if m.IsEncrypted() {
			r.deps.Cache.Set(r.info.ID, id, text)
		}
		out = m.Clone()
	}); cerr != nil {
		return nil, cerr
	}
	if apiErr != nil {
		return nil, fmt.Errorf("edit message %s: %w", id, apiErr)
	}
	return out, nil
}

func (r *Room) rolledBack(op string) {
	if r.deps.Metrics != nil {
		r.deps.Metrics.RolledBack(op)
	}
}

func (r *Room) indexLocked(id string) int {
	for i, m := range r.messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (r *Room) findLocked(id string) *model.Message {
	if i := r.indexLocked(id); i >= 0 {
		return r.messages[i]
	}
	return nil
}

func (r *Room) sortLocked() {
	model.SortByCreated(r.messages)
}

func (r *Room) publish(kind string, payload any) {
	if r.deps.Bus != nil {
		r.deps.Bus.Publish(bus.NewEvent(kind, payload))
	}
}

// MarkVisible flags unread peer messages among ids as read and queues them
// for one batched receipt, sent after ReadDebounce without further calls.
// It returns how many messages were newly queued.
func (r *Room) MarkVisible(ctx context.Context, ids []string) (int, error) {
	var queued []string
	err := r.call(ctx, func() {
		for _, id := range ids {
			m := r.findLocked(id)
			if m == nil || m.IsPending() || m.SenderID == r.opts.SelfID || m.IsRead {
				continue
			}
			if r.readQueued[id] || r.readFlying[id] {
				continue
			}
			m.IsRead = true
			r.readQueued[id] = true
			r.readBuf = append(r.readBuf, id)
			queued = append(queued, id)
		}
		if len(queued) == 0 {
			return
		}
		r.publish(bus.KindMessageRead, ReadEvent{RoomID: r.info.ID, MessageIDs: queued, IsRead: true})
		r.armReadTimerLocked()
	})
	return len(queued), err
}

// armReadTimerLocked restarts the debounce; a superseded timer finds a
// newer generation and does nothing.
func (r *Room) armReadTimerLocked() {
	r.readGen++
	g := r.readGen
	if r.readTimer != nil {
		r.readTimer.Stop()
	}
	r.readTimer = time.AfterFunc(r.opts.ReadDebounce, func() {
		r.post(func() {
			if g != r.readGen {
				return
			}
			if batch := r.takeReadsLocked(); len(batch) > 0 {
				go func() { _ = r.sendReads(r.ctx, batch) }()
			}
		})
	})
}

// FlushReads sends the queued receipt batch now.
func (r *Room) FlushReads(ctx context.Context) error {
	var batch []string
	if err := r.call(ctx, func() { batch = r.takeReadsLocked() }); err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}
	return r.sendReads(ctx, batch)
}

func (r *Room) takeReadsLocked() []string {
	r.readGen++
	if r.readTimer != nil {
		r.readTimer.Stop()
		r.readTimer = nil
	}
	batch := r.readBuf
	r.readBuf = nil
	for _, id := range batch {
		delete(r.readQueued, id)
		r.readFlying[id] = true
	}
	return batch
}

// sendReads notifies the peer over the socket and confirms over REST. Only
// the REST result decides the batch; on failure exactly its ids revert.
func (r *Room) sendReads(ctx context.Context, batch []string) error {
	if err := r.deps.Frames.Send(r.info.ID, wire.NewReadReceiptFrame(batch)); err != nil {
		r.log.Debug("read receipt not pushed", zap.Int("count", len(batch)), zap.Error(err))
	}
	apiErr := r.deps.API.MarkRead(ctx, r.info.ID, batch)
	if r.deps.Metrics != nil {
		r.deps.Metrics.ReadBatch(apiErr == nil)
	}
	r.post(func() {
		var reverted []string
		for _, id := range batch {
			delete(r.readFlying, id)
			if apiErr == nil {
				continue
			}
			if m := r.findLocked(id); m != nil && m.IsRead {
				m.IsRead = false
				reverted = append(reverted, id)
			}
		}
		if len(reverted) > 0 {
			r.rolledBack("read")
			r.publish(bus.KindMessageRead, ReadEvent{RoomID: r.info.ID, MessageIDs: reverted, IsRead: false})
		}
	})
	if apiErr != nil {
		r.log.Warn("mark read failed", zap.Int("count", len(batch)), zap.Error(apiErr))
		return fmt.Errorf("mark read: %w", apiErr)
	}
	return nil
}

// Load fetches the first page and merges it with the plaintext cache.
func (r *Room) Load(ctx context.Context) error {
	return r.fetchFirst(ctx, false)
}

// Refresh refetches the first page bypassing HTTP caches; it closes the gap
// left by a dropped socket.
func (r *Room) Refresh(ctx context.Context) error {
	return r.fetchFirst(ctx, true)
}

func (r *Room) fetchFirst(ctx context.Context, fresh bool) error {
	cached := r.deps.Cache.GetAll(r.info.ID)
	page, err := r.deps.API.ListMessages(ctx, r.info.ID, 1, r.opts.PageSize, fresh)
	if err != nil {
		return fmt.Errorf("load room %s: %w", r.info.ID, err)
	}
	var unconfirmed []store.PendingSend
	if r.deps.Outbox != nil {
		unconfirmed = r.deps.Outbox.Unconfirmed(r.info.ID)
	}
	if err := r.call(ctx, func() {
		if fresh {
			r.pruneMissingLocked(page.Messages, !page.HasNext)
		}
		r.mergeLocked(page.Messages, cached)
		if r.nextPage <= 1 {
			r.nextPage = 2
			r.hasMore = page.HasNext
		}
		r.restoreUnconfirmedLocked(unconfirmed)
		r.publish(bus.KindRoomSynced, SyncedEvent{RoomID: r.info.ID, Count: len(page.Messages), Fresh: fresh})
	}); err != nil {
		return err
	}
	r.deps.Checkpoints.MarkSynced(r.info.ID, time.Now())
	return nil
}

// pruneMissingLocked drops confirmed messages that fall inside the time
// range of a freshly fetched first page but are absent from it; they were
// deleted while the socket was down. complete means the page is the whole
// history, so nothing older survives either.
func (r *Room) pruneMissingLocked(page []*model.Message, complete bool) {
	if len(page) == 0 {
		return
	}
	seen := make(map[string]bool, len(page))
	oldest, newest := page[0].CreatedAt, page[0].CreatedAt
	for _, m := range page {
		seen[m.ID] = true
		if m.CreatedAt.Before(oldest) {
			oldest = m.CreatedAt
		}
		if m.CreatedAt.After(newest) {
			newest = m.CreatedAt
		}
	}
	for i := len(r.messages) - 1; i >= 0; i-- {
		m := r.messages[i]
		if m.IsPending() || seen[m.ID] || m.CreatedAt.After(newest) {
			continue
		}
		if !complete && m.CreatedAt.Before(oldest) {
			continue
		}
		r.removeAtLocked(i)
		r.deps.Cache.Remove(r.info.ID, m.ID)
		r.log.Debug("pruned message missing from refetch", zap.String("msg_id", m.ID))
		r.publish(bus.KindMessageRemoved, RemovedEvent{RoomID: r.info.ID, MessageID: m.ID})
	}
}

// restoreUnconfirmedLocked shows lookaside entries that never got an echo,
// typically sends cut short by a restart, as failed so they can be resent.
// Entries already present, or whose echo is in the list, are skipped.
func (r *Room) restoreUnconfirmedLocked(entries []store.PendingSend) {
	restored := 0
	for _, p := range entries {
		if r.indexLocked(p.PendingID) >= 0 || r.echoedLocked(p) {
			continue
		}
		created := time.UnixMilli(p.CreatedAt)
		m := &model.Message{
			ID:                      p.PendingID,
			RoomID:                  r.info.ID,
			SenderID:                r.opts.SelfID,
			Type:                    model.MessageType(p.MessageType),
			AssetID:                 p.AssetID,
			ReplyToID:               p.ReplyTo,
			EncryptedContent:        p.EncryptedContent,
			EncryptedSessionKey:     p.EncryptedSessionKey,
			SelfEncryptedSessionKey: p.SelfEncryptedSessionKey,
			Plaintext:               p.Plaintext,
			Status:                  model.StatusFailed,
			CreatedAt:               created,
			UpdatedAt:               created,
		}
		if m.EncryptedContent == "" {
			m.Content = p.Plaintext
		}
		r.plaintexts[m.ID] = p.Plaintext
		r.messages = append(r.messages, m)
		restored++
	}
	if restored > 0 {
		r.sortLocked()
		r.log.Info("restored unconfirmed sends", zap.Int("count", restored))
	}
}

func (r *Room) echoedLocked(p store.PendingSend) bool {
	for _, m := range r.messages {
		if m.IsPending() || m.SenderID != r.opts.SelfID {
			continue
		}
		if p.EncryptedContent != "" && m.EncryptedContent == p.EncryptedContent {
			return true
		}
		if p.EncryptedContent == "" && m.Content == p.Plaintext && !m.CreatedAt.Before(time.UnixMilli(p.CreatedAt).Add(-r.opts.MatchWindow)) {
			return true
		}
	}
	return false
}

// LastSynced returns when the room's first page was last merged, zero if
// never.
func (r *Room) LastSynced() time.Time {
	t, err := r.deps.Checkpoints.LastSynced(r.info.ID)
	if err != nil {
		r.log.Warn("read sync checkpoint", zap.Error(err))
	}
	return t
}

// LoadOlder fetches and merges the next page. It returns how many messages
// were new to the list; zero with a nil error means history is exhausted.
func (r *Room) LoadOlder(ctx context.Context) (int, error) {
	var (
		page int
		err  error
		done bool
	)
	if cerr := r.call(ctx, func() {
		switch {
		case !r.hasMore:
			done = true
		case r.loading:
			err = ErrLoadInFlight
		default:
			r.loading = true
			page = r.nextPage
		}
	}); cerr != nil {
		return 0, cerr
	}
	if err != nil || done {
		return 0, err
	}

	cached := r.deps.Cache.GetAll(r.info.ID)
	res, apiErr := r.deps.API.ListMessages(ctx, r.info.ID, page, r.opts.PageSize, false)
	added := 0
	if cerr := r.call(context.WithoutCancel(ctx), func() {
		r.loading = false
		if apiErr != nil {
			return
		}
		before := len(r.messages)
		r.mergeLocked(res.Messages, cached)
		added = len(r.messages) - before
		r.nextPage = page + 1
		r.hasMore = res.HasNext
	}); cerr != nil {
		return 0, cerr
	}
	if apiErr != nil {
		return 0, fmt.Errorf("load page %d of room %s: %w", page, r.info.ID, apiErr)
	}
	return added, nil
}

// HasMore reports whether older pages remain.
func (r *Room) HasMore(ctx context.Context) (bool, error) {
	var more bool
	err := r.call(ctx, func() { more = r.hasMore })
	return more, err
}

// mergeLocked ingests a page, re-sorts, and decrypts what the cache missed
// in one bounded batch.
func (r *Room) mergeLocked(msgs []*model.Message, cached map[string]string) {
	var toDecrypt []*model.Message
	for _, m := range msgs {
		if added := r.ingestLocked(m, cached[m.ID], false); added != nil {
			toDecrypt = append(toDecrypt, added)
		}
	}
	r.sortLocked()
	r.decryptLocked(toDecrypt)
}

// decryptLocked schedules decryption of msgs on a bounded worker group.
func (r *Room) decryptLocked(msgs []*model.Message) {
	type job struct {
		id  string
		msg *model.Message
	}
	var jobs []job
	for _, m := range msgs {
		if !m.IsEncrypted() || m.Plaintext != "" || r.decrypting[m.ID] {
			continue
		}
		r.decrypting[m.ID] = true
		jobs = append(jobs, job{id: m.ID, msg: m.Clone()})
	}
	if len(jobs) == 0 {
		return
	}

	go func() {
		g, ctx := errgroup.WithContext(r.ctx)
		g.SetLimit(r.opts.DecryptConcurrency)
		for _, j := range jobs {
			j := j
			g.Go(func() error {
				text, fromCache := r.deps.Cache.Get(r.info.ID, j.id)
				var err error
				if !fromCache {
					text, err = r.deps.Cipher.Open(ctx, j.msg)
				}
				r.post(func() { r.applyDecryptLocked(j.id, j.msg.EncryptedContent, text, fromCache, err) })
				return nil
			})
		}
		_ = g.Wait()
	}()
}

func (r *Room) applyDecryptLocked(id, ciphertext, text string, fromCache bool, err error) {
	delete(r.decrypting, id)
	m := r.findLocked(id)
	if m == nil || m.EncryptedContent != ciphertext {
		// Deleted or edited while decrypting.
		return
	}
	if err != nil {
		m.DecryptFailed = true
		if r.deps.Metrics != nil {
			r.deps.Metrics.DecryptFailed()
		}
		r.log.Warn("decrypt failed", zap.String("msg_id", id), zap.Error(err))
		r.publish(bus.KindDecryptFailed, MessageEvent{RoomID: r.info.ID, Message: m.Clone()})
		return
	}
	m.Plaintext = text
	m.DecryptFailed = false
	if !fromCache {
		r.deps.Cache.Set(r.info.ID, id, text)
	}
	r.publish(bus.KindMessageUpdated, MessageEvent{RoomID: r.info.ID, Message: m.Clone()})
}

// RetryDecryption clears the failure marks and re-attempts every message
// that failed to decrypt. It returns how many were rescheduled.
func (r *Room) RetryDecryption(ctx context.Context) (int, error) {
	n := 0
	err := r.call(ctx, func() {
		var failed []*model.Message
		for _, m := range r.messages {
			if m.DecryptFailed {
				m.DecryptFailed = false
				delete(r.decrypting, m.ID)
				failed = append(failed, m)
			}
		}
		n = len(failed)
		r.decryptLocked(failed)
	})
	return n, err
}
