package sync

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	stdsync "sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/matheus3301/sealdm/internal/model"
	"github.com/matheus3301/sealdm/internal/store"
	"github.com/matheus3301/sealdm/internal/wire"
)

const self = "me"

var errBoom = errors.New("boom")

func testDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type listCall struct {
	page  int
	fresh bool
}

type fakeAPI struct {
	mu        stdsync.Mutex
	pages     map[int]model.Page
	lists     []listCall
	marks     [][]string
	deletes   []string
	edits     []model.Edit
	markErr   error
	deleteErr error
	editErr   error

	// deleteGate, when set, blocks DeleteMessage until closed;
	// deleteEntered is signaled first.
	deleteGate    chan struct{}
	deleteEntered chan struct{}
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{pages: make(map[int]model.Page)}
}

func (f *fakeAPI) ListMessages(_ context.Context, _ string, page, _ int, fresh bool) (model.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists = append(f.lists, listCall{page, fresh})
	p := f.pages[page]
	out := model.Page{HasNext: p.HasNext}
	for _, m := range p.Messages {
		out.Messages = append(out.Messages, m.Clone())
	}
	return out, nil
}

func (f *fakeAPI) MarkRead(_ context.Context, _ string, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, append([]string(nil), ids...))
	return f.markErr
}

func (f *fakeAPI) EditMessage(_ context.Context, id string, edit model.Edit) (*model.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, edit)
	if f.editErr != nil {
		return nil, f.editErr
	}
	return &model.Message{ID: id, UpdatedAt: time.Now()}, nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, id string) error {
	f.mu.Lock()
	gate, entered := f.deleteGate, f.deleteEntered
	f.deletes = append(f.deletes, id)
	f.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deleteErr
}

func (f *fakeAPI) set(fn func(f *fakeAPI)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeAPI) markCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.marks...)
}

func (f *fakeAPI) listCalls() []listCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]listCall(nil), f.lists...)
}

// fakeCipher "encrypts" by prefixing ct:.
type fakeCipher struct {
	failing atomic.Bool
	opens   atomic.Int32
}

func (c *fakeCipher) Seal(_ context.Context, peer, plaintext string) (model.Sealed, error) {
	return model.Sealed{
		EncryptedContent:        "ct:" + plaintext,
		EncryptedSessionKey:     "key-for-" + peer,
		SelfEncryptedSessionKey: "key-for-" + self,
	}, nil
}

func (c *fakeCipher) Open(_ context.Context, msg *model.Message) (string, error) {
	c.opens.Add(1)
	if c.failing.Load() {
		return "", errBoom
	}
	text, ok := strings.CutPrefix(msg.EncryptedContent, "ct:")
	if !ok {
		return "", errBoom
	}
	return text, nil
}

type fakeCache struct {
	mu      stdsync.Mutex
	entries map[string]map[string]string
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]map[string]string)}
}

func (c *fakeCache) Get(room, id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.entries[room][id]
	return v, ok
}

func (c *fakeCache) Set(room, id, plaintext string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[room] == nil {
		c.entries[room] = make(map[string]string)
	}
	c.entries[room][id] = plaintext
}

func (c *fakeCache) GetAll(room string) map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]string)
	for k, v := range c.entries[room] {
		out[k] = v
	}
	return out
}

func (c *fakeCache) Remove(room, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries[room], id)
}

type fakeOutbox struct {
	mu        stdsync.Mutex
	sent      []*model.Message
	forgotten []string
	lookaside map[string]*store.PendingSend
	// unconfirmed is what Unconfirmed lists, oldest first.
	unconfirmed []store.PendingSend
	err         error
}

func newFakeOutbox() *fakeOutbox {
	return &fakeOutbox{lookaside: make(map[string]*store.PendingSend)}
}

func (o *fakeOutbox) Transmit(msg *model.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sent = append(o.sent, msg.Clone())
	return o.err
}

func (o *fakeOutbox) Forget(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.forgotten = append(o.forgotten, id)
}

func (o *fakeOutbox) Recover(_ string, ct string) (*store.PendingSend, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	p, ok := o.lookaside[ct]
	return p, ok
}

func (o *fakeOutbox) Unconfirmed(room string) []store.PendingSend {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []store.PendingSend
	for _, p := range o.unconfirmed {
		if p.RoomID == room {
			out = append(out, p)
		}
	}
	return out
}

func (o *fakeOutbox) setErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.err = err
}

func (o *fakeOutbox) forgottenIDs() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.forgotten...)
}

type fakeFrames struct {
	mu     stdsync.Mutex
	frames []wire.Outgoing
}

func (f *fakeFrames) Send(_ string, frame any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if out, ok := frame.(wire.Outgoing); ok {
		f.frames = append(f.frames, out)
	}
	return nil
}

func (f *fakeFrames) count(typ string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, fr := range f.frames {
		if fr.Type == typ {
			n++
		}
	}
	return n
}

type fakeMetrics struct {
	mu        stdsync.Mutex
	rules     []string
	rollbacks []string
	failures  int
}

func (m *fakeMetrics) EchoReconciled(rule string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = append(m.rules, rule)
}

func (m *fakeMetrics) RolledBack(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbacks = append(m.rollbacks, op)
}

func (m *fakeMetrics) ReadBatch(bool) {}

func (m *fakeMetrics) DecryptFailed() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures++
}

type harness struct {
	api     *fakeAPI
	cipher  *fakeCipher
	cache   *fakeCache
	outbox  *fakeOutbox
	frames  *fakeFrames
	metrics *fakeMetrics
}

func newHarness() *harness {
	return &harness{
		api:     newFakeAPI(),
		cipher:  &fakeCipher{},
		cache:   newFakeCache(),
		outbox:  newFakeOutbox(),
		frames:  &fakeFrames{},
		metrics: &fakeMetrics{},
	}
}

func (h *harness) deps() Deps {
	return Deps{
		API:     h.api,
		Cipher:  h.cipher,
		Cache:   h.cache,
		Outbox:  h.outbox,
		Frames:  h.frames,
		Metrics: h.metrics,
	}
}

func testOptions() Options {
	return Options{SelfID: self, PageSize: 30, ReadDebounce: 50 * time.Millisecond}
}

func (h *harness) room(t *testing.T, info RoomInfo) *Room {
	t.Helper()
	r := NewRoom(info, testOptions(), h.deps())
	t.Cleanup(r.Close)
	return r
}

var base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

func peerMsg(id string, sec int, text string, encrypted bool) *model.Message {
	m := &model.Message{ID: id, RoomID: "r1", SenderID: "peer", Type: model.TypeText, CreatedAt: at(sec)}
	if encrypted {
		m.EncryptedContent = "ct:" + text
		m.EncryptedSessionKey = "k"
	} else {
		m.Content = text
	}
	return m
}

func snapshot(t *testing.T, r *Room) []*model.Message {
	t.Helper()
	msgs, err := r.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	return msgs
}

func ids(msgs []*model.Message) string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return strings.Join(out, ",")
}

func find(msgs []*model.Message, id string) *model.Message {
	for _, m := range msgs {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
