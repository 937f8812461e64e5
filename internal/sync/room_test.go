package sync

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/matheus3301/sealdm/internal/bus"
	"github.com/matheus3301/sealdm/internal/cache"
	"github.com/matheus3301/sealdm/internal/model"
	"github.com/matheus3301/sealdm/internal/store"
	"github.com/matheus3301/sealdm/internal/wire"
)

var (
	direct = RoomInfo{ID: "r1", PeerID: "peer"}
	group  = RoomInfo{ID: "r1"}
)

func echoOf(sent *model.Message, id string) *model.Message {
	return &model.Message{
		ID:                      id,
		RoomID:                  sent.RoomID,
		SenderID:                self,
		Type:                    sent.Type,
		Content:                 sent.Content,
		EncryptedContent:        sent.EncryptedContent,
		EncryptedSessionKey:     sent.EncryptedSessionKey,
		SelfEncryptedSessionKey: sent.SelfEncryptedSessionKey,
		CreatedAt:               time.Now(),
	}
}

func TestSendThenEchoIsIdempotent(t *testing.T) {
	h := newHarness()
	r := h.room(t, direct)
	ctx := context.Background()

	sent, err := r.Send(ctx, "hello", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if !sent.IsPending() || sent.Status != model.StatusSent {
		t.Fatalf("sent = %+v, want pending with status sent", sent)
	}
	if sent.EncryptedContent != "ct:hello" || sent.Content != "" {
		t.Errorf("direct room message not sealed: %+v", sent)
	}

	echo := echoOf(sent, "100")
	r.Handle(wire.ChatMessage{Message: echo})
	r.Handle(wire.ChatMessage{Message: echoOf(sent, "100")})

	msgs := snapshot(t, r)
	if ids(msgs) != "100" {
		t.Fatalf("ids = %s, want exactly the confirmed echo", ids(msgs))
	}
	got := msgs[0]
	if got.Plaintext != "hello" || got.Status != model.StatusSent {
		t.Errorf("confirmed = %+v", got)
	}
	if text, ok := h.cache.Get("r1", "100"); !ok || text != "hello" {
		t.Errorf("cache = %q, %v", text, ok)
	}
	if h.cipher.opens.Load() != 0 {
		t.Error("own echo was decrypted instead of reusing the composed text")
	}
	eventually(t, "lookaside forgotten", func() bool {
		return slices.Contains(h.outbox.forgottenIDs(), sent.ID)
	})
	if h.metrics.rules[0] != RuleCiphertext {
		t.Errorf("rule = %v, want ciphertext", h.metrics.rules)
	}
}

func TestEchoMatchesByCiphertextBeforeAsset(t *testing.T) {
	h := newHarness()
	r := h.room(t, direct)
	ctx := context.Background()

	first, err := r.Send(ctx, "one", SendOptions{Type: model.TypeImage, AssetID: "asset-1"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Send(ctx, "two", SendOptions{Type: model.TypeImage, AssetID: "asset-2"})
	if err != nil {
		t.Fatal(err)
	}

	// Ciphertext of the second, asset of the first.
	echo := echoOf(second, "200")
	echo.AssetID = "asset-1"
	r.Handle(wire.ChatMessage{Message: echo})

	msgs := snapshot(t, r)
	if len(msgs) != 2 {
		t.Fatalf("ids = %s, want one pending and one confirmed", ids(msgs))
	}
	if find(msgs, first.ID) == nil {
		t.Error("first pending was consumed")
	}
	if find(msgs, second.ID) != nil {
		t.Error("second pending still present")
	}
	if m := find(msgs, "200"); m == nil || m.Plaintext != "two" {
		t.Errorf("confirmed = %+v", m)
	}
}

func TestPlaintextRoomMatchesByContent(t *testing.T) {
	h := newHarness()
	r := h.room(t, group)

	sent, err := r.Send(context.Background(), "hey all", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if sent.Content != "hey all" || sent.IsEncrypted() {
		t.Fatalf("group message = %+v, want plaintext", sent)
	}
	echo := echoOf(sent, "300")
	echo.CreatedAt = time.Now().Add(time.Minute)
	r.Handle(wire.ChatMessage{Message: echo})

	msgs := snapshot(t, r)
	if ids(msgs) != "300" || msgs[0].Text() != "hey all" {
		t.Errorf("messages = %s", ids(msgs))
	}
	if h.metrics.rules[0] != RuleContent {
		t.Errorf("rule = %v, want content", h.metrics.rules)
	}
}

func TestUnmatchedEchoRecoversFromLookaside(t *testing.T) {
	h := newHarness()
	h.outbox.lookaside["ct:from before restart"] = &store.PendingSend{PendingID: "pending-1", Plaintext: "from before restart"}
	r := h.room(t, direct)

	echo := &model.Message{ID: "400", RoomID: "r1", SenderID: self, Type: model.TypeText,
		EncryptedContent: "ct:from before restart", EncryptedSessionKey: "k", CreatedAt: at(0)}
	r.Handle(wire.ChatMessage{Message: echo})

	msgs := snapshot(t, r)
	if len(msgs) != 1 || msgs[0].Plaintext != "from before restart" {
		t.Fatalf("messages = %+v", msgs)
	}
	if h.cipher.opens.Load() != 0 {
		t.Error("recovered echo was decrypted")
	}
	eventually(t, "lookaside forgotten", func() bool {
		return slices.Contains(h.outbox.forgottenIDs(), "pending-1")
	})
}

func TestSendFailureThenResend(t *testing.T) {
	h := newHarness()
	r := h.room(t, direct)
	ctx := context.Background()

	h.outbox.setErr(errBoom)
	msg, err := r.Send(ctx, "retry me", SendOptions{})
	if !errors.Is(err, errBoom) {
		t.Fatalf("Send() error = %v, want transport failure", err)
	}
	if msg == nil || msg.Status != model.StatusFailed {
		t.Fatalf("message = %+v, want status failed", msg)
	}
	if got := snapshot(t, r); len(got) != 1 || got[0].Status != model.StatusFailed {
		t.Fatalf("failed message not kept visible: %+v", got)
	}

	h.outbox.setErr(nil)
	again, err := r.Resend(ctx, msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != model.StatusSent || again.ID != msg.ID {
		t.Errorf("resent = %+v", again)
	}
	if _, err := r.Resend(ctx, msg.ID); !errors.Is(err, ErrNotRetryable) {
		t.Errorf("Resend() of a sent message error = %v", err)
	}
	if last := h.outbox.sent[len(h.outbox.sent)-1]; last.Plaintext != "retry me" {
		t.Errorf("retransmitted plaintext = %q", last.Plaintext)
	}
}

func TestDuplicatePeerMessageIsDeduplicated(t *testing.T) {
	h := newHarness()
	r := h.room(t, group)

	r.Handle(wire.ChatMessage{Message: peerMsg("5", 5, "b", false)})
	r.Handle(wire.ChatMessage{Message: peerMsg("3", 3, "a", false)})
	r.Handle(wire.ChatMessage{Message: peerMsg("5", 5, "b", false)})

	msgs := snapshot(t, r)
	if ids(msgs) != "3,5" {
		t.Errorf("ids = %s, want 3,5 sorted and unique", ids(msgs))
	}
}

func loadRoom(t *testing.T, h *harness, info RoomInfo, msgs ...*model.Message) *Room {
	t.Helper()
	h.api.pages[1] = model.Page{Messages: msgs}
	r := h.room(t, info)
	if err := r.Load(context.Background()); err != nil {
		t.Fatal(err)
	}
	return r
}

func TestReadReceiptsAreBatched(t *testing.T) {
	h := newHarness()
	var msgs []*model.Message
	for i, id := range []string{"1", "2", "3", "4", "5"} {
		msgs = append(msgs, peerMsg(id, i, "m"+id, false))
	}
	r := loadRoom(t, h, group, msgs...)
	ctx := context.Background()

	for _, m := range msgs {
		if _, err := r.MarkVisible(ctx, []string{m.ID}); err != nil {
			t.Fatal(err)
		}
	}
	for _, m := range snapshot(t, r) {
		if !m.IsRead {
			t.Errorf("%s not flagged read optimistically", m.ID)
		}
	}

	eventually(t, "batched mark read", func() bool { return len(h.api.markCalls()) > 0 })
	time.Sleep(50 * time.Millisecond)
	calls := h.api.markCalls()
	if len(calls) != 1 {
		t.Fatalf("mark read calls = %v, want exactly one", calls)
	}
	if len(calls[0]) != 5 {
		t.Errorf("batch = %v, want all 5 ids", calls[0])
	}
	if n := h.frames.count(wire.TypeReadReceipt); n != 1 {
		t.Errorf("read_receipt frames = %d, want 1", n)
	}
}

func TestReadRollbackOnlyRevertsFailedBatch(t *testing.T) {
	h := newHarness()
	r := loadRoom(t, h, group, peerMsg("1", 1, "a", false), peerMsg("2", 2, "b", false), peerMsg("3", 3, "c", false))
	ctx := context.Background()

	if _, err := r.MarkVisible(ctx, []string{"1", "2"}); err != nil {
		t.Fatal(err)
	}
	if err := r.FlushReads(ctx); err != nil {
		t.Fatal(err)
	}

	h.api.set(func(f *fakeAPI) { f.markErr = errBoom })
	if n, err := r.MarkVisible(ctx, []string{"3"}); err != nil || n != 1 {
		t.Fatalf("MarkVisible() = %d, %v", n, err)
	}
	if err := r.FlushReads(ctx); !errors.Is(err, errBoom) {
		t.Fatalf("FlushReads() error = %v, want failure", err)
	}

	msgs := snapshot(t, r)
	for id, want := range map[string]bool{"1": true, "2": true, "3": false} {
		if got := find(msgs, id).IsRead; got != want {
			t.Errorf("message %s IsRead = %v, want %v", id, got, want)
		}
	}
	if !slices.Contains(h.metrics.rollbacks, "read") {
		t.Errorf("rollbacks = %v", h.metrics.rollbacks)
	}
}

func TestMarkVisibleSkipsOwnReadAndQueued(t *testing.T) {
	h := newHarness()
	own := &model.Message{ID: "1", SenderID: self, Type: model.TypeText, Content: "mine", CreatedAt: at(1)}
	read := peerMsg("2", 2, "seen", false)
	read.IsRead = true
	r := loadRoom(t, h, group, own, read, peerMsg("3", 3, "new", false))
	ctx := context.Background()

	n, err := r.MarkVisible(ctx, []string{"1", "2", "3", "missing"})
	if err != nil || n != 1 {
		t.Fatalf("MarkVisible() = %d, %v; want 1", n, err)
	}
	if n, _ := r.MarkVisible(ctx, []string{"3"}); n != 0 {
		t.Errorf("queued id accepted twice")
	}
}

func TestInboundReceiptFlagsOwnMessages(t *testing.T) {
	h := newHarness()
	own := &model.Message{ID: "1", SenderID: self, Type: model.TypeText, Content: "mine", CreatedAt: at(1)}
	r := loadRoom(t, h, group, own, peerMsg("2", 2, "theirs", false))

	r.Handle(wire.ReadReceipt{UserID: "peer", MessageIDs: []string{"1", "2"}})
	msgs := snapshot(t, r)
	if !find(msgs, "1").IsRead {
		t.Error("own message not flagged read")
	}
	if find(msgs, "2").IsRead {
		t.Error("peer message flagged read by the peer's receipt")
	}
}

func TestDeleteRollbackRestoresPosition(t *testing.T) {
	h := newHarness()
	r := loadRoom(t, h, group, peerMsg("1", 1, "a", false), peerMsg("2", 2, "b", false), peerMsg("3", 3, "c", false))
	h.api.deleteErr = errBoom

	if err := r.Delete(context.Background(), "2"); !errors.Is(err, errBoom) {
		t.Fatalf("Delete() error = %v", err)
	}
	if got := ids(snapshot(t, r)); got != "1,2,3" {
		t.Errorf("ids after rollback = %s, want 1,2,3", got)
	}
	if !slices.Contains(h.metrics.rollbacks, "delete") {
		t.Errorf("rollbacks = %v", h.metrics.rollbacks)
	}
}

func TestConcurrentDeleteIsRejected(t *testing.T) {
	h := newHarness()
	r := loadRoom(t, h, group, peerMsg("1", 1, "a", false), peerMsg("2", 2, "b", false))
	h.api.deleteGate = make(chan struct{})
	h.api.deleteEntered = make(chan struct{}, 1)
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() { errc <- r.Delete(ctx, "2") }()
	<-h.api.deleteEntered

	if got := ids(snapshot(t, r)); got != "1" {
		t.Errorf("ids during delete = %s, want optimistic removal", got)
	}
	if err := r.Delete(ctx, "2"); !errors.Is(err, ErrDeleteInFlight) {
		t.Errorf("second Delete() error = %v, want ErrDeleteInFlight", err)
	}
	close(h.api.deleteGate)
	if err := <-errc; err != nil {
		t.Fatal(err)
	}
	if got := ids(snapshot(t, r)); got != "1" {
		t.Errorf("ids = %s", got)
	}
}

func TestPushedDeleteWinsOverRollback(t *testing.T) {
	h := newHarness()
	r := loadRoom(t, h, group, peerMsg("1", 1, "a", false), peerMsg("2", 2, "b", false))
	h.api.deleteGate = make(chan struct{})
	h.api.deleteEntered = make(chan struct{}, 1)
	h.api.deleteErr = errBoom

	errc := make(chan error, 1)
	go func() { errc <- r.Delete(context.Background(), "2") }()
	<-h.api.deleteEntered
	r.Handle(wire.MessageDelete{MessageID: "2"})
	snapshot(t, r)
	close(h.api.deleteGate)

	if err := <-errc; !errors.Is(err, errBoom) {
		t.Fatalf("Delete() error = %v", err)
	}
	if got := ids(snapshot(t, r)); got != "1" {
		t.Errorf("ids = %s, want the server-confirmed delete kept", got)
	}
}

func TestDeletePendingStaysLocal(t *testing.T) {
	h := newHarness()
	r := h.room(t, group)
	h.outbox.setErr(errBoom)
	msg, _ := r.Send(context.Background(), "oops", SendOptions{})

	if err := r.Delete(context.Background(), msg.ID); err != nil {
		t.Fatal(err)
	}
	if len(snapshot(t, r)) != 0 {
		t.Error("pending message still visible")
	}
	if len(h.api.deletes) != 0 {
		t.Errorf("server delete called for a local message: %v", h.api.deletes)
	}
}

func TestEditRollback(t *testing.T) {
	h := newHarness()
	own := &model.Message{ID: "1", RoomID: "r1", SenderID: self, Type: model.TypeText, Content: "before", CreatedAt: at(1)}
	r := loadRoom(t, h, group, own, peerMsg("2", 2, "theirs", false))
	ctx := context.Background()
	h.api.editErr = errBoom

	if _, err := r.Edit(ctx, "1", "after"); !errors.Is(err, errBoom) {
		t.Fatalf("Edit() error = %v", err)
	}
	if got := find(snapshot(t, r), "1"); got.Text() != "before" {
		t.Errorf("text after rollback = %q", got.Text())
	}
	if _, err := r.Edit(ctx, "2", "hijack"); !errors.Is(err, ErrNotEditable) {
		t.Errorf("editing a peer message error = %v", err)
	}
}

func TestEditEncrypted(t *testing.T) {
	h := newHarness()
	own := &model.Message{ID: "1", RoomID: "r1", SenderID: self, Type: model.TypeText,
		EncryptedContent: "ct:before", EncryptedSessionKey: "k", CreatedAt: at(1)}
	r := loadRoom(t, h, direct, own)

	got, err := r.Edit(context.Background(), "1", "after")
	if err != nil {
		t.Fatal(err)
	}
	if got.EncryptedContent != "ct:after" || got.Plaintext != "after" || got.Content != "" {
		t.Errorf("edited = %+v", got)
	}
	if edit := h.api.edits[0]; edit.Sealed.EncryptedContent != "ct:after" || edit.Content != "" {
		t.Errorf("sent edit = %+v", edit)
	}
	if text, _ := h.cache.Get("r1", "1"); text != "after" {
		t.Errorf("cache = %q", text)
	}
}

func TestPeerEditRedecrypts(t *testing.T) {
	h := newHarness()
	r := loadRoom(t, h, direct, peerMsg("1", 1, "old", true))
	eventually(t, "initial decrypt", func() bool { return find(snapshot(t, r), "1").Plaintext == "old" })

	r.Handle(wire.MessageUpdate{Message: peerMsg("1", 1, "new", true)})
	eventually(t, "re-decrypt", func() bool { return find(snapshot(t, r), "1").Plaintext == "new" })
	if text, _ := h.cache.Get("r1", "1"); text != "new" {
		t.Errorf("cache = %q", text)
	}
}

// The disk cache deletes files on its own goroutine; the re-decrypt of an
// edited message must still see the new ciphertext's text.
func TestPeerEditRedecryptsWithDiskCache(t *testing.T) {
	for i := 0; i < 20; i++ {
		h := newHarness()
		c, err := cache.New(t.TempDir(), nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = c.Close() })
		deps := h.deps()
		deps.Cache = c
		r := NewRoom(direct, testOptions(), deps)
		t.Cleanup(r.Close)

		r.Handle(wire.ChatMessage{Message: peerMsg("1", 1, "old", true)})
		eventually(t, "initial decrypt", func() bool {
			m := find(snapshot(t, r), "1")
			return m != nil && m.Plaintext == "old"
		})
		c.Flush()

		r.Handle(wire.MessageUpdate{Message: peerMsg("1", 1, "new", true)})
		eventually(t, "re-decrypt", func() bool { return find(snapshot(t, r), "1").Plaintext == "new" })
		c.Flush()
		if text, _ := c.Get("r1", "1"); text != "new" {
			t.Fatalf("iteration %d: cache = %q, want new", i, text)
		}
	}
}

func TestOwnEchoWithOtherCiphertextIsNotReconciled(t *testing.T) {
	h := newHarness()
	r := h.room(t, direct)
	ctx := context.Background()

	sent, err := r.Send(ctx, "secret A", SendOptions{})
	if err != nil {
		t.Fatal(err)
	}
	// Same account, same type, inside the window, but sent from another device.
	other := &model.Message{ID: "200", RoomID: "r1", SenderID: self, Type: model.TypeText,
		EncryptedContent: "ct:from other device", EncryptedSessionKey: "k", CreatedAt: time.Now()}
	r.Handle(wire.ChatMessage{Message: other})

	eventually(t, "echo decrypted", func() bool {
		m := find(snapshot(t, r), "200")
		return m != nil && m.Plaintext != ""
	})
	msgs := snapshot(t, r)
	if m := find(msgs, "200"); m.Plaintext != "from other device" {
		t.Errorf("plaintext = %q, want its own decrypted text", m.Plaintext)
	}
	if find(msgs, sent.ID) == nil {
		t.Error("pending consumed by an unrelated echo")
	}
	if text, _ := h.cache.Get("r1", "200"); text != "from other device" {
		t.Errorf("cache = %q", text)
	}
	if len(h.metrics.rules) != 0 {
		t.Errorf("rules = %v, want no reconciliation", h.metrics.rules)
	}
}

func TestUnconfirmedSendsRestoredAsFailed(t *testing.T) {
	h := newHarness()
	h.outbox.unconfirmed = []store.PendingSend{
		{PendingID: model.PendingPrefix + "echoed", RoomID: "r1", MessageType: "text", Plaintext: "made it",
			EncryptedContent: "ct:made it", CreatedAt: at(2).UnixMilli()},
		{PendingID: model.PendingPrefix + "lost", RoomID: "r1", MessageType: "text", Plaintext: "lost in restart",
			EncryptedContent: "ct:lost in restart", EncryptedSessionKey: "k", CreatedAt: at(5).UnixMilli()},
	}
	echoed := &model.Message{ID: "2", RoomID: "r1", SenderID: self, Type: model.TypeText,
		EncryptedContent: "ct:made it", EncryptedSessionKey: "k", CreatedAt: at(2)}
	r := loadRoom(t, h, direct, peerMsg("1", 1, "a", true), echoed)

	msgs := snapshot(t, r)
	lostID := model.PendingPrefix + "lost"
	if got := ids(msgs); got != "1,2,"+lostID {
		t.Fatalf("ids = %s", got)
	}
	lost := find(msgs, lostID)
	if lost.Status != model.StatusFailed || lost.Plaintext != "lost in restart" {
		t.Errorf("restored = %+v", lost)
	}

	again, err := r.Resend(context.Background(), lostID)
	if err != nil {
		t.Fatal(err)
	}
	if again.Status != model.StatusSent {
		t.Errorf("resent status = %s", again.Status)
	}
	if last := h.outbox.sent[len(h.outbox.sent)-1]; last.EncryptedContent != "ct:lost in restart" || last.Plaintext != "lost in restart" {
		t.Errorf("retransmitted = %+v", last)
	}
}

func TestRefreshPrunesMessagesDeletedOffline(t *testing.T) {
	h := newHarness()
	h.api.pages[1] = model.Page{Messages: []*model.Message{
		peerMsg("2", 2, "b", false), peerMsg("3", 3, "c", false), peerMsg("4", 4, "d", false),
	}, HasNext: true}
	h.api.pages[2] = model.Page{Messages: []*model.Message{peerMsg("1", 1, "a", false)}}
	r := h.room(t, group)
	ctx := context.Background()
	if err := r.Load(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := r.LoadOlder(ctx); err != nil {
		t.Fatal(err)
	}
	r.Handle(wire.ChatMessage{Message: peerMsg("5", 5, "pushed", false)})

	// 3 was deleted while the socket was down.
	h.api.set(func(f *fakeAPI) {
		f.pages[1] = model.Page{Messages: []*model.Message{peerMsg("2", 2, "b", false), peerMsg("4", 4, "d", false)}, HasNext: true}
	})
	if err := r.Refresh(ctx); err != nil {
		t.Fatal(err)
	}
	if got := ids(snapshot(t, r)); got != "1,2,4,5" {
		t.Errorf("ids = %s, want 3 pruned and messages outside the page kept", got)
	}
}

func TestPeerDeleteRemoves(t *testing.T) {
	h := newHarness()
	r := loadRoom(t, h, direct, peerMsg("1", 1, "a", true), peerMsg("2", 2, "b", true))
	r.Handle(wire.MessageDelete{MessageID: "1"})
	if got := ids(snapshot(t, r)); got != "2" {
		t.Errorf("ids = %s", got)
	}
	if _, ok := h.cache.Get("r1", "1"); ok {
		t.Error("cache entry of deleted message kept")
	}
}

func TestDecryptFailureAndRetry(t *testing.T) {
	h := newHarness()
	h.cipher.failing.Store(true)
	b := bus.New()
	events, unsub := b.Subscribe(bus.KindDecryptFailed, 8)
	defer unsub()

	deps := h.deps()
	deps.Bus = b
	h.api.pages[1] = model.Page{Messages: []*model.Message{peerMsg("1", 1, "a", true), peerMsg("2", 2, "b", true)}}
	r := NewRoom(direct, testOptions(), deps)
	defer r.Close()
	if err := r.Load(context.Background()); err != nil {
		t.Fatal(err)
	}

	eventually(t, "decrypt failures", func() bool {
		msgs := snapshot(t, r)
		return msgs[0].DecryptFailed && msgs[1].DecryptFailed
	})
	select {
	case <-events:
	case <-time.After(time.Second):
		t.Error("no decrypt_failed event")
	}

	h.cipher.failing.Store(false)
	n, err := r.RetryDecryption(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("RetryDecryption() = %d, %v", n, err)
	}
	eventually(t, "retried decrypt", func() bool {
		msgs := snapshot(t, r)
		return msgs[0].Plaintext == "a" && msgs[1].Plaintext == "b" && !msgs[0].DecryptFailed
	})
}

func TestLoadUsesCacheBeforeDecrypting(t *testing.T) {
	h := newHarness()
	h.cache.Set("r1", "1", "cached text")
	r := loadRoom(t, h, direct, peerMsg("1", 1, "ignored", true))

	if got := snapshot(t, r)[0]; got.Plaintext != "cached text" {
		t.Errorf("plaintext = %q, want cached", got.Plaintext)
	}
	if h.cipher.opens.Load() != 0 {
		t.Error("cipher used despite cache hit")
	}
}

func TestLoadOlderPages(t *testing.T) {
	h := newHarness()
	h.api.pages[1] = model.Page{Messages: []*model.Message{peerMsg("3", 3, "c", false), peerMsg("4", 4, "d", false)}, HasNext: true}
	h.api.pages[2] = model.Page{Messages: []*model.Message{peerMsg("1", 1, "a", false), peerMsg("2", 2, "b", false)}}
	r := h.room(t, group)
	ctx := context.Background()

	if err := r.Load(ctx); err != nil {
		t.Fatal(err)
	}
	n, err := r.LoadOlder(ctx)
	if err != nil || n != 2 {
		t.Fatalf("LoadOlder() = %d, %v; want 2", n, err)
	}
	if got := ids(snapshot(t, r)); got != "1,2,3,4" {
		t.Errorf("ids = %s", got)
	}
	if more, _ := r.HasMore(ctx); more {
		t.Error("HasMore after last page")
	}
	calls := len(h.api.listCalls())
	if n, err := r.LoadOlder(ctx); n != 0 || err != nil {
		t.Errorf("LoadOlder() at end = %d, %v", n, err)
	}
	if len(h.api.listCalls()) != calls {
		t.Error("fetched past the last page")
	}
}

func TestClosedRoomRejectsCalls(t *testing.T) {
	h := newHarness()
	r := NewRoom(group, testOptions(), h.deps())
	r.Close()
	r.Close()
	if _, err := r.Snapshot(context.Background()); !errors.Is(err, ErrRoomClosed) {
		t.Errorf("Snapshot() error = %v, want ErrRoomClosed", err)
	}
}
