package e2ee

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/matheus3301/sealdm/internal/keys"
	"github.com/matheus3301/sealdm/internal/model"
)

// account is one user's key material: a manager over a temp dir, unlocked by password.
type account struct {
	mgr *keys.Manager
	pub *rsa.PublicKey
	pem string
}

var alice, bob *account

func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "e2ee-test-*")
	if err != nil {
		panic(err)
	}
	// RSA generation is slow; both accounts are shared by every test.
	alice, err = newAccount(filepath.Join(dir, "alice"), "p1")
	if err == nil {
		bob, err = newAccount(filepath.Join(dir, "bob"), "bob-pw")
	}
	if err != nil {
		_ = os.RemoveAll(dir)
		panic(err)
	}
	code := m.Run()
	_ = os.RemoveAll(dir)
	os.Exit(code)
}

func newAccount(dir, password string) (*account, error) {
	mgr := keys.NewManager(keys.NewFileStore(dir), nil)
	rec, err := mgr.Create(password)
	if err != nil {
		return nil, err
	}
	pub, err := keys.ParsePublicKeyPEM(rec.PublicKey)
	if err != nil {
		return nil, err
	}
	return &account{mgr: mgr, pub: pub, pem: rec.PublicKey}, nil
}

func fixtures(t *testing.T) (*account, *account) {
	t.Helper()
	return alice, bob
}

func TestHybridRoundTrip(t *testing.T) {
	a, b := fixtures(t)
	sender := New(a.mgr)
	recipient := New(b.mgr)

	for _, p := range []string{"", "hello", "ünïcødé ✓", strings.Repeat("long ", 2000)} {
		sealed, err := sender.EncryptHybrid(p, b.pub, a.pub)
		if err != nil {
			t.Fatal(err)
		}
		got, err := recipient.DecryptHybrid(sealed.EncryptedContent, sealed.EncryptedSessionKey, "bob-pw")
		if err != nil {
			t.Fatalf("DecryptHybrid(%.10q) error = %v", p, err)
		}
		if got != p {
			t.Errorf("round trip = %.20q, want %.20q", got, p)
		}
	}
}

// Scenario: password p1, key pair A; "hello" to B with self key A.
func TestSelfKeyScenario(t *testing.T) {
	a, b := fixtures(t)
	eng := New(a.mgr)

	sealed, err := eng.EncryptHybrid("hello", b.pub, a.pub)
	if err != nil {
		t.Fatal(err)
	}
	if sealed.SelfEncryptedSessionKey == "" {
		t.Fatal("self key missing")
	}

	got, err := eng.DecryptWithSelfKey(sealed.EncryptedContent, sealed.SelfEncryptedSessionKey, "p1")
	if err != nil {
		t.Fatal(err)
	}
	if got != "hello" {
		t.Errorf("DecryptWithSelfKey = %q, want hello", got)
	}

	_, err = eng.DecryptHybrid(sealed.EncryptedContent, sealed.SelfEncryptedSessionKey, "p2")
	if !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("wrong password error = %v, want ErrDecryptionFailed", err)
	}
	if !errors.Is(err, keys.ErrWrongPasswordOrCorrupt) {
		t.Errorf("wrong password error = %v, want failure at private-key unwrap", err)
	}
}

func TestNoSelfKeyWhenSelfNil(t *testing.T) {
	a, b := fixtures(t)
	sealed, err := New(a.mgr).EncryptHybrid("x", b.pub, nil)
	if err != nil {
		t.Fatal(err)
	}
	if sealed.SelfEncryptedSessionKey != "" {
		t.Error("self key present without self public key")
	}
}

func TestWireFormat(t *testing.T) {
	a, b := fixtures(t)
	sealed, err := New(a.mgr).EncryptHybrid("abc", b.pub, nil)
	if err != nil {
		t.Fatal(err)
	}
	raw, err := base64.StdEncoding.DecodeString(sealed.EncryptedContent)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != nonceSize+3+tagSize {
		t.Errorf("content length = %d, want nonce+3+tag = %d", len(raw), nonceSize+3+tagSize)
	}
	wrapped, _ := base64.StdEncoding.DecodeString(sealed.EncryptedSessionKey)
	if len(wrapped) != 256 {
		t.Errorf("wrapped session key = %d bytes, want 256", len(wrapped))
	}
}

func TestTamperRejection(t *testing.T) {
	a, b := fixtures(t)
	sealed, err := New(a.mgr).EncryptHybrid("tamper me", b.pub, nil)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := base64.StdEncoding.DecodeString(sealed.EncryptedContent)
	recipient := New(b.mgr)

	// Flip one bit in every byte after the nonce: ciphertext and tag.
	for i := nonceSize; i < len(raw); i++ {
		mut := append([]byte(nil), raw...)
		mut[i] ^= 0x01
		got, err := recipient.DecryptHybrid(base64.StdEncoding.EncodeToString(mut), sealed.EncryptedSessionKey, "bob-pw")
		if !errors.Is(err, ErrDecryptionFailed) {
			t.Fatalf("byte %d flipped: got (%q, %v), want ErrDecryptionFailed", i, got, err)
		}
	}
}

func TestDecryptRejectsShortContent(t *testing.T) {
	a, _ := fixtures(t)
	short := base64.StdEncoding.EncodeToString(make([]byte, 27))
	_, err := New(a.mgr).DecryptHybrid(short, "AAAA", "p1")
	if !errors.Is(err, ErrInvalidEncryptedMessage) {
		t.Errorf("error = %v, want ErrInvalidEncryptedMessage", err)
	}
	_, err = New(a.mgr).DecryptHybrid("not base64!", "AAAA", "p1")
	if !errors.Is(err, ErrInvalidEncryptedMessage) {
		t.Errorf("error = %v, want ErrInvalidEncryptedMessage", err)
	}
}

func TestEncryptRejectsBadInput(t *testing.T) {
	a, b := fixtures(t)
	eng := New(a.mgr)
	if _, err := eng.EncryptHybrid("x", nil, nil); !errors.Is(err, ErrInvalidPublicKey) {
		t.Errorf("nil recipient error = %v, want ErrInvalidPublicKey", err)
	}
	if _, err := eng.EncryptHybrid(string([]byte{0xff, 0xfe}), b.pub, nil); !errors.Is(err, ErrInvalidMessage) {
		t.Errorf("invalid utf8 error = %v, want ErrInvalidMessage", err)
	}
}

func TestPrivateKeyNotFound(t *testing.T) {
	_, b := fixtures(t)
	sealed, err := New(nil).EncryptHybrid("x", b.pub, nil)
	if err != nil {
		t.Fatal(err)
	}
	empty := New(keys.NewManager(keys.NewFileStore(t.TempDir()), nil))
	_, err = empty.DecryptHybrid(sealed.EncryptedContent, sealed.EncryptedSessionKey, "pw")
	if !errors.Is(err, ErrPrivateKeyNotFound) {
		t.Errorf("error = %v, want ErrPrivateKeyNotFound", err)
	}
}

func TestLegacyRoundTrip(t *testing.T) {
	_, b := fixtures(t)
	ct, err := EncryptLegacy("old school", b.pub)
	if err != nil {
		t.Fatal(err)
	}
	got, err := New(b.mgr).DecryptLegacy(ct, "bob-pw")
	if err != nil {
		t.Fatal(err)
	}
	if got != "old school" {
		t.Errorf("legacy = %q", got)
	}
	if _, err := EncryptLegacy(strings.Repeat("x", 300), b.pub); !errors.Is(err, ErrEncryptionFailed) {
		t.Errorf("oversized legacy error = %v, want ErrEncryptionFailed", err)
	}
}

type dirFunc func(ctx context.Context, userID string) (string, error)

func (f dirFunc) PublicKey(ctx context.Context, userID string) (string, error) { return f(ctx, userID) }

func TestMessageCipherPaths(t *testing.T) {
	a, b := fixtures(t)
	lookups := 0
	dir := dirFunc(func(_ context.Context, id string) (string, error) {
		lookups++
		if id != "bob" {
			return "", errors.New("unknown user")
		}
		return b.pem, nil
	})
	ctx := context.Background()

	aliceCipher := NewMessageCipher(New(a.mgr), a.mgr, dir, "alice")
	if _, err := aliceCipher.Open(ctx, &model.Message{EncryptedContent: "x"}); !errors.Is(err, ErrLocked) {
		t.Fatalf("Open() locked error = %v, want ErrLocked", err)
	}
	if err := aliceCipher.Unlock(a.mgr, "wrong"); err == nil {
		t.Fatal("Unlock() with wrong password succeeded")
	}
	if err := aliceCipher.Unlock(a.mgr, "p1"); err != nil {
		t.Fatal(err)
	}

	sealed, err := aliceCipher.Seal(ctx, "bob", "hi bob")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := aliceCipher.Seal(ctx, "bob", "again"); err != nil {
		t.Fatal(err)
	}
	if lookups != 1 {
		t.Errorf("public key lookups = %d, want 1 (cached)", lookups)
	}

	own := &model.Message{
		SenderID:                "alice",
		EncryptedContent:        sealed.EncryptedContent,
		EncryptedSessionKey:     sealed.EncryptedSessionKey,
		SelfEncryptedSessionKey: sealed.SelfEncryptedSessionKey,
	}
	got, err := aliceCipher.Open(ctx, own)
	if err != nil || got != "hi bob" {
		t.Fatalf("own Open() = %q, %v", got, err)
	}

	bobCipher := NewMessageCipher(New(b.mgr), b.mgr, dir, "bob")
	if err := bobCipher.Unlock(b.mgr, "bob-pw"); err != nil {
		t.Fatal(err)
	}
	got, err = bobCipher.Open(ctx, own)
	if err != nil || got != "hi bob" {
		t.Fatalf("peer Open() = %q, %v", got, err)
	}

	plain, err := bobCipher.Open(ctx, &model.Message{Content: "group text"})
	if err != nil || plain != "group text" {
		t.Errorf("unencrypted Open() = %q, %v", plain, err)
	}

	bobCipher.Lock()
	if bobCipher.Unlocked() {
		t.Error("Unlocked() after Lock()")
	}
}
