package e2ee

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"

	"github.com/matheus3301/sealdm/internal/keys"
	"github.com/matheus3301/sealdm/internal/model"
)

// ErrLocked is returned while no password has been supplied for the session.
var ErrLocked = errors.New("e2ee: session locked")

// PublicKeyDirectory looks up peers' PEM public keys.
type PublicKeyDirectory interface {
	PublicKey(ctx context.Context, userID string) (string, error)
}

// SelfKey exposes the account's own public key.
type SelfKey interface {
	PublicKey() (*rsa.PublicKey, error)
}

// MessageCipher binds the engine to an unlocked account: it picks the right
// decryption path per message and caches peers' public keys.
type MessageCipher struct {
	engine *Engine
	self   SelfKey
	dir    PublicKeyDirectory
	selfID string

	mu       sync.RWMutex
	password string
	peers    map[string]*rsa.PublicKey
}

// NewMessageCipher creates a locked cipher for the account selfID.
func NewMessageCipher(engine *Engine, self SelfKey, dir PublicKeyDirectory, selfID string) *MessageCipher {
	return &MessageCipher{
		engine: engine,
		self:   self,
		dir:    dir,
		selfID: selfID,
		peers:  make(map[string]*rsa.PublicKey),
	}
}

// Unlock verifies password against the stored key and keeps it for the session.
func (c *MessageCipher) Unlock(ks KeySource, password string) error {
	if _, err := ks.PrivateKey(password); err != nil {
		return err
	}
	c.mu.Lock()
	c.password = password
	c.mu.Unlock()
	return nil
}

// Lock forgets the session password and cached peer keys.
func (c *MessageCipher) Lock() {
	c.mu.Lock()
	c.password = ""
	clear(c.peers)
	c.mu.Unlock()
}

// Unlocked reports whether a password is held.
func (c *MessageCipher) Unlocked() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.password != ""
}

// Seal encrypts plaintext for peerID and for this account.
func (c *MessageCipher) Seal(ctx context.Context, peerID, plaintext string) (model.Sealed, error) {
	recipient, err := c.peerKey(ctx, peerID)
	if err != nil {
		return model.Sealed{}, err
	}
	self, err := c.self.PublicKey()
	if err != nil {
		return model.Sealed{}, fmt.Errorf("%w: own key: %w", ErrPrivateKeyNotFound, err)
	}
	return c.engine.EncryptHybrid(plaintext, recipient, self)
}

// Open returns the plaintext of msg, choosing the self-key, hybrid or legacy
// path from the fields present.
func (c *MessageCipher) Open(_ context.Context, msg *model.Message) (string, error) {
	if !msg.IsEncrypted() {
		return msg.Content, nil
	}
	c.mu.RLock()
	pw := c.password
	c.mu.RUnlock()
	if pw == "" {
		return "", ErrLocked
	}

	switch {
	case msg.SenderID == c.selfID && msg.SelfEncryptedSessionKey != "":
		return c.engine.DecryptWithSelfKey(msg.EncryptedContent, msg.SelfEncryptedSessionKey, pw)
	case msg.IsHybrid():
		return c.engine.DecryptHybrid(msg.EncryptedContent, msg.EncryptedSessionKey, pw)
	default:
		return c.engine.DecryptLegacy(msg.EncryptedContent, pw)
	}
}

func (c *MessageCipher) peerKey(ctx context.Context, peerID string) (*rsa.PublicKey, error) {
	c.mu.RLock()
	pub, ok := c.peers[peerID]
	c.mu.RUnlock()
	if ok {
		return pub, nil
	}
	pemStr, err := c.dir.PublicKey(ctx, peerID)
	if err != nil {
		return nil, fmt.Errorf("fetch public key for %s: %w", peerID, err)
	}
	pub, err = keys.ParsePublicKeyPEM(pemStr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPublicKey, err)
	}
	c.mu.Lock()
	c.peers[peerID] = pub
	c.mu.Unlock()
	return pub, nil
}
