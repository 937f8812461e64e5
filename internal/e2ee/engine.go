// Package e2ee implements per-message hybrid encryption for direct rooms.
//
// Every outgoing message gets a fresh AES-256 session key. The payload is
// sealed with AES-GCM and transmitted as base64(nonce‖ciphertext‖tag); the
// session key travels RSA-OAEP(SHA-256) wrapped twice, once for the
// recipient and once for the sender so the sender can reopen its own
// history. Group rooms never pass through this package.
package e2ee

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/matheus3301/sealdm/internal/keys"
	"github.com/matheus3301/sealdm/internal/model"
)

const (
	sessionKeySize = 32
	nonceSize      = 12
	tagSize        = 16
	minContentSize = nonceSize + tagSize
)

var (
	ErrInvalidPublicKey        = errors.New("e2ee: invalid public key")
	ErrInvalidMessage          = errors.New("e2ee: message is not valid UTF-8")
	ErrEncryptionFailed        = errors.New("e2ee: encryption failed")
	ErrDecryptionFailed        = errors.New("e2ee: decryption failed")
	ErrInvalidEncryptedMessage = errors.New("e2ee: invalid encrypted message")
	ErrPrivateKeyNotFound      = errors.New("e2ee: private key not found")
)

// KeySource unwraps the account's private key.
type KeySource interface {
	PrivateKey(password string) (*rsa.PrivateKey, error)
}

// Engine holds no per-message state; it is safe for concurrent use.
type Engine struct {
	keys KeySource
}

// New creates an engine that unwraps private keys from ks.
func New(ks KeySource) *Engine {
	return &Engine{keys: ks}
}

// EncryptHybrid seals plaintext for recipient, and for self when non-nil.
func (e *Engine) EncryptHybrid(plaintext string, recipient, self *rsa.PublicKey) (model.Sealed, error) {
	if !utf8.ValidString(plaintext) {
		return model.Sealed{}, ErrInvalidMessage
	}
	if !validPublicKey(recipient) || (self != nil && !validPublicKey(self)) {
		return model.Sealed{}, ErrInvalidPublicKey
	}

	sessionKey := make([]byte, sessionKeySize)
	if _, err := rand.Read(sessionKey); err != nil {
		return model.Sealed{}, fmt.Errorf("%w: session key: %w", ErrEncryptionFailed, err)
	}
	defer clear(sessionKey)

	gcm, err := newGCM(sessionKey)
	if err != nil {
		return model.Sealed{}, fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}
	nonce := make([]byte, nonceSize, nonceSize+len(plaintext)+tagSize)
	if _, err := rand.Read(nonce); err != nil {
		return model.Sealed{}, fmt.Errorf("%w: nonce: %w", ErrEncryptionFailed, err)
	}
	content := gcm.Seal(nonce, nonce, []byte(plaintext), nil)

	out := model.Sealed{EncryptedContent: base64.StdEncoding.EncodeToString(content)}
	if out.EncryptedSessionKey, err = wrapSessionKey(sessionKey, recipient); err != nil {
		return model.Sealed{}, err
	}
	if self != nil {
		if out.SelfEncryptedSessionKey, err = wrapSessionKey(sessionKey, self); err != nil {
			return model.Sealed{}, err
		}
	}
	return out, nil
}

// DecryptHybrid opens a message addressed to this account.
func (e *Engine) DecryptHybrid(encryptedContent, encryptedSessionKey, password string) (string, error) {
	return e.decrypt(encryptedContent, encryptedSessionKey, password)
}

// DecryptWithSelfKey opens a message this account sent, via its self-wrapped key.
func (e *Engine) DecryptWithSelfKey(encryptedContent, selfEncryptedSessionKey, password string) (string, error) {
	return e.decrypt(encryptedContent, selfEncryptedSessionKey, password)
}

func (e *Engine) decrypt(encryptedContent, wrappedKey, password string) (string, error) {
	content, err := base64.StdEncoding.DecodeString(encryptedContent)
	if err != nil {
		return "", fmt.Errorf("%w: content: %v", ErrInvalidEncryptedMessage, err)
	}
	if len(content) < minContentSize {
		return "", fmt.Errorf("%w: content is %d bytes", ErrInvalidEncryptedMessage, len(content))
	}
	wrapped, err := base64.StdEncoding.DecodeString(wrappedKey)
	if err != nil || len(wrapped) == 0 {
		return "", fmt.Errorf("%w: session key", ErrInvalidEncryptedMessage)
	}

	priv, err := e.privateKey(password)
	if err != nil {
		return "", err
	}
	sessionKey, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrapped, nil)
	if err != nil {
		return "", fmt.Errorf("%w: unwrap session key: %w", ErrDecryptionFailed, err)
	}
	defer clear(sessionKey)
	if len(sessionKey) != sessionKeySize {
		return "", fmt.Errorf("%w: session key is %d bytes", ErrDecryptionFailed, len(sessionKey))
	}

	gcm, err := newGCM(sessionKey)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	plain, err := gcm.Open(nil, content[:nonceSize], content[nonceSize:], nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	if !utf8.Valid(plain) {
		return "", ErrInvalidMessage
	}
	return string(plain), nil
}

// DecryptLegacy opens a pre-hybrid message: the whole payload is one
// RSA-OAEP block.
func (e *Engine) DecryptLegacy(encryptedMessage, password string) (string, error) {
	ct, err := base64.StdEncoding.DecodeString(encryptedMessage)
	if err != nil || len(ct) == 0 {
		return "", fmt.Errorf("%w: legacy payload", ErrInvalidEncryptedMessage)
	}
	priv, err := e.privateKey(password)
	if err != nil {
		return "", err
	}
	plain, err := rsa.DecryptOAEP(sha256.New(), nil, priv, ct, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrDecryptionFailed, err)
	}
	if !utf8.Valid(plain) {
		return "", ErrInvalidMessage
	}
	return string(plain), nil
}

// EncryptLegacy produces a legacy single-block payload. Plaintext must fit
// in one OAEP block (190 bytes for RSA-2048).
func EncryptLegacy(plaintext string, pub *rsa.PublicKey) (string, error) {
	if !utf8.ValidString(plaintext) {
		return "", ErrInvalidMessage
	}
	if !validPublicKey(pub) {
		return "", ErrInvalidPublicKey
	}
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, []byte(plaintext), nil)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrEncryptionFailed, err)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

func (e *Engine) privateKey(password string) (*rsa.PrivateKey, error) {
	if e.keys == nil {
		return nil, ErrPrivateKeyNotFound
	}
	priv, err := e.keys.PrivateKey(password)
	switch {
	case errors.Is(err, keys.ErrNoPrivateKey):
		return nil, fmt.Errorf("%w: %w", ErrPrivateKeyNotFound, err)
	case err != nil:
		return nil, fmt.Errorf("%w: unwrap private key: %w", ErrDecryptionFailed, err)
	}
	return priv, nil
}

func wrapSessionKey(sessionKey []byte, pub *rsa.PublicKey) (string, error) {
	ct, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, sessionKey, nil)
	if err != nil {
		return "", fmt.Errorf("%w: wrap session key: %w", ErrEncryptionFailed, err)
	}
	return base64.StdEncoding.EncodeToString(ct), nil
}

func validPublicKey(pub *rsa.PublicKey) bool {
	return pub != nil && pub.N != nil && pub.N.BitLen() >= 1024 && pub.E > 1
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCMWithNonceSize(block, nonceSize)
}
