// Package keys owns the RSA identity key pair and its password-protected
// at-rest form.
//
// The private key never touches disk in the clear: it is exported as PKCS#8,
// sealed with AES-256-GCM under a key derived from the account password with
// PBKDF2-HMAC-SHA256, and stored as a base64 IV plus ciphertext‖tag.
package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// RSABits is the modulus size of identity keys.
	RSABits = 2048

	// PBKDF2Iterations is deliberately expensive; callers must not run it on
	// an interactive path without memoizing the result.
	PBKDF2Iterations = 100_000

	ivSize  = 12
	tagSize = 16
	keySize = 32
)

// wrappingSalt is a fixed application-wide salt. Changing it orphans every
// stored blob, so it stays until a key-rotation migration exists.
var wrappingSalt = []byte("sealdm.private-key.wrap.v1")

var (
	ErrWrongPasswordOrCorrupt = errors.New("wrong password or corrupt private key blob")
	ErrMalformedBlob          = errors.New("malformed private key blob")
	ErrInvalidPublicKey       = errors.New("invalid public key")
	ErrNoPrivateKey           = errors.New("no private key stored")
)

// Blob is the encrypted private key as stored locally and on the server.
type Blob struct {
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

// GenerateKeyPair creates a fresh RSA-2048 identity key pair.
func GenerateKeyPair() (*rsa.PrivateKey, *rsa.PublicKey, error) {
	priv, err := rsa.GenerateKey(rand.Reader, RSABits)
	if err != nil {
		return nil, nil, fmt.Errorf("generate rsa key: %w", err)
	}
	return priv, &priv.PublicKey, nil
}

// ExportPublicKeyPEM encodes pub as SubjectPublicKeyInfo DER, base64 wrapped
// at 64 columns between PUBLIC KEY headers.
func ExportPublicKeyPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})), nil
}

// ParsePublicKeyPEM is the inverse of ExportPublicKeyPEM.
func ParsePublicKeyPEM(s string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, ErrInvalidPublicKey
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrInvalidPublicKey)
	}
	return pub, nil
}

// DeriveWrappingKey turns a password into the AES-256 key wrapping the
// private key. The same password always yields the same key.
func DeriveWrappingKey(password string) []byte {
	return pbkdf2.Key([]byte(password), wrappingSalt, PBKDF2Iterations, keySize, sha256.New)
}

// EncryptPrivateKey wraps priv under a key derived from password.
func EncryptPrivateKey(priv *rsa.PrivateKey, password string) (Blob, error) {
	return sealPrivateKey(priv, DeriveWrappingKey(password))
}

// DecryptPrivateKey unwraps a blob produced by EncryptPrivateKey.
func DecryptPrivateKey(blob Blob, password string) (*rsa.PrivateKey, error) {
	return openPrivateKey(blob, DeriveWrappingKey(password))
}

func sealPrivateKey(priv *rsa.PrivateKey, wrapKey []byte) (Blob, error) {
	raw, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return Blob{}, fmt.Errorf("marshal private key: %w", err)
	}
	gcm, err := newGCM(wrapKey)
	if err != nil {
		return Blob{}, err
	}
	iv := make([]byte, ivSize)
	if _, err := rand.Read(iv); err != nil {
		return Blob{}, fmt.Errorf("read iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, raw, nil)
	return Blob{
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

func openPrivateKey(blob Blob, wrapKey []byte) (*rsa.PrivateKey, error) {
	iv, err := base64.StdEncoding.DecodeString(blob.IV)
	if err != nil || len(iv) != ivSize {
		return nil, fmt.Errorf("%w: iv", ErrMalformedBlob)
	}
	sealed, err := base64.StdEncoding.DecodeString(blob.Ciphertext)
	if err != nil || len(sealed) < tagSize {
		return nil, fmt.Errorf("%w: ciphertext", ErrMalformedBlob)
	}

	gcm, err := newGCM(wrapKey)
	if err != nil {
		return nil, err
	}
	// sealed is ciphertext‖tag, the layout gcm.Open expects.
	raw, err := gcm.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, ErrWrongPasswordOrCorrupt
	}

	key, err := x509.ParsePKCS8PrivateKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}
	priv, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an RSA key", ErrMalformedBlob)
	}
	return priv, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes: %w", err)
	}
	return cipher.NewGCM(block)
}
