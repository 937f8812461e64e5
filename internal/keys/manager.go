package keys

import (
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Directory is the server side of key distribution.
type Directory interface {
	RegisterDevice(ctx context.Context, reg DeviceRegistration) error
	FetchPrivateKey(ctx context.Context, deviceID string) (Blob, error)
}

// DeviceRegistration is uploaded when a device joins the account.
type DeviceRegistration struct {
	DeviceID    string `json:"device_id"`
	Fingerprint string `json:"fingerprint"`
	PublicKey   string `json:"public_key"`
	Blob        Blob   `json:"encrypted_private_key"`
}

// Manager is the KeyManager service: it owns the local blob and hands out
// unwrapped private keys to the crypto engine.
type Manager struct {
	store  BlobStore
	logger *zap.Logger

	mu      sync.Mutex
	derived map[[32]byte][]byte
}

// NewManager creates a key manager over store.
func NewManager(store BlobStore, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:   store,
		logger:  logger,
		derived: make(map[[32]byte][]byte),
	}
}

// wrappingKey memoizes DeriveWrappingKey per password digest so batch
// decryption pays the PBKDF2 cost once per password.
func (m *Manager) wrappingKey(password string) []byte {
	id := sha256.Sum256([]byte(password))
	m.mu.Lock()
	k, ok := m.derived[id]
	m.mu.Unlock()
	if ok {
		return k
	}
	k = DeriveWrappingKey(password)
	m.mu.Lock()
	m.derived[id] = k
	m.mu.Unlock()
	return k
}

// Forget drops memoized wrapping keys (logout).
func (m *Manager) Forget() {
	m.mu.Lock()
	clear(m.derived)
	m.mu.Unlock()
}

// HasKey reports whether a wrapped private key is stored.
func (m *Manager) HasKey() (bool, error) {
	_, err := m.store.LoadKey()
	if errors.Is(err, ErrNoPrivateKey) {
		return false, nil
	}
	return err == nil, err
}

// Create generates a new identity, wraps it under password and stores it.
// It returns the stored record, whose PublicKey is ready for upload.
func (m *Manager) Create(password string) (*StoredKey, error) {
	priv, _, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	return m.storeKey(priv, password, uuid.NewString())
}

func (m *Manager) storeKey(priv *rsa.PrivateKey, password, deviceID string) (*StoredKey, error) {
	pemStr, err := ExportPublicKeyPEM(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	blob, err := sealPrivateKey(priv, m.wrappingKey(password))
	if err != nil {
		return nil, err
	}
	rec := &StoredKey{
		Blob:      blob,
		PublicKey: pemStr,
		DeviceID:  deviceID,
		CreatedAt: time.Now().UTC(),
	}
	if err := m.store.SaveKey(rec); err != nil {
		return nil, fmt.Errorf("save key: %w", err)
	}
	return rec, nil
}

// PrivateKey loads and unwraps the stored private key.
func (m *Manager) PrivateKey(password string) (*rsa.PrivateKey, error) {
	rec, err := m.store.LoadKey()
	if err != nil {
		return nil, err
	}
	return openPrivateKey(rec.Blob, m.wrappingKey(password))
}

// PublicKey returns the public half of the stored identity.
func (m *Manager) PublicKey() (*rsa.PublicKey, error) {
	rec, err := m.store.LoadKey()
	if err != nil {
		return nil, err
	}
	return ParsePublicKeyPEM(rec.PublicKey)
}

// Stored returns the raw secure-storage record.
func (m *Manager) Stored() (*StoredKey, error) {
	return m.store.LoadKey()
}

// Delete removes the stored blob and forgets derived keys.
func (m *Manager) Delete() error {
	m.Forget()
	return m.store.DeleteKey()
}

// Register uploads this device's identity, creating one if none exists.
func (m *Manager) Register(ctx context.Context, dir Directory, password string, info DeviceInfo) (*DeviceRegistration, error) {
	rec, err := m.store.LoadKey()
	if errors.Is(err, ErrNoPrivateKey) {
		rec, err = m.Create(password)
	}
	if err != nil {
		return nil, err
	}
	// Prove the password before publishing anything.
	if _, err := openPrivateKey(rec.Blob, m.wrappingKey(password)); err != nil {
		return nil, err
	}
	reg, err := m.registration(rec, info)
	if err != nil {
		return nil, err
	}
	if err := dir.RegisterDevice(ctx, *reg); err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	m.logger.Info("device registered", zap.String("device_id", reg.DeviceID))
	return reg, nil
}

// Transfer provisions this device from an existing one: the source blob is
// fetched, unwrapped with the shared account password, re-wrapped under a
// fresh IV and registered under a new device identity.
func (m *Manager) Transfer(ctx context.Context, dir Directory, sourceDeviceID, password string, info DeviceInfo) (*DeviceRegistration, error) {
	src, err := dir.FetchPrivateKey(ctx, sourceDeviceID)
	if err != nil {
		return nil, fmt.Errorf("fetch source key: %w", err)
	}
	priv, err := openPrivateKey(src, m.wrappingKey(password))
	if err != nil {
		return nil, err
	}
	rec, err := m.storeKey(priv, password, uuid.NewString())
	if err != nil {
		return nil, err
	}
	reg, err := m.registration(rec, info)
	if err != nil {
		return nil, err
	}
	if err := dir.RegisterDevice(ctx, *reg); err != nil {
		return nil, fmt.Errorf("register device: %w", err)
	}
	m.logger.Info("private key transferred",
		zap.String("source_device", sourceDeviceID),
		zap.String("device_id", reg.DeviceID))
	return reg, nil
}

// DeviceFingerprint returns the fingerprint of this host.
func (m *Manager) DeviceFingerprint(info DeviceInfo) (string, error) {
	nonce, err := m.store.DeviceNonce()
	if err != nil {
		return "", err
	}
	return Fingerprint(info, nonce), nil
}

func (m *Manager) registration(rec *StoredKey, info DeviceInfo) (*DeviceRegistration, error) {
	fp, err := m.DeviceFingerprint(info)
	if err != nil {
		return nil, err
	}
	return &DeviceRegistration{
		DeviceID:    rec.DeviceID,
		Fingerprint: fp,
		PublicKey:   rec.PublicKey,
		Blob:        rec.Blob,
	}, nil
}
