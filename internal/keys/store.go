package keys

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	keyFile    = "private_key.json"
	deviceFile = "device.json"
)

// StoredKey is the secure-storage record for this device's identity.
type StoredKey struct {
	Blob      Blob      `json:"blob"`
	PublicKey string    `json:"public_key"`
	DeviceID  string    `json:"device_id"`
	CreatedAt time.Time `json:"created_at"`
}

// BlobStore persists the wrapped private key and the device nonce.
type BlobStore interface {
	LoadKey() (*StoredKey, error)
	SaveKey(k *StoredKey) error
	DeleteKey() error
	DeviceNonce() (string, error)
}

type deviceRecord struct {
	Nonce string `json:"nonce"`
}

// FileStore keeps the key material as JSON files in one directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore returns a store rooted at dir.
func NewFileStore(dir string) *FileStore { return &FileStore{dir: dir} }

// LoadKey returns ErrNoPrivateKey when nothing has been stored yet.
func (s *FileStore) LoadKey() (*StoredKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var k StoredKey
	found, err := readJSON(filepath.Join(s.dir, keyFile), &k)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ErrNoPrivateKey
	}
	return &k, nil
}

func (s *FileStore) SaveKey(k *StoredKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.dir, keyFile), k)
}

// DeleteKey removes the blob. Deleting a missing blob is not an error.
func (s *FileStore) DeleteKey() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(filepath.Join(s.dir, keyFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// DeviceNonce returns the persisted random seed, creating it on first use.
func (s *FileStore) DeviceNonce() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, deviceFile)
	var rec deviceRecord
	if _, err := readJSON(path, &rec); err != nil {
		return "", err
	}
	if rec.Nonce != "" {
		return rec.Nonce, nil
	}
	var seed [16]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return "", err
	}
	rec.Nonce = hex.EncodeToString(seed[:])
	if err := writeJSON(path, rec); err != nil {
		return "", err
	}
	return rec.Nonce, nil
}

func readJSON(path string, out any) (bool, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(b, out)
}

// writeJSON writes via a temp file in the same directory, then renames.
func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(0600); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
