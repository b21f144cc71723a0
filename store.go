package storeauth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/scrypt"
)

// TokenStore is durable key-value persistence for session material. The
// second return of Get reports presence; an absent key is not an error.
type TokenStore interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

// MemoryStore is a TokenStore held in process memory. It backs tests and
// platforms with no secure storage, where sessions simply do not survive a
// restart.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]string),
	}
}

func (s *MemoryStore) Get(key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

func (s *MemoryStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return nil
}

// SealedFileStore is a TokenStore persisted as a single AES-GCM sealed file.
// It stands in for the platform keychain on platforms that only give us a
// filesystem.
type SealedFileStore struct {
	mu   sync.Mutex
	path string
	aead cipher.AEAD
}

// NewSealedFileStore opens (or lazily creates) the sealed store at path.
// key must be 32 bytes; see DeriveStoreKey and GenerateStoreKey.
func NewSealedFileStore(path string, key []byte) (*SealedFileStore, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("store key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("could not create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("could not create aead: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("could not create store directory: %w", err)
	}

	return &SealedFileStore{
		path: path,
		aead: aead,
	}, nil
}

func (s *SealedFileStore) Get(key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return "", false, err
	}

	v, ok := values[key]
	return v, ok, nil
}

func (s *SealedFileStore) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return err
	}

	values[key] = value

	return s.save(values)
}

func (s *SealedFileStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.load()
	if err != nil {
		return err
	}

	if _, ok := values[key]; !ok {
		return nil
	}

	delete(values, key)

	return s.save(values)
}

func (s *SealedFileStore) load() (map[string]string, error) {
	sealed, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not read store file: %w", err)
	}

	ns := s.aead.NonceSize()
	if len(sealed) < ns {
		return nil, fmt.Errorf("store file is truncated")
	}

	plain, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("could not unseal store file: %w", err)
	}

	values := map[string]string{}
	if err := json.Unmarshal(plain, &values); err != nil {
		return nil, fmt.Errorf("could not unmarshal store contents: %w", err)
	}

	return values, nil
}

func (s *SealedFileStore) save(values map[string]string) error {
	plain, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("could not marshal store contents: %w", err)
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("could not generate nonce: %w", err)
	}

	sealed := s.aead.Seal(nonce, nonce, plain, nil)

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("could not write store file: %w", err)
	}

	return os.Rename(tmp, s.path)
}

// DeriveStoreKey stretches a passphrase into a sealing key.
func DeriveStoreKey(passphrase, salt []byte) ([]byte, error) {
	key, err := scrypt.Key(passphrase, salt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("could not derive store key: %w", err)
	}

	return key, nil
}

// GenerateStoreKey produces a fresh random sealing key.
func GenerateStoreKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("could not generate store key: %w", err)
	}

	return key, nil
}
