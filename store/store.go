package store

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/tsurumi-yizhou/fire-box/credential"
)

const (
	keyringService = "fire-box"
	keyringUser    = "encryption-key"
	storeFileName  = "fire-box-store.enc"
)

// nonce is fixed and all-zero, matching the original implementation's store
// file exactly. Every Update encrypts its new plaintext under the same key
// and this same nonce; the file is fully overwritten on every write, so only
// the latest ciphertext is kept on disk.
var fixedNonce = make([]byte, 12)

// RouteRule maps an alias to an ordered list of (provider_id, model_id)
// failover targets. The first target is primary.
type RouteRule struct {
	Alias   string   `json:"alias"`
	Targets []Target `json:"targets"`
}

// Target is one (provider, model) pair in a RouteRule's failover chain.
type Target struct {
	ProviderID string `json:"provider_id"`
	ModelID    string `json:"model_id"`
}

// Data is the full payload persisted in the encrypted store file.
type Data struct {
	ProviderIndex []string             `json:"provider_index"`
	Providers     map[string]string    `json:"providers"`
	DisplayNames  map[string]string    `json:"display_names"`
	RouteRules    map[string]RouteRule `json:"route_rules"`
	EnabledModels map[string][]string  `json:"enabled_models"`
}

// empty returns a fresh, zero-value Data with initialized maps.
func empty() Data {
	return Data{
		ProviderIndex: []string{},
		Providers:     map[string]string{},
		DisplayNames:  map[string]string{},
		RouteRules:    map[string]RouteRule{},
		EnabledModels: map[string][]string{},
	}
}

// Store is the process-wide guard around the single encrypted state file.
// All mutation goes through Update; concurrent callers within one process
// are serialized by mu.
type Store struct {
	mu       sync.Mutex
	path     string
	creds    credential.Store
	logger   *zap.Logger
}

// New returns a Store rooted at dir (typically the OS config dir plus
// "fire-box"), using creds for the encryption key.
func New(dir string, creds credential.Store, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		path:   filepath.Join(dir, storeFileName),
		creds:  creds,
		logger: logger,
	}
}

// Load reads and decrypts the store file. A missing file or a decryption
// failure is not an error: it means first run, and an empty Data is
// returned.
func (s *Store) Load() (Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

func (s *Store) loadLocked() (Data, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return empty(), nil
		}
		return empty(), nil
	}

	key, err := s.loadKey()
	if err != nil {
		s.logger.Warn("store key unavailable, treating store as empty", zap.Error(err))
		return empty(), nil
	}

	plaintext, err := decrypt(key, raw)
	if err != nil {
		s.logger.Warn("store decryption failed, treating store as empty", zap.Error(err))
		return empty(), nil
	}

	var data Data
	if err := json.Unmarshal(plaintext, &data); err != nil {
		s.logger.Warn("store payload malformed, treating store as empty", zap.Error(err))
		return empty(), nil
	}
	normalize(&data)
	return data, nil
}

// Update loads the current Data, applies mutate, and atomically persists
// the result. mutate receives the current Data by value and returns the
// new Data to store.
func (s *Store) Update(mutate func(Data) Data) (Data, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.loadLocked()
	if err != nil {
		return Data{}, err
	}

	next := mutate(current)
	normalize(&next)

	key, err := s.keyOrCreate()
	if err != nil {
		return Data{}, err
	}

	plaintext, err := json.Marshal(next)
	if err != nil {
		return Data{}, err
	}

	ciphertext, err := encrypt(key, plaintext)
	if err != nil {
		return Data{}, err
	}

	if err := atomicWrite(s.path, ciphertext); err != nil {
		return Data{}, err
	}
	return next, nil
}

func normalize(d *Data) {
	if d.Providers == nil {
		d.Providers = map[string]string{}
	}
	if d.DisplayNames == nil {
		d.DisplayNames = map[string]string{}
	}
	if d.RouteRules == nil {
		d.RouteRules = map[string]RouteRule{}
	}
	if d.EnabledModels == nil {
		d.EnabledModels = map[string][]string{}
	}
	if d.ProviderIndex == nil {
		d.ProviderIndex = []string{}
	}
}

func (s *Store) loadKey() ([]byte, error) {
	hexKey, err := s.creds.Get(keyringService, keyringUser)
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(hexKey)
}

// keyOrCreate returns the existing encryption key, generating and
// persisting a fresh one on first use.
func (s *Store) keyOrCreate() ([]byte, error) {
	key, err := s.loadKey()
	if err == nil && len(key) == 32 {
		return key, nil
	}

	fresh := make([]byte, 32)
	if _, err := rand.Read(fresh); err != nil {
		return nil, err
	}
	if err := s.creds.Set(keyringService, keyringUser, hex.EncodeToString(fresh)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	return fresh, nil
}

func encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Seal(nil, fixedNonce, plaintext, nil), nil
}

func decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, fixedNonce, ciphertext, nil)
}

func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".fire-box-store-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// ErrKeyUnavailable is returned when the credential store cannot supply or
// accept the encryption key.
var ErrKeyUnavailable = errors.New("store: encryption key unavailable")
