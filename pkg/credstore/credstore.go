// Package credstore implements the encrypted key-value store that
// persists session cookies, the last active workspace id, and the sync
// root path across process restarts (spec §6's "key-value secure
// store for credentials"). Values are encrypted at rest with AES-GCM
// using a key derived from a locally-generated machine key via HKDF, so
// the store is never written in plaintext even though it lives on the
// same disk as the synced files.
package credstore

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"io"

	"github.com/spf13/afero"
	"golang.org/x/crypto/hkdf"

	"github.com/kelda-inc/drivesync/pkg/errors"
)

// fs is used for mock tests; overridden with afero.NewMemMapFs().
var fs = afero.NewOsFs()

// keySize is the AES-256-GCM key size in bytes.
const keySize = 32

// hkdfInfo distinguishes this derivation from any other use of the same
// machine key, should one ever be added.
var hkdfInfo = []byte("drivesync-credstore-v1")

// Record is the credstore's value type: everything the agent needs to
// resume without the user logging in or re-picking a sync root.
type Record struct {
	Cookie        string `json:"cookie"`
	CSRFToken     string `json:"csrfToken"`
	WorkspaceID   int64  `json:"workspaceId"`
	WorkspaceName string `json:"workspaceName"`
	SyncRootPath  string `json:"syncRootPath"`
}

// Store is the credstore. All methods are safe for concurrent use.
type Store struct {
	recordPath string
	keyPath    string
}

// Open returns a Store persisting its encrypted record at recordPath
// and its machine key at keyPath, generating the machine key on first
// use if it doesn't already exist.
func Open(recordPath, keyPath string) (*Store, error) {
	if err := ensureMachineKey(keyPath); err != nil {
		return nil, errors.WithContext(err, "initialize machine key")
	}
	return &Store{recordPath: recordPath, keyPath: keyPath}, nil
}

// Load reads and decrypts the stored Record. Returns a zero Record, nil
// if no record has ever been saved (first run).
func (s *Store) Load(ctx context.Context) (Record, error) {
	exists, err := afero.Exists(fs, s.recordPath)
	if err != nil {
		return Record{}, errors.WithContext(err, "check credential store")
	}
	if !exists {
		return Record{}, nil
	}

	ciphertext, err := afero.ReadFile(fs, s.recordPath)
	if err != nil {
		return Record{}, errors.WithContext(err, "read credential store")
	}

	key, err := s.deriveKey()
	if err != nil {
		return Record{}, errors.WithContext(err, "derive key")
	}

	plaintext, err := decrypt(key, ciphertext)
	if err != nil {
		return Record{}, errors.WithContext(err, "decrypt credential store")
	}

	var rec Record
	if err := json.Unmarshal(plaintext, &rec); err != nil {
		return Record{}, errors.WithContext(err, "parse credential store")
	}
	return rec, nil
}

// Save encrypts and atomically writes rec, replacing any previously
// stored record.
func (s *Store) Save(ctx context.Context, rec Record) error {
	plaintext, err := json.Marshal(rec)
	if err != nil {
		return errors.WithContext(err, "marshal credential record")
	}

	key, err := s.deriveKey()
	if err != nil {
		return errors.WithContext(err, "derive key")
	}

	ciphertext, err := encrypt(key, plaintext)
	if err != nil {
		return errors.WithContext(err, "encrypt credential record")
	}

	tmpPath := s.recordPath + ".tmp"
	if err := afero.WriteFile(fs, tmpPath, ciphertext, 0o600); err != nil {
		return errors.WithContext(err, "write credential store")
	}
	if err := fs.Rename(tmpPath, s.recordPath); err != nil {
		return errors.WithContext(err, "replace credential store")
	}
	return nil
}

// Clear removes any stored record, used on logout/workspace reset.
func (s *Store) Clear(ctx context.Context) error {
	exists, err := afero.Exists(fs, s.recordPath)
	if err != nil {
		return errors.WithContext(err, "check credential store")
	}
	if !exists {
		return nil
	}
	if err := fs.Remove(s.recordPath); err != nil {
		return errors.WithContext(err, "remove credential store")
	}
	return nil
}

func (s *Store) deriveKey() ([]byte, error) {
	machineKey, err := afero.ReadFile(fs, s.keyPath)
	if err != nil {
		return nil, errors.WithContext(err, "read machine key")
	}

	derived := make([]byte, keySize)
	r := hkdf.New(sha256.New, machineKey, nil, hkdfInfo)
	if _, err := io.ReadFull(r, derived); err != nil {
		return nil, errors.WithContext(err, "derive credential key")
	}
	return derived, nil
}

// ensureMachineKey generates a random machine key at keyPath if one
// doesn't already exist. The key never leaves disk and is never
// transmitted; it exists only to keep the credstore's contents opaque
// to casual inspection of the sync root's neighboring files.
func ensureMachineKey(keyPath string) error {
	exists, err := afero.Exists(fs, keyPath)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return errors.WithContext(err, "generate machine key")
	}
	return afero.WriteFile(fs, keyPath, key, 0o600)
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

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
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

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, body, nil)
}
