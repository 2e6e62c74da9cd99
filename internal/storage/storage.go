// Package storage implements the key-range KV backing the storage
// adapter. Values are opaque blobs — typically encoded document
// snapshots — written one file per key, optionally encrypted at rest.
package storage

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// KV is a file-backed key-value store. Safe for concurrent use.
type KV struct {
	mu      sync.RWMutex
	baseDir string

	key []byte // nil when the store is unencrypted
}

// Option configures Open.
type Option func(*KV) error

const (
	kdfIterations = 200_000
	saltLength    = 16
	saltFile      = ".salt"
)

// WithEncryption derives an at-rest encryption key from secret. The
// salt is created on first open and persisted alongside the data, so
// reopening with the same secret recovers existing blobs.
func WithEncryption(secret string) Option {
	return func(kv *KV) error {
		saltPath := filepath.Join(kv.baseDir, saltFile)
		salt, err := os.ReadFile(saltPath)
		if os.IsNotExist(err) {
			salt = make([]byte, saltLength)
			if _, err := rand.Read(salt); err != nil {
				return fmt.Errorf("storage: generate salt: %w", err)
			}
			if err := os.WriteFile(saltPath, salt, 0600); err != nil {
				return fmt.Errorf("storage: write salt: %w", err)
			}
		} else if err != nil {
			return fmt.Errorf("storage: read salt: %w", err)
		}
		kv.key = pbkdf2.Key([]byte(secret), salt, kdfIterations, 32, sha256.New)
		return nil
	}
}

// sealBlob encrypts plain under key with AES-GCM; the random nonce is
// prepended to the ciphertext.
func sealBlob(key, plain []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("storage: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("storage: gcm: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("storage: nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

// openBlob reverses sealBlob.
func openBlob(key, sealed []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("storage: cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("storage: gcm: %w", err)
	}
	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("storage: sealed blob shorter than nonce")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("storage: open blob: %w", err)
	}
	return plain, nil
}

// Open creates or reopens a KV rooted at baseDir.
func Open(baseDir string, opts ...Option) (*KV, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("storage: create base dir: %w", err)
	}
	kv := &KV{baseDir: baseDir}
	for _, opt := range opts {
		if err := opt(kv); err != nil {
			return nil, err
		}
	}
	return kv, nil
}

func (kv *KV) path(key string) string {
	return filepath.Join(kv.baseDir, url.PathEscape(key)+".blob")
}

// Put writes value under key, replacing any previous value.
func (kv *KV) Put(key string, value []byte) error {
	data := value
	if kv.key != nil {
		sealed, err := sealBlob(kv.key, value)
		if err != nil {
			return fmt.Errorf("storage: encrypt %q: %w", key, err)
		}
		data = sealed
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()
	tmp := kv.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("storage: write %q: %w", key, err)
	}
	if err := os.Rename(tmp, kv.path(key)); err != nil {
		return fmt.Errorf("storage: commit %q: %w", key, err)
	}
	return nil
}

// Get reads the value under key. ok is false when the key is absent.
func (kv *KV) Get(key string) (value []byte, ok bool, err error) {
	kv.mu.RLock()
	data, readErr := os.ReadFile(kv.path(key))
	kv.mu.RUnlock()

	if os.IsNotExist(readErr) {
		return nil, false, nil
	}
	if readErr != nil {
		return nil, false, fmt.Errorf("storage: read %q: %w", key, readErr)
	}
	if kv.key != nil {
		plain, err := openBlob(kv.key, data)
		if err != nil {
			return nil, false, fmt.Errorf("storage: decrypt %q: %w", key, err)
		}
		return plain, true, nil
	}
	return data, true, nil
}

// Delete removes key. Deleting an absent key is not an error.
func (kv *KV) Delete(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if err := os.Remove(kv.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("storage: delete %q: %w", key, err)
	}
	return nil
}

// Scan returns every key with the given prefix, sorted.
func (kv *KV) Scan(prefix string) ([]string, error) {
	kv.mu.RLock()
	defer kv.mu.RUnlock()

	entries, err := os.ReadDir(kv.baseDir)
	if err != nil {
		return nil, fmt.Errorf("storage: scan: %w", err)
	}
	var keys []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".blob") {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, ".blob"))
		if err != nil {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
