package storage

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	kv, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, kv.Put("docs/doc-1", []byte("payload")))

	value, ok, err := kv.Get("docs/doc-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("payload"), value)
}

func TestGetAbsentKey(t *testing.T) {
	kv, err := Open(t.TempDir())
	require.NoError(t, err)

	_, ok, err := kv.Get("docs/nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPutOverwrites(t *testing.T) {
	kv, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, kv.Put("k", []byte("v1")))
	require.NoError(t, kv.Put("k", []byte("v2")))

	value, ok, err := kv.Get("k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v2"), value)
}

func TestDelete(t *testing.T) {
	kv, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, kv.Put("k", []byte("v")))
	require.NoError(t, kv.Delete("k"))
	require.NoError(t, kv.Delete("k")) // absent delete is fine

	_, ok, err := kv.Get("k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestScanPrefix(t *testing.T) {
	kv, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, kv.Put("docs/a", []byte("1")))
	require.NoError(t, kv.Put("docs/b", []byte("2")))
	require.NoError(t, kv.Put("meta/c", []byte("3")))

	keys, err := kv.Scan("docs/")
	require.NoError(t, err)
	assert.Equal(t, []string{"docs/a", "docs/b"}, keys)

	all, err := kv.Scan("")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestEncryptionAtRest(t *testing.T) {
	dir := t.TempDir()
	kv, err := Open(dir, WithEncryption("hunter2"))
	require.NoError(t, err)

	require.NoError(t, kv.Put("docs/secret", []byte("plaintext")))

	// Exactly one key is stored; the salt file is not listed as a key.
	keys, err := kv.Scan("")
	require.NoError(t, err)
	require.Len(t, keys, 1)

	value, ok, err := kv.Get("docs/secret")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("plaintext"), value)

	// Reopen with the same secret: salt persisted, data readable.
	kv2, err := Open(dir, WithEncryption("hunter2"))
	require.NoError(t, err)
	value, ok, err = kv2.Get("docs/secret")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("plaintext"), value)

	// Wrong secret fails to decrypt.
	kv3, err := Open(dir, WithEncryption("wrong"))
	require.NoError(t, err)
	_, _, err = kv3.Get("docs/secret")
	assert.Error(t, err)
}

func TestEncryptedBlobIsOpaqueOnDisk(t *testing.T) {
	dir := t.TempDir()
	kv, err := Open(dir, WithEncryption("hunter2"))
	require.NoError(t, err)

	plaintext := []byte("wide open plaintext marker")
	require.NoError(t, kv.Put("docs/secret", plaintext))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		if e.Name() == saltFile {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		assert.False(t, bytes.Contains(raw, plaintext), "plaintext must not reach disk")
	}
}

func TestTamperedBlobFailsToOpen(t *testing.T) {
	dir := t.TempDir()
	kv, err := Open(dir, WithEncryption("hunter2"))
	require.NoError(t, err)
	require.NoError(t, kv.Put("docs/secret", []byte("payload")))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		if e.Name() == saltFile {
			continue
		}
		path := filepath.Join(dir, e.Name())
		raw, err := os.ReadFile(path)
		require.NoError(t, err)
		raw[len(raw)-1] ^= 0xFF
		require.NoError(t, os.WriteFile(path, raw, 0644))
	}

	_, _, err = kv.Get("docs/secret")
	assert.Error(t, err, "a flipped ciphertext byte must fail authentication")
}
