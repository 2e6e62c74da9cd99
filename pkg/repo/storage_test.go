package repo

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/SchoolAI/loro-extended-sub004/internal/adapter"
	"github.com/SchoolAI/loro-extended-sub004/internal/adapter/storageadapter"
	"github.com/SchoolAI/loro-extended-sub004/internal/config"
	"github.com/SchoolAI/loro-extended-sub004/internal/peer"
	"github.com/SchoolAI/loro-extended-sub004/internal/rules"
	"github.com/SchoolAI/loro-extended-sub004/internal/storage"
)

func storageFactory(t *testing.T, dir string) AdapterFactory {
	t.Helper()
	return func(rt adapter.Runtime) adapter.Adapter {
		kv, err := storage.Open(dir)
		require.NoError(t, err)
		return storageadapter.New("fs-storage", "storage-peer", kv, rt, config.Defaults(), nil)
	}
}

func TestStoragePersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	r1, err := New(Options{
		Identity: Identity{ID: "repo-1", Name: "repo-1", Type: peer.KindUser},
		Adapters: []AdapterFactory{storageFactory(t, dir)},
	})
	require.NoError(t, err)

	h := r1.Get("doc-persist")
	require.NoError(t, h.WaitForSync(context.Background(), WaitOptions{Kind: SyncStorage, Timeout: 3 * time.Second}))
	h.Set("title", "durable")

	// Give the async write-back a moment, then shut down.
	require.Eventually(t, func() bool {
		kv, err := storage.Open(dir)
		if err != nil {
			return false
		}
		_, ok, _ := kv.Get("docs/doc-persist")
		return ok
	}, 3*time.Second, 20*time.Millisecond)
	r1.Close()

	// A fresh repo over the same directory recovers the document.
	r2, err := New(Options{
		Identity: Identity{ID: "repo-2", Name: "repo-2", Type: peer.KindUser},
		Adapters: []AdapterFactory{storageFactory(t, dir)},
	})
	require.NoError(t, err)
	t.Cleanup(r2.Close)

	h2 := r2.Get("doc-persist")
	require.NoError(t, h2.WaitForSync(context.Background(), WaitOptions{Kind: SyncStorage, Timeout: 3 * time.Second}))
	eventuallyField(t, h2, "title", "durable")
}

func TestStorageAnswersNotFoundForNewDoc(t *testing.T) {
	dir := t.TempDir()
	r, err := New(Options{
		Identity: Identity{ID: "repo-1", Name: "repo-1", Type: peer.KindUser},
		Adapters: []AdapterFactory{storageFactory(t, dir)},
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)

	// Storage holds nothing for a brand-new doc; the wait resolves via
	// the unavailable -> not-found path rather than timing out.
	h := r.Get("doc-new")
	require.NoError(t, h.WaitForSync(context.Background(), WaitOptions{Kind: SyncStorage, Timeout: 3 * time.Second}))
}

// Default rules treat storage channels as always permitted even when
// the application never supplied a rule set.
func TestStorageAllowedByDefaultRules(t *testing.T) {
	dir := t.TempDir()
	defaults := rules.AllowStorageDefaultDenyNetwork()
	r, err := New(Options{
		Identity: Identity{ID: "repo-1", Name: "repo-1", Type: peer.KindUser},
		Rules:    &defaults,
		Adapters: []AdapterFactory{storageFactory(t, dir)},
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)

	h := r.Get("doc-rules")
	require.NoError(t, h.WaitForSync(context.Background(), WaitOptions{Kind: SyncStorage, Timeout: 3 * time.Second}))
}
