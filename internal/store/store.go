// Package store implements the Document Store facade: a CRDT document
// engine exposed only through version vectors, binary export/import,
// op-level change subscription, and frontier/fork operations. This
// package owns that surface so the Synchronizer never touches document
// contents directly.
package store

import (
	"fmt"
	"sync"

	"github.com/SchoolAI/loro-extended-sub004/internal/clock"
)

// ExportMode selects what Export returns: the full history, or only ops
// since a given version vector.
type ExportMode struct {
	Snapshot bool
	Since    clock.VersionVector // used when Snapshot is false
}

// SnapshotMode requests the full document history.
func SnapshotMode() ExportMode { return ExportMode{Snapshot: true} }

// UpdateMode requests only ops the peer at `since` hasn't seen.
func UpdateMode(since clock.VersionVector) ExportMode {
	return ExportMode{Snapshot: false, Since: since}
}

// Doc is a handle onto one document's CRDT state.
type Doc struct {
	ID string

	e           *engine
	localPeerID string
}

// Version returns the document's current version vector.
func (d *Doc) Version() clock.VersionVector { return d.e.Version() }

// Export serializes the document per mode.
func (d *Doc) Export(mode ExportMode) ([]byte, error) {
	if mode.Snapshot {
		return d.e.Snapshot()
	}
	return d.e.Update(mode.Since)
}

// Import applies a previously-exported batch. Returns the number of ops
// that were newly applied (0 if the batch was already known — import is
// idempotent and commutative).
func (d *Doc) Import(data []byte) (int, error) { return d.e.Import(data) }

// Change applies a local mutation (insert/update fields, or delete) and
// notifies subscribers.
func (d *Doc) Change(fields map[string]any) {
	d.e.LocalChange(d.localPeerID, OpSet, fields)
}

// Delete tombstones the document locally.
func (d *Doc) Delete() {
	d.e.LocalChange(d.localPeerID, OpDelete, nil)
}

// Deleted reports whether the document is currently tombstoned.
func (d *Doc) Deleted() bool { return d.e.Deleted() }

// Fields returns the document's current materialized state.
func (d *Doc) Fields() map[string]any { return d.e.Fields() }

// Subscribe registers a callback invoked on every local or imported
// change. Returns an unsubscribe function.
func (d *Doc) Subscribe(fn func(ChangeEvent)) func() { return d.e.Subscribe(fn) }

// Fork returns a new, independent Doc seeded with this document's current
// history. Changes to the fork do not affect the original.
func (d *Doc) Fork() *Doc {
	return &Doc{ID: d.ID, e: d.e.Fork(), localPeerID: d.localPeerID}
}

func (d *Doc) setLocalPeerID(id string) { d.localPeerID = id }

// Store owns every Doc known to this process, created lazily on first
// reference, local or remote.
type Store struct {
	mu          sync.Mutex
	localPeerID string
	docs        map[string]*Doc
}

// New returns an empty Store. localPeerID is attributed to every local
// Change/Delete recorded through it.
func New(localPeerID string) *Store {
	return &Store{localPeerID: localPeerID, docs: make(map[string]*Doc)}
}

// Ensure returns the Doc for id, creating it if this is the first
// reference.
func (s *Store) Ensure(id string) *Doc {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.docs[id]; ok {
		return d
	}
	d := &Doc{ID: id, e: newEngine(id)}
	d.setLocalPeerID(s.localPeerID)
	s.docs[id] = d
	return d
}

// Lookup returns the Doc for id without creating it.
func (s *Store) Lookup(id string) (*Doc, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	return d, ok
}

// Delete removes the local record of id. It is a local-only operation:
// it does not propagate to peers.
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
}

// IDs returns every docID currently tracked.
func (s *Store) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.docs))
	for id := range s.docs {
		out = append(out, id)
	}
	return out
}

// ErrUnknownDoc reports a docID the Store does not track. No Store method
// returns it: Lookup reports absence with its bool result.
type ErrUnknownDoc struct{ DocID string }

func (e *ErrUnknownDoc) Error() string { return fmt.Sprintf("store: unknown doc %q", e.DocID) }
