package repo

import (
	"github.com/SchoolAI/loro-extended-sub004/internal/syncer"
)

// EphemeralHandle is the application's view of one presence namespace
// on one document: the local peer's own state plus every remote peer's
// last-seen state.
type EphemeralHandle struct {
	repo      *Repo
	docID     string
	namespace string
}

// Ephemeral returns the presence handle for the named namespace of this
// document.
func (h *Handle) Ephemeral(namespace string) *EphemeralHandle {
	return &EphemeralHandle{repo: h.repo, docID: h.docID, namespace: namespace}
}

// Self returns the local peer's current state.
func (e *EphemeralHandle) Self() map[string]any {
	return e.repo.eph.Self(e.docID, e.namespace)
}

// SetSelf replaces the local peer's entire state and flushes it to
// every permitted channel.
func (e *EphemeralHandle) SetSelf(values map[string]any) error {
	data, err := e.repo.eph.SetSelf(e.docID, e.namespace, values)
	if err != nil {
		return err
	}
	e.flush(data)
	return nil
}

// Set updates one key of the local state and flushes.
func (e *EphemeralHandle) Set(key string, value any) error {
	data, err := e.repo.eph.SetSelfKey(e.docID, e.namespace, key, value)
	if err != nil {
		return err
	}
	e.flush(data)
	return nil
}

func (e *EphemeralHandle) flush(encoded []byte) {
	e.repo.eph.Notify(e.docID, e.namespace)
	e.repo.exec.Post(syncer.EphemeralLocalChange{
		DocID:     e.docID,
		Namespace: e.namespace,
		Data:      encoded,
	})
}

// Get returns one key of a remote peer's state.
func (e *EphemeralHandle) Get(peerID, key string) (any, bool) {
	vals, ok := e.repo.eph.Peer(e.docID, e.namespace, peerID)
	if !ok {
		return nil, false
	}
	v, ok := vals[key]
	return v, ok
}

// GetAll returns a remote peer's full state.
func (e *EphemeralHandle) GetAll(peerID string) (map[string]any, bool) {
	return e.repo.eph.Peer(e.docID, e.namespace, peerID)
}

// Peers returns every remote peer's state for this namespace.
func (e *EphemeralHandle) Peers() map[string]map[string]any {
	return e.repo.eph.Peers(e.docID, e.namespace)
}

// Subscribe registers cb to run whenever presence for this namespace
// changes, locally or remotely. Returns an unsubscribe func.
func (e *EphemeralHandle) Subscribe(cb func()) func() {
	return e.repo.eph.Subscribe(e.docID, e.namespace, cb)
}
