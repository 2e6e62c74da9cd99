package store

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/SchoolAI/loro-extended-sub004/internal/clock"
)

// engine is the document's op-log CRDT state: last-writer-wins field
// merge,
// content-addressed dedup of ops for idempotent import, and a version
// vector keyed by the authoring peer's local op sequence. Everything the
// Synchronizer needs from a document — version, export (snapshot/update),
// import, subscribe, fork — is implemented against this engine so the
// reducer never has to know how merging actually happens.
type engine struct {
	mu sync.RWMutex

	docID   string
	log     []Op
	applied map[string]struct{} // op ID -> present, for idempotent import
	vector  clock.VersionVector
	fields  map[string]any
	deleted bool

	localSeq map[string]uint64 // peerID -> highest seq authored locally for that peer

	subscribers map[int]func(ChangeEvent)
	nextSubID   int
}

func newEngine(docID string) *engine {
	return &engine{
		docID:       docID,
		applied:     make(map[string]struct{}),
		vector:      clock.New(),
		fields:      make(map[string]any),
		localSeq:    make(map[string]uint64),
		subscribers: make(map[int]func(ChangeEvent)),
	}
}

// ChangeEvent is delivered to subscribers after a local or imported change
// is folded into the document.
type ChangeEvent struct {
	DocID  string
	Vector clock.VersionVector
	Origin string // peerID that authored the op; local changes carry the store's own peerID
}

// Version returns the document's current version vector.
func (e *engine) Version() clock.VersionVector {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return clock.Clone(e.vector)
}

// Apply folds a single op into the document if it hasn't been applied
// already (import is idempotent) and notifies subscribers on change.
func (e *engine) Apply(op Op) bool {
	e.mu.Lock()
	if _, ok := e.applied[op.ID]; ok {
		e.mu.Unlock()
		return false
	}
	e.applied[op.ID] = struct{}{}
	e.log = append(e.log, op)
	e.vector = clock.Merge(e.vector, clock.VersionVector{op.PeerID: op.Seq})

	switch op.Kind {
	case OpDelete:
		e.deleted = true
	case OpSet:
		e.deleted = false
		for k, v := range op.Fields {
			e.fields[k] = v
		}
	}
	vecCopy := clock.Clone(e.vector)
	subs := make([]func(ChangeEvent), 0, len(e.subscribers))
	for _, fn := range e.subscribers {
		subs = append(subs, fn)
	}
	e.mu.Unlock()

	evt := ChangeEvent{DocID: e.docID, Vector: vecCopy, Origin: op.PeerID}
	for _, fn := range subs {
		fn(evt)
	}
	return true
}

// LocalChange applies a locally-authored mutation and returns the Op that
// was appended to the log, ready to be diffed to peers.
func (e *engine) LocalChange(peerID string, kind OpKind, fields map[string]any) Op {
	e.mu.Lock()
	seq := e.localSeq[peerID] + 1
	e.localSeq[peerID] = seq
	e.mu.Unlock()

	op := Op{
		ID:     newOpID(peerID, seq),
		DocID:  e.docID,
		Kind:   kind,
		Fields: fields,
		PeerID: peerID,
	}
	op.Seq = seq
	e.Apply(op)
	return op
}

// Snapshot returns the full op log, suitable for a peer with no prior
// version of the document.
func (e *engine) Snapshot() ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return encodeOps(e.log)
}

// Update returns ops the peer at `since` hasn't seen yet, keyed on each
// op's authoring peer sequence number rather than the full vector: this
// is what makes Update(since: v(local)) commute to the empty slice, the
// echo-prevention invariant.
func (e *engine) Update(since clock.VersionVector) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Op, 0, len(e.log))
	for _, op := range e.log {
		if op.Seq > since[op.PeerID] {
			out = append(out, op)
		}
	}
	return encodeOps(out)
}

// Import decodes and applies a batch of ops produced by Snapshot or
// Update. Returns the number of ops that were newly applied.
func (e *engine) Import(data []byte) (int, error) {
	ops, err := decodeOps(data)
	if err != nil {
		return 0, fmt.Errorf("decode ops: %w", err)
	}
	applied := 0
	for _, op := range ops {
		if e.Apply(op) {
			applied++
		}
	}
	return applied, nil
}

// Subscribe registers fn to be called after every locally-applied or
// imported change. Returns an unsubscribe func.
func (e *engine) Subscribe(fn func(ChangeEvent)) func() {
	e.mu.Lock()
	id := e.nextSubID
	e.nextSubID++
	e.subscribers[id] = fn
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		delete(e.subscribers, id)
		e.mu.Unlock()
	}
}

// Fork returns an independent copy of the engine sharing no state with
// the original — further changes to either do not affect the other until
// explicitly re-imported.
func (e *engine) Fork() *engine {
	e.mu.RLock()
	defer e.mu.RUnlock()

	f := newEngine(e.docID)
	f.log = append([]Op(nil), e.log...)
	for id := range e.applied {
		f.applied[id] = struct{}{}
	}
	f.vector = clock.Clone(e.vector)
	for k, v := range e.fields {
		f.fields[k] = v
	}
	for k, v := range e.localSeq {
		f.localSeq[k] = v
	}
	f.deleted = e.deleted
	return f
}

// Fields returns a shallow copy of the current materialized state.
func (e *engine) Fields() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]any, len(e.fields))
	for k, v := range e.fields {
		out[k] = v
	}
	return out
}

// Deleted reports whether the most recent op tombstoned the document.
func (e *engine) Deleted() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.deleted
}

func encodeOps(ops []Op) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(ops); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeOps(data []byte) ([]Op, error) {
	var ops []Op
	if len(data) == 0 {
		return ops, nil
	}
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&ops); err != nil {
		return nil, err
	}
	return ops, nil
}
