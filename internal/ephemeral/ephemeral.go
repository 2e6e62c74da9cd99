// Package ephemeral implements the namespaced presence store:
// non-persistent per-document state — cursors,
// presence, selections — keyed by the peer that authored it. Entries
// carry a last-seen wall clock and are evicted once they exceed the
// stale window; nothing here ever touches the document CRDT.
package ephemeral

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
	"time"
)

func init() {
	// Payload.Values is map[string]any; gob needs the concrete value
	// types it will meet in interface slots declared up front.
	gob.Register(map[string]any{})
	gob.Register([]any{})
}

// Payload is the wire form of one peer's state for one (doc, namespace):
// what crosses a channel inside an ephemeral message or piggybacked on a
// sync-response.
type Payload struct {
	PeerID string
	Values map[string]any
}

// Encode serializes p for transport.
func Encode(p Payload) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(p); err != nil {
		return nil, fmt.Errorf("ephemeral: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePayload parses bytes produced by Encode.
func DecodePayload(data []byte) (Payload, error) {
	var p Payload
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&p); err != nil {
		return Payload{}, fmt.Errorf("ephemeral: decode: %w", err)
	}
	return p, nil
}

// peerEntry is one remote peer's current state plus the wall clock we
// last heard from it, which drives eviction.
type peerEntry struct {
	values   map[string]any
	lastSeen time.Time
}

// namespaceState holds everything for one (docID, namespace) pair.
type namespaceState struct {
	self  map[string]any
	peers map[string]*peerEntry
}

func newNamespaceState() *namespaceState {
	return &namespaceState{self: make(map[string]any), peers: make(map[string]*peerEntry)}
}

// Store owns all ephemeral state in the process. It is safe for
// concurrent use; the command executor is the primary writer.
type Store struct {
	mu          sync.Mutex
	localPeerID string
	docs        map[string]map[string]*namespaceState // docID -> namespace -> state

	subs      map[int]subscription
	nextSubID int

	nowFunc func() time.Time
}

type subscription struct {
	docID     string
	namespace string
	fn        func()
}

// NewStore returns an empty Store attributing local writes to
// localPeerID.
func NewStore(localPeerID string) *Store {
	return &Store{
		localPeerID: localPeerID,
		docs:        make(map[string]map[string]*namespaceState),
		subs:        make(map[int]subscription),
		nowFunc:     time.Now,
	}
}

func (s *Store) ns(docID, namespace string) *namespaceState {
	byNS, ok := s.docs[docID]
	if !ok {
		byNS = make(map[string]*namespaceState)
		s.docs[docID] = byNS
	}
	st, ok := byNS[namespace]
	if !ok {
		st = newNamespaceState()
		byNS[namespace] = st
	}
	return st
}

// SetSelf replaces the local peer's entire state for (docID, namespace)
// and returns the encoded payload ready to flush to peers.
func (s *Store) SetSelf(docID, namespace string, values map[string]any) ([]byte, error) {
	s.mu.Lock()
	st := s.ns(docID, namespace)
	st.self = make(map[string]any, len(values))
	for k, v := range values {
		st.self[k] = v
	}
	encoded, err := Encode(Payload{PeerID: s.localPeerID, Values: st.self})
	s.mu.Unlock()
	return encoded, err
}

// SetSelfKey updates one key of the local state and returns the encoded
// full payload.
func (s *Store) SetSelfKey(docID, namespace, key string, value any) ([]byte, error) {
	s.mu.Lock()
	st := s.ns(docID, namespace)
	st.self[key] = value
	encoded, err := Encode(Payload{PeerID: s.localPeerID, Values: st.self})
	s.mu.Unlock()
	return encoded, err
}

// Self returns a copy of the local state for (docID, namespace).
func (s *Store) Self(docID, namespace string) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ns(docID, namespace)
	out := make(map[string]any, len(st.self))
	for k, v := range st.self {
		out[k] = v
	}
	return out
}

// Apply folds a remote peer's encoded payload into (docID, namespace)
// and stamps its last-seen clock. The payload's own PeerID attribution
// wins over fromPeerID when present, so relayed presence keeps its
// original author through a hub.
func (s *Store) Apply(docID, namespace, fromPeerID string, data []byte) error {
	p, err := DecodePayload(data)
	if err != nil {
		return err
	}
	author := p.PeerID
	if author == "" {
		author = fromPeerID
	}
	if author == "" || author == s.localPeerID {
		return nil
	}

	s.mu.Lock()
	st := s.ns(docID, namespace)
	st.peers[author] = &peerEntry{values: p.Values, lastSeen: s.nowFunc()}
	s.mu.Unlock()
	return nil
}

// Peer returns peerID's state for (docID, namespace), if known.
func (s *Store) Peer(docID, namespace, peerID string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ns(docID, namespace)
	e, ok := st.peers[peerID]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(e.values))
	for k, v := range e.values {
		out[k] = v
	}
	return out, true
}

// Peers returns every remote peer's state for (docID, namespace).
func (s *Store) Peers(docID, namespace string) map[string]map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.ns(docID, namespace)
	out := make(map[string]map[string]any, len(st.peers))
	for id, e := range st.peers {
		vals := make(map[string]any, len(e.values))
		for k, v := range e.values {
			vals[k] = v
		}
		out[id] = vals
	}
	return out
}

// SelfSnapshot returns the encoded local state for docID's most
// populated namespace, used to piggyback presence on a sync-response.
// ok is false when there is nothing to send.
func (s *Store) SelfSnapshot(docID string) (namespace string, data []byte, ok bool) {
	s.mu.Lock()
	var chosen string
	var values map[string]any
	for ns, st := range s.docs[docID] {
		if len(st.self) == 0 {
			continue
		}
		if values == nil || len(st.self) > len(values) {
			chosen, values = ns, st.self
		}
	}
	if values == nil {
		s.mu.Unlock()
		return "", nil, false
	}
	b, err := Encode(Payload{PeerID: s.localPeerID, Values: values})
	s.mu.Unlock()

	if err != nil {
		return "", nil, false
	}
	return chosen, b, true
}

// Changed identifies one (docID, namespace) whose presence set changed.
type Changed struct {
	DocID     string
	Namespace string
}

// Sweep evicts every peer entry older than staleWindow as of now and
// returns which (doc, namespace) pairs changed.
func (s *Store) Sweep(now time.Time, staleWindow time.Duration) []Changed {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []Changed
	for docID, byNS := range s.docs {
		for ns, st := range byNS {
			evicted := false
			for id, e := range st.peers {
				if now.Sub(e.lastSeen) > staleWindow {
					delete(st.peers, id)
					evicted = true
				}
			}
			if evicted {
				changed = append(changed, Changed{DocID: docID, Namespace: ns})
			}
		}
	}
	return changed
}

// RemovePeer drops peerID's entries across every document and returns
// the pairs that changed.
func (s *Store) RemovePeer(peerID string) []Changed {
	s.mu.Lock()
	defer s.mu.Unlock()

	var changed []Changed
	for docID, byNS := range s.docs {
		for ns, st := range byNS {
			if _, ok := st.peers[peerID]; ok {
				delete(st.peers, peerID)
				changed = append(changed, Changed{DocID: docID, Namespace: ns})
			}
		}
	}
	return changed
}

// DropDoc discards every namespace for docID, called on local doc
// deletion.
func (s *Store) DropDoc(docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, docID)
}

// Subscribe registers fn to run whenever presence for (docID, namespace)
// changes. Returns an unsubscribe func.
func (s *Store) Subscribe(docID, namespace string, fn func()) func() {
	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subs[id] = subscription{docID: docID, namespace: namespace, fn: fn}
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

// Notify invokes every subscriber registered for (docID, namespace).
// The command executor calls this when it handles an ephemeral-change
// emission, keeping notification ordering on the executor turn.
func (s *Store) Notify(docID, namespace string) {
	s.mu.Lock()
	fns := make([]func(), 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.docID == docID && sub.namespace == namespace {
			fns = append(fns, sub.fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
