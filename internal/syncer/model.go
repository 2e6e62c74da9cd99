// Package syncer implements the Synchronizer: the pure reducer at the
// center of the runtime. It discovers which documents a channel should
// know about, drives bidirectional sync, piggybacks ephemeral awareness,
// and reports per-document ready state — all as one function,
// (Model, Msg) -> (Model, Command), with no I/O of its own. Every side
// effect is a Command interpreted by internal/executor.
package syncer

import (
	"time"

	"github.com/SchoolAI/loro-extended-sub004/internal/channel"
	"github.com/SchoolAI/loro-extended-sub004/internal/clock"
	"github.com/SchoolAI/loro-extended-sub004/internal/peer"
	"github.com/SchoolAI/loro-extended-sub004/internal/protocol"
	"github.com/SchoolAI/loro-extended-sub004/internal/rules"
	"github.com/SchoolAI/loro-extended-sub004/internal/store"
)

// LoadingState is the per-(doc,channel) readiness the application
// observes through waitForSync.
type LoadingState int

const (
	LoadingPending LoadingState = iota
	LoadingFound
	LoadingNotFound
)

func (l LoadingState) String() string {
	switch l {
	case LoadingFound:
		return "found"
	case LoadingNotFound:
		return "not-found"
	default:
		return "loading"
	}
}

// ChannelDocEntry is one channel's relationship to one document: the
// per-channel awareness sub-machine (unknown -> has-doc / no-doc), plus
// the loading state surfaced to the application.
type ChannelDocEntry struct {
	Awareness    peer.Awareness
	Loading      LoadingState
	FoundVersion clock.VersionVector
	// SyncPending enforces at most one in-flight sync-request per
	// (docId, channel) pair; additional dispatches fold into the pending
	// one instead of issuing a second request.
	SyncPending bool
}

// DocState is the per-docId record: the document itself, the
// per-channel awareness/loading table, and local subscribers.
type DocState struct {
	DocID    string
	Doc      *store.Doc
	Channels map[channel.ID]ChannelDocEntry
}

func newDocState(docID string, doc *store.Doc) *DocState {
	return &DocState{DocID: docID, Doc: doc, Channels: make(map[channel.ID]ChannelDocEntry)}
}

func (d *DocState) clone() *DocState {
	cp := *d
	cp.Channels = make(map[channel.ID]ChannelDocEntry, len(d.Channels))
	for k, v := range d.Channels {
		cp.Channels[k] = v
	}
	return &cp
}

func (d *DocState) entry(id channel.ID) ChannelDocEntry {
	if e, ok := d.Channels[id]; ok {
		return e
	}
	return ChannelDocEntry{Awareness: peer.AwarenessUnknown, Loading: LoadingPending}
}

// PeerRecord is what we know about a remote peer independent of which
// channel currently reaches it. It persists across reconnects so
// lastKnownVersion can skip redundant snapshotting.
type PeerRecord struct {
	Identity peer.Identity
	Docs     map[string]peer.DocState // docID -> lastKnownVersion/awareness
}

func newPeerRecord(id peer.Identity) *PeerRecord {
	return &PeerRecord{Identity: id, Docs: make(map[string]peer.DocState)}
}

func (p *PeerRecord) clone() *PeerRecord {
	cp := *p
	cp.Docs = make(map[string]peer.DocState, len(p.Docs))
	for k, v := range p.Docs {
		cp.Docs[k] = v
	}
	return &cp
}

func (p *PeerRecord) docState(docID string) peer.DocState {
	if d, ok := p.Docs[docID]; ok {
		return d
	}
	return peer.NewDocState()
}

// Model is the Synchronizer's entire state. Reduce never mutates a Model
// in place: it returns a new Model sharing every untouched sub-map with
// its predecessor, so a *Model captured by a reader before a reduction
// stays valid and consistent.
type Model struct {
	Local    peer.Identity
	Store    *store.Store
	Docs     map[string]*DocState
	Channels map[channel.ID]*channel.Channel
	Peers    map[string]*PeerRecord
	// ChannelPeer resolves an established channel to the peerID its
	// identity carries, so PeerRecord lookups don't scan Channels.
	ChannelPeer map[channel.ID]string

	Rules       rules.Set
	HopLimit    int           // initial hop budget on relayed ephemeral messages
	StaleWindow time.Duration // ephemeral eviction window, checked on Heartbeat

	// EphemeralSource supplies the local presence payload piggybacked on
	// a sync-response, so presence lands atomically with the initial
	// document. Installed by the command executor at startup; nil means
	// nothing is attached.
	EphemeralSource func(docID string) *protocol.EphemeralPayload
}

// New returns an empty Model for localIdentity, backed by st.
func New(localIdentity peer.Identity, st *store.Store, ruleSet rules.Set) Model {
	return Model{
		Local:       localIdentity,
		Store:       st,
		Docs:        make(map[string]*DocState),
		Channels:    make(map[channel.ID]*channel.Channel),
		Peers:       make(map[string]*PeerRecord),
		ChannelPeer: make(map[channel.ID]string),
		Rules:       ruleSet,
		HopLimit:    2,
		StaleWindow: 30 * time.Second,
	}
}

// withDoc returns a copy of m with docs[docID] replaced by ds.
func (m Model) withDoc(docID string, ds *DocState) Model {
	docs := make(map[string]*DocState, len(m.Docs))
	for k, v := range m.Docs {
		docs[k] = v
	}
	docs[docID] = ds
	m.Docs = docs
	return m
}

// withoutDoc returns a copy of m with docID removed.
func (m Model) withoutDoc(docID string) Model {
	docs := make(map[string]*DocState, len(m.Docs))
	for k, v := range m.Docs {
		if k != docID {
			docs[k] = v
		}
	}
	m.Docs = docs
	return m
}

func (m Model) withChannel(c *channel.Channel) Model {
	chans := make(map[channel.ID]*channel.Channel, len(m.Channels))
	for k, v := range m.Channels {
		chans[k] = v
	}
	chans[c.ID] = c
	m.Channels = chans
	return m
}

func (m Model) withoutChannel(id channel.ID) Model {
	chans := make(map[channel.ID]*channel.Channel, len(m.Channels))
	for k, v := range m.Channels {
		if k != id {
			chans[k] = v
		}
	}
	m.Channels = chans

	cp := make(map[channel.ID]string, len(m.ChannelPeer))
	for k, v := range m.ChannelPeer {
		if k != id {
			cp[k] = v
		}
	}
	m.ChannelPeer = cp

	docs := make(map[string]*DocState, len(m.Docs))
	for k, ds := range m.Docs {
		if _, ok := ds.Channels[id]; ok {
			ds = ds.clone()
			delete(ds.Channels, id)
		}
		docs[k] = ds
	}
	m.Docs = docs
	return m
}

func (m Model) withChannelPeer(id channel.ID, peerID string) Model {
	cp := make(map[channel.ID]string, len(m.ChannelPeer))
	for k, v := range m.ChannelPeer {
		cp[k] = v
	}
	cp[id] = peerID
	m.ChannelPeer = cp
	return m
}

func (m Model) withPeer(p *PeerRecord) Model {
	peers := make(map[string]*PeerRecord, len(m.Peers))
	for k, v := range m.Peers {
		peers[k] = v
	}
	peers[p.Identity.ID] = p
	m.Peers = peers
	return m
}

// peerRecordFor returns the PeerRecord for the peer that channelID has
// resolved to, or nil if the channel isn't established yet.
func (m Model) peerRecordFor(channelID channel.ID) *PeerRecord {
	peerID, ok := m.ChannelPeer[channelID]
	if !ok {
		return nil
	}
	return m.Peers[peerID]
}
