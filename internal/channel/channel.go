// Package channel implements the channel abstraction: a process-local
// handle onto one side of a transport (network or storage), carrying the
// establish-handshake state machine.
package channel

import "github.com/SchoolAI/loro-extended-sub004/internal/peer"

// ID identifies a channel within this process. Adapters generate IDs as
// random UUIDs; a reconnecting client adapter (WebSocket, SSE, long-poll)
// re-attaches its new connection under the ID it used before.
type ID string

// Kind distinguishes a channel backed by a network adapter (another
// peer's process) from one backed by a storage adapter (durable
// persistence, no remote identity beyond the storage backend itself).
type Kind int

const (
	KindNetwork Kind = iota
	KindStorage
)

// PeerState is a closed sum type: a channel's
// remote side is either mid-handshake (Connecting) or has completed it
// and carries a confirmed Identity (Established). Go has no union types,
// so the two states are modeled as implementations of an unexported
// marker method; callers switch on a type assertion.
type PeerState interface {
	isPeerState()
}

// Connecting is the state before the establish handshake completes: no
// identity is known yet.
type Connecting struct{}

func (Connecting) isPeerState() {}

// Established is the state once the establish handshake has committed the
// remote identity: on receipt of establish-request for the responder, or
// of establish-response for the initiator. The identity is then stable
// for the life of the channel.
type Established struct {
	Identity peer.Identity
}

func (Established) isPeerState() {}

// Channel is one process-local connection to a remote party, multiplexed
// over exactly one adapter.
type Channel struct {
	ID        ID
	Kind      Kind
	AdapterID string
	Peer      PeerState
}

// New returns a freshly-created channel in the Connecting state. Kind and
// AdapterID are fixed for the channel's lifetime; ID is assigned by the
// caller (the adapter that creates the channel).
func New(id ID, kind Kind, adapterID string) *Channel {
	return &Channel{ID: id, Kind: kind, AdapterID: adapterID, Peer: Connecting{}}
}

// Establish transitions the channel to Established with the given
// identity. Identity is fixed once established, so calling it twice is
// a caller error; it is not guarded here since the
// Synchronizer reducer is the only caller and never does so.
func (c *Channel) Establish(id peer.Identity) {
	c.Peer = Established{Identity: id}
}

// IsEstablished reports whether the handshake has completed.
func (c *Channel) IsEstablished() bool {
	_, ok := c.Peer.(Established)
	return ok
}

// Identity returns the remote identity and true if the channel is
// established, or the zero Identity and false otherwise.
func (c *Channel) Identity() (peer.Identity, bool) {
	if est, ok := c.Peer.(Established); ok {
		return est.Identity, true
	}
	return peer.Identity{}, false
}
