package syncer

import (
	"github.com/SchoolAI/loro-extended-sub004/internal/channel"
	"github.com/SchoolAI/loro-extended-sub004/internal/clock"
	"github.com/SchoolAI/loro-extended-sub004/internal/protocol"
)

// Msg is any input the Synchronizer reacts to.
// Implemented as a closed sum via an unexported marker method, same
// pattern as internal/protocol.Msg and internal/channel.PeerState.
type Msg interface {
	isSyncMsg()
}

// ChannelAdded announces a newly created channel, in the Connecting
// state, owned by the named adapter.
type ChannelAdded struct {
	Channel *channel.Channel
}

func (ChannelAdded) isSyncMsg() {}

// ChannelRemoved announces that a channel is gone; every DocState
// reference to it is pruned.
type ChannelRemoved struct {
	ChannelID channel.ID
}

func (ChannelRemoved) isSyncMsg() {}

// EstablishChannel is sent by the adapter once its own transport
// handshake completes and the channel is ready to carry the
// establish-request/response exchange. Initiator marks
// whether this side opened the connection (and thus sends the first
// establish-request).
type EstablishChannel struct {
	ChannelID channel.ID
	Initiator bool
}

func (EstablishChannel) isSyncMsg() {}

// DocEnsure requests that docID be tracked locally, creating a DocState
// if this is the first reference.
type DocEnsure struct {
	DocID string
}

func (DocEnsure) isSyncMsg() {}

// LocalDocChange is delivered by the store's change subscription after a
// local mutation is applied.
type LocalDocChange struct {
	DocID string
}

func (LocalDocChange) isSyncMsg() {}

// DocDelete is a local-only operation: it does not propagate over the
// wire.
type DocDelete struct {
	DocID string
}

func (DocDelete) isSyncMsg() {}

// DocImported is delivered by the command executor after it has called
// into the store to apply an inbound snapshot/update. NewVersion is the
// document's version immediately after import, used to set the
// echo-prevention watermark.
type DocImported struct {
	DocID      string
	FromPeerID string
	NewVersion clock.VersionVector
}

func (DocImported) isSyncMsg() {}

// ChannelReceiveMessage is any ChannelMsg delivered by an established
// channel.
type ChannelReceiveMessage struct {
	ChannelID channel.ID
	Message   protocol.Msg
}

func (ChannelReceiveMessage) isSyncMsg() {}

// Heartbeat is posted by the runtime's timer; it triggers ephemeral peer
// eviction.
type Heartbeat struct {
	NowUnixMilli int64
}

func (Heartbeat) isSyncMsg() {}

// EphemeralLocalChange is posted when the local ephemeral store's state
// for (docID, namespace) changes.
type EphemeralLocalChange struct {
	DocID     string
	Namespace string
	Data      []byte
}

func (EphemeralLocalChange) isSyncMsg() {}
