// Package protocol defines the closed set of wire messages exchanged over
// an established channel. Each
// message kind implements Msg via an unexported marker method, the same
// sum-type pattern used throughout this codebase in the absence of a
// native Go union type.
package protocol

import (
	"github.com/SchoolAI/loro-extended-sub004/internal/clock"
	"github.com/SchoolAI/loro-extended-sub004/internal/identity"
	"github.com/SchoolAI/loro-extended-sub004/internal/peer"
)

// Msg is any message that can cross a channel.
type Msg interface {
	isChannelMsg()
}

// EstablishRequest opens the one handshake a channel ever performs.
// Attestation, when non-nil, carries a signature binding Identity to the
// sender's key; receivers that require attestation reject unsigned or
// invalid handshakes.
type EstablishRequest struct {
	Identity    peer.Identity
	Attestation *identity.Attestation
}

func (EstablishRequest) isChannelMsg() {}

// EstablishResponse completes the handshake.
type EstablishResponse struct {
	Identity peer.Identity
}

func (EstablishResponse) isChannelMsg() {}

// DirectoryRequest asks the remote side to reveal which documents it is
// willing to disclose.
type DirectoryRequest struct{}

func (DirectoryRequest) isChannelMsg() {}

// DirectoryResponse answers a DirectoryRequest (or is sent unsolicited
// when canReveal newly becomes true for a doc). DocIDs is exactly the set
// permitted by canReveal at send time.
type DirectoryResponse struct {
	DocIDs []string
}

func (DirectoryResponse) isChannelMsg() {}

// SyncDocRequest is one document's half of a SyncRequest: our version
// vector for docId, offered so the receiver can compute a delta.
type SyncDocRequest struct {
	DocID              string
	RequesterDocVersion clock.VersionVector
}

// SyncRequest asks the receiver to bring us up to date on the listed
// documents. Bidirectional asks the receiver to also send its own
// sync-request back for the same docs, used on reconnect when the
// responder hasn't yet asked.
type SyncRequest struct {
	Docs            []SyncDocRequest
	Bidirectional   bool
	IncludeEphemeral bool
}

func (SyncRequest) isChannelMsg() {}

// TransmissionKind enumerates what a SyncResponse carries.
type TransmissionKind int

const (
	TransmissionUpToDate TransmissionKind = iota
	TransmissionSnapshot
	TransmissionUpdate
	TransmissionUnavailable
)

// Transmission is SyncResponse's payload, shaped by Kind:
//   - UpToDate: Version is populated, Data is nil.
//   - Snapshot/Update: Data is populated; Snapshot also carries Version.
//   - Unavailable: neither is populated.
type Transmission struct {
	Kind    TransmissionKind
	Version clock.VersionVector
	Data    []byte
}

// UpToDate builds an up-to-date transmission.
func UpToDate(v clock.VersionVector) Transmission {
	return Transmission{Kind: TransmissionUpToDate, Version: v}
}

// SnapshotTransmission builds a full-history transmission.
func SnapshotTransmission(data []byte, v clock.VersionVector) Transmission {
	return Transmission{Kind: TransmissionSnapshot, Data: data, Version: v}
}

// UpdateTransmission builds a delta transmission.
func UpdateTransmission(data []byte) Transmission {
	return Transmission{Kind: TransmissionUpdate, Data: data}
}

// Unavailable builds an unavailable transmission: the receiver either
// doesn't have docId, or canUpdate denied it.
func Unavailable() Transmission { return Transmission{Kind: TransmissionUnavailable} }

// SyncResponse answers a SyncRequest's claim about one document.
// Ephemeral, when non-nil, piggybacks presence data for the same doc so
// presence lands atomically with the initial document.
type SyncResponse struct {
	DocID        string
	Transmission Transmission
	Ephemeral    *EphemeralPayload
}

func (SyncResponse) isChannelMsg() {}

// EphemeralPayload is the encoded namespaced presence state carried
// either inline on a SyncResponse or standalone via Ephemeral.
type EphemeralPayload struct {
	Namespace string
	Data      []byte
}

// Ephemeral carries standalone presence data, relayed hop-limited through
// hub topologies.
type Ephemeral struct {
	DocID         string
	Namespace     string
	Data          []byte
	HopsRemaining int
}

func (Ephemeral) isChannelMsg() {}

// Decremented returns a copy of e with HopsRemaining decremented by one,
// for relay. Callers must check HopsRemaining > 0 before relaying at all.
func (e Ephemeral) Decremented() Ephemeral {
	e.HopsRemaining--
	return e
}

// Heartbeat is a transport-level keepalive message. The Synchronizer
// accepts it without a state change and never sends one itself;
// ephemeral eviction runs on each runtime's own heartbeat timer.
type Heartbeat struct{}

func (Heartbeat) isChannelMsg() {}
