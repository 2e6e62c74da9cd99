// Package peer implements peer identity and per-document peer state: what
// the Synchronizer knows about the process on the other end of a channel,
// independent of which channel(s) that peer is reachable through.
package peer

import "github.com/SchoolAI/loro-extended-sub004/internal/clock"

// Kind classifies what a peer is, used by rule evaluation (internal/rules)
// to distinguish an interactive user session from an unattended service or
// a storage backend.
type Kind int

const (
	KindUser Kind = iota
	KindService
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindUser:
		return "user"
	case KindService:
		return "service"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Identity is established once a channel completes the establish
// handshake. ID is never reused within a process lifetime.
type Identity struct {
	ID   string
	Name string
	Type Kind
}

// Awareness is what a channel's remote peer is known to think about a
// given document: whether it has the doc at all.
type Awareness int

const (
	AwarenessUnknown Awareness = iota
	AwarenessHasDoc
	AwarenessNoDoc
)

// DocState is everything the Synchronizer tracks about one peer's
// relationship to one document: the last version we know they had, and
// whether we believe they have the document at all.
type DocState struct {
	LastKnownVersion clock.VersionVector
	Awareness        Awareness
}

// NewDocState returns a DocState with no prior knowledge of the document.
func NewDocState() DocState {
	return DocState{LastKnownVersion: clock.New(), Awareness: AwarenessUnknown}
}

// WithVersion returns a copy of d with LastKnownVersion replaced.
func (d DocState) WithVersion(v clock.VersionVector) DocState {
	d.LastKnownVersion = clock.Clone(v)
	return d
}

// WithAwareness returns a copy of d with Awareness replaced.
func (d DocState) WithAwareness(a Awareness) DocState {
	d.Awareness = a
	return d
}
