// Package rules implements the application-defined access gates:
// canReveal, canUpdate, canDelete. Evaluation is
// synchronous and must be deterministic within a session — the
// Synchronizer calls these inline during reduction, never across a
// suspension point.
package rules

import (
	"github.com/SchoolAI/loro-extended-sub004/internal/channel"
	"github.com/SchoolAI/loro-extended-sub004/internal/peer"
)

// Context is passed to every gate. Doc is nil when the gate is evaluated
// before a DocState exists locally (e.g. a directory-request for a doc we
// might create on demand); gates that need document contents must handle
// a nil Doc.
type Context struct {
	PeerName        string
	ChannelID       channel.ID
	ChannelKind     channel.Kind
	DocID           string
	Doc             any // opaque store.Doc; typed as any to avoid an import cycle with internal/store
	DocChannelState any // the (doc, channel) awareness/loading pair, for gates that condition on it
}

// Gate is a single synchronous, deterministic access check.
type Gate func(ctx Context) bool

// Set is the three gates the Synchronizer consults. A zero Set denies
// everything; AllowStorageDefaultDenyNetwork is the usual starting
// point (storage channels always pass, network channels default-deny
// until the application supplies its own Set).
type Set struct {
	CanReveal Gate
	CanUpdate Gate
	CanDelete Gate
}

// AllowStorageDefaultDenyNetwork returns the default gate set: all true
// for storage channels, while network channels deny everything until
// the application supplies an explicit Set.
func AllowStorageDefaultDenyNetwork() Set {
	storageOnly := func(ctx Context) bool { return ctx.ChannelKind == channel.KindStorage }
	return Set{CanReveal: storageOnly, CanUpdate: storageOnly, CanDelete: storageOnly}
}

// AllowAll is a permissive Set useful for tests and single-process demos
// where every channel is trusted.
func AllowAll() Set {
	yes := func(Context) bool { return true }
	return Set{CanReveal: yes, CanUpdate: yes, CanDelete: yes}
}

// CanRevealDoc evaluates the reveal gate, defaulting to false if unset.
func (s Set) CanRevealDoc(ctx Context) bool { return s.CanReveal != nil && s.CanReveal(ctx) }

// CanUpdateDoc evaluates the update gate, defaulting to false if unset.
func (s Set) CanUpdateDoc(ctx Context) bool { return s.CanUpdate != nil && s.CanUpdate(ctx) }

// CanDeleteDoc evaluates the delete gate, defaulting to false if unset.
func (s Set) CanDeleteDoc(ctx Context) bool { return s.CanDelete != nil && s.CanDelete(ctx) }

// identityPeerName is a small helper adapters/the syncer use to fill
// Context.PeerName from an established channel's identity.
func identityPeerName(id peer.Identity) string { return id.Name }

// PeerName exposes identityPeerName for callers outside this package.
func PeerName(id peer.Identity) string { return identityPeerName(id) }
