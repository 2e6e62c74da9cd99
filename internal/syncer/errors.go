package syncer

import (
	"fmt"

	"github.com/SchoolAI/loro-extended-sub004/internal/channel"
)

// SyncTimeoutError is returned by Handle.WaitForSync (pkg/repo) when no
// eligible channel reaches found/not-found within the requested
// timeout.
type SyncTimeoutError struct {
	Kind           channel.Kind
	TimeoutMs      int64
	DocID          string
	LastSeenStates map[channel.ID]LoadingState
}

func (e *SyncTimeoutError) Error() string {
	return fmt.Sprintf("syncer: wait for sync timed out after %dms for doc %q (kind=%v)", e.TimeoutMs, e.DocID, e.Kind)
}

// NoAdaptersError is returned synchronously from WaitForSync when no
// adapter of the requested kind is attached at all.
type NoAdaptersError struct {
	Kind channel.Kind
}

func (e *NoAdaptersError) Error() string {
	return fmt.Sprintf("syncer: no adapters of kind %v attached", e.Kind)
}

// ErrIdentityMismatch describes a reconnect whose identity disagrees with
// the channelId's previously established identity. The reducer does not
// produce this type: it closes such a channel with a StopChannel command
// whose Reason names the mismatch.
type ErrIdentityMismatch struct {
	ChannelID channel.ID
	Expected  string
	Got       string
}

func (e *ErrIdentityMismatch) Error() string {
	return fmt.Sprintf("syncer: channel %s identity mismatch: expected %s, got %s", e.ChannelID, e.Expected, e.Got)
}
