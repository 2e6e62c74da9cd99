package syncer

import (
	"github.com/SchoolAI/loro-extended-sub004/internal/channel"
	"github.com/SchoolAI/loro-extended-sub004/internal/protocol"
)

// Command is a side effect the reducer wants performed; internal/executor
// interprets these. The reducer never performs I/O itself.
type Command interface {
	isSyncCommand()
}

// Batch runs every child command in order. Nesting is allowed.
type Batch struct {
	Commands []Command
}

func (Batch) isSyncCommand() {}

// batch collapses a command slice into a single Command, dropping nils
// and flattening the common "nothing to do" case to nil.
func batch(cmds ...Command) Command {
	out := make([]Command, 0, len(cmds))
	for _, c := range cmds {
		if c != nil {
			out = append(out, c)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	default:
		return Batch{Commands: out}
	}
}

// SendMessage hands a framed ChannelMsg to every listed channel. It is
// the executor's micro-batching unit: sends are aggregated per channel
// and flushed once per mailbox turn.
type SendMessage struct {
	ChannelIDs []channel.ID
	Message    protocol.Msg
}

func (SendMessage) isSyncCommand() {}

// SendEstablishmentMessage is the one establish-request/response pair a
// channel ever carries; kept distinct from SendMessage so the executor
// and metrics can special-case handshake traffic.
type SendEstablishmentMessage struct {
	ChannelID channel.ID
	Message   protocol.Msg
}

func (SendEstablishmentMessage) isSyncCommand() {}

// SendSyncResponse answers one channel's sync-request for one document.
type SendSyncResponse struct {
	ChannelID channel.ID
	Message   protocol.SyncResponse
}

func (SendSyncResponse) isSyncCommand() {}

// SendSyncRequest asks one or more channels to bring us up to date.
type SendSyncRequest struct {
	ChannelIDs []channel.ID
	Message    protocol.SyncRequest
}

func (SendSyncRequest) isSyncCommand() {}

// StopChannel tells the owning adapter to tear the channel down, e.g.
// on an identity disagreement after the handshake.
type StopChannel struct {
	ChannelID channel.ID
	Reason    string
}

func (StopChannel) isSyncCommand() {}

// SubscribeDoc tells the executor to register a store-level change
// subscription for docID so future local changes post LocalDocChange.
// Idempotent: the executor tracks which docs already have a live
// subscription.
type SubscribeDoc struct {
	DocID string
}

func (SubscribeDoc) isSyncCommand() {}

// ImportDocData hands inbound snapshot/update bytes to the store, tagged
// with the originating peer for provenance. The executor
// replies with a DocImported message carrying the post-import version.
type ImportDocData struct {
	DocID      string
	FromPeerID string
	Data       []byte
	IsSnapshot bool
}

func (ImportDocData) isSyncCommand() {}

// ApplyEphemeral hands inbound presence bytes to the local ephemeral
// store for (docID, namespace), attributed to fromPeerID for later
// eviction.
type ApplyEphemeral struct {
	DocID      string
	Namespace  string
	FromPeerID string
	Data       []byte
}

func (ApplyEphemeral) isSyncCommand() {}

// BroadcastEphemeral relays or flushes presence data to a set of
// channels, either embedded in a SyncResponse (not modeled here — that
// case is folded directly into SendSyncResponse.Message.Ephemeral) or as
// a standalone Ephemeral ChannelMsg.
type BroadcastEphemeral struct {
	ChannelIDs []channel.ID
	Message    protocol.Ephemeral
}

func (BroadcastEphemeral) isSyncCommand() {}

// RemoveEphemeralPeer evicts a peer's presence entries across every
// document, issued when the last channel reaching that peer is removed
// so its presence doesn't linger for the rest of the stale window.
type RemoveEphemeralPeer struct {
	PeerID string
}

func (RemoveEphemeralPeer) isSyncCommand() {}

// SweepEphemeral asks the ephemeral store to evict any peer whose
// last-seen wall-clock exceeds the configured stale window as of now.
type SweepEphemeral struct {
	NowUnixMilli int64
}

func (SweepEphemeral) isSyncCommand() {}

// EmitReadyStateChanged notifies application-facing waitForSync/
// onReadyStateChange listeners that one (doc, channel) pair's loading
// state changed.
type EmitReadyStateChanged struct {
	DocID     string
	ChannelID channel.ID
	Kind      channel.Kind
	Loading   LoadingState
}

func (EmitReadyStateChanged) isSyncCommand() {}

// EmitEphemeralChange notifies EphemeralHandle subscribers that presence
// data for (docID, namespace) changed.
type EmitEphemeralChange struct {
	DocID     string
	Namespace string
}

func (EmitEphemeralChange) isSyncCommand() {}

// Dispatch feeds msg back into the Synchronizer's own mailbox — used
// when a reduction needs to synthesize a follow-up input. The sync
// handler uses it after replying up-to-date to a requester that was
// actually ahead of us: the requester's claim re-enters as an implicit
// directory announcement, and the directory handler issues the pull.
type Dispatch struct {
	Msg Msg
}

func (Dispatch) isSyncCommand() {}
