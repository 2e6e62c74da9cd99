// Package adapter defines the contract every transport shell implements
// and the plumbing they share: exponential backoff with
// jitter for reconnection, and the per-connection conduit that turns
// message batches into wire frames and inbound frames back into
// messages.
package adapter

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/SchoolAI/loro-extended-sub004/internal/channel"
	"github.com/SchoolAI/loro-extended-sub004/internal/executor"
	"github.com/SchoolAI/loro-extended-sub004/internal/framing"
	"github.com/SchoolAI/loro-extended-sub004/internal/protocol"
)

// Adapter is one transport shell. Start begins connection attempts and
// emits channel-added into the runtime once a usable transport exists;
// Stop is idempotent teardown.
type Adapter interface {
	ID() string
	Kind() channel.Kind
	Start(ctx context.Context) error
	Stop() error
}

// Runtime is the slice of the command executor adapters talk to.
// *executor.Executor satisfies it.
type Runtime interface {
	AttachChannel(ch *channel.Channel, t executor.ChannelTransport)
	EstablishChannel(id channel.ID, initiator bool)
	RemoveChannel(id channel.ID)
	Deliver(id channel.ID, msg protocol.Msg)
}

// Backoff computes reconnection delays: exponential growth from Base
// capped at Max, with up to 50% random jitter so a fleet of clients
// doesn't reconnect in lockstep.
type Backoff struct {
	Base    time.Duration
	Max     time.Duration
	attempt int
}

// Next returns the delay before the next attempt and advances the
// counter.
func (b *Backoff) Next() time.Duration {
	d := b.Base << b.attempt
	if d > b.Max || d <= 0 {
		d = b.Max
	}
	b.attempt++
	jitter := time.Duration(rand.Int63n(int64(d)/2 + 1))
	return d/2 + jitter
}

// Attempt returns how many delays have been handed out since the last
// Reset.
func (b *Backoff) Attempt() int { return b.attempt }

// Reset clears the counter after a successful connection.
func (b *Backoff) Reset() { b.attempt = 0 }

// Conduit is the per-connection encode/decode pair every binary
// transport shares: outbound batches become frames (fragmented above
// threshold), inbound frames are reassembled and decoded back into
// messages.
type Conduit struct {
	threshold  int
	reasm      *framing.Reassembler
	nextFragID atomic.Uint32
}

// NewConduit builds a Conduit with the given fragment threshold and
// reassembly timeout.
func NewConduit(threshold int, fragmentTimeout time.Duration) *Conduit {
	if threshold <= 0 {
		threshold = framing.DefaultThreshold
	}
	return &Conduit{
		threshold: threshold,
		reasm:     framing.NewReassembler(fragmentTimeout),
	}
}

// EncodeFrames serializes a message batch and splits it into wire
// frames: one 0x00 frame below threshold, a header plus data frames
// above it.
func (c *Conduit) EncodeFrames(msgs []protocol.Msg) ([][]byte, error) {
	payload, err := protocol.EncodeBatch(msgs)
	if err != nil {
		return nil, err
	}
	return framing.Encode(c.nextFragID.Add(1), payload, c.threshold), nil
}

// DecodeFrame feeds one inbound frame through reassembly. It returns
// the decoded batch once a message completes, nil while fragments are
// still pending, and an error for a corrupt frame (fatal per message,
// not per connection).
func (c *Conduit) DecodeFrame(frame []byte) ([]protocol.Msg, error) {
	payload, complete, err := c.reasm.Feed(frame)
	if err != nil {
		return nil, err
	}
	if !complete {
		return nil, nil
	}
	return protocol.DecodeBatch(payload)
}
