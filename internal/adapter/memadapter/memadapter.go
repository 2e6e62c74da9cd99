// Package memadapter connects two synchronizer runtimes in the same
// process with an in-memory duplex transport. Frames still pass through
// the real encode/fragment/reassemble path, so everything above the
// socket behaves exactly as it would over a network adapter. Used by
// tests and single-process topologies (e.g. wiring a hub to its own
// storage runtime).
package memadapter

import (
	"sync"

	"github.com/google/uuid"

	"github.com/SchoolAI/loro-extended-sub004/internal/adapter"
	"github.com/SchoolAI/loro-extended-sub004/internal/channel"
	"github.com/SchoolAI/loro-extended-sub004/internal/config"
	"github.com/SchoolAI/loro-extended-sub004/internal/protocol"
)

// PipeOptions configures a Pipe between two runtimes.
type PipeOptions struct {
	A adapter.Runtime
	B adapter.Runtime
	// AdapterID labels the channels created on both sides.
	AdapterID string
	// Kind defaults to network. A storage runtime on the B side uses
	// KindStorage so rule defaults treat it as a storage channel.
	Kind   channel.Kind
	Config config.Config
}

// Pipe is one live in-memory link: a channel on each runtime plus the
// pumps that move frames between them.
type Pipe struct {
	AID channel.ID
	BID channel.ID

	aIn  chan []byte
	bIn  chan []byte
	done chan struct{}
	once sync.Once

	a adapter.Runtime
	b adapter.Runtime
}

type memTransport struct {
	conduit *adapter.Conduit
	peerIn  chan []byte
	done    chan struct{}
	stop    func()
}

func (t *memTransport) Send(msgs []protocol.Msg) error {
	frames, err := t.conduit.EncodeFrames(msgs)
	if err != nil {
		return err
	}
	for _, f := range frames {
		select {
		case t.peerIn <- f:
		case <-t.done:
			return nil
		}
	}
	return nil
}

func (t *memTransport) Stop() { t.stop() }

// Connect attaches a channel to each runtime, starts the frame pumps,
// and kicks off establishment with A as the initiator. The returned
// Pipe is live until Close.
func Connect(opts PipeOptions) *Pipe {
	cfg := opts.Config.Normalized()
	if opts.AdapterID == "" {
		opts.AdapterID = "mem"
	}

	p := &Pipe{
		AID:  channel.ID(uuid.NewString()),
		BID:  channel.ID(uuid.NewString()),
		aIn:  make(chan []byte, 256),
		bIn:  make(chan []byte, 256),
		done: make(chan struct{}),
		a:    opts.A,
		b:    opts.B,
	}

	aTr := &memTransport{
		conduit: adapter.NewConduit(cfg.FragmentThreshold, cfg.FragmentTimeout),
		peerIn:  p.bIn,
		done:    p.done,
		stop:    p.Close,
	}
	bTr := &memTransport{
		conduit: adapter.NewConduit(cfg.FragmentThreshold, cfg.FragmentTimeout),
		peerIn:  p.aIn,
		done:    p.done,
		stop:    p.Close,
	}

	opts.A.AttachChannel(channel.New(p.AID, opts.Kind, opts.AdapterID), aTr)
	opts.B.AttachChannel(channel.New(p.BID, opts.Kind, opts.AdapterID), bTr)

	go p.pump(opts.A, p.AID, aTr.conduit, p.aIn)
	go p.pump(opts.B, p.BID, bTr.conduit, p.bIn)

	opts.A.EstablishChannel(p.AID, true)
	opts.B.EstablishChannel(p.BID, false)

	return p
}

func (p *Pipe) pump(rt adapter.Runtime, id channel.ID, conduit *adapter.Conduit, in chan []byte) {
	for {
		select {
		case <-p.done:
			return
		case frame := <-in:
			msgs, err := conduit.DecodeFrame(frame)
			if err != nil {
				// Corrupt frame: fatal per message, not per connection.
				continue
			}
			for _, m := range msgs {
				rt.Deliver(id, m)
			}
		}
	}
}

// Close tears down both channels. Idempotent.
func (p *Pipe) Close() {
	p.once.Do(func() {
		close(p.done)
		p.a.RemoveChannel(p.AID)
		p.b.RemoveChannel(p.BID)
	})
}
