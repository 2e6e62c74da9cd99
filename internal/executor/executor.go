// Package executor implements the command executor: a
// single-goroutine dispatcher that owns the Synchronizer model, feeds
// inputs through the pure reducer, and interprets the commands it
// returns. All I/O — adapter sends, store imports, ephemeral writes —
// happens here, never inside the reducer. Outbound send-* commands are
// aggregated into a per-channel micro-batch flushed once per mailbox
// turn, so fragmenting transports see one write per turn instead of
// many small ones.
package executor

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/SchoolAI/loro-extended-sub004/internal/channel"
	"github.com/SchoolAI/loro-extended-sub004/internal/config"
	"github.com/SchoolAI/loro-extended-sub004/internal/ephemeral"
	"github.com/SchoolAI/loro-extended-sub004/internal/middleware"
	"github.com/SchoolAI/loro-extended-sub004/internal/monitoring"
	"github.com/SchoolAI/loro-extended-sub004/internal/protocol"
	"github.com/SchoolAI/loro-extended-sub004/internal/store"
	"github.com/SchoolAI/loro-extended-sub004/internal/syncer"
	"github.com/SchoolAI/loro-extended-sub004/internal/tracing"
)

// ChannelTransport is the outbound half an adapter registers per
// channel: Send serializes, fragments, and writes a message batch; Stop
// tears the channel down. Send may block on I/O — it is called from the
// executor goroutine, so adapters that write slowly should buffer
// internally.
type ChannelTransport interface {
	Send(msgs []protocol.Msg) error
	Stop()
}

// ReadyEvent is delivered to ready-state listeners when one
// (doc, channel) loading state changes.
type ReadyEvent struct {
	DocID     string
	ChannelID channel.ID
	Kind      channel.Kind
	Loading   syncer.LoadingState
}

// Options configures an Executor.
type Options struct {
	Model      syncer.Model
	Store      *store.Store
	Ephemeral  *ephemeral.Store
	Logger     *zap.Logger
	Metrics    *monitoring.Metrics
	Middleware *middleware.Chain
	Config     config.Config
}

// Executor runs the synchronizer mailbox.
type Executor struct {
	mu    sync.Mutex
	model syncer.Model

	store *store.Store
	eph   *ephemeral.Store
	log   *zap.Logger
	met   *monitoring.Metrics
	chain *middleware.Chain
	cfg   config.Config

	mailbox chan syncer.Msg
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
	started bool

	transports   map[channel.ID]ChannelTransport
	kinds        map[channel.ID]channel.Kind
	transportsMu sync.Mutex

	subscribed   map[string]func() // docID -> unsubscribe
	subscribedMu sync.Mutex

	readyMu    sync.Mutex
	readySubs  map[int]func(ReadyEvent)
	nextSubID  int

	// outbox accumulates send commands during one mailbox turn; only the
	// executor goroutine touches it.
	outbox map[channel.ID][]protocol.Msg
}

// New builds an Executor. Call Start to begin processing.
func New(opts Options) *Executor {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	x := &Executor{
		model:      opts.Model,
		store:      opts.Store,
		eph:        opts.Ephemeral,
		log:        opts.Logger,
		met:        opts.Metrics,
		chain:      opts.Middleware,
		cfg:        opts.Config.Normalized(),
		mailbox:    make(chan syncer.Msg, 1024),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		transports: make(map[channel.ID]ChannelTransport),
		kinds:      make(map[channel.ID]channel.Kind),
		subscribed: make(map[string]func()),
		readySubs:  make(map[int]func(ReadyEvent)),
		outbox:     make(map[channel.ID][]protocol.Msg),
	}
	if x.eph != nil {
		x.model.EphemeralSource = func(docID string) *protocol.EphemeralPayload {
			ns, data, ok := x.eph.SelfSnapshot(docID)
			if !ok {
				return nil
			}
			return &protocol.EphemeralPayload{Namespace: ns, Data: data}
		}
	}
	x.model.StaleWindow = x.cfg.EphemeralStaleWindow
	x.model.HopLimit = x.cfg.EphemeralHopLimit
	return x
}

// Start launches the mailbox loop and the heartbeat ticker.
func (x *Executor) Start() {
	x.mu.Lock()
	if x.started {
		x.mu.Unlock()
		return
	}
	x.started = true
	x.mu.Unlock()
	go x.run()
}

// Close stops the loop. Idempotent; pending mailbox messages are
// discarded.
func (x *Executor) Close() {
	x.once.Do(func() { close(x.done) })
	x.mu.Lock()
	started := x.started
	x.mu.Unlock()
	if started {
		<-x.stopped
	}
}

// Post enqueues one input for the synchronizer. It never blocks the
// caller indefinitely: when the executor is closed the message is
// dropped.
func (x *Executor) Post(msg syncer.Msg) {
	select {
	case x.mailbox <- msg:
	case <-x.done:
	}
}

// Model returns the current model snapshot. Because the reducer uses
// structural sharing, the returned value stays internally consistent
// even as further reductions happen.
func (x *Executor) Model() syncer.Model {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.model
}

// AttachChannel registers the transport for a new channel and announces
// it to the synchronizer.
func (x *Executor) AttachChannel(ch *channel.Channel, t ChannelTransport) {
	x.transportsMu.Lock()
	x.transports[ch.ID] = t
	x.kinds[ch.ID] = ch.Kind
	x.transportsMu.Unlock()
	if x.met != nil {
		x.met.ActiveChannels.Inc()
	}
	x.Post(syncer.ChannelAdded{Channel: ch})
}

// EstablishChannel signals that the adapter's transport handshake
// finished and the protocol-level establish exchange may begin.
func (x *Executor) EstablishChannel(id channel.ID, initiator bool) {
	x.Post(syncer.EstablishChannel{ChannelID: id, Initiator: initiator})
}

// RemoveChannel tears down a channel's transport registration and
// announces the removal.
func (x *Executor) RemoveChannel(id channel.ID) {
	x.transportsMu.Lock()
	_, had := x.transports[id]
	delete(x.transports, id)
	delete(x.kinds, id)
	x.transportsMu.Unlock()
	if had && x.met != nil {
		x.met.ActiveChannels.Dec()
		x.met.ChannelsRemoved.Inc()
	}
	x.Post(syncer.ChannelRemoved{ChannelID: id})
}

// Deliver runs one inbound message through the middleware chain and,
// if allowed, posts it to the synchronizer. Adapters call this from
// their receive loops.
func (x *Executor) Deliver(id channel.ID, msg protocol.Msg) {
	if x.met != nil {
		x.met.MessagesReceived.Inc()
	}
	if x.chain != nil {
		ctx := middleware.Context{
			MessageType:  protocol.Name(msg),
			DocID:        docIDOf(msg),
			PayloadBytes: payloadSizeOf(msg),
		}
		if peerID, ok := x.Model().ChannelPeer[id]; ok {
			ctx.PeerID = peerID
		}
		if r := x.chain.Run(ctx); !r.Allow {
			if x.met != nil {
				x.met.MiddlewareRejections.Inc()
			}
			x.log.Debug("message rejected by middleware",
				zap.String("channel_id", string(id)),
				zap.String("message_type", ctx.MessageType),
				zap.String("reason", r.Reason))
			return
		}
	}
	x.Post(syncer.ChannelReceiveMessage{ChannelID: id, Message: msg})
}

// HasChannelKind reports whether any currently-attached channel is of
// the given kind. Unlike the model, the transport registry is updated
// synchronously in AttachChannel, so this answers correctly even before
// the channel-added message is reduced.
func (x *Executor) HasChannelKind(kind channel.Kind) bool {
	x.transportsMu.Lock()
	defer x.transportsMu.Unlock()
	for _, k := range x.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// OnReadyState registers a listener for loading-state transitions.
// Returns an unsubscribe func.
func (x *Executor) OnReadyState(fn func(ReadyEvent)) func() {
	x.readyMu.Lock()
	id := x.nextSubID
	x.nextSubID++
	x.readySubs[id] = fn
	x.readyMu.Unlock()

	return func() {
		x.readyMu.Lock()
		delete(x.readySubs, id)
		x.readyMu.Unlock()
	}
}

func (x *Executor) run() {
	defer close(x.stopped)

	heartbeat := time.NewTicker(x.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-x.done:
			return
		case now := <-heartbeat.C:
			x.turn(syncer.Heartbeat{NowUnixMilli: now.UnixMilli()})
		case msg := <-x.mailbox:
			x.turn(msg)
		}
	}
}

// turn runs one full mailbox turn: reduce, execute the command tree,
// then flush the per-channel micro-batches.
func (x *Executor) turn(msg syncer.Msg) {
	ctx, span := tracing.StartSpan(context.Background(), "syncer.turn",
		attribute.String("msg", msgName(msg)))
	defer span.End()

	x.mu.Lock()
	model, cmd := syncer.Reduce(x.model, msg)
	x.model = model
	x.mu.Unlock()

	if cmd != nil {
		x.execute(ctx, cmd)
	}
	x.flushOutbox()
}

func (x *Executor) execute(ctx context.Context, cmd syncer.Command) {
	switch c := cmd.(type) {
	case syncer.Batch:
		for _, child := range c.Commands {
			select {
			case <-x.done:
				return
			default:
			}
			x.execute(ctx, child)
		}

	case syncer.SendMessage:
		for _, id := range c.ChannelIDs {
			x.enqueue(id, c.Message)
		}

	case syncer.SendEstablishmentMessage:
		if x.met != nil {
			x.met.ChannelsEstablished.Inc()
		}
		x.enqueue(c.ChannelID, c.Message)

	case syncer.SendSyncResponse:
		if x.met != nil {
			x.met.SyncResponsesSent.Inc()
			if c.Message.Transmission.Kind == protocol.TransmissionUnavailable {
				x.met.RuleRejections.Inc()
			}
		}
		x.enqueue(c.ChannelID, c.Message)

	case syncer.SendSyncRequest:
		if x.met != nil {
			x.met.SyncRequestsSent.Inc()
		}
		for _, id := range c.ChannelIDs {
			x.enqueue(id, c.Message)
		}

	case syncer.StopChannel:
		x.log.Info("stopping channel",
			zap.String("channel_id", string(c.ChannelID)),
			zap.String("reason", c.Reason))
		x.transportsMu.Lock()
		t := x.transports[c.ChannelID]
		x.transportsMu.Unlock()
		if t != nil {
			t.Stop()
		}
		x.RemoveChannel(c.ChannelID)

	case syncer.SubscribeDoc:
		x.subscribeDoc(c.DocID)

	case syncer.ImportDocData:
		x.importDocData(ctx, c)

	case syncer.ApplyEphemeral:
		if x.eph == nil {
			return
		}
		if err := x.eph.Apply(c.DocID, c.Namespace, c.FromPeerID, c.Data); err != nil {
			x.log.Warn("ephemeral apply failed",
				zap.String("doc_id", c.DocID),
				zap.Error(err))
		}

	case syncer.BroadcastEphemeral:
		if x.met != nil {
			x.met.EphemeralRelayed.Inc()
		}
		for _, id := range c.ChannelIDs {
			x.enqueue(id, c.Message)
		}

	case syncer.RemoveEphemeralPeer:
		if x.eph == nil {
			return
		}
		for _, ch := range x.eph.RemovePeer(c.PeerID) {
			x.eph.Notify(ch.DocID, ch.Namespace)
		}

	case syncer.SweepEphemeral:
		if x.eph == nil {
			return
		}
		changed := x.eph.Sweep(time.UnixMilli(c.NowUnixMilli), x.cfg.EphemeralStaleWindow)
		if len(changed) > 0 && x.met != nil {
			x.met.EphemeralPeersEvicted.Add(float64(len(changed)))
		}
		for _, ch := range changed {
			x.eph.Notify(ch.DocID, ch.Namespace)
		}

	case syncer.EmitReadyStateChanged:
		x.emitReady(ReadyEvent{DocID: c.DocID, ChannelID: c.ChannelID, Kind: c.Kind, Loading: c.Loading})

	case syncer.EmitEphemeralChange:
		if x.eph != nil {
			x.eph.Notify(c.DocID, c.Namespace)
		}

	case syncer.Dispatch:
		x.Post(c.Msg)
	}
}

// subscribeDoc registers a store-level change subscription so local
// mutations re-enter the mailbox as LocalDocChange. Idempotent per doc.
func (x *Executor) subscribeDoc(docID string) {
	x.subscribedMu.Lock()
	defer x.subscribedMu.Unlock()
	if _, ok := x.subscribed[docID]; ok {
		return
	}
	doc := x.store.Ensure(docID)
	localPeer := x.Model().Local.ID
	unsub := doc.Subscribe(func(evt store.ChangeEvent) {
		// Imported ops re-enter as DocImported via importDocData; only
		// locally-authored changes flow through here.
		if evt.Origin != localPeer {
			return
		}
		x.Post(syncer.LocalDocChange{DocID: evt.DocID})
	})
	x.subscribed[docID] = unsub
}

func (x *Executor) importDocData(ctx context.Context, c syncer.ImportDocData) {
	_, span := tracing.StartSpan(ctx, "syncer.import",
		attribute.String("doc_id", c.DocID),
		attribute.String("from_peer", c.FromPeerID))
	defer span.End()

	start := time.Now()
	doc := x.store.Ensure(c.DocID)
	if _, err := doc.Import(c.Data); err != nil {
		// Fatal for this payload only; the doc stays usable and a fresh
		// import is attempted on the next sync.
		if x.met != nil {
			x.met.ErrorCount.Inc()
		}
		x.log.Warn("doc import failed",
			zap.String("doc_id", c.DocID),
			zap.String("from_peer", c.FromPeerID),
			zap.Error(err))
		return
	}
	if x.met != nil {
		x.met.DocsImported.Inc()
		x.met.ImportDuration.Observe(time.Since(start).Seconds())
	}
	x.Post(syncer.DocImported{
		DocID:      c.DocID,
		FromPeerID: c.FromPeerID,
		NewVersion: doc.Version(),
	})
}

func (x *Executor) enqueue(id channel.ID, msg protocol.Msg) {
	x.outbox[id] = append(x.outbox[id], msg)
}

// flushOutbox hands each channel's accumulated batch to its transport.
// A send that fails is retried once; a second failure removes the
// channel.
func (x *Executor) flushOutbox() {
	if len(x.outbox) == 0 {
		return
	}
	batches := x.outbox
	x.outbox = make(map[channel.ID][]protocol.Msg)

	for id, msgs := range batches {
		x.transportsMu.Lock()
		t := x.transports[id]
		x.transportsMu.Unlock()
		if t == nil {
			continue
		}
		if x.met != nil {
			x.met.MessagesSent.Add(float64(len(msgs)))
		}
		if err := t.Send(msgs); err != nil {
			x.log.Warn("channel send failed, retrying once",
				zap.String("channel_id", string(id)),
				zap.Error(err))
			if err := t.Send(msgs); err != nil {
				x.log.Warn("channel send failed twice, removing channel",
					zap.String("channel_id", string(id)),
					zap.Error(err))
				t.Stop()
				x.RemoveChannel(id)
			}
		}
	}
}

func (x *Executor) emitReady(evt ReadyEvent) {
	x.readyMu.Lock()
	fns := make([]func(ReadyEvent), 0, len(x.readySubs))
	for _, fn := range x.readySubs {
		fns = append(fns, fn)
	}
	x.readyMu.Unlock()

	for _, fn := range fns {
		fn(evt)
	}
}

func docIDOf(m protocol.Msg) string {
	switch v := m.(type) {
	case protocol.SyncResponse:
		return v.DocID
	case protocol.Ephemeral:
		return v.DocID
	default:
		return ""
	}
}

func payloadSizeOf(m protocol.Msg) int {
	switch v := m.(type) {
	case protocol.SyncResponse:
		return len(v.Transmission.Data)
	case protocol.Ephemeral:
		return len(v.Data)
	default:
		return 0
	}
}

func msgName(m syncer.Msg) string {
	switch m.(type) {
	case syncer.ChannelAdded:
		return "channel-added"
	case syncer.ChannelRemoved:
		return "channel-removed"
	case syncer.EstablishChannel:
		return "establish-channel"
	case syncer.DocEnsure:
		return "doc-ensure"
	case syncer.LocalDocChange:
		return "local-doc-change"
	case syncer.DocDelete:
		return "doc-delete"
	case syncer.DocImported:
		return "doc-imported"
	case syncer.ChannelReceiveMessage:
		return "channel-receive-message"
	case syncer.Heartbeat:
		return "heartbeat"
	case syncer.EphemeralLocalChange:
		return "ephemeral-local-change"
	default:
		return "unknown"
	}
}
