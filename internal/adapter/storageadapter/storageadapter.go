// Package storageadapter attaches durable persistence to the runtime as
// a storage-kind channel. The adapter plays the remote peer itself:
// establish-requests are answered with a storage identity, sync-requests
// are answered from blobs in the key-range KV, and updates pushed by the
// local synchronizer are folded into a materialized document and written
// back asynchronously. Because it speaks the ordinary channel protocol,
// the synchronizer needs no storage-specific code path at all.
package storageadapter

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SchoolAI/loro-extended-sub004/internal/adapter"
	"github.com/SchoolAI/loro-extended-sub004/internal/channel"
	"github.com/SchoolAI/loro-extended-sub004/internal/clock"
	"github.com/SchoolAI/loro-extended-sub004/internal/config"
	"github.com/SchoolAI/loro-extended-sub004/internal/peer"
	"github.com/SchoolAI/loro-extended-sub004/internal/protocol"
	"github.com/SchoolAI/loro-extended-sub004/internal/storage"
	"github.com/SchoolAI/loro-extended-sub004/internal/store"
)

const docKeyPrefix = "docs/"

// record is the persisted form of one document: its full exported
// history plus the version vector it reaches.
type record struct {
	Version clock.VersionVector
	Data    []byte
}

func encodeRecord(r record) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(r); err != nil {
		return nil, fmt.Errorf("storageadapter: encode record: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeRecord(data []byte) (record, error) {
	var r record
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&r); err != nil {
		return record{}, fmt.Errorf("storageadapter: decode record: %w", err)
	}
	return r, nil
}

// Adapter is the storage shell. One Adapter owns one channel.
type Adapter struct {
	adapterID string
	runtime   adapter.Runtime
	kv        *storage.KV
	cfg       config.Config
	log       *zap.Logger

	identity peer.Identity
	chID     channel.ID

	// docs materializes persisted history so inbound deltas merge
	// correctly before being written back.
	docs *store.Store

	writeCh chan string // docIDs whose record needs persisting
	done    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// New builds a storage adapter over kv. peerID seeds the storage
// channel's identity; it should be stable across restarts so
// lastKnownVersion bookkeeping survives reconnects.
func New(adapterID, peerID string, kv *storage.KV, rt adapter.Runtime, cfg config.Config, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{
		adapterID: adapterID,
		runtime:   rt,
		kv:        kv,
		cfg:       cfg.Normalized(),
		log:       log,
		identity:  peer.Identity{ID: peerID, Name: adapterID, Type: peer.KindStorage},
		chID:      channel.ID(uuid.NewString()),
		docs:      store.New(peerID),
		writeCh:   make(chan string, 256),
		done:      make(chan struct{}),
	}
}

func (a *Adapter) ID() string         { return a.adapterID }
func (a *Adapter) Kind() channel.Kind { return channel.KindStorage }

// Start loads persisted documents, attaches the channel, and begins the
// establish handshake with the synchronizer as initiator.
func (a *Adapter) Start(ctx context.Context) error {
	keys, err := a.kv.Scan(docKeyPrefix)
	if err != nil {
		return err
	}
	for _, key := range keys {
		blob, ok, err := a.kv.Get(key)
		if err != nil || !ok {
			a.log.Warn("unreadable stored doc", zap.String("key", key), zap.Error(err))
			continue
		}
		rec, err := decodeRecord(blob)
		if err != nil {
			a.log.Warn("corrupt stored doc", zap.String("key", key), zap.Error(err))
			continue
		}
		docID := key[len(docKeyPrefix):]
		if _, err := a.docs.Ensure(docID).Import(rec.Data); err != nil {
			a.log.Warn("stored doc import failed", zap.String("doc_id", docID), zap.Error(err))
		}
	}

	a.wg.Add(1)
	go a.writeLoop()

	a.runtime.AttachChannel(channel.New(a.chID, channel.KindStorage, a.adapterID), &transport{a: a})
	a.runtime.EstablishChannel(a.chID, true)
	return nil
}

// Stop is idempotent teardown; pending writes are flushed first.
func (a *Adapter) Stop() error {
	a.once.Do(func() { close(a.done) })
	a.wg.Wait()
	a.runtime.RemoveChannel(a.chID)
	return nil
}

type transport struct {
	a *Adapter
}

func (t *transport) Send(msgs []protocol.Msg) error {
	for _, m := range msgs {
		t.a.handle(m)
	}
	return nil
}

func (t *transport) Stop() {
	go t.a.Stop()
}

// handle is the responder: it reacts to whatever the synchronizer sends
// down the storage channel the way a remote peer would.
func (a *Adapter) handle(msg protocol.Msg) {
	switch m := msg.(type) {
	case protocol.EstablishRequest:
		a.runtime.Deliver(a.chID, protocol.EstablishResponse{Identity: a.identity})
		// Announce every persisted doc so the synchronizer creates doc
		// state and pulls content.
		if ids := a.docs.IDs(); len(ids) > 0 {
			a.runtime.Deliver(a.chID, protocol.DirectoryResponse{DocIDs: ids})
		}

	case protocol.DirectoryResponse:
		// The synchronizer revealed docs we don't hold yet: request
		// their content.
		var docs []protocol.SyncDocRequest
		for _, docID := range m.DocIDs {
			if _, ok := a.docs.Lookup(docID); ok {
				continue
			}
			docs = append(docs, protocol.SyncDocRequest{DocID: docID, RequesterDocVersion: clock.New()})
		}
		if len(docs) > 0 {
			a.runtime.Deliver(a.chID, protocol.SyncRequest{Docs: docs})
		}

	case protocol.SyncRequest:
		for _, dr := range m.Docs {
			a.answerSyncRequest(dr)
		}
		if m.Bidirectional {
			var docs []protocol.SyncDocRequest
			for _, dr := range m.Docs {
				version := clock.New()
				if doc, ok := a.docs.Lookup(dr.DocID); ok {
					version = doc.Version()
				}
				docs = append(docs, protocol.SyncDocRequest{DocID: dr.DocID, RequesterDocVersion: version})
			}
			a.runtime.Deliver(a.chID, protocol.SyncRequest{Docs: docs})
		}

	case protocol.SyncResponse:
		a.applySyncResponse(m)

	case protocol.Ephemeral, protocol.Heartbeat:
		// Presence is non-persistent; storage ignores it.
	}
}

func (a *Adapter) answerSyncRequest(dr protocol.SyncDocRequest) {
	doc, ok := a.docs.Lookup(dr.DocID)
	if !ok {
		a.runtime.Deliver(a.chID, protocol.SyncResponse{DocID: dr.DocID, Transmission: protocol.Unavailable()})
		return
	}
	version := doc.Version()
	if clock.Compare(version, dr.RequesterDocVersion) == clock.Equal {
		a.runtime.Deliver(a.chID, protocol.SyncResponse{DocID: dr.DocID, Transmission: protocol.UpToDate(version)})
		return
	}
	data, err := doc.Export(store.SnapshotMode())
	if err != nil {
		a.runtime.Deliver(a.chID, protocol.SyncResponse{DocID: dr.DocID, Transmission: protocol.Unavailable()})
		return
	}
	a.runtime.Deliver(a.chID, protocol.SyncResponse{
		DocID:        dr.DocID,
		Transmission: protocol.SnapshotTransmission(data, version),
	})
}

func (a *Adapter) applySyncResponse(resp protocol.SyncResponse) {
	switch resp.Transmission.Kind {
	case protocol.TransmissionSnapshot, protocol.TransmissionUpdate:
		doc := a.docs.Ensure(resp.DocID)
		if _, err := doc.Import(resp.Transmission.Data); err != nil {
			a.log.Warn("storage import failed", zap.String("doc_id", resp.DocID), zap.Error(err))
			return
		}
		select {
		case a.writeCh <- resp.DocID:
		case <-a.done:
		}
	}
}

// writeLoop persists dirty documents off the synchronizer's executor
// turn: storage writes are async, and failures are logged and retried
// on the next local change rather than blocking network sync.
func (a *Adapter) writeLoop() {
	defer a.wg.Done()
	for {
		select {
		case <-a.done:
			for {
				select {
				case docID := <-a.writeCh:
					a.persist(docID)
				default:
					return
				}
			}
		case docID := <-a.writeCh:
			a.persist(docID)
		}
	}
}

func (a *Adapter) persist(docID string) {
	doc, ok := a.docs.Lookup(docID)
	if !ok {
		return
	}
	data, err := doc.Export(store.SnapshotMode())
	if err != nil {
		a.log.Warn("storage export failed", zap.String("doc_id", docID), zap.Error(err))
		return
	}
	blob, err := encodeRecord(record{Version: doc.Version(), Data: data})
	if err != nil {
		a.log.Warn("storage encode failed", zap.String("doc_id", docID), zap.Error(err))
		return
	}
	if err := a.kv.Put(docKeyPrefix+docID, blob); err != nil {
		a.log.Warn("storage write failed", zap.String("doc_id", docID), zap.Error(err))
	}
}
