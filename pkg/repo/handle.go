package repo

import (
	"context"
	"time"

	"github.com/SchoolAI/loro-extended-sub004/internal/channel"
	"github.com/SchoolAI/loro-extended-sub004/internal/executor"
	"github.com/SchoolAI/loro-extended-sub004/internal/store"
	"github.com/SchoolAI/loro-extended-sub004/internal/syncer"
)

// SyncKind selects which class of channel WaitForSync watches.
type SyncKind = channel.Kind

const (
	SyncNetwork = channel.KindNetwork
	SyncStorage = channel.KindStorage
)

// Handle is the application's view of one document.
type Handle struct {
	repo  *Repo
	docID string
	doc   *store.Doc
}

// DocID returns the handle's document identifier.
func (h *Handle) DocID() string { return h.docID }

// Doc returns the underlying document for direct reads.
func (h *Handle) Doc() *store.Doc { return h.doc }

// Fields returns the document's current materialized state.
func (h *Handle) Fields() map[string]any { return h.doc.Fields() }

// Change applies a batch of mutations: mutator receives a copy of the
// current fields, edits it in place, and the result is recorded as one
// locally-authored change.
func (h *Handle) Change(mutator func(fields map[string]any)) {
	fields := h.doc.Fields()
	mutator(fields)
	h.doc.Change(fields)
}

// Set records a single-field change.
func (h *Handle) Set(key string, value any) {
	h.doc.Change(map[string]any{key: value})
}

// OnReadyStateChange registers cb for loading-state transitions of this
// document. Returns an unsubscribe func.
func (h *Handle) OnReadyStateChange(cb func(executor.ReadyEvent)) func() {
	return h.repo.exec.OnReadyState(func(evt executor.ReadyEvent) {
		if evt.DocID == h.docID {
			cb(evt)
		}
	})
}

// WaitOptions configures WaitForSync.
type WaitOptions struct {
	// Kind selects network or storage channels.
	Kind SyncKind
	// Timeout bounds the wait; zero disables the bound.
	Timeout time.Duration
}

// WaitForSync blocks until at least one channel of the requested kind
// reports found or not-found for this document. A zero timeout waits
// indefinitely (bounded only by ctx). It returns NoAdaptersError
// synchronously when no adapter of the kind exists, SyncTimeoutError on
// timeout, and ctx.Err() on cancellation.
func (h *Handle) WaitForSync(ctx context.Context, opts WaitOptions) error {
	if !h.repo.hasAdapterKind(opts.Kind) {
		return &syncer.NoAdaptersError{Kind: opts.Kind}
	}

	satisfied := func() bool {
		m := h.repo.exec.Model()
		ds, ok := m.Docs[h.docID]
		if !ok {
			return false
		}
		for chID, entry := range ds.Channels {
			ch, ok := m.Channels[chID]
			if !ok || ch.Kind != opts.Kind {
				continue
			}
			if entry.Loading == syncer.LoadingFound || entry.Loading == syncer.LoadingNotFound {
				return true
			}
		}
		return false
	}

	done := make(chan struct{}, 1)
	unsub := h.repo.exec.OnReadyState(func(evt executor.ReadyEvent) {
		if evt.DocID != h.docID || evt.Kind != opts.Kind {
			return
		}
		if evt.Loading == syncer.LoadingFound || evt.Loading == syncer.LoadingNotFound {
			select {
			case done <- struct{}{}:
			default:
			}
		}
	})
	defer unsub()

	// Check after subscribing so a transition between snapshot and
	// subscription isn't lost.
	if satisfied() {
		return nil
	}

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return &syncer.SyncTimeoutError{
				Kind:           opts.Kind,
				TimeoutMs:      opts.Timeout.Milliseconds(),
				DocID:          h.docID,
				LastSeenStates: h.loadingStates(opts.Kind),
			}
		case <-done:
			if satisfied() {
				return nil
			}
		}
	}
}

func (h *Handle) loadingStates(kind SyncKind) map[channel.ID]syncer.LoadingState {
	out := make(map[channel.ID]syncer.LoadingState)
	m := h.repo.exec.Model()
	ds, ok := m.Docs[h.docID]
	if !ok {
		return out
	}
	for chID, entry := range ds.Channels {
		if ch, ok := m.Channels[chID]; ok && ch.Kind == kind {
			out[chID] = entry.Loading
		}
	}
	return out
}
