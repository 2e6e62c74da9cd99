// Package repo is the application-facing surface of the synchronizer
// runtime: construct a Repo with an identity and a set of adapters, get
// document handles from it, and let the synchronizer keep every peer
// and storage backend convergent behind the scenes.
package repo

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/SchoolAI/loro-extended-sub004/internal/adapter"
	"github.com/SchoolAI/loro-extended-sub004/internal/channel"
	"github.com/SchoolAI/loro-extended-sub004/internal/config"
	"github.com/SchoolAI/loro-extended-sub004/internal/ephemeral"
	"github.com/SchoolAI/loro-extended-sub004/internal/executor"
	"github.com/SchoolAI/loro-extended-sub004/internal/middleware"
	"github.com/SchoolAI/loro-extended-sub004/internal/monitoring"
	"github.com/SchoolAI/loro-extended-sub004/internal/peer"
	"github.com/SchoolAI/loro-extended-sub004/internal/rules"
	"github.com/SchoolAI/loro-extended-sub004/internal/store"
	"github.com/SchoolAI/loro-extended-sub004/internal/syncer"
)

// Identity re-exports the peer identity type for constructors.
type Identity = peer.Identity

// AdapterFactory builds an adapter once the runtime exists; Repo wires
// the two together during New.
type AdapterFactory func(rt adapter.Runtime) adapter.Adapter

// Options configures a Repo.
type Options struct {
	Identity Identity
	Adapters []AdapterFactory
	// Rules defaults to allow-all on storage channels and deny on
	// network channels when nil.
	Rules *rules.Set
	// Middleware, when non-nil, screens every inbound message.
	Middleware *middleware.Chain
	Config     config.Config
	Logger     *zap.Logger
	Metrics    *monitoring.Metrics
}

// Repo owns one synchronizer runtime and its adapters.
type Repo struct {
	identity peer.Identity
	store    *store.Store
	eph      *ephemeral.Store
	exec     *executor.Executor
	log      *zap.Logger

	cancel   context.CancelFunc
	adapters []adapter.Adapter

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
}

// New constructs the runtime and starts every adapter.
func New(opts Options) (*Repo, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ruleSet := rules.AllowStorageDefaultDenyNetwork()
	if opts.Rules != nil {
		ruleSet = *opts.Rules
	}

	st := store.New(opts.Identity.ID)
	eph := ephemeral.NewStore(opts.Identity.ID)
	exec := executor.New(executor.Options{
		Model:      syncer.New(opts.Identity, st, ruleSet),
		Store:      st,
		Ephemeral:  eph,
		Logger:     opts.Logger,
		Metrics:    opts.Metrics,
		Middleware: opts.Middleware,
		Config:     opts.Config,
	})
	exec.Start()

	ctx, cancel := context.WithCancel(context.Background())
	r := &Repo{
		identity: opts.Identity,
		store:    st,
		eph:      eph,
		exec:     exec,
		log:      opts.Logger,
		cancel:   cancel,
		handles:  make(map[string]*Handle),
	}

	for _, factory := range opts.Adapters {
		a := factory(exec)
		if err := a.Start(ctx); err != nil {
			cancel()
			for _, started := range r.adapters {
				started.Stop()
			}
			exec.Close()
			return nil, err
		}
		r.adapters = append(r.adapters, a)
	}
	return r, nil
}

// Identity returns the local peer identity.
func (r *Repo) Identity() Identity { return r.identity }

// Runtime exposes the executor for adapters attached after
// construction (tests, in-process pipes).
func (r *Repo) Runtime() adapter.Runtime { return r.exec }

// Get returns the handle for docID, creating it on first reference.
// Idempotent: repeated calls return the same handle.
func (r *Repo) Get(docID string) *Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.handles[docID]; ok {
		return h
	}
	h := &Handle{repo: r, docID: docID, doc: r.store.Ensure(docID)}
	r.handles[docID] = h
	r.exec.Post(syncer.DocEnsure{DocID: docID})
	return h
}

// Has reports whether docID is currently tracked, without creating it.
func (r *Repo) Has(docID string) bool {
	_, ok := r.exec.Model().Docs[docID]
	return ok
}

// Delete removes docID locally. It never propagates over the wire.
func (r *Repo) Delete(docID string) {
	r.mu.Lock()
	delete(r.handles, docID)
	r.mu.Unlock()
	r.eph.DropDoc(docID)
	r.exec.Post(syncer.DocDelete{DocID: docID})
}

// hasAdapterKind reports whether any attached channel or adapter
// matches kind, for NoAdaptersError.
func (r *Repo) hasAdapterKind(kind channel.Kind) bool {
	for _, a := range r.adapters {
		if a.Kind() == kind {
			return true
		}
	}
	return r.exec.HasChannelKind(kind)
}

// Close stops every adapter and the executor. Idempotent.
func (r *Repo) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	for _, a := range r.adapters {
		a.Stop()
	}
	r.exec.Close()
}
