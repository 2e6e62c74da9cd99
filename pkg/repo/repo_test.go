package repo

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SchoolAI/loro-extended-sub004/internal/adapter/memadapter"
	"github.com/SchoolAI/loro-extended-sub004/internal/config"
	"github.com/SchoolAI/loro-extended-sub004/internal/middleware"
	"github.com/SchoolAI/loro-extended-sub004/internal/peer"
	"github.com/SchoolAI/loro-extended-sub004/internal/rules"
	"github.com/SchoolAI/loro-extended-sub004/internal/syncer"
)

func newRepo(t *testing.T, id string, ruleSet rules.Set, cfg config.Config, chain *middleware.Chain) *Repo {
	t.Helper()
	r, err := New(Options{
		Identity:   Identity{ID: id, Name: id, Type: peer.KindUser},
		Rules:      &ruleSet,
		Middleware: chain,
		Config:     cfg,
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func connect(t *testing.T, a, b *Repo, cfg config.Config) *memadapter.Pipe {
	t.Helper()
	pipe := memadapter.Connect(memadapter.PipeOptions{
		A:      a.Runtime(),
		B:      b.Runtime(),
		Config: cfg,
	})
	t.Cleanup(pipe.Close)
	return pipe
}

func eventuallyField(t *testing.T, h *Handle, key string, want any) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.Fields()[key] == want
	}, 3*time.Second, 10*time.Millisecond, "field %q never reached %v (got %v)", key, want, h.Fields()[key])
}

func TestBasicBidirectionalSync(t *testing.T) {
	cfg := config.Defaults()
	a := newRepo(t, "repo-a", rules.AllowAll(), cfg, nil)
	b := newRepo(t, "repo-b", rules.AllowAll(), cfg, nil)

	docA := a.Get("doc-1")
	docA.Set("title", "hello")

	connect(t, a, b, cfg)

	docB := b.Get("doc-1")
	require.NoError(t, docB.WaitForSync(context.Background(), WaitOptions{Kind: SyncNetwork, Timeout: 3 * time.Second}))
	eventuallyField(t, docB, "title", "hello")

	docB.Change(func(fields map[string]any) {
		fields["title"] = fields["title"].(string) + " world"
	})
	eventuallyField(t, docA, "title", "hello world")
}

func TestCanRevealFalseHidesDocButDirectGetSucceeds(t *testing.T) {
	cfg := config.Defaults()
	secretRules := rules.Set{
		CanReveal: func(ctx rules.Context) bool { return ctx.DocID != "secret" },
		CanUpdate: func(rules.Context) bool { return true },
		CanDelete: func(rules.Context) bool { return true },
	}
	a := newRepo(t, "repo-a", secretRules, cfg, nil)
	b := newRepo(t, "repo-b", rules.AllowAll(), cfg, nil)

	a.Get("public").Set("v", 1)
	a.Get("secret").Set("v", 42)

	connect(t, a, b, cfg)

	// The public doc arrives via directory-response.
	require.Eventually(t, func() bool { return b.Has("public") }, 3*time.Second, 10*time.Millisecond)
	// The secret one never does.
	time.Sleep(100 * time.Millisecond)
	assert.False(t, b.Has("secret"))

	// But an explicit get still pulls it: canUpdate permits transfer,
	// only discovery was gated.
	secretB := b.Get("secret")
	require.NoError(t, secretB.WaitForSync(context.Background(), WaitOptions{Kind: SyncNetwork, Timeout: 3 * time.Second}))
	eventuallyField(t, secretB, "v", 42)
}

func TestReconnectConvergesWithoutReset(t *testing.T) {
	cfg := config.Defaults()
	a := newRepo(t, "repo-a", rules.AllowAll(), cfg, nil)
	b := newRepo(t, "repo-b", rules.AllowAll(), cfg, nil)

	docA := a.Get("doc-x")
	docA.Set("n", 1)

	pipe := connect(t, a, b, cfg)
	docB := b.Get("doc-x")
	eventuallyField(t, docB, "n", 1)

	// Drop the channel; write on both sides while partitioned.
	pipe.Close()
	require.Eventually(t, func() bool {
		return len(a.exec.Model().Channels) == 0
	}, 3*time.Second, 10*time.Millisecond)

	docA.Set("fromA", "x")
	docB.Set("fromB", "y")

	// Reconnect: both sides converge on the union.
	connect(t, a, b, cfg)
	eventuallyField(t, docB, "fromA", "x")
	eventuallyField(t, docA, "fromB", "y")
	eventuallyField(t, docA, "n", 1)
}

func TestLargePayloadFragmentsAndConverges(t *testing.T) {
	cfg := config.Defaults()
	cfg.FragmentThreshold = 1024 // force the fragmentation path

	a := newRepo(t, "repo-a", rules.AllowAll(), cfg, nil)
	b := newRepo(t, "repo-b", rules.AllowAll(), cfg, nil)

	big := strings.Repeat("abcdefgh", 4096) // 32 KiB, many fragments
	docA := a.Get("doc-big")
	docA.Set("blob", big)

	connect(t, a, b, cfg)

	docB := b.Get("doc-big")
	require.NoError(t, docB.WaitForSync(context.Background(), WaitOptions{Kind: SyncNetwork, Timeout: 5 * time.Second}))
	eventuallyField(t, docB, "blob", big)
}

func TestRateLimiterBoundsThenConverges(t *testing.T) {
	cfg := config.Defaults()
	// B admits roughly 2 sync-responses per second.
	chain := middleware.NewChain(middleware.NewRateLimiter(2, 2))

	a := newRepo(t, "repo-a", rules.AllowAll(), cfg, nil)
	b := newRepo(t, "repo-b", rules.AllowAll(), cfg, chain)

	connect(t, a, b, cfg)
	docA := a.Get("doc-rl")
	docB := b.Get("doc-rl")
	require.NoError(t, docB.WaitForSync(context.Background(), WaitOptions{Kind: SyncNetwork, Timeout: 3 * time.Second}))

	for i := 1; i <= 10; i++ {
		docA.Set("counter", i)
	}

	// Inside the first window only the burst crosses; B cannot have
	// every intermediate value yet.
	time.Sleep(200 * time.Millisecond)
	v, _ := docB.Fields()["counter"].(int)
	assert.Less(t, v, 10, "rate limiter let everything through at once")

	// After the window refills, later traffic flows and the final state
	// converges (last-writer-wins on the key).
	require.Eventually(t, func() bool {
		docA.Set("counter", 11)
		return docB.Fields()["counter"] == 11
	}, 5*time.Second, 600*time.Millisecond)
}

func TestPresenceThroughHubAndEviction(t *testing.T) {
	cfg := config.Defaults()
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.EphemeralStaleWindow = 400 * time.Millisecond

	a := newRepo(t, "peer-a", rules.AllowAll(), cfg, nil)
	hub := newRepo(t, "hub", rules.AllowAll(), cfg, nil)
	b := newRepo(t, "peer-b", rules.AllowAll(), cfg, nil)

	// A <-> hub <-> B, no direct link.
	connect(t, a, hub, cfg)
	connect(t, hub, b, cfg)

	presA := a.Get("doc-p").Ephemeral("presence")
	presB := b.Get("doc-p").Ephemeral("presence")

	require.NoError(t, presA.SetSelf(map[string]any{"x": 1}))
	require.Eventually(t, func() bool {
		v, ok := presB.Get("peer-a", "x")
		return ok && v == 1
	}, 3*time.Second, 10*time.Millisecond, "A's presence never reached B through the hub")

	require.NoError(t, presB.SetSelf(map[string]any{"y": 2}))
	require.Eventually(t, func() bool {
		v, ok := presA.Get("peer-b", "y")
		return ok && v == 2
	}, 3*time.Second, 10*time.Millisecond, "B's presence never reached A through the hub")

	// Once A goes quiet, its entry ages out of B on heartbeat.
	require.Eventually(t, func() bool {
		_, ok := presB.GetAll("peer-a")
		return !ok
	}, 3*time.Second, 25*time.Millisecond, "stale presence never evicted")
}

func TestPresenceEvictedImmediatelyOnDisconnect(t *testing.T) {
	// The stale window stays at its long default: the eviction below
	// must come from the channel removal, not the heartbeat sweeper.
	cfg := config.Defaults()

	a := newRepo(t, "peer-a", rules.AllowAll(), cfg, nil)
	b := newRepo(t, "peer-b", rules.AllowAll(), cfg, nil)

	pipe := connect(t, a, b, cfg)

	presA := a.Get("doc-p").Ephemeral("presence")
	presB := b.Get("doc-p").Ephemeral("presence")

	require.NoError(t, presA.SetSelf(map[string]any{"x": 1}))
	require.Eventually(t, func() bool {
		_, ok := presB.GetAll("peer-a")
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	pipe.Close()

	require.Eventually(t, func() bool {
		_, ok := presB.GetAll("peer-a")
		return !ok
	}, 3*time.Second, 10*time.Millisecond, "disconnect must evict the peer's presence at once")
}

func TestWaitForSyncNoAdapters(t *testing.T) {
	cfg := config.Defaults()
	r := newRepo(t, "lonely", rules.AllowAll(), cfg, nil)

	h := r.Get("doc-1")
	err := h.WaitForSync(context.Background(), WaitOptions{Kind: SyncNetwork, Timeout: time.Second})
	var noAdapters *syncer.NoAdaptersError
	require.ErrorAs(t, err, &noAdapters)
	assert.Equal(t, SyncNetwork, noAdapters.Kind)
}

// dropMsgType silently discards every inbound message of one type, so a
// test can make a peer permanently unresponsive to sync-requests.
type dropMsgType struct {
	msgType string
}

func (d *dropMsgType) Facets() []middleware.Facet { return nil }
func (d *dropMsgType) Check(ctx middleware.Context) middleware.Result {
	if ctx.MessageType == d.msgType {
		return middleware.Result{Allow: false, Reason: "dropped by test"}
	}
	return middleware.Result{Allow: true}
}

func TestWaitForSyncTimeout(t *testing.T) {
	cfg := config.Defaults()
	a := newRepo(t, "repo-a", rules.AllowAll(), cfg, nil)
	// B never sees sync-requests, so it never answers and A's loading
	// state stays pending.
	b := newRepo(t, "repo-b", rules.AllowAll(), cfg,
		middleware.NewChain(&dropMsgType{msgType: "sync-request"}))

	connect(t, a, b, cfg)

	h := a.Get("doc-timeout")
	err := h.WaitForSync(context.Background(), WaitOptions{Kind: SyncNetwork, Timeout: 300 * time.Millisecond})
	var timeoutErr *syncer.SyncTimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, "doc-timeout", timeoutErr.DocID)
	assert.Equal(t, SyncNetwork, timeoutErr.Kind)
}

func TestWaitForSyncAborts(t *testing.T) {
	cfg := config.Defaults()
	a := newRepo(t, "repo-a", rules.AllowAll(), cfg, nil)
	b := newRepo(t, "repo-b", rules.AllowAll(), cfg,
		middleware.NewChain(&dropMsgType{msgType: "sync-request"}))

	connect(t, a, b, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	h := a.Get("doc-abort")
	err := h.WaitForSync(ctx, WaitOptions{Kind: SyncNetwork, Timeout: 0})
	require.ErrorIs(t, err, context.Canceled)
}

func TestDeleteIsLocalOnly(t *testing.T) {
	cfg := config.Defaults()
	a := newRepo(t, "repo-a", rules.AllowAll(), cfg, nil)
	b := newRepo(t, "repo-b", rules.AllowAll(), cfg, nil)

	docA := a.Get("doc-del")
	docA.Set("v", 1)

	connect(t, a, b, cfg)
	docB := b.Get("doc-del")
	eventuallyField(t, docB, "v", 1)

	a.Delete("doc-del")
	require.Eventually(t, func() bool { return !a.Has("doc-del") }, 3*time.Second, 10*time.Millisecond)

	// B keeps its copy: deletion never propagates.
	time.Sleep(100 * time.Millisecond)
	assert.True(t, b.Has("doc-del"))
	assert.Equal(t, 1, docB.Fields()["v"])
}

func TestGetIsIdempotent(t *testing.T) {
	cfg := config.Defaults()
	r := newRepo(t, "solo", rules.AllowAll(), cfg, nil)

	h1 := r.Get("doc-1")
	h2 := r.Get("doc-1")
	assert.Same(t, h1, h2)
}
