package sseadapter_test

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SchoolAI/loro-extended-sub004/internal/adapter"
	"github.com/SchoolAI/loro-extended-sub004/internal/adapter/sseadapter"
	"github.com/SchoolAI/loro-extended-sub004/internal/auth"
	"github.com/SchoolAI/loro-extended-sub004/internal/config"
	"github.com/SchoolAI/loro-extended-sub004/internal/peer"
	"github.com/SchoolAI/loro-extended-sub004/internal/rules"
	"github.com/SchoolAI/loro-extended-sub004/pkg/repo"
)

func newRepo(t *testing.T, id string, adapters ...repo.AdapterFactory) *repo.Repo {
	t.Helper()
	allow := rules.AllowAll()
	r, err := repo.New(repo.Options{
		Identity: repo.Identity{ID: id, Name: id, Type: peer.KindUser},
		Rules:    &allow,
		Adapters: adapters,
	})
	require.NoError(t, err)
	t.Cleanup(r.Close)
	return r
}

func TestDocSyncsOverSSE(t *testing.T) {
	cfg := config.Defaults()

	serverRepo := newRepo(t, "server")
	server := sseadapter.NewServer("sse-server", serverRepo.Runtime(), cfg, nil)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { server.Stop() })

	serverRepo.Get("doc-1").Set("title", "hello")

	clientRepo := newRepo(t, "client", func(rt adapter.Runtime) adapter.Adapter {
		return sseadapter.NewClient("sse-client", ts.URL, "client", rt, cfg, nil)
	})

	h := clientRepo.Get("doc-1")
	require.NoError(t, h.WaitForSync(t.Context(), repo.WaitOptions{Kind: repo.SyncNetwork, Timeout: 5 * time.Second}))
	require.Eventually(t, func() bool {
		return h.Fields()["title"] == "hello"
	}, 5*time.Second, 10*time.Millisecond)

	h.Set("reply", "world")
	sh := serverRepo.Get("doc-1")
	require.Eventually(t, func() bool {
		return sh.Fields()["reply"] == "world"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestServerRequiresPeerID(t *testing.T) {
	cfg := config.Defaults()
	serverRepo := newRepo(t, "server")
	server := sseadapter.NewServer("sse-server", serverRepo.Runtime(), cfg, nil)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { server.Stop() })

	resp, err := http.Post(ts.URL, "application/octet-stream", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestServerRejectsBadBearerToken(t *testing.T) {
	cfg := config.Defaults()
	serverRepo := newRepo(t, "server")
	server := sseadapter.NewServer("sse-server", serverRepo.Runtime(), cfg, nil)
	server.Tokens = auth.NewTokenManager("secret")
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { server.Stop() })

	req, err := http.NewRequest(http.MethodPost, ts.URL, nil)
	require.NoError(t, err)
	req.Header.Set(sseadapter.PeerIDHeader, "client")
	req.Header.Set("Authorization", "Bearer bogus")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestBearerTokenAuthenticatedSync(t *testing.T) {
	cfg := config.Defaults()
	tokens := auth.NewTokenManager("secret")

	serverRepo := newRepo(t, "server")
	server := sseadapter.NewServer("sse-server", serverRepo.Runtime(), cfg, nil)
	server.Tokens = tokens
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { server.Stop() })

	serverRepo.Get("doc-1").Set("v", 7)

	token, err := tokens.GenerateToken("client", "client", []auth.Permission{auth.PermissionReadWrite})
	require.NoError(t, err)

	clientRepo := newRepo(t, "client", func(rt adapter.Runtime) adapter.Adapter {
		c := sseadapter.NewClient("sse-client", ts.URL, "client", rt, cfg, nil)
		c.BearerToken = token
		return c
	})

	h := clientRepo.Get("doc-1")
	require.Eventually(t, func() bool {
		return h.Fields()["v"] == 7
	}, 5*time.Second, 10*time.Millisecond)
}
