package polladapter_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SchoolAI/loro-extended-sub004/internal/adapter"
	"github.com/SchoolAI/loro-extended-sub004/internal/adapter/polladapter"
	"github.com/SchoolAI/loro-extended-sub004/internal/config"
	"github.com/SchoolAI/loro-extended-sub004/internal/peer"
	"github.com/SchoolAI/loro-extended-sub004/internal/protocol"
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

func TestDocSyncsOverLongPoll(t *testing.T) {
	cfg := config.Defaults()
	cfg.LongPollMaxWait = 500 * time.Millisecond

	serverRepo := newRepo(t, "server")
	server := polladapter.NewServer("poll-server", serverRepo.Runtime(), cfg, nil)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { server.Stop() })

	serverRepo.Get("doc-1").Set("title", "hello")

	clientRepo := newRepo(t, "client", func(rt adapter.Runtime) adapter.Adapter {
		return polladapter.NewClient("poll-client", ts.URL, "client", rt, cfg, nil)
	})

	h := clientRepo.Get("doc-1")
	require.NoError(t, h.WaitForSync(t.Context(), repo.WaitOptions{Kind: repo.SyncNetwork, Timeout: 10 * time.Second}))
	require.Eventually(t, func() bool {
		return h.Fields()["title"] == "hello"
	}, 10*time.Second, 20*time.Millisecond)

	h.Set("reply", "world")
	sh := serverRepo.Get("doc-1")
	require.Eventually(t, func() bool {
		return sh.Fields()["reply"] == "world"
	}, 10*time.Second, 20*time.Millisecond)
}

func TestPollReturnsIsNewConnectionOnce(t *testing.T) {
	cfg := config.Defaults()
	cfg.LongPollMaxWait = 50 * time.Millisecond

	serverRepo := newRepo(t, "server")
	server := polladapter.NewServer("poll-server", serverRepo.Runtime(), cfg, nil)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { server.Stop() })

	poll := func() polladapter.PollResult {
		resp, err := http.Get(ts.URL + "?peerId=probe&wait=10")
		require.NoError(t, err)
		defer resp.Body.Close()
		var result polladapter.PollResult
		require.NoError(t, jsonDecode(resp, &result))
		return result
	}

	first := poll()
	assert.True(t, first.IsNewConnection)
	second := poll()
	assert.False(t, second.IsNewConnection)
}

func jsonDecode(resp *http.Response, v any) error {
	dec := json.NewDecoder(resp.Body)
	return dec.Decode(v)
}

func TestParsePostBodyFragmentedReversed(t *testing.T) {
	cfg := config.Defaults()
	conduitOut := adapter.NewConduit(64, cfg.FragmentTimeout)
	conduitIn := adapter.NewConduit(64, cfg.FragmentTimeout)

	// A batch large enough to fragment at the 64-byte threshold.
	msgs := []protocol.Msg{protocol.SyncResponse{
		DocID:        "doc-1",
		Transmission: protocol.UpdateTransmission(make([]byte, 400)),
	}}
	frames, err := conduitOut.EncodeFrames(msgs)
	require.NoError(t, err)
	require.Greater(t, len(frames), 2, "payload must have fragmented")

	// Header first, then the data frames in reverse order.
	header, data := frames[0], frames[1:]
	got, pending, err := polladapter.ParsePostBody(conduitIn, header)
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Nil(t, got)

	var completions int
	for i := len(data) - 1; i >= 0; i-- {
		got, pending, err = polladapter.ParsePostBody(conduitIn, data[i])
		require.NoError(t, err)
		if !pending {
			completions++
			require.Len(t, got, 1)
			resp, ok := got[0].(protocol.SyncResponse)
			require.True(t, ok)
			assert.Equal(t, "doc-1", resp.DocID)
			assert.Len(t, resp.Transmission.Data, 400)
		}
	}
	assert.Equal(t, 1, completions, "batch must complete exactly once")
}

func TestDeleteDeregistersSession(t *testing.T) {
	cfg := config.Defaults()
	cfg.LongPollMaxWait = 50 * time.Millisecond

	serverRepo := newRepo(t, "server")
	server := polladapter.NewServer("poll-server", serverRepo.Runtime(), cfg, nil)
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(func() { server.Stop() })

	// Register by polling once.
	resp, err := http.Get(ts.URL + "?peerId=probe&wait=10")
	require.NoError(t, err)
	resp.Body.Close()

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"?peerId=probe", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// The next poll is a brand-new session again.
	resp2, err := http.Get(ts.URL + "?peerId=probe&wait=10")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var result polladapter.PollResult
	require.NoError(t, jsonDecode(resp2, &result))
	assert.True(t, result.IsNewConnection)
}
