package ephemeral

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetSelfRoundTrip(t *testing.T) {
	s := NewStore("peer-a")

	data, err := s.SetSelf("doc-1", "cursors", map[string]any{"x": 1, "y": 2})
	require.NoError(t, err)
	require.NotEmpty(t, data)

	p, err := DecodePayload(data)
	require.NoError(t, err)
	assert.Equal(t, "peer-a", p.PeerID)
	assert.Equal(t, 1, p.Values["x"])

	self := s.Self("doc-1", "cursors")
	assert.Equal(t, 2, self["y"])
}

func TestApplyAttributesToAuthor(t *testing.T) {
	a := NewStore("peer-a")
	b := NewStore("peer-b")

	data, err := a.SetSelf("doc-1", "cursors", map[string]any{"line": 7})
	require.NoError(t, err)

	// Relayed through a hub: fromPeerID is the hub, but the payload's
	// own attribution must win.
	require.NoError(t, b.Apply("doc-1", "cursors", "hub-peer", data))

	vals, ok := b.Peer("doc-1", "cursors", "peer-a")
	require.True(t, ok)
	assert.Equal(t, 7, vals["line"])

	_, ok = b.Peer("doc-1", "cursors", "hub-peer")
	assert.False(t, ok)
}

func TestApplyIgnoresOwnEcho(t *testing.T) {
	s := NewStore("peer-a")
	data, err := s.SetSelf("doc-1", "cursors", map[string]any{"x": 1})
	require.NoError(t, err)

	require.NoError(t, s.Apply("doc-1", "cursors", "peer-a", data))
	assert.Empty(t, s.Peers("doc-1", "cursors"))
}

func TestSweepEvictsStalePeers(t *testing.T) {
	s := NewStore("local")
	now := time.Now()
	s.nowFunc = func() time.Time { return now }

	remote := NewStore("remote")
	data, err := remote.SetSelf("doc-1", "presence", map[string]any{"online": true})
	require.NoError(t, err)
	require.NoError(t, s.Apply("doc-1", "presence", "remote", data))

	// Inside the window: nothing evicted.
	changed := s.Sweep(now.Add(10*time.Second), 30*time.Second)
	assert.Empty(t, changed)

	changed = s.Sweep(now.Add(31*time.Second), 30*time.Second)
	require.Len(t, changed, 1)
	assert.Equal(t, Changed{DocID: "doc-1", Namespace: "presence"}, changed[0])
	assert.Empty(t, s.Peers("doc-1", "presence"))
}

func TestRemovePeer(t *testing.T) {
	s := NewStore("local")
	remote := NewStore("remote")
	data, err := remote.SetSelf("doc-1", "presence", map[string]any{"online": true})
	require.NoError(t, err)
	require.NoError(t, s.Apply("doc-1", "presence", "", data))
	require.NoError(t, s.Apply("doc-2", "presence", "", data))

	changed := s.RemovePeer("remote")
	assert.Len(t, changed, 2)
	assert.Empty(t, s.Peers("doc-1", "presence"))
	assert.Empty(t, s.Peers("doc-2", "presence"))
}

func TestSubscribeNotify(t *testing.T) {
	s := NewStore("local")

	calls := 0
	unsub := s.Subscribe("doc-1", "cursors", func() { calls++ })

	s.Notify("doc-1", "cursors")
	s.Notify("doc-1", "other")
	s.Notify("doc-2", "cursors")
	assert.Equal(t, 1, calls)

	unsub()
	s.Notify("doc-1", "cursors")
	assert.Equal(t, 1, calls)
}

func TestSelfSnapshotPicksPopulatedNamespace(t *testing.T) {
	s := NewStore("local")

	_, _, ok := s.SelfSnapshot("doc-1")
	assert.False(t, ok)

	_, err := s.SetSelf("doc-1", "cursors", map[string]any{"x": 1})
	require.NoError(t, err)

	ns, data, ok := s.SelfSnapshot("doc-1")
	require.True(t, ok)
	assert.Equal(t, "cursors", ns)

	p, err := DecodePayload(data)
	require.NoError(t, err)
	assert.Equal(t, "local", p.PeerID)
}
