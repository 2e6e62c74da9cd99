package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SchoolAI/loro-extended-sub004/internal/clock"
	"github.com/SchoolAI/loro-extended-sub004/internal/peer"
)

func sampleBatch() []Msg {
	return []Msg{
		EstablishRequest{Identity: peer.Identity{ID: "p1", Name: "alice", Type: peer.KindUser}},
		DirectoryRequest{},
		DirectoryResponse{DocIDs: []string{"doc-1", "doc-2"}},
		SyncRequest{
			Docs:          []SyncDocRequest{{DocID: "doc-1", RequesterDocVersion: clock.VersionVector{"p1": 3}}},
			Bidirectional: true,
		},
		SyncResponse{
			DocID:        "doc-1",
			Transmission: UpdateTransmission([]byte{1, 2, 3}),
			Ephemeral:    &EphemeralPayload{Namespace: "cursors", Data: []byte{9}},
		},
		Ephemeral{DocID: "doc-1", Namespace: "cursors", Data: []byte{4, 5}, HopsRemaining: 2},
		Heartbeat{},
	}
}

func TestBinaryBatchRoundTrip(t *testing.T) {
	in := sampleBatch()
	data, err := EncodeBatch(in)
	require.NoError(t, err)

	out, err := DecodeBatch(data)
	require.NoError(t, err)
	require.Len(t, out, len(in))

	req, ok := out[0].(EstablishRequest)
	require.True(t, ok)
	assert.Equal(t, "alice", req.Identity.Name)

	_, ok = out[1].(DirectoryRequest)
	assert.True(t, ok)

	sreq, ok := out[3].(SyncRequest)
	require.True(t, ok)
	assert.True(t, sreq.Bidirectional)
	assert.Equal(t, uint64(3), sreq.Docs[0].RequesterDocVersion["p1"])

	sresp, ok := out[4].(SyncResponse)
	require.True(t, ok)
	assert.Equal(t, TransmissionUpdate, sresp.Transmission.Kind)
	require.NotNil(t, sresp.Ephemeral)
	assert.Equal(t, "cursors", sresp.Ephemeral.Namespace)

	_, ok = out[6].(Heartbeat)
	assert.True(t, ok)
}

func TestJSONBatchRoundTrip(t *testing.T) {
	in := sampleBatch()
	data, err := MarshalJSONBatch(in)
	require.NoError(t, err)

	out, err := UnmarshalJSONBatch(data)
	require.NoError(t, err)
	require.Len(t, out, len(in))

	eph, ok := out[5].(Ephemeral)
	require.True(t, ok)
	assert.Equal(t, 2, eph.HopsRemaining)
	assert.Equal(t, []byte{4, 5}, eph.Data)
}

func TestJSONBatchSkipsUnknownTypes(t *testing.T) {
	raw := []byte(`[{"type":"future-message","body":{}},{"type":"heartbeat","body":{}}]`)
	out, err := UnmarshalJSONBatch(raw)
	require.NoError(t, err)
	require.Len(t, out, 1)
	_, ok := out[0].(Heartbeat)
	assert.True(t, ok)
}

func TestDecodeBatchRejectsGarbage(t *testing.T) {
	_, err := DecodeBatch([]byte("not gob"))
	assert.Error(t, err)
}

func TestNameCoversEveryKind(t *testing.T) {
	for _, m := range sampleBatch() {
		assert.NotEqual(t, "unknown", Name(m))
	}
}
