package protocol

import (
	"testing"

	"github.com/SchoolAI/loro-extended-sub004/internal/clock"
)

func TestMsgKindsImplementMsg(t *testing.T) {
	var msgs = []Msg{
		EstablishRequest{},
		EstablishResponse{},
		DirectoryRequest{},
		DirectoryResponse{},
		SyncRequest{},
		SyncResponse{},
		Ephemeral{},
		Heartbeat{},
	}
	if len(msgs) != 8 {
		t.Fatalf("expected 8 message kinds, got %d", len(msgs))
	}
}

func TestUpToDateCarriesVersionOnly(t *testing.T) {
	v := clock.VersionVector{"a": 1}
	tr := UpToDate(v)
	if tr.Kind != TransmissionUpToDate {
		t.Error("expected TransmissionUpToDate")
	}
	if tr.Data != nil {
		t.Error("up-to-date should not carry data")
	}
	if tr.Version["a"] != 1 {
		t.Error("expected version preserved")
	}
}

func TestUnavailableCarriesNothing(t *testing.T) {
	tr := Unavailable()
	if tr.Kind != TransmissionUnavailable {
		t.Error("expected TransmissionUnavailable")
	}
	if tr.Data != nil || tr.Version != nil {
		t.Error("unavailable should carry neither data nor version")
	}
}

func TestEphemeralDecrementedDoesNotMutateOriginal(t *testing.T) {
	e := Ephemeral{DocID: "doc1", HopsRemaining: 2}
	next := e.Decremented()
	if next.HopsRemaining != 1 {
		t.Errorf("expected 1, got %d", next.HopsRemaining)
	}
	if e.HopsRemaining != 2 {
		t.Error("Decremented should not mutate the receiver")
	}
}
