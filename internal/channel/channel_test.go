package channel

import (
	"testing"

	"github.com/SchoolAI/loro-extended-sub004/internal/peer"
)

func TestNewIsConnecting(t *testing.T) {
	c := New("chan-1", KindNetwork, "ws-adapter")
	if c.IsEstablished() {
		t.Error("freshly-created channel should not be established")
	}
	if _, ok := c.Peer.(Connecting); !ok {
		t.Error("expected Peer to be Connecting")
	}
}

func TestEstablishSetsIdentity(t *testing.T) {
	c := New("chan-1", KindNetwork, "ws-adapter")
	id := peer.Identity{ID: "peer-1", Name: "alice", Type: peer.KindUser}
	c.Establish(id)

	if !c.IsEstablished() {
		t.Fatal("expected channel to be established")
	}
	got, ok := c.Identity()
	if !ok {
		t.Fatal("expected Identity() ok=true")
	}
	if got != id {
		t.Errorf("expected identity %+v, got %+v", id, got)
	}
}

func TestIdentityBeforeEstablishIsZero(t *testing.T) {
	c := New("chan-1", KindStorage, "local-disk")
	id, ok := c.Identity()
	if ok {
		t.Error("expected Identity() ok=false before establish")
	}
	if id != (peer.Identity{}) {
		t.Error("expected zero Identity before establish")
	}
}
