package rules

import (
	"testing"

	"github.com/SchoolAI/loro-extended-sub004/internal/channel"
)

func TestAllowStorageDefaultDenyNetwork(t *testing.T) {
	s := AllowStorageDefaultDenyNetwork()

	storageCtx := Context{ChannelKind: channel.KindStorage}
	if !s.CanRevealDoc(storageCtx) {
		t.Error("expected storage channel to pass canReveal")
	}
	if !s.CanUpdateDoc(storageCtx) {
		t.Error("expected storage channel to pass canUpdate")
	}

	networkCtx := Context{ChannelKind: channel.KindNetwork}
	if s.CanRevealDoc(networkCtx) {
		t.Error("expected network channel to fail canReveal by default")
	}
}

func TestAllowAll(t *testing.T) {
	s := AllowAll()
	ctx := Context{ChannelKind: channel.KindNetwork}
	if !s.CanRevealDoc(ctx) || !s.CanUpdateDoc(ctx) || !s.CanDeleteDoc(ctx) {
		t.Error("expected AllowAll to pass every gate")
	}
}

func TestZeroSetDeniesEverything(t *testing.T) {
	var s Set
	ctx := Context{}
	if s.CanRevealDoc(ctx) || s.CanUpdateDoc(ctx) || s.CanDeleteDoc(ctx) {
		t.Error("expected zero Set to deny everything")
	}
}
