package peer

import (
	"testing"

	"github.com/SchoolAI/loro-extended-sub004/internal/clock"
)

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		KindUser:    "user",
		KindService: "service",
		KindStorage: "storage",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

func TestNewDocStateIsUnknown(t *testing.T) {
	d := NewDocState()
	if d.Awareness != AwarenessUnknown {
		t.Error("expected fresh DocState to be AwarenessUnknown")
	}
	if !d.LastKnownVersion.IsZero() {
		t.Error("expected fresh DocState to have a zero version")
	}
}

func TestDocStateWithVersionIsIndependent(t *testing.T) {
	d := NewDocState()
	v := clock.VersionVector{"peer-a": 3}
	d2 := d.WithVersion(v)

	v["peer-a"] = 99
	if d2.LastKnownVersion["peer-a"] != 3 {
		t.Error("WithVersion should clone the vector, not alias it")
	}
	if !d.LastKnownVersion.IsZero() {
		t.Error("WithVersion should not mutate the receiver")
	}
}

func TestDocStateWithAwareness(t *testing.T) {
	d := NewDocState().WithAwareness(AwarenessHasDoc)
	if d.Awareness != AwarenessHasDoc {
		t.Error("expected AwarenessHasDoc")
	}
}
