package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNewMetrics(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	if metrics == nil {
		t.Fatal("Expected Metrics, got nil")
	}

	// Test that all metrics are initialized
	if metrics.ChannelsEstablished == nil {
		t.Error("Expected ChannelsEstablished to be initialized")
	}
	if metrics.ChannelsRemoved == nil {
		t.Error("Expected ChannelsRemoved to be initialized")
	}
	if metrics.ActiveChannels == nil {
		t.Error("Expected ActiveChannels to be initialized")
	}
	if metrics.MessagesReceived == nil {
		t.Error("Expected MessagesReceived to be initialized")
	}
	if metrics.MessagesSent == nil {
		t.Error("Expected MessagesSent to be initialized")
	}
	if metrics.SyncRequestsSent == nil {
		t.Error("Expected SyncRequestsSent to be initialized")
	}
	if metrics.SyncResponsesSent == nil {
		t.Error("Expected SyncResponsesSent to be initialized")
	}
	if metrics.DocsImported == nil {
		t.Error("Expected DocsImported to be initialized")
	}
	if metrics.ImportDuration == nil {
		t.Error("Expected ImportDuration to be initialized")
	}
	if metrics.RuleRejections == nil {
		t.Error("Expected RuleRejections to be initialized")
	}
	if metrics.MiddlewareRejections == nil {
		t.Error("Expected MiddlewareRejections to be initialized")
	}
	if metrics.FragmentTimeouts == nil {
		t.Error("Expected FragmentTimeouts to be initialized")
	}
	if metrics.EphemeralRelayed == nil {
		t.Error("Expected EphemeralRelayed to be initialized")
	}
	if metrics.EphemeralPeersEvicted == nil {
		t.Error("Expected EphemeralPeersEvicted to be initialized")
	}
	if metrics.ErrorCount == nil {
		t.Error("Expected ErrorCount to be initialized")
	}
}

func TestNewMetricsWithPrivateRegistry(t *testing.T) {
	// A second registry avoids duplicate-registration panics against the
	// metrics created above.
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	if metrics == nil {
		t.Fatal("Expected Metrics, got nil")
	}
	metrics.MessagesSent.Inc()
	metrics.ActiveChannels.Set(3)
}
