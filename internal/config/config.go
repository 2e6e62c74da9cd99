// Package config collects the runtime's tunable constants in one plain
// struct, passed to constructors the same way Options structs are
// everywhere else in this codebase. There is no flag or file layer;
// callers fill in what they need and Defaults covers the rest.
package config

import "time"

// Config carries every tunable the synchronizer runtime reads.
type Config struct {
	// FragmentThreshold is the serialized-batch size above which a
	// message must be split into fragments before transport.
	FragmentThreshold int

	// FragmentTimeout bounds how long a partially-received fragmented
	// message is held before its reassembly state is discarded.
	FragmentTimeout time.Duration

	// HeartbeatInterval is how often the runtime posts a heartbeat into
	// the synchronizer to drive ephemeral peer eviction.
	HeartbeatInterval time.Duration

	// EphemeralStaleWindow is the wall-clock age past which a peer's
	// presence entries are evicted on heartbeat.
	EphemeralStaleWindow time.Duration

	// EphemeralHopLimit is the initial hop budget on relayed presence
	// messages.
	EphemeralHopLimit int

	// ReconnectMaxAttempts caps an adapter's reconnection budget before
	// it gives up and reports the channel removed.
	ReconnectMaxAttempts int

	// ReconnectBaseDelay seeds the exponential backoff between
	// reconnection attempts; jitter is applied on top.
	ReconnectBaseDelay time.Duration

	// ReconnectMaxDelay caps the backoff growth.
	ReconnectMaxDelay time.Duration

	// LongPollMaxWait bounds how long the long-poll server holds a GET
	// open before returning an empty message set.
	LongPollMaxWait time.Duration
}

// Defaults returns the configuration the runtime ships with.
func Defaults() Config {
	return Config{
		FragmentThreshold:    80 * 1024,
		FragmentTimeout:      10 * time.Second,
		HeartbeatInterval:    5 * time.Second,
		EphemeralStaleWindow: 30 * time.Second,
		EphemeralHopLimit:    2,
		ReconnectMaxAttempts: 10,
		ReconnectBaseDelay:   250 * time.Millisecond,
		ReconnectMaxDelay:    15 * time.Second,
		LongPollMaxWait:      25 * time.Second,
	}
}

// Normalized returns c with any zero field replaced by its default, so
// partially-filled configs behave sensibly.
func (c Config) Normalized() Config {
	d := Defaults()
	if c.FragmentThreshold <= 0 {
		c.FragmentThreshold = d.FragmentThreshold
	}
	if c.FragmentTimeout <= 0 {
		c.FragmentTimeout = d.FragmentTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.EphemeralStaleWindow <= 0 {
		c.EphemeralStaleWindow = d.EphemeralStaleWindow
	}
	if c.EphemeralHopLimit <= 0 {
		c.EphemeralHopLimit = d.EphemeralHopLimit
	}
	if c.ReconnectMaxAttempts <= 0 {
		c.ReconnectMaxAttempts = d.ReconnectMaxAttempts
	}
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = d.ReconnectBaseDelay
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = d.ReconnectMaxDelay
	}
	if c.LongPollMaxWait <= 0 {
		c.LongPollMaxWait = d.LongPollMaxWait
	}
	return c
}
