// Package middleware implements the pre-delivery hook chain: each
// middleware declares which context facets it needs, is
// consulted in order before a channel-receive-message reaches the
// Synchronizer, and the first rejection short-circuits the chain.
package middleware

import (
	"fmt"
	"sync"
	"time"
)

// Facet enumerates the context a middleware may require.
type Facet int

const (
	FacetPeer Facet = iota
	FacetDocument
	FacetTransmission
)

// Context carries whatever facets are available for one message.
type Context struct {
	PeerID        string
	MessageType   string
	DocID         string
	PayloadBytes  int
}

// Result is a middleware's verdict.
type Result struct {
	Allow  bool
	Reason string
}

func allow() Result  { return Result{Allow: true} }
func deny(reason string) Result {
	return Result{Allow: false, Reason: reason}
}

// Middleware is one link in the chain.
type Middleware interface {
	// Facets declares which Context fields this middleware reads, so a
	// chain can be validated against what the caller can supply.
	Facets() []Facet
	// Check evaluates ctx and returns a verdict.
	Check(ctx Context) Result
}

// Chain runs an ordered list of Middleware, stopping at the first
// rejection.
type Chain struct {
	links []Middleware
}

// NewChain builds a Chain from links, evaluated in order.
func NewChain(links ...Middleware) *Chain { return &Chain{links: links} }

// Run evaluates every link in order. It returns the first rejecting
// Result, or an allowing Result if every link passed.
func (c *Chain) Run(ctx Context) Result {
	for _, m := range c.links {
		if r := m.Check(ctx); !r.Allow {
			return r
		}
	}
	return allow()
}

// RateLimiter is a token-bucket limiter keyed by (peerId, messageType).
type RateLimiter struct {
	mu       sync.Mutex
	rate     float64 // tokens per second
	burst    float64
	buckets  map[string]*bucket
	nowFunc  func() time.Time
}

type bucket struct {
	tokens    float64
	updatedAt time.Time
}

// NewRateLimiter returns a limiter allowing `rate` messages per second per
// key, with a burst capacity of `burst` tokens.
func NewRateLimiter(rate, burst float64) *RateLimiter {
	return &RateLimiter{
		rate:    rate,
		burst:   burst,
		buckets: make(map[string]*bucket),
		nowFunc: time.Now,
	}
}

func (r *RateLimiter) Facets() []Facet { return []Facet{FacetPeer} }

func (r *RateLimiter) Check(ctx Context) Result {
	key := ctx.PeerID + "/" + ctx.MessageType
	now := r.nowFunc()

	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[key]
	if !ok {
		b = &bucket{tokens: r.burst, updatedAt: now}
		r.buckets[key] = b
	} else {
		elapsed := now.Sub(b.updatedAt).Seconds()
		b.tokens += elapsed * r.rate
		if b.tokens > r.burst {
			b.tokens = r.burst
		}
		b.updatedAt = now
	}

	if b.tokens < 1 {
		return deny(fmt.Sprintf("rate limit exceeded for %s", key))
	}
	b.tokens--
	return allow()
}

// SizeLimiter rejects payloads above a configured byte threshold.
type SizeLimiter struct {
	MaxBytes int
}

func (s *SizeLimiter) Facets() []Facet { return []Facet{FacetTransmission} }

func (s *SizeLimiter) Check(ctx Context) Result {
	if ctx.PayloadBytes > s.MaxBytes {
		return deny(fmt.Sprintf("payload %d bytes exceeds limit %d", ctx.PayloadBytes, s.MaxBytes))
	}
	return allow()
}
