// Package sseadapter is the server-sent-events transport shell:
// outbound messages travel as binary
// application/octet-stream POSTs with retry, inbound messages stream
// over a long-lived GET as base64 SSE events. The X-Peer-Id header is
// required on every request; 4xx responses are fatal, network errors
// retry with backoff.
package sseadapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SchoolAI/loro-extended-sub004/internal/adapter"
	"github.com/SchoolAI/loro-extended-sub004/internal/auth"
	"github.com/SchoolAI/loro-extended-sub004/internal/channel"
	"github.com/SchoolAI/loro-extended-sub004/internal/config"
	"github.com/SchoolAI/loro-extended-sub004/internal/protocol"
)

// PeerIDHeader carries the caller's stable peer identifier.
const PeerIDHeader = "X-Peer-Id"

// HardFailureError marks a 4xx response: retrying cannot help.
type HardFailureError struct {
	Status int
}

func (e *HardFailureError) Error() string {
	return fmt.Sprintf("sseadapter: hard failure, status %d", e.Status)
}

// postFrames sends each frame as one binary POST, retrying transient
// failures with backoff. 4xx aborts immediately.
func postFrames(ctx context.Context, client *http.Client, url, peerID string, bearer string, frames [][]byte, cfg config.Config) error {
	for _, frame := range frames {
		backoff := adapter.Backoff{Base: cfg.ReconnectBaseDelay, Max: cfg.ReconnectMaxDelay}
		for {
			req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(frame))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/octet-stream")
			req.Header.Set(PeerIDHeader, peerID)
			if bearer != "" {
				req.Header.Set("Authorization", "Bearer "+bearer)
			}

			resp, err := client.Do(req)
			if err == nil {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
				if resp.StatusCode >= 400 && resp.StatusCode < 500 {
					return &HardFailureError{Status: resp.StatusCode}
				}
				if resp.StatusCode < 300 {
					break
				}
			}
			if backoff.Attempt() >= cfg.ReconnectMaxAttempts {
				return fmt.Errorf("sseadapter: post retries exhausted: %w", err)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff.Next()):
			}
		}
	}
	return nil
}

// Client connects to an SSE endpoint pair: POST for outbound, GET
// stream for inbound.
type Client struct {
	adapterID string
	baseURL   string // e.g. http://host/sync; GET streams from baseURL?peerId=..., POST writes to baseURL
	peerID    string
	runtime   adapter.Runtime
	cfg       config.Config
	log       *zap.Logger
	http      *http.Client
	// BearerToken, when set, is attached to every request.
	BearerToken string

	mu     sync.Mutex
	cancel context.CancelFunc
	chID   channel.ID
}

// NewClient builds an SSE client. peerID must be the local identity's
// stable peer ID; the server keys sessions on it.
func NewClient(adapterID, baseURL, peerID string, rt adapter.Runtime, cfg config.Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		adapterID: adapterID,
		baseURL:   baseURL,
		peerID:    peerID,
		runtime:   rt,
		cfg:       cfg.Normalized(),
		log:       log,
		http:      &http.Client{},
		chID:      channel.ID(uuid.NewString()),
	}
}

func (c *Client) ID() string         { return c.adapterID }
func (c *Client) Kind() channel.Kind { return channel.KindNetwork }

type clientTransport struct {
	c       *Client
	ctx     context.Context
	conduit *adapter.Conduit
}

func (t *clientTransport) Send(msgs []protocol.Msg) error {
	frames, err := t.conduit.EncodeFrames(msgs)
	if err != nil {
		return err
	}
	return postFrames(t.ctx, t.c.http, t.c.baseURL, t.c.peerID, t.c.BearerToken, frames, t.c.cfg)
}

func (t *clientTransport) Stop() { t.c.Stop() }

// Start opens the inbound event stream and attaches the channel.
func (c *Client) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.streamLoop(ctx)
	return nil
}

// Stop is idempotent teardown.
func (c *Client) Stop() error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

func (c *Client) streamLoop(ctx context.Context) {
	backoff := adapter.Backoff{Base: c.cfg.ReconnectBaseDelay, Max: c.cfg.ReconnectMaxDelay}

	for ctx.Err() == nil {
		err := c.streamOnce(ctx, &backoff)
		c.runtime.RemoveChannel(c.chID)
		if ctx.Err() != nil {
			return
		}
		var hard *HardFailureError
		if errors.As(err, &hard) {
			c.log.Warn("sse stream rejected, giving up", zap.Int("status", hard.Status))
			return
		}
		if backoff.Attempt() >= c.cfg.ReconnectMaxAttempts {
			c.log.Warn("sse reconnect budget exhausted", zap.String("url", c.baseURL))
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff.Next()):
		}
	}
}

// streamOnce runs one GET stream to completion. The channel attaches
// once the stream is open, mirroring an EventSource reaching
// readyState OPEN.
func (c *Client) streamOnce(ctx context.Context, backoff *adapter.Backoff) error {
	url := c.baseURL + "?peerId=" + c.peerID
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set(PeerIDHeader, c.peerID)
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return &HardFailureError{Status: resp.StatusCode}
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("sseadapter: stream status %d", resp.StatusCode)
	}

	backoff.Reset()
	conduit := adapter.NewConduit(c.cfg.FragmentThreshold, c.cfg.FragmentTimeout)
	tr := &clientTransport{c: c, ctx: ctx, conduit: conduit}
	c.runtime.AttachChannel(channel.New(c.chID, channel.KindNetwork, c.adapterID), tr)
	c.runtime.EstablishChannel(c.chID, true)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		frame, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(line, "data: "))
		if err != nil {
			c.log.Warn("bad sse event payload", zap.Error(err))
			continue
		}
		msgs, err := conduit.DecodeFrame(frame)
		if err != nil {
			c.log.Warn("corrupt frame dropped", zap.Error(err))
			continue
		}
		for _, m := range msgs {
			c.runtime.Deliver(c.chID, m)
		}
	}
	return scanner.Err()
}

// session is one connected peer's state on the server: its channel,
// reassembly conduit, and the event stream its outbound frames flow to.
type session struct {
	chID    channel.ID
	conduit *adapter.Conduit
	out     chan []byte
}

type serverTransport struct {
	s    *Server
	sess *session
}

func (t *serverTransport) Send(msgs []protocol.Msg) error {
	frames, err := t.sess.conduit.EncodeFrames(msgs)
	if err != nil {
		return err
	}
	for _, f := range frames {
		select {
		case t.sess.out <- f:
		default:
			return fmt.Errorf("sseadapter: peer stream backlogged")
		}
	}
	return nil
}

func (t *serverTransport) Stop() { t.s.dropSession(t.sess.chID) }

// Server hosts the POST sync endpoint and the GET event stream,
// keyed by peer ID.
type Server struct {
	adapterID string
	runtime   adapter.Runtime
	cfg       config.Config
	log       *zap.Logger
	// Tokens, when non-nil, requires a valid bearer token.
	Tokens *auth.TokenManager

	mu       sync.Mutex
	sessions map[string]*session // peerID -> session
	done     bool
}

// NewServer builds the server shell.
func NewServer(adapterID string, rt adapter.Runtime, cfg config.Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		adapterID: adapterID,
		runtime:   rt,
		cfg:       cfg.Normalized(),
		log:       log,
		sessions:  make(map[string]*session),
	}
}

func (s *Server) ID() string         { return s.adapterID }
func (s *Server) Kind() channel.Kind { return channel.KindNetwork }

// Start is a no-op; sessions arrive via the HTTP handlers.
func (s *Server) Start(ctx context.Context) error { return nil }

// Stop tears down every session.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.done = true
	ids := make([]channel.ID, 0, len(s.sessions))
	for _, sess := range s.sessions {
		ids = append(ids, sess.chID)
	}
	s.mu.Unlock()
	for _, id := range ids {
		s.dropSession(id)
	}
	return nil
}

// Handler serves both halves: GET opens the event stream, POST accepts
// binary frames.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Tokens != nil {
			if _, err := auth.BearerClaims(s.Tokens, r); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		switch r.Method {
		case http.MethodGet:
			s.serveStream(w, r)
		case http.MethodPost:
			s.servePost(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func peerIDOf(r *http.Request) string {
	if id := r.Header.Get(PeerIDHeader); id != "" {
		return id
	}
	return r.URL.Query().Get("peerId")
}

// getOrCreateSession returns the session for peerID, attaching its
// channel on first contact.
func (s *Server) getOrCreateSession(peerID string) *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return nil
	}
	if sess, ok := s.sessions[peerID]; ok {
		return sess
	}
	sess := &session{
		chID:    channel.ID(uuid.NewString()),
		conduit: adapter.NewConduit(s.cfg.FragmentThreshold, s.cfg.FragmentTimeout),
		out:     make(chan []byte, 256),
	}
	s.sessions[peerID] = sess
	s.runtime.AttachChannel(channel.New(sess.chID, channel.KindNetwork, s.adapterID), &serverTransport{s: s, sess: sess})
	s.runtime.EstablishChannel(sess.chID, false)
	return sess
}

func (s *Server) dropSession(chID channel.ID) {
	s.mu.Lock()
	for peerID, sess := range s.sessions {
		if sess.chID == chID {
			delete(s.sessions, peerID)
			break
		}
	}
	s.mu.Unlock()
	s.runtime.RemoveChannel(chID)
}

func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	peerID := peerIDOf(r)
	if peerID == "" {
		http.Error(w, "missing peer id", http.StatusBadRequest)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	sess := s.getOrCreateSession(peerID)
	if sess == nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			s.dropSession(sess.chID)
			return
		case frame := <-sess.out:
			fmt.Fprintf(w, "data: %s\n\n", base64.StdEncoding.EncodeToString(frame))
			flusher.Flush()
		}
	}
}

func (s *Server) servePost(w http.ResponseWriter, r *http.Request) {
	peerID := peerIDOf(r)
	if peerID == "" {
		http.Error(w, "missing peer id", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}
	sess := s.getOrCreateSession(peerID)
	if sess == nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	msgs, err := sess.conduit.DecodeFrame(body)
	if err != nil {
		http.Error(w, "corrupt frame", http.StatusBadRequest)
		return
	}
	for _, m := range msgs {
		s.runtime.Deliver(sess.chID, m)
	}
	w.WriteHeader(http.StatusAccepted)
}
