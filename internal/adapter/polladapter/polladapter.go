// Package polladapter is the HTTP long-polling transport shell.
// Outbound messages travel as binary POSTs
// (fragmented above threshold); inbound messages arrive on a long-poll
// GET returning a JSON-serialized message array. The server holds each
// poll open up to a bounded wait; DELETE deregisters a peer session.
package polladapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
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

// PollResult is the long-poll GET response body.
type PollResult struct {
	Messages        json.RawMessage `json:"messages"`
	IsNewConnection bool            `json:"isNewConnection"`
}

// ParsePostBody feeds one POST body frame through the conduit. It
// returns (nil, true, nil) while a fragmented message is still pending,
// and the completed message batch exactly once, on the frame that
// completes it.
func ParsePostBody(conduit *adapter.Conduit, body []byte) (msgs []protocol.Msg, pending bool, err error) {
	msgs, err = conduit.DecodeFrame(body)
	if err != nil {
		return nil, false, err
	}
	if msgs == nil {
		return nil, true, nil
	}
	return msgs, false, nil
}

// session is one registered peer on the server.
type session struct {
	chID    channel.ID
	conduit *adapter.Conduit

	mu      sync.Mutex
	queue   []protocol.Msg
	notify  chan struct{}
	polled  bool // false until the first GET, for isNewConnection
}

func (s *session) push(msgs []protocol.Msg) {
	s.mu.Lock()
	s.queue = append(s.queue, msgs...)
	notify := s.notify
	s.notify = nil
	s.mu.Unlock()
	if notify != nil {
		close(notify)
	}
}

// drain takes everything queued, or waits up to maxWait for something
// to arrive. Returns whether this is the session's first poll.
func (s *session) drain(ctx context.Context, maxWait time.Duration) ([]protocol.Msg, bool) {
	s.mu.Lock()
	first := !s.polled
	s.polled = true
	if len(s.queue) > 0 {
		out := s.queue
		s.queue = nil
		s.mu.Unlock()
		return out, first
	}
	notify := make(chan struct{})
	s.notify = notify
	s.mu.Unlock()

	select {
	case <-ctx.Done():
	case <-time.After(maxWait):
	case <-notify:
	}

	s.mu.Lock()
	out := s.queue
	s.queue = nil
	if s.notify == notify {
		s.notify = nil
	}
	s.mu.Unlock()
	return out, first
}

type serverTransport struct {
	s    *Server
	sess *session
}

func (t *serverTransport) Send(msgs []protocol.Msg) error {
	t.sess.push(msgs)
	return nil
}

func (t *serverTransport) Stop() { t.s.dropSession(t.sess.chID) }

// Server hosts the long-poll GET, the binary POST, and the DELETE
// deregistration endpoint.
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

func peerIDOf(r *http.Request) string {
	if id := r.Header.Get(PeerIDHeader); id != "" {
		return id
	}
	return r.URL.Query().Get("peerId")
}

// Handler serves GET (long poll), POST (binary inbound), and DELETE
// (deregister).
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Tokens != nil {
			if _, err := auth.BearerClaims(s.Tokens, r); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		peerID := peerIDOf(r)
		if peerID == "" {
			http.Error(w, "missing peer id", http.StatusBadRequest)
			return
		}
		switch r.Method {
		case http.MethodGet:
			s.servePoll(w, r, peerID)
		case http.MethodPost:
			s.servePost(w, r, peerID)
		case http.MethodDelete:
			s.serveDelete(w, peerID)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
}

func (s *Server) servePoll(w http.ResponseWriter, r *http.Request, peerID string) {
	sess := s.getOrCreateSession(peerID)
	if sess == nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	wait := s.cfg.LongPollMaxWait
	if ms, err := strconv.Atoi(r.URL.Query().Get("wait")); err == nil && ms >= 0 {
		if d := time.Duration(ms) * time.Millisecond; d < wait {
			wait = d
		}
	}

	msgs, first := sess.drain(r.Context(), wait)
	encoded, err := protocol.MarshalJSONBatch(msgs)
	if err != nil {
		http.Error(w, "encode failure", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(PollResult{Messages: encoded, IsNewConnection: first})
}

func (s *Server) servePost(w http.ResponseWriter, r *http.Request, peerID string) {
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
	msgs, pending, err := ParsePostBody(sess.conduit, body)
	if err != nil {
		http.Error(w, "corrupt frame", http.StatusBadRequest)
		return
	}
	for _, m := range msgs {
		s.runtime.Deliver(sess.chID, m)
	}
	if pending {
		w.WriteHeader(http.StatusAccepted)
		fmt.Fprint(w, `{"status":"pending"}`)
		return
	}
	w.WriteHeader(http.StatusAccepted)
	fmt.Fprint(w, `{"status":"ok"}`)
}

func (s *Server) serveDelete(w http.ResponseWriter, peerID string) {
	s.mu.Lock()
	sess, ok := s.sessions[peerID]
	s.mu.Unlock()
	if ok {
		s.dropSession(sess.chID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// Client polls a server endpoint for inbound messages and POSTs
// outbound frames.
type Client struct {
	adapterID string
	baseURL   string
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

// NewClient builds a long-poll client.
func NewClient(adapterID, baseURL, peerID string, rt adapter.Runtime, cfg config.Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	cfg = cfg.Normalized()
	return &Client{
		adapterID: adapterID,
		baseURL:   baseURL,
		peerID:    peerID,
		runtime:   rt,
		cfg:       cfg,
		log:       log,
		http:      &http.Client{Timeout: cfg.LongPollMaxWait + 10*time.Second},
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
	for _, frame := range frames {
		if err := t.c.post(t.ctx, frame); err != nil {
			return err
		}
	}
	return nil
}

func (t *clientTransport) Stop() { t.c.Stop() }

func (c *Client) post(ctx context.Context, frame []byte) error {
	backoff := adapter.Backoff{Base: c.cfg.ReconnectBaseDelay, Max: c.cfg.ReconnectMaxDelay}
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(frame))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set(PeerIDHeader, c.peerID)
		if c.BearerToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.BearerToken)
		}
		resp, err := c.http.Do(req)
		if err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return fmt.Errorf("polladapter: hard failure, status %d", resp.StatusCode)
			}
			if resp.StatusCode < 300 {
				return nil
			}
		}
		if backoff.Attempt() >= c.cfg.ReconnectMaxAttempts {
			return fmt.Errorf("polladapter: post retries exhausted: %w", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff.Next()):
		}
	}
}

// Start attaches the channel and begins the poll loop.
func (c *Client) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	conduit := adapter.NewConduit(c.cfg.FragmentThreshold, c.cfg.FragmentTimeout)
	tr := &clientTransport{c: c, ctx: ctx, conduit: conduit}
	c.runtime.AttachChannel(channel.New(c.chID, channel.KindNetwork, c.adapterID), tr)
	c.runtime.EstablishChannel(c.chID, true)

	go c.pollLoop(ctx)
	return nil
}

// Stop deregisters from the server and ends the poll loop. Idempotent.
func (c *Client) Stop() error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	// Best-effort deregistration; the server keeps a session until a
	// DELETE arrives, its channel is stopped, or the server stops.
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+"?peerId="+c.peerID, nil)
	if err == nil {
		if c.BearerToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.BearerToken)
		}
		if resp, err := c.http.Do(req); err == nil {
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}
	}
	c.runtime.RemoveChannel(c.chID)
	return nil
}

func (c *Client) pollLoop(ctx context.Context) {
	backoff := adapter.Backoff{Base: c.cfg.ReconnectBaseDelay, Max: c.cfg.ReconnectMaxDelay}
	waitMs := strconv.FormatInt(c.cfg.LongPollMaxWait.Milliseconds(), 10)

	for ctx.Err() == nil {
		url := c.baseURL + "?peerId=" + c.peerID + "&wait=" + waitMs
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return
		}
		if c.BearerToken != "" {
			req.Header.Set("Authorization", "Bearer "+c.BearerToken)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if backoff.Attempt() >= c.cfg.ReconnectMaxAttempts {
				c.log.Warn("long-poll reconnect budget exhausted", zap.String("url", c.baseURL))
				c.runtime.RemoveChannel(c.chID)
				return
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff.Next()):
			}
			continue
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil || resp.StatusCode >= 400 {
			continue
		}
		backoff.Reset()

		var result PollResult
		if err := json.Unmarshal(body, &result); err != nil {
			c.log.Warn("bad poll response", zap.Error(err))
			continue
		}
		msgs, err := protocol.UnmarshalJSONBatch(result.Messages)
		if err != nil {
			c.log.Warn("bad poll batch", zap.Error(err))
			continue
		}
		for _, m := range msgs {
			c.runtime.Deliver(c.chID, m)
		}
	}
}
