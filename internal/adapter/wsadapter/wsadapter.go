// Package wsadapter is the WebSocket transport shell.
// Binary frames carry the one-byte framing scheme; text frames are
// reserved for transport-level tokens ("ping", "pong", "ready"). The
// client drives a typed connection state machine and reconnects with
// exponential backoff; the server side hands each upgraded connection
// to the runtime as a fresh channel.
package wsadapter

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/SchoolAI/loro-extended-sub004/internal/adapter"
	"github.com/SchoolAI/loro-extended-sub004/internal/auth"
	"github.com/SchoolAI/loro-extended-sub004/internal/channel"
	"github.com/SchoolAI/loro-extended-sub004/internal/config"
	"github.com/SchoolAI/loro-extended-sub004/internal/protocol"
)

const (
	tokenReady = "ready"
	tokenPing  = "ping"
	tokenPong  = "pong"
)

// State is the client's typed connection state. Ready is
// distinct from Connected: the client must not send application frames
// until the server's per-peer handlers exist, which the server signals
// with a "ready" text token.
type State interface {
	isWSState()
}

type Connecting struct{}

func (Connecting) isWSState() {}

type Connected struct{}

func (Connected) isWSState() {}

type Ready struct{}

func (Ready) isWSState() {}

type Reconnecting struct {
	Attempt int
	NextMs  int64
}

func (Reconnecting) isWSState() {}

type Disconnected struct {
	Reason string
}

func (Disconnected) isWSState() {}

// wsConn serializes writes to one websocket connection; gorilla
// connections allow only one concurrent writer.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) writeBinary(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *wsConn) writeText(token string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, []byte(token))
}

// clientTransport is the executor-facing send half of one client
// connection.
type clientTransport struct {
	conduit *adapter.Conduit
	conn    *wsConn
	stop    func()
}

func (t *clientTransport) Send(msgs []protocol.Msg) error {
	frames, err := t.conduit.EncodeFrames(msgs)
	if err != nil {
		return err
	}
	for _, f := range frames {
		if err := t.conn.writeBinary(f); err != nil {
			return err
		}
	}
	return nil
}

func (t *clientTransport) Stop() { t.stop() }

// Client dials a WebSocket endpoint and maintains one channel across
// reconnects, preserving the channelId while the remote identity is
// stable.
type Client struct {
	adapterID string
	endpoint  string
	runtime   adapter.Runtime
	cfg       config.Config
	log       *zap.Logger
	// BearerToken, when set, is sent as an Authorization header on the
	// upgrade request.
	BearerToken string

	mu     sync.Mutex
	state  State
	cancel context.CancelFunc
	chID   channel.ID
}

// NewClient builds a client for endpoint (a ws:// or wss:// URL).
func NewClient(adapterID, endpoint string, rt adapter.Runtime, cfg config.Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		adapterID: adapterID,
		endpoint:  endpoint,
		runtime:   rt,
		cfg:       cfg.Normalized(),
		log:       log,
		state:     Disconnected{Reason: "not started"},
		chID:      channel.ID(uuid.NewString()),
	}
}

func (c *Client) ID() string         { return c.adapterID }
func (c *Client) Kind() channel.Kind { return channel.KindNetwork }

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Start begins connection attempts. It returns immediately; the
// connect/reconnect loop runs until ctx is cancelled, Stop is called,
// or the attempt budget is exhausted.
func (c *Client) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	go c.loop(ctx)
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

func (c *Client) loop(ctx context.Context) {
	backoff := adapter.Backoff{Base: c.cfg.ReconnectBaseDelay, Max: c.cfg.ReconnectMaxDelay}

	for {
		if ctx.Err() != nil {
			c.setState(Disconnected{Reason: "stopped"})
			return
		}
		c.setState(Connecting{})

		header := http.Header{}
		if c.BearerToken != "" {
			header.Set("Authorization", "Bearer "+c.BearerToken)
		}
		dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
		conn, _, err := dialer.DialContext(ctx, c.endpoint, header)
		if err != nil {
			if !c.scheduleRetry(ctx, &backoff, err.Error()) {
				return
			}
			continue
		}

		backoff.Reset()
		c.setState(Connected{})
		reason := c.serve(ctx, conn)
		c.runtime.RemoveChannel(c.chID)
		if ctx.Err() != nil {
			c.setState(Disconnected{Reason: "stopped"})
			return
		}
		if !c.scheduleRetry(ctx, &backoff, reason) {
			return
		}
	}
}

// scheduleRetry sleeps out the next backoff delay. It returns false
// when the attempt budget is exhausted or ctx ended.
func (c *Client) scheduleRetry(ctx context.Context, b *adapter.Backoff, reason string) bool {
	if b.Attempt() >= c.cfg.ReconnectMaxAttempts {
		c.log.Warn("websocket reconnect budget exhausted", zap.String("endpoint", c.endpoint))
		c.setState(Disconnected{Reason: reason})
		return false
	}
	delay := b.Next()
	c.setState(Reconnecting{Attempt: b.Attempt(), NextMs: delay.Milliseconds()})
	select {
	case <-ctx.Done():
		c.setState(Disconnected{Reason: "stopped"})
		return false
	case <-time.After(delay):
		return true
	}
}

// serve runs one connection to completion and returns the close reason.
// The channel is only attached after the server's "ready" token so no
// application frame is sent before the server's per-peer handlers
// exist.
func (c *Client) serve(ctx context.Context, conn *websocket.Conn) string {
	defer conn.Close()

	wc := &wsConn{conn: conn}
	conduit := adapter.NewConduit(c.cfg.FragmentThreshold, c.cfg.FragmentTimeout)
	attached := false

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Sprintf("read: %v", err)
		}
		switch msgType {
		case websocket.TextMessage:
			switch string(data) {
			case tokenReady:
				if !attached {
					attached = true
					c.setState(Ready{})
					tr := &clientTransport{conduit: conduit, conn: wc, stop: func() { conn.Close() }}
					c.runtime.AttachChannel(channel.New(c.chID, channel.KindNetwork, c.adapterID), tr)
					c.runtime.EstablishChannel(c.chID, true)
				}
			case tokenPing:
				if err := wc.writeText(tokenPong); err != nil {
					return fmt.Sprintf("pong: %v", err)
				}
			}
		case websocket.BinaryMessage:
			msgs, err := conduit.DecodeFrame(data)
			if err != nil {
				c.log.Warn("corrupt frame dropped", zap.Error(err))
				continue
			}
			for _, m := range msgs {
				c.runtime.Deliver(c.chID, m)
			}
		}
	}
}

// Server upgrades HTTP requests to WebSocket connections and attaches
// each one to the runtime as a channel.
type Server struct {
	adapterID string
	runtime   adapter.Runtime
	cfg       config.Config
	log       *zap.Logger
	upgrader  websocket.Upgrader
	// Tokens, when non-nil, requires a valid bearer token on the
	// upgrade request.
	Tokens *auth.TokenManager

	mu    sync.Mutex
	conns map[channel.ID]*websocket.Conn
	done  bool
}

// NewServer builds a server shell. Mount Handler on an HTTP mux.
func NewServer(adapterID string, rt adapter.Runtime, cfg config.Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		adapterID: adapterID,
		runtime:   rt,
		cfg:       cfg.Normalized(),
		log:       log,
		upgrader:  websocket.Upgrader{ReadBufferSize: 4096, WriteBufferSize: 4096, CheckOrigin: func(*http.Request) bool { return true }},
		conns:     make(map[channel.ID]*websocket.Conn),
	}
}

func (s *Server) ID() string         { return s.adapterID }
func (s *Server) Kind() channel.Kind { return channel.KindNetwork }

// Start is a no-op for the server shell; connections arrive via the
// HTTP handler. It exists to satisfy the Adapter contract.
func (s *Server) Start(ctx context.Context) error { return nil }

// Stop closes every live connection.
func (s *Server) Stop() error {
	s.mu.Lock()
	s.done = true
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
	return nil
}

// Handler returns the http.Handler that upgrades requests.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.Tokens != nil {
			if _, err := auth.BearerClaims(s.Tokens, r); err != nil {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		go s.serve(conn)
	})
}

func (s *Server) serve(conn *websocket.Conn) {
	defer conn.Close()

	chID := channel.ID(uuid.NewString())
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.conns[chID] = conn
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, chID)
		s.mu.Unlock()
		s.runtime.RemoveChannel(chID)
	}()

	wc := &wsConn{conn: conn}
	conduit := adapter.NewConduit(s.cfg.FragmentThreshold, s.cfg.FragmentTimeout)
	tr := &clientTransport{conduit: conduit, conn: wc, stop: func() { conn.Close() }}
	s.runtime.AttachChannel(channel.New(chID, channel.KindNetwork, s.adapterID), tr)
	s.runtime.EstablishChannel(chID, false)

	// Handlers are registered; the client may now speak.
	if err := wc.writeText(tokenReady); err != nil {
		return
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.TextMessage:
			if string(data) == tokenPing {
				if err := wc.writeText(tokenPong); err != nil {
					return
				}
			}
		case websocket.BinaryMessage:
			msgs, err := conduit.DecodeFrame(data)
			if err != nil {
				s.log.Warn("corrupt frame dropped", zap.Error(err))
				continue
			}
			for _, m := range msgs {
				s.runtime.Deliver(chID, m)
			}
		}
	}
}
