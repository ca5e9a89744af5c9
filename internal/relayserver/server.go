package relayserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"murmur/internal/domain"
	"murmur/internal/platform/ratelimiter"
	"murmur/internal/protocol/wire"
)

// Config configures a relay server.
type Config struct {
	Listen  string `yaml:"listen"`
	DataDir string `yaml:"data_dir"` // empty keeps everything in memory

	SessionTTL  time.Duration `yaml:"session_ttl"`
	IdleTimeout time.Duration `yaml:"idle_timeout"` // live channel read deadline
	AuthTimeout time.Duration `yaml:"auth_timeout"` // time allowed before the auth frame

	MessageRate  float64 `yaml:"message_rate"` // messages per second per handle
	MessageBurst int     `yaml:"message_burst"`
	AuthRate     float64 `yaml:"auth_rate"` // register/authenticate per second per remote
	AuthBurst    int     `yaml:"auth_burst"`

	MaxPending    int   `yaml:"max_pending"` // queued frames per handle
	MaxFrameBytes int64 `yaml:"max_frame_bytes"`
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		Listen:        ":8080",
		SessionTTL:    24 * time.Hour,
		IdleTimeout:   90 * time.Second,
		AuthTimeout:   10 * time.Second,
		MessageRate:   20,
		MessageBurst:  40,
		AuthRate:      1,
		AuthBurst:     10,
		MaxPending:    10000,
		MaxFrameBytes: wire.MaxFrameBytes,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = d.SessionTTL
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = d.IdleTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = d.AuthTimeout
	}
	if c.MessageRate == 0 {
		c.MessageRate, c.MessageBurst = d.MessageRate, d.MessageBurst
	}
	if c.AuthRate == 0 {
		c.AuthRate, c.AuthBurst = d.AuthRate, d.AuthBurst
	}
	if c.MaxPending == 0 {
		c.MaxPending = d.MaxPending
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = d.MaxFrameBytes
	}
	return c
}

// Server is the relay. All state lives on the value; nothing is global.
type Server struct {
	cfg Config
	log *logrus.Logger
	now func() time.Time

	kv       *kvStore
	accounts *accounts
	sessions *sessions
	objects  *objects
	registry *registry
	metrics  *metrics

	msgLimiter  *ratelimiter.MapLimiter
	authLimiter *ratelimiter.MapLimiter

	upgrader websocket.Upgrader
	mux      *http.ServeMux

	connMu sync.Mutex
	live   map[*conn]struct{}
	wg     sync.WaitGroup
}

// New opens the relay's store and builds its handler. A negative rate in
// cfg disables that limiter.
func New(cfg Config, logger *logrus.Logger) (*Server, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logrus.New()
	}

	var dbPath string
	if cfg.DataDir != "" {
		if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
			return nil, fmt.Errorf("relay data dir: %w", err)
		}
		dbPath = filepath.Join(cfg.DataDir, "relay.db")
	}
	kv, err := openKV(dbPath)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:         cfg,
		log:         logger,
		now:         time.Now,
		kv:          kv,
		registry:    newRegistry(cfg.MaxPending),
		metrics:     newMetrics(),
		msgLimiter:  ratelimiter.New(cfg.MessageRate, cfg.MessageBurst, 0),
		authLimiter: ratelimiter.New(cfg.AuthRate, cfg.AuthBurst, 0),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Clients are native apps, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		live: make(map[*conn]struct{}),
	}
	clock := func() time.Time { return s.now() }
	s.accounts = newAccounts(kv, clock)
	s.sessions = newSessions(cfg.SessionTTL, clock)
	s.objects = newObjects(kv, clock)
	s.mux = s.routes()
	return s, nil
}

// Handler returns the HTTP handler serving the API, the socket and metrics.
func (s *Server) Handler() http.Handler { return s.accessLog(s.mux) }

// ListenAndServe serves on cfg.Listen until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.log.WithField("addr", s.cfg.Listen).Info("relay listening")

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := srv.Shutdown(shutdownCtx)
	s.closeConns()
	return err
}

// Close drops every live channel and closes the store.
func (s *Server) Close() error {
	s.closeConns()
	return s.kv.Close()
}

func (s *Server) closeConns() {
	s.connMu.Lock()
	conns := make([]*conn, 0, len(s.live))
	for c := range s.live {
		conns = append(conns, c)
	}
	s.connMu.Unlock()
	for _, c := range conns {
		c.close()
	}
	s.wg.Wait()
}

// serveSocket runs one live channel until it closes.
func (s *Server) serveSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied.
		return
	}
	ws.SetReadLimit(s.cfg.MaxFrameBytes)
	c := newConn(ws, remoteHost(r), s.log.WithField("component", "socket"))

	s.connMu.Lock()
	s.live[c] = struct{}{}
	s.wg.Add(1)
	s.connMu.Unlock()
	s.metrics.sockets.Inc()
	defer func() {
		s.connMu.Lock()
		delete(s.live, c)
		s.connMu.Unlock()
		s.metrics.sockets.Dec()
		s.wg.Done()
	}()

	written := make(chan struct{})
	go func() {
		c.writeLoop()
		close(written)
	}()

	s.readLoop(c)
	c.close()
	<-written
	s.release(c)
}

// readLoop processes frames until the socket fails. Before auth only an
// auth frame is accepted.
func (s *Server) readLoop(c *conn) {
	failures := 0
	for {
		timeout := s.cfg.IdleTimeout
		if c.Handle() == "" {
			timeout = s.cfg.AuthTimeout
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
		_, b, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.WithError(err).Debug("socket closed")
			}
			return
		}
		p, err := wire.Decode(b)
		if err != nil {
			c.enqueue(wire.Error{Code: wire.CodeBadFrame, Message: err.Error()})
			continue
		}
		s.metrics.frames.WithLabelValues(string(p.FrameType())).Inc()

		h := c.Handle()
		if h == "" {
			auth, ok := p.(wire.Auth)
			if !ok {
				c.enqueue(wire.Error{Code: wire.CodeUnauthorized, Message: "authenticate first"})
				continue
			}
			if s.attach(c, auth) {
				continue
			}
			if failures++; failures >= 3 {
				c.shutdown(wire.Error{Code: wire.CodeAuthFailed, Message: "too many failed attempts"})
				drain(c)
				return
			}
			continue
		}
		s.handleFrame(c, h, p)
	}
}

// attach validates the token and makes c the live connection for its
// handle, superseding any earlier one.
func (s *Server) attach(c *conn, auth wire.Auth) bool {
	h, err := s.sessions.Validate(auth.Token)
	if err != nil {
		s.metrics.authFailures.Inc()
		c.enqueue(wire.Error{Code: wire.CodeAuthFailed, Message: "invalid or expired session token"})
		return false
	}
	c.setHandle(h)
	log := c.log.WithField("handle", h)

	prev, ok := s.registry.Attach(h, c, wire.Auth{Handle: h})
	if !ok {
		c.setHandle("")
		return false
	}
	if prev != nil {
		log.Info("live channel superseded")
		prev.shutdown(wire.Error{Code: wire.CodeSuperseded, Message: "session opened on another connection"})
	} else {
		s.metrics.online.Inc()
		s.registry.Broadcast(h, wire.Presence{Handle: h, IsOnline: true})
	}
	if err := s.accounts.Touch(h); err != nil {
		log.WithError(err).Warn("touch last seen")
	}
	log.Info("live channel authenticated")
	return true
}

// release runs once both loops of c have stopped.
func (s *Server) release(c *conn) {
	h := c.Handle()
	if h == "" {
		return
	}
	if !s.registry.Release(h, c, c.takeOutbox()) {
		return
	}
	s.metrics.online.Dec()
	if err := s.accounts.Touch(h); err != nil {
		c.log.WithError(err).Warn("touch last seen")
	}
	s.registry.Broadcast(h, wire.Presence{Handle: h, IsOnline: false, LastSeen: s.now().UnixMilli()})
	c.log.WithField("handle", h).Info("live channel closed")
}

func (s *Server) handleFrame(c *conn, from domain.Handle, p wire.Payload) {
	switch v := p.(type) {
	case wire.Message:
		status, err := s.route(from, v)
		if err != nil {
			c.enqueue(wire.Error{Code: frameCode(err), Message: err.Error(), MessageID: v.ID})
			return
		}
		c.enqueue(wire.Ack{MessageID: v.ID, Status: status})
	case wire.Typing:
		to := domain.NormalizeHandle(v.ToHandle.String())
		if !to.Valid() || to == from || len(v.EncryptedContent) == 0 {
			return
		}
		v.ToHandle, v.FromHandle = to, from
		if v.Timestamp <= 0 {
			v.Timestamp = s.now().UnixMilli()
		}
		s.registry.SendLive(to, v)
	case wire.Ack:
		// A delivery receipt from the recipient, routed back to the sender.
		to := domain.NormalizeHandle(v.ToHandle.String())
		if !to.Valid() || v.MessageID == "" {
			c.enqueue(wire.Error{Code: wire.CodeBadFrame, Message: "receipt needs messageId and toHandle"})
			return
		}
		if _, err := s.registry.Deliver(to, wire.Ack{MessageID: v.MessageID, Status: domain.AckDelivered, FromHandle: from}); err != nil {
			c.log.WithError(err).Debug("receipt dropped")
		}
	case wire.Ping:
		c.enqueue(wire.Pong{})
	case wire.Pong:
	case wire.Auth:
		c.enqueue(wire.Error{Code: wire.CodeBadFrame, Message: "already authenticated"})
	default:
		c.enqueue(wire.Error{Code: wire.CodeBadFrame, Message: fmt.Sprintf("unexpected %s frame", p.FrameType())})
	}
}

// route validates a message from an authenticated sender and hands it to the
// recipient's live channel or queue. It serves both the socket and the HTTP
// fallback.
func (s *Server) route(from domain.Handle, m wire.Message) (domain.AckStatus, error) {
	if !s.msgLimiter.Allow(from.String(), s.now()) {
		s.metrics.rateLimited.WithLabelValues("message").Inc()
		return "", fmt.Errorf("%w: slow down", domain.ErrRateLimited)
	}
	if m.ID == "" || len(m.EncryptedContent) == 0 {
		return "", fmt.Errorf("%w: message needs id and content", domain.ErrMalformedPayload)
	}
	switch m.Kind {
	case "":
		m.Kind = domain.KindMessage
	case domain.KindMessage, domain.KindReadReceipt:
	default:
		return "", fmt.Errorf("%w: kind %q", domain.ErrMalformedPayload, m.Kind)
	}
	to := domain.NormalizeHandle(m.ToHandle.String())
	if !to.Valid() {
		return "", domain.ErrInvalidHandle
	}
	if _, err := s.accounts.Lookup(to); err != nil {
		return "", err
	}
	m.ToHandle, m.FromHandle = to, from
	if m.Timestamp <= 0 {
		m.Timestamp = s.now().UnixMilli()
	}

	delivered, err := s.registry.Deliver(to, m)
	if errors.Is(err, errQueueFull) {
		s.metrics.rateLimited.WithLabelValues("queue").Inc()
		return "", fmt.Errorf("%w: recipient queue full", domain.ErrRateLimited)
	}
	if err != nil {
		return "", err
	}
	status := domain.AckQueued
	if delivered {
		status = domain.AckDelivered
	}
	s.metrics.messages.WithLabelValues(string(status)).Inc()
	return status, nil
}

// drain discards input until the writer closes the socket.
func drain(c *conn) {
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

func frameCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrRateLimited):
		return wire.CodeRateLimited
	case errors.Is(err, domain.ErrInvalidHandle), errors.Is(err, domain.ErrRegistryLookupFailed):
		return wire.CodeInvalidHandle
	}
	return wire.CodeBadFrame
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
