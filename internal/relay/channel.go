package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"murmur/internal/domain"
	"murmur/internal/protocol/api"
	"murmur/internal/protocol/wire"
)

// ReconnectPolicy bounds the exponential backoff between reconnect attempts.
type ReconnectPolicy struct {
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Multiplier      float64       `yaml:"multiplier"`
	MaxAttempts     int           `yaml:"max_attempts"`
}

// DefaultReconnectPolicy is 500ms doubling up to 30s, eight attempts.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		Multiplier:      2,
		MaxAttempts:     8,
	}
}

// TokenSource hands the channel a session token for the auth frame.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	// Refresh obtains a new token after the relay rejected the current one.
	Refresh(ctx context.Context) (string, error)
}

// Handlers receive inbound traffic. They are called in arrival order from a
// single dispatcher goroutine, so a handler may call back into the channel.
type Handlers struct {
	// OnEnvelope gets message, read-receipt and typing envelopes.
	OnEnvelope func(ctx context.Context, env domain.Envelope)
	// OnReceipt gets delivery receipts forwarded from recipients.
	OnReceipt  func(id domain.MessageID, from domain.Handle)
	OnPresence func(p wire.Presence)
	// OnState reports authenticated (true) and disconnected (false).
	OnState func(connected bool)
}

// ChannelConfig configures a Channel.
type ChannelConfig struct {
	// Base is the relay's HTTP base URL; the socket URL is derived from it.
	Base         string
	Reconnect    ReconnectPolicy
	PingInterval time.Duration
	// StableAfter is how long a connection must stay up before a drop
	// starts the backoff over. Defaults to PingInterval.
	StableAfter time.Duration
	Dialer      *websocket.Dialer
	// Allow gates reconnects; typically "device online and identity unlocked".
	Allow  func() bool
	Logger *logrus.Logger
}

type ackResult struct {
	status domain.AckStatus
	err    error
}

// Channel is the client end of the relay's live socket.
//
// Open dials and authenticates. When the socket drops, the channel schedules
// reconnects on a timer it owns, using exponential backoff bounded by
// MaxAttempts, and only while Allow reports true. The attempt count and the
// backoff only start over once a connection has stayed up for StableAfter.
// Close cancels the timer and waits for any in-flight callback, so nothing
// fires after it returns.
type Channel struct {
	cfg      ChannelConfig
	tokens   TokenSource
	handlers Handlers
	log      *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	conn       *websocket.Conn
	connected  bool
	since      time.Time
	closed     bool
	superseded bool
	timer      *time.Timer
	bo         *backoff.ExponentialBackOff
	attempts   int
	waiters    map[domain.MessageID]chan ackResult

	writeMu sync.Mutex
	inbound chan wire.Payload
}

// NewChannel returns a channel that has not dialled yet.
func NewChannel(cfg ChannelConfig, tokens TokenSource, h Handlers) *Channel {
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect = DefaultReconnectPolicy()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.StableAfter <= 0 {
		cfg.StableAfter = cfg.PingInterval
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if cfg.Allow == nil {
		cfg.Allow = func() bool { return true }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.New()
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = cfg.Reconnect.InitialInterval
	bo.MaxInterval = cfg.Reconnect.MaxInterval
	bo.Multiplier = cfg.Reconnect.Multiplier
	bo.MaxElapsedTime = 0
	bo.Reset()

	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		cfg:      cfg,
		tokens:   tokens,
		handlers: h,
		log:      logger.WithField("component", "channel"),
		ctx:      ctx,
		cancel:   cancel,
		bo:       bo,
		waiters:  make(map[domain.MessageID]chan ackResult),
		inbound:  make(chan wire.Payload, 256),
	}
	c.wg.Add(1)
	go c.dispatch()
	return c
}

// SocketURL turns an http(s) base URL into the relay's ws(s) endpoint.
func SocketURL(base string) string {
	u := strings.TrimRight(base, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + api.PathSocket
}

// Open dials and authenticates. A failure is returned to the caller and
// does not schedule a reconnect.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("channel closed")
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.connect(ctx)
}

// Connected reports whether the socket is open and authenticated.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Reconnect resets the backoff and, if the socket is down, tries again now.
// It is used when the device regains connectivity.
func (c *Channel) Reconnect() {
	c.mu.Lock()
	if c.closed || c.connected {
		c.mu.Unlock()
		return
	}
	c.bo.Reset()
	c.attempts = 0
	c.superseded = false
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()
	c.schedule(0)
}

// Close stops reconnecting, closes the socket and waits for the reader,
// the dispatcher and any reconnect callback to return. It is idempotent.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	conn := c.conn
	c.mu.Unlock()

	c.cancel()
	if conn != nil {
		c.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = conn.Close()
	}
	c.wg.Wait()
}

// SendEnvelope sends a message frame and waits for the relay's ack.
func (c *Channel) SendEnvelope(ctx context.Context, env domain.Envelope) (domain.AckStatus, error) {
	ch := make(chan ackResult, 1)
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return "", fmt.Errorf("channel: %w", domain.ErrTransportUnavailable)
	}
	c.waiters[env.ID] = ch
	c.mu.Unlock()

	if err := c.write(wire.FromEnvelope(env)); err != nil {
		c.dropWaiter(env.ID)
		return "", err
	}

	select {
	case res := <-ch:
		return res.status, res.err
	case <-ctx.Done():
		c.dropWaiter(env.ID)
		return "", ctx.Err()
	case <-c.ctx.Done():
		c.dropWaiter(env.ID)
		return "", fmt.Errorf("channel: %w", domain.ErrTransportUnavailable)
	}
}

// SendTyping forwards a typing envelope; the relay never queues it.
func (c *Channel) SendTyping(_ context.Context, env domain.Envelope) error {
	if !c.Connected() {
		return fmt.Errorf("channel: %w", domain.ErrTransportUnavailable)
	}
	return c.write(wire.TypingFromEnvelope(env))
}

// SendDeliveryAck tells the relay that id reached this device so it can
// notify the original sender.
func (c *Channel) SendDeliveryAck(_ context.Context, id domain.MessageID, to domain.Handle) error {
	if !c.Connected() {
		return fmt.Errorf("channel: %w", domain.ErrTransportUnavailable)
	}
	return c.write(wire.Ack{MessageID: id, Status: domain.AckDelivered, ToHandle: to})
}

// Ping sends a keepalive frame.
func (c *Channel) Ping() error { return c.write(wire.Ping{}) }

func (c *Channel) connect(ctx context.Context) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}
	conn, _, err := c.cfg.Dialer.DialContext(ctx, SocketURL(c.cfg.Base), http.Header{})
	if err != nil {
		return fmt.Errorf("channel dial: %w: %v", domain.ErrTransportUnavailable, err)
	}
	conn.SetReadLimit(wire.MaxFrameBytes)

	handle, err := c.authenticate(ctx, conn, token)
	if err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return errors.New("channel closed")
	}
	c.conn = conn
	c.connected = true
	c.since = time.Now()
	c.wg.Add(2)
	c.mu.Unlock()

	go c.readLoop(conn)
	go c.pingLoop(conn)

	c.log.WithField("handle", handle).Info("live channel authenticated")
	c.emit(stateEvent{connected: true})
	return nil
}

// authenticate sends the auth frame and waits for the reply. A rejected
// token is refreshed once and retried on the same socket.
func (c *Channel) authenticate(ctx context.Context, conn *websocket.Conn, token string) (domain.Handle, error) {
	for attempt := 0; ; attempt++ {
		if err := writeFrame(conn, wire.Auth{Token: token}); err != nil {
			return "", fmt.Errorf("channel auth: %w: %v", domain.ErrTransportUnavailable, err)
		}
		deadline := time.Now().Add(10 * time.Second)
		if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
			deadline = d
		}
		_ = conn.SetReadDeadline(deadline)
		_, b, err := conn.ReadMessage()
		if err != nil {
			return "", fmt.Errorf("channel auth: %w: %v", domain.ErrTransportUnavailable, err)
		}
		_ = conn.SetReadDeadline(time.Time{})

		p, err := wire.Decode(b)
		if err != nil {
			return "", fmt.Errorf("channel auth: %w", err)
		}
		switch v := p.(type) {
		case wire.Auth:
			return v.Handle, nil
		case wire.Error:
			if v.Code != wire.CodeAuthFailed || attempt > 0 {
				return "", fmt.Errorf("channel auth: %w: %v", domain.ErrNotAuthenticated, v)
			}
			c.log.Info("relay rejected session token, refreshing")
			if token, err = c.tokens.Refresh(ctx); err != nil {
				return "", err
			}
		default:
			return "", fmt.Errorf("channel auth: unexpected %s frame", p.FrameType())
		}
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	for {
		_ = conn.SetReadDeadline(time.Now().Add(3 * c.cfg.PingInterval))
		_, b, err := conn.ReadMessage()
		if err != nil {
			c.disconnected(conn, err)
			return
		}
		p, err := wire.Decode(b)
		if err != nil {
			c.log.WithError(err).Warn("dropping bad frame")
			continue
		}
		switch v := p.(type) {
		case wire.Ack:
			if v.FromHandle == "" {
				c.resolve(v.MessageID, ackResult{status: v.Status})
				continue
			}
		case wire.Error:
			if v.MessageID != "" {
				c.resolve(v.MessageID, ackResult{err: frameError(v)})
				continue
			}
			if v.Code == wire.CodeSuperseded {
				c.log.Warn("session taken over by another connection")
				c.mu.Lock()
				c.closedByPeer(conn)
				c.mu.Unlock()
			}
		case wire.Ping:
			if err := c.write(wire.Pong{}); err != nil {
				c.log.WithError(err).Debug("pong failed")
			}
			continue
		case wire.Pong:
			continue
		}
		c.emit(p)
	}
}

func (c *Channel) pingLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-t.C:
			c.mu.Lock()
			current := c.conn == conn && c.connected
			c.mu.Unlock()
			if !current {
				return
			}
			if err := c.Ping(); err != nil {
				return
			}
		}
	}
}

// closedByPeer stops the channel from reconnecting after the relay handed
// the session to another connection. Called with mu held.
func (c *Channel) closedByPeer(conn *websocket.Conn) {
	if c.conn == conn {
		c.superseded = true
	}
}

func (c *Channel) disconnected(conn *websocket.Conn, cause error) {
	c.mu.Lock()
	if c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.connected = false
	if time.Since(c.since) >= c.cfg.StableAfter {
		c.attempts = 0
		c.bo.Reset()
	}
	waiters := c.waiters
	c.waiters = make(map[domain.MessageID]chan ackResult)
	closed := c.closed
	c.mu.Unlock()

	_ = conn.Close()
	for _, w := range waiters {
		w <- ackResult{err: fmt.Errorf("channel: %w", domain.ErrTransportUnavailable)}
	}
	if closed {
		return
	}
	c.log.WithError(cause).Info("live channel lost")
	c.emit(stateEvent{connected: false})
	c.schedule(-1)
}

// schedule arms the reconnect timer. A negative delay means "next backoff".
func (c *Channel) schedule(delay time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.connected || c.superseded || !c.cfg.Allow() {
		return
	}
	if delay < 0 {
		if c.attempts >= c.cfg.Reconnect.MaxAttempts {
			c.log.WithField("attempts", c.attempts).Warn("giving up reconnecting")
			return
		}
		delay = c.bo.NextBackOff()
	}
	c.attempts++
	attempt := c.attempts
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(delay, func() { c.fire(attempt) })
}

// fire runs on the timer goroutine. The closed check and wg.Add happen under
// mu, so Close either sees the callback registered or the callback sees
// closed.
func (c *Channel) fire(attempt int) {
	c.mu.Lock()
	if c.closed || c.connected || c.superseded || !c.cfg.Allow() {
		c.mu.Unlock()
		return
	}
	c.wg.Add(1)
	c.mu.Unlock()
	defer c.wg.Done()

	c.log.WithField("attempt", attempt).Debug("reconnecting")
	ctx, cancel := context.WithTimeout(c.ctx, 15*time.Second)
	err := c.connect(ctx)
	cancel()
	if err != nil {
		c.log.WithError(err).WithField("attempt", attempt).Info("reconnect failed")
		c.schedule(-1)
	}
}

func (c *Channel) resolve(id domain.MessageID, res ackResult) {
	c.mu.Lock()
	w, ok := c.waiters[id]
	delete(c.waiters, id)
	c.mu.Unlock()
	if ok {
		w <- res
	}
}

func (c *Channel) dropWaiter(id domain.MessageID) {
	c.mu.Lock()
	delete(c.waiters, id)
	c.mu.Unlock()
}

func (c *Channel) write(p wire.Payload) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("channel: %w", domain.ErrTransportUnavailable)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := writeFrame(conn, p); err != nil {
		return fmt.Errorf("channel write: %w: %v", domain.ErrTransportUnavailable, err)
	}
	return nil
}

func writeFrame(conn *websocket.Conn, p wire.Payload) error {
	b, err := wire.Encode(p)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}

// stateEvent is queued alongside frames so handlers see state changes in order.
type stateEvent struct{ connected bool }

func (stateEvent) FrameType() wire.Type { return "" }

func (c *Channel) emit(p wire.Payload) {
	select {
	case c.inbound <- p:
	case <-c.ctx.Done():
	}
}

func (c *Channel) dispatch() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case p := <-c.inbound:
			c.handle(p)
		}
	}
}

func (c *Channel) handle(p wire.Payload) {
	switch v := p.(type) {
	case wire.Message:
		if c.handlers.OnEnvelope != nil {
			c.handlers.OnEnvelope(c.ctx, v.Envelope())
		}
	case wire.Typing:
		if c.handlers.OnEnvelope != nil {
			c.handlers.OnEnvelope(c.ctx, v.Envelope())
		}
	case wire.Ack:
		if c.handlers.OnReceipt != nil && v.Status == domain.AckDelivered {
			c.handlers.OnReceipt(v.MessageID, v.FromHandle)
		}
	case wire.Presence:
		if c.handlers.OnPresence != nil {
			c.handlers.OnPresence(v)
		}
	case wire.Error:
		c.log.WithField("code", v.Code).Warn(v.Message)
	case stateEvent:
		if c.handlers.OnState != nil {
			c.handlers.OnState(v.connected)
		}
	}
}

func frameError(e wire.Error) error {
	if e.Code == wire.CodeRateLimited {
		return fmt.Errorf("%w: %s", domain.ErrRateLimited, e.Message)
	}
	return e
}

// Compile-time assertion that Channel implements domain.LiveChannel.
var _ domain.LiveChannel = (*Channel)(nil)
