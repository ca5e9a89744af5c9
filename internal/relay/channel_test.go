package relay_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmur/internal/domain"
	"murmur/internal/protocol/wire"
	"murmur/internal/relay"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// stubRelay speaks just enough of the socket protocol to drive a Channel.
type stubRelay struct {
	// rejects is how many auth frames get auth_failed before one is accepted.
	rejects int
	// drop closes the socket right after a successful auth.
	drop bool
	// supersede sends a superseded error after auth, then closes.
	supersede bool

	dials  atomic.Int32
	frames chan wire.Payload

	mu     sync.Mutex
	tokens []string
	times  []time.Time
}

func startStub(t *testing.T, s *stubRelay) string {
	t.Helper()
	s.frames = make(chan wire.Payload, 16)
	up := websocket.Upgrader{}
	hs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		s.dials.Add(1)
		s.mu.Lock()
		s.times = append(s.times, time.Now())
		rejects := s.rejects
		s.mu.Unlock()

		for n := 0; ; n++ {
			p, err := readFrame(conn)
			if err != nil {
				return
			}
			auth, ok := p.(wire.Auth)
			if !ok {
				return
			}
			s.mu.Lock()
			s.tokens = append(s.tokens, auth.Token)
			s.mu.Unlock()
			if n < rejects {
				_ = writeStub(conn, wire.Error{Code: wire.CodeAuthFailed, Message: "expired"})
				continue
			}
			break
		}
		if err := writeStub(conn, wire.Auth{Handle: "AB3K9"}); err != nil {
			return
		}
		switch {
		case s.drop:
			return
		case s.supersede:
			_ = writeStub(conn, wire.Error{Code: wire.CodeSuperseded, Message: "opened elsewhere"})
			return
		}
		_ = writeStub(conn, wire.Ping{})
		for {
			p, err := readFrame(conn)
			if err != nil {
				return
			}
			if _, ok := p.(wire.Ping); ok {
				_ = writeStub(conn, wire.Pong{})
			}
			s.frames <- p
		}
	}))
	t.Cleanup(hs.Close)
	return hs.URL
}

func (s *stubRelay) seenTokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

func (s *stubRelay) dialTimes() []time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Time(nil), s.times...)
}

func readFrame(conn *websocket.Conn) (wire.Payload, error) {
	_, b, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	return wire.Decode(b)
}

func writeStub(conn *websocket.Conn, p wire.Payload) error {
	b, err := wire.Encode(p)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, b)
}

type stubTokens struct{ refreshes atomic.Int32 }

func (s *stubTokens) Token(context.Context) (string, error) { return "first", nil }

func (s *stubTokens) Refresh(context.Context) (string, error) {
	s.refreshes.Add(1)
	return "second", nil
}

func fastPolicy(attempts int) relay.ReconnectPolicy {
	return relay.ReconnectPolicy{
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     20 * time.Millisecond,
		Multiplier:      2,
		MaxAttempts:     attempts,
	}
}

func newChannel(t *testing.T, cfg relay.ChannelConfig, tokens relay.TokenSource, h relay.Handlers) *relay.Channel {
	t.Helper()
	cfg.Logger = quietLogger()
	if tokens == nil {
		tokens = &stubTokens{}
	}
	ch := relay.NewChannel(cfg, tokens, h)
	t.Cleanup(ch.Close)
	return ch
}

func open(t *testing.T, ch *relay.Channel) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ch.Open(ctx))
}

func TestSocketURL(t *testing.T) {
	assert.Equal(t, "ws://localhost:8080/ws", relay.SocketURL("http://localhost:8080/"))
	assert.Equal(t, "wss://relay.example/ws", relay.SocketURL("https://relay.example"))
}

func TestChannelAnswersPingAndPongs(t *testing.T) {
	stub := &stubRelay{}
	base := startStub(t, stub)
	ch := newChannel(t, relay.ChannelConfig{Base: base, Reconnect: fastPolicy(3)}, nil, relay.Handlers{})
	open(t, ch)
	assert.True(t, ch.Connected())

	select {
	case p := <-stub.frames:
		assert.Equal(t, wire.Pong{}, p, "relay ping is answered")
	case <-time.After(5 * time.Second):
		t.Fatal("no pong")
	}

	require.NoError(t, ch.Ping())
	select {
	case p := <-stub.frames:
		assert.Equal(t, wire.Ping{}, p)
	case <-time.After(5 * time.Second):
		t.Fatal("no ping")
	}
}

func TestChannelRefreshesRejectedToken(t *testing.T) {
	stub := &stubRelay{rejects: 1}
	base := startStub(t, stub)
	tokens := &stubTokens{}
	ch := newChannel(t, relay.ChannelConfig{Base: base, Reconnect: fastPolicy(3)}, tokens, relay.Handlers{})

	open(t, ch)
	assert.Equal(t, []string{"first", "second"}, stub.seenTokens())
	assert.EqualValues(t, 1, tokens.refreshes.Load())
	assert.EqualValues(t, 1, stub.dials.Load(), "the retry reuses the socket")
}

func TestChannelGivesUpAfterSecondRejection(t *testing.T) {
	stub := &stubRelay{rejects: 2}
	base := startStub(t, stub)
	ch := newChannel(t, relay.ChannelConfig{Base: base, Reconnect: fastPolicy(3)}, nil, relay.Handlers{})

	err := ch.Open(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)
	assert.False(t, ch.Connected())
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, stub.dials.Load(), "a failed Open does not schedule reconnects")
}

func TestChannelReconnectAttemptsBounded(t *testing.T) {
	stub := &stubRelay{drop: true}
	base := startStub(t, stub)
	var states []bool
	var mu sync.Mutex
	ch := newChannel(t, relay.ChannelConfig{
		Base:         base,
		Reconnect:    fastPolicy(3),
		PingInterval: time.Second,
	}, nil, relay.Handlers{OnState: func(c bool) {
		mu.Lock()
		states = append(states, c)
		mu.Unlock()
	}})

	open(t, ch)
	// Each connection drops before it is stable, so the attempt count keeps
	// growing: the Open plus three reconnects.
	assert.Eventually(t, func() bool { return stub.dials.Load() == 4 }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(200 * time.Millisecond)
	assert.EqualValues(t, 4, stub.dials.Load())
	assert.False(t, ch.Connected())

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states)
	assert.True(t, states[0])
	assert.False(t, states[len(states)-1])
}

func TestChannelBackoffIsCapped(t *testing.T) {
	stub := &stubRelay{drop: true}
	base := startStub(t, stub)
	ch := newChannel(t, relay.ChannelConfig{
		Base: base,
		Reconnect: relay.ReconnectPolicy{
			InitialInterval: 20 * time.Millisecond,
			MaxInterval:     30 * time.Millisecond,
			Multiplier:      10,
			MaxAttempts:     4,
		},
		PingInterval: time.Second,
	}, nil, relay.Handlers{})

	open(t, ch)
	// Uncapped, the waits would be 20ms, 200ms, 2s and 20s.
	assert.Eventually(t, func() bool { return stub.dials.Load() == 5 }, 2*time.Second, 5*time.Millisecond)
	times := stub.dialTimes()
	require.Len(t, times, 5)
	for i := 2; i < len(times); i++ {
		assert.Less(t, times[i].Sub(times[i-1]), 500*time.Millisecond, "gap before dial %d", i)
	}
}

func TestChannelStableConnectionRestartsBackoff(t *testing.T) {
	stub := &stubRelay{drop: true}
	base := startStub(t, stub)
	ch := newChannel(t, relay.ChannelConfig{
		Base:        base,
		Reconnect:   fastPolicy(2),
		StableAfter: time.Nanosecond,
	}, nil, relay.Handlers{})

	open(t, ch)
	// Every connection counts as stable, so the two attempts are granted again
	// after each drop.
	assert.Eventually(t, func() bool { return stub.dials.Load() > 6 }, 5*time.Second, 5*time.Millisecond)
	ch.Close()
}

func TestChannelReconnectGatedByAllow(t *testing.T) {
	stub := &stubRelay{drop: true}
	base := startStub(t, stub)
	var allowed atomic.Bool
	ch := newChannel(t, relay.ChannelConfig{
		Base:         base,
		Reconnect:    fastPolicy(1),
		PingInterval: time.Second,
		Allow:        allowed.Load,
	}, nil, relay.Handlers{})

	open(t, ch)
	assert.Eventually(t, func() bool { return !ch.Connected() }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, stub.dials.Load(), "no reconnect while disallowed")

	allowed.Store(true)
	ch.Reconnect()
	assert.Eventually(t, func() bool { return stub.dials.Load() >= 2 }, 5*time.Second, 5*time.Millisecond)
}

func TestChannelNothingFiresAfterClose(t *testing.T) {
	stub := &stubRelay{drop: true}
	base := startStub(t, stub)
	ch := newChannel(t, relay.ChannelConfig{
		Base: base,
		Reconnect: relay.ReconnectPolicy{
			InitialInterval: 100 * time.Millisecond,
			MaxInterval:     time.Second,
			Multiplier:      2,
			MaxAttempts:     5,
		},
		PingInterval: time.Second,
	}, nil, relay.Handlers{})

	open(t, ch)
	assert.Eventually(t, func() bool { return !ch.Connected() }, 5*time.Second, time.Millisecond)
	ch.Close()
	ch.Close()

	time.Sleep(300 * time.Millisecond)
	assert.EqualValues(t, 1, stub.dials.Load())
	assert.Error(t, ch.Open(context.Background()))
}

func TestChannelSupersededDoesNotReconnect(t *testing.T) {
	stub := &stubRelay{supersede: true}
	base := startStub(t, stub)
	ch := newChannel(t, relay.ChannelConfig{
		Base:         base,
		Reconnect:    fastPolicy(3),
		PingInterval: time.Second,
	}, nil, relay.Handlers{})

	open(t, ch)
	assert.Eventually(t, func() bool { return !ch.Connected() }, 5*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.EqualValues(t, 1, stub.dials.Load())
}

func TestSendWhileDisconnected(t *testing.T) {
	ch := newChannel(t, relay.ChannelConfig{Base: "http://127.0.0.1:1"}, nil, relay.Handlers{})
	_, err := ch.SendEnvelope(context.Background(), domain.Envelope{ID: "m1"})
	assert.ErrorIs(t, err, domain.ErrTransportUnavailable)
	assert.ErrorIs(t, ch.SendTyping(context.Background(), domain.Envelope{ID: "t1"}), domain.ErrTransportUnavailable)
}
