package relayserver_test

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmur/internal/domain"
	"murmur/internal/protocol/wire"
	"murmur/internal/relay"
	"murmur/internal/relayserver"
)

const (
	alice = domain.Handle("AB3K9")
	bob   = domain.Handle("ZQ7M2")
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func startRelay(t *testing.T, cfg relayserver.Config) string {
	t.Helper()
	srv, err := relayserver.New(cfg, quietLogger())
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		_ = srv.Close()
	})
	return hs.URL
}

// account registers h and returns an authenticated client.
func account(t *testing.T, base string, h domain.Handle) *relay.HTTP {
	t.Helper()
	ctx := context.Background()
	c := relay.NewHTTP(base, nil)
	res, err := c.Register(ctx, domain.Registration{Handle: h, PublicKey: domain.X25519Public{h[0]}, DisplayName: string(h)})
	require.NoError(t, err)
	require.Equal(t, h, res.Handle)
	_, err = c.Authenticate(ctx, domain.Credentials{Handle: h, Secret: res.Secret})
	require.NoError(t, err)
	return c
}

type sessionTokens struct{ c *relay.HTTP }

func (s sessionTokens) Token(context.Context) (string, error) {
	sess, _ := s.c.Session()
	return sess.Token, nil
}

func (s sessionTokens) Refresh(ctx context.Context) (string, error) { return s.Token(ctx) }

func openChannel(t *testing.T, base string, c *relay.HTTP, h relay.Handlers) *relay.Channel {
	t.Helper()
	ch := relay.NewChannel(relay.ChannelConfig{Base: base, Logger: quietLogger()}, sessionTokens{c}, h)
	t.Cleanup(ch.Close)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, ch.Open(ctx))
	return ch
}

func envelope(id string, from, to domain.Handle) domain.Envelope {
	return domain.Envelope{
		ID:         domain.MessageID(id),
		From:       from,
		To:         to,
		Kind:       domain.KindMessage,
		Ciphertext: []byte("opaque-" + id),
		Timestamp:  time.Now().UnixMilli(),
	}
}

func TestQueuedMessageDeliveredOnceWithReceipt(t *testing.T) {
	base := startRelay(t, relayserver.Config{})
	aliceHTTP := account(t, base, alice)
	bobHTTP := account(t, base, bob)

	receipts := make(chan domain.MessageID, 4)
	presence := make(chan wire.Presence, 4)
	aliceCh := openChannel(t, base, aliceHTTP, relay.Handlers{
		OnReceipt: func(id domain.MessageID, from domain.Handle) {
			if from == bob {
				receipts <- id
			}
		},
		OnPresence: func(p wire.Presence) { presence <- p },
	})

	ctx := context.Background()
	status, err := aliceCh.SendEnvelope(ctx, envelope("m1", alice, bob))
	require.NoError(t, err)
	assert.Equal(t, domain.AckQueued, status)

	got := make(chan domain.Envelope, 4)
	bobCh := openChannel(t, base, bobHTTP, relay.Handlers{
		OnEnvelope: func(_ context.Context, env domain.Envelope) { got <- env },
	})

	select {
	case env := <-got:
		assert.Equal(t, domain.MessageID("m1"), env.ID)
		assert.Equal(t, alice, env.From)
		assert.Equal(t, []byte("opaque-m1"), env.Ciphertext)
		require.NoError(t, bobCh.SendDeliveryAck(ctx, env.ID, env.From))
	case <-time.After(5 * time.Second):
		t.Fatal("queued message not delivered")
	}

	select {
	case id := <-receipts:
		assert.Equal(t, domain.MessageID("m1"), id)
	case <-time.After(5 * time.Second):
		t.Fatal("delivery receipt not forwarded")
	}

	select {
	case p := <-presence:
		assert.Equal(t, bob, p.Handle)
		assert.True(t, p.IsOnline)
	case <-time.After(5 * time.Second):
		t.Fatal("no presence update")
	}

	// Bob is live now, so the next message is delivered directly.
	status, err = aliceCh.SendEnvelope(ctx, envelope("m2", alice, bob))
	require.NoError(t, err)
	assert.Equal(t, domain.AckDelivered, status)
	select {
	case env := <-got:
		assert.Equal(t, domain.MessageID("m2"), env.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("live message not delivered")
	}

	// Nothing is left for the HTTP fallback.
	pending, err := bobHTTP.FetchPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Empty(t, got)
}

func TestHTTPFallbackQueuesAndDrains(t *testing.T) {
	base := startRelay(t, relayserver.Config{})
	aliceHTTP := account(t, base, alice)
	bobHTTP := account(t, base, bob)
	ctx := context.Background()

	for _, id := range []string{"m1", "m2"} {
		status, err := aliceHTTP.SendMessage(ctx, envelope(id, alice, bob))
		require.NoError(t, err)
		assert.Equal(t, domain.AckQueued, status)
	}

	pending, err := bobHTTP.FetchPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, domain.MessageID("m1"), pending[0].ID)
	assert.Equal(t, domain.MessageID("m2"), pending[1].ID)
	assert.Equal(t, alice, pending[0].From)

	pending, err = bobHTTP.FetchPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSenderIsTakenFromSession(t *testing.T) {
	base := startRelay(t, relayserver.Config{})
	aliceHTTP := account(t, base, alice)
	bobHTTP := account(t, base, bob)
	ctx := context.Background()

	_, err := aliceHTTP.SendMessage(ctx, envelope("m1", "ZZZZZ", bob))
	require.NoError(t, err)

	pending, err := bobHTTP.FetchPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, alice, pending[0].From)
}

func TestUnknownRecipient(t *testing.T) {
	base := startRelay(t, relayserver.Config{})
	aliceHTTP := account(t, base, alice)

	_, err := aliceHTTP.SendMessage(context.Background(), envelope("m1", alice, bob))
	assert.ErrorIs(t, err, domain.ErrRegistryLookupFailed)
}

func TestMessageRateLimit(t *testing.T) {
	base := startRelay(t, relayserver.Config{MessageRate: 0.001, MessageBurst: 1})
	aliceHTTP := account(t, base, alice)
	account(t, base, bob)
	ctx := context.Background()

	_, err := aliceHTTP.SendMessage(ctx, envelope("m1", alice, bob))
	require.NoError(t, err)
	_, err = aliceHTTP.SendMessage(ctx, envelope("m2", alice, bob))
	assert.ErrorIs(t, err, domain.ErrRateLimited)
}

func TestLookupAndSearch(t *testing.T) {
	base := startRelay(t, relayserver.Config{})
	aliceHTTP := account(t, base, alice)
	account(t, base, bob)
	ctx := context.Background()

	peer, err := aliceHTTP.LookupUser(ctx, "zq7m2")
	require.NoError(t, err)
	assert.Equal(t, bob, peer.Handle)
	assert.Equal(t, domain.X25519Public{bob[0]}, peer.PublicKey)
	assert.False(t, peer.Online)

	_, err = aliceHTTP.LookupUser(ctx, "ZZZZZ")
	assert.ErrorIs(t, err, domain.ErrRegistryLookupFailed)

	found, err := aliceHTTP.SearchUsers(ctx, "zq")
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, bob, found[0].Handle)
}

func TestDuplicateHandleRejected(t *testing.T) {
	base := startRelay(t, relayserver.Config{})
	account(t, base, alice)

	_, err := relay.NewHTTP(base, nil).Register(context.Background(),
		domain.Registration{Handle: alice, PublicKey: domain.X25519Public{7}})
	assert.ErrorIs(t, err, domain.ErrHandleTaken)
}

func TestBadCredentials(t *testing.T) {
	base := startRelay(t, relayserver.Config{})
	account(t, base, alice)

	_, err := relay.NewHTTP(base, nil).Authenticate(context.Background(),
		domain.Credentials{Handle: alice, Secret: "guess"})
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
}

func TestObjectsOverHTTP(t *testing.T) {
	base := startRelay(t, relayserver.Config{})
	aliceHTTP := account(t, base, alice)
	bobHTTP := account(t, base, bob)
	ctx := context.Background()

	key := domain.MessageObjectKey(bob, time.UnixMilli(42), "m1")
	require.NoError(t, aliceHTTP.PutObject(ctx, domain.StoredObject{Key: key, Blob: []byte("sealed")}))

	prefix := domain.ObjectPrefix(domain.MessagesNamespace, bob)
	_, err := aliceHTTP.ListObjects(ctx, prefix)
	assert.Error(t, err)

	objs, err := bobHTTP.ListObjects(ctx, prefix)
	require.NoError(t, err)
	require.Len(t, objs, 1)
	assert.Equal(t, key, objs[0].Key)
	assert.Equal(t, alice, objs[0].Sender)

	obj, err := bobHTTP.GetObject(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed"), obj.Blob)

	require.NoError(t, bobHTTP.DeleteObject(ctx, key))
	objs, err = bobHTTP.ListObjects(ctx, prefix)
	require.NoError(t, err)
	assert.Empty(t, objs)
}

func TestSecondChannelSupersedesFirst(t *testing.T) {
	base := startRelay(t, relayserver.Config{})
	bobHTTP := account(t, base, bob)

	first := openChannel(t, base, bobHTTP, relay.Handlers{})
	require.True(t, first.Connected())
	second := openChannel(t, base, bobHTTP, relay.Handlers{})

	assert.Eventually(t, func() bool { return !first.Connected() }, 5*time.Second, 20*time.Millisecond)
	assert.True(t, second.Connected())
}

func TestSocketPingAnsweredWithPong(t *testing.T) {
	base := startRelay(t, relayserver.Config{})
	bobHTTP := account(t, base, bob)
	sess, ok := bobHTTP.Session()
	require.True(t, ok)

	conn, _, err := websocket.DefaultDialer.Dial(relay.SocketURL(base), nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	send := func(p wire.Payload) {
		b, err := wire.Encode(p)
		require.NoError(t, err)
		require.NoError(t, conn.WriteMessage(websocket.TextMessage, b))
	}
	recv := func() wire.Payload {
		_, b, err := conn.ReadMessage()
		require.NoError(t, err)
		p, err := wire.Decode(b)
		require.NoError(t, err)
		return p
	}

	send(wire.Ping{})
	assert.Equal(t, wire.TypeError, recv().FrameType(), "ping before auth is refused")

	send(wire.Auth{Token: sess.Token})
	assert.Equal(t, wire.Auth{Handle: bob}, recv())
	send(wire.Ping{})
	assert.Equal(t, wire.Pong{}, recv())
}

func TestPresenceOfflineOnClose(t *testing.T) {
	base := startRelay(t, relayserver.Config{})
	aliceHTTP := account(t, base, alice)
	bobHTTP := account(t, base, bob)

	presence := make(chan wire.Presence, 8)
	openChannel(t, base, aliceHTTP, relay.Handlers{OnPresence: func(p wire.Presence) { presence <- p }})
	bobCh := openChannel(t, base, bobHTTP, relay.Handlers{})

	next := func() wire.Presence {
		select {
		case p := <-presence:
			return p
		case <-time.After(5 * time.Second):
			t.Fatal("no presence update")
			return wire.Presence{}
		}
	}
	p := next()
	assert.Equal(t, bob, p.Handle)
	assert.True(t, p.IsOnline)

	bobCh.Close()
	p = next()
	assert.Equal(t, bob, p.Handle)
	assert.False(t, p.IsOnline)
	assert.NotZero(t, p.LastSeen)
}

func TestTypingNeverQueued(t *testing.T) {
	base := startRelay(t, relayserver.Config{})
	aliceHTTP := account(t, base, alice)
	bobHTTP := account(t, base, bob)
	ctx := context.Background()

	aliceCh := openChannel(t, base, aliceHTTP, relay.Handlers{})
	typing := envelope("t1", alice, bob)
	typing.Kind = domain.KindTyping
	require.NoError(t, aliceCh.SendTyping(ctx, typing))
	// Frames are handled in order, so the typing frame is settled once the
	// message is acknowledged.
	status, err := aliceCh.SendEnvelope(ctx, envelope("m1", alice, bob))
	require.NoError(t, err)
	assert.Equal(t, domain.AckQueued, status)

	got := make(chan domain.Envelope, 4)
	openChannel(t, base, bobHTTP, relay.Handlers{
		OnEnvelope: func(_ context.Context, env domain.Envelope) { got <- env },
	})
	select {
	case env := <-got:
		assert.Equal(t, domain.MessageID("m1"), env.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("queued message not delivered")
	}
	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, got, "typing is not replayed")

	pending, err := bobHTTP.FetchPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
