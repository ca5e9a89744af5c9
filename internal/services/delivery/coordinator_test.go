package delivery_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmur/internal/domain"
	"murmur/internal/platform/netstate"
	"murmur/internal/protocol/envelope"
	"murmur/internal/services/delivery"
	"murmur/internal/services/directory"
	"murmur/internal/services/session"
	"murmur/internal/testutil"
)

type fakeLive struct {
	mu        sync.Mutex
	connected bool
	ack       domain.AckStatus
	err       error
	sent      []domain.Envelope
	typing    []domain.Envelope
}

func (f *fakeLive) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeLive) SendEnvelope(_ context.Context, env domain.Envelope) (domain.AckStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, env)
	return f.ack, nil
}

func (f *fakeLive) SendTyping(_ context.Context, env domain.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.typing = append(f.typing, env)
	return nil
}

func (f *fakeLive) SendDeliveryAck(context.Context, domain.MessageID, domain.Handle) error {
	return nil
}

type fakeHTTP struct {
	mu   sync.Mutex
	err  error
	sent []domain.Envelope
}

func (f *fakeHTTP) SendMessage(_ context.Context, env domain.Envelope) (domain.AckStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.sent = append(f.sent, env)
	return domain.AckQueued, nil
}

func (f *fakeHTTP) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeHTTP) ids() []domain.MessageID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.MessageID, len(f.sent))
	for i, e := range f.sent {
		out[i] = e.ID
	}
	return out
}

type fixture struct {
	alice, bob testutil.Peer
	net        *netstate.Monitor
	live       *fakeLive
	http       *fakeHTTP
	objects    *testutil.Objects
	records    *testutil.Records
	c          *delivery.Coordinator

	mu      sync.Mutex
	changes []domain.MessageState
}

func newFixture(t *testing.T, online bool) *fixture {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	f := &fixture{
		alice:   testutil.NewPeer(t, "AB3K9"),
		bob:     testutil.NewPeer(t, "ZQ7M2"),
		net:     netstate.New(online, logger),
		live:    &fakeLive{connected: true, ack: domain.AckDelivered},
		http:    &fakeHTTP{},
		objects: testutil.NewObjects(),
		records: testutil.NewRecords(),
	}
	dir := directory.New(testutil.NewRegistry(f.bob.Record()), f.records, logger)
	f.c = delivery.New(dir, session.NewStatic(f.alice), f.net, f.records,
		delivery.Transports{Live: f.live, HTTP: f.http, Objects: f.objects},
		delivery.Config{
			Self:   func() domain.Handle { return f.alice.Handle },
			Logger: logger,
			OnStatus: func(m domain.OutgoingMessage) {
				f.mu.Lock()
				f.changes = append(f.changes, m.State)
				f.mu.Unlock()
			},
		})
	t.Cleanup(f.c.Close)
	return f
}

func (f *fixture) stored(t *testing.T, id domain.MessageID) domain.StoredMessage {
	t.Helper()
	msgs, err := f.records.Messages(domain.ConversationWith(f.alice.Handle, f.bob.Handle))
	require.NoError(t, err)
	for _, m := range msgs {
		if m.ID == id {
			return m
		}
	}
	t.Fatalf("message %s not stored", id)
	return domain.StoredMessage{}
}

func (f *fixture) states() []domain.MessageState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.MessageState(nil), f.changes...)
}

func TestSendLiveDelivered(t *testing.T) {
	f := newFixture(t, true)

	res, err := f.c.Send(context.Background(), "zq7m2", "hello bob")
	require.NoError(t, err)
	assert.Equal(t, delivery.RouteLive, res.Route)
	assert.Equal(t, domain.AckDelivered, res.Ack)
	assert.Equal(t, domain.StateDelivered, res.State)
	require.Len(t, f.live.sent, 1)
	assert.Empty(t, f.http.ids())

	env := f.live.sent[0]
	assert.Equal(t, res.ID, env.ID)
	assert.Equal(t, f.alice.Handle, env.From)
	assert.Equal(t, f.bob.Handle, env.To)
	assert.NotContains(t, string(env.Ciphertext), "hello bob")

	// Bob can open it with alice's public key.
	pt, err := session.NewStatic(f.bob).Open(f.alice.Handle, f.alice.Keys.Public, env.Ciphertext, env.AssociatedData())
	require.NoError(t, err)
	p, err := envelope.Decode(pt)
	require.NoError(t, err)
	assert.Equal(t, "hello bob", p.Content)

	stored := f.stored(t, res.ID)
	assert.True(t, stored.Outgoing)
	assert.Equal(t, domain.StateDelivered, stored.State)
	assert.Equal(t, []domain.MessageState{domain.StateDelivered}, f.states())
}

func TestSendFallsBackOnTransportErrors(t *testing.T) {
	f := newFixture(t, true)
	f.live.err = fmt.Errorf("socket: %w", domain.ErrTransportUnavailable)
	f.http.setErr(fmt.Errorf("post: %w", domain.ErrTransportUnavailable))

	res, err := f.c.Send(context.Background(), f.bob.Handle, "via the store")
	require.NoError(t, err)
	assert.Equal(t, delivery.RouteStore, res.Route)
	assert.Equal(t, domain.AckQueued, res.Ack)
	assert.Equal(t, domain.StateSent, res.State)

	keys := f.objects.Keys()
	require.Len(t, keys, 1)
	assert.True(t, strings.HasPrefix(keys[0], domain.ObjectPrefix(domain.MessagesNamespace, f.bob.Handle)))
	assert.True(t, strings.HasSuffix(keys[0], "_"+res.ID.String()))

	obj, ok := f.objects.Get(keys[0])
	require.True(t, ok)
	assert.Equal(t, f.alice.Handle, obj.Sender)
	var env domain.Envelope
	require.NoError(t, json.Unmarshal(obj.Blob, &env))
	assert.Equal(t, res.ID, env.ID)
}

func TestSendDisconnectedSkipsLive(t *testing.T) {
	f := newFixture(t, true)
	f.live.connected = false

	res, err := f.c.Send(context.Background(), f.bob.Handle, "hi")
	require.NoError(t, err)
	assert.Equal(t, delivery.RouteHTTP, res.Route)
	assert.Equal(t, domain.StateSent, res.State)
	assert.Empty(t, f.live.sent)
}

func TestSendHardErrorStopsChain(t *testing.T) {
	f := newFixture(t, true)
	f.live.connected = false
	f.http.setErr(domain.ErrRateLimited)

	res, err := f.c.Send(context.Background(), f.bob.Handle, "too fast")
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, domain.StateFailed, res.State)
	assert.Empty(t, f.objects.Keys())

	m, ok := f.c.Message(res.ID)
	require.True(t, ok)
	assert.Equal(t, domain.StateFailed, m.State)
	assert.NotEmpty(t, m.LastError)
	assert.Equal(t, domain.StateFailed, f.stored(t, res.ID).State)
}

func TestSendEveryRouteDown(t *testing.T) {
	f := newFixture(t, true)
	f.live.err = domain.ErrTransportUnavailable
	f.http.setErr(domain.ErrTransportUnavailable)
	f.objects.PutErr = domain.ErrTransportUnavailable

	res, err := f.c.Send(context.Background(), f.bob.Handle, "nobody home")
	require.ErrorIs(t, err, domain.ErrTransportUnavailable)
	assert.Equal(t, domain.StateFailed, res.State)
}

func TestSendUnknownRecipient(t *testing.T) {
	f := newFixture(t, true)

	res, err := f.c.Send(context.Background(), "XY4P7", "who?")
	require.ErrorIs(t, err, domain.ErrRegistryLookupFailed)
	assert.Equal(t, domain.StateFailed, res.State)
	assert.Empty(t, f.live.sent)

	_, err = f.c.Send(context.Background(), "not a handle", "x")
	require.ErrorIs(t, err, domain.ErrInvalidHandle)
}

func TestRetryFailedMessage(t *testing.T) {
	f := newFixture(t, true)
	f.live.connected = false
	f.http.setErr(domain.ErrRateLimited)

	res, err := f.c.Send(context.Background(), f.bob.Handle, "again")
	require.Error(t, err)

	_, err = f.c.Retry(context.Background(), "missing")
	require.Error(t, err)

	f.http.setErr(nil)
	again, err := f.c.Retry(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateSent, again.State)

	m, _ := f.c.Message(res.ID)
	assert.Equal(t, 2, m.Attempts)
	assert.Empty(t, m.LastError)

	_, err = f.c.Retry(context.Background(), res.ID)
	require.Error(t, err, "only failed messages are retried")
}

func TestOfflineQueuesThenFlushesInOrder(t *testing.T) {
	f := newFixture(t, false)
	f.live.connected = false
	f.c.Start()

	var ids []domain.MessageID
	for i := range 3 {
		res, err := f.c.Send(context.Background(), f.bob.Handle, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
		assert.Equal(t, delivery.RoutePending, res.Route)
		assert.Equal(t, domain.AckQueued, res.Ack)
		assert.Equal(t, domain.StateSending, res.State)
		ids = append(ids, res.ID)
	}
	require.Len(t, f.c.Pending(), 3)
	assert.Empty(t, f.http.ids())

	f.net.Set(true)
	require.Eventually(t, func() bool { return len(f.http.ids()) == 3 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, ids, f.http.ids())
	assert.Empty(t, f.c.Pending())
	for _, id := range ids {
		m, ok := f.c.Message(id)
		require.True(t, ok)
		assert.Equal(t, domain.StateSent, m.State)
	}
}

func TestFlushStopsAtTransportFailure(t *testing.T) {
	f := newFixture(t, false)
	f.live.connected = false
	f.objects.PutErr = domain.ErrTransportUnavailable

	a, err := f.c.Send(context.Background(), f.bob.Handle, "first")
	require.NoError(t, err)
	b, err := f.c.Send(context.Background(), f.bob.Handle, "second")
	require.NoError(t, err)

	f.http.setErr(domain.ErrTransportUnavailable)
	f.net.Set(true)
	f.c.Flush(context.Background())

	pending := f.c.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, a.ID, pending[0].ID)
	assert.Equal(t, b.ID, pending[1].ID)
	assert.Equal(t, domain.StateSending, pending[0].State)
	assert.NotEmpty(t, pending[0].LastError)
	assert.NotContains(t, f.states(), domain.StateFailed)

	f.http.setErr(nil)
	f.c.Flush(context.Background())
	assert.Empty(t, f.c.Pending())
	assert.Equal(t, []domain.MessageID{a.ID, b.ID}, f.http.ids())
}

func TestSendWaitsBehindQueue(t *testing.T) {
	f := newFixture(t, false)
	f.live.connected = false
	f.http.setErr(domain.ErrTransportUnavailable)
	f.objects.PutErr = domain.ErrTransportUnavailable

	first, err := f.c.Send(context.Background(), f.bob.Handle, "first")
	require.NoError(t, err)
	f.net.Set(true)

	second, err := f.c.Send(context.Background(), f.bob.Handle, "second")
	require.NoError(t, err)
	assert.Equal(t, delivery.RoutePending, second.Route)

	f.http.setErr(nil)
	f.c.Flush(context.Background())
	assert.Equal(t, []domain.MessageID{first.ID, second.ID}, f.http.ids())
}

func TestReceiptsOnlyMoveForward(t *testing.T) {
	f := newFixture(t, true)
	f.live.ack = domain.AckQueued

	res, err := f.c.Send(context.Background(), f.bob.Handle, "hi")
	require.NoError(t, err)
	assert.Equal(t, domain.StateSent, res.State)

	f.c.OnRead(res.ID, f.bob.Handle, time.Now())
	f.c.OnDelivered(res.ID, f.bob.Handle)
	f.c.OnDelivered(res.ID, f.bob.Handle)

	m, _ := f.c.Message(res.ID)
	assert.Equal(t, domain.StateRead, m.State)
	assert.Equal(t, []domain.MessageState{domain.StateSent, domain.StateRead}, f.states())
	assert.Equal(t, domain.StateRead, f.stored(t, res.ID).State)
}

func TestReceiptFromOtherPeerIgnored(t *testing.T) {
	f := newFixture(t, true)
	f.live.ack = domain.AckQueued

	res, err := f.c.Send(context.Background(), f.bob.Handle, "hi")
	require.NoError(t, err)

	f.c.OnDelivered(res.ID, "XY4P7")
	m, _ := f.c.Message(res.ID)
	assert.Equal(t, domain.StateSent, m.State)
}

func TestReceiptForMessageFromEarlierRun(t *testing.T) {
	f := newFixture(t, true)
	conv := domain.ConversationWith(f.alice.Handle, f.bob.Handle)
	require.NoError(t, f.records.SaveMessage(domain.StoredMessage{
		ID:             "old",
		ConversationID: conv,
		From:           f.alice.Handle,
		To:             f.bob.Handle,
		Content:        "from yesterday",
		Outgoing:       true,
		State:          domain.StateSent,
	}))

	f.c.OnDelivered("old", f.bob.Handle)
	assert.Equal(t, domain.StateDelivered, f.stored(t, "old").State)

	f.c.OnDelivered("old", f.bob.Handle)
	f.c.OnRead("old", f.bob.Handle, time.Now())
	assert.Equal(t, domain.StateRead, f.stored(t, "old").State)
}

func TestResetFailsPending(t *testing.T) {
	f := newFixture(t, false)

	res, err := f.c.Send(context.Background(), f.bob.Handle, "never sent")
	require.NoError(t, err)

	f.c.Reset()
	assert.Empty(t, f.c.Pending())
	_, ok := f.c.Message(res.ID)
	assert.False(t, ok)
	assert.Equal(t, domain.StateFailed, f.stored(t, res.ID).State)
}

func TestSendTyping(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	require.NoError(t, f.c.SendTyping(ctx, f.bob.Handle, true))
	require.Len(t, f.live.typing, 1)
	assert.Equal(t, domain.KindTyping, f.live.typing[0].Kind)
	assert.Empty(t, f.objects.Keys())

	f.live.connected = false
	require.NoError(t, f.c.SendTyping(ctx, f.bob.Handle, false))
	obj, ok := f.objects.Get(domain.TypingObjectKey(f.bob.Handle, f.alice.Handle))
	require.True(t, ok)
	var env domain.Envelope
	require.NoError(t, json.Unmarshal(obj.Blob, &env))
	assert.Equal(t, domain.KindTyping, env.Kind)

	f.net.Set(false)
	err := f.c.SendTyping(ctx, f.bob.Handle, true)
	assert.True(t, errors.Is(err, domain.ErrTransportUnavailable))
}

func TestMarkReadSendsReceipt(t *testing.T) {
	f := newFixture(t, true)
	in := domain.InboundMessage{
		ID:             "m-from-bob",
		From:           f.bob.Handle,
		To:             f.alice.Handle,
		ConversationID: domain.ConversationWith(f.alice.Handle, f.bob.Handle),
	}

	require.NoError(t, f.c.MarkRead(context.Background(), in))
	require.Len(t, f.live.sent, 1)
	env := f.live.sent[0]
	assert.Equal(t, domain.KindReadReceipt, env.Kind)

	pt, err := session.NewStatic(f.bob).Open(f.alice.Handle, f.alice.Keys.Public, env.Ciphertext, env.AssociatedData())
	require.NoError(t, err)
	p, err := envelope.Decode(pt)
	require.NoError(t, err)
	assert.Equal(t, in.ID, envelope.ReceiptFor(p))
}
