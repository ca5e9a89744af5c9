package relayserver

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"murmur/internal/domain"
	"murmur/internal/protocol/wire"
)

const (
	alice = domain.Handle("AB3K9")
	bob   = domain.Handle("ZQ7M2")
)

func testConn() *conn {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return newConn(nil, "test", logrus.NewEntry(l))
}

func msg(id string) wire.Message {
	return wire.Message{ID: domain.MessageID(id), ToHandle: bob, FromHandle: alice, EncryptedContent: []byte(id)}
}

func TestDeliverQueuesUntilAttach(t *testing.T) {
	r := newRegistry(0)

	delivered, err := r.Deliver(bob, msg("m1"))
	require.NoError(t, err)
	assert.False(t, delivered)
	_, err = r.Deliver(bob, msg("m2"))
	require.NoError(t, err)
	assert.Equal(t, 2, r.PendingLen(bob))
	assert.False(t, r.Online(bob))

	c := testConn()
	prev, ok := r.Attach(bob, c, wire.Auth{Handle: bob})
	require.True(t, ok)
	assert.Nil(t, prev)
	assert.True(t, r.Online(bob))
	assert.Zero(t, r.PendingLen(bob))

	out := c.takeOutbox()
	require.Len(t, out, 3)
	assert.Equal(t, wire.Auth{Handle: bob}, out[0])
	assert.Equal(t, domain.MessageID("m1"), out[1].(wire.Message).ID)
	assert.Equal(t, domain.MessageID("m2"), out[2].(wire.Message).ID)

	delivered, err = r.Deliver(bob, msg("m3"))
	require.NoError(t, err)
	assert.True(t, delivered)
	assert.Len(t, c.takeOutbox(), 1)
}

func TestAttachSupersedesAndCarriesDurableFrames(t *testing.T) {
	r := newRegistry(0)
	first := testConn()
	_, ok := r.Attach(bob, first, wire.Auth{Handle: bob})
	require.True(t, ok)
	first.takeOutbox()

	_, _ = r.Deliver(bob, msg("m1"))
	r.SendLive(bob, wire.Typing{ID: "t1", ToHandle: bob})
	_, _ = r.Deliver(bob, wire.Ack{MessageID: "x", FromHandle: alice})

	second := testConn()
	prev, ok := r.Attach(bob, second, wire.Auth{Handle: bob})
	require.True(t, ok)
	assert.Same(t, first, prev)

	out := second.takeOutbox()
	require.Len(t, out, 3, "typing is not carried over")
	assert.IsType(t, wire.Auth{}, out[0])
	assert.IsType(t, wire.Message{}, out[1])
	assert.IsType(t, wire.Ack{}, out[2])

	// The superseded connection closing does not take the handle offline.
	assert.False(t, r.Release(bob, first, nil))
	assert.True(t, r.Online(bob))
}

func TestReleaseRequeuesUnsentAtFront(t *testing.T) {
	r := newRegistry(0)
	c := testConn()
	_, ok := r.Attach(bob, c, wire.Auth{Handle: bob})
	require.True(t, ok)
	c.takeOutbox()

	_, _ = r.Deliver(bob, msg("m1"))
	unsent := c.takeOutbox()
	c.close()

	assert.True(t, r.Release(bob, c, append(unsent, wire.Pong{})))
	assert.False(t, r.Online(bob))

	_, _ = r.Deliver(bob, msg("m2"))
	msgs := r.DrainMessages(bob)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.MessageID("m1"), msgs[0].ID)
	assert.Equal(t, domain.MessageID("m2"), msgs[1].ID)
}

func TestAttachClosedConnLeavesQueue(t *testing.T) {
	r := newRegistry(0)
	_, _ = r.Deliver(bob, msg("m1"))

	c := testConn()
	c.close()
	_, ok := r.Attach(bob, c, wire.Auth{Handle: bob})
	assert.False(t, ok)
	assert.False(t, r.Online(bob))
	assert.Equal(t, 1, r.PendingLen(bob))
}

func TestDrainMessagesKeepsReceipts(t *testing.T) {
	r := newRegistry(0)
	_, _ = r.Deliver(alice, wire.Ack{MessageID: "m0", FromHandle: bob})
	_, _ = r.Deliver(alice, msg("m1"))

	msgs := r.DrainMessages(alice)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, r.PendingLen(alice))
	assert.Empty(t, r.DrainMessages(alice))
}

func TestSendLiveDropsWhenOffline(t *testing.T) {
	r := newRegistry(0)
	assert.False(t, r.SendLive(bob, wire.Typing{ID: "t"}))
	assert.Zero(t, r.PendingLen(bob))
}

func TestPendingCap(t *testing.T) {
	r := newRegistry(1)
	_, err := r.Deliver(bob, msg("m1"))
	require.NoError(t, err)
	_, err = r.Deliver(bob, msg("m2"))
	assert.ErrorIs(t, err, errQueueFull)
}

func TestBroadcastSkipsSubject(t *testing.T) {
	r := newRegistry(0)
	a, b := testConn(), testConn()
	_, _ = r.Attach(alice, a, wire.Auth{Handle: alice})
	_, _ = r.Attach(bob, b, wire.Auth{Handle: bob})
	a.takeOutbox()
	b.takeOutbox()

	r.Broadcast(bob, wire.Presence{Handle: bob, IsOnline: true})
	assert.Len(t, a.takeOutbox(), 1)
	assert.Empty(t, b.takeOutbox())
}
