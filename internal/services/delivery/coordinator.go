package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"murmur/internal/domain"
	"murmur/internal/protocol/envelope"
)

// Transports bundles the ways out. Any of them may be nil.
type Transports struct {
	Live    domain.LiveChannel
	HTTP    MessageSender
	Objects domain.ObjectClient
}

// Config configures a Coordinator.
type Config struct {
	Self func() domain.Handle
	// OnStatus is called after every state change, outside any lock.
	OnStatus func(msg domain.OutgoingMessage)
	Logger   *logrus.Logger
	Now      func() time.Time
}

// Coordinator implements the delivery rules for one account.
type Coordinator struct {
	dir     domain.Directory
	keys    domain.SessionKeyProvider
	net     domain.Connectivity
	records domain.RecordStore
	tr      Transports
	cfg     Config
	log     *logrus.Entry

	flushMu sync.Mutex

	mu       sync.Mutex
	messages map[domain.MessageID]*domain.OutgoingMessage
	pending  []domain.MessageID // plaintext waits here while offline
	flushing bool
	closed   bool
	unsub    func()
	wg       sync.WaitGroup
}

// New returns a coordinator. Call Start to follow connectivity changes.
// records may be nil.
func New(dir domain.Directory, keys domain.SessionKeyProvider, net domain.Connectivity, records domain.RecordStore, tr Transports, cfg Config) *Coordinator {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Coordinator{
		dir:      dir,
		keys:     keys,
		net:      net,
		records:  records,
		tr:       tr,
		cfg:      cfg,
		log:      cfg.Logger.WithField("component", "delivery"),
		messages: make(map[domain.MessageID]*domain.OutgoingMessage),
	}
}

// Start flushes the pending list whenever connectivity comes back.
func (c *Coordinator) Start() {
	unsub := c.net.Subscribe(func(online bool) {
		if online {
			c.Kick()
		}
	})
	c.mu.Lock()
	c.unsub = unsub
	c.mu.Unlock()
}

// Close stops following connectivity and waits for a running flush.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	unsub := c.unsub
	c.unsub = nil
	c.mu.Unlock()
	if unsub != nil {
		unsub()
	}
	c.wg.Wait()
}

// Send encrypts content for to and hands it to the first route that takes
// it. Offline, the message is queued locally and reported as queued.
func (c *Coordinator) Send(ctx context.Context, to domain.Handle, content string) (domain.SendResult, error) {
	to = domain.NormalizeHandle(to.String())
	if !to.Valid() {
		return domain.SendResult{}, domain.ErrInvalidHandle
	}
	self := c.cfg.Self()
	if !self.Valid() {
		return domain.SendResult{}, domain.ErrNotAuthenticated
	}
	msg := domain.OutgoingMessage{
		ID:             domain.MessageID(uuid.NewString()),
		To:             to,
		Content:        content,
		ConversationID: domain.ConversationWith(self, to),
		CreatedAt:      c.cfg.Now(),
		State:          domain.StateSending,
	}

	c.mu.Lock()
	c.messages[msg.ID] = &msg
	c.mu.Unlock()
	c.persist(msg, self)

	// Queued messages go out first, so a new one waits behind them.
	if !c.net.Online() || c.hasPending() {
		c.enqueue(msg.ID)
		if c.net.Online() {
			c.Kick()
		}
		return domain.SendResult{ID: msg.ID, Ack: domain.AckQueued, State: domain.StateSending, Route: RoutePending}, nil
	}
	return c.deliver(ctx, msg.ID)
}

// Retry sends a failed message again.
func (c *Coordinator) Retry(ctx context.Context, id domain.MessageID) (domain.SendResult, error) {
	c.mu.Lock()
	m, ok := c.messages[id]
	failed := ok && m.State == domain.StateFailed
	c.mu.Unlock()
	if !ok {
		return domain.SendResult{}, fmt.Errorf("unknown message %s", id)
	}
	if !failed {
		return domain.SendResult{}, fmt.Errorf("message %s is not failed", id)
	}
	c.advance(id, domain.StateSending, "", "")
	if !c.net.Online() {
		c.enqueue(id)
		return domain.SendResult{ID: id, Ack: domain.AckQueued, State: domain.StateSending, Route: RoutePending}, nil
	}
	return c.deliver(ctx, id)
}

// deliver makes one attempt and marks the message failed if it did not leave.
func (c *Coordinator) deliver(ctx context.Context, id domain.MessageID) (domain.SendResult, error) {
	res, err := c.attempt(ctx, id)
	if err != nil {
		res.State = c.advance(id, domain.StateFailed, res.Route, err.Error())
	}
	return res, err
}

// attempt seals the message and walks the route chain. A failed attempt
// leaves the state alone.
func (c *Coordinator) attempt(ctx context.Context, id domain.MessageID) (domain.SendResult, error) {
	c.mu.Lock()
	m, ok := c.messages[id]
	if !ok {
		c.mu.Unlock()
		return domain.SendResult{}, fmt.Errorf("unknown message %s", id)
	}
	m.Attempts++
	msg := *m
	c.mu.Unlock()

	log := c.log.WithFields(logrus.Fields{"message_id": id, "to": msg.To})
	env, err := c.seal(ctx, msg.To, msg.ID, domain.KindMessage, envelope.Text(msg.ConversationID, msg.Content, msg.CreatedAt))
	if err != nil {
		log.WithError(err).Warn("cannot seal message")
		return domain.SendResult{ID: id, State: msg.State}, err
	}

	name, ack, err := c.walk(ctx, env)
	if err != nil {
		log.WithError(err).Warn("no route took the message")
		return domain.SendResult{ID: id, State: msg.State, Route: name}, err
	}
	state := c.advance(id, stateFor(ack), name, "")
	log.WithFields(logrus.Fields{"route": name, "ack": ack}).Debug("message handed off")
	return domain.SendResult{ID: id, Ack: ack, State: state, Route: name}, nil
}

// walk tries each route in priority order. Transport errors move on to the
// next route; any other error stops the walk.
func (c *Coordinator) walk(ctx context.Context, env domain.Envelope) (string, domain.AckStatus, error) {
	routes := c.chain()
	if len(routes) == 0 {
		return "", "", fmt.Errorf("no route: %w", domain.ErrTransportUnavailable)
	}
	var lastErr error
	var lastName string
	for _, r := range routes {
		ack, err := r.send(ctx, env)
		if err == nil {
			return r.name(), ack, nil
		}
		lastName, lastErr = r.name(), err
		if !retryable(err) || ctx.Err() != nil {
			break
		}
		c.log.WithError(err).WithField("route", r.name()).Debug("route unavailable")
	}
	return lastName, "", lastErr
}

func (c *Coordinator) chain() []route {
	var rs []route
	if c.tr.Live != nil && c.tr.Live.Connected() {
		rs = append(rs, liveRoute{c.tr.Live})
	}
	if c.tr.HTTP != nil {
		rs = append(rs, httpRoute{c.tr.HTTP})
	}
	if c.tr.Objects != nil {
		rs = append(rs, storeRoute{c.tr.Objects})
	}
	return rs
}

func (c *Coordinator) seal(ctx context.Context, to domain.Handle, id domain.MessageID, kind domain.EnvelopeKind, p domain.Payload) (domain.Envelope, error) {
	self := c.cfg.Self()
	if !self.Valid() {
		return domain.Envelope{}, domain.ErrNotAuthenticated
	}
	peer, err := c.dir.Peer(ctx, to)
	if err != nil {
		return domain.Envelope{}, err
	}
	plain, err := envelope.Encode(p)
	if err != nil {
		return domain.Envelope{}, err
	}
	env := domain.Envelope{
		ID:        id,
		From:      self,
		To:        to,
		Kind:      kind,
		Timestamp: c.cfg.Now().UnixMilli(),
	}
	env.Ciphertext, err = c.keys.Seal(to, peer.PublicKey, plain, env.AssociatedData())
	if err != nil {
		return domain.Envelope{}, err
	}
	return env, nil
}

// SendTyping sends a typing indicator over the live channel, or drops it in
// the store-and-forward namespace when the channel is down. Indicators are
// never queued.
func (c *Coordinator) SendTyping(ctx context.Context, to domain.Handle, typing bool) error {
	to = domain.NormalizeHandle(to.String())
	self := c.cfg.Self()
	env, err := c.seal(ctx, to, domain.MessageID(uuid.NewString()), domain.KindTyping,
		envelope.Typing(domain.ConversationWith(self, to), typing, c.cfg.Now()))
	if err != nil {
		return err
	}
	if c.tr.Live != nil && c.tr.Live.Connected() {
		if err := c.tr.Live.SendTyping(ctx, env); err == nil || !retryable(err) {
			return err
		}
	}
	if c.tr.Objects == nil || !c.net.Online() {
		return fmt.Errorf("typing: %w", domain.ErrTransportUnavailable)
	}
	blob, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return c.tr.Objects.PutObject(ctx, domain.StoredObject{
		Key:       domain.TypingObjectKey(to, self),
		Sender:    self,
		Recipient: to,
		Blob:      blob,
	})
}

// MarkRead tells the sender of msg that it was read.
func (c *Coordinator) MarkRead(ctx context.Context, msg domain.InboundMessage) error {
	if !c.net.Online() {
		return fmt.Errorf("read receipt: %w", domain.ErrTransportUnavailable)
	}
	env, err := c.seal(ctx, msg.From, domain.MessageID(uuid.NewString()), domain.KindReadReceipt,
		envelope.ReadReceipt(msg.ConversationID, msg.ID, c.cfg.Now()))
	if err != nil {
		return err
	}
	_, _, err = c.walk(ctx, env)
	return err
}

// OnDelivered records a delivery receipt from peer.
func (c *Coordinator) OnDelivered(id domain.MessageID, from domain.Handle) {
	c.receipt(id, from, domain.StateDelivered)
}

// OnRead records a read receipt from peer.
func (c *Coordinator) OnRead(id domain.MessageID, from domain.Handle, _ time.Time) {
	c.receipt(id, from, domain.StateRead)
}

func (c *Coordinator) receipt(id domain.MessageID, from domain.Handle, state domain.MessageState) {
	c.mu.Lock()
	m, ok := c.messages[id]
	match := ok && m.To == from
	c.mu.Unlock()
	if ok {
		if !match {
			c.log.WithFields(logrus.Fields{"message_id": id, "from": from}).Warn("receipt from someone other than the recipient")
			return
		}
		c.advance(id, state, "", "")
		return
	}
	c.receiptForStored(id, from, state)
}

// receiptForStored advances a message sent before this process started.
func (c *Coordinator) receiptForStored(id domain.MessageID, from domain.Handle, state domain.MessageState) {
	self := c.cfg.Self()
	if c.records == nil || !self.Valid() {
		return
	}
	msgs, err := c.records.Messages(domain.ConversationWith(self, from))
	if err != nil {
		c.log.WithError(err).Debug("receipt lookup")
		return
	}
	for _, m := range msgs {
		if m.ID != id || !m.Outgoing || m.To != from {
			continue
		}
		if !m.State.Advances(state) {
			return
		}
		m.State = state
		if err := c.records.SaveMessage(m); err != nil {
			c.log.WithError(err).Warn("persist receipt")
		}
		return
	}
}

// Message returns the tracked state of id.
func (c *Coordinator) Message(id domain.MessageID) (domain.OutgoingMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.messages[id]
	if !ok {
		return domain.OutgoingMessage{}, false
	}
	return *m, true
}

// Pending returns the messages waiting for connectivity, oldest first.
func (c *Coordinator) Pending() []domain.OutgoingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.OutgoingMessage, 0, len(c.pending))
	for _, id := range c.pending {
		if m, ok := c.messages[id]; ok {
			out = append(out, *m)
		}
	}
	return out
}

// Kick starts a flush of the pending list in the background unless one is
// running already.
func (c *Coordinator) Kick() {
	c.mu.Lock()
	if c.closed || c.flushing || len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	c.flushing = true
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		for {
			stalled := c.flush(context.Background())
			c.mu.Lock()
			if stalled || c.closed || len(c.pending) == 0 || !c.net.Online() {
				c.flushing = false
				c.mu.Unlock()
				return
			}
			c.mu.Unlock()
		}
	}()
}

// Flush sends the pending list in order. It stops at the first message that
// could not leave the device; that message and the rest go back on the list.
func (c *Coordinator) Flush(ctx context.Context) {
	c.flush(ctx)
}

// flush reports whether it stopped early on a transport failure.
func (c *Coordinator) flush(ctx context.Context) (stalled bool) {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()

	c.mu.Lock()
	batch := c.pending
	c.pending = nil
	c.mu.Unlock()

	for i, id := range batch {
		if !c.net.Online() || ctx.Err() != nil {
			c.requeue(batch[i:])
			return true
		}
		_, err := c.attempt(ctx, id)
		if err == nil {
			continue
		}
		if retryable(err) {
			c.noteError(id, err)
			c.requeue(batch[i:])
			return true
		}
		c.advance(id, domain.StateFailed, "", err.Error())
	}
	return false
}

// Reset drops everything held in memory. Pending messages are marked failed
// and their plaintext discarded.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, id := range pending {
		c.advance(id, domain.StateFailed, RoutePending, "locked before it could be sent")
	}

	c.mu.Lock()
	c.messages = make(map[domain.MessageID]*domain.OutgoingMessage)
	c.mu.Unlock()
}

func (c *Coordinator) hasPending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending) > 0
}

func (c *Coordinator) noteError(id domain.MessageID, err error) {
	c.mu.Lock()
	if m, ok := c.messages[id]; ok {
		m.LastError = err.Error()
	}
	c.mu.Unlock()
}

func (c *Coordinator) enqueue(id domain.MessageID) {
	c.mu.Lock()
	c.pending = append(c.pending, id)
	c.mu.Unlock()
	c.log.WithField("message_id", id).Debug("queued until online")
}

// requeue puts ids back in front of anything queued meanwhile.
func (c *Coordinator) requeue(ids []domain.MessageID) {
	c.mu.Lock()
	c.pending = append(append([]domain.MessageID(nil), ids...), c.pending...)
	c.mu.Unlock()
}

// advance moves id to state if that is a forward step and returns the
// resulting state. A failed message going back to sending is a retry.
func (c *Coordinator) advance(id domain.MessageID, state domain.MessageState, route, lastErr string) domain.MessageState {
	c.mu.Lock()
	m, ok := c.messages[id]
	if !ok {
		c.mu.Unlock()
		return state
	}
	if m.State == state || !m.State.Advances(state) {
		if lastErr != "" {
			m.LastError = lastErr
		}
		cur := m.State
		c.mu.Unlock()
		return cur
	}
	m.State = state
	if route != "" {
		m.Route = route
	}
	m.LastError = lastErr
	snapshot := *m
	c.mu.Unlock()

	c.persist(snapshot, c.cfg.Self())
	if c.cfg.OnStatus != nil {
		c.cfg.OnStatus(snapshot)
	}
	return state
}

func (c *Coordinator) persist(m domain.OutgoingMessage, self domain.Handle) {
	if c.records == nil {
		return
	}
	err := c.records.SaveMessage(domain.StoredMessage{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		From:           self,
		To:             m.To,
		Content:        m.Content,
		Timestamp:      m.CreatedAt,
		Outgoing:       true,
		State:          m.State,
	})
	if err != nil {
		c.log.WithError(err).WithField("message_id", m.ID).Warn("persist outgoing message")
	}
}

// retryable reports whether err means "this route is unreachable" rather
// than "this message is bad".
func retryable(err error) bool {
	return errors.Is(err, domain.ErrTransportUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
