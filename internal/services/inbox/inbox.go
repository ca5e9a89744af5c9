package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"murmur/internal/crypto"
	"murmur/internal/domain"
	"murmur/internal/protocol/envelope"
)

// Transports an envelope can arrive on.
const (
	ViaLive   = "live"
	ViaHTTP   = "http"
	ViaPoller = "poller"
)

// maxParked bounds the envelopes held for a later retry.
const maxParked = 256

// Handlers receive surfaced traffic. Any of them may be nil.
type Handlers struct {
	OnMessage     func(msg domain.InboundMessage)
	OnReadReceipt func(id domain.MessageID, from domain.Handle, at time.Time)
	OnTyping      func(from domain.Handle, typing bool, at time.Time)
}

// ReceiptSink tells the sender of id that it reached this device.
type ReceiptSink func(ctx context.Context, id domain.MessageID, to domain.Handle)

// Config configures a Service.
type Config struct {
	// Self returns the local handle; envelopes addressed elsewhere are rejected.
	Self     func() domain.Handle
	Capacity int
	Logger   *logrus.Logger
	Now      func() time.Time
}

// Service implements domain.Inbox.
type Service struct {
	dir     domain.Directory
	keys    domain.SessionKeyProvider
	records domain.RecordStore
	seen    *ProcessedSet
	self    func() domain.Handle
	log     *logrus.Entry
	now     func() time.Time

	mu       sync.RWMutex
	handlers Handlers
	receipts ReceiptSink

	parkMu sync.Mutex
	parked []parkedEnvelope
}

// parkedEnvelope is a live or HTTP envelope the relay no longer holds that
// could not be opened yet.
type parkedEnvelope struct {
	env domain.Envelope
	via string
}

// New builds an inbox. records may be nil.
func New(dir domain.Directory, keys domain.SessionKeyProvider, records domain.RecordStore, cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Self == nil {
		cfg.Self = func() domain.Handle { return "" }
	}
	return &Service{
		dir:     dir,
		keys:    keys,
		records: records,
		seen:    NewProcessedSet(cfg.Capacity),
		self:    cfg.Self,
		log:     cfg.Logger.WithField("component", "inbox"),
		now:     cfg.Now,
	}
}

// SetHandlers replaces the surface callbacks.
func (s *Service) SetHandlers(h Handlers) {
	s.mu.Lock()
	s.handlers = h
	s.mu.Unlock()
}

// SetReceiptSink sets where delivery receipts for surfaced messages go.
func (s *Service) SetReceiptSink(fn ReceiptSink) {
	s.mu.Lock()
	s.receipts = fn
	s.mu.Unlock()
}

// Accept opens env and surfaces it unless its id was processed before.
// Typing indicators are not deduplicated.
//
// Envelopes from the poller only use senders already in the directory;
// other transports may ask the registry. Those transports hand over their
// only copy, so a message that fails because the sender cannot be resolved
// yet is parked for RetryParked instead of being lost.
func (s *Service) Accept(ctx context.Context, env domain.Envelope, via string) (bool, error) {
	surfaced, err := s.accept(ctx, env, via)
	if err != nil && via != ViaPoller && env.Kind != domain.KindTyping && env.From.Valid() && retryable(err) {
		s.park(parkedEnvelope{env: env, via: via})
	}
	return surfaced, err
}

// RetryParked feeds parked envelopes through the inbox again and returns how
// many were surfaced. Envelopes that still fail for a retryable reason stay
// parked; the rest are dropped.
func (s *Service) RetryParked(ctx context.Context) int {
	s.parkMu.Lock()
	batch := s.parked
	s.parked = nil
	s.parkMu.Unlock()

	n := 0
	for i, p := range batch {
		if ctx.Err() != nil {
			for _, rest := range batch[i:] {
				s.park(rest)
			}
			return n
		}
		surfaced, err := s.accept(ctx, p.env, p.via)
		switch {
		case err == nil:
			if surfaced {
				n++
			}
		case retryable(err):
			s.park(p)
		default:
			s.log.WithError(err).WithField("message_id", p.env.ID).Warn("dropping parked envelope")
		}
	}
	return n
}

// Parked reports how many envelopes are waiting for a retry.
func (s *Service) Parked() int {
	s.parkMu.Lock()
	defer s.parkMu.Unlock()
	return len(s.parked)
}

func (s *Service) park(p parkedEnvelope) {
	s.parkMu.Lock()
	defer s.parkMu.Unlock()
	for _, q := range s.parked {
		if q.env.ID == p.env.ID {
			return
		}
	}
	if len(s.parked) >= maxParked {
		s.log.WithField("message_id", s.parked[0].env.ID).Warn("parked envelopes full, dropping oldest")
		s.parked = s.parked[1:]
	}
	s.parked = append(s.parked, p)
}

func retryable(err error) bool {
	return errors.Is(err, domain.ErrUnknownSender) ||
		errors.Is(err, domain.ErrTransportUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (s *Service) accept(ctx context.Context, env domain.Envelope, via string) (bool, error) {
	log := s.log.WithFields(logrus.Fields{"message_id": env.ID, "from": env.From, "via": via})

	if env.ID == "" || !env.Kind.Valid() {
		return false, fmt.Errorf("%w: envelope id %q kind %q", domain.ErrMalformedPayload, env.ID, env.Kind)
	}
	self := s.self()
	if self == "" {
		self = env.To
	}
	if env.To != self {
		return false, fmt.Errorf("%w: envelope addressed to %s", domain.ErrMalformedPayload, env.To)
	}
	if env.Kind != domain.KindTyping && s.seen.Seen(env.ID) {
		log.Debug("duplicate envelope")
		return false, nil
	}

	peer, err := s.sender(ctx, env.From, via)
	if err != nil {
		return false, err
	}
	plain, err := s.keys.Open(env.From, peer.PublicKey, env.Ciphertext, env.AssociatedData())
	if err != nil {
		return false, err
	}
	payload, err := envelope.Decode(plain)
	crypto.Wipe(plain)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	h, receipts := s.handlers, s.receipts
	s.mu.RUnlock()

	if env.Kind == domain.KindTyping {
		if h.OnTyping != nil {
			h.OnTyping(env.From, envelope.IsTyping(payload), envelope.SentAt(payload))
		}
		return true, nil
	}

	if !s.seen.MarkIfNew(env.ID) {
		log.Debug("duplicate envelope")
		return false, nil
	}

	switch env.Kind {
	case domain.KindReadReceipt:
		if h.OnReadReceipt != nil {
			h.OnReadReceipt(envelope.ReceiptFor(payload), env.From, envelope.SentAt(payload))
		}
	case domain.KindMessage:
		msg := domain.InboundMessage{
			ID:             env.ID,
			From:           env.From,
			To:             env.To,
			Kind:           env.Kind,
			Content:        payload.Content,
			ConversationID: domain.ConversationWith(self, env.From),
			SentAt:         envelope.SentAt(payload),
			ReceivedAt:     s.now(),
			Via:            via,
		}
		s.persist(msg, log)
		if h.OnMessage != nil {
			h.OnMessage(msg)
		}
		if receipts != nil {
			receipts(ctx, env.ID, env.From)
		}
	}
	log.Debug("envelope surfaced")
	return true, nil
}

// Seen reports whether id was already surfaced.
func (s *Service) Seen(id domain.MessageID) bool { return s.seen.Seen(id) }

// Reset forgets every processed id.
func (s *Service) Reset() { s.seen.Reset() }

func (s *Service) sender(ctx context.Context, from domain.Handle, via string) (domain.PeerRecord, error) {
	if !from.Valid() {
		return domain.PeerRecord{}, fmt.Errorf("%w: sender %q", domain.ErrUnknownSender, from)
	}
	if via == ViaPoller {
		p, ok := s.dir.Known(from)
		if !ok {
			return domain.PeerRecord{}, fmt.Errorf("%w: %s", domain.ErrUnknownSender, from)
		}
		return p, nil
	}
	p, err := s.dir.Peer(ctx, from)
	if errors.Is(err, domain.ErrRegistryLookupFailed) {
		return domain.PeerRecord{}, fmt.Errorf("%w: %s", domain.ErrUnknownSender, from)
	}
	return p, err
}

func (s *Service) persist(msg domain.InboundMessage, log *logrus.Entry) {
	if s.records == nil {
		return
	}
	err := s.records.SaveMessage(domain.StoredMessage{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		From:           msg.From,
		To:             msg.To,
		Content:        msg.Content,
		Timestamp:      msg.SentAt,
		State:          domain.StateDelivered,
	})
	if err != nil {
		log.WithError(err).Warn("persist inbound message")
	}
}

var _ domain.Inbox = (*Service)(nil)
