package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"murmur/internal/domain"
	"murmur/internal/services/inbox"
)

// Defaults for Config.
const (
	DefaultInterval     = 5 * time.Second
	DefaultTypingWindow = 5 * time.Second
)

// Config configures a Poller.
type Config struct {
	Interval time.Duration
	// TypingWindow is how old a typing object may be and still count.
	TypingWindow time.Duration
	// Self returns the local handle.
	Self func() domain.Handle
	// Allow gates each cycle; typically "unlocked and holding a session".
	Allow  func() bool
	Logger *logrus.Logger
	Now    func() time.Time
}

// retrier is implemented by inboxes that hold envelopes back for a later
// attempt.
type retrier interface {
	RetryParked(ctx context.Context) int
}

// Poller drains the store-and-forward namespaces.
type Poller struct {
	objects domain.ObjectClient
	inbox   domain.Inbox
	cfg     Config
	log     *logrus.Entry

	cycleMu sync.Mutex

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// New returns a stopped poller.
func New(objects domain.ObjectClient, in domain.Inbox, cfg Config) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.TypingWindow <= 0 {
		cfg.TypingWindow = DefaultTypingWindow
	}
	if cfg.Allow == nil {
		cfg.Allow = func() bool { return true }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &Poller{
		objects: objects,
		inbox:   in,
		cfg:     cfg,
		log:     cfg.Logger.WithField("component", "poller"),
	}
}

// Start runs a cycle every Interval until Stop. Calling it twice is a no-op.
func (p *Poller) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	go p.loop(ctx, p.done)
}

// Stop cancels the loop and waits for an in-flight cycle to return. No
// cycle starts after Stop returns. Idempotent.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
}

// Running reports whether the loop is active.
func (p *Poller) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(p.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		if !p.cfg.Allow() {
			continue
		}
		if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
			p.log.WithError(err).Info("poll cycle failed")
		}
	}
}

// PollOnce runs one cycle and returns how many envelopes were surfaced. It
// retries envelopes the inbox parked, then lists both namespaces. It only
// fails when a namespace cannot be listed; per-object failures are logged
// and skipped.
func (p *Poller) PollOnce(ctx context.Context) (int, error) {
	p.cycleMu.Lock()
	defer p.cycleMu.Unlock()

	self := p.cfg.Self()
	if !self.Valid() {
		return 0, domain.ErrNotAuthenticated
	}

	surfaced := 0
	if r, ok := p.inbox.(retrier); ok {
		surfaced += r.RetryParked(ctx)
	}

	msgs, err := p.objects.ListObjects(ctx, domain.ObjectPrefix(domain.MessagesNamespace, self))
	if err != nil {
		return surfaced, fmt.Errorf("list messages: %w", err)
	}
	for _, obj := range msgs {
		if ctx.Err() != nil {
			return surfaced, ctx.Err()
		}
		if p.message(ctx, obj) {
			surfaced++
		}
	}

	typing, err := p.objects.ListObjects(ctx, domain.ObjectPrefix(domain.TypingNamespace, self))
	if err != nil {
		return surfaced, fmt.Errorf("list typing: %w", err)
	}
	for _, obj := range typing {
		if ctx.Err() != nil {
			return surfaced, ctx.Err()
		}
		if p.typing(ctx, obj) {
			surfaced++
		}
	}
	return surfaced, nil
}

// message consumes one message object and reports whether it was surfaced.
func (p *Poller) message(ctx context.Context, obj domain.StoredObject) bool {
	log := p.log.WithFields(logrus.Fields{"key": obj.Key, "from": obj.Sender})

	if id, ok := messageID(obj.Key); ok && p.inbox.Seen(id) {
		p.remove(ctx, obj.Key, log)
		return false
	}

	env, err := p.fetch(ctx, obj.Key)
	if err != nil {
		if errors.Is(err, domain.ErrMalformedPayload) {
			log.WithError(err).Warn("dropping malformed object")
			p.remove(ctx, obj.Key, log)
		} else {
			log.WithError(err).Info("download failed")
		}
		return false
	}

	surfaced, err := p.inbox.Accept(ctx, env, inbox.ViaPoller)
	switch {
	case errors.Is(err, domain.ErrUnknownSender):
		// Kept: it can be read once the sender is in the directory.
		log.Info("skipping object from unknown sender")
		return false
	case errors.Is(err, domain.ErrAuthenticationFailure), errors.Is(err, domain.ErrMalformedPayload):
		log.WithError(err).Warn("dropping undecryptable object")
	case err != nil:
		log.WithError(err).Info("object not processed")
		return false
	}
	p.remove(ctx, obj.Key, log)
	return surfaced
}

// typing surfaces a fresh typing object and leaves it in place; the sender
// overwrites the same key, so it only needs deleting once it is stale.
// Stale or unreadable objects are deleted unseen.
func (p *Poller) typing(ctx context.Context, obj domain.StoredObject) bool {
	log := p.log.WithFields(logrus.Fields{"key": obj.Key, "from": obj.Sender})

	if p.cfg.Now().Sub(obj.CreatedAt) > p.cfg.TypingWindow {
		log.Debug("stale typing object")
		p.remove(ctx, obj.Key, log)
		return false
	}
	env, err := p.fetch(ctx, obj.Key)
	if err != nil {
		log.WithError(err).Debug("typing download failed")
		if errors.Is(err, domain.ErrMalformedPayload) {
			p.remove(ctx, obj.Key, log)
		}
		return false
	}
	if env.Kind != domain.KindTyping {
		p.remove(ctx, obj.Key, log)
		return false
	}
	if p.cfg.Now().Sub(time.UnixMilli(env.Timestamp)) > p.cfg.TypingWindow {
		log.Debug("stale typing envelope")
		p.remove(ctx, obj.Key, log)
		return false
	}
	surfaced, err := p.inbox.Accept(ctx, env, inbox.ViaPoller)
	if err != nil {
		log.WithError(err).Debug("typing object not processed")
		return false
	}
	return surfaced
}

// fetch downloads key and decodes the envelope stored in it. The sender
// recorded by the relay must match the envelope's sender.
func (p *Poller) fetch(ctx context.Context, key string) (domain.Envelope, error) {
	obj, err := p.objects.GetObject(ctx, key)
	if err != nil {
		return domain.Envelope{}, err
	}
	var env domain.Envelope
	if err := json.Unmarshal(obj.Blob, &env); err != nil {
		return domain.Envelope{}, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if obj.Sender != "" && env.From != obj.Sender {
		return domain.Envelope{}, fmt.Errorf("%w: envelope from %s uploaded by %s", domain.ErrMalformedPayload, env.From, obj.Sender)
	}
	return env, nil
}

func (p *Poller) remove(ctx context.Context, key string, log *logrus.Entry) {
	if err := p.objects.DeleteObject(ctx, key); err != nil {
		log.WithError(err).Info("delete failed")
	}
}

// messageID extracts <id> from messages/<recipient>/<timestamp>_<id>.
func messageID(key string) (domain.MessageID, bool) {
	_, _, rest, ok := domain.ParseObjectKey(key)
	if !ok {
		return "", false
	}
	_, id, ok := strings.Cut(rest, "_")
	if !ok || id == "" {
		return "", false
	}
	return domain.MessageID(id), true
}
