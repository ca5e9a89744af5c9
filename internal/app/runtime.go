package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"murmur/internal/domain"
	"murmur/internal/platform/netstate"
	"murmur/internal/protocol/wire"
	"murmur/internal/relay"
	"murmur/internal/services/delivery"
	"murmur/internal/services/directory"
	"murmur/internal/services/identity"
	"murmur/internal/services/inbox"
	"murmur/internal/services/poller"
	"murmur/internal/services/session"
	"murmur/internal/store"
)

// Events receives what the runtime surfaces to the user. Any field may be nil.
type Events struct {
	OnMessage    func(msg domain.InboundMessage)
	OnStatus     func(msg domain.OutgoingMessage)
	OnTyping     func(from domain.Handle, typing bool, at time.Time)
	OnPresence   func(handle domain.Handle, online bool, lastSeen time.Time)
	OnConnection func(connected bool)
}

// Runtime is the client dependency graph for one home directory and one relay.
//
// The stores, the relay HTTP client and the caches live as long as the
// Runtime. The live channel, the poller and the delivery coordinator only
// exist between Unlock and Lock.
type Runtime struct {
	cfg    Config
	log    *logrus.Logger
	events Events

	Identity  *identity.Manager
	Records   *store.FileRecordStore
	API       *relay.HTTP
	Net       *netstate.Monitor
	Sessions  *session.Static
	Directory *directory.Service
	Inbox     *inbox.Service

	mu   sync.Mutex
	self domain.Handle
	live *liveSession
}

type liveSession struct {
	channel  *relay.Channel
	poller   *poller.Poller
	delivery *delivery.Coordinator
	unsub    func()
	cancel   context.CancelFunc
	done     chan struct{}
}

// New builds the dependency graph from cfg. Nothing touches the network
// until Unlock.
func New(cfg Config, logger *logrus.Logger, events Events, opts ...identity.Option) (*Runtime, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.Home == "" {
		return nil, errors.New("app: home directory not set")
	}
	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, err
	}

	hc := cfg.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	rt := &Runtime{cfg: cfg, log: logger, events: events}
	rt.Identity = identity.New(store.NewIdentityFileStore(cfg.Home), append([]identity.Option{identity.WithLogger(logger)}, opts...)...)
	rt.Records = store.NewFileRecordStore(cfg.Home, rt.Identity)
	rt.API = relay.NewHTTP(cfg.RelayURL, hc)
	rt.Net = netstate.New(true, logger)
	rt.Sessions = session.NewStatic(rt.Identity)
	rt.Directory = directory.New(rt.API, rt.Records, logger)
	rt.Inbox = inbox.New(rt.Directory, rt.Sessions, rt.Records, inbox.Config{
		Self:     rt.Self,
		Capacity: cfg.ProcessedCapacity,
		Logger:   logger,
	})
	rt.Inbox.SetHandlers(inbox.Handlers{
		OnMessage: events.OnMessage,
		OnReadReceipt: func(id domain.MessageID, from domain.Handle, at time.Time) {
			if ls := rt.current(); ls != nil {
				ls.delivery.OnRead(id, from, at)
			}
		},
		OnTyping: events.OnTyping,
	})
	rt.Inbox.SetReceiptSink(rt.sendDeliveryAck)
	rt.Identity.OnLock(rt.teardown)
	rt.Identity.OnUnlock(rt.Sessions.Resume)
	return rt, nil
}

// Config returns the configuration the runtime was built with.
func (rt *Runtime) Config() Config { return rt.cfg }

// Self returns the local handle, or "" before the account is known.
func (rt *Runtime) Self() domain.Handle {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.self
}

func (rt *Runtime) setSelf(h domain.Handle) {
	rt.mu.Lock()
	rt.self = h
	rt.mu.Unlock()
}

func (rt *Runtime) current() *liveSession {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.live
}

// CreateIdentity creates the local identity and leaves it unlocked.
func (rt *Runtime) CreateIdentity(password, displayName string) (domain.Identity, error) {
	return rt.Identity.CreateIdentity(password, displayName)
}

// Register creates an account on the relay for the local identity and stores
// the account secret. An empty handle lets the relay pick one. Registering
// twice against the same relay returns the stored handle.
func (rt *Runtime) Register(ctx context.Context, password string, handle domain.Handle) (domain.Handle, error) {
	if !rt.Identity.Unlocked() {
		if _, err := rt.Identity.Unlock(password); err != nil {
			return "", err
		}
	}
	if profile, ok, err := rt.Records.LoadAccountProfile(rt.cfg.RelayURL); err != nil {
		return "", err
	} else if ok {
		rt.setSelf(profile.Handle)
		return profile.Handle, nil
	}

	id, err := rt.Identity.Identity()
	if err != nil {
		return "", err
	}
	if handle != "" {
		handle = domain.NormalizeHandle(handle.String())
		if !handle.Valid() {
			return "", domain.ErrInvalidHandle
		}
	}
	res, err := rt.API.Register(ctx, domain.Registration{
		Handle:      handle,
		PublicKey:   id.PublicKey,
		DisplayName: id.DisplayName,
	})
	if err != nil {
		return "", err
	}
	err = rt.Records.SaveAccountProfile(domain.AccountProfile{
		ServerURL: rt.cfg.RelayURL,
		Handle:    res.Handle,
		Secret:    res.Secret,
	})
	if err != nil {
		return "", fmt.Errorf("store account: %w", err)
	}
	rt.setSelf(res.Handle)
	rt.log.WithFields(logrus.Fields{"component": "app", "handle": res.Handle}).Info("registered with relay")
	return res.Handle, nil
}

// CreateAccount creates the identity and registers it in one step.
func (rt *Runtime) CreateAccount(ctx context.Context, password, displayName string, handle domain.Handle) (domain.Identity, domain.Handle, error) {
	id, err := rt.CreateIdentity(password, displayName)
	if err != nil {
		return domain.Identity{}, "", err
	}
	h, err := rt.Register(ctx, password, handle)
	if err != nil {
		return id, "", err
	}
	return id, h, nil
}

// Unlock opens the identity, authenticates with the relay and starts the
// live channel, the poller and the delivery coordinator.
//
// An unreachable relay is not an error: the runtime starts offline and
// connects once the relay answers its health probe. Rejected credentials
// lock the identity again.
func (rt *Runtime) Unlock(ctx context.Context, password string) (domain.Identity, error) {
	id, err := rt.Identity.Unlock(password)
	if err != nil {
		return domain.Identity{}, err
	}
	if rt.current() != nil {
		return id, nil
	}

	profile, err := rt.profile()
	if err != nil {
		return id, err
	}
	rt.setSelf(profile.Handle)
	log := rt.log.WithFields(logrus.Fields{"component": "app", "handle": profile.Handle})

	if _, err := rt.API.Authenticate(ctx, domain.Credentials{Handle: profile.Handle, Secret: profile.Secret}); err != nil {
		if !errors.Is(err, domain.ErrTransportUnavailable) {
			rt.Identity.Lock()
			return domain.Identity{}, err
		}
		log.WithError(err).Warn("relay unreachable, starting offline")
		rt.Net.Set(false)
	}

	rt.start(ctx)
	return id, nil
}

// Lock stops all network activity and wipes every secret.
func (rt *Runtime) Lock() { rt.Identity.Lock() }

// Close is Lock; it exists so the runtime can be deferred like a resource.
func (rt *Runtime) Close() error {
	rt.Lock()
	return nil
}

func (rt *Runtime) start(ctx context.Context) {
	log := rt.log.WithField("component", "app")
	ls := &liveSession{done: make(chan struct{})}
	ls.channel = relay.NewChannel(relay.ChannelConfig{
		Base:      rt.cfg.RelayURL,
		Reconnect: rt.cfg.Reconnect,
		Allow:     rt.allowed,
		Logger:    rt.log,
	}, tokenSource{rt}, relay.Handlers{
		OnEnvelope: func(ctx context.Context, env domain.Envelope) {
			if _, err := rt.Inbox.Accept(ctx, env, inbox.ViaLive); err != nil {
				log.WithError(err).WithField("message_id", env.ID).Warn("live envelope not accepted")
			}
		},
		OnReceipt:  func(id domain.MessageID, from domain.Handle) { ls.delivery.OnDelivered(id, from) },
		OnPresence: rt.presence,
		OnState: func(connected bool) {
			if connected {
				ls.delivery.Kick()
			}
			if rt.events.OnConnection != nil {
				rt.events.OnConnection(connected)
			}
		},
	})
	ls.delivery = delivery.New(rt.Directory, rt.Sessions, rt.Net, rt.Records,
		delivery.Transports{Live: ls.channel, HTTP: rt.API, Objects: rt.API},
		delivery.Config{Self: rt.Self, OnStatus: rt.events.OnStatus, Logger: rt.log})
	ls.poller = poller.New(rt.API, rt.Inbox, poller.Config{
		Interval:     rt.cfg.PollInterval,
		TypingWindow: rt.cfg.TypingWindow,
		Self:         rt.Self,
		Allow:        rt.pollAllowed,
		Logger:       rt.log,
	})
	ls.unsub = rt.Net.Subscribe(func(online bool) {
		if online {
			ls.channel.Reconnect()
		}
	})
	ls.delivery.Start()

	bg, cancel := context.WithCancel(context.Background())
	ls.cancel = cancel
	go func() {
		defer close(ls.done)
		rt.Net.Run(bg, rt.probe, rt.cfg.PollInterval)
	}()

	rt.mu.Lock()
	rt.live = ls
	rt.mu.Unlock()

	if rt.Net.Online() {
		if err := ls.channel.Open(ctx); err != nil {
			log.WithError(err).Warn("live channel unavailable, using HTTP")
			if _, err := rt.DrainPending(ctx); err != nil {
				log.WithError(err).Debug("drain pending")
			}
		}
	}
	ls.poller.Start()
}

// teardown runs inside Identity.Lock while the keys still exist.
func (rt *Runtime) teardown() {
	rt.mu.Lock()
	ls := rt.live
	rt.live = nil
	rt.mu.Unlock()

	if ls != nil {
		ls.cancel()
		<-ls.done
		ls.unsub()
		ls.poller.Stop()
		ls.channel.Close()
		ls.delivery.Close()
		ls.delivery.Reset()
	}
	rt.API.ClearSession()
	rt.Sessions.Reset()
	rt.Directory.Reset()
	rt.Inbox.Reset()
	rt.setSelf("")
}

func (rt *Runtime) allowed() bool {
	return rt.Net.Online() && rt.Identity.Unlocked()
}

// pollAllowed also makes sure the HTTP client holds a usable session.
func (rt *Runtime) pollAllowed() bool {
	if !rt.allowed() {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), rt.cfg.HTTPTimeout)
	defer cancel()
	_, err := tokenSource{rt}.Token(ctx)
	return err == nil
}

func (rt *Runtime) probe(ctx context.Context) bool {
	return rt.API.Health(ctx) == nil
}

func (rt *Runtime) presence(p wire.Presence) {
	var at time.Time
	if p.LastSeen > 0 {
		at = time.UnixMilli(p.LastSeen)
	}
	rt.Directory.SetPresence(p.Handle, p.IsOnline, at)
	if rt.events.OnPresence != nil {
		rt.events.OnPresence(p.Handle, p.IsOnline, at)
	}
}

func (rt *Runtime) sendDeliveryAck(ctx context.Context, id domain.MessageID, to domain.Handle) {
	ls := rt.current()
	if ls == nil || !ls.channel.Connected() {
		return
	}
	if err := ls.channel.SendDeliveryAck(ctx, id, to); err != nil {
		rt.log.WithError(err).WithField("message_id", id).Debug("delivery ack")
	}
}

func (rt *Runtime) profile() (domain.AccountProfile, error) {
	profile, ok, err := rt.Records.LoadAccountProfile(rt.cfg.RelayURL)
	if err != nil {
		return domain.AccountProfile{}, err
	}
	if !ok {
		return domain.AccountProfile{}, fmt.Errorf("no account on %s: %w", rt.cfg.RelayURL, domain.ErrNotAuthenticated)
	}
	return profile, nil
}

func (rt *Runtime) session() (*liveSession, error) {
	ls := rt.current()
	if ls == nil {
		return nil, domain.ErrNotAuthenticated
	}
	return ls, nil
}

// Send encrypts content for to and delivers it.
func (rt *Runtime) Send(ctx context.Context, to domain.Handle, content string) (domain.SendResult, error) {
	ls, err := rt.session()
	if err != nil {
		return domain.SendResult{}, err
	}
	return ls.delivery.Send(ctx, to, content)
}

// SendTyping tells to whether the user is typing.
func (rt *Runtime) SendTyping(ctx context.Context, to domain.Handle, typing bool) error {
	ls, err := rt.session()
	if err != nil {
		return err
	}
	return ls.delivery.SendTyping(ctx, to, typing)
}

// MarkRead sends a read receipt for msg.
func (rt *Runtime) MarkRead(ctx context.Context, msg domain.InboundMessage) error {
	ls, err := rt.session()
	if err != nil {
		return err
	}
	return ls.delivery.MarkRead(ctx, msg)
}

// Message returns the delivery state of a message sent in this session.
func (rt *Runtime) Message(id domain.MessageID) (domain.OutgoingMessage, bool) {
	ls := rt.current()
	if ls == nil {
		return domain.OutgoingMessage{}, false
	}
	return ls.delivery.Message(id)
}

// Pending returns the messages waiting for connectivity.
func (rt *Runtime) Pending() []domain.OutgoingMessage {
	ls := rt.current()
	if ls == nil {
		return nil
	}
	return ls.delivery.Pending()
}

// Connected reports whether the live channel is up.
func (rt *Runtime) Connected() bool {
	ls := rt.current()
	return ls != nil && ls.channel.Connected()
}

// Lookup resolves a handle through the directory.
func (rt *Runtime) Lookup(ctx context.Context, handle domain.Handle) (domain.PeerRecord, error) {
	return rt.Directory.Peer(ctx, handle)
}

// Search asks the registry for matching accounts.
func (rt *Runtime) Search(ctx context.Context, query string) ([]domain.PeerRecord, error) {
	return rt.Directory.Search(ctx, query)
}

// History returns the stored conversation with peer.
func (rt *Runtime) History(peer domain.Handle) ([]domain.StoredMessage, error) {
	self := rt.Self()
	if self == "" {
		return nil, domain.ErrNotAuthenticated
	}
	return rt.Records.Messages(domain.ConversationWith(self, domain.NormalizeHandle(peer.String())))
}

// DrainPending fetches the relay's queue over HTTP and feeds it to the inbox.
// It returns how many envelopes were surfaced.
func (rt *Runtime) DrainPending(ctx context.Context) (int, error) {
	envs, err := rt.API.FetchPending(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, env := range envs {
		surfaced, err := rt.Inbox.Accept(ctx, env, inbox.ViaHTTP)
		if err != nil {
			rt.log.WithError(err).WithField("message_id", env.ID).Warn("pending envelope not accepted")
			continue
		}
		if surfaced {
			n++
		}
	}
	return n, nil
}

// Sync drains the relay queue and runs one poller cycle.
func (rt *Runtime) Sync(ctx context.Context) (int, error) {
	ls, err := rt.session()
	if err != nil {
		return 0, err
	}
	n, err := rt.DrainPending(ctx)
	if err != nil {
		return n, err
	}
	m, err := ls.poller.PollOnce(ctx)
	return n + m, err
}

// tokenSource hands the live channel session tokens from the HTTP client,
// authenticating again with the stored account secret when needed.
type tokenSource struct{ rt *Runtime }

func (t tokenSource) Token(ctx context.Context) (string, error) {
	if s, ok := t.rt.API.Session(); ok && time.Until(s.ExpiresAt) > time.Minute {
		return s.Token, nil
	}
	return t.Refresh(ctx)
}

func (t tokenSource) Refresh(ctx context.Context) (string, error) {
	profile, err := t.rt.profile()
	if err != nil {
		return "", err
	}
	s, err := t.rt.API.Authenticate(ctx, domain.Credentials{Handle: profile.Handle, Secret: profile.Secret})
	if err != nil {
		return "", err
	}
	return s.Token, nil
}

var _ relay.TokenSource = tokenSource{}
