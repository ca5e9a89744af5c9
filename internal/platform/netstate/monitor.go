package netstate

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"murmur/internal/domain"
)

// Probe reports whether the network is reachable right now.
type Probe func(ctx context.Context) bool

// Monitor holds the current connectivity state. It can be driven manually
// with Set or by Run polling a Probe.
type Monitor struct {
	log *logrus.Entry

	mu     sync.Mutex
	online bool
	nextID int
	subs   map[int]func(bool)
}

// New returns a monitor starting in the given state.
func New(online bool, logger *logrus.Logger) *Monitor {
	if logger == nil {
		logger = logrus.New()
	}
	return &Monitor{
		log:    logger.WithField("component", "netstate"),
		online: online,
		subs:   make(map[int]func(bool)),
	}
}

// Online reports the current state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Set records the state and notifies subscribers if it changed. Subscribers
// run synchronously on the caller's goroutine, outside the monitor's lock.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]func(bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.log.WithField("online", online).Info("connectivity changed")
	for _, fn := range subs {
		fn(online)
	}
}

// Subscribe registers fn for changes until cancel is called.
func (m *Monitor) Subscribe(fn func(online bool)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
		})
	}
}

// Run polls probe every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context, probe Probe, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		pctx, cancel := context.WithTimeout(ctx, interval)
		up := probe(pctx)
		cancel()
		if ctx.Err() != nil {
			return
		}
		m.Set(up)

		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}

// Compile-time assertion that Monitor implements domain.Connectivity.
var _ domain.Connectivity = (*Monitor)(nil)
