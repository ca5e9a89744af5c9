package relayserver

import (
	"errors"
	"sync"

	"murmur/internal/domain"
	"murmur/internal/protocol/wire"
)

// errQueueFull is returned when a recipient's pending queue is at capacity.
var errQueueFull = errors.New("pending queue full")

// registry owns both the handle -> connection map and the handle -> pending
// queue map. Every operation that touches either runs under one mutex, so a
// message is either handed to the live connection or queued, never both,
// and a flush on authentication cannot interleave with a concurrent send.
type registry struct {
	maxPending int

	mu      sync.Mutex
	conns   map[domain.Handle]*conn
	pending map[domain.Handle][]wire.Payload
}

func newRegistry(maxPending int) *registry {
	return &registry{
		maxPending: maxPending,
		conns:      make(map[domain.Handle]*conn),
		pending:    make(map[domain.Handle][]wire.Payload),
	}
}

// Attach makes c the live connection for h. It queues first (the auth
// reply), then anything still unsent on the superseded connection, then
// the pending queue in arrival order. The superseded connection, if any, is
// returned for the caller to shut down. Last writer wins. It reports false,
// leaving everything as it was, if c closed before it could be attached.
func (r *registry) Attach(h domain.Handle, c *conn, first wire.Payload) (prev *conn, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev = r.conns[h]
	if prev == c {
		prev = nil
	}
	var carried []wire.Payload
	if prev != nil {
		for _, p := range prev.takeOutbox() {
			if durable(p) {
				carried = append(carried, p)
			}
		}
	}
	batch := make([]wire.Payload, 0, 1+len(carried)+len(r.pending[h]))
	batch = append(batch, first)
	batch = append(batch, carried...)
	batch = append(batch, r.pending[h]...)

	if !c.enqueueAll(batch) {
		if prev != nil && !prev.prepend(carried) {
			r.pending[h] = append(carried, r.pending[h]...)
		}
		return nil, false
	}
	r.conns[h] = c
	delete(r.pending, h)
	return prev, true
}

// Release detaches c from h after it closed. Unsent durable frames go to
// the current connection for h if there is one, otherwise back to the front
// of the pending queue. It reports whether c was still the live connection.
func (r *registry) Release(h domain.Handle, c *conn, unsent []wire.Payload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	var keep []wire.Payload
	for _, p := range unsent {
		if durable(p) {
			keep = append(keep, p)
		}
	}

	current := r.conns[h] == c
	if current {
		delete(r.conns, h)
	}
	if next, ok := r.conns[h]; ok && next.enqueueAll(keep) {
		return current
	}
	if len(keep) > 0 {
		r.pending[h] = append(keep, r.pending[h]...)
	}
	return current
}

// Deliver hands p to h's live connection or appends it to h's pending queue.
func (r *registry) Deliver(h domain.Handle, p wire.Payload) (delivered bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c, ok := r.conns[h]; ok && c.enqueue(p) {
		return true, nil
	}
	if r.maxPending > 0 && len(r.pending[h]) >= r.maxPending {
		return false, errQueueFull
	}
	r.pending[h] = append(r.pending[h], p)
	return false, nil
}

// SendLive hands p to h's live connection and drops it otherwise.
func (r *registry) SendLive(h domain.Handle, p wire.Payload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[h]
	return ok && c.enqueue(p)
}

// Broadcast sends p to every live connection except skip.
func (r *registry) Broadcast(skip domain.Handle, p wire.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for h, c := range r.conns {
		if h != skip {
			c.enqueue(p)
		}
	}
}

// DrainMessages removes and returns h's queued message frames. Other queued
// frames, such as delivery receipts, stay for the live channel.
func (r *registry) DrainMessages(h domain.Handle) []wire.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	var msgs []wire.Message
	var rest []wire.Payload
	for _, p := range r.pending[h] {
		if m, ok := p.(wire.Message); ok {
			msgs = append(msgs, m)
		} else {
			rest = append(rest, p)
		}
	}
	if len(rest) == 0 {
		delete(r.pending, h)
	} else {
		r.pending[h] = rest
	}
	return msgs
}

// Online reports whether h has a live connection.
func (r *registry) Online(h domain.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.conns[h]
	return ok
}

// PendingLen returns the number of frames queued for h.
func (r *registry) PendingLen(h domain.Handle) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending[h])
}

// Conns returns every live connection.
func (r *registry) Conns() []*conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// durable frames survive a connection; typing, presence and control frames
// do not.
func durable(p wire.Payload) bool {
	switch p.(type) {
	case wire.Message, wire.Ack:
		return true
	}
	return false
}
