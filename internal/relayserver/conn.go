package relayserver

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"murmur/internal/domain"
	"murmur/internal/protocol/wire"
)

const writeTimeout = 10 * time.Second

// conn is one live socket. The handler goroutine reads; writeLoop drains an
// ordered outbox so a slow peer never blocks the registry.
type conn struct {
	ws     *websocket.Conn
	remote string
	log    *logrus.Entry

	mu      sync.Mutex
	handle  domain.Handle
	outbox  []wire.Payload
	gen     uint64 // bumped whenever outbox is replaced
	closing bool   // write what is queued, then close
	closed  bool
	notify  chan struct{}
	done    chan struct{}
}

func newConn(ws *websocket.Conn, remote string, log *logrus.Entry) *conn {
	return &conn{
		ws:     ws,
		remote: remote,
		log:    log.WithField("remote", remote),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Handle returns the authenticated handle, or "" before auth.
func (c *conn) Handle() domain.Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

func (c *conn) setHandle(h domain.Handle) {
	c.mu.Lock()
	c.handle = h
	c.mu.Unlock()
}

// enqueue appends p to the outbox. It reports false once the connection is
// closing.
func (c *conn) enqueue(p wire.Payload) bool {
	c.mu.Lock()
	if c.closed || c.closing {
		c.mu.Unlock()
		return false
	}
	c.outbox = append(c.outbox, p)
	c.mu.Unlock()
	c.wake()
	return true
}

// enqueueAll appends ps atomically, or nothing once the connection is
// closing.
func (c *conn) enqueueAll(ps []wire.Payload) bool {
	c.mu.Lock()
	if c.closed || c.closing {
		c.mu.Unlock()
		return false
	}
	c.outbox = append(c.outbox, ps...)
	c.mu.Unlock()
	c.wake()
	return true
}

// prepend puts ps back at the front of the outbox.
func (c *conn) prepend(ps []wire.Payload) bool {
	c.mu.Lock()
	if c.closed || c.closing {
		c.mu.Unlock()
		return false
	}
	c.outbox = append(append([]wire.Payload(nil), ps...), c.outbox...)
	c.gen++
	c.mu.Unlock()
	c.wake()
	return true
}

// shutdown replaces the outbox with final and closes the socket once it is
// written. Callers take the outbox first if they want to keep it.
func (c *conn) shutdown(final wire.Payload) {
	c.mu.Lock()
	if c.closed || c.closing {
		c.mu.Unlock()
		return
	}
	c.outbox = []wire.Payload{final}
	c.gen++
	c.closing = true
	c.mu.Unlock()
	c.wake()
}

// takeOutbox removes and returns everything not yet written.
func (c *conn) takeOutbox() []wire.Payload {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.outbox
	c.outbox = nil
	c.gen++
	return out
}

// close marks the connection dead and closes the socket. Idempotent.
func (c *conn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	close(c.done)
	if c.ws != nil {
		_ = c.ws.Close()
	}
}

func (c *conn) wake() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}

// writeLoop writes queued frames in order until the connection closes.
func (c *conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case <-c.notify:
		}
		for {
			c.mu.Lock()
			if len(c.outbox) == 0 {
				closing := c.closing
				c.mu.Unlock()
				if closing {
					_ = c.ws.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.ClosePolicyViolation, wire.CodeSuperseded),
						time.Now().Add(time.Second))
					c.close()
					return
				}
				break
			}
			p := c.outbox[0]
			gen := c.gen
			c.mu.Unlock()

			if err := c.write(p); err != nil {
				c.log.WithError(err).Debug("write failed")
				c.close()
				return
			}

			// Only drop the frame once written; an unwritten frame stays
			// queued for takeOutbox.
			c.mu.Lock()
			if c.gen == gen && len(c.outbox) > 0 {
				c.outbox = c.outbox[1:]
			}
			c.mu.Unlock()
		}
	}
}

func (c *conn) write(p wire.Payload) error {
	b, err := wire.Encode(p)
	if err != nil {
		return err
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, b)
}
