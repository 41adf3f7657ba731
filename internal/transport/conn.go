package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/interacthub/livecomm/internal/channel"
)

// State is the connection lifecycle state of a Conn.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	// StateOffline is terminal: the reconnect attempt cap was exhausted.
	// Dependents should surface this to the user instead of waiting forever.
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateOffline:
		return "offline"
	}
	return "unknown"
}

// ErrOffline is returned by operations that require a live bus after the
// reconnect budget has been exhausted.
var ErrOffline = fmt.Errorf("bus: offline, reconnect attempts exhausted")

const (
	// pendingCap bounds the outbound queue accumulated while disconnected.
	// When full, the oldest queued publish is dropped.
	pendingCap = 256

	defaultBaseDelay   = 3 * time.Second
	defaultMaxAttempts = 10
	writeTimeout       = 10 * time.Second
)

// Options configure a Conn.
type Options struct {
	URL         string
	BaseDelay   time.Duration // reconnect backoff unit; default 3s
	MaxAttempts int           // reconnect cap; default 10
	Dialer      *websocket.Dialer
}

type subscription struct {
	id          string
	destination string
	fn          func(body []byte)
}

type outbound struct {
	destination string
	body        json.RawMessage
}

// Conn owns the one logical connection to the message bus for a process.
// It reconnects with bounded backoff on unexpected close, re-establishes
// every active subscription on each (re)connect, and queues publishes made
// while disconnected for FIFO flush once connected.
type Conn struct {
	opts     Options
	identity string

	mu       sync.Mutex
	ws       *websocket.Conn
	state    State
	attempts int
	gen      int // bumped per (re)dial so stale read loops exit quietly
	subs     map[string]*subscription
	pending  []outbound
	retry    *time.Timer
	closed   bool

	writeMu sync.Mutex

	watchMu  sync.RWMutex
	watchers map[string]func(State)
}

// New creates a Conn. No network activity happens until Connect.
func New(opts Options) *Conn {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	return &Conn{
		opts:     opts,
		state:    StateDisconnected,
		subs:     make(map[string]*subscription),
		watchers: make(map[string]func(State)),
	}
}

// Connect opens the transport for the given identity. Idempotent: if the
// connection is already up it returns immediately and does not subscribe
// anything twice. On success every registered subscription has been
// re-announced to the bus and the pending outbound queue has been flushed.
func (c *Conn) Connect(ctx context.Context, identity string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("bus: connection closed")
	}
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.identity = channel.Normalize(identity)
	c.state = StateConnecting
	c.mu.Unlock()
	c.notify(StateConnecting)

	if err := c.dial(ctx); err != nil {
		c.mu.Lock()
		c.state = StateDisconnected
		c.mu.Unlock()
		c.notify(StateDisconnected)
		return err
	}
	return nil
}

// dial performs one connection attempt and, on success, replays the
// connect frame, all subscriptions and the pending queue.
func (c *Conn) dial(ctx context.Context) error {
	ws, _, err := c.opts.Dialer.DialContext(ctx, c.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("bus: dial %s: %w", c.opts.URL, err)
	}

	c.mu.Lock()
	c.ws = ws
	c.state = StateConnected
	c.attempts = 0
	c.gen++
	gen := c.gen
	subs := make([]*subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	queued := c.pending
	c.pending = nil
	identity := c.identity
	c.mu.Unlock()

	body, _ := json.Marshal(connectBody{Identity: identity})
	if err := c.writeFrame(ws, Frame{Type: FrameConnect, Body: body}); err != nil {
		ws.Close()
		return fmt.Errorf("bus: connect frame: %w", err)
	}

	// Baseline and per-consumer subscriptions are indistinguishable here:
	// everything registered so far is re-announced with its original ID,
	// so repeated Connect calls never double-subscribe.
	for _, s := range subs {
		if err := c.writeFrame(ws, Frame{Type: FrameSubscribe, ID: s.id, Destination: s.destination}); err != nil {
			log.Printf("BUS: resubscribe %s failed: %v", s.destination, err)
		}
	}

	// Flush publishes queued while offline, in original order.
	for _, o := range queued {
		if err := c.writeFrame(ws, Frame{Type: FrameSend, Destination: o.destination, Body: o.body}); err != nil {
			log.Printf("BUS: flush to %s failed: %v", o.destination, err)
		}
	}

	log.Printf("BUS: connected to %s as %s (%d subscriptions, %d flushed)",
		c.opts.URL, identity, len(subs), len(queued))
	c.notify(StateConnected)

	go c.readLoop(ws, gen)
	return nil
}

// Subscribe registers a handler for a destination and returns an
// unsubscribe function. Multiple subscriptions to the same destination are
// independent: each handler fires for every inbound message and removing
// one never affects the others. The unsubscribe function is safe to call
// more than once and after the connection has closed.
func (c *Conn) Subscribe(destination string, fn func(body []byte)) func() {
	sub := &subscription{
		id:          uuid.NewString(),
		destination: destination,
		fn:          fn,
	}

	c.mu.Lock()
	c.subs[sub.id] = sub
	ws := c.ws
	connected := c.state == StateConnected
	c.mu.Unlock()

	if connected {
		if err := c.writeFrame(ws, Frame{Type: FrameSubscribe, ID: sub.id, Destination: destination}); err != nil {
			log.Printf("BUS: subscribe %s failed: %v", destination, err)
		}
	}

	return func() {
		c.mu.Lock()
		if _, ok := c.subs[sub.id]; !ok {
			c.mu.Unlock()
			return
		}
		delete(c.subs, sub.id)
		ws := c.ws
		connected := c.state == StateConnected
		c.mu.Unlock()

		if connected {
			_ = c.writeFrame(ws, Frame{Type: FrameUnsubscribe, ID: sub.id, Destination: destination})
		}
	}
}

// Publish sends a payload to a destination. While disconnected the payload
// is queued (bounded, oldest dropped) and flushed in FIFO order once the
// connection comes back; callers never see a transient transport error.
// Only a terminal offline state is reported.
func (c *Conn) Publish(destination string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("bus: marshal payload for %s: %w", destination, err)
	}

	c.mu.Lock()
	if c.state == StateOffline {
		c.mu.Unlock()
		return ErrOffline
	}
	if c.state != StateConnected {
		if len(c.pending) >= pendingCap {
			c.pending = c.pending[1:]
		}
		c.pending = append(c.pending, outbound{destination: destination, body: body})
		n := len(c.pending)
		c.mu.Unlock()
		log.Printf("BUS: queued publish to %s (not connected, %d pending)", destination, n)
		return nil
	}
	ws := c.ws
	c.mu.Unlock()

	if err := c.writeFrame(ws, Frame{Type: FrameSend, Destination: destination, Body: body}); err != nil {
		// The read loop will notice the broken socket and reconnect;
		// requeue so the payload is not lost.
		c.mu.Lock()
		if len(c.pending) >= pendingCap {
			c.pending = c.pending[1:]
		}
		c.pending = append(c.pending, outbound{destination: destination, body: body})
		c.mu.Unlock()
		log.Printf("BUS: publish to %s failed, requeued: %v", destination, err)
	}
	return nil
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers a watcher fired on every state transition.
// Returns an unregister function.
func (c *Conn) OnStateChange(fn func(State)) func() {
	id := uuid.NewString()
	c.watchMu.Lock()
	c.watchers[id] = fn
	c.watchMu.Unlock()
	return func() {
		c.watchMu.Lock()
		delete(c.watchers, id)
		c.watchMu.Unlock()
	}
}

// Close tears down the connection and cancels any scheduled reconnect.
func (c *Conn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.gen++
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	ws := c.ws
	c.ws = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if ws != nil {
		ws.Close()
	}
	c.notify(StateDisconnected)
}

func (c *Conn) writeFrame(ws *websocket.Conn, f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return ws.WriteJSON(f)
}

// readLoop reads frames until the socket breaks, then hands off to the
// reconnect scheduler. gen guards against a stale loop (from a socket that
// was already replaced) triggering a second reconnect.
func (c *Conn) readLoop(ws *websocket.Conn, gen int) {
	for {
		var f Frame
		if err := ws.ReadJSON(&f); err != nil {
			c.mu.Lock()
			stale := c.closed || gen != c.gen
			c.mu.Unlock()
			if stale {
				return
			}
			log.Printf("BUS: connection lost: %v", err)
			c.scheduleReconnect()
			return
		}
		if f.Type != FrameMessage {
			continue
		}
		c.dispatch(f)
	}
}

// dispatch delivers one inbound message to every subscription on its
// destination, in registration-independent but per-destination bus order.
// A panicking handler is logged and never blocks the others.
func (c *Conn) dispatch(f Frame) {
	c.mu.Lock()
	handlers := make([]*subscription, 0, 4)
	for _, s := range c.subs {
		if s.destination == f.Destination {
			handlers = append(handlers, s)
		}
	}
	c.mu.Unlock()

	for _, s := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("BUS: handler for %s panicked: %v", f.Destination, r)
				}
			}()
			s.fn(f.Body)
		}()
	}
}

// scheduleReconnect arms a backoff timer for the next dial attempt.
// Delay grows linearly with the attempt count, capped at the attempt
// ceiling, after which the connection goes terminally offline.
func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if c.ws != nil {
		c.ws.Close()
		c.ws = nil
	}
	c.attempts++
	if c.attempts > c.opts.MaxAttempts {
		c.state = StateOffline
		c.mu.Unlock()
		log.Printf("BUS: giving up after %d reconnect attempts", c.opts.MaxAttempts)
		c.notify(StateOffline)
		return
	}
	c.state = StateConnecting
	n := c.attempts
	if n > c.opts.MaxAttempts {
		n = c.opts.MaxAttempts
	}
	delay := time.Duration(n) * c.opts.BaseDelay
	c.retry = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.closed || c.state != StateConnecting {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()
		if err := c.dial(context.Background()); err != nil {
			log.Printf("BUS: reconnect attempt %d failed: %v", c.attempts, err)
			c.scheduleReconnect()
		}
	})
	c.mu.Unlock()
	log.Printf("BUS: reconnect attempt %d in %s", c.attempts, delay)
	c.notify(StateConnecting)
}

func (c *Conn) notify(s State) {
	c.watchMu.RLock()
	fns := make([]func(State), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.watchMu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}
