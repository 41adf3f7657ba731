package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// testBus is a minimal in-process bus: it records every frame a client
// sends and echoes send frames back as message frames to every connection
// subscribed to the destination.
type testBus struct {
	srv *httptest.Server

	mu     sync.Mutex
	frames []Frame
	conns  []*testBusConn
}

type testBusConn struct {
	mu   sync.Mutex
	ws   *websocket.Conn
	subs map[string]string // subscription ID -> destination
}

func newTestBus(t *testing.T) *testBus {
	t.Helper()
	b := &testBus{}
	upgrader := websocket.Upgrader{}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conn := &testBusConn{ws: ws, subs: make(map[string]string)}
		b.mu.Lock()
		b.conns = append(b.conns, conn)
		b.mu.Unlock()

		for {
			var f Frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			b.mu.Lock()
			b.frames = append(b.frames, f)
			b.mu.Unlock()

			switch f.Type {
			case FrameSubscribe:
				conn.mu.Lock()
				conn.subs[f.ID] = f.Destination
				conn.mu.Unlock()
			case FrameUnsubscribe:
				conn.mu.Lock()
				delete(conn.subs, f.ID)
				conn.mu.Unlock()
			case FrameSend:
				b.deliver(f.Destination, f.Body)
			}
		}
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *testBus) deliver(destination string, body json.RawMessage) {
	b.mu.Lock()
	conns := append([]*testBusConn(nil), b.conns...)
	b.mu.Unlock()
	for _, c := range conns {
		c.mu.Lock()
		subscribed := false
		for _, d := range c.subs {
			if d == destination {
				subscribed = true
				break
			}
		}
		if subscribed {
			_ = c.ws.WriteJSON(Frame{Type: FrameMessage, Destination: destination, Body: body})
		}
		c.mu.Unlock()
	}
}

func (b *testBus) url() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *testBus) framesOfType(typ string) []Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Frame
	for _, f := range b.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestConnectIdempotent(t *testing.T) {
	bus := newTestBus(t)
	c := New(Options{URL: bus.url()})
	defer c.Close()

	c.Subscribe("/topic/presence", func([]byte) {})

	ctx := context.Background()
	if err := c.Connect(ctx, " Alice@X.com "); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(ctx, "alice@x.com"); err != nil {
		t.Fatal(err)
	}
	if err := c.Connect(ctx, "alice@x.com"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool { return len(bus.framesOfType(FrameConnect)) >= 1 })
	if got := len(bus.framesOfType(FrameConnect)); got != 1 {
		t.Fatalf("expected 1 connect frame, got %d", got)
	}
	if got := len(bus.framesOfType(FrameSubscribe)); got != 1 {
		t.Fatalf("expected 1 subscribe frame, got %d", got)
	}

	var cb connectBody
	if err := json.Unmarshal(bus.framesOfType(FrameConnect)[0].Body, &cb); err != nil {
		t.Fatal(err)
	}
	if cb.Identity != "alice@x.com" {
		t.Fatalf("identity not normalized: %q", cb.Identity)
	}
}

func TestFanOutExactlyOnce(t *testing.T) {
	bus := newTestBus(t)
	c := New(Options{URL: bus.url()})
	defer c.Close()

	var a, b, d atomic.Int32
	c.Subscribe("/topic/test", func([]byte) { a.Add(1) })
	c.Subscribe("/topic/test", func([]byte) { b.Add(1) })
	c.Subscribe("/topic/test", func([]byte) { d.Add(1) })

	if err := c.Connect(context.Background(), "u@x.com"); err != nil {
		t.Fatal(err)
	}
	if err := c.Publish("/topic/test", map[string]string{"hello": "world"}); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool {
		return a.Load() == 1 && b.Load() == 1 && d.Load() == 1
	})
	time.Sleep(20 * time.Millisecond)
	if a.Load() != 1 || b.Load() != 1 || d.Load() != 1 {
		t.Fatalf("handlers fired %d/%d/%d times, want 1 each", a.Load(), b.Load(), d.Load())
	}
}

func TestUnsubscribeLeavesOthersIntact(t *testing.T) {
	bus := newTestBus(t)
	c := New(Options{URL: bus.url()})
	defer c.Close()

	var kept, dropped atomic.Int32
	c.Subscribe("/topic/test", func([]byte) { kept.Add(1) })
	cancel := c.Subscribe("/topic/test", func([]byte) { dropped.Add(1) })

	if err := c.Connect(context.Background(), "u@x.com"); err != nil {
		t.Fatal(err)
	}

	cancel()
	cancel() // second call must be a no-op

	if err := c.Publish("/topic/test", map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return kept.Load() == 1 })
	if dropped.Load() != 0 {
		t.Fatalf("unsubscribed handler fired %d times", dropped.Load())
	}
}

func TestPendingPublishesFlushFIFO(t *testing.T) {
	bus := newTestBus(t)
	c := New(Options{URL: bus.url()})
	defer c.Close()

	for i, word := range []string{"first", "second", "third"} {
		if err := c.Publish("/app/dm.send", map[string]any{"seq": i, "word": word}); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(bus.framesOfType(FrameSend)); got != 0 {
		t.Fatalf("sends before connect: %d", got)
	}

	if err := c.Connect(context.Background(), "u@x.com"); err != nil {
		t.Fatal(err)
	}

	waitFor(t, time.Second, func() bool { return len(bus.framesOfType(FrameSend)) == 3 })
	sends := bus.framesOfType(FrameSend)
	for i, want := range []string{"first", "second", "third"} {
		var body struct {
			Word string `json:"word"`
		}
		if err := json.Unmarshal(sends[i].Body, &body); err != nil {
			t.Fatal(err)
		}
		if body.Word != want {
			t.Fatalf("flush order broken: position %d = %q, want %q", i, body.Word, want)
		}
	}
}

func TestHandlerPanicDoesNotBlockOthers(t *testing.T) {
	bus := newTestBus(t)
	c := New(Options{URL: bus.url()})
	defer c.Close()

	var fired atomic.Int32
	c.Subscribe("/topic/test", func([]byte) { panic("consumer bug") })
	c.Subscribe("/topic/test", func([]byte) { fired.Add(1) })

	if err := c.Connect(context.Background(), "u@x.com"); err != nil {
		t.Fatal(err)
	}
	if err := c.Publish("/topic/test", map[string]int{"n": 1}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, time.Second, func() bool { return fired.Load() == 1 })
}

func TestOfflineAfterReconnectCap(t *testing.T) {
	bus := newTestBus(t)
	c := New(Options{URL: bus.url(), BaseDelay: 10 * time.Millisecond, MaxAttempts: 2})
	defer c.Close()

	stateCh := make(chan State, 16)
	c.OnStateChange(func(s State) { stateCh <- s })

	if err := c.Connect(context.Background(), "u@x.com"); err != nil {
		t.Fatal(err)
	}

	// Kill the bus so every reconnect attempt fails.
	bus.srv.CloseClientConnections()
	bus.srv.Close()

	deadline := time.After(3 * time.Second)
	for {
		select {
		case s := <-stateCh:
			if s == StateOffline {
				if err := c.Publish("/topic/test", 1); err != ErrOffline {
					t.Fatalf("Publish while offline = %v, want ErrOffline", err)
				}
				return
			}
		case <-deadline:
			t.Fatal("never reached terminal offline state")
		}
	}
}
