package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type written struct {
	typ  int
	data []byte
}

type fakeConn struct {
	mu     sync.Mutex
	writes []written
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) SetReadLimit(int64)                {}
func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error  { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("closed")
}

func (c *fakeConn) WriteMessage(typ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, written{typ: typ, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) textMessages() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Event
	for _, w := range c.writes {
		if w.typ != websocket.TextMessage {
			continue
		}
		var ev Event
		if json.Unmarshal(w.data, &ev) == nil {
			out = append(out, ev)
		}
	}
	return out
}

func (c *fakeConn) sawClose() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.writes {
		if w.typ == websocket.CloseMessage {
			return true
		}
	}
	return false
}

func runHub(t *testing.T) (*Hub, context.CancelFunc) {
	t.Helper()
	h := New("test")
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(func() {
		cancel()
		<-h.Done()
	})
	require.Eventually(t, h.IsRunning, time.Second, 5*time.Millisecond)
	return h, cancel
}

func TestPublishReachesSubscribers(t *testing.T) {
	h, _ := runHub(t)

	a, b := newFakeConn(), newFakeConn()
	go h.Serve(a)
	go h.Serve(b)
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.Publish(NewEvent(EventSessionStarted, "pc-1")))

	for _, c := range []*fakeConn{a, b} {
		require.Eventually(t, func() bool { return len(c.textMessages()) == 1 }, time.Second, 5*time.Millisecond)
		ev := c.textMessages()[0]
		assert.Equal(t, EventSessionStarted, ev.Type)
		assert.Equal(t, "pc-1", ev.PCID)
		assert.False(t, ev.Time.IsZero())
	}
}

func TestDisconnectUnregisters(t *testing.T) {
	h, _ := runHub(t)

	c := newFakeConn()
	served := make(chan struct{})
	go func() {
		h.Serve(c)
		close(served)
	}()
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	c.Close()

	select {
	case <-served:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after disconnect")
	}
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestStopDisconnectsSubscribers(t *testing.T) {
	h, cancel := runHub(t)

	c := newFakeConn()
	go h.Serve(c)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-h.Done()

	assert.False(t, h.IsRunning())
	assert.Zero(t, h.ClientCount())
	require.Eventually(t, c.sawClose, time.Second, 5*time.Millisecond)
}

func TestServeAfterStop(t *testing.T) {
	h, cancel := runHub(t)
	cancel()
	<-h.Done()

	c := newFakeConn()
	h.Serve(c)

	select {
	case <-c.closed:
	default:
		t.Fatal("connection left open")
	}
}

func TestPublishWithoutSubscribers(t *testing.T) {
	h := New("idle")
	for i := 0; i < broadcastBuffer+10; i++ {
		require.NoError(t, h.Publish(Event{Type: EventSessionEnded}))
	}
}
