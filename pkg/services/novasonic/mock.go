package novasonic

import (
	"context"
	"encoding/json"
	"sync"
)

// MockStream is an in-memory Stream for testing.
type MockStream struct {
	mu     sync.Mutex
	sent   [][]byte
	err    error
	closed bool

	events    chan []byte
	closeOnce sync.Once

	// SendFunc overrides Send.
	SendFunc func(ctx context.Context, event []byte) error
}

// NewMockStream creates a MockStream.
func NewMockStream() *MockStream {
	return &MockStream{events: make(chan []byte, 256)}
}

// Opener returns a StreamOpener that always yields m.
func (m *MockStream) Opener() StreamOpener {
	return func(context.Context, *Config) (Stream, error) {
		return m, nil
	}
}

// Send implements Stream.
func (m *MockStream) Send(ctx context.Context, event []byte) error {
	if m.SendFunc != nil {
		if err := m.SendFunc(ctx, event); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStreamClosed
	}
	m.sent = append(m.sent, append([]byte(nil), event...))
	return nil
}

// Events implements Stream.
func (m *MockStream) Events() <-chan []byte { return m.events }

// Err implements Stream.
func (m *MockStream) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Close implements Stream.
func (m *MockStream) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.closeOnce.Do(func() { close(m.events) })
	return nil
}

// IsClosed reports whether Close or Fail was called.
func (m *MockStream) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Emit delivers a model event. v is marshaled to JSON.
func (m *MockStream) Emit(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.events <- data
	return nil
}

// Fail ends the stream from the model side with err.
func (m *MockStream) Fail(err error) {
	m.mu.Lock()
	m.err = err
	m.closed = true
	m.mu.Unlock()
	m.closeOnce.Do(func() { close(m.events) })
}

// Sent returns the raw events sent so far.
func (m *MockStream) Sent() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.sent))
	copy(out, m.sent)
	return out
}

// SentEventNames returns the event name of every sent event, in order.
func (m *MockStream) SentEventNames() []string {
	var names []string
	for _, data := range m.Sent() {
		var ev struct {
			Event map[string]json.RawMessage `json:"event"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			names = append(names, "<invalid>")
			continue
		}
		for name := range ev.Event {
			names = append(names, name)
		}
	}
	return names
}

// SentEvents returns the body of every sent event named name.
func (m *MockStream) SentEvents(name string) []map[string]any {
	var out []map[string]any
	for _, data := range m.Sent() {
		var ev struct {
			Event map[string]map[string]any `json:"event"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}
		if body, ok := ev.Event[name]; ok {
			out = append(out, body)
		}
	}
	return out
}
