package smallwebrtc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/teslashibe/go-sonicbot/internal/log"
	"github.com/teslashibe/go-sonicbot/pkg/audio"
	"github.com/teslashibe/go-sonicbot/pkg/vad"
)

// Transport events handlers can subscribe to.
const (
	EventClientConnected    = "on_client_connected"
	EventClientDisconnected = "on_client_disconnected"
	EventClientClosed       = "on_client_closed"
)

// Params configures a Transport.
type Params struct {
	AudioInEnabled     bool
	AudioInSampleRate  int
	AudioOutEnabled    bool
	AudioOutSampleRate int

	// CameraInEnabled is accepted for parity with browser clients; video
	// tracks are ignored.
	CameraInEnabled bool

	VADEnabled          bool
	VADAudioPassthrough bool
	VADAnalyzer         vad.Analyzer
}

// EventHandler is called with the transport and the client peer. Each
// call runs on its own goroutine.
type EventHandler func(ctx context.Context, t *Transport, peer Peer)

// packetDecoder turns one Opus packet into mono 48kHz samples.
type packetDecoder interface {
	Decode(packet []byte) ([]int16, error)
}

// packetEncoder turns one 20ms mono 48kHz frame into an Opus packet.
type packetEncoder interface {
	Encode(frame []int16) ([]byte, error)
}

// Transport bridges a WebRTC client and a pipeline. Input produces user
// audio and speech events; Output plays bot audio.
type Transport struct {
	peer   Peer
	params Params
	log    *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	handlers  map[string][]EventHandler
	connected bool
	input     *InputTransport
	output    *OutputTransport

	newDecoder func() (packetDecoder, error)
	newEncoder func() (packetEncoder, error)
}

// New creates a transport for peer.
func New(peer Peer, params Params) *Transport {
	if params.AudioInSampleRate == 0 {
		params.AudioInSampleRate = 16000
	}
	if params.VADEnabled && params.VADAnalyzer == nil {
		params.VADAnalyzer = vad.NewEnergyAnalyzer()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Transport{
		peer:     peer,
		params:   params,
		log:      log.Component("smallwebrtc").With("pc_id", peer.PCID()),
		ctx:      ctx,
		cancel:   cancel,
		handlers: make(map[string][]EventHandler),
		newDecoder: func() (packetDecoder, error) {
			return audio.NewDecoder(1)
		},
		newEncoder: func() (packetEncoder, error) {
			return audio.NewEncoder(1)
		},
	}

	peer.On(EventConnected, t.clientConnected)
	peer.On(EventDisconnected, func() {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		t.emit(EventClientDisconnected)
	})
	peer.On(EventClosed, func() {
		t.emit(EventClientClosed)
	})
	return t
}

// Params returns the transport parameters.
func (t *Transport) Params() Params { return t.params }

// Peer returns the client connection.
func (t *Transport) Peer() Peer { return t.peer }

// Input returns the input processor, creating it on first use.
func (t *Transport) Input() *InputTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.input == nil {
		t.input = newInputTransport(t)
	}
	return t.input
}

// Output returns the output processor, creating it on first use.
func (t *Transport) Output() *OutputTransport {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.output == nil {
		t.output = newOutputTransport(t)
	}
	return t.output
}

// EventHandler registers fn for one of the EventClient* events.
func (t *Transport) EventHandler(event string, fn EventHandler) error {
	switch event {
	case EventClientConnected, EventClientDisconnected, EventClientClosed:
	default:
		return fmt.Errorf("smallwebrtc: unknown event %q", event)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers[event] = append(t.handlers[event], fn)
	return nil
}

// clientConnected reports a connection at most once per connect.
func (t *Transport) clientConnected() {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return
	}
	t.connected = true
	t.mu.Unlock()
	t.emit(EventClientConnected)
}

func (t *Transport) emit(event string) {
	t.mu.Lock()
	fns := append([]EventHandler(nil), t.handlers[event]...)
	t.mu.Unlock()

	t.log.Info("transport event", "event", event, "handlers", len(fns))
	for _, fn := range fns {
		go fn(t.ctx, t, t.peer)
	}
}

// Close closes the client connection and cancels handler contexts.
func (t *Transport) Close() error {
	defer t.cancel()
	return t.peer.Close()
}
