package smallwebrtc

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-sonicbot/pkg/audio"
	"github.com/teslashibe/go-sonicbot/pkg/frames"
	"github.com/teslashibe/go-sonicbot/pkg/pipeline"
)

// fakePeer is an in-memory Peer.
type fakePeer struct {
	mu        sync.Mutex
	handlers  map[ConnectionEvent][]func()
	connected bool
	written   [][]byte

	packets   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakePeer() *fakePeer {
	return &fakePeer{
		handlers: make(map[ConnectionEvent][]func()),
		packets:  make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
}

func (p *fakePeer) PCID() string { return "pc-test" }

func (p *fakePeer) On(event ConnectionEvent, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[event] = append(p.handlers[event], fn)
}

func (p *fakePeer) fire(event ConnectionEvent) {
	p.mu.Lock()
	switch event {
	case EventConnected:
		p.connected = true
	case EventDisconnected, EventClosed:
		p.connected = false
	}
	fns := append([]func(){}, p.handlers[event]...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (p *fakePeer) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *fakePeer) ReadAudio(ctx context.Context) ([]byte, error) {
	select {
	case pkt := <-p.packets:
		return pkt, nil
	case <-p.closed:
		return nil, ErrConnectionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *fakePeer) WriteAudio(packet []byte, _ time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, packet)
	return nil
}

func (p *fakePeer) writtenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.written)
}

func (p *fakePeer) isClosed() bool {
	select {
	case <-p.closed:
		return true
	default:
		return false
	}
}

func (p *fakePeer) Close() error {
	first := false
	p.closeOnce.Do(func() {
		first = true
		close(p.closed)
	})
	if first {
		p.fire(EventClosed)
	}
	return nil
}

// pcmCodec treats packets as raw PCM16.
type pcmCodec struct{}

func (pcmCodec) Decode(packet []byte) ([]int16, error) { return audio.BytesToSamples(packet), nil }
func (pcmCodec) Encode(frame []int16) ([]byte, error)  { return audio.SamplesToBytes(frame), nil }

func newTestTransport(peer *fakePeer, params Params) *Transport {
	tr := New(peer, params)
	tr.newDecoder = func() (packetDecoder, error) { return pcmCodec{}, nil }
	tr.newEncoder = func() (packetEncoder, error) { return pcmCodec{}, nil }
	return tr
}

// collector records every frame it sees and forwards it.
type collector struct {
	*pipeline.BaseProcessor
	mu   sync.Mutex
	seen []frames.Frame
}

func newCollector() *collector {
	c := &collector{}
	c.BaseProcessor = pipeline.NewBaseProcessor("collector", c)
	return c
}

func (c *collector) ProcessFrame(ctx context.Context, f frames.Frame, dir pipeline.Direction) error {
	c.mu.Lock()
	c.seen = append(c.seen, f)
	c.mu.Unlock()
	c.PushFrame(ctx, f, dir)
	return nil
}

func countOf[T frames.Frame](c *collector) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, f := range c.seen {
		if _, ok := f.(T); ok {
			n++
		}
	}
	return n
}

// loudPacket is one 20ms 48kHz packet of a full-ish square wave.
func loudPacket() []byte {
	samples := make([]int16, audio.OpusFrameSamples)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = 16000
		} else {
			samples[i] = -16000
		}
	}
	return audio.SamplesToBytes(samples)
}

func silentPacket() []byte {
	return make([]byte, audio.OpusFrameSamples*2)
}

func startTask(t *testing.T, procs ...pipeline.FrameProcessor) *pipeline.Task {
	t.Helper()
	p, err := pipeline.New(procs...)
	require.NoError(t, err)

	params := pipeline.DefaultParams()
	params.AllowInterruptions = true
	task := pipeline.NewTask(p, params)

	done := make(chan error, 1)
	go func() { done <- task.Run(context.Background()) }()
	t.Cleanup(func() {
		task.Cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("task did not finish")
		}
	})
	return task
}

func TestEventHandlerRejectsUnknownEvent(t *testing.T) {
	tr := newTestTransport(newFakePeer(), Params{})
	err := tr.EventHandler("on_something", func(context.Context, *Transport, Peer) {})
	assert.Error(t, err)
	assert.NoError(t, tr.EventHandler(EventClientConnected, func(context.Context, *Transport, Peer) {}))
}

func TestClientEvents(t *testing.T) {
	peer := newFakePeer()
	tr := newTestTransport(peer, Params{})

	calls := make(chan string, 10)
	for _, ev := range []string{EventClientConnected, EventClientDisconnected, EventClientClosed} {
		require.NoError(t, tr.EventHandler(ev, func(_ context.Context, got *Transport, p Peer) {
			assert.Same(t, tr, got)
			assert.Equal(t, "pc-test", p.PCID())
			calls <- ev
		}))
	}

	peer.fire(EventConnected)
	peer.fire(EventConnected)
	peer.fire(EventDisconnected)
	require.NoError(t, peer.Close())
	require.NoError(t, peer.Close())

	var got []string
	timeout := time.After(2 * time.Second)
	for len(got) < 3 {
		select {
		case ev := <-calls:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("expected 3 events, got %v", got)
		}
	}
	assert.ElementsMatch(t, []string{EventClientConnected, EventClientDisconnected, EventClientClosed}, got)

	select {
	case ev := <-calls:
		t.Errorf("unexpected extra event %s", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInputDetectsSpeech(t *testing.T) {
	peer := newFakePeer()
	tr := newTestTransport(peer, Params{
		AudioInEnabled:      true,
		AudioInSampleRate:   16000,
		VADEnabled:          true,
		VADAudioPassthrough: true,
	})
	rec := newCollector()
	startTask(t, tr.Input(), rec)

	// 16 packets at 48kHz make ten 32ms windows at 16kHz.
	for i := 0; i < 20; i++ {
		peer.packets <- loudPacket()
	}
	require.Eventually(t, func() bool {
		return countOf[*frames.UserStartedSpeakingFrame](rec) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, countOf[*frames.StartInterruptionFrame](rec))

	// 0.8s of silence is 40 packets.
	for i := 0; i < 45; i++ {
		peer.packets <- silentPacket()
	}
	require.Eventually(t, func() bool {
		return countOf[*frames.UserStoppedSpeakingFrame](rec) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, countOf[*frames.StopInterruptionFrame](rec))

	require.Eventually(t, func() bool {
		return countOf[*frames.InputAudioRawFrame](rec) == 65
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, countOf[*frames.UserStartedSpeakingFrame](rec))
}

func TestInputWithoutPassthrough(t *testing.T) {
	peer := newFakePeer()
	tr := newTestTransport(peer, Params{
		AudioInEnabled:    true,
		AudioInSampleRate: 16000,
		VADEnabled:        true,
	})
	rec := newCollector()
	startTask(t, tr.Input(), rec)

	for i := 0; i < 20; i++ {
		peer.packets <- loudPacket()
	}
	require.Eventually(t, func() bool {
		return countOf[*frames.UserStartedSpeakingFrame](rec) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Zero(t, countOf[*frames.InputAudioRawFrame](rec))
}

func TestInputAnnouncesEarlyConnection(t *testing.T) {
	peer := newFakePeer()
	peer.connected = true
	tr := newTestTransport(peer, Params{AudioInEnabled: true})

	connected := make(chan struct{}, 2)
	require.NoError(t, tr.EventHandler(EventClientConnected, func(context.Context, *Transport, Peer) {
		connected <- struct{}{}
	}))
	startTask(t, tr.Input())

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("expected connected event")
	}
}

func TestOutputWritesPackets(t *testing.T) {
	peer := newFakePeer()
	tr := newTestTransport(peer, Params{AudioOutEnabled: true})
	out := tr.Output()
	out.frameInterval = time.Millisecond
	rec := newCollector()
	task := startTask(t, rec, out)

	// 80ms at 24kHz becomes four 20ms packets at 48kHz.
	pcm := audio.SamplesToBytes(make([]int16, 1920))
	require.NoError(t, task.QueueFrame(context.Background(), frames.NewOutputAudioRawFrame(pcm, 24000, 1)))

	require.Eventually(t, func() bool { return peer.writtenCount() == 4 }, 2*time.Second, 5*time.Millisecond)
	peer.mu.Lock()
	assert.Len(t, peer.written[0], audio.OpusFrameSamples*2)
	peer.mu.Unlock()

	require.Eventually(t, func() bool {
		return countOf[*frames.BotStartedSpeakingFrame](rec) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return countOf[*frames.BotStoppedSpeakingFrame](rec) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestOutputInterruptionClearsQueue(t *testing.T) {
	tr := newTestTransport(newFakePeer(), Params{AudioOutEnabled: true})
	out := tr.Output()
	out.enc = pcmCodec{}
	ctx := context.Background()

	pcm := audio.SamplesToBytes(make([]int16, 1920+100))
	require.NoError(t, out.ProcessFrame(ctx, frames.NewOutputAudioRawFrame(pcm, 24000, 1), pipeline.Downstream))
	assert.Equal(t, 4, out.Pending())
	assert.Equal(t, 200, out.chunker.Buffered())

	require.NoError(t, out.ProcessFrame(ctx, frames.NewStartInterruptionFrame(), pipeline.Downstream))
	assert.Zero(t, out.Pending())
	assert.Zero(t, out.chunker.Buffered())
}

func TestOutputDownmixesStereo(t *testing.T) {
	tr := newTestTransport(newFakePeer(), Params{AudioOutEnabled: true})
	out := tr.Output()
	out.enc = pcmCodec{}

	stereo := audio.SamplesToBytes(make([]int16, 2*audio.OpusFrameSamples))
	require.NoError(t, out.ProcessFrame(context.Background(), frames.NewOutputAudioRawFrame(stereo, 48000, 2), pipeline.Downstream))
	assert.Equal(t, 1, out.Pending())
}

func TestOutputEndClosesPeer(t *testing.T) {
	peer := newFakePeer()
	tr := newTestTransport(peer, Params{AudioOutEnabled: true})
	out := tr.Output()
	out.frameInterval = time.Millisecond

	closed := make(chan struct{}, 1)
	require.NoError(t, tr.EventHandler(EventClientClosed, func(context.Context, *Transport, Peer) {
		closed <- struct{}{}
	}))

	task := startTask(t, out)
	pcm := audio.SamplesToBytes(make([]int16, 1000))
	require.NoError(t, task.QueueFrame(context.Background(), frames.NewOutputAudioRawFrame(pcm, 48000, 1)))
	require.NoError(t, task.StopWhenDone(context.Background()))

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("expected closed event")
	}
	assert.True(t, peer.isClosed())
	// The partial frame is padded and flushed before closing.
	assert.Equal(t, 2, peer.writtenCount())
}
