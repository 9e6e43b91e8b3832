package bot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-sonicbot/internal/config"
	"github.com/teslashibe/go-sonicbot/internal/log"
	"github.com/teslashibe/go-sonicbot/pkg/frames"
	"github.com/teslashibe/go-sonicbot/pkg/pipeline"
	"github.com/teslashibe/go-sonicbot/pkg/services/novasonic"
	"github.com/teslashibe/go-sonicbot/pkg/transport/smallwebrtc"
)

type fakePeer struct {
	mu       sync.Mutex
	handlers map[smallwebrtc.ConnectionEvent][]func()
	closed   bool
	done     chan struct{}
	once     sync.Once
}

func newFakePeer() *fakePeer {
	return &fakePeer{
		handlers: make(map[smallwebrtc.ConnectionEvent][]func()),
		done:     make(chan struct{}),
	}
}

func (p *fakePeer) PCID() string { return "SmallWebRTCConnection#test" }

func (p *fakePeer) On(event smallwebrtc.ConnectionEvent, fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[event] = append(p.handlers[event], fn)
}

func (p *fakePeer) fire(event smallwebrtc.ConnectionEvent) {
	p.mu.Lock()
	fns := append([]func(){}, p.handlers[event]...)
	p.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (p *fakePeer) IsConnected() bool { return false }

func (p *fakePeer) ReadAudio(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-p.done:
		return nil, smallwebrtc.ErrConnectionClosed
	}
}

func (p *fakePeer) WriteAudio([]byte, time.Duration) error { return nil }

func (p *fakePeer) Close() error {
	p.once.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.done)
	})
	return nil
}

func (p *fakePeer) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

type fakeRegistrar struct {
	handlers map[string]smallwebrtc.EventHandler
}

func (r *fakeRegistrar) EventHandler(event string, fn smallwebrtc.EventHandler) error {
	if r.handlers == nil {
		r.handlers = make(map[string]smallwebrtc.EventHandler)
	}
	r.handlers[event] = fn
	return nil
}

type fakeTask struct {
	mu      sync.Mutex
	queued  [][]frames.Frame
	cancels int
}

func (t *fakeTask) QueueFrames(_ context.Context, fs []frames.Frame) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.queued = append(t.queued, fs)
	return nil
}

func (t *fakeTask) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancels++
}

func testCreds() config.AWS {
	return config.AWS{
		AccessKeyID:     "AKIDEXAMPLE",
		SecretAccessKey: "secret",
		SessionToken:    "token",
		Region:          "us-east-1",
	}
}

func TestSystemInstruction(t *testing.T) {
	assert.Equal(t,
		"You are a friendly assistant. The user and you will engage in a spoken dialog exchanging the transcripts of a natural real-time conversation. Keep your responses short, generally two or three sentences for chatty scenarios.",
		SystemInstruction)
	assert.NotContains(t, SystemInstruction, "\n")
}

func TestKickoffFrame(t *testing.T) {
	f := KickoffFrame()
	require.Len(t, f.Messages, 1)
	assert.Equal(t, frames.RoleUser, f.Messages[0].Role)
	assert.Equal(t, "Greet the user and introduce yourself.", f.Messages[0].Content)
}

func TestTransportParams(t *testing.T) {
	p := TransportParams()
	assert.True(t, p.AudioInEnabled)
	assert.Equal(t, 16000, p.AudioInSampleRate)
	assert.True(t, p.AudioOutEnabled)
	assert.False(t, p.CameraInEnabled)
	assert.True(t, p.VADEnabled)
	assert.True(t, p.VADAudioPassthrough)
	require.NotNil(t, p.VADAnalyzer)
	assert.Equal(t, 0.8, p.VADAnalyzer.Params().StopSecs)
}

func TestTaskParams(t *testing.T) {
	p := TaskParams()
	assert.True(t, p.AllowInterruptions)
	assert.True(t, p.EnableMetrics)
	assert.True(t, p.EnableUsageMetrics)
}

func TestConnectedQueuesKickoff(t *testing.T) {
	reg := &fakeRegistrar{}
	task := &fakeTask{}
	require.NoError(t, registerHandlers(reg, task, log.L()))

	reg.handlers[smallwebrtc.EventClientConnected](context.Background(), nil, nil)

	require.Len(t, task.queued, 1)
	require.Len(t, task.queued[0], 1)
	f, ok := task.queued[0][0].(*frames.LLMMessagesAppendFrame)
	require.True(t, ok)
	assert.Equal(t, GreetingPrompt, f.Messages[0].Content)
	assert.Zero(t, task.cancels)
}

func TestDisconnectedQueuesNothing(t *testing.T) {
	reg := &fakeRegistrar{}
	task := &fakeTask{}
	require.NoError(t, registerHandlers(reg, task, log.L()))

	reg.handlers[smallwebrtc.EventClientDisconnected](context.Background(), nil, nil)

	assert.Empty(t, task.queued)
	assert.Zero(t, task.cancels)
}

func TestClosedCancelsTask(t *testing.T) {
	reg := &fakeRegistrar{}
	task := &fakeTask{}
	require.NoError(t, registerHandlers(reg, task, log.L()))

	reg.handlers[smallwebrtc.EventClientClosed](context.Background(), nil, nil)

	assert.Equal(t, 1, task.cancels)
	assert.Empty(t, task.queued)
}

func TestNewBuildsPipeline(t *testing.T) {
	b, err := New(newFakePeer(), testCreds(), novasonic.WithStreamOpener(novasonic.NewMockStream().Opener()))
	require.NoError(t, err)

	procs := b.Pipeline.Processors()
	require.Len(t, procs, 3)
	assert.Same(t, b.Transport.Input(), procs[0])
	assert.Same(t, b.LLM, procs[1])
	assert.Same(t, b.Transport.Output(), procs[2])
	assert.False(t, b.Runner.HandlesSigint())
	assert.Equal(t, TaskParams(), b.Task.Params())
}

func TestNewReadsCredentials(t *testing.T) {
	t.Setenv(config.EnvAccessKeyID, "AKID")
	t.Setenv(config.EnvSecretAccessKey, "shh")
	t.Setenv(config.EnvSessionToken, "tok")
	t.Setenv(config.EnvRegion, "eu-north-1")

	b, err := New(newFakePeer(), config.LoadAWS())
	require.NoError(t, err)

	cfg := b.LLM.Config()
	assert.Equal(t, "AKID", cfg.AccessKeyID)
	assert.Equal(t, "shh", cfg.SecretAccessKey)
	assert.Equal(t, "tok", cfg.SessionToken)
	assert.Equal(t, "eu-north-1", cfg.Region)
	assert.Equal(t, SystemInstruction, cfg.Instruction)
}

func TestNewRequiresRegion(t *testing.T) {
	creds := testCreds()
	creds.Region = ""
	_, err := New(newFakePeer(), creds)
	assert.ErrorIs(t, err, novasonic.ErrMissingRegion)
}

func runBot(t *testing.T, b *Bot) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- b.Run(context.Background()) }()
	t.Cleanup(func() {
		b.Task.Cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	})
	return done
}

func TestBotGreetsAndStopsOnClose(t *testing.T) {
	peer := newFakePeer()
	stream := novasonic.NewMockStream()
	b, err := New(peer, testCreds(), novasonic.WithStreamOpener(stream.Opener()))
	require.NoError(t, err)

	done := runBot(t, b)

	require.Eventually(t, func() bool {
		return len(stream.Sent()) >= 6
	}, 2*time.Second, 10*time.Millisecond)

	peer.fire(smallwebrtc.EventConnected)

	require.Eventually(t, func() bool {
		for _, ev := range stream.SentEvents("textInput") {
			if ev["content"] == GreetingPrompt {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	peer.fire(smallwebrtc.EventClosed)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bot did not stop after the client closed")
	}
	assert.True(t, stream.IsClosed())
	assert.True(t, peer.isClosed())
}

func TestBotReturnsStreamError(t *testing.T) {
	stream := novasonic.NewMockStream()
	b, err := New(newFakePeer(), testCreds(), novasonic.WithStreamOpener(stream.Opener()))
	require.NoError(t, err)

	done := runBot(t, b)

	require.Eventually(t, func() bool {
		return len(stream.Sent()) >= 6
	}, 2*time.Second, 10*time.Millisecond)

	boom := errors.New("model went away")
	stream.Fail(boom)

	select {
	case err := <-done:
		assert.ErrorIs(t, err, boom)
	case <-time.After(5 * time.Second):
		t.Fatal("bot did not stop after the stream failed")
	}
}

var _ pipeline.FrameProcessor = (*novasonic.Service)(nil)
