package smallwebrtc

import (
	"context"
	"sync"
	"time"

	"github.com/teslashibe/go-sonicbot/pkg/audio"
	"github.com/teslashibe/go-sonicbot/pkg/frames"
	"github.com/teslashibe/go-sonicbot/pkg/pipeline"
)

// botStoppedAfter is how long the output must be idle before the bot is
// considered to have stopped speaking.
const botStoppedAfter = 350 * time.Millisecond

// drainTimeout bounds how long an EndFrame waits for queued audio.
const drainTimeout = 10 * time.Second

// OutputTransport encodes bot audio to Opus and writes it to the client,
// one packet per frame interval.
type OutputTransport struct {
	*pipeline.BaseProcessor
	t *Transport

	frameInterval time.Duration

	enc     packetEncoder
	chunker *audio.Chunker

	mu      sync.Mutex
	packets [][]byte

	stopWriter context.CancelFunc
	writerDone chan struct{}
}

func newOutputTransport(t *Transport) *OutputTransport {
	out := &OutputTransport{
		t:             t,
		frameInterval: audio.OpusFrameDuration,
		chunker:       audio.NewChunker(audio.OpusFrameSamples),
	}
	out.BaseProcessor = pipeline.NewBaseProcessor("SmallWebRTCOutputTransport", out)
	return out
}

// ProcessFrame implements pipeline.Handler.
func (out *OutputTransport) ProcessFrame(ctx context.Context, f frames.Frame, dir pipeline.Direction) error {
	switch f := f.(type) {
	case *frames.StartFrame:
		if err := out.start(); err != nil {
			return err
		}
		out.PushFrame(ctx, f, dir)
	case *frames.OutputAudioRawFrame:
		if !out.t.params.AudioOutEnabled {
			return nil
		}
		return out.enqueue(f)
	case *frames.StartInterruptionFrame:
		out.clear()
		out.PushFrame(ctx, f, dir)
	case *frames.EndFrame:
		out.flush()
		out.waitDrained(ctx)
		out.stop()
		out.PushFrame(ctx, f, dir)
		out.closePeer()
	case *frames.CancelFrame:
		out.clear()
		out.stop()
		out.PushFrame(ctx, f, dir)
		out.closePeer()
	default:
		out.PushFrame(ctx, f, dir)
	}
	return nil
}

func (out *OutputTransport) start() error {
	if !out.t.params.AudioOutEnabled {
		return nil
	}
	if out.enc == nil {
		enc, err := out.t.newEncoder()
		if err != nil {
			return err
		}
		out.enc = enc
	}

	out.mu.Lock()
	defer out.mu.Unlock()
	if out.stopWriter != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	out.stopWriter = cancel
	out.writerDone = make(chan struct{})
	go out.writeLoop(ctx, out.writerDone)
	return nil
}

func (out *OutputTransport) stop() {
	out.mu.Lock()
	cancel, done := out.stopWriter, out.writerDone
	out.stopWriter, out.writerDone = nil, nil
	out.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Stop implements pipeline.FrameProcessor.
func (out *OutputTransport) Stop() {
	out.stop()
	out.BaseProcessor.Stop()
}

func (out *OutputTransport) closePeer() {
	if err := out.t.Close(); err != nil {
		out.Logger().Warn("closing client connection", "error", err)
	}
}

// enqueue converts audio to 48kHz mono, splits it into Opus frames and
// queues the encoded packets for the writer.
func (out *OutputTransport) enqueue(f *frames.OutputAudioRawFrame) error {
	samples := audio.BytesToSamples(f.Audio)
	if f.NumChannels == 2 {
		samples = audio.StereoToMono(samples)
	}
	samples = audio.Resample(samples, f.SampleRate, audio.OpusSampleRate)

	var packets [][]byte
	for _, frame := range out.chunker.Write(samples) {
		packet, err := out.enc.Encode(frame)
		if err != nil {
			return err
		}
		packets = append(packets, packet)
	}
	out.push(packets)
	return nil
}

// flush encodes the padded remainder of the chunker.
func (out *OutputTransport) flush() {
	if out.enc == nil {
		return
	}
	tail := out.chunker.Flush()
	if tail == nil {
		return
	}
	packet, err := out.enc.Encode(tail)
	if err != nil {
		out.Logger().Warn("encoding final audio frame", "error", err)
		return
	}
	out.push([][]byte{packet})
}

func (out *OutputTransport) push(packets [][]byte) {
	if len(packets) == 0 {
		return
	}
	out.mu.Lock()
	defer out.mu.Unlock()
	out.packets = append(out.packets, packets...)
}

func (out *OutputTransport) pop() ([]byte, bool) {
	out.mu.Lock()
	defer out.mu.Unlock()
	if len(out.packets) == 0 {
		return nil, false
	}
	p := out.packets[0]
	out.packets = out.packets[1:]
	return p, true
}

// Pending returns the number of queued Opus packets.
func (out *OutputTransport) Pending() int {
	out.mu.Lock()
	defer out.mu.Unlock()
	return len(out.packets)
}

// clear drops queued audio.
func (out *OutputTransport) clear() {
	out.chunker.Reset()
	out.mu.Lock()
	dropped := len(out.packets)
	out.packets = nil
	out.mu.Unlock()
	if dropped > 0 {
		out.Logger().Debug("interruption cleared queued audio", "packets", dropped)
	}
}

func (out *OutputTransport) waitDrained(ctx context.Context) {
	deadline := time.NewTimer(drainTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(out.frameInterval)
	defer tick.Stop()
	for out.Pending() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-deadline.C:
			out.Logger().Warn("timed out draining audio", "pending", out.Pending())
			return
		case <-tick.C:
		}
	}
}

// writeLoop paces packets to the client at the frame interval and reports
// bot speaking transitions in both directions.
func (out *OutputTransport) writeLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	tick := time.NewTicker(out.frameInterval)
	defer tick.Stop()

	speaking := false
	var lastAudio time.Time

	for {
		select {
		case <-ctx.Done():
			if speaking {
				out.botStopped(ctx)
			}
			return
		case <-tick.C:
		}

		packet, ok := out.pop()
		if !ok {
			if speaking && time.Since(lastAudio) >= botStoppedAfter {
				speaking = false
				out.botStopped(ctx)
			}
			continue
		}

		if !speaking {
			speaking = true
			out.botStarted(ctx)
		}
		lastAudio = time.Now()
		if err := out.t.peer.WriteAudio(packet, out.frameInterval); err != nil {
			out.Logger().Debug("writing audio sample failed", "error", err)
		}
	}
}

func (out *OutputTransport) botStarted(ctx context.Context) {
	out.Logger().Debug("bot started speaking")
	out.PushFrame(ctx, frames.NewBotStartedSpeakingFrame(), pipeline.Upstream)
	out.PushFrame(ctx, frames.NewBotStartedSpeakingFrame(), pipeline.Downstream)
}

func (out *OutputTransport) botStopped(ctx context.Context) {
	out.Logger().Debug("bot stopped speaking")
	out.PushFrame(ctx, frames.NewBotStoppedSpeakingFrame(), pipeline.Upstream)
	out.PushFrame(ctx, frames.NewBotStoppedSpeakingFrame(), pipeline.Downstream)
}
