package smallwebrtc

import (
	"context"
	"errors"
	"sync"

	"github.com/teslashibe/go-sonicbot/pkg/audio"
	"github.com/teslashibe/go-sonicbot/pkg/frames"
	"github.com/teslashibe/go-sonicbot/pkg/pipeline"
	"github.com/teslashibe/go-sonicbot/pkg/vad"
)

// InputTransport reads client audio and pushes it downstream as
// InputAudioRawFrames, together with user speaking and interruption
// frames when VAD is enabled.
type InputTransport struct {
	*pipeline.BaseProcessor
	t *Transport

	sampleRate int
	vadState   vad.State

	mu       sync.Mutex
	stopRead context.CancelFunc
}

func newInputTransport(t *Transport) *InputTransport {
	in := &InputTransport{t: t}
	in.BaseProcessor = pipeline.NewBaseProcessor("SmallWebRTCInputTransport", in)
	return in
}

// ProcessFrame implements pipeline.Handler.
func (in *InputTransport) ProcessFrame(ctx context.Context, f frames.Frame, dir pipeline.Direction) error {
	switch f := f.(type) {
	case *frames.StartFrame:
		if err := in.start(ctx, f); err != nil {
			return err
		}
		in.PushFrame(ctx, f, dir)
	case *frames.EndFrame, *frames.CancelFrame:
		in.stopReading()
		in.PushFrame(ctx, f, dir)
	case *frames.InputAudioRawFrame:
		if dir == pipeline.Downstream {
			in.handleAudio(ctx, f)
			return nil
		}
		in.PushFrame(ctx, f, dir)
	default:
		in.PushFrame(ctx, f, dir)
	}
	return nil
}

func (in *InputTransport) start(ctx context.Context, f *frames.StartFrame) error {
	params := in.t.params
	in.sampleRate = params.AudioInSampleRate
	if in.sampleRate == 0 {
		in.sampleRate = f.AudioInSampleRate
	}
	if params.VADEnabled && params.VADAnalyzer != nil {
		params.VADAnalyzer.SetSampleRate(in.sampleRate)
	}
	in.vadState = vad.StateQuiet

	if params.AudioInEnabled {
		dec, err := in.t.newDecoder()
		if err != nil {
			return err
		}
		in.startReading(dec)
	}

	// The client may have connected before the pipeline started.
	if in.t.peer.IsConnected() {
		in.t.clientConnected()
	}
	return nil
}

func (in *InputTransport) startReading(dec packetDecoder) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.stopRead != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	in.stopRead = cancel
	go in.readLoop(ctx, dec)
}

// stopReading cancels the read loop without waiting: a pending read only
// returns once the client sends a packet or the connection closes.
func (in *InputTransport) stopReading() {
	in.mu.Lock()
	cancel := in.stopRead
	in.stopRead = nil
	in.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Stop implements pipeline.FrameProcessor.
func (in *InputTransport) Stop() {
	in.stopReading()
	in.BaseProcessor.Stop()
}

func (in *InputTransport) readLoop(ctx context.Context, dec packetDecoder) {
	logger := in.Logger()
	for {
		packet, err := in.t.peer.ReadAudio(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrConnectionClosed) {
				return
			}
			logger.Warn("reading client audio failed", "error", err)
			return
		}

		if ctx.Err() != nil {
			return
		}
		pcm, err := dec.Decode(packet)
		if err != nil {
			logger.Debug("dropping undecodable packet", "error", err)
			continue
		}
		pcm = audio.Resample(pcm, audio.OpusSampleRate, in.sampleRate)
		in.QueueFrame(frames.NewInputAudioRawFrame(audio.SamplesToBytes(pcm), in.sampleRate, 1), pipeline.Downstream)
	}
}

func (in *InputTransport) handleAudio(ctx context.Context, f *frames.InputAudioRawFrame) {
	params := in.t.params
	if params.VADEnabled && params.VADAnalyzer != nil {
		in.handleVAD(ctx, params.VADAnalyzer.AnalyzeAudio(f.Audio))
	}
	if !params.VADEnabled || params.VADAudioPassthrough {
		in.PushFrame(ctx, f, pipeline.Downstream)
	}
}

// handleVAD reports transitions into speaking and quiet. The intermediate
// starting and stopping states are not reported.
func (in *InputTransport) handleVAD(ctx context.Context, state vad.State) {
	if state == in.vadState || state == vad.StateStarting || state == vad.StateStopping {
		return
	}
	in.vadState = state

	switch state {
	case vad.StateSpeaking:
		in.Logger().Debug("user started speaking")
		in.PushFrame(ctx, frames.NewUserStartedSpeakingFrame(), pipeline.Downstream)
		if in.InterruptionsAllowed() {
			in.PushFrame(ctx, frames.NewStartInterruptionFrame(), pipeline.Downstream)
		}
	case vad.StateQuiet:
		in.Logger().Debug("user stopped speaking")
		in.PushFrame(ctx, frames.NewUserStoppedSpeakingFrame(), pipeline.Downstream)
		if in.InterruptionsAllowed() {
			in.PushFrame(ctx, frames.NewStopInterruptionFrame(), pipeline.Downstream)
		}
	}
}
