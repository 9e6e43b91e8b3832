// Package bot wires a WebRTC client to a Nova Sonic conversation.
//
// One bot serves one peer connection: the client's microphone audio goes
// through the transport input into the model, and the model's speech comes
// back out through the transport output.
package bot

import (
	"context"
	"log/slog"

	"github.com/teslashibe/go-sonicbot/internal/config"
	"github.com/teslashibe/go-sonicbot/internal/log"
	"github.com/teslashibe/go-sonicbot/pkg/frames"
	"github.com/teslashibe/go-sonicbot/pkg/pipeline"
	"github.com/teslashibe/go-sonicbot/pkg/services/novasonic"
	"github.com/teslashibe/go-sonicbot/pkg/transport/smallwebrtc"
	"github.com/teslashibe/go-sonicbot/pkg/vad"
)

// SystemInstruction is the model's system prompt. Nova Sonic does not
// handle embedded newlines, so it is a single line.
const SystemInstruction = "You are a friendly assistant. The user and you will engage in a spoken dialog " +
	"exchanging the transcripts of a natural real-time conversation. Keep your responses short, " +
	"generally two or three sentences for chatty scenarios."

// GreetingPrompt kicks off the conversation once the client connects.
const GreetingPrompt = "Greet the user and introduce yourself."

// VADStopSecs is the silence needed before the user is considered done.
const VADStopSecs = 0.8

// TransportParams returns the transport configuration used by the bot.
func TransportParams() smallwebrtc.Params {
	params := vad.DefaultParams()
	params.StopSecs = VADStopSecs

	return smallwebrtc.Params{
		AudioInEnabled:      true,
		AudioInSampleRate:   16000,
		AudioOutEnabled:     true,
		CameraInEnabled:     false,
		VADEnabled:          true,
		VADAudioPassthrough: true,
		VADAnalyzer:         vad.NewEnergyAnalyzer(vad.WithParams(params)),
	}
}

// TaskParams returns the pipeline task parameters used by the bot.
func TaskParams() pipeline.Params {
	params := pipeline.DefaultParams()
	params.AllowInterruptions = true
	params.EnableMetrics = true
	params.EnableUsageMetrics = true
	return params
}

// ServiceOptions returns the Nova Sonic options for the given credentials.
func ServiceOptions(creds config.AWS) []novasonic.Option {
	return []novasonic.Option{
		novasonic.WithInstruction(SystemInstruction),
		novasonic.WithCredentials(creds.SecretAccessKey, creds.AccessKeyID),
		novasonic.WithSessionToken(creds.SessionToken),
		novasonic.WithRegion(creds.Region),
	}
}

// KickoffFrame is the frame queued when the client connects.
func KickoffFrame() *frames.LLMMessagesAppendFrame {
	return frames.NewLLMMessagesAppendFrame(frames.Message{
		Role:    frames.RoleUser,
		Content: GreetingPrompt,
	})
}

// Bot holds everything constructed for one client.
type Bot struct {
	Transport *smallwebrtc.Transport
	LLM       *novasonic.Service
	Pipeline  *pipeline.Pipeline
	Task      *pipeline.Task
	Runner    *pipeline.Runner

	logger *slog.Logger
}

// New builds a bot for peer. Extra options are applied after the defaults.
func New(peer smallwebrtc.Peer, creds config.AWS, opts ...novasonic.Option) (*Bot, error) {
	logger := log.Component("bot").With("pc_id", peer.PCID())

	transport := smallwebrtc.New(peer, TransportParams())

	llm, err := novasonic.New(append(ServiceOptions(creds), opts...)...)
	if err != nil {
		return nil, err
	}

	p, err := pipeline.New(
		transport.Input(),
		llm,
		transport.Output(),
	)
	if err != nil {
		return nil, err
	}

	task := pipeline.NewTask(p, TaskParams())

	if err := registerHandlers(transport, task, logger); err != nil {
		return nil, err
	}

	return &Bot{
		Transport: transport,
		LLM:       llm,
		Pipeline:  p,
		Task:      task,
		Runner:    pipeline.NewRunner(pipeline.WithHandleSigint(false)),
		logger:    logger,
	}, nil
}

// Run runs the pipeline until the client goes away or a fatal error occurs.
func (b *Bot) Run(ctx context.Context) error {
	b.logger.Info("starting bot")
	err := b.Runner.Run(ctx, b.Task)
	if err != nil {
		b.logger.Error("bot stopped", "error", err)
	} else {
		b.logger.Info("bot stopped")
	}
	return err
}

// RunBot builds and runs a bot for peer using credentials from the
// environment.
func RunBot(ctx context.Context, peer smallwebrtc.Peer) error {
	b, err := New(peer, config.LoadAWS())
	if err != nil {
		return err
	}
	return b.Run(ctx)
}

// eventRegistrar is satisfied by *smallwebrtc.Transport.
type eventRegistrar interface {
	EventHandler(event string, fn smallwebrtc.EventHandler) error
}

// taskControl is satisfied by *pipeline.Task.
type taskControl interface {
	QueueFrames(ctx context.Context, fs []frames.Frame) error
	Cancel()
}

func registerHandlers(transport eventRegistrar, task taskControl, logger *slog.Logger) error {
	if err := transport.EventHandler(smallwebrtc.EventClientConnected, func(ctx context.Context, _ *smallwebrtc.Transport, _ smallwebrtc.Peer) {
		logger.Info("client connected")
		if err := task.QueueFrames(ctx, []frames.Frame{KickoffFrame()}); err != nil {
			logger.Warn("queueing kickoff failed", "error", err)
		}
	}); err != nil {
		return err
	}

	if err := transport.EventHandler(smallwebrtc.EventClientDisconnected, func(context.Context, *smallwebrtc.Transport, smallwebrtc.Peer) {
		logger.Info("client disconnected")
	}); err != nil {
		return err
	}

	return transport.EventHandler(smallwebrtc.EventClientClosed, func(context.Context, *smallwebrtc.Transport, smallwebrtc.Peer) {
		logger.Info("client closed connection")
		task.Cancel()
	})
}
