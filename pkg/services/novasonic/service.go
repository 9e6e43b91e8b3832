package novasonic

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/teslashibe/go-sonicbot/internal/log"
	"github.com/teslashibe/go-sonicbot/pkg/audio"
	"github.com/teslashibe/go-sonicbot/pkg/frames"
	"github.com/teslashibe/go-sonicbot/pkg/pipeline"
)

// closeTimeout bounds how long disconnect waits for the event reader.
const closeTimeout = 5 * time.Second

// contentInfo is what the service remembers about an output content block.
type contentInfo struct {
	role  string
	kind  string
	stage string
}

// Service is a pipeline processor backed by a Nova Sonic session.
type Service struct {
	*pipeline.BaseProcessor

	config *Config
	logger *slog.Logger

	mu           sync.Mutex
	stream       Stream
	promptName   string
	audioContent string
	contents     map[string]contentInfo
	responding   bool
	awaitingTTFB bool
	readerDone   chan struct{}

	sendMu  sync.Mutex
	closing atomic.Bool

	toolsMap map[string]Tool

	// Metrics
	eventsSent     atomic.Int64
	eventsReceived atomic.Int64
}

// New creates a Nova Sonic service. The stream is opened when the pipeline
// starts.
func New(opts ...Option) (*Service, error) {
	cfg := DefaultConfig()
	cfg.Apply(opts...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Component("novasonic")
	}
	if cfg.OpenStream == nil {
		cfg.OpenStream = OpenBedrockStream
	}

	s := &Service{
		config:   cfg,
		logger:   cfg.Logger,
		contents: make(map[string]contentInfo),
		toolsMap: make(map[string]Tool, len(cfg.Tools)),
	}
	for _, t := range cfg.Tools {
		s.toolsMap[t.Name] = t
	}
	s.BaseProcessor = pipeline.NewBaseProcessor("AWSNovaSonicService", s)
	s.Metrics().SetModel(cfg.Model)
	return s, nil
}

// Config returns a copy of the service configuration.
func (s *Service) Config() Config {
	return *s.config
}

// IsConnected reports whether the stream is open.
func (s *Service) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream != nil
}

// Stats returns the number of events sent and received.
func (s *Service) Stats() (sent, received int64) {
	return s.eventsSent.Load(), s.eventsReceived.Load()
}

// ProcessFrame implements pipeline.Handler.
func (s *Service) ProcessFrame(ctx context.Context, f frames.Frame, dir pipeline.Direction) error {
	switch f := f.(type) {
	case *frames.StartFrame:
		if err := s.connect(ctx); err != nil {
			return err
		}
		s.PushFrame(ctx, f, dir)
	case *frames.InputAudioRawFrame:
		return s.sendAudio(ctx, f)
	case *frames.LLMMessagesAppendFrame:
		return s.appendMessages(ctx, f.Messages)
	case *frames.UserStoppedSpeakingFrame:
		s.startTTFB()
		s.PushFrame(ctx, f, dir)
	case *frames.EndFrame:
		s.disconnect(ctx, true)
		s.PushFrame(ctx, f, dir)
	case *frames.CancelFrame:
		s.disconnect(ctx, false)
		s.PushFrame(ctx, f, dir)
	default:
		s.PushFrame(ctx, f, dir)
	}
	return nil
}

// Stop implements pipeline.FrameProcessor.
func (s *Service) Stop() {
	s.disconnect(context.Background(), false)
	s.BaseProcessor.Stop()
}

// connect opens the stream and sends the session preamble: session and
// prompt start, the system instruction, then the open user audio content.
func (s *Service) connect(ctx context.Context) error {
	s.mu.Lock()
	if s.stream != nil {
		s.mu.Unlock()
		return ErrAlreadyConnected
	}
	s.mu.Unlock()

	s.logger.Info("connecting to Nova Sonic",
		"model", s.config.Model,
		"region", s.config.Region,
		"voice", s.config.Voice,
	)

	stream, err := s.config.OpenStream(ctx, s.config)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.stream = stream
	s.promptName = uuid.NewString()
	s.audioContent = uuid.NewString()
	s.contents = make(map[string]contentInfo)
	s.responding = false
	s.readerDone = make(chan struct{})
	prompt, audioContent, done := s.promptName, s.audioContent, s.readerDone
	s.mu.Unlock()
	s.closing.Store(false)

	go s.receive(stream, done)

	ps, err := newPromptStart(prompt, s.config)
	if err != nil {
		return err
	}
	events := []inputEvent{newSessionStart(s.config.Inference), ps}
	if s.config.Instruction != "" {
		content := uuid.NewString()
		events = append(events,
			newTextContentStart(prompt, content, roleSystem, false),
			newTextInput(prompt, content, s.config.Instruction),
			newContentEnd(prompt, content),
		)
	}
	events = append(events, newAudioContentStart(prompt, audioContent, s.config.InputSampleRate))

	for _, ev := range events {
		if err := s.send(ctx, ev); err != nil {
			return err
		}
	}
	s.logger.Info("Nova Sonic session started", "prompt", prompt)
	return nil
}

// disconnect closes the session. A graceful disconnect ends the audio
// content, the prompt and the session first.
func (s *Service) disconnect(ctx context.Context, graceful bool) {
	s.mu.Lock()
	stream, prompt, audioContent, done := s.stream, s.promptName, s.audioContent, s.readerDone
	s.stream = nil
	s.mu.Unlock()
	if stream == nil {
		return
	}

	s.closing.Store(true)
	if graceful {
		for _, ev := range []inputEvent{
			newContentEnd(prompt, audioContent),
			newPromptEnd(prompt),
			newSessionEnd(),
		} {
			if err := s.sendOn(ctx, stream, ev); err != nil {
				s.logger.Warn("ending Nova Sonic session", "error", err)
				break
			}
		}
	}
	if err := stream.Close(); err != nil {
		s.logger.Warn("closing Nova Sonic stream", "error", err)
	}
	select {
	case <-done:
	case <-time.After(closeTimeout):
		s.logger.Warn("timed out waiting for Nova Sonic stream to end")
	}

	sent, received := s.Stats()
	s.logger.Info("Nova Sonic session closed",
		"events_sent", sent,
		"events_received", received,
		"avg_ttfb", s.Metrics().AverageTTFB(),
	)
}

func (s *Service) send(ctx context.Context, ev inputEvent) error {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return ErrNotConnected
	}
	return s.sendOn(ctx, stream, ev)
}

func (s *Service) sendOn(ctx context.Context, stream Stream, ev inputEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("novasonic: encode event: %w", err)
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := stream.Send(ctx, data); err != nil {
		return err
	}
	s.eventsSent.Add(1)
	return nil
}

func (s *Service) sendAudio(ctx context.Context, f *frames.InputAudioRawFrame) error {
	s.mu.Lock()
	prompt, content, connected := s.promptName, s.audioContent, s.stream != nil
	s.mu.Unlock()
	if !connected {
		return nil
	}

	pcm := f.Audio
	if f.NumChannels == 2 {
		pcm = audio.SamplesToBytes(audio.StereoToMono(audio.BytesToSamples(pcm)))
	}
	pcm = audio.ResampleBytes(pcm, f.SampleRate, s.config.InputSampleRate)
	return s.send(ctx, newAudioInput(prompt, content, base64.StdEncoding.EncodeToString(pcm)))
}

// appendMessages sends each message as its own interactive text content
// block so the model responds to it.
func (s *Service) appendMessages(ctx context.Context, messages []frames.Message) error {
	s.mu.Lock()
	prompt := s.promptName
	connected := s.stream != nil
	s.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	for _, m := range messages {
		content := uuid.NewString()
		for _, ev := range []inputEvent{
			newTextContentStart(prompt, content, messageRole(m.Role), true),
			newTextInput(prompt, content, m.Content),
			newContentEnd(prompt, content),
		} {
			if err := s.send(ctx, ev); err != nil {
				return err
			}
		}
	}
	s.startTTFB()
	return nil
}

func messageRole(r frames.Role) string {
	switch r {
	case frames.RoleAssistant:
		return roleAssistant
	case frames.RoleSystem:
		return roleSystem
	default:
		return roleUser
	}
}

func (s *Service) startTTFB() {
	s.mu.Lock()
	s.awaitingTTFB = true
	s.mu.Unlock()
	s.Metrics().StartTTFB()
	s.Metrics().StartProcessing()
}

// receive reads model events until the stream ends.
func (s *Service) receive(stream Stream, done chan struct{}) {
	defer close(done)
	ctx := context.Background()

	for data := range stream.Events() {
		s.eventsReceived.Add(1)
		if err := s.handleEvent(ctx, data); err != nil {
			s.logger.Warn("handling Nova Sonic event", "error", err)
		}
	}

	if s.closing.Load() {
		return
	}
	err := stream.Err()
	if err == nil {
		err = ErrStreamClosed
	}
	s.logger.Error("Nova Sonic stream ended", "error", err)
	s.PushError(ctx, err, true)
}

func (s *Service) handleEvent(ctx context.Context, data []byte) error {
	var ev outputEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	e := ev.Event

	switch {
	case e.CompletionStart != nil:
		s.logger.Debug("completion start", "completion", e.CompletionStart.CompletionID)
	case e.ContentStart != nil:
		s.handleContentStart(ctx, e.ContentStart)
	case e.TextOutput != nil:
		s.handleTextOutput(ctx, e.TextOutput)
	case e.AudioOutput != nil:
		return s.handleAudioOutput(ctx, e.AudioOutput)
	case e.ToolUse != nil:
		go s.handleToolUse(ctx, e.ToolUse)
	case e.ContentEnd != nil:
		s.handleContentEnd(ctx, e.ContentEnd)
	case e.UsageEvent != nil:
		if s.UsageMetricsEnabled() {
			u := e.UsageEvent
			s.PushFrame(ctx, s.Metrics().Usage(u.TotalInputTokens, u.TotalOutputTokens, u.TotalTokens), pipeline.Downstream)
		}
	case e.CompletionEnd != nil:
		s.logger.Debug("completion end", "completion", e.CompletionEnd.CompletionID, "stop_reason", e.CompletionEnd.StopReason)
	default:
		s.logger.Debug("ignoring Nova Sonic event", "event", string(data))
	}
	return nil
}

func (s *Service) handleContentStart(ctx context.Context, c *outputContentInfo) {
	info := contentInfo{role: c.Role, kind: c.Type, stage: c.generationStage()}

	s.mu.Lock()
	s.contents[c.ContentID] = info
	startResponse := info.role == roleAssistant && !s.responding
	if startResponse {
		s.responding = true
	}
	s.mu.Unlock()

	if startResponse {
		s.PushFrame(ctx, frames.NewLLMFullResponseStartFrame(), pipeline.Downstream)
	}
}

func (s *Service) lookupContent(id string) contentInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.contents[id]
}

func (s *Service) handleTextOutput(ctx context.Context, t *textOutput) {
	if t.interrupted() {
		s.logger.Debug("model detected barge-in")
		if s.InterruptionsAllowed() {
			s.PushFrame(ctx, frames.NewStartInterruptionFrame(), pipeline.Downstream)
		}
		return
	}

	role := t.Role
	info := s.lookupContent(t.ContentID)
	if role == "" {
		role = info.role
	}

	switch role {
	case roleUser:
		s.PushFrame(ctx, frames.NewTranscriptionFrame(t.Content, "user", true), pipeline.Downstream)
	case roleAssistant:
		// Speculative text precedes the audio; only final text is what
		// the user actually heard.
		if info.stage == stageSpeculative {
			return
		}
		s.PushFrame(ctx, frames.NewLLMTextFrame(t.Content), pipeline.Downstream)
	}
}

func (s *Service) handleAudioOutput(ctx context.Context, a *audioOutput) error {
	pcm, err := base64.StdEncoding.DecodeString(a.Content)
	if err != nil {
		return fmt.Errorf("%w: audio: %v", ErrInvalidEvent, err)
	}

	s.mu.Lock()
	first := s.awaitingTTFB
	s.awaitingTTFB = false
	s.mu.Unlock()
	if first {
		if m := s.Metrics().StopTTFB(); m != nil && s.MetricsEnabled() {
			s.PushFrame(ctx, m, pipeline.Downstream)
		}
	}

	s.PushFrame(ctx, frames.NewOutputAudioRawFrame(pcm, s.config.OutputSampleRate, 1), pipeline.Downstream)
	return nil
}

func (s *Service) handleContentEnd(ctx context.Context, c *outputContentEnd) {
	s.mu.Lock()
	info := s.contents[c.ContentID]
	delete(s.contents, c.ContentID)
	endResponse := info.role == roleAssistant && s.responding &&
		(c.StopReason == stopEndTurn || c.StopReason == stopInterrupted)
	if endResponse {
		s.responding = false
	}
	s.mu.Unlock()

	switch c.StopReason {
	case stopInterrupted:
		s.logger.Debug("assistant content interrupted", "content", c.ContentID)
	case stopPartialTurn:
		s.logger.Debug("assistant partial turn", "content", c.ContentID)
	}
	if endResponse {
		if m := s.Metrics().StopProcessing(); m != nil && s.MetricsEnabled() {
			s.PushFrame(ctx, m, pipeline.Downstream)
		}
		s.PushFrame(ctx, frames.NewLLMFullResponseEndFrame(), pipeline.Downstream)
	}
}

// handleToolUse runs the requested tool and sends its result back as a tool
// content block.
func (s *Service) handleToolUse(ctx context.Context, u *toolUse) {
	result, err := s.runTool(ctx, u)
	if err != nil {
		s.logger.Warn("tool call failed", "tool", u.ToolName, "error", err)
		payload, _ := json.Marshal(map[string]string{"error": err.Error()})
		result = string(payload)
	}

	s.mu.Lock()
	prompt := s.promptName
	s.mu.Unlock()

	content := uuid.NewString()
	for _, ev := range []inputEvent{
		newToolContentStart(prompt, content, u.ToolUseID),
		newToolResult(prompt, content, result),
		newContentEnd(prompt, content),
	} {
		if err := s.send(ctx, ev); err != nil {
			if !IsNotConnected(err) {
				s.logger.Warn("sending tool result", "tool", u.ToolName, "error", err)
			}
			return
		}
	}
}

func (s *Service) runTool(ctx context.Context, u *toolUse) (string, error) {
	tool, ok := s.toolsMap[u.ToolName]
	if !ok || tool.Handler == nil {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, u.ToolName)
	}

	args := map[string]any{}
	if u.Content != "" {
		if err := json.Unmarshal([]byte(u.Content), &args); err != nil {
			return "", fmt.Errorf("%w: tool arguments: %v", ErrInvalidEvent, err)
		}
	}

	s.logger.Info("tool call", "tool", u.ToolName, "id", u.ToolUseID)
	out, err := tool.Handler(ctx, args)
	if err != nil {
		return "", err
	}
	if json.Valid([]byte(out)) {
		return out, nil
	}
	payload, err := json.Marshal(map[string]string{"result": out})
	if err != nil {
		return "", err
	}
	return string(payload), nil
}
