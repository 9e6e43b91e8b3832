package frames

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one entry of an LLM conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// AudioRaw is PCM16 little-endian audio.
type AudioRaw struct {
	Audio       []byte
	SampleRate  int
	NumChannels int
}

// NumFrames returns the number of sample frames in the buffer.
func (a AudioRaw) NumFrames() int {
	ch := a.NumChannels
	if ch <= 0 {
		ch = 1
	}
	return len(a.Audio) / (2 * ch)
}

// Duration returns the playback length of the buffer.
func (a AudioRaw) Duration() time.Duration {
	if a.SampleRate <= 0 {
		return 0
	}
	return time.Duration(a.NumFrames()) * time.Second / time.Duration(a.SampleRate)
}

// System frames.

// StartFrame is the first frame pushed through a pipeline. It carries the
// task parameters every processor needs.
type StartFrame struct {
	Base
	systemKind
	AllowInterruptions bool
	EnableMetrics      bool
	EnableUsageMetrics bool
	AudioInSampleRate  int
	AudioOutSampleRate int
}

// NewStartFrame creates a StartFrame.
func NewStartFrame() *StartFrame {
	return &StartFrame{Base: newBase("StartFrame")}
}

// CancelFrame stops a pipeline immediately, skipping queued frames.
type CancelFrame struct {
	Base
	systemKind
}

// NewCancelFrame creates a CancelFrame.
func NewCancelFrame() *CancelFrame {
	return &CancelFrame{Base: newBase("CancelFrame")}
}

// ErrorFrame reports a processor failure. It travels upstream.
// A fatal error terminates the task.
type ErrorFrame struct {
	Base
	systemKind
	Err       error
	Fatal     bool
	Processor string
}

// NewErrorFrame creates an ErrorFrame.
func NewErrorFrame(err error, fatal bool) *ErrorFrame {
	return &ErrorFrame{Base: newBase("ErrorFrame"), Err: err, Fatal: fatal}
}

// StartInterruptionFrame tells downstream processors to drop pending output.
type StartInterruptionFrame struct {
	Base
	systemKind
}

// NewStartInterruptionFrame creates a StartInterruptionFrame.
func NewStartInterruptionFrame() *StartInterruptionFrame {
	return &StartInterruptionFrame{Base: newBase("StartInterruptionFrame")}
}

// StopInterruptionFrame marks the end of a user interruption.
type StopInterruptionFrame struct {
	Base
	systemKind
}

// NewStopInterruptionFrame creates a StopInterruptionFrame.
func NewStopInterruptionFrame() *StopInterruptionFrame {
	return &StopInterruptionFrame{Base: newBase("StopInterruptionFrame")}
}

// UserStartedSpeakingFrame is emitted when VAD detects speech.
type UserStartedSpeakingFrame struct {
	Base
	systemKind
}

// NewUserStartedSpeakingFrame creates a UserStartedSpeakingFrame.
func NewUserStartedSpeakingFrame() *UserStartedSpeakingFrame {
	return &UserStartedSpeakingFrame{Base: newBase("UserStartedSpeakingFrame")}
}

// UserStoppedSpeakingFrame is emitted when VAD detects the end of speech.
type UserStoppedSpeakingFrame struct {
	Base
	systemKind
}

// NewUserStoppedSpeakingFrame creates a UserStoppedSpeakingFrame.
func NewUserStoppedSpeakingFrame() *UserStoppedSpeakingFrame {
	return &UserStoppedSpeakingFrame{Base: newBase("UserStoppedSpeakingFrame")}
}

// BotStartedSpeakingFrame is emitted when the output transport starts
// playing bot audio.
type BotStartedSpeakingFrame struct {
	Base
	systemKind
}

// NewBotStartedSpeakingFrame creates a BotStartedSpeakingFrame.
func NewBotStartedSpeakingFrame() *BotStartedSpeakingFrame {
	return &BotStartedSpeakingFrame{Base: newBase("BotStartedSpeakingFrame")}
}

// BotStoppedSpeakingFrame is emitted when bot audio playback goes idle.
type BotStoppedSpeakingFrame struct {
	Base
	systemKind
}

// NewBotStoppedSpeakingFrame creates a BotStoppedSpeakingFrame.
func NewBotStoppedSpeakingFrame() *BotStoppedSpeakingFrame {
	return &BotStoppedSpeakingFrame{Base: newBase("BotStoppedSpeakingFrame")}
}

// InputAudioRawFrame is microphone audio coming from the transport.
type InputAudioRawFrame struct {
	Base
	systemKind
	AudioRaw
}

// NewInputAudioRawFrame creates an InputAudioRawFrame.
func NewInputAudioRawFrame(audio []byte, sampleRate, numChannels int) *InputAudioRawFrame {
	return &InputAudioRawFrame{
		Base:     newBase("InputAudioRawFrame"),
		AudioRaw: AudioRaw{Audio: audio, SampleRate: sampleRate, NumChannels: numChannels},
	}
}

// MetricsData is a single measurement carried by a MetricsFrame.
type MetricsData struct {
	Processor string
	Model     string
	// Kind is "ttfb", "processing" or "usage".
	Kind  string
	Value time.Duration

	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// MetricsFrame reports timing and usage measurements.
type MetricsFrame struct {
	Base
	systemKind
	Data []MetricsData
}

// NewMetricsFrame creates a MetricsFrame.
func NewMetricsFrame(data ...MetricsData) *MetricsFrame {
	return &MetricsFrame{Base: newBase("MetricsFrame"), Data: data}
}

// Control frames.

// EndFrame asks the pipeline to finish after processing everything queued.
type EndFrame struct {
	Base
	controlKind
}

// NewEndFrame creates an EndFrame.
func NewEndFrame() *EndFrame {
	return &EndFrame{Base: newBase("EndFrame")}
}

// LLMFullResponseStartFrame marks the beginning of an LLM response.
type LLMFullResponseStartFrame struct {
	Base
	controlKind
}

// NewLLMFullResponseStartFrame creates a LLMFullResponseStartFrame.
func NewLLMFullResponseStartFrame() *LLMFullResponseStartFrame {
	return &LLMFullResponseStartFrame{Base: newBase("LLMFullResponseStartFrame")}
}

// LLMFullResponseEndFrame marks the end of an LLM response.
type LLMFullResponseEndFrame struct {
	Base
	controlKind
}

// NewLLMFullResponseEndFrame creates a LLMFullResponseEndFrame.
func NewLLMFullResponseEndFrame() *LLMFullResponseEndFrame {
	return &LLMFullResponseEndFrame{Base: newBase("LLMFullResponseEndFrame")}
}

// Data frames.

// OutputAudioRawFrame is audio to be played to the remote peer.
type OutputAudioRawFrame struct {
	Base
	AudioRaw
}

// NewOutputAudioRawFrame creates an OutputAudioRawFrame.
func NewOutputAudioRawFrame(audio []byte, sampleRate, numChannels int) *OutputAudioRawFrame {
	return &OutputAudioRawFrame{
		Base:     newBase("OutputAudioRawFrame"),
		AudioRaw: AudioRaw{Audio: audio, SampleRate: sampleRate, NumChannels: numChannels},
	}
}

// LLMMessagesAppendFrame appends messages to the LLM conversation and
// prompts the model to respond.
type LLMMessagesAppendFrame struct {
	Base
	Messages []Message
}

// NewLLMMessagesAppendFrame creates a LLMMessagesAppendFrame.
func NewLLMMessagesAppendFrame(messages ...Message) *LLMMessagesAppendFrame {
	return &LLMMessagesAppendFrame{Base: newBase("LLMMessagesAppendFrame"), Messages: messages}
}

// TextFrame carries plain text.
type TextFrame struct {
	Base
	Text string
}

// NewTextFrame creates a TextFrame.
func NewTextFrame(text string) *TextFrame {
	return &TextFrame{Base: newBase("TextFrame"), Text: text}
}

// LLMTextFrame carries text generated by the model.
type LLMTextFrame struct {
	Base
	Text string
}

// NewLLMTextFrame creates a LLMTextFrame.
func NewLLMTextFrame(text string) *LLMTextFrame {
	return &LLMTextFrame{Base: newBase("LLMTextFrame"), Text: text}
}

// TranscriptionFrame carries recognized user speech.
type TranscriptionFrame struct {
	Base
	Text      string
	UserID    string
	Final     bool
	Timestamp time.Time
}

// NewTranscriptionFrame creates a TranscriptionFrame.
func NewTranscriptionFrame(text, userID string, final bool) *TranscriptionFrame {
	return &TranscriptionFrame{
		Base:      newBase("TranscriptionFrame"),
		Text:      text,
		UserID:    userID,
		Final:     final,
		Timestamp: time.Now(),
	}
}
