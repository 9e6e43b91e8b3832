// Package novasonic runs Amazon Nova Sonic speech-to-speech conversations
// as a pipeline processor.
//
// The service keeps one bidirectional Bedrock stream open for the lifetime
// of a pipeline. User audio is streamed in continuously; the model decides
// when the user has finished speaking and replies with audio, transcripts
// and tool calls.
package novasonic

import (
	"context"
	"log/slog"
)

// Defaults for Nova Sonic sessions.
const (
	DefaultModel            = "amazon.nova-sonic-v1:0"
	DefaultVoice            = "matthew"
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
)

// Voices offered by Nova Sonic.
const (
	VoiceMatthew = "matthew"
	VoiceTiffany = "tiffany"
	VoiceAmy     = "amy"
)

// InferenceParams tune generation.
type InferenceParams struct {
	MaxTokens   int     `json:"maxTokens"`
	TopP        float64 `json:"topP"`
	Temperature float64 `json:"temperature"`
}

// DefaultInferenceParams returns the defaults used by Nova Sonic samples.
func DefaultInferenceParams() InferenceParams {
	return InferenceParams{MaxTokens: 1024, TopP: 0.9, Temperature: 0.7}
}

// Tool is a function the model can call.
type Tool struct {
	// Name is the unique identifier for the tool.
	Name string

	// Description explains what the tool does (shown to the model).
	Description string

	// Parameters is the JSON Schema for the tool arguments.
	Parameters map[string]any

	// Handler runs the tool. The result is sent back to the model; plain
	// text is wrapped as {"result": text}.
	Handler func(ctx context.Context, args map[string]any) (string, error)
}

// Config holds the Nova Sonic service configuration.
type Config struct {
	// Instruction is the system prompt.
	Instruction string

	// AccessKeyID, SecretAccessKey and SessionToken are static AWS
	// credentials. When AccessKeyID is empty the default credential chain
	// is used.
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string

	// Region is the AWS region hosting the model.
	Region string

	// Model is the Bedrock model id.
	Model string

	// Voice is the output voice id.
	Voice string

	// Inference tunes generation.
	Inference InferenceParams

	// InputSampleRate is the sample rate of audio sent to the model.
	InputSampleRate int

	// OutputSampleRate is the sample rate of audio returned by the model.
	OutputSampleRate int

	// Tools are the functions available to the model.
	Tools []Tool

	// Logger is the structured logger to use.
	Logger *slog.Logger

	// OpenStream opens the bidirectional stream. Defaults to Bedrock.
	OpenStream StreamOpener
}

// DefaultConfig returns a Config with Nova Sonic defaults.
func DefaultConfig() *Config {
	return &Config{
		Model:            DefaultModel,
		Voice:            DefaultVoice,
		Inference:        DefaultInferenceParams(),
		InputSampleRate:  DefaultInputSampleRate,
		OutputSampleRate: DefaultOutputSampleRate,
		OpenStream:       OpenBedrockStream,
	}
}

// Apply applies functional options to the config.
func (c *Config) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(c)
	}
}

// Validate checks the configuration for required fields.
func (c *Config) Validate() error {
	if c.Region == "" {
		return ErrMissingRegion
	}
	if c.Model == "" {
		return ErrMissingModel
	}
	return nil
}

// Option is a functional option for configuring the service.
type Option func(*Config)

// WithInstruction sets the system prompt.
func WithInstruction(instruction string) Option {
	return func(c *Config) {
		c.Instruction = instruction
	}
}

// WithCredentials sets static AWS credentials.
func WithCredentials(secretAccessKey, accessKeyID string) Option {
	return func(c *Config) {
		c.SecretAccessKey = secretAccessKey
		c.AccessKeyID = accessKeyID
	}
}

// WithSessionToken sets the AWS session token for temporary credentials.
func WithSessionToken(token string) Option {
	return func(c *Config) {
		c.SessionToken = token
	}
}

// WithRegion sets the AWS region.
func WithRegion(region string) Option {
	return func(c *Config) {
		c.Region = region
	}
}

// WithModel sets the Bedrock model id.
func WithModel(model string) Option {
	return func(c *Config) {
		c.Model = model
	}
}

// WithVoice sets the output voice.
func WithVoice(voice string) Option {
	return func(c *Config) {
		c.Voice = voice
	}
}

// WithInferenceParams sets the generation parameters.
func WithInferenceParams(p InferenceParams) Option {
	return func(c *Config) {
		c.Inference = p
	}
}

// WithTools sets the tools available to the model.
func WithTools(tools ...Tool) Option {
	return func(c *Config) {
		c.Tools = tools
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithStreamOpener replaces the Bedrock stream.
func WithStreamOpener(open StreamOpener) Option {
	return func(c *Config) {
		c.OpenStream = open
	}
}
