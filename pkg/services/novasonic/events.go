package novasonic

import (
	"encoding/json"
	"strings"
)

// Content types and roles used by the event protocol.
const (
	contentText  = "TEXT"
	contentAudio = "AUDIO"
	contentTool  = "TOOL"

	roleSystem    = "SYSTEM"
	roleUser      = "USER"
	roleAssistant = "ASSISTANT"
	roleTool      = "TOOL"

	stageSpeculative = "SPECULATIVE"
	stageFinal       = "FINAL"

	stopInterrupted = "INTERRUPTED"
	stopEndTurn     = "END_TURN"
	stopPartialTurn = "PARTIAL_TURN"
)

// Input events.

type inputEvent struct {
	Event inputBody `json:"event"`
}

type inputBody struct {
	SessionStart *sessionStart `json:"sessionStart,omitempty"`
	PromptStart  *promptStart  `json:"promptStart,omitempty"`
	ContentStart *contentStart `json:"contentStart,omitempty"`
	TextInput    *contentInput `json:"textInput,omitempty"`
	AudioInput   *contentInput `json:"audioInput,omitempty"`
	ToolResult   *contentInput `json:"toolResult,omitempty"`
	ContentEnd   *contentRef   `json:"contentEnd,omitempty"`
	PromptEnd    *promptRef    `json:"promptEnd,omitempty"`
	SessionEnd   *struct{}     `json:"sessionEnd,omitempty"`
}

type sessionStart struct {
	InferenceConfiguration InferenceParams `json:"inferenceConfiguration"`
}

type mediaType struct {
	MediaType string `json:"mediaType"`
}

type audioConfig struct {
	MediaType       string `json:"mediaType"`
	SampleRateHertz int    `json:"sampleRateHertz"`
	SampleSizeBits  int    `json:"sampleSizeBits"`
	ChannelCount    int    `json:"channelCount"`
	VoiceID         string `json:"voiceId,omitempty"`
	Encoding        string `json:"encoding"`
	AudioType       string `json:"audioType"`
}

type toolSpec struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	InputSchema map[string]string `json:"inputSchema"`
}

type toolEntry struct {
	ToolSpec toolSpec `json:"toolSpec"`
}

type toolConfiguration struct {
	Tools []toolEntry `json:"tools"`
}

type promptStart struct {
	PromptName                 string             `json:"promptName"`
	TextOutputConfiguration    mediaType          `json:"textOutputConfiguration"`
	AudioOutputConfiguration   audioConfig        `json:"audioOutputConfiguration"`
	ToolUseOutputConfiguration mediaType          `json:"toolUseOutputConfiguration"`
	ToolConfiguration          *toolConfiguration `json:"toolConfiguration,omitempty"`
}

type toolResultConfig struct {
	ToolUseID              string    `json:"toolUseId"`
	Type                   string    `json:"type"`
	TextInputConfiguration mediaType `json:"textInputConfiguration"`
}

type contentStart struct {
	PromptName                   string            `json:"promptName"`
	ContentName                  string            `json:"contentName"`
	Type                         string            `json:"type"`
	Interactive                  bool              `json:"interactive"`
	Role                         string            `json:"role"`
	TextInputConfiguration       *mediaType        `json:"textInputConfiguration,omitempty"`
	AudioInputConfiguration      *audioConfig      `json:"audioInputConfiguration,omitempty"`
	ToolResultInputConfiguration *toolResultConfig `json:"toolResultInputConfiguration,omitempty"`
}

type contentInput struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
	Content     string `json:"content"`
}

type contentRef struct {
	PromptName  string `json:"promptName"`
	ContentName string `json:"contentName"`
}

type promptRef struct {
	PromptName string `json:"promptName"`
}

func lpcm(rate int) audioConfig {
	return audioConfig{
		MediaType:       "audio/lpcm",
		SampleRateHertz: rate,
		SampleSizeBits:  16,
		ChannelCount:    1,
		Encoding:        "base64",
		AudioType:       "SPEECH",
	}
}

func newSessionStart(p InferenceParams) inputEvent {
	return inputEvent{Event: inputBody{SessionStart: &sessionStart{InferenceConfiguration: p}}}
}

func newPromptStart(prompt string, cfg *Config) (inputEvent, error) {
	out := lpcm(cfg.OutputSampleRate)
	out.VoiceID = cfg.Voice

	ps := &promptStart{
		PromptName:                 prompt,
		TextOutputConfiguration:    mediaType{MediaType: "text/plain"},
		AudioOutputConfiguration:   out,
		ToolUseOutputConfiguration: mediaType{MediaType: "application/json"},
	}
	if len(cfg.Tools) > 0 {
		tc := &toolConfiguration{}
		for _, t := range cfg.Tools {
			schema := t.Parameters
			if schema == nil {
				schema = map[string]any{"type": "object", "properties": map[string]any{}}
			}
			raw, err := json.Marshal(schema)
			if err != nil {
				return inputEvent{}, err
			}
			tc.Tools = append(tc.Tools, toolEntry{ToolSpec: toolSpec{
				Name:        t.Name,
				Description: t.Description,
				InputSchema: map[string]string{"json": string(raw)},
			}})
		}
		ps.ToolConfiguration = tc
	}
	return inputEvent{Event: inputBody{PromptStart: ps}}, nil
}

func newTextContentStart(prompt, content, role string, interactive bool) inputEvent {
	return inputEvent{Event: inputBody{ContentStart: &contentStart{
		PromptName:             prompt,
		ContentName:            content,
		Type:                   contentText,
		Interactive:            interactive,
		Role:                   role,
		TextInputConfiguration: &mediaType{MediaType: "text/plain"},
	}}}
}

func newAudioContentStart(prompt, content string, rate int) inputEvent {
	in := lpcm(rate)
	return inputEvent{Event: inputBody{ContentStart: &contentStart{
		PromptName:              prompt,
		ContentName:             content,
		Type:                    contentAudio,
		Interactive:             true,
		Role:                    roleUser,
		AudioInputConfiguration: &in,
	}}}
}

func newToolContentStart(prompt, content, toolUseID string) inputEvent {
	return inputEvent{Event: inputBody{ContentStart: &contentStart{
		PromptName:  prompt,
		ContentName: content,
		Type:        contentTool,
		Interactive: false,
		Role:        roleTool,
		ToolResultInputConfiguration: &toolResultConfig{
			ToolUseID:              toolUseID,
			Type:                   contentText,
			TextInputConfiguration: mediaType{MediaType: "text/plain"},
		},
	}}}
}

func newTextInput(prompt, content, text string) inputEvent {
	return inputEvent{Event: inputBody{TextInput: &contentInput{PromptName: prompt, ContentName: content, Content: text}}}
}

func newAudioInput(prompt, content, b64 string) inputEvent {
	return inputEvent{Event: inputBody{AudioInput: &contentInput{PromptName: prompt, ContentName: content, Content: b64}}}
}

func newToolResult(prompt, content, result string) inputEvent {
	return inputEvent{Event: inputBody{ToolResult: &contentInput{PromptName: prompt, ContentName: content, Content: result}}}
}

func newContentEnd(prompt, content string) inputEvent {
	return inputEvent{Event: inputBody{ContentEnd: &contentRef{PromptName: prompt, ContentName: content}}}
}

func newPromptEnd(prompt string) inputEvent {
	return inputEvent{Event: inputBody{PromptEnd: &promptRef{PromptName: prompt}}}
}

func newSessionEnd() inputEvent {
	return inputEvent{Event: inputBody{SessionEnd: &struct{}{}}}
}

// Output events.

type outputEvent struct {
	Event outputBody `json:"event"`
}

type outputBody struct {
	CompletionStart *completionRef     `json:"completionStart,omitempty"`
	ContentStart    *outputContentInfo `json:"contentStart,omitempty"`
	TextOutput      *textOutput        `json:"textOutput,omitempty"`
	AudioOutput     *audioOutput       `json:"audioOutput,omitempty"`
	ToolUse         *toolUse           `json:"toolUse,omitempty"`
	ContentEnd      *outputContentEnd  `json:"contentEnd,omitempty"`
	UsageEvent      *usageEvent        `json:"usageEvent,omitempty"`
	CompletionEnd   *completionRef     `json:"completionEnd,omitempty"`
}

type completionRef struct {
	PromptName   string `json:"promptName"`
	CompletionID string `json:"completionId"`
	StopReason   string `json:"stopReason,omitempty"`
}

type outputContentInfo struct {
	ContentID             string `json:"contentId"`
	Role                  string `json:"role"`
	Type                  string `json:"type"`
	AdditionalModelFields string `json:"additionalModelFields,omitempty"`
}

// generationStage extracts SPECULATIVE or FINAL from additionalModelFields.
func (c *outputContentInfo) generationStage() string {
	if c.AdditionalModelFields == "" {
		return ""
	}
	var fields struct {
		GenerationStage string `json:"generationStage"`
	}
	if err := json.Unmarshal([]byte(c.AdditionalModelFields), &fields); err != nil {
		return ""
	}
	return fields.GenerationStage
}

type textOutput struct {
	ContentID string `json:"contentId"`
	Role      string `json:"role"`
	Content   string `json:"content"`
}

// interrupted reports the barge-in marker `{ "interrupted" : true }`.
func (t *textOutput) interrupted() bool {
	s := strings.TrimSpace(t.Content)
	if !strings.HasPrefix(s, "{") {
		return false
	}
	var marker struct {
		Interrupted bool `json:"interrupted"`
	}
	return json.Unmarshal([]byte(s), &marker) == nil && marker.Interrupted
}

type audioOutput struct {
	ContentID string `json:"contentId"`
	Content   string `json:"content"`
}

type toolUse struct {
	ContentID string `json:"contentId"`
	ToolName  string `json:"toolName"`
	ToolUseID string `json:"toolUseId"`
	Content   string `json:"content"`
}

type outputContentEnd struct {
	ContentID  string `json:"contentId"`
	Type       string `json:"type"`
	StopReason string `json:"stopReason"`
}

type usageEvent struct {
	TotalInputTokens  int `json:"totalInputTokens"`
	TotalOutputTokens int `json:"totalOutputTokens"`
	TotalTokens       int `json:"totalTokens"`
}
