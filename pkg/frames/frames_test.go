package frames

import (
	"strings"
	"testing"
	"time"
)

func TestFrameCategories(t *testing.T) {
	tests := []struct {
		name          string
		frame         Frame
		system        bool
		control       bool
		interruptible bool
	}{
		{"start", NewStartFrame(), true, false, false},
		{"cancel", NewCancelFrame(), true, false, false},
		{"error", NewErrorFrame(nil, true), true, false, false},
		{"interruption", NewStartInterruptionFrame(), true, false, false},
		{"input audio", NewInputAudioRawFrame(nil, 16000, 1), true, false, false},
		{"end", NewEndFrame(), false, true, false},
		{"response end", NewLLMFullResponseEndFrame(), false, true, false},
		{"output audio", NewOutputAudioRawFrame(nil, 24000, 1), false, false, true},
		{"messages append", NewLLMMessagesAppendFrame(), false, false, true},
		{"llm text", NewLLMTextFrame("hi"), false, false, true},
		{"transcription", NewTranscriptionFrame("hi", "u", true), false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSystem(tt.frame); got != tt.system {
				t.Errorf("IsSystem = %v, want %v", got, tt.system)
			}
			if got := IsControl(tt.frame); got != tt.control {
				t.Errorf("IsControl = %v, want %v", got, tt.control)
			}
			if got := Interruptible(tt.frame); got != tt.interruptible {
				t.Errorf("Interruptible = %v, want %v", got, tt.interruptible)
			}
		})
	}
}

func TestFrameIdentity(t *testing.T) {
	a := NewEndFrame()
	b := NewEndFrame()

	if a.ID() == b.ID() {
		t.Error("frame ids must be unique")
	}
	if b.ID() <= a.ID() {
		t.Error("frame ids must increase")
	}
	if !strings.HasPrefix(a.Name(), "EndFrame#") {
		t.Errorf("unexpected name %q", a.Name())
	}
	if a.Kind() != "EndFrame" {
		t.Errorf("unexpected kind %q", a.Kind())
	}
}

func TestAudioRaw(t *testing.T) {
	a := AudioRaw{Audio: make([]byte, 3200), SampleRate: 16000, NumChannels: 1}

	if a.NumFrames() != 1600 {
		t.Errorf("expected 1600 frames, got %d", a.NumFrames())
	}
	if a.Duration() != 100*time.Millisecond {
		t.Errorf("expected 100ms, got %v", a.Duration())
	}

	stereo := AudioRaw{Audio: make([]byte, 3200), SampleRate: 16000, NumChannels: 2}
	if stereo.NumFrames() != 800 {
		t.Errorf("expected 800 stereo frames, got %d", stereo.NumFrames())
	}

	if (AudioRaw{}).Duration() != 0 {
		t.Error("zero sample rate should give zero duration")
	}
}

func TestMessagesAppend(t *testing.T) {
	f := NewLLMMessagesAppendFrame(Message{Role: RoleUser, Content: "hello"})
	if len(f.Messages) != 1 || f.Messages[0].Role != RoleUser {
		t.Errorf("unexpected messages %+v", f.Messages)
	}
}
