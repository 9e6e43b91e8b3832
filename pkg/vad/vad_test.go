package vad

import (
	"testing"

	"github.com/teslashibe/go-sonicbot/pkg/audio"
)

// window returns one 32ms window at 16kHz of a square wave.
func window(amplitude int16) []byte {
	samples := make([]int16, 512)
	for i := range samples {
		if i%2 == 0 {
			samples[i] = amplitude
		} else {
			samples[i] = -amplitude
		}
	}
	return audio.SamplesToBytes(samples)
}

func feed(a *EnergyAnalyzer, pcm []byte, n int) State {
	var s State
	for i := 0; i < n; i++ {
		s = a.AnalyzeAudio(pcm)
	}
	return s
}

func TestDefaultParams(t *testing.T) {
	p := DefaultParams()
	if p.Confidence != 0.7 || p.StartSecs != 0.2 || p.StopSecs != 0.8 || p.MinVolume != 0.6 {
		t.Errorf("unexpected defaults %+v", p)
	}
	if err := p.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestParamsValidate(t *testing.T) {
	tests := []struct {
		name    string
		params  Params
		wantErr bool
	}{
		{"confidence too high", Params{Confidence: 1.5}, true},
		{"volume negative", Params{MinVolume: -0.1}, true},
		{"negative stop", Params{StopSecs: -1}, true},
		{"zero values", Params{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.params.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNumFramesRequired(t *testing.T) {
	a := NewEnergyAnalyzer()
	if a.NumFramesRequired() != 512 {
		t.Errorf("expected 512 at 16kHz, got %d", a.NumFramesRequired())
	}
	a.SetSampleRate(8000)
	if a.NumFramesRequired() != 256 {
		t.Errorf("expected 256 at 8kHz, got %d", a.NumFramesRequired())
	}
	if a.SampleRate() != 8000 {
		t.Errorf("expected 8000, got %d", a.SampleRate())
	}
}

func TestVoiceConfidence(t *testing.T) {
	a := NewEnergyAnalyzer()

	if c := a.VoiceConfidence(window(0)); c != 0 {
		t.Errorf("silence confidence should be 0, got %f", c)
	}
	if c := a.VoiceConfidence(window(16000)); c != 1 {
		t.Errorf("loud confidence should be 1, got %f", c)
	}
	mid := a.VoiceConfidence(window(328)) // about -40 dBFS
	if mid < 0.4 || mid > 0.6 {
		t.Errorf("expected mid confidence near 0.5, got %f", mid)
	}
}

func TestConfidenceRange(t *testing.T) {
	whisper := window(33) // about -60 dBFS

	if c := NewEnergyAnalyzer().VoiceConfidence(whisper); c != 0 {
		t.Errorf("default range should score a whisper 0, got %f", c)
	}
	if c := NewEnergyAnalyzer(WithConfidenceRange(-70, -60)).VoiceConfidence(whisper); c != 1 {
		t.Errorf("lowered range should score a whisper 1, got %f", c)
	}
	mid := NewEnergyAnalyzer(WithConfidenceRange(-80, -40)).VoiceConfidence(whisper)
	if mid < 0.4 || mid > 0.6 {
		t.Errorf("expected mid confidence near 0.5, got %f", mid)
	}
	if c := NewEnergyAnalyzer(WithConfidenceRange(-30, -50)).VoiceConfidence(window(16000)); c != 0 {
		t.Errorf("inverted range should score 0, got %f", c)
	}
}

func TestStateMachine(t *testing.T) {
	a := NewEnergyAnalyzer(WithParams(Params{
		Confidence: 0.7,
		StartSecs:  0.2,
		StopSecs:   0.8,
		MinVolume:  0.6,
	}))
	loud := window(16000)
	quiet := window(0)

	if s := a.AnalyzeAudio(loud[:100]); s != StateQuiet {
		t.Errorf("partial window should not change state, got %s", s)
	}
	a.SetSampleRate(16000)

	// Smoothed volume crosses 0.6 on the fifth window, then six windows
	// of speech are needed to confirm.
	if s := feed(a, loud, 5); s != StateStarting {
		t.Errorf("expected starting after 5 windows, got %s", s)
	}
	if s := feed(a, loud, 5); s != StateSpeaking {
		t.Errorf("expected speaking after 10 windows, got %s", s)
	}

	// 0.8s of silence is 25 windows.
	if s := feed(a, quiet, 24); s != StateStopping {
		t.Errorf("expected stopping before stop threshold, got %s", s)
	}
	if s := feed(a, quiet, 1); s != StateQuiet {
		t.Errorf("expected quiet after stop threshold, got %s", s)
	}
}

func TestStartingFallsBackToQuiet(t *testing.T) {
	a := NewEnergyAnalyzer()
	loud := window(16000)

	feed(a, loud, 5)
	if a.State() != StateStarting {
		t.Fatalf("expected starting, got %s", a.State())
	}
	// Smoothed volume is still high but silence has zero confidence.
	if s := a.AnalyzeAudio(window(0)); s != StateQuiet {
		t.Errorf("expected quiet, got %s", s)
	}
}

func TestSpeechResumesWhileStopping(t *testing.T) {
	a := NewEnergyAnalyzer()
	loud := window(16000)

	feed(a, loud, 10)
	feed(a, window(0), 1)
	if a.State() != StateStopping {
		t.Fatalf("expected stopping, got %s", a.State())
	}
	if s := feed(a, loud, 1); s != StateSpeaking {
		t.Errorf("expected speaking to resume, got %s", s)
	}
}

func TestSetParamsResets(t *testing.T) {
	a := NewEnergyAnalyzer()
	feed(a, window(16000), 10)
	if a.State() != StateSpeaking {
		t.Fatalf("expected speaking, got %s", a.State())
	}
	a.SetParams(DefaultParams())
	if a.State() != StateQuiet {
		t.Errorf("SetParams should reset state, got %s", a.State())
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateQuiet:    "quiet",
		StateStarting: "starting",
		StateSpeaking: "speaking",
		StateStopping: "stopping",
		State(42):     "unknown",
	} {
		if s.String() != want {
			t.Errorf("%d: got %s, want %s", s, s.String(), want)
		}
	}
}
