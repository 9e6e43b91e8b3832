// Package vad segments an audio stream into speech and silence.
package vad

import (
	"errors"
	"math"
	"sync"

	"github.com/teslashibe/go-sonicbot/pkg/audio"
)

// Default detection parameters.
const (
	DefaultConfidence = 0.7
	DefaultStartSecs  = 0.2
	DefaultStopSecs   = 0.8
	DefaultMinVolume  = 0.6
)

// volumeSmoothing is the exponential smoothing factor applied to volume.
const volumeSmoothing = 0.2

// State is the speech state of the analyzed stream.
type State int

const (
	StateQuiet State = iota
	StateStarting
	StateSpeaking
	StateStopping
)

// String returns a human-readable state.
func (s State) String() string {
	switch s {
	case StateQuiet:
		return "quiet"
	case StateStarting:
		return "starting"
	case StateSpeaking:
		return "speaking"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// Params tune speech detection.
type Params struct {
	// Confidence is the minimum voice confidence (0.0-1.0).
	Confidence float64
	// StartSecs is how long speech must last before it is reported.
	StartSecs float64
	// StopSecs is how long silence must last before speech is reported over.
	StopSecs float64
	// MinVolume is the minimum smoothed volume (0.0-1.0).
	MinVolume float64
}

// DefaultParams returns the default detection parameters.
func DefaultParams() Params {
	return Params{
		Confidence: DefaultConfidence,
		StartSecs:  DefaultStartSecs,
		StopSecs:   DefaultStopSecs,
		MinVolume:  DefaultMinVolume,
	}
}

// Validate checks parameter ranges.
func (p Params) Validate() error {
	if p.Confidence < 0 || p.Confidence > 1 {
		return errors.New("vad: confidence must be between 0 and 1")
	}
	if p.MinVolume < 0 || p.MinVolume > 1 {
		return errors.New("vad: min volume must be between 0 and 1")
	}
	if p.StartSecs < 0 || p.StopSecs < 0 {
		return errors.New("vad: start and stop durations must not be negative")
	}
	return nil
}

// Analyzer detects speech in mono PCM16 audio.
type Analyzer interface {
	// SetSampleRate configures the input sample rate. It resets state.
	SetSampleRate(rate int)

	// SampleRate returns the configured input sample rate.
	SampleRate() int

	// NumFramesRequired is the number of samples analyzed per step.
	NumFramesRequired() int

	// VoiceConfidence scores one analysis window (0.0-1.0).
	VoiceConfidence(pcm []byte) float64

	// AnalyzeAudio consumes audio and returns the resulting state.
	AnalyzeAudio(pcm []byte) State

	// Params returns the current parameters.
	Params() Params

	// SetParams replaces the parameters.
	SetParams(p Params)
}

// Option configures an EnergyAnalyzer.
type Option func(*EnergyAnalyzer)

// WithParams sets the detection parameters.
func WithParams(p Params) Option {
	return func(a *EnergyAnalyzer) {
		a.params = p
	}
}

// WithSampleRate sets the initial sample rate.
func WithSampleRate(rate int) Option {
	return func(a *EnergyAnalyzer) {
		a.sampleRate = rate
	}
}

// WithConfidenceRange sets the dBFS levels mapped to confidence 0 and 1.
func WithConfidenceRange(floorDB, speechDB float64) Option {
	return func(a *EnergyAnalyzer) {
		a.floorDB = floorDB
		a.speechDB = speechDB
	}
}

// EnergyAnalyzer scores speech from signal energy and runs the
// quiet/starting/speaking/stopping state machine.
type EnergyAnalyzer struct {
	mu sync.Mutex

	params     Params
	sampleRate int
	floorDB    float64
	speechDB   float64

	state         State
	startFrames   int
	stopFrames    int
	startingCount int
	stoppingCount int
	prevVolume    float64
	buf           []byte
}

// NewEnergyAnalyzer creates an analyzer. Defaults are DefaultParams at
// 16kHz.
func NewEnergyAnalyzer(opts ...Option) *EnergyAnalyzer {
	a := &EnergyAnalyzer{
		params:     DefaultParams(),
		sampleRate: 16000,
		floorDB:    -50,
		speechDB:   -30,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.reset()
	return a
}

// SetSampleRate implements Analyzer.
func (a *EnergyAnalyzer) SetSampleRate(rate int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sampleRate = rate
	a.reset()
}

// SampleRate implements Analyzer.
func (a *EnergyAnalyzer) SampleRate() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sampleRate
}

// NumFramesRequired implements Analyzer. The window is 32ms: 512 samples
// at 16kHz.
func (a *EnergyAnalyzer) NumFramesRequired() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.windowFrames()
}

func (a *EnergyAnalyzer) windowFrames() int {
	return a.sampleRate * 32 / 1000
}

// Params implements Analyzer.
func (a *EnergyAnalyzer) Params() Params {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.params
}

// SetParams implements Analyzer.
func (a *EnergyAnalyzer) SetParams(p Params) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.params = p
	a.reset()
}

// State returns the last computed state.
func (a *EnergyAnalyzer) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// reset recomputes frame counts and clears the state machine.
// Callers hold mu.
func (a *EnergyAnalyzer) reset() {
	window := a.windowFrames()
	if window <= 0 || a.sampleRate <= 0 {
		a.startFrames, a.stopFrames = 0, 0
	} else {
		secsPerWindow := float64(window) / float64(a.sampleRate)
		a.startFrames = int(math.Round(a.params.StartSecs / secsPerWindow))
		a.stopFrames = int(math.Round(a.params.StopSecs / secsPerWindow))
	}
	a.state = StateQuiet
	a.startingCount = 0
	a.stoppingCount = 0
	a.prevVolume = 0
	a.buf = nil
}

// VoiceConfidence implements Analyzer.
func (a *EnergyAnalyzer) VoiceConfidence(pcm []byte) float64 {
	a.mu.Lock()
	floor, speech := a.floorDB, a.speechDB
	a.mu.Unlock()
	return confidence(audio.BytesToSamples(pcm), floor, speech)
}

func confidence(samples []int16, floorDB, speechDB float64) float64 {
	rms := audio.RMS(samples)
	if rms <= 0 || speechDB <= floorDB {
		return 0
	}
	db := 20 * math.Log10(rms)
	c := (db - floorDB) / (speechDB - floorDB)
	return math.Max(0, math.Min(1, c))
}

// AnalyzeAudio implements Analyzer. Audio is buffered until a full window
// is available; every complete window advances the state machine.
func (a *EnergyAnalyzer) AnalyzeAudio(pcm []byte) State {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.buf = append(a.buf, pcm...)
	windowBytes := a.windowFrames() * 2
	if windowBytes <= 0 {
		return a.state
	}

	for len(a.buf) >= windowBytes {
		window := audio.BytesToSamples(a.buf[:windowBytes])
		a.buf = a.buf[windowBytes:]
		a.step(window)
	}
	return a.state
}

func (a *EnergyAnalyzer) step(window []int16) {
	conf := confidence(window, a.floorDB, a.speechDB)
	volume := audio.ExpSmoothing(audio.Volume(window), a.prevVolume, volumeSmoothing)
	a.prevVolume = volume

	speaking := conf >= a.params.Confidence && volume >= a.params.MinVolume

	if speaking {
		switch a.state {
		case StateQuiet:
			a.state = StateStarting
			a.startingCount = 1
		case StateStarting:
			a.startingCount++
		case StateStopping:
			a.state = StateSpeaking
			a.stoppingCount = 0
		}
	} else {
		switch a.state {
		case StateStarting:
			a.state = StateQuiet
			a.startingCount = 0
		case StateSpeaking:
			a.state = StateStopping
			a.stoppingCount = 1
		case StateStopping:
			a.stoppingCount++
		}
	}

	if a.state == StateStarting && a.startingCount >= a.startFrames {
		a.state = StateSpeaking
		a.startingCount = 0
	}
	if a.state == StateStopping && a.stoppingCount >= a.stopFrames {
		a.state = StateQuiet
		a.stoppingCount = 0
	}
}
