package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/teslashibe/go-sonicbot/internal/log"
	"github.com/teslashibe/go-sonicbot/pkg/frames"
)

// Task errors.
var (
	ErrTaskAlreadyRun = errors.New("pipeline: task already run")
	ErrTaskFinished   = errors.New("pipeline: task finished")
)

// DefaultCancelTimeout bounds how long Run waits for a CancelFrame to reach
// the end of the pipeline after its context is cancelled.
const DefaultCancelTimeout = 5 * time.Second

// Params are the runtime settings broadcast to every processor in the
// StartFrame.
type Params struct {
	// AllowInterruptions lets user speech cancel bot output in flight.
	AllowInterruptions bool

	// EnableMetrics turns on TTFB and processing time reporting.
	EnableMetrics bool

	// EnableUsageMetrics turns on token usage reporting.
	EnableUsageMetrics bool

	// AudioInSampleRate is the pipeline input sample rate in Hz.
	AudioInSampleRate int

	// AudioOutSampleRate is the pipeline output sample rate in Hz.
	AudioOutSampleRate int
}

// DefaultParams returns Params with the default audio rates.
func DefaultParams() Params {
	return Params{
		AudioInSampleRate:  16000,
		AudioOutSampleRate: 24000,
	}
}

// Task is the execution context of a single pipeline run.
type Task struct {
	pipeline *Pipeline
	params   Params
	log      *slog.Logger

	source *BaseProcessor
	sink   *BaseProcessor

	mu        sync.Mutex
	ran       bool
	cancelled bool
	err       error

	cancelOnce sync.Once
	finishOnce sync.Once
	finished   chan struct{}

	cancelTimeout time.Duration
}

// NewTask wraps p with the given params. Zero sample rates take the
// defaults.
func NewTask(p *Pipeline, params Params) *Task {
	def := DefaultParams()
	if params.AudioInSampleRate == 0 {
		params.AudioInSampleRate = def.AudioInSampleRate
	}
	if params.AudioOutSampleRate == 0 {
		params.AudioOutSampleRate = def.AudioOutSampleRate
	}

	t := &Task{
		pipeline:      p,
		params:        params,
		log:           log.Component("task"),
		finished:      make(chan struct{}),
		cancelTimeout: DefaultCancelTimeout,
	}
	t.source = NewBaseProcessor("PipelineSource", HandlerFunc(t.sourceFrame))
	t.sink = NewBaseProcessor("PipelineSink", HandlerFunc(t.sinkFrame))
	t.source.Link(p.First())
	p.Last().Link(t.sink)
	return t
}

// Pipeline returns the wrapped pipeline.
func (t *Task) Pipeline() *Pipeline { return t.pipeline }

// Params returns the task parameters.
func (t *Task) Params() Params { return t.params }

// SetCancelTimeout overrides DefaultCancelTimeout.
func (t *Task) SetCancelTimeout(d time.Duration) { t.cancelTimeout = d }

// QueueFrame injects a frame at the head of the pipeline.
func (t *Task) QueueFrame(ctx context.Context, f frames.Frame) error {
	return t.QueueFrames(ctx, []frames.Frame{f})
}

// QueueFrames injects frames at the head of the pipeline, in order.
func (t *Task) QueueFrames(ctx context.Context, fs []frames.Frame) error {
	for _, f := range fs {
		if t.HasFinished() {
			return ErrTaskFinished
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		t.source.QueueFrame(f, Downstream)
	}
	return nil
}

// StopWhenDone queues an EndFrame so the task finishes after everything
// already queued has been processed.
func (t *Task) StopWhenDone(ctx context.Context) error {
	return t.QueueFrame(ctx, frames.NewEndFrame())
}

// Cancel stops the task without processing queued frames. Only the first
// call has an effect.
func (t *Task) Cancel() {
	t.cancelOnce.Do(func() {
		t.mu.Lock()
		t.cancelled = true
		t.mu.Unlock()
		t.log.Debug("cancelling task")
		t.source.QueueFrame(frames.NewCancelFrame(), Downstream)
	})
}

// HasFinished reports whether the task has completed.
func (t *Task) HasFinished() bool {
	select {
	case <-t.finished:
		return true
	default:
		return false
	}
}

// Err returns the fatal error that ended the task, if any.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Run starts every processor, sends the StartFrame and blocks until an
// EndFrame or CancelFrame reaches the end of the pipeline. It returns the
// error of a fatal ErrorFrame, or nil for a clean finish or cancellation.
func (t *Task) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.ran {
		t.mu.Unlock()
		return ErrTaskAlreadyRun
	}
	t.ran = true
	cancelled := t.cancelled
	t.mu.Unlock()

	if cancelled {
		t.finish()
		return nil
	}

	procCtx, stop := context.WithCancel(context.WithoutCancel(ctx))
	defer stop()

	procs := t.processors()
	for _, p := range procs {
		p.Start(procCtx)
	}
	defer func() {
		for _, p := range procs {
			p.Stop()
		}
	}()

	start := frames.NewStartFrame()
	start.AllowInterruptions = t.params.AllowInterruptions
	start.EnableMetrics = t.params.EnableMetrics
	start.EnableUsageMetrics = t.params.EnableUsageMetrics
	start.AudioInSampleRate = t.params.AudioInSampleRate
	start.AudioOutSampleRate = t.params.AudioOutSampleRate
	t.source.QueueFrame(start, Downstream)

	t.log.Info("pipeline task started", "pipeline", t.pipeline.String())

	select {
	case <-t.finished:
	case <-ctx.Done():
		t.Cancel()
		select {
		case <-t.finished:
		case <-time.After(t.cancelTimeout):
			t.log.Warn("timed out waiting for cancellation to complete")
			t.finish()
		}
	}

	t.log.Info("pipeline task finished")
	return t.Err()
}

func (t *Task) processors() []FrameProcessor {
	procs := []FrameProcessor{t.source}
	procs = append(procs, t.pipeline.Processors()...)
	return append(procs, t.sink)
}

func (t *Task) finish() {
	t.finishOnce.Do(func() { close(t.finished) })
}

func (t *Task) fail(ef *frames.ErrorFrame) {
	t.mu.Lock()
	if t.err == nil {
		t.err = ef.Err
	}
	t.mu.Unlock()
	t.log.Error("fatal pipeline error", "processor", ef.Processor, "error", ef.Err)
	t.Cancel()
}

func (t *Task) sourceFrame(ctx context.Context, f frames.Frame, dir Direction) error {
	if dir == Downstream {
		t.source.PushFrame(ctx, f, Downstream)
		return nil
	}
	if ef, ok := f.(*frames.ErrorFrame); ok {
		if ef.Fatal {
			t.fail(ef)
		} else {
			t.log.Warn("pipeline error", "processor", ef.Processor, "error", ef.Err)
		}
	}
	return nil
}

func (t *Task) sinkFrame(ctx context.Context, f frames.Frame, dir Direction) error {
	if dir == Upstream {
		t.sink.PushFrame(ctx, f, Upstream)
		return nil
	}
	switch f := f.(type) {
	case *frames.EndFrame, *frames.CancelFrame:
		t.finish()
	case *frames.MetricsFrame:
		for _, d := range f.Data {
			t.log.Debug("metrics",
				"processor", d.Processor,
				"kind", d.Kind,
				"value", d.Value,
				"prompt_tokens", d.PromptTokens,
				"completion_tokens", d.CompletionTokens,
			)
		}
	}
	return nil
}
