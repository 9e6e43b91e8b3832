// Package pipeline runs frames through an ordered chain of processors.
//
// A Pipeline links processors in a fixed order. A Task wraps a pipeline with
// runtime parameters, injects frames at its head and watches its tail. A
// Runner drives a Task to completion.
//
//	p := pipeline.New(transport.Input(), llm, transport.Output())
//	task := pipeline.NewTask(p, pipeline.Params{AllowInterruptions: true})
//	runner := pipeline.NewRunner(pipeline.WithHandleSigint(false))
//	if err := runner.Run(ctx, task); err != nil {
//	    log.Fatal(err)
//	}
//
// Every processor owns one goroutine. System frames are delivered ahead of
// queued data, and a StartInterruptionFrame discards queued data frames
// when interruptions are allowed.
package pipeline

import (
	"context"
	"log/slog"
	"sync"

	"github.com/teslashibe/go-sonicbot/internal/log"
	"github.com/teslashibe/go-sonicbot/pkg/frames"
)

// Direction is the way a frame travels through the pipeline.
type Direction int

const (
	// Downstream flows from the transport input toward the output.
	Downstream Direction = iota
	// Upstream flows back toward the transport input.
	Upstream
)

// String returns the direction name.
func (d Direction) String() string {
	if d == Upstream {
		return "upstream"
	}
	return "downstream"
}

// Queue sizes per processor.
const (
	systemQueueSize = 64
	dataQueueSize   = 256
)

// FrameProcessor is a pipeline stage.
type FrameProcessor interface {
	// Name identifies the processor in logs and metrics.
	Name() string

	// Link sets the downstream neighbour and makes this processor its
	// upstream neighbour.
	Link(next FrameProcessor)

	// SetPrev sets the upstream neighbour.
	SetPrev(prev FrameProcessor)

	// QueueFrame hands a frame to the processor. It does not wait for the
	// frame to be processed.
	QueueFrame(f frames.Frame, dir Direction)

	// Start launches the processor goroutine.
	Start(ctx context.Context)

	// Stop terminates the processor goroutine and waits for it to exit.
	Stop()
}

// Handler is implemented by concrete processors. ProcessFrame is called
// from the processor goroutine, one frame at a time. Frames that are not
// consumed must be forwarded with PushFrame.
type Handler interface {
	ProcessFrame(ctx context.Context, f frames.Frame, dir Direction) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, f frames.Frame, dir Direction) error

// ProcessFrame implements Handler.
func (fn HandlerFunc) ProcessFrame(ctx context.Context, f frames.Frame, dir Direction) error {
	return fn(ctx, f, dir)
}

type queued struct {
	frame frames.Frame
	dir   Direction
}

// BaseProcessor implements FrameProcessor plumbing. Concrete processors
// embed it and pass themselves as the Handler.
type BaseProcessor struct {
	name    string
	handler Handler
	log     *slog.Logger

	mu                  sync.RWMutex
	prev                FrameProcessor
	next                FrameProcessor
	allowInterruptions  bool
	metricsEnabled      bool
	usageMetricsEnabled bool
	started             bool

	system chan queued
	data   chan queued

	// pending holds control frames kept across an interruption. It is
	// owned by the run goroutine and consumed before data.
	pending []queued

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	quit      chan struct{}
	done      chan struct{}

	metrics *MetricsCollector
}

// NewBaseProcessor creates the plumbing for a processor named name whose
// frames are handled by h.
func NewBaseProcessor(name string, h Handler) *BaseProcessor {
	return &BaseProcessor{
		name:    name,
		handler: h,
		log:     log.Component(name),
		system:  make(chan queued, systemQueueSize),
		data:    make(chan queued, dataQueueSize),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		metrics: NewMetricsCollector(name),
	}
}

// Name implements FrameProcessor.
func (b *BaseProcessor) Name() string { return b.name }

// Logger returns the processor's logger.
func (b *BaseProcessor) Logger() *slog.Logger { return b.log }

// Metrics returns the processor's metrics collector.
func (b *BaseProcessor) Metrics() *MetricsCollector { return b.metrics }

// Link implements FrameProcessor.
func (b *BaseProcessor) Link(next FrameProcessor) {
	b.mu.Lock()
	b.next = next
	b.mu.Unlock()
	next.SetPrev(b)
}

// SetPrev implements FrameProcessor.
func (b *BaseProcessor) SetPrev(prev FrameProcessor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prev = prev
}

// Next returns the downstream neighbour, or nil.
func (b *BaseProcessor) Next() FrameProcessor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.next
}

// Prev returns the upstream neighbour, or nil.
func (b *BaseProcessor) Prev() FrameProcessor {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.prev
}

// InterruptionsAllowed reports the StartFrame setting.
func (b *BaseProcessor) InterruptionsAllowed() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.allowInterruptions
}

// MetricsEnabled reports the StartFrame setting.
func (b *BaseProcessor) MetricsEnabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.metricsEnabled
}

// UsageMetricsEnabled reports the StartFrame setting.
func (b *BaseProcessor) UsageMetricsEnabled() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.usageMetricsEnabled
}

// Started reports whether a StartFrame has been processed.
func (b *BaseProcessor) Started() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.started
}

// QueueFrame implements FrameProcessor.
func (b *BaseProcessor) QueueFrame(f frames.Frame, dir Direction) {
	q := queued{frame: f, dir: dir}
	ch := b.data
	if frames.IsSystem(f) {
		ch = b.system
	}
	select {
	case ch <- q:
	case <-b.quit:
	}
}

// PushFrame forwards a frame to the neighbour in the given direction.
// Frames pushed past either end of the chain are dropped.
func (b *BaseProcessor) PushFrame(ctx context.Context, f frames.Frame, dir Direction) {
	var target FrameProcessor
	if dir == Downstream {
		target = b.Next()
	} else {
		target = b.Prev()
	}
	if target == nil {
		b.log.Debug("dropping frame at pipeline edge", "frame", f.Name(), "direction", dir)
		return
	}
	target.QueueFrame(f, dir)
}

// PushError sends an ErrorFrame upstream.
func (b *BaseProcessor) PushError(ctx context.Context, err error, fatal bool) {
	ef := frames.NewErrorFrame(err, fatal)
	ef.Processor = b.name
	b.PushFrame(ctx, ef, Upstream)
}

// Start implements FrameProcessor.
func (b *BaseProcessor) Start(ctx context.Context) {
	b.startOnce.Do(func() {
		ctx, b.cancel = context.WithCancel(ctx)
		go b.run(ctx)
	})
}

// Stop implements FrameProcessor.
func (b *BaseProcessor) Stop() {
	b.stopOnce.Do(func() {
		close(b.quit)
		if b.cancel != nil {
			b.cancel()
			<-b.done
		}
	})
}

func (b *BaseProcessor) run(ctx context.Context) {
	defer close(b.done)
	for {
		// System frames first.
		select {
		case q := <-b.system:
			b.handle(ctx, q)
			continue
		default:
		}

		if len(b.pending) > 0 {
			q := b.pending[0]
			b.pending = b.pending[1:]
			b.handle(ctx, q)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case q := <-b.system:
			b.handle(ctx, q)
		case q := <-b.data:
			b.handle(ctx, q)
		}
	}
}

func (b *BaseProcessor) handle(ctx context.Context, q queued) {
	switch f := q.frame.(type) {
	case *frames.StartFrame:
		b.mu.Lock()
		b.allowInterruptions = f.AllowInterruptions
		b.metricsEnabled = f.EnableMetrics
		b.usageMetricsEnabled = f.EnableUsageMetrics
		b.started = true
		b.mu.Unlock()
	case *frames.StartInterruptionFrame:
		if b.InterruptionsAllowed() {
			b.drainData()
		}
	}

	if err := b.handler.ProcessFrame(ctx, q.frame, q.dir); err != nil {
		b.log.Error("process frame failed", "frame", q.frame.Name(), "error", err)
		b.PushError(ctx, err, true)
	}
}

// drainData discards queued interruptible frames. Control frames are kept
// in their original order and handled before anything queued later.
func (b *BaseProcessor) drainData() {
	kept := b.pending[:0]
	dropped := 0
	for _, q := range b.pending {
		if frames.Interruptible(q.frame) {
			dropped++
			continue
		}
		kept = append(kept, q)
	}
drain:
	for {
		select {
		case q := <-b.data:
			if frames.Interruptible(q.frame) {
				dropped++
				continue
			}
			kept = append(kept, q)
		default:
			break drain
		}
	}
	b.pending = kept
	if dropped > 0 {
		b.log.Debug("interruption dropped queued frames", "count", dropped)
	}
}
