package pipeline

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-sonicbot/internal/log"
)

// Runner drives a Task to completion.
type Runner struct {
	handleSigint bool
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithHandleSigint controls whether SIGINT and SIGTERM cancel the task.
// Disable it when an outer server owns signal handling.
func WithHandleSigint(enabled bool) RunnerOption {
	return func(r *Runner) {
		r.handleSigint = enabled
	}
}

// NewRunner creates a Runner. Signal handling is on by default.
func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{handleSigint: true}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// HandlesSigint reports whether the runner installs signal handlers.
func (r *Runner) HandlesSigint() bool { return r.handleSigint }

// Run blocks until task finishes and returns its error.
func (r *Runner) Run(ctx context.Context, task *Task) error {
	if r.handleSigint {
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
		defer stop()
	}

	log.Debug("runner starting task", "handle_sigint", r.handleSigint)
	err := task.Run(ctx)
	if err != nil {
		log.Error("runner task failed", "error", err)
	}
	return err
}
