package pipeline

import (
	"errors"
	"strings"
)

// ErrEmptyPipeline is returned when a pipeline has no processors.
var ErrEmptyPipeline = errors.New("pipeline: no processors")

// Pipeline is an ordered, immutable chain of processors. Frames flow from
// the first processor to the last; upstream frames flow the other way.
type Pipeline struct {
	processors []FrameProcessor
}

// New links processors in the given order.
func New(processors ...FrameProcessor) (*Pipeline, error) {
	if len(processors) == 0 {
		return nil, ErrEmptyPipeline
	}
	for _, p := range processors {
		if p == nil {
			return nil, errors.New("pipeline: nil processor")
		}
	}
	ps := make([]FrameProcessor, len(processors))
	copy(ps, processors)
	for i := 0; i < len(ps)-1; i++ {
		ps[i].Link(ps[i+1])
	}
	return &Pipeline{processors: ps}, nil
}

// Processors returns the stages in order. The returned slice is a copy.
func (p *Pipeline) Processors() []FrameProcessor {
	out := make([]FrameProcessor, len(p.processors))
	copy(out, p.processors)
	return out
}

// First returns the head of the chain.
func (p *Pipeline) First() FrameProcessor { return p.processors[0] }

// Last returns the tail of the chain.
func (p *Pipeline) Last() FrameProcessor { return p.processors[len(p.processors)-1] }

// String returns the stage names joined by arrows.
func (p *Pipeline) String() string {
	names := make([]string, len(p.processors))
	for i, proc := range p.processors {
		names[i] = proc.Name()
	}
	return strings.Join(names, " -> ")
}
