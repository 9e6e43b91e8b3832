// Package frames defines the message units that flow between pipeline stages.
//
// Frames fall into three groups. System frames are delivered ahead of
// anything queued and survive interruptions. Control frames are ordered with
// data but are never discarded by an interruption. Data frames carry audio,
// text and conversation messages and are dropped when the user barges in.
package frames

import (
	"fmt"
	"sync/atomic"
)

var nextID atomic.Uint64

func newID() uint64 {
	return nextID.Add(1)
}

// Frame is a unit passed between pipeline processors.
type Frame interface {
	// ID is unique for the process lifetime.
	ID() uint64
	// Name identifies the frame kind and instance, e.g. "EndFrame#12".
	Name() string
}

// Base carries the identity shared by all frames.
type Base struct {
	id   uint64
	kind string
}

func newBase(kind string) Base {
	return Base{id: newID(), kind: kind}
}

// ID implements Frame.
func (b Base) ID() uint64 { return b.id }

// Name implements Frame.
func (b Base) Name() string { return fmt.Sprintf("%s#%d", b.kind, b.id) }

// Kind returns the frame kind without the instance id.
func (b Base) Kind() string { return b.kind }

type systemFrame interface{ isSystem() }

type controlFrame interface{ isControl() }

// systemKind marks a frame as a system frame.
type systemKind struct{}

func (systemKind) isSystem() {}

// controlKind marks a frame as a control frame.
type controlKind struct{}

func (controlKind) isControl() {}

// IsSystem reports whether f bypasses processor queues.
func IsSystem(f Frame) bool {
	_, ok := f.(systemFrame)
	return ok
}

// IsControl reports whether f is an ordered control frame.
func IsControl(f Frame) bool {
	_, ok := f.(controlFrame)
	return ok
}

// Interruptible reports whether f is discarded when the user interrupts.
func Interruptible(f Frame) bool {
	return !IsSystem(f) && !IsControl(f)
}
