// Package process defines the three-handler contract every user process
// implements and the small amount of lifecycle bookkeeping around it.
package process

import (
	"github.com/jabolina/dsbuild/pkg/dsbuild/address"
	"github.com/jabolina/dsbuild/pkg/dsbuild/context"
	"github.com/jabolina/dsbuild/pkg/dsbuild/message"
)

// Context is the handle passed to every handler; see package context for
// the full operation set (send, timers, files, spawn, stop).
type Context = context.Context

// Process is the contract a user implements. The framework owns
// scheduling and guarantees exactly one handler runs at a time for a
// given process; the process owns its own mutable state.
type Process interface {
	// OnLocalMessage handles a message injected by the driver/user.
	OnLocalMessage(msg message.Message, ctx Context) error
	// OnTimer handles the firing of a previously-set timer.
	OnTimer(name string, ctx Context) error
	// OnMessage handles an inbound network message not claimed by a tag
	// waiter.
	OnMessage(msg message.Message, from address.Address, ctx Context) error
}

// Factory builds a fresh Process instance. The simulator calls it again
// on node rerun to get clean state, rather than requiring Process itself
// be cloneable.
type Factory func() Process

// State is a process's position in its Created -> Running -> Stopped
// lifecycle. Stopped is terminal for that execution; a rerun creates a
// fresh process via Factory.
type State int

const (
	Created State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "Created"
	case Running:
		return "Running"
	case Stopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}
