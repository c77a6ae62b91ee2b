// Package context implements the Context facade passed to every process
// handler. It dispatches each operation to whichever Backend (sim or
// real) the owning node was constructed with, keeping both backends
// observably identical from the process author's point of view.
package context

import (
	"time"

	"github.com/jabolina/dsbuild/pkg/dsbuild/address"
	"github.com/jabolina/dsbuild/pkg/dsbuild/file"
	"github.com/jabolina/dsbuild/pkg/dsbuild/message"
	"github.com/jabolina/dsbuild/pkg/dsbuild/transport"
)

// SendResult is the outcome of a reliable send: nil on success, or one of
// transport.ErrTimeout / transport.ErrNotSent.
type SendResult = error

// RecvResult is the outcome of SendRecvWithTag: the matching reply on
// success, or one of transport.ErrTimeout / transport.ErrNotSent.
type RecvResult struct {
	Message message.Message
	Err     error
}

// Backend is implemented once by the sim package and once by the real
// package; Context is a thin, cheap-to-copy value wrapping one of them.
type Backend interface {
	SendLocal(msg message.Message)
	Send(msg message.Message, to address.Address)
	SendWithAck(msg message.Message, to address.Address, timeout time.Duration) <-chan SendResult
	SendWithTag(msg message.Message, tag transport.Tag, to address.Address, timeout time.Duration) <-chan SendResult
	SendRecvWithTag(msg message.Message, tag transport.Tag, to address.Address, timeout time.Duration) <-chan RecvResult
	SetTimer(name string, delay time.Duration)
	SetTimerOnce(name string, delay time.Duration)
	CancelTimer(name string)
	Spawn(fn func())
	Stop()
	CreateFile(name string) (file.File, error)
	OpenFile(name string) (file.File, error)
	FileExists(name string) (bool, error)
	Time() float64
}

// Context is the environment handle given to every process handler.
// It is a lightweight value type, cheap to clone (it only carries a
// Backend reference), matching spec §4.4/§4.9's "Context is a lightweight
// value type carrying handles".
type Context struct {
	backend Backend
}

// New wraps a Backend (built by the sim or real package) into a Context.
func New(backend Backend) Context {
	return Context{backend: backend}
}

// SendLocal appends msg to the process's outbox, observable by the
// simulator driver or the real mode's local-message channel.
func (c Context) SendLocal(msg message.Message) { c.backend.SendLocal(msg) }

// Send is a best-effort unreliable send: no delivery guarantee, no ack.
func (c Context) Send(msg message.Message, to address.Address) { c.backend.Send(msg, to) }

// SendWithAck reliably sends msg to to, resolving the returned channel
// with nil on success, transport.ErrTimeout if the ack wasn't observed by
// timeout, or transport.ErrNotSent on a definite delivery failure.
func (c Context) SendWithAck(msg message.Message, to address.Address, timeout time.Duration) <-chan SendResult {
	return c.backend.SendWithAck(msg, to, timeout)
}

// SendWithTag is SendWithAck with an attached rendezvous tag.
func (c Context) SendWithTag(msg message.Message, tag transport.Tag, to address.Address, timeout time.Duration) <-chan SendResult {
	return c.backend.SendWithTag(msg, tag, to, timeout)
}

// SendRecvWithTag atomically registers a tag waiter, sends msg reliably,
// and resolves with the first inbound message carrying tag — which is
// never also delivered to OnMessage.
func (c Context) SendRecvWithTag(msg message.Message, tag transport.Tag, to address.Address, timeout time.Duration) <-chan RecvResult {
	return c.backend.SendRecvWithTag(msg, tag, to, timeout)
}

// SetTimer arms a named timer, overwriting any pending timer of the same
// name.
func (c Context) SetTimer(name string, delay time.Duration) { c.backend.SetTimer(name, delay) }

// SetTimerOnce arms a named timer only if one isn't already pending.
func (c Context) SetTimerOnce(name string, delay time.Duration) {
	c.backend.SetTimerOnce(name, delay)
}

// CancelTimer removes a pending named timer; once this returns, OnTimer
// will never fire for that instance.
func (c Context) CancelTimer(name string) { c.backend.CancelTimer(name) }

// Spawn runs fn, which may call Context operations. In the simulator fn
// runs inline, on the same single-threaded executor as the process's
// handlers, before Spawn returns. In the real runtime fn runs on its own
// goroutine, concurrently with the process's handlers; no lock is taken
// around the process's own state.
func (c Context) Spawn(fn func()) { c.backend.Spawn(fn) }

// Stop transitions the invoking process to Stopped. Subsequent deliveries
// are discarded.
func (c Context) Stop() { c.backend.Stop() }

// CreateFile creates a new file relative to the node's storage root.
func (c Context) CreateFile(name string) (file.File, error) { return c.backend.CreateFile(name) }

// OpenFile opens an existing file relative to the node's storage root.
func (c Context) OpenFile(name string) (file.File, error) { return c.backend.OpenFile(name) }

// FileExists reports whether name exists in the node's storage root.
func (c Context) FileExists(name string) (bool, error) { return c.backend.FileExists(name) }

// Time returns the current node time: virtual in sim, wall-clock in real.
func (c Context) Time() float64 { return c.backend.Time() }
