package real

import (
	"context"
	"time"

	"github.com/jabolina/dsbuild/pkg/dsbuild/address"
	dctx "github.com/jabolina/dsbuild/pkg/dsbuild/context"
	"github.com/jabolina/dsbuild/pkg/dsbuild/file"
	"github.com/jabolina/dsbuild/pkg/dsbuild/idgen"
	"github.com/jabolina/dsbuild/pkg/dsbuild/message"
	"github.com/jabolina/dsbuild/pkg/dsbuild/transport"
)

// defaultBestEffortTimeout bounds Send's at-most-one-retry RPC attempts;
// Send itself never suspends the caller (spec §5), so both attempts run
// on a detached goroutine regardless of how long they take.
const defaultBestEffortTimeout = 2 * time.Second

// realBackend is the context.Backend bound to one process on one Node.
// Where sim.simBackend has to reentrantly drive a single event loop to
// avoid deadlocking a handler that awaits its own async op (see
// DESIGN.md), realBackend just uses real goroutines and channels — the
// real runtime has actual concurrency, so a handler "awaiting" its own
// SendWithAck by draining <-ch blocks only its own goroutine, and every
// other process keeps making progress on its own.
type realBackend struct {
	node *Node
	pm   *processManager
}

var _ dctx.Backend = (*realBackend)(nil)

func (b *realBackend) SendLocal(msg message.Message) { b.pm.appendOutbox(msg) }

// Send is best-effort and never suspends the caller: it fires the RPC on
// a detached goroutine and retries once at the transport level before
// giving up silently, per spec §9's documented real/sim asymmetry.
func (b *realBackend) Send(msg message.Message, to address.Address) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), defaultBestEffortTimeout)
		defer cancel()
		corrID := idgen.NewCorrelationID()
		if err := b.node.rpcSend(ctx, b.pm.address, to, msg, corrID, false, false, 0); err != nil {
			ctx2, cancel2 := context.WithTimeout(context.Background(), defaultBestEffortTimeout)
			defer cancel2()
			_ = b.node.rpcSend(ctx2, b.pm.address, to, msg, corrID, false, false, 0)
		}
	}()
}

func (b *realBackend) SendWithAck(msg message.Message, to address.Address, timeout time.Duration) <-chan dctx.SendResult {
	resultCh := make(chan dctx.SendResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		corrID := idgen.NewCorrelationID()
		err := b.node.rpcSend(ctx, b.pm.address, to, msg, corrID, true, false, 0)
		resultCh <- classifySendErr(err)
	}()
	return resultCh
}

func (b *realBackend) SendWithTag(msg message.Message, tag transport.Tag, to address.Address, timeout time.Duration) <-chan dctx.SendResult {
	resultCh := make(chan dctx.SendResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		corrID := idgen.NewCorrelationID()
		err := b.node.rpcSend(ctx, b.pm.address, to, msg, corrID, true, true, tag)
		resultCh <- classifySendErr(err)
	}()
	return resultCh
}

// SendRecvWithTag implements the tag rendezvous algorithm of spec §4.6
// directly: register a one-shot waiter on this process's own tag table,
// launch the reliable send, then race the waiter's channel against the
// send's own error and the timeout — exactly the three-way select the
// spec describes, no reentrant draining required.
func (b *realBackend) SendRecvWithTag(msg message.Message, tag transport.Tag, to address.Address, timeout time.Duration) <-chan dctx.RecvResult {
	resultCh := make(chan dctx.RecvResult, 1)
	tagTable := b.node.tagTableFor(b.pm.address.FullName())
	waitCh := tagTable.Register(tag)

	sendErrCh := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		corrID := idgen.NewCorrelationID()
		sendErrCh <- b.node.rpcSend(ctx, b.pm.address, to, msg, corrID, true, true, tag)
	}()

	go func() {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case reply := <-waitCh:
			resultCh <- dctx.RecvResult{Message: reply}
			return
		case err := <-sendErrCh:
			if err != nil {
				tagTable.Cancel(tag, waitCh)
				resultCh <- dctx.RecvResult{Err: classifySendErr(err)}
				return
			}
			// Ack observed: now wait purely for the tagged reply or timeout.
			select {
			case reply := <-waitCh:
				resultCh <- dctx.RecvResult{Message: reply}
			case <-timer.C:
				tagTable.Cancel(tag, waitCh)
				resultCh <- dctx.RecvResult{Err: transport.ErrTimeout}
			}
		case <-timer.C:
			tagTable.Cancel(tag, waitCh)
			resultCh <- dctx.RecvResult{Err: transport.ErrTimeout}
		}
	}()

	return resultCh
}

func (b *realBackend) SetTimer(name string, delay time.Duration) {
	b.node.timers.Set(b.pm.name, name, delay)
}

func (b *realBackend) SetTimerOnce(name string, delay time.Duration) {
	b.node.timers.SetOnce(b.pm.name, name, delay)
}

func (b *realBackend) CancelTimer(name string) {
	b.node.timers.Cancel(b.pm.name, name)
}

// Spawn runs fn on its own goroutine sharing the Node's real concurrency
// — unlike sim's inline call, this is genuine concurrent execution: fn
// may run at the same time as this process's handlers, not only between
// handler calls.
func (b *realBackend) Spawn(fn func()) { b.node.Spawn(fn) }

func (b *realBackend) Stop() { b.pm.stop() }

func (b *realBackend) CreateFile(name string) (file.File, error) {
	return createFile(b.node.mountDir, name)
}

func (b *realBackend) OpenFile(name string) (file.File, error) {
	return openFile(b.node.mountDir, name)
}

func (b *realBackend) FileExists(name string) (bool, error) {
	return fileExists(b.node.mountDir, name)
}

func (b *realBackend) Time() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}
