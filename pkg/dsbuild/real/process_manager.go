package real

import (
	"context"
	"sync"

	"github.com/jabolina/dsbuild/pkg/dsbuild/address"
	dctx "github.com/jabolina/dsbuild/pkg/dsbuild/context"
	"github.com/jabolina/dsbuild/pkg/dsbuild/message"
	"github.com/jabolina/dsbuild/pkg/dsbuild/process"
)

// inboundDelivery is a network message that survived dedup and tag
// rendezvous in the gRPC handler and is now waiting for this process's
// serialized loop to dispatch it to OnMessage.
type inboundDelivery struct {
	msg  message.Message
	from address.Address
}

// processManager is the real-mode analogue of sim's procEntry: one
// hosted process plus the four-source multiplexer spec §4.8 describes
// (local-message inbox, network mailbox, timer firings, control channel).
// Unlike the simulator, each ProcessManager runs on its own goroutine —
// real concurrency across processes, serialized handler calls within one.
type processManager struct {
	name    string
	address address.Address
	proc    process.Process
	node    *Node

	localCh   chan message.Message
	networkCh chan inboundDelivery
	controlCh chan struct{}
	stopOnce  sync.Once

	outboxMu sync.Mutex
	outbox   []message.Message
}

func (pm *processManager) appendOutbox(msg message.Message) {
	pm.outboxMu.Lock()
	pm.outbox = append(pm.outbox, msg)
	pm.outboxMu.Unlock()
}

func (pm *processManager) drainOutbox() []message.Message {
	pm.outboxMu.Lock()
	defer pm.outboxMu.Unlock()
	out := pm.outbox
	pm.outbox = nil
	return out
}

// deliverNetwork hands an inbound message to the process's mailbox,
// blocking the caller (the gRPC handler's own goroutine) only as far as
// the mailbox's buffer requires, or until ctx is cancelled or the process
// has stopped. Returns false if the process can't accept it.
func (pm *processManager) deliverNetwork(ctx context.Context, d inboundDelivery) bool {
	select {
	case pm.networkCh <- d:
		return true
	case <-pm.controlCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (pm *processManager) timerChannel() <-chan string {
	return pm.node.timers.register(pm.name)
}

// run is the ProcessManager's select loop: exactly one handler call in
// flight at a time for this process, drawn from whichever source is
// ready, for as long as the run context is live and nobody has called
// Stop. A panic inside a handler is not recovered — it propagates out of
// run and crashes this Node's process, consistent with spec §7 ("in real
// mode it terminates that Node's executor").
func (pm *processManager) run(ctx context.Context) error {
	timerCh := pm.timerChannel()
	defer pm.node.timers.StopProcess(pm.name)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pm.controlCh:
			return nil
		case msg := <-pm.localCh:
			pm.dispatchLocal(msg)
		case d := <-pm.networkCh:
			pm.dispatchNetwork(d)
		case name := <-timerCh:
			pm.dispatchTimer(name)
		}
	}
}

func (pm *processManager) context() dctx.Context {
	return dctx.New(&realBackend{node: pm.node, pm: pm})
}

func (pm *processManager) dispatchLocal(msg message.Message) {
	if err := pm.proc.OnLocalMessage(msg, pm.context()); err != nil {
		pm.node.log.Errorf("process %s OnLocalMessage: %v", pm.address, err)
	}
}

func (pm *processManager) dispatchNetwork(d inboundDelivery) {
	if err := pm.proc.OnMessage(d.msg, d.from, pm.context()); err != nil {
		pm.node.log.Errorf("process %s OnMessage: %v", pm.address, err)
	}
}

func (pm *processManager) dispatchTimer(name string) {
	if err := pm.proc.OnTimer(name, pm.context()); err != nil {
		pm.node.log.Errorf("process %s OnTimer(%s): %v", pm.address, name, err)
	}
}

// stop closes the control channel exactly once, ending run's select loop
// and notifying the Node's stop bus.
func (pm *processManager) stop() {
	pm.stopOnce.Do(func() {
		close(pm.controlCh)
		pm.node.onProcessStopped()
	})
}
