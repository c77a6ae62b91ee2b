package sim

import (
	"github.com/jabolina/dsbuild/pkg/dsbuild/process"
)

// nodeState is a simulated node's position in the Running/Shutdown/Crashed
// lifecycle of spec §3/§4.11.
type nodeState int

const (
	nodeRunning nodeState = iota
	nodeShutdown
	nodeCrashed
)

func (s nodeState) String() string {
	switch s {
	case nodeRunning:
		return "Running"
	case nodeShutdown:
		return "Shutdown"
	case nodeCrashed:
		return "Crashed"
	default:
		return "Unknown"
	}
}

// procEntry is one process hosted on a node: its current live instance,
// the factory used to rebuild it on rerun, and its lifecycle state.
type procEntry struct {
	name    string
	proc    process.Process
	factory process.Factory
	state   process.State
	timers  map[string]*timerState
}

// timerState tracks one named timer's arm/cancel generation so a
// CancelTimer call reliably suppresses an already-scheduled firing.
type timerState struct {
	gen   uint64
	armed bool
}

// simNode is one simulated host: a name, its lifecycle state, its storage,
// and the processes it hosts.
type simNode struct {
	name    string
	state   nodeState
	storage *storageModel
	procs   map[string]*procEntry
}

func newSimNode(name string, storageCapacity int64) *simNode {
	return &simNode{
		name:    name,
		state:   nodeRunning,
		storage: newStorageModel(storageCapacity),
		procs:   make(map[string]*procEntry),
	}
}

// crash discards storage and marks every hosted process Stopped; a crash
// loses in-memory and on-disk state alike, unlike shutdown.
func (n *simNode) crash(storageCapacity int64) {
	n.state = nodeCrashed
	n.storage = newStorageModel(storageCapacity)
	for _, p := range n.procs {
		p.state = process.Stopped
		p.proc = nil
	}
}

// shutdown marks every hosted process Stopped but preserves storage.
func (n *simNode) shutdown() {
	n.state = nodeShutdown
	for _, p := range n.procs {
		p.state = process.Stopped
		p.proc = nil
	}
}

// rerun brings a Shutdown or Crashed node back to Running, rebuilding a
// fresh instance of every hosted process from its stored Factory (spec §3:
// "the simulator rebuilds the process from a stored constructor closure").
func (n *simNode) rerun() {
	n.state = nodeRunning
	for _, p := range n.procs {
		p.proc = p.factory()
		p.state = process.Running
		p.timers = make(map[string]*timerState)
	}
}
