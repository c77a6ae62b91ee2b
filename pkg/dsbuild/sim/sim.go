// Package sim implements the deterministic simulator backend: a
// single-threaded, event-driven executor over virtual time, a fault-
// injecting virtual network, and a capacity-bounded virtual filesystem,
// all funnelling randomness through one seeded PRNG so that a fixed
// (seed, configuration, driver script) always reproduces the same trace.
package sim

import (
	"container/heap"
	"errors"
	"math/rand"

	"github.com/jabolina/dsbuild/pkg/dsbuild/address"
	"github.com/jabolina/dsbuild/pkg/dsbuild/context"
	"github.com/jabolina/dsbuild/pkg/dsbuild/dlog"
	"github.com/jabolina/dsbuild/pkg/dsbuild/message"
	"github.com/jabolina/dsbuild/pkg/dsbuild/process"
	"github.com/jabolina/dsbuild/pkg/dsbuild/transport"
)

// ErrNoEvents is returned by StepUntilLocalMessage when the event queue
// drains before the awaited process ever produces a local message.
var ErrNoEvents = errors.New("dsbuild/sim: event queue emptied before local message arrived")

// defaultStorageCapacity is used by AddNode (as opposed to
// AddNodeWithStorage, which takes an explicit capacity).
const defaultStorageCapacity = 16 << 20 // 16 MiB

// fileIOEpsilon is the fixed virtual-time cost of a file operation (spec
// §4.10): small enough to never reorder with a default-configured network
// delay, which floors at 10ms (see newNetworkModel).
const fileIOEpsilon = 0.000001

// Sim is the deterministic simulator: one event heap, one PRNG, a set of
// named nodes each hosting named processes, and the reliable-delivery/
// tag-rendezvous bookkeeping shared with the real backend's vocabulary.
type Sim struct {
	now float64
	seq uint64

	heap eventHeap
	rng  *rand.Rand
	net  *networkModel
	log  dlog.Logger

	nodes map[string]*simNode // keyed by Address.NodeKey()

	localOutbox map[string][]message.Message // keyed by Address.FullName()

	corrSeq     uint64
	pendingAcks map[uint64]*pendingAck

	dedupSets map[string]*transport.DedupSet // keyed by owner FullName
	tagTables map[string]*transport.TagTable // keyed by owner FullName
	recvWaits map[chan message.Message]*recvWaitRecord
}

// pendingAck is the sender-side bookkeeping record for one in-flight
// SendWithAck/SendWithTag call: resolved either by an inbound ack or by
// its own timeout event, whichever the kernel processes first.
type pendingAck struct {
	resultCh chan error
	resolved bool
}

// recvWaitRecord is the sender-side bookkeeping record for one in-flight
// SendRecvWithTag call.
type recvWaitRecord struct {
	resultCh chan context.RecvResult
	tag      transport.Tag
	owner    string // FullName of the waiting process
	waitCh   chan message.Message
	resolved bool
}

// New builds a simulator seeded for reproducibility; the same seed and
// driver script always produce the same event trace.
func New(seed int64) *Sim {
	s := &Sim{
		rng:         rand.New(rand.NewSource(seed)),
		net:         newNetworkModel(),
		log:         dlog.New("sim"),
		nodes:       make(map[string]*simNode),
		localOutbox: make(map[string][]message.Message),
		pendingAcks: make(map[uint64]*pendingAck),
		dedupSets:   make(map[string]*transport.DedupSet),
		tagTables:   make(map[string]*transport.TagTable),
		recvWaits:   make(map[chan message.Message]*recvWaitRecord),
	}
	heap.Init(&s.heap)
	return s
}

// Time returns the current virtual clock, in seconds.
func (s *Sim) Time() float64 { return s.now }

// AddNode registers a node with the default storage capacity.
func (s *Sim) AddNode(name, host string, port uint16) address.Address {
	return s.AddNodeWithStorage(name, host, port, defaultStorageCapacity)
}

// AddNodeWithStorage registers a node with an explicit storage capacity,
// in bytes.
func (s *Sim) AddNodeWithStorage(name, host string, port uint16, capacity int64) address.Address {
	addr := address.New(host, port)
	s.nodes[addr.NodeKey()] = newSimNode(name, capacity)
	return addr
}

// AddProcess hosts a process (built fresh from factory) on the named
// node, returning the address other processes reach it at. Fails if
// processName contains ':', which would make FullName/Parse ambiguous.
func (s *Sim) AddProcess(node address.Address, processName string, factory process.Factory) (address.Address, error) {
	if err := address.Validate(processName); err != nil {
		return address.Address{}, err
	}
	n := s.nodes[node.NodeKey()]
	addr := address.NewProcess(node.Host, node.Port, processName)
	entry := &procEntry{
		name:    processName,
		factory: factory,
		proc:    factory(),
		state:   process.Running,
		timers:  make(map[string]*timerState),
	}
	n.procs[processName] = entry
	s.dedupSets[addr.FullName()] = transport.NewDedupSet(1024)
	s.tagTables[addr.FullName()] = transport.NewTagTable()
	return addr, nil
}

// ConnectNode restores a previously disconnected node to the reachable
// set and takes it out of both groups of an active SplitNetwork, so its
// links across the partition work again.
func (s *Sim) ConnectNode(n address.Address) {
	key := n.NodeKey()
	delete(s.net.disconnected, key)
	delete(s.net.groupA, key)
	delete(s.net.groupB, key)
}

// DisconnectNode removes a node from the reachable set; every send to or
// from it fails as if the link were down.
func (s *Sim) DisconnectNode(n address.Address) { s.net.disconnected[n.NodeKey()] = true }

// SplitNetwork partitions the network into two groups; sends crossing the
// partition fail until HealPartition clears it, a fresh SplitNetwork
// replaces it, or ConnectNode takes a node out of it.
func (s *Sim) SplitNetwork(a, b []address.Address) {
	s.net.splitActive = true
	s.net.groupA = nodeKeySet(a)
	s.net.groupB = nodeKeySet(b)
}

// HealPartition clears a previously applied SplitNetwork.
func (s *Sim) HealPartition() { s.net.splitActive = false }

func nodeKeySet(addrs []address.Address) map[string]bool {
	out := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		out[a.NodeKey()] = true
	}
	return out
}

// CrashNode abruptly stops a node: storage is discarded and every hosted
// process is marked Stopped.
func (s *Sim) CrashNode(n address.Address) {
	node := s.nodes[n.NodeKey()]
	node.crash(node.storage.capacity)
}

// RecoverNode brings a Crashed node back to Running, rebuilding each
// hosted process from its Factory. Storage stays empty: a crash already
// discarded it.
func (s *Sim) RecoverNode(n address.Address) { s.nodes[n.NodeKey()].rerun() }

// ShutdownNode gracefully stops a node: storage is preserved, every
// hosted process is marked Stopped.
func (s *Sim) ShutdownNode(n address.Address) { s.nodes[n.NodeKey()].shutdown() }

// RerunNode brings a Shutdown node back to Running, rebuilding each
// hosted process from its Factory. Storage survives, since shutdown never
// discarded it.
func (s *Sim) RerunNode(n address.Address) { s.nodes[n.NodeKey()].rerun() }

// SetNetworkDelay fixes every send's delay to exactly s seconds.
func (s *Sim) SetNetworkDelay(seconds float64) {
	s.net.minDelay, s.net.maxDelay = seconds, seconds
}

// SetNetworkDelays draws each send's delay uniformly from [min, max] seconds.
func (s *Sim) SetNetworkDelays(min, max float64) {
	s.net.minDelay, s.net.maxDelay = min, max
}

// SetNetworkDropRate sets the independent per-send probability of a
// silent drop.
func (s *Sim) SetNetworkDropRate(p float64) { s.net.dropRate = p }

// SetNetworkDuplRate sets the independent per-send probability of
// duplication.
func (s *Sim) SetNetworkDuplRate(p float64) { s.net.dupRate = p }

// SetNetworkCorruptRate sets the independent per-send probability of
// payload corruption.
func (s *Sim) SetNetworkCorruptRate(p float64) { s.net.corrupt = p }

// SendLocalMessage injects msg as if delivered to to's OnLocalMessage,
// scheduled as a zero-delay event so it still flows through step().
func (s *Sim) SendLocalMessage(to address.Address, msg message.Message) {
	s.scheduleAt(s.now, "local", func() {
		s.dispatchLocal(to, msg)
	})
}

func (s *Sim) dispatchLocal(to address.Address, msg message.Message) {
	entry := s.procEntry(to)
	if entry == nil || entry.state != process.Running {
		return
	}
	ctx := context.New(&simBackend{sim: s, self: to})
	if err := entry.proc.OnLocalMessage(msg, ctx); err != nil {
		s.log.Errorf("process %s OnLocalMessage: %v", to, err)
	}
}

// ReadLocalMessages drains and returns everything from's process has
// handed to Context.SendLocal since the last read.
func (s *Sim) ReadLocalMessages(from address.Address) []message.Message {
	key := from.FullName()
	msgs := s.localOutbox[key]
	delete(s.localOutbox, key)
	return msgs
}

// Step pops and dispatches the earliest event, advancing the virtual
// clock to its time. It returns false if the queue was empty.
func (s *Sim) Step() bool {
	if s.heap.Len() == 0 {
		return false
	}
	ev := heap.Pop(&s.heap).(*event)
	s.now = ev.at
	ev.run()
	return true
}

// MakeSteps calls Step up to n times, stopping early if the queue empties.
func (s *Sim) MakeSteps(n int) {
	for i := 0; i < n; i++ {
		if !s.Step() {
			return
		}
	}
}

// StepUntilNoEvents drains the event queue completely.
func (s *Sim) StepUntilNoEvents() {
	for s.Step() {
	}
}

// StepUntilLocalMessage steps until proc's outbox is non-empty, returning
// the drained messages, or ErrNoEvents if the queue empties first.
func (s *Sim) StepUntilLocalMessage(proc address.Address) ([]message.Message, error) {
	key := proc.FullName()
	for {
		if len(s.localOutbox[key]) > 0 {
			return s.ReadLocalMessages(proc), nil
		}
		if !s.Step() {
			return nil, ErrNoEvents
		}
	}
}

// driveUntilAckResolved and driveUntilRecvResolved let a process handler
// call SendWithAck/SendWithTag/SendRecvWithTag synchronously: rather than
// returning a channel the caller must observe from some other goroutine
// (there is none — the simulator is single-threaded, so blocking on a
// channel inside a handler would deadlock the whole run), the call
// recursively drives Step() — popping and dispatching whatever events are
// earliest, including ones belonging to other processes or nodes — until
// its own pending ack/reply resolves. This is still fully deterministic:
// no real concurrency is introduced, every popped event is decided purely
// by (at, seq) order, and termination is guaranteed because the call
// always schedules its own timeout event first. A handler that awaits its
// own async op this way may, as an observable side effect, see other
// processes' handlers run (via reentrant Step calls) before it resumes —
// documented in DESIGN.md.
func (s *Sim) driveUntilAckResolved(corrID uint64) {
	for {
		if _, pending := s.pendingAcks[corrID]; !pending {
			return
		}
		if !s.Step() {
			return
		}
	}
}

func (s *Sim) driveUntilRecvResolved(waitCh chan message.Message) {
	for {
		if _, pending := s.recvWaits[waitCh]; !pending {
			return
		}
		if !s.Step() {
			return
		}
	}
}

func (s *Sim) scheduleAt(at float64, kind string, run func()) {
	s.seq++
	heap.Push(&s.heap, &event{at: at, seq: s.seq, kind: kind, run: run})
}

func (s *Sim) nextCorrelationID() uint64 {
	s.corrSeq++
	return s.corrSeq
}

func (s *Sim) procEntry(addr address.Address) *procEntry {
	n := s.nodes[addr.NodeKey()]
	if n == nil {
		return nil
	}
	return n.procs[addr.Process]
}

func (s *Sim) nodeRunning(addr address.Address) bool {
	n := s.nodes[addr.NodeKey()]
	return n != nil && n.state == nodeRunning
}

// linkUp reports whether a message sent now from src to dst would reach a
// running destination process at all, independent of fault sampling.
func (s *Sim) linkUp(from, to address.Address) bool {
	if !s.nodeRunning(from) || !s.nodeRunning(to) {
		return false
	}
	entry := s.procEntry(to)
	if entry == nil || entry.state != process.Running {
		return false
	}
	return s.net.reachable(from.NodeKey(), to.NodeKey())
}
