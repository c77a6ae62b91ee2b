package sim

import (
	"time"

	"github.com/jabolina/dsbuild/pkg/dsbuild/address"
	"github.com/jabolina/dsbuild/pkg/dsbuild/context"
	"github.com/jabolina/dsbuild/pkg/dsbuild/file"
	"github.com/jabolina/dsbuild/pkg/dsbuild/message"
	"github.com/jabolina/dsbuild/pkg/dsbuild/process"
	"github.com/jabolina/dsbuild/pkg/dsbuild/transport"
)

// simBackend is the context.Backend bound to one process; it closes over
// the owning Sim and that process's own address.
type simBackend struct {
	sim  *Sim
	self address.Address
}

var _ context.Backend = (*simBackend)(nil)

// SendLocal appends msg to the process's outbox, observed via
// Sim.ReadLocalMessages/StepUntilLocalMessage.
func (b *simBackend) SendLocal(msg message.Message) {
	key := b.self.FullName()
	b.sim.localOutbox[key] = append(b.sim.localOutbox[key], msg)
}

// Send is best-effort: no ack, no dedup, no retry. Unreachable links and
// sampled drops are both silent.
func (b *simBackend) Send(msg message.Message, to address.Address) {
	if !b.sim.linkUp(b.self, to) {
		return
	}
	b.sim.scheduleDelivery(deliveryPlan{
		from: b.self,
		to:   to,
		msg:  msg,
	})
}

// SendWithAck reliably sends msg, resolving nil on ack, transport.ErrTimeout
// if the deadline elapses first, or transport.ErrNotSent immediately if
// the transport can already prove delivery is impossible.
func (b *simBackend) SendWithAck(msg message.Message, to address.Address, timeout time.Duration) <-chan context.SendResult {
	resultCh := make(chan context.SendResult, 1)
	if !b.sim.linkUp(b.self, to) {
		resultCh <- transport.ErrNotSent
		return resultCh
	}

	corrID := b.sim.nextCorrelationID()
	b.sim.pendingAcks[corrID] = &pendingAck{resultCh: resultCh}

	b.sim.scheduleAt(b.sim.now+float64(timeout.Seconds()), "ack-timeout", func() {
		b.sim.resolveAck(corrID, transport.ErrTimeout)
	})

	b.sim.scheduleDelivery(deliveryPlan{
		from:   b.self,
		to:     to,
		msg:    msg,
		corrID: corrID,
		hasAck: true,
	})
	b.sim.driveUntilAckResolved(corrID)
	return resultCh
}

// SendWithTag is SendWithAck with an attached rendezvous tag, delivered to
// a waiting SendRecvWithTag call (if any) instead of OnMessage.
func (b *simBackend) SendWithTag(msg message.Message, tag transport.Tag, to address.Address, timeout time.Duration) <-chan context.SendResult {
	resultCh := make(chan context.SendResult, 1)
	if !b.sim.linkUp(b.self, to) {
		resultCh <- transport.ErrNotSent
		return resultCh
	}

	corrID := b.sim.nextCorrelationID()
	b.sim.pendingAcks[corrID] = &pendingAck{resultCh: resultCh}

	b.sim.scheduleAt(b.sim.now+float64(timeout.Seconds()), "ack-timeout", func() {
		b.sim.resolveAck(corrID, transport.ErrTimeout)
	})

	b.sim.scheduleDelivery(deliveryPlan{
		from:   b.self,
		to:     to,
		msg:    msg,
		corrID: corrID,
		hasAck: true,
		hasTag: true,
		tag:    tag,
	})
	b.sim.driveUntilAckResolved(corrID)
	return resultCh
}

// SendRecvWithTag atomically registers a waiter for tag on this process's
// own tag table, sends msg reliably to to, and resolves with the first
// inbound message carrying tag. Since the simulator is single-threaded,
// "atomic" reduces to doing both steps before returning control.
func (b *simBackend) SendRecvWithTag(msg message.Message, tag transport.Tag, to address.Address, timeout time.Duration) <-chan context.RecvResult {
	resultCh := make(chan context.RecvResult, 1)

	waitCh := b.sim.tagTables[b.self.FullName()].Register(tag)
	record := &recvWaitRecord{resultCh: resultCh, tag: tag, owner: b.self.FullName(), waitCh: waitCh}
	b.sim.recvWaits[waitCh] = record

	if !b.sim.linkUp(b.self, to) {
		b.sim.resolveRecv(waitCh, context.RecvResult{Err: transport.ErrNotSent})
		return resultCh
	}

	corrID := b.sim.nextCorrelationID()

	b.sim.scheduleAt(b.sim.now+float64(timeout.Seconds()), "recv-timeout", func() {
		b.sim.resolveRecv(waitCh, context.RecvResult{Err: transport.ErrTimeout})
	})

	b.sim.scheduleDelivery(deliveryPlan{
		from:   b.self,
		to:     to,
		msg:    msg,
		corrID: corrID,
		// hasAck only drives the receiver's dedup check here, same as
		// SendWithTag — SendRecvWithTag's own contract is still about the
		// tagged reply, not about this leg's delivery ack.
		hasAck: true,
		hasTag: true,
		tag:    tag,
	})
	b.sim.driveUntilRecvResolved(waitCh)
	return resultCh
}

func (b *simBackend) SetTimer(name string, delay time.Duration) {
	b.armTimer(name, delay, false)
}

func (b *simBackend) SetTimerOnce(name string, delay time.Duration) {
	b.armTimer(name, delay, true)
}

func (b *simBackend) armTimer(name string, delay time.Duration, onlyIfAbsent bool) {
	entry := b.sim.procEntry(b.self)
	if entry == nil {
		return
	}
	ts := entry.timers[name]
	if ts == nil {
		ts = &timerState{}
		entry.timers[name] = ts
	} else if onlyIfAbsent && ts.armed {
		return
	}
	ts.gen++
	ts.armed = true
	gen := ts.gen
	self := b.self
	b.sim.scheduleAt(b.sim.now+delay.Seconds(), "timer", func() {
		b.sim.fireTimer(self, name, gen)
	})
}

func (b *simBackend) CancelTimer(name string) {
	entry := b.sim.procEntry(b.self)
	if entry == nil {
		return
	}
	ts := entry.timers[name]
	if ts == nil {
		return
	}
	ts.armed = false
	ts.gen++
}

// Spawn runs fn inline: the simulator is single-threaded and cooperative,
// so a concurrent goroutine here would touch process/kernel state outside
// the event loop and break the determinism invariant. See DESIGN.md.
func (b *simBackend) Spawn(fn func()) { fn() }

func (b *simBackend) Stop() {
	entry := b.sim.procEntry(b.self)
	if entry == nil {
		return
	}
	entry.state = process.Stopped
}

func (b *simBackend) CreateFile(name string) (file.File, error) {
	n := b.sim.nodes[b.self.NodeKey()]
	b.sim.now += fileIOEpsilon
	f, err := n.storage.create(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (b *simBackend) OpenFile(name string) (file.File, error) {
	n := b.sim.nodes[b.self.NodeKey()]
	b.sim.now += fileIOEpsilon
	f, err := n.storage.open(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (b *simBackend) FileExists(name string) (bool, error) {
	n := b.sim.nodes[b.self.NodeKey()]
	b.sim.now += fileIOEpsilon
	return n.storage.exists(name), nil
}

func (b *simBackend) Time() float64 { return b.sim.now }

// deliveryPlan describes one in-flight send before fault sampling decides
// its fate.
type deliveryPlan struct {
	from   address.Address
	to     address.Address
	msg    message.Message
	hasAck bool
	corrID uint64
	hasTag bool
	tag    transport.Tag
}

// scheduleDelivery runs the fault-injection pipeline (drop, corrupt,
// delay, duplicate), sampling s.rng in that order, and schedules the
// resulting delivery event(s). Not every step draws every time: a dropped
// send draws nothing after the drop sample, corruption draws a byte index
// and bit only when it fires on a non-empty payload, a delay draws nothing
// when the configured range is a single value, and a second delay is drawn
// only for a duplicate.
func (s *Sim) scheduleDelivery(plan deliveryPlan) {
	if s.net.sampleDrop(s.rng) {
		return
	}
	if s.net.sampleCorrupt(s.rng) {
		plan.msg = message.New(plan.msg.Kind(), corruptPayload(s.rng, plan.msg.Payload()))
	}
	delay := s.net.sampleDelay(s.rng)
	s.scheduleAt(s.now+delay, "deliver", func() {
		s.processDelivery(plan)
	})
	if s.net.sampleDup(s.rng) {
		dupDelay := s.net.sampleDelay(s.rng)
		s.scheduleAt(s.now+dupDelay, "deliver-dup", func() {
			s.processDelivery(plan)
		})
	}
}

// processDelivery is the event body for one arriving copy of a message:
// dedup and ack (reliable sends only), tag rendezvous, and handler
// dispatch, in that order — ack-on-acceptance happens before the handler
// runs, and a duplicate copy is still acked.
func (s *Sim) processDelivery(plan deliveryPlan) {
	entry := s.procEntry(plan.to)
	if entry == nil || entry.state != process.Running || !s.nodeRunning(plan.to) {
		return
	}

	duplicate := false
	if plan.hasAck {
		duplicate = s.dedupSets[plan.to.FullName()].SeenBefore(plan.from.FullName(), plan.corrID)
		s.resolveAck(plan.corrID, nil)
	}
	if duplicate {
		return
	}

	ctx := context.New(&simBackend{sim: s, self: plan.to})

	if plan.hasTag {
		if waitCh, ok := s.tagTables[plan.to.FullName()].Dispatch(plan.tag, plan.msg); ok {
			s.resolveRecv(waitCh, context.RecvResult{Message: plan.msg})
			return
		}
	}

	if err := entry.proc.OnMessage(plan.msg, plan.from, ctx); err != nil {
		s.log.Errorf("process %s OnMessage: %v", plan.to, err)
	}
}

func (s *Sim) resolveAck(corrID uint64, err error) {
	p := s.pendingAcks[corrID]
	if p == nil || p.resolved {
		return
	}
	p.resolved = true
	delete(s.pendingAcks, corrID)
	p.resultCh <- err
}

func (s *Sim) resolveRecv(waitCh chan message.Message, result context.RecvResult) {
	r := s.recvWaits[waitCh]
	if r == nil || r.resolved {
		return
	}
	r.resolved = true
	delete(s.recvWaits, waitCh)
	s.tagTables[r.owner].Cancel(r.tag, waitCh)
	r.resultCh <- result
}

func (s *Sim) fireTimer(addr address.Address, name string, gen uint64) {
	entry := s.procEntry(addr)
	if entry == nil || entry.state != process.Running {
		return
	}
	ts := entry.timers[name]
	if ts == nil || !ts.armed || ts.gen != gen {
		return
	}
	ts.armed = false
	ctx := context.New(&simBackend{sim: s, self: addr})
	if err := entry.proc.OnTimer(name, ctx); err != nil {
		s.log.Errorf("process %s OnTimer(%s): %v", addr, name, err)
	}
}
