package sim

import (
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/jabolina/dsbuild/pkg/dsbuild/address"
	"github.com/jabolina/dsbuild/pkg/dsbuild/context"
	"github.com/jabolina/dsbuild/pkg/dsbuild/file"
	"github.com/jabolina/dsbuild/pkg/dsbuild/message"
	"github.com/jabolina/dsbuild/pkg/dsbuild/process"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// echoClient sends one local string as "ping" and records whatever comes
// back via Context.SendLocal, for the driver to observe.
type echoClient struct {
	peer    address.Address
	timeout time.Duration
}

func (c *echoClient) OnLocalMessage(msg message.Message, ctx process.Context) error {
	<-ctx.SendWithAck(msg, c.peer, c.timeout)
	return nil
}

func (c *echoClient) OnTimer(string, process.Context) error { return nil }

func (c *echoClient) OnMessage(msg message.Message, _ address.Address, ctx process.Context) error {
	ctx.SendLocal(msg)
	return nil
}

// echoServer replies to every inbound message with its own payload.
type echoServer struct{}

func (echoServer) OnLocalMessage(message.Message, process.Context) error { return nil }
func (echoServer) OnTimer(string, process.Context) error                { return nil }
func (echoServer) OnMessage(msg message.Message, from address.Address, ctx process.Context) error {
	ctx.Send(msg, from)
	return nil
}

func newEchoSim(seed int64) (*Sim, address.Address, address.Address) {
	s := New(seed)
	clientNode := s.AddNode("client", "client.local", 10024)
	serverNode := s.AddNode("server", "server.local", 10025)
	serverAddr := address.NewProcess(serverNode.Host, serverNode.Port, "echo-server")
	mustAddProcess(s, serverNode, "echo-server", func() process.Process { return &echoServer{} })
	clientAddr := mustAddProcess(s, clientNode, "echo-client", func() process.Process {
		return &echoClient{peer: serverAddr, timeout: 10 * time.Second}
	})
	return s, clientAddr, serverAddr
}

// mustAddProcess wraps Sim.AddProcess for tests whose process names are
// always valid, panicking on the only way it can fail (spec.md §4.2).
func mustAddProcess(s *Sim, node address.Address, name string, factory process.Factory) address.Address {
	addr, err := s.AddProcess(node, name, factory)
	if err != nil {
		panic(err)
	}
	return addr
}

// TestAddProcessRejectsColonInName guards the FullName/Parse bijection
// (address.go's Parse relies on ':' never appearing in a process name).
func TestAddProcessRejectsColonInName(t *testing.T) {
	s := New(1)
	node := s.AddNode("n", "h", 1)
	if _, err := s.AddProcess(node, "bad:name", func() process.Process { return &echoServer{} }); err == nil {
		t.Fatal("expected AddProcess to reject a process name containing ':'")
	}
}

func TestEchoScenario(t *testing.T) {
	s, clientAddr, _ := newEchoSim(1)
	s.SendLocalMessage(clientAddr, message.New("ping", []byte("ping")))
	s.StepUntilNoEvents()

	out := s.ReadLocalMessages(clientAddr)
	if len(out) != 1 || string(out[0].Payload()) != "ping" {
		t.Fatalf("client outbox = %v, want one ping", out)
	}
}

func TestDeterminism(t *testing.T) {
	trace := func(seed int64) []string {
		s := New(seed)
		s.SetNetworkDelays(0.001, 0.2)
		s.SetNetworkDropRate(0.1)
		s.SetNetworkDuplRate(0.1)
		s.SetNetworkCorruptRate(0.05)

		clientNode := s.AddNode("client", "c", 1)
		serverNode := s.AddNode("server", "s", 2)
		serverAddr := address.NewProcess(serverNode.Host, serverNode.Port, "p")
		mustAddProcess(s, serverNode, "p", func() process.Process { return &echoServer{} })
		clientAddr := mustAddProcess(s, clientNode, "c", func() process.Process {
			return &echoClient{peer: serverAddr, timeout: 5 * time.Second}
		})

		var events []string
		for i := 0; i < 20; i++ {
			s.SendLocalMessage(clientAddr, message.New("ping", []byte("ping")))
			s.MakeSteps(1000)
			for _, m := range s.ReadLocalMessages(clientAddr) {
				events = append(events, m.String())
			}
		}
		return events
	}

	a := trace(42)
	b := trace(42)
	if len(a) != len(b) {
		t.Fatalf("trace lengths differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("trace diverged at %d: %q vs %q", i, a[i], b[i])
		}
	}
}

// countingServer counts distinct OnMessage invocations, to verify at-most-
// once delivery under duplication.
type countingServer struct {
	count *int
}

func (c *countingServer) OnLocalMessage(message.Message, process.Context) error { return nil }
func (c *countingServer) OnTimer(string, process.Context) error                { return nil }
func (c *countingServer) OnMessage(message.Message, address.Address, process.Context) error {
	*c.count++
	return nil
}

func TestAtMostOnceDeliveryUnderDuplication(t *testing.T) {
	s := New(7)
	s.SetNetworkDuplRate(1.0) // always duplicate

	serverNode := s.AddNode("server", "s", 1)
	clientNode := s.AddNode("client", "c", 2)

	count := 0
	serverAddr := mustAddProcess(s, serverNode, "srv", func() process.Process {
		return &countingServer{count: &count}
	})
	clientAddr := mustAddProcess(s, clientNode, "cli", func() process.Process { return &echoClient{} })

	b := &simBackend{sim: s, self: clientAddr}
	ackCh := b.SendWithAck(message.New("hello", nil), serverAddr, 5*time.Second)
	s.StepUntilNoEvents()

	if err := <-ackCh; err != nil {
		t.Fatalf("SendWithAck resolved %v, want nil", err)
	}
	if count != 1 {
		t.Fatalf("handler ran %d times, want exactly 1 despite duplication", count)
	}
}

// tagResult pairs a rendezvous reply with the error it resolved with.
type tagResult struct {
	msg message.Message
	err error
}

func TestTagFIFO(t *testing.T) {
	s := New(3)
	node := s.AddNode("n", "h", 1)
	selfAddr := address.NewProcess("h", 1, "self")
	mustAddProcess(s, node, "self", func() process.Process { return nil })

	b := &simBackend{sim: s, self: selfAddr}
	firstCh := b.sim.tagTables[selfAddr.FullName()].Register(7)
	resultA := make(chan context.RecvResult, 1)
	s.recvWaits[firstCh] = &recvWaitRecord{resultCh: resultA, tag: 7, owner: selfAddr.FullName(), waitCh: firstCh}

	secondCh := b.sim.tagTables[selfAddr.FullName()].Register(7)
	resultB := make(chan context.RecvResult, 1)
	s.recvWaits[secondCh] = &recvWaitRecord{resultCh: resultB, tag: 7, owner: selfAddr.FullName(), waitCh: secondCh}

	peer := address.NewProcess("h2", 2, "peer")
	s.processDelivery(deliveryPlan{from: peer, to: selfAddr, msg: message.New("m1", []byte("one")), hasTag: true, tag: 7})
	s.processDelivery(deliveryPlan{from: peer, to: selfAddr, msg: message.New("m2", []byte("two")), hasTag: true, tag: 7})

	first := <-resultA
	second := <-resultB
	if string(first.Message.Payload()) != "one" {
		t.Fatalf("first waiter got %q, want %q", first.Message.Payload(), "one")
	}
	if string(second.Message.Payload()) != "two" {
		t.Fatalf("second waiter got %q, want %q", second.Message.Payload(), "two")
	}
}

// TestTagRendezvousAtMostOnceUnderDuplication drives two copies of the
// same corrID-tagged delivery (as SendRecvWithTag now schedules, since it
// carries hasAck/corrID just like SendWithTag) at a process with exactly
// one live waiter. The duplicate must be caught by dedup before tag
// dispatch ever runs a second time, so the waiter resolves exactly once
// and the unclaimed-tag fallback (OnMessage) never fires.
func TestTagRendezvousAtMostOnceUnderDuplication(t *testing.T) {
	s := New(5)
	node := s.AddNode("n", "h", 1)
	selfAddr := address.NewProcess("h", 1, "self")
	fallback := 0
	mustAddProcess(s, node, "self", func() process.Process { return &countingServer{count: &fallback} })

	b := &simBackend{sim: s, self: selfAddr}
	waitCh := b.sim.tagTables[selfAddr.FullName()].Register(99)
	result := make(chan context.RecvResult, 1)
	s.recvWaits[waitCh] = &recvWaitRecord{resultCh: result, tag: 99, owner: selfAddr.FullName(), waitCh: waitCh}

	peer := address.NewProcess("h2", 2, "peer")
	plan := deliveryPlan{
		from:   peer,
		to:     selfAddr,
		msg:    message.New("reply", []byte("payload")),
		corrID: s.nextCorrelationID(),
		hasAck: true,
		hasTag: true,
		tag:    99,
	}
	s.processDelivery(plan) // first copy: claims the waiter
	s.processDelivery(plan) // duplicate: must be deduped, not fall through

	resolved := <-result
	if string(resolved.Message.Payload()) != "payload" {
		t.Fatalf("waiter got %q, want %q", resolved.Message.Payload(), "payload")
	}
	if fallback != 0 {
		t.Fatalf("OnMessage fallback ran %d times, want 0: the duplicate copy must never reach a process handler", fallback)
	}
}

// timerRecorder counts how many times OnTimer fires for "tick".
type timerRecorder struct {
	fired *int
}

func (r *timerRecorder) OnLocalMessage(message.Message, process.Context) error { return nil }
func (r *timerRecorder) OnTimer(name string, _ process.Context) error {
	if name == "tick" {
		*r.fired++
	}
	return nil
}
func (r *timerRecorder) OnMessage(message.Message, address.Address, process.Context) error {
	return nil
}

func TestTimerCancellation(t *testing.T) {
	s := New(9)
	node := s.AddNode("n", "h", 1)
	fired := 0
	addr := mustAddProcess(s, node, "p", func() process.Process { return &timerRecorder{fired: &fired} })

	b := &simBackend{sim: s, self: addr}
	b.SetTimer("tick", 100*time.Millisecond)
	b.CancelTimer("tick")
	s.StepUntilNoEvents()

	if fired != 0 {
		t.Fatalf("on_timer fired %d times after cancel, want 0", fired)
	}
}

func TestStoragePersistenceVsCrash(t *testing.T) {
	s := New(11)
	node := s.AddNodeWithStorage("n", "h", 1, 1<<20)
	addr := mustAddProcess(s, node, "p", func() process.Process { return &echoServer{} })
	b := &simBackend{sim: s, self: addr}

	f, err := b.CreateFile("f")
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if _, err := f.Append([]byte("append1\n")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	s.ShutdownNode(node)
	s.RerunNode(node)

	b2 := &simBackend{sim: s, self: addr}
	f2, err := b2.OpenFile("f")
	if err != nil {
		t.Fatalf("OpenFile after rerun: %v", err)
	}
	buf := make([]byte, 64)
	n, err := f2.Read(0, buf)
	if err != nil {
		t.Fatalf("Read after rerun: %v", err)
	}
	if string(buf[:n]) != "append1\n" {
		t.Fatalf("after shutdown+rerun got %q, want %q", buf[:n], "append1\n")
	}

	s.CrashNode(node)
	s.RecoverNode(node)

	b3 := &simBackend{sim: s, self: addr}
	if _, err := b3.OpenFile("f"); err == nil {
		t.Fatalf("OpenFile after crash+recover succeeded, want ErrNotFound")
	}
}

func TestPartitionLiveness(t *testing.T) {
	s := New(13)
	a := s.AddNode("a", "a", 1)
	bNode := s.AddNode("b", "b", 2)
	bAddr := mustAddProcess(s, bNode, "srv", func() process.Process { return &echoServer{} })
	aAddr := mustAddProcess(s, a, "cli", func() process.Process { return &echoClient{} })

	s.SplitNetwork([]address.Address{a}, []address.Address{bNode})

	backend := &simBackend{sim: s, self: aAddr}
	resultCh := backend.SendWithAck(message.New("x", nil), bAddr, 5*time.Second)
	s.StepUntilNoEvents()
	if err := <-resultCh; err == nil {
		t.Fatalf("send_with_ack across active partition resolved Ok, want an error")
	}
}

func TestTagRendezvousScenario(t *testing.T) {
	s := New(17)
	nodeA := s.AddNode("a", "a", 1)
	nodeB := s.AddNode("b", "b", 2)

	var addrA, addrB address.Address
	addrA = mustAddProcess(s, nodeA, "a", func() process.Process {
		return &rendezvousProc{label: "from-a", peerOf: func() address.Address { return addrB }}
	})
	addrB = mustAddProcess(s, nodeB, "b", func() process.Process {
		return &rendezvousProc{label: "from-b", peerOf: func() address.Address { return addrA }}
	})

	s.SendLocalMessage(addrA, message.New("start", nil))
	s.SendLocalMessage(addrB, message.New("start", nil))
	s.StepUntilNoEvents()

	outA := s.ReadLocalMessages(addrA)
	outB := s.ReadLocalMessages(addrB)
	if len(outA) != 1 || string(outA[0].Payload()) != "from-b" {
		t.Fatalf("A's rendezvous result = %v, want [\"from-b\"]", outA)
	}
	if len(outB) != 1 || string(outB[0].Payload()) != "from-a" {
		t.Fatalf("B's rendezvous result = %v, want [\"from-a\"]", outB)
	}
}

// rendezvousProc sends its own side of a tag-15 rendezvous on the first
// local message and reports the peer's payload back via SendLocal.
type rendezvousProc struct {
	label  string
	peerOf func() address.Address
}

func (p *rendezvousProc) OnLocalMessage(_ message.Message, ctx process.Context) error {
	own := message.New("greeting", []byte(p.label))
	result := <-ctx.SendRecvWithTag(own, 15, p.peerOf(), 10*time.Second)
	if result.Err == nil {
		ctx.SendLocal(result.Message)
	}
	return nil
}

func (p *rendezvousProc) OnTimer(string, process.Context) error { return nil }

func (p *rendezvousProc) OnMessage(_ message.Message, _ address.Address, _ process.Context) error {
	return nil
}

func TestServerCrashScenario(t *testing.T) {
	s, clientAddr, serverNode := newEchoCrashSim(19)

	s.SendLocalMessage(clientAddr, message.New("first ping", []byte("first ping")))
	s.StepUntilNoEvents()
	firstRound := s.ReadLocalMessages(clientAddr)
	if len(firstRound) != 1 || string(firstRound[0].Payload()) != "first ping" {
		t.Fatalf("first round = %v, want [\"first ping\"]", firstRound)
	}

	s.CrashNode(serverNode)

	s.SendLocalMessage(clientAddr, message.New("second ping", []byte("second ping")))
	s.StepUntilNoEvents()
	secondRound := s.ReadLocalMessages(clientAddr)
	if len(secondRound) != 0 {
		t.Fatalf("second round after server crash = %v, want none", secondRound)
	}
}

// newEchoCrashSim is newEchoSim with a short 200ms ack timeout and the
// server's node address returned in place of its process address. After
// CrashNode the second round's SendWithAck resolves ErrNotSent at once,
// since the destination node is down, so no timeout is involved.
func newEchoCrashSim(seed int64) (*Sim, address.Address, address.Address) {
	s := New(seed)
	clientNode := s.AddNode("client", "client.local", 10024)
	serverNode := s.AddNode("server", "server.local", 10025)
	serverAddr := address.NewProcess(serverNode.Host, serverNode.Port, "echo-server")
	mustAddProcess(s, serverNode, "echo-server", func() process.Process { return &echoServer{} })
	clientAddr := mustAddProcess(s, clientNode, "echo-client", func() process.Process {
		return &echoClient{peer: serverAddr, timeout: 200 * time.Millisecond}
	})
	return s, clientAddr, serverNode
}

func TestPersistentAppendScenario(t *testing.T) {
	s := New(23)
	node := s.AddNodeWithStorage("n", "h", 1, 1<<20)
	addr := mustAddProcess(s, node, "p", func() process.Process { return &echoServer{} })
	b := &simBackend{sim: s, self: addr}

	f, err := b.CreateFile("file1")
	if err != nil {
		t.Fatalf("CreateFile: %v", err)
	}
	if _, err := f.Append([]byte("append1\n")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	buf := make([]byte, 64)
	n, err := f.Read(0, buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf[:n]) != "append1\n" {
		t.Fatalf("read %q, want %q", buf[:n], "append1\n")
	}
}

func TestStressAppendReadScenario(t *testing.T) {
	s := New(29)
	node := s.AddNodeWithStorage("n", "h", 1, 8<<20)
	addr := mustAddProcess(s, node, "p", func() process.Process { return &echoServer{} })
	b := &simBackend{sim: s, self: addr}

	const (
		iterations = 100
		numFiles   = 5
		chunkSize  = 1055
	)

	files := make(map[string]file.File)
	names := make([]string, numFiles)
	for i := 0; i < numFiles; i++ {
		name := "file" + string(rune('A'+i))
		names[i] = name
		f, err := b.CreateFile(name)
		if err != nil {
			t.Fatalf("CreateFile(%s): %v", name, err)
		}
		files[name] = f
	}

	chunk := make([]byte, chunkSize)
	for i := range chunk {
		chunk[i] = byte('a' + i%26)
	}

	for i := 0; i < iterations; i++ {
		for _, name := range names {
			if _, err := files[name].Append(chunk); err != nil {
				t.Fatalf("Append(%s) iteration %d: %v", name, i, err)
			}
		}
	}

	readBack := make([]byte, iterations*chunkSize+1)
	for _, name := range names {
		f, err := b.OpenFile(name)
		if err != nil {
			t.Fatalf("OpenFile(%s): %v", name, err)
		}
		total := 0
		for {
			n, err := f.Read(int64(total), readBack[total:])
			if err != nil {
				t.Fatalf("Read(%s): %v", name, err)
			}
			if n == 0 {
				break
			}
			total += n
		}
		if total != iterations*chunkSize {
			t.Fatalf("file %s: read %d bytes, want %d", name, total, iterations*chunkSize)
		}
	}
}
