// Package real implements the real-runtime backend: a single physical
// node binding a host/port, exchanging messages with peers over gRPC,
// persisting files under a mount directory, and driving processes by
// wall-clock timers instead of a simulated one. It implements the same
// context.Backend contract as pkg/dsbuild/sim so a Process author sees an
// identical API in either mode.
package real

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/jabolina/dsbuild/pkg/dsbuild/address"
	"github.com/jabolina/dsbuild/pkg/dsbuild/dlog"
	"github.com/jabolina/dsbuild/pkg/dsbuild/message"
	"github.com/jabolina/dsbuild/pkg/dsbuild/process"
	"github.com/jabolina/dsbuild/pkg/dsbuild/transport"
	"github.com/jabolina/dsbuild/pkg/dsbuild/transport/dsbuildpb"
)

// Node is one physical host in the real runtime: the owner of every
// process bound to (host, port), its outbound gRPC client pool, its
// TimerManager, and its mount directory. Mirrors the teacher's Unity
// (protocol.go) in spirit — one struct owning transport, storage, and a
// stop bus — generalized from a replicated state machine to a plain
// process host.
type Node struct {
	host     string
	port     uint16
	mountDir string
	log      dlog.Logger

	listener   net.Listener
	grpcServer *grpc.Server
	timers     *TimerManager

	mu        sync.Mutex
	procs     map[string]*processManager
	dedupSets map[string]*transport.DedupSet
	tagTables map[string]*transport.TagTable

	clientsMu sync.Mutex
	clients   map[string]*nodeClient

	activeProcesses int64 // atomic; stop bus decrements to zero
	cancelRun       context.CancelFunc

	spawnWG   sync.WaitGroup
	ready     chan struct{}
	readyOnce sync.Once
}

type nodeClient struct {
	conn   *grpc.ClientConn
	client dsbuildpb.TransportClient
}

// New builds a Node bound to (host, port), rooting real files at mountDir.
// The listener isn't bound until Run is called.
func New(host string, port uint16, mountDir string, log dlog.Logger) *Node {
	if log == nil {
		log = dlog.New("real")
	}
	return &Node{
		host:      host,
		port:      port,
		mountDir:  mountDir,
		log:       log,
		timers:    NewTimerManager(),
		procs:     make(map[string]*processManager),
		dedupSets: make(map[string]*transport.DedupSet),
		tagTables: make(map[string]*transport.TagTable),
		clients:   make(map[string]*nodeClient),
		ready:     make(chan struct{}),
	}
}

// Address returns the node-level (host, port) identity. Before Run binds
// the listener this reflects the port passed to New (often 0); after
// Ready is closed it reflects the actual bound port.
func (n *Node) Address() address.Address { return address.New(n.host, n.port) }

// Ready is closed once Run has bound the listener and resolved the
// actual port (useful when New was given port 0 for an ephemeral bind,
// e.g. in tests).
func (n *Node) Ready() <-chan struct{} { return n.ready }

// AddProcess hosts a fresh process (built by factory) under processName,
// returning the address peers reach it at. Must be called before Run.
// If New was given port 0, the returned address carries port 0; Run
// rebinds every hosted process to the actual port before Ready closes.
// Fails if processName contains ':', which would make FullName/Parse
// ambiguous.
func (n *Node) AddProcess(processName string, factory process.Factory) (address.Address, error) {
	if err := address.Validate(processName); err != nil {
		return address.Address{}, err
	}
	addr := address.NewProcess(n.host, n.port, processName)
	pm := &processManager{
		name:      processName,
		address:   addr,
		proc:      factory(),
		node:      n,
		localCh:   make(chan message.Message, 64),
		networkCh: make(chan inboundDelivery, 64),
		controlCh: make(chan struct{}),
	}
	n.procs[processName] = pm
	n.dedupSets[addr.FullName()] = transport.NewDedupSet(1024)
	n.tagTables[addr.FullName()] = transport.NewTagTable()
	atomic.AddInt64(&n.activeProcesses, 1)
	return addr, nil
}

// SendLocalMessage injects msg into processName's OnLocalMessage inbox,
// the real-mode analogue of sim's SendLocalMessage.
func (n *Node) SendLocalMessage(processName string, msg message.Message) error {
	n.mu.Lock()
	pm := n.procs[processName]
	n.mu.Unlock()
	if pm == nil {
		return fmt.Errorf("dsbuild: no such process %q", processName)
	}
	select {
	case pm.localCh <- msg:
		return nil
	case <-pm.controlCh:
		return fmt.Errorf("dsbuild: process %q stopped", processName)
	}
}

// ReadLocalMessages drains everything processName has handed to
// Context.SendLocal since the last read.
func (n *Node) ReadLocalMessages(processName string) []message.Message {
	n.mu.Lock()
	pm := n.procs[processName]
	n.mu.Unlock()
	if pm == nil {
		return nil
	}
	return pm.drainOutbox()
}

// Spawn runs fn on its own goroutine, tracked so Run doesn't return while
// it's still live. Unlike Context.Spawn (scoped to a single process),
// this is the Node-level entry point for bootstrapping work before or
// alongside Run, mirroring the "spawn(future)" driver call of spec §6.4.
func (n *Node) Spawn(fn func()) {
	n.spawnWG.Add(1)
	go func() {
		defer n.spawnWG.Done()
		fn()
	}()
}

// Run binds the listener, starts the gRPC server, starts every hosted
// process's ProcessManager loop, and blocks until every process has
// stopped (the normal path — stop bus reaching zero cancels the internal
// context) or ctx is cancelled or a fatal framework error occurs (e.g.
// listener bind failure), whichever comes first.
func (n *Node) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf("%s:%d", n.host, n.port))
	if err != nil {
		return fmt.Errorf("dsbuild: bind %s:%d: %w", n.host, n.port, err)
	}
	n.listener = lis
	n.port = uint16(lis.Addr().(*net.TCPAddr).Port)
	n.mu.Lock()
	for name, pm := range n.procs {
		old := pm.address.FullName()
		pm.address = address.NewProcess(n.host, n.port, name)
		if cur := pm.address.FullName(); cur != old {
			n.dedupSets[cur], n.tagTables[cur] = n.dedupSets[old], n.tagTables[old]
			delete(n.dedupSets, old)
			delete(n.tagTables, old)
		}
	}
	n.mu.Unlock()
	n.readyOnce.Do(func() { close(n.ready) })

	n.grpcServer = grpc.NewServer()
	dsbuildpb.RegisterTransportServer(n.grpcServer, &transportServer{node: n})

	runCtx, cancel := context.WithCancel(ctx)
	n.cancelRun = cancel
	if atomic.LoadInt64(&n.activeProcesses) == 0 {
		cancel()
	}

	eg, egCtx := errgroup.WithContext(runCtx)

	eg.Go(func() error {
		errCh := make(chan error, 1)
		go func() { errCh <- n.grpcServer.Serve(lis) }()
		select {
		case <-egCtx.Done():
			n.grpcServer.GracefulStop()
			<-errCh
			return nil
		case err := <-errCh:
			if err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("dsbuild: grpc serve: %w", err)
			}
			return nil
		}
	})

	n.mu.Lock()
	procs := make([]*processManager, 0, len(n.procs))
	for _, pm := range n.procs {
		procs = append(procs, pm)
	}
	n.mu.Unlock()

	for _, pm := range procs {
		pm := pm
		eg.Go(func() error { return pm.run(egCtx) })
	}

	err = eg.Wait()
	n.spawnWG.Wait()
	return err
}

// Stop transitions processName to Stopped and, once every hosted
// process has done the same, ends Run's blocking wait. Equivalent to the
// process itself calling Context.Stop().
func (n *Node) Stop(processName string) {
	n.mu.Lock()
	pm := n.procs[processName]
	n.mu.Unlock()
	if pm == nil {
		return
	}
	pm.stop()
}

func (n *Node) onProcessStopped() {
	if atomic.AddInt64(&n.activeProcesses, -1) == 0 && n.cancelRun != nil {
		n.cancelRun()
	}
}

func (n *Node) processManagerFor(processName string) *processManager {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.procs[processName]
}

func (n *Node) dedupSetFor(fullName string) *transport.DedupSet {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.dedupSets[fullName]
}

func (n *Node) tagTableFor(fullName string) *transport.TagTable {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.tagTables[fullName]
}

func (n *Node) clientFor(nodeKey string) (dsbuildpb.TransportClient, error) {
	n.clientsMu.Lock()
	defer n.clientsMu.Unlock()
	if c, ok := n.clients[nodeKey]; ok {
		return c.client, nil
	}
	conn, err := dialInsecure(nodeKey)
	if err != nil {
		return nil, err
	}
	client := dsbuildpb.NewTransportClient(conn)
	n.clients[nodeKey] = &nodeClient{conn: conn, client: client}
	return client, nil
}

// Close releases every outbound client connection. Safe to call after Run
// returns.
func (n *Node) Close() error {
	n.clientsMu.Lock()
	defer n.clientsMu.Unlock()
	var firstErr error
	for key, c := range n.clients {
		if err := c.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(n.clients, key)
	}
	return firstErr
}
