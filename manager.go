package usertcp

import (
	"context"
	"sync"

	"github.com/quadstack/usertcp/tcp"
	"github.com/quadstack/usertcp/tun"
)

const numStates = int(tcp.StateTimeWait) + 1

// manager is spec S3/S4.4's ConnectionManager: the connection table, the
// per-port pending-accept fifos, and the single mutex spec S5 requires
// everything -- including the per-connection condition variables -- to be
// guarded by.
type manager struct {
	mu sync.Mutex

	dev tun.Device

	terminate bool
	connections map[Quad]*tcp.Connection
	pending     map[uint16][]Quad

	pendingVar *sync.Cond

	// stateCounts and the byte/segment counters back tcpmetrics
	// (SPEC_FULL S5 "live count... feeding tcpmetrics without requiring a
	// table scan per scrape"); maintained incrementally, not scanned.
	stateCounts         [numStates]int
	bytesRead           uint64
	bytesWritten        uint64
	droppedUnacceptable uint64
	passiveOpens        uint64
}

func newManager(dev tun.Device) *manager {
	m := &manager{
		dev:         dev,
		connections: make(map[Quad]*tcp.Connection),
		pending:     make(map[uint16][]Quad),
	}
	m.pendingVar = sync.NewCond(&m.mu)
	return m
}

// waitCond blocks the calling goroutine (which must hold m.mu, cond's
// Locker) until cond is broadcast or ctx is done, whichever comes first.
// This is the context-aware condition wait spec S5's blocking primitives
// need: sync.Cond alone cannot select on a context, so a helper goroutine
// bridges ctx.Done() into a Broadcast the way handler.go's
// awaitWindowSize bridges a timeout into one.
func (m *manager) waitCond(ctx context.Context, cond *sync.Cond) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	stopWatching := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			cond.Broadcast()
			m.mu.Unlock()
		case <-stopWatching:
		}
	}()
	cond.Wait()
	close(stopWatching)
	return ctx.Err()
}

// bind implements spec S4.4's bind(port): fails with ErrAddrInUse if the
// port already has a listener (invariant (c): no two listeners share a
// port).
func (m *manager) bind(port uint16) (*Listener, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pending[port]; exists {
		return nil, ErrAddrInUse
	}
	m.pending[port] = nil
	return &Listener{mgr: m, port: port}, nil
}

// insertConnection records a freshly-accepted connection and queues its
// quad on the listening port's fifo, assuming the caller holds m.mu.
func (m *manager) insertConnection(quad Quad, port uint16, c *tcp.Connection) {
	m.connections[quad] = c
	m.pending[port] = append(m.pending[port], quad)
	m.stateCounts[c.State()]++
	m.passiveOpens++
}

// noteTransition keeps stateCounts in sync with a connection whose state
// may have changed during the call the caller just made.
func (m *manager) noteTransition(before, after tcp.State) {
	if before == after {
		return
	}
	m.stateCounts[before]--
	m.stateCounts[after]++
}

// removeConnection drops a connection from the table, assuming the caller
// holds m.mu.
func (m *manager) removeConnection(quad Quad, c *tcp.Connection) {
	delete(m.connections, quad)
	m.stateCounts[c.State()]--
}

// Stats is a point-in-time snapshot of the connection table, consumed by
// package tcpmetrics.
type Stats struct {
	StateCounts         [numStates]int
	BytesRead           uint64
	BytesWritten        uint64
	DroppedUnacceptable uint64
	PassiveOpens        uint64
}

func (m *manager) snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		StateCounts:         m.stateCounts,
		BytesRead:           m.bytesRead,
		BytesWritten:        m.bytesWritten,
		DroppedUnacceptable: m.droppedUnacceptable,
		PassiveOpens:        m.passiveOpens,
	}
}
