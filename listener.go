package usertcp

import "context"

// Listener is spec S6's bind(port) result: a passive-open handle that
// yields completed handshakes via Accept.
type Listener struct {
	mgr  *manager
	port uint16
}

// Port returns the bound port.
func (l *Listener) Port() uint16 { return l.port }

// Accept blocks until a completed handshake exists for this listener's
// port (spec S4.4's accept()), or ctx is done.
func (l *Listener) Accept(ctx context.Context) (*Stream, error) {
	m := l.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		fifo, ok := m.pending[l.port]
		if !ok {
			return nil, ErrConnAborted
		}
		if len(fifo) > 0 {
			quad := fifo[0]
			m.pending[l.port] = fifo[1:]
			return &Stream{mgr: m, quad: quad}, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := m.waitCond(ctx, m.pendingVar); err != nil {
			return nil, err
		}
	}
}

// Close releases the port (spec S3 invariant (a): "a port appears as a key
// in pending iff a live listener holds it") and, per spec S4.4's required
// teardown refinement, resets every connection whose passive-open
// completed but was never harvested by Accept.
func (l *Listener) Close(ctx context.Context) error {
	m := l.mgr
	m.mu.Lock()
	fifo := m.pending[l.port]
	delete(m.pending, l.port)
	m.mu.Unlock()

	for _, quad := range fifo {
		m.mu.Lock()
		c, ok := m.connections[quad]
		if ok {
			_ = c.Abort(ctx, m.dev)
			m.removeConnection(quad, c)
		}
		m.mu.Unlock()
	}
	return nil
}
