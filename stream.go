package usertcp

import (
	"context"

	"github.com/quadstack/usertcp/tcp"
)

// ShutdownHow selects which direction Stream.Shutdown closes (spec S6's
// "Stream::shutdown(how)").
type ShutdownHow int

const (
	// ShutdownWrite initiates our FIN; the read half is left open so any
	// bytes still in flight from the peer can still be read.
	ShutdownWrite ShutdownHow = iota
)

// Stream is spec S6's Stream: a byte-stream handle over one accepted
// connection, identified by its Quad rather than holding the *tcp.Connection
// directly, since the connection can be removed from the table (TIME-WAIT
// reaping, an RST) out from under a Stream the application is still holding.
type Stream struct {
	mgr  *manager
	quad Quad
}

// Quad returns the stream's flow identity, for log lines and tests.
func (s *Stream) Quad() Quad { return s.quad }

func (s *Stream) lookup() (*tcp.Connection, error) {
	c, ok := s.mgr.connections[s.quad]
	if !ok {
		return nil, ErrConnAborted
	}
	return c, nil
}

// Read implements spec S6's Stream::read: it blocks until the connection's
// incoming queue is non-empty or the peer's FIN has been observed (SPEC_FULL
// S6.4's required extension over the baseline's would-block stub), returning
// 0 on FIN with nothing left to deliver.
func (s *Stream) Read(ctx context.Context, buf []byte) (int, error) {
	m := s.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		c, err := s.lookup()
		if err != nil {
			return 0, err
		}
		if c.ReadyToRead() {
			n, _ := c.Read(buf)
			m.bytesRead += uint64(n)
			return n, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if err := m.waitCond(ctx, c.DataAvail); err != nil {
			return 0, err
		}
	}
}

// ReadNonBlocking is the non-blocking variant spec S7 keeps ErrWouldBlock
// for (SPEC_FULL S6.4).
func (s *Stream) ReadNonBlocking(buf []byte) (int, error) {
	m := s.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := s.lookup()
	if err != nil {
		return 0, err
	}
	if !c.ReadyToRead() {
		return 0, ErrWouldBlock
	}
	n, _ := c.Read(buf)
	m.bytesRead += uint64(n)
	return n, nil
}

// Write implements spec S6's Stream::write: it blocks until at least one
// byte fits in the SendQueueSize-bounded unacked queue, then enqueues as
// many bytes of p as fit (a partial write), matching spec S4.4's write()
// generalized with the blocking extension SPEC_FULL S6.4 requires.
func (s *Stream) Write(ctx context.Context, p []byte) (int, error) {
	m := s.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		c, err := s.lookup()
		if err != nil {
			return 0, err
		}
		if c.HasSendSpace() {
			n, err := c.QueueWrite(ctx, m.dev, p)
			if err != nil {
				return 0, err
			}
			m.bytesWritten += uint64(n)
			return n, nil
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		if err := m.waitCond(ctx, c.SendSpaceAvail); err != nil {
			return 0, err
		}
	}
}

// WriteNonBlocking is the non-blocking variant spec S7 keeps ErrWouldBlock
// for.
func (s *Stream) WriteNonBlocking(ctx context.Context, p []byte) (int, error) {
	m := s.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := s.lookup()
	if err != nil {
		return 0, err
	}
	if !c.HasSendSpace() {
		return 0, ErrWouldBlock
	}
	n, err := c.QueueWrite(ctx, m.dev, p)
	if err != nil {
		return 0, err
	}
	m.bytesWritten += uint64(n)
	return n, nil
}

// Flush implements spec S6's Stream::flush: it blocks until the unacked
// queue drains (SPEC_FULL S6.4), using the send-space condition as the
// signal since every ACK that frees send space is exactly the event that
// can make unacked shrink to zero.
func (s *Stream) Flush(ctx context.Context) error {
	m := s.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		c, err := s.lookup()
		if err != nil {
			return err
		}
		if c.Flushed() {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := m.waitCond(ctx, c.SendSpaceAvail); err != nil {
			return err
		}
	}
}

// Shutdown implements spec S6's Stream::shutdown(how): it requests the
// connection initiate its FIN in the given direction (SPEC_FULL S6.4/Open
// Question decision #3: FIN is sent only on application close, never
// automatically). Only ShutdownWrite is meaningful for this module's
// half-duplex-close model; it is accepted as a parameter rather than
// hardcoded because spec S6 names shutdown(how) generically.
func (s *Stream) Shutdown(ctx context.Context, how ShutdownHow) error {
	m := s.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := s.lookup()
	if err != nil {
		return err
	}
	before := c.State()
	err = c.RequestClose(ctx, m.dev)
	m.noteTransition(before, c.State())
	return err
}

// Close is the stream-drop teardown spec S4.4 requires: it is equivalent to
// Shutdown(ctx, ShutdownWrite) -- a FIN is enqueued and the connection is
// left in the table until the reaper collects it from TIME-WAIT, or, on the
// passive-close path, until the ACK of our FIN arrives in LAST-ACK
// (spec S9's "dropping a stream... must enqueue a FIN
// ... and eventually remove the entry").
func (s *Stream) Close(ctx context.Context) error {
	return s.Shutdown(ctx, ShutdownWrite)
}
