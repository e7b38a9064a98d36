package usertcp

import (
	"context"
	"sync"
	"time"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/pkg/errors"

	"github.com/quadstack/usertcp/segment"
	"github.com/quadstack/usertcp/tcp"
	"github.com/quadstack/usertcp/tun"
)

// reapInterval is how often Interface sweeps the connection table for
// TIME-WAIT entries past their deadline (spec S4.3/S9's required TIME-WAIT
// timer, SPEC_FULL S6.4).
const reapInterval = 2 * time.Second

// Interface is spec S6's Interface: the attachment point to a tun.Device
// that owns the ConnectionManager, runs the packet-pump and the TIME-WAIT
// reaper as named goroutines in a dgroup.Group (SPEC_FULL S3), and hands
// out Listeners.
type Interface struct {
	mgr    *manager
	g      *dgroup.Group
	cancel context.CancelFunc
}

// New attaches to dev and starts the packet-pump and reaper goroutines
// (spec S6's "Interface::new()", generalized per SPEC_FULL S8 to take an
// already-open tun.Device rather than constructing one itself).
//
// The group is derived from a context Close cancels, mirroring
// userd/service.go's "cancel initiates dgroup shutdown" pattern:
// SoftShutdownTimeout bounds how long the pump and reaper get to notice
// ctx.Done() and return before the group force-kills the process they run
// in (spec S9's "dropping an Interface must unblock the pump").
func New(ctx context.Context, dev tun.Device) (*Interface, error) {
	ctx = dgroup.WithGoroutineName(ctx, "/usertcp")
	groupCtx, cancel := context.WithCancel(ctx)
	g := dgroup.NewGroup(groupCtx, dgroup.GroupConfig{
		SoftShutdownTimeout: 2 * time.Second,
	})

	ifc := &Interface{
		mgr:    newManager(dev),
		g:      g,
		cancel: cancel,
	}

	g.Go("packet-pump", ifc.pump)
	g.Go("reaper", ifc.reap)
	return ifc, nil
}

// Bind implements spec S4.4's bind(port).
func (ifc *Interface) Bind(port uint16) (*Listener, error) {
	return ifc.mgr.bind(port)
}

// Stats returns a point-in-time snapshot of the connection table, consumed
// by package tcpmetrics.
func (ifc *Interface) Stats() Stats {
	return ifc.mgr.snapshot()
}

// Close implements spec S9's teardown: it asks the pump to stop (the soft
// context dgroup derives from ctx becomes done), waits for the pump and
// reaper goroutines to return, then RSTs and removes every connection still
// in the table.
func (ifc *Interface) Close(ctx context.Context) error {
	ifc.cancel()
	err := ifc.g.Wait()

	ifc.mgr.mu.Lock()
	defer ifc.mgr.mu.Unlock()
	ifc.mgr.terminate = true
	for quad, c := range ifc.mgr.connections {
		_ = c.Abort(ctx, ifc.mgr.dev)
		delete(ifc.mgr.connections, quad)
	}
	_ = ifc.mgr.dev.Close()
	return err
}

// pump is the dedicated packet-pump task spec S4.4 describes: it reads one
// frame at a time from the device, decodes it, and demultiplexes it to a
// connection (or a passive-open acceptor, or an RST) under the manager
// lock.
func (ifc *Interface) pump(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = derror.PanicToError(r)
			dlog.Errorf(ctx, "usertcp: packet-pump panic: %+v", err)
		}
	}()

	buf := make([]byte, segment.MaxFrame)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := ifc.mgr.dev.Recv(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			dlog.Errorf(ctx, "usertcp: device recv: %+v", err)
			continue
		}
		ifc.handleFrame(ctx, buf[:n])
	}
}

// handleFrame decodes one raw frame and demultiplexes it to the quad's
// connection, a passive-open acceptor, or an unsolicited RST (spec S4.4,
// SPEC_FULL S6.4's "RST on unknown-port segments").
func (ifc *Interface) handleFrame(ctx context.Context, frame []byte) {
	in, err := segment.ParseIPv4TCP(frame)
	if err != nil {
		if errors.Is(err, segment.ErrNotTCP) {
			return
		}
		dlog.Debugf(ctx, "usertcp: malformed frame dropped: %+v", err)
		return
	}

	quad := NewQuad(in.SourceAddr(), uint16(in.TCP.SrcPort), in.DestinationAddr(), uint16(in.TCP.DstPort))

	m := ifc.mgr
	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.connections[quad]; ok {
		before, beforeDropped := c.State(), c.Dropped
		done, err := c.OnPacket(ctx, m.dev, in)
		if err != nil {
			dlog.Errorf(ctx, "usertcp %s: on_packet: %+v", quad, err)
		}
		m.noteTransition(before, c.State())
		m.droppedUnacceptable += c.Dropped - beforeDropped
		if done {
			m.removeConnection(quad, c)
		}
		return
	}

	destPort := quad.DstPort
	if _, ok := m.pending[destPort]; ok {
		dataAvail := sync.NewCond(&m.mu)
		sendSpaceAvail := sync.NewCond(&m.mu)
		c, err := tcp.Accept(ctx, m.dev, in, dataAvail, sendSpaceAvail)
		if err != nil {
			dlog.Errorf(ctx, "usertcp: accept: %+v", err)
			return
		}
		if c == nil {
			// Not a SYN; ignored per spec S4.3's Connection::accept.
			return
		}
		m.insertConnection(quad, destPort, c)
		// Broadcasting while still holding m.mu is safe and idiomatic in Go:
		// the woken Accept goroutine re-blocks on the mutex until this
		// function's deferred Unlock runs (spec S4.4's "after releasing the
		// lock" is a requirement of its origin language's Condvar, not Go's).
		m.pendingVar.Broadcast()
		return
	}

	if err := tcp.SendReset(ctx, m.dev, in); err != nil {
		dlog.Debugf(ctx, "usertcp: send reset: %+v", err)
	}
}

// reap sweeps the connection table every reapInterval and removes entries
// that have sat in TIME-WAIT past their 2*MSL deadline (spec S4.3 "must
// eventually be reaped", SPEC_FULL S6.4).
func (ifc *Interface) reap(ctx context.Context) error {
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ifc.sweepTimeWait()
		}
	}
}

func (ifc *Interface) sweepTimeWait() {
	m := ifc.mgr
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for quad, c := range m.connections {
		deadline, ok := c.TimeWaitDeadline()
		if ok && now.After(deadline) {
			m.removeConnection(quad, c)
		}
	}
}
