package tun

import (
	"context"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// PipeDevice is an in-memory Device used by every test in this module and by
// non-Linux builds. Frame writes on one side become frame reads on the
// other; there is no relation to the real TUN driver's semantics beyond
// "one Send is one Recv" (spec S6), which is all the rest of the module
// depends on.
//
// Two PipeDevices are returned in a pair by NewPipe: one plays the role of
// the TUN device (what Interface reads/writes) and the other plays the role
// of the remote peer driving the test.
type PipeDevice struct {
	out    chan []byte
	in     chan []byte
	shared *pipeShared
}

type pipeShared struct {
	once   sync.Once
	closed chan struct{}
}

// NewPipe returns two ends of an in-memory duplex frame pipe: frames sent on
// a become frames received on b, and vice versa.
func NewPipe() (a, b *PipeDevice) {
	c1 := make(chan []byte, 64)
	c2 := make(chan []byte, 64)
	shared := &pipeShared{closed: make(chan struct{})}
	a = &PipeDevice{out: c1, in: c2, shared: shared}
	b = &PipeDevice{out: c2, in: c1, shared: shared}
	return a, b
}

// Recv blocks until a frame is available, ctx is done, or the pipe is
// closed. It copies at most len(buf) bytes of the next frame into buf,
// discarding any remainder -- matching the "one frame per call" device
// contract even for an over-large frame.
func (p *PipeDevice) Recv(ctx context.Context, buf []byte) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.shared.closed:
		return 0, io.EOF
	case frame, ok := <-p.in:
		if !ok {
			return 0, io.EOF
		}
		n := copy(buf, frame)
		return n, nil
	}
}

// Send enqueues a copy of buf as the next frame for the peer's Recv.
func (p *PipeDevice) Send(ctx context.Context, buf []byte) (int, error) {
	frame := make([]byte, len(buf))
	copy(frame, buf)
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-p.shared.closed:
		return 0, errors.New("tun: pipe closed")
	case p.out <- frame:
		return len(buf), nil
	}
}

// Close unblocks any pending Recv/Send on either end of the pipe. Safe to
// call from both ends; only the first call has any effect.
func (p *PipeDevice) Close() error {
	p.shared.once.Do(func() { close(p.shared.closed) })
	return nil
}
