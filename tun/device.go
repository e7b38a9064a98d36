// Package tun is the external collaborator spec S6 calls "a byte-oriented
// duplex handle": the TUN device this module reads raw IPv4 frames from and
// writes them back to. Header parsing/serialization lives in package
// segment; this package only moves bytes.
package tun

import "context"

// Device is a point-to-point virtual network device presenting raw IPv4
// frames: no link-layer header, no packet-info prefix (spec S6).
//
// Recv yields exactly one frame per call; Send transmits exactly one frame.
// Both must be safe to call from a single reader/writer goroutine pair and
// must return promptly once ctx is done, so that Interface teardown (spec
// S9 "dropping an Interface must unblock the pump") can rely on context
// cancellation rather than inventing a side-channel signal.
type Device interface {
	Recv(ctx context.Context, buf []byte) (int, error)
	Send(ctx context.Context, buf []byte) (int, error)
	Close() error
}
