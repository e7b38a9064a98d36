// Package usertcp is a userspace TCP/IPv4 implementation that attaches to a
// point-to-point TUN device and exposes stream-oriented socket primitives
// -- Interface, Listener, Stream -- to in-process clients (spec S1/S6).
// Header parsing and the per-flow state machine live in packages segment
// and tcp; this package is the demultiplexer and concurrency fabric spec
// S4.4 describes: the connection table, the pending-accept queues, the
// packet-pump, and the blocking accept/read/write/flush/close primitives.
//
// Grounded on original_source/src/lib.rs for the shape of this API
// (Interface/TcpListener/TcpStream, ConnectionManager, Quad) and on
// telepresenceio-telepresence/pkg/connpool/connid.go for the Quad
// representation and logging string.
package usertcp

import (
	"fmt"
	"net"
)

// Quad is spec S3's immutable flow identity: (src_ip, src_port, dst_ip,
// dst_port). IPv4 addresses are stored as [4]byte rather than net.IP so
// Quad is comparable and usable directly as a map key.
type Quad struct {
	SrcIP   [4]byte
	SrcPort uint16
	DstIP   [4]byte
	DstPort uint16
}

// NewQuad builds a Quad from net.IP addresses, normalizing them to their
// 4-byte IPv4 form.
func NewQuad(srcIP net.IP, srcPort uint16, dstIP net.IP, dstPort uint16) Quad {
	var q Quad
	copy(q.SrcIP[:], srcIP.To4())
	copy(q.DstIP[:], dstIP.To4())
	q.SrcPort = srcPort
	q.DstPort = dstPort
	return q
}

// String renders the quad the way connpool.ConnID.String does: "tcp
// src:port -> dst:port", suitable for log lines.
func (q Quad) String() string {
	return fmt.Sprintf("tcp %s:%d -> %s:%d", net.IP(q.SrcIP[:]), q.SrcPort, net.IP(q.DstIP[:]), q.DstPort)
}
