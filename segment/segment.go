// Package segment is the thin contract between the TCP state machine and
// the IPv4/TCP wire format. Per spec S4.2 this is delegated to an external
// library; here that library is gopacket's layers package, the same one
// used to build userspace TUN-backed TCP stacks elsewhere in the ecosystem
// (see other_examples' httptap "homegrown" stack).
package segment

import (
	"net"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
)

// ErrNotTCP is returned by ParseIPv4TCP when the IPv4 protocol field isn't 6.
// Callers should silently drop the frame, not log it as malformed.
var ErrNotTCP = errors.New("segment: not a TCP/IPv4 frame")

// Inbound is a decoded IPv4+TCP segment together with its payload. It is a
// view over the caller's buffer; neither IP nor TCP copy the underlying
// bytes, so Inbound must not outlive the buffer it was parsed from.
type Inbound struct {
	IP      layers.IPv4
	TCP     layers.TCP
	Payload []byte
}

// SourceAddr and DestinationAddr mirror etherparse's Ipv4HeaderSlice
// accessors that spec S4.2 names directly.
func (in *Inbound) SourceAddr() net.IP      { return in.IP.SrcIP }
func (in *Inbound) DestinationAddr() net.IP { return in.IP.DstIP }

// ParseIPv4TCP decodes an IPv4 header, checks the protocol field, and then
// decodes the TCP header that follows. frame must contain exactly one
// unfragmented IPv4 datagram with no link-layer framing (the TUN device
// contract assumed by spec S6).
func ParseIPv4TCP(frame []byte) (*Inbound, error) {
	var ip layers.IPv4
	if err := ip.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return nil, errors.Wrap(err, "segment: decode ipv4")
	}
	if ip.Protocol != layers.IPProtocolTCP {
		return nil, ErrNotTCP
	}
	var tcp layers.TCP
	if err := tcp.DecodeFromBytes(ip.Payload, gopacket.NilDecodeFeedback); err != nil {
		return nil, errors.Wrap(err, "segment: decode tcp")
	}
	return &Inbound{IP: ip, TCP: tcp, Payload: tcp.Payload}, nil
}

// Outbound is a reusable IPv4+TCP header template for frames emitted by a
// single Connection. Builders mutate it in place between writes, mirroring
// the cached etherparse::Ipv4Header/TcpHeader templates in the reference
// implementation (original_source/src/tcp.rs Connection.ip / Connection.tcp).
type Outbound struct {
	IP  layers.IPv4
	TCP layers.TCP
}

// NewReply builds an Outbound template addressed back to the peer that sent
// in, with source/destination swapped the way Connection.accept does in
// spec S4.3.
func NewReply(in *Inbound) *Outbound {
	out := &Outbound{
		IP: layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolTCP,
			SrcIP:    in.IP.DstIP,
			DstIP:    in.IP.SrcIP,
		},
		TCP: layers.TCP{
			SrcPort: in.TCP.DstPort,
			DstPort: in.TCP.SrcPort,
		},
	}
	out.TCP.SetNetworkLayerForChecksum(&out.IP)
	return out
}

// ResetFlags clears all control flags on the outbound template. Connection.transmit
// (spec S4.3's write) is responsible for clearing SYN/FIN after they have consumed
// a sequence number; ResetFlags is used when building a fresh RST/ACK segment.
func (o *Outbound) ResetFlags() {
	o.TCP.FIN, o.TCP.SYN, o.TCP.RST, o.TCP.PSH, o.TCP.ACK, o.TCP.URG = false, false, false, false, false, false
}

// MaxFrame is the fixed stack/heap buffer size used for outbound framing
// (spec S4.3/S5), sized to the device MTU baseline.
const MaxFrame = 1500

// Serialize fills lengths and checksums and renders the template plus
// payload into a fresh []byte no larger than MaxFrame, truncating payload
// if necessary -- matching the "bounded buffer (baseline 1500 bytes)" rule
// in spec S4.3. It returns the frame and the number of payload bytes
// actually included, since truncation means that can be less than
// len(payload).
func (o *Outbound) Serialize(payload []byte) ([]byte, int, error) {
	headerLen := int(o.TCP.DataOffset) * 4
	if headerLen == 0 {
		headerLen = 20
	}
	ipHeaderLen := 20
	room := MaxFrame - ipHeaderLen - headerLen
	if room < 0 {
		room = 0
	}
	if len(payload) > room {
		payload = payload[:room]
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &o.IP, &o.TCP, gopacket.Payload(payload)); err != nil {
		return nil, 0, errors.Wrap(err, "segment: serialize")
	}
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out, len(payload), nil
}
