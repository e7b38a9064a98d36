package segment

import (
	"net"
	"testing"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildFrame(t *testing.T, proto layers.IPProtocol) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.IPv4(10, 0, 0, 2),
		DstIP:    net.IPv4(10, 0, 0, 1),
	}
	tcp := &layers.TCP{
		SrcPort: 51000,
		DstPort: 7000,
		Seq:     1000,
		SYN:     true,
		Window:  1024,
	}
	tcp.SetNetworkLayerForChecksum(ip)
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload([]byte("hi"))))
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out
}

func TestParseIPv4TCPRoundTrips(t *testing.T) {
	frame := buildFrame(t, layers.IPProtocolTCP)
	in, err := ParseIPv4TCP(frame)
	require.NoError(t, err)
	assert.EqualValues(t, 51000, in.TCP.SrcPort)
	assert.EqualValues(t, 7000, in.TCP.DstPort)
	assert.True(t, in.TCP.SYN)
	assert.Equal(t, "hi", string(in.Payload))
	assert.Equal(t, net.IPv4(10, 0, 0, 2).To4(), in.SourceAddr().To4())
	assert.Equal(t, net.IPv4(10, 0, 0, 1).To4(), in.DestinationAddr().To4())
}

func TestParseIPv4TCPRejectsNonTCP(t *testing.T) {
	frame := buildFrame(t, layers.IPProtocolUDP)
	_, err := ParseIPv4TCP(frame)
	assert.ErrorIs(t, err, ErrNotTCP)
}

func TestNewReplySwapsAddressesAndPorts(t *testing.T) {
	frame := buildFrame(t, layers.IPProtocolTCP)
	in, err := ParseIPv4TCP(frame)
	require.NoError(t, err)

	out := NewReply(in)
	assert.Equal(t, in.TCP.DstPort, out.TCP.SrcPort)
	assert.Equal(t, in.TCP.SrcPort, out.TCP.DstPort)
	assert.True(t, in.IP.DstIP.Equal(out.IP.SrcIP))
	assert.True(t, in.IP.SrcIP.Equal(out.IP.DstIP))

	out.TCP.ACK = true
	out.TCP.Seq = 0
	out.TCP.Ack = 1001
	serialized, n, err := out.Serialize(nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	roundTrip, err := ParseIPv4TCP(serialized)
	require.NoError(t, err)
	assert.True(t, roundTrip.TCP.ACK)
	assert.EqualValues(t, 1001, roundTrip.TCP.Ack)
}

func TestSerializeTruncatesPayloadToMaxFrame(t *testing.T) {
	frame := buildFrame(t, layers.IPProtocolTCP)
	in, err := ParseIPv4TCP(frame)
	require.NoError(t, err)
	out := NewReply(in)
	out.TCP.ACK = true

	oversized := make([]byte, MaxFrame)
	_, n, err := out.Serialize(oversized)
	require.NoError(t, err)
	assert.Less(t, n, MaxFrame)
	assert.Greater(t, n, 0)
}
