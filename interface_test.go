package usertcp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quadstack/usertcp/segment"
	"github.com/quadstack/usertcp/tun"
)

var (
	testLocalAddr = net.IPv4(10, 0, 0, 1)
	testPeerAddr  = net.IPv4(10, 0, 0, 2)
)

// peerFrame builds a raw IPv4+TCP frame as the remote peer (10.0.0.2) would
// send it to the local interface (10.0.0.1:dstPort), for driving Interface
// end-to-end through its real tun.Device-facing pump.
func peerFrame(t *testing.T, srcPort, dstPort layers.TCPPort, seq, ack uint32, syn, ackFlag, fin bool, payload []byte) []byte {
	t.Helper()
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolTCP,
		SrcIP:    testPeerAddr,
		DstIP:    testLocalAddr,
	}
	tcp := &layers.TCP{
		SrcPort: srcPort,
		DstPort: dstPort,
		Seq:     seq,
		Ack:     ack,
		SYN:     syn,
		ACK:     ackFlag,
		FIN:     fin,
		Window:  1024,
	}
	tcp.SetNetworkLayerForChecksum(ip)
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(payload)))
	out := make([]byte, len(buf.Bytes()))
	copy(out, buf.Bytes())
	return out
}

func decodeFrame(t *testing.T, frame []byte) *segment.Inbound {
	t.Helper()
	in, err := segment.ParseIPv4TCP(frame)
	require.NoError(t, err)
	return in
}

func newTestInterface(t *testing.T) (*Interface, tun.Device) {
	t.Helper()
	local, peer := tun.NewPipe()
	ctx, cancel := context.WithCancel(context.Background())
	ifc, err := New(ctx, local)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = ifc.Close(context.Background())
		cancel()
	})
	return ifc, peer
}

func TestDoubleBindFailsWithAddrInUse(t *testing.T) {
	ifc, _ := newTestInterface(t)
	l1, err := ifc.Bind(7000)
	require.NoError(t, err)
	require.NotNil(t, l1)

	_, err = ifc.Bind(7000)
	assert.ErrorIs(t, err, ErrAddrInUse)

	require.NoError(t, l1.Close(context.Background()))
	l2, err := ifc.Bind(7000)
	require.NoError(t, err)
	require.NotNil(t, l2)
}

func TestPassiveOpenEndToEnd(t *testing.T) {
	ifc, peer := newTestInterface(t)
	listener, err := ifc.Bind(7000)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	buf := make([]byte, segment.MaxFrame)

	require.NoError(t, sendFrame(ctx, peer, peerFrame(t, 51000, 7000, 1000, 0, true, false, false, nil)))

	n, err := peer.Recv(ctx, buf)
	require.NoError(t, err)
	synAck := decodeFrame(t, buf[:n])
	assert.True(t, synAck.TCP.SYN)
	assert.True(t, synAck.TCP.ACK)
	assert.EqualValues(t, 1001, synAck.TCP.Ack)

	require.NoError(t, sendFrame(ctx, peer, peerFrame(t, 51000, 7000, 1001, synAck.TCP.Seq+1, false, true, false, nil)))

	stream, err := listener.Accept(ctx)
	require.NoError(t, err)
	wantQuad := NewQuad(testPeerAddr, 51000, testLocalAddr, 7000)
	if diff := cmp.Diff(wantQuad, stream.Quad()); diff != "" {
		t.Errorf("quad mismatch (-want +got):\n%s", diff)
	}
}

func TestReadBlocksUntilPeerSendsData(t *testing.T) {
	ifc, peer := newTestInterface(t)
	listener, err := ifc.Bind(7001)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	buf := make([]byte, segment.MaxFrame)

	require.NoError(t, sendFrame(ctx, peer, peerFrame(t, 51001, 7001, 2000, 0, true, false, false, nil)))
	n, err := peer.Recv(ctx, buf)
	require.NoError(t, err)
	synAck := decodeFrame(t, buf[:n])
	require.NoError(t, sendFrame(ctx, peer, peerFrame(t, 51001, 7001, 2001, synAck.TCP.Seq+1, false, true, false, nil)))

	stream, err := listener.Accept(ctx)
	require.NoError(t, err)

	readDone := make(chan struct{})
	var readN int
	var readErr error
	go func() {
		readBuf := make([]byte, 16)
		readN, readErr = stream.Read(ctx, readBuf)
		close(readDone)
	}()

	select {
	case <-readDone:
		t.Fatal("Read returned before the peer sent any data")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, sendFrame(ctx, peer, peerFrame(t, 51001, 7001, 2001, synAck.TCP.Seq+1, false, true, false, []byte("hi"))))

	select {
	case <-readDone:
		require.NoError(t, readErr)
		assert.Equal(t, 2, readN)
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not unblock after peer sent data")
	}
}

func TestWriteFlushAndShutdown(t *testing.T) {
	ifc, peer := newTestInterface(t)
	listener, err := ifc.Bind(7002)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	buf := make([]byte, segment.MaxFrame)

	require.NoError(t, sendFrame(ctx, peer, peerFrame(t, 51002, 7002, 3000, 0, true, false, false, nil)))
	n, err := peer.Recv(ctx, buf)
	require.NoError(t, err)
	synAck := decodeFrame(t, buf[:n])
	require.NoError(t, sendFrame(ctx, peer, peerFrame(t, 51002, 7002, 3001, synAck.TCP.Seq+1, false, true, false, nil)))

	stream, err := listener.Accept(ctx)
	require.NoError(t, err)

	wn, err := stream.Write(ctx, []byte("payload"))
	require.NoError(t, err)
	assert.Equal(t, 7, wn)

	n, err = peer.Recv(ctx, buf)
	require.NoError(t, err)
	dataSeg := decodeFrame(t, buf[:n])
	assert.Equal(t, "payload", string(dataSeg.Payload))

	require.NoError(t, sendFrame(ctx, peer, peerFrame(t, 51002, 7002, 3001, dataSeg.TCP.Seq+7, false, true, false, nil)))

	flushDone := make(chan error, 1)
	go func() { flushDone <- stream.Flush(ctx) }()
	select {
	case err := <-flushDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Flush did not return after the peer acked")
	}

	require.NoError(t, stream.Shutdown(ctx, ShutdownWrite))
	n, err = peer.Recv(ctx, buf)
	require.NoError(t, err)
	finSeg := decodeFrame(t, buf[:n])
	assert.True(t, finSeg.TCP.FIN)
}

func sendFrame(ctx context.Context, dev tun.Device, frame []byte) error {
	_, err := dev.Send(ctx, frame)
	return err
}
