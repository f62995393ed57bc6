//go:build linux

package netio_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/security-geeks/evilbts/internal/netio"
	"github.com/security-geeks/evilbts/internal/ybts"
)

// peerConn wraps the peer end of a pair the way a child process would.
func peerConn(t *testing.T, ch netio.Channel) (*netio.SeqPacketConn, net.Conn) {
	t.Helper()
	local, remote, err := netio.SocketPair(ch)
	if err != nil {
		t.Fatalf("SocketPair: %v", err)
	}
	t.Cleanup(func() { _ = local.Close() })

	peer, err := net.FileConn(remote)
	_ = remote.Close()
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	t.Cleanup(func() { _ = peer.Close() })
	return local, peer
}

func TestSeqPacketPreservesBoundaries(t *testing.T) {
	t.Parallel()

	local, peer := peerConn(t, netio.ChannelSignaling)
	frames := [][]byte{{0x80, 0x00}, {0x00, 0x03, 0x00, 0x07, 0xde, 0xad}, {0xff, 0x00}}
	for _, f := range frames {
		if _, err := peer.Write(f); err != nil {
			t.Fatalf("peer write: %v", err)
		}
	}

	buf := make([]byte, netio.MaxDatagramSize)
	for i, want := range frames {
		n, err := local.Recv(context.Background(), buf)
		if err != nil {
			t.Fatalf("Recv %d: %v", i, err)
		}
		if !bytes.Equal(buf[:n], want) {
			t.Errorf("frame %d = %x, want %x", i, buf[:n], want)
		}
	}

	if err := local.Send([]byte{0x80, 0x00}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	n, err := peer.Read(buf)
	if err != nil || n != 2 {
		t.Errorf("peer read = %d, %v", n, err)
	}
}

func TestSeqPacketRecvCancel(t *testing.T) {
	t.Parallel()

	local, _ := peerConn(t, netio.ChannelSignaling)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := local.Recv(ctx, make([]byte, 64))
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Recv did not return after cancel")
	}

	// The conn stays usable with a fresh context.
	if err := local.Send([]byte{1, 2}); err != nil {
		t.Errorf("Send after cancelled Recv: %v", err)
	}
}

func TestSeqPacketPeerClose(t *testing.T) {
	t.Parallel()

	local, peer := peerConn(t, netio.ChannelLog)
	_ = peer.Close()

	_, err := local.Recv(context.Background(), make([]byte, 64))
	if !errors.Is(err, io.EOF) {
		t.Errorf("err = %v, want io.EOF", err)
	}
}

func TestSeqPacketTruncated(t *testing.T) {
	t.Parallel()

	local, peer := peerConn(t, netio.ChannelMedia)
	if _, err := peer.Write(make([]byte, 100)); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	_, err := local.Recv(context.Background(), make([]byte, 10))
	if !errors.Is(err, netio.ErrTruncated) {
		t.Errorf("err = %v, want ErrTruncated", err)
	}
	if !errors.Is(err, ybts.ErrFrameTooLarge) {
		t.Errorf("err = %v does not match ybts.ErrFrameTooLarge", err)
	}

	// The socket survives the lost datagram.
	if _, err := peer.Write([]byte{7}); err != nil {
		t.Fatalf("peer write: %v", err)
	}
	buf := make([]byte, 10)
	n, err := local.Recv(context.Background(), buf)
	if err != nil || n != 1 || buf[0] != 7 {
		t.Errorf("Recv after truncation = %d, %v", n, err)
	}
}

func TestSeqPacketClosed(t *testing.T) {
	t.Parallel()

	local, _ := peerConn(t, netio.ChannelSignaling)
	if err := local.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := local.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if err := local.Send([]byte{1}); !errors.Is(err, netio.ErrSocketClosed) {
		t.Errorf("Send err = %v, want ErrSocketClosed", err)
	}
	if _, err := local.Recv(context.Background(), make([]byte, 8)); !errors.Is(err, netio.ErrSocketClosed) {
		t.Errorf("Recv err = %v, want ErrSocketClosed", err)
	}
}

func TestChannelFDs(t *testing.T) {
	t.Parallel()

	want := map[netio.Channel]int{
		netio.ChannelSignaling: 3,
		netio.ChannelMedia:     4,
		netio.ChannelLog:       5,
	}
	for _, ch := range netio.Channels() {
		if ch.FD() != want[ch] {
			t.Errorf("%s fd = %d, want %d", ch, ch.FD(), want[ch])
		}
	}
}
