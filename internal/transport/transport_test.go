package transport

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/bloom-nucleus/synapse/internal/protocol"
)

func recvFrame(t *testing.T, ch Channel) []byte {
	t.Helper()
	select {
	case msg, ok := <-ch.Frames():
		if !ok {
			t.Fatalf("channel closed: %v", ch.Err())
		}
		return msg
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for frame")
	}
	return nil
}

func TestProcessDialerEchoesThroughCat(t *testing.T) {
	path, err := exec.LookPath("cat")
	if err != nil {
		t.Skip("cat not available")
	}
	ch, err := ProcessDialer{Path: path}.Dial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	if err := ch.Send([]byte(`{"type":"SYSTEM_HELLO"}`)); err != nil {
		t.Fatal(err)
	}
	if got := recvFrame(t, ch); string(got) != `{"type":"SYSTEM_HELLO"}` {
		t.Fatalf("unexpected echo %s", got)
	}
}

func TestProcessDialerRequiresPath(t *testing.T) {
	if _, err := (ProcessDialer{}).Dial(context.Background()); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestTCPDialerUsesBigEndianFraming(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		defer conn.Close()
		frame, err := protocol.NewFrameReader(conn, protocol.SocketOrder, 0).ReadFrame()
		if err != nil {
			serverErr <- err
			return
		}
		serverErr <- protocol.WriteFrame(conn, protocol.SocketOrder, append([]byte(nil), frame...))
	}()

	ch, err := TCPDialer{Address: ln.Addr().String()}.Dial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer ch.Close()

	if err := ch.Send([]byte(`{"type":"HEARTBEAT"}`)); err != nil {
		t.Fatal(err)
	}
	if got := recvFrame(t, ch); string(got) != `{"type":"HEARTBEAT"}` {
		t.Fatalf("unexpected frame %s", got)
	}
	if err := <-serverErr; err != nil {
		t.Fatalf("server: %v", err)
	}
}

func TestTCPDialerRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if _, err := (TCPDialer{Address: addr}).Dial(context.Background()); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestStreamChannelChunksLargeMessages(t *testing.T) {
	bridgeConn, hostConn := net.Pipe()
	bridge := NewStreamChannel(bridgeConn, bridgeConn, bridgeConn, StreamOptions{ChunkThreshold: 64, ChunkSize: 32})
	host := NewStreamChannel(hostConn, hostConn, hostConn, StreamOptions{})
	defer bridge.Close()
	defer host.Close()

	big := []byte(`{"type":"RESPONSE","payload":"` + strings.Repeat("z", 500) + `"}`)
	sendErr := make(chan error, 1)
	go func() { sendErr <- bridge.Send(big) }()

	if got := recvFrame(t, host); !bytes.Equal(got, big) {
		t.Fatalf("reassembled frame differs (%d bytes)", len(got))
	}
	if err := <-sendErr; err != nil {
		t.Fatal(err)
	}
}

func TestStreamChannelReportsRemoteClose(t *testing.T) {
	bridgeConn, hostConn := net.Pipe()
	ch := NewStreamChannel(bridgeConn, bridgeConn, bridgeConn, StreamOptions{})
	hostConn.Close()

	select {
	case _, ok := <-ch.Frames():
		if ok {
			t.Fatal("expected closed frames channel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("frames channel not closed")
	}
	if ch.Err() == nil {
		t.Fatal("expected disconnect error")
	}
	if err := ch.Send([]byte(`{}`)); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestStreamChannelLocalCloseHasNoError(t *testing.T) {
	bridgeConn, hostConn := net.Pipe()
	defer hostConn.Close()
	ch := NewStreamChannel(bridgeConn, bridgeConn, bridgeConn, StreamOptions{})
	ch.Close()

	for range ch.Frames() {
	}
	if ch.Err() != nil {
		t.Fatalf("local close should not report error, got %v", ch.Err())
	}
}

func TestMemoryDialerQueuedFailures(t *testing.T) {
	d := NewMemoryDialer()
	boom := errors.New("boom")
	d.FailNext(boom)

	if _, err := d.Dial(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	ch, err := d.Dial(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	host, ok := d.Accept(time.Second)
	if !ok {
		t.Fatal("no connection accepted")
	}
	if d.Dials() != 2 {
		t.Fatalf("expected 2 dials, got %d", d.Dials())
	}

	if err := ch.Send([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	if msg, ok := host.Next(time.Second); !ok || string(msg) != "ping" {
		t.Fatalf("host did not receive ping: %q", msg)
	}
	host.Inject([]byte("pong"))
	if got := recvFrame(t, ch); string(got) != "pong" {
		t.Fatalf("bridge did not receive pong: %q", got)
	}

	host.Disconnect(nil)
	if _, ok := <-ch.Frames(); ok {
		t.Fatal("expected closed channel")
	}
	if ch.Err() == nil {
		t.Fatal("expected disconnect error")
	}
	if host.Inject([]byte("late")) {
		t.Fatal("inject after disconnect should fail")
	}
}
