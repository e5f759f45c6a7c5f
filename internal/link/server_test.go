package link

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/happyfox/sissybot/internal/logging"
	"github.com/happyfox/sissybot/internal/protocol/message"
	"github.com/happyfox/sissybot/internal/reactor"
	"github.com/happyfox/sissybot/internal/testutil/testlog"
)

func startServer(t *testing.T, handlers Handlers) (*Server, string, context.CancelFunc, <-chan error) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := NewServer(handlers, logging.NewRecorder(0))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx, ln) }()
	return srv, ln.Addr().String(), cancel, errCh
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		t.Fatalf("dial %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestServerCorruptionOnlyDropsOffendingConnection(t *testing.T) {
	testlog.Start(t)

	got := make(chan message.Frame, 4)
	_, addr, cancel, errCh := startServer(t, collect(got))
	defer cancel()

	bad := dial(t, addr)
	good := dial(t, addr)

	if _, err := bad.Write([]byte{0x00, 0x05, 0x05}); err != nil {
		t.Fatalf("write bad: %v", err)
	}
	_ = bad.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := bad.Read(make([]byte, 1)); err == nil || isTimeout(err) {
		t.Fatalf("expected corrupted connection to be closed, got %v", err)
	}

	if _, err := good.Write(wire(t, message.Drive{Heading: 180, Throttle: 0.25})); err != nil {
		t.Fatalf("write good: %v", err)
	}
	expectFrames(t, got, message.Drive{Heading: 180, Throttle: 0.25})

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not stop after cancel")
	}
}

func TestServerRepliesOnTheReceivingConnection(t *testing.T) {
	testlog.Start(t)

	echo := Handlers{
		message.KindPing: func(t *reactor.Task, f message.Frame, conn net.Conn) error {
			return SendFrame(t, conn, f)
		},
	}
	_, addr, cancel, _ := startServer(t, echo)
	defer cancel()

	conn := dial(t, addr)
	if _, err := conn.Write(wire(t, message.Ping{TimestampMS: 55})); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	n, err := io.ReadAtLeast(conn, buf, 2)
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	want := wire(t, message.Ping{TimestampMS: 55})
	if string(buf[:n]) != string(want) {
		t.Fatalf("echo mismatch: got %x want %x", buf[:n], want)
	}
}

func TestServerCancelClosesConnections(t *testing.T) {
	testlog.Start(t)

	srv, addr, cancel, errCh := startServer(t, Handlers{})
	conn := dial(t, addr)

	deadline := time.Now().Add(2 * time.Second)
	for srv.Active() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("connection never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-errCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("serve did not stop")
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); !errors.Is(err, io.EOF) {
		t.Fatalf("expected connection closed by server, got %v", err)
	}
	if srv.Active() != 0 {
		t.Fatalf("expected no active connections, got %d", srv.Active())
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
