package netcon

import (
	"context"
	"errors"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/happyfox/sissybot/internal/link"
	"github.com/happyfox/sissybot/internal/logging"
	"github.com/happyfox/sissybot/internal/protocol/frame"
	"github.com/happyfox/sissybot/internal/protocol/message"
	"github.com/happyfox/sissybot/internal/reactor"
	"github.com/happyfox/sissybot/internal/testutil/testlog"
	"github.com/rs/zerolog"
)

func tickUntil(t *testing.T, b *Bridge, what string, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !pred() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		b.Tick()
		select {
		case <-b.Wake():
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// robot starts a link server on loopback and returns its host and port.
func robot(t *testing.T, handlers link.Handlers) (string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	srv := link.NewServer(handlers, logging.NewRecorder(0))
	done := make(chan struct{})
	go func() {
		_ = srv.Serve(ctx, ln)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	host, portText, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portText)
	return host, port
}

// rawRobot accepts connections without speaking the protocol and hands
// them to the test in accept order.
type rawRobot struct {
	host     string
	port     int
	accepted atomic.Int32
	conns    chan net.Conn
}

func startRawRobot(t *testing.T) *rawRobot {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, portText, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portText)
	r := &rawRobot{host: host, port: port, conns: make(chan net.Conn, 8)}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			r.accepted.Add(1)
			r.conns <- conn
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
		close(r.conns)
		for conn := range r.conns {
			_ = conn.Close()
		}
	})
	return r
}

func (r *rawRobot) next(t *testing.T) net.Conn {
	t.Helper()
	select {
	case conn := <-r.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return conn
	case <-time.After(2 * time.Second):
		t.Fatalf("robot never accepted")
		return nil
	}
}

// readFrame reads one wire packet from conn.
func readFrame(t *testing.T, conn net.Conn) message.Frame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var buf []byte
	chunk := make([]byte, 256)
	for {
		payload, _, err := frame.Next(buf)
		if err == nil {
			f, err := message.Unmarshal(payload)
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			return f
		}
		if !errors.Is(err, frame.ErrIncomplete) {
			t.Fatalf("frame: %v", err)
		}
		n, err := conn.Read(chunk[:1])
		if err != nil {
			t.Fatalf("read frame: %v", err)
		}
		buf = append(buf, chunk[:n]...)
	}
}

func TestConnectWhileDialingKeepsOneSession(t *testing.T) {
	testlog.Start(t)

	r := startRawRobot(t)
	b := New(DefaultConfig(), logging.NewRecorder(0))
	defer b.Close()

	b.Connect(r.host, r.port)
	b.Connect(r.host, r.port)
	tickUntil(t, b, "link up", b.Up)
	b.Connect(r.host, r.port)
	for i := 0; i < 100; i++ {
		b.Tick()
		time.Sleep(time.Millisecond)
	}

	if got := r.accepted.Load(); got != 1 {
		t.Fatalf("expected one connection at the robot, got %d", got)
	}
	if b.Live() != 2 {
		t.Fatalf("expected one receive and one send task, live=%d", b.Live())
	}
}

func TestQueuedFramesDoNotReplayOnReconnect(t *testing.T) {
	testlog.Start(t)

	r := startRawRobot(t)
	b := New(DefaultConfig(), logging.NewRecorder(0))
	defer b.Close()

	b.Connect(r.host, r.port)
	tickUntil(t, b, "link up", b.Up)
	first := r.next(t)

	// Queue frames for a session the robot has already hung up on.
	_ = first.Close()
	for i := 0; i < 10; i++ {
		if !b.Drive(0, 1) {
			t.Fatalf("frame %d not queued", i)
		}
	}
	tickUntil(t, b, "link down", func() bool { return !b.Up() })
	if b.Drive(0, 1) {
		t.Fatalf("send after disconnect must be dropped")
	}

	b.Connect(r.host, r.port)
	tickUntil(t, b, "link up again", b.Up)
	second := r.next(t)
	for i := 0; i < 50; i++ {
		b.Tick()
		time.Sleep(time.Millisecond)
	}
	if !b.Stop() {
		t.Fatalf("stop not queued")
	}
	for i := 0; i < 200; i++ {
		b.Tick()
		time.Sleep(time.Millisecond)
	}
	if f := readFrame(t, second); f != (message.DriveStop{}) {
		t.Fatalf("stale frame reached the new session: %#v", f)
	}
}

func TestTickIdleIsNoop(t *testing.T) {
	testlog.Start(t)

	rec := logging.NewRecorder(0)
	b := New(DefaultConfig(), rec)
	defer b.Close()

	start := time.Now()
	for i := 0; i < 1000; i++ {
		if n := b.Tick(); n != 0 {
			t.Fatalf("idle tick ran %d tasks", n)
		}
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("idle ticks took %v", elapsed)
	}
	if b.Up() || b.Live() != 0 || len(rec.Entries()) != 0 {
		t.Fatalf("idle tick changed state up=%v live=%d logs=%d", b.Up(), b.Live(), len(rec.Entries()))
	}
}

func TestConnectFailureSurfacesOnTick(t *testing.T) {
	testlog.Start(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	host, portText, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portText)
	_ = ln.Close()

	rec := logging.NewRecorder(0)
	b := New(DefaultConfig(), rec)
	defer b.Close()

	b.Connect(host, port)
	if b.Up() {
		t.Fatalf("connect must not complete synchronously")
	}
	tickUntil(t, b, "connect task reaped", func() bool { return b.Live() == 0 })

	if b.Up() {
		t.Fatalf("expected link down after refused connect")
	}
	var reported bool
	for _, e := range rec.Entries() {
		if e.Level == zerolog.ErrorLevel && strings.Contains(e.Text, "netcon: connect") {
			reported = true
		}
	}
	if !reported {
		t.Fatalf("connect failure not reported: %+v", rec.Entries())
	}
}

func TestConnectSendsDriveFramesInOrder(t *testing.T) {
	testlog.Start(t)

	got := make(chan message.Frame, 8)
	record := func(t *reactor.Task, f message.Frame, conn net.Conn) error {
		got <- f
		return nil
	}
	host, port := robot(t, link.Handlers{
		message.KindDrive:     record,
		message.KindDriveStop: record,
	})

	b := New(DefaultConfig(), logging.NewRecorder(0))
	defer b.Close()

	if b.Drive(0, 1) {
		t.Fatalf("send before connect must be dropped")
	}
	b.Connect(host, port)
	tickUntil(t, b, "link up", b.Up)

	if !b.Drive(math.Pi, 0.5) || !b.Drive(math.Pi/2, 1) || !b.Stop() {
		t.Fatalf("expected frames to be queued")
	}
	want := []message.Frame{
		message.Drive{Heading: 180, Throttle: 0.5},
		message.Drive{Heading: 90, Throttle: 1},
		message.DriveStop{},
	}
	for i, w := range want {
		var f message.Frame
		tickUntil(t, b, "frame at robot", func() bool {
			select {
			case f = <-got:
				return true
			default:
				return false
			}
		})
		if f != w {
			t.Fatalf("frame %d: got %#v want %#v", i, f, w)
		}
	}
}

func TestPingRoundTripIsLogged(t *testing.T) {
	testlog.Start(t)

	host, port := robot(t, link.Handlers{
		message.KindPing: func(t *reactor.Task, f message.Frame, conn net.Conn) error {
			return link.SendFrame(t, conn, f)
		},
	})

	rec := logging.NewRecorder(0)
	b := New(DefaultConfig(), rec)
	defer b.Close()

	b.Connect(host, port)
	tickUntil(t, b, "link up", b.Up)
	if !b.Ping() {
		t.Fatalf("ping not queued")
	}
	tickUntil(t, b, "pong", func() bool {
		for _, e := range rec.Entries() {
			if strings.Contains(e.Text, "pong") && strings.Contains(e.Text, "rtt=") {
				return true
			}
		}
		return false
	})
}

func TestRobotDisconnectDropsUp(t *testing.T) {
	testlog.Start(t)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()
	host, portText, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portText)

	b := New(DefaultConfig(), logging.NewRecorder(0))
	defer b.Close()
	b.Connect(host, port)
	tickUntil(t, b, "link up", b.Up)

	select {
	case conn := <-accepted:
		_ = conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatalf("robot never accepted")
	}
	tickUntil(t, b, "link down", func() bool { return !b.Up() })
}

func TestCloseDrainsTasks(t *testing.T) {
	testlog.Start(t)

	host, port := robot(t, link.Handlers{})
	b := New(DefaultConfig(), logging.NewRecorder(0))
	b.Connect(host, port)
	tickUntil(t, b, "link up", b.Up)

	b.Close()
	if b.Live() != 0 || b.Up() {
		t.Fatalf("close left live=%d up=%v", b.Live(), b.Up())
	}
}

func TestConnectErrorUnwraps(t *testing.T) {
	err := &ConnectError{Addr: "robot:4443", Err: context.DeadlineExceeded}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected wrapped deadline error")
	}
	if !strings.Contains(err.Error(), "robot:4443") {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
