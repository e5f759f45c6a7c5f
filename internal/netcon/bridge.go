// Package netcon connects an operator console to the robot drive link.
//
// A Bridge owns the reactor and the link connection. The console render loop
// calls Tick once per frame; everything else (dialing, reading, writing)
// happens in reactor tasks that only advance inside Tick, so the caller never
// blocks on the network.
package netcon

import (
	"context"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/happyfox/sissybot/internal/link"
	"github.com/happyfox/sissybot/internal/logging"
	"github.com/happyfox/sissybot/internal/protocol/message"
	"github.com/happyfox/sissybot/internal/reactor"
)

// Config defines dial and outbox defaults for a Bridge.
type Config struct {
	DialTimeout  time.Duration
	WriteTimeout time.Duration
	OutboxSize   int
	CloseTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		DialTimeout:  5 * time.Second,
		WriteTimeout: 2 * time.Second,
		OutboxSize:   64,
		CloseTimeout: 2 * time.Second,
	}
}

type Bridge struct {
	cfg      Config
	log      logging.Sink
	loop     *reactor.Loop
	handlers link.Handlers

	ctx    context.Context
	cancel context.CancelFunc

	// mu guards the session: at most one dial or one attached connection,
	// each attached connection with its own outbox.
	mu      sync.Mutex
	dialing bool
	conn    net.Conn
	remote  string
	outbox  chan message.Frame

	up atomic.Bool
}

func New(cfg Config, sink logging.Sink) *Bridge {
	if sink == nil {
		sink = logging.Global()
	}
	def := DefaultConfig()
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = def.OutboxSize
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = def.CloseTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		cfg:      cfg,
		log:      sink,
		loop:     reactor.New("netcon", sink),
		handlers: link.Handlers{},
		ctx:      ctx,
		cancel:   cancel,
	}
	b.handlers[message.KindPing] = b.onPong
	return b
}

// Handle registers h for frames of kind arriving from the robot. Call it
// between ticks.
func (b *Bridge) Handle(kind message.Kind, h link.Handler) {
	b.handlers[kind] = h
}

// Tick runs one bounded pass of the reactor and returns the number of tasks
// that ran. Failed tasks are reported through the logging sink.
func (b *Bridge) Tick() int {
	return b.loop.RunOnce()
}

// Wake is signalled when the reactor has work for the next Tick.
func (b *Bridge) Wake() <-chan struct{} {
	return b.loop.Wake()
}

// Up reports whether the TCP handshake with the robot has completed and the
// connection is still open.
func (b *Bridge) Up() bool {
	return b.up.Load()
}

// Live returns the number of unfinished background tasks.
func (b *Bridge) Live() int {
	return b.loop.Live()
}

// Connect schedules a dial to address:port. The outcome is only visible
// through Up and the log once later ticks have run. While a dial is in
// flight or a connection is attached, Connect is a logged no-op.
func (b *Bridge) Connect(address string, port int) {
	addr := net.JoinHostPort(address, strconv.Itoa(port))
	b.mu.Lock()
	switch {
	case b.dialing:
		b.mu.Unlock()
		b.log.Infof("netcon.Bridge.Connect addr=%q ignored, dial in flight", addr)
		return
	case b.conn != nil:
		remote := b.remote
		b.mu.Unlock()
		b.log.Infof("netcon.Bridge.Connect addr=%q ignored, already connected remote=%q", addr, remote)
		return
	}
	b.dialing = true
	b.mu.Unlock()

	b.loop.Spawn("connect "+addr, func(t *reactor.Task) error {
		b.log.Debugf("netcon.Bridge.Connect dialing addr=%q", addr)
		dialer := net.Dialer{Timeout: b.cfg.DialTimeout}
		conn, err := reactor.AwaitContext(t, b.ctx, func() (net.Conn, error) {
			return dialer.DialContext(b.ctx, "tcp", addr)
		})
		if err != nil {
			b.mu.Lock()
			b.dialing = false
			b.mu.Unlock()
			b.up.Store(false)
			return &ConnectError{Addr: addr, Err: err}
		}
		b.attach(conn, addr)
		return nil
	})
}

func (b *Bridge) attach(conn net.Conn, addr string) {
	connCtx, connCancel := context.WithCancel(b.ctx)
	outbox := make(chan message.Frame, b.cfg.OutboxSize)
	b.mu.Lock()
	b.dialing = false
	b.conn = conn
	b.remote = addr
	b.outbox = outbox
	b.mu.Unlock()
	b.up.Store(true)
	b.log.Infof("netcon.Bridge.Connect connected remote=%q", addr)

	b.loop.Spawn("receive "+addr, func(t *reactor.Task) error {
		defer b.detach(conn, connCancel)
		return link.NewProcessor(conn, b.handlers, b.log).Receive(t, connCtx)
	})
	b.loop.Spawn("send "+addr, func(t *reactor.Task) error {
		return b.drainOutbox(t, connCtx, conn, outbox)
	})
}

// detach ends the session. Frames still queued for it are discarded so they
// never reach a later connection.
func (b *Bridge) detach(conn net.Conn, cancel context.CancelFunc) {
	cancel()
	_ = conn.Close()
	pending := 0
	b.mu.Lock()
	if b.conn == conn {
		pending = len(b.outbox)
		b.conn = nil
		b.outbox = nil
		b.up.Store(false)
	}
	remote := b.remote
	b.mu.Unlock()
	b.log.Infof("netcon.Bridge disconnected remote=%q dropped_pending=%d", remote, pending)
}

// drainOutbox is the only writer on conn, so frames leave in Send order.
func (b *Bridge) drainOutbox(t *reactor.Task, ctx context.Context, conn net.Conn, outbox <-chan message.Frame) error {
	for {
		f, err := reactor.Await(t, func() (message.Frame, error) {
			select {
			case f := <-outbox:
				return f, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		})
		if err != nil || ctx.Err() != nil {
			return nil
		}
		_ = conn.SetWriteDeadline(time.Now().Add(b.cfg.WriteTimeout))
		if err := link.SendFrame(t, conn, f); err != nil {
			_ = conn.Close()
			return err
		}
	}
}

// Send queues f for the robot. Frames sent while the link is down are
// dropped.
func (b *Bridge) Send(f message.Frame) bool {
	b.mu.Lock()
	outbox := b.outbox
	b.mu.Unlock()
	if outbox == nil {
		b.log.Debugf("netcon.Bridge.Send kind=%q dropped link down", f.Kind())
		return false
	}
	select {
	case outbox <- f:
		return true
	default:
		b.log.Errorf("netcon.Bridge.Send kind=%q dropped outbox full size=%d", f.Kind(), cap(outbox))
		return false
	}
}

// Drive sends a motion command. headingRad is rounded to whole degrees.
func (b *Bridge) Drive(headingRad float64, throttle float32) bool {
	return b.Send(message.Drive{Heading: message.HeadingDegrees(headingRad), Throttle: throttle})
}

func (b *Bridge) Stop() bool {
	return b.Send(message.DriveStop{})
}

// Ping sends the local clock; the robot echoes it and onPong logs the round
// trip.
func (b *Bridge) Ping() bool {
	return b.Send(message.Ping{TimestampMS: uint64(time.Now().UnixMilli())})
}

func (b *Bridge) onPong(t *reactor.Task, f message.Frame, conn net.Conn) error {
	ping := f.(message.Ping)
	rtt := time.Since(time.UnixMilli(int64(ping.TimestampMS)))
	b.log.Infof("netcon.Bridge pong remote=%q rtt=%s", b.remoteAddr(), rtt.Round(time.Microsecond))
	return nil
}

// Close cancels every task and drains the reactor for at most CloseTimeout.
func (b *Bridge) Close() {
	b.cancel()
	b.mu.Lock()
	if b.conn != nil {
		_ = b.conn.Close()
	}
	b.mu.Unlock()

	deadline := time.Now().Add(b.cfg.CloseTimeout)
	for b.loop.Live() > 0 && time.Now().Before(deadline) {
		b.loop.RunOnce()
		select {
		case <-b.loop.Wake():
		case <-time.After(10 * time.Millisecond):
		}
	}
	if live := b.loop.Live(); live > 0 {
		b.log.Errorf("netcon.Bridge.Close abandoned live_tasks=%d", live)
	}
	b.up.Store(false)
}

func (b *Bridge) remoteAddr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remote
}
