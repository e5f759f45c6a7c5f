package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/happyfox/sissybot/internal/logging"
	"github.com/nats-io/nats.go"
)

// WorkerConfig defines how the worker dials the bus.
type WorkerConfig struct {
	Address        string
	Name           string
	ConnectTimeout time.Duration
	FlushTimeout   time.Duration
	ReconnectWait  time.Duration
	MaxReconnects  int
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Address:        nats.DefaultURL,
		Name:           "sissybot-busproxy",
		ConnectTimeout: 2 * time.Second,
		FlushTimeout:   2 * time.Second,
		ReconnectWait:  time.Second,
		MaxReconnects:  5,
	}
}

// Worker owns the live NATS connection. It serves exactly one owner over the
// command and event streams handed to Run.
type Worker struct {
	cfg WorkerConfig
	log logging.Sink

	mu     sync.Mutex
	out    encoder
	down   bool
	nextID uint32
	subs   map[uint32]*nats.Subscription
}

func NewWorker(cfg WorkerConfig, sink logging.Sink) *Worker {
	if sink == nil {
		sink = logging.Global()
	}
	def := DefaultWorkerConfig()
	if cfg.Address == "" {
		cfg.Address = def.Address
	}
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = def.ConnectTimeout
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = def.FlushTimeout
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}
	return &Worker{
		cfg:  cfg,
		log:  sink,
		subs: make(map[uint32]*nats.Subscription),
	}
}

// Run connects to the bus, reports Up, and serves commands from in until in
// reaches EOF, the bus connection closes, or ctx is cancelled. Every exit
// path reports exactly one Down, after which nothing else is written to out.
func (w *Worker) Run(ctx context.Context, in io.Reader, out io.Writer) error {
	w.mu.Lock()
	w.out = newEncoder(out)
	w.down = false
	w.mu.Unlock()

	closed := make(chan struct{})
	var closedOnce sync.Once
	nc, err := nats.Connect(w.cfg.Address,
		nats.Name(w.cfg.Name),
		nats.Timeout(w.cfg.ConnectTimeout),
		nats.ReconnectWait(w.cfg.ReconnectWait),
		nats.MaxReconnects(w.cfg.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			w.log.Infof("bus.Worker disconnected addr=%q err=%v", w.cfg.Address, err)
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			w.log.Infof("bus.Worker reconnected url=%q", c.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			closedOnce.Do(func() { close(closed) })
		}),
	)
	if err != nil {
		w.log.Errorf("bus.Worker.Run connect addr=%q err=%v", w.cfg.Address, err)
		w.shutdown(nil)
		return fmt.Errorf("bus: connect %s: %w", w.cfg.Address, err)
	}
	w.log.Infof("bus.Worker.Run connected url=%q", nc.ConnectedUrl())
	w.emit(envelope{Op: opState, State: StateUp})

	cmds := make(chan envelope)
	readErr := make(chan error, 1)
	go func() {
		dec := newDecoder(in)
		for {
			env, err := dec.next()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case cmds <- env:
			case <-closed:
				return
			}
		}
	}()

	for {
		select {
		case env := <-cmds:
			if err := w.handle(nc, env); err != nil {
				w.log.Errorf("bus.Worker.Run op=%d err=%v", env.Op, err)
				w.shutdown(nc)
				return err
			}
		case err := <-readErr:
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.ErrClosedPipe) {
				w.log.Errorf("bus.Worker.Run command stream err=%v", err)
			} else {
				w.log.Debugf("bus.Worker.Run command stream closed")
			}
			w.shutdown(nc)
			return nil
		case <-closed:
			w.log.Infof("bus.Worker.Run bus connection closed addr=%q", w.cfg.Address)
			w.shutdown(nc)
			return nil
		case <-ctx.Done():
			w.shutdown(nc)
			return ctx.Err()
		}
	}
}

// ErrBusClosed reports that the NATS connection went away under a command.
var ErrBusClosed = errors.New("bus: connection closed")

func (w *Worker) handle(nc *nats.Conn, env envelope) error {
	switch env.Op {
	case opPublish:
		if err := nc.Publish(env.Subject, env.Data); err != nil {
			if errors.Is(err, nats.ErrConnectionClosed) {
				return fmt.Errorf("%w: publish %q", ErrBusClosed, env.Subject)
			}
			w.log.Errorf("bus.Worker.publish subject=%q err=%v", env.Subject, err)
		}
		return nil
	case opSubscribe:
		return w.subscribe(nc, env)
	case opUnsubscribe:
		w.unsubscribe(env.Channel)
		return nil
	default:
		w.log.Errorf("bus.Worker.handle unknown op=%d dropped", env.Op)
		return nil
	}
}

// subscribe registers and flushes the subscription while holding the writer
// lock, so the reply reaches the owner before any delivery on the channel.
func (w *Worker) subscribe(nc *nats.Conn, env envelope) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.nextID++
	id := w.nextID
	sub, err := nc.Subscribe(env.Subject, func(m *nats.Msg) {
		w.emit(envelope{Op: opDeliver, Channel: id, Subject: m.Subject, Data: m.Data})
	})
	if err == nil {
		err = nc.FlushTimeout(w.cfg.FlushTimeout)
		if err != nil {
			_ = sub.Unsubscribe()
		}
	}
	if err != nil {
		w.writeLocked(envelope{Op: opSubscribed, Seq: env.Seq, Subject: env.Subject, Error: err.Error()})
		if errors.Is(err, nats.ErrConnectionClosed) {
			return fmt.Errorf("%w: subscribe %q", ErrBusClosed, env.Subject)
		}
		return nil
	}
	w.subs[id] = sub
	w.log.Debugf("bus.Worker.subscribe subject=%q channel=%d", env.Subject, id)
	w.writeLocked(envelope{Op: opSubscribed, Seq: env.Seq, Channel: id, Subject: env.Subject})
	return nil
}

func (w *Worker) unsubscribe(id uint32) {
	w.mu.Lock()
	defer w.mu.Unlock()
	sub, ok := w.subs[id]
	if !ok {
		return
	}
	delete(w.subs, id)
	if err := sub.Unsubscribe(); err != nil {
		w.log.Errorf("bus.Worker.unsubscribe channel=%d err=%v", id, err)
	}
	w.writeLocked(envelope{Op: opChannelClose, Channel: id})
}

// shutdown drops every subscription, closes their channels on the owner
// side and reports Down once.
func (w *Worker) shutdown(nc *nats.Conn) {
	w.mu.Lock()
	if w.down {
		w.mu.Unlock()
		return
	}
	for id, sub := range w.subs {
		_ = sub.Unsubscribe()
		delete(w.subs, id)
		w.writeLocked(envelope{Op: opChannelClose, Channel: id})
	}
	w.writeLocked(envelope{Op: opState, State: StateDown})
	w.down = true
	w.mu.Unlock()

	if nc != nil {
		nc.Close()
	}
	w.log.Infof("bus.Worker.shutdown addr=%q down", w.cfg.Address)
}

func (w *Worker) emit(env envelope) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.writeLocked(env)
}

func (w *Worker) writeLocked(env envelope) {
	if w.down {
		return
	}
	if err := w.out.send(env); err != nil {
		w.log.Debugf("bus.Worker.write op=%d err=%v", env.Op, err)
	}
}
