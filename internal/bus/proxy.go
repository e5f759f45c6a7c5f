package bus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/happyfox/sissybot/internal/logging"
	"github.com/happyfox/sissybot/internal/observability"
)

var (
	ErrNotConnected     = errors.New("bus: proxy not connected")
	ErrAlreadyConnected = errors.New("bus: proxy already connected")
	ErrClosed           = errors.New("bus: worker exited")
	ErrJoinTimeout      = errors.New("bus: worker did not exit in time")
)

// Config defines owner side buffering and shutdown bounds.
type Config struct {
	JoinTimeout    time.Duration
	StateBuffer    int
	DeliveryBuffer int
}

func DefaultConfig() Config {
	return Config{
		JoinTimeout:    5 * time.Second,
		StateBuffer:    8,
		DeliveryBuffer: 256,
	}
}

// Proxy is the owner side handle of one bus worker.
type Proxy struct {
	cfg     Config
	spawner Spawner
	log     logging.Sink

	writeMu sync.Mutex
	out     encoder

	mu      sync.Mutex
	proc    Process
	seq     uint32
	pending map[uint32]chan subscribeReply
	subs    map[uint32]*Subscription
	closing bool
	closed  bool

	state    chan ConnState
	up       atomic.Bool
	downSent bool
	done     chan struct{}
}

type subscribeReply struct {
	sub *Subscription
	err error
}

func NewProxy(spawner Spawner, cfg Config, sink logging.Sink) *Proxy {
	if sink == nil {
		sink = logging.Global()
	}
	if spawner == nil {
		spawner = ExecSpawner{}
	}
	def := DefaultConfig()
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = def.JoinTimeout
	}
	if cfg.StateBuffer <= 0 {
		cfg.StateBuffer = def.StateBuffer
	}
	if cfg.DeliveryBuffer <= 0 {
		cfg.DeliveryBuffer = def.DeliveryBuffer
	}
	return &Proxy{
		cfg:     cfg,
		spawner: spawner,
		log:     sink,
		pending: make(map[uint32]chan subscribeReply),
		subs:    make(map[uint32]*Subscription),
		state:   make(chan ConnState, cfg.StateBuffer),
	}
}

// Connect starts the worker and returns without waiting for the bus session;
// watch State for the outcome. ctx only gates the spawn.
func (p *Proxy) Connect(ctx context.Context, address string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.proc != nil {
		return ErrAlreadyConnected
	}
	proc, err := p.spawner.Spawn(address)
	if err != nil {
		return err
	}
	p.proc = proc
	p.out = newEncoder(proc.Commands())
	p.done = make(chan struct{})
	go p.readEvents(proc.Events(), p.done)
	p.log.Infof("bus.Proxy.Connect spawned worker addr=%q", address)
	return nil
}

// State yields every state transition the worker reports. Down is delivered
// once, also when the worker dies without reporting it.
func (p *Proxy) State() <-chan ConnState {
	return p.state
}

// Up is the last reported state.
func (p *Proxy) Up() bool {
	return p.up.Load()
}

// Publish hands payload to the worker without waiting for the bus.
func (p *Proxy) Publish(subject string, payload []byte) error {
	if err := p.send(envelope{Op: opPublish, Subject: subject, Data: payload}); err != nil {
		return err
	}
	observability.RecordBusMessage("publish")
	return nil
}

// Subscribe blocks until the worker has registered the subscription with the
// bus and returns its delivery handle.
func (p *Proxy) Subscribe(ctx context.Context, subject string) (*Subscription, error) {
	p.mu.Lock()
	if p.proc == nil || p.closing {
		p.mu.Unlock()
		return nil, ErrNotConnected
	}
	p.seq++
	seq := p.seq
	reply := make(chan subscribeReply, 1)
	p.pending[seq] = reply
	done := p.done
	p.mu.Unlock()

	if err := p.send(envelope{Op: opSubscribe, Seq: seq, Subject: subject}); err != nil {
		p.dropPending(seq)
		return nil, err
	}
	select {
	case r := <-reply:
		return r.sub, r.err
	case <-ctx.Done():
		p.dropPending(seq)
		return nil, ctx.Err()
	case <-done:
		p.dropPending(seq)
		return nil, ErrClosed
	}
}

func (p *Proxy) dropPending(seq uint32) {
	p.mu.Lock()
	delete(p.pending, seq)
	p.mu.Unlock()
}

func (p *Proxy) unsubscribe(channel uint32) error {
	return p.send(envelope{Op: opUnsubscribe, Channel: channel})
}

func (p *Proxy) send(env envelope) error {
	p.mu.Lock()
	connected := p.proc != nil && !p.closing
	p.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.out.send(env); err != nil {
		return fmt.Errorf("bus: send op=%d: %w", env.Op, err)
	}
	return nil
}

// Close closes the command stream, which the worker treats as shutdown, and
// waits JoinTimeout for it to exit before killing it.
func (p *Proxy) Close() error {
	p.mu.Lock()
	proc := p.proc
	if proc == nil || p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.closing = true
	done := p.done
	p.mu.Unlock()

	p.writeMu.Lock()
	_ = proc.Commands().Close()
	p.writeMu.Unlock()

	var err error
	select {
	case <-done:
	case <-time.After(p.cfg.JoinTimeout):
		p.log.Errorf("bus.Proxy.Close join timeout=%s, killing worker", p.cfg.JoinTimeout)
		_ = proc.Kill()
		err = ErrJoinTimeout
		<-done
	}
	if werr := proc.Wait(); werr != nil && err == nil {
		p.log.Debugf("bus.Proxy.Close worker exit err=%v", werr)
	}
	return err
}

// readEvents demultiplexes the event stream until the worker goes away.
func (p *Proxy) readEvents(r io.Reader, done chan struct{}) {
	defer close(done)
	defer p.finish()

	dec := newDecoder(r)
	for {
		env, err := dec.next()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				p.log.Errorf("bus.Proxy.readEvents err=%v", err)
			}
			return
		}
		switch env.Op {
		case opState:
			p.setState(env.State)
		case opSubscribed:
			p.subscribed(env)
		case opDeliver:
			p.deliver(env)
		case opChannelClose:
			p.closeChannel(env.Channel)
		default:
			p.log.Errorf("bus.Proxy.readEvents unknown op=%d dropped", env.Op)
		}
	}
}

func (p *Proxy) setState(s ConnState) {
	p.mu.Lock()
	if s == StateDown {
		if p.downSent {
			p.mu.Unlock()
			return
		}
		p.downSent = true
	}
	p.mu.Unlock()

	p.up.Store(s == StateUp)
	observability.SetBusUp(s == StateUp)
	p.log.Infof("bus.Proxy state=%s", s)
	select {
	case p.state <- s:
	default:
		p.log.Errorf("bus.Proxy state=%s dropped, state channel full", s)
	}
}

func (p *Proxy) subscribed(env envelope) {
	p.mu.Lock()
	reply, ok := p.pending[env.Seq]
	delete(p.pending, env.Seq)
	var sub *Subscription
	if env.Error == "" {
		sub = &Subscription{
			proxy:   p,
			channel: env.Channel,
			subject: env.Subject,
			c:       make(chan Message, p.cfg.DeliveryBuffer),
		}
		p.subs[env.Channel] = sub
	}
	p.mu.Unlock()

	if !ok {
		// The caller gave up; release the worker side.
		if sub != nil {
			go sub.Close()
		}
		return
	}
	if sub == nil {
		reply <- subscribeReply{err: fmt.Errorf("bus: subscribe %q: %s", env.Subject, env.Error)}
		return
	}
	reply <- subscribeReply{sub: sub}
}

func (p *Proxy) deliver(env envelope) {
	p.mu.Lock()
	sub, ok := p.subs[env.Channel]
	p.mu.Unlock()
	if !ok {
		p.log.Debugf("bus.Proxy.deliver channel=%d unknown, dropped", env.Channel)
		return
	}
	select {
	case sub.c <- Message{Subject: env.Subject, Data: env.Data}:
		observability.RecordBusMessage("deliver")
	default:
		observability.RecordBusMessage("dropped")
		p.log.Errorf("bus.Proxy.deliver subject=%q channel=%d dropped, subscriber behind", env.Subject, env.Channel)
	}
}

func (p *Proxy) closeChannel(channel uint32) {
	p.mu.Lock()
	sub, ok := p.subs[channel]
	delete(p.subs, channel)
	p.mu.Unlock()
	if ok {
		close(sub.c)
	}
}

// finish runs once the event stream ends: every delivery channel is closed,
// pending subscribes fail and Down is reported if the worker did not.
func (p *Proxy) finish() {
	p.mu.Lock()
	subs := p.subs
	p.subs = make(map[uint32]*Subscription)
	pending := p.pending
	p.pending = make(map[uint32]chan subscribeReply)
	p.closing = true
	p.mu.Unlock()

	for _, sub := range subs {
		close(sub.c)
	}
	for _, reply := range pending {
		reply <- subscribeReply{err: ErrClosed}
	}
	p.setState(StateDown)
}

// Subscription is one live subject registration.
type Subscription struct {
	proxy   *Proxy
	channel uint32
	subject string
	c       chan Message
	once    sync.Once
}

// C yields deliveries in bus order. It is closed after Close, or when the
// worker exits.
func (s *Subscription) C() <-chan Message { return s.c }

func (s *Subscription) Subject() string { return s.subject }

// Close asks the worker to drop the subscription.
func (s *Subscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.proxy.unsubscribe(s.channel)
		if errors.Is(err, ErrNotConnected) {
			err = nil
		}
	})
	return err
}
