// Package reactor is a single-turn cooperative scheduler.
//
// Each task runs on its own goroutine but only while it holds the loop's
// turn, so exactly one task executes at a time. A task gives the turn back
// only at a suspension point (Await, AwaitContext, Yield) or by returning.
// The loop is driven from outside: RunOnce executes the tasks that were ready
// when it was called and returns, which lets a synchronous caller such as a
// render loop interleave with network work.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/happyfox/sissybot/internal/logging"
	"github.com/happyfox/sissybot/internal/observability"
)

// TaskFunc is the body of one background task.
type TaskFunc func(t *Task) error

// Loop owns the ready queue and the live task set.
type Loop struct {
	name string
	log  logging.Sink

	driving sync.Mutex

	mu    sync.Mutex
	ready []*Task
	live  map[*Task]struct{}

	wake chan struct{}
	seq  atomic.Uint64
}

// New constructs a loop that reports task failures to sink.
func New(name string, sink logging.Sink) *Loop {
	if sink == nil {
		sink = logging.Global()
	}
	return &Loop{
		name: name,
		log:  sink,
		live: make(map[*Task]struct{}),
		wake: make(chan struct{}, 1),
	}
}

// Spawn schedules fn as a new task. It first runs on the next pass.
func (l *Loop) Spawn(name string, fn TaskFunc) *Task {
	t := &Task{
		id:   l.seq.Add(1),
		name: name,
		loop: l,
		turn: make(chan struct{}),
		park: make(chan struct{}),
		done: make(chan struct{}),
	}
	l.mu.Lock()
	l.live[t] = struct{}{}
	l.ready = append(l.ready, t)
	l.mu.Unlock()
	go t.run(fn)
	l.signal()
	return t
}

// RunOnce runs every task that is ready at entry until it suspends or
// finishes, reaps finished tasks, and returns the number of tasks run.
// Tasks made ready during the pass wait for the next call. A concurrent
// RunOnce returns 0 without running anything.
func (l *Loop) RunOnce() int {
	if !l.driving.TryLock() {
		return 0
	}
	defer l.driving.Unlock()

	l.mu.Lock()
	batch := l.ready
	l.ready = nil
	l.mu.Unlock()
	if len(batch) == 0 {
		return 0
	}

	finished := make([]*Task, 0)
	for _, t := range batch {
		t.turn <- struct{}{}
		<-t.park
		if t.finished {
			finished = append(finished, t)
		}
	}
	for _, t := range finished {
		l.reap(t)
	}
	return len(batch)
}

// Run drives the loop until ctx is done and every task has finished.
func (l *Loop) Run(ctx context.Context) {
	done := ctx.Done()
	for {
		l.RunOnce()
		if done == nil && l.Live() == 0 {
			return
		}
		select {
		case <-l.wake:
		case <-done:
			done = nil
		}
	}
}

// Wake is signalled whenever a task becomes ready.
func (l *Loop) Wake() <-chan struct{} {
	return l.wake
}

// Live returns the number of tasks that have not been reaped.
func (l *Loop) Live() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.live)
}

// Ready returns the number of tasks waiting for the next pass.
func (l *Loop) Ready() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ready)
}

func (l *Loop) makeReady(t *Task) {
	l.mu.Lock()
	l.ready = append(l.ready, t)
	l.mu.Unlock()
	l.signal()
}

func (l *Loop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Loop) reap(t *Task) {
	l.mu.Lock()
	delete(l.live, t)
	l.mu.Unlock()
	close(t.done)

	if t.err == nil || errors.Is(t.err, context.Canceled) {
		l.log.Debugf("reactor.Loop.reap loop=%q task=%q id=%d done", l.name, t.name, t.id)
		return
	}
	observability.RecordTaskFailure(l.name)
	if t.stack != "" {
		l.log.Errorf("reactor.Loop.reap loop=%q task=%q id=%d err=%v\n%s", l.name, t.name, t.id, t.err, t.stack)
		return
	}
	l.log.Errorf("reactor.Loop.reap loop=%q task=%q id=%d err=%v", l.name, t.name, t.id, t.err)
}

// Task is one cooperatively scheduled unit of work.
type Task struct {
	id   uint64
	name string
	loop *Loop

	turn chan struct{}
	park chan struct{}
	done chan struct{}

	finished bool
	err      error
	stack    string
}

func (t *Task) run(fn TaskFunc) {
	<-t.turn
	defer func() {
		if r := recover(); r != nil {
			t.err = fmt.Errorf("reactor: task %q panicked: %v", t.name, r)
			t.stack = string(debug.Stack())
		}
		t.finished = true
		t.park <- struct{}{}
	}()
	t.err = fn(t)
}

// Name returns the task label used in logs.
func (t *Task) Name() string { return t.name }

// Loop returns the loop that owns t.
func (t *Task) Loop() *Loop { return t.loop }

// Done is closed once the task has finished and been reaped.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task result. Valid after Done is closed.
func (t *Task) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

// suspend gives the turn back to the loop and waits to be scheduled again.
func (t *Task) suspend() {
	t.park <- struct{}{}
	<-t.turn
}

// Await runs op off the loop and suspends t until op returns.
func Await[T any](t *Task, op func() (T, error)) (T, error) {
	var (
		v   T
		err error
	)
	go func() {
		v, err = op()
		t.loop.makeReady(t)
	}()
	t.suspend()
	return v, err
}

// AwaitContext races op against ctx. When ctx wins, op keeps running in the
// background and its result is discarded; callers must make op return, for
// example by closing the connection it reads from.
func AwaitContext[T any](t *Task, ctx context.Context, op func() (T, error)) (T, error) {
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		v, err := op()
		ch <- result{v: v, err: err}
	}()
	return Await(t, func() (T, error) {
		select {
		case r := <-ch:
			return r.v, r.err
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	})
}

// Yield lets every other ready task run before t continues.
func Yield(t *Task) {
	t.loop.makeReady(t)
	t.suspend()
}
