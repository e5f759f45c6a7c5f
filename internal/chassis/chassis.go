// Package chassis is the robot side of the drive link: it turns received
// frames into actuation and reports what was applied.
//
// Actuation runs on the caller, which is usually a link task holding the
// reactor turn. Reporting (bus telemetry, websocket watchers) never does: it
// goes through a bounded queue drained by the chassis' own goroutine, and a
// full queue drops the report with a log line.
package chassis

import (
	"sync"
	"time"

	"github.com/happyfox/sissybot/internal/logging"
	"github.com/happyfox/sissybot/internal/protocol/message"
)

// Actuator applies motion commands.
type Actuator interface {
	Drive(heading int32, throttle float32)
	Stop()
}

// Publisher sends telemetry; console.Robot satisfies it.
type Publisher interface {
	Publish(subject string, payload any) error
}

// Command is the last motion applied to the chassis.
type Command struct {
	Kind     message.Kind `json:"kind"`
	Heading  int32        `json:"heading"`
	Throttle float32      `json:"throttle"`
	At       time.Time    `json:"at"`
}

type Options struct {
	// Motor receives every command after it is recorded. Optional.
	Motor Actuator
	Log   logging.Sink
	// Telemetry, when set, gets the applied frame on TelemetrySubject.
	Telemetry        Publisher
	TelemetrySubject string
	// Watchers, when set, gets every applied command as JSON.
	Watchers *Hub
	// ReportQueue bounds reports waiting for the reporter goroutine.
	ReportQueue int
	// CloseTimeout bounds how long Close waits for a stuck reporter.
	CloseTimeout time.Duration
	Now          func() time.Time
}

type report struct {
	cmd   Command
	frame message.Frame
}

// Chassis is the Actuator the robot process hands to its handlers.
type Chassis struct {
	opts Options

	mu       sync.Mutex
	last     Command
	hasLast  bool
	commands uint64

	reports   chan report
	quit      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once
}

func New(opts Options) *Chassis {
	if opts.Log == nil {
		opts.Log = logging.Global()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.TelemetrySubject == "" {
		opts.TelemetrySubject = "drive.state"
	}
	if opts.ReportQueue <= 0 {
		opts.ReportQueue = 64
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = 2 * time.Second
	}
	c := &Chassis{
		opts:    opts,
		reports: make(chan report, opts.ReportQueue),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	if opts.Telemetry == nil && opts.Watchers == nil {
		close(c.stopped)
		return c
	}
	go c.reporter()
	return c
}

func (c *Chassis) Drive(heading int32, throttle float32) {
	cmd := c.record(Command{Kind: message.KindDrive, Heading: heading, Throttle: throttle})
	if c.opts.Motor != nil {
		c.opts.Motor.Drive(heading, throttle)
	}
	c.opts.Log.Infof("chassis.Drive heading=%d throttle=%.2f", heading, throttle)
	c.enqueue(report{cmd: cmd, frame: message.Drive{Heading: heading, Throttle: throttle}})
}

func (c *Chassis) Stop() {
	cmd := c.record(Command{Kind: message.KindDriveStop})
	if c.opts.Motor != nil {
		c.opts.Motor.Stop()
	}
	c.opts.Log.Infof("chassis.Stop")
	c.enqueue(report{cmd: cmd, frame: message.DriveStop{}})
}

// Last returns the most recent command, if any.
func (c *Chassis) Last() (Command, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.hasLast
}

// Commands returns how many commands were applied.
func (c *Chassis) Commands() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commands
}

// Close stops the reporter. Reports still queued are dropped.
func (c *Chassis) Close() {
	c.closeOnce.Do(func() { close(c.quit) })
	select {
	case <-c.stopped:
	case <-time.After(c.opts.CloseTimeout):
		c.opts.Log.Errorf("chassis.Close reporter stuck timeout=%s", c.opts.CloseTimeout)
	}
}

func (c *Chassis) record(cmd Command) Command {
	cmd.At = c.opts.Now()
	c.mu.Lock()
	c.last = cmd
	c.hasLast = true
	c.commands++
	c.mu.Unlock()
	return cmd
}

// enqueue never blocks.
func (c *Chassis) enqueue(r report) {
	if c.opts.Telemetry == nil && c.opts.Watchers == nil {
		return
	}
	select {
	case <-c.quit:
		return
	default:
	}
	select {
	case c.reports <- r:
	default:
		c.opts.Log.Errorf("chassis.report kind=%q dropped, queue full size=%d", r.frame.Kind(), cap(c.reports))
	}
}

func (c *Chassis) reporter() {
	defer close(c.stopped)
	for {
		select {
		case <-c.quit:
			return
		case r := <-c.reports:
			c.report(r)
		}
	}
}

func (c *Chassis) report(r report) {
	if c.opts.Watchers != nil {
		c.opts.Watchers.Broadcast(r.cmd)
	}
	if c.opts.Telemetry == nil {
		return
	}
	if err := c.opts.Telemetry.Publish(c.opts.TelemetrySubject, message.Binary{Frame: r.frame}); err != nil {
		c.opts.Log.Errorf("chassis.report subject=%q kind=%q err=%v", c.opts.TelemetrySubject, r.frame.Kind(), err)
	}
}
