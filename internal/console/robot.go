// Package console is the operator side facade over the bus proxy.
package console

import (
	"context"
	"encoding"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/happyfox/sissybot/internal/bus"
	"github.com/happyfox/sissybot/internal/logging"
	"github.com/happyfox/sissybot/internal/protocol/message"
)

// Default bus subjects.
const (
	SubjectDriveCmd   = "drive.cmd"
	SubjectDriveState = "drive.state"
)

// ErrTypeViolation rejects a payload that is not a byte sequence.
var ErrTypeViolation = errors.New("console: payload must be bytes")

// Robot tracks one robot reachable over the bus.
type Robot struct {
	proxy *bus.Proxy
	log   logging.Sink

	connected atomic.Bool
	up        atomic.Bool
	subject   string
}

type Options struct {
	Proxy        *bus.Proxy
	Log          logging.Sink
	DriveSubject string
}

func NewRobot(opts Options) *Robot {
	if opts.Log == nil {
		opts.Log = logging.Global()
	}
	if opts.Proxy == nil {
		opts.Proxy = bus.NewProxy(nil, bus.DefaultConfig(), opts.Log)
	}
	if opts.DriveSubject == "" {
		opts.DriveSubject = SubjectDriveCmd
	}
	return &Robot{proxy: opts.Proxy, log: opts.Log, subject: opts.DriveSubject}
}

// BusURL formats the bus address of a robot.
func BusURL(addr string, port int) string {
	return "nats://" + net.JoinHostPort(addr, strconv.Itoa(port))
}

// Connect starts the bus proxy for the robot at addr:port. Up turns true on
// a later CheckUp.
func (r *Robot) Connect(ctx context.Context, addr string, port int) error {
	url := BusURL(addr, port)
	if err := r.proxy.Connect(ctx, url); err != nil {
		return fmt.Errorf("console: connect %s: %w", url, err)
	}
	r.connected.Store(true)
	r.log.Infof("console.Robot.Connect url=%q", url)
	return nil
}

// CheckUp drains pending state transitions without blocking and returns the
// resulting Up value. Call it from the UI clock.
func (r *Robot) CheckUp() bool {
	if !r.connected.Load() {
		return r.up.Load()
	}
	for {
		select {
		case s := <-r.proxy.State():
			switch {
			case s == bus.StateUp && r.up.CompareAndSwap(false, true):
				r.log.Infof("console.Robot up")
			case s == bus.StateDown && r.up.CompareAndSwap(true, false):
				r.log.Infof("console.Robot down")
			}
		default:
			return r.up.Load()
		}
	}
}

// Up is the value of the last CheckUp.
func (r *Robot) Up() bool {
	return r.up.Load()
}

// Publish sends payload on subject. payload must be []byte or an
// encoding.BinaryMarshaler. Publishing before Connect is a logged no-op.
func (r *Robot) Publish(subject string, payload any) error {
	data, err := toBytes(payload)
	if err != nil {
		return err
	}
	if !r.connected.Load() {
		r.log.Debugf("console.Robot.Publish subject=%q dropped, not connected", subject)
		return nil
	}
	return r.proxy.Publish(subject, data)
}

func toBytes(payload any) ([]byte, error) {
	switch v := payload.(type) {
	case []byte:
		return v, nil
	case encoding.BinaryMarshaler:
		return v.MarshalBinary()
	default:
		return nil, fmt.Errorf("%w: got %T", ErrTypeViolation, payload)
	}
}

// Subscribe blocks until the proxy returns a delivery handle for subject.
func (r *Robot) Subscribe(ctx context.Context, subject string) (*bus.Subscription, error) {
	if !r.connected.Load() {
		return nil, bus.ErrNotConnected
	}
	return r.proxy.Subscribe(ctx, subject)
}

// Drive returns the motion command helper bound to this robot.
func (r *Robot) Drive() *Drive {
	return &Drive{robot: r}
}

func (r *Robot) Close() error {
	if !r.connected.CompareAndSwap(true, false) {
		return nil
	}
	r.up.Store(false)
	return r.proxy.Close()
}

// Drive publishes drive frames on the robot's command subject.
type Drive struct {
	robot *Robot
}

// Cmd publishes a drive command; heading is in radians.
func (d *Drive) Cmd(headingRad float64, throttle float32) error {
	return d.robot.Publish(d.robot.subject, message.Binary{Frame: message.Drive{
		Heading:  message.HeadingDegrees(headingRad),
		Throttle: throttle,
	}})
}

func (d *Drive) Stop() error {
	return d.robot.Publish(d.robot.subject, message.Binary{Frame: message.DriveStop{}})
}
