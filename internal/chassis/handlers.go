package chassis

import (
	"context"
	"fmt"
	"net"

	"github.com/happyfox/sissybot/internal/bus"
	"github.com/happyfox/sissybot/internal/link"
	"github.com/happyfox/sissybot/internal/logging"
	"github.com/happyfox/sissybot/internal/observability"
	"github.com/happyfox/sissybot/internal/protocol/message"
	"github.com/happyfox/sissybot/internal/reactor"
)

// Handlers wires act to the drive link. Pings are echoed so the console can
// measure round trip time.
func Handlers(act Actuator) link.Handlers {
	apply := func(t *reactor.Task, f message.Frame, conn net.Conn) error {
		return Apply(act, f, "link")
	}
	return link.Handlers{
		message.KindPing: func(t *reactor.Task, f message.Frame, conn net.Conn) error {
			return link.SendFrame(t, conn, f)
		},
		message.KindDrive:     apply,
		message.KindDriveStop: apply,
	}
}

// Apply hands a motion frame to act. source labels the metric.
func Apply(act Actuator, f message.Frame, source string) error {
	switch v := f.(type) {
	case message.Drive:
		act.Drive(v.Heading, v.Throttle)
	case message.DriveStop:
		act.Stop()
	default:
		return fmt.Errorf("chassis: %s frame is not a motion command", f.Kind())
	}
	observability.RecordActuation(string(f.Kind()), source)
	return nil
}

// Subscriber is the bus side used by Follow; console.Robot satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, subject string) (*bus.Subscription, error)
}

// Follow actuates every drive frame published on subject until ctx is done
// or the bus subscription ends.
func Follow(ctx context.Context, src Subscriber, subject string, act Actuator, sink logging.Sink) error {
	if sink == nil {
		sink = logging.Global()
	}
	sub, err := src.Subscribe(ctx, subject)
	if err != nil {
		return fmt.Errorf("chassis: follow %q: %w", subject, err)
	}
	defer sub.Close()
	sink.Infof("chassis.Follow subject=%q", subject)

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-sub.C():
			if !ok {
				return bus.ErrClosed
			}
			f, err := message.Unmarshal(m.Data)
			if err != nil {
				sink.Errorf("chassis.Follow subject=%q dropped err=%v", m.Subject, err)
				continue
			}
			if err := Apply(act, f, "bus"); err != nil {
				sink.Debugf("chassis.Follow subject=%q err=%v", m.Subject, err)
			}
		}
	}
}
