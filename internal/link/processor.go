// Package link moves drive frames over a byte stream.
//
// A Processor owns one connection and its accumulation buffer. It reads
// chunks as they arrive, cuts complete frames off the front of the buffer,
// decodes them and hands each one to the handler registered for its kind,
// strictly in arrival order. Everything runs as reactor tasks, so handlers
// may suspend (for example to write a reply) without another frame of the
// same connection being dispatched in between.
package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"

	"github.com/happyfox/sissybot/internal/logging"
	"github.com/happyfox/sissybot/internal/observability"
	"github.com/happyfox/sissybot/internal/protocol/frame"
	"github.com/happyfox/sissybot/internal/protocol/message"
	"github.com/happyfox/sissybot/internal/reactor"
)

// ReadChunk is the most bytes taken from the connection per read.
const ReadChunk = 4096

// Handler consumes one decoded frame. conn is the connection the frame came
// in on, for replies.
type Handler func(t *reactor.Task, f message.Frame, conn net.Conn) error

// Handlers maps a frame kind to its handler.
type Handlers map[message.Kind]Handler

type Processor struct {
	conn     net.Conn
	handlers Handlers
	log      logging.Sink
	buf      []byte
}

func NewProcessor(conn net.Conn, handlers Handlers, sink logging.Sink) *Processor {
	if sink == nil {
		sink = logging.Global()
	}
	if handlers == nil {
		handlers = Handlers{}
	}
	return &Processor{conn: conn, handlers: handlers, log: sink}
}

// Buffered returns how many bytes of an incomplete frame are held.
func (p *Processor) Buffered() int {
	return len(p.buf)
}

// Receive reads and dispatches frames until the peer closes the stream or ctx
// is cancelled, both of which return nil. A zero length header returns
// frame.ErrStreamCorruption; the caller owns closing the connection.
func (p *Processor) Receive(t *reactor.Task, ctx context.Context) error {
	remote := remoteAddr(p.conn)
	for {
		data, err := reactor.AwaitContext(t, ctx, func() ([]byte, error) {
			chunk := make([]byte, ReadChunk)
			n, err := p.conn.Read(chunk)
			return chunk[:n], err
		})
		if ctx.Err() != nil {
			p.log.Debugf("link.Processor.Receive remote=%q cancelled", remote)
			return nil
		}
		if len(data) > 0 {
			observability.RecordBytes("rx", len(data))
			if ferr := p.feed(t, data); ferr != nil {
				observability.RecordStreamCorruption()
				p.log.Errorf("link.Processor.Receive remote=%q buffered=%d err=%v", remote, len(p.buf), ferr)
				return ferr
			}
		}
		if err != nil {
			if isClosed(err) {
				p.log.Infof("link.Processor.Receive remote=%q peer closed", remote)
				return nil
			}
			return fmt.Errorf("link: read %s: %w", remote, err)
		}
	}
}

// feed appends data and dispatches every complete frame it unlocks.
func (p *Processor) feed(t *reactor.Task, data []byte) error {
	p.buf = append(p.buf, data...)
	off := 0
	for {
		ok, err := frame.HasCompleteFrame(p.buf[off:])
		if err != nil {
			p.buf = p.buf[:0]
			return err
		}
		if !ok {
			break
		}
		payload, rest := frame.TakeFirstFrame(p.buf[off:])
		off = len(p.buf) - len(rest)
		p.dispatch(t, payload)
	}
	if off > 0 {
		p.buf = append(p.buf[:0], p.buf[off:]...)
	}
	return nil
}

func (p *Processor) dispatch(t *reactor.Task, payload []byte) {
	f, err := message.Unmarshal(payload)
	if err != nil {
		var unknown *message.UnknownVariantError
		if errors.As(err, &unknown) {
			observability.RecordFrame("rx", "unknown", "dropped")
			p.log.Infof("link.Processor.dispatch dropped field=%d reason=unknown_variant", unknown.Field)
			return
		}
		observability.RecordFrame("rx", "invalid", "dropped")
		p.log.Errorf("link.Processor.dispatch dropped len=%d err=%v", len(payload), err)
		return
	}

	kind := f.Kind()
	h, ok := p.handlers[kind]
	if !ok {
		observability.RecordFrame("rx", string(kind), "unhandled")
		p.log.Debugf("link.Processor.dispatch kind=%q no handler", kind)
		return
	}
	if err := p.invoke(t, h, f); err != nil {
		observability.RecordFrame("rx", string(kind), "failed")
		p.log.Errorf("link.Processor.dispatch kind=%q err=%v", kind, err)
		return
	}
	observability.RecordFrame("rx", string(kind), "dispatched")
}

func (p *Processor) invoke(t *reactor.Task, h Handler, f message.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return h(t, f, p.conn)
}

// SendFrame encodes f and writes it to w, returning once the write drained.
func SendFrame(t *reactor.Task, w io.Writer, f message.Frame) error {
	payload, err := message.Marshal(f)
	if err != nil {
		return err
	}
	pkt, err := frame.Encode(payload)
	if err != nil {
		return err
	}
	kind := string(f.Kind())
	n, err := reactor.Await(t, func() (int, error) {
		return w.Write(pkt)
	})
	observability.RecordBytes("tx", n)
	if err != nil {
		observability.RecordFrame("tx", kind, "failed")
		return fmt.Errorf("link: send %s: %w", kind, err)
	}
	observability.RecordFrame("tx", kind, "sent")
	return nil
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, io.ErrClosedPipe)
}

func remoteAddr(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return ""
	}
	return conn.RemoteAddr().String()
}
