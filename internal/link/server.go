package link

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/happyfox/sissybot/internal/logging"
	"github.com/happyfox/sissybot/internal/observability"
	"github.com/happyfox/sissybot/internal/reactor"
)

// Server accepts drive link connections and runs one Processor per
// connection on its own reactor.
type Server struct {
	handlers Handlers
	log      logging.Sink
	loop     *reactor.Loop
	active   atomic.Int32
}

func NewServer(handlers Handlers, sink logging.Sink) *Server {
	if sink == nil {
		sink = logging.Global()
	}
	return &Server{
		handlers: handlers,
		log:      sink,
		loop:     reactor.New("link.server", sink),
	}
}

// Active returns the number of open connections.
func (s *Server) Active() int {
	return int(s.active.Load())
}

// Serve accepts on ln until ctx is cancelled or Accept fails. It closes the
// listener and every connection before returning.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer ln.Close()
	s.log.Infof("link.Server.Serve listening addr=%q", ln.Addr().String())

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	accept := s.loop.Spawn("accept", func(t *reactor.Task) error {
		defer cancel()
		for {
			conn, err := reactor.AwaitContext(t, ctx, ln.Accept)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("link: accept: %w", err)
			}
			s.spawnConn(ctx, conn)
		}
	})
	s.loop.Run(ctx)
	s.log.Infof("link.Server.Serve stopped addr=%q", ln.Addr().String())
	return accept.Err()
}

func (s *Server) spawnConn(ctx context.Context, conn net.Conn) {
	remote := remoteAddr(conn)
	s.loop.Spawn("conn "+remote, func(t *reactor.Task) error {
		defer conn.Close()
		observability.SessionOpened()
		active := s.active.Add(1)
		s.log.Infof("link.Server client connected remote=%q active_clients=%d", remote, active)
		defer func() {
			observability.SessionClosed()
			remaining := s.active.Add(-1)
			s.log.Infof("link.Server client disconnected remote=%q active_clients=%d", remote, remaining)
		}()
		return NewProcessor(conn, s.handlers, s.log).Receive(t, ctx)
	})
}
