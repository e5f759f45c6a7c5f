package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/happyfox/sissybot/internal/bus"
	"github.com/happyfox/sissybot/internal/chassis"
	"github.com/happyfox/sissybot/internal/config"
	"github.com/happyfox/sissybot/internal/console"
	"github.com/happyfox/sissybot/internal/link"
	"github.com/happyfox/sissybot/internal/logging"
	"github.com/happyfox/sissybot/internal/observability"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func serveCmd(opts *rootOptions) *cobra.Command {
	var noBus bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the robot side: drive link listener, bus follower and status HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			logger := observability.InitLogger("sb-serve", logging.ProfileRuntime)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger, !noBus)
		},
	}
	cmd.Flags().BoolVar(&noBus, "no-bus", false, "skip the bus follower and telemetry")
	return cmd
}

func serve(ctx context.Context, cfg config.Config, logger zerolog.Logger, withBus bool) error {
	sink := logging.Zerolog(logger)
	started := time.Now()

	var robot *console.Robot
	hub := chassis.NewHub(cfg.Server.CORSOrigins, sink)
	chOpts := chassis.Options{Log: sink, TelemetrySubject: cfg.Bus.TelemetrySubject, Watchers: hub}
	if withBus {
		robot = console.NewRobot(console.Options{
			Proxy:        bus.NewProxy(bus.ExecSpawner{}, bus.Config{JoinTimeout: cfg.Bus.JoinTimeout}, sink),
			Log:          sink,
			DriveSubject: cfg.Bus.DriveSubject,
		})
		if err := robot.Connect(ctx, cfg.BusHost(), cfg.Bus.Port); err != nil {
			return err
		}
		defer robot.Close()
		chOpts.Telemetry = robot
	}
	ch := chassis.New(chOpts)
	// Runs before the deferred robot.Close, after link sessions drained.
	defer ch.Close()

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return err
	}
	srv := link.NewServer(chassis.Handlers(ch), sink)

	router := chassis.NewStatusRouter(cfg.Server.Node, cfg.Server.CORSOrigins, logger, func() chassis.Status {
		up := false
		if robot != nil {
			up = robot.Up()
		}
		return ch.Snapshot(chassis.Status{
			Node:     cfg.Server.Node,
			Started:  started,
			Sessions: srv.Active(),
			BusUp:    up,
			Watchers: hub.Watchers(),
		})
	}, hub)
	status := &http.Server{Addr: cfg.Server.StatusAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()

	served := make(chan error, 1)
	go func() { served <- srv.Serve(runCtx, ln) }()
	statusErr := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", cfg.Server.StatusAddr).Msg("status server listening")
		if err := status.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			statusErr <- err
		}
	}()
	followed := make(chan struct{})
	if robot != nil {
		go func() {
			defer close(followed)
			followBus(runCtx, robot, cfg.Bus.DriveSubject, ch, sink)
		}()
	} else {
		close(followed)
	}

	var runErr error
	serveDone := false
	select {
	case <-ctx.Done():
	case runErr = <-statusErr:
	case runErr = <-served:
		serveDone = true
	}
	stopRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), serveDrainTimeout)
	defer cancel()
	_ = status.Shutdown(shutdownCtx)
	if !serveDone {
		select {
		case err := <-served:
			if runErr == nil {
				runErr = err
			}
		case <-shutdownCtx.Done():
			logger.Error().Dur("timeout", serveDrainTimeout).Msg("link sessions did not drain")
		}
	}
	select {
	case <-followed:
	case <-shutdownCtx.Done():
		logger.Error().Msg("bus follower did not stop")
	}
	logger.Info().Msg("serve stopped")
	return runErr
}

const serveDrainTimeout = 5 * time.Second

// followBus waits for the bus session, then actuates bus drive commands until
// ctx ends.
func followBus(ctx context.Context, robot *console.Robot, subject string, act chassis.Actuator, sink logging.Sink) {
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for !robot.CheckUp() {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
	if err := chassis.Follow(ctx, robot, subject, act, sink); err != nil {
		sink.Errorf("sb.serve follow subject=%q err=%v", subject, err)
	}
}
