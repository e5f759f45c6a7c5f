package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/happyfox/sissybot/internal/bus"
	"github.com/happyfox/sissybot/internal/console"
	"github.com/happyfox/sissybot/internal/logging"
	"github.com/happyfox/sissybot/internal/observability"
	"github.com/happyfox/sissybot/internal/protocol/message"
	"github.com/spf13/cobra"
)

func busCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bus",
		Short: "Publish to or watch the robot message bus",
	}
	var upTimeout time.Duration
	cmd.PersistentFlags().DurationVar(&upTimeout, "up-timeout", 5*time.Second, "how long to wait for the bus session")

	pub := &cobra.Command{
		Use:   "pub <subject> <payload>",
		Short: "Publish one message",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			robot, err := openRobot(cmd.Context(), opts, upTimeout)
			if err != nil {
				return err
			}
			defer robot.Close()
			return robot.Publish(args[0], []byte(args[1]))
		},
	}

	sub := &cobra.Command{
		Use:   "sub <subject>",
		Short: "Print messages until interrupted; drive frames are decoded",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			robot, err := openRobot(ctx, opts, upTimeout)
			if err != nil {
				return err
			}
			defer robot.Close()
			s, err := robot.Subscribe(ctx, args[0])
			if err != nil {
				return err
			}
			defer s.Close()
			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					return nil
				case m, ok := <-s.C():
					if !ok {
						return bus.ErrClosed
					}
					if f, err := message.Unmarshal(m.Data); err == nil {
						fmt.Fprintf(out, "%s %s %+v\n", m.Subject, f.Kind(), f)
						continue
					}
					fmt.Fprintf(out, "%s %q\n", m.Subject, m.Data)
				}
			}
		},
	}

	cmd.AddCommand(pub, sub)
	return cmd
}

func openRobot(ctx context.Context, opts *rootOptions, upTimeout time.Duration) (*console.Robot, error) {
	cfg, err := opts.load()
	if err != nil {
		return nil, err
	}
	observability.InitLogger("sb-bus", logging.ProfileRuntime)
	sink := logging.Global()
	robot := console.NewRobot(console.Options{
		Proxy:        bus.NewProxy(bus.ExecSpawner{}, bus.Config{JoinTimeout: cfg.Bus.JoinTimeout}, sink),
		Log:          sink,
		DriveSubject: cfg.Bus.DriveSubject,
	})
	if err := robot.Connect(ctx, cfg.BusHost(), cfg.Bus.Port); err != nil {
		return nil, err
	}
	deadline := time.Now().Add(upTimeout)
	for !robot.CheckUp() {
		if time.Now().After(deadline) {
			_ = robot.Close()
			return nil, fmt.Errorf("bus at %s not up after %s", console.BusURL(cfg.BusHost(), cfg.Bus.Port), upTimeout)
		}
		time.Sleep(20 * time.Millisecond)
	}
	return robot, nil
}

// busProxyCmd is the worker entry point used by bus.ExecSpawner. stdout
// carries the proxy protocol, so logs go to stderr.
func busProxyCmd() *cobra.Command {
	cfg := bus.DefaultWorkerConfig()
	cmd := &cobra.Command{
		Use:    "busproxy",
		Short:  "Bus worker process (internal)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureWorker()
			// The owner shuts the worker down by closing stdin; a terminal
			// interrupt goes to the owner only.
			signal.Ignore(syscall.SIGINT)
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
			defer stop()
			return bus.NewWorker(cfg, logging.Global()).Run(ctx, os.Stdin, os.Stdout)
		},
	}
	cmd.Flags().StringVar(&cfg.Address, "address", cfg.Address, "NATS url")
	cmd.Flags().StringVar(&cfg.Name, "name", cfg.Name, "NATS client name")
	cmd.Flags().DurationVar(&cfg.ConnectTimeout, "connect-timeout", cfg.ConnectTimeout, "bus dial timeout")
	return cmd
}
