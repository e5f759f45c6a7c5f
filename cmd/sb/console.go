package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/happyfox/sissybot/internal/bus"
	"github.com/happyfox/sissybot/internal/config"
	"github.com/happyfox/sissybot/internal/console"
	"github.com/happyfox/sissybot/internal/logging"
	"github.com/happyfox/sissybot/internal/netcon"
	"github.com/happyfox/sissybot/internal/observability"
	"github.com/spf13/cobra"
)

func consoleCmd(opts *rootOptions) *cobra.Command {
	var viaBus bool
	cmd := &cobra.Command{
		Use:   "console",
		Short: "Drive the robot from stdin commands",
		Long: `console connects to the robot drive link and reads one command per line:

  drive <heading_deg> <throttle>   (alias d)
  stop                             (alias s)
  ping                             (alias p)
  connect [address] [port]
  status
  quit                             (alias q)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			observability.InitLogger("sb-console", logging.ProfileRuntime)
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runConsole(ctx, cfg, cmd.InOrStdin(), cmd.OutOrStdout(), viaBus)
		},
	}
	cmd.Flags().BoolVar(&viaBus, "bus", false, "also publish motion commands on the bus")
	return cmd
}

type opKind int

const (
	opNone opKind = iota
	opDrive
	opStop
	opPing
	opConnect
	opStatus
	opQuit
)

type operatorCmd struct {
	kind       opKind
	headingRad float64
	throttle   float32
	address    string
	port       int
}

// parseCommand reads one console line. Blank lines parse to opNone.
func parseCommand(line string) (operatorCmd, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return operatorCmd{kind: opNone}, nil
	}
	switch strings.ToLower(fields[0]) {
	case "d", "drive":
		if len(fields) != 3 {
			return operatorCmd{}, fmt.Errorf("usage: drive <heading_deg> <throttle>")
		}
		deg, err := strconv.ParseFloat(fields[1], 64)
		if err != nil {
			return operatorCmd{}, fmt.Errorf("parse heading: %w", err)
		}
		throttle, err := strconv.ParseFloat(fields[2], 32)
		if err != nil {
			return operatorCmd{}, fmt.Errorf("parse throttle: %w", err)
		}
		if throttle < -1 || throttle > 1 {
			return operatorCmd{}, fmt.Errorf("throttle out of range [-1,1]: %v", throttle)
		}
		return operatorCmd{kind: opDrive, headingRad: deg * math.Pi / 180, throttle: float32(throttle)}, nil
	case "s", "stop":
		return operatorCmd{kind: opStop}, nil
	case "p", "ping":
		return operatorCmd{kind: opPing}, nil
	case "connect":
		c := operatorCmd{kind: opConnect}
		if len(fields) > 1 {
			c.address = fields[1]
		}
		if len(fields) > 2 {
			port, err := strconv.Atoi(fields[2])
			if err != nil {
				return operatorCmd{}, fmt.Errorf("parse port: %w", err)
			}
			c.port = port
		}
		return c, nil
	case "status":
		return operatorCmd{kind: opStatus}, nil
	case "q", "quit", "exit":
		return operatorCmd{kind: opQuit}, nil
	default:
		return operatorCmd{}, fmt.Errorf("unknown command %q", fields[0])
	}
}

type operator struct {
	cfg    config.Config
	bridge *netcon.Bridge
	robot  *console.Robot
	out    io.Writer
	log    logging.Sink
}

func runConsole(ctx context.Context, cfg config.Config, in io.Reader, out io.Writer, viaBus bool) error {
	sink := logging.Global()
	op := &operator{
		cfg:    cfg,
		bridge: netcon.New(netcon.Config{DialTimeout: cfg.Console.DialTimeout}, sink),
		out:    out,
		log:    sink,
	}
	defer op.bridge.Close()
	op.bridge.Connect(cfg.Robot.Address, cfg.Robot.Port)

	if viaBus {
		op.robot = console.NewRobot(console.Options{
			Proxy:        bus.NewProxy(bus.ExecSpawner{}, bus.Config{JoinTimeout: cfg.Bus.JoinTimeout}, sink),
			Log:          sink,
			DriveSubject: cfg.Bus.DriveSubject,
		})
		if err := op.robot.Connect(ctx, cfg.BusHost(), cfg.Bus.Port); err != nil {
			return err
		}
		defer op.robot.Close()
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	tick := time.NewTicker(cfg.Console.TickRate)
	defer tick.Stop()
	ping := time.NewTicker(cfg.Console.PingInterval)
	defer ping.Stop()

	wasUp := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			op.bridge.Tick()
			if op.robot != nil {
				op.robot.CheckUp()
			}
			if up := op.bridge.Up(); up != wasUp {
				wasUp = up
				fmt.Fprintf(out, "link up=%v\n", up)
			}
		case <-ping.C:
			if op.bridge.Up() {
				op.bridge.Ping()
			}
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			c, err := parseCommand(line)
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
				continue
			}
			if c.kind == opQuit {
				return nil
			}
			op.apply(c)
		}
	}
}

func (o *operator) apply(c operatorCmd) {
	switch c.kind {
	case opDrive:
		o.bridge.Drive(c.headingRad, c.throttle)
		if o.robot != nil {
			if err := o.robot.Drive().Cmd(c.headingRad, c.throttle); err != nil {
				o.log.Errorf("sb.console bus drive err=%v", err)
			}
		}
	case opStop:
		o.bridge.Stop()
		if o.robot != nil {
			if err := o.robot.Drive().Stop(); err != nil {
				o.log.Errorf("sb.console bus stop err=%v", err)
			}
		}
	case opPing:
		if !o.bridge.Ping() {
			fmt.Fprintln(o.out, "link down, ping not sent")
		}
	case opConnect:
		addr, port := c.address, c.port
		if addr == "" {
			addr = o.cfg.Robot.Address
		}
		if port == 0 {
			port = o.cfg.Robot.Port
		}
		o.bridge.Connect(addr, port)
	case opStatus:
		busUp := false
		if o.robot != nil {
			busUp = o.robot.Up()
		}
		fmt.Fprintf(o.out, "link up=%v bus up=%v tasks=%d\n", o.bridge.Up(), busUp, o.bridge.Live())
	}
}
