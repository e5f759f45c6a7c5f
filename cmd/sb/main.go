package main

import (
	"fmt"
	"os"

	"github.com/happyfox/sissybot/internal/config"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "sb: %v\n", err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "sb",
		Short: "sissybot teleoperation link",
		Long: `sb drives a sissybot robot.

Run "sb serve" on the robot and "sb console" on the operator machine.
Motion commands travel over the drive link (TCP) and the message bus (NATS).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to sb.toml (defaults apply when empty)")

	root.AddCommand(
		serveCmd(opts),
		consoleCmd(opts),
		busCmd(opts),
		busProxyCmd(),
		configCmd(opts),
	)
	return root
}

// load reads the config file when one is given.
func (o *rootOptions) load() (config.Config, error) {
	if o.configPath == "" {
		return config.Default(), nil
	}
	return config.Load(o.configPath)
}
