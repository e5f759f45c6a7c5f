package main

import (
	"fmt"

	"github.com/happyfox/sissybot/internal/config"
	"github.com/spf13/cobra"
)

func configCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or check sb.toml",
	}

	var output string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a config file with default values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteTemplate(output, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote config template to %s\n", output)
			return nil
		},
	}
	initCmd.Flags().StringVarP(&output, "output", "o", "sb.toml", "output path")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Load the --config file and report errors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.configPath == "" {
				return fmt.Errorf("validate needs --config")
			}
			if _, err := opts.load(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "validated config at %s\n", opts.configPath)
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
