package main

import (
	"fmt"

	"github.com/appnet-org/fleetnet/internal/config"
	"github.com/appnet-org/fleetnet/pkg/packet"
	"github.com/spf13/cobra"
)

const fleetnodeVersion = "0.1.0"

func newVersionCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the fleetnode build and protocol versions",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.cfgFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "fleetnode version %s\n", fleetnodeVersion)
			fmt.Fprintf(cmd.OutOrStdout(), "protocol version %d, header %d bytes\n", cfg.Version, packet.HeaderSize)
			return nil
		},
	}
}
