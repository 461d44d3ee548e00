package main

import (
	"fmt"

	"github.com/appnet-org/fleetnet/internal/config"
	"github.com/appnet-org/fleetnet/pkg/logging"
	"github.com/spf13/cobra"
)

// options are the command line overrides applied on top of the config file.
type options struct {
	cfgFile  string
	port     uint16
	nodeType string
	version  uint16
	peers    []string
	discover bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "fleetnode",
		Short:         "Run a fleet messaging node over UDP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "node config file (YAML)")

	run := &cobra.Command{
		Use:   "run",
		Short: "Join the fleet and exchange heartbeats until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(cmd)
			if err != nil {
				return err
			}
			if err := logging.Init(&cfg.Log); err != nil {
				return fmt.Errorf("failed to initialize logging: %w", err)
			}
			defer logging.Sync()

			return runNode(cmd.Context(), cfg)
		},
	}
	flags := run.Flags()
	flags.Uint16Var(&opts.port, "port", 0, "UDP port to bind")
	flags.StringVar(&opts.nodeType, "type", "", "node type: rover, drone, remote or gs")
	flags.Uint16Var(&opts.version, "version", 0, "protocol version stamped on outgoing frames")
	flags.StringSliceVar(&opts.peers, "connect", nil, "peer host:port to send CONNECT to (repeatable)")
	flags.BoolVar(&opts.discover, "discover", false, "broadcast CONNECT on the node port")

	root.AddCommand(run, newVersionCmd(opts))
	return root
}

// load reads the config file and applies the flags the user set explicitly.
func (o *options) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(o.cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Port = o.port
	}
	if flags.Changed("type") {
		cfg.Type = o.nodeType
	}
	if flags.Changed("version") {
		cfg.Version = o.version
	}
	if flags.Changed("connect") {
		cfg.Peers = append(cfg.Peers, o.peers...)
	}
	if flags.Changed("discover") {
		cfg.Discover = o.discover
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
