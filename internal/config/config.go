// Package config loads the fleetnode configuration file.
package config

import (
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"time"

	"github.com/appnet-org/fleetnet/pkg/logging"
	"github.com/appnet-org/fleetnet/pkg/packet"
	"github.com/appnet-org/fleetnet/pkg/transport"
	"gopkg.in/yaml.v3"
)

// Config describes one fleet node.
type Config struct {
	Port     uint16   `yaml:"port"`
	Type     string   `yaml:"type"`
	Version  uint16   `yaml:"version"`
	Peers    []string `yaml:"peers"`
	Discover bool     `yaml:"discover"`

	PollInterval      time.Duration `yaml:"poll_interval"`
	FlushInterval     time.Duration `yaml:"flush_interval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	Transport TransportConfig `yaml:"transport"`
	Log       logging.Config  `yaml:"log"`
}

// TransportConfig mirrors the tunable fields of transport.Config.
type TransportConfig struct {
	FragSize         int           `yaml:"frag_size"`
	FragStaleTimeout time.Duration `yaml:"frag_stale_timeout"`
	ReadBufferSize   int           `yaml:"read_buffer_size"`
	AutoAck          bool          `yaml:"auto_ack"`
	VersionPolicy    string        `yaml:"version_policy"`
	RequirePublisher bool          `yaml:"require_publisher"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Port:              9000,
		Type:              "rover",
		Version:           1,
		PollInterval:      10 * time.Millisecond,
		FlushInterval:     50 * time.Millisecond,
		HeartbeatInterval: time.Second,
		Transport: TransportConfig{
			FragSize:         transport.DefaultFragSize,
			FragStaleTimeout: transport.DefaultFragStaleTimeout,
			ReadBufferSize:   transport.MaxDatagramSize,
			AutoAck:          true,
			VersionPolicy:    string(transport.VersionIgnore),
		},
		Log: logging.Config{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads the YAML file at path over the defaults and applies environment
// overrides. An empty path or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}
	if port := os.Getenv("FLEETNODE_PORT"); port != "" {
		p, err := strconv.ParseUint(port, 10, 16)
		if err != nil {
			return fmt.Errorf("FLEETNODE_PORT: %w", err)
		}
		c.Port = uint16(p)
	}
	return nil
}

// Validate checks the node parameters and the transport settings.
func (c *Config) Validate() error {
	if _, err := c.NodeType(); err != nil {
		return err
	}
	if _, err := c.PeerAddrs(); err != nil {
		return err
	}
	if c.PollInterval <= 0 || c.FlushInterval <= 0 || c.HeartbeatInterval <= 0 {
		return fmt.Errorf("poll, flush and heartbeat intervals must be positive")
	}
	tc := c.TransportConfig()
	return tc.Validate()
}

// NodeType returns the parsed node type.
func (c *Config) NodeType() (packet.NodeType, error) {
	return packet.ParseNodeType(c.Type)
}

// PeerAddrs parses the configured peers. IPv4-mapped IPv6 addresses are
// unmapped; other IPv6 addresses are rejected.
func (c *Config) PeerAddrs() ([]netip.AddrPort, error) {
	addrs := make([]netip.AddrPort, 0, len(c.Peers))
	for _, p := range c.Peers {
		addr, err := netip.ParseAddrPort(p)
		if err != nil {
			return nil, fmt.Errorf("peer %q: %w", p, err)
		}
		// Nodes bind udp4 sockets.
		addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
		if !addr.Addr().Is4() || addr.Port() == 0 {
			return nil, fmt.Errorf("peer %q: not an IPv4 host:port", p)
		}
		addrs = append(addrs, addr)
	}
	return addrs, nil
}

// TransportConfig builds the engine configuration.
func (c *Config) TransportConfig() transport.Config {
	cfg := transport.DefaultConfig()
	cfg.FragSize = c.Transport.FragSize
	cfg.FragStaleTimeout = c.Transport.FragStaleTimeout
	cfg.ReadBufferSize = c.Transport.ReadBufferSize
	cfg.AutoAck = c.Transport.AutoAck
	cfg.VersionPolicy = transport.VersionPolicy(c.Transport.VersionPolicy)
	cfg.RequirePublisher = c.Transport.RequirePublisher
	return cfg
}
