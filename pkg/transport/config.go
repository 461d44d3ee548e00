package transport

import (
	"fmt"
	"time"
)

// VersionPolicy decides what happens to frames whose protocol_version differs
// from the engine's configured version.
type VersionPolicy string

const (
	VersionIgnore VersionPolicy = "ignore"
	VersionLog    VersionPolicy = "log"
	VersionReject VersionPolicy = "reject"
)

const (
	// DefaultFragSize keeps a full frame comfortably under a 1500 byte MTU.
	DefaultFragSize = 1024

	DefaultFragStaleTimeout = time.Second

	// MaxDatagramSize is the largest UDP payload a socket can deliver.
	MaxDatagramSize = 65535

	// MaxFragments is the number of distinct frag_index values.
	MaxFragments = 256
)

// Config holds the integrator-defined constants of a transport. FragSize and
// FragStaleTimeout must be compatible between communicating nodes.
type Config struct {
	// FragSize is the maximum payload carried by a single frame.
	FragSize int
	// FragStaleTimeout is how long an incomplete fragment group survives
	// without receiving a new fragment.
	FragStaleTimeout time.Duration
	// ReadBufferSize bounds the size of a received datagram.
	ReadBufferSize int
	// AutoAck replies ACK to every CONNECT received.
	AutoAck bool
	// VersionPolicy applies to frames carrying a foreign protocol_version.
	VersionPolicy VersionPolicy
	// RequirePublisher drops PUSH payloads from peers not in the publisher set.
	RequirePublisher bool
	// Clock is the time source used for fragment staleness.
	Clock func() time.Time
}

// DefaultConfig returns the default transport configuration.
func DefaultConfig() Config {
	return Config{
		FragSize:         DefaultFragSize,
		FragStaleTimeout: DefaultFragStaleTimeout,
		ReadBufferSize:   MaxDatagramSize,
		VersionPolicy:    VersionIgnore,
		Clock:            time.Now,
	}
}

// Validate checks the configuration and fills zero values with defaults.
func (c *Config) Validate() error {
	def := DefaultConfig()
	if c.FragSize == 0 {
		c.FragSize = def.FragSize
	}
	if c.FragStaleTimeout == 0 {
		c.FragStaleTimeout = def.FragStaleTimeout
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.VersionPolicy == "" {
		c.VersionPolicy = def.VersionPolicy
	}
	if c.Clock == nil {
		c.Clock = def.Clock
	}

	if c.FragSize < 1 || c.FragSize > 0xFFFF {
		return fmt.Errorf("frag size %d out of range [1, 65535]", c.FragSize)
	}
	if c.FragStaleTimeout < 0 {
		return fmt.Errorf("negative fragment stale timeout %s", c.FragStaleTimeout)
	}
	if c.ReadBufferSize < c.FragSize+headerSize {
		return fmt.Errorf("read buffer size %d cannot hold a %d byte fragment", c.ReadBufferSize, c.FragSize)
	}
	switch c.VersionPolicy {
	case VersionIgnore, VersionLog, VersionReject:
	default:
		return fmt.Errorf("unknown version policy %q", c.VersionPolicy)
	}
	return nil
}
