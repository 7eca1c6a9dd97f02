package emitter

import (
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// Config configures an Emitter.
type Config struct {
	// Capacity is passed to the stream factory for every new stream.
	// Default: 10.
	Capacity int

	// DefaultTimeout bounds Once calls that set neither Timeout nor Until.
	// Default: 10s.
	DefaultTimeout time.Duration

	// Logger for emitter events.
	// Default: slog.Default().
	Logger *slog.Logger

	// Clock drives Once timeouts.
	// Default: the wall clock.
	Clock clock.Clock
}

func (c *Config) applyDefaults() {
	if c.Capacity <= 0 {
		c.Capacity = 10
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clock.New()
	}
}
