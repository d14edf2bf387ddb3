package flasher

import (
	"github.com/sirupsen/logrus"
)

// DefaultRetries is the number of timeouts a plan may recover from.
const DefaultRetries = 10

// Config holds the engine configuration.
type Config struct {
	// Retries is the global budget shared by all retryable steps
	Retries int

	// ProgressCallback receives step completions and terminal states (optional)
	ProgressCallback ProgressCallback

	// Logger receives per-step debug output
	Logger logrus.FieldLogger
}

func defaultConfig() Config {
	return Config{
		Retries: DefaultRetries,
		Logger:  logrus.StandardLogger(),
	}
}

// Option is a functional option for configuring the Engine.
type Option func(*Config)

// WithRetries sets the global retry budget.
func WithRetries(retries int) Option {
	return func(c *Config) {
		if retries >= 0 {
			c.Retries = retries
		}
	}
}

// WithProgressCallback sets a callback function to track progress.
func WithProgressCallback(callback ProgressCallback) Option {
	return func(c *Config) {
		c.ProgressCallback = callback
	}
}

// WithLogger sets the logger used by the engine.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(c *Config) {
		if logger != nil {
			c.Logger = logger
		}
	}
}
