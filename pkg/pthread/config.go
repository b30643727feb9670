package pthread

import (
	"fmt"

	"github.com/fluxorio/pthreads/pkg/config"
)

// StrictMode is the policy applied when a thread is requested and the idle
// pool is empty.
type StrictMode string

const (
	// StrictOff grows the pool on demand.
	StrictOff StrictMode = "off"
	// StrictWarn logs that the pool is exhausted, then grows it.
	StrictWarn StrictMode = "warn"
	// StrictFail refuses the spawn with EAGAIN.
	StrictFail StrictMode = "fail"
)

// MaxPoolSize bounds PoolSize.
const MaxPoolSize = 4096

// Config is the process-wide pool configuration.
type Config struct {
	// PoolSize is the number of units created at start; 0 creates units
	// only on demand.
	PoolSize int `yaml:"pool_size" json:"pool_size" toml:"pool_size"`

	Strict StrictMode `yaml:"strict" json:"strict" toml:"strict"`

	// Debug logs every protocol message.
	Debug bool `yaml:"debug" json:"debug" toml:"debug"`
}

// DefaultConfig returns a lazily grown pool with no strict cap.
func DefaultConfig() Config {
	return Config{Strict: StrictOff}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Strict == "" {
		c.Strict = StrictOff
	}
	err := config.Validate(c,
		config.RangeValidator("PoolSize", 0, MaxPoolSize),
		config.OneOfValidator("Strict", StrictOff, StrictWarn, StrictFail),
	)
	if err != nil {
		return fmt.Errorf("pthread config: %w", err)
	}
	return nil
}
