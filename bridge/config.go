package bridge

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config holds bridge startup parameters. It is treated as immutable once
// handed to New; the bridge keeps its own copy.
type Config struct {
	// MaxWorkers is the number of substrate worker processes. Must be > 0.
	MaxWorkers int `toml:"max-workers"`

	// WorkerPath is the executable each worker process runs.
	WorkerPath string `toml:"worker-path"`

	// SharedMemorySize is the default block size for the arena. Must be > 0.
	SharedMemorySize int `toml:"shared-memory-size"`

	// LogLevel is the commonlog verbosity (0 = quiet, higher = chattier).
	LogLevel int `toml:"log-level"`

	// LogFile routes log output to a file; empty means stderr.
	LogFile string `toml:"log-file"`
}

// DefaultConfig returns a Config with workable defaults for everything
// except WorkerPath, which has no sensible default.
func DefaultConfig() Config {
	return Config{
		MaxWorkers:       4,
		SharedMemorySize: 1 << 20,
		LogLevel:         1,
	}
}

// Validate checks the config invariants.
func (c *Config) Validate() error {
	if c.MaxWorkers <= 0 {
		return coded(ResultInvalidArgument, "config: max-workers must be > 0, got %d", c.MaxWorkers)
	}
	if c.SharedMemorySize <= 0 {
		return coded(ResultInvalidArgument, "config: shared-memory-size must be > 0, got %d", c.SharedMemorySize)
	}
	if c.WorkerPath == "" {
		return coded(ResultInvalidArgument, "config: worker-path is required")
	}
	return nil
}

// LoadConfig parses a synapse.toml config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, coded(ResultIOFailed, "cannot read %s: %v", path, err)
	}

	c := DefaultConfig()
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, coded(ResultInvalidArgument, "parse error in %s: %v", path, err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &c, nil
}
