// Package config loads the simulator's boot parameters from a YAML file.
// Sizes are human-readable strings ("32KiB", "4MB") parsed with
// go-bytesize.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/inhies/go-bytesize"
	"gopkg.in/yaml.v2"
)

// Config is the boot configuration.
type Config struct {
	// Cores is the number of virtual cores.
	Cores int `yaml:"cores"`
	// TimeSlice is the scheduling quantum in timer ticks.
	TimeSlice int64 `yaml:"time_slice"`
	// RTBands is the number of fixed-priority bands.
	RTBands int `yaml:"rt_bands"`
	// StackSize is the per-thread kernel stack size ("32KiB").
	StackSize string `yaml:"stack_size"`
	// HeapSize is the general-allocator budget ("4MiB").
	HeapSize string `yaml:"heap_size"`
	// MaxThreads bounds the stack arena, and with it the thread count.
	MaxThreads int `yaml:"max_threads"`
	// Tick is the timer-interrupt period ("1ms").
	Tick string `yaml:"tick"`
	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Cores:      2,
		TimeSlice:  4,
		RTBands:    100,
		StackSize:  "32KiB",
		HeapSize:   "4MiB",
		MaxThreads: 64,
		Tick:       "1ms",
		LogLevel:   "info",
	}
}

// Load reads a YAML file over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks ranges and parses the derived fields once.
func (c Config) Validate() error {
	if c.Cores <= 0 {
		return fmt.Errorf("config: cores must be positive, got %d", c.Cores)
	}
	if c.TimeSlice <= 0 {
		return fmt.Errorf("config: time_slice must be positive, got %d", c.TimeSlice)
	}
	if c.RTBands <= 0 {
		return fmt.Errorf("config: rt_bands must be positive, got %d", c.RTBands)
	}
	if c.MaxThreads <= 0 {
		return fmt.Errorf("config: max_threads must be positive, got %d", c.MaxThreads)
	}
	if _, err := c.StackBytes(); err != nil {
		return err
	}
	if _, err := c.HeapBytes(); err != nil {
		return err
	}
	if _, err := c.TickPeriod(); err != nil {
		return err
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}

// StackBytes returns the parsed per-thread stack size.
func (c Config) StackBytes() (int, error) {
	b, err := bytesize.Parse(c.StackSize)
	if err != nil {
		return 0, fmt.Errorf("config: stack_size %q: %w", c.StackSize, err)
	}
	if b == 0 {
		return 0, fmt.Errorf("config: stack_size must be positive")
	}
	return int(b), nil
}

// HeapBytes returns the parsed allocator budget.
func (c Config) HeapBytes() (int, error) {
	b, err := bytesize.Parse(c.HeapSize)
	if err != nil {
		return 0, fmt.Errorf("config: heap_size %q: %w", c.HeapSize, err)
	}
	if b == 0 {
		return 0, fmt.Errorf("config: heap_size must be positive")
	}
	return int(b), nil
}

// TickPeriod returns the parsed timer period.
func (c Config) TickPeriod() (time.Duration, error) {
	d, err := time.ParseDuration(c.Tick)
	if err != nil {
		return 0, fmt.Errorf("config: tick %q: %w", c.Tick, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("config: tick must be positive")
	}
	return d, nil
}
