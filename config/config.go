// Package config collects the runtime knobs from spec.md §6 behind the
// functional-options idiom segmentmanager.DiskSegmentManagerOption uses
// (segmentmanager/disk.go): a Config struct with sane defaults, and a set
// of With... options layered on top at construction time.
package config

import (
	"errors"
	"time"

	"github.com/kepler-ts/tscore/logging"
)

// Durability controls how aggressively BlockStore flushes MetaVolume
// after an append (spec.md §6).
type Durability int

const (
	// MaxSafety flushes MetaVolume after every block append.
	MaxSafety Durability = iota
	// Balanced flushes MetaVolume every BalancedBatchSize appends.
	Balanced
	// MaxThroughput only flushes MetaVolume on an explicit Flush call.
	MaxThroughput
)

// BalancedBatchSize is the number of appends between MetaVolume flushes
// under Balanced durability (spec.md §6: "batches of 4096 blocks").
const BalancedBatchSize = 4096

// ErrInvalidConfig is returned by Validate when a value falls outside
// spec.md §6's bounds.
var ErrInvalidConfig = errors.New("config: invalid value")

// defaultWindow and defaultCheckpointSize mirror spec.md §6's stated
// defaults.
const (
	defaultWindow         = 10 * time.Second
	defaultCheckpointSize = 1024
	minWindow             = time.Millisecond
)

// Config holds every core knob spec.md §6 enumerates. Construct with New
// and a list of Option values; zero Config is not valid on its own.
type Config struct {
	WindowSize     time.Duration
	CheckpointSize int
	VolumeCapacity uint32
	Volumes        []string
	Durability     Durability
	Logger         logging.Logger
}

// Option mutates a Config during construction, following
// segmentmanager.DiskSegmentManagerOption.
type Option func(*Config)

// WithWindow sets window_size; must be ≥ 1ms (spec.md §6).
func WithWindow(d time.Duration) Option {
	return func(c *Config) { c.WindowSize = d }
}

// WithCheckpointSize sets the number of samples per freeze.
func WithCheckpointSize(n int) Option {
	return func(c *Config) { c.CheckpointSize = n }
}

// WithVolumeCapacity sets the number of 4096-byte blocks per volume.
func WithVolumeCapacity(n uint32) Option {
	return func(c *Config) { c.VolumeCapacity = n }
}

// WithVolumes sets the volume file paths; spec.md §6 requires at least one.
func WithVolumes(paths ...string) Option {
	return func(c *Config) { c.Volumes = paths }
}

// WithDurability sets the MetaVolume flush policy.
func WithDurability(d Durability) Option {
	return func(c *Config) { c.Durability = d }
}

// WithLogger injects a Logger; defaults to logging.Stderr() when omitted.
func WithLogger(l logging.Logger) Option {
	return func(c *Config) { c.Logger = l }
}

// New builds a Config from defaults plus the given options, then
// validates it.
func New(opts ...Option) (Config, error) {
	c := Config{
		WindowSize:     defaultWindow,
		CheckpointSize: defaultCheckpointSize,
		VolumeCapacity: 0,
		Durability:     MaxSafety,
		Logger:         logging.Stderr(),
	}
	for _, opt := range opts {
		opt(&c)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the bounds spec.md §6 states explicitly.
func (c Config) Validate() error {
	if c.WindowSize < minWindow {
		return ErrInvalidConfig
	}
	if c.CheckpointSize <= 0 {
		return ErrInvalidConfig
	}
	if c.VolumeCapacity == 0 {
		return ErrInvalidConfig
	}
	if len(c.Volumes) == 0 {
		return ErrInvalidConfig
	}
	return nil
}
