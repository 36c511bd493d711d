package buffer

import (
	"github.com/pkg/errors"
)

// PolicyKind is the name of cache replacement policy
type PolicyKind string

const (
	// PolicyARC is adaptive replacement cache
	PolicyARC PolicyKind = "arc"
	// PolicyDeferredLRU is LRU with deferred batch write of evicted dirty pages
	PolicyDeferredLRU PolicyKind = "deferred_lru"
)

const (
	// DefaultMaxPages is the default capacity. 8MB with default page size
	DefaultMaxPages = 1024
	// DefaultParkedPages is the default bound of parked dirty pages
	DefaultParkedPages = 1500
)

// ErrInvalidConfig is returned when buffer pool config is invalid
var ErrInvalidConfig = errors.New("invalid buffer pool config")

// Config is the configuration of buffer pool
type Config struct {
	// Policy is cache replacement policy. PolicyARC is used when empty
	Policy PolicyKind `yaml:"policy"`
	// MaxPages is the number of pages kept in memory
	MaxPages int `yaml:"max_pages"`
	// ParkedPages is the bound of evicted dirty pages waiting for write. deferred LRU only.
	// DefaultParkedPages is used when zero
	ParkedPages int `yaml:"parked_pages"`
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Policy:      PolicyARC,
		MaxPages:    DefaultMaxPages,
		ParkedPages: DefaultParkedPages,
	}
}

// withDefaults fills zero values
func (cfg Config) withDefaults() Config {
	if cfg.Policy == "" {
		cfg.Policy = PolicyARC
	}
	if cfg.ParkedPages == 0 {
		cfg.ParkedPages = DefaultParkedPages
	}
	return cfg
}

// Validate checks the configuration
func (cfg Config) Validate() error {
	cfg = cfg.withDefaults()
	switch cfg.Policy {
	case PolicyARC, PolicyDeferredLRU:
	default:
		return errors.Wrapf(ErrInvalidConfig, "unknown policy %q", cfg.Policy)
	}
	if cfg.MaxPages <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "max pages must be positive: %d", cfg.MaxPages)
	}
	if cfg.ParkedPages < 0 {
		return errors.Wrapf(ErrInvalidConfig, "parked pages must not be negative: %d", cfg.ParkedPages)
	}
	return nil
}
