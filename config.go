package decomp

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/arloliu/decomp/internal/assignment"
	"github.com/arloliu/decomp/internal/keygen"
	"github.com/arloliu/decomp/store"
)

// BoxConfig describes the cubic simulation box spatial keys are computed over.
type BoxConfig struct {
	// Origin is the lower corner of the box.
	Origin [3]float64 `yaml:"origin"`

	// Side is the edge length of the box. Positions outside are clamped to the boundary cells.
	Side float64 `yaml:"side"`
}

// Config is the configuration for the Decomposer.
//
// Every rank must use an identical Config: the tree build and the load balancer
// depend on it and ranks never exchange it.
type Config struct {
	// OverDecomposition is the number of segments per rank before folding.
	// Must be a power of two. Higher values smooth imbalance at the cost of
	// less contiguous domains.
	// Recommended: 1-8.
	OverDecomposition int `yaml:"overDecomposition"`

	// TopNodeAllocFactor sizes the top-level tree: MaxTopNodes = factor * MaxEntities + 1.
	// Grown automatically by TopNodeGrowth when a build runs out of nodes.
	TopNodeAllocFactor float64 `yaml:"topNodeAllocFactor"`

	// TopNodeGrowth multiplies TopNodeAllocFactor after a capacity failure.
	TopNodeGrowth float64 `yaml:"topNodeGrowth"`

	// MaxTopNodeAllocFactor is the growth ceiling; passing it is fatal.
	MaxTopNodeAllocFactor float64 `yaml:"maxTopNodeAllocFactor"`

	// TopNodeFactor is the number of leaves per segment densification aims for.
	TopNodeFactor float64 `yaml:"topNodeFactor"`

	// KeyBits is the number of key bits per dimension, at most 21.
	KeyBits int `yaml:"keyBits"`

	// Box is the region the default Morton keys cover.
	Box BoxConfig `yaml:"box"`

	// Limits are the per-rank store ceilings. The memory bound check uses MaxEntities.
	Limits store.Limits `yaml:"limits"`

	// MemoryBudget is the arena ceiling in bytes for the default allocator.
	MemoryBudget int64 `yaml:"memoryBudget"`

	// ExchangeOverhead is the bookkeeping bytes reserved per peer from the exchange budget.
	ExchangeOverhead int64 `yaml:"exchangeOverhead"`

	// MaxNegotiationRounds bounds export revocation passes per exchange round.
	MaxNegotiationRounds int `yaml:"maxNegotiationRounds"`

	// MaxExchangeRounds bounds exchange rounds per call. 0 means unbounded.
	MaxExchangeRounds int `yaml:"maxExchangeRounds"`

	// Workers is the goroutine count for per-entity loops. 0 means GOMAXPROCS.
	Workers int `yaml:"workers"`

	// VerifyIDs checks global ID uniqueness before every decomposition.
	VerifyIDs bool `yaml:"verifyIds"`
}

// DefaultConfig returns a Config with sensible defaults.
//
// Returns:
//   - Config: Configuration with default values
func DefaultConfig() Config {
	return Config{
		OverDecomposition:     4,
		TopNodeAllocFactor:    0.5,
		TopNodeGrowth:         1.3,
		MaxTopNodeAllocFactor: 1000,
		TopNodeFactor:         20,
		KeyBits:               keygen.MaxBits,
		Box:                   BoxConfig{Side: 1},
		Limits: store.Limits{
			MaxEntities: 1 << 20,
			MaxGas:      1 << 20,
			MaxSinks:    1 << 14,
		},
		MemoryBudget:         256 << 20,
		ExchangeOverhead:     1 << 10,
		MaxNegotiationRounds: 100,
	}
}

// SetDefaults fills in missing configuration values with production defaults.
//
// Parameters:
//   - cfg: Config to apply defaults to (modified in place)
func SetDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.OverDecomposition == 0 {
		cfg.OverDecomposition = defaults.OverDecomposition
	}
	if cfg.TopNodeAllocFactor == 0 {
		cfg.TopNodeAllocFactor = defaults.TopNodeAllocFactor
	}
	if cfg.TopNodeGrowth == 0 {
		cfg.TopNodeGrowth = defaults.TopNodeGrowth
	}
	if cfg.MaxTopNodeAllocFactor == 0 {
		cfg.MaxTopNodeAllocFactor = defaults.MaxTopNodeAllocFactor
	}
	if cfg.TopNodeFactor == 0 {
		cfg.TopNodeFactor = defaults.TopNodeFactor
	}
	if cfg.KeyBits == 0 {
		cfg.KeyBits = defaults.KeyBits
	}
	if cfg.Box.Side == 0 {
		cfg.Box.Side = defaults.Box.Side
	}
	if cfg.Limits.MaxEntities == 0 {
		cfg.Limits.MaxEntities = defaults.Limits.MaxEntities
	}
	if cfg.Limits.MaxGas == 0 {
		cfg.Limits.MaxGas = defaults.Limits.MaxGas
	}
	if cfg.Limits.MaxSinks == 0 {
		cfg.Limits.MaxSinks = defaults.Limits.MaxSinks
	}
	if cfg.MemoryBudget == 0 {
		cfg.MemoryBudget = defaults.MemoryBudget
	}
	if cfg.ExchangeOverhead == 0 {
		cfg.ExchangeOverhead = defaults.ExchangeOverhead
	}
	if cfg.MaxNegotiationRounds == 0 {
		cfg.MaxNegotiationRounds = defaults.MaxNegotiationRounds
	}
	// Note: MaxExchangeRounds and Workers of 0 are valid, so we don't apply defaults
}

// Validate checks configuration constraints and returns error for invalid values.
//
// Hard Validation Rules:
//   - OverDecomposition is a power of two (folding halves the bucket count)
//   - TopNodeAllocFactor > 0, TopNodeGrowth > 1, MaxTopNodeAllocFactor >= TopNodeAllocFactor
//   - TopNodeFactor >= 1
//   - 1 <= KeyBits <= 21
//   - Box.Side > 0
//   - All Limits > 0
//   - MemoryBudget > 0, ExchangeOverhead >= 0
//   - MaxNegotiationRounds > 0, MaxExchangeRounds >= 0, Workers >= 0
//
// Returns:
//   - error: Validation error wrapping ErrInvalidConfig, nil if valid
func (cfg *Config) Validate() error {
	if !assignment.IsPowerOfTwo(cfg.OverDecomposition) {
		return fmt.Errorf("%w: OverDecomposition (%d) must be a power of two", ErrInvalidConfig, cfg.OverDecomposition)
	}
	if cfg.TopNodeAllocFactor <= 0 {
		return fmt.Errorf("%w: TopNodeAllocFactor must be > 0, got %v", ErrInvalidConfig, cfg.TopNodeAllocFactor)
	}
	if cfg.TopNodeGrowth <= 1 {
		return fmt.Errorf("%w: TopNodeGrowth must be > 1, got %v", ErrInvalidConfig, cfg.TopNodeGrowth)
	}
	if cfg.MaxTopNodeAllocFactor < cfg.TopNodeAllocFactor {
		return fmt.Errorf("%w: MaxTopNodeAllocFactor (%v) must be >= TopNodeAllocFactor (%v)",
			ErrInvalidConfig, cfg.MaxTopNodeAllocFactor, cfg.TopNodeAllocFactor)
	}
	if cfg.TopNodeFactor < 1 {
		return fmt.Errorf("%w: TopNodeFactor must be >= 1, got %v", ErrInvalidConfig, cfg.TopNodeFactor)
	}
	if cfg.KeyBits < 1 || cfg.KeyBits > keygen.MaxBits {
		return fmt.Errorf("%w: KeyBits (%d) must be in [1,%d]", ErrInvalidConfig, cfg.KeyBits, keygen.MaxBits)
	}
	if cfg.Box.Side <= 0 {
		return fmt.Errorf("%w: Box.Side must be > 0, got %v", ErrInvalidConfig, cfg.Box.Side)
	}
	if cfg.Limits.MaxEntities <= 0 || cfg.Limits.MaxGas <= 0 || cfg.Limits.MaxSinks <= 0 {
		return fmt.Errorf("%w: Limits must be > 0, got %+v", ErrInvalidConfig, cfg.Limits)
	}
	if cfg.MemoryBudget <= 0 {
		return fmt.Errorf("%w: MemoryBudget must be > 0, got %d", ErrInvalidConfig, cfg.MemoryBudget)
	}
	if cfg.ExchangeOverhead < 0 {
		return fmt.Errorf("%w: ExchangeOverhead must be >= 0, got %d", ErrInvalidConfig, cfg.ExchangeOverhead)
	}
	if cfg.MaxNegotiationRounds <= 0 {
		return fmt.Errorf("%w: MaxNegotiationRounds must be > 0, got %d", ErrInvalidConfig, cfg.MaxNegotiationRounds)
	}
	if cfg.MaxExchangeRounds < 0 || cfg.Workers < 0 {
		return fmt.Errorf("%w: MaxExchangeRounds and Workers must be >= 0", ErrInvalidConfig)
	}

	return nil
}

// ValidateWithWarnings logs warnings for legal but non-recommended values.
//
// This is called after Validate() in New() to provide operator guidance.
//
// Parameters:
//   - logger: Logger instance for warning output
func (cfg *Config) ValidateWithWarnings(logger Logger) {
	if cfg.OverDecomposition > 16 {
		logger.Warn(
			"OverDecomposition is above recommended maximum",
			"overDecomposition", cfg.OverDecomposition,
			"recommended", "1-8",
		)
	}
	if cfg.TopNodeFactor < 4 {
		logger.Warn(
			"TopNodeFactor is low, segments may be too coarse to balance",
			"topNodeFactor", cfg.TopNodeFactor,
			"recommended", ">= 10",
		)
	}
	if cfg.MemoryBudget < 1<<20 {
		logger.Warn(
			"MemoryBudget leaves little room for exchange buffers",
			"memoryBudget", cfg.MemoryBudget,
		)
	}
}

// TestConfig returns a small configuration for tests.
//
// The key space has 2 bits per dimension (64 cells) and the stores hold a few
// hundred entities, so builds and exchanges finish in milliseconds.
//
// Returns:
//   - Config: Configuration suitable for tests
//
// Example:
//
//	cfg := decomp.TestConfig()
//	d, err := decomp.New(&cfg, comm, st)
func TestConfig() Config {
	return Config{
		OverDecomposition:     1,
		TopNodeAllocFactor:    2,
		TopNodeGrowth:         1.3,
		MaxTopNodeAllocFactor: 1000,
		TopNodeFactor:         8,
		KeyBits:               2,
		Box:                   BoxConfig{Side: 1},
		Limits: store.Limits{
			MaxEntities: 256,
			MaxGas:      256,
			MaxSinks:    64,
		},
		MemoryBudget:         1 << 20,
		ExchangeOverhead:     64,
		MaxNegotiationRounds: 100,
		Workers:              2,
	}
}

// ParseConfig decodes a YAML document, applies defaults and validates the result.
//
// Returns:
//   - Config: Parsed configuration
//   - error: Decoding or validation error
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	SetDefaults(&cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadConfig reads and parses a YAML configuration file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	return ParseConfig(data)
}
