// Package rcconfig is the typed, validated configuration layer (spec §6.3).
// It is deliberately small: configure() takes one JSON document, validates
// it once, and freezes it. There is no layering, no env-var overlay, no
// hot-reload — the spec gives configuration exactly that shape, so this
// package wraps nothing more than encoding/json.
package rcconfig

import (
	"encoding/json"
	"fmt"
)

// MapImpl selects the Pattern Cache's backing-store implementation (§4.1).
type MapImpl string

const (
	MapImplRWLock     MapImpl = "rwlock"
	MapImplConcurrent MapImpl = "concurrent"
)

// PatternCache holds the pattern_cache.* knobs.
type PatternCache struct {
	Capacity           int     `json:"capacity"`
	IdleTimeoutSeconds int     `json:"idle_timeout_seconds"`
	ProtectionSeconds  int     `json:"protection_seconds"`
	LRUSampleSize      int     `json:"lru_sample_size"`
	MapImpl            MapImpl `json:"map_impl"`
}

// ResultCache holds the result_cache.* knobs.
type ResultCache struct {
	Capacity           int `json:"capacity"`
	IdleTimeoutSeconds int `json:"idle_timeout_seconds"`
}

// DeferredCache holds the deferred_cache.* knobs.
type DeferredCache struct {
	SweepIntervalSeconds int `json:"sweep_interval_seconds"`
}

// Eviction holds the eviction.* knobs.
type Eviction struct {
	TickIntervalMillis int `json:"tick_interval_millis"`
}

// Limits holds the limits.* knobs.
type Limits struct {
	MaxPatternLength int `json:"max_pattern_length"`
	MaxInputLength   int `json:"max_input_length"`
}

// Config is the frozen, validated configuration for one core instance.
type Config struct {
	PatternCache  PatternCache  `json:"pattern_cache"`
	ResultCache   ResultCache   `json:"result_cache"`
	DeferredCache DeferredCache `json:"deferred_cache"`
	Eviction      Eviction      `json:"eviction"`
	Limits        Limits        `json:"limits"`
}

// safetyCeilingMaxInputLength is the one hard-coded exception to
// "all knobs configurable" that §6.3 calls out explicitly.
const safetyCeilingMaxInputLength = 1 << 30 // 1 GiB

// Default returns the configuration defaults listed in spec §6.3.
func Default() Config {
	return Config{
		PatternCache: PatternCache{
			Capacity:           50000,
			IdleTimeoutSeconds: 300,
			ProtectionSeconds:  1,
			LRUSampleSize:      500,
			MapImpl:            MapImplRWLock,
		},
		ResultCache: ResultCache{
			Capacity:           0,
			IdleTimeoutSeconds: 60,
		},
		DeferredCache: DeferredCache{
			SweepIntervalSeconds: 5,
		},
		Eviction: Eviction{
			TickIntervalMillis: 100,
		},
		Limits: Limits{
			MaxPatternLength: 65536,
			MaxInputLength:   16777216,
		},
	}
}

// Parse decodes and validates a ConfigJSON document. The document is
// decoded over Default(), so any field it omits keeps its default value;
// an empty document returns the defaults unvalidated.
func Parse(raw []byte) (Config, error) {
	cfg := Default()
	if len(raw) == 0 {
		return cfg, nil
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: invalid json: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate enforces the invariants configure() must reject synchronously
// (§7, CONFIG_REJECTED) plus the one safety ceiling the spec permits.
func (c *Config) Validate() error {
	if c.PatternCache.Capacity < 0 {
		return fmt.Errorf("config: pattern_cache.capacity must be >= 0")
	}
	if c.PatternCache.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("config: pattern_cache.idle_timeout_seconds must be >= 0")
	}
	if c.PatternCache.ProtectionSeconds < 0 {
		return fmt.Errorf("config: pattern_cache.protection_seconds must be >= 0")
	}
	if c.PatternCache.LRUSampleSize < 0 {
		return fmt.Errorf("config: pattern_cache.lru_sample_size must be >= 0")
	}
	switch c.PatternCache.MapImpl {
	case MapImplRWLock, MapImplConcurrent, "":
	default:
		return fmt.Errorf("config: pattern_cache.map_impl must be %q or %q", MapImplRWLock, MapImplConcurrent)
	}
	if c.PatternCache.MapImpl == "" {
		c.PatternCache.MapImpl = MapImplRWLock
	}
	if c.ResultCache.Capacity < 0 {
		return fmt.Errorf("config: result_cache.capacity must be >= 0")
	}
	if c.ResultCache.IdleTimeoutSeconds < 0 {
		return fmt.Errorf("config: result_cache.idle_timeout_seconds must be >= 0")
	}
	if c.DeferredCache.SweepIntervalSeconds <= 0 {
		return fmt.Errorf("config: deferred_cache.sweep_interval_seconds must be > 0")
	}
	if c.Eviction.TickIntervalMillis <= 0 {
		return fmt.Errorf("config: eviction.tick_interval_millis must be > 0")
	}
	if c.Limits.MaxPatternLength <= 0 {
		return fmt.Errorf("config: limits.max_pattern_length must be > 0")
	}
	if c.Limits.MaxInputLength <= 0 {
		return fmt.Errorf("config: limits.max_input_length must be > 0")
	}
	if c.Limits.MaxInputLength > safetyCeilingMaxInputLength {
		return fmt.Errorf("config: limits.max_input_length exceeds safety ceiling of %d bytes", safetyCeilingMaxInputLength)
	}
	return nil
}
