// Package config loads heapctl settings from a JSON file and ORIZON_HEAP_*
// environment variables.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/orizon-lang/heapcore/internal/errors"
	"github.com/orizon-lang/heapcore/internal/heap"
	"github.com/orizon-lang/heapcore/internal/platform"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "ORIZON_HEAP_"

// Config holds everything needed to build a virtual space, a platform and a
// heap.
type Config struct {
	ReservationSize      uint64 `json:"reservation_size"`
	MinRegionSize        uint64 `json:"min_region_size"`
	PageSize             uint64 `json:"page_size"`
	LargeObjectThreshold uint64 `json:"large_object_threshold"`
	SimulatedPages       bool   `json:"simulated_pages"`
	Randomize            bool   `json:"randomize"`
	Seed                 uint64 `json:"seed"`
	JobTimeSlice         string `json:"job_time_slice"`
	MaxWorkers           int    `json:"max_workers"`
	UnmarkMode           string `json:"unmark_mode"`
	LogLevel             string `json:"log_level"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ReservationSize:      256 << 20,
		MinRegionSize:        64 << 10,
		PageSize:             heap.DefaultPageSize,
		LargeObjectThreshold: heap.DefaultPageSize / 2,
		SimulatedPages:       false,
		Randomize:            false,
		JobTimeSlice:         "2ms",
		MaxWorkers:           0,
		UnmarkMode:           "concurrent",
		LogLevel:             "info",
	}
}

// Load reads path over the defaults. Fields missing from the file keep
// their default values.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path as indented JSON.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from the environment. The variable name is
// EnvPrefix followed by the upper-cased JSON field name, for example
// ORIZON_HEAP_PAGE_SIZE.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if getenv == nil {
		getenv = os.Getenv
	}
	v := reflect.ValueOf(c).Elem()
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		name := strings.Split(t.Field(i).Tag.Get("json"), ",")[0]
		key := EnvPrefix + strings.ToUpper(name)
		raw := getenv(key)
		if raw == "" {
			continue
		}
		f := v.Field(i)
		switch f.Kind() {
		case reflect.String:
			f.SetString(raw)
		case reflect.Bool:
			b, err := strconv.ParseBool(raw)
			if err != nil {
				return errors.ConfigError(key, raw, "not a boolean")
			}
			f.SetBool(b)
		case reflect.Int:
			n, err := strconv.Atoi(raw)
			if err != nil {
				return errors.ConfigError(key, raw, "not an integer")
			}
			f.SetInt(int64(n))
		case reflect.Uint64:
			n, err := parseSize(raw)
			if err != nil {
				return errors.ConfigError(key, raw, err.Error())
			}
			f.SetUint(n)
		}
	}
	return nil
}

// parseSize accepts plain integers and K, M or G suffixes.
func parseSize(s string) (uint64, error) {
	mult := uint64(1)
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1<<10, strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		mult, s = 1<<20, strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		mult, s = 1<<30, strings.TrimSuffix(s, "G")
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("not a size")
	}
	return n * mult, nil
}

func isPowerOfTwo(v uint64) bool { return v != 0 && v&(v-1) == 0 }

// Validate checks field ranges and the relations between sizes.
func (c *Config) Validate() error {
	if !isPowerOfTwo(c.MinRegionSize) {
		return errors.ConfigError("min_region_size", c.MinRegionSize, "must be a power of two")
	}
	if !isPowerOfTwo(c.PageSize) {
		return errors.ConfigError("page_size", c.PageSize, "must be a power of two")
	}
	if c.PageSize%c.MinRegionSize != 0 {
		return errors.ConfigError("page_size", c.PageSize, "must be a multiple of min_region_size")
	}
	if c.ReservationSize == 0 || c.ReservationSize%c.MinRegionSize != 0 {
		return errors.ConfigError("reservation_size", c.ReservationSize, "must be a non-zero multiple of min_region_size")
	}
	if c.ReservationSize < c.PageSize {
		return errors.ConfigError("reservation_size", c.ReservationSize, "smaller than one page")
	}
	if c.LargeObjectThreshold == 0 || c.LargeObjectThreshold > c.PageSize {
		return errors.ConfigError("large_object_threshold", c.LargeObjectThreshold, "must be in (0, page_size]")
	}
	if _, err := c.TimeSlice(); err != nil {
		return errors.ConfigError("job_time_slice", c.JobTimeSlice, err.Error())
	}
	if c.MaxWorkers < 0 {
		return errors.ConfigError("max_workers", c.MaxWorkers, "must not be negative")
	}
	if _, err := c.Unmark(); err != nil {
		return err
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// TimeSlice parses JobTimeSlice.
func (c *Config) TimeSlice() (time.Duration, error) {
	d, err := time.ParseDuration(c.JobTimeSlice)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("must be positive")
	}
	return d, nil
}

// Unmark returns the configured unmark mode.
func (c *Config) Unmark() (heap.UnmarkerConfig, error) {
	switch strings.ToLower(c.UnmarkMode) {
	case "atomic":
		return heap.UnmarkAtomic, nil
	case "concurrent", "":
		return heap.UnmarkConcurrent, nil
	default:
		return 0, errors.ConfigError("unmark_mode", c.UnmarkMode, "must be atomic or concurrent")
	}
}

// Level returns the configured log level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, errors.ConfigError("log_level", c.LogLevel, "must be debug, info, warn or error")
	}
	return level, nil
}

// Heap returns the heap configuration.
func (c *Config) Heap() heap.Config {
	return heap.Config{
		PageSize:             uintptr(c.PageSize),
		LargeObjectThreshold: uintptr(c.LargeObjectThreshold),
	}
}

// Platform returns the platform options. Validate must have succeeded.
func (c *Config) Platform(logger *slog.Logger) platform.Options {
	slice, _ := c.TimeSlice()
	return platform.Options{
		MaxWorkers: c.MaxWorkers,
		TimeSlice:  slice,
		Logger:     logger,
	}
}
