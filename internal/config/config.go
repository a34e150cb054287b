// ============================================================================
// tilesplit Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: Load, default and validate the YAML configuration file
//
// Every recognized option is an explicit struct field. Unknown keys are
// rejected at decode time so a typo never silently falls back to a default.
// Validation runs once at startup; any problem is a *Error and aborts the
// run before a single unit is claimed.
//
// ============================================================================

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/tilesplit/pkg/types"
)

const (
	// DefaultFormat is the preset used when neither CLI nor config picks one.
	DefaultFormat = "instagram_square"

	RemainderMerge = "merge"
	RemainderEmit  = "emit"
	RemainderDrop  = "drop"

	AxisAuto = "auto"
)

// Preset is a target tile size.
type Preset struct {
	Width  int `yaml:"width"`
	Height int `yaml:"height"`
}

// Config represents the complete configuration structure.
type Config struct {
	OutputFormats   map[string]Preset `yaml:"output_formats"`
	OverlapPixels   int               `yaml:"overlap_pixels"`
	Quality         int               `yaml:"quality"`
	OutputFormat    string            `yaml:"output_format"`
	WorkerCount     int               `yaml:"worker_count"`
	RetryBudget     int               `yaml:"retry_budget"`
	MinTileHeight   int               `yaml:"min_tile_height"`
	MaxUpscale      float64           `yaml:"max_upscale"`
	RemainderPolicy string            `yaml:"remainder_policy"`
	SplitAxis       string            `yaml:"split_axis"`
	UnitTimeout     time.Duration     `yaml:"unit_timeout"`
	ProgressEvery   int               `yaml:"progress_every"`

	Ledger struct {
		FlushEvery       int           `yaml:"flush_every"`
		FlushInterval    time.Duration `yaml:"flush_interval"`
		SnapshotInterval time.Duration `yaml:"snapshot_interval"`
	} `yaml:"ledger"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// Error is a configuration-time failure. It is always fatal.
type Error struct {
	Path  string
	Field string
	Err   error
}

func (e *Error) Error() string {
	switch {
	case e.Field != "" && e.Path != "":
		return fmt.Sprintf("config %q: %s: %v", e.Path, e.Field, e.Err)
	case e.Field != "":
		return fmt.Sprintf("config: %s: %v", e.Field, e.Err)
	case e.Path != "":
		return fmt.Sprintf("config %q: %v", e.Path, e.Err)
	default:
		return fmt.Sprintf("config: %v", e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// IsConfigError reports whether err is (or wraps) a *Error.
func IsConfigError(err error) bool {
	var e *Error
	return errors.As(err, &e)
}

// Default returns the built-in configuration.
func Default() *Config {
	cfg := &Config{
		OutputFormats: map[string]Preset{
			"instagram_square": {Width: 1080, Height: 1080},
			"instagram_story":  {Width: 1080, Height: 1920},
			"twitter_card":     {Width: 1200, Height: 630},
			"facebook_post":    {Width: 1200, Height: 630},
			"custom":           {Width: 800, Height: 600},
		},
		OverlapPixels:   0,
		Quality:         95,
		OutputFormat:    "JPEG",
		WorkerCount:     4,
		RetryBudget:     2,
		MinTileHeight:   200,
		MaxUpscale:      2.0,
		RemainderPolicy: RemainderMerge,
		SplitAxis:       AxisAuto,
		ProgressEvery:   100,
	}
	cfg.Ledger.FlushEvery = 50
	cfg.Ledger.FlushInterval = 5 * time.Second
	cfg.Ledger.SnapshotInterval = 30 * time.Second
	cfg.Metrics.Port = 9090
	return cfg
}

// Load reads path on top of Default(). A missing file is reported with
// os.ErrNotExist wrapped in *Error so callers can decide to fall back.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Err: err}
	}
	cfg, err := Parse(data)
	if err != nil {
		var ce *Error
		if errors.As(err, &ce) {
			ce.Path = path
			return nil, ce
		}
		return nil, &Error{Path: path, Err: err}
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default() and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	presets := cfg.OutputFormats
	cfg.OutputFormats = nil

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, &Error{Err: fmt.Errorf("failed to parse config YAML: %w", err)}
	}
	if cfg.OutputFormats == nil {
		cfg.OutputFormats = presets
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks every field and returns the first problem as *Error.
func (c *Config) Validate() error {
	if len(c.OutputFormats) == 0 {
		return &Error{Field: "output_formats", Err: errors.New("at least one preset is required")}
	}
	for name, p := range c.OutputFormats {
		if strings.TrimSpace(name) == "" {
			return &Error{Field: "output_formats", Err: errors.New("preset name is empty")}
		}
		if p.Width < 0 || p.Height < 0 || (p.Width == 0) != (p.Height == 0) {
			return &Error{Field: "output_formats." + name, Err: fmt.Errorf("invalid size %dx%d", p.Width, p.Height)}
		}
	}
	if c.OverlapPixels < 0 {
		return &Error{Field: "overlap_pixels", Err: fmt.Errorf("must be >= 0, got %d", c.OverlapPixels)}
	}
	if c.Quality < 1 || c.Quality > 100 {
		return &Error{Field: "quality", Err: fmt.Errorf("must be within 1-100, got %d", c.Quality)}
	}
	if _, err := ParseImageFormat(c.OutputFormat); err != nil {
		return &Error{Field: "output_format", Err: err}
	}
	if c.WorkerCount < 1 {
		return &Error{Field: "worker_count", Err: fmt.Errorf("must be >= 1, got %d", c.WorkerCount)}
	}
	if c.RetryBudget < 0 {
		return &Error{Field: "retry_budget", Err: fmt.Errorf("must be >= 0, got %d", c.RetryBudget)}
	}
	if c.MinTileHeight <= 0 {
		return &Error{Field: "min_tile_height", Err: fmt.Errorf("must be > 0, got %d", c.MinTileHeight)}
	}
	if c.MaxUpscale < 1 {
		return &Error{Field: "max_upscale", Err: fmt.Errorf("must be >= 1, got %g", c.MaxUpscale)}
	}
	switch c.RemainderPolicy {
	case RemainderMerge, RemainderEmit, RemainderDrop:
	default:
		return &Error{Field: "remainder_policy", Err: fmt.Errorf("unknown policy %q", c.RemainderPolicy)}
	}
	switch c.SplitAxis {
	case AxisAuto, string(types.AxisVertical), string(types.AxisHorizontal):
	default:
		return &Error{Field: "split_axis", Err: fmt.Errorf("unknown axis %q", c.SplitAxis)}
	}
	if c.UnitTimeout < 0 {
		return &Error{Field: "unit_timeout", Err: errors.New("must be >= 0")}
	}
	if c.ProgressEvery < 0 {
		return &Error{Field: "progress_every", Err: errors.New("must be >= 0")}
	}
	if c.Ledger.FlushEvery < 1 {
		return &Error{Field: "ledger.flush_every", Err: fmt.Errorf("must be >= 1, got %d", c.Ledger.FlushEvery)}
	}
	if c.Ledger.FlushInterval <= 0 {
		return &Error{Field: "ledger.flush_interval", Err: errors.New("must be > 0")}
	}
	if c.Ledger.SnapshotInterval <= 0 {
		return &Error{Field: "ledger.snapshot_interval", Err: errors.New("must be > 0")}
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return &Error{Field: "metrics.port", Err: fmt.Errorf("invalid port %d", c.Metrics.Port)}
	}
	return nil
}

// Preset looks up a named output format.
func (c *Config) Preset(name string) (Preset, error) {
	p, ok := c.OutputFormats[name]
	if !ok {
		return Preset{}, &Error{Field: "format", Err: fmt.Errorf("unknown preset %q (available: %s)", name, strings.Join(c.PresetNames(), ", "))}
	}
	return p, nil
}

// PresetNames returns the configured preset names in sorted order.
func (c *Config) PresetNames() []string {
	names := make([]string, 0, len(c.OutputFormats))
	for n := range c.OutputFormats {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// EffectiveWorkers clamps WorkerCount to [1, NumCPU].
func (c *Config) EffectiveWorkers() int {
	return ClampWorkers(c.WorkerCount, runtime.NumCPU())
}

// ClampWorkers clamps n to [1, max].
func ClampWorkers(n, max int) int {
	if max < 1 {
		max = 1
	}
	if n < 1 {
		return 1
	}
	if n > max {
		return max
	}
	return n
}

// ResolveAxis maps a split_axis value to a concrete axis. "auto" picks the
// longer side; a square image is split vertically.
func ResolveAxis(splitAxis string, dim types.Dimensions) types.Axis {
	switch splitAxis {
	case string(types.AxisVertical):
		return types.AxisVertical
	case string(types.AxisHorizontal):
		return types.AxisHorizontal
	}
	if dim.Width > dim.Height {
		return types.AxisHorizontal
	}
	return types.AxisVertical
}

// Marshal renders the configuration as YAML (used by `tilesplit init`).
func (c *Config) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseImageFormat maps an output_format value (JPEG, PNG, GIF, TIFF, BMP or
// a file extension) to the codec format.
func ParseImageFormat(s string) (imaging.Format, error) {
	f, err := imaging.FormatFromExtension(strings.TrimSpace(s))
	if err != nil {
		return f, fmt.Errorf("unsupported output format %q", s)
	}
	return f, nil
}

// Extension returns the file extension (with dot) written for format f.
func Extension(f imaging.Format) string {
	switch f {
	case imaging.PNG:
		return ".png"
	case imaging.GIF:
		return ".gif"
	case imaging.TIFF:
		return ".tif"
	case imaging.BMP:
		return ".bmp"
	default:
		return ".jpg"
	}
}
