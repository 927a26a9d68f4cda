// Package config loads the host configuration from TOML or YAML.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"motionctl/protocol"
)

// Axis defaults
const (
	DefaultSpeed       = 1000
	DefaultHomeSpeed   = 1000
	DefaultJogStepSize = 20
	DefaultMinDelay    = 500
	DefaultMaxDelay    = 5000
)

// Config is the complete host configuration
type Config struct {
	Device       string
	Baud         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	StaleAfter   time.Duration
	AutoRefresh  bool
	QueueSize    int
	Reconnect    Reconnect
	Debug        bool
	Axes         []Axis
}

// Reconnect shapes the reconnect policy
type Reconnect struct {
	Enabled      bool
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       bool
}

// Axis configures one stepper. Optional pins are nil when not wired.
type Axis struct {
	ID            int    `toml:"id" yaml:"id"`
	Name          string `toml:"name" yaml:"name"`
	StepPin       int    `toml:"step_pin" yaml:"step_pin"`
	DirPin        int    `toml:"dir_pin" yaml:"dir_pin"`
	EnablePin     *int   `toml:"enable_pin" yaml:"enable_pin"`
	LimitA        *int   `toml:"limit_a" yaml:"limit_a"`
	LimitB        *int   `toml:"limit_b" yaml:"limit_b"`
	Home          *int   `toml:"home" yaml:"home"`
	MinLimit      int64  `toml:"min_limit" yaml:"min_limit"`
	MaxLimit      int64  `toml:"max_limit" yaml:"max_limit"`
	Speed         int    `toml:"speed" yaml:"speed"`
	JogSpeed      int    `toml:"jog_speed" yaml:"jog_speed"`
	HomeSpeed     int    `toml:"home_speed" yaml:"home_speed"`
	HomeDir       int    `toml:"home_dir" yaml:"home_dir"`
	HomeMaxSteps  int64  `toml:"home_max_steps" yaml:"home_max_steps"`
	JogStepSize   int64  `toml:"jog_step_size" yaml:"jog_step_size"`
	IndexDistance int64  `toml:"index_distance" yaml:"index_distance"`
	Acceleration  int    `toml:"acceleration" yaml:"acceleration"`
	Deceleration  int    `toml:"deceleration" yaml:"deceleration"`
	MinDelay      int    `toml:"min_delay" yaml:"min_delay"`
	MaxDelay      int    `toml:"max_delay" yaml:"max_delay"`
}

// HasBounds reports whether software travel bounds are enabled
func (a Axis) HasBounds() bool {
	return a.MinLimit < a.MaxLimit
}

// InBounds reports whether target lies inside the travel bounds
func (a Axis) InBounds(target int64) bool {
	return !a.HasBounds() || target >= a.MinLimit && target <= a.MaxLimit
}

// Clamp limits target to the travel bounds
func (a Axis) Clamp(target int64) int64 {
	if !a.HasBounds() {
		return target
	}
	return min(max(target, a.MinLimit), a.MaxLimit)
}

// Label returns the axis name, or "axis N"
func (a Axis) Label() string {
	if a.Name != "" {
		return a.Name
	}
	return fmt.Sprintf("axis %d", a.ID)
}

func pin(n int) *int { return &n }

// DefaultAxis returns axis 0 wired like the reference board
func DefaultAxis() Axis {
	return Axis{
		ID:          0,
		Name:        "x",
		StepPin:     25,
		DirPin:      26,
		EnablePin:   pin(27),
		LimitA:      pin(18),
		LimitB:      pin(19),
		Home:        pin(21),
		MinLimit:    -1000,
		MaxLimit:    1000,
		Speed:       DefaultSpeed,
		JogSpeed:    DefaultSpeed,
		HomeSpeed:   DefaultHomeSpeed,
		HomeDir:     protocol.DirCCW,
		JogStepSize: DefaultJogStepSize,
		MinDelay:    DefaultMinDelay,
		MaxDelay:    DefaultMaxDelay,
	}
}

// Default returns a single-axis configuration
func Default() Config {
	return Config{
		Baud:         115200,
		ReadTimeout:  50 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
		StaleAfter:   time.Second,
		AutoRefresh:  true,
		QueueSize:    32,
		Reconnect: Reconnect{
			Enabled:      true,
			InitialDelay: 250 * time.Millisecond,
			MaxDelay:     5 * time.Second,
			Multiplier:   2.0,
			Jitter:       true,
		},
		Axes: []Axis{DefaultAxis()},
	}
}

// fileConfig is the on-disk shape. Durations are strings.
type fileConfig struct {
	Device       string        `toml:"device" yaml:"device"`
	Baud         int           `toml:"baud" yaml:"baud"`
	ReadTimeout  string        `toml:"read_timeout" yaml:"read_timeout"`
	WriteTimeout string        `toml:"write_timeout" yaml:"write_timeout"`
	StaleAfter   string        `toml:"stale_after" yaml:"stale_after"`
	AutoRefresh  bool          `toml:"auto_refresh" yaml:"auto_refresh"`
	QueueSize    int           `toml:"queue_size" yaml:"queue_size"`
	Debug        bool          `toml:"debug" yaml:"debug"`
	Reconnect    fileReconnect `toml:"reconnect" yaml:"reconnect"`
	Axes         []Axis        `toml:"axis" yaml:"axes"`
}

type fileReconnect struct {
	Enabled      bool    `toml:"enabled" yaml:"enabled"`
	InitialDelay string  `toml:"initial_delay" yaml:"initial_delay"`
	MaxDelay     string  `toml:"max_delay" yaml:"max_delay"`
	Multiplier   float64 `toml:"multiplier" yaml:"multiplier"`
	Jitter       bool    `toml:"jitter" yaml:"jitter"`
}

// Load reads a configuration file. The format follows the extension:
// .toml, or .yaml/.yml. Keys missing from the file keep their defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		return ParseTOML(data)
	case ".yaml", ".yml":
		return ParseYAML(data)
	default:
		return Config{}, fmt.Errorf("config %s: unsupported format %q", path, ext)
	}
}

// ParseTOML parses a TOML configuration
func ParseTOML(data []byte) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(string(data), &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("parse config: unknown key %q", undecoded[0].String())
	}
	return build(raw, meta.IsDefined)
}

// ParseYAML parses a YAML configuration
func ParseYAML(data []byte) (Config, error) {
	var raw fileConfig
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	var keys map[string]any
	if err := yaml.Unmarshal(data, &keys); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	defined := func(key ...string) bool {
		var cur any = keys
		for _, k := range key {
			m, ok := cur.(map[string]any)
			if !ok {
				return false
			}
			if cur, ok = m[k]; !ok {
				return false
			}
		}
		return true
	}
	return build(raw, yamlKeys(defined))
}

// yamlKeys maps the TOML key names used by build onto the YAML ones
func yamlKeys(defined func(key ...string) bool) func(key ...string) bool {
	return func(key ...string) bool {
		if len(key) == 1 && key[0] == "axis" {
			return defined("axes")
		}
		return defined(key...)
	}
}

func build(raw fileConfig, defined func(key ...string) bool) (Config, error) {
	cfg := Default()

	if defined("device") {
		cfg.Device = strings.TrimSpace(raw.Device)
	}
	if defined("baud") {
		cfg.Baud = raw.Baud
	}
	if defined("auto_refresh") {
		cfg.AutoRefresh = raw.AutoRefresh
	}
	if defined("queue_size") {
		cfg.QueueSize = raw.QueueSize
	}
	if defined("debug") {
		cfg.Debug = raw.Debug
	}

	if defined("reconnect", "enabled") {
		cfg.Reconnect.Enabled = raw.Reconnect.Enabled
	}
	if defined("reconnect", "multiplier") {
		cfg.Reconnect.Multiplier = raw.Reconnect.Multiplier
	}
	if defined("reconnect", "jitter") {
		cfg.Reconnect.Jitter = raw.Reconnect.Jitter
	}

	durations := []struct {
		key []string
		raw string
		dst *time.Duration
	}{
		{[]string{"read_timeout"}, raw.ReadTimeout, &cfg.ReadTimeout},
		{[]string{"write_timeout"}, raw.WriteTimeout, &cfg.WriteTimeout},
		{[]string{"stale_after"}, raw.StaleAfter, &cfg.StaleAfter},
		{[]string{"reconnect", "initial_delay"}, raw.Reconnect.InitialDelay, &cfg.Reconnect.InitialDelay},
		{[]string{"reconnect", "max_delay"}, raw.Reconnect.MaxDelay, &cfg.Reconnect.MaxDelay},
	}
	for _, d := range durations {
		if !defined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}

	if defined("axis") {
		cfg.Axes = make([]Axis, len(raw.Axes))
		for i, a := range raw.Axes {
			cfg.Axes[i] = withAxisDefaults(a)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// withAxisDefaults fills unset speeds and delays. A zero acceleration or
// deceleration means no ramp and is kept.
func withAxisDefaults(a Axis) Axis {
	if a.Speed == 0 {
		a.Speed = DefaultSpeed
	}
	if a.JogSpeed == 0 {
		a.JogSpeed = a.Speed
	}
	if a.HomeSpeed == 0 {
		a.HomeSpeed = DefaultHomeSpeed
	}
	if a.JogStepSize == 0 {
		a.JogStepSize = DefaultJogStepSize
	}
	if a.MinDelay == 0 {
		a.MinDelay = DefaultMinDelay
	}
	if a.MaxDelay == 0 {
		a.MaxDelay = DefaultMaxDelay
	}
	return a
}

// Validate checks the configuration for values the firmware would reject
func (c Config) Validate() error {
	if c.Baud < 0 {
		return fmt.Errorf("baud must not be negative")
	}
	if c.ReadTimeout < 0 || c.WriteTimeout < 0 || c.StaleAfter < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}

	seen := make(map[int]bool, len(c.Axes))
	for _, a := range c.Axes {
		if err := a.Validate(); err != nil {
			return err
		}
		if seen[a.ID] {
			return fmt.Errorf("axis %d: duplicate id", a.ID)
		}
		seen[a.ID] = true
	}
	return nil
}

// Validate checks one axis
func (a Axis) Validate() error {
	if a.ID < 0 || a.ID >= protocol.MaxAxes {
		return fmt.Errorf("axis %d: id must be in [0, %d)", a.ID, protocol.MaxAxes)
	}
	if a.StepPin < 0 || a.DirPin < 0 {
		return fmt.Errorf("axis %d: step and dir pins are required", a.ID)
	}
	if a.MinLimit > a.MaxLimit {
		return fmt.Errorf("axis %d: min_limit %d is above max_limit %d", a.ID, a.MinLimit, a.MaxLimit)
	}
	if a.Speed <= 0 || a.JogSpeed <= 0 || a.HomeSpeed <= 0 {
		return fmt.Errorf("axis %d: speeds must be positive", a.ID)
	}
	if a.MinDelay <= 0 || a.MaxDelay < a.MinDelay {
		return fmt.Errorf("axis %d: delays must satisfy 0 < min_delay <= max_delay", a.ID)
	}
	if a.Acceleration < 0 || a.Deceleration < 0 {
		return fmt.Errorf("axis %d: acceleration and deceleration must not be negative", a.ID)
	}
	if a.HomeDir != protocol.DirCCW && a.HomeDir != protocol.DirCW {
		return fmt.Errorf("axis %d: home_dir must be %d or %d", a.ID, protocol.DirCCW, protocol.DirCW)
	}
	if a.JogStepSize <= 0 || a.IndexDistance < 0 || a.HomeMaxSteps < 0 {
		return fmt.Errorf("axis %d: step counts must not be negative", a.ID)
	}
	return nil
}

// Axis returns the configuration for an axis id
func (c Config) Axis(id int) (Axis, bool) {
	for _, a := range c.Axes {
		if a.ID == id {
			return a, true
		}
	}
	return Axis{}, false
}
