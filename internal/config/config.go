// Package config loads engine settings from YAML, a local .env file and
// MIXCORE_* environment variables, in that order of increasing precedence.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var ErrInvalid = errors.New("invalid config")

type LatencyMode int

const (
	LatencyBalanced LatencyMode = iota
	LatencyLow
	LatencyHigh
)

func (m LatencyMode) String() string {
	switch m {
	case LatencyLow:
		return "low"
	case LatencyHigh:
		return "high"
	default:
		return "balanced"
	}
}

func ParseLatencyMode(s string) (LatencyMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return LatencyLow, nil
	case "balanced", "":
		return LatencyBalanced, nil
	case "high":
		return LatencyHigh, nil
	}
	return 0, fmt.Errorf("%w: latency mode %q", ErrInvalid, s)
}

func (m LatencyMode) MarshalText() ([]byte, error) { return []byte(m.String()), nil }

func (m *LatencyMode) UnmarshalText(b []byte) error {
	v, err := ParseLatencyMode(string(b))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

func (m *LatencyMode) UnmarshalYAML(n *yaml.Node) error {
	return m.UnmarshalText([]byte(n.Value))
}

// Timing holds the scheduler constants a latency mode selects.
type Timing struct {
	TickInterval time.Duration
	LookAhead    time.Duration
	StartDelay   time.Duration
	BlockSize    int
}

func (m LatencyMode) Timing() Timing {
	switch m {
	case LatencyLow:
		return Timing{TickInterval: 10 * time.Millisecond, LookAhead: 50 * time.Millisecond, StartDelay: 20 * time.Millisecond, BlockSize: 128}
	case LatencyHigh:
		return Timing{TickInterval: 10 * time.Millisecond, LookAhead: 200 * time.Millisecond, StartDelay: 100 * time.Millisecond, BlockSize: 512}
	default:
		return Timing{TickInterval: 10 * time.Millisecond, LookAhead: 100 * time.Millisecond, StartDelay: 50 * time.Millisecond, BlockSize: 256}
	}
}

type Logging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text or json
	File       string `yaml:"file"`   // empty logs to stderr
	MaxSizeMB  int    `yaml:"maxSizeMB"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAgeDays int    `yaml:"maxAgeDays"`
	Compress   bool   `yaml:"compress"`
}

type Recording struct {
	ArmRetries     int     `yaml:"armRetries"`
	ArmBackoffMs   float64 `yaml:"armBackoffMs"`
	InputLatencyMs float64 `yaml:"inputLatencyMs"`
}

type Config struct {
	SampleRate    int         `yaml:"sampleRate"`
	Latency       LatencyMode `yaml:"latency"`
	InputDevice   string      `yaml:"inputDevice"`
	OutputDevice  string      `yaml:"outputDevice"`
	Backend       string      `yaml:"backend"` // ebiten or oto
	RebuildRampMs float64     `yaml:"rebuildRampMs"`
	Logging       Logging     `yaml:"logging"`
	Recording     Recording   `yaml:"recording"`
}

func Default() Config {
	return Config{
		SampleRate:    48000,
		Latency:       LatencyBalanced,
		Backend:       "ebiten",
		RebuildRampMs: 15,
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
		Recording: Recording{
			ArmRetries:   5,
			ArmBackoffMs: 40,
		},
	}
}

// Load reads path (optional), then .env, then the environment.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if cfg, err = Parse(bytes.NewReader(data)); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("load .env: %w", err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(r io.Reader) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from MIXCORE_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("MIXCORE_LATENCY"); ok {
		m, err := ParseLatencyMode(v)
		if err != nil {
			return err
		}
		c.Latency = m
	}
	if v, ok := lookup("MIXCORE_INPUT_DEVICE"); ok {
		c.InputDevice = v
	}
	if v, ok := lookup("MIXCORE_OUTPUT_DEVICE"); ok {
		c.OutputDevice = v
	}
	if v, ok := lookup("MIXCORE_SAMPLE_RATE"); ok {
		sr, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: MIXCORE_SAMPLE_RATE %q", ErrInvalid, v)
		}
		c.SampleRate = sr
	}
	if v, ok := lookup("MIXCORE_LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	return nil
}

func (c Config) Validate() error {
	if c.SampleRate < 8000 || c.SampleRate > 192000 {
		return fmt.Errorf("%w: sample rate %d", ErrInvalid, c.SampleRate)
	}
	if c.RebuildRampMs < 0 {
		return fmt.Errorf("%w: negative rebuild ramp", ErrInvalid)
	}
	switch c.Backend {
	case "", "ebiten", "oto":
	default:
		return fmt.Errorf("%w: backend %q", ErrInvalid, c.Backend)
	}
	if c.Recording.ArmRetries < 0 || c.Recording.ArmBackoffMs < 0 {
		return fmt.Errorf("%w: recording retry settings", ErrInvalid)
	}
	return nil
}

func (c Config) Timing() Timing { return c.Latency.Timing() }

func (c Config) RebuildRamp() time.Duration {
	return time.Duration(c.RebuildRampMs * float64(time.Millisecond))
}

func (c Config) ArmBackoff() time.Duration {
	return time.Duration(c.Recording.ArmBackoffMs * float64(time.Millisecond))
}
