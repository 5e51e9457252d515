// Package config loads the pincard YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gregLibert/pincard/internal/logging"
	"github.com/gregLibert/pincard/pkg/applet"
	"github.com/gregLibert/pincard/pkg/pinauth"
	"github.com/gregLibert/pincard/pkg/tlv"
)

const (
	BackendPCSC = "pcsc"
	BackendSim  = "sim"
)

type Config struct {
	Backend string        `yaml:"backend"`
	Reader  string        `yaml:"reader"`
	Timeout time.Duration `yaml:"timeout"`
	AID     string        `yaml:"aid"`
	Sim     SimConfig     `yaml:"sim"`
	Log     LogConfig     `yaml:"log"`
}

type SimConfig struct {
	// Image is the EEPROM image file. Empty keeps the card in memory.
	Image  string `yaml:"image"`
	PIN    string `yaml:"pin"`
	Reader string `yaml:"reader"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default is the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Backend: BackendPCSC,
		Timeout: 5 * time.Second,
		AID:     fmt.Sprintf("%X", applet.DefaultAID),
		Sim: SimConfig{
			PIN:    "1234",
			Reader: "pincard virtual reader",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults and validates the result. Relative
// paths in the file are taken relative to the file.
func Load(path string) (*Config, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)

	cfg := Default()
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config yaml: %w", err)
	}
	cfg.resolvePaths(path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Backend {
	case BackendPCSC, BackendSim:
	default:
		return fmt.Errorf("config.backend must be %q or %q, got %q", BackendPCSC, BackendSim, c.Backend)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("config.timeout must be positive")
	}

	aid, err := tlv.ParseHex(c.AID)
	if err != nil {
		return fmt.Errorf("config.aid is not hex: %w", err)
	}
	if len(aid) < 5 || len(aid) > 16 {
		return fmt.Errorf("config.aid must be 5..16 bytes, got %d", len(aid))
	}

	if c.Backend == BackendSim {
		if _, err := pinauth.EncodePIN(c.Sim.PIN); err != nil {
			return fmt.Errorf("config.sim.pin: %w", err)
		}
		if strings.TrimSpace(c.Sim.Reader) == "" {
			return fmt.Errorf("config.sim.reader is required")
		}
		if c.Sim.Image != "" {
			if info, err := os.Stat(filepath.Dir(c.Sim.Image)); err != nil || !info.IsDir() {
				return fmt.Errorf("config.sim.image: directory %s does not exist", filepath.Dir(c.Sim.Image))
			}
		}
	}

	if _, ok := logging.ParseLevel(c.Log.Level); !ok {
		return fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// AIDBytes returns the validated AID.
func (c *Config) AIDBytes() []byte {
	aid, _ := tlv.ParseHex(c.AID)
	return aid
}

// SimPIN returns the initial PIN of a simulated card.
func (c *Config) SimPIN() []byte {
	pin, _ := pinauth.EncodePIN(c.Sim.PIN)
	return pin
}

func (c *Config) LogLevel() slog.Level {
	level, _ := logging.ParseLevel(c.Log.Level)
	return level
}

func (c *Config) resolvePaths(configPath string) {
	c.Sim.Image = resolvePath(filepath.Dir(configPath), c.Sim.Image)
}

func resolvePath(baseDir, path string) string {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" || filepath.IsAbs(trimmed) {
		return trimmed
	}
	return filepath.Clean(filepath.Join(baseDir, trimmed))
}
