// Package config loads the pilotrx YAML configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/log"
	"gopkg.in/yaml.v3"

	"github.com/jeongseonghan/pilotrx/internal/sim"
	"github.com/jeongseonghan/pilotrx/internal/storage"
)

// Config is the file layout shared by the CLI and the server.
type Config struct {
	LogLevel   string       `yaml:"log_level"`
	Simulation sim.Config   `yaml:"simulation"`
	Store      StoreConfig  `yaml:"store"`
	Server     ServerConfig `yaml:"server"`
}

type StoreConfig struct {
	Kind string `yaml:"kind"` // memory or sqlite
	Path string `yaml:"path"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		LogLevel:   "info",
		Simulation: sim.DefaultConfig(),
		Store:      StoreConfig{Kind: storage.BackendMemory},
		Server:     ServerConfig{Addr: "127.0.0.1:8080"},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := decode(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// decode rejects keys that do not map to a field, so typos surface.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	switch c.Store.Kind {
	case "", storage.BackendMemory:
	case storage.BackendSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.kind: unsupported backend %q", c.Store.Kind))
	}
	if err := c.Simulation.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("simulation: %w", err))
	}
	return errors.Join(errs...)
}
