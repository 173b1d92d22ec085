// Package config loads the YAML configuration of pagepool binaries.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	flushmanager "github.com/sushant-115/pagepool/core/write_engine/flush_manager"
	"github.com/sushant-115/pagepool/core/write_engine/memcache"
	"github.com/sushant-115/pagepool/pkg/logger"
	"github.com/sushant-115/pagepool/pkg/telemetry"
)

// Config is the full configuration file.
type Config struct {
	Cache     memcache.Config     `yaml:"cache"`
	Disk      flushmanager.Config `yaml:"disk"`
	Logger    logger.Config       `yaml:"logger"`
	Telemetry telemetry.Config    `yaml:"telemetry"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Cache:  memcache.DefaultConfig(),
		Disk:   flushmanager.DefaultConfig(),
		Logger: logger.DefaultConfig(),
		Telemetry: telemetry.Config{
			ServiceName:      telemetry.DefaultServiceName,
			TraceSampleRatio: 1.0,
		},
	}
}

// Load reads path over Default and validates the result. Fields missing from the file keep
// their default value.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to open config %s: %w", path, err)
	}
	defer f.Close()

	cfg, err := Parse(f)
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document over Default. Unknown keys are rejected.
func Parse(r io.Reader) (Config, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if len(bytes.TrimSpace(raw)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("failed to decode yaml: %w", err)
		}
	}

	cfg.Cache = cfg.Cache.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Cache.Validate(); err != nil {
		return err
	}
	if err := c.Disk.Validate(); err != nil {
		return err
	}
	if c.Telemetry.PrometheusPort < 0 || c.Telemetry.PrometheusPort > 65535 {
		return fmt.Errorf("telemetry: prometheus_port %d out of range", c.Telemetry.PrometheusPort)
	}
	return nil
}
