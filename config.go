// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package glowdb

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"google.golang.org/grpc/backoff"
	"gopkg.in/yaml.v3"
)

const (
	// ConfigFileName is the file FindConfig looks for.
	ConfigFileName = "glowdb.yaml"

	// EnvURI overrides the configured endpoint.
	EnvURI = "GLOWDB_URI"
)

// Config holds client settings, usually loaded from glowdb.yaml:
//
//	uri: ws://db.internal:8888
//	callTimeout: 5s
//	serializedCalls: false
//	dialRetry:
//	  attempts: 5
//	  baseDelay: 200ms
//	  multiplier: 1.6
//	  jitter: 0.2
//	  maxDelay: 5s
type Config struct {
	URI             string        `yaml:"uri"`
	CallTimeout     time.Duration `yaml:"callTimeout"`
	SerializedCalls bool          `yaml:"serializedCalls"`
	DialRetry       RetryConfig   `yaml:"dialRetry"`
}

// RetryConfig is the dial retry schedule. Zero fields take grpc's defaults.
type RetryConfig struct {
	Attempts   int           `yaml:"attempts"`
	BaseDelay  time.Duration `yaml:"baseDelay"`
	Multiplier float64       `yaml:"multiplier"`
	Jitter     float64       `yaml:"jitter"`
	MaxDelay   time.Duration `yaml:"maxDelay"`
}

// LoadConfig reads a config file and applies environment overrides.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// FindConfig loads glowdb.yaml from the working directory or the nearest
// parent that has one. Without a file it returns the defaults, still
// subject to environment overrides.
func FindConfig() (Config, error) {
	path, err := findConfigFile()
	if err != nil {
		return Config{}, err
	}
	if path == "" {
		var cfg Config
		cfg.applyEnv()
		return cfg, nil
	}
	return LoadConfig(path)
}

func findConfigFile() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		path := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

func (c *Config) applyEnv() {
	if uri := os.Getenv(EnvURI); uri != "" {
		c.URI = uri
	}
}

// Endpoint is the configured URI or DefaultURI.
func (c Config) Endpoint() string {
	if c.URI == "" {
		return DefaultURI
	}
	return c.URI
}

// Options converts the config into dial options.
func (c Config) Options() []DialOption {
	var opts []DialOption
	if c.CallTimeout > 0 {
		opts = append(opts, WithCallTimeout(c.CallTimeout))
	}
	if c.SerializedCalls {
		opts = append(opts, WithSerializedCalls())
	}
	if c.DialRetry.Attempts > 1 {
		opts = append(opts, WithDialRetry(c.DialRetry.Attempts, c.DialRetry.backoff()))
	}
	return opts
}

func (r RetryConfig) backoff() backoff.Config {
	cfg := backoff.DefaultConfig
	if r.BaseDelay > 0 {
		cfg.BaseDelay = r.BaseDelay
	}
	if r.Multiplier > 0 {
		cfg.Multiplier = r.Multiplier
	}
	if r.Jitter > 0 {
		cfg.Jitter = r.Jitter
	}
	if r.MaxDelay > 0 {
		cfg.MaxDelay = r.MaxDelay
	}
	return cfg
}
