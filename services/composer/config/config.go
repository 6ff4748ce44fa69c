// Copyright (C) 2025 Cadenza Labs (oss@cadenzalab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads composerd configuration from YAML with environment
// overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// HTTPConfig configures the API server.
type HTTPConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// InterpreterConfig selects the feedback interpreter.
type InterpreterConfig struct {
	// Provider is "keyword" or "openai".
	Provider string `yaml:"provider" validate:"oneof=keyword openai"`

	// APIKey for the openai provider. The COMPOSER_OPENAI_API_KEY
	// environment variable overrides it so keys stay out of config files.
	APIKey string `yaml:"api_key"`

	Model string `yaml:"model"`
}

// RendererConfig selects the notation bridge.
type RendererConfig struct {
	// Binary is the external renderer; empty selects the inline bridge.
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args"`

	Timeout       time.Duration `yaml:"timeout"`
	RatePerSecond float64       `yaml:"rate_per_second"`
}

// LogConfig configures logging output.
type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
	Dir   string `yaml:"dir"`
	JSON  bool   `yaml:"json"`
}

// Config is the full composerd configuration.
type Config struct {
	// DataDir holds the database. Required unless InMemory is set.
	DataDir  string `yaml:"data_dir" validate:"required_without=InMemory"`
	InMemory bool   `yaml:"in_memory"`

	MaxRenderAttempts int `yaml:"max_render_attempts" validate:"gte=1,lte=10"`

	HTTP        HTTPConfig        `yaml:"http"`
	Interpreter InterpreterConfig `yaml:"interpreter"`
	Renderer    RendererConfig    `yaml:"renderer"`
	Log         LogConfig         `yaml:"log"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		DataDir:           "./data",
		MaxRenderAttempts: 3,
		HTTP: HTTPConfig{
			Addr:            ":8642",
			ShutdownTimeout: 15 * time.Second,
		},
		Interpreter: InterpreterConfig{Provider: "keyword"},
		Renderer: RendererConfig{
			Timeout:       2 * time.Minute,
			RatePerSecond: 2,
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads the config file at path, layering it over defaults. An empty
// path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if key := os.Getenv("COMPOSER_OPENAI_API_KEY"); key != "" {
		cfg.Interpreter.APIKey = key
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the configuration's structural constraints.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Interpreter.Provider == "openai" && c.Interpreter.APIKey == "" {
		return fmt.Errorf("invalid config: openai interpreter requires an api key")
	}
	return nil
}
