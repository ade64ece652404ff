// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the chat engine configuration from a YAML file with
// environment overrides, and watches the file for changes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Configuration Types
// =============================================================================

// ServerConfig configures the facade HTTP server.
type ServerConfig struct {
	// ListenAddr is the bind address, e.g. "127.0.0.1:8090".
	ListenAddr string `yaml:"listen_addr"`
}

// BackendConfig configures the agent backend the engine streams from.
type BackendConfig struct {
	// BaseURL is the backend root, without a trailing slash.
	BaseURL string `yaml:"base_url"`

	// CSRFToken is attached as X-CSRF-Token to every backend request
	// when set.
	CSRFToken string `yaml:"csrf_token"`
}

// ChatConfig holds the reloadable chat behavior knobs.
type ChatConfig struct {
	// DefaultAgent answers when a caller names no agent.
	DefaultAgent string `yaml:"default_agent"`

	// DebugMessageTTL is how long a transient debug message stays on a
	// session unless refreshed.
	DebugMessageTTL time.Duration `yaml:"debug_message_ttl"`
}

// TelemetryConfig configures tracing export.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC collector address, e.g. "localhost:4317".
	// Tracing is disabled when empty.
	OTLPEndpoint string `yaml:"otlp_endpoint"`
}

// Config is the full engine configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Backend   BackendConfig   `yaml:"backend"`
	Chat      ChatConfig      `yaml:"chat"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: "127.0.0.1:8090",
		},
		Backend: BackendConfig{
			BaseURL: "http://localhost:8000",
		},
		Chat: ChatConfig{
			DefaultAgent:    "assistant",
			DebugMessageTTL: 5 * time.Second,
		},
	}
}

// =============================================================================
// Loading
// =============================================================================

// Load reads the YAML file at path, layered over defaults, then applies
// environment overrides. A missing file is not an error; env-only
// configuration is common in containers.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults plus env only.
		case err != nil:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides lets deployment environments override file settings
// without touching the file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CHATENGINE_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("CHATENGINE_BACKEND_URL"); v != "" {
		cfg.Backend.BaseURL = v
	}
	if v := os.Getenv("CHATENGINE_CSRF_TOKEN"); v != "" {
		cfg.Backend.CSRFToken = v
	}
	if v := os.Getenv("CHATENGINE_DEFAULT_AGENT"); v != "" {
		cfg.Chat.DefaultAgent = v
	}
	if v := os.Getenv("CHATENGINE_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.OTLPEndpoint = v
	}
	if v := os.Getenv("CHATENGINE_DEBUG_TTL"); v != "" {
		if ttl, err := time.ParseDuration(v); err == nil {
			cfg.Chat.DebugMessageTTL = ttl
		}
	}
}

func validate(cfg Config) error {
	if cfg.Server.ListenAddr == "" {
		return fmt.Errorf("config: server.listen_addr must not be empty")
	}
	if cfg.Backend.BaseURL == "" {
		return fmt.Errorf("config: backend.base_url must not be empty")
	}
	if cfg.Chat.DebugMessageTTL <= 0 {
		return fmt.Errorf("config: chat.debug_message_ttl must be positive")
	}
	return nil
}
