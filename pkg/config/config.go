// Copyright 2026 © The Cadre Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads cadre coordinator configuration from YAML files with
// CADRE_ environment variable overrides.
package config

import (
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Log       LogConfig       `koanf:"log"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Agents    AgentsConfig    `koanf:"agents"`
	Workflows WorkflowsConfig `koanf:"workflows"`
	Engine    EngineConfig    `koanf:"engine"`
	Audit     AuditConfig     `koanf:"audit"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

type TelemetryConfig struct {
	Enabled      bool   `koanf:"enabled"`
	Exporter     string `koanf:"exporter"` // stdout, otlp
	OTLPEndpoint string `koanf:"otlp_endpoint"`
	OTLPInsecure bool   `koanf:"otlp_insecure"`
}

type AgentsConfig struct {
	// Dir holds the agent manifest files (one YAML per agent).
	Dir string `koanf:"dir"`
}

type WorkflowsConfig struct {
	Dir string `koanf:"dir"`
}

type EngineConfig struct {
	// MaxConcurrent bounds parallel step execution within a wave.
	MaxConcurrent int `koanf:"max_concurrent"`
	// DefaultTimeoutSeconds applies to agents whose manifest omits a timeout.
	DefaultTimeoutSeconds int `koanf:"default_timeout_seconds"`
}

type AuditConfig struct {
	Backend string `koanf:"backend"` // memory, jsonl, sqlite
	Path    string `koanf:"path"`
}

// Load reads configuration with defaults, then the optional file at path,
// then CADRE_ environment overrides (CADRE_ENGINE_MAX_CONCURRENT and so on).
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	k.Set("log.level", "info")
	k.Set("log.format", "text")
	k.Set("telemetry.enabled", true)
	k.Set("telemetry.exporter", "stdout")
	k.Set("agents.dir", ".cadre/agents")
	k.Set("workflows.dir", ".cadre/workflows")
	k.Set("engine.max_concurrent", 5)
	k.Set("engine.default_timeout_seconds", 300)
	k.Set("audit.backend", "jsonl")
	k.Set("audit.path", ".cadre/audit.jsonl")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, err
		}
	}

	// CADRE_AUDIT_BACKEND -> audit.backend
	if err := k.Load(env.Provider("CADRE_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, "CADRE_")), "_", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	// Compound keys lose their underscore in the env mapping above.
	restoreCompoundKeys(k)

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func restoreCompoundKeys(k *koanf.Koanf) {
	aliases := map[string]string{
		"engine.max.concurrent":           "engine.max_concurrent",
		"engine.default.timeout.seconds":  "engine.default_timeout_seconds",
		"telemetry.otlp.endpoint":         "telemetry.otlp_endpoint",
		"telemetry.otlp.insecure":         "telemetry.otlp_insecure",
	}
	for from, to := range aliases {
		if k.Exists(from) {
			k.Set(to, k.Get(from))
		}
	}
}
