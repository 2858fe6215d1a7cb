// Package config provides configuration loading for coordd.
//
// Configuration is loaded from a YAML file, then overridden by COORDD_*
// environment variables. Defaults cover every field, so a daemon started
// with no file and no environment runs with a usable local setup.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config holds the complete coordd configuration.
type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Logging      LoggingConfig      `koanf:"logging"`
	Telemetry    TelemetryConfig    `koanf:"telemetry"`
	Coordination CoordinationConfig `koanf:"coordination"`
	Resolution   ResolutionConfig   `koanf:"resolution"`
	Trajectory   TrajectoryConfig   `koanf:"trajectory"`
	Hooks        HooksConfig        `koanf:"hooks"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level      string `koanf:"level"`
	Format     string `koanf:"format"` // "json" or "console"
	Caller     bool   `koanf:"caller"`
	Stacktrace bool   `koanf:"stacktrace"`
}

// TelemetryConfig holds OpenTelemetry export configuration.
type TelemetryConfig struct {
	Enabled        bool     `koanf:"enabled"`
	ServiceName    string   `koanf:"service_name"`
	ServiceVersion string   `koanf:"service_version"`
	Endpoint       string   `koanf:"endpoint"`
	Protocol       string   `koanf:"protocol"` // "grpc" or "http/protobuf"
	Insecure       bool     `koanf:"insecure"`
	SamplingRate   float64  `koanf:"sampling_rate"`
	ExportInterval Duration `koanf:"export_interval"`
}

// CoordinationConfig holds operation log and conflict detection knobs.
type CoordinationConfig struct {
	MaxLogEntries      int `koanf:"max_log_entries"`
	ConflictWindow     int `koanf:"conflict_window"`
	AncestryDepthLimit int `koanf:"ancestry_depth_limit"`
}

// ResolutionConfig holds conflict resolution pipeline knobs.
type ResolutionConfig struct {
	EnableSemantic     bool     `koanf:"enable_semantic"`
	LLMFallbackTimeout Duration `koanf:"llm_fallback_timeout"`
	LLMModel           string   `koanf:"llm_model"`
	LLMAPIKey          Secret   `koanf:"llm_api_key"`
}

// TrajectoryConfig holds encrypted trajectory store configuration.
type TrajectoryConfig struct {
	EnableSync bool   `koanf:"enable_sync"`
	DataDir    string `koanf:"data_dir"`
}

// HooksConfig holds lifecycle hook configuration.
type HooksConfig struct {
	SessionTimeout Duration `koanf:"session_timeout"`
}

// applyDefaults sets default values for missing configuration fields.
func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9180
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = Duration(10 * time.Second)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "coordd"
	}
	if cfg.Telemetry.Endpoint == "" {
		cfg.Telemetry.Endpoint = "localhost:4317"
	}
	if cfg.Telemetry.Protocol == "" {
		cfg.Telemetry.Protocol = "grpc"
	}
	if cfg.Telemetry.SamplingRate == 0 {
		cfg.Telemetry.SamplingRate = 1.0
	}
	if cfg.Telemetry.ExportInterval == 0 {
		cfg.Telemetry.ExportInterval = Duration(30 * time.Second)
	}

	if cfg.Coordination.MaxLogEntries == 0 {
		cfg.Coordination.MaxLogEntries = 10000
	}
	if cfg.Coordination.ConflictWindow == 0 {
		cfg.Coordination.ConflictWindow = 10
	}
	if cfg.Coordination.AncestryDepthLimit == 0 {
		cfg.Coordination.AncestryDepthLimit = 1000
	}

	if cfg.Resolution.LLMFallbackTimeout == 0 {
		cfg.Resolution.LLMFallbackTimeout = Duration(time.Second)
	}

	if cfg.Trajectory.DataDir == "" {
		cfg.Trajectory.DataDir = "~/.local/share/coordd"
	}

	if cfg.Hooks.SessionTimeout == 0 {
		cfg.Hooks.SessionTimeout = Duration(30 * time.Minute)
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging format: %q (must be json or console)", c.Logging.Format)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.ServiceName == "" {
			return errors.New("service name required when telemetry is enabled")
		}
		switch c.Telemetry.Protocol {
		case "grpc", "http/protobuf":
		default:
			return fmt.Errorf("invalid telemetry protocol: %q (must be grpc or http/protobuf)", c.Telemetry.Protocol)
		}
		if c.Telemetry.SamplingRate < 0 || c.Telemetry.SamplingRate > 1 {
			return fmt.Errorf("invalid sampling rate: %g (must be in [0,1])", c.Telemetry.SamplingRate)
		}
	}

	if c.Coordination.MaxLogEntries < 1 {
		return fmt.Errorf("max_log_entries must be positive, got %d", c.Coordination.MaxLogEntries)
	}
	if c.Coordination.ConflictWindow < 1 {
		return fmt.Errorf("conflict_window must be positive, got %d", c.Coordination.ConflictWindow)
	}
	if c.Coordination.AncestryDepthLimit < 1 {
		return fmt.Errorf("ancestry_depth_limit must be positive, got %d", c.Coordination.AncestryDepthLimit)
	}

	if c.Resolution.EnableSemantic && !c.Resolution.LLMAPIKey.IsSet() {
		return errors.New("llm_api_key required when semantic resolution is enabled")
	}

	return nil
}
