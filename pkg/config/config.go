// Copyright (C) 2025 OneBit Support (dev@onebit.support)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads process configuration from environment variables.
//
// Every knob has a default suitable for local development except the
// secrets (MATTERMOST_TOKEN, ASKBOT_SECRET_KEY), which must be provided.
// Load reads the environment once; Validate checks the result with
// struct tags so misconfiguration fails at startup, not mid-conversation.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the full process configuration for the askbot service.
type Config struct {
	// Mattermost connection.
	MattermostURL   string `validate:"required,url"`
	MattermostToken string `validate:"required"`
	BotName         string `validate:"required"`

	// Jira upstream.
	JiraURL string `validate:"required,url"`

	// LLM backend (OpenAI-compatible endpoint).
	LLMBaseURL string `validate:"required,url"`
	LLMAPIKey  string `validate:"required"`
	LLMModel   string `validate:"required"`
	LLMTimeout time.Duration

	// Vault secret. Credentials at rest are encrypted with a key derived
	// from this value; rotating it invalidates every stored credential.
	SecretKey string `validate:"required,min=16"`

	// Cache gateway.
	CacheDir        string
	CacheTTL        time.Duration
	CacheMaxEntries int `validate:"gt=0"`

	// Chart artifacts.
	ChartDir       string
	ChartURLPrefix string
	ChartTTL       time.Duration

	// Core concurrency.
	MaxConcurrentPipelines int `validate:"gt=0"`
	LaneQueueSize          int `validate:"gt=0"`
	AuthMaxAttempts        int `validate:"gt=0"`
	ShutdownGrace          time.Duration

	// HTTP surface.
	HTTPPort string

	// Observability.
	OTLPEndpoint string
	LogLevel     string
	LogFormat    string
}

// Load reads the environment and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{
		MattermostURL:   getenv("MATTERMOST_URL", ""),
		MattermostToken: getenv("MATTERMOST_TOKEN", ""),
		BotName:         getenv("ASKBOT_NAME", "askbot"),

		JiraURL: getenv("JIRA_URL", ""),

		LLMBaseURL: getenv("LLM_BASE_URL", ""),
		LLMAPIKey:  getenv("LLM_API_KEY", ""),
		LLMModel:   getenv("LLM_MODEL", "qwen3:14b"),
		LLMTimeout: getduration("LLM_TIMEOUT", 60*time.Second),

		SecretKey: getenv("ASKBOT_SECRET_KEY", ""),

		CacheDir:        getenv("ASKBOT_CACHE_DIR", "./data/cache"),
		CacheTTL:        getduration("ASKBOT_CACHE_TTL", 30*time.Minute),
		CacheMaxEntries: getint("ASKBOT_CACHE_MAX_ENTRIES", 4096),

		ChartDir:       getenv("ASKBOT_CHART_DIR", "./charts"),
		ChartURLPrefix: getenv("ASKBOT_CHART_URL_PREFIX", "http://localhost:8000/charts/"),
		ChartTTL:       getduration("ASKBOT_CHART_TTL", 24*time.Hour),

		MaxConcurrentPipelines: getint("ASKBOT_MAX_CONCURRENT", 8),
		LaneQueueSize:          getint("ASKBOT_LANE_QUEUE_SIZE", 32),
		AuthMaxAttempts:        getint("ASKBOT_AUTH_MAX_ATTEMPTS", 3),
		ShutdownGrace:          getduration("ASKBOT_SHUTDOWN_GRACE", 15*time.Second),

		HTTPPort: getenv("ASKBOT_HTTP_PORT", "8000"),

		OTLPEndpoint: getenv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		LogLevel:     getenv("ASKBOT_LOG_LEVEL", "info"),
		LogFormat:    getenv("ASKBOT_LOG_FORMAT", "json"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the struct tags and returns a single descriptive error.
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			return fmt.Errorf("config: field %s failed %q validation", verrs[0].Field(), verrs[0].Tag())
		}
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getduration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
