// Copyright (C) 2025 SamsaraWorks (dev@samsaraworks.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads and validates the story service configuration.
//
// Everything is environment-driven with documented defaults; FromEnv
// reads the full set, WithDefaults fills the gaps so zero-value Configs
// built in tests behave. API keys are sealed into memguard enclaves as
// soon as they are read — see secrets.go.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds the full configuration for the story service.
type Config struct {
	// ===== Server =====

	// Host is the listen address. Default: "127.0.0.1"
	Host string

	// Port is the HTTP server port. Default: 8000
	Port int

	// GinMode sets the Gin framework mode.
	// Valid values: "debug", "release", "test"
	// Default: "release"
	GinMode string

	// AssetsDir is the root of the static asset tree. Library images
	// live under <AssetsDir>/images, generated artifacts under
	// <AssetsDir>/generated. Default: "./assets"
	AssetsDir string

	// OTelEndpoint is the OpenTelemetry collector endpoint.
	// If empty, tracing is disabled.
	OTelEndpoint string

	// ===== Database =====

	// DBDriver selects the SQL driver.
	// Valid values: "sqlite", "sqlite3", "postgres", "mysql"
	// Default: "sqlite"
	DBDriver string

	// DBDSN is the driver-specific connection string.
	// Default: "rebirth.db"
	DBDSN string

	// ===== Auth =====

	// JWTSecret signs and verifies bearer tokens (HS256). Sealed in an
	// enclave; empty means auth must be disabled.
	JWTSecret *Secret

	// AuthDisabled turns the auth middleware into a fixed dev identity.
	// Default: false
	AuthDisabled bool

	// ===== LLM =====

	// LLMBackend selects the text model provider.
	// Valid values: "auto", "doubao", "openai", "ollama"
	// "auto" picks the first configured of doubao > openai > ollama.
	// Default: "auto"
	LLMBackend string

	// DoubaoAPIKey authenticates against the Ark endpoint.
	DoubaoAPIKey *Secret

	// DoubaoBaseURL is the Ark OpenAI-compatible base URL.
	// Default: "https://ark.cn-beijing.volces.com/api/v3"
	DoubaoBaseURL string

	// DoubaoModel is the Ark inference endpoint ID.
	// Default: "doubao-seed-1-6-flash-250715"
	DoubaoModel string

	// OpenAIAPIKey authenticates against OpenAI.
	OpenAIAPIKey *Secret

	// OpenAIBaseURL overrides the OpenAI endpoint. Empty uses the SDK
	// default.
	OpenAIBaseURL string

	// OpenAIModel is the chat model name. Default: "gpt-4o-mini"
	OpenAIModel string

	// OllamaURL is the Ollama server base URL.
	// Default: "http://localhost:11434"
	OllamaURL string

	// OllamaModel is the local model name. Default: "qwen2.5"
	OllamaModel string

	// LLMTimeoutSeconds bounds a single model attempt. Default: 30
	LLMTimeoutSeconds int

	// LLMMaxRetries is the number of additional attempts after the
	// first. Default: 2
	LLMMaxRetries int

	// LLMBackoffMinMS / LLMBackoffMaxMS bound the randomized sleep
	// between attempts. Defaults: 250 / 1000
	LLMBackoffMinMS int
	LLMBackoffMaxMS int

	// LLMMaxTokens caps a single completion. Default: 1000
	LLMMaxTokens int

	// LLMTemperature is the sampling temperature for story calls.
	// Default: 0.8
	LLMTemperature float32

	// LLMRequestsPerSecond throttles outbound model calls across the
	// whole process. 0 disables the limiter. Default: 0
	LLMRequestsPerSecond float64

	// ===== Images =====

	// EnableAIImages turns on the generation pipeline; off means
	// library images only. Default: false
	EnableAIImages bool

	// OneAPIBaseURL is the full chat-completions URL of the image
	// provider. Empty disables generation regardless of EnableAIImages.
	OneAPIBaseURL string

	// OneAPIKey authenticates against the image provider.
	OneAPIKey *Secret

	// OneAPIModel is the image model name. Default: "gemini-2.5-flash-image"
	OneAPIModel string

	// ImageConnectTimeoutSeconds bounds connection establishment.
	// Default: 8
	ImageConnectTimeoutSeconds int

	// ImageFirstReadTimeoutSeconds bounds the first attempt's read.
	// Default: 60
	ImageFirstReadTimeoutSeconds int

	// ImageRetryReadTimeoutSeconds bounds retry reads. Default: 30
	ImageRetryReadTimeoutSeconds int

	// ImageMaxRetries is the number of additional generation attempts.
	// Default: 1
	ImageMaxRetries int

	// ===== Speculation =====

	// SpeculationEnabled is the master switch. Default: true
	SpeculationEnabled bool

	// SpeculationMaxDepth is the BFS expansion depth. Default: 2
	SpeculationMaxDepth int

	// SpeculationChoiceWorkers sizes the per-node worker pool.
	// Default: 3
	SpeculationChoiceWorkers int

	// SpeculationLevelCap caps new children per expansion call.
	// 0 means unbounded. Default: 18
	SpeculationLevelCap int

	// SpeculationMaxPerUser is the fairness cap on concurrent workers
	// per user. Default: 9
	SpeculationMaxPerUser int

	// ===== Priming / Waits =====

	// FirstStoryCacheMaxEntries sizes the priming LRU. Default: 100
	FirstStoryCacheMaxEntries int

	// StartCacheWaitSeconds is the poll budget start spends waiting for
	// a primed root before generating synchronously. Default: 8
	StartCacheWaitSeconds int

	// ContinueRaceWaitSeconds bounds how long continue waits for an
	// in-flight speculative generation of the requested choice before
	// falling through to inline generation. Default: 90
	ContinueRaceWaitSeconds int

	// ===== Chapter Settlement =====

	// ChapterMinNodes / ChapterMaxNodes bound chapter length.
	// Defaults: 6 / 22
	ChapterMinNodes int
	ChapterMaxNodes int

	// ChapterPassThreshold is the progress needed to settle with
	// success. Default: 80
	ChapterPassThreshold float64

	// ChapterFailThreshold fails the chapter when risk or exposure
	// reach it. Default: 90
	ChapterFailThreshold float64
}

// =============================================================================
// Construction
// =============================================================================

// FromEnv builds a Config from the process environment, with defaults
// applied. Call it once at startup, after godotenv has loaded any .env
// file.
func FromEnv() Config {
	cfg := Config{
		Host:         getEnvString("BACKEND_HOST", ""),
		Port:         getEnvInt("BACKEND_PORT", 0),
		GinMode:      getEnvString("GIN_MODE", ""),
		AssetsDir:    getEnvString("ASSETS_DIR", ""),
		OTelEndpoint: getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", ""),

		DBDriver: getEnvString("DATABASE_DRIVER", ""),
		DBDSN:    getEnvString("DATABASE_URL", ""),

		JWTSecret:    SecretFromEnv("AUTH_JWT_SECRET"),
		AuthDisabled: getEnvBool("AUTH_DISABLED", false),

		LLMBackend:    getEnvString("LLM_BACKEND_TYPE", ""),
		DoubaoAPIKey:  SecretFromEnv("DOUBAO_API_KEY"),
		DoubaoBaseURL: getEnvString("DOUBAO_BASE_URL", ""),
		DoubaoModel:   getEnvString("DOUBAO_MODEL", ""),
		OpenAIAPIKey:  SecretFromEnv("OPENAI_API_KEY"),
		OpenAIBaseURL: getEnvString("OPENAI_BASE_URL", ""),
		OpenAIModel:   getEnvString("OPENAI_MODEL", ""),
		OllamaURL:     getEnvString("OLLAMA_URL", ""),
		OllamaModel:   getEnvString("OLLAMA_MODEL", ""),

		LLMTimeoutSeconds:    getEnvInt("LLM_TIMEOUT_SECONDS", 0),
		LLMMaxRetries:        getEnvInt("LLM_MAX_RETRIES", -1),
		LLMBackoffMinMS:      getEnvInt("LLM_RETRY_BACKOFF_MIN_MS", 0),
		LLMBackoffMaxMS:      getEnvInt("LLM_RETRY_BACKOFF_MAX_MS", 0),
		LLMMaxTokens:         getEnvInt("LLM_MAX_TOKENS", 0),
		LLMTemperature:       float32(getEnvFloat("LLM_TEMPERATURE", 0)),
		LLMRequestsPerSecond: getEnvFloat("LLM_REQUESTS_PER_SECOND", 0),

		EnableAIImages: getEnvBool("ENABLE_AI_IMAGE_GENERATION", false),
		OneAPIBaseURL:  getEnvString("ONEAPI_BASE_URL", ""),
		OneAPIKey:      SecretFromEnv("ONEAPI_API_KEY"),
		OneAPIModel:    getEnvString("ONEAPI_IMAGE_MODEL", ""),

		ImageConnectTimeoutSeconds:   getEnvInt("IMAGE_CONNECT_TIMEOUT_SECONDS", 0),
		ImageFirstReadTimeoutSeconds: getEnvInt("IMAGE_FIRST_READ_TIMEOUT_SECONDS", 0),
		ImageRetryReadTimeoutSeconds: getEnvInt("IMAGE_RETRY_READ_TIMEOUT_SECONDS", 0),
		ImageMaxRetries:              getEnvInt("IMAGE_MAX_RETRIES", -1),

		SpeculationEnabled:       getEnvBool("SPECULATION_ENABLED", true),
		SpeculationMaxDepth:      getEnvInt("SPECULATION_MAX_DEPTH", 0),
		SpeculationChoiceWorkers: getEnvInt("SPECULATION_CHOICE_WORKERS", 0),
		SpeculationLevelCap:      getEnvInt("SPECULATION_LEVEL_CAP", -1),
		SpeculationMaxPerUser:    getEnvInt("SPECULATION_MAX_CONCURRENCY_PER_USER", 0),

		FirstStoryCacheMaxEntries: getEnvInt("FIRST_STORY_CACHE_MAX_ENTRIES", 0),
		StartCacheWaitSeconds:     getEnvInt("START_CACHE_WAIT_SECONDS", 0),
		ContinueRaceWaitSeconds:   getEnvInt("CONTINUE_RACE_WAIT_TIMEOUT_SECONDS", 0),

		ChapterMinNodes:      getEnvInt("CHAPTER_MIN_NODES", 0),
		ChapterMaxNodes:      getEnvInt("CHAPTER_MAX_NODES", 0),
		ChapterPassThreshold: getEnvFloat("CHAPTER_PASS_THRESHOLD", 0),
		ChapterFailThreshold: getEnvFloat("CHAPTER_FAIL_THRESHOLD", 0),
	}
	return cfg.WithDefaults()
}

// WithDefaults returns a copy with every unset field filled with its
// documented default. Sentinel -1 means "unset" for fields whose zero
// value is meaningful (retries, level cap).
func (c Config) WithDefaults() Config {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.GinMode == "" {
		c.GinMode = "release"
	}
	if c.AssetsDir == "" {
		c.AssetsDir = "./assets"
	}
	if c.DBDriver == "" {
		c.DBDriver = "sqlite"
	}
	if c.DBDSN == "" {
		c.DBDSN = "rebirth.db"
	}
	if c.LLMBackend == "" {
		c.LLMBackend = "auto"
	}
	if c.DoubaoBaseURL == "" {
		c.DoubaoBaseURL = "https://ark.cn-beijing.volces.com/api/v3"
	}
	if c.DoubaoModel == "" {
		c.DoubaoModel = "doubao-seed-1-6-flash-250715"
	}
	if c.OpenAIModel == "" {
		c.OpenAIModel = "gpt-4o-mini"
	}
	if c.OllamaURL == "" {
		c.OllamaURL = "http://localhost:11434"
	}
	if c.OllamaModel == "" {
		c.OllamaModel = "qwen2.5"
	}
	if c.LLMTimeoutSeconds <= 0 {
		c.LLMTimeoutSeconds = 30
	}
	if c.LLMMaxRetries < 0 {
		c.LLMMaxRetries = 2
	}
	if c.LLMBackoffMinMS <= 0 {
		c.LLMBackoffMinMS = 250
	}
	if c.LLMBackoffMaxMS <= 0 {
		c.LLMBackoffMaxMS = 1000
	}
	if c.LLMBackoffMaxMS < c.LLMBackoffMinMS {
		c.LLMBackoffMaxMS = c.LLMBackoffMinMS
	}
	if c.LLMMaxTokens <= 0 {
		c.LLMMaxTokens = 1000
	}
	if c.LLMTemperature == 0 {
		c.LLMTemperature = 0.8
	}
	if c.OneAPIModel == "" {
		c.OneAPIModel = "gemini-2.5-flash-image"
	}
	if c.ImageConnectTimeoutSeconds <= 0 {
		c.ImageConnectTimeoutSeconds = 8
	}
	if c.ImageFirstReadTimeoutSeconds <= 0 {
		c.ImageFirstReadTimeoutSeconds = 60
	}
	if c.ImageRetryReadTimeoutSeconds <= 0 {
		c.ImageRetryReadTimeoutSeconds = 30
	}
	if c.ImageMaxRetries < 0 {
		c.ImageMaxRetries = 1
	}
	if c.SpeculationMaxDepth <= 0 {
		c.SpeculationMaxDepth = 2
	}
	if c.SpeculationChoiceWorkers <= 0 {
		c.SpeculationChoiceWorkers = 3
	}
	if c.SpeculationLevelCap < 0 {
		c.SpeculationLevelCap = 18
	}
	if c.SpeculationMaxPerUser <= 0 {
		c.SpeculationMaxPerUser = 9
	}
	if c.FirstStoryCacheMaxEntries <= 0 {
		c.FirstStoryCacheMaxEntries = 100
	}
	if c.StartCacheWaitSeconds <= 0 {
		c.StartCacheWaitSeconds = 8
	}
	if c.ContinueRaceWaitSeconds <= 0 {
		c.ContinueRaceWaitSeconds = 90
	}
	if c.ChapterMinNodes <= 0 {
		c.ChapterMinNodes = 6
	}
	if c.ChapterMaxNodes <= 0 {
		c.ChapterMaxNodes = 22
	}
	if c.ChapterPassThreshold <= 0 {
		c.ChapterPassThreshold = 80
	}
	if c.ChapterFailThreshold <= 0 {
		c.ChapterFailThreshold = 90
	}
	return c
}

// Validate rejects configurations that cannot start.
func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "sqlite3", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database driver %q", c.DBDriver)
	}
	switch c.LLMBackend {
	case "auto", "doubao", "openai", "ollama":
	default:
		return fmt.Errorf("unsupported llm backend %q", c.LLMBackend)
	}
	if !c.AuthDisabled && c.JWTSecret == nil {
		return fmt.Errorf("AUTH_JWT_SECRET is required unless AUTH_DISABLED=true")
	}
	if c.ChapterMinNodes > c.ChapterMaxNodes {
		return fmt.Errorf("chapter min_nodes %d exceeds max_nodes %d", c.ChapterMinNodes, c.ChapterMaxNodes)
	}
	return nil
}

// LLMTimeout returns the per-attempt model timeout as a duration.
func (c Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSeconds) * time.Second
}

// =============================================================================
// Environment Helpers
// =============================================================================

func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
