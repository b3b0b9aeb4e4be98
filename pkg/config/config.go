// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config resolves the per-user data directory, credentials, and
// tuning knobs for the DentalLocal backend.
//
// # Description
//
// Configuration is environment-first (the service runs under a desktop
// shell that sets variables), with an optional dentalocal.yaml in the
// data directory for tuning knobs. The data directory holds everything
// the core persists: model weights, the vector index, the consultation
// journal, and the audit log.
//
// # Environment
//
//   - APP_API_KEY: expected X-API-Key value. Required in production.
//   - ENV: "development" (default) or "production".
//   - DENTAL_ASSISTANT_DATA_DIR: overrides the default data directory.
//   - SPEECH_SERVICE_URL_BASE, LLM_SERVICE_URL_BASE, EMBED_SERVICE_URL_BASE:
//     local model runtime endpoints.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// EnvDevelopment and EnvProduction are the accepted ENV values.
	EnvDevelopment = "development"
	EnvProduction  = "production"

	// dataDirName is the per-user directory under the home directory
	// (used on every OS except macOS; see resolveDataDir).
	dataDirName = ".dentalocal"

	// configFileName is the optional tuning file inside the data dir.
	configFileName = "dentalocal.yaml"
)

// Persisted state layout under the data directory.
const (
	ModelsSubdir   = "models"
	RAGDataSubdir  = "rag_data"
	JournalFile    = "consultations.jsonl"
	AuditFile      = "audit.jsonl"
)

// =============================================================================
// Config Struct
// =============================================================================

// Tuning holds the knobs the yaml file may override.
//
// Zero values are replaced by defaults in applyDefaults; the struct is
// kept flat so the yaml stays obvious to hand-edit.
type Tuning struct {
	// SpeechWorkers, GenerateWorkers, EmbedWorkers size the scheduler
	// pools. GenerateWorkers defaults to 2 on high_vram hosts.
	SpeechWorkers   int `yaml:"speech_workers"`
	GenerateWorkers int `yaml:"generate_workers"`
	EmbedWorkers    int `yaml:"embed_workers"`

	// QueueDepth caps each scheduler waiting list.
	QueueDepth int `yaml:"queue_depth"`

	// WaitBudgetSeconds bounds how long a submission may sit in a
	// waiting list before it is rejected as busy.
	WaitBudgetSeconds int `yaml:"wait_budget_seconds"`

	// RateLimitPerMinute is the token-bucket refill per endpoint group.
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`

	// RateLimitMaxClients caps the bucket store cardinality.
	RateLimitMaxClients int `yaml:"rate_limit_max_clients"`

	// MaxTextChars caps sanitized transcription text.
	MaxTextChars int `yaml:"max_text_chars"`

	// RetrievalTopK is the default passage count for RAG prompts.
	RetrievalTopK int `yaml:"retrieval_top_k"`

	// DrainSeconds bounds the shutdown drain period.
	DrainSeconds int `yaml:"drain_seconds"`
}

// Config is the resolved process configuration.
type Config struct {
	// DataDir is the per-user directory holding all persisted state.
	DataDir string

	// Env is "development" or "production".
	Env string

	// APIKey is the expected X-API-Key value. Empty only in development.
	APIKey string

	// SpeechURL, LLMURL, EmbedURL are the local runtime endpoints.
	SpeechURL string
	LLMURL    string
	EmbedURL  string

	// Port is the loopback listen port.
	Port string

	// Profile is the detected hardware class.
	Profile HardwareProfile

	// Tuning carries the yaml-overridable knobs.
	Tuning Tuning
}

// =============================================================================
// Loading
// =============================================================================

// Load resolves the full configuration.
//
// # Description
//
// Resolution order: environment variables, then dentalocal.yaml for
// tuning knobs, then defaults. The data directory is created with
// owner-only permissions if absent. In production mode a missing API
// key is a fatal configuration error.
//
// # Outputs
//
//   - *Config: resolved configuration, data dir created.
//   - error: a plain configuration error in production without a key,
//     or any filesystem failure creating the data dir.
func Load() (*Config, error) {
	cfg := &Config{
		Env:       strings.TrimSpace(os.Getenv("ENV")),
		APIKey:    strings.TrimSpace(os.Getenv("APP_API_KEY")),
		SpeechURL: strings.TrimSuffix(os.Getenv("SPEECH_SERVICE_URL_BASE"), "/"),
		LLMURL:    strings.TrimSuffix(os.Getenv("LLM_SERVICE_URL_BASE"), "/"),
		EmbedURL:  strings.TrimSuffix(os.Getenv("EMBED_SERVICE_URL_BASE"), "/"),
		Port:      os.Getenv("DENTAL_ASSISTANT_PORT"),
	}
	if cfg.Env == "" {
		cfg.Env = EnvDevelopment
	}
	if cfg.Port == "" {
		cfg.Port = "12780"
	}

	if cfg.Env == EnvProduction && cfg.APIKey == "" {
		return nil, fmt.Errorf("APP_API_KEY must be set when ENV=production")
	}

	dir, err := resolveDataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", dir, err)
	}
	for _, sub := range []string{ModelsSubdir, RAGDataSubdir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o700); err != nil {
			return nil, fmt.Errorf("create data subdir %s: %w", sub, err)
		}
	}
	cfg.DataDir = dir

	if err := loadTuning(filepath.Join(dir, configFileName), &cfg.Tuning); err != nil {
		return nil, err
	}

	cfg.Profile = DetectHardwareProfile()
	cfg.applyDefaults()
	return cfg, nil
}

// resolveDataDir picks the data directory: env override first, then a
// per-OS default under the user's home.
func resolveDataDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("DENTAL_ASSISTANT_DATA_DIR")); override != "" {
		return override, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not find the user's home directory: %w", err)
	}
	if runtime.GOOS == "darwin" {
		return filepath.Join(home, "Library", "Application Support", "DentalLocal"), nil
	}
	return filepath.Join(home, dataDirName), nil
}

// loadTuning reads the optional yaml tuning file. A missing file is not
// an error; a malformed one is.
func loadTuning(path string, out *Tuning) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read the config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", configFileName, err)
	}
	return nil
}

// applyDefaults fills tuning zero values; generate workers follow the
// hardware profile.
func (c *Config) applyDefaults() {
	t := &c.Tuning
	if t.SpeechWorkers <= 0 {
		t.SpeechWorkers = 1
	}
	if t.GenerateWorkers <= 0 {
		if c.Profile == ProfileHighVRAM {
			t.GenerateWorkers = 2
		} else {
			t.GenerateWorkers = 1
		}
	}
	if t.EmbedWorkers <= 0 {
		t.EmbedWorkers = 1
	}
	if t.QueueDepth <= 0 {
		t.QueueDepth = 16
	}
	if t.WaitBudgetSeconds <= 0 {
		t.WaitBudgetSeconds = 120
	}
	if t.RateLimitPerMinute <= 0 {
		t.RateLimitPerMinute = 30
	}
	if t.RateLimitMaxClients <= 0 {
		t.RateLimitMaxClients = 1024
	}
	if t.MaxTextChars <= 0 {
		t.MaxTextChars = 32000
	}
	if t.RetrievalTopK <= 0 {
		t.RetrievalTopK = 4
	}
	if t.DrainSeconds <= 0 {
		t.DrainSeconds = 20
	}
}

// =============================================================================
// Path Helpers
// =============================================================================

// ModelsDir returns the model weights directory.
func (c *Config) ModelsDir() string { return filepath.Join(c.DataDir, ModelsSubdir) }

// RAGDataDir returns the vector index directory.
func (c *Config) RAGDataDir() string { return filepath.Join(c.DataDir, RAGDataSubdir) }

// JournalPath returns the consultation journal path.
func (c *Config) JournalPath() string { return filepath.Join(c.DataDir, JournalFile) }

// AuditPath returns the audit log path.
func (c *Config) AuditPath() string { return filepath.Join(c.DataDir, AuditFile) }

// IsProduction reports whether the process is declared production.
func (c *Config) IsProduction() bool { return c.Env == EnvProduction }
