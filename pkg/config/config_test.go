// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Loading
// =============================================================================

func TestLoad_DataDirOverride(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "custom-data")
	t.Setenv("DENTAL_ASSISTANT_DATA_DIR", dir)
	t.Setenv("ENV", "development")
	t.Setenv("APP_API_KEY", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.DirExists(t, cfg.ModelsDir())
	assert.DirExists(t, cfg.RAGDataDir())
	assert.Equal(t, filepath.Join(dir, "consultations.jsonl"), cfg.JournalPath())
	assert.Equal(t, filepath.Join(dir, "audit.jsonl"), cfg.AuditPath())
}

func TestLoad_DataDirOwnerOnly(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions only")
	}
	dir := filepath.Join(t.TempDir(), "perm-check")
	t.Setenv("DENTAL_ASSISTANT_DATA_DIR", dir)
	t.Setenv("ENV", "development")

	_, err := Load()
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestLoad_ProductionRequiresAPIKey(t *testing.T) {
	t.Setenv("DENTAL_ASSISTANT_DATA_DIR", t.TempDir())
	t.Setenv("ENV", "production")
	t.Setenv("APP_API_KEY", "")

	_, err := Load()

	assert.Error(t, err, "production without a key must refuse to start")
}

func TestLoad_ProductionWithKey(t *testing.T) {
	t.Setenv("DENTAL_ASSISTANT_DATA_DIR", t.TempDir())
	t.Setenv("ENV", "production")
	t.Setenv("APP_API_KEY", "sekrit")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, "sekrit", cfg.APIKey)
}

// =============================================================================
// Tuning
// =============================================================================

func TestLoad_TuningDefaults(t *testing.T) {
	t.Setenv("DENTAL_ASSISTANT_DATA_DIR", t.TempDir())
	t.Setenv("ENV", "development")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 1, cfg.Tuning.SpeechWorkers)
	assert.Equal(t, 1, cfg.Tuning.EmbedWorkers)
	assert.Equal(t, 16, cfg.Tuning.QueueDepth)
	assert.Equal(t, 30, cfg.Tuning.RateLimitPerMinute)
	assert.Equal(t, 4, cfg.Tuning.RetrievalTopK)
	if cfg.Profile == ProfileHighVRAM {
		assert.Equal(t, 2, cfg.Tuning.GenerateWorkers)
	} else {
		assert.Equal(t, 1, cfg.Tuning.GenerateWorkers)
	}
}

func TestLoad_TuningFromYaml(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DENTAL_ASSISTANT_DATA_DIR", dir)
	t.Setenv("ENV", "development")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dentalocal.yaml"), []byte(
		"queue_depth: 4\nrate_limit_per_minute: 10\nmax_text_chars: 500\n"), 0o600))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.Tuning.QueueDepth)
	assert.Equal(t, 10, cfg.Tuning.RateLimitPerMinute)
	assert.Equal(t, 500, cfg.Tuning.MaxTextChars)
	assert.Equal(t, 1, cfg.Tuning.SpeechWorkers, "unset knobs keep defaults")
}

func TestLoad_MalformedYamlFails(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DENTAL_ASSISTANT_DATA_DIR", dir)
	t.Setenv("ENV", "development")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "dentalocal.yaml"),
		[]byte("queue_depth: [not an int"), 0o600))

	_, err := Load()
	assert.Error(t, err)
}
