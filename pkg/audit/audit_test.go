// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Helpers
// =============================================================================

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l, path
}

func entry(action Action, correlationId string) Entry {
	return Entry{
		Action:        action,
		Actor:         "127.0.0.1",
		Resource:      "/summarize",
		CorrelationId: correlationId,
		Outcome:       OutcomeSuccess,
	}
}

// =============================================================================
// Record
// =============================================================================

func TestLog_RecordStampsTimestamp(t *testing.T) {
	l, _ := newTestLog(t)

	require.NoError(t, l.Record(entry(ActionSummarize, "r1")))

	entries, err := l.Recent(1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Timestamp.IsZero())
	assert.Equal(t, ActionSummarize, entries[0].Action)
}

func TestLog_FileIsOwnerOnly(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions only")
	}
	l, path := newTestLog(t)
	require.NoError(t, l.Record(entry(ActionSummarize, "r1")))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLog_ConcurrentRecords(t *testing.T) {
	l, _ := newTestLog(t)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = l.Record(entry(ActionTranscribe, "concurrent"))
		}()
	}
	wg.Wait()

	entries, err := l.Recent(100)
	require.NoError(t, err)
	assert.Len(t, entries, 50, "writes are serialized, none lost")
}

// =============================================================================
// Recent
// =============================================================================

func TestLog_RecentNewestFirst(t *testing.T) {
	l, _ := newTestLog(t)
	for _, id := range []string{"first", "second", "third"} {
		require.NoError(t, l.Record(entry(ActionSummarize, id)))
	}

	entries, err := l.Recent(2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "third", entries[0].CorrelationId)
	assert.Equal(t, "second", entries[1].CorrelationId)
}

func TestLog_RecentSkipsCorruptLines(t *testing.T) {
	l, path := newTestLog(t)
	require.NoError(t, l.Record(entry(ActionSummarize, "good")))

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, _ = f.WriteString("{torn line")
	require.NoError(t, f.Close())

	entries, err := l.Recent(10)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLog_RecentZeroAndNegative(t *testing.T) {
	l, _ := newTestLog(t)
	require.NoError(t, l.Record(entry(ActionSummarize, "r")))

	entries, err := l.Recent(0)
	require.NoError(t, err)
	assert.Empty(t, entries)

	entries, err = l.Recent(-1)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// =============================================================================
// Failure Reporting
// =============================================================================

func TestLog_WriteFailureHookFires(t *testing.T) {
	l, _ := newTestLog(t)
	failures := 0
	l.OnWriteFailure(func(error) { failures++ })

	require.NoError(t, l.Close())
	err := l.Record(entry(ActionSummarize, "after-close"))

	assert.Error(t, err)
	assert.Equal(t, 1, failures, "a failed append must be reported, not swallowed")
}
