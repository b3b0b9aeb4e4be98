// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rag

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/DentalLocal/services/backend/datatypes"
)

// =============================================================================
// Upsert & Query
// =============================================================================

func TestIndex_QueryOrdersByScore(t *testing.T) {
	idx := NewVectorIndex(t.TempDir())

	require.NoError(t, idx.Upsert("far", datatypes.KindConsultation, []float32{0, 1}, nil))
	require.NoError(t, idx.Upsert("near", datatypes.KindConsultation, []float32{1, 0}, nil))
	require.NoError(t, idx.Upsert("mid", datatypes.KindConsultation, []float32{0.7071, 0.7071}, nil))

	hits := idx.Query([]float32{1, 0}, 3, datatypes.KindConsultation)
	require.Len(t, hits, 3)
	assert.Equal(t, "near", hits[0].Id)
	assert.Equal(t, "mid", hits[1].Id)
	assert.Equal(t, "far", hits[2].Id)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.InDelta(t, 0.0, hits[2].Score, 1e-6)
}

func TestIndex_ScoreStaysInCosineRange(t *testing.T) {
	idx := NewVectorIndex(t.TempDir())
	require.NoError(t, idx.Upsert("opposite", datatypes.KindConsultation, []float32{-1, 0}, nil))

	hits := idx.Query([]float32{1, 0}, 1, "")
	require.Len(t, hits, 1)
	assert.GreaterOrEqual(t, hits[0].Score, -1.0)
	assert.LessOrEqual(t, hits[0].Score, 1.0)
	assert.InDelta(t, -1.0, hits[0].Score, 1e-6)
}

func TestIndex_TieBreaksNewestThenId(t *testing.T) {
	idx := NewVectorIndex(t.TempDir())
	vec := []float32{1, 0}

	require.NoError(t, idx.Upsert("b-old", datatypes.KindConsultation, vec,
		map[string]string{"created_at_ms": "1000"}))
	require.NoError(t, idx.Upsert("a-new", datatypes.KindConsultation, vec,
		map[string]string{"created_at_ms": "2000"}))
	require.NoError(t, idx.Upsert("c-new", datatypes.KindConsultation, vec,
		map[string]string{"created_at_ms": "2000"}))

	hits := idx.Query(vec, 3, datatypes.KindConsultation)
	require.Len(t, hits, 3)
	assert.Equal(t, "a-new", hits[0].Id, "newer wins the tie")
	assert.Equal(t, "c-new", hits[1].Id, "equal instants fall back to lexicographic id")
	assert.Equal(t, "b-old", hits[2].Id)
}

func TestIndex_KindFilter(t *testing.T) {
	idx := NewVectorIndex(t.TempDir())
	vec := []float32{1, 0}

	require.NoError(t, idx.Upsert("c1", datatypes.KindConsultation, vec, nil))
	require.NoError(t, idx.Upsert("k1", datatypes.KindKnowledge, vec, nil))
	require.NoError(t, idx.Upsert("x1", datatypes.ItemKind("mystery"), vec, nil))

	hits := idx.Query(vec, 10, datatypes.KindKnowledge)
	require.Len(t, hits, 1)
	assert.Equal(t, "k1", hits[0].Id)

	assert.Equal(t, 1, idx.Count(datatypes.KindConsultation))
	assert.Equal(t, 1, idx.Count(datatypes.KindKnowledge))
	assert.Equal(t, 3, idx.Count(""))
}

func TestIndex_UpsertReplacesById(t *testing.T) {
	idx := NewVectorIndex(t.TempDir())

	require.NoError(t, idx.Upsert("same", datatypes.KindConsultation, []float32{1, 0}, nil))
	require.NoError(t, idx.Upsert("same", datatypes.KindConsultation, []float32{0, 1}, nil))

	assert.Equal(t, 1, idx.Count(""))
	hits := idx.Query([]float32{0, 1}, 1, "")
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
}

func TestIndex_UpsertValidation(t *testing.T) {
	idx := NewVectorIndex(t.TempDir())
	require.NoError(t, idx.Upsert("a", datatypes.KindConsultation, []float32{1, 0}, nil))

	assert.Error(t, idx.Upsert("", datatypes.KindConsultation, []float32{1, 0}, nil))
	assert.Error(t, idx.Upsert("b", datatypes.KindConsultation, nil, nil))
	assert.Error(t, idx.Upsert("b", datatypes.KindConsultation, []float32{1, 0, 0}, nil),
		"dimension mismatch must be rejected")
}

// =============================================================================
// Persistence
// =============================================================================

func TestIndex_SaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	idx := NewVectorIndex(dir)
	require.NoError(t, idx.Upsert("one", datatypes.KindConsultation, []float32{1, 0},
		map[string]string{"smartnote": "text"}))
	require.NoError(t, idx.Upsert("two", datatypes.KindKnowledge, []float32{0, 1}, nil))
	require.NoError(t, idx.Save())

	fresh := NewVectorIndex(dir)
	require.NoError(t, fresh.Load())
	assert.Equal(t, 2, fresh.Count(""))

	hits := fresh.Query([]float32{1, 0}, 1, datatypes.KindConsultation)
	require.Len(t, hits, 1)
	assert.Equal(t, "one", hits[0].Id)
	assert.Equal(t, "text", hits[0].Meta["smartnote"])
}

func TestIndex_LoadMissingSnapshotIsEmpty(t *testing.T) {
	idx := NewVectorIndex(t.TempDir())
	require.NoError(t, idx.Load())
	assert.Zero(t, idx.Count(""))
}

func TestIndex_LoadRejectsCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	idx := NewVectorIndex(dir)
	require.NoError(t, os.WriteFile(idx.snapshotPath(), []byte("{broken\n"), 0o600))

	assert.Error(t, idx.Load(), "structural validation must fail the load")
}

func TestIndex_LoadRejectsMixedDimensions(t *testing.T) {
	dir := t.TempDir()
	writer := NewVectorIndex(dir)
	require.NoError(t, os.WriteFile(writer.snapshotPath(), []byte(
		`{"id":"a","kind":"consultation","embedding":[1,0]}`+"\n"+
			`{"id":"b","kind":"consultation","embedding":[1,0,0]}`+"\n"), 0o600))

	assert.Error(t, writer.Load())
}

func TestIndex_ReplaceFromSwapsContents(t *testing.T) {
	dir := t.TempDir()
	live := NewVectorIndex(dir)
	require.NoError(t, live.Upsert("stale", datatypes.KindConsultation, []float32{1, 0}, nil))

	fresh := NewVectorIndex(dir)
	require.NoError(t, fresh.Upsert("current", datatypes.KindConsultation, []float32{0, 1}, nil))

	live.ReplaceFrom(fresh)
	assert.Equal(t, 1, live.Count(""))
	hits := live.Query([]float32{0, 1}, 1, "")
	assert.Equal(t, "current", hits[0].Id)
}
