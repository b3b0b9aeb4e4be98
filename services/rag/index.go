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
	"bufio"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/AleutianAI/DentalLocal/pkg/apperr"
	"github.com/AleutianAI/DentalLocal/services/backend/datatypes"
)

// =============================================================================
// Indexed Item
// =============================================================================

// indexItem is one row of the dense index.
type indexItem struct {
	Id        string            `json:"id"`
	Kind      datatypes.ItemKind `json:"kind"`
	Embedding []float32         `json:"embedding"`
	Meta      map[string]string `json:"meta,omitempty"`
}

// QueryResult is one nearest-neighbour hit.
//
// Score is raw cosine similarity in [-1, 1]; callers map it to a
// UI-friendly [0, 1] by clipping and linear rescaling.
type QueryResult struct {
	Id    string
	Kind  datatypes.ItemKind
	Score float64
	Meta  map[string]string
}

// =============================================================================
// VectorIndex
// =============================================================================

// VectorIndex is the in-process dense nearest-neighbour store.
//
// # Description
//
// A flat cosine-similarity index over L2-normalized embeddings, so
// similarity reduces to a dot product. The index is a derived cache of
// the journal: it is persisted as a JSONL snapshot under rag_data/ and
// rebuilt from the journal whenever loading fails or counts disagree.
//
// Deletion is not part of the public surface; consultations are never
// edited by the core. Upsert replaces by id so a rebuild or retry is
// idempotent.
//
// # Thread Safety
//
// A single write lock guards Upsert/Clear; queries take the read lock
// and may run concurrently. In-memory swaps (Load, ReplaceFrom) happen
// under the write lock and the on-disk snapshot is replaced by an atomic
// rename, so readers never observe a half-built state.
type VectorIndex struct {
	mu    sync.RWMutex
	dir   string
	items []indexItem
	byId  map[string]int
	dim   int
}

const indexSnapshotFile = "index.jsonl"

// NewVectorIndex creates an empty index persisting under dir.
func NewVectorIndex(dir string) *VectorIndex {
	return &VectorIndex{dir: dir, byId: make(map[string]int)}
}

// snapshotPath returns the persisted snapshot location.
func (v *VectorIndex) snapshotPath() string {
	return filepath.Join(v.dir, indexSnapshotFile)
}

// =============================================================================
// Mutation
// =============================================================================

// Upsert inserts or replaces the item with the given id.
//
// # Outputs
//
//   - error: input/invalid on an empty id, an empty embedding, or a
//     dimension mismatch with the items already stored.
func (v *VectorIndex) Upsert(id string, kind datatypes.ItemKind, embedding []float32, meta map[string]string) error {
	if id == "" {
		return apperr.New(apperr.KindInputInvalid, "index id must not be empty")
	}
	if len(embedding) == 0 {
		return apperr.New(apperr.KindInputInvalid, "embedding must not be empty")
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.dim == 0 {
		v.dim = len(embedding)
	} else if len(embedding) != v.dim {
		return apperr.Newf(apperr.KindInputInvalid,
			"embedding dimension %d does not match index dimension %d", len(embedding), v.dim)
	}

	item := indexItem{Id: id, Kind: kind, Embedding: embedding, Meta: meta}
	if pos, ok := v.byId[id]; ok {
		v.items[pos] = item
		return nil
	}
	v.byId[id] = len(v.items)
	v.items = append(v.items, item)
	return nil
}

// Clear drops every item, keeping the configured directory.
func (v *VectorIndex) Clear() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.items = nil
	v.byId = make(map[string]int)
	v.dim = 0
}

// =============================================================================
// Queries
// =============================================================================

// Query returns the k nearest items by cosine similarity.
//
// # Description
//
// kindFilter narrows the search to one item kind; pass "" for all.
// Ties on score break by newer meta["created_at_ms"] first, then by
// lexicographic id, so result order is deterministic.
func (v *VectorIndex) Query(embedding []float32, k int, kindFilter datatypes.ItemKind) []QueryResult {
	if k <= 0 || len(embedding) == 0 {
		return nil
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	results := make([]QueryResult, 0, len(v.items))
	for _, item := range v.items {
		if kindFilter != "" && item.Kind != kindFilter {
			continue
		}
		if len(item.Embedding) != len(embedding) {
			continue
		}
		results = append(results, QueryResult{
			Id:    item.Id,
			Kind:  item.Kind,
			Score: dot(embedding, item.Embedding),
			Meta:  item.Meta,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		ci, cj := results[i].Meta["created_at_ms"], results[j].Meta["created_at_ms"]
		if ci != cj {
			return laterInstant(ci, cj)
		}
		return results[i].Id < results[j].Id
	})

	if len(results) > k {
		results = results[:k]
	}
	return results
}

// Count returns the number of items of the given kind ("" counts all).
func (v *VectorIndex) Count(kind datatypes.ItemKind) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if kind == "" {
		return len(v.items)
	}
	n := 0
	for _, item := range v.items {
		if item.Kind == kind {
			n++
		}
	}
	return n
}

// dot computes the inner product; embeddings are L2-normalized by the
// embedder so this is cosine similarity.
func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// laterInstant compares two decimal millisecond strings, newest first.
// Differing lengths compare by magnitude; equal lengths lexically.
func laterInstant(a, b string) bool {
	if len(a) != len(b) {
		return len(a) > len(b)
	}
	return a > b
}

// =============================================================================
// Persistence
// =============================================================================

// Save persists the index snapshot atomically.
//
// # Description
//
// The snapshot is staged to a scratch file in the same directory and
// renamed over the previous one, so a crash mid-save leaves the old
// snapshot intact and readers never see a torn file.
func (v *VectorIndex) Save() error {
	v.mu.RLock()
	items := make([]indexItem, len(v.items))
	copy(items, v.items)
	v.mu.RUnlock()

	tmp, err := os.CreateTemp(v.dir, "index-*.tmp")
	if err != nil {
		return apperr.Wrap(apperr.KindStoragePersist, "could not stage the index snapshot", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	for _, item := range items {
		line, err := jsonit.Marshal(item)
		if err != nil {
			tmp.Close()
			return apperr.Wrap(apperr.KindStoragePersist, "could not encode an index item", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			tmp.Close()
			return apperr.Wrap(apperr.KindStoragePersist, "could not write the index snapshot", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return apperr.Wrap(apperr.KindStoragePersist, "could not flush the index snapshot", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return apperr.Wrap(apperr.KindStoragePersist, "could not fsync the index snapshot", err)
	}
	if err := tmp.Close(); err != nil {
		return apperr.Wrap(apperr.KindStoragePersist, "could not close the index snapshot", err)
	}
	if err := os.Rename(tmp.Name(), v.snapshotPath()); err != nil {
		return apperr.Wrap(apperr.KindStoragePersist, "could not swap the index snapshot", err)
	}
	return nil
}

// Load replaces the in-memory state from the persisted snapshot.
//
// # Description
//
// Structural validation is strict: any unparseable line, empty id, or
// dimension disagreement fails the whole load, signalling the
// coordinator to rebuild from the journal. A missing snapshot loads an
// empty index without error.
func (v *VectorIndex) Load() error {
	f, err := os.Open(v.snapshotPath())
	if err != nil {
		if os.IsNotExist(err) {
			v.Clear()
			return nil
		}
		return apperr.Wrap(apperr.KindStoragePersist, "could not open the index snapshot", err)
	}
	defer f.Close()

	var items []indexItem
	byId := make(map[string]int)
	dim := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var item indexItem
		if err := jsonit.Unmarshal(raw, &item); err != nil {
			return apperr.Wrap(apperr.KindStoragePersist, "index snapshot is corrupt", err)
		}
		if item.Id == "" || len(item.Embedding) == 0 {
			return apperr.New(apperr.KindStoragePersist, "index snapshot failed validation")
		}
		if dim == 0 {
			dim = len(item.Embedding)
		} else if len(item.Embedding) != dim {
			return apperr.New(apperr.KindStoragePersist, "index snapshot has mixed dimensions")
		}
		if _, dup := byId[item.Id]; dup {
			return apperr.New(apperr.KindStoragePersist, "index snapshot has duplicate ids")
		}
		byId[item.Id] = len(items)
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return apperr.Wrap(apperr.KindStoragePersist, "index snapshot scan failed", err)
	}

	v.mu.Lock()
	v.items = items
	v.byId = byId
	v.dim = dim
	v.mu.Unlock()
	return nil
}

// ReplaceFrom swaps this index's contents with another's, used by the
// rebuild protocol after a fresh index is fully populated.
func (v *VectorIndex) ReplaceFrom(fresh *VectorIndex) {
	fresh.mu.RLock()
	items := make([]indexItem, len(fresh.items))
	copy(items, fresh.items)
	dim := fresh.dim
	fresh.mu.RUnlock()

	byId := make(map[string]int, len(items))
	for i, item := range items {
		byId[item.Id] = i
	}

	v.mu.Lock()
	v.items = items
	v.byId = byId
	v.dim = dim
	v.mu.Unlock()
}
