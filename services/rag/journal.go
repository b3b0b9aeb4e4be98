// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rag implements the consultation store: the append-only
// journal (source of truth), the in-process vector index (derived
// cache), and the coordinator that keeps them consistent.
package rag

import (
	"bufio"
	"os"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/AleutianAI/DentalLocal/pkg/apperr"
	"github.com/AleutianAI/DentalLocal/services/backend/datatypes"
)

// jsonit is the drop-in fast codec for the JSONL hot paths.
var jsonit = jsoniter.ConfigCompatibleWithStandardLibrary

// =============================================================================
// Journal
// =============================================================================

// Journal is the durable append-only record of every saved note.
//
// # Description
//
// One JSON line per consultation, fsynced on append. The journal is the
// authoritative store: the vector index is rebuilt from it whenever the
// two disagree. Appends are atomic at line granularity; a partial line
// produced by a crash is detected and skipped on scan.
//
// # Thread Safety
//
// Appends are serialized behind a mutex; Scan opens its own read handle
// and may run concurrently with appends.
type Journal struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenJournal opens (or creates) the journal at path.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindStoragePersist,
			"could not open the consultation journal", err)
	}
	return &Journal{path: path, file: f}, nil
}

// Append writes one record as a JSON line and fsyncs.
//
// # Outputs
//
//   - error: storage/persist on any write or sync failure. The caller
//     must treat a failed append as the note not being saved.
func (j *Journal) Append(record datatypes.ConsultationRecord) error {
	line, err := jsonit.Marshal(record)
	if err != nil {
		return apperr.Wrap(apperr.KindStoragePersist, "could not encode the record", err)
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return apperr.New(apperr.KindStoragePersist, "journal is closed")
	}
	if _, err := j.file.Write(line); err != nil {
		return apperr.Wrap(apperr.KindStoragePersist, "could not append to the journal", err)
	}
	if err := j.file.Sync(); err != nil {
		return apperr.Wrap(apperr.KindStoragePersist, "could not fsync the journal", err)
	}
	return nil
}

// Scan yields all records in insertion order.
//
// # Description
//
// Lines that fail to parse (a crash mid-append leaves at most one) are
// skipped and counted; the caller surfaces the count through metrics.
// Duplicate digests are tolerated here; the coordinator de-duplicates.
//
// # Outputs
//
//   - []ConsultationRecord: records in insertion order.
//   - int: number of skipped (partial or corrupt) lines.
//   - error: read failure other than a missing file.
func (j *Journal) Scan() ([]datatypes.ConsultationRecord, int, error) {
	f, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, apperr.Wrap(apperr.KindStoragePersist,
			"could not open the journal for scan", err)
	}
	defer f.Close()

	var records []datatypes.ConsultationRecord
	skipped := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var rec datatypes.ConsultationRecord
		if err := jsonit.Unmarshal(raw, &rec); err != nil || rec.Digest == "" {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return records, skipped, apperr.Wrap(apperr.KindStoragePersist,
			"journal scan failed", err)
	}
	return records, skipped, nil
}

// Length returns the number of valid records currently on disk.
func (j *Journal) Length() (int, error) {
	records, _, err := j.Scan()
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Export returns the full sequence in insertion order.
func (j *Journal) Export() ([]datatypes.ConsultationRecord, error) {
	records, _, err := j.Scan()
	return records, err
}

// Close flushes and closes the append handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}
