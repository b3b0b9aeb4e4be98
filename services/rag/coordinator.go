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
	"context"
	"log/slog"
	"strconv"
	"sync/atomic"

	"github.com/AleutianAI/DentalLocal/pkg/apperr"
	"github.com/AleutianAI/DentalLocal/pkg/audit"
	"github.com/AleutianAI/DentalLocal/services/backend/datatypes"
)

// =============================================================================
// Embedding Hook
// =============================================================================

// EmbedFunc turns texts into L2-normalized vectors. The server wires it
// through the inference scheduler's embed queue so the coordinator
// never touches a model worker directly.
type EmbedFunc func(ctx context.Context, texts []string) ([][]float32, error)

// rebuildBatchSize is how many journal records embed per scheduler
// submission during a rebuild.
const rebuildBatchSize = 16

// =============================================================================
// Status
// =============================================================================

// Status is the O(1) readiness snapshot for diagnostics and UI gating.
type Status struct {
	ConsultationsCount int
	KnowledgeCount     int
	Ready              bool
}

// =============================================================================
// Coordinator
// =============================================================================

// Coordinator combines the journal and the vector index.
//
// # Description
//
// The journal is the source of truth; the index is a derived cache.
// The coordinator enforces the write protocol (journal first, index
// second), serves retrieval, and runs the rebuild protocol when the
// index is missing, corrupt, or behind the journal.
//
// # Thread Safety
//
// Safe for concurrent use. Counters are atomics; the index has its own
// locking; journal appends serialize internally.
type Coordinator struct {
	journal *Journal
	index   *VectorIndex
	embed   EmbedFunc
	auditor *audit.Log
	log     *slog.Logger

	journalLen     atomic.Int64
	knowledgeCount atomic.Int64
	ready          atomic.Bool
	rebuilding     atomic.Bool

	// onSkippedLines reports corrupt journal lines to metrics.
	onSkippedLines func(int)
	// onIndexDeferred reports a deferred index upsert to metrics.
	onIndexDeferred func()
}

// NewCoordinator wires the store. The audit log may be nil in tests.
func NewCoordinator(journal *Journal, index *VectorIndex, embed EmbedFunc, auditor *audit.Log, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		journal:         journal,
		index:           index,
		embed:           embed,
		auditor:         auditor,
		log:             log,
		onSkippedLines:  func(int) {},
		onIndexDeferred: func() {},
	}
}

// OnSkippedLines registers the corrupt-line metrics hook.
func (c *Coordinator) OnSkippedLines(fn func(int)) {
	if fn != nil {
		c.onSkippedLines = fn
	}
}

// OnIndexDeferred registers the deferred-upsert metrics hook.
func (c *Coordinator) OnIndexDeferred(fn func()) {
	if fn != nil {
		c.onIndexDeferred = fn
	}
}

// =============================================================================
// Startup & Rebuild
// =============================================================================

// Start loads the index and kicks off a background rebuild when the
// cache cannot be trusted.
//
// # Description
//
// Opens the persisted snapshot and counts items. If loading fails, or
// the consultation count is below the journal length, a background
// rebuild streams the journal through the embedder into a fresh index
// and atomically swaps it in. Queries during the rebuild are served
// from whatever state is present; Ready flips true once counts align.
func (c *Coordinator) Start(ctx context.Context) error {
	records, skipped, err := c.journal.Scan()
	if err != nil {
		return err
	}
	if skipped > 0 {
		c.log.Warn("journal scan skipped corrupt lines", "skipped", skipped)
	}
	c.journalLen.Store(int64(len(records)))

	loadErr := c.index.Load()
	if loadErr != nil {
		c.log.Warn("vector index failed to load, scheduling rebuild", "error", loadErr)
	}
	c.knowledgeCount.Store(int64(c.index.Count(datatypes.KindKnowledge)))

	indexed := c.index.Count(datatypes.KindConsultation)
	if loadErr == nil && indexed >= len(records) {
		if skipped > 0 {
			c.onSkippedLines(skipped)
		}
		c.ready.Store(true)
		return nil
	}

	// The rebuild re-scans the journal and reports skipped lines itself.
	go c.Rebuild(ctx)
	return nil
}

// Rebuild streams the journal into a fresh index and swaps it in.
//
// Safe to call at any time; concurrent calls coalesce into one run.
func (c *Coordinator) Rebuild(ctx context.Context) {
	if !c.rebuilding.CompareAndSwap(false, true) {
		return
	}
	defer c.rebuilding.Store(false)

	records, skipped, err := c.journal.Scan()
	if err != nil {
		c.log.Error("rebuild aborted: journal scan failed", "error", err)
		c.recordAudit(audit.ActionIndexRebuild, audit.OutcomeFailure, err.Error())
		return
	}
	if skipped > 0 {
		c.onSkippedLines(skipped)
	}
	c.journalLen.Store(int64(len(records)))

	fresh := NewVectorIndex(c.index.dir)
	c.copyKnowledgeInto(fresh)

	for start := 0; start < len(records); start += rebuildBatchSize {
		end := start + rebuildBatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]
		texts := make([]string, len(batch))
		for i, rec := range batch {
			texts[i] = rec.Note
		}
		vectors, err := c.embed(ctx, texts)
		if err != nil {
			c.log.Error("rebuild aborted: embedding batch failed", "error", err)
			c.recordAudit(audit.ActionIndexRebuild, audit.OutcomeFailure, err.Error())
			return
		}
		for i, rec := range batch {
			if err := fresh.Upsert(rec.Digest, datatypes.KindConsultation, vectors[i], consultationMeta(rec)); err != nil {
				c.log.Error("rebuild aborted: upsert failed", "digest", rec.Digest, "error", err)
				c.recordAudit(audit.ActionIndexRebuild, audit.OutcomeFailure, err.Error())
				return
			}
		}
	}

	c.index.ReplaceFrom(fresh)
	if err := c.index.Save(); err != nil {
		// The in-memory swap already succeeded; persistence catches up
		// on the next save.
		c.log.Warn("rebuilt index could not be persisted", "error", err)
	}
	c.ready.Store(true)
	c.recordAudit(audit.ActionIndexRebuild, audit.OutcomeSuccess, "")
	c.log.Info("vector index rebuilt from journal",
		"consultations", c.index.Count(datatypes.KindConsultation),
		"knowledge", c.knowledgeCount.Load())
}

// copyKnowledgeInto carries knowledge items from the live index into a
// rebuild target; knowledge is seeded once and not derivable from the
// journal.
func (c *Coordinator) copyKnowledgeInto(fresh *VectorIndex) {
	c.index.mu.RLock()
	defer c.index.mu.RUnlock()
	for _, item := range c.index.items {
		if item.Kind == datatypes.KindKnowledge {
			_ = fresh.Upsert(item.Id, item.Kind, item.Embedding, item.Meta)
		}
	}
}

// =============================================================================
// Writes
// =============================================================================

// SaveConsultation persists a record: journal first, then index.
//
// # Description
//
// The journal write is the point of no return: once it succeeds the
// call succeeds regardless of what the index does. The index upsert is
// retried once; a second failure is deferred to the next rebuild, with
// a separate audit failure entry and a metrics tick, while the save
// itself still returns nil.
func (c *Coordinator) SaveConsultation(ctx context.Context, record datatypes.ConsultationRecord) error {
	if record.Digest == "" {
		record.Digest = datatypes.NoteDigest(record.Note)
	}
	if err := c.journal.Append(record); err != nil {
		return err
	}
	c.journalLen.Add(1)

	if err := c.indexConsultation(ctx, record); err != nil {
		// Retry once; the embedder may have been momentarily busy.
		if err = c.indexConsultation(ctx, record); err != nil {
			c.onIndexDeferred()
			c.ready.Store(false)
			c.recordAuditResource(audit.ActionIndexDefer, audit.OutcomeFailure,
				record.Digest, err.Error())
			c.log.Warn("index upsert deferred to next rebuild",
				"digest", record.Digest, "error", err)
			return nil
		}
	}

	if err := c.index.Save(); err != nil {
		c.log.Warn("index snapshot save failed after upsert", "error", err)
	}
	c.refreshReady()
	return nil
}

// indexConsultation embeds and upserts one record.
func (c *Coordinator) indexConsultation(ctx context.Context, record datatypes.ConsultationRecord) error {
	vectors, err := c.embed(ctx, []string{record.Note})
	if err != nil {
		return err
	}
	if len(vectors) != 1 {
		return apperr.New(apperr.KindInferenceRuntime, "embedder returned an unexpected batch size")
	}
	return c.index.Upsert(record.Digest, datatypes.KindConsultation, vectors[0], consultationMeta(record))
}

// IngestKnowledge bulk-indexes the seed knowledge set, chunked to
// sentence groups.
func (c *Coordinator) IngestKnowledge(ctx context.Context, docs []datatypes.KnowledgeDocument) (int, error) {
	type pending struct {
		id   string
		body string
		meta map[string]string
	}
	var chunks []pending
	for _, doc := range docs {
		for i, chunk := range SentenceChunks(doc.Body) {
			chunks = append(chunks, pending{
				id:   doc.Id + "#" + strconv.Itoa(i),
				body: chunk,
				meta: map[string]string{
					"source":        doc.Source,
					"section_title": doc.SectionTitle,
					"body":          chunk,
				},
			})
		}
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	for start := 0; start < len(chunks); start += rebuildBatchSize {
		end := start + rebuildBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]
		texts := make([]string, len(batch))
		for i, p := range batch {
			texts[i] = p.body
		}
		vectors, err := c.embed(ctx, texts)
		if err != nil {
			return 0, err
		}
		for i, p := range batch {
			if err := c.index.Upsert(p.id, datatypes.KindKnowledge, vectors[i], p.meta); err != nil {
				return 0, err
			}
		}
	}

	c.knowledgeCount.Store(int64(c.index.Count(datatypes.KindKnowledge)))
	if err := c.index.Save(); err != nil {
		return len(chunks), err
	}
	c.recordAudit(audit.ActionKnowledgeIngest, audit.OutcomeSuccess, "")
	return len(chunks), nil
}

// =============================================================================
// Retrieval
// =============================================================================

// SearchConsultations embeds the query and returns the top-k saved
// notes, newest first among score ties.
func (c *Coordinator) SearchConsultations(ctx context.Context, query string, k int) ([]datatypes.SearchResult, error) {
	vectors, err := c.embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	hits := c.index.Query(vectors[0], k, datatypes.KindConsultation)

	results := make([]datatypes.SearchResult, 0, len(hits))
	for _, hit := range hits {
		createdMs, _ := strconv.ParseInt(hit.Meta["created_at_ms"], 10, 64)
		results = append(results, datatypes.SearchResult{
			CorrelationId:    hit.Meta["correlation_id"],
			Score:            RescaleScore(hit.Score),
			Note:             hit.Meta["smartnote"],
			DentistName:      hit.Meta["dentist_name"],
			ConsultationType: hit.Meta["consultation_type"],
			CreatedAtMs:      createdMs,
		})
	}
	return results, nil
}

// RetrieveContext returns the top-k knowledge passages for prompt
// augmentation. Consultations are never mixed into generation context.
func (c *Coordinator) RetrieveContext(ctx context.Context, query string, k int) ([]string, error) {
	vectors, err := c.embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	hits := c.index.Query(vectors[0], k, datatypes.KindKnowledge)

	passages := make([]string, 0, len(hits))
	for _, hit := range hits {
		if body := hit.Meta["body"]; body != "" {
			passages = append(passages, body)
		}
	}
	return passages, nil
}

// Status returns the O(1) readiness snapshot.
func (c *Coordinator) Status() Status {
	return Status{
		ConsultationsCount: int(c.journalLen.Load()),
		KnowledgeCount:     int(c.knowledgeCount.Load()),
		Ready:              c.ready.Load(),
	}
}

// Export returns every journal record in insertion order.
func (c *Coordinator) Export() ([]datatypes.ConsultationRecord, error) {
	return c.journal.Export()
}

// =============================================================================
// Helpers
// =============================================================================

// refreshReady aligns the ready flag with the count invariant.
func (c *Coordinator) refreshReady() {
	c.ready.Store(int64(c.index.Count(datatypes.KindConsultation)) >= c.journalLen.Load())
}

// consultationMeta flattens the record fields retrieval needs.
func consultationMeta(rec datatypes.ConsultationRecord) map[string]string {
	return map[string]string{
		"correlation_id":    rec.CorrelationId,
		"created_at_ms":     strconv.FormatInt(rec.CreatedAtMs, 10),
		"smartnote":         rec.Note,
		"dentist_name":      rec.DentistName,
		"consultation_type": rec.ConsultationType,
	}
}

// RescaleScore maps raw cosine similarity in [-1, 1] to the UI range
// [0, 1]: linear rescale, then clip against float drift.
func RescaleScore(cosine float64) float64 {
	s := (cosine + 1) / 2
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

func (c *Coordinator) recordAudit(action audit.Action, outcome audit.Outcome, detail string) {
	c.recordAuditResource(action, outcome, "index", detail)
}

func (c *Coordinator) recordAuditResource(action audit.Action, outcome audit.Outcome, resource, detail string) {
	if c.auditor == nil {
		return
	}
	_ = c.auditor.Record(audit.Entry{
		Action:   action,
		Actor:    "system",
		Resource: resource,
		Outcome:  outcome,
		Detail:   detail,
	})
}
