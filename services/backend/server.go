// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package backend assembles the DentalLocal service: configuration,
// storage, model ports, scheduler, pipeline, and the HTTP surface.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/DentalLocal/pkg/audit"
	"github.com/AleutianAI/DentalLocal/pkg/config"
	"github.com/AleutianAI/DentalLocal/services/backend/datatypes"
	"github.com/AleutianAI/DentalLocal/services/backend/handlers"
	"github.com/AleutianAI/DentalLocal/services/backend/observability"
	"github.com/AleutianAI/DentalLocal/services/backend/routes"
	"github.com/AleutianAI/DentalLocal/services/inference"
	"github.com/AleutianAI/DentalLocal/services/inference/scheduler"
	"github.com/AleutianAI/DentalLocal/services/pipeline"
	"github.com/AleutianAI/DentalLocal/services/rag"
)

// =============================================================================
// Server
// =============================================================================

// Server owns every long-lived component and their shutdown order.
type Server struct {
	cfg     *config.Config
	log     *slog.Logger
	engine  *gin.Engine
	sched   *scheduler.Scheduler
	store   *rag.Coordinator
	journal *rag.Journal
	index   *rag.VectorIndex
	auditor *audit.Log
	watcher *inference.ModelWatcher
	stats   *observability.Stats
	deps    *handlers.Deps
}

// weight file env overrides with shipping defaults.
func weightFile(envVar, fallback string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return fallback
}

// New assembles the service. Nothing starts listening yet; Run does.
func New(cfg *config.Config, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	auditor, err := audit.Open(cfg.AuditPath())
	if err != nil {
		return nil, err
	}
	journal, err := rag.OpenJournal(cfg.JournalPath())
	if err != nil {
		return nil, err
	}
	index := rag.NewVectorIndex(cfg.RAGDataDir())

	watcher, err := inference.NewModelWatcher(cfg.ModelsDir(), log)
	if err != nil {
		return nil, fmt.Errorf("could not scan the models directory: %w", err)
	}

	speech, err := inference.NewWhisperCppRecognizer(cfg.SpeechURL,
		weightFile("SPEECH_MODEL_FILE", "ggml-medium.bin"), watcher)
	if err != nil {
		return nil, err
	}
	gen, err := inference.NewLlamaCppGenerator(cfg.LLMURL,
		weightFile("LLM_MODEL_FILE", "mistral-7b-instruct-q4_k_m.gguf"), watcher)
	if err != nil {
		return nil, err
	}
	embedder, err := inference.NewLlamaCppEmbedder(cfg.EmbedURL,
		weightFile("EMBED_MODEL_FILE", "nomic-embed-text-v1.5-q8_0.gguf"), watcher,
		os.Getenv("EMBEDDER_PARALLEL_SAFE") == "true")
	if err != nil {
		return nil, err
	}

	sched := scheduler.New(scheduler.Options{
		Workers: map[scheduler.QueueName]int{
			scheduler.QueueSpeech:   cfg.Tuning.SpeechWorkers,
			scheduler.QueueGenerate: cfg.Tuning.GenerateWorkers,
			scheduler.QueueEmbed:    cfg.Tuning.EmbedWorkers,
		},
		WaitDepth:  cfg.Tuning.QueueDepth,
		WaitBudget: time.Duration(cfg.Tuning.WaitBudgetSeconds) * time.Second,
		Logger:     log,
	})

	// All embedding flows through the embed queue unless the backend
	// declares itself safe for parallel callers.
	embedFn := func(ctx context.Context, texts []string) ([][]float32, error) {
		if embedder.ParallelSafe() {
			return embedder.EmbedBatch(ctx, texts)
		}
		value, err := sched.Submit(ctx, scheduler.QueueEmbed, func(ctx context.Context) (any, error) {
			return embedder.EmbedBatch(ctx, texts)
		})
		if err != nil {
			return nil, err
		}
		return value.([][]float32), nil
	}

	store := rag.NewCoordinator(journal, index, embedFn, auditor, log)

	stats := observability.NewStats()
	reg := prometheus.NewRegistry()
	prom := observability.NewPromMetrics(reg)

	auditor.OnWriteFailure(func(error) {
		stats.IncCounter("audit_write_failures")
		prom.AuditWriteFailuresTotal.Inc()
	})
	store.OnSkippedLines(func(n int) {
		stats.AddCounter("journal_lines_skipped", int64(n))
		prom.JournalLinesSkippedTotal.Add(float64(n))
	})
	store.OnIndexDeferred(func() {
		stats.IncCounter("index_deferrals")
		prom.IndexDeferralsTotal.Inc()
	})

	pipe := pipeline.New(sched, speech, gen, store, log, pipeline.Options{
		MaxTextChars:  cfg.Tuning.MaxTextChars,
		RetrievalTopK: cfg.Tuning.RetrievalTopK,
	})

	downloads := inference.NewDownloadManager(cfg.ModelsDir(),
		os.Getenv("MODEL_MIRROR_URL"), watcher, log)

	deps := &handlers.Deps{
		Log:       log,
		Sched:     sched,
		Pipe:      pipe,
		Store:     store,
		Auditor:   auditor,
		Stats:     stats,
		Prom:      prom,
		Downloads: downloads,
		Generator: gen,
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	routes.SetupRoutes(engine, deps, routes.Options{
		APIKey:         cfg.APIKey,
		RatePerMinute:  cfg.Tuning.RateLimitPerMinute,
		RateMaxClients: cfg.Tuning.RateLimitMaxClients,
		PromGatherer:   reg,
	})

	return &Server{
		cfg:     cfg,
		log:     log,
		engine:  engine,
		sched:   sched,
		store:   store,
		journal: journal,
		index:   index,
		auditor: auditor,
		watcher: watcher,
		stats:   stats,
		deps:    deps,
	}, nil
}

// Engine exposes the router for tests.
func (s *Server) Engine() *gin.Engine { return s.engine }

// Store exposes the RAG coordinator (used by the ingest command).
func (s *Server) Store() *rag.Coordinator { return s.store }

// =============================================================================
// Run & Shutdown
// =============================================================================

// Run starts the loopback listener and blocks until ctx is cancelled,
// then drains in order: HTTP, scheduler, stores.
func (s *Server) Run(ctx context.Context) error {
	// The index may need a rebuild; it runs in the background while
	// the service accepts traffic.
	if err := s.store.Start(ctx); err != nil {
		return err
	}
	s.log.Info("hardware profile detected", "profile", string(s.cfg.Profile))

	srv := &http.Server{
		Addr:              "127.0.0.1:" + s.cfg.Port,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting the DentalLocal backend", "addr", srv.Addr, "env", s.cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutdown signal received, draining")
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(s.cfg.Tuning.DrainSeconds)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("http shutdown did not finish cleanly", "error", err)
	}
	if err := s.sched.Shutdown(time.Duration(s.cfg.Tuning.DrainSeconds) * time.Second); err != nil {
		s.log.Warn("scheduler drain incomplete", "error", err)
	}
	if err := s.index.Save(); err != nil {
		s.log.Warn("final index snapshot failed", "error", err)
	}
	_ = s.journal.Close()
	_ = s.auditor.Close()
	_ = s.watcher.Close()
	s.log.Info("shutdown complete")
	return nil
}

// =============================================================================
// Knowledge Seeding
// =============================================================================

// seedFile is the yaml shape the ingest command reads.
type seedFile struct {
	Documents []datatypes.KnowledgeDocument `yaml:"documents"`
}

// IngestSeed bulk-indexes a yaml seed file of knowledge documents and
// returns how many chunks were indexed.
func (s *Server) IngestSeed(ctx context.Context, path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("could not read the seed file: %w", err)
	}
	var seed seedFile
	if err := yaml.Unmarshal(raw, &seed); err != nil {
		return 0, fmt.Errorf("could not parse the seed file: %w", err)
	}
	if len(seed.Documents) == 0 {
		return 0, fmt.Errorf("the seed file contains no documents")
	}
	return s.store.IngestKnowledge(ctx, seed.Documents)
}
