// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler serializes access to the scarce, thread-hostile
// model workers behind three logical queues: speech, generate, embed.
//
// # Description
//
// Each queue owns a bounded worker pool and a bounded FIFO waiting
// list. Submissions either start immediately on an idle worker, wait
// their turn, or fail fast with a busy error and a retry hint. Every
// submission carries an abort signal (its context); cancellation while
// waiting removes the work without touching a backend, cancellation
// while running is relayed best-effort and the result discarded.
//
// # Worker State Machine
//
//	Idle → Claimed → Running → Idle        (normal completion)
//	Running → Draining → Idle              (cancellation requested)
//	Claimed → Idle                         (backend not ready; the
//	                                        submission fails, the
//	                                        worker is not broken)
//
// # Ordering
//
// Within a queue, work starts in submission order (monotonic tickets
// over a FIFO channel). Across queues there is no ordering and no
// fairness guarantee; they operate independently.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AleutianAI/DentalLocal/pkg/apperr"
)

// =============================================================================
// Public Types
// =============================================================================

// QueueName identifies one of the scheduler's work streams.
type QueueName string

const (
	QueueSpeech   QueueName = "speech"
	QueueGenerate QueueName = "generate"
	QueueEmbed    QueueName = "embed"
)

// Work is a unit of backend work. It must respect ctx: on cancellation
// it should return promptly, and any result it still produces is
// discarded by the scheduler.
type Work func(ctx context.Context) (any, error)

// QueueStat is one queue's point-in-time snapshot.
type QueueStat struct {
	Running  int
	Waiting  int
	Capacity int
}

// Options sizes the scheduler.
type Options struct {
	// Workers maps each queue to its pool size; missing entries get 1.
	Workers map[QueueName]int

	// WaitDepth caps each waiting list (default 16).
	WaitDepth int

	// WaitBudget bounds how long a submission may sit in a waiting
	// list before it is rejected as busy instead of occupying a slot
	// forever (default 2 minutes).
	WaitBudget time.Duration

	Logger *slog.Logger
}

// =============================================================================
// Internal Types
// =============================================================================

// Task lifecycle states, advanced by compare-and-swap so exactly one
// side (submitter or worker) wins each transition.
const (
	taskWaiting int32 = iota
	taskClaimed
	taskCancelled
)

type taskResult struct {
	value any
	err   error
}

type task struct {
	ticket   uint64
	ctx      context.Context
	work     Work
	enqueued time.Time
	state    atomic.Int32
	done     chan taskResult
}

type queue struct {
	name       QueueName
	tasks      chan *task
	capacity   int
	waitDepth  int
	waitBudget time.Duration

	running atomic.Int32
	waiting atomic.Int32
	tickets atomic.Uint64
}

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler owns the worker pools. Construct with New, stop with
// Shutdown.
type Scheduler struct {
	mu        sync.RWMutex
	accepting bool
	queues    map[QueueName]*queue
	wg        sync.WaitGroup
	log       *slog.Logger
}

// New creates and starts the scheduler.
func New(opts Options) *Scheduler {
	if opts.WaitDepth <= 0 {
		opts.WaitDepth = 16
	}
	if opts.WaitBudget <= 0 {
		opts.WaitBudget = 2 * time.Minute
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Scheduler{
		accepting: true,
		queues:    make(map[QueueName]*queue, 3),
		log:       log,
	}
	for _, name := range []QueueName{QueueSpeech, QueueGenerate, QueueEmbed} {
		workers := opts.Workers[name]
		if workers <= 0 {
			workers = 1
		}
		// The channel *is* the waiting list: idle workers block in
		// receive, so a send to a drained queue starts immediately and
		// a full buffer means the waiting list is at its cap.
		q := &queue{
			name:       name,
			tasks:      make(chan *task, opts.WaitDepth),
			capacity:   workers,
			waitDepth:  opts.WaitDepth,
			waitBudget: opts.WaitBudget,
		}
		s.queues[name] = q
		for i := 0; i < workers; i++ {
			s.wg.Add(1)
			go s.worker(q)
		}
	}
	return s
}

// =============================================================================
// Submission
// =============================================================================

// Submit runs work on the named queue and blocks until it completes,
// is cancelled, or is rejected.
//
// # Description
//
// Admission: an idle worker starts the work immediately; otherwise the
// submission waits FIFO if the list has room, else fails at once with
// inference/busy carrying a retry hint. Deadlines are expressed by the
// caller via context.WithTimeout/WithDeadline on ctx; expiry behaves
// exactly like caller cancellation.
//
// # Outputs
//
//   - any: the work's result; nil when err is non-nil.
//   - error: inference/busy, inference/cancelled, model/not_ready,
//     inference/runtime, or input/invalid (unknown queue).
func (s *Scheduler) Submit(ctx context.Context, name QueueName, work Work) (any, error) {
	if work == nil {
		return nil, apperr.New(apperr.KindInputInvalid, "work must not be nil")
	}

	s.mu.RLock()
	q, ok := s.queues[name]
	accepting := s.accepting
	if !ok {
		s.mu.RUnlock()
		return nil, apperr.Newf(apperr.KindInputInvalid, "unknown queue %q", name)
	}
	if !accepting {
		s.mu.RUnlock()
		return nil, apperr.New(apperr.KindInferenceCancelled, "scheduler is shutting down")
	}

	t := &task{
		ticket:   q.tickets.Add(1),
		ctx:      ctx,
		work:     work,
		enqueued: time.Now(),
		done:     make(chan taskResult, 1),
	}

	// The send happens under the read lock so Shutdown cannot close
	// the channel between the accepting check and the enqueue.
	select {
	case q.tasks <- t:
		q.waiting.Add(1)
		s.mu.RUnlock()
	default:
		s.mu.RUnlock()
		return nil, busyError(q)
	}

	select {
	case res := <-t.done:
		return res.value, res.err
	case <-ctx.Done():
		if t.state.CompareAndSwap(taskWaiting, taskCancelled) {
			// Never reached a worker; complete without touching the
			// backend. The queued entry is discarded when popped.
			q.waiting.Add(-1)
			return nil, apperr.Wrap(apperr.KindInferenceCancelled,
				"cancelled while waiting", ctx.Err())
		}
		// A worker already claimed it; it will observe ctx and finish.
		res := <-t.done
		return res.value, res.err
	}
}

// busyError builds the inference/busy rejection with a retry hint
// proportional to the backlog.
func busyError(q *queue) error {
	hint := time.Duration(q.waitDepth) * 500 * time.Millisecond
	return apperr.New(apperr.KindInferenceBusy,
		fmt.Sprintf("%s queue is full", q.name)).
		WithDetail(fmt.Sprintf("retry_after_ms=%d", hint.Milliseconds()))
}

// =============================================================================
// Workers
// =============================================================================

func (s *Scheduler) worker(q *queue) {
	defer s.wg.Done()
	for t := range q.tasks {
		// Idle → Claimed. Losing the CAS means the submitter cancelled
		// while the task waited; drop it without touching the backend.
		if !t.state.CompareAndSwap(taskWaiting, taskClaimed) {
			continue
		}
		q.waiting.Add(-1)

		// Reject work that out-waited its budget instead of occupying
		// the worker.
		if time.Since(t.enqueued) > q.waitBudget {
			t.done <- taskResult{err: apperr.New(apperr.KindInferenceBusy,
				"submission exceeded the wait budget").
				WithDetail("retry_after_ms=1000")}
			continue
		}
		if t.ctx.Err() != nil {
			t.done <- taskResult{err: apperr.Wrap(apperr.KindInferenceCancelled,
				"cancelled before start", t.ctx.Err())}
			continue
		}

		// Claimed → Running.
		q.running.Add(1)
		value, err := t.work(t.ctx)
		q.running.Add(-1)

		// Running → Draining → Idle: a unary inference that ran
		// through a cancellation completes on the backend and its
		// result is discarded to keep worker state clean.
		if t.ctx.Err() != nil {
			t.done <- taskResult{err: apperr.Wrap(apperr.KindInferenceCancelled,
				"cancelled while running", t.ctx.Err())}
			continue
		}
		if err != nil {
			t.done <- taskResult{err: normalizeWorkErr(err)}
			continue
		}
		t.done <- taskResult{value: value}
	}
}

// normalizeWorkErr maps untyped backend failures to inference/runtime;
// typed kinds (model/not_ready among them) pass through, which also
// covers the Claimed → Idle transition for a not-ready backend.
func normalizeWorkErr(err error) error {
	if apperr.KindOf(err) != apperr.KindSystemInternal {
		return err
	}
	return apperr.Wrap(apperr.KindInferenceRuntime, "backend call failed", err)
}

// =============================================================================
// Introspection
// =============================================================================

// Status snapshots every queue.
func (s *Scheduler) Status() map[QueueName]QueueStat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[QueueName]QueueStat, len(s.queues))
	for name, q := range s.queues {
		out[name] = QueueStat{
			Running:  int(q.running.Load()),
			Waiting:  int(q.waiting.Load()),
			Capacity: q.capacity,
		}
	}
	return out
}

// QueueOverloaded reports whether the named queue's waiting list is at
// or beyond its cap. The HTTP layer sheds load on this before entering
// the scheduler.
func (s *Scheduler) QueueOverloaded(name QueueName) bool {
	s.mu.RLock()
	q, ok := s.queues[name]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return int(q.waiting.Load()) >= q.waitDepth
}

// Overloaded reports whether any queue is overloaded.
func (s *Scheduler) Overloaded() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, q := range s.queues {
		if int(q.waiting.Load()) >= q.waitDepth {
			return true
		}
	}
	return false
}

// =============================================================================
// Shutdown
// =============================================================================

// Shutdown stops admission, cancels all waiting submissions, and waits
// up to drain for running work to finish.
//
// # Outputs
//
//   - error: non-nil when running work outlived the drain period.
func (s *Scheduler) Shutdown(drain time.Duration) error {
	s.mu.Lock()
	if !s.accepting {
		s.mu.Unlock()
		return nil
	}
	s.accepting = false
	queues := make([]*queue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.Unlock()

	// Complete everything still waiting with cancelled, then close the
	// channels so workers exit after their current call.
	for _, q := range queues {
		for {
			select {
			case t := <-q.tasks:
				if t.state.CompareAndSwap(taskWaiting, taskCancelled) {
					q.waiting.Add(-1)
					t.done <- taskResult{err: apperr.New(apperr.KindInferenceCancelled,
						"cancelled by shutdown")}
				}
				continue
			default:
			}
			break
		}
		close(q.tasks)
	}

	finished := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return nil
	case <-time.After(drain):
		s.log.Warn("scheduler drain period expired with work still running")
		return fmt.Errorf("scheduler drain period expired")
	}
}
