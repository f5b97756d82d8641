// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
package intake

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"
)

// BatchVerifier collects events over a short window and checks the batch
// in parallel. Copies of one event, e.g. delivered by several relays, are
// checked once per batch. Copies are matched on id and signature after the
// id was recomputed from the content, so a copy with rewritten content
// never shares the result of the genuine event.
type BatchVerifier struct {
	check    func(*nostr.Event) bool
	window   time.Duration
	maxBatch int
	workers  int
	clock    clock.Clock

	mu      sync.Mutex
	pending map[string]*batchEntry
	timer   *clock.Timer
}

type batchEntry struct {
	evt     *nostr.Event
	waiters []chan bool
}

// BatchOption configures a BatchVerifier.
type BatchOption func(*BatchVerifier)

// WithCheck replaces the per event check, CheckSignature by default.
func WithCheck(fn func(*nostr.Event) bool) BatchOption {
	return func(b *BatchVerifier) { b.check = fn }
}

// WithBatchClock sets the clock driving the window.
func WithBatchClock(c clock.Clock) BatchOption {
	return func(b *BatchVerifier) { b.clock = c }
}

// WithWorkers bounds the checks running at once.
func WithWorkers(n int) BatchOption {
	return func(b *BatchVerifier) { b.workers = n }
}

// NewBatchVerifier creates a BatchVerifier that flushes after window or
// once maxBatch distinct events are waiting (0 means no size limit).
func NewBatchVerifier(window time.Duration, maxBatch int, opts ...BatchOption) *BatchVerifier {
	b := &BatchVerifier{
		check:    CheckSignature,
		window:   window,
		maxBatch: maxBatch,
		workers:  runtime.NumCPU(),
		clock:    clock.New(),
		pending:  make(map[string]*batchEntry),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Verify blocks until the batch holding evt was checked or ctx is done.
// Events whose id does not match their content fail at once.
func (b *BatchVerifier) Verify(ctx context.Context, evt *nostr.Event) bool {
	if !evt.CheckID() {
		return false
	}
	key := evt.ID + evt.Sig
	result := make(chan bool, 1)

	b.mu.Lock()
	e, ok := b.pending[key]
	if !ok {
		e = &batchEntry{evt: evt}
		b.pending[key] = e
	}
	e.waiters = append(e.waiters, result)
	if b.timer == nil {
		b.timer = b.clock.AfterFunc(b.window, b.flush)
	}
	full := b.maxBatch > 0 && len(b.pending) >= b.maxBatch
	b.mu.Unlock()

	if full {
		b.flush()
	}

	select {
	case ok := <-result:
		return ok
	case <-ctx.Done():
		return false
	}
}

// Pending returns the number of distinct events waiting for the next batch.
func (b *BatchVerifier) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *BatchVerifier) waiting() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.pending {
		n += len(e.waiters)
	}
	return n
}

func (b *BatchVerifier) flush() {
	b.mu.Lock()
	batch := b.pending
	b.pending = make(map[string]*batchEntry)
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if len(batch) == 0 {
		return
	}
	entries := make([]*batchEntry, 0, len(batch))
	for _, e := range batch {
		entries = append(entries, e)
	}
	results := make([]bool, len(entries))

	var g errgroup.Group
	g.SetLimit(max(b.workers, 1))
	for i, e := range entries {
		g.Go(func() error {
			results[i] = b.check(e.evt)
			return nil
		})
	}
	g.Wait()

	for i, e := range entries {
		for _, w := range e.waiters {
			w <- results[i]
		}
	}
}
