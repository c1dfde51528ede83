// Package kiln ingests a directory tree of Markdown notes into an
// incrementally maintained, block-addressed knowledge graph with semantic
// search. An Engine owns the change-detection store, the Merkle store,
// the persisted graph, and the five-phase pipeline that keeps them in
// sync with the filesystem.
package kiln

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/kilnwork/kiln/block"
	"github.com/kilnwork/kiln/changestore"
	"github.com/kilnwork/kiln/enrich"
	"github.com/kilnwork/kiln/graphstore"
	"github.com/kilnwork/kiln/llm"
	"github.com/kilnwork/kiln/merkle"
	"github.com/kilnwork/kiln/merklestore"
	"github.com/kilnwork/kiln/pipeline"
	"github.com/kilnwork/kiln/search"
	"github.com/kilnwork/kiln/watch"
)

// Engine is the top-level entry point consumers construct: it wires every
// storage trait and capability from Config, then exposes the operations
// spec.md §6 names (process_file, process_kiln, search, status,
// subscribe_events) as methods.
type Engine struct {
	cfg Config

	changes *changestore.Store
	trees   *merklestore.Store
	graph   *graphstore.Store
	engine  *pipeline.Engine
	search  *search.Engine

	mu        sync.Mutex
	watchH    *watch.Handle
	watchStop context.CancelFunc
	closed    bool
}

// New validates cfg and opens every backing store, returning a ready-to-use
// Engine. Callers must call Close to release the underlying SQLite
// connections.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	changesPath, err := cfg.resolveDBPath("changes.db")
	if err != nil {
		return nil, err
	}
	changes, err := changestore.Open(changesPath)
	if err != nil {
		return nil, fmt.Errorf("kiln: opening change store: %w", err)
	}

	treesPath, err := cfg.resolveDBPath("merkle.db")
	if err != nil {
		closeAll(changes)
		return nil, err
	}
	cacheSize := cfg.MerkleCacheSize
	if cacheSize <= 0 {
		cacheSize = 64
	}
	trees, err := merklestore.Open(treesPath, cacheSize)
	if err != nil {
		closeAll(changes)
		return nil, fmt.Errorf("kiln: opening merkle store: %w", err)
	}

	graphPath, err := cfg.resolveDBPath("graph.db")
	if err != nil {
		closeAll(changes, trees)
		return nil, err
	}
	graph, err := graphstore.Open(graphPath, cfg.EmbeddingDim)
	if err != nil {
		closeAll(changes, trees)
		return nil, fmt.Errorf("kiln: opening graph store: %w", err)
	}

	embedProvider, err := llm.NewProvider(llm.Config{
		Provider: cfg.Embedding.Provider, Model: cfg.Embedding.Model,
		BaseURL: cfg.Embedding.BaseURL, APIKey: cfg.Embedding.APIKey,
	})
	if err != nil {
		closeAll(changes, trees, graph)
		return nil, fmt.Errorf("kiln: constructing embedding provider: %w", err)
	}

	var chatProvider llm.Provider
	if cfg.Chat.Provider != "" {
		chatProvider, err = llm.NewProvider(llm.Config{
			Provider: cfg.Chat.Provider, Model: cfg.Chat.Model,
			BaseURL: cfg.Chat.BaseURL, APIKey: cfg.Chat.APIKey,
		})
		if err != nil {
			closeAll(changes, trees, graph)
			return nil, fmt.Errorf("kiln: constructing chat provider: %w", err)
		}
	}

	enricher := enrich.NewEnricher(embedProvider, chatProvider, enrich.Config{
		MinWordsForEmbedding: cfg.MinWordsForEmbedding,
		EmbeddingMaxBatch:    cfg.EmbeddingMaxBatch,
		RetryAttempts:        cfg.RetryAttempts,
	})

	vcfg := merkle.VirtualizationConfig{Threshold: cfg.VirtualizationThreshold}
	parser := block.NewMarkdownParser()
	peng := pipeline.NewEngine(cfg.Root, parser, changes, trees, graph, enricher, vcfg)
	if cfg.ScanConcurrency > 0 {
		pipeline.ScanConcurrency = cfg.ScanConcurrency
	}

	searchCfg := search.Config{FanOut: cfg.SearchFanOut, DedupePerNote: cfg.SearchDedupePerNote}
	searchEngine := search.New(graph, embedProvider, searchCfg)

	return &Engine{
		cfg:     cfg,
		changes: changes,
		trees:   trees,
		graph:   graph,
		engine:  peng,
		search:  searchEngine,
	}, nil
}

func closeAll(closers ...interface{ Close() error }) {
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			slog.Warn("kiln: cleanup close failed", "error", err)
		}
	}
}

// ProcessFile runs the five-phase pipeline for a single kiln-relative
// path (spec.md §6 process_file). force bypasses the quick-filter
// short-circuit.
func (e *Engine) ProcessFile(ctx context.Context, relPath string, force bool) (pipeline.ProcessingOutcome, error) {
	if e.isClosed() {
		return pipeline.ProcessingOutcome{}, ErrClosed
	}
	return e.engine.ProcessFile(ctx, relPath, force), nil
}

// ProcessKiln walks the entire kiln root and runs ProcessFile on every
// Markdown file plus every previously tracked path that no longer exists
// (spec.md §6 process_kiln).
func (e *Engine) ProcessKiln(ctx context.Context, force bool) (pipeline.AggregateMetrics, error) {
	if e.isClosed() {
		return pipeline.AggregateMetrics{}, ErrClosed
	}
	return e.engine.ProcessKiln(ctx, force)
}

// Search runs a pure vector similarity search over the persisted graph
// (spec.md §6 search, C10).
func (e *Engine) Search(ctx context.Context, query string, k int, filters search.Filters) ([]search.Result, error) {
	if e.isClosed() {
		return nil, ErrClosed
	}
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	return e.search.Search(ctx, query, k, filters)
}

// Status reports the current aggregate state of the kiln's graph (spec.md
// §6 status).
func (e *Engine) Status(ctx context.Context) (pipeline.Status, error) {
	if e.isClosed() {
		return pipeline.Status{}, ErrClosed
	}
	return e.engine.Status(ctx)
}

// Events returns the channel of per-file processing outcomes (spec.md §6
// subscribe_events).
func (e *Engine) Events() <-chan pipeline.ProcessingOutcome {
	return e.engine.Events()
}

// Watch starts a debounced recursive filesystem watch over the kiln root
// and drives ProcessFile from its coalesced events until ctx is canceled
// or Close is called. It returns once the watch is established; events
// are processed on an internal goroutine.
func (e *Engine) Watch(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.watchH != nil {
		e.mu.Unlock()
		return ErrAlreadyWatching
	}

	watchCtx, cancel := context.WithCancel(ctx)
	h, events, err := watch.Start(watchCtx, e.cfg.Root, watch.Config{DebounceWindow: e.cfg.WatchDebounce})
	if err != nil {
		cancel()
		e.mu.Unlock()
		return fmt.Errorf("kiln: starting watch: %w", err)
	}
	e.watchH = h
	e.watchStop = cancel
	e.mu.Unlock()

	go func() {
		for ev := range events {
			e.engine.ProcessFile(watchCtx, ev.Path, false)
		}
	}()
	return nil
}

// StopWatch stops an active filesystem watch started by Watch. It is a
// no-op if no watch is active.
func (e *Engine) StopWatch() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.watchH == nil {
		return nil
	}
	err := e.watchH.Close()
	e.watchStop()
	e.watchH = nil
	e.watchStop = nil
	return err
}

// Close stops any active watch and releases every backing store. Close is
// safe to call more than once.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	watchH := e.watchH
	watchStop := e.watchStop
	e.watchH = nil
	e.watchStop = nil
	e.mu.Unlock()

	if watchH != nil {
		_ = watchH.Close()
	}
	if watchStop != nil {
		watchStop()
	}

	var firstErr error
	for _, c := range []interface{ Close() error }{e.graph, e.trees, e.changes} {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
