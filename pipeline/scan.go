package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const defaultScanConcurrency = 16

// ScanConcurrency bounds how many files ProcessKiln processes at once. Zero
// or negative falls back to defaultScanConcurrency.
var ScanConcurrency = defaultScanConcurrency

// ProcessKiln walks every Markdown file under the kiln root, runs
// ProcessFile on each with bounded concurrency, and detects deletions by
// diffing the walk's path set against changestore's recorded paths.
func (e *Engine) ProcessKiln(ctx context.Context, force bool) (AggregateMetrics, error) {
	walked, err := e.walkMarkdownFiles()
	if err != nil {
		return AggregateMetrics{}, fmt.Errorf("pipeline: walking kiln: %w", err)
	}

	known, err := e.Changes.AllPaths(ctx)
	if err != nil {
		return AggregateMetrics{}, fmt.Errorf("pipeline: listing known paths: %w", err)
	}

	present := make(map[string]struct{}, len(walked))
	for _, p := range walked {
		present[p] = struct{}{}
	}
	var deleted []string
	for _, p := range known {
		if _, ok := present[p]; !ok {
			deleted = append(deleted, p)
		}
	}

	concurrency := ScanConcurrency
	if concurrency <= 0 {
		concurrency = defaultScanConcurrency
	}

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		sem     = make(chan struct{}, concurrency)
		metrics AggregateMetrics
		start   = time.Now()
	)

	all := append(append([]string{}, walked...), deleted...)
	slog.Info("pipeline: scanning kiln", "files", len(walked), "deletions", len(deleted), "concurrency", concurrency)

	for _, relPath := range all {
		wg.Add(1)
		go func(relPath string) {
			defer wg.Done()

			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				mu.Lock()
				metrics.FilesFailed++
				mu.Unlock()
				return
			}

			outcome := e.ProcessFile(ctx, relPath, force)

			mu.Lock()
			switch outcome.Kind {
			case OutcomeProcessed:
				metrics.FilesProcessed++
			case OutcomeSkipped:
				metrics.FilesSkipped++
			case OutcomeDeleted:
				metrics.FilesDeleted++
			case OutcomeFailed:
				metrics.FilesFailed++
				slog.Warn("pipeline: file failed", "path", relPath, "error", outcome.Err)
			}
			mu.Unlock()
		}(relPath)
	}

	wg.Wait()

	slog.Info("pipeline: scan complete",
		"processed", metrics.FilesProcessed, "skipped", metrics.FilesSkipped,
		"deleted", metrics.FilesDeleted, "failed", metrics.FilesFailed,
		"elapsed", time.Since(start).Round(time.Millisecond))

	return metrics, nil
}

// walkMarkdownFiles returns every .md file under the kiln root as a path
// relative to it, in slash form.
func (e *Engine) walkMarkdownFiles() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(e.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != e.Root {
				return filepath.SkipDir
			}
			return nil
		}
		if !strings.EqualFold(filepath.Ext(path), ".md") {
			return nil
		}
		rel, err := filepath.Rel(e.Root, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}
