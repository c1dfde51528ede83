// Package watch implements C9: a debounced, recursive filesystem observer
// over a kiln root. It owns an fsnotify watcher plus a coalescing pump
// goroutine and delivers FileEvent values on a bounded channel; calling
// Close on the returned Handle stops both.
package watch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

// Kind classifies a coalesced filesystem event.
type Kind string

const (
	Created  Kind = "created"
	Modified Kind = "modified"
	Deleted  Kind = "deleted"
)

// FileEvent is one debounced, filtered notification delivered to the sink.
// Path is relative to the watched root, slash-separated.
type FileEvent struct {
	Path string
	Kind Kind
}

// DefaultDebounceWindow is how long successive events on the same path
// coalesce before a single FileEvent is emitted (spec.md §4.9).
const DefaultDebounceWindow = 400 * time.Millisecond

// Config controls the watcher's behaviour.
type Config struct {
	// DebounceWindow is the coalescing window per path. Zero uses
	// DefaultDebounceWindow.
	DebounceWindow time.Duration
}

// Handle owns the underlying OS watcher and the pump goroutine. Calling
// Close stops both; the sink channel is closed afterward so consumers can
// detect termination by a closed receive rather than polling.
type Handle struct {
	cancel context.CancelFunc
	group  *errgroup.Group
	fsw    *fsnotify.Watcher
}

// Close stops the watcher and waits for the pump goroutine to exit.
func (h *Handle) Close() error {
	h.cancel()
	err := h.group.Wait()
	if cerr := h.fsw.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// pendingEvent tracks the most recent raw event kind seen for a path while
// its debounce timer is still running.
type pendingEvent struct {
	kind  Kind
	timer *time.Timer
}

// Start begins watching root recursively for changes to .md files and
// returns a Handle plus a receive-only channel of coalesced FileEvents.
// The channel is closed when Close is called or the context is cancelled.
func Start(ctx context.Context, root string, cfg Config) (*Handle, <-chan FileEvent, error) {
	debounce := cfg.DebounceWindow
	if debounce <= 0 {
		debounce = DefaultDebounceWindow
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, nil, err
	}
	if err := addRecursive(fsw, root); err != nil {
		fsw.Close()
		return nil, nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(runCtx)

	out := make(chan FileEvent, 256)
	h := &Handle{cancel: cancel, group: group, fsw: fsw}

	group.Go(func() error {
		defer close(out)

		var mu sync.Mutex
		pending := make(map[string]*pendingEvent)

		emit := func(path string, kind Kind) {
			select {
			case out <- FileEvent{Path: path, Kind: kind}:
			default:
				slog.Warn("watch: event channel full, dropping event", "path", path, "kind", kind)
			}
		}

		schedule := func(relPath string, kind Kind) {
			mu.Lock()
			defer mu.Unlock()

			if p, ok := pending[relPath]; ok {
				p.timer.Stop()
				// Deleted followed within the window by Created coalesces
				// to Modified (spec.md §4.9); any other repeat keeps the
				// latest kind.
				if p.kind == Deleted && kind == Created {
					kind = Modified
				}
				p.kind = kind
				p.timer.Reset(debounce)
				return
			}

			pe := &pendingEvent{kind: kind}
			pe.timer = time.AfterFunc(debounce, func() {
				mu.Lock()
				final, ok := pending[relPath]
				if ok {
					delete(pending, relPath)
				}
				mu.Unlock()
				if ok {
					emit(relPath, final.kind)
				}
			})
			pending[relPath] = pe
		}

		for {
			select {
			case <-gctx.Done():
				mu.Lock()
				for _, p := range pending {
					p.timer.Stop()
				}
				mu.Unlock()
				return nil

			case ev, ok := <-fsw.Events:
				if !ok {
					return nil
				}
				if ev.Op&fsnotify.Create != 0 {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						_ = addRecursive(fsw, ev.Name)
						continue
					}
				}
				if !strings.EqualFold(filepath.Ext(ev.Name), ".md") {
					continue
				}
				rel, err := filepath.Rel(root, ev.Name)
				if err != nil {
					continue
				}
				rel = filepath.ToSlash(rel)

				switch {
				case ev.Op&fsnotify.Remove != 0:
					schedule(rel, Deleted)
				case ev.Op&fsnotify.Create != 0:
					schedule(rel, Created)
				case ev.Op&(fsnotify.Write|fsnotify.Rename) != 0:
					schedule(rel, Modified)
				}

			case err, ok := <-fsw.Errors:
				if !ok {
					return nil
				}
				slog.Warn("watch: fsnotify error", "error", err)
			}
		}
	})

	return h, out, nil
}

// addRecursive registers watches on root and every directory beneath it,
// skipping dot-directories (matching pipeline.walkMarkdownFiles' scan
// scope).
func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") && path != root {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}
