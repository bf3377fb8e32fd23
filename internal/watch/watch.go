// Package watch reloads the log when a branch or its working tree changes
// on disk.
package watch

import (
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/thiagokokada/qlog-go/internal/debounce"
)

// DefaultDelay coalesces bursts of events, e.g. a commit touching the
// index, refs and reflog.
const DefaultDelay = 350 * time.Millisecond

type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	debounce *debounce.Debouncer
	closed   bool
}

// Start watches paths and calls fn, at most once per delay, after changes.
// fn runs on its own goroutine.
func Start(paths iter.Seq[string], delay time.Duration, fn func()) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	for path := range paths {
		slog.Debug("adding path to FS watcher", slog.String("path", path))
		if err := fw.Add(path); err != nil {
			err := errors.Join(err, fw.Close())
			return nil, fmt.Errorf("watch %s: %w", path, err)
		}
	}
	w := &Watcher{watcher: fw, debounce: debounce.New(delay, fn)}
	go w.loop(fw)
	return w, nil
}

// Close stops watching. Pending reloads are dropped.
func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	w.debounce.Stop()
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) loop(fw *fsnotify.Watcher) {
	for {
		select {
		case ev, ok := <-fw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if shouldIgnoreWatchPath(ev.Name) {
				continue
			}
			slog.Debug("fsnotify event",
				slog.String("op", ev.Op.String()),
				slog.String("path", ev.Name),
			)
			w.schedule()
		case err, ok := <-fw.Errors:
			if !ok {
				return
			}
			slog.Error("fsnotify error", slog.Any("error", err))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	slog.Debug("auto reload scheduled")
	w.debounce.Trigger()
}

// Paths returns the directories to watch for the branches checked out at
// roots: each git dir with its branch and tag refs, plus the checkout
// itself when withTree is set. A root without a .git directory is watched
// as is.
func Paths(roots []string, withTree bool) iter.Seq[string] {
	uniquePaths := map[string]struct{}{}
	appendUnique := func(p string) { uniquePaths[p] = struct{}{} }
	for _, root := range roots {
		if root == "" {
			continue
		}
		gitDir := filepath.Join(root, ".git")
		info, err := os.Stat(gitDir)
		if err != nil || !info.IsDir() {
			appendUnique(root)
			continue
		}
		appendUnique(gitDir)
		for _, sub := range []string{"refs/heads", "refs/tags"} {
			dir := filepath.Join(gitDir, filepath.FromSlash(sub))
			if info, err := os.Stat(dir); err == nil && info.IsDir() {
				appendUnique(dir)
			}
		}
		if withTree {
			appendUnique(root)
		}
	}
	return slices.Values(slices.Sorted(maps.Keys(uniquePaths)))
}

func shouldIgnoreWatchPath(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == ".lock" || ext == ".ipc" {
		return true
	}
	// Object writes always come with a ref or index update.
	return strings.Contains(filepath.ToSlash(name), "/.git/objects/")
}
