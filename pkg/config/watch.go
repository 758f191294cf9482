package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/chalsync/chalsync/pkg/telemetry"
)

// DefaultDebounce is how long a watcher waits for writes to settle.
const DefaultDebounce = 300 * time.Millisecond

// Watcher reports changes under a repository's challenge directories and
// its config file.
type Watcher struct {
	project  *Project
	debounce time.Duration
	logger   *telemetry.Logger
	watcher  *fsnotify.Watcher
}

// NewWatcher creates a watcher for project. A zero debounce uses
// DefaultDebounce.
func NewWatcher(project *Project, debounce time.Duration, logger *telemetry.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	w := &Watcher{
		project:  project,
		debounce: debounce,
		logger:   logger.NewComponentLogger("watcher"),
		watcher:  fw,
	}

	if err := fw.Add(project.Root()); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", project.Root(), err)
	}
	for _, dir := range project.ChallengeDirs {
		if err := w.addTree(project.Resolve(dir)); err != nil {
			_ = fw.Close()
			return nil, err
		}
	}
	return w, nil
}

// addTree watches dir and every non-hidden directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if slices.Contains(w.watcher.WatchList(), p) {
			return nil
		}
		if err := w.watcher.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		return nil
	})
}

// Run calls onChange with the changed paths once events settle, until ctx
// is done. onChange runs on the watcher goroutine, so events arriving
// while it runs are batched into the next call.
func (w *Watcher) Run(ctx context.Context, onChange func(paths []string)) error {
	defer w.watcher.Close()

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	pending := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.logger.WithError(err).WithField("path", event.Name).Warn("Failed to watch new directory")
					}
				}
			}
			w.logger.WithFields(map[string]interface{}{
				"path": event.Name,
				"op":   event.Op.String(),
			}).Debug("Change detected")
			pending[event.Name] = true
			timer.Reset(w.debounce)

		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			slices.Sort(paths)
			clear(pending)
			onChange(paths)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Error("Watcher error")
		}
	}
}

// relevant filters out chmod-only events, editor swap files and the
// history database.
func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op == fsnotify.Chmod {
		return false
	}
	base := filepath.Base(event.Name)
	if strings.HasPrefix(base, ".") || strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") {
		return false
	}
	history := w.project.Resolve(w.project.History.Path)
	return !strings.HasPrefix(event.Name, history)
}
