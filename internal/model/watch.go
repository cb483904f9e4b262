package model

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ArtifactWatcher reports changes to the artifact on disk. The loaded handle is
// never swapped; a change only means the process must be restarted to use it.
type ArtifactWatcher struct {
	path     string
	logger   *slog.Logger
	onChange func(op string)
}

func NewArtifactWatcher(path string, logger *slog.Logger, onChange func(op string)) *ArtifactWatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArtifactWatcher{path: path, logger: logger, onChange: onChange}
}

// Run blocks until ctx is done. The parent directory is watched so that
// artifacts replaced by rename are still seen.
func (w *ArtifactWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(w.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) &&
				!event.Has(fsnotify.Rename) && !event.Has(fsnotify.Remove) {
				continue
			}
			w.logger.Warn("Model artifact changed on disk, restart to serve it",
				slog.String("path", w.path),
				slog.String("op", event.Op.String()))
			if w.onChange != nil {
				w.onChange(event.Op.String())
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Artifact watcher error", slog.String("error", err.Error()))
		}
	}
}
