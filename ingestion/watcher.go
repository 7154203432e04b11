package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 300 * time.Millisecond

// Watcher ingests supported files as they are created or written in a
// directory. Subdirectories are not watched. A file is read only once it
// has been quiet for the debounce interval, so a file written in several
// steps is indexed once, complete.
type Watcher struct {
	service  *Service
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *slog.Logger
}

func NewWatcher(service *Service, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create file watcher: %w", err)
	}
	return &Watcher{
		service:  service,
		watcher:  w,
		debounce: defaultDebounce,
		logger:   logger.With("component", "watcher"),
	}, nil
}

// Run blocks until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context, dir string) error {
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.logger.Info("watching for documents", "dir", dir)

	pending := make(map[string]*time.Timer)
	ready := make(chan string)
	done := make(chan struct{})
	defer func() {
		close(done)
		for _, timer := range pending {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if !Supported(event.Name) {
				continue
			}
			if timer, ok := pending[event.Name]; ok {
				timer.Reset(w.debounce)
				continue
			}
			path := event.Name
			pending[path] = time.AfterFunc(w.debounce, func() {
				select {
				case ready <- path:
				case <-done:
				}
			})
		case path := <-ready:
			delete(pending, path)
			w.ingest(ctx, path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		}
	}
}

func (w *Watcher) ingest(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("read watched file", "path", path, "error", err)
		return
	}
	if len(data) == 0 {
		return
	}
	report, err := w.service.IngestFile(ctx, path, data)
	if err != nil {
		w.logger.Error("ingest watched file", "path", path, "error", err)
		return
	}
	w.logger.Debug("watched file processed", "path", path, "skipped", report.Skipped, "chunks", report.Chunks)
}

func (w *Watcher) Close() error {
	return w.watcher.Close()
}
