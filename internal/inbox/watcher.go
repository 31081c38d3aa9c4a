// Package inbox watches a directory for batch files and hands them to a handler.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// Handler processes one batch file. A returned error moves the file to the
// failed directory.
type Handler func(ctx context.Context, path string) error

// Watcher delivers *.yaml and *.yml files dropped into a directory. A file is
// handled once it has not changed for the settle period, then moved to
// processed/ or failed/.
type Watcher struct {
	dir     string
	handler Handler
	settle  time.Duration
	logger  *slog.Logger
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithSettle sets how long a file must stay unchanged before it is handled.
func WithSettle(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.settle = d
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New creates a Watcher for dir, creating it and its subdirectories if needed.
func New(dir string, handler Handler, opts ...Option) (*Watcher, error) {
	if handler == nil {
		return nil, errors.New("inbox handler is required")
	}
	for _, sub := range []string{"", ProcessedDir, FailedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating inbox directory: %w", err)
		}
	}

	w := &Watcher{
		dir:     dir,
		handler: handler,
		settle:  500 * time.Millisecond,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "inbox", "dir", dir)
	return w, nil
}

func isBatchFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return (ext == ".yaml" || ext == ".yml") && !strings.HasPrefix(filepath.Base(name), ".")
}

// Run handles files already present, then watches for new ones until ctx ends.
// Files are handled one at a time.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.logger.Info("watching inbox")

	pending := make(map[string]time.Time)
	existing, err := w.existing()
	if err != nil {
		return err
	}
	for _, path := range existing {
		pending[path] = time.Time{}
	}

	ticker := time.NewTicker(w.settle / 2)
	defer ticker.Stop()

	for {
		w.flush(ctx, pending)

		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !isBatchFile(ev.Name) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Create), ev.Has(fsnotify.Write):
				pending[ev.Name] = time.Now()
			case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
				delete(pending, ev.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("file watcher error", "error", err)
		case <-ticker.C:
		}
	}
}

func (w *Watcher) existing() ([]string, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("reading inbox: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.Type().IsRegular() && isBatchFile(e.Name()) {
			paths = append(paths, filepath.Join(w.dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// flush handles every pending file that has settled, oldest first.
func (w *Watcher) flush(ctx context.Context, pending map[string]time.Time) {
	now := time.Now()
	var due []string
	for path, last := range pending {
		if now.Sub(last) >= w.settle {
			due = append(due, path)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if !pending[due[i]].Equal(pending[due[j]]) {
			return pending[due[i]].Before(pending[due[j]])
		}
		return due[i] < due[j]
	})

	for _, path := range due {
		if ctx.Err() != nil {
			return
		}
		delete(pending, path)
		w.handle(ctx, path)
	}
}

func (w *Watcher) handle(ctx context.Context, path string) {
	if _, err := os.Stat(path); err != nil {
		return
	}

	logger := w.logger.With("file", filepath.Base(path))
	logger.Info("processing batch file")

	if err := w.handler(ctx, path); err != nil {
		logger.Error("batch file failed", "error", err)
		dest := w.move(path, FailedDir)
		if dest != "" {
			if werr := os.WriteFile(dest+".error", []byte(err.Error()+"\n"), 0o644); werr != nil {
				logger.Warn("writing error file", "error", werr)
			}
		}
		return
	}

	w.move(path, ProcessedDir)
	logger.Info("batch file processed")
}

// move renames path into sub, adding a timestamp when the name is taken.
func (w *Watcher) move(path, sub string) string {
	name := filepath.Base(path)
	dest := filepath.Join(w.dir, sub, name)
	if _, err := os.Stat(dest); err == nil {
		ext := filepath.Ext(name)
		dest = filepath.Join(w.dir, sub, fmt.Sprintf("%s-%s%s",
			strings.TrimSuffix(name, ext), time.Now().Format("20060102T150405.000"), ext))
	}
	if err := os.Rename(path, dest); err != nil {
		w.logger.Error("moving batch file", "file", name, "to", sub, "error", err)
		return ""
	}
	return dest
}
