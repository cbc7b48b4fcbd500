// Package spool ingests webhook JSON files dropped into a directory.
//
// Files ending in .json are processed once and moved to done/ or, when the
// payload is rejected, to failed/. Writers should create files under a
// dotted name and rename them into place so a half-written file is never
// picked up.
package spool

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/matheus3301/chatrelay/internal/ingest"
	"github.com/matheus3301/chatrelay/internal/logging"
	"go.uber.org/zap"
)

const (
	DoneDir   = "done"
	FailedDir = "failed"
	Source    = "spool"
)

// Ingester processes one webhook body.
type Ingester interface {
	Ingest(ctx context.Context, data []byte, source string) (*ingest.Result, error)
}

// Watcher processes spool files as they appear.
type Watcher struct {
	dir    string
	ing    Ingester
	logger *zap.Logger
	settle time.Duration
	rescan time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	ready   chan string

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a watcher over dir.
func New(dir string, ing Ingester, logger *zap.Logger) *Watcher {
	return &Watcher{
		dir:     dir,
		ing:     ing,
		logger:  logging.OrNop(logger),
		settle:  150 * time.Millisecond,
		rescan:  30 * time.Second,
		pending: make(map[string]*time.Timer),
		ready:   make(chan string, 64),
	}
}

// Dir returns the watched directory.
func (w *Watcher) Dir() string { return w.dir }

// Start processes files already present and then watches for new ones. The
// directory is rescanned periodically for files whose event was dropped or
// whose ingestion failed transiently.
func (w *Watcher) Start(ctx context.Context) error {
	for _, d := range []string{w.dir, filepath.Join(w.dir, DoneDir), filepath.Join(w.dir, FailedDir)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return fmt.Errorf("create spool dir: %w", err)
		}
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fw.Add(w.dir); err != nil {
		_ = fw.Close()
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.watcher = fw

	ctx, w.cancel = context.WithCancel(ctx)
	if _, err := w.ScanOnce(ctx); err != nil {
		w.logger.Warn("initial spool scan failed", zap.Error(err))
	}

	w.wg.Add(2)
	go w.watch(ctx)
	go w.work(ctx)
	w.logger.Info("spool watcher started", zap.String("dir", w.dir))
	return nil
}

// Stop stops watching and waits for the current file to finish.
func (w *Watcher) Stop() error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	err := w.watcher.Close()
	w.wg.Wait()

	w.mu.Lock()
	for name, t := range w.pending {
		t.Stop()
		delete(w.pending, name)
	}
	w.mu.Unlock()
	return err
}

func (w *Watcher) watch(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if evt.Has(fsnotify.Create) || evt.Has(fsnotify.Write) {
				w.schedule(evt.Name)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("spool watcher error", zap.Error(err))
		case <-ctx.Done():
			return
		}
	}
}

// schedule processes path once it has been quiet for the settle period.
func (w *Watcher) schedule(path string) {
	path = filepath.Clean(path)
	if !isSpoolFile(path) || filepath.Dir(path) != filepath.Clean(w.dir) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.mu.Lock()
		delete(w.pending, path)
		w.mu.Unlock()
		select {
		case w.ready <- path:
		default:
			// The periodic rescan picks it up.
			w.logger.Warn("spool queue full", zap.String("file", path))
		}
	})
}

func (w *Watcher) work(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.rescan)
	defer ticker.Stop()
	for {
		select {
		case path := <-w.ready:
			if _, err := w.ProcessFile(ctx, path); err != nil && !errors.Is(err, os.ErrNotExist) {
				w.logger.Warn("spool file failed", zap.String("file", path), zap.Error(err))
			}
		case <-ticker.C:
			if _, err := w.ScanOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("spool rescan failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}

// ScanOnce processes every spool file currently in the directory, oldest
// name first, and returns the merged result. Files still settling after a
// write event are left to their timer.
func (w *Watcher) ScanOnce(ctx context.Context) (*ingest.Result, error) {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return nil, fmt.Errorf("read spool dir: %w", err)
	}
	var names []string
	w.mu.Lock()
	for _, e := range entries {
		if !e.Type().IsRegular() || !isSpoolFile(e.Name()) {
			continue
		}
		if _, settling := w.pending[filepath.Join(w.dir, e.Name())]; settling {
			continue
		}
		names = append(names, e.Name())
	}
	w.mu.Unlock()
	slices.Sort(names)

	total := &ingest.Result{Source: Source, Items: []ingest.ItemResult{}}
	for _, name := range names {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		res, err := w.ProcessFile(ctx, filepath.Join(w.dir, name))
		if err != nil {
			w.logger.Warn("spool file failed", zap.String("file", name), zap.Error(err))
			continue
		}
		total.Merge(res)
	}
	return total, nil
}

// ProcessFile ingests one file and moves it out of the spool.
func (w *Watcher) ProcessFile(ctx context.Context, path string) (*ingest.Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	res, err := w.ing.Ingest(ctx, data, Source)
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidPayload) {
			if mvErr := w.move(path, FailedDir); mvErr != nil {
				return nil, errors.Join(err, mvErr)
			}
		}
		return nil, err
	}
	if err := w.move(path, DoneDir); err != nil {
		return res, err
	}
	w.logger.Info("spool file processed",
		zap.String("file", filepath.Base(path)),
		zap.Int("processed", res.Processed),
		zap.Int("failed", res.Failed),
	)
	return res, nil
}

func (w *Watcher) move(path, sub string) error {
	target := filepath.Join(w.dir, sub, filepath.Base(path))
	if _, err := os.Stat(target); err == nil {
		ext := filepath.Ext(target)
		target = fmt.Sprintf("%s.%d%s", strings.TrimSuffix(target, ext), time.Now().UnixNano(), ext)
	}
	if err := os.Rename(path, target); err != nil {
		return fmt.Errorf("move %s to %s: %w", filepath.Base(path), sub, err)
	}
	return nil
}

func isSpoolFile(path string) bool {
	name := filepath.Base(path)
	return strings.HasSuffix(name, ".json") && !strings.HasPrefix(name, ".")
}
