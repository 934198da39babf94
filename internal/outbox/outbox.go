// Package outbox spools attachment files for upload. Files dropped
// into the outbox directory become queued upload operations at
// attachment priority, so metadata always syncs ahead of binaries.
package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/davidassist/gatesync/internal/model"
	"github.com/davidassist/gatesync/internal/queue"
	"github.com/davidassist/gatesync/internal/store"
	"github.com/fsnotify/fsnotify"
)

const (
	debounceTick   = 500 * time.Millisecond
	debounceSettle = 300 * time.Millisecond
)

// Watcher monitors the outbox directory and enqueues an upload
// operation per settled file.
type Watcher struct {
	dir     string
	store   *store.Store
	queue   *queue.Manager
	logger  *slog.Logger
	watcher *fsnotify.Watcher
}

// NewWatcher creates an outbox watcher over dir.
func NewWatcher(dir string, st *store.Store, qm *queue.Manager, logger *slog.Logger) *Watcher {
	return &Watcher{
		dir:    dir,
		store:  st,
		queue:  qm,
		logger: logger,
	}
}

// Run watches the outbox until the context is cancelled. Files already
// present at startup are rescanned so uploads survive a restart.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("creating outbox dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	w.watcher = watcher
	defer watcher.Close()

	if err := w.addRecursive(w.dir); err != nil {
		return fmt.Errorf("watching outbox dir: %w", err)
	}

	w.logger.Info("outbox watcher started", slog.String("dir", w.dir))

	if err := w.rescan(); err != nil {
		w.logger.Warn("outbox rescan failed", slog.String("error", err.Error()))
	}

	// Debounce: a file being written fires many events; enqueue once
	// after writes stop.
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(debounceTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("fsnotify events channel closed unexpectedly")
			}
			if w.shouldIgnore(event.Name) {
				continue
			}

			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
				pending[event.Name] = time.Now()

				if event.Has(fsnotify.Create) {
					info, err := os.Stat(event.Name)
					if err == nil && info.IsDir() {
						w.addRecursive(event.Name)
					}
				}
			}

			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				delete(pending, event.Name)
				_ = watcher.Remove(event.Name)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("fsnotify errors channel closed unexpectedly")
			}
			w.logger.Warn("outbox watcher error", slog.String("error", err.Error()))

		case <-ticker.C:
			now := time.Now()
			for path, t := range pending {
				if now.Sub(t) < debounceSettle {
					continue
				}
				delete(pending, path)
				w.enqueueFile(path)
			}
		}
	}
}

// rescan enqueues files that landed while the process was down.
func (w *Watcher) rescan() error {
	return filepath.WalkDir(w.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if w.shouldIgnore(path) && path != w.dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !w.shouldIgnore(path) {
			w.enqueueFile(path)
		}
		return nil
	})
}

// enqueueFile records an upload operation for one file. The content
// hash keys deduplication: the same bytes are never queued twice, so
// rescans after restart are idempotent.
func (w *Watcher) enqueueFile(absPath string) {
	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		w.logger.Warn("stat failed", slog.String("path", absPath), slog.String("error", err.Error()))
		return
	}
	if info.IsDir() {
		return
	}

	relPath, err := filepath.Rel(w.dir, absPath)
	if err != nil {
		w.logger.Warn("computing relative path", slog.String("error", err.Error()))
		return
	}
	relPath = filepath.ToSlash(relPath)

	content, err := os.ReadFile(absPath)
	if err != nil {
		w.logger.Warn("reading attachment", slog.String("path", relPath), slog.String("error", err.Error()))
		return
	}

	h := sha256.Sum256(content)
	contentHash := hex.EncodeToString(h[:])

	queued, err := w.alreadyQueued(relPath, contentHash)
	if err != nil {
		w.logger.Warn("checking queued uploads", slog.String("path", relPath), slog.String("error", err.Error()))
		return
	}
	if queued {
		return
	}

	op := model.OpLogEntry{
		EntityType: "attachment",
		EntityID:   relPath,
		OpType:     model.OpUpload,
		Priority:   model.PriorityAttachment,
		Payload: map[string]any{
			"path":   relPath,
			"sha256": contentHash,
			"size":   info.Size(),
		},
	}

	if err := w.queue.EnqueueOp(op); err != nil {
		w.logger.Warn("enqueueing upload", slog.String("path", relPath), slog.String("error", err.Error()))
		return
	}

	w.logger.Info("attachment queued",
		slog.String("path", relPath),
		slog.Int64("size", info.Size()),
		slog.String("sha256", contentHash[:12]),
	)
}

// alreadyQueued reports whether an unsettled upload for the same path
// and content already exists.
func (w *Watcher) alreadyQueued(relPath, contentHash string) (bool, error) {
	ops, err := w.store.PendingOpsForEntity(relPath)
	if err != nil {
		return false, err
	}
	for _, op := range ops {
		if op.OpType != model.OpUpload {
			continue
		}
		if hash, _ := op.Payload["sha256"].(string); hash == contentHash {
			return true, nil
		}
	}
	return false, nil
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if w.shouldIgnore(path) && path != w.dir {
				return filepath.SkipDir
			}
			return w.watcher.Add(path)
		}
		return nil
	})
}

func (w *Watcher) shouldIgnore(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return true
	}
	if strings.HasSuffix(base, "~") || strings.HasSuffix(base, ".swp") {
		return true
	}
	// Partial downloads and in-progress copies settle under a
	// temporary name before being renamed into place.
	if strings.HasSuffix(base, ".part") || strings.HasSuffix(base, ".tmp") {
		return true
	}
	return false
}
