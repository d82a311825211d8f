package projector

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/dyad/internal/engine"
	"github.com/starford/dyad/internal/storage"
)

// Watch starts an fsnotify watcher on the document root of fs and
// re-projects documents as their files change, until ctx is cancelled.
// It calls cb (if non-nil) after each successful projection change.
//
// Namespace directories created at runtime are added to the watch list.
// Rename events trigger a debounced Reconcile that removes rows whose
// documents moved away.
func (p *Projector) Watch(ctx context.Context, fs *storage.FS, cb engine.Observer) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	root := fs.Root()
	if err := w.Add(root); err != nil {
		return err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() {
			if err := w.Add(filepath.Join(root, e.Name())); err != nil {
				return err
			}
		}
	}

	p.logger.Info("watcher: started", slog.String("root", root))

	var reconcileTimer *time.Timer
	var reconcileCh <-chan time.Time

	scheduleReconcile := func() {
		if reconcileTimer == nil {
			reconcileTimer = time.NewTimer(200 * time.Millisecond)
			reconcileCh = reconcileTimer.C
		} else {
			reconcileTimer.Reset(200 * time.Millisecond)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if reconcileTimer != nil {
				reconcileTimer.Stop()
			}
			p.logger.Info("watcher: stopped")
			return nil

		case <-reconcileCh:
			if _, err := p.Reconcile(ctx); err != nil {
				p.logger.Warn("watcher: reconcile failed", slog.String("error", err.Error()))
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}

			// A new namespace directory: watch it and project what is already inside.
			if filepath.Dir(ev.Name) == root {
				if ev.Op&fsnotify.Create != 0 {
					if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
						if addErr := w.Add(ev.Name); addErr != nil {
							p.logger.Warn("watcher: add new dir failed",
								slog.String("path", ev.Name),
								slog.String("error", addErr.Error()))
							continue
						}
						p.projectDir(ctx, filepath.Base(ev.Name), cb)
					}
				}
				continue
			}
			if filepath.Dir(filepath.Dir(ev.Name)) != root {
				continue
			}

			ns := filepath.Base(filepath.Dir(ev.Name))
			key, ok := storage.KeyFromFile(filepath.Base(ev.Name))
			if !ok {
				continue
			}
			def, id, ok := p.resolve(ns, key)
			if !ok {
				continue
			}

			switch {
			case ev.Op&(fsnotify.Create|fsnotify.Write) != 0:
				if err := p.projectKey(ctx, def, ns, key); err != nil {
					p.logger.Warn("watcher: project failed",
						slog.String("model", def.Name),
						slog.String("id", id),
						slog.String("error", err.Error()))
					continue
				}
				kind := engine.EventUpdated
				if ev.Op&fsnotify.Create != 0 {
					kind = engine.EventCreated
				}
				p.logger.Debug("watcher: projected", slog.String("model", def.Name), slog.String("id", id), slog.String("op", string(kind)))
				if cb != nil {
					cb(ctx, event(kind, def, id))
				}

			case ev.Op&fsnotify.Remove != 0:
				if err := p.Remove(ctx, def, id); err != nil {
					p.logger.Warn("watcher: remove failed",
						slog.String("model", def.Name),
						slog.String("id", id),
						slog.String("error", err.Error()))
					continue
				}
				p.logger.Debug("watcher: removed", slog.String("model", def.Name), slog.String("id", id))
				if cb != nil {
					cb(ctx, event(engine.EventDeleted, def, id))
				}

			case ev.Op&fsnotify.Rename != 0:
				// fsnotify reports the old name only; the new name arrives
				// as its own Create if it stays under a watched directory.
				scheduleReconcile()
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			p.logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

// projectDir projects every document already present in a new namespace directory.
func (p *Projector) projectDir(ctx context.Context, ns string, cb engine.Observer) {
	metas, err := p.backend.List(ctx, ns, "")
	if err != nil {
		p.logger.Warn("watcher: list new dir failed", slog.String("namespace", ns), slog.String("error", err.Error()))
		return
	}
	for _, m := range metas {
		def, id, ok := p.resolve(ns, m.Key)
		if !ok {
			continue
		}
		if err := p.projectKey(ctx, def, ns, m.Key); err == nil {
			p.logger.Debug("watcher: projected from new dir", slog.String("model", def.Name), slog.String("id", id))
			if cb != nil {
				cb(ctx, event(engine.EventCreated, def, id))
			}
		}
	}
}
