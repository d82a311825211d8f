package projector

import (
	"context"
	"log/slog"
)

// Result summarises a Reconcile pass.
type Result struct {
	Models    int `json:"models"`
	Projected int `json:"projected"`
	Removed   int `json:"removed"`
	Failed    int `json:"failed"`
}

// Reconcile brings every projected table in line with the documents:
//   - every document is re-projected into its row
//   - rows whose document no longer exists are deleted
//
// Per-document failures are logged and counted; the pass continues.
func (p *Projector) Reconcile(ctx context.Context) (Result, error) {
	var res Result
	for _, def := range p.registry.All() {
		if !def.HasTable() {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Models++
		ns := def.Namespace()

		metas, err := p.backend.List(ctx, ns, def.Class()+":")
		if err != nil {
			p.logger.Warn("reconcile: list failed", slog.String("model", def.Name), slog.String("error", err.Error()))
			res.Failed++
			continue
		}

		present := make(map[string]struct{}, len(metas))
		for _, m := range metas {
			_, id, ok := p.resolve(ns, m.Key)
			if !ok {
				continue
			}
			present[id] = struct{}{}
			if err := p.projectKey(ctx, def, ns, m.Key); err != nil {
				p.logger.Warn("reconcile: project failed",
					slog.String("model", def.Name),
					slog.String("id", id),
					slog.String("error", err.Error()))
				res.Failed++
				continue
			}
			res.Projected++
		}

		ids, err := p.db.AllIDs(ctx, def.TableName(), def.PrimaryKey())
		if err != nil {
			p.logger.Warn("reconcile: read ids failed", slog.String("table", def.TableName()), slog.String("error", err.Error()))
			res.Failed++
			continue
		}
		for id := range ids {
			if _, ok := present[id]; ok {
				continue
			}
			if err := p.Remove(ctx, def, id); err != nil {
				p.logger.Warn("reconcile: remove failed", slog.String("table", def.TableName()), slog.String("id", id), slog.String("error", err.Error()))
				res.Failed++
				continue
			}
			p.logger.Debug("reconcile: removed stale", slog.String("table", def.TableName()), slog.String("id", id))
			res.Removed++
		}
	}
	p.logger.Info("reconcile: done",
		slog.Int("models", res.Models),
		slog.Int("projected", res.Projected),
		slog.Int("removed", res.Removed),
		slog.Int("failed", res.Failed))
	return res, nil
}
