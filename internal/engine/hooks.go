package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/starford/dyad/internal/model"
)

// runHook invokes one lifecycle hook of def. Errors and panics are logged
// and never reach the caller.
func (e *Engine) runHook(ctx context.Context, def *model.Definition, name model.HookName, ev *model.Event) {
	logger := e.logger.With(slog.String("model", def.Name), slog.String("hook", string(name)))
	ev.Logger = logger
	defer func() {
		if p := recover(); p != nil {
			logger.Error("hook panicked",
				slog.String("id", ev.ID),
				slog.String("error", fmt.Sprint(p)))
		}
	}()
	if err := model.Dispatch(ctx, def.HookSet(), name, ev); err != nil {
		logger.Warn("hook failed",
			slog.String("id", ev.ID),
			slog.String("error", err.Error()))
	}
}
