package internal

import (
	"log/slog"

	"github.com/starford/dyad/internal/engine"
	"github.com/starford/dyad/internal/model"
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config   *Config
	logger   *slog.Logger
	hooks    map[string]model.Hooks
	env      model.Env
	observer engine.Observer
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithLogger overrides the JSON logger built from app.log_level.
func WithLogger(l *slog.Logger) Option {
	return func(a *application) {
		a.logger = l
	}
}

// WithHooks attaches lifecycle hooks to the model named name. Models are
// loaded from YAML, so code hooks are bound here before registration.
func WithHooks(name string, h model.Hooks) Option {
	return func(a *application) {
		if a.hooks == nil {
			a.hooks = make(map[string]model.Hooks)
		}
		a.hooks[name] = h
	}
}

// WithEnv sets the environment passed to every hook.
func WithEnv(env model.Env) Option {
	return func(a *application) {
		a.env = env
	}
}

// WithObserver receives committed record changes in addition to the SSE
// broker.
func WithObserver(o engine.Observer) Option {
	return func(a *application) {
		a.observer = o
	}
}
