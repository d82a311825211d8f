package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/starford/dyad/internal/engine"
	"github.com/starford/dyad/internal/index"
	"github.com/starford/dyad/internal/model"
	"github.com/starford/dyad/internal/projector"
	"github.com/starford/dyad/internal/storage"
	"github.com/starford/dyad/internal/store"
)

// Runtime is the set of wired components shared by every command.
type Runtime struct {
	Config    *Config
	Logger    *slog.Logger
	Registry  *model.Registry
	Backend   storage.Backend
	FS        *storage.FS     // set for the fs backend
	Dynamo    *storage.Dynamo // set for the dynamodb backend
	DB        *index.DB
	Store     *store.Store
	Engine    *engine.Engine
	Projector *projector.Projector

	observers []engine.Observer
}

// Open loads the model registry and connects both stores.
func Open(ctx context.Context, opts ...Option) (*Runtime, error) {
	app := &application{}
	for _, opt := range opts {
		opt(app)
	}
	if app.config == nil {
		return nil, fmt.Errorf("config is required")
	}
	cfg := app.config

	logger := app.logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: cfg.App.LogLevel,
		}))
	}

	reg, err := loadRegistry(cfg.Models.Path, app.hooks)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{Config: cfg, Logger: logger, Registry: reg}
	if app.observer != nil {
		rt.observers = append(rt.observers, app.observer)
	}

	switch cfg.Documents.Backend {
	case BackendDynamoDB:
		rt.Dynamo, err = newDynamo(ctx, cfg.Documents.DynamoDB)
		rt.Backend = rt.Dynamo
	default:
		rt.FS, err = newFS(cfg.Documents.Path)
		rt.Backend = rt.FS
	}
	if err != nil {
		return nil, fmt.Errorf("init documents: %w", err)
	}

	rt.DB, err = index.Open(cfg.Relational.Driver, cfg.Relational.DSN)
	if err != nil {
		return nil, fmt.Errorf("init relational: %w", err)
	}
	if err := rt.DB.BindModels(reg); err != nil {
		rt.DB.Close()
		return nil, fmt.Errorf("bind models: %w", err)
	}

	rt.Store = store.New(storage.NewDocuments(rt.Backend, reg.Namespace), rt.DB)
	rt.Engine = engine.New(reg,
		engine.WithLogger(logger),
		engine.WithEnv(app.env),
		engine.WithObserver(rt.notify),
	)
	rt.Projector = projector.New(reg, rt.Backend, rt.DB, logger)

	logger.Info("Runtime ready",
		slog.Int("models", len(reg.Names())),
		slog.String("documents_backend", cfg.Documents.Backend),
		slog.String("relational_driver", cfg.Relational.Driver))
	return rt, nil
}

// Observe registers o for committed record changes. It must be called
// before the runtime starts serving.
func (rt *Runtime) Observe(o engine.Observer) {
	rt.observers = append(rt.observers, o)
}

func (rt *Runtime) notify(ctx context.Context, ev engine.Event) {
	for _, o := range rt.observers {
		o(ctx, ev)
	}
}

// Close releases the relational connection.
func (rt *Runtime) Close() error {
	return rt.DB.Close()
}

// LoadModels builds a registry from the YAML definitions in dir without
// connecting any store.
func LoadModels(dir string) (*model.Registry, error) {
	return loadRegistry(dir, nil)
}

func loadRegistry(dir string, hooks map[string]model.Hooks) (*model.Registry, error) {
	defs, err := model.LoadDir(dir)
	if err != nil {
		return nil, err
	}
	reg := model.NewRegistry()
	for _, def := range defs {
		if h, ok := hooks[def.Name]; ok {
			def.Hooks = h
			delete(hooks, def.Name)
		}
		if err := reg.Register(def); err != nil {
			return nil, err
		}
	}
	for name := range hooks {
		return nil, fmt.Errorf("hooks given for unknown model %q", name)
	}
	return reg, nil
}

func newFS(root string) (*storage.FS, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create documents dir: %w", err)
	}
	return storage.NewFS(root)
}

func newDynamo(ctx context.Context, cfg DynamoDBConfig) (*storage.Dynamo, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return storage.NewDynamo(client, cfg.TablePrefix), nil
}

// errNoWatch is logged when sync.watch is set for a backend without a
// file system root.
var errNoWatch = errors.New("sync.watch requires the fs documents backend")
