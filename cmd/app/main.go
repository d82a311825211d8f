package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	"github.com/urfave/cli/v3"

	"github.com/starford/dyad/internal"
	"github.com/starford/dyad/internal/engine"
	"github.com/starford/dyad/internal/mcpserver"
	pkgconfig "github.com/starford/dyad/pkg/config"
)

func loadConfig(cmd *cli.Command) (*internal.Config, error) {
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.Load(cmd.String("config"), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serve(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := internal.Run(ctx, internal.WithConfig(cfg)); err != nil {
		return fmt.Errorf("app run error: %w", err)
	}
	return nil
}

func schema(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	reg, err := internal.LoadModels(cfg.Models.Path)
	if err != nil {
		return err
	}
	ddl := engine.New(reg).GenerateAllSchemas()

	out := cmd.String("output")
	if out == "" || out == "-" {
		_, err = fmt.Fprint(os.Stdout, ddl)
		return err
	}
	if err := os.WriteFile(out, []byte(ddl), 0o644); err != nil {
		return fmt.Errorf("write schema: %w", err)
	}
	slog.Info("schema written", slog.String("path", out), slog.Int("models", len(reg.Names())))
	return nil
}

func initTables(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	rt, err := internal.Open(ctx, internal.WithConfig(cfg))
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.Engine.Initialize(ctx, rt.Store)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func reconcile(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	rt, err := internal.Open(ctx, internal.WithConfig(cfg))
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, err := rt.Engine.Initialize(ctx, rt.Store); err != nil {
		return err
	}
	res, err := rt.Projector.Reconcile(ctx)
	if err != nil {
		return err
	}
	return printJSON(res)
}

func serveMCP(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	// stdout carries the MCP protocol; logs go to stderr.
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.App.LogLevel}))
	rt, err := internal.Open(ctx, internal.WithConfig(cfg), internal.WithLogger(logger))
	if err != nil {
		return err
	}
	defer rt.Close()

	if _, err := rt.Engine.Initialize(ctx, rt.Store); err != nil {
		return err
	}
	return mcpserver.New(rt.Engine, rt.Store).ServeStdio()
}

func main() {
	cmd := &cli.Command{
		Name:   "dyad",
		Usage:  "Dual-backend data engine: documents as the source of truth, SQL tables for queries",
		Action: serve,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "Path to config file",
				DefaultText: "config/config.yaml",
				Value:       "config/config.yaml",
				Sources:     cli.EnvVars("APP_CONFIG_FILE"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API, change feed and projection watcher",
				Action: serve,
			},
			{
				Name:  "schema",
				Usage: "Print CREATE TABLE statements for every projected model",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Write to file instead of stdout",
					},
				},
				Action: schema,
			},
			{
				Name:   "init",
				Usage:  "Create missing projection tables",
				Action: initTables,
			},
			{
				Name:   "reconcile",
				Usage:  "Re-project every document and drop orphaned rows",
				Action: reconcile,
			},
			{
				Name:   "mcp",
				Usage:  "Serve MCP tools over stdio",
				Action: serveMCP,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		slog.Error("application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
