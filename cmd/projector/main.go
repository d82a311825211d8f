// Command projector is an AWS Lambda handler that keeps the relational
// tables in step with a DynamoDB document backend via DynamoDB Streams.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/starford/dyad/internal"
	"github.com/starford/dyad/internal/projector"
	pkgconfig "github.com/starford/dyad/pkg/config"
)

func setup(ctx context.Context) (*projector.StreamHandler, error) {
	path := os.Getenv("APP_CONFIG_FILE")
	if path == "" {
		path = "config/config.yaml"
	}
	cfg := internal.NewDefaultConfig()
	if err := pkgconfig.Load(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Documents.Backend != internal.BackendDynamoDB {
		return nil, fmt.Errorf("documents.backend must be %q, got %q", internal.BackendDynamoDB, cfg.Documents.Backend)
	}

	rt, err := internal.Open(ctx, internal.WithConfig(cfg))
	if err != nil {
		return nil, err
	}
	return projector.NewStreamHandler(rt.Projector, rt.Dynamo), nil
}

func main() {
	handler, err := setup(context.Background())
	if err != nil {
		slog.Error("projector setup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	lambda.Start(handler.Handle)
}
