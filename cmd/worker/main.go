package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/k11v/kiln/internal/build"
	"github.com/k11v/kiln/internal/build/builds3"
	"github.com/k11v/kiln/internal/postgresutil"
	"github.com/k11v/kiln/internal/registry"
	"github.com/k11v/kiln/internal/s3util"
	"github.com/k11v/kiln/internal/upload"
	"github.com/k11v/kiln/internal/upload/uploadpg"
)

func main() {
	if err := run(os.Environ()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func run(environ []string) error {
	cfg, err := parseConfig(environ)
	if err != nil {
		return err
	}
	slog.SetDefault(newLogger(cfg.Development))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if n := poolMaxConns(cfg.Postgres.MaxConns, cfg.Worker.Concurrency); n != cfg.Postgres.MaxConns {
		slog.Info("sizing postgres pool", "max_conns", n, "concurrency", cfg.Worker.Concurrency)
		cfg.Postgres.MaxConns = n
	}
	pool, err := postgresutil.NewPool(ctx, &cfg.Postgres)
	if err != nil {
		return err
	}
	defer pool.Close()

	s3Client, err := s3util.NewClient(cfg.S3.URL)
	if err != nil {
		return err
	}

	reg := registry.NewClient(&cfg.Registry)
	imageBuild, err := newImageBuildStep(cfg, reg)
	if err != nil {
		return err
	}

	processor := &upload.Processor{
		DB: uploadpg.NewDatabase(pool),
		Pipelines: upload.NewPipelines(&upload.PipelinesConfig{
			Store:          builds3.NewStorage(s3Client, cfg.S3.Bucket),
			Registry:       reg,
			Runner:         &build.CommandRunner{},
			ImageBuild:     imageBuild,
			WorkRoot:       cfg.Build.WorkDir,
			S2IPath:        cfg.Build.S2IPath,
			DefaultBuilder: cfg.Build.DefaultBuilder,
		}),
		Images:      reg,
		MaxAttempts: cfg.Build.MaxAttempts,
	}

	worker := &Worker{
		AMQP:        &cfg.AMQP,
		Processor:   processor,
		Concurrency: cfg.Worker.Concurrency,
	}

	slog.Info("starting worker", "backend", cfg.Build.Backend, "queue", cfg.AMQP.Queue)
	err = worker.Run(ctx)
	if errors.Is(err, context.Canceled) {
		slog.Info("stopped worker")
		return nil
	}
	return err
}

func newLogger(development bool) *slog.Logger {
	if development {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}
