package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/caarlos0/env/v11"

	"github.com/k11v/kiln/internal/postgresprovision"
	"github.com/k11v/kiln/internal/postgresutil"
	"github.com/k11v/kiln/internal/s3util"
)

type config struct {
	Postgres postgresutil.Config `envPrefix:"KILN_POSTGRES_"`
	S3       s3util.Config       `envPrefix:"KILN_S3_"`
}

func main() {
	if err := run(os.Environ()); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// run applies the database migrations and creates the upload bucket.
// It is safe to run more than once.
func run(environ []string) error {
	ctx := context.Background()

	var cfg config
	err := env.ParseWithOptions(&cfg, env.Options{Environment: env.ToMap(environ)})
	if err != nil {
		return err
	}

	err = postgresprovision.Setup(cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	slog.Info("migrated postgres")

	client, err := s3util.NewClient(cfg.S3.URL)
	if err != nil {
		return err
	}
	err = s3util.Setup(ctx, client, cfg.S3.Bucket)
	if err != nil {
		return err
	}
	slog.Info("created bucket", "bucket", cfg.S3.Bucket)

	return nil
}
