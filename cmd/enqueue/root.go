package main

import (
	"context"
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/cobra"

	"github.com/k11v/kiln/internal/amqputil"
	"github.com/k11v/kiln/internal/build/builds3"
	"github.com/k11v/kiln/internal/postgresutil"
	"github.com/k11v/kiln/internal/s3util"
	"github.com/k11v/kiln/internal/upload/uploadpg"
)

type config struct {
	Postgres postgresutil.Config `envPrefix:"KILN_POSTGRES_"`
	AMQP     amqputil.Config     `envPrefix:"KILN_AMQP_"`
	S3       s3util.Config       `envPrefix:"KILN_S3_"`
}

// deps is what the subcommands talk to.
type deps struct {
	db        *uploadpg.Database
	storage   *builds3.Storage
	publisher *amqputil.Client
	close     func()
}

func newDeps(ctx context.Context, environ []string) (*deps, error) {
	var cfg config
	err := env.ParseWithOptions(&cfg, env.Options{Environment: env.ToMap(environ)})
	if err != nil {
		return nil, err
	}

	pool, err := postgresutil.NewPool(ctx, &cfg.Postgres)
	if err != nil {
		return nil, err
	}

	s3Client, err := s3util.NewClient(cfg.S3.URL)
	if err != nil {
		pool.Close()
		return nil, err
	}

	return &deps{
		db:        uploadpg.NewDatabase(pool),
		storage:   builds3.NewStorage(s3Client, cfg.S3.Bucket),
		publisher: amqputil.NewClient(cfg.AMQP.URL, amqputil.UploadQueue(cfg.AMQP.Queue)),
		close:     pool.Close,
	}, nil
}

func newRootCmd(environ []string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "enqueue",
		Short:        "Upload a model version and queue its image build",
		SilenceUsage: true,
	}

	withDeps := func(run func(cmd *cobra.Command, d *deps) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			d, err := newDeps(cmd.Context(), environ)
			if err != nil {
				return fmt.Errorf("enqueue: %w", err)
			}
			defer d.close()
			return run(cmd, d)
		}
	}

	rootCmd.AddCommand(newZipCmd(withDeps))
	rootCmd.AddCommand(newDockerCmd(withDeps))
	rootCmd.AddCommand(newLogsCmd(withDeps))
	return rootCmd
}
