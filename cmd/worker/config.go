package main

import (
	"runtime"

	"github.com/caarlos0/env/v11"

	"github.com/k11v/kiln/internal/amqputil"
	"github.com/k11v/kiln/internal/build/buildopenshift"
	"github.com/k11v/kiln/internal/postgresutil"
	"github.com/k11v/kiln/internal/registry"
	"github.com/k11v/kiln/internal/s3util"
)

// config holds the application configuration.
type config struct {
	Development bool                  `env:"KILN_DEVELOPMENT"`
	Postgres    postgresutil.Config   `envPrefix:"KILN_POSTGRES_"`
	AMQP        amqputil.Config       `envPrefix:"KILN_AMQP_"`
	S3          s3util.Config         `envPrefix:"KILN_S3_"`
	Registry    registry.Config       `envPrefix:"KILN_REGISTRY_"`
	Build       buildConfig           `envPrefix:"KILN_BUILD_"`
	OpenShift   buildopenshift.Config `envPrefix:"KILN_OPENSHIFT_"`
	Worker      workerConfig          `envPrefix:"KILN_WORKER_"`
}

type buildConfig struct {
	Backend        string `env:"BACKEND" envDefault:"docker"` // docker or openshift
	S2IPath        string `env:"S2I_PATH" envDefault:"s2i"`
	WorkDir        string `env:"WORK_DIR"` // default: os.TempDir()
	DefaultBuilder string `env:"DEFAULT_BUILDER" envDefault:"seldonio/seldon-core-s2i-python37:1.10.0"`
	MaxAttempts    int    `env:"MAX_ATTEMPTS" envDefault:"3"`
}

type workerConfig struct {
	Concurrency int `env:"CONCURRENCY" envDefault:"1"`
}

// parseConfig parses the application configuration from the environment variables.
func parseConfig(environ []string) (*config, error) {
	var cfg config

	err := env.ParseWithOptions(&cfg, env.Options{
		Environment: env.ToMap(environ),
	})
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// poolMaxConns sizes the Postgres pool for concurrency jobs. A job holds one
// connection for its version lock and needs another for queries, and jobs
// waiting for the same lock hold one each, so a smaller pool can deadlock.
func poolMaxConns(configured int32, concurrency int) int32 {
	need := int32(2*max(concurrency, 1) + 1)
	if configured <= 0 {
		configured = int32(max(4, runtime.NumCPU())) // pgxpool default
	}
	return max(configured, need)
}
