// Package postgrestest starts migrated Postgres containers for tests.
package postgrestest

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/k11v/kiln/internal/postgresprovision"
)

// Setup starts a Postgres container and applies the migrations.
// The returned teardown terminates the container.
func Setup(ctx context.Context) (connectionString string, teardown func() error, err error) {
	username := "postgres"
	password := "postgres"
	database := "postgres"

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			WaitingFor: wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
			Env: map[string]string{
				"POSTGRES_USER":     username,
				"POSTGRES_PASSWORD": password,
				"POSTGRES_DB":       database,
			},
		},
		Started: true,
	}

	c, err := testcontainers.GenericContainer(ctx, req)
	teardown = func() error {
		if c == nil {
			return nil
		}
		return c.Terminate(context.Background())
	}
	if err != nil {
		return "", teardown, fmt.Errorf("postgrestest.Setup: %w", err)
	}

	endpoint, err := c.PortEndpoint(ctx, nat.Port("5432/tcp"), "")
	if err != nil {
		return "", teardown, fmt.Errorf("postgrestest.Setup: %w", err)
	}
	connectionString = fmt.Sprintf("postgres://%s:%s@%s/%s?sslmode=disable", username, password, endpoint, database)

	if err = postgresprovision.Setup(connectionString); err != nil {
		return "", teardown, fmt.Errorf("postgrestest.Setup: %w", err)
	}

	return connectionString, teardown, nil
}
