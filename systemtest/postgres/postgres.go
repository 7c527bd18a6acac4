// Package postgres boots a throwaway Postgres container for the broker's
// system tests.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// image matches the major version the broker deploys against.
const image = "postgres:17-alpine"

// StartPostgres runs a Postgres container and waits until it accepts
// connections. The caller owns the container and must terminate it.
func StartPostgres(ctx context.Context, user, password, database string) (*postgres.PostgresContainer, error) {
	container, err := postgres.Run(ctx,
		image,
		postgres.WithUsername(user),
		postgres.WithPassword(password),
		postgres.WithDatabase(database),
		testcontainers.WithWaitStrategy(
			// Postgres restarts once during init, so the ready line
			// appears twice.
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Second)),
	)
	if err != nil {
		return nil, fmt.Errorf("start postgres container: %w", err)
	}

	state, err := container.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("inspect postgres container: %w", err)
	}
	if !state.Running {
		return nil, fmt.Errorf("postgres container is not running")
	}

	return container, nil
}

// TerminatePostgres tears the container down.
func TerminatePostgres(ctx context.Context, container *postgres.PostgresContainer) error {
	if err := container.Terminate(ctx); err != nil {
		return fmt.Errorf("terminate postgres container: %w", err)
	}
	return nil
}
