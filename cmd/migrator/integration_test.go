//go:build integration

package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap/zaptest"
)

// Run with: go test -tags=integration -timeout 120s ./cmd/migrator/...
func TestMigrationsAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("access"),
		postgres.WithUsername("access"),
		postgres.WithPassword("access"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgContainer.Terminate(ctx) })

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	dir := t.TempDir()
	body, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_entitlement_rules.sql"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_entitlement_rules.sql"), body, 0o600))

	m := &migrator{db: pool, dir: dir, logger: zaptest.NewLogger(t)}
	report, err := m.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"001_entitlement_rules.sql"}, report.Applied)

	_, err = pool.Exec(ctx, `INSERT INTO entitlement_rules (rule_id, name, resource, action) VALUES ('r1', 'r1', 'curve', 'allow')`)
	require.NoError(t, err)

	report, err = m.Run(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Applied)
	assert.Equal(t, 1, report.Skipped)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "001_entitlement_rules.sql"), append(body, []byte("\n-- edited\n")...), 0o600))
	_, err = m.Run(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "modified after it was applied")
}
