//go:build integration

package entitlements

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/254CARBON/access-sub001/pkg/apperr"
	"github.com/254CARBON/access-sub001/pkg/rules"
	"github.com/254CARBON/access-sub001/pkg/store"
)

// Run with: go test -tags=integration -run TestPostgresStore ./pkg/entitlements/...
func TestPostgresStoreRoundTrip(t *testing.T) {
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
	defer func() {
		if err := pgContainer.Terminate(ctx); err != nil {
			log.Printf("failed to terminate postgres container: %v", err)
		}
	}()

	dsn, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	pool, err := store.NewPostgresPool(ctx, dsn)
	require.NoError(t, err)
	defer pool.Close()

	schema, err := os.ReadFile("../../migrations/001_entitlement_rules.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(schema))
	require.NoError(t, err)

	st := NewPostgresStore(pool)
	require.NoError(t, st.Ping(ctx))

	now := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)
	exp := now.Add(48 * time.Hour)
	r := rules.Rule{
		RuleID:    "r-eu",
		Name:      "EU readers",
		Resource:  rules.ResourceCurve,
		Action:    rules.ActionAllow,
		Priority:  5,
		Enabled:   true,
		TenantID:  "acme",
		ExpiresAt: &exp,
		CreatedAt: now,
		UpdatedAt: now,
		Conditions: []rules.Condition{
			{Field: "region", Operator: rules.OpIn, Value: rules.Strings("EU", "UK")},
		},
	}
	require.NoError(t, st.Save(ctx, r))

	got, err := st.Get(ctx, "r-eu")
	require.NoError(t, err)
	assert.Equal(t, "acme", got.TenantID)
	assert.Empty(t, got.UserID)
	require.NotNil(t, got.ExpiresAt)
	assert.True(t, exp.Equal(*got.ExpiresAt))
	require.Len(t, got.Conditions, 1)
	assert.True(t, rules.Equal(rules.Strings("EU", "UK"), got.Conditions[0].Value))

	r.Action = rules.ActionDeny
	r.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, st.Save(ctx, r))
	list, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rules.ActionDeny, list[0].Action)

	deleted, err := st.Delete(ctx, "r-eu")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = st.Delete(ctx, "r-eu")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = st.Get(ctx, "r-eu")
	assert.True(t, apperr.Is(err, apperr.NotFound))
}
