//go:build integration

package identity_test

import (
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/taskforge/taskforge/pkg/identity"
	"github.com/taskforge/taskforge/pkg/observability"
	"github.com/taskforge/taskforge/pkg/schema"
)

func setupPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("taskforge_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
		postgres.BasicWaitStrategies(),
	)
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("warning: failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, db.Ping())
	require.NoError(t, schema.Ensure(ctx, db))
	return db
}

// TestRefreshSlotLifecycle drives the refresh-token slot through its full
// lifecycle against the bootstrapped schema: the clear paths write NULL, so
// the column must accept it.
func TestRefreshSlotLifecycle(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	store := identity.NewPostgresStore(db, nil, logger)

	user, err := store.Register(ctx, identity.RegisterInput{
		FullName: "Ada", Email: "ada@example.com", Password: "engine1842",
	})
	require.NoError(t, err)

	require.NoError(t, store.SetRefreshToken(ctx, user.ID, "token-1", time.Now().Add(time.Hour)))

	loaded, err := store.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, "token-1", loaded.RefreshToken)

	swapped, err := store.SwapRefreshToken(ctx, user.ID, "token-1", "token-2", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, swapped)

	// Logout path.
	require.NoError(t, store.ClearRefreshToken(ctx, user.ID))

	loaded, err = store.GetByID(ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, loaded.RefreshToken)
	assert.Nil(t, loaded.RefreshExpiresAt)

	// A cleared slot rejects any CAS attempt.
	swapped, err = store.SwapRefreshToken(ctx, user.ID, "token-2", "token-3", time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, swapped)
}

// TestExpiredSlotSweep seeds live and expired sessions and verifies the
// janitor's sweep statement clears exactly the expired ones.
func TestExpiredSlotSweep(t *testing.T) {
	db := setupPostgres(t)
	ctx := context.Background()
	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	store := identity.NewPostgresStore(db, nil, logger)

	expired, err := store.Register(ctx, identity.RegisterInput{
		FullName: "Stale", Email: "stale@example.com", Password: "password123",
	})
	require.NoError(t, err)
	require.NoError(t, store.SetRefreshToken(ctx, expired.ID, "stale-token", time.Now().Add(-time.Hour)))

	live, err := store.Register(ctx, identity.RegisterInput{
		FullName: "Live", Email: "live@example.com", Password: "password123",
	})
	require.NoError(t, err)
	require.NoError(t, store.SetRefreshToken(ctx, live.ID, "live-token", time.Now().Add(time.Hour)))

	cleared, err := store.ClearExpiredRefreshTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)

	staleAfter, err := store.GetByID(ctx, expired.ID)
	require.NoError(t, err)
	assert.Empty(t, staleAfter.RefreshToken)

	liveAfter, err := store.GetByID(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, "live-token", liveAfter.RefreshToken)

	// Idempotent: a second sweep finds nothing.
	cleared, err = store.ClearExpiredRefreshTokens(ctx)
	require.NoError(t, err)
	assert.Zero(t, cleared)
}
