// Package janitor runs scheduled maintenance: sweeping expired refresh
// tokens and refreshing database connection gauges.
package janitor

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/taskforge/taskforge/pkg/observability"
)

// Sweeper clears expired refresh-token slots. Implemented by
// identity.PostgresStore.
type Sweeper interface {
	ClearExpiredRefreshTokens(ctx context.Context) (int64, error)
}

// Janitor owns the cron scheduler.
type Janitor struct {
	cron    *cron.Cron
	sweeper Sweeper
	db      *sql.DB
	logger  *observability.Logger
	metrics *observability.Metrics
}

// New builds a janitor with the sweep registered on the given cron schedule
// ("@hourly", "*/10 * * * *", ...).
func New(sweeper Sweeper, db *sql.DB, schedule string, logger *observability.Logger, metrics *observability.Metrics) (*Janitor, error) {
	j := &Janitor{
		cron:    cron.New(),
		sweeper: sweeper,
		db:      db,
		logger:  logger,
		metrics: metrics,
	}

	if _, err := j.cron.AddFunc(schedule, func() {
		j.Sweep(context.Background())
	}); err != nil {
		return nil, fmt.Errorf("failed to schedule token sweep: %w", err)
	}

	return j, nil
}

// Start begins running scheduled jobs in their own goroutine.
func (j *Janitor) Start() {
	j.cron.Start()
	j.logger.Info("janitor started")
}

// Stop halts the scheduler and waits for any running job to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.logger.Info("janitor stopped")
}

// Sweep clears expired refresh tokens and updates connection gauges. Exposed
// so operators can trigger it outside the schedule. A panicking sweep must
// not take the scheduler down with it.
func (j *Janitor) Sweep(ctx context.Context) {
	defer observability.RecoverPanic(j.logger, "janitor sweep")

	cleared, err := j.sweeper.ClearExpiredRefreshTokens(ctx)
	if err != nil {
		j.logger.WithError(err).Error("expired token sweep failed")
		return
	}
	if cleared > 0 {
		j.logger.WithField("cleared", cleared).Info("cleared expired refresh tokens")
	}

	if j.db != nil && j.metrics != nil {
		stats := j.db.Stats()
		j.metrics.DBConnectionsActive.Set(float64(stats.InUse))
		j.metrics.DBConnectionsIdle.Set(float64(stats.Idle))
	}
}
