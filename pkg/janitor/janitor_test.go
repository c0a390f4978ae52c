package janitor

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskforge/taskforge/pkg/observability"
)

type countingSweeper struct {
	calls   atomic.Int64
	cleared int64
	err     error
}

func (s *countingSweeper) ClearExpiredRefreshTokens(ctx context.Context) (int64, error) {
	s.calls.Add(1)
	return s.cleared, s.err
}

func testLogger() *observability.Logger {
	return observability.NewLogger(observability.ErrorLevel, io.Discard)
}

func TestSweep(t *testing.T) {
	sweeper := &countingSweeper{cleared: 3}
	j, err := New(sweeper, nil, "@hourly", testLogger(), nil)
	require.NoError(t, err)

	j.Sweep(context.Background())
	assert.Equal(t, int64(1), sweeper.calls.Load())
}

func TestSweepSurvivesErrors(t *testing.T) {
	sweeper := &countingSweeper{err: errors.New("db down")}
	j, err := New(sweeper, nil, "@hourly", testLogger(), nil)
	require.NoError(t, err)

	j.Sweep(context.Background())
	j.Sweep(context.Background())
	assert.Equal(t, int64(2), sweeper.calls.Load())
}

func TestInvalidSchedule(t *testing.T) {
	_, err := New(&countingSweeper{}, nil, "not a schedule", testLogger(), nil)
	require.Error(t, err)
}

func TestStartStop(t *testing.T) {
	j, err := New(&countingSweeper{}, nil, "@hourly", testLogger(), nil)
	require.NoError(t, err)

	j.Start()
	j.Stop()
}
