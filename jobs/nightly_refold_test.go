package jobs

import (
	"context"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/refold"
	_ "github.com/meridian-erp/meridian-erp/testing"
)

type fakeEngine struct {
	result refold.BatchResult
	runs   int
}

func (f *fakeEngine) Run(context.Context) refold.BatchResult {
	f.runs++
	return f.result
}

type fakeAlerter struct {
	critical int
	partial  int
}

func (f *fakeAlerter) CriticalFailure(context.Context, refold.BatchResult) error {
	f.critical++
	return nil
}

func (f *fakeAlerter) PartialFailure(context.Context, refold.BatchResult) error {
	f.partial++
	return nil
}

type fakeOverdue struct {
	asOf    time.Time
	flipped int64
}

func (f *fakeOverdue) MarkOverdue(_ context.Context, asOf time.Time) (int64, error) {
	f.asOf = asOf
	return f.flipped, nil
}

func refoldTask(t *testing.T) *asynq.Task {
	t.Helper()
	task, err := NewNightlyRefoldTask(time.Date(2026, time.March, 1, 2, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return task
}

func TestNightlyRefoldSuccess(t *testing.T) {
	engine := &fakeEngine{result: refold.BatchResult{Success: true}}
	alerts := &fakeAlerter{}
	overdue := &fakeOverdue{flipped: 3}

	job := NewNightlyRefoldJob(engine, overdue, alerts, nil, nil)
	now := time.Date(2026, time.March, 1, 2, 5, 0, 0, time.UTC)
	job.WithClock(func() time.Time { return now })

	require.NoError(t, job.Handle(context.Background(), refoldTask(t)))
	require.Equal(t, 1, engine.runs)
	require.Zero(t, alerts.critical)
	require.Zero(t, alerts.partial)
	require.Equal(t, now, overdue.asOf)
}

func TestNightlyRefoldPartialFailureAlertsButSucceeds(t *testing.T) {
	engine := &fakeEngine{result: refold.BatchResult{
		Success: true,
		Stock: refold.BookResult{
			PairsProcessed: 2,
			Errors: []refold.PairError{
				{Book: "stock", Pair: refold.Pair{EntityID: 4, BranchID: 1}, Message: "boom"},
			},
		},
	}}
	alerts := &fakeAlerter{}

	job := NewNightlyRefoldJob(engine, nil, alerts, nil, nil)
	require.NoError(t, job.Handle(context.Background(), refoldTask(t)))
	require.Equal(t, 1, alerts.partial)
	require.Zero(t, alerts.critical)
}

func TestNightlyRefoldCriticalFailureFailsTask(t *testing.T) {
	engine := &fakeEngine{result: refold.BatchResult{
		Success:       false,
		CriticalError: "mark adjustments reversed: connection lost",
	}}
	alerts := &fakeAlerter{}

	job := NewNightlyRefoldJob(engine, nil, alerts, nil, nil)
	err := job.Handle(context.Background(), refoldTask(t))
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection lost")
	require.Equal(t, 1, alerts.critical)
}

func TestNightlyRefoldRejectsMalformedPayload(t *testing.T) {
	job := NewNightlyRefoldJob(&fakeEngine{}, nil, nil, nil, nil)
	err := job.Handle(context.Background(), asynq.NewTask(TaskNightlyRefold, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}
