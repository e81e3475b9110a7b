package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/meridian-erp/meridian-erp/internal/jobs"
	"github.com/meridian-erp/meridian-erp/internal/refold"
)

const (
	// TaskNightlyRefold runs the nightly batch recomputation of both books.
	TaskNightlyRefold = "books:refold"
)

// NightlyRefoldPayload carries scheduling metadata.
type NightlyRefoldPayload struct {
	ScheduledFor time.Time `json:"scheduled_for"`
}

// RefoldEngine is the batch orchestrator the job drives.
type RefoldEngine interface {
	Run(ctx context.Context) refold.BatchResult
}

// OverdueMarker flips open outstandings past their due date.
type OverdueMarker interface {
	MarkOverdue(ctx context.Context, asOf time.Time) (int64, error)
}

// NightlyRefoldJob runs the refold engine, refreshes overdue statuses and
// alerts the operators about failures.
type NightlyRefoldJob struct {
	Engine  RefoldEngine
	Overdue OverdueMarker
	Alerts  Alerter
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewNightlyRefoldJob constructs the job handler.
func NewNightlyRefoldJob(engine RefoldEngine, overdue OverdueMarker, alerts Alerter, logger *slog.Logger, metrics *jobmetrics.Metrics) *NightlyRefoldJob {
	return &NightlyRefoldJob{
		Engine:  engine,
		Overdue: overdue,
		Alerts:  alerts,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// NewNightlyRefoldTask creates an Asynq task for the nightly batch.
func NewNightlyRefoldTask(at time.Time) (*asynq.Task, error) {
	body, err := json.Marshal(NightlyRefoldPayload{ScheduledFor: at})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskNightlyRefold, body, asynq.Queue(QueueDefault)), nil
}

// Handle executes one batch run. Per-pair failures are already isolated by
// the engine and only raise an alert; an unsuccessful run fails the task so
// Asynq retries it.
func (j *NightlyRefoldJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Engine == nil {
		return errors.New("nightly refold: engine not configured")
	}
	var payload NightlyRefoldPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}

	tracker := j.metrics().Track(TaskNightlyRefold)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	result := j.Engine.Run(ctx)
	if !result.Success {
		if j.Alerts != nil {
			if err := j.Alerts.CriticalFailure(ctx, result); err != nil {
				j.log().Error("critical alert failed", slog.Any("error", err))
			}
		}
		resultErr = fmt.Errorf("refold batch aborted: %s", result.CriticalError)
		return resultErr
	}

	if errs := result.Errors(); len(errs) > 0 && j.Alerts != nil {
		if err := j.Alerts.PartialFailure(ctx, result); err != nil {
			j.log().Error("partial alert failed", slog.Any("error", err))
		}
	}

	if j.Overdue != nil {
		flipped, err := j.Overdue.MarkOverdue(ctx, j.now())
		if err != nil {
			j.log().Error("mark overdue", slog.Any("error", err))
		} else if flipped > 0 {
			j.log().Info("marked outstandings overdue", slog.Int64("count", flipped))
		}
	}

	j.log().Info("nightly refold finished",
		slog.Int("pairs", result.PairsProcessed()),
		slog.Int("periods", result.PeriodsRefolded()),
		slog.Int("adjustments", result.AdjustmentsConsumed),
		slog.Int("pair_errors", len(result.Errors())),
	)
	return resultErr
}

func (j *NightlyRefoldJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *NightlyRefoldJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskNightlyRefold))
	}
	return slog.Default().With(slog.String("job", TaskNightlyRefold))
}

func (j *NightlyRefoldJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}

// WithClock overrides the internal clock for deterministic tests.
func (j *NightlyRefoldJob) WithClock(clock func() time.Time) {
	if j != nil && clock != nil {
		j.clock = clock
	}
}
