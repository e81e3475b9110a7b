package refold

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/meridian-erp/meridian-erp/internal/adjustment"
	jobmetrics "github.com/meridian-erp/meridian-erp/internal/jobs"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// BookTx exposes the data access a refold of one pair needs. Every method
// runs inside the single transactional scope opened for that pair.
type BookTx interface {
	DirtyPeriods(ctx context.Context, pair Pair) ([]shared.Period, error)
	PrevClosing(ctx context.Context, pair Pair, p shared.Period) (float64, bool, error)
	MasterOpening(ctx context.Context, pair Pair) (float64, error)
	Entries(ctx context.Context, pair Pair, p shared.Period) ([]Entry, error)
	Adjustments(ctx context.Context, pair Pair, p shared.Period) ([]adjustment.Entry, error)
	UpdateEntry(ctx context.Context, entry Entry) error
	SaveSummary(ctx context.Context, pair Pair, p shared.Period, s Summary) error
	MarkNextDirty(ctx context.Context, pair Pair, p shared.Period) (bool, error)
}

// Book is one refoldable ledger book (stock or money). The engine drives the
// shared algorithm; books supply storage access and the replay strategy.
type Book interface {
	Name() string
	DirtyPairs(ctx context.Context) ([]Pair, error)
	WithPair(ctx context.Context, pair Pair, fn func(BookTx) error) error
	BuildDeltas(entityID int64, adjs []adjustment.Entry) map[int64]Delta
	Replay(opening float64, entries []Entry, deltas map[int64]Delta) (Summary, []Entry)
}

// AdjustmentConsumer marks consumed adjustment entries as reversed after all
// pairs have been processed.
type AdjustmentConsumer interface {
	MarkReversed(ctx context.Context, ids []int64) (int, error)
}

// Engine is the nightly batch: it replays every dirty (entity, branch) pair
// of both books oldest-period-first, each pair in its own transactional
// scope, and finally retires the consumed adjustments.
type Engine struct {
	stock       Book
	money       Book
	adjustments AdjustmentConsumer
	invalidate  func(context.Context) error
	logger      *slog.Logger
	metrics     *jobmetrics.Metrics
	clock       func() time.Time
}

// EngineConfig collects the engine's dependencies.
type EngineConfig struct {
	Stock       Book
	Money       Book
	Adjustments AdjustmentConsumer
	// Invalidate busts read caches after a run changed balances. Optional;
	// failures are logged, never propagated.
	Invalidate func(context.Context) error
	Logger     *slog.Logger
	Metrics    *jobmetrics.Metrics
}

// NewEngine constructs the refold engine.
func NewEngine(cfg EngineConfig) *Engine {
	return &Engine{
		stock:       cfg.Stock,
		money:       cfg.Money,
		adjustments: cfg.Adjustments,
		invalidate:  cfg.Invalidate,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) {
	if e != nil && clock != nil {
		e.clock = clock
	}
}

// Run executes one full batch pass. Per-pair failures are isolated and
// collected; only orchestrator-level failures mark the run unsuccessful.
func (e *Engine) Run(ctx context.Context) BatchResult {
	result := BatchResult{StartedAt: e.clock(), Success: true}

	consumed := make(map[int64]struct{})

	result.Stock = e.runBook(ctx, e.stock, consumed)
	result.Money = e.runBook(ctx, e.money, consumed)

	if len(consumed) > 0 {
		ids := make([]int64, 0, len(consumed))
		for id := range consumed {
			ids = append(ids, id)
		}
		n, err := e.adjustments.MarkReversed(ctx, ids)
		if err != nil {
			// Failing to retire consumed adjustments would replay them
			// again next run, so this aborts the whole run.
			result.Success = false
			result.CriticalError = fmt.Sprintf("mark adjustments reversed: %v", err)
			result.FinishedAt = e.clock()
			return result
		}
		result.AdjustmentsConsumed = n
	}

	if e.invalidate != nil {
		if err := e.invalidate(ctx); err != nil {
			e.log().Warn("balance cache invalidation failed", slog.Any("error", err))
		}
	}

	result.FinishedAt = e.clock()
	e.log().Info("refold batch finished",
		slog.Int("pairs", result.PairsProcessed()),
		slog.Int("periods", result.PeriodsRefolded()),
		slog.Int("adjustments", result.AdjustmentsConsumed),
		slog.Int("pair_errors", len(result.Errors())),
		slog.Duration("duration", result.FinishedAt.Sub(result.StartedAt)),
	)
	return result
}

func (e *Engine) runBook(ctx context.Context, book Book, consumed map[int64]struct{}) BookResult {
	var result BookResult
	if book == nil {
		return result
	}

	pairs, err := book.DirtyPairs(ctx)
	if err != nil {
		result.Errors = append(result.Errors, PairError{
			Book:    book.Name(),
			Message: fmt.Sprintf("list dirty pairs: %v", err),
		})
		return result
	}

	for _, pair := range pairs {
		periods, adjIDs, err := e.refoldPair(ctx, book, pair)
		if err != nil {
			perr := PairError{Book: book.Name(), Pair: pair, Message: err.Error()}
			if failed, ok := err.(*periodError); ok {
				perr.Period = failed.period
				perr.Message = failed.Error()
			}
			result.Errors = append(result.Errors, perr)
			e.metrics.AddPairError(book.Name(), pair.BranchID)
			e.log().Error("pair refold failed",
				slog.String("book", book.Name()),
				slog.Int64("entity_id", pair.EntityID),
				slog.Int64("branch_id", pair.BranchID),
				slog.Any("error", err),
			)
			continue
		}
		for _, id := range adjIDs {
			consumed[id] = struct{}{}
		}
		result.PairsProcessed++
		result.PeriodsRefolded += periods
	}
	e.metrics.AddPeriodsRefolded(book.Name(), result.PeriodsRefolded)
	return result
}

type periodError struct {
	period shared.Period
	err    error
}

func (e *periodError) Error() string {
	return fmt.Sprintf("period %s: %v", e.period, e.err)
}

func (e *periodError) Unwrap() error {
	return e.err
}

// refoldPair replays all dirty periods of one pair inside one transactional
// scope. It returns the number of refolded periods and the ids of every
// adjustment consumed along the way; on error the whole scope rolls back.
func (e *Engine) refoldPair(ctx context.Context, book Book, pair Pair) (int, []int64, error) {
	var refolded int
	var adjIDs []int64

	err := book.WithPair(ctx, pair, func(tx BookTx) error {
		periods, err := tx.DirtyPeriods(ctx, pair)
		if err != nil {
			return err
		}
		shared.SortPeriods(periods)

		queued := make(map[shared.Period]bool, len(periods))
		for _, p := range periods {
			queued[p] = true
		}

		for _, p := range periods {
			if err := e.refoldPeriod(ctx, book, tx, pair, p, queued, &adjIDs); err != nil {
				return &periodError{period: p, err: err}
			}
			refolded++
		}
		return nil
	})
	if err != nil {
		return 0, nil, err
	}
	return refolded, adjIDs, nil
}

func (e *Engine) refoldPeriod(ctx context.Context, book Book, tx BookTx, pair Pair, p shared.Period, queued map[shared.Period]bool, adjIDs *[]int64) error {
	opening, ok, err := tx.PrevClosing(ctx, pair, p)
	if err != nil {
		return fmt.Errorf("derive opening: %w", err)
	}
	if !ok {
		opening, err = tx.MasterOpening(ctx, pair)
		if err != nil {
			return fmt.Errorf("master opening: %w", err)
		}
	}

	entries, err := tx.Entries(ctx, pair, p)
	if err != nil {
		return fmt.Errorf("fetch entries: %w", err)
	}

	adjs, err := tx.Adjustments(ctx, pair, p)
	if err != nil {
		return fmt.Errorf("fetch adjustments: %w", err)
	}
	for _, adj := range adjs {
		*adjIDs = append(*adjIDs, adj.ID)
	}

	deltas := book.BuildDeltas(pair.EntityID, adjs)
	summary, changed := book.Replay(opening, entries, deltas)

	for _, entry := range changed {
		if err := tx.UpdateEntry(ctx, entry); err != nil {
			return fmt.Errorf("persist entry %d: %w", entry.ID, err)
		}
	}
	if err := tx.SaveSummary(ctx, pair, p, summary); err != nil {
		return fmt.Errorf("save summary: %w", err)
	}

	// Lazy cascade: only the immediately following period is flagged, and
	// only when its row already exists. Deeper propagation happens on the
	// next run, keeping each run's cost proportional to dirty work. A next
	// period already in this pair's work list is refolded in this pass.
	next := p.Next()
	if !queued[next] {
		if _, err := tx.MarkNextDirty(ctx, pair, p); err != nil {
			return fmt.Errorf("cascade to %s: %w", next, err)
		}
	}
	return nil
}

func (e *Engine) log() *slog.Logger {
	if e != nil && e.logger != nil {
		return e.logger
	}
	return slog.Default()
}
