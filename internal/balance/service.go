package balance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/meridian-erp/meridian-erp/internal/adjustment"
	"github.com/meridian-erp/meridian-erp/internal/refold"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// RepositoryPort defines data access for monthly balances and the report
// read path.
type RepositoryPort interface {
	Get(ctx context.Context, book shared.Book, entityID, branchID int64, p shared.Period) (*MonthlyBalance, error)
	Range(ctx context.Context, book shared.Book, entityID, branchID int64, from, to shared.Period) ([]MonthlyBalance, error)
	MarkDirtyFrom(ctx context.Context, book shared.Book, entityID, branchID int64, p shared.Period) (int64, error)
	CountDirtyInRange(ctx context.Context, book shared.Book, entityID, branchID int64, from, to shared.Period) (int, error)
	CountAdjustmentsInRange(ctx context.Context, book shared.Book, entityID, branchID int64, from, to shared.Period) (int, error)
	PrevClosing(ctx context.Context, book shared.Book, entityID, branchID int64, p shared.Period) (float64, bool, error)
	MasterOpening(ctx context.Context, book shared.Book, entityID int64) (float64, error)
	Entries(ctx context.Context, book shared.Book, entityID, branchID int64, p shared.Period) ([]refold.Entry, error)
	Adjustments(ctx context.Context, book shared.Book, entityID, branchID int64, p shared.Period) ([]adjustment.Entry, error)
}

// Service owns the dirty-period tracker, opening-balance derivation and the
// three-tier balance report path.
type Service struct {
	repo     RepositoryPort
	cache    *Cache
	baseDate time.Time
	eps      float64
	reports  singleflight.Group
}

// NewService builds Service instance. baseDate is the hard floor for
// opening-balance derivation; no period before it is ever consulted.
func NewService(repo RepositoryPort, cache *Cache, baseDate time.Time, eps float64) *Service {
	return &Service{repo: repo, cache: cache, baseDate: baseDate, eps: eps}
}

// MarkDirtyFrom flags the edited period and every later existing period of
// the entity as needing recalculation. Rows that do not exist yet are left
// alone; they are created dirty when first touched or when refold cascades
// into them. Pure metadata update, no ledger rows involved.
func (s *Service) MarkDirtyFrom(ctx context.Context, book shared.Book, entityID, branchID int64, p shared.Period) (int64, error) {
	if !book.Valid() {
		return 0, fmt.Errorf("balance: %w: unknown book %q", shared.ErrInvalidInput, book)
	}
	if entityID == 0 || branchID == 0 {
		return 0, fmt.Errorf("balance: %w: entity and branch required", shared.ErrInvalidInput)
	}
	if p.IsZero() {
		return 0, fmt.Errorf("balance: %w: period required", shared.ErrInvalidInput)
	}
	if base := shared.PeriodOf(s.baseDate); p.Before(base) {
		p = base
	}

	marked, err := s.repo.MarkDirtyFrom(ctx, book, entityID, branchID, p)
	if err != nil {
		return 0, err
	}
	// Stored aggregates are now suspect; force report rebuilds.
	s.cache.Invalidate(ctx)
	return marked, nil
}

// OpeningBalance derives the opening balance for one period: the previous
// period's closing when that row exists, otherwise the entity's configured
// master opening, otherwise zero.
func (s *Service) OpeningBalance(ctx context.Context, book shared.Book, entityID, branchID int64, p shared.Period) (float64, error) {
	if !book.Valid() {
		return 0, fmt.Errorf("balance: %w: unknown book %q", shared.ErrInvalidInput, book)
	}
	base := shared.PeriodOf(s.baseDate)
	if !base.Before(p) {
		// At or before the base date only the master opening applies.
		return s.repo.MasterOpening(ctx, book, entityID)
	}
	closing, ok, err := s.repo.PrevClosing(ctx, book, entityID, branchID, p)
	if err != nil {
		return 0, err
	}
	if ok {
		return closing, nil
	}
	return s.repo.MasterOpening(ctx, book, entityID)
}

// Report returns period aggregates for a range, choosing the cheapest path
// that is still correct: stored rows when everything is clean, in-memory
// replay of adjusted periods when only adjustments are pending, and a full
// in-memory refold of the range when dirty periods exist. Concurrent
// identical requests share one computation.
func (s *Service) Report(ctx context.Context, req ReportRequest) (*Report, error) {
	if !req.Book.Valid() {
		return nil, fmt.Errorf("balance: %w: unknown book %q", shared.ErrInvalidInput, req.Book)
	}
	if req.EntityID == 0 || req.BranchID == 0 {
		return nil, fmt.Errorf("balance: %w: entity and branch required", shared.ErrInvalidInput)
	}
	if req.From.IsZero() || req.To.IsZero() || req.To.Before(req.From) {
		return nil, fmt.Errorf("balance: %w: invalid period range", shared.ErrInvalidInput)
	}

	key := fmt.Sprintf("%s:%d:%d:%s:%s", req.Book, req.EntityID, req.BranchID, req.From, req.To)
	value, err, _ := s.reports.Do(key, func() (interface{}, error) {
		var report Report
		err := s.cache.FetchJSON(ctx, []string{"balance", "report", key}, &report, func(ctx context.Context) (interface{}, error) {
			return s.buildReport(ctx, req)
		})
		if err != nil {
			return nil, err
		}
		return &report, nil
	})
	if err != nil {
		return nil, err
	}
	report, ok := value.(*Report)
	if !ok {
		return nil, errors.New("balance: unexpected report type")
	}
	return report, nil
}

func (s *Service) buildReport(ctx context.Context, req ReportRequest) (*Report, error) {
	dirty, err := s.repo.CountDirtyInRange(ctx, req.Book, req.EntityID, req.BranchID, req.From, req.To)
	if err != nil {
		return nil, err
	}
	pending, err := s.repo.CountAdjustmentsInRange(ctx, req.Book, req.EntityID, req.BranchID, req.From, req.To)
	if err != nil {
		return nil, err
	}

	switch {
	case dirty == 0 && pending == 0:
		return s.fastReport(ctx, req)
	case dirty == 0:
		return s.replayReport(ctx, req, PathHybrid)
	default:
		return s.replayReport(ctx, req, PathFull)
	}
}

// fastReport trusts the stored aggregates as-is.
func (s *Service) fastReport(ctx context.Context, req ReportRequest) (*Report, error) {
	rows, err := s.repo.Range(ctx, req.Book, req.EntityID, req.BranchID, req.From, req.To)
	if err != nil {
		return nil, err
	}
	report := &Report{Path: PathFast}
	for _, row := range rows {
		report.Periods = append(report.Periods, PeriodSummary{
			Period:   row.Period(),
			Opening:  row.Opening,
			TotalIn:  row.TotalIn,
			TotalOut: row.TotalOut,
			Closing:  row.Closing,
			TxnCount: row.TxnCount,
		})
	}
	return report, nil
}

// replayReport rebuilds the range in memory the same way the nightly refold
// would, without persisting anything. On the hybrid path only periods with
// pending adjustments are replayed; clean stored aggregates are reused,
// re-chained on the rolling opening.
func (s *Service) replayReport(ctx context.Context, req ReportRequest, path ReportPath) (*Report, error) {
	report := &Report{Path: path}

	opening, err := s.OpeningBalance(ctx, req.Book, req.EntityID, req.BranchID, req.From)
	if err != nil {
		return nil, err
	}

	for p := req.From; !req.To.Before(p); p = p.Next() {
		row, err := s.repo.Get(ctx, req.Book, req.EntityID, req.BranchID, p)
		if err != nil {
			return nil, err
		}

		adjs, err := s.repo.Adjustments(ctx, req.Book, req.EntityID, req.BranchID, p)
		if err != nil {
			return nil, err
		}

		trustStored := path == PathHybrid && row != nil && !row.NeedsRecalculation && len(adjs) == 0
		if trustStored {
			report.Periods = append(report.Periods, PeriodSummary{
				Period:   p,
				Opening:  opening,
				TotalIn:  row.TotalIn,
				TotalOut: row.TotalOut,
				Closing:  opening + row.TotalIn - row.TotalOut,
				TxnCount: row.TxnCount,
			})
			opening = opening + row.TotalIn - row.TotalOut
			continue
		}

		entries, err := s.repo.Entries(ctx, req.Book, req.EntityID, req.BranchID, p)
		if err != nil {
			return nil, err
		}
		if row == nil && len(entries) == 0 && len(adjs) == 0 {
			continue
		}

		var summary refold.Summary
		if req.Book == shared.BookStock {
			deltas := refold.BuildStockDeltas(req.EntityID, adjs)
			summary, _ = refold.ReplayStock(opening, entries, deltas)
		} else {
			deltas := refold.BuildMoneyDeltas(req.EntityID, adjs)
			summary, _ = refold.ReplayMoney(opening, entries, deltas, s.eps)
		}

		report.Periods = append(report.Periods, PeriodSummary{
			Period:   p,
			Opening:  summary.Opening,
			TotalIn:  summary.TotalIn,
			TotalOut: summary.TotalOut,
			Closing:  summary.Closing,
			TxnCount: summary.TxnCount,
			Dirty:    row != nil && row.NeedsRecalculation,
		})
		opening = summary.Closing
	}
	return report, nil
}

// InvalidateReports busts the report cache. The refold engine calls this
// after committing a batch.
func (s *Service) InvalidateReports(ctx context.Context) error {
	return s.cache.Invalidate(ctx)
}
