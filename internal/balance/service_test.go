package balance

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/adjustment"
	"github.com/meridian-erp/meridian-erp/internal/refold"
	"github.com/meridian-erp/meridian-erp/internal/shared"
	_ "github.com/meridian-erp/meridian-erp/testing"
)

// fakeRepo serves one (entity, branch) pair keyed by period.
type fakeRepo struct {
	rows     map[shared.Period]*MonthlyBalance
	entries  map[shared.Period][]refold.Entry
	adjs     map[shared.Period][]adjustment.Entry
	dirty    int
	pending  int
	master   float64
	closings map[shared.Period]float64

	markedFrom   shared.Period
	marked       int64
	rangeCalls   int
	entriesCalls int
	countCalls   int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		rows:     make(map[shared.Period]*MonthlyBalance),
		entries:  make(map[shared.Period][]refold.Entry),
		adjs:     make(map[shared.Period][]adjustment.Entry),
		closings: make(map[shared.Period]float64),
	}
}

func (f *fakeRepo) Get(_ context.Context, _ shared.Book, _, _ int64, p shared.Period) (*MonthlyBalance, error) {
	return f.rows[p], nil
}

func (f *fakeRepo) Range(_ context.Context, _ shared.Book, _, _ int64, from, to shared.Period) ([]MonthlyBalance, error) {
	f.rangeCalls++
	var out []MonthlyBalance
	for p := from; !to.Before(p); p = p.Next() {
		if row := f.rows[p]; row != nil {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (f *fakeRepo) MarkDirtyFrom(_ context.Context, _ shared.Book, _, _ int64, p shared.Period) (int64, error) {
	f.markedFrom = p
	return f.marked, nil
}

func (f *fakeRepo) CountDirtyInRange(context.Context, shared.Book, int64, int64, shared.Period, shared.Period) (int, error) {
	f.countCalls++
	return f.dirty, nil
}

func (f *fakeRepo) CountAdjustmentsInRange(context.Context, shared.Book, int64, int64, shared.Period, shared.Period) (int, error) {
	return f.pending, nil
}

func (f *fakeRepo) PrevClosing(_ context.Context, _ shared.Book, _, _ int64, p shared.Period) (float64, bool, error) {
	closing, ok := f.closings[p.Prev()]
	return closing, ok, nil
}

func (f *fakeRepo) MasterOpening(context.Context, shared.Book, int64) (float64, error) {
	return f.master, nil
}

func (f *fakeRepo) Entries(_ context.Context, _ shared.Book, _, _ int64, p shared.Period) ([]refold.Entry, error) {
	f.entriesCalls++
	return f.entries[p], nil
}

func (f *fakeRepo) Adjustments(_ context.Context, _ shared.Book, _, _ int64, p shared.Period) ([]adjustment.Entry, error) {
	return f.adjs[p], nil
}

var baseDate = time.Date(2020, time.January, 1, 0, 0, 0, 0, time.UTC)

func newTestService(repo RepositoryPort) *Service {
	return NewService(repo, NewCache(nil, 0), baseDate, shared.DefaultBalanceEpsilon)
}

func storedRow(p shared.Period, opening, in, out float64, dirty bool) *MonthlyBalance {
	return &MonthlyBalance{
		Year: p.Year, Month: p.Month,
		Opening: opening, TotalIn: in, TotalOut: out,
		Closing: opening + in - out, TxnCount: 1,
		NeedsRecalculation: dirty,
	}
}

func jan() shared.Period { return shared.Period{Year: 2026, Month: 1} }
func feb() shared.Period { return shared.Period{Year: 2026, Month: 2} }

func newReportRequest() ReportRequest {
	return ReportRequest{Book: shared.BookMoney, EntityID: 900, BranchID: 1, From: jan(), To: feb()}
}

func TestReportFastPath(t *testing.T) {
	repo := newFakeRepo()
	repo.rows[jan()] = storedRow(jan(), 0, 100, 20, false)
	repo.rows[feb()] = storedRow(feb(), 80, 50, 0, false)
	svc := newTestService(repo)

	report, err := svc.Report(context.Background(), newReportRequest())
	require.NoError(t, err)
	require.Equal(t, PathFast, report.Path)
	require.Len(t, report.Periods, 2)
	require.InDelta(t, 130, report.Closing(), 1e-9)
	require.Equal(t, 1, repo.rangeCalls)
	require.Zero(t, repo.entriesCalls)
}

func TestReportHybridReplaysOnlyAdjustedPeriods(t *testing.T) {
	repo := newFakeRepo()
	repo.pending = 1
	repo.rows[jan()] = storedRow(jan(), 0, 100, 20, false)
	repo.rows[feb()] = storedRow(feb(), 80, 50, 0, false)
	repo.entries[feb()] = []refold.Entry{{ID: 10, TxnID: 600, Inward: true, Amount: 50}}
	repo.adjs[feb()] = []adjustment.Entry{{
		ID: 1, TxnID: 600, Status: adjustment.StatusActive,
		OldAmount: 50, NewAmount: 70, OldAccountID: 900, NewAccountID: 900,
	}}
	svc := newTestService(repo)

	report, err := svc.Report(context.Background(), newReportRequest())
	require.NoError(t, err)
	require.Equal(t, PathHybrid, report.Path)
	require.Len(t, report.Periods, 2)

	// January is served from the stored aggregate, February is replayed with
	// the pending delta chained on January's closing.
	require.InDelta(t, 80, report.Periods[0].Closing, 1e-9)
	require.InDelta(t, 80, report.Periods[1].Opening, 1e-9)
	require.InDelta(t, 70, report.Periods[1].TotalIn, 1e-9)
	require.InDelta(t, 150, report.Closing(), 1e-9)
	require.Equal(t, 1, repo.entriesCalls)
}

func TestReportFullPathIgnoresDirtyAggregates(t *testing.T) {
	repo := newFakeRepo()
	repo.dirty = 1
	// Stored totals are stale on purpose; the full path must not trust them.
	repo.rows[jan()] = storedRow(jan(), 0, 999, 0, true)
	repo.entries[jan()] = []refold.Entry{{ID: 1, TxnID: 500, Inward: true, Amount: 100}}
	repo.entries[feb()] = []refold.Entry{{ID: 2, TxnID: 501, Inward: false, Amount: 30}}
	svc := newTestService(repo)

	report, err := svc.Report(context.Background(), newReportRequest())
	require.NoError(t, err)
	require.Equal(t, PathFull, report.Path)
	require.Len(t, report.Periods, 2)
	require.True(t, report.Periods[0].Dirty)
	require.InDelta(t, 100, report.Periods[0].Closing, 1e-9)
	require.InDelta(t, 70, report.Closing(), 1e-9)
}

func TestReportSkipsEmptyPeriods(t *testing.T) {
	repo := newFakeRepo()
	repo.dirty = 1
	repo.entries[feb()] = []refold.Entry{{ID: 1, TxnID: 500, Inward: true, Amount: 10}}
	svc := newTestService(repo)

	report, err := svc.Report(context.Background(), newReportRequest())
	require.NoError(t, err)
	require.Len(t, report.Periods, 1)
	require.Equal(t, feb(), report.Periods[0].Period)
}

func TestReportValidation(t *testing.T) {
	svc := newTestService(newFakeRepo())

	_, err := svc.Report(context.Background(), ReportRequest{Book: "crypto", EntityID: 1, BranchID: 1, From: jan(), To: feb()})
	require.ErrorIs(t, err, shared.ErrInvalidInput)

	_, err = svc.Report(context.Background(), ReportRequest{Book: shared.BookMoney, EntityID: 1, BranchID: 1, From: feb(), To: jan()})
	require.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestMarkDirtyFromFloorsAtBaseDate(t *testing.T) {
	repo := newFakeRepo()
	repo.marked = 3
	svc := newTestService(repo)

	marked, err := svc.MarkDirtyFrom(context.Background(), shared.BookMoney, 900, 1, shared.Period{Year: 2019, Month: 6})
	require.NoError(t, err)
	require.EqualValues(t, 3, marked)
	require.Equal(t, shared.PeriodOf(baseDate), repo.markedFrom)

	_, err = svc.MarkDirtyFrom(context.Background(), shared.BookMoney, 0, 1, jan())
	require.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestOpeningBalanceDerivation(t *testing.T) {
	repo := newFakeRepo()
	repo.master = 40
	repo.closings[jan()] = 125
	svc := newTestService(repo)

	// Previous closing wins when the row exists.
	opening, err := svc.OpeningBalance(context.Background(), shared.BookMoney, 900, 1, feb())
	require.NoError(t, err)
	require.InDelta(t, 125, opening, 1e-9)

	// No previous row: fall back to the master opening.
	opening, err = svc.OpeningBalance(context.Background(), shared.BookMoney, 900, 1, jan())
	require.NoError(t, err)
	require.InDelta(t, 40, opening, 1e-9)

	// At the base period only the master opening applies.
	opening, err = svc.OpeningBalance(context.Background(), shared.BookMoney, 900, 1, shared.PeriodOf(baseDate))
	require.NoError(t, err)
	require.InDelta(t, 40, opening, 1e-9)
}

func TestReportCachedUntilInvalidated(t *testing.T) {
	repo := newFakeRepo()
	repo.rows[jan()] = storedRow(jan(), 0, 100, 20, false)
	repo.rows[feb()] = storedRow(feb(), 80, 50, 0, false)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	svc := NewService(repo, NewCache(client, time.Minute), baseDate, shared.DefaultBalanceEpsilon)

	first, err := svc.Report(context.Background(), newReportRequest())
	require.NoError(t, err)
	require.Equal(t, 1, repo.countCalls)

	second, err := svc.Report(context.Background(), newReportRequest())
	require.NoError(t, err)
	require.Equal(t, 1, repo.countCalls)
	require.Equal(t, first.Closing(), second.Closing())

	require.NoError(t, svc.InvalidateReports(context.Background()))
	_, err = svc.Report(context.Background(), newReportRequest())
	require.NoError(t, err)
	require.Equal(t, 2, repo.countCalls)
}
