package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

type monthlyKey struct {
	entityID int64
	branchID int64
	p        shared.Period
}

type fakeRepo struct {
	stockMonthly   map[monthlyKey]*Monthly
	moneyMonthly   map[monthlyKey]*Monthly
	stockClosings  map[monthlyKey]float64
	moneyClosings  map[monthlyKey]float64
	itemOpening    float64
	accountOpening float64

	stockEntries []*StockEntry
	moneyEntries []*MoneyEntry
	upserts      []Monthly
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		stockMonthly:  make(map[monthlyKey]*Monthly),
		moneyMonthly:  make(map[monthlyKey]*Monthly),
		stockClosings: make(map[monthlyKey]float64),
		moneyClosings: make(map[monthlyKey]float64),
	}
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, f)
}

func (f *fakeRepo) StockMonthly(_ context.Context, itemID, branchID int64, p shared.Period) (*Monthly, error) {
	return f.stockMonthly[monthlyKey{itemID, branchID, p}], nil
}

func (f *fakeRepo) PrevStockClosing(_ context.Context, itemID, branchID int64, p shared.Period) (float64, bool, error) {
	closing, ok := f.stockClosings[monthlyKey{itemID, branchID, p.Prev()}]
	return closing, ok, nil
}

func (f *fakeRepo) ItemOpeningQty(context.Context, int64) (float64, error) {
	return f.itemOpening, nil
}

func (f *fakeRepo) InsertStockEntry(_ context.Context, entry *StockEntry) error {
	entry.ID = int64(len(f.stockEntries) + 1)
	f.stockEntries = append(f.stockEntries, entry)
	return nil
}

func (f *fakeRepo) UpsertStockMonthly(_ context.Context, m Monthly) error {
	copied := m
	f.stockMonthly[monthlyKey{m.EntityID, m.BranchID, m.Period}] = &copied
	f.upserts = append(f.upserts, m)
	return nil
}

func (f *fakeRepo) MoneyMonthly(_ context.Context, accountID, branchID int64, p shared.Period) (*Monthly, error) {
	return f.moneyMonthly[monthlyKey{accountID, branchID, p}], nil
}

func (f *fakeRepo) PrevMoneyClosing(_ context.Context, accountID, branchID int64, p shared.Period) (float64, bool, error) {
	closing, ok := f.moneyClosings[monthlyKey{accountID, branchID, p.Prev()}]
	return closing, ok, nil
}

func (f *fakeRepo) AccountOpeningBalance(context.Context, int64) (float64, error) {
	return f.accountOpening, nil
}

func (f *fakeRepo) InsertMoneyEntry(_ context.Context, entry *MoneyEntry) error {
	entry.ID = int64(len(f.moneyEntries) + 1)
	f.moneyEntries = append(f.moneyEntries, entry)
	return nil
}

func (f *fakeRepo) UpsertMoneyMonthly(_ context.Context, m Monthly) error {
	copied := m
	f.moneyMonthly[monthlyKey{m.EntityID, m.BranchID, m.Period}] = &copied
	f.upserts = append(f.upserts, m)
	return nil
}

func stockInput() StockPostInput {
	return StockPostInput{
		ItemID:   7,
		BranchID: 1,
		TxnID:    500,
		TxnType:  "purchase",
		TxnNo:    "PUR-001",
		TxnDate:  time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC),
		Movement: MovementIn,
		Qty:      10,
		Rate:     12.5,
		TaxPct:   10,
	}
}

func TestPostStockEntryCreatesPeriodLazily(t *testing.T) {
	repo := newFakeRepo()
	repo.itemOpening = 5
	svc := NewService(repo)

	entry, err := svc.PostStockEntry(context.Background(), stockInput())
	require.NoError(t, err)
	require.InDelta(t, 12.5, entry.TaxAmount, 1e-9)
	require.InDelta(t, 137.5, entry.Amount, 1e-9)
	require.InDelta(t, 15, entry.RunningQty, 1e-9)

	monthly := repo.stockMonthly[monthlyKey{7, 1, shared.Period{Year: 2026, Month: 3}}]
	require.NotNil(t, monthly)
	require.True(t, monthly.Dirty)
	require.InDelta(t, 5, monthly.Opening, 1e-9)
	require.InDelta(t, 10, monthly.TotalIn, 1e-9)
	require.InDelta(t, 137.5, monthly.TotalInValue, 1e-9)
	require.InDelta(t, 15, monthly.Closing, 1e-9)
	require.Equal(t, 1, monthly.TxnCount)
}

func TestPostStockEntryPrefersPrevClosing(t *testing.T) {
	repo := newFakeRepo()
	repo.itemOpening = 999
	repo.stockClosings[monthlyKey{7, 1, shared.Period{Year: 2026, Month: 2}}] = 42
	svc := NewService(repo)

	entry, err := svc.PostStockEntry(context.Background(), stockInput())
	require.NoError(t, err)
	require.InDelta(t, 52, entry.RunningQty, 1e-9)
}

func TestPostStockEntryUpdatesExistingPeriod(t *testing.T) {
	repo := newFakeRepo()
	p := shared.Period{Year: 2026, Month: 3}
	repo.stockMonthly[monthlyKey{7, 1, p}] = &Monthly{
		EntityID: 7, BranchID: 1, Period: p,
		Opening: 5, TotalIn: 20, Closing: 25, TxnCount: 2,
	}
	svc := NewService(repo)

	input := stockInput()
	input.Movement = MovementOut
	input.Qty = 8
	input.TaxPct = 0

	entry, err := svc.PostStockEntry(context.Background(), input)
	require.NoError(t, err)
	require.InDelta(t, 17, entry.RunningQty, 1e-9)

	monthly := repo.stockMonthly[monthlyKey{7, 1, p}]
	require.InDelta(t, 8, monthly.TotalOut, 1e-9)
	require.InDelta(t, 17, monthly.Closing, 1e-9)
	require.Equal(t, 3, monthly.TxnCount)
}

func TestPostMoneyEntryCreditReducesClosing(t *testing.T) {
	repo := newFakeRepo()
	repo.accountOpening = 100
	svc := NewService(repo)

	entry, err := svc.PostMoneyEntry(context.Background(), MoneyPostInput{
		AccountID: 900,
		BranchID:  1,
		TxnID:     600,
		TxnType:   "payment",
		TxnNo:     "PAY-001",
		TxnDate:   time.Date(2026, time.March, 10, 0, 0, 0, 0, time.UTC),
		Side:      SideCredit,
		Amount:    30,
	})
	require.NoError(t, err)
	require.InDelta(t, 70, entry.RunningBalance, 1e-9)

	monthly := repo.moneyMonthly[monthlyKey{900, 1, shared.Period{Year: 2026, Month: 3}}]
	require.NotNil(t, monthly)
	require.InDelta(t, 30, monthly.TotalOut, 1e-9)
	require.InDelta(t, 70, monthly.Closing, 1e-9)
	require.True(t, monthly.Dirty)
}

func TestPostValidation(t *testing.T) {
	svc := NewService(newFakeRepo())

	input := stockInput()
	input.Qty = 0
	_, err := svc.PostStockEntry(context.Background(), input)
	require.ErrorIs(t, err, shared.ErrInvalidInput)

	input = stockInput()
	input.Movement = "sideways"
	_, err = svc.PostStockEntry(context.Background(), input)
	require.ErrorIs(t, err, shared.ErrInvalidInput)

	_, err = svc.PostMoneyEntry(context.Background(), MoneyPostInput{
		AccountID: 900, BranchID: 1, TxnID: 600,
		TxnDate: time.Now(), Side: SideDebit, Amount: -5,
	})
	require.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestComputeStockAmountsRounding(t *testing.T) {
	base, tax, amount := ComputeStockAmounts(3, 33.333, 11)
	require.InDelta(t, 100.0, base, 1e-9)
	require.InDelta(t, 11.0, tax, 1e-9)
	require.InDelta(t, 111.0, amount, 1e-9)
}
