package settlement

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/shared"
)

type fakeRepo struct {
	nextOutstandingID int64
	nextSettlementID  int64
	outstandings      map[int64]*Outstanding
	settlements       map[int64]*Settlement
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		nextOutstandingID: 1,
		nextSettlementID:  1,
		outstandings:      make(map[int64]*Outstanding),
		settlements:       make(map[int64]*Settlement),
	}
}

func (f *fakeRepo) WithTx(ctx context.Context, fn func(TxRepository) error) error {
	return fn(f)
}

func (f *fakeRepo) InsertOutstanding(_ context.Context, o Outstanding) (*Outstanding, error) {
	o.ID = f.nextOutstandingID
	f.nextOutstandingID++
	stored := o
	f.outstandings[o.ID] = &stored
	return &o, nil
}

func (f *fakeRepo) Get(_ context.Context, id int64) (*Outstanding, error) {
	o, ok := f.outstandings[id]
	if !ok {
		return nil, nil
	}
	copied := *o
	return &copied, nil
}

func (f *fakeRepo) ListByAccount(_ context.Context, accountID, branchID int64, openOnly bool) ([]Outstanding, error) {
	var out []Outstanding
	for _, o := range f.sorted() {
		if o.AccountID != accountID || o.BranchID != branchID {
			continue
		}
		if openOnly && !o.Status.Settleable() {
			continue
		}
		out = append(out, *o)
	}
	return out, nil
}

func (f *fakeRepo) SetStatus(_ context.Context, id int64, from []Status, to Status) error {
	o, ok := f.outstandings[id]
	if !ok {
		return ErrNotFound
	}
	for _, s := range from {
		if o.Status == s {
			o.Status = to
			return nil
		}
	}
	return ErrNotFound
}

func (f *fakeRepo) MarkOverdue(_ context.Context, asOf time.Time) (int64, error) {
	var n int64
	for _, o := range f.outstandings {
		if (o.Status == StatusPending || o.Status == StatusPartial) && o.DueDate.Before(asOf) {
			o.Status = StatusOverdue
			n++
		}
	}
	return n, nil
}

func (f *fakeRepo) ListOpen(_ context.Context, accountID, branchID int64, typ OutstandingType) ([]Outstanding, error) {
	var out []Outstanding
	for _, o := range f.sorted() {
		if o.AccountID == accountID && o.BranchID == branchID && o.Type == typ && o.Status.Settleable() {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetOutstanding(ctx context.Context, id int64) (*Outstanding, error) {
	return f.Get(ctx, id)
}

func (f *fakeRepo) UpdateOutstanding(_ context.Context, o Outstanding) error {
	stored, ok := f.outstandings[o.ID]
	if !ok {
		return ErrNotFound
	}
	*stored = o
	return nil
}

func (f *fakeRepo) InsertSettlement(_ context.Context, s Settlement) (int64, error) {
	for _, existing := range f.settlements {
		if existing.VoucherID == s.VoucherID && existing.OutstandingID == s.OutstandingID &&
			existing.Status == SettlementActive {
			return 0, ErrDuplicateSettlement
		}
	}
	s.ID = f.nextSettlementID
	f.nextSettlementID++
	stored := s
	f.settlements[s.ID] = &stored
	return s.ID, nil
}

func (f *fakeRepo) ActiveSettlementsByVoucher(_ context.Context, voucherID int64) ([]Settlement, error) {
	var out []Settlement
	for id := int64(1); id < f.nextSettlementID; id++ {
		s, ok := f.settlements[id]
		if ok && s.VoucherID == voucherID && s.Status == SettlementActive {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (f *fakeRepo) MarkSettlementReversed(_ context.Context, id int64) error {
	s, ok := f.settlements[id]
	if !ok || s.Status != SettlementActive {
		return ErrNotFound
	}
	s.Status = SettlementReversed
	return nil
}

func (f *fakeRepo) sorted() []*Outstanding {
	var out []*Outstanding
	for id := int64(1); id < f.nextOutstandingID; id++ {
		if o, ok := f.outstandings[id]; ok {
			out = append(out, o)
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0; j-- {
			a, b := out[j-1], out[j]
			if a.DueDate.After(b.DueDate) ||
				(a.DueDate.Equal(b.DueDate) && a.VoucherDate.After(b.VoucherDate)) {
				out[j-1], out[j] = b, a
			}
		}
	}
	return out
}

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func seedOutstanding(t *testing.T, svc *Service, typ OutstandingType, voucherID int64, due time.Time, amount float64) *Outstanding {
	t.Helper()
	o, err := svc.RecordOutstanding(context.Background(), OutstandingInput{
		AccountID:   7,
		BranchID:    1,
		Type:        typ,
		VoucherID:   voucherID,
		VoucherNo:   "INV-" + due.Format("0102"),
		VoucherDate: due.AddDate(0, 0, -30),
		DueDate:     due,
		Amount:      amount,
	})
	require.NoError(t, err)
	return o
}

func TestSettleFIFOOldestDueFirst(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, shared.DefaultBalanceEpsilon)
	ctx := context.Background()

	first := seedOutstanding(t, svc, TypeDR, 101, date(2026, time.January, 1), 100)
	second := seedOutstanding(t, svc, TypeDR, 102, date(2026, time.January, 15), 50)

	result, err := svc.SettleFIFO(ctx, SettleInput{
		AccountID: 7, BranchID: 1,
		Direction: DirectionReceipt,
		Amount:    120,
		VoucherID: 900, VoucherNo: "RCPT-900",
	})
	require.NoError(t, err)
	require.Len(t, result.Settlements, 2)
	require.InDelta(t, 120, result.Applied, 1e-9)
	require.Zero(t, result.Unapplied)

	got, err := svc.Get(ctx, first.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, got.Status)
	require.Zero(t, got.ClosingBalance)
	require.InDelta(t, 100, got.PaidAmount, 1e-9)

	got, err = svc.Get(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPartial, got.Status)
	require.InDelta(t, 30, got.ClosingBalance, 1e-9)
	require.InDelta(t, 20, got.PaidAmount, 1e-9)
}

func TestSettleFIFOExcessLeftUnapplied(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, shared.DefaultBalanceEpsilon)

	seedOutstanding(t, svc, TypeDR, 101, date(2026, time.January, 1), 100)

	result, err := svc.SettleFIFO(context.Background(), SettleInput{
		AccountID: 7, BranchID: 1,
		Direction: DirectionReceipt,
		Amount:    150,
		VoucherID: 900, VoucherNo: "RCPT-900",
	})
	require.NoError(t, err)
	require.Len(t, result.Settlements, 1)
	require.InDelta(t, 100, result.Applied, 1e-9)
	require.InDelta(t, 50, result.Unapplied, 1e-9)
}

func TestSettleFIFOPaymentTargetsPayables(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, shared.DefaultBalanceEpsilon)
	ctx := context.Background()

	bill := seedOutstanding(t, svc, TypeCR, 201, date(2026, time.February, 1), 80)
	require.InDelta(t, -80, bill.ClosingBalance, 1e-9)
	receivable := seedOutstanding(t, svc, TypeDR, 202, date(2026, time.January, 1), 40)

	result, err := svc.SettleFIFO(ctx, SettleInput{
		AccountID: 7, BranchID: 1,
		Direction: DirectionPayment,
		Amount:    80,
		VoucherID: 901, VoucherNo: "PAY-901",
	})
	require.NoError(t, err)
	require.Len(t, result.Settlements, 1)
	require.Equal(t, bill.ID, result.Settlements[0].OutstandingID)

	got, err := svc.Get(ctx, bill.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPaid, got.Status)
	require.Zero(t, got.ClosingBalance)

	// The receivable side stays untouched.
	got, err = svc.Get(ctx, receivable.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
}

func TestSettleFIFOSkipsDisputed(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, shared.DefaultBalanceEpsilon)
	ctx := context.Background()

	disputed := seedOutstanding(t, svc, TypeDR, 101, date(2026, time.January, 1), 100)
	require.NoError(t, svc.Dispute(ctx, disputed.ID))
	open := seedOutstanding(t, svc, TypeDR, 102, date(2026, time.January, 15), 50)

	result, err := svc.SettleFIFO(ctx, SettleInput{
		AccountID: 7, BranchID: 1,
		Direction: DirectionReceipt,
		Amount:    60,
		VoucherID: 900, VoucherNo: "RCPT-900",
	})
	require.NoError(t, err)
	require.Len(t, result.Settlements, 1)
	require.Equal(t, open.ID, result.Settlements[0].OutstandingID)
	require.InDelta(t, 10, result.Unapplied, 1e-9)
}

func TestReverseSettlementsRoundTrip(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, shared.DefaultBalanceEpsilon)
	ctx := context.Background()

	first := seedOutstanding(t, svc, TypeDR, 101, date(2026, time.January, 1), 100)
	second := seedOutstanding(t, svc, TypeDR, 102, date(2026, time.January, 15), 50)

	before := map[int64]Outstanding{}
	for _, id := range []int64{first.ID, second.ID} {
		o, err := svc.Get(ctx, id)
		require.NoError(t, err)
		before[id] = *o
	}

	_, err := svc.SettleFIFO(ctx, SettleInput{
		AccountID: 7, BranchID: 1,
		Direction: DirectionReceipt,
		Amount:    120,
		VoucherID: 900, VoucherNo: "RCPT-900",
	})
	require.NoError(t, err)

	reversed, err := svc.ReverseSettlements(ctx, 900)
	require.NoError(t, err)
	require.Equal(t, 2, reversed)

	for id, want := range before {
		got, err := svc.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, want.Status, got.Status)
		require.InDelta(t, want.PaidAmount, got.PaidAmount, 1e-9)
		require.InDelta(t, want.ClosingBalance, got.ClosingBalance, 1e-9)
	}

	// Second reversal finds nothing left to undo.
	reversed, err = svc.ReverseSettlements(ctx, 900)
	require.NoError(t, err)
	require.Zero(t, reversed)
}

func TestSettleFIFOValidation(t *testing.T) {
	svc := NewService(newFakeRepo(), shared.DefaultBalanceEpsilon)
	ctx := context.Background()

	_, err := svc.SettleFIFO(ctx, SettleInput{AccountID: 7, BranchID: 1, Direction: "refund", Amount: 10, VoucherID: 1})
	require.ErrorIs(t, err, shared.ErrInvalidInput)

	_, err = svc.SettleFIFO(ctx, SettleInput{AccountID: 7, BranchID: 1, Direction: DirectionReceipt, Amount: 0, VoucherID: 1})
	require.ErrorIs(t, err, shared.ErrInvalidInput)

	_, err = svc.SettleFIFO(ctx, SettleInput{BranchID: 1, Direction: DirectionReceipt, Amount: 10, VoucherID: 1})
	require.ErrorIs(t, err, shared.ErrInvalidInput)
}

func TestAllocateFIFOSnapsResidue(t *testing.T) {
	open := []Outstanding{
		{ID: 1, Type: TypeDR, ClosingBalance: 99.998},
	}
	allocations, remaining := AllocateFIFO(open, 100, shared.DefaultBalanceEpsilon)
	require.Len(t, allocations, 1)
	require.InDelta(t, 99.998, allocations[0].Amount, 1e-9)
	require.Zero(t, remaining)
}

func TestMarkOverdue(t *testing.T) {
	repo := newFakeRepo()
	svc := NewService(repo, shared.DefaultBalanceEpsilon)

	seedOutstanding(t, svc, TypeDR, 101, date(2026, time.January, 1), 100)
	seedOutstanding(t, svc, TypeDR, 102, date(2026, time.June, 1), 50)

	n, err := svc.MarkOverdue(context.Background(), date(2026, time.March, 1))
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}
