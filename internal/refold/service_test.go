package refold

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridian-erp/meridian-erp/internal/adjustment"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

type pairKey struct {
	pair Pair
	p    shared.Period
}

// memBook is an in-memory Book backed by maps instead of Postgres. It reuses
// the real delta builders and replay functions so engine tests exercise the
// same arithmetic as production.
type memBook struct {
	name    string
	money   bool
	eps     float64
	pairs   []Pair
	dirty   map[Pair][]shared.Period
	opening map[Pair]float64
	entries map[pairKey][]Entry
	adjs    map[pairKey][]adjustment.Entry

	saved     map[pairKey]Summary
	updated   []Entry
	nextDirty []pairKey
	failFetch map[Pair]error
}

func newMemBook(name string, money bool) *memBook {
	return &memBook{
		name:    name,
		money:   money,
		eps:     shared.DefaultBalanceEpsilon,
		dirty:   make(map[Pair][]shared.Period),
		opening: make(map[Pair]float64),
		entries: make(map[pairKey][]Entry),
		adjs:    make(map[pairKey][]adjustment.Entry),
		saved:   make(map[pairKey]Summary),
	}
}

func (b *memBook) addPair(pair Pair, opening float64, periods ...shared.Period) {
	b.pairs = append(b.pairs, pair)
	b.dirty[pair] = periods
	b.opening[pair] = opening
}

func (b *memBook) Name() string { return b.name }

func (b *memBook) DirtyPairs(context.Context) ([]Pair, error) {
	return b.pairs, nil
}

func (b *memBook) WithPair(_ context.Context, pair Pair, fn func(BookTx) error) error {
	return fn(&memTx{book: b, pair: pair})
}

func (b *memBook) BuildDeltas(entityID int64, adjs []adjustment.Entry) map[int64]Delta {
	if b.money {
		return BuildMoneyDeltas(entityID, adjs)
	}
	return BuildStockDeltas(entityID, adjs)
}

func (b *memBook) Replay(opening float64, entries []Entry, deltas map[int64]Delta) (Summary, []Entry) {
	if b.money {
		return ReplayMoney(opening, entries, deltas, b.eps)
	}
	return ReplayStock(opening, entries, deltas)
}

type memTx struct {
	book *memBook
	pair Pair
}

func (t *memTx) DirtyPeriods(context.Context, Pair) ([]shared.Period, error) {
	return t.book.dirty[t.pair], nil
}

func (t *memTx) PrevClosing(_ context.Context, pair Pair, p shared.Period) (float64, bool, error) {
	if s, ok := t.book.saved[pairKey{pair, p.Prev()}]; ok {
		return s.Closing, true, nil
	}
	return 0, false, nil
}

func (t *memTx) MasterOpening(_ context.Context, pair Pair) (float64, error) {
	return t.book.opening[pair], nil
}

func (t *memTx) Entries(_ context.Context, pair Pair, p shared.Period) ([]Entry, error) {
	if err := t.book.failFetch[pair]; err != nil {
		return nil, err
	}
	return t.book.entries[pairKey{pair, p}], nil
}

func (t *memTx) Adjustments(_ context.Context, pair Pair, p shared.Period) ([]adjustment.Entry, error) {
	return t.book.adjs[pairKey{pair, p}], nil
}

func (t *memTx) UpdateEntry(_ context.Context, entry Entry) error {
	t.book.updated = append(t.book.updated, entry)
	return nil
}

func (t *memTx) SaveSummary(_ context.Context, pair Pair, p shared.Period, s Summary) error {
	t.book.saved[pairKey{pair, p}] = s
	return nil
}

func (t *memTx) MarkNextDirty(_ context.Context, pair Pair, p shared.Period) (bool, error) {
	t.book.nextDirty = append(t.book.nextDirty, pairKey{pair, p.Next()})
	return true, nil
}

type fakeConsumer struct {
	ids []int64
	err error
}

func (f *fakeConsumer) MarkReversed(_ context.Context, ids []int64) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.ids = append(f.ids, ids...)
	return len(ids), nil
}

func jan() shared.Period { return shared.Period{Year: 2026, Month: 1} }
func feb() shared.Period { return shared.Period{Year: 2026, Month: 2} }

func stockEntry(id, txnID int64, inward bool, qty, rate float64) Entry {
	_, tax, amount := stockAmounts(qty, rate, 0)
	return Entry{ID: id, TxnID: txnID, Inward: inward, Qty: qty, Rate: rate, TaxAmount: tax, Amount: amount}
}

func stockAmounts(qty, rate, taxPct float64) (float64, float64, float64) {
	base := shared.Round2(qty * rate)
	tax := shared.Round2(base * taxPct / 100)
	return base, tax, shared.Round2(base + tax)
}

func itemAdj(id, txnID, itemID int64, qtyDelta float64) adjustment.Entry {
	return adjustment.Entry{
		ID:         id,
		TxnID:      txnID,
		Status:     adjustment.StatusActive,
		ItemDeltas: []adjustment.ItemDelta{{ItemID: itemID, QtyDelta: qtyDelta}},
	}
}

func TestEngineReplaysDirtyPeriodsInOrder(t *testing.T) {
	stock := newMemBook("stock", false)
	pair := Pair{EntityID: 7, BranchID: 1}
	// Dirty list deliberately out of order; the engine must refold January
	// before February so February's opening picks up the new closing.
	stock.addPair(pair, 100, feb(), jan())
	stock.entries[pairKey{pair, jan()}] = []Entry{
		stockEntry(1, 500, true, 10, 2),
		stockEntry(2, 501, false, 4, 2),
	}
	stock.entries[pairKey{pair, feb()}] = []Entry{
		stockEntry(3, 502, false, 6, 2),
	}
	// The January receipt was edited from 10 to 15 units.
	stock.adjs[pairKey{pair, jan()}] = []adjustment.Entry{itemAdj(41, 500, 7, 5)}

	consumer := &fakeConsumer{}
	engine := NewEngine(EngineConfig{Stock: stock, Adjustments: consumer})

	result := engine.Run(context.Background())
	require.True(t, result.Success)
	require.Empty(t, result.Errors())
	require.Equal(t, 1, result.Stock.PairsProcessed)
	require.Equal(t, 2, result.Stock.PeriodsRefolded)

	janSummary := stock.saved[pairKey{pair, jan()}]
	require.InDelta(t, 100, janSummary.Opening, 1e-9)
	require.InDelta(t, 15, janSummary.TotalIn, 1e-9)
	require.InDelta(t, 4, janSummary.TotalOut, 1e-9)
	require.InDelta(t, 111, janSummary.Closing, 1e-9)

	febSummary := stock.saved[pairKey{pair, feb()}]
	require.InDelta(t, 111, febSummary.Opening, 1e-9)
	require.InDelta(t, 105, febSummary.Closing, 1e-9)

	// Only the edited entry was rewritten.
	require.Len(t, stock.updated, 1)
	require.EqualValues(t, 1, stock.updated[0].ID)
	require.InDelta(t, 15, stock.updated[0].Qty, 1e-9)
	require.InDelta(t, 30, stock.updated[0].Amount, 1e-9)

	require.Equal(t, []int64{41}, consumer.ids)
	require.Equal(t, 1, result.AdjustmentsConsumed)
}

func TestEngineSecondRunIsIdempotent(t *testing.T) {
	stock := newMemBook("stock", false)
	pair := Pair{EntityID: 7, BranchID: 1}
	stock.addPair(pair, 0, jan())
	stock.entries[pairKey{pair, jan()}] = []Entry{stockEntry(1, 500, true, 10, 3)}
	stock.adjs[pairKey{pair, jan()}] = []adjustment.Entry{itemAdj(41, 500, 7, 5)}

	engine := NewEngine(EngineConfig{Stock: stock, Adjustments: &fakeConsumer{}})
	engine.Run(context.Background())
	first := stock.saved[pairKey{pair, jan()}]

	// The consumed adjustment is retired before the next run.
	stock.adjs[pairKey{pair, jan()}] = nil
	stock.entries[pairKey{pair, jan()}] = []Entry{stock.updated[0]}
	stock.updated = nil

	engine.Run(context.Background())
	require.Equal(t, first, stock.saved[pairKey{pair, jan()}])
	require.Empty(t, stock.updated)
}

func TestEngineIsolatesPairFailures(t *testing.T) {
	stock := newMemBook("stock", false)
	good := Pair{EntityID: 1, BranchID: 1}
	bad := Pair{EntityID: 2, BranchID: 1}
	stock.addPair(bad, 0, jan())
	stock.addPair(good, 0, jan())
	stock.entries[pairKey{good, jan()}] = []Entry{stockEntry(1, 500, true, 5, 1)}
	stock.failFetch = map[Pair]error{bad: errors.New("deadlock detected")}

	engine := NewEngine(EngineConfig{Stock: stock, Adjustments: &fakeConsumer{}})
	result := engine.Run(context.Background())

	require.True(t, result.Success)
	require.Equal(t, 1, result.Stock.PairsProcessed)
	errs := result.Errors()
	require.Len(t, errs, 1)
	require.Equal(t, bad, errs[0].Pair)
	require.Equal(t, jan(), errs[0].Period)
	require.Contains(t, errs[0].Message, "deadlock detected")
	require.Contains(t, stock.saved, pairKey{good, jan()})
	require.NotContains(t, stock.saved, pairKey{bad, jan()})
}

func TestEngineAbortsWhenRetireFails(t *testing.T) {
	stock := newMemBook("stock", false)
	pair := Pair{EntityID: 7, BranchID: 1}
	stock.addPair(pair, 0, jan())
	stock.entries[pairKey{pair, jan()}] = []Entry{stockEntry(1, 500, true, 5, 1)}
	stock.adjs[pairKey{pair, jan()}] = []adjustment.Entry{itemAdj(41, 500, 7, 1)}

	engine := NewEngine(EngineConfig{
		Stock:       stock,
		Adjustments: &fakeConsumer{err: errors.New("connection lost")},
	})
	result := engine.Run(context.Background())

	require.False(t, result.Success)
	require.Contains(t, result.CriticalError, "connection lost")
	require.Equal(t, 0, result.AdjustmentsConsumed)
}

func TestEngineCascadesOnlyBeyondWorkList(t *testing.T) {
	stock := newMemBook("stock", false)
	pair := Pair{EntityID: 7, BranchID: 1}
	stock.addPair(pair, 0, jan(), feb())

	engine := NewEngine(EngineConfig{Stock: stock, Adjustments: &fakeConsumer{}})
	result := engine.Run(context.Background())

	require.True(t, result.Success)
	// February is already in the work list, so January does not flag it;
	// only February cascades to March.
	require.Equal(t, []pairKey{{pair, shared.Period{Year: 2026, Month: 3}}}, stock.nextDirty)
}

func TestEngineRunsBothBooks(t *testing.T) {
	stock := newMemBook("stock", false)
	stockPair := Pair{EntityID: 7, BranchID: 1}
	stock.addPair(stockPair, 0, jan())
	stock.entries[pairKey{stockPair, jan()}] = []Entry{stockEntry(1, 500, true, 5, 1)}

	money := newMemBook("money", true)
	moneyPair := Pair{EntityID: 900, BranchID: 1}
	money.addPair(moneyPair, 0, jan())
	money.entries[pairKey{moneyPair, jan()}] = []Entry{
		{ID: 10, TxnID: 600, Inward: true, Amount: 250},
	}
	money.adjs[pairKey{moneyPair, jan()}] = []adjustment.Entry{{
		ID: 42, TxnID: 600, Status: adjustment.StatusActive,
		OldAmount: 250, NewAmount: 300, OldAccountID: 900, NewAccountID: 900,
	}}

	consumer := &fakeConsumer{}
	invalidated := 0
	engine := NewEngine(EngineConfig{
		Stock:       stock,
		Money:       money,
		Adjustments: consumer,
		Invalidate: func(context.Context) error {
			invalidated++
			return nil
		},
	})

	result := engine.Run(context.Background())
	require.True(t, result.Success)
	require.Equal(t, 2, result.PairsProcessed())
	require.InDelta(t, 300, money.saved[pairKey{moneyPair, jan()}].Closing, 1e-9)
	require.ElementsMatch(t, []int64{42}, consumer.ids)
	require.Equal(t, 1, invalidated)
}

func TestReplayStockClampsNegativeQty(t *testing.T) {
	entries := []Entry{stockEntry(1, 500, false, 3, 10)}
	deltas := map[int64]Delta{500: {QtyDelta: -5}}

	summary, changed := ReplayStock(20, entries, deltas)
	require.Len(t, changed, 1)
	require.InDelta(t, 0, changed[0].Qty, 1e-9)
	require.InDelta(t, 0, changed[0].Amount, 1e-9)
	require.InDelta(t, 20, summary.Closing, 1e-9)
}

func TestReplayStockConservation(t *testing.T) {
	entries := []Entry{
		stockEntry(1, 500, true, 12, 4),
		stockEntry(2, 501, false, 7, 4),
		stockEntry(3, 502, true, 2, 4),
	}
	summary, _ := ReplayStock(50, entries, nil)
	require.InDelta(t, summary.Opening+summary.TotalIn-summary.TotalOut, summary.Closing, 1e-9)
	require.Equal(t, 3, summary.TxnCount)
}

func TestReplayMoneyReassignment(t *testing.T) {
	entries := []Entry{
		{ID: 1, TxnID: 600, Inward: true, Amount: 100},
		{ID: 2, TxnID: 601, Inward: true, Amount: 0},
		{ID: 3, TxnID: 602, Inward: false, Amount: 40},
	}
	deltas := map[int64]Delta{
		600: {Removed: true},
		601: {Reassigned: true, NewAmount: 75},
	}

	summary, changed := ReplayMoney(10, entries, deltas, shared.DefaultBalanceEpsilon)
	require.Len(t, changed, 2)
	require.InDelta(t, 45, summary.Closing, 1e-9)
	require.InDelta(t, 75, summary.TotalIn, 1e-9)
	require.InDelta(t, 40, summary.TotalOut, 1e-9)
}

func TestReplayMoneySnapsNearZeroClosing(t *testing.T) {
	entries := []Entry{
		{ID: 1, TxnID: 600, Inward: true, Amount: 100},
		{ID: 2, TxnID: 601, Inward: false, Amount: 99.999999},
	}
	summary, _ := ReplayMoney(0, entries, nil, 0.005)
	require.Zero(t, summary.Closing)
}

func TestBuildMoneyDeltasPerspective(t *testing.T) {
	adjs := []adjustment.Entry{
		// Reassigned away from 900, onto 901.
		{ID: 1, TxnID: 600, Status: adjustment.StatusActive, OldAmount: 100, NewAmount: 120, OldAccountID: 900, NewAccountID: 901},
		// Plain amount change on 900.
		{ID: 2, TxnID: 601, Status: adjustment.StatusActive, OldAmount: 50, NewAmount: 80, OldAccountID: 900, NewAccountID: 900},
		// Cancelled entries never contribute.
		{ID: 3, TxnID: 602, Status: adjustment.StatusCancelled, OldAmount: 10, NewAmount: 99, OldAccountID: 900, NewAccountID: 900},
	}

	from := BuildMoneyDeltas(900, adjs)
	require.True(t, from[600].Removed)
	require.InDelta(t, 30, from[601].AmountDelta, 1e-9)
	require.NotContains(t, from, int64(602))

	onto := BuildMoneyDeltas(901, adjs)
	require.True(t, onto[600].Reassigned)
	require.InDelta(t, 120, onto[600].NewAmount, 1e-9)
}

func TestBuildStockDeltasFoldsPerTxn(t *testing.T) {
	adjs := []adjustment.Entry{
		itemAdj(1, 500, 7, 5),
		itemAdj(2, 500, 7, -2),
		itemAdj(3, 500, 8, 99), // different item, ignored
		{ID: 4, TxnID: 501, Status: adjustment.StatusActive, IsReversed: true,
			ItemDeltas: []adjustment.ItemDelta{{ItemID: 7, QtyDelta: 100}}},
	}
	deltas := BuildStockDeltas(7, adjs)
	require.InDelta(t, 3, deltas[500].QtyDelta, 1e-9)
	require.NotContains(t, deltas, int64(501))
}
