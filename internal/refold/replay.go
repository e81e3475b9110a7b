package refold

import (
	"github.com/meridian-erp/meridian-erp/internal/adjustment"
	"github.com/meridian-erp/meridian-erp/internal/ledger"
	"github.com/meridian-erp/meridian-erp/internal/shared"
)

// BuildStockDeltas folds the item deltas of all matching adjustments into one
// typed delta per source transaction.
func BuildStockDeltas(itemID int64, adjs []adjustment.Entry) map[int64]Delta {
	deltas := make(map[int64]Delta, len(adjs))
	for _, adj := range adjs {
		if adj.Status != adjustment.StatusActive || adj.IsReversed {
			continue
		}
		for _, d := range adj.ItemDeltas {
			if d.ItemID != itemID {
				continue
			}
			cur := deltas[adj.TxnID]
			cur.QtyDelta += d.QtyDelta
			cur.RateDelta += d.RateDelta
			deltas[adj.TxnID] = cur
		}
	}
	return deltas
}

// BuildMoneyDeltas folds money adjustments into one typed delta per source
// transaction, from the point of view of accountID.
//
// An adjustment that moved the transaction away from accountID zeroes its
// contribution. One that moved it onto accountID contributes the full new
// amount, because the account's ledger row started at zero. A plain amount
// change contributes newAmount - oldAmount.
func BuildMoneyDeltas(accountID int64, adjs []adjustment.Entry) map[int64]Delta {
	deltas := make(map[int64]Delta, len(adjs))
	for _, adj := range adjs {
		if adj.Status != adjustment.StatusActive || adj.IsReversed {
			continue
		}
		cur := deltas[adj.TxnID]
		switch {
		case adj.Reassigned() && adj.OldAccountID == accountID:
			cur.Removed = true
			cur.Reassigned = false
		case adj.Reassigned() && adj.NewAccountID == accountID:
			cur.Reassigned = true
			cur.NewAmount = adj.NewAmount
		case adj.OldAccountID == accountID || adj.NewAccountID == accountID:
			cur.AmountDelta += adj.AmountDelta()
		default:
			continue
		}
		deltas[adj.TxnID] = cur
	}
	return deltas
}

// ReplayStock walks the ordered entries of one period, applying deltas and
// recomputing running quantities, derived monetary fields and period totals
// from the opening balance.
func ReplayStock(opening float64, entries []Entry, deltas map[int64]Delta) (Summary, []Entry) {
	summary := Summary{Opening: opening, Closing: opening}
	var changed []Entry

	running := opening
	for _, e := range entries {
		before := e
		if d, ok := deltas[e.TxnID]; ok {
			e.Qty += d.QtyDelta
			e.Rate += d.RateDelta
			if e.Qty < 0 {
				e.Qty = 0
			}
			_, tax, amount := ledger.ComputeStockAmounts(e.Qty, e.Rate, e.TaxPct)
			e.TaxAmount = tax
			e.Amount = amount
		}
		if e.Inward {
			running += e.Qty
			summary.TotalIn += e.Qty
			summary.TotalInValue += e.Amount
		} else {
			running -= e.Qty
			summary.TotalOut += e.Qty
			summary.TotalOutValue += e.Amount
		}
		e.Running = running
		summary.TxnCount++
		if e != before {
			changed = append(changed, e)
		}
	}
	summary.Closing = running
	return summary, changed
}

// ReplayMoney walks the ordered entries of one period, applying money deltas
// and recomputing running balances and debit/credit totals from the opening
// balance. Near-zero closings are snapped to exactly zero.
func ReplayMoney(opening float64, entries []Entry, deltas map[int64]Delta, eps float64) (Summary, []Entry) {
	summary := Summary{Opening: opening, Closing: opening}
	var changed []Entry

	running := opening
	for _, e := range entries {
		before := e
		if d, ok := deltas[e.TxnID]; ok {
			switch {
			case d.Removed:
				e.Amount = 0
			case d.Reassigned:
				e.Amount = d.NewAmount
			default:
				e.Amount += d.AmountDelta
			}
			e.Amount = shared.Round2(e.Amount)
		}
		if e.Inward {
			running += e.Amount
			summary.TotalIn += e.Amount
		} else {
			running -= e.Amount
			summary.TotalOut += e.Amount
		}
		e.Running = running
		summary.TxnCount++
		if e != before {
			changed = append(changed, e)
		}
	}
	summary.Closing = shared.SnapZero(running, eps)
	return summary, changed
}
