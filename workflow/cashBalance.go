package workflow

import (
	"sort"

	"github.com/hospitality/ledger_backend/models"
)

// ApprovedTransaction is the calculator's input: one approved revenue or expense.
type ApprovedTransaction struct {
	EntityType      models.EntityType
	EntityId        string
	TransactionDate string
	AmountCents     int64
	PaymentMode     models.PaymentMode
}

// DailyBalanceComputation is a pure computation result, not a stored row.
type DailyBalanceComputation struct {
	BalanceDate                   string
	OpeningBalanceCents           int64
	CashReceivedCents             int64
	BankReceivedCents             int64
	CashExpensesCents             int64
	BankExpensesCents             int64
	ClosingBalanceCents           int64
	CalculatedClosingBalanceCents int64
	BalanceDiscrepancyCents       int64
	TransactionCount              int
}

// balanceDelta is a signed change to the four buckets of one day.
type balanceDelta struct {
	CashReceived int64
	BankReceived int64
	CashExpenses int64
	BankExpenses int64
}

func bucketDelta(entity models.EntityType, mode models.PaymentMode, amountCents int64) balanceDelta {
	var d balanceDelta
	switch {
	case entity == models.EntityTypeRevenue && mode == models.PaymentModeCash:
		d.CashReceived = amountCents
	case entity == models.EntityTypeRevenue:
		d.BankReceived = amountCents
	case mode == models.PaymentModeCash:
		d.CashExpenses = amountCents
	default:
		d.BankExpenses = amountCents
	}
	return d
}

func (d balanceDelta) Negate() balanceDelta {
	return balanceDelta{-d.CashReceived, -d.BankReceived, -d.CashExpenses, -d.BankExpenses}
}

// CashNet is how much the delta moves closing (and every later opening).
func (d balanceDelta) CashNet() int64 {
	return d.CashReceived - d.CashExpenses
}

func (d balanceDelta) IsZero() bool {
	return d == balanceDelta{}
}

// OpeningFromTotals is the opening of a day with no earlier projection row: the net approved cash before it.
func OpeningFromTotals(totals CashTotals) int64 {
	return totals.NetCents()
}

// ComputeBalance computes one day from its approved transactions. A nil priorClosing opens at zero.
func ComputeBalance(date string, priorClosing *int64, txs []ApprovedTransaction) DailyBalanceComputation {
	c := DailyBalanceComputation{BalanceDate: date}
	if priorClosing != nil {
		c.OpeningBalanceCents = *priorClosing
	}
	for _, tx := range txs {
		d := bucketDelta(tx.EntityType, tx.PaymentMode, tx.AmountCents)
		c.CashReceivedCents += d.CashReceived
		c.BankReceivedCents += d.BankReceived
		c.CashExpensesCents += d.CashExpenses
		c.BankExpensesCents += d.BankExpenses
		c.TransactionCount++
	}
	c.ClosingBalanceCents = c.OpeningBalanceCents + c.CashReceivedCents - c.CashExpensesCents
	c.CalculatedClosingBalanceCents = c.ClosingBalanceCents
	c.BalanceDiscrepancyCents = c.ClosingBalanceCents - c.CalculatedClosingBalanceCents
	return c
}

// ComputeRange chains days in [from, to] that have transactions. Transactions dated before
// from are folded into the first opening, so passing full history with a nil priorClosing
// reproduces the projection from scratch.
func ComputeRange(priorClosing *int64, txs []ApprovedTransaction, from, to string) []DailyBalanceComputation {
	var opening int64
	if priorClosing != nil {
		opening = *priorClosing
	}

	byDate := map[string][]ApprovedTransaction{}
	var dates []string
	for _, tx := range txs {
		if tx.TransactionDate > to {
			continue
		}
		if tx.TransactionDate < from {
			opening += bucketDelta(tx.EntityType, tx.PaymentMode, tx.AmountCents).CashNet()
			continue
		}
		if _, ok := byDate[tx.TransactionDate]; !ok {
			dates = append(dates, tx.TransactionDate)
		}
		byDate[tx.TransactionDate] = append(byDate[tx.TransactionDate], tx)
	}
	sort.Strings(dates)

	out := make([]DailyBalanceComputation, 0, len(dates))
	prior := opening
	for _, date := range dates {
		p := prior
		c := ComputeBalance(date, &p, byDate[date])
		out = append(out, c)
		prior = c.ClosingBalanceCents
	}
	return out
}
