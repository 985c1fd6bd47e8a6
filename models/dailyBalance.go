package models

import (
	"time"

	"github.com/hospitality/ledger_backend/utils"
)

// DailyBalance is the cash-position projection for one (org, property, calendar day).
//
// All amounts are integer cents. Opening chains from the previous day's closing; the cash
// buckets feed closing, bank buckets are reported but never move the cash position.
//
// NOTE: derived data. It can be rebuilt from approved transactions (cmd/rebuild-daily-balance).
type DailyBalance struct {
	OrgId       string `gorm:"primaryKey;size:64" json:"org_id"`
	PropertyId  string `gorm:"primaryKey;size:64" json:"property_id"`
	BalanceDate string `gorm:"primaryKey;size:10" json:"balance_date"`

	OpeningBalanceCents int64 `gorm:"not null;default:0" json:"opening_balance_cents"`
	CashReceivedCents   int64 `gorm:"not null;default:0" json:"cash_received_cents"`
	BankReceivedCents   int64 `gorm:"not null;default:0" json:"bank_received_cents"`
	CashExpensesCents   int64 `gorm:"not null;default:0" json:"cash_expenses_cents"`
	BankExpensesCents   int64 `gorm:"not null;default:0" json:"bank_expenses_cents"`
	ClosingBalanceCents int64 `gorm:"not null;default:0" json:"closing_balance_cents"`

	// IsOpeningAutoCalculated is set when the opening was back-computed from transaction history
	// because no earlier row existed.
	IsOpeningAutoCalculated bool `gorm:"not null" json:"is_opening_auto_calculated"`
	// OpeningAsOfMs and OpeningBaselineDate describe the history baseline inside the opening:
	// approved cash dated before OpeningBaselineDate, as of OpeningAsOfMs (unix millis). An event
	// inside that baseline must not cascade into this row again. Chained rows inherit both.
	OpeningAsOfMs       *int64  `json:"opening_as_of_ms"`
	OpeningBaselineDate *string `gorm:"size:10" json:"opening_baseline_date"`

	CalculatedClosingBalanceCents int64 `gorm:"not null;default:0" json:"calculated_closing_balance_cents"`
	BalanceDiscrepancyCents       int64 `gorm:"not null;default:0" json:"balance_discrepancy_cents"`

	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	LastUpdatedAt time.Time `gorm:"autoUpdateTime" json:"last_updated_at"`
}

// CashNetCents is what the day moved the cash position by.
func (b DailyBalance) CashNetCents() int64 {
	return b.CashReceivedCents - b.CashExpensesCents
}

// DailyBalanceView is the API shape: amounts rendered as two-place decimals alongside the cents.
type DailyBalanceView struct {
	DailyBalance
	Source             string `json:"source"`
	OpeningBalance     string `json:"opening_balance"`
	CashReceived       string `json:"cash_received"`
	BankReceived       string `json:"bank_received"`
	CashExpenses       string `json:"cash_expenses"`
	BankExpenses       string `json:"bank_expenses"`
	ClosingBalance     string `json:"closing_balance"`
	BalanceDiscrepancy string `json:"balance_discrepancy"`
}

func NewDailyBalanceView(b DailyBalance, source string) DailyBalanceView {
	return DailyBalanceView{
		DailyBalance:       b,
		Source:             source,
		OpeningBalance:     utils.FormatCents(b.OpeningBalanceCents),
		CashReceived:       utils.FormatCents(b.CashReceivedCents),
		BankReceived:       utils.FormatCents(b.BankReceivedCents),
		CashExpenses:       utils.FormatCents(b.CashExpensesCents),
		BankExpenses:       utils.FormatCents(b.BankExpensesCents),
		ClosingBalance:     utils.FormatCents(b.ClosingBalanceCents),
		BalanceDiscrepancy: utils.FormatCents(b.BalanceDiscrepancyCents),
	}
}
