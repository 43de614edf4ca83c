package domain

import "time"

// Account is one connected bank account as scraped from the QuickBooks
// banking page. ExternalID is the QBO account id and is the natural key
// for upserts into Quickbase.
type Account struct {
	ExternalID  string
	Name        string
	Nickname    string
	Institution string
	Type        string

	// BankBalance is the balance reported by the bank feed; LedgerBalance
	// is the QuickBooks-side balance. The bank figure is preferred, the
	// ledger figure is the fallback when the feed reports zero.
	BankBalance   float64
	LedgerBalance float64

	PendingCount int
	LastUpdated  time.Time
	AsOf         time.Time
}

// Balance returns the figure used for daily snapshots: the bank feed
// balance when present, otherwise the ledger balance.
func (a Account) Balance() float64 {
	if a.BankBalance != 0 {
		return a.BankBalance
	}
	return a.LedgerBalance
}

// BalanceSnapshot is one point-in-time balance record. Snapshots are
// append-only: at most one row exists per (account, date).
type BalanceSnapshot struct {
	AccountExternalID string
	Balance           float64
	Date              string // YYYY-MM-DD
}
