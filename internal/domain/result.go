package domain

import "fmt"

// SyncResult accumulates the outcome of one sync run. It is produced
// fresh per run and never persisted.
type SyncResult struct {
	AccountsSynced      int      `json:"accounts_synced"`
	BalancesInserted    int      `json:"balances_inserted"`
	BalancesSkipped     int      `json:"balances_skipped"`
	TransactionsSynced  int      `json:"transactions_synced"`
	TransactionsSkipped int      `json:"transactions_skipped"`
	Errors              []string `json:"errors"`
}

// AddError records a per-record failure without aborting the batch.
func (r *SyncResult) AddError(format string, args ...interface{}) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Summary renders a one-line human-readable result for logs and alerts.
func (r *SyncResult) Summary() string {
	return fmt.Sprintf("%d accounts, %d txns, balances: %d inserted / %d skipped, %d errors",
		r.AccountsSynced, r.TransactionsSynced, r.BalancesInserted, r.BalancesSkipped, len(r.Errors))
}
