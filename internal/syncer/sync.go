// Package syncer reconciles scraped bank-feed data into Quickbase:
// account upserts, append-only daily balance snapshots, and pending
// transaction upserts, in that order.
package syncer

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/domain"
	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/quickbase"
)

// Quickbase field ids. Field 3 is the built-in record id on every table.
const (
	fldRecordID = 3

	accFldExternalID  = 6
	accFldName        = 7
	accFldNickname    = 8
	accFldInstitution = 9
	accFldType        = 10
	accFldBalance     = 11
	accFldQBBalance   = 12
	accFldPendingTxns = 13
	accFldLastUpdated = 14
	accFldLastSynced  = 15

	txnFldExternalID   = 6
	txnFldInternalID   = 7
	txnFldDate         = 8
	txnFldDescription  = 9
	txnFldAmount       = 10
	txnFldType         = 11
	txnFldMerchantName = 12
	txnFldAccount      = 13

	balFldBalance = 6
	balFldDate    = 7
	balFldAccount = 8
)

// txnBatchSize caps one upsert call; the records API rejects larger payloads.
const txnBatchSize = 1000

// Tables names the destination table ids for one realm.
type Tables struct {
	Accounts     string
	Transactions string
	Balances     string // empty disables balance snapshots
}

// Options controls which stages of a run execute.
type Options struct {
	SkipBalances     bool
	SkipTransactions bool
}

// Engine reconciles scraped records against the destination store.
type Engine struct {
	qb     quickbase.RecordService
	tables Tables
	log    zerolog.Logger
	now    func() time.Time
}

// NewEngine creates a sync engine over the given record service.
func NewEngine(qb quickbase.RecordService, tables Tables, log zerolog.Logger) *Engine {
	return &Engine{qb: qb, tables: tables, log: log, now: time.Now}
}

// Sync runs the three stages in their required order: balances need the
// account record ids, transactions need the account references to resolve.
func (e *Engine) Sync(ctx context.Context, accounts []domain.Account, txns []domain.Transaction, opts Options) (*domain.SyncResult, error) {
	result := &domain.SyncResult{}

	accountMap, err := e.SyncAccounts(ctx, accounts, result)
	if err != nil {
		return result, err
	}

	if opts.SkipBalances || e.tables.Balances == "" {
		e.log.Info().Msg("Skipping balance snapshots")
	} else if err := e.SyncBalances(ctx, accounts, accountMap, result); err != nil {
		result.AddError("balance sync: %v", err)
	}

	if opts.SkipTransactions {
		e.log.Info().Msg("Skipping transactions")
	} else {
		e.SyncTransactions(ctx, txns, accountMap, result)
	}

	e.log.Info().Str("result", result.Summary()).Msg("Sync complete")
	return result, nil
}

// SyncAccounts upserts every scraped account by its external id and
// returns the external id -> destination record id mapping the later
// stages depend on. A total upsert failure is fatal: nothing downstream
// can resolve account references without the mapping.
func (e *Engine) SyncAccounts(ctx context.Context, accounts []domain.Account, result *domain.SyncResult) (map[string]int, error) {
	now := e.now().UTC().Format(time.RFC3339)

	records := make([]quickbase.Record, 0, len(accounts))
	for _, a := range accounts {
		extID, err := strconv.Atoi(a.ExternalID)
		if err != nil {
			result.AddError("account %q: non-numeric external id %q", a.Name, a.ExternalID)
			continue
		}

		rec := quickbase.Record{}.
			Set(accFldExternalID, extID).
			Set(accFldName, a.Name).
			Set(accFldNickname, a.Nickname).
			Set(accFldInstitution, a.Institution).
			Set(accFldType, strings.ReplaceAll(a.Type, "&amp;", "&")).
			Set(accFldBalance, a.BankBalance).
			Set(accFldQBBalance, a.LedgerBalance).
			Set(accFldPendingTxns, strconv.Itoa(a.PendingCount)).
			Set(accFldLastSynced, now)
		if !a.LastUpdated.IsZero() {
			rec = rec.Set(accFldLastUpdated, a.LastUpdated.UTC().Format(time.RFC3339))
		} else {
			rec = rec.Set(accFldLastUpdated, "")
		}
		records = append(records, rec)
	}

	upserted, err := e.qb.Upsert(ctx, e.tables.Accounts, records, accFldExternalID, []int{fldRecordID, accFldExternalID})
	if err != nil {
		return nil, fmt.Errorf("upserting accounts: %w", err)
	}

	accountMap := make(map[string]int)
	collectMapping(upserted.Data, accFldExternalID, accountMap)

	// The upsert echo can omit unchanged records; a follow-up query
	// yields the complete mapping.
	existing, err := e.qb.Query(ctx, e.tables.Accounts, []int{fldRecordID, accFldExternalID}, "")
	if err != nil {
		e.log.Warn().Err(err).Msg("Account mapping query failed, using upsert echo only")
	} else {
		collectMapping(existing, accFldExternalID, accountMap)
	}

	result.AccountsSynced = len(records)
	e.log.Info().
		Int("created", len(upserted.Metadata.CreatedRecordIDs)).
		Int("updated", len(upserted.Metadata.UpdatedRecordIDs)).
		Int("mapped", len(accountMap)).
		Msg("Accounts synced")

	return accountMap, nil
}

// SyncBalances inserts today's balance snapshot for each account that
// does not already have one. Snapshots are an append-only history: an
// existing (account, date) row is skipped, never updated.
func (e *Engine) SyncBalances(ctx context.Context, accounts []domain.Account, accountMap map[string]int, result *domain.SyncResult) error {
	today := e.now().Format("2006-01-02")

	existing, err := e.qb.Query(ctx, e.tables.Balances,
		[]int{fldRecordID, balFldDate, balFldAccount},
		fmt.Sprintf("{%d.EX.'%s'}", balFldDate, today))
	if err != nil {
		return fmt.Errorf("querying existing snapshots: %w", err)
	}

	snapshotted := make(map[int]bool, len(existing))
	for _, rec := range existing {
		if ref, ok := rec.Float(balFldAccount); ok {
			snapshotted[int(ref)] = true
		}
	}

	records := make([]quickbase.Record, 0, len(accounts))
	for _, a := range accounts {
		recordID, ok := accountMap[a.ExternalID]
		if !ok {
			result.AddError("balance for account %q: no destination record", a.Name)
			continue
		}
		if snapshotted[recordID] {
			result.BalancesSkipped++
			continue
		}
		records = append(records, quickbase.Record{}.
			Set(balFldBalance, a.Balance()).
			Set(balFldDate, today).
			Set(balFldAccount, recordID))
	}

	if len(records) == 0 {
		e.log.Info().Str("date", today).Int("skipped", result.BalancesSkipped).Msg("No new balance snapshots")
		return nil
	}

	inserted, err := e.qb.Upsert(ctx, e.tables.Balances, records, 0, nil)
	if err != nil {
		return fmt.Errorf("inserting snapshots: %w", err)
	}

	result.BalancesInserted = len(inserted.Metadata.CreatedRecordIDs)
	e.log.Info().
		Str("date", today).
		Int("inserted", result.BalancesInserted).
		Int("skipped", result.BalancesSkipped).
		Msg("Balance snapshots synced")
	return nil
}

// SyncTransactions upserts pending transactions by their portal id in
// batches. Transactions that vanished from the pending list since the
// last run are left untouched; this feed does not reconcile clears.
func (e *Engine) SyncTransactions(ctx context.Context, txns []domain.Transaction, accountMap map[string]int, result *domain.SyncResult) {
	records := make([]quickbase.Record, 0, len(txns))
	for _, t := range txns {
		recordID, ok := accountMap[t.AccountExternalID]
		if !ok {
			result.TransactionsSkipped++
			result.AddError("transaction %s: no destination record for account %s", t.ExternalID, t.AccountExternalID)
			continue
		}
		if t.ExternalID == "" {
			result.AddError("transaction on account %s dated %s: missing external id", t.AccountExternalID, t.Date)
			continue
		}
		records = append(records, quickbase.Record{}.
			Set(txnFldExternalID, t.ExternalID).
			Set(txnFldInternalID, numericInternalID(t.InternalID)).
			Set(txnFldDate, t.Date).
			Set(txnFldDescription, t.Description).
			Set(txnFldAmount, t.Amount).
			Set(txnFldType, t.Type).
			Set(txnFldMerchantName, t.MerchantName).
			Set(txnFldAccount, recordID))
	}

	for start := 0; start < len(records); start += txnBatchSize {
		end := start + txnBatchSize
		if end > len(records) {
			end = len(records)
		}
		batch := records[start:end]

		upserted, err := e.qb.Upsert(ctx, e.tables.Transactions, batch, txnFldExternalID, nil)
		if err != nil {
			result.AddError("transaction batch %d-%d: %v", start, end, err)
			continue
		}

		failed := len(upserted.Metadata.LineErrors)
		for line, msgs := range upserted.Metadata.LineErrors {
			result.AddError("transaction line %s: %s", line, strings.Join(msgs, "; "))
		}
		result.TransactionsSynced += len(batch) - failed
	}

	e.log.Info().
		Int("synced", result.TransactionsSynced).
		Int("skipped", result.TransactionsSkipped).
		Msg("Transactions synced")
}

// collectMapping folds record-id projections into the external id map.
func collectMapping(records []quickbase.Record, externalField int, out map[string]int) {
	for _, rec := range records {
		extID, ok := rec.Float(externalField)
		if !ok {
			continue
		}
		recordID, ok := rec.Float(fldRecordID)
		if !ok {
			continue
		}
		out[strconv.Itoa(int(extID))] = int(recordID)
	}
}

// numericInternalID strips the portal's internal id down to its leading
// numeric part, e.g. "184523:OLB" -> 184523.
func numericInternalID(id string) int {
	head, _, _ := strings.Cut(id, ":")
	var digits strings.Builder
	for _, r := range head {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return 0
	}
	n, _ := strconv.Atoi(digits.String())
	return n
}
