package syncer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/domain"
	"github.com/Dispatch-Energy/quickbooks-to-quickbase-integration/internal/quickbase"
)

// fakeRecordService is an in-memory RecordService. Tables keyed by id;
// records keyed by merge-field value for merge tables, or appended for
// insert-only calls. Record id (field 3) is assigned sequentially.
type fakeRecordService struct {
	tables     map[string][]quickbase.Record
	nextID     int
	upsertErr  error
	queryErr   error
	lineErrors map[string][]string
	upserts    []upsertCall
}

type upsertCall struct {
	tableID      string
	count        int
	mergeFieldID int
}

func newFakeRecordService() *fakeRecordService {
	return &fakeRecordService{tables: map[string][]quickbase.Record{}, nextID: 1}
}

func (f *fakeRecordService) Upsert(_ context.Context, tableID string, records []quickbase.Record, mergeFieldID int, fieldsToReturn []int) (*quickbase.UpsertResult, error) {
	if f.upsertErr != nil {
		return nil, f.upsertErr
	}
	f.upserts = append(f.upserts, upsertCall{tableID: tableID, count: len(records), mergeFieldID: mergeFieldID})

	result := &quickbase.UpsertResult{Metadata: quickbase.UpsertMetadata{LineErrors: f.lineErrors}}
	for _, rec := range records {
		var existing quickbase.Record
		if mergeFieldID != 0 {
			key, _ := coerce(rec[strconv.Itoa(mergeFieldID)]).Value.(float64)
			for _, have := range f.tables[tableID] {
				if v, ok := have.Float(mergeFieldID); ok && v == key {
					existing = have
					break
				}
			}
		}

		if existing == nil {
			stored := quickbase.Record{}.Set(fldRecordID, float64(f.nextID))
			for k, v := range rec {
				stored[k] = coerce(v)
			}
			f.tables[tableID] = append(f.tables[tableID], stored)
			result.Metadata.CreatedRecordIDs = append(result.Metadata.CreatedRecordIDs, f.nextID)
			existing = stored
			f.nextID++
		} else {
			for k, v := range rec {
				existing[k] = coerce(v)
			}
			id, _ := existing.Float(fldRecordID)
			result.Metadata.UpdatedRecordIDs = append(result.Metadata.UpdatedRecordIDs, int(id))
		}

		result.Data = append(result.Data, project(existing, fieldsToReturn))
	}
	return result, nil
}

func (f *fakeRecordService) Query(_ context.Context, tableID string, selectFields []int, where string) ([]quickbase.Record, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}

	var out []quickbase.Record
	for _, rec := range f.tables[tableID] {
		if where != "" && !matches(rec, where) {
			continue
		}
		out = append(out, project(rec, selectFields))
	}
	return out, nil
}

// coerce re-boxes values the way a JSON round trip would: all numbers
// come back as float64.
func coerce(v quickbase.FieldValue) quickbase.FieldValue {
	switch n := v.Value.(type) {
	case int:
		return quickbase.FieldValue{Value: float64(n)}
	default:
		return v
	}
}

func project(rec quickbase.Record, fields []int) quickbase.Record {
	if fields == nil {
		return rec
	}
	out := quickbase.Record{}
	for _, id := range fields {
		if v, ok := rec[strconv.Itoa(id)]; ok {
			out[strconv.Itoa(id)] = v
		}
	}
	return out
}

// matches supports the one filter shape the engine issues: {N.EX.'value'}.
func matches(rec quickbase.Record, where string) bool {
	var fieldID int
	var value string
	if _, err := fmt.Sscanf(where, "{%d.EX.'%s", &fieldID, &value); err != nil {
		return false
	}
	value = value[:len(value)-2] // trailing '}
	if s, ok := rec.String(fieldID); ok {
		return s == value
	}
	return false
}

func fixedNow(t *testing.T, e *Engine, stamp string) {
	t.Helper()
	ts, err := time.Parse("2006-01-02", stamp)
	require.NoError(t, err)
	e.now = func() time.Time { return ts }
}

func testAccounts() []domain.Account {
	return []domain.Account{
		{ExternalID: "101", Name: "Checking", Institution: "Chase", Type: "Bank", BankBalance: 100.00, PendingCount: 2},
		{ExternalID: "102", Name: "Savings", Institution: "Chase", Type: "Bank", BankBalance: 250.50},
	}
}

func newTestEngine(fake *fakeRecordService) *Engine {
	return NewEngine(fake, Tables{
		Accounts:     "acct-table",
		Transactions: "txn-table",
		Balances:     "bal-table",
	}, zerolog.Nop())
}

func TestSyncAccounts_MapsExternalIDs(t *testing.T) {
	fake := newFakeRecordService()
	e := newTestEngine(fake)
	result := &domain.SyncResult{}

	accountMap, err := e.SyncAccounts(context.Background(), testAccounts(), result)

	require.NoError(t, err)
	assert.Equal(t, 2, result.AccountsSynced)
	assert.Len(t, accountMap, 2)
	assert.NotEqual(t, accountMap["101"], accountMap["102"])
}

func TestSyncAccounts_UpsertDoesNotDuplicate(t *testing.T) {
	fake := newFakeRecordService()
	e := newTestEngine(fake)

	first, err := e.SyncAccounts(context.Background(), testAccounts(), &domain.SyncResult{})
	require.NoError(t, err)
	second, err := e.SyncAccounts(context.Background(), testAccounts(), &domain.SyncResult{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, fake.tables["acct-table"], 2)
}

func TestSyncAccounts_NonNumericExternalID(t *testing.T) {
	fake := newFakeRecordService()
	e := newTestEngine(fake)
	result := &domain.SyncResult{}

	accounts := append(testAccounts(), domain.Account{ExternalID: "abc", Name: "Broken"})
	accountMap, err := e.SyncAccounts(context.Background(), accounts, result)

	require.NoError(t, err)
	assert.Len(t, accountMap, 2)
	assert.Equal(t, 2, result.AccountsSynced)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Broken")
}

func TestSyncAccounts_TotalFailureIsFatal(t *testing.T) {
	fake := newFakeRecordService()
	fake.upsertErr = errors.New("boom")
	e := newTestEngine(fake)

	_, err := e.SyncAccounts(context.Background(), testAccounts(), &domain.SyncResult{})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "upserting accounts")
}

func TestSyncBalances_FirstRunInsertsAll(t *testing.T) {
	fake := newFakeRecordService()
	e := newTestEngine(fake)
	fixedNow(t, e, "2026-08-29")
	result := &domain.SyncResult{}

	accountMap, err := e.SyncAccounts(context.Background(), testAccounts(), result)
	require.NoError(t, err)

	require.NoError(t, e.SyncBalances(context.Background(), testAccounts(), accountMap, result))

	assert.Equal(t, 2, result.BalancesInserted)
	assert.Equal(t, 0, result.BalancesSkipped)

	rows := fake.tables["bal-table"]
	require.Len(t, rows, 2)
	bal, ok := rows[0].Float(balFldBalance)
	require.True(t, ok)
	assert.Equal(t, 100.00, bal)
	date, ok := rows[0].String(balFldDate)
	require.True(t, ok)
	assert.Equal(t, "2026-08-29", date)
}

func TestSyncBalances_SecondRunSameDaySkips(t *testing.T) {
	fake := newFakeRecordService()
	e := newTestEngine(fake)
	fixedNow(t, e, "2026-08-29")

	accountMap, err := e.SyncAccounts(context.Background(), testAccounts(), &domain.SyncResult{})
	require.NoError(t, err)
	require.NoError(t, e.SyncBalances(context.Background(), testAccounts(), accountMap, &domain.SyncResult{}))

	result := &domain.SyncResult{}
	require.NoError(t, e.SyncBalances(context.Background(), testAccounts(), accountMap, result))

	assert.Equal(t, 0, result.BalancesInserted)
	assert.Equal(t, 2, result.BalancesSkipped)
	assert.Len(t, fake.tables["bal-table"], 2)
}

func TestSyncBalances_NextDayInsertsAgain(t *testing.T) {
	fake := newFakeRecordService()
	e := newTestEngine(fake)
	fixedNow(t, e, "2026-08-29")

	accountMap, err := e.SyncAccounts(context.Background(), testAccounts(), &domain.SyncResult{})
	require.NoError(t, err)
	require.NoError(t, e.SyncBalances(context.Background(), testAccounts(), accountMap, &domain.SyncResult{}))

	fixedNow(t, e, "2026-08-30")
	result := &domain.SyncResult{}
	require.NoError(t, e.SyncBalances(context.Background(), testAccounts(), accountMap, result))

	assert.Equal(t, 2, result.BalancesInserted)
	assert.Len(t, fake.tables["bal-table"], 4)
}

func TestSyncTransactions_ResolvesAccountReferences(t *testing.T) {
	fake := newFakeRecordService()
	e := newTestEngine(fake)
	result := &domain.SyncResult{}

	accountMap, err := e.SyncAccounts(context.Background(), testAccounts(), result)
	require.NoError(t, err)

	txns := []domain.Transaction{
		{ExternalID: "olb-1", InternalID: "184523:OLB", AccountExternalID: "101", Date: "2026-08-28", Description: "COFFEE SHOP", Amount: 4.50, Type: domain.TypeExpense},
		{ExternalID: "olb-2", InternalID: "184524:OLB", AccountExternalID: "102", Date: "2026-08-28", Description: "PAYROLL", Amount: 1200, Type: domain.TypeIncome},
	}
	e.SyncTransactions(context.Background(), txns, accountMap, result)

	assert.Equal(t, 2, result.TransactionsSynced)
	assert.Empty(t, result.Errors)

	rows := fake.tables["txn-table"]
	require.Len(t, rows, 2)
	ref, ok := rows[0].Float(txnFldAccount)
	require.True(t, ok)
	assert.Equal(t, float64(accountMap["101"]), ref)
	internal, ok := rows[0].Float(txnFldInternalID)
	require.True(t, ok)
	assert.Equal(t, float64(184523), internal)
}

func TestSyncTransactions_UnmappedAccountCollected(t *testing.T) {
	fake := newFakeRecordService()
	e := newTestEngine(fake)
	result := &domain.SyncResult{}

	txns := []domain.Transaction{
		{ExternalID: "olb-9", AccountExternalID: "999", Date: "2026-08-28", Amount: 10},
	}
	e.SyncTransactions(context.Background(), txns, map[string]int{}, result)

	assert.Equal(t, 0, result.TransactionsSynced)
	assert.Equal(t, 1, result.TransactionsSkipped)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "999")
}

func TestSyncTransactions_LineErrorsCollected(t *testing.T) {
	fake := newFakeRecordService()
	fake.lineErrors = map[string][]string{"1": {"Incompatible value"}}
	e := newTestEngine(fake)
	result := &domain.SyncResult{}

	accountMap := map[string]int{"101": 7}
	txns := []domain.Transaction{
		{ExternalID: "olb-1", AccountExternalID: "101", Date: "2026-08-28", Amount: 1},
		{ExternalID: "olb-2", AccountExternalID: "101", Date: "2026-08-28", Amount: 2},
	}
	e.SyncTransactions(context.Background(), txns, accountMap, result)

	assert.Equal(t, 1, result.TransactionsSynced)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Incompatible value")
}

func TestSyncTransactions_BatchFailureContinues(t *testing.T) {
	fake := newFakeRecordService()
	fake.upsertErr = errors.New("service unavailable")
	e := newTestEngine(fake)
	result := &domain.SyncResult{}

	txns := []domain.Transaction{
		{ExternalID: "olb-1", AccountExternalID: "101", Date: "2026-08-28", Amount: 1},
	}
	e.SyncTransactions(context.Background(), txns, map[string]int{"101": 7}, result)

	assert.Equal(t, 0, result.TransactionsSynced)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "service unavailable")
}

func TestSync_OrderAndSkips(t *testing.T) {
	fake := newFakeRecordService()
	e := newTestEngine(fake)
	fixedNow(t, e, "2026-08-29")

	result, err := e.Sync(context.Background(), testAccounts(), nil, Options{SkipTransactions: true})

	require.NoError(t, err)
	assert.Equal(t, 2, result.AccountsSynced)
	assert.Equal(t, 2, result.BalancesInserted)
	assert.Equal(t, 0, result.TransactionsSynced)

	require.NotEmpty(t, fake.upserts)
	assert.Equal(t, "acct-table", fake.upserts[0].tableID)
}

func TestSync_NoBalancesTableSkipsSnapshots(t *testing.T) {
	fake := newFakeRecordService()
	e := NewEngine(fake, Tables{Accounts: "a", Transactions: "t"}, zerolog.Nop())

	result, err := e.Sync(context.Background(), testAccounts(), nil, Options{})

	require.NoError(t, err)
	assert.Equal(t, 0, result.BalancesInserted)
	for _, call := range fake.upserts {
		assert.NotEqual(t, "", call.tableID)
		assert.NotEqual(t, "bal-table", call.tableID)
	}
}

func TestNumericInternalID(t *testing.T) {
	assert.Equal(t, 184523, numericInternalID("184523:OLB"))
	assert.Equal(t, 184523, numericInternalID("184523"))
	assert.Equal(t, 0, numericInternalID("OLB"))
	assert.Equal(t, 0, numericInternalID(""))
}
