package quickbase

import "context"

// RecordService defines the destination-store operations the sync engine
// depends on. This interface enables mocking and testing of Quickbase
// operations.
type RecordService interface {
	// Upsert writes records into a table. When mergeFieldID is non-zero
	// existing records with a matching merge-field value are updated
	// instead of inserted. fieldsToReturn selects the projection echoed
	// back in the result.
	Upsert(ctx context.Context, tableID string, records []Record, mergeFieldID int, fieldsToReturn []int) (*UpsertResult, error)

	// Query reads records from a table. where uses the Quickbase query
	// syntax, e.g. "{7.EX.'2026-08-29'}"; an empty where selects all.
	Query(ctx context.Context, tableID string, selectFields []int, where string) ([]Record, error)
}
