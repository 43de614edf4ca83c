package domain

// Transaction types as stored in the destination table.
const (
	TypeExpense = "Expense"
	TypeIncome  = "Income"
)

// Transaction is one pending bank-feed transaction scraped from QuickBooks.
// Only pending (for-review) transactions flow through this feed; cleared
// transactions are out of scope. ExternalID is the portal-assigned olb
// transaction id and is the natural key for upserts.
type Transaction struct {
	ExternalID        string // olbTxnId, unique per transaction
	InternalID        string // portal-internal id, e.g. "12345:OLB"
	AccountExternalID string
	Date              string // YYYY-MM-DD
	Description       string
	MerchantName      string
	Amount            float64 // absolute value; sign is carried by Type
	Type              string  // TypeExpense or TypeIncome
}
