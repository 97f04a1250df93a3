package dedup

// Status is the processing state of a fingerprint.
//
// A fingerprint moves monotonically seen → summarized → delivered. failed is
// reachable from seen and summarized once the retry budget is exhausted;
// delivered and failed are terminal, except that failed can be reset to seen
// by an explicit manual retry.
type Status string

const (
	StatusSeen       Status = "seen"
	StatusSummarized Status = "summarized"
	StatusDelivered  Status = "delivered"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further automatic transition applies.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Record is the ledger entry for one fingerprint, the single source of
// truth for "has this content already been processed".
type Record struct {
	Fingerprint string `json:"fingerprint"`
	SourceID    string `json:"source_id"`
	URL         string `json:"url"`
	Title       string `json:"title"`
	Status      Status `json:"status"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"last_error,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

// Outcome is the result of CheckAndMarkSeen.
type Outcome string

const (
	// OutcomeNew means the fingerprint was unseen and is now recorded
	// with status seen.
	OutcomeNew Outcome = "new"
	// OutcomeDuplicate means the fingerprint already has a record; nothing
	// was mutated.
	OutcomeDuplicate Outcome = "duplicate"
)
