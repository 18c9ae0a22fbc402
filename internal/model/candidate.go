package model

// MatchStrategy names one duplicate candidate search.
type MatchStrategy string

const (
	MatchExactPhone       MatchStrategy = "exact_phone"
	MatchPhoneFingerprint MatchStrategy = "phone_fingerprint"
	MatchEmail            MatchStrategy = "email"
	MatchBusinessName     MatchStrategy = "business_name_city"
	MatchPersonName       MatchStrategy = "person_name"
)

// CandidateQuery asks a record source for potential duplicates of an anchor.
// Implementations must exclude records flagged as duplicates and the anchor
// itself (ExcludeID).
type CandidateQuery struct {
	Strategy MatchStrategy
	// Value is the phone, fingerprint, email, or name fingerprint to match.
	Value string
	// AltValue is a secondary value matched with OR semantics (the email
	// fingerprint for MatchEmail).
	AltValue  string
	City      string
	ExcludeID int64
	Limit     int
}

// RecordFilter selects records for batch operations.
type RecordFilter struct {
	IncludeDuplicates bool
	AfterID           int64
	Limit             int
}
