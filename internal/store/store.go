// Package store persists contact records and reviewed not-duplicate pairs.
package store

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enrich/internal/model"
)

// defaultListLimit caps ListRecords when the filter sets no limit.
const defaultListLimit = 100

// Store defines the persistence interface for records.
type Store interface {
	// Records
	CreateRecord(ctx context.Context, rec *model.Record) error
	// GetRecord returns (nil, nil) when the record does not exist.
	GetRecord(ctx context.Context, id int64) (*model.Record, error)
	UpdateRecord(ctx context.Context, rec *model.Record) error
	ListRecords(ctx context.Context, filter model.RecordFilter) ([]model.Record, error)

	// Duplicate search
	FindCandidates(ctx context.Context, q model.CandidateQuery) ([]model.Record, error)
	MarkNotDuplicate(ctx context.Context, a, b int64) error
	NotDuplicateIDs(ctx context.Context, id int64) ([]int64, error)

	// WithTx runs fn in one transaction. Any error or panic from fn rolls back.
	WithTx(ctx context.Context, fn func(Tx) error) error

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Tx is the transactional view used by merges.
type Tx interface {
	// LockRecord reads a record and holds a write lock on it until the
	// transaction ends. Returns (nil, nil) when it does not exist.
	LockRecord(ctx context.Context, id int64) (*model.Record, error)
	SaveRecord(ctx context.Context, rec *model.Record) error
}

// indexed holds the searchable columns derived from a record. The full
// record lives in the data column.
type indexed struct {
	isBusiness       bool
	formattedPhone   string
	phoneFingerprint string
	email            string
	emailFingerprint string
	nameFingerprint  string
	cityKey          string
	isDuplicate      bool
	duplicateOfID    *int64
	data             []byte
}

// encodeRecord refreshes derived fields on rec and returns its column
// values.
func encodeRecord(rec *model.Record) (indexed, error) {
	rec.RefreshFingerprints()
	data, err := json.Marshal(rec)
	if err != nil {
		return indexed{}, eris.Wrapf(err, "store: marshal record %d", rec.ID)
	}
	return indexed{
		isBusiness:       rec.IsBusiness,
		formattedPhone:   rec.FormattedPhone,
		phoneFingerprint: rec.PhoneFingerprint,
		email:            strings.ToLower(strings.TrimSpace(rec.Email)),
		emailFingerprint: rec.EmailFingerprint,
		nameFingerprint:  rec.NameFingerprint,
		cityKey:          cityKey(rec.City),
		isDuplicate:      rec.IsDuplicate,
		duplicateOfID:    rec.DuplicateOfID,
		data:             data,
	}, nil
}

func decodeRecord(id int64, data []byte) (*model.Record, error) {
	var rec model.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, eris.Wrapf(err, "store: unmarshal record %d", id)
	}
	rec.ID = id
	return &rec, nil
}

func cityKey(s string) string {
	return strings.ToUpper(strings.Join(strings.Fields(s), " "))
}

// candidateQuery renders the SELECT for q. ph renders the n-th (1-based)
// positional placeholder in the driver's syntax.
func candidateQuery(q model.CandidateQuery, ph func(int) string) (string, []any, error) {
	var (
		where string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return ph(len(args))
	}

	switch q.Strategy {
	case model.MatchExactPhone:
		where = "formatted_phone = " + arg(q.Value)
	case model.MatchPhoneFingerprint:
		where = "phone_fingerprint = " + arg(q.Value)
	case model.MatchEmail:
		where = "email = " + arg(strings.ToLower(q.Value))
		if q.AltValue != "" {
			where = "(" + where + " OR email_fingerprint = " + arg(q.AltValue) + ")"
		}
	case model.MatchBusinessName:
		where = "is_business AND name_fingerprint = " + arg(q.Value) + " AND city_key = " + arg(cityKey(q.City))
	case model.MatchPersonName:
		where = "NOT is_business AND name_fingerprint = " + arg(q.Value)
	default:
		return "", nil, eris.Errorf("store: unknown match strategy %q", q.Strategy)
	}
	if q.Value == "" {
		return "", nil, eris.Errorf("store: empty value for %s search", q.Strategy)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := "SELECT id, data FROM records WHERE " + where +
		" AND NOT is_duplicate AND id <> " + arg(q.ExcludeID) +
		" ORDER BY id LIMIT " + arg(limit)
	return query, args, nil
}

// listQuery renders the SELECT for a RecordFilter.
func listQuery(f model.RecordFilter, ph func(int) string) (string, []any) {
	args := []any{f.AfterID}
	query := "SELECT id, data FROM records WHERE id > " + ph(1)
	if !f.IncludeDuplicates {
		query += " AND NOT is_duplicate"
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	args = append(args, limit)
	query += " ORDER BY id LIMIT " + ph(2)
	return query, args
}

// orderedPair returns a and b as (low, high).
func orderedPair(a, b int64) (int64, int64, error) {
	if a == b {
		return 0, 0, eris.Errorf("store: record %d cannot be paired with itself", a)
	}
	if a > b {
		a, b = b, a
	}
	return a, b, nil
}
