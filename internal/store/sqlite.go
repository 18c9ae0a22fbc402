package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/lead-enrich/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// The pool is limited to one connection so a transaction holds the database
// exclusively, which stands in for row locks.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS records (
	id                INTEGER PRIMARY KEY AUTOINCREMENT,
	is_business       INTEGER NOT NULL DEFAULT 0,
	formatted_phone   TEXT NOT NULL DEFAULT '',
	phone_fingerprint TEXT NOT NULL DEFAULT '',
	email             TEXT NOT NULL DEFAULT '',
	email_fingerprint TEXT NOT NULL DEFAULT '',
	name_fingerprint  TEXT NOT NULL DEFAULT '',
	city_key          TEXT NOT NULL DEFAULT '',
	is_duplicate      INTEGER NOT NULL DEFAULT 0,
	duplicate_of_id   INTEGER REFERENCES records(id),
	data              TEXT NOT NULL,
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_records_formatted_phone ON records(formatted_phone);
CREATE INDEX IF NOT EXISTS idx_records_phone_fingerprint ON records(phone_fingerprint);
CREATE INDEX IF NOT EXISTS idx_records_email ON records(email);
CREATE INDEX IF NOT EXISTS idx_records_email_fingerprint ON records(email_fingerprint);
CREATE INDEX IF NOT EXISTS idx_records_name_city ON records(name_fingerprint, city_key);

CREATE TABLE IF NOT EXISTS not_duplicate_pairs (
	low_id     INTEGER NOT NULL REFERENCES records(id),
	high_id    INTEGER NOT NULL REFERENCES records(id),
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (low_id, high_id)
);

CREATE INDEX IF NOT EXISTS idx_not_duplicate_pairs_high ON not_duplicate_pairs(high_id);
`

func sqlitePlaceholder(int) string { return "?" }

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRecord(ctx context.Context, rec *model.Record) error {
	now := time.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now
	cols, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO records (is_business, formatted_phone, phone_fingerprint, email, email_fingerprint, name_fingerprint, city_key, is_duplicate, duplicate_of_id, data, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cols.isBusiness, cols.formattedPhone, cols.phoneFingerprint, cols.email,
		cols.emailFingerprint, cols.nameFingerprint, cols.cityKey, cols.isDuplicate,
		cols.duplicateOfID, string(cols.data), now, now,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert record")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return eris.Wrap(err, "sqlite: last insert id")
	}
	rec.ID = id
	return nil
}

func (s *SQLiteStore) GetRecord(ctx context.Context, id int64) (*model.Record, error) {
	return getRecordSQL(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateRecord(ctx context.Context, rec *model.Record) error {
	return updateRecordSQL(ctx, s.db, rec)
}

func (s *SQLiteStore) ListRecords(ctx context.Context, filter model.RecordFilter) ([]model.Record, error) {
	query, args := listQuery(filter, sqlitePlaceholder)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list records")
	}
	return collectRecordsSQL(rows)
}

func (s *SQLiteStore) FindCandidates(ctx context.Context, q model.CandidateQuery) ([]model.Record, error) {
	query, args, err := candidateQuery(q, sqlitePlaceholder)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: find %s candidates", q.Strategy)
	}
	return collectRecordsSQL(rows)
}

func (s *SQLiteStore) MarkNotDuplicate(ctx context.Context, a, b int64) error {
	low, high, err := orderedPair(a, b)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO not_duplicate_pairs (low_id, high_id) VALUES (?, ?) ON CONFLICT DO NOTHING`,
		low, high,
	)
	return eris.Wrapf(err, "sqlite: mark not duplicate %d/%d", low, high)
}

func (s *SQLiteStore) NotDuplicateIDs(ctx context.Context, id int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT high_id FROM not_duplicate_pairs WHERE low_id = ?
UNION SELECT low_id FROM not_duplicate_pairs WHERE high_id = ?`,
		id, id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: not duplicate ids %d", id)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var other int64
		if err := rows.Scan(&other); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan not duplicate id")
		}
		ids = append(ids, other)
	}
	return ids, eris.Wrap(rows.Err(), "sqlite: iterate not duplicate ids")
}

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = fn(&sqlTx{tx: tx}); err != nil {
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

type sqlTx struct {
	tx *sql.Tx
}

func (t *sqlTx) LockRecord(ctx context.Context, id int64) (*model.Record, error) {
	return getRecordSQL(ctx, t.tx, id)
}

func (t *sqlTx) SaveRecord(ctx context.Context, rec *model.Record) error {
	return updateRecordSQL(ctx, t.tx, rec)
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getRecordSQL(ctx context.Context, q sqlQuerier, id int64) (*model.Record, error) {
	var (
		rid  int64
		data string
	)
	err := q.QueryRowContext(ctx, `SELECT id, data FROM records WHERE id = ?`, id).Scan(&rid, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get record %d", id)
	}
	return decodeRecord(rid, []byte(data))
}

func updateRecordSQL(ctx context.Context, q sqlQuerier, rec *model.Record) error {
	rec.UpdatedAt = time.Now().UTC()
	cols, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		`UPDATE records SET is_business = ?, formatted_phone = ?, phone_fingerprint = ?, email = ?, email_fingerprint = ?, name_fingerprint = ?, city_key = ?, is_duplicate = ?, duplicate_of_id = ?, data = ?, updated_at = ? WHERE id = ?`,
		cols.isBusiness, cols.formattedPhone, cols.phoneFingerprint, cols.email,
		cols.emailFingerprint, cols.nameFingerprint, cols.cityKey, cols.isDuplicate,
		cols.duplicateOfID, string(cols.data), rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update record %d", rec.ID)
	}
	return checkRowsAffected(res, rec.ID)
}

func checkRowsAffected(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("record not found: %d", id)
	}
	return nil
}

func collectRecordsSQL(rows *sql.Rows) ([]model.Record, error) {
	defer rows.Close()
	var out []model.Record
	for rows.Next() {
		var (
			id   int64
			data string
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan record")
		}
		rec, err := decodeRecord(id, []byte(data))
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: iterate records")
}
