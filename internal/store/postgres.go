package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/lead-enrich/internal/db"
	"github.com/sells-group/lead-enrich/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection.
var preparedStatements = map[string]string{
	"get_record":  pgGetRecord,
	"lock_record": pgLockRecord,
}

const (
	pgInsertRecord = `INSERT INTO records (is_business, formatted_phone, phone_fingerprint, email, email_fingerprint, name_fingerprint, city_key, is_duplicate, duplicate_of_id, data, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12) RETURNING id`
	pgUpdateRecord = `UPDATE records SET is_business = $1, formatted_phone = $2, phone_fingerprint = $3, email = $4, email_fingerprint = $5, name_fingerprint = $6, city_key = $7, is_duplicate = $8, duplicate_of_id = $9, data = $10, updated_at = $11 WHERE id = $12`
	pgGetRecord  = `SELECT id, data FROM records WHERE id = $1`
	pgLockRecord = `SELECT id, data FROM records WHERE id = $1 FOR UPDATE`
)

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS records (
	id                BIGSERIAL PRIMARY KEY,
	is_business       BOOLEAN NOT NULL DEFAULT false,
	formatted_phone   TEXT NOT NULL DEFAULT '',
	phone_fingerprint TEXT NOT NULL DEFAULT '',
	email             TEXT NOT NULL DEFAULT '',
	email_fingerprint TEXT NOT NULL DEFAULT '',
	name_fingerprint  TEXT NOT NULL DEFAULT '',
	city_key          TEXT NOT NULL DEFAULT '',
	is_duplicate      BOOLEAN NOT NULL DEFAULT false,
	duplicate_of_id   BIGINT REFERENCES records(id),
	data              JSONB NOT NULL,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	CHECK (NOT is_duplicate OR duplicate_of_id IS NOT NULL)
);

CREATE INDEX IF NOT EXISTS idx_records_formatted_phone ON records(formatted_phone) WHERE NOT is_duplicate;
CREATE INDEX IF NOT EXISTS idx_records_phone_fingerprint ON records(phone_fingerprint) WHERE NOT is_duplicate;
CREATE INDEX IF NOT EXISTS idx_records_email ON records(email) WHERE NOT is_duplicate;
CREATE INDEX IF NOT EXISTS idx_records_email_fingerprint ON records(email_fingerprint) WHERE NOT is_duplicate;
CREATE INDEX IF NOT EXISTS idx_records_name_city ON records(name_fingerprint, city_key) WHERE NOT is_duplicate;

CREATE TABLE IF NOT EXISTS not_duplicate_pairs (
	low_id     BIGINT NOT NULL REFERENCES records(id),
	high_id    BIGINT NOT NULL REFERENCES records(id),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (low_id, high_id),
	CHECK (low_id < high_id)
);

CREATE INDEX IF NOT EXISTS idx_not_duplicate_pairs_high ON not_duplicate_pairs(high_id);
`

func pgPlaceholder(n int) string { return fmt.Sprintf("$%d", n) }

func (s *PostgresStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.pool.Ping(ctx), "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRecord(ctx context.Context, rec *model.Record) error {
	now := time.Now().UTC()
	rec.CreatedAt, rec.UpdatedAt = now, now
	cols, err := encodeRecord(rec)
	if err != nil {
		return err
	}

	err = s.pool.QueryRow(ctx, pgInsertRecord,
		cols.isBusiness, cols.formattedPhone, cols.phoneFingerprint, cols.email,
		cols.emailFingerprint, cols.nameFingerprint, cols.cityKey, cols.isDuplicate,
		cols.duplicateOfID, cols.data, now, now,
	).Scan(&rec.ID)
	return eris.Wrap(err, "postgres: insert record")
}

func (s *PostgresStore) GetRecord(ctx context.Context, id int64) (*model.Record, error) {
	return getRecordPG(ctx, s.pool, pgGetRecord, id)
}

func (s *PostgresStore) UpdateRecord(ctx context.Context, rec *model.Record) error {
	return updateRecordPG(ctx, s.pool, rec)
}

func (s *PostgresStore) ListRecords(ctx context.Context, filter model.RecordFilter) ([]model.Record, error) {
	query, args := listQuery(filter, pgPlaceholder)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list records")
	}
	return collectRecordsPG(rows)
}

func (s *PostgresStore) FindCandidates(ctx context.Context, q model.CandidateQuery) ([]model.Record, error) {
	query, args, err := candidateQuery(q, pgPlaceholder)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: find %s candidates", q.Strategy)
	}
	return collectRecordsPG(rows)
}

func (s *PostgresStore) MarkNotDuplicate(ctx context.Context, a, b int64) error {
	low, high, err := orderedPair(a, b)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO not_duplicate_pairs (low_id, high_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		low, high,
	)
	return eris.Wrapf(err, "postgres: mark not duplicate %d/%d", low, high)
}

func (s *PostgresStore) NotDuplicateIDs(ctx context.Context, id int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT high_id FROM not_duplicate_pairs WHERE low_id = $1
UNION SELECT low_id FROM not_duplicate_pairs WHERE high_id = $1`,
		id,
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: not duplicate ids %d", id)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	return ids, eris.Wrapf(err, "postgres: scan not duplicate ids %d", id)
}

func (s *PostgresStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{tx: tx})
	})
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockRecord(ctx context.Context, id int64) (*model.Record, error) {
	return getRecordPG(ctx, t.tx, pgLockRecord, id)
}

func (t *pgTx) SaveRecord(ctx context.Context, rec *model.Record) error {
	return updateRecordPG(ctx, t.tx, rec)
}

// pgQuerier is satisfied by both the pool and an open transaction.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getRecordPG(ctx context.Context, q pgQuerier, query string, id int64) (*model.Record, error) {
	var (
		rid  int64
		data []byte
	)
	err := q.QueryRow(ctx, query, id).Scan(&rid, &data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get record %d", id)
	}
	return decodeRecord(rid, data)
}

func updateRecordPG(ctx context.Context, q pgQuerier, rec *model.Record) error {
	rec.UpdatedAt = time.Now().UTC()
	cols, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	tag, err := q.Exec(ctx, pgUpdateRecord,
		cols.isBusiness, cols.formattedPhone, cols.phoneFingerprint, cols.email,
		cols.emailFingerprint, cols.nameFingerprint, cols.cityKey, cols.isDuplicate,
		cols.duplicateOfID, cols.data, rec.UpdatedAt, rec.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update record %d", rec.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("record not found: %d", rec.ID)
	}
	return nil
}

func collectRecordsPG(rows pgx.Rows) ([]model.Record, error) {
	defer rows.Close()
	var out []model.Record
	for rows.Next() {
		var (
			id   int64
			data []byte
		)
		if err := rows.Scan(&id, &data); err != nil {
			return nil, eris.Wrap(err, "postgres: scan record")
		}
		rec, err := decodeRecord(id, data)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, eris.Wrap(rows.Err(), "postgres: iterate records")
}
