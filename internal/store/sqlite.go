package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/tiermem/tiermem/internal/model"
)

// SQLiteStore implements TierStore using a single SQLite database file.
// One file per tier keeps tiers independent storage units, which is what
// allows backup and promotion to treat them separately.
type SQLiteStore struct {
	db   *sql.DB
	tier model.Tier
}

// NewSQLiteStore opens or creates the tier database at the given path.
func NewSQLiteStore(dbPath string, tier model.Tier) (*SQLiteStore, error) {
	if !tier.Valid() {
		return nil, fmt.Errorf("unknown tier %q", tier)
	}
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &SQLiteStore{db: db, tier: tier}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		key          TEXT PRIMARY KEY,
		record       TEXT NOT NULL,
		score        REAL NOT NULL,
		access_count INTEGER NOT NULL,
		size_bytes   INTEGER NOT NULL,
		created_at   TEXT NOT NULL,
		last_access  TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_records_created ON records(created_at);
	CREATE INDEX IF NOT EXISTS idx_records_access ON records(access_count);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Tier returns the tier this store backs.
func (s *SQLiteStore) Tier() model.Tier { return s.tier }

func (s *SQLiteStore) Put(ctx context.Context, key string, rec *model.Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record %s: %w", key, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (key, record, score, access_count, size_bytes, created_at, last_access)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			record = excluded.record,
			score = excluded.score,
			access_count = excluded.access_count,
			size_bytes = excluded.size_bytes,
			created_at = excluded.created_at,
			last_access = excluded.last_access`,
		key, string(b), rec.Score, rec.AccessCount, len(b),
		rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		rec.LastAccess.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert record %s: %w", key, err)
	}
	return nil
}

// PutBatch inserts all records inside one transaction. Any invalid or
// unwritable record rolls the whole batch back.
func (s *SQLiteStore) PutBatch(ctx context.Context, recs []*model.Record) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin batch: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO records (key, record, score, access_count, size_bytes, created_at, last_access)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			record = excluded.record,
			score = excluded.score,
			access_count = excluded.access_count,
			size_bytes = excluded.size_bytes,
			created_at = excluded.created_at,
			last_access = excluded.last_access`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	defer stmt.Close()

	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return fmt.Errorf("batch put: %w", err)
		}
		b, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal record %s: %w", rec.ID, err)
		}
		if _, err := stmt.ExecContext(ctx, rec.ID, string(b), rec.Score, rec.AccessCount, len(b),
			rec.CreatedAt.UTC().Format(time.RFC3339Nano),
			rec.LastAccess.UTC().Format(time.RFC3339Nano)); err != nil {
			return fmt.Errorf("insert record %s: %w", rec.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*model.Record, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT record FROM records WHERE key = ?`, key).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record %s: %w", key, err)
	}
	var rec model.Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode record %s: %w", key, err)
	}
	return &rec, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE key = ?`, key)
	if err != nil {
		return false, fmt.Errorf("delete record %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM records WHERE key = ? LIMIT 1`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("exists %s: %w", key, err)
	}
	return true, nil
}

func (s *SQLiteStore) ListKeys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM records ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// sqliteIterator streams rows lazily; it holds the underlying sql.Rows
// open until Close, so each call to Iterate gets an independent cursor.
type sqliteIterator struct {
	rows *sql.Rows
	key  string
	val  []byte
	err  error
}

func (it *sqliteIterator) Next() bool {
	if !it.rows.Next() {
		return false
	}
	var raw string
	if err := it.rows.Scan(&it.key, &raw); err != nil {
		it.err = err
		return false
	}
	it.val = []byte(raw)
	return true
}

func (it *sqliteIterator) Key() string   { return it.key }
func (it *sqliteIterator) Value() []byte { return it.val }

func (it *sqliteIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

func (it *sqliteIterator) Close() error { return it.rows.Close() }

func (s *SQLiteStore) Iterate(ctx context.Context) (Iterator, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, record FROM records ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	return &sqliteIterator{rows: rows}, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (*TierStats, error) {
	st := &TierStats{}
	var oldest, newest sql.NullString
	var avg sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(size_bytes), 0),
		       MIN(created_at), MAX(created_at), AVG(access_count)
		FROM records`).Scan(&st.TotalItems, &st.TotalSizeBytes, &oldest, &newest, &avg)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	if oldest.Valid {
		if t, err := time.Parse(time.RFC3339Nano, oldest.String); err == nil {
			st.OldestItem = &t
		}
	}
	if newest.Valid {
		if t, err := time.Parse(time.RFC3339Nano, newest.String); err == nil {
			st.NewestItem = &t
		}
	}
	if avg.Valid {
		st.AvgAccessCount = avg.Float64
	}
	return st, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
