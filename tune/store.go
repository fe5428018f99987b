package tune

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tuning_records (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	epoch      INTEGER NOT NULL,
	metric     TEXT    NOT NULL,
	value      REAL    NOT NULL,
	direction  TEXT    NOT NULL,
	created_at TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tuning_records_metric ON tuning_records(metric, epoch);
`

// Record is one tuning evaluation result.
type Record struct {
	Epoch     int
	Metric    string
	Value     float64
	Direction string
	CreatedAt time.Time
}

// Store persists tuning records to the per-run sqlite database.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the tuning database at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open tuning db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init tuning db schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Append inserts one record.
func (s *Store) Append(ctx context.Context, r Record) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tuning_records (epoch, metric, value, direction, created_at) VALUES (?, ?, ?, ?, ?)`,
		r.Epoch, r.Metric, r.Value, r.Direction, r.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append tuning record: %w", err)
	}
	return nil
}

// History returns all records for a metric in epoch order.
func (s *Store) History(ctx context.Context, metric string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT epoch, metric, value, direction, created_at FROM tuning_records WHERE metric = ? ORDER BY epoch`,
		metric)
	if err != nil {
		return nil, fmt.Errorf("query tuning history: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var created string
		if err := rows.Scan(&r.Epoch, &r.Metric, &r.Value, &r.Direction, &created); err != nil {
			return nil, fmt.Errorf("scan tuning record: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, created); err == nil {
			r.CreatedAt = t
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tuning records: %w", err)
	}
	return out, nil
}

func (s *Store) Close() error { return s.db.Close() }
