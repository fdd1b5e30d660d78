package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/glebarez/sqlite"

	"gomicropay/types"
)

var ErrPathRequired = errors.New("sqlite store path must be configured")

const schema = `
CREATE TABLE IF NOT EXISTS swap_records (
	swap_id TEXT PRIMARY KEY,
	status  TEXT NOT NULL,
	record  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS swap_records_status ON swap_records(status);
`

// SQLiteStore keeps one row per record; SaveAll swaps the table content in a
// single transaction.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, ErrPathRequired
	}
	db, err := sql.Open("sqlite", trimmed)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite allows one writer
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) LoadAll(ctx context.Context) ([]types.SwapRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM swap_records ORDER BY swap_id`)
	if err != nil {
		return nil, fmt.Errorf("query swap records: %w", err)
	}
	return scanRecords(rows)
}

func (s *SQLiteStore) FindByStatus(ctx context.Context, status types.Status) ([]types.SwapRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM swap_records WHERE status = ? ORDER BY swap_id`, string(status))
	if err != nil {
		return nil, fmt.Errorf("query swap records: %w", err)
	}
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]types.SwapRecord, error) {
	defer rows.Close()

	records := make([]types.SwapRecord, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var rec types.SwapRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("cannot unmarshal swap record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteStore) SaveAll(ctx context.Context, records []types.SwapRecord) (err error) {
	if err := checkRecords(records); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM swap_records`); err != nil {
		return fmt.Errorf("clear swap records: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO swap_records (swap_id, status, record) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		var data []byte
		data, err = json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("cannot marshal swap record to JSON: %w", err)
		}
		if _, err = stmt.ExecContext(ctx, rec.SwapID, string(rec.Status), string(data)); err != nil {
			return fmt.Errorf("insert %s: %w", rec.SwapID, err)
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
