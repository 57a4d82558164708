// Package audit keeps a durable local record of every auto-cutoff
// liquidation run. Redis state is operational and mutable; this store is
// the append-only trail operators query after the fact.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"fxcore/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS liquidations (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	user_type     TEXT    NOT NULL,
	user_id       TEXT    NOT NULL,
	margin_level  TEXT    NOT NULL,
	orders_closed INTEGER NOT NULL,
	cascade_from  TEXT    NOT NULL DEFAULT '',
	ts_ms         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_liquidations_user ON liquidations(user_type, user_id, ts_ms);
`

const defaultQueryLimit = 100

// SQLiteStore implements core.ILiquidationAudit on a local sqlite file.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping audit db: %w", err)
	}

	// WAL survives a crash mid-liquidation.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) RecordLiquidation(ctx context.Context, rec model.LiquidationRecord) error {
	const query = `INSERT INTO liquidations
		(user_type, user_id, margin_level, orders_closed, cascade_from, ts_ms)
		VALUES (?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		string(rec.User.Type), rec.User.ID, rec.MarginLevel.String(),
		rec.OrdersClosed, rec.CascadeFrom, rec.TsMs)
	if err != nil {
		return fmt.Errorf("insert liquidation for %s: %w", rec.User.Tag(), err)
	}
	return nil
}

// Liquidations returns the most recent runs for one user, newest first.
func (s *SQLiteStore) Liquidations(ctx context.Context, user model.UserKey, limit int) ([]model.LiquidationRecord, error) {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	const query = `SELECT user_type, user_id, margin_level, orders_closed, cascade_from, ts_ms
		FROM liquidations WHERE user_type = ? AND user_id = ?
		ORDER BY ts_ms DESC, id DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, string(user.Type), user.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("query liquidations for %s: %w", user.Tag(), err)
	}
	defer rows.Close()

	var out []model.LiquidationRecord
	for rows.Next() {
		var (
			rec      model.LiquidationRecord
			userType string
			level    string
		)
		if err := rows.Scan(&userType, &rec.User.ID, &level, &rec.OrdersClosed, &rec.CascadeFrom, &rec.TsMs); err != nil {
			return nil, fmt.Errorf("scan liquidation row: %w", err)
		}
		rec.User.Type = model.UserType(userType)
		if rec.MarginLevel, err = decimal.NewFromString(level); err != nil {
			return nil, fmt.Errorf("parse margin_level %q: %w", level, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
