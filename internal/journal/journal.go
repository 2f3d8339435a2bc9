// Package journal keeps the durable record of completed trades in SQLite,
// separate from the hot-path state store so it can be queried offline.
package journal

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"grid-risk-engine/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS trades (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	symbol TEXT NOT NULL,
	quantity REAL NOT NULL,
	entry_price REAL NOT NULL,
	exit_price REAL NOT NULL,
	entry_time TIMESTAMP NOT NULL,
	exit_time TIMESTAMP NOT NULL,
	hold_seconds REAL NOT NULL,
	profit REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time);
`

// Store is the SQLite-backed trade journal.
type Store struct {
	db *sql.DB
}

// Open creates or opens the journal database and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create journal schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends one completed trade.
func (s *Store) Record(t models.CompletedTrade) error {
	_, err := s.db.Exec(
		`INSERT INTO trades (symbol, quantity, entry_price, exit_price, entry_time, exit_time, hold_seconds, profit)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Symbol, t.Quantity, t.EntryPrice, t.ExitPrice, t.EntryTime, t.ExitTime, t.HoldTime.Seconds(), t.Profit,
	)
	if err != nil {
		return fmt.Errorf("record trade: %w", err)
	}
	return nil
}

// Summary aggregates the journal for one symbol, or for all symbols when
// symbol is empty.
type Summary struct {
	Trades      int
	Wins        int
	Losses      int
	TotalProfit float64
	AvgWin      float64
	AvgLoss     float64
	WinRate     float64
}

// Summarize computes the aggregate trade statistics.
func (s *Store) Summarize(symbol string) (Summary, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN profit > 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN profit < 0 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(profit), 0),
			COALESCE(AVG(CASE WHEN profit > 0 THEN profit END), 0),
			COALESCE(AVG(CASE WHEN profit < 0 THEN -profit END), 0)
		FROM trades`
	args := []any{}
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}

	var sum Summary
	err := s.db.QueryRow(query, args...).Scan(
		&sum.Trades, &sum.Wins, &sum.Losses, &sum.TotalProfit, &sum.AvgWin, &sum.AvgLoss)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize trades: %w", err)
	}
	if sum.Trades > 0 {
		sum.WinRate = float64(sum.Wins) / float64(sum.Trades)
	}
	return sum, nil
}

// Recent returns the latest n trades, newest first.
func (s *Store) Recent(symbol string, n int) ([]models.CompletedTrade, error) {
	query := `SELECT symbol, quantity, entry_price, exit_price, entry_time, exit_time, hold_seconds, profit
		FROM trades`
	args := []any{}
	if symbol != "" {
		query += ` WHERE symbol = ?`
		args = append(args, symbol)
	}
	query += ` ORDER BY exit_time DESC LIMIT ?`
	args = append(args, n)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query recent trades: %w", err)
	}
	defer rows.Close()

	var out []models.CompletedTrade
	for rows.Next() {
		var t models.CompletedTrade
		var holdSeconds float64
		if err := rows.Scan(&t.Symbol, &t.Quantity, &t.EntryPrice, &t.ExitPrice,
			&t.EntryTime, &t.ExitTime, &holdSeconds, &t.Profit); err != nil {
			return nil, err
		}
		t.HoldTime = time.Duration(holdSeconds * float64(time.Second))
		out = append(out, t)
	}
	return out, rows.Err()
}
