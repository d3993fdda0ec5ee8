package sqlite

import (
	"context"
	"fmt"
	"strings"

	"signal-pipelinev1/internal/model"
)

// TickRange selects stored ticks. Zero bounds are open.
type TickRange struct {
	From    float64
	To      float64
	Symbols []string
}

func (r TickRange) where() (string, []any) {
	clause := "WHERE ts >= ?"
	args := []any{r.From}
	if r.To > 0 {
		clause += " AND ts <= ?"
		args = append(args, r.To)
	}
	if len(r.Symbols) > 0 {
		clause += " AND symbol IN (?" + strings.Repeat(",?", len(r.Symbols)-1) + ")"
		for _, s := range r.Symbols {
			args = append(args, s)
		}
	}
	return clause, args
}

// InsertTicks stores ticks in a single transaction.
func (s *Store) InsertTicks(ctx context.Context, ticks []model.Tick) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ticks (symbol, ts, price, volume, bid, ask) VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, t := range ticks {
		if _, err := stmt.ExecContext(ctx, t.Symbol, t.TS, t.Price, t.Volume, t.Bid, t.Ask); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// CountTicks returns the number of ticks in r.
func (s *Store) CountTicks(ctx context.Context, r TickRange) (int64, error) {
	where, args := r.where()
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM ticks "+where, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite count ticks: %w", err)
	}
	return n, nil
}

// ReadTicks returns up to limit ticks in r after row afterID, ordered by
// (ts, id). It also returns the id of the last row for the next page.
func (s *Store) ReadTicks(ctx context.Context, r TickRange, afterTS float64, afterID int64, limit int) ([]model.Tick, float64, int64, error) {
	where, args := r.where()
	where += " AND (ts > ? OR (ts = ? AND id > ?))"
	args = append(args, afterTS, afterTS, afterID, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, ts, price, volume, bid, ask FROM ticks `+where+`
		ORDER BY ts ASC, id ASC LIMIT ?
	`, args...)
	if err != nil {
		return nil, afterTS, afterID, fmt.Errorf("sqlite query ticks: %w", err)
	}
	defer rows.Close()

	ticks := make([]model.Tick, 0, limit)
	lastTS, lastID := afterTS, afterID
	for rows.Next() {
		var t model.Tick
		if err := rows.Scan(&lastID, &t.Symbol, &t.TS, &t.Price, &t.Volume, &t.Bid, &t.Ask); err != nil {
			return nil, afterTS, afterID, fmt.Errorf("sqlite scan tick: %w", err)
		}
		lastTS = t.TS
		ticks = append(ticks, t)
	}
	return ticks, lastTS, lastID, rows.Err()
}
