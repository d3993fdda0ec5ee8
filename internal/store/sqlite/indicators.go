package sqlite

import (
	"context"
	"fmt"
	"log"
	"time"

	"signal-pipelinev1/internal/events"
)

const (
	defaultBatchSize  = 100
	defaultFlushDelay = 200 * time.Millisecond
)

// IndicatorValue is a stored indicator recompute. Value is nil when the
// window held no data.
type IndicatorValue struct {
	SessionID     string
	Symbol        string
	VariantID     string
	IndicatorType string
	TS            float64
	Value         *float64
}

// RunIndicators reads indicator.updated events from ch and inserts them in
// batched transactions. Other events are ignored. Flushes every
// defaultBatchSize rows or every defaultFlushDelay, whichever comes first.
// Blocks until ctx is cancelled or ch is closed.
func (s *Store) RunIndicators(ctx context.Context, ch <-chan events.Event) {
	batch := make([]IndicatorValue, 0, defaultBatchSize)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		start := time.Now()
		if err := s.InsertIndicators(context.Background(), batch); err != nil {
			log.Printf("[sqlite] indicator batch insert error: %v", err)
		} else if s.OnCommit != nil {
			s.OnCommit(time.Since(start))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return

		case ev, ok := <-ch:
			if !ok {
				flush()
				return
			}
			upd, isUpd := ev.(events.IndicatorUpdated)
			if !isUpd {
				continue
			}
			batch = append(batch, IndicatorValue{
				SessionID:     upd.SessionID,
				Symbol:        upd.Symbol,
				VariantID:     upd.VariantID,
				IndicatorType: upd.IndicatorType,
				TS:            upd.Timestamp,
				Value:         upd.Value,
			})
			if len(batch) >= defaultBatchSize {
				flush()
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush()
			timer.Reset(defaultFlushDelay)
		}
	}
}

// InsertIndicators writes rows in a single transaction. A repeated
// (session, symbol, variant, ts) replaces the earlier row.
func (s *Store) InsertIndicators(ctx context.Context, rows []IndicatorValue) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO indicator_values (session_id, symbol, variant_id, indicator_type, ts, value)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		tx.Rollback()
		return err
	}
	defer stmt.Close()

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r.SessionID, r.Symbol, r.VariantID, r.IndicatorType, r.TS, r.Value); err != nil {
			tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// ReadIndicators returns the stored values of one variant, oldest first.
func (s *Store) ReadIndicators(ctx context.Context, sessionID, symbol, variantID string) ([]IndicatorValue, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, symbol, variant_id, indicator_type, ts, value
		FROM indicator_values
		WHERE session_id = ? AND symbol = ? AND variant_id = ?
		ORDER BY ts ASC
	`, sessionID, symbol, variantID)
	if err != nil {
		return nil, fmt.Errorf("sqlite query indicators: %w", err)
	}
	defer rows.Close()

	var out []IndicatorValue
	for rows.Next() {
		var r IndicatorValue
		if err := rows.Scan(&r.SessionID, &r.Symbol, &r.VariantID, &r.IndicatorType, &r.TS, &r.Value); err != nil {
			return nil, fmt.Errorf("sqlite scan indicator: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
