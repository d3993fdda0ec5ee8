// Package replay provides a tick replayer that reads historical ticks from
// SQLite and emits them at configurable speed for backtesting.
package replay

import (
	"context"
	"log"
	"time"

	"signal-pipelinev1/internal/model"
	sqlitestore "signal-pipelinev1/internal/store/sqlite"
)

const (
	defaultPageSize = 1000
	maxSleep        = 5 * time.Second
)

// TickReader pages through stored ticks.
type TickReader interface {
	CountTicks(ctx context.Context, r sqlitestore.TickRange) (int64, error)
	ReadTicks(ctx context.Context, r sqlitestore.TickRange, afterTS float64, afterID int64, limit int) ([]model.Tick, float64, int64, error)
}

// Config selects and paces the replay.
type Config struct {
	Range sqlitestore.TickRange
	// Speed is the playback rate: 1.0 = real-time, 10.0 = 10x, 0 = as fast
	// as possible.
	Speed    float64
	PageSize int
}

// Replayer replays stored ticks in (ts, id) order. It satisfies
// model.TickSource.
type Replayer struct {
	reader TickReader
	cfg    Config
	total  int64
	sleep  func(ctx context.Context, d time.Duration) error
}

// New creates a Replayer and counts the ticks it will emit.
func New(ctx context.Context, reader TickReader, cfg Config) (*Replayer, error) {
	if cfg.PageSize <= 0 {
		cfg.PageSize = defaultPageSize
	}
	total, err := reader.CountTicks(ctx, cfg.Range)
	if err != nil {
		return nil, err
	}
	return &Replayer{reader: reader, cfg: cfg, total: total, sleep: sleepCtx}, nil
}

// Total returns the number of ticks in range.
func (r *Replayer) Total() int64 { return r.total }

// Run emits ticks into out. Without pacing each page is one batch; with
// pacing ticks sharing a timestamp form a batch and the gap to the next
// timestamp is slept, scaled by Speed and capped at five seconds.
func (r *Replayer) Run(ctx context.Context, out chan<- []model.Tick) error {
	if r.total == 0 {
		log.Println("[replay] no ticks found in SQLite")
		return nil
	}
	log.Printf("[replay] replaying %d ticks, speed=%.1fx", r.total, r.cfg.Speed)

	var (
		afterTS  float64
		afterID  int64
		prevTS   float64
		emitted  int64
		havePrev bool
	)
	for {
		if err := ctx.Err(); err != nil {
			log.Printf("[replay] cancelled after %d ticks", emitted)
			return err
		}

		page, lastTS, lastID, err := r.reader.ReadTicks(ctx, r.cfg.Range, afterTS, afterID, r.cfg.PageSize)
		if err != nil {
			return err
		}
		if len(page) == 0 {
			break
		}
		afterTS, afterID = lastTS, lastID

		if r.cfg.Speed <= 0 {
			if err := emit(ctx, out, page); err != nil {
				return err
			}
			emitted += int64(len(page))
			continue
		}

		for start := 0; start < len(page); {
			end := start + 1
			for end < len(page) && page[end].TS == page[start].TS {
				end++
			}
			if havePrev {
				if gap := page[start].TS - prevTS; gap > 0 {
					d := time.Duration(gap / r.cfg.Speed * float64(time.Second))
					if d > maxSleep {
						d = maxSleep
					}
					if err := r.sleep(ctx, d); err != nil {
						return err
					}
				}
			}
			prevTS, havePrev = page[start].TS, true

			if err := emit(ctx, out, page[start:end:end]); err != nil {
				return err
			}
			emitted += int64(end - start)
			start = end
		}
	}

	log.Printf("[replay] completed: %d ticks replayed", emitted)
	return nil
}

func emit(ctx context.Context, out chan<- []model.Tick, batch []model.Tick) error {
	select {
	case out <- batch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
