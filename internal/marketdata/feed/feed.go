// Package feed streams live ticks from a JSON WebSocket server (for
// example cmd/tickserver) into the pipeline.
//
// Each text frame holds one tick or an array of ticks:
//
//	{"symbol":"BTC","price":100.5,"volume":2,"bid":100.4,"ask":100.6,"ts":1700000000.25}
//
// A frame becomes one batch. The connection is re-dialed with exponential
// backoff until the context is cancelled.
package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"signal-pipelinev1/internal/model"
	"signal-pipelinev1/pkg/errors"
)

// Config holds configuration for the live feed.
type Config struct {
	// URL of the tick WebSocket server, e.g. "ws://localhost:9001/ws"
	URL string

	// Symbols, if set, are sent as {"subscribe":[...]} after each connect.
	Symbols []string

	// ReconnectDelay is the initial delay before reconnection attempts.
	// Defaults to 2 seconds if zero.
	ReconnectDelay time.Duration

	// MaxReconnectDelay caps the exponential backoff. Defaults to 30s.
	MaxReconnectDelay time.Duration
}

func (c *Config) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 2 * time.Second
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
}

// Feed is a live model.TickSource.
type Feed struct {
	cfg Config

	received atomic.Uint64
	dropped  atomic.Uint64
	invalid  atomic.Uint64

	// Optional hooks.
	OnReconnect func()
	OnDrop      func(n int)
}

// New creates a Feed. Returns ErrCodeConfig if the URL is unparseable.
func New(cfg Config) (*Feed, error) {
	cfg.defaults()
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, errors.Newf(errors.ErrCodeConfig, "feed: invalid url %q", cfg.URL)
	}
	return &Feed{cfg: cfg}, nil
}

// Total is 0: a live feed has no known length.
func (f *Feed) Total() int64 { return 0 }

// Stats returns received, dropped and invalid tick counts.
func (f *Feed) Stats() (received, dropped, invalid uint64) {
	return f.received.Load(), f.dropped.Load(), f.invalid.Load()
}

// Run connects and streams batches into out. Blocks until ctx is
// cancelled, then returns nil. Reconnects automatically on disconnect.
func (f *Feed) Run(ctx context.Context, out chan<- []model.Tick) error {
	delay := f.cfg.ReconnectDelay

	for {
		if ctx.Err() != nil {
			return nil
		}

		connected, err := f.runOnce(ctx, out)
		if err == nil {
			return nil
		}
		if connected {
			delay = f.cfg.ReconnectDelay
		}

		log.Printf("[feed] disconnected (%v), reconnecting in %s...", err, delay)
		if f.OnReconnect != nil {
			f.OnReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}

		delay *= 2
		if delay > f.cfg.MaxReconnectDelay {
			delay = f.cfg.MaxReconnectDelay
		}
	}
}

// runOnce makes a single connection and reads until disconnect or ctx
// cancel. A nil error means ctx was cancelled.
func (f *Feed) runOnce(ctx context.Context, out chan<- []model.Tick) (bool, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	log.Printf("[feed] connected to %s", f.cfg.URL)

	if len(f.cfg.Symbols) > 0 {
		if err := conn.WriteJSON(map[string][]string{"subscribe": f.cfg.Symbols}); err != nil {
			return true, err
		}
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"))
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return true, err
		}

		batch, err := decode(raw)
		if err != nil {
			log.Printf("[feed] parse error: %v (raw: %s)", err, raw)
			continue
		}
		batch = f.filter(batch)
		if len(batch) == 0 {
			continue
		}
		f.received.Add(uint64(len(batch)))

		select {
		case out <- batch:
		default:
			f.dropped.Add(uint64(len(batch)))
			if f.OnDrop != nil {
				f.OnDrop(len(batch))
			} else {
				log.Printf("[feed] out channel full, dropping %d ticks", len(batch))
			}
		}
	}
}

func decode(raw []byte) ([]model.Tick, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '[' {
		var ticks []model.Tick
		err := json.Unmarshal(raw, &ticks)
		return ticks, err
	}
	var t model.Tick
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	return []model.Tick{t}, nil
}

func (f *Feed) filter(ticks []model.Tick) []model.Tick {
	out := ticks[:0]
	for _, t := range ticks {
		if err := t.Validate(); err != nil {
			f.invalid.Add(1)
			log.Printf("[feed] skipping %v", err)
			continue
		}
		out = append(out, t)
	}
	return out
}
