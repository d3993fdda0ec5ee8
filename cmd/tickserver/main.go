// cmd/tickserver is a demo WebSocket tick server. It broadcasts simulated
// ticks, with occasional pumps, so cmd/pipeline can run without an exchange.
//
// Every frame is a JSON array of model.Tick:
//
//	[{"symbol":"BTC","price":100.5,"volume":2,"bid":100.4,"ask":100.6,"ts":1700000000.25}]
//
// A client may send {"subscribe":["BTC","ETH"]} to receive only those symbols.
//
// Every flag can also be set from its TICK_* environment variable:
//
//	go run ./cmd/tickserver --symbols=BTC:100,ETH:50 --interval=100ms
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli/v3"

	"signal-pipelinev1/internal/model"
)

// instrument holds per-symbol simulation state.
type instrument struct {
	Symbol string
	Price  float64

	// pumpLeft is the number of remaining ticks of the current pump; during
	// a pump price drifts up and volume surges.
	pumpLeft int
}

type client struct {
	ch chan []model.Tick

	mu      sync.RWMutex
	symbols map[string]bool // empty = everything
}

func (c *client) wants(symbol string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.symbols) == 0 || c.symbols[symbol]
}

func (c *client) subscribe(symbols []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.symbols = make(map[string]bool, len(symbols))
	for _, s := range symbols {
		c.symbols[strings.ToUpper(s)] = true
	}
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type hub struct {
	mu      sync.RWMutex
	clients map[*websocket.Conn]*client
}

func newHub() *hub {
	return &hub{clients: make(map[*websocket.Conn]*client)}
}

func (h *hub) register(conn *websocket.Conn) *client {
	c := &client{ch: make(chan []model.Tick, 256)}
	h.mu.Lock()
	h.clients[conn] = c
	h.mu.Unlock()
	return c
}

func (h *hub) unregister(conn *websocket.Conn) {
	h.mu.Lock()
	if c, ok := h.clients[conn]; ok {
		close(c.ch)
		delete(h.clients, conn)
	}
	h.mu.Unlock()
}

func (h *hub) broadcast(ticks []model.Tick) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		var out []model.Tick
		for _, t := range ticks {
			if c.wants(t.Symbol) {
				out = append(out, t)
			}
		}
		if len(out) == 0 {
			continue
		}
		select {
		case c.ch <- out:
		default: // slow client, drop frame
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

func wsHandler(h *hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[tickserver] upgrade error: %v", err)
			return
		}
		log.Printf("[tickserver] client connected: %s", r.RemoteAddr)

		c := h.register(conn)
		defer func() {
			h.unregister(conn)
			conn.Close()
			log.Printf("[tickserver] client disconnected: %s", r.RemoteAddr)
		}()

		// Read pump: subscription requests; a read error ends the session.
		go func() {
			for {
				var req struct {
					Subscribe []string `json:"subscribe"`
				}
				if err := conn.ReadJSON(&req); err != nil {
					h.unregister(conn)
					return
				}
				if req.Subscribe != nil {
					c.subscribe(req.Subscribe)
					log.Printf("[tickserver] %s subscribed to %v", r.RemoteAddr, req.Subscribe)
				}
			}
		}()

		for batch := range c.ch {
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(batch); err != nil {
				return
			}
		}
	}
}

// ─── Tick generator ──────────────────────────────────────────────────────────

type generator struct {
	rng         *rand.Rand
	instruments []instrument
	pumpProb    float64 // per tick
}

func newGenerator(instruments []instrument, interval time.Duration, pumpEvery float64) *generator {
	prob := 0.0
	if pumpEvery > 0 {
		prob = interval.Seconds() / pumpEvery
	}
	return &generator{
		rng:         rand.New(rand.NewSource(time.Now().UnixNano())),
		instruments: instruments,
		pumpProb:    prob,
	}
}

// next advances every instrument by one tick. Outside pumps price follows a
// ±0.1% random walk; a pump adds 0.3% to 1% per tick for 20 to 60 ticks at
// ten times the usual volume.
func (g *generator) next(now time.Time) []model.Tick {
	ts := model.Seconds(now)
	out := make([]model.Tick, 0, len(g.instruments))
	for i := range g.instruments {
		in := &g.instruments[i]
		if in.pumpLeft == 0 && g.rng.Float64() < g.pumpProb {
			in.pumpLeft = 20 + g.rng.Intn(41)
			log.Printf("[tickserver] pump started on %s at %.4f", in.Symbol, in.Price)
		}

		pct := (g.rng.Float64()*0.2 - 0.1) / 100
		volume := float64(g.rng.Intn(100) + 1)
		if in.pumpLeft > 0 {
			in.pumpLeft--
			pct = (0.3 + g.rng.Float64()*0.7) / 100
			volume *= 10
		}
		in.Price *= 1 + pct
		if in.Price < 0.0001 {
			in.Price = 0.0001
		}

		half := in.Price * (0.0002 + g.rng.Float64()*0.0008) / 2
		out = append(out, model.Tick{
			Symbol: in.Symbol,
			Price:  in.Price,
			Volume: volume,
			Bid:    in.Price - half,
			Ask:    in.Price + half,
			TS:     ts,
		})
	}
	return out
}

func runGenerator(ctx context.Context, h *hub, g *generator, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			h.broadcast(g.next(now))
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cmd := &cli.Command{
		Name:  "tickserver",
		Usage: "Broadcast simulated ticks over WebSocket",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "addr", Value: ":9001", Usage: "Listen address", Sources: cli.EnvVars("TICK_SERVER_ADDR")},
			&cli.StringFlag{Name: "symbols", Value: "BTC:100,ETH:50", Usage: "Comma-separated SYMBOL:PRICE pairs", Sources: cli.EnvVars("TICK_SYMBOLS")},
			&cli.DurationFlag{Name: "interval", Value: 100 * time.Millisecond, Usage: "Broadcast interval", Sources: cli.EnvVars("TICK_INTERVAL")},
			&cli.FloatFlag{Name: "pump-every", Value: 120, Usage: "Mean seconds between pumps per symbol", Sources: cli.EnvVars("TICK_PUMP_EVERY")},
		},
		Action: serve,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatalf("[tickserver] %v", err)
	}
}

func serve(ctx context.Context, cmd *cli.Command) error {
	instruments := parseInstruments(cmd.String("symbols"))
	if len(instruments) == 0 {
		return fmt.Errorf("no instruments configured in --symbols")
	}
	interval := cmd.Duration("interval")
	if interval <= 0 {
		return fmt.Errorf("--interval must be positive, got %s", interval)
	}
	pumpEvery := cmd.Float("pump-every")
	log.Printf("[tickserver] instruments: %+v", instruments)
	log.Printf("[tickserver] broadcast interval: %s, mean pump gap: %.0fs", interval, pumpEvery)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h := newHub()
	go runGenerator(ctx, h, newGenerator(instruments, interval, pumpEvery), interval)

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", wsHandler(h))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"tickserver"}`)
	})
	srv := &http.Server{Addr: cmd.String("addr"), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[tickserver] listening on %s  (WebSocket: ws://localhost%s/ws)", srv.Addr, srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// parseInstruments reads SYMBOL:PRICE pairs. A missing or bad price starts
// the symbol at 100.
func parseInstruments(s string) []instrument {
	var result []instrument
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		seg := strings.SplitN(part, ":", 2)
		symbol := strings.ToUpper(strings.TrimSpace(seg[0]))
		price := 100.0
		if len(seg) == 2 {
			if p, err := strconv.ParseFloat(strings.TrimSpace(seg[1]), 64); err == nil && p > 0 {
				price = p
			} else {
				log.Printf("[tickserver] bad price in %q, using %.0f", part, price)
			}
		}
		result = append(result, instrument{Symbol: symbol, Price: price})
	}
	return result
}
