// cmd/backtest replays stored ticks from SQLite through the full signal
// pipeline (indicators, strategies, paper execution) to validate strategy
// definitions without live market data.
//
// Usage:
//
//	go run ./cmd/backtest --db=data/pipeline.db --strategies=config/strategies.yaml --speed=0
//	go run ./cmd/backtest --import=ticks.jsonl --from=1700000000
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/urfave/cli/v3"

	"signal-pipelinev1/config"
	"signal-pipelinev1/internal/events"
	"signal-pipelinev1/internal/execution"
	"signal-pipelinev1/internal/logger"
	"signal-pipelinev1/internal/marketdata/replay"
	"signal-pipelinev1/internal/model"
	"signal-pipelinev1/internal/service"
	"signal-pipelinev1/internal/session"
	sqlitestore "signal-pipelinev1/internal/store/sqlite"
	"signal-pipelinev1/internal/variant"
	"signal-pipelinev1/pkg/errors"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cmd := &cli.Command{
		Name:  "backtest",
		Usage: "Replay stored ticks through the signal pipeline",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "db", Value: "data/pipeline.db", Usage: "Path to SQLite database"},
			&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "Session ID (default: generated)"},
			&cli.FloatFlag{Name: "speed", Value: 0, Usage: "Playback speed multiplier (0=max, 1=realtime, 100=100x)"},
			&cli.FloatFlag{Name: "from", Value: 0, Usage: "Unix timestamp to start replay from (0=all)"},
			&cli.FloatFlag{Name: "to", Value: 0, Usage: "Unix timestamp to stop replay at (0=all)"},
			&cli.StringFlag{Name: "symbols", Usage: "Comma-separated symbols to replay (default: all)"},
			&cli.StringFlag{Name: "strategies", Value: "config/strategies.yaml", Usage: "Variant and strategy definition file"},
			&cli.StringSliceFlag{Name: "strategy", Usage: "Strategy IDs to activate (default: every enabled strategy)"},
			&cli.StringFlag{Name: "budget", Value: "10000", Usage: "Global budget cap"},
			&cli.FloatFlag{Name: "slippage-bps", Value: 5, Usage: "Paper fill slippage in basis points"},
			&cli.IntFlag{Name: "shards", Value: 4, Usage: "Pipeline shard workers"},
			&cli.StringFlag{Name: "import", Usage: "JSON-lines tick file to load into the database before replaying"},
			&cli.StringFlag{Name: "log-level", Value: "info", Usage: "debug, info, warn or error"},
		},
		Action: backtestAction,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatalf("[backtest] %v", err)
	}
}

func backtestAction(ctx context.Context, cmd *cli.Command) error {
	logger.Init("backtest", logger.ParseLevel(cmd.String("log-level")))

	budget, err := decimal.NewFromString(cmd.String("budget"))
	if err != nil {
		return errors.Wrap(errors.ErrCodeConfig, "invalid --budget", err)
	}

	store, err := sqlitestore.Open(sqlitestore.Config{DBPath: cmd.String("db")})
	if err != nil {
		return errors.Wrap(errors.ErrCodeExternalFailure, "sqlite", err)
	}
	defer store.Close()

	if path := cmd.String("import"); path != "" {
		n, err := importTicks(ctx, store, path)
		if err != nil {
			return err
		}
		log.Printf("[backtest] imported %d ticks from %s", n, path)
	}

	reg := variant.NewRegistry()
	sf, err := config.LoadStrategyFile(cmd.String("strategies"))
	if err != nil {
		return err
	}
	if err := sf.RegisterVariants(reg); err != nil {
		return err
	}

	journal, err := execution.NewJournalDB(store.DB())
	if err != nil {
		return errors.Wrap(errors.ErrCodeExternalFailure, "trade journal", err)
	}
	gw := execution.NewPaperGateway(1024, cmd.Float("slippage-bps"), 0)
	defer gw.Close()

	svc, err := service.New(service.Config{
		GlobalBudgetCap: budget,
		Gateway:         gw,
		Store:           store,
		Journal:         journal,
		Registry:        reg,
		Strategies:      sf.Strategies,
		Shards:          int(cmd.Int("shards")),
		FlattenOnStop:   true,
	})
	if err != nil {
		return err
	}

	sqliteCh := svc.Bus().Subscribe("sqlite")
	countCh := svc.Bus().Subscribe("summary")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	bgCtx, cancelBg := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		if err := svc.Serve(bgCtx); err != nil {
			log.Printf("[backtest] service: %v", err)
		}
	}()
	persisted := make(chan struct{})
	go func() {
		defer close(persisted)
		store.RunIndicators(bgCtx, sqliteCh)
	}()
	topics := make(map[string]int)
	counted := make(chan struct{})
	go func() {
		defer close(counted)
		events.Consume(bgCtx, countCh, func(e events.Event) { topics[e.Topic()]++ })
	}()
	shutdown := func() {
		cancelBg()
		<-served
		<-persisted
		<-counted
	}

	id := cmd.String("session")
	if id == "" {
		id = "bt-" + uuid.NewString()[:8]
	}
	id, _, err = svc.Start(ctx, id, session.ModeBacktest)
	if err != nil {
		shutdown()
		return err
	}

	symbols := splitSymbols(cmd.String("symbols"))
	activated := activateAll(svc, id, sf, cmd.StringSlice("strategy"), symbols)
	if activated == 0 {
		log.Println("[backtest] WARNING: no strategy activated, only indicators will be computed")
	}

	src, err := replay.New(ctx, store, replay.Config{
		Range: sqlitestore.TickRange{From: cmd.Float("from"), To: cmd.Float("to"), Symbols: symbols},
		Speed: cmd.Float("speed"),
	})
	if err != nil {
		svc.Stop(id)
		shutdown()
		return err
	}

	runErr := svc.Run(ctx, id, src)
	if done, err := svc.Done(id); err == nil {
		<-done
	}
	shutdown()

	printSummary(svc, id, activated, topics)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func activateAll(svc *service.Service, id string, sf *config.StrategyFile, only, symbols []string) int {
	want := make(map[string]bool, len(only))
	for _, s := range only {
		want[s] = true
	}
	n := 0
	for _, def := range sf.Strategies {
		if (len(want) > 0 && !want[def.ID]) || !def.Loadable() {
			continue
		}
		if err := svc.ActivateStrategy(id, def.ID, symbols); err != nil {
			log.Printf("[backtest] strategy %s not activated: %v", def.ID, err)
			continue
		}
		n++
	}
	return n
}

// importTicks loads one JSON tick per line into the ticks table.
func importTicks(ctx context.Context, store *sqlitestore.Store, path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeConfig, "open tick file", err)
	}
	defer f.Close()

	const batchSize = 1000
	batch := make([]model.Tick, 0, batchSize)
	total := 0
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := store.InsertTicks(ctx, batch); err != nil {
			return errors.Wrap(errors.ErrCodeExternalFailure, "insert ticks", err)
		}
		total += len(batch)
		batch = batch[:0]
		return nil
	}

	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		raw := strings.TrimSpace(sc.Text())
		if raw == "" {
			continue
		}
		var t model.Tick
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return total, errors.Wrapf(errors.ErrCodeInvalidParameter, err, "%s:%d", path, line)
		}
		if err := t.Validate(); err != nil {
			log.Printf("[backtest] %s:%d skipped: %v", path, line, err)
			continue
		}
		batch = append(batch, t)
		if len(batch) == batchSize {
			if err := flush(); err != nil {
				return total, err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return total, errors.Wrap(errors.ErrCodeExternalFailure, "read tick file", err)
	}
	return total, flush()
}

func splitSymbols(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.ToUpper(strings.TrimSpace(p)); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func printSummary(svc *service.Service, id string, strategies int, topics map[string]int) {
	p, _ := svc.Progress(id)
	signals := 0
	for t, n := range topics {
		if strings.HasPrefix(t, events.TopicSignalPrefix) && t != events.TopicSignalRejected {
			signals += n
		}
	}
	realized := decimal.Zero
	trades := 0
	for _, s := range svc.PnL().Summaries() {
		realized = realized.Add(s.RealizedPnL)
		trades += s.Trades
	}

	fmt.Println()
	fmt.Println("╔══════════════════════════════════════╗")
	fmt.Println("║        BACKTEST COMPLETE             ║")
	fmt.Println("╠══════════════════════════════════════╣")
	fmt.Printf("║  Session:           %-16s ║\n", truncate(id, 16))
	fmt.Printf("║  Status:            %-16s ║\n", p.Status)
	fmt.Printf("║  Ticks processed:   %-16d ║\n", p.RowsProcessed)
	fmt.Printf("║  Strategies:        %-16d ║\n", strategies)
	fmt.Printf("║  Indicator updates: %-16d ║\n", topics[events.TopicIndicatorUpdated])
	fmt.Printf("║  Signals:           %-16d ║\n", signals)
	fmt.Printf("║  Rejected signals:  %-16d ║\n", topics[events.TopicSignalRejected])
	fmt.Printf("║  Fills:             %-16d ║\n", topics[events.TopicOrderPrefix+"filled"])
	fmt.Printf("║  Closed trades:     %-16d ║\n", trades)
	fmt.Printf("║  Realized PnL:      %-16s ║\n", realized.StringFixed(2))
	fmt.Printf("║  Budget allocated:  %-16s ║\n", svc.Ledger().Allocated().StringFixed(2))
	fmt.Println("╚══════════════════════════════════════╝")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
