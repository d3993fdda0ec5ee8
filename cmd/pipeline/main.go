// cmd/pipeline runs one paper or live session against the websocket tick
// feed and serves the control API, Prometheus metrics and /healthz.
//
// Usage:
//
//	go run ./cmd/pipeline --mode=paper --feed=ws://localhost:9001/ws
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"signal-pipelinev1/config"
	"signal-pipelinev1/internal/events"
	"signal-pipelinev1/internal/execution"
	"signal-pipelinev1/internal/logger"
	"signal-pipelinev1/internal/marketdata/feed"
	"signal-pipelinev1/internal/metrics"
	"signal-pipelinev1/internal/model"
	"signal-pipelinev1/internal/notification"
	"signal-pipelinev1/internal/service"
	"signal-pipelinev1/internal/session"
	"signal-pipelinev1/internal/strategy"
	"signal-pipelinev1/internal/stream"
	redisstore "signal-pipelinev1/internal/store/redis"
	sqlitestore "signal-pipelinev1/internal/store/sqlite"
	"signal-pipelinev1/internal/variant"
	"signal-pipelinev1/pkg/errors"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)

	cmd := &cli.Command{
		Name:  "pipeline",
		Usage: "Run a paper or live signal session on the tick feed",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, Usage: "Path to config.yaml (env vars override)"},
			&cli.StringFlag{Name: "mode", Aliases: []string{"m"}, Usage: "Session mode: paper or live (default from config)"},
			&cli.StringFlag{Name: "feed", Usage: "Tick websocket URL (default from config)"},
			&cli.StringFlag{Name: "session", Aliases: []string{"s"}, Usage: "Session ID; a new one is generated when empty"},
			&cli.StringSliceFlag{Name: "strategy", Usage: "Strategy IDs to activate (default: every enabled strategy)"},
		},
		Action: runAction,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatalf("[pipeline] %v", err)
	}
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return err
	}
	logger.Init("pipeline", logger.ParseLevel(cfg.LogLevel))

	mode := session.Mode(cfg.Mode)
	if m := cmd.String("mode"); m != "" {
		mode = session.Mode(m)
	}
	if mode != session.ModePaper && mode != session.ModeLive {
		return errors.Newf(errors.ErrCodeConfig, "pipeline: mode must be paper or live, got %q (use cmd/backtest for replays)", mode)
	}
	if mode == session.ModeLive {
		log.Println("[pipeline] live mode: orders are filled by the built-in paper gateway")
	}
	feedURL := cfg.FeedURL
	if u := cmd.String("feed"); u != "" {
		feedURL = u
	}
	sessionID := cmd.String("session")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	// ---- Definitions ----
	reg := variant.NewRegistry()
	sf, err := config.LoadStrategyFile(cfg.StrategyFile)
	if err != nil {
		return err
	}
	if err := sf.RegisterVariants(reg); err != nil {
		return err
	}
	log.Printf("[pipeline] %d variants, %d strategies loaded from %s", len(sf.Variants), len(sf.Strategies), cfg.StrategyFile)

	// ---- Storage ----
	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
		return errors.Wrap(errors.ErrCodeConfig, "create data dir", err)
	}
	store, err := sqlitestore.Open(sqlitestore.Config{DBPath: cfg.SQLitePath})
	if err != nil {
		return errors.Wrap(errors.ErrCodeExternalFailure, "sqlite", err)
	}
	defer store.Close()
	journal, err := execution.NewJournalDB(store.DB())
	if err != nil {
		return errors.Wrap(errors.ErrCodeExternalFailure, "trade journal", err)
	}

	// ---- Metrics & health ----
	promReg := prometheus.NewRegistry()
	prom := metrics.NewMetrics(promReg)
	health := metrics.NewHealthStatus()
	store.OnCommit = func(d time.Duration) { prom.SQLiteCommitDur.Observe(d.Seconds()) }

	var redisPub *redisstore.Publisher
	if cfg.RedisAddr != "" {
		redisPub, err = redisstore.New(redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err != nil {
			log.Printf("[pipeline] WARNING: redis init failed: %v (continuing without redis)", err)
			redisPub = nil
		} else {
			defer redisPub.Close()
			redisPub.Breaker().OnStateChange = func(_, to redisstore.State) {
				prom.RedisBreakerState.Set(float64(to))
				if to == redisstore.StateOpen {
					prom.RedisBreakerTrips.Inc()
				}
			}
		}
	}

	// ---- Service ----
	gw := execution.NewPaperGateway(1024, cfg.SlippageBps, 0)
	defer gw.Close()

	svc, err := service.New(service.Config{
		GlobalBudgetCap: cfg.BudgetCap(),
		Gateway:         gw,
		Store:           store,
		Journal:         journal,
		Metrics:         prom,
		Registry:        reg,
		Strategies:      sf.Strategies,
		Shards:          cfg.Shards,
		FlattenOnStop:   true,
	})
	if err != nil {
		return err
	}

	// Sinks subscribe before anything publishes.
	metricsCh := svc.Bus().Subscribe("metrics")
	sqliteCh := svc.Bus().Subscribe("sqlite")
	alertCh := svc.Bus().Subscribe("alerts")
	streamCh := svc.Bus().Subscribe("stream")
	var redisCh <-chan events.Event
	if redisPub != nil {
		redisCh = svc.Bus().Subscribe("redis")
	}

	notifiers := []notification.Notifier{notification.NewLogNotifier()}
	if cfg.WebhookURL != "" {
		notifiers = append(notifiers, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.TelegramBotToken != "" {
		notifiers = append(notifiers, notification.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	alerter := notification.NewAlerter(notifiers...)

	src, err := feed.New(feed.Config{URL: feedURL, Symbols: cfg.Symbols()})
	if err != nil {
		return err
	}
	src.OnReconnect = func() {
		prom.FeedReconnect.Inc()
		health.SetFeedConnected(false)
	}
	src.OnDrop = func(n int) { prom.FeedDropped.Add(float64(n)) }
	health.SetFeedConnected(false)

	// ---- Servers ----
	metricsSrv := metrics.NewServer(cfg.MetricsAddr, health, promReg)
	apiRouter := mux.NewRouter()
	apiRouter.Handle("/healthz", health).Methods(http.MethodGet)
	hub := stream.NewHub(0)
	hub.OnDrop = func() { prom.BusDrops.WithLabelValues("stream_client").Inc() }
	apiRouter.Handle("/api/v1/stream", hub)
	api := service.NewAPI(svc, apiRouter)
	apiSrv := &http.Server{Addr: cfg.APIAddr, Handler: api.Handler(cfg.Origins())}

	// ---- Run ----
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runCtx, cancelRun := context.WithCancel(sigCtx)
	defer cancelRun()

	// Background work outlives the session run so stopping sessions can
	// still settle their orders.
	bgCtx, cancelBg := context.WithCancel(context.Background())
	defer cancelBg()
	g, gctx := errgroup.WithContext(bgCtx)
	go func() {
		<-gctx.Done()
		cancelRun()
	}()

	g.Go(func() error { return svc.Serve(gctx) })
	g.Go(func() error { return metricsSrv.Run(gctx) })
	g.Go(func() error { return serveHTTP(gctx, apiSrv) })
	g.Go(func() error {
		events.Consume(gctx, metricsCh, func(e events.Event) {
			prom.Observe(e)
			switch ev := e.(type) {
			case events.IndicatorUpdated:
				health.SetFeedConnected(true)
				t := model.Tick{TS: ev.Timestamp}
				health.SetLastTickTime(t.Time())
			case events.SessionChanged:
				health.SetSession(ev.SessionID, ev.To)
			}
		})
		return nil
	})
	g.Go(func() error {
		store.RunIndicators(gctx, sqliteCh)
		return nil
	})
	g.Go(func() error {
		alerter.Run(gctx, alertCh)
		return nil
	})
	g.Go(func() error {
		hub.Run(gctx, streamCh)
		return nil
	})
	if redisPub != nil {
		g.Go(func() error {
			redisPub.Run(gctx)
			return nil
		})
		g.Go(func() error {
			events.Consume(gctx, redisCh, redisPub.Publish)
			return nil
		})
		g.Go(func() error {
			t := time.NewTicker(5 * time.Second)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					prom.RedisBacklog.Set(float64(redisPub.Backlog()))
				}
			}
		})
	}
	g.Go(func() error {
		if redisPub != nil {
			health.RunLivenessChecker(gctx, redisPub, store.DB(), 10*time.Second)
		} else {
			health.RunLivenessChecker(gctx, nil, store.DB(), 10*time.Second)
		}
		return nil
	})

	id, _, err := svc.Start(runCtx, sessionID, mode)
	if err != nil {
		cancelBg()
		g.Wait()
		return err
	}
	activate(svc, id, sf.Strategies, cmd.StringSlice("strategy"), cfg.Symbols())

	slog.Info("session starting", slog.String("session_id", id), slog.String("mode", string(mode)), slog.String("feed", feedURL))
	runErr := svc.Run(runCtx, id, src)
	if done, err := svc.Done(id); err == nil {
		<-done
	}
	printSummary(svc, id)

	cancelBg()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("[pipeline] background error: %v", err)
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	log.Println("[pipeline] shutdown complete")
	return nil
}

// activate starts the requested strategies. A failing activation is logged
// and skipped; the others still run.
func activate(svc *service.Service, sessionID string, defs []strategy.Definition, only, symbols []string) {
	want := make(map[string]bool, len(only))
	for _, id := range only {
		want[id] = true
	}
	for _, def := range defs {
		if len(want) > 0 && !want[def.ID] {
			continue
		}
		if !def.Loadable() {
			log.Printf("[pipeline] strategy %s is disabled, skipping", def.ID)
			continue
		}
		if err := svc.ActivateStrategy(sessionID, def.ID, symbols); err != nil {
			log.Printf("[pipeline] strategy %s not activated: %v", def.ID, err)
			continue
		}
		log.Printf("[pipeline] strategy %s active", def.ID)
	}
}

func serveHTTP(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[api] listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return <-errCh
	}
}

func printSummary(svc *service.Service, sessionID string) {
	p, _ := svc.Progress(sessionID)
	status := svc.Ledger().Status()
	slog.Info("session summary",
		slog.String("session_id", sessionID),
		slog.String("status", string(p.Status)),
		slog.Int64("rows_processed", p.RowsProcessed),
		slog.Any("ledger", status),
	)
	for _, s := range svc.PnL().Summaries() {
		slog.Info("strategy pnl", slog.Any("summary", s))
	}
}
