// Package redis mirrors pipeline events into Redis for dashboards and
// downstream consumers.
//
// Every event is PUBLISHed on pub:<topic>:<key>. Indicator values also set
// ind:latest:<symbol>:<variant> with a TTL, signals and rejections are
// appended to the stream:signals stream, and transitions update the
// state:<strategy> hash. Writes go through a CircuitBreaker; while it is
// open commands are kept in a bounded backlog and replayed once Redis
// answers again.
package redis

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"signal-pipelinev1/internal/events"
)

const (
	defaultLatestTTL    = 30 * time.Minute
	defaultStreamMaxLen = 10000
	defaultBacklog      = 10000
	defaultBatchSize    = 100
	defaultFlushDelay   = 50 * time.Millisecond
	signalStream        = "stream:signals"
)

// Config configures the Redis publisher.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int

	Buffer          int           // event queue size; default 4096
	LatestTTL       time.Duration // TTL of ind:latest keys; default 30m
	StreamMaxLen    int64         // approximate stream:signals length; default 10000
	MaxBacklog      int           // commands held while Redis is down; default 10000
	BreakerFailures int           // consecutive failures before opening; default 5
	BreakerReset    time.Duration // open duration before a probe; default 10s
}

func (c *Config) defaults() {
	if c.Buffer <= 0 {
		c.Buffer = 4096
	}
	if c.LatestTTL <= 0 {
		c.LatestTTL = defaultLatestTTL
	}
	if c.StreamMaxLen <= 0 {
		c.StreamMaxLen = defaultStreamMaxLen
	}
	if c.MaxBacklog <= 0 {
		c.MaxBacklog = defaultBacklog
	}
	if c.BreakerFailures <= 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerReset <= 0 {
		c.BreakerReset = 10 * time.Second
	}
}

type cmdKind int

const (
	cmdPublish cmdKind = iota
	cmdSet
	cmdXAdd
	cmdHSet
)

type command struct {
	kind   cmdKind
	key    string
	field  string
	value  string
	ttl    time.Duration
	maxLen int64
}

// executor runs a batch of commands in one round trip.
type executor interface {
	exec(ctx context.Context, cmds []command) error
}

type pipelineExecutor struct {
	client *goredis.Client
}

func (p pipelineExecutor) exec(ctx context.Context, cmds []command) error {
	pipe := p.client.Pipeline()
	for _, c := range cmds {
		switch c.kind {
		case cmdPublish:
			pipe.Publish(ctx, c.key, c.value)
		case cmdSet:
			pipe.Set(ctx, c.key, c.value, c.ttl)
		case cmdXAdd:
			pipe.XAdd(ctx, &goredis.XAddArgs{
				Stream: c.key,
				MaxLen: c.maxLen,
				Approx: true,
				Values: map[string]interface{}{"data": c.value},
			})
		case cmdHSet:
			pipe.HSet(ctx, c.key, c.field, c.value)
		}
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Publisher is an events.Publisher backed by Redis.
type Publisher struct {
	cfg    Config
	client *goredis.Client
	exec   executor
	cb     *CircuitBreaker
	in     chan events.Event

	mu      sync.Mutex
	backlog []command

	written  atomic.Uint64
	dropped  atomic.Uint64
	failures atomic.Uint64
}

// New connects to Redis and pings it.
func New(cfg Config) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	p := newPublisher(pipelineExecutor{client: client}, cfg)
	p.client = client
	return p, nil
}

func newPublisher(exec executor, cfg Config) *Publisher {
	cfg.defaults()
	return &Publisher{
		cfg:  cfg,
		exec: exec,
		cb:   NewCircuitBreaker(cfg.BreakerFailures, cfg.BreakerReset),
		in:   make(chan events.Event, cfg.Buffer),
	}
}

// Breaker returns the circuit breaker guarding writes.
func (p *Publisher) Breaker() *CircuitBreaker { return p.cb }

// Ping checks the connection.
func (p *Publisher) Ping(ctx context.Context) error {
	if p.client == nil {
		return nil
	}
	return p.client.Ping(ctx).Err()
}

// Publish queues e without blocking. Events are dropped when the queue is
// full.
func (p *Publisher) Publish(e events.Event) {
	select {
	case p.in <- e:
	default:
		if p.dropped.Add(1)%1000 == 1 {
			log.Printf("[redis] queue full, dropped %d events so far", p.dropped.Load())
		}
	}
}

// Run drains the queue in batches until ctx is cancelled, then makes one
// last flush attempt.
func (p *Publisher) Run(ctx context.Context) {
	batch := make([]command, 0, defaultBatchSize*2)
	timer := time.NewTimer(defaultFlushDelay)
	defer timer.Stop()

	flush := func(ctx context.Context) {
		if len(batch) == 0 && p.Backlog() == 0 {
			return
		}
		p.write(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
		drain:
			for {
				select {
				case e := <-p.in:
					batch = append(batch, p.commands(e)...)
				default:
					break drain
				}
			}
			final, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			flush(final)
			cancel()
			return

		case e := <-p.in:
			batch = append(batch, p.commands(e)...)
			if len(batch) >= defaultBatchSize {
				flush(ctx)
				timer.Reset(defaultFlushDelay)
			}

		case <-timer.C:
			flush(ctx)
			timer.Reset(defaultFlushDelay)
		}
	}
}

// write sends the backlog followed by cmds. On failure everything is kept
// in the backlog, oldest commands dropped first once it is full.
func (p *Publisher) write(ctx context.Context, cmds []command) {
	p.mu.Lock()
	all := append(p.backlog, cmds...)
	p.backlog = nil
	p.mu.Unlock()

	err := p.cb.Execute(func() error { return p.exec.exec(ctx, all) })
	if err == nil {
		p.written.Add(uint64(len(all)))
		return
	}
	if err != ErrCircuitOpen {
		p.failures.Add(1)
		log.Printf("[redis] pipeline error (%d commands): %v", len(all), err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if over := len(all) - p.cfg.MaxBacklog; over > 0 {
		p.dropped.Add(uint64(over))
		all = all[over:]
	}
	p.backlog = append([]command(nil), all...)
}

func (p *Publisher) commands(e events.Event) []command {
	data, err := events.Marshal(e)
	if err != nil {
		log.Printf("[redis] marshal %s: %v", e.Topic(), err)
		return nil
	}
	payload := string(data)
	cmds := []command{{kind: cmdPublish, key: "pub:" + e.Topic() + ":" + e.Key(), value: payload}}

	switch ev := e.(type) {
	case events.IndicatorUpdated:
		if ev.HasValue() {
			cmds = append(cmds, command{kind: cmdSet, key: "ind:latest:" + ev.Symbol + ":" + ev.VariantID, value: payload, ttl: p.cfg.LatestTTL})
		}
	case events.Signal, events.Rejection:
		cmds = append(cmds, command{kind: cmdXAdd, key: signalStream, value: payload, maxLen: p.cfg.StreamMaxLen})
	case events.Transition:
		cmds = append(cmds, command{kind: cmdHSet, key: "state:" + ev.StrategyID, field: ev.Symbol, value: ev.To})
	}
	return cmds
}

// Backlog returns the number of commands waiting for Redis.
func (p *Publisher) Backlog() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.backlog)
}

// Stats returns the written, dropped and failed-batch counts.
func (p *Publisher) Stats() (written, dropped, failures uint64) {
	return p.written.Load(), p.dropped.Load(), p.failures.Load()
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	if p.client == nil {
		return nil
	}
	return p.client.Close()
}
