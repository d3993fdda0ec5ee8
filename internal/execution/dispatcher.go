// Package execution moves order intents from the strategy engine to an
// order gateway and routes the results back.
//
// The strategy engine never waits on the gateway: intents are queued with
// TrySubmit and results re-enter through Callbacks on dispatcher goroutines.
package execution

import (
	"context"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"signal-pipelinev1/internal/model"
	"signal-pipelinev1/pkg/errors"
)

// Callbacks receive order results. Each may be nil.
type Callbacks struct {
	OnAccepted func(intent model.OrderIntent, handle model.OrderHandle)
	OnError    func(intent model.OrderIntent, err error)
	OnFill     func(intent model.OrderIntent, fill model.Fill)
}

// DispatcherConfig sizes the dispatcher.
type DispatcherConfig struct {
	QueueSize     int           `validate:"gte=1"`
	Workers       int           `validate:"gte=1"`
	SubmitTimeout time.Duration `validate:"gte=0"`
}

// DefaultDispatcherConfig returns the sizes used by the binaries.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{QueueSize: 256, Workers: 4, SubmitTimeout: 5 * time.Second}
}

// Dispatcher submits queued intents through a gateway using a fixed pool of
// workers and forwards fills.
type Dispatcher struct {
	gw    model.Gateway
	cfg   DispatcherConfig
	cb    Callbacks
	queue chan model.OrderIntent

	mu          sync.Mutex
	outstanding map[string]model.OrderIntent // by client ID, until settled
	settled     chan struct{}                // closed and replaced when outstanding shrinks

	// OnQueueFull is called when TrySubmit finds the queue full (optional).
	OnQueueFull func(intent model.OrderIntent)
}

// NewDispatcher creates a dispatcher. Callbacks must be set before Run.
func NewDispatcher(gw model.Gateway, cfg DispatcherConfig) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultDispatcherConfig().QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultDispatcherConfig().Workers
	}
	return &Dispatcher{
		gw:          gw,
		cfg:         cfg,
		queue:       make(chan model.OrderIntent, cfg.QueueSize),
		outstanding: make(map[string]model.OrderIntent),
		settled:     make(chan struct{}),
	}
}

// SetCallbacks installs the result callbacks.
func (d *Dispatcher) SetCallbacks(cb Callbacks) { d.cb = cb }

// TrySubmit queues intent without blocking. A full queue fails with
// ErrCodeQueueFull.
func (d *Dispatcher) TrySubmit(intent model.OrderIntent) error {
	if intent.ClientID == "" {
		return errors.New(errors.ErrCodeInvalidParameter, "TrySubmit: intent without client id")
	}

	d.mu.Lock()
	d.outstanding[intent.ClientID] = intent
	d.mu.Unlock()

	select {
	case d.queue <- intent:
		return nil
	default:
		d.settle(intent.ClientID)
		if d.OnQueueFull != nil {
			d.OnQueueFull(intent)
		}
		return errors.Newf(errors.ErrCodeQueueFull, "TrySubmit: order queue full, dropping %s %s", intent.Purpose, intent.ClientID)
	}
}

// Run starts the workers and the fill router. It blocks until ctx is
// cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < d.cfg.Workers; i++ {
		g.Go(func() error {
			d.work(ctx)
			return nil
		})
	}
	g.Go(func() error {
		d.routeFills(ctx)
		return nil
	})
	return g.Wait()
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case intent := <-d.queue:
			d.submit(ctx, intent)
		}
	}
}

func (d *Dispatcher) submit(ctx context.Context, intent model.OrderIntent) {
	sctx := ctx
	if d.cfg.SubmitTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, d.cfg.SubmitTimeout)
		defer cancel()
	}

	handle, err := d.gw.Submit(sctx, intent)
	if err != nil {
		d.settle(intent.ClientID)
		wrapped := errors.Wrapf(errors.ErrCodeExternalFailure, err, "submit %s %s %s", intent.Purpose, intent.Symbol, intent.ClientID)
		log.Printf("[dispatcher] %v", wrapped)
		if d.cb.OnError != nil {
			d.cb.OnError(intent, wrapped)
		}
		return
	}
	if d.cb.OnAccepted != nil {
		d.cb.OnAccepted(intent, handle)
	}
}

func (d *Dispatcher) routeFills(ctx context.Context) {
	fills := d.gw.Fills()
	for {
		select {
		case <-ctx.Done():
			return
		case f, ok := <-fills:
			if !ok {
				return
			}
			d.mu.Lock()
			intent, known := d.outstanding[f.ClientID]
			d.mu.Unlock()
			if !known {
				log.Printf("[dispatcher] fill for unknown order %s (%s)", f.ClientID, f.OrderID)
				continue
			}
			if d.cb.OnFill != nil {
				d.cb.OnFill(intent, f)
			}
			d.settle(f.ClientID)
		}
	}
}

func (d *Dispatcher) settle(clientID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.outstanding[clientID]; !ok {
		return
	}
	delete(d.outstanding, clientID)
	close(d.settled)
	d.settled = make(chan struct{})
}

// Outstanding returns the number of orders not yet filled or failed.
func (d *Dispatcher) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.outstanding)
}

// Drain blocks until every outstanding order has settled or ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	for {
		d.mu.Lock()
		n, settled := len(d.outstanding), d.settled
		d.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrapf(errors.ErrCodeExternalFailure, ctx.Err(), "Drain: %d orders still outstanding", n)
		case <-settled:
		}
	}
}

// Pending returns the intents that have not settled, for cleanup after a
// failed drain.
func (d *Dispatcher) Pending() []model.OrderIntent {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]model.OrderIntent, 0, len(d.outstanding))
	for _, in := range d.outstanding {
		out = append(out, in)
	}
	return out
}
