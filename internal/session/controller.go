package session

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"signal-pipelinev1/internal/model"
	"signal-pipelinev1/pkg/errors"
)

type entry struct {
	s       Session
	changed chan struct{} // closed and replaced on every change
}

// Controller owns every session's status and progress. Persistence is
// queued under the lock and written by RunPersist outside it.
type Controller struct {
	mu       sync.Mutex
	sessions map[string]*entry

	store   model.SessionStore
	pending map[string]model.SessionRecord // latest unsaved record per session
	ensured map[string]bool
	wake    chan struct{}

	now func() time.Time

	// OnChange is called after every status change, outside the lock (optional).
	OnChange func(s Session, from Status)
	// OnPersistError is called when the store rejects a write (optional).
	OnPersistError func(id string, err error)
}

// NewController creates a controller. store may be nil.
func NewController(store model.SessionStore) *Controller {
	return &Controller{
		sessions: make(map[string]*entry),
		store:    store,
		pending:  make(map[string]model.SessionRecord),
		ensured:  make(map[string]bool),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
	}
}

// notifyLocked marks e changed and queues it for persistence.
func (c *Controller) notifyLocked(e *entry) {
	e.s.UpdatedAt = c.now()
	close(e.changed)
	e.changed = make(chan struct{})
	if c.store != nil {
		c.pending[e.s.ID] = e.s.record()
		select {
		case c.wake <- struct{}{}:
		default:
		}
	}
}

func (c *Controller) changed(s Session, from Status) {
	if c.OnChange != nil && s.Status != from {
		c.OnChange(s, from)
	}
}

// transitionLocked applies from → target if legal.
func (c *Controller) transitionLocked(e *entry, target Status) bool {
	if !CanTransition(e.s.Status, target) {
		return false
	}
	e.s.Status = target
	c.notifyLocked(e)
	return true
}

// Start creates the session if absent and moves it to STARTING. An empty id
// gets a generated one. started is false when the session was already
// starting, running or paused; that call is a no-op returning the same id.
func (c *Controller) Start(id string, mode Mode) (string, bool, error) {
	if id == "" {
		id = uuid.NewString()
	}

	c.mu.Lock()
	e, ok := c.sessions[id]
	if !ok {
		now := c.now()
		e = &entry{
			s:       Session{ID: id, Mode: mode, Status: Idle, CreatedAt: now, UpdatedAt: now},
			changed: make(chan struct{}),
		}
		c.sessions[id] = e
	}

	switch e.s.Status {
	case Starting, Running, Paused:
		c.mu.Unlock()
		return id, false, nil
	case Stopping, Stopped:
		status := e.s.Status
		c.mu.Unlock()
		return id, false, errors.Newf(errors.ErrCodeConcurrencyViolation, "Start: session %s is %s", id, status)
	}

	if mode != "" {
		e.s.Mode = mode
	}
	from := e.s.Status
	c.transitionLocked(e, Starting)
	snap := e.s
	c.mu.Unlock()

	c.changed(snap, from)
	log.Printf("[session] %s starting (mode=%s)", id, snap.Mode)
	return id, true, nil
}

// TryTransition moves the session to target if the edge is legal. It
// returns false for unknown sessions and illegal edges.
func (c *Controller) TryTransition(id string, target Status) bool {
	c.mu.Lock()
	e, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		return false
	}
	from := e.s.Status
	moved := c.transitionLocked(e, target)
	snap := e.s
	c.mu.Unlock()

	if moved {
		c.changed(snap, from)
	}
	return moved
}

func (c *Controller) move(op, id string, target Status, idempotent ...Status) error {
	c.mu.Lock()
	e, ok := c.sessions[id]
	if !ok {
		c.mu.Unlock()
		return errors.Newf(errors.ErrCodeNotFound, "%s: session %s not found", op, id)
	}
	from := e.s.Status
	for _, s := range idempotent {
		if from == s {
			c.mu.Unlock()
			return nil
		}
	}
	if !c.transitionLocked(e, target) {
		c.mu.Unlock()
		return errors.Newf(errors.ErrCodeConcurrencyViolation, "%s: session %s cannot go %s -> %s", op, id, from, target)
	}
	snap := e.s
	c.mu.Unlock()

	c.changed(snap, from)
	return nil
}

// MarkRunning completes a start.
func (c *Controller) MarkRunning(id string) error {
	return c.move("MarkRunning", id, Running, Running)
}

// Pause suspends a running session.
func (c *Controller) Pause(id string) error {
	return c.move("Pause", id, Paused, Paused)
}

// Resume continues a paused session.
func (c *Controller) Resume(id string) error {
	return c.move("Resume", id, Running, Running)
}

// Stop requests shutdown. Stopping an already stopping or stopped session
// is a no-op.
func (c *Controller) Stop(id string) error {
	return c.move("Stop", id, Stopping, Stopping, Stopped)
}

// MarkStopped completes a stop.
func (c *Controller) MarkStopped(id string) error {
	return c.move("MarkStopped", id, Stopped, Stopped)
}

// AddProgress adds delta processed rows. A positive total replaces the
// known total.
func (c *Controller) AddProgress(id string, delta, total int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.sessions[id]
	if !ok {
		return
	}
	e.s.RowsProcessed += delta
	if total > 0 {
		e.s.RowsTotal = total
	}
	c.notifyLocked(e)
}

// Progress returns the progress of id.
func (c *Controller) Progress(id string) (Progress, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.sessions[id]
	if !ok {
		return Progress{}, errors.Newf(errors.ErrCodeNotFound, "Progress: session %s not found", id)
	}
	return e.s.progress(), nil
}

// Get returns a copy of the session.
func (c *Controller) Get(id string) (Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.sessions[id]
	if !ok {
		return Session{}, false
	}
	return e.s, true
}

// List returns every session sorted by creation time.
func (c *Controller) List() []Session {
	c.mu.Lock()
	out := make([]Session, 0, len(c.sessions))
	for _, e := range c.sessions {
		out = append(out, e.s)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Wait blocks while the session is PAUSED and returns its status once it
// is not, or ctx's error.
func (c *Controller) Wait(ctx context.Context, id string) (Status, error) {
	for {
		c.mu.Lock()
		e, ok := c.sessions[id]
		if !ok {
			c.mu.Unlock()
			return "", errors.Newf(errors.ErrCodeNotFound, "Wait: session %s not found", id)
		}
		status, changed := e.s.Status, e.changed
		c.mu.Unlock()

		if status != Paused {
			return status, nil
		}
		select {
		case <-ctx.Done():
			return status, ctx.Err()
		case <-changed:
		}
	}
}

// Restore loads a persisted session into the controller if it is not
// already known. Sessions that were left mid-run are restored as STOPPED.
func (c *Controller) Restore(ctx context.Context, id string) (Session, bool, error) {
	if s, ok := c.Get(id); ok {
		return s, true, nil
	}
	if c.store == nil {
		return Session{}, false, nil
	}
	rec, ok, err := c.store.LoadSession(ctx, id)
	if err != nil {
		return Session{}, false, errors.Wrapf(errors.ErrCodeExternalFailure, err, "Restore: load session %s", id)
	}
	if !ok {
		return Session{}, false, nil
	}

	status := Status(rec.Status)
	if status != Idle {
		status = Stopped
	}
	s := Session{
		ID: rec.ID, Mode: Mode(rec.Mode), Status: status,
		RowsProcessed: rec.RowsProcessed, RowsTotal: rec.RowsTotal,
		CreatedAt: rec.UpdatedAt, UpdatedAt: rec.UpdatedAt,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.sessions[id]; ok {
		return e.s, true, nil
	}
	c.sessions[id] = &entry{s: s, changed: make(chan struct{})}
	c.ensured[id] = true
	return s, true, nil
}

// RunPersist writes queued session records to the store until ctx is
// cancelled, then flushes what is left.
func (c *Controller) RunPersist(ctx context.Context) {
	if c.store == nil {
		<-ctx.Done()
		return
	}
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			c.Flush(flushCtx)
			cancel()
			return
		case <-c.wake:
			c.Flush(ctx)
		}
	}
}

// Flush writes every queued record now.
func (c *Controller) Flush(ctx context.Context) {
	if c.store == nil {
		return
	}
	c.mu.Lock()
	batch := c.pending
	c.pending = make(map[string]model.SessionRecord, len(batch))
	c.mu.Unlock()

	ids := make([]string, 0, len(batch))
	for id := range batch {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		rec := batch[id]
		if err := c.save(ctx, rec); err != nil {
			log.Printf("[session] persist %s failed: %v", id, err)
			if c.OnPersistError != nil {
				c.OnPersistError(id, err)
			}
			c.requeue(rec)
		}
	}
}

func (c *Controller) save(ctx context.Context, rec model.SessionRecord) error {
	c.mu.Lock()
	ensured := c.ensured[rec.ID]
	c.mu.Unlock()

	if !ensured {
		if err := c.store.EnsureSession(ctx, rec); err != nil {
			return err
		}
		c.mu.Lock()
		c.ensured[rec.ID] = true
		c.mu.Unlock()
	}
	return c.store.SaveSession(ctx, rec)
}

// requeue puts rec back unless a newer record was queued meanwhile.
func (c *Controller) requeue(rec model.SessionRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, newer := c.pending[rec.ID]; !newer {
		c.pending[rec.ID] = rec
	}
}
