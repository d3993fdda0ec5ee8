// Package notification turns pipeline events that need a human into alerts
// and delivers them to log and webhook backends.
package notification

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"signal-pipelinev1/internal/events"
	"signal-pipelinev1/pkg/errors"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Alert represents a notification to be sent.
type Alert struct {
	Level   AlertLevel `json:"level"`
	Title   string     `json:"title"`
	Message string     `json:"message"`
	Key     string     `json:"key"` // dedup key
	At      time.Time  `json:"ts"`
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier logs alerts.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// Alerter subscribes to the event bus and raises alerts for emergency
// exits, external failures and stopped sessions. Repeats of the same key
// within Quiet are suppressed.
type Alerter struct {
	notifiers []Notifier
	Quiet     time.Duration

	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// NewAlerter creates an alerter delivering to every notifier.
func NewAlerter(notifiers ...Notifier) *Alerter {
	return &Alerter{
		notifiers: notifiers,
		Quiet:     time.Minute,
		lastSent:  make(map[string]time.Time),
		now:       time.Now,
	}
}

// Classify maps an event to an alert, or ok=false when it needs none.
func Classify(e events.Event) (Alert, bool) {
	switch ev := e.(type) {
	case events.Transition:
		if ev.To != "EMERGENCY_EXIT" {
			return Alert{}, false
		}
		return Alert{
			Level:   AlertCritical,
			Title:   "Emergency exit",
			Message: fmt.Sprintf("%s on %s left %s: %s", ev.StrategyID, ev.Symbol, ev.From, ev.Reason),
			Key:     "emergency:" + ev.StrategyID + ":" + ev.Symbol,
		}, true
	case events.Rejection:
		if ev.Code < errors.ErrCodeExternalFailure {
			return Alert{}, false
		}
		return Alert{
			Level:   AlertWarning,
			Title:   "External failure in " + ev.Source,
			Message: ev.Message,
			Key:     "external:" + ev.Source + ":" + ev.StrategyID + ":" + ev.Symbol,
		}, true
	case events.SessionChanged:
		if ev.To != "STOPPED" {
			return Alert{}, false
		}
		return Alert{
			Level:   AlertInfo,
			Title:   "Session stopped",
			Message: fmt.Sprintf("%s session %s stopped", strings.ToLower(ev.Mode), ev.SessionID),
			Key:     "session:" + ev.SessionID,
		}, true
	}
	return Alert{}, false
}

// Handle delivers the alert for e, if any. Backend errors are logged.
func (a *Alerter) Handle(ctx context.Context, e events.Event) {
	alert, ok := Classify(e)
	if !ok {
		return
	}
	now := a.now()
	a.mu.Lock()
	if last, seen := a.lastSent[alert.Key]; seen && now.Sub(last) < a.Quiet {
		a.mu.Unlock()
		return
	}
	a.lastSent[alert.Key] = now
	a.mu.Unlock()

	alert.At = now.UTC()
	for _, n := range a.notifiers {
		if err := n.Send(ctx, alert); err != nil {
			log.Printf("[notify] delivery failed for %q: %v", alert.Title, err)
		}
	}
}

// Run consumes ch until ctx is cancelled or ch is closed.
func (a *Alerter) Run(ctx context.Context, ch <-chan events.Event) {
	events.Consume(ctx, ch, func(e events.Event) { a.Handle(ctx, e) })
}
