// Package session implements the session lifecycle controller.
//
// A session moves IDLE → STARTING → RUNNING ↔ PAUSED → STOPPING → STOPPED.
// Every status change is a check-and-set under the controller mutex, so two
// concurrent starts of the same session produce exactly one STARTING.
package session

import (
	"time"

	"signal-pipelinev1/internal/model"
)

// Status is the lifecycle state of a session.
type Status string

const (
	Idle     Status = "IDLE"
	Starting Status = "STARTING"
	Running  Status = "RUNNING"
	Paused   Status = "PAUSED"
	Stopping Status = "STOPPING"
	Stopped  Status = "STOPPED"
)

// Mode is how a session receives ticks.
type Mode string

const (
	ModeBacktest Mode = "backtest"
	ModePaper    Mode = "paper"
	ModeLive     Mode = "live"
)

// ParseMode accepts the three run modes.
func ParseMode(s string) (Mode, bool) {
	switch Mode(s) {
	case ModeBacktest, ModePaper, ModeLive:
		return Mode(s), true
	}
	return "", false
}

var edges = map[Status][]Status{
	Idle:     {Starting},
	Starting: {Running, Stopping},
	Running:  {Paused, Stopping},
	Paused:   {Running, Stopping},
	Stopping: {Stopped},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no edge leaves s.
func (s Status) Terminal() bool { return s == Stopped }

// Session is the controller's view of one session.
type Session struct {
	ID            string    `json:"id"`
	Mode          Mode      `json:"mode"`
	Status        Status    `json:"status"`
	RowsProcessed int64     `json:"rows_processed"`
	RowsTotal     int64     `json:"rows_total"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Progress is the result of get_progress.
type Progress struct {
	ID            string  `json:"session_id"`
	Status        Status  `json:"status"`
	RowsProcessed int64   `json:"rows_processed"`
	RowsTotal     int64   `json:"rows_total"`
	Percent       float64 `json:"percent"`
}

func (s *Session) progress() Progress {
	p := Progress{ID: s.ID, Status: s.Status, RowsProcessed: s.RowsProcessed, RowsTotal: s.RowsTotal}
	if s.RowsTotal > 0 {
		p.Percent = float64(s.RowsProcessed) / float64(s.RowsTotal) * 100
		if p.Percent > 100 {
			p.Percent = 100
		}
	}
	return p
}

func (s *Session) record() model.SessionRecord {
	return model.SessionRecord{
		ID:            s.ID,
		Mode:          string(s.Mode),
		Status:        string(s.Status),
		RowsProcessed: s.RowsProcessed,
		RowsTotal:     s.RowsTotal,
		UpdatedAt:     s.UpdatedAt,
	}
}
