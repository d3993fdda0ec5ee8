package execution

import (
	"database/sql"
	"log"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"signal-pipelinev1/internal/model"
)

// Journal persists fills to SQLite for analysis and audit.
type Journal struct {
	mu     sync.Mutex
	db     *sql.DB
	ownsDB bool
}

const journalSchema = `
CREATE TABLE IF NOT EXISTS trades (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id  TEXT NOT NULL DEFAULT '',
	order_id    TEXT NOT NULL,
	client_id   TEXT NOT NULL,
	strategy    TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	purpose     TEXT NOT NULL,
	status      TEXT NOT NULL,
	qty         REAL NOT NULL,
	price       REAL NOT NULL,
	ref_price   REAL NOT NULL,
	reason      TEXT,
	ts          REAL NOT NULL,
	created_at  DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades(strategy);
CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol);
CREATE INDEX IF NOT EXISTS idx_trades_ts ON trades(ts);
`

// NewJournal opens (or creates) a SQLite journal database.
func NewJournal(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	j, err := NewJournalDB(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	j.ownsDB = true
	log.Printf("[journal] opened trade journal at %s", dbPath)
	return j, nil
}

// NewJournalDB uses an already open database.
func NewJournalDB(db *sql.DB) (*Journal, error) {
	if _, err := db.Exec(journalSchema); err != nil {
		return nil, err
	}
	return &Journal{db: db}, nil
}

// RecordFill persists the result of intent.
func (j *Journal) RecordFill(sessionID string, intent model.OrderIntent, fill model.Fill) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.Exec(
		`INSERT INTO trades (session_id, order_id, client_id, strategy, symbol, side, purpose, status, qty, price, ref_price, reason, ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sessionID,
		fill.OrderID,
		fill.ClientID,
		intent.StrategyID,
		intent.Symbol,
		string(intent.Side),
		string(intent.Purpose),
		string(fill.Status),
		fill.Qty,
		fill.Price,
		intent.Price,
		firstNonEmpty(fill.Reason, intent.Reason),
		fill.TS,
	)
	return err
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// TradeRecord is a row of the trades table.
type TradeRecord struct {
	ID        int64   `json:"id"`
	SessionID string  `json:"session_id"`
	OrderID   string  `json:"order_id"`
	ClientID  string  `json:"client_id"`
	Strategy  string  `json:"strategy"`
	Symbol    string  `json:"symbol"`
	Side      string  `json:"side"`
	Purpose   string  `json:"purpose"`
	Status    string  `json:"status"`
	Qty       float64 `json:"qty"`
	Price     float64 `json:"price"`
	RefPrice  float64 `json:"ref_price"`
	Reason    string  `json:"reason"`
	TS        float64 `json:"ts"`
}

// GetTrades returns the last limit trades, newest first.
func (j *Journal) GetTrades(limit int) ([]TradeRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.Query(
		`SELECT id, session_id, order_id, client_id, strategy, symbol, side, purpose, status, qty, price, ref_price, COALESCE(reason, ''), ts
		 FROM trades ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(&t.ID, &t.SessionID, &t.OrderID, &t.ClientID, &t.Strategy, &t.Symbol,
			&t.Side, &t.Purpose, &t.Status, &t.Qty, &t.Price, &t.RefPrice, &t.Reason, &t.TS); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// Close closes the database if the journal opened it.
func (j *Journal) Close() error {
	if !j.ownsDB {
		return nil
	}
	return j.db.Close()
}
