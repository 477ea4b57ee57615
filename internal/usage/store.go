// Package usage keeps an append-only ledger of exchanges: which thread
// and channel, which model, how many tokens and tool calls, and how
// long it took. It answers "how much have I been using this" from the
// command line.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Record is one finished exchange.
type Record struct {
	ID           string
	Timestamp    time.Time
	ThreadID     string
	Channel      string // signal, email, cli
	Model        string
	InputTokens  int
	OutputTokens int
	ToolCalls    int
	State        string // done or failed
	Latency      time.Duration
}

// Summary aggregates records.
type Summary struct {
	Exchanges    int
	Failed       int
	InputTokens  int64
	OutputTokens int64
	ToolCalls    int64
}

// timeFormat has fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

// Store is the SQLite ledger. It may share a database file with the
// thread store.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the ledger at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS exchanges (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		thread_id     TEXT NOT NULL,
		channel       TEXT NOT NULL,
		model         TEXT NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		tool_calls    INTEGER NOT NULL,
		state         TEXT NOT NULL,
		latency_ms    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_exchanges_timestamp ON exchanges(timestamp);
	`)
	return err
}

// Record appends rec. An empty ID gets a UUIDv7 and a zero Timestamp
// becomes now.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate record id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO exchanges
			(id, timestamp, thread_id, channel, model, input_tokens, output_tokens, tool_calls, state, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(timeFormat),
		rec.ThreadID,
		rec.Channel,
		rec.Model,
		rec.InputTokens,
		rec.OutputTokens,
		rec.ToolCalls,
		rec.State,
		rec.Latency.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

const summaryColumns = `COUNT(*),
	COALESCE(SUM(CASE WHEN state = 'failed' THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(input_tokens), 0),
	COALESCE(SUM(output_tokens), 0),
	COALESCE(SUM(tool_calls), 0)`

// Summary totals records in [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+summaryColumns+` FROM exchanges WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(timeFormat),
		end.UTC().Format(timeFormat),
	)

	var sum Summary
	if err := row.Scan(&sum.Exchanges, &sum.Failed, &sum.InputTokens, &sum.OutputTokens, &sum.ToolCalls); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByChannel totals records in [start, end) per channel.
func (s *Store) SummaryByChannel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel, `+summaryColumns+`
		 FROM exchanges
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY channel`,
		start.UTC().Format(timeFormat),
		end.UTC().Format(timeFormat),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage by channel: %w", err)
	}
	defer rows.Close()

	out := make(map[string]*Summary)
	for rows.Next() {
		var ch string
		var sum Summary
		if err := rows.Scan(&ch, &sum.Exchanges, &sum.Failed, &sum.InputTokens, &sum.OutputTokens, &sum.ToolCalls); err != nil {
			return nil, fmt.Errorf("scan usage by channel: %w", err)
		}
		out[ch] = &sum
	}
	return out, rows.Err()
}
