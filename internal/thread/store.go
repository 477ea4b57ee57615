// Package thread persists conversation threads and the map from
// transport message ids to the thread each message belongs to.
package thread

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// HistoryLimit is the number of most recent turns returned by Load.
const HistoryLimit = 50

// Turn is one recorded utterance in a thread.
type Turn struct {
	Role      string
	Content   Content
	CreatedAt time.Time
}

// Store is a SQLite-backed thread store. Turns are append-only. The
// correlation table maps transport ids (Signal timestamps) to thread
// ids and is never evicted. All methods are safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore opens (or creates) the thread database at dbPath.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS turns (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		thread_id  TEXT NOT NULL,
		role       TEXT NOT NULL,
		content    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_thread ON turns(thread_id, id);

	CREATE TABLE IF NOT EXISTS correlations (
		transport_id INTEGER PRIMARY KEY,
		thread_id    TEXT NOT NULL,
		created_at   TIMESTAMP NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Load returns up to [HistoryLimit] most recent turns of a thread in
// arrival order. An unknown thread yields an empty slice.
func (s *Store) Load(ctx context.Context, threadID string) ([]Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, created_at FROM (
			SELECT id, role, content, created_at FROM turns
			WHERE thread_id = ?
			ORDER BY id DESC
			LIMIT ?
		) ORDER BY id ASC`,
		threadID, HistoryLimit,
	)
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var (
			t   Turn
			raw string
		)
		if err := rows.Scan(&t.Role, &raw, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		if err := json.Unmarshal([]byte(raw), &t.Content); err != nil {
			s.logger.Warn("skipping unreadable turn",
				"thread", threadID, "error", err)
			continue
		}
		turns = append(turns, t)
	}
	return turns, rows.Err()
}

// Append adds one turn to the end of a thread.
func (s *Store) Append(ctx context.Context, threadID, role string, content Content) error {
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("encode turn: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO turns (thread_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		threadID, role, string(raw), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("append to thread %s: %w", threadID, err)
	}
	return nil
}

// Register records that transport id belongs to threadID, replacing
// any earlier mapping for the same id.
func (s *Store) Register(ctx context.Context, id int64, threadID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO correlations (transport_id, thread_id, created_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (transport_id) DO UPDATE
		 SET thread_id = excluded.thread_id, created_at = excluded.created_at`,
		id, threadID, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("register %d -> %s: %w", id, threadID, err)
	}
	return nil
}

// Lookup returns the thread a transport id was registered to. ok is
// false when the id is unknown.
func (s *Store) Lookup(ctx context.Context, id int64) (threadID string, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`SELECT thread_id FROM correlations WHERE transport_id = ?`, id,
	).Scan(&threadID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup %d: %w", id, err)
	}
	return threadID, true, nil
}

// Resolve picks the thread for an inbound message. A quoted id that is
// registered continues that thread. Anything else, including a lookup
// failure, starts a new one.
func (s *Store) Resolve(ctx context.Context, quoteRef *int64) string {
	if quoteRef != nil {
		threadID, ok, err := s.Lookup(ctx, *quoteRef)
		if err != nil {
			s.logger.Warn("quote lookup failed, starting new thread",
				"quote", *quoteRef, "error", err)
		}
		if ok {
			return threadID
		}
	}
	return NewID()
}

// NewID mints a fresh 12-character hex thread id.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
