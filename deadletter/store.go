// Package deadletter persists heartbeats the emitter gave up on.
//
// Batches are stored in SQLite together with the structured error that
// caused them to be parked, so they can be inspected and requeued once the
// cause (a rejected payload, a full buffer) has been dealt with.
package deadletter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	aerrors "github.com/vinayprograms/activitykit/errors"
	"github.com/vinayprograms/activitykit/heartbeat"
	"github.com/vinayprograms/activitykit/logging"
)

// ErrNotFound is returned when no entry has the requested id.
var ErrNotFound = errors.New("dead letter not found")

// MemoryPath opens a private in-memory store.
const MemoryPath = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id         TEXT PRIMARY KEY,
	code       TEXT NOT NULL,
	reason     TEXT NOT NULL,
	heartbeats TEXT NOT NULL,
	count      INTEGER NOT NULL,
	parked_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dead_letters_parked_at ON dead_letters(parked_at);
`

// Entry is one parked batch.
type Entry struct {
	ID         string
	Code       aerrors.ErrorCode
	Reason     *aerrors.Error
	Heartbeats []heartbeat.Heartbeat
	ParkedAt   time.Time
}

// Store is a SQLite-backed dead-letter store. It implements
// heartbeat.DeadLetter.
type Store struct {
	db     *sql.DB
	path   string
	clock  quartz.Clock
	logger *logging.Logger
}

// Option configures a Store.
type Option func(*Store)

func WithClock(c quartz.Clock) Option {
	return func(s *Store) { s.clock = c }
}

func WithLogger(l *logging.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens (creating if needed) the store at path. Use MemoryPath for a
// throwaway store.
func Open(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("dead letter path is required")
	}
	dsn := path
	if path != MemoryPath {
		dsn = fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}
	// One connection: an in-memory database is per connection, and SQLite
	// serialises writers anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("cannot create schema: %w", err)
	}

	s := &Store{
		db:     db,
		path:   path,
		clock:  quartz.NewReal(),
		logger: logging.New().WithComponent("deadletter"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Park stores a batch with the reason it was given up on.
func (s *Store) Park(ctx context.Context, reason error, batch []heartbeat.Heartbeat) error {
	if len(batch) == 0 {
		return nil
	}
	structured := asStructured(reason)
	reasonJSON, err := json.Marshal(structured)
	if err != nil {
		return fmt.Errorf("encode reason: %w", err)
	}
	batchJSON, err := heartbeat.MarshalBatch(batch)
	if err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}

	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dead_letters (id, code, reason, heartbeats, count, parked_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, string(structured.Code()), string(reasonJSON), string(batchJSON), len(batch),
		s.clock.Now("deadletter", "park").UnixNano())
	if err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}

	s.logger.Warn("batch_parked", map[string]interface{}{
		"id":    id,
		"count": len(batch),
		"code":  string(structured.Code()),
	})
	return nil
}

// asStructured makes sure the stored reason carries a code.
func asStructured(err error) *aerrors.Error {
	if err == nil {
		return aerrors.New(aerrors.ErrCodeInternal, "no reason given")
	}
	var actErr *aerrors.Error
	if errors.As(err, &actErr) {
		return actErr
	}
	return aerrors.Wrap(err, "delivery failed")
}

// List returns up to limit entries, oldest first. A non-positive limit
// returns all.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	query := `SELECT id, code, reason, heartbeats, parked_at FROM dead_letters ORDER BY parked_at, rowid`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e                 Entry
		code, reason, hbs string
		parkedAt          int64
	)
	if err := row.Scan(&e.ID, &code, &reason, &hbs, &parkedAt); err != nil {
		return Entry{}, err
	}
	e.Code = aerrors.ErrorCode(code)
	e.ParkedAt = time.Unix(0, parkedAt)

	e.Reason = &aerrors.Error{}
	if err := json.Unmarshal([]byte(reason), e.Reason); err != nil {
		return Entry{}, fmt.Errorf("decode reason for %s: %w", e.ID, err)
	}
	batch, err := heartbeat.UnmarshalBatch([]byte(hbs))
	if err != nil {
		return Entry{}, fmt.Errorf("decode batch %s: %w", e.ID, err)
	}
	e.Heartbeats = batch
	return e, nil
}

// Count returns the number of parked batches and heartbeats.
func (s *Store) Count(ctx context.Context) (batches, heartbeats int, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(count), 0) FROM dead_letters`)
	if err := row.Scan(&batches, &heartbeats); err != nil {
		return 0, 0, fmt.Errorf("count dead letters: %w", err)
	}
	return batches, heartbeats, nil
}

// Requeue removes an entry and returns its heartbeats for re-recording.
func (s *Store) Requeue(ctx context.Context, id string) ([]heartbeat.Heartbeat, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, code, reason, heartbeats, parked_at FROM dead_letters WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete dead letter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return e.Heartbeats, nil
}

// RequeueAll removes every entry and returns all heartbeats, oldest batch
// first.
func (s *Store) RequeueAll(ctx context.Context) ([]heartbeat.Heartbeat, error) {
	entries, err := s.List(ctx, 0)
	if err != nil {
		return nil, err
	}
	var out []heartbeat.Heartbeat
	for _, e := range entries {
		hbs, err := s.Requeue(ctx, e.ID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, hbs...)
	}
	return out, nil
}

// Purge deletes entries parked before the cutoff and returns how many.
func (s *Store) Purge(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := s.clock.Now("deadletter", "purge").Add(-olderThan).UnixNano()
	res, err := s.db.ExecContext(ctx, `DELETE FROM dead_letters WHERE parked_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge dead letters: %w", err)
	}
	return res.RowsAffected()
}

// Ensure Store implements heartbeat.DeadLetter.
var _ heartbeat.DeadLetter = (*Store)(nil)
