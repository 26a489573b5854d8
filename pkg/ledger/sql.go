package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// SQLStream implements Stream using database/sql.
// It supports both SQLite (modernc.org/sqlite, driver "sqlite") and Postgres
// (github.com/lib/pq, driver "postgres"); both accept $N placeholders.
//
// Appends are serialized in-process and guarded by the (tier, sequence)
// primary key, so a second writer on the same database cannot fork the chain.
type SQLStream struct {
	db    *sql.DB
	tier  Tier
	mu    sync.Mutex
	clock func() time.Time
}

// NewSQLStream creates a stream for one tier over a shared database handle.
func NewSQLStream(db *sql.DB, t Tier) *SQLStream {
	return &SQLStream{db: db, tier: t, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (s *SQLStream) WithClock(clock func() time.Time) *SQLStream {
	s.clock = clock
	return s
}

var sqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS ledger_entries (
	tier TEXT NOT NULL,
	sequence BIGINT NOT NULL,
	id TEXT NOT NULL UNIQUE,
	event_type TEXT NOT NULL,
	submission_id TEXT NOT NULL,
	decision TEXT NOT NULL,
	reason TEXT NOT NULL,
	ts TEXT NOT NULL,
	session_id TEXT NOT NULL,
	work_order_id TEXT NOT NULL,
	metadata TEXT NOT NULL,
	prev_hash TEXT NOT NULL,
	entry_hash TEXT NOT NULL,
	PRIMARY KEY (tier, sequence)
)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_session ON ledger_entries (tier, session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_ledger_entries_work_order ON ledger_entries (tier, work_order_id)`,
}

// InitSchema creates the ledger table. Safe to call repeatedly.
func InitSchema(ctx context.Context, db *sql.DB) error {
	for _, stmt := range sqlSchema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ledger: init schema: %w", err)
		}
	}
	return nil
}

// NewSQL builds a Ledger with one SQLStream per tier, initializing the schema.
func NewSQL(ctx context.Context, db *sql.DB) (*Ledger, error) {
	if err := InitSchema(ctx, db); err != nil {
		return nil, err
	}
	return New(NewSQLStream(db, TierSupervisory), NewSQLStream(db, TierExecution), NewSQLStream(db, TierExchange))
}

func (s *SQLStream) Tier() Tier { return s.tier }

func (s *SQLStream) Append(ctx context.Context, e Entry) (Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: begin append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var lastSeq uint64
	lastHash := genesisHash
	err = tx.QueryRowContext(ctx,
		`SELECT sequence, entry_hash FROM ledger_entries WHERE tier = $1 ORDER BY sequence DESC LIMIT 1`,
		string(s.tier)).Scan(&lastSeq, &lastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("ledger: read head: %w", err)
	}

	sealed, err := seal(s.tier, e, lastSeq+1, lastHash, s.clock())
	if err != nil {
		return Entry{}, err
	}
	meta, err := json.Marshal(sealed.Metadata)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: marshal metadata: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger_entries (tier, sequence, id, event_type, submission_id, decision, reason, ts, session_id, work_order_id, metadata, prev_hash, entry_hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		string(s.tier), sealed.Sequence, sealed.ID, string(sealed.EventType), sealed.SubmissionID,
		string(sealed.Decision), sealed.Reason, formatTime(sealed.Timestamp),
		sealed.String(MetaSessionID), sealed.String(MetaWorkOrderID), string(meta),
		sealed.PrevHash, sealed.EntryHash,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: insert entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Entry{}, fmt.Errorf("ledger: commit append: %w", err)
	}
	return sealed, nil
}

const selectColumns = `SELECT sequence, id, event_type, submission_id, decision, reason, ts, metadata, prev_hash, entry_hash FROM ledger_entries`

func (s *SQLStream) Get(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE tier = $1 AND id = $2`, string(s.tier), id)
	e, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, ErrEntryNotFound
	}
	return e, err
}

func (s *SQLStream) Entries(ctx context.Context, f Filter) ([]Entry, error) {
	where := []string{"tier = $1"}
	args := []any{string(s.tier)}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.SessionID != "" {
		add("session_id = $%d", f.SessionID)
	}
	if f.WorkOrderID != "" {
		add("work_order_id = $%d", f.WorkOrderID)
	}
	if f.SubmissionID != "" {
		add("submission_id = $%d", f.SubmissionID)
	}
	if f.EventType != "" {
		add("event_type = $%d", string(f.EventType))
	}
	if f.FromSeq > 0 {
		add("sequence >= $%d", f.FromSeq)
	}
	if f.ToSeq > 0 {
		add("sequence <= $%d", f.ToSeq)
	}
	query := selectColumns + " WHERE " + strings.Join(where, " AND ") + " ORDER BY sequence ASC"
	if f.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: query entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]Entry, 0)
	for rows.Next() {
		e, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLStream) Head(ctx context.Context) (uint64, string, error) {
	var seq uint64
	hash := genesisHash
	err := s.db.QueryRowContext(ctx,
		`SELECT sequence, entry_hash FROM ledger_entries WHERE tier = $1 ORDER BY sequence DESC LIMIT 1`,
		string(s.tier)).Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, genesisHash, nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("ledger: read head: %w", err)
	}
	return seq, hash, nil
}

func (s *SQLStream) Verify(ctx context.Context) error {
	entries, err := s.Entries(ctx, Filter{})
	if err != nil {
		return err
	}
	return verifyEntries(entries)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStream) scan(row rowScanner) (Entry, error) {
	var (
		e                   Entry
		eventType, decision string
		ts, meta            string
	)
	if err := row.Scan(&e.Sequence, &e.ID, &eventType, &e.SubmissionID, &decision, &e.Reason, &ts, &meta, &e.PrevHash, &e.EntryHash); err != nil {
		return Entry{}, err
	}
	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return Entry{}, fmt.Errorf("ledger: corrupt timestamp on entry %s: %w", e.ID, err)
	}
	if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
		return Entry{}, fmt.Errorf("ledger: corrupt metadata on entry %s: %w", e.ID, err)
	}
	e.Tier = s.tier
	e.EventType = EventType(eventType)
	e.Decision = Decision(decision)
	e.Timestamp = parsed
	return e, nil
}
