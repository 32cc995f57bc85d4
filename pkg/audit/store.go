package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lockclaw/lockclaw/pkg/storage"
)

// Store owns the audit_entries table. The timestamp is persisted both as
// the exact RFC3339Nano string hashed into the chain and as nanoseconds
// for range queries.
type Store struct {
	db *storage.DB
}

// Row pairs a loaded entry with the canonical metadata bytes it was
// hashed with.
type Row struct {
	Entry    Entry
	MetaJSON string
}

func NewStore(db *storage.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.ensureSchema(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS audit_entries (
			seq INTEGER PRIMARY KEY,
			ts TEXT NOT NULL,
			ts_ns INTEGER NOT NULL,
			level TEXT NOT NULL,
			event TEXT NOT NULL,
			message TEXT NOT NULL,
			user_id TEXT,
			task_id TEXT,
			correlation_id TEXT,
			metadata TEXT NOT NULL,
			prev_hash TEXT NOT NULL,
			hash TEXT NOT NULL,
			signature TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_ts_ns ON audit_entries(ts_ns)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_event ON audit_entries(event)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_user ON audit_entries(user_id)`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.Execute(ctx, stmt); err != nil {
			return fmt.Errorf("audit schema: %w", err)
		}
	}
	return nil
}

// Append inserts the entry. The seq primary key rejects duplicates, so a
// racing writer cannot silently fork the chain.
func (s *Store) Append(ctx context.Context, e *Entry, metaJSON string) error {
	_, err := s.db.Execute(ctx,
		`INSERT INTO audit_entries
		 (seq, ts, ts_ns, level, event, message, user_id, task_id, correlation_id, metadata, prev_hash, hash, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Timestamp.UTC().UnixNano(),
		string(e.Level),
		e.Event,
		e.Message,
		storage.NullString(e.UserID),
		storage.NullString(e.TaskID),
		storage.NullString(e.CorrelationID),
		metaJSON,
		e.PrevHash,
		e.Hash,
		e.Signature,
	)
	return err
}

// Head returns the newest entry, or nil for an empty chain.
func (s *Store) Head(ctx context.Context) (*Entry, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM audit_entries ORDER BY seq DESC LIMIT 1`)
	loaded, err := scanEntry(row)
	if err != nil {
		if storage.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	return &loaded.Entry, nil
}

// Walk returns up to limit rows with seq > afterSeq in ascending order.
func (s *Store) Walk(ctx context.Context, afterSeq int64, limit int) ([]Row, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+entryColumns+` FROM audit_entries WHERE seq > ? ORDER BY seq ASC LIMIT ?`,
		afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRows(rows)
}

// Filter narrows a query. Zero values mean "any".
type Filter struct {
	Level         Level
	Events        []string
	UserID        string
	TaskID        string
	CorrelationID string
	From          time.Time
	To            time.Time
	Limit         int
	Offset        int
	Ascending     bool
}

// Query returns matching entries (newest first unless Ascending) plus
// the total match count before pagination.
func (s *Store) Query(ctx context.Context, f Filter) ([]Entry, int64, error) {
	where, args := buildWhere(f)

	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM audit_entries`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	order := " ORDER BY seq DESC"
	if f.Ascending {
		order = " ORDER BY seq ASC"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}

	query := `SELECT ` + entryColumns + ` FROM audit_entries` + where + order + ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	loaded, err := collectRows(rows)
	if err != nil {
		return nil, 0, err
	}

	entries := make([]Entry, len(loaded))
	for i, row := range loaded {
		entries[i] = row.Entry
	}
	return entries, total, nil
}

func buildWhere(f Filter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.Level != "" {
		clauses = append(clauses, "level = ?")
		args = append(args, string(f.Level))
	}
	if len(f.Events) > 0 {
		placeholders := strings.Repeat("?,", len(f.Events))
		clauses = append(clauses, "event IN ("+placeholders[:len(placeholders)-1]+")")
		for _, ev := range f.Events {
			args = append(args, ev)
		}
	}
	if f.UserID != "" {
		clauses = append(clauses, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.TaskID != "" {
		clauses = append(clauses, "task_id = ?")
		args = append(args, f.TaskID)
	}
	if f.CorrelationID != "" {
		clauses = append(clauses, "correlation_id = ?")
		args = append(args, f.CorrelationID)
	}
	if !f.From.IsZero() {
		clauses = append(clauses, "ts_ns >= ?")
		args = append(args, f.From.UTC().UnixNano())
	}
	if !f.To.IsZero() {
		clauses = append(clauses, "ts_ns <= ?")
		args = append(args, f.To.UTC().UnixNano())
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

// DeleteBefore removes every entry with seq <= maxSeq. Retention only
// ever trims the oldest end of the chain.
func (s *Store) DeleteBefore(ctx context.Context, maxSeq int64) (int64, error) {
	return s.db.Execute(ctx, `DELETE FROM audit_entries WHERE seq <= ?`, maxSeq)
}

// MaxSeqOlderThan returns the newest seq whose timestamp precedes cutoff,
// or -1 when none does.
func (s *Store) MaxSeqOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRow(ctx,
		`SELECT MAX(seq) FROM audit_entries WHERE ts_ns < ?`,
		cutoff.UTC().UnixNano()).Scan(&seq)
	if err != nil {
		return -1, err
	}
	if !seq.Valid {
		return -1, nil
	}
	return seq.Int64, nil
}

// SeqAtCountFromEnd returns the cutoff seq so that exactly keep entries
// survive, or -1 when the chain is already within bounds.
func (s *Store) SeqAtCountFromEnd(ctx context.Context, keep int64) (int64, error) {
	var total int64
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&total); err != nil {
		return -1, err
	}
	if total <= keep {
		return -1, nil
	}

	var seq int64
	err := s.db.QueryRow(ctx,
		`SELECT seq FROM audit_entries ORDER BY seq ASC LIMIT 1 OFFSET ?`,
		total-keep-1).Scan(&seq)
	if err != nil {
		return -1, err
	}
	return seq, nil
}

// Stats summarises the chain.
type Stats struct {
	Total    int64            `json:"total"`
	ByLevel  map[string]int64 `json:"byLevel"`
	ByEvent  map[string]int64 `json:"byEvent"`
	OldestTS *time.Time       `json:"oldestTimestamp,omitempty"`
	NewestTS *time.Time       `json:"newestTimestamp,omitempty"`
}

func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByLevel: map[string]int64{},
		ByEvent: map[string]int64{},
	}

	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM audit_entries`).Scan(&stats.Total); err != nil {
		return nil, err
	}

	rows, err := s.db.Query(ctx, `SELECT level, COUNT(*) FROM audit_entries GROUP BY level`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var level string
		var count int64
		if err := rows.Scan(&level, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByLevel[level] = count
	}
	rows.Close()

	rows, err = s.db.Query(ctx, `SELECT event, COUNT(*) FROM audit_entries GROUP BY event`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var event string
		var count int64
		if err := rows.Scan(&event, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByEvent[event] = count
	}
	rows.Close()

	if stats.Total > 0 {
		var oldestNs, newestNs int64
		if err := s.db.QueryRow(ctx,
			`SELECT MIN(ts_ns), MAX(ts_ns) FROM audit_entries`).Scan(&oldestNs, &newestNs); err != nil {
			return nil, err
		}
		oldest := time.Unix(0, oldestNs).UTC()
		newest := time.Unix(0, newestNs).UTC()
		stats.OldestTS = &oldest
		stats.NewestTS = &newest
	}

	return stats, nil
}

const entryColumns = `seq, ts, level, event, message, user_id, task_id, correlation_id, metadata, prev_hash, hash, signature`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(r rowScanner) (*Row, error) {
	var (
		e        Entry
		ts       string
		userID   sql.NullString
		taskID   sql.NullString
		corrID   sql.NullString
		metaJSON string
	)
	err := r.Scan(&e.Seq, &ts, (*string)(&e.Level), &e.Event, &e.Message,
		&userID, &taskID, &corrID, &metaJSON, &e.PrevHash, &e.Hash, &e.Signature)
	if err != nil {
		return nil, err
	}

	parsed, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return nil, fmt.Errorf("parse audit timestamp %q: %w", ts, err)
	}
	e.Timestamp = parsed
	e.UserID = storage.StringOr(userID)
	e.TaskID = storage.StringOr(taskID)
	e.CorrelationID = storage.StringOr(corrID)

	if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
		return nil, fmt.Errorf("parse audit metadata: %w", err)
	}

	return &Row{Entry: e, MetaJSON: metaJSON}, nil
}

func collectRows(rows *sql.Rows) ([]Row, error) {
	var result []Row
	for rows.Next() {
		row, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *row)
	}
	return result, rows.Err()
}
