// Package store owns the embedded SQLite database: the append-only event log,
// the derived tables, watermark state, and retention primitives.
//
// A single *sql.DB with one connection backs everything; operations are
// serialized through an internal mutex, which is the concurrency contract
// the ingest worker, retention loop, and derivation commands all rely on.
package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	sqlite3 "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

var ErrClosed = errors.New("store: closed")

type Options struct {
	Path          string
	WALMode       bool
	BusyTimeoutMS int
	Codec         *RawCodec
}

type Store struct {
	mu    sync.Mutex
	db    *sql.DB
	path  string
	codec *RawCodec
}

// Open creates the database file (and parent directory) if needed and applies
// the WAL/busy-timeout pragmas through the DSN.
func Open(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("store: db path is required")
	}
	if opts.BusyTimeoutMS <= 0 {
		opts.BusyTimeoutMS = 5000
	}
	if dir := filepath.Dir(opts.Path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_foreign_keys=on", opts.Path, opts.BusyTimeoutMS)
	if opts.WALMode {
		dsn += "&_journal_mode=WAL"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	// One writer; WAL readers open their own handles out of process.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping db: %w", err)
	}
	codec := opts.Codec
	if codec == nil {
		codec = &RawCodec{}
	}
	return &Store{db: db, path: opts.Path, codec: codec}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Migrate applies every embedded migration in lexicographic order. The
// statements are idempotent, so re-running the full set is the upgrade path.
func (s *Store) Migrate() error {
	names, err := fs.Glob(migrationFS, "migrations/*.sql")
	if err != nil {
		return fmt.Errorf("store: list migrations: %w", err)
	}
	sort.Strings(names)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	for _, name := range names {
		script, err := migrationFS.ReadFile(name)
		if err != nil {
			return fmt.Errorf("store: read migration %s: %w", name, err)
		}
		if _, err := s.db.Exec(string(script)); err != nil {
			return fmt.Errorf("store: apply migration %s: %w", name, err)
		}
	}
	return nil
}

// EventToInsert is the store-facing projection of an envelope: the JSON
// columns are pre-serialized so marshalling failures surface before any row
// is written.
type EventToInsert struct {
	SchemaVersion string
	EventID       string
	TS            string
	Source        string
	App           string
	EventType     string
	Priority      string
	ResourceType  string
	ResourceID    string
	PayloadJSON   string
	PrivacyJSON   string
	PID           *int
	WindowID      string
	RawJSON       string
}

// InsertEvents writes the batch as one multi-row insert. Transient lock
// contention is retried with exponential backoff (backoffMS · 2^attempt, up
// to retryAttempts); anything else fails immediately.
func (s *Store) InsertEvents(batch []EventToInsert, retryAttempts, retryBackoffMS int) error {
	if len(batch) == 0 {
		return nil
	}
	if retryAttempts < 0 {
		retryAttempts = 0
	}
	if retryBackoffMS <= 0 {
		retryBackoffMS = 50
	}
	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(time.Duration(retryBackoffMS)*time.Millisecond),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
	), uint64(retryAttempts))
	return backoff.Retry(func() error {
		err := s.insertEventsOnce(batch)
		if err != nil && !isBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, bo)
}

func (s *Store) insertEventsOnce(batch []EventToInsert) error {
	const cols = 14
	placeholders := make([]string, 0, len(batch))
	args := make([]any, 0, len(batch)*cols)
	for _, ev := range batch {
		rawStored, err := s.codec.Encode(ev.RawJSON)
		if err != nil {
			return err
		}
		placeholders = append(placeholders, "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
		var pid any
		if ev.PID != nil {
			pid = *ev.PID
		}
		args = append(args,
			ev.SchemaVersion, ev.EventID, ev.TS, ev.Source, ev.App, ev.EventType,
			ev.Priority, ev.ResourceType, ev.ResourceID, ev.PayloadJSON,
			ev.PrivacyJSON, pid, ev.WindowID, rawStored,
		)
	}
	query := `INSERT INTO events (
		schema_version, event_id, ts, source, app, event_type, priority,
		resource_type, resource_id, payload_json, privacy_json, pid, window_id, raw_json
	) VALUES ` + strings.Join(placeholders, ", ")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	if _, err := s.db.Exec(query, args...); err != nil {
		return fmt.Errorf("store: insert events: %w", err)
	}
	return nil
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// ActivityDetailRecord is one focus block's contribution to the per-title
// rolling counters.
type ActivityDetailRecord struct {
	App         string
	TitleHash   string
	TitleHint   string
	FirstSeenTS string
	LastSeenTS  string
	DurationSec int
}

// UpsertActivityDetails accumulates duration and block counts on the natural
// key (app, title_hash). The hint is only written the first time it becomes
// non-empty; an existing hint is never overwritten.
func (s *Store) UpsertActivityDetails(records []ActivityDetailRecord) error {
	if len(records) == 0 {
		return nil
	}
	const query = `INSERT INTO activity_details (
		app, title_hash, title_hint, first_seen_ts, last_seen_ts, total_duration_sec, blocks
	) VALUES (?, ?, ?, ?, ?, ?, 1)
	ON CONFLICT (app, title_hash) DO UPDATE SET
		last_seen_ts = excluded.last_seen_ts,
		total_duration_sec = total_duration_sec + excluded.total_duration_sec,
		blocks = blocks + 1,
		title_hint = CASE WHEN title_hint = '' THEN excluded.title_hint ELSE title_hint END`

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	for _, rec := range records {
		if _, err := s.db.Exec(query, rec.App, rec.TitleHash, rec.TitleHint,
			rec.FirstSeenTS, rec.LastSeenTS, rec.DurationSec); err != nil {
			return fmt.Errorf("store: upsert activity detail: %w", err)
		}
	}
	return nil
}

// ActivityDetailRow is the stored counter row, read back by summaries.
type ActivityDetailRow struct {
	App              string
	TitleHash        string
	TitleHint        string
	FirstSeenTS      string
	LastSeenTS       string
	TotalDurationSec int
	Blocks           int
}

func (s *Store) ActivityDetailsSince(sinceTS string, limit int) ([]ActivityDetailRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.Query(`SELECT app, title_hash, title_hint, first_seen_ts, last_seen_ts,
		total_duration_sec, blocks
		FROM activity_details WHERE last_seen_ts >= ?
		ORDER BY total_duration_sec DESC LIMIT ?`, sinceTS, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query activity details: %w", err)
	}
	defer rows.Close()
	var out []ActivityDetailRow
	for rows.Next() {
		var r ActivityDetailRow
		if err := rows.Scan(&r.App, &r.TitleHash, &r.TitleHint, &r.FirstSeenTS,
			&r.LastSeenTS, &r.TotalDurationSec, &r.Blocks); err != nil {
			return nil, fmt.Errorf("store: scan activity detail: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EventRecord is the derivation-facing projection of a stored event.
type EventRecord struct {
	TS           string
	EventType    string
	Priority     string
	App          string
	ResourceType string
	ResourceID   string
	PayloadJSON  string
}

// EventsBetween scans [startTS, endTS) in event-time order.
func (s *Store) EventsBetween(startTS, endTS string) ([]EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.Query(`SELECT ts, event_type, priority, app, resource_type, resource_id, payload_json
		FROM events WHERE ts >= ? AND ts < ? ORDER BY ts ASC`, startTS, endTS)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer rows.Close()
	var out []EventRecord
	for rows.Next() {
		var r EventRecord
		if err := rows.Scan(&r.TS, &r.EventType, &r.Priority, &r.App,
			&r.ResourceType, &r.ResourceID, &r.PayloadJSON); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LatestEventRow is the most recently ingested event, used for the handoff
// device context.
type LatestEventRow struct {
	TS          string
	EventType   string
	Priority    string
	App         string
	PayloadJSON string
}

// LatestEvent returns nil when the event log is empty.
func (s *Store) LatestEvent() (*LatestEventRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	row := s.db.QueryRow(`SELECT ts, event_type, priority, app, payload_json
		FROM events ORDER BY id DESC LIMIT 1`)
	var r LatestEventRow
	err := row.Scan(&r.TS, &r.EventType, &r.Priority, &r.App, &r.PayloadJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest event: %w", err)
	}
	return &r, nil
}

func (s *Store) HasRecentP0(sinceTS string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return false, ErrClosed
	}
	row := s.db.QueryRow(`SELECT 1 FROM events WHERE priority = 'P0' AND ts >= ? LIMIT 1`, sinceTS)
	var one int
	err := row.Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: recent p0: %w", err)
	}
	return true, nil
}

// RecentPrivacy returns the privacy_json of the latest events, newest first.
// The handoff builder aggregates redaction tags from these.
func (s *Store) RecentPrivacy(limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.Query(`SELECT privacy_json FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query privacy: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("store: scan privacy: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// RawEventsBetween returns the decrypted raw_json of events in [startTS,
// endTS), ingestion order. This is the replay path.
func (s *Store) RawEventsBetween(startTS, endTS string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.Query(`SELECT raw_json FROM events WHERE ts >= ? AND ts < ? ORDER BY id ASC`, startTS, endTS)
	if err != nil {
		return nil, fmt.Errorf("store: query raw events: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var stored string
		if err := rows.Scan(&stored); err != nil {
			return nil, fmt.Errorf("store: scan raw event: %w", err)
		}
		raw, err := s.codec.Decode(stored)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, rows.Err()
}

type SessionRow struct {
	SessionID   string
	StartTS     string
	EndTS       string
	DurationSec int
	SummaryJSON string
}

func (s *Store) UpsertSessions(records []SessionRow) error {
	if len(records) == 0 {
		return nil
	}
	const query = `INSERT INTO sessions (session_id, start_ts, end_ts, duration_sec, summary_json)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id) DO UPDATE SET
			start_ts = excluded.start_ts,
			end_ts = excluded.end_ts,
			duration_sec = excluded.duration_sec,
			summary_json = excluded.summary_json`
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	for _, rec := range records {
		if _, err := s.db.Exec(query, rec.SessionID, rec.StartTS, rec.EndTS,
			rec.DurationSec, rec.SummaryJSON); err != nil {
			return fmt.Errorf("store: upsert session: %w", err)
		}
	}
	return nil
}

// RecentSessions returns sessions most recent first.
func (s *Store) RecentSessions(limit int) ([]SessionRow, error) {
	return s.querySessions(`SELECT session_id, start_ts, end_ts, duration_sec, summary_json
		FROM sessions ORDER BY end_ts DESC LIMIT ?`, limit)
}

// SessionsBetween returns sessions whose start falls in [startTS, endTS),
// chronological order.
func (s *Store) SessionsBetween(startTS, endTS string) ([]SessionRow, error) {
	return s.querySessions(`SELECT session_id, start_ts, end_ts, duration_sec, summary_json
		FROM sessions WHERE start_ts >= ? AND start_ts < ? ORDER BY start_ts ASC`, startTS, endTS)
}

func (s *Store) querySessions(query string, args ...any) ([]SessionRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: query sessions: %w", err)
	}
	defer rows.Close()
	var out []SessionRow
	for rows.Next() {
		var r SessionRow
		if err := rows.Scan(&r.SessionID, &r.StartTS, &r.EndTS, &r.DurationSec, &r.SummaryJSON); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type RoutineRow struct {
	PatternID    string
	PatternJSON  string
	Support      int
	Confidence   float64
	LastSeenTS   string
	EvidenceJSON string
}

func (s *Store) UpsertRoutineCandidates(records []RoutineRow) error {
	if len(records) == 0 {
		return nil
	}
	const query = `INSERT INTO routine_candidates
		(pattern_id, pattern_json, support, confidence, last_seen_ts, evidence_json)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (pattern_id) DO UPDATE SET
			support = excluded.support,
			confidence = excluded.confidence,
			last_seen_ts = excluded.last_seen_ts,
			evidence_json = excluded.evidence_json`
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	for _, rec := range records {
		if _, err := s.db.Exec(query, rec.PatternID, rec.PatternJSON, rec.Support,
			rec.Confidence, rec.LastSeenTS, rec.EvidenceJSON); err != nil {
			return fmt.Errorf("store: upsert routine: %w", err)
		}
	}
	return nil
}

// RoutineCandidates returns candidates ordered by (support DESC, confidence DESC).
func (s *Store) RoutineCandidates(limit int) ([]RoutineRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.Query(`SELECT pattern_id, pattern_json, support, confidence, last_seen_ts, evidence_json
		FROM routine_candidates ORDER BY support DESC, confidence DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: query routines: %w", err)
	}
	defer rows.Close()
	var out []RoutineRow
	for rows.Next() {
		var r RoutineRow
		if err := rows.Scan(&r.PatternID, &r.PatternJSON, &r.Support, &r.Confidence,
			&r.LastSeenTS, &r.EvidenceJSON); err != nil {
			return nil, fmt.Errorf("store: scan routine: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

type HandoffRow struct {
	ID          int64
	PackageID   string
	CreatedAt   string
	Status      string
	PayloadJSON string
	PayloadSize int
	ExpiresAt   string
	Error       string
}

func (s *Store) EnqueueHandoff(packageID, createdAt, payloadJSON string, payloadSize int, expiresAt string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	_, err := s.db.Exec(`INSERT INTO handoff_queue
		(package_id, created_at, status, payload_json, payload_size, expires_at)
		VALUES (?, ?, 'pending', ?, ?, ?)`,
		packageID, createdAt, payloadJSON, payloadSize, expiresAt)
	if err != nil {
		return fmt.Errorf("store: enqueue handoff: %w", err)
	}
	return nil
}

// LatestHandoff returns the newest row with the given status, or nil.
func (s *Store) LatestHandoff(status string) (*HandoffRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	row := s.db.QueryRow(`SELECT id, package_id, created_at, status, payload_json, payload_size,
		COALESCE(expires_at, ''), COALESCE(error, '')
		FROM handoff_queue WHERE status = ? ORDER BY id DESC LIMIT 1`, status)
	var r HandoffRow
	err := row.Scan(&r.ID, &r.PackageID, &r.CreatedAt, &r.Status, &r.PayloadJSON,
		&r.PayloadSize, &r.ExpiresAt, &r.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: latest handoff: %w", err)
	}
	return &r, nil
}

// MarkHandoffSuperseded expires every pending row except the given id. Used
// by --keep-latest-pending so only the freshest package stays deliverable.
func (s *Store) MarkHandoffSuperseded(keepID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.Exec(`UPDATE handoff_queue SET status = 'expired'
		WHERE status = 'pending' AND id != ?`, keepID)
	if err != nil {
		return 0, fmt.Errorf("store: supersede handoff: %w", err)
	}
	return res.RowsAffected()
}

// ExpirePendingHandoff flips pending rows older than cutoff to expired.
func (s *Store) ExpirePendingHandoff(cutoffTS string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, ErrClosed
	}
	res, err := s.db.Exec(`UPDATE handoff_queue SET status = 'expired'
		WHERE status = 'pending' AND created_at < ?`, cutoffTS)
	if err != nil {
		return 0, fmt.Errorf("store: expire handoff: %w", err)
	}
	return res.RowsAffected()
}

// UpsertDailySummary replaces the summary for a local date.
func (s *Store) UpsertDailySummary(dateLocal, createdAt, summaryJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	_, err := s.db.Exec(`INSERT INTO daily_summaries (date_local, created_at, summary_json)
		VALUES (?, ?, ?)
		ON CONFLICT (date_local) DO UPDATE SET
			created_at = excluded.created_at,
			summary_json = excluded.summary_json`,
		dateLocal, createdAt, summaryJSON)
	if err != nil {
		return fmt.Errorf("store: upsert daily summary: %w", err)
	}
	return nil
}

func (s *Store) DailySummary(dateLocal string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return "", ErrClosed
	}
	row := s.db.QueryRow(`SELECT summary_json FROM daily_summaries WHERE date_local = ?`, dateLocal)
	var out string
	err := row.Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: daily summary: %w", err)
	}
	return out, nil
}

// DailySummariesSince returns stored daily summary JSON for dates >= sinceDate
// ("YYYY-MM-DD"), oldest first.
func (s *Store) DailySummariesSince(sinceDate string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.Query(`SELECT summary_json FROM daily_summaries
		WHERE date_local >= ? ORDER BY date_local ASC`, sinceDate)
	if err != nil {
		return nil, fmt.Errorf("store: query daily summaries: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("store: scan daily summary: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// LatestPatternSummary returns the newest pattern summary JSON, or "".
func (s *Store) LatestPatternSummary() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return "", ErrClosed
	}
	row := s.db.QueryRow(`SELECT summary_json FROM pattern_summaries ORDER BY id DESC LIMIT 1`)
	var out string
	err := row.Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: latest pattern summary: %w", err)
	}
	return out, nil
}

func (s *Store) InsertPatternSummary(createdAt, summaryJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	if _, err := s.db.Exec(`INSERT INTO pattern_summaries (created_at, summary_json) VALUES (?, ?)`,
		createdAt, summaryJSON); err != nil {
		return fmt.Errorf("store: insert pattern summary: %w", err)
	}
	return nil
}

func (s *Store) InsertLLMInput(createdAt, payloadJSON string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	if _, err := s.db.Exec(`INSERT INTO llm_inputs (created_at, payload_json) VALUES (?, ?)`,
		createdAt, payloadJSON); err != nil {
		return fmt.Errorf("store: insert llm input: %w", err)
	}
	return nil
}

// GetState reads a watermark; missing keys return "".
func (s *Store) GetState(key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return "", ErrClosed
	}
	row := s.db.QueryRow(`SELECT value FROM state WHERE key = ?`, key)
	var out string
	err := row.Scan(&out)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("store: get state: %w", err)
	}
	return out, nil
}

func (s *Store) SetState(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	_, err := s.db.Exec(`INSERT INTO state (key, value) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: set state: %w", err)
	}
	return nil
}

// Retention deletes. Each runs in bounded batches to keep transactions small.

func (s *Store) DeleteOldEvents(cutoffTS string, batchSize int) (int64, error) {
	return s.deleteByCutoff("events", "ts", cutoffTS, batchSize)
}

func (s *Store) DeleteOldSessions(cutoffTS string, batchSize int) (int64, error) {
	return s.deleteByCutoff("sessions", "end_ts", cutoffTS, batchSize)
}

func (s *Store) DeleteOldRoutines(cutoffTS string, batchSize int) (int64, error) {
	return s.deleteByCutoff("routine_candidates", "last_seen_ts", cutoffTS, batchSize)
}

func (s *Store) DeleteOldHandoff(cutoffTS string, batchSize int) (int64, error) {
	return s.deleteByCutoff("handoff_queue", "created_at", cutoffTS, batchSize)
}

func (s *Store) DeleteOldDailySummaries(cutoffTS string, batchSize int) (int64, error) {
	return s.deleteByCutoff("daily_summaries", "created_at", cutoffTS, batchSize)
}

func (s *Store) DeleteOldPatternSummaries(cutoffTS string, batchSize int) (int64, error) {
	return s.deleteByCutoff("pattern_summaries", "created_at", cutoffTS, batchSize)
}

func (s *Store) DeleteOldLLMInputs(cutoffTS string, batchSize int) (int64, error) {
	return s.deleteByCutoff("llm_inputs", "created_at", cutoffTS, batchSize)
}

func (s *Store) deleteByCutoff(table, column, cutoffTS string, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE rowid IN
		(SELECT rowid FROM %s WHERE %s < ? LIMIT ?)`, table, table, column)
	var total int64
	for {
		s.mu.Lock()
		if s.db == nil {
			s.mu.Unlock()
			return total, ErrClosed
		}
		res, err := s.db.Exec(query, cutoffTS, batchSize)
		s.mu.Unlock()
		if err != nil {
			return total, fmt.Errorf("store: delete from %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("store: delete from %s: %w", table, err)
		}
		total += n
		if n < int64(batchSize) {
			return total, nil
		}
	}
}

// DBSize is the database file size in bytes (WAL sidecar not included).
func (s *Store) DBSize() int64 {
	info, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

func (s *Store) CheckpointWAL() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("store: checkpoint wal: %w", err)
	}
	return nil
}

func (s *Store) Vacuum() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrClosed
	}
	if _, err := s.db.Exec(`VACUUM`); err != nil {
		return fmt.Errorf("store: vacuum: %w", err)
	}
	return nil
}

// CountEvents is a test and stats helper.
func (s *Store) CountEvents() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return 0, ErrClosed
	}
	row := s.db.QueryRow(`SELECT COUNT(*) FROM events`)
	var n int64
	if err := row.Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count events: %w", err)
	}
	return n, nil
}

// MarshalJSONValue compacts any value to its stored JSON form.
func MarshalJSONValue(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	out, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("store: marshal json: %w", err)
	}
	return string(out), nil
}
