package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/kubilitics/flightlog-ai/internal/contextdoc"
	"github.com/kubilitics/flightlog-ai/internal/telemetry"
)

// migrations defines the tables of the persistence layer.
// Version is tracked in the schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS logs (
    log_id        TEXT PRIMARY KEY,
    filename      TEXT NOT NULL DEFAULT '',
    vehicle       TEXT NOT NULL DEFAULT '',
    message_types INTEGER NOT NULL DEFAULT 0,
    body          TEXT NOT NULL,
    created_at    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_logs_created_at ON logs(created_at DESC);

CREATE TABLE IF NOT EXISTS document_collections (
    log_id     TEXT PRIMARY KEY,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    log_id            TEXT NOT NULL REFERENCES document_collections(log_id) ON DELETE CASCADE,
    document_id       TEXT NOT NULL,
    document_type     TEXT NOT NULL,
    title             TEXT NOT NULL DEFAULT '',
    content           TEXT NOT NULL DEFAULT '',
    metadata          TEXT NOT NULL DEFAULT '{}',
    searchable_fields TEXT NOT NULL DEFAULT '[]',
    updated_at        TEXT NOT NULL,
    UNIQUE(log_id, document_id)
);
CREATE INDEX IF NOT EXISTS idx_documents_type ON documents(log_id, document_type);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS runs (
    id         TEXT PRIMARY KEY,
    log_id     TEXT NOT NULL,
    question   TEXT NOT NULL,
    state      TEXT NOT NULL DEFAULT '',
    status     TEXT NOT NULL DEFAULT '',
    path       TEXT NOT NULL DEFAULT '',
    plan       TEXT NOT NULL DEFAULT '{}',
    answer     TEXT NOT NULL DEFAULT '',
    error      TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_log ON runs(log_id, created_at DESC);

CREATE TABLE IF NOT EXISTS run_steps (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    step_number INTEGER NOT NULL,
    agent       TEXT NOT NULL,
    summary     TEXT NOT NULL DEFAULT '',
    result      TEXT NOT NULL DEFAULT '',
    timestamp   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_run_steps_run ON run_steps(run_id, step_number);
`,
	},
	{
		version: 3,
		sql: `
CREATE TABLE IF NOT EXISTS token_usage (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    user_id       TEXT NOT NULL,
    run_id        TEXT NOT NULL DEFAULT '',
    provider      TEXT NOT NULL,
    input_tokens  INTEGER NOT NULL DEFAULT 0,
    output_tokens INTEGER NOT NULL DEFAULT 0,
    cost_usd      REAL NOT NULL DEFAULT 0.0,
    recorded_at   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_token_usage_user_date ON token_usage(user_id, recorded_at);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One connection: every ":memory:" connection is a separate database, and
	// SQLite serializes writers anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &sqliteStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}

		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Logs ─────────────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveLog(ctx context.Context, rec *telemetry.LogRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode log %s: %w", rec.LogID, err)
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO logs(log_id, filename, vehicle, message_types, body, created_at)
        VALUES(?,?,?,?,?,?)
    `, rec.LogID, rec.Filename, rec.Vehicle, len(rec.TimeSeries), string(body), formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert log %s: %w", rec.LogID, err)
	}
	return nil
}

func (s *sqliteStore) GetLog(ctx context.Context, logID string) (*telemetry.LogRecord, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM logs WHERE log_id=?`, logID).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("log %s: %w", logID, telemetry.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query log %s: %w", logID, err)
	}
	return decodeLog(logID, []byte(body))
}

func (s *sqliteStore) ListLogs(ctx context.Context, limit, offset int) ([]*LogSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT log_id, filename, vehicle, message_types, created_at
        FROM logs ORDER BY created_at DESC LIMIT ? OFFSET ?
    `, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []*LogSummary
	for rows.Next() {
		var l LogSummary
		var created string
		if err := rows.Scan(&l.LogID, &l.Filename, &l.Vehicle, &l.MessageTypes, &created); err != nil {
			return nil, err
		}
		l.CreatedAt, _ = parseTime(created)
		out = append(out, &l)
	}
	return out, rows.Err()
}

// ─── Documents ────────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveDocuments(ctx context.Context, logID string, docs []*contextdoc.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `INSERT INTO document_collections(log_id, created_at) VALUES(?,?) ON CONFLICT(log_id) DO NOTHING`,
		logID, formatTime(time.Now())); err != nil {
		return fmt.Errorf("create collection %s: %w", logID, err)
	}
	for _, d := range docs {
		if err := upsertDocument(ctx, tx, logID, d); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) ListDocuments(ctx context.Context, logID string) ([]*contextdoc.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT document_id, document_type, title, content, metadata, searchable_fields, updated_at
        FROM documents WHERE log_id=? ORDER BY id ASC
    `, logID)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	out := []*contextdoc.Document{}
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *sqliteStore) HasCollection(ctx context.Context, logID string) (bool, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM document_collections WHERE log_id=?`, logID).Scan(&n); err != nil {
		return false, fmt.Errorf("query collection %s: %w", logID, err)
	}
	return n > 0, nil
}

func (s *sqliteStore) UpdateDocument(ctx context.Context, logID, docType string, fn func(*contextdoc.Document) (*contextdoc.Document, error)) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var n int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM document_collections WHERE log_id=?`, logID).Scan(&n); err != nil {
		return fmt.Errorf("query collection %s: %w", logID, err)
	}
	if n == 0 {
		return ErrNoCollection
	}

	row := tx.QueryRowContext(ctx, `
        SELECT document_id, document_type, title, content, metadata, searchable_fields, updated_at
        FROM documents WHERE log_id=? AND document_type=? ORDER BY id ASC LIMIT 1
    `, logID, docType)
	current, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		current = nil
	} else if err != nil {
		return fmt.Errorf("read %s document: %w", docType, err)
	}

	next, err := fn(current)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	if err := upsertDocument(ctx, tx, logID, next); err != nil {
		return err
	}
	return tx.Commit()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertDocument(ctx context.Context, tx execer, logID string, d *contextdoc.Document) error {
	meta, fields, err := encodeDocumentJSON(d)
	if err != nil {
		return err
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
        INSERT INTO documents(log_id, document_id, document_type, title, content, metadata, searchable_fields, updated_at)
        VALUES(?,?,?,?,?,?,?,?)
        ON CONFLICT(log_id, document_id) DO UPDATE SET
            document_type     = excluded.document_type,
            title             = excluded.title,
            content           = excluded.content,
            metadata          = excluded.metadata,
            searchable_fields = excluded.searchable_fields,
            updated_at        = excluded.updated_at
    `, logID, d.DocumentID, d.DocumentType, d.Title, d.Content, meta, fields, formatTime(d.UpdatedAt))
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", d.DocumentID, err)
	}
	return nil
}

// ─── Runs ─────────────────────────────────────────────────────────────────────

func (s *sqliteStore) SaveRun(ctx context.Context, rec *RunRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
        INSERT INTO runs(id, log_id, question, state, status, path, plan, answer, error, created_at, updated_at)
        VALUES(?,?,?,?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO UPDATE SET
            state      = excluded.state,
            status     = excluded.status,
            path       = excluded.path,
            plan       = excluded.plan,
            answer     = excluded.answer,
            error      = excluded.error,
            updated_at = excluded.updated_at
    `,
		rec.ID, rec.LogID, rec.Question, rec.State, rec.Status, rec.Path, orEmptyJSON(rec.Plan),
		rec.Answer, rec.Error, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM run_steps WHERE run_id=?`, rec.ID); err != nil {
		return fmt.Errorf("delete steps: %w", err)
	}
	for _, st := range rec.Steps {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO run_steps(run_id, step_number, agent, summary, result, timestamp)
            VALUES(?,?,?,?,?,?)
        `, rec.ID, st.Number, st.Agent, st.Summary, st.Result, formatTime(st.Timestamp))
		if err != nil {
			return fmt.Errorf("insert step: %w", err)
		}
	}

	return tx.Commit()
}

func (s *sqliteStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,log_id,question,state,status,path,plan,answer,error,created_at,updated_at FROM runs WHERE id=?`, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT step_number,agent,summary,result,timestamp FROM run_steps WHERE run_id=? ORDER BY step_number ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		st := StepRecord{RunID: id}
		var ts string
		if err := rows.Scan(&st.Number, &st.Agent, &st.Summary, &st.Result, &ts); err != nil {
			return nil, err
		}
		st.Timestamp, _ = parseTime(ts)
		rec.Steps = append(rec.Steps, st)
	}
	return rec, rows.Err()
}

func (s *sqliteStore) ListRuns(ctx context.Context, logID string, limit, offset int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id,log_id,question,state,status,path,plan,answer,error,created_at,updated_at
        FROM runs WHERE (? = '' OR log_id = ?) ORDER BY created_at DESC LIMIT ? OFFSET ?
    `, logID, logID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

// ─── Usage ────────────────────────────────────────────────────────────────────

func (s *sqliteStore) AppendUsage(ctx context.Context, rec *UsageRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO token_usage (user_id, run_id, provider, input_tokens, output_tokens, cost_usd, recorded_at)
        VALUES (?, ?, ?, ?, ?, ?, ?)
    `, rec.UserID, rec.RunID, rec.Provider, rec.InputTokens, rec.OutputTokens, rec.CostUSD, formatTime(rec.RecordedAt))
	if err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}
	return nil
}

func (s *sqliteStore) QueryUsage(ctx context.Context, userID string, from, to time.Time) ([]*UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, user_id, run_id, provider, input_tokens, output_tokens, cost_usd, recorded_at
        FROM token_usage
        WHERE user_id = ? AND recorded_at >= ? AND recorded_at <= ?
        ORDER BY recorded_at ASC
    `, userID, formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var results []*UsageRecord
	for rows.Next() {
		var r UsageRecord
		var ts string
		if err := rows.Scan(&r.ID, &r.UserID, &r.RunID, &r.Provider, &r.InputTokens, &r.OutputTokens, &r.CostUSD, &ts); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		r.RecordedAt, _ = parseTime(ts)
		results = append(results, &r)
	}
	return results, rows.Err()
}

func (s *sqliteStore) TotalCost(ctx context.Context, from, to time.Time) (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRowContext(ctx, `
        SELECT SUM(cost_usd) FROM token_usage WHERE recorded_at >= ? AND recorded_at <= ?
    `, formatTime(from), formatTime(to)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return total.Float64, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*contextdoc.Document, error) {
	d := &contextdoc.Document{}
	var meta, fields, updated string
	if err := row.Scan(&d.DocumentID, &d.DocumentType, &d.Title, &d.Content, &meta, &fields, &updated); err != nil {
		return nil, err
	}
	if err := decodeDocumentJSON(d, []byte(meta), []byte(fields)); err != nil {
		return nil, err
	}
	d.UpdatedAt, _ = parseTime(updated)
	return d, nil
}

func scanRun(row rowScanner) (*RunRecord, error) {
	rec := &RunRecord{}
	var createdAt, updatedAt string
	err := row.Scan(&rec.ID, &rec.LogID, &rec.Question, &rec.State, &rec.Status, &rec.Path, &rec.Plan,
		&rec.Answer, &rec.Error, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.CreatedAt, _ = parseTime(createdAt)
	rec.UpdatedAt, _ = parseTime(updatedAt)
	return rec, nil
}

func decodeLog(logID string, body []byte) (*telemetry.LogRecord, error) {
	var rec telemetry.LogRecord
	if err := json.Unmarshal(body, &rec); err != nil {
		return nil, fmt.Errorf("decode log %s: %w", logID, err)
	}
	return &rec, nil
}

func encodeDocumentJSON(d *contextdoc.Document) (string, string, error) {
	meta := d.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return "", "", fmt.Errorf("encode metadata of %s: %w", d.DocumentID, err)
	}
	fields := d.SearchableFields
	if fields == nil {
		fields = []string{}
	}
	fieldsJSON, err := json.Marshal(fields)
	if err != nil {
		return "", "", fmt.Errorf("encode searchable fields of %s: %w", d.DocumentID, err)
	}
	return string(metaJSON), string(fieldsJSON), nil
}

func decodeDocumentJSON(d *contextdoc.Document, meta, fields []byte) error {
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &d.Metadata); err != nil {
			return fmt.Errorf("decode metadata of %s: %w", d.DocumentID, err)
		}
	}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &d.SearchableFields); err != nil {
			return fmt.Errorf("decode searchable fields of %s: %w", d.DocumentID, err)
		}
	}
	return nil
}

func orEmptyJSON(s string) string {
	if s == "" {
		return "{}"
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTime handles multiple SQLite datetime formats.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
