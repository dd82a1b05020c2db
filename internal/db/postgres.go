package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kubilitics/flightlog-ai/internal/contextdoc"
	"github.com/kubilitics/flightlog-ai/internal/telemetry"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS logs (
  log_id        TEXT PRIMARY KEY,
  filename      TEXT NOT NULL DEFAULT '',
  vehicle       TEXT NOT NULL DEFAULT '',
  message_types INT NOT NULL DEFAULT 0,
  body          JSONB NOT NULL,
  created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS document_collections (
  log_id     TEXT PRIMARY KEY,
  created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS documents (
  id                BIGSERIAL PRIMARY KEY,
  log_id            TEXT NOT NULL REFERENCES document_collections(log_id) ON DELETE CASCADE,
  document_id       TEXT NOT NULL,
  document_type     TEXT NOT NULL,
  title             TEXT NOT NULL DEFAULT '',
  content           TEXT NOT NULL DEFAULT '',
  metadata          JSONB NOT NULL DEFAULT '{}',
  searchable_fields JSONB NOT NULL DEFAULT '[]',
  updated_at        TIMESTAMPTZ NOT NULL,
  UNIQUE(log_id, document_id)
);
CREATE INDEX IF NOT EXISTS idx_documents_type ON documents(log_id, document_type);

CREATE TABLE IF NOT EXISTS runs (
  id         TEXT PRIMARY KEY,
  log_id     TEXT NOT NULL,
  question   TEXT NOT NULL,
  state      TEXT NOT NULL,
  status     TEXT NOT NULL DEFAULT '',
  path       TEXT NOT NULL DEFAULT '',
  plan       TEXT NOT NULL DEFAULT '{}',
  answer     TEXT NOT NULL DEFAULT '',
  error      TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_log ON runs(log_id, created_at DESC);

CREATE TABLE IF NOT EXISTS run_steps (
  id          BIGSERIAL PRIMARY KEY,
  run_id      TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
  step_number INT NOT NULL,
  agent       TEXT NOT NULL,
  summary     TEXT NOT NULL DEFAULT '',
  result      TEXT NOT NULL DEFAULT '',
  timestamp   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS token_usage (
  id            BIGSERIAL PRIMARY KEY,
  user_id       TEXT NOT NULL,
  run_id        TEXT NOT NULL DEFAULT '',
  provider      TEXT NOT NULL,
  input_tokens  INT NOT NULL DEFAULT 0,
  output_tokens INT NOT NULL DEFAULT 0,
  cost_usd      DOUBLE PRECISION NOT NULL DEFAULT 0,
  recorded_at   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_token_usage_user_date ON token_usage(user_id, recorded_at);
`

// pgTx is the subset of pgx shared by the pool and a transaction.
type pgTx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// postgresStore is the PostgreSQL-backed implementation of Store.
type postgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to databaseURL and ensures the schema exists.
func NewPostgresStore(ctx context.Context, databaseURL string) (Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return &postgresStore{pool: pool}, nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *postgresStore) SaveLog(ctx context.Context, rec *telemetry.LogRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode log %s: %w", rec.LogID, err)
	}
	_, err = s.pool.Exec(ctx, `
INSERT INTO logs(log_id, filename, vehicle, message_types, body)
VALUES($1,$2,$3,$4,$5)`, rec.LogID, rec.Filename, rec.Vehicle, len(rec.TimeSeries), body)
	if err != nil {
		return fmt.Errorf("insert log %s: %w", rec.LogID, err)
	}
	return nil
}

func (s *postgresStore) GetLog(ctx context.Context, logID string) (*telemetry.LogRecord, error) {
	var body []byte
	err := s.pool.QueryRow(ctx, `SELECT body FROM logs WHERE log_id=$1`, logID).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("log %s: %w", logID, telemetry.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query log %s: %w", logID, err)
	}
	return decodeLog(logID, body)
}

func (s *postgresStore) ListLogs(ctx context.Context, limit, offset int) ([]*LogSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT log_id, filename, vehicle, message_types, created_at
FROM logs ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []*LogSummary
	for rows.Next() {
		var l LogSummary
		if err := rows.Scan(&l.LogID, &l.Filename, &l.Vehicle, &l.MessageTypes, &l.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func (s *postgresStore) SaveDocuments(ctx context.Context, logID string, docs []*contextdoc.Document) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `INSERT INTO document_collections(log_id) VALUES($1) ON CONFLICT (log_id) DO NOTHING`, logID); err != nil {
		return fmt.Errorf("create collection %s: %w", logID, err)
	}
	for _, d := range docs {
		if err := pgUpsertDocument(ctx, tx, logID, d); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (s *postgresStore) ListDocuments(ctx context.Context, logID string) ([]*contextdoc.Document, error) {
	rows, err := s.pool.Query(ctx, `
SELECT document_id, document_type, title, content, metadata, searchable_fields, updated_at
FROM documents WHERE log_id=$1 ORDER BY id ASC`, logID)
	if err != nil {
		return nil, fmt.Errorf("query documents: %w", err)
	}
	defer rows.Close()

	out := []*contextdoc.Document{}
	for rows.Next() {
		d, err := pgScanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *postgresStore) HasCollection(ctx context.Context, logID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM document_collections WHERE log_id=$1)`, logID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("query collection %s: %w", logID, err)
	}
	return exists, nil
}

func (s *postgresStore) UpdateDocument(ctx context.Context, logID, docType string, fn func(*contextdoc.Document) (*contextdoc.Document, error)) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	// Row lock on the collection serializes writers across processes.
	var locked string
	err = tx.QueryRow(ctx, `SELECT log_id FROM document_collections WHERE log_id=$1 FOR UPDATE`, logID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNoCollection
	}
	if err != nil {
		return fmt.Errorf("lock collection %s: %w", logID, err)
	}

	row := tx.QueryRow(ctx, `
SELECT document_id, document_type, title, content, metadata, searchable_fields, updated_at
FROM documents WHERE log_id=$1 AND document_type=$2 ORDER BY id ASC LIMIT 1`, logID, docType)
	current, err := pgScanDocument(row)
	if errors.Is(err, pgx.ErrNoRows) {
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
	if err := pgUpsertDocument(ctx, tx, logID, next); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func pgUpsertDocument(ctx context.Context, tx pgTx, logID string, d *contextdoc.Document) error {
	meta, fields, err := encodeDocumentJSON(d)
	if err != nil {
		return err
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now().UTC()
	}
	_, err = tx.Exec(ctx, `
INSERT INTO documents(log_id, document_id, document_type, title, content, metadata, searchable_fields, updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (log_id, document_id) DO UPDATE SET
  document_type = EXCLUDED.document_type,
  title = EXCLUDED.title,
  content = EXCLUDED.content,
  metadata = EXCLUDED.metadata,
  searchable_fields = EXCLUDED.searchable_fields,
  updated_at = EXCLUDED.updated_at`,
		logID, d.DocumentID, d.DocumentType, d.Title, d.Content, meta, fields, d.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert document %s: %w", d.DocumentID, err)
	}
	return nil
}

func pgScanDocument(row pgx.Row) (*contextdoc.Document, error) {
	d := &contextdoc.Document{}
	var meta, fields []byte
	if err := row.Scan(&d.DocumentID, &d.DocumentType, &d.Title, &d.Content, &meta, &fields, &d.UpdatedAt); err != nil {
		return nil, err
	}
	if err := decodeDocumentJSON(d, meta, fields); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *postgresStore) SaveRun(ctx context.Context, rec *RunRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
INSERT INTO runs(id, log_id, question, state, status, path, plan, answer, error, created_at, updated_at)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
  state = EXCLUDED.state,
  status = EXCLUDED.status,
  path = EXCLUDED.path,
  plan = EXCLUDED.plan,
  answer = EXCLUDED.answer,
  error = EXCLUDED.error,
  updated_at = EXCLUDED.updated_at`,
		rec.ID, rec.LogID, rec.Question, rec.State, rec.Status, rec.Path, orEmptyJSON(rec.Plan),
		rec.Answer, rec.Error, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM run_steps WHERE run_id=$1`, rec.ID); err != nil {
		return fmt.Errorf("delete steps: %w", err)
	}
	if len(rec.Steps) > 0 {
		batch := &pgx.Batch{}
		for _, st := range rec.Steps {
			batch.Queue(`
INSERT INTO run_steps(run_id, step_number, agent, summary, result, timestamp)
VALUES($1,$2,$3,$4,$5,$6)`, rec.ID, st.Number, st.Agent, st.Summary, st.Result, st.Timestamp)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert steps: %w", err)
		}
	}
	return tx.Commit(ctx)
}

func (s *postgresStore) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.pool.QueryRow(ctx, `SELECT id,log_id,question,state,status,path,plan,answer,error,created_at,updated_at FROM runs WHERE id=$1`, id)
	rec, err := pgScanRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, `SELECT step_number,agent,summary,result,timestamp FROM run_steps WHERE run_id=$1 ORDER BY step_number ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		st := StepRecord{RunID: id}
		if err := rows.Scan(&st.Number, &st.Agent, &st.Summary, &st.Result, &st.Timestamp); err != nil {
			return nil, err
		}
		rec.Steps = append(rec.Steps, st)
	}
	return rec, rows.Err()
}

func (s *postgresStore) ListRuns(ctx context.Context, logID string, limit, offset int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT id,log_id,question,state,status,path,plan,answer,error,created_at,updated_at
FROM runs WHERE ($1 = '' OR log_id = $1) ORDER BY created_at DESC LIMIT $2 OFFSET $3`, logID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*RunRecord
	for rows.Next() {
		rec, err := pgScanRun(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	return result, rows.Err()
}

func pgScanRun(row pgx.Row) (*RunRecord, error) {
	rec := &RunRecord{}
	err := row.Scan(&rec.ID, &rec.LogID, &rec.Question, &rec.State, &rec.Status, &rec.Path, &rec.Plan,
		&rec.Answer, &rec.Error, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *postgresStore) AppendUsage(ctx context.Context, rec *UsageRecord) error {
	if rec.RecordedAt.IsZero() {
		rec.RecordedAt = time.Now()
	}
	err := s.pool.QueryRow(ctx, `
INSERT INTO token_usage (user_id, run_id, provider, input_tokens, output_tokens, cost_usd, recorded_at)
VALUES ($1,$2,$3,$4,$5,$6,$7) RETURNING id`,
		rec.UserID, rec.RunID, rec.Provider, rec.InputTokens, rec.OutputTokens, rec.CostUSD, rec.RecordedAt).Scan(&rec.ID)
	if err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}
	return nil
}

func (s *postgresStore) QueryUsage(ctx context.Context, userID string, from, to time.Time) ([]*UsageRecord, error) {
	rows, err := s.pool.Query(ctx, `
SELECT id, user_id, run_id, provider, input_tokens, output_tokens, cost_usd, recorded_at
FROM token_usage WHERE user_id=$1 AND recorded_at >= $2 AND recorded_at <= $3
ORDER BY recorded_at ASC`, userID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer rows.Close()

	var results []*UsageRecord
	for rows.Next() {
		var r UsageRecord
		if err := rows.Scan(&r.ID, &r.UserID, &r.RunID, &r.Provider, &r.InputTokens, &r.OutputTokens, &r.CostUSD, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}

func (s *postgresStore) TotalCost(ctx context.Context, from, to time.Time) (float64, error) {
	var total float64
	err := s.pool.QueryRow(ctx, `
SELECT COALESCE(SUM(cost_usd), 0) FROM token_usage WHERE recorded_at >= $1 AND recorded_at <= $2`, from, to).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("sum usage: %w", err)
	}
	return total, nil
}
