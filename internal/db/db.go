package db

import (
	"context"
	"errors"
	"time"

	"github.com/kubilitics/flightlog-ai/internal/contextdoc"
	"github.com/kubilitics/flightlog-ai/internal/telemetry"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrNoCollection is returned by UpdateDocument when the log has never
	// had a document collection created for it.
	ErrNoCollection = errors.New("log has no document collection")
)

// Store is the main persistence interface for the orchestration service.
type Store interface {
	LogStore
	DocumentStore
	RunStore
	UsageStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// ─── Log store ────────────────────────────────────────────────────────────────

// LogSummary is the listing view of a stored flight log.
type LogSummary struct {
	LogID        string    `json:"log_id"`
	Filename     string    `json:"filename"`
	Vehicle      string    `json:"vehicle"`
	MessageTypes int       `json:"message_types"`
	CreatedAt    time.Time `json:"created_at"`
}

// LogStore persists immutable flight log records.
type LogStore interface {
	// SaveLog stores a new record. Saving an existing log id fails: records
	// are immutable once ingested.
	SaveLog(ctx context.Context, rec *telemetry.LogRecord) error

	// GetLog returns the record or an error wrapping telemetry.ErrNotFound.
	GetLog(ctx context.Context, logID string) (*telemetry.LogRecord, error)

	// ListLogs returns stored logs, newest first.
	ListLogs(ctx context.Context, limit, offset int) ([]*LogSummary, error)
}

// ─── Document store ───────────────────────────────────────────────────────────

// DocumentStore persists the per-log context document collection.
type DocumentStore interface {
	// SaveDocuments upserts docs and creates the log's collection if needed.
	SaveDocuments(ctx context.Context, logID string, docs []*contextdoc.Document) error

	// ListDocuments returns every document of the log in insertion order.
	// A log without a collection yields an empty slice.
	ListDocuments(ctx context.Context, logID string) ([]*contextdoc.Document, error)

	// HasCollection reports whether the log has a document collection.
	HasCollection(ctx context.Context, logID string) (bool, error)

	// UpdateDocument runs a read-modify-write of the first document of
	// docType inside one transaction. fn receives nil when no such document
	// exists and returns the document to store, or nil to leave it alone.
	// Returns ErrNoCollection when the log has no collection.
	UpdateDocument(ctx context.Context, logID, docType string, fn func(doc *contextdoc.Document) (*contextdoc.Document, error)) error
}

// ─── Run store ────────────────────────────────────────────────────────────────

// RunRecord is the DB representation of one diagnostic run.
type RunRecord struct {
	ID        string       `json:"id"`
	LogID     string       `json:"log_id"`
	Question  string       `json:"question"`
	State     string       `json:"state"`
	Status    string       `json:"status"`
	Path      string       `json:"path"`
	Plan      string       `json:"plan"` // JSON blob
	Answer    string       `json:"answer"`
	Error     string       `json:"error"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
	Steps     []StepRecord `json:"steps"`
}

// StepRecord is one reasoning call of a run.
type StepRecord struct {
	RunID     string    `json:"run_id"`
	Number    int       `json:"number"`
	Agent     string    `json:"agent"`
	Summary   string    `json:"summary"`
	Result    string    `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}

// RunStore persists diagnostic runs.
type RunStore interface {
	// SaveRun creates or updates a run and replaces its steps.
	SaveRun(ctx context.Context, rec *RunRecord) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, id string) (*RunRecord, error)

	// ListRuns returns runs for a log, newest first. Empty logID lists all.
	ListRuns(ctx context.Context, logID string, limit, offset int) ([]*RunRecord, error)
}

// ─── Usage store ──────────────────────────────────────────────────────────────

// UsageRecord is a persisted reasoning-call token usage entry.
type UsageRecord struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"user_id"`
	RunID        string    `json:"run_id"`
	Provider     string    `json:"provider"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// UsageStore persists token usage so budgets survive restarts.
type UsageStore interface {
	// AppendUsage writes a single token usage record.
	AppendUsage(ctx context.Context, rec *UsageRecord) error

	// QueryUsage retrieves records for a user within a time window.
	QueryUsage(ctx context.Context, userID string, from, to time.Time) ([]*UsageRecord, error)

	// TotalCost returns total cost in USD for all users within the window.
	TotalCost(ctx context.Context, from, to time.Time) (float64, error)
}
