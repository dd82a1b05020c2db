// Package engine is the diagnostic orchestrator of flightlog-ai.
//
// A question about a flight log runs through a fixed pipeline:
//
//	PLAN -> NO_EXPERTS -> GENERAL_ANSWER
//	PLAN -> DISPATCH -> INTEGRATE -> SUMMARIZE
//
// The planner picks specialists and time windows, the dispatcher runs the
// specialists over the requested telemetry, the integrator cross-analyzes
// their payloads (and may pull in specialists the planner missed, within a
// bounded number of rounds) and the summarizer writes the user-facing
// answer. When the planner requests no specialist the general expert
// answers directly.
//
// Every reasoning call appends to the log's conversational memory. Stage
// failures are never retried: they end the run with a *StageError. Runs are
// persisted with their steps and streamed to subscribers while active.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kubilitics/flightlog-ai/internal/contextdoc"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/expert"
	"github.com/kubilitics/flightlog-ai/internal/telemetry"
)

// ErrInvalidRequest is returned for a question or log id that cannot be run.
var ErrInvalidRequest = errors.New("invalid request")

// Engine answers diagnostic questions about flight logs.
type Engine interface {
	// Ask runs the full pipeline and returns the finished run. A stage
	// failure returns the failed run together with a *StageError.
	Ask(ctx context.Context, logID, question string) (*Run, error)

	// Submit starts the pipeline in the background and returns the run as
	// created. Progress is available through Subscribe and GetRun.
	Submit(ctx context.Context, logID, question string) (*Run, error)

	// General answers with the general expert only.
	General(ctx context.Context, logID, question string) (string, error)

	// Direct sends the question with no system instruction.
	Direct(ctx context.Context, logID, question string) (string, error)

	// GetRun returns an active or persisted run.
	GetRun(ctx context.Context, id string) (*Run, error)

	// ListRuns returns persisted runs of a log, newest first.
	ListRuns(ctx context.Context, logID string, limit, offset int) ([]*Run, error)

	// Subscribe registers for the events of an active run. It returns false
	// when the run is not running; the channel is closed when it finishes.
	Subscribe(runID string) (*Subscriber, bool)

	// Unsubscribe drops a subscriber before its run finishes.
	Unsubscribe(runID string, sub *Subscriber)
}

// Specialists is the dispatcher the engine consults.
type Specialists interface {
	Table() *expert.Table
	ConsultAll(ctx context.Context, logID, question string, identities []string, windows []telemetry.Window, origin string) (map[string][]expert.Result, error)
}

// Memory is the conversational memory written by every reasoning call.
type Memory interface {
	AppendBestEffort(ctx context.Context, logID, actor, question, answer string)
	Document(ctx context.Context, logID string) (*contextdoc.Document, error)
}

// State is a stage of the orchestration pipeline.
type State string

const (
	StatePlan          State = "PLAN"
	StateNoExperts     State = "NO_EXPERTS"
	StateGeneralAnswer State = "GENERAL_ANSWER"
	StateDispatch      State = "DISPATCH"
	StateIntegrate     State = "INTEGRATE"
	StateSummarize     State = "SUMMARIZE"
)

// Status is the lifecycle of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Run paths.
const (
	PathPipeline = "pipeline"
	PathGeneral  = "general"
)

// Memory actor names of the non-specialist steps.
const (
	AgentPlanner     = "planner"
	AgentIntegration = "integration"
	AgentSummarizer  = "summarizeForUser"
	AgentGeneral     = "general"
	AgentDirect      = "ask"
)

// Run is one question answered against one log. State is the stage the
// run reached: GENERAL_ANSWER or SUMMARIZE for a completed run, the failing
// stage for a failed one.
type Run struct {
	ID        string    `json:"id"`
	LogID     string    `json:"log_id"`
	Question  string    `json:"question"`
	State     State     `json:"state"`
	Status    Status    `json:"status"`
	Path      string    `json:"path"`
	Plan      *Plan     `json:"plan,omitempty"`
	Answer    string    `json:"answer,omitempty"`
	Error     string    `json:"error,omitempty"`
	Steps     []Step    `json:"steps"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Step is one reasoning call of a run.
type Step struct {
	Number    int       `json:"number"`
	Agent     string    `json:"agent"`
	Summary   string    `json:"summary"`
	Result    string    `json:"result"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is streamed to subscribers of an active run.
type Event struct {
	RunID     string    `json:"run_id"`
	Type      string    `json:"type"` // "state" | "step" | "error" | "done"
	State     State     `json:"state"`
	Status    Status    `json:"status"`
	Step      *Step     `json:"step,omitempty"`
	Answer    string    `json:"answer,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Subscriber receives run events in real time.
type Subscriber struct {
	Ch chan Event
}

// StageError is the failure of one pipeline stage.
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
