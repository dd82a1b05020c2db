package engine

// engineImpl drives one run per question through the pipeline stages and
// keeps the run's state, steps and subscribers in sync:
//
//	Ask/Submit → register run → PLAN → ... → finish (persist, publish, audit)
//
// Every state change and every reasoning call is forwarded to the run's
// subscribers so the frontend receives progress over WebSocket.

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/kubilitics/flightlog-ai/internal/audit"
	"github.com/kubilitics/flightlog-ai/internal/contextdoc"
	"github.com/kubilitics/flightlog-ai/internal/db"
	"github.com/kubilitics/flightlog-ai/internal/metrics"
	"github.com/kubilitics/flightlog-ai/internal/reasoning"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/expert"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/response"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/tokens"
	"github.com/kubilitics/flightlog-ai/internal/telemetry"
)

var tracer = otel.Tracer("github.com/kubilitics/flightlog-ai/internal/reasoning/engine")

// engineImpl is the concrete Engine.
type engineImpl struct {
	// Guards every Run reachable from active.
	mu sync.RWMutex

	// Dependencies
	specialists Specialists
	docs        contextdoc.Provider
	memory      Memory
	client      reasoning.Client
	runs        db.RunStore
	audit       audit.Logger
	logger      *zap.Logger

	maxInputTokens       int
	maxOutputTokens      int
	maxIntegrationRounds int
	callTimeout          time.Duration
	runTimeout           time.Duration

	// Active runs and their subscribers (run ID → list of subscribers)
	subsMu      sync.Mutex
	active      map[string]*Run
	subscribers map[string][]*Subscriber
}

// Option configures the engine.
type Option func(*engineImpl)

// WithLogger sets the application logger.
func WithLogger(l *zap.Logger) Option { return func(e *engineImpl) { e.logger = l } }

// WithAudit sets the audit logger.
func WithAudit(a audit.Logger) Option { return func(e *engineImpl) { e.audit = a } }

// WithRunStore persists runs. Without it runs are only visible while active.
func WithRunStore(s db.RunStore) Option { return func(e *engineImpl) { e.runs = s } }

// WithTokenLimits overrides the input and output token ceilings.
func WithTokenLimits(input, output int) Option {
	return func(e *engineImpl) {
		if input > 0 {
			e.maxInputTokens = input
		}
		if output > 0 {
			e.maxOutputTokens = output
		}
	}
}

// WithCallTimeout bounds each reasoning call made by the engine.
func WithCallTimeout(d time.Duration) Option { return func(e *engineImpl) { e.callTimeout = d } }

// WithRunTimeout bounds a whole run.
func WithRunTimeout(d time.Duration) Option { return func(e *engineImpl) { e.runTimeout = d } }

// WithMaxIntegrationRounds overrides the integration round cap, which
// defaults to the number of known specialists plus one.
func WithMaxIntegrationRounds(n int) Option {
	return func(e *engineImpl) { e.maxIntegrationRounds = n }
}

// NewEngine creates an Engine.
func NewEngine(
	specialists Specialists,
	docs contextdoc.Provider,
	memory Memory,
	client reasoning.Client,
	opts ...Option,
) Engine {
	e := &engineImpl{
		specialists:     specialists,
		docs:            docs,
		memory:          memory,
		client:          client,
		audit:           audit.NewNopLogger(),
		logger:          zap.NewNop(),
		maxInputTokens:  tokens.MaxInputTokens,
		maxOutputTokens: tokens.MaxOutputTokens,
		active:          make(map[string]*Run),
		subscribers:     make(map[string][]*Subscriber),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ─── Subscribers ──────────────────────────────────────────────────────────────

// Subscribe registers a channel to receive the events of an active run.
func (e *engineImpl) Subscribe(runID string) (*Subscriber, bool) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	if _, ok := e.active[runID]; !ok {
		return nil, false
	}
	sub := &Subscriber{Ch: make(chan Event, 64)}
	e.subscribers[runID] = append(e.subscribers[runID], sub)
	return sub, true
}

// Unsubscribe removes sub and closes its channel.
func (e *engineImpl) Unsubscribe(runID string, sub *Subscriber) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	subs := e.subscribers[runID]
	for i, s := range subs {
		if s == sub {
			e.subscribers[runID] = append(subs[:i], subs[i+1:]...)
			close(s.Ch)
			return
		}
	}
}

// publish sends an event to every subscriber of the run. Slow subscribers
// miss events rather than block the run.
func (e *engineImpl) publish(ev Event) {
	if ev.RunID == "" {
		return
	}
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for _, s := range e.subscribers[ev.RunID] {
		select {
		case s.Ch <- ev:
		default:
		}
	}
}

// release forgets an active run and closes its subscribers.
func (e *engineImpl) release(id string) {
	e.subsMu.Lock()
	subs := e.subscribers[id]
	delete(e.subscribers, id)
	delete(e.active, id)
	e.subsMu.Unlock()
	for _, s := range subs {
		close(s.Ch)
	}
}

// ─── Public interface ─────────────────────────────────────────────────────────

// Ask runs the pipeline synchronously.
func (e *engineImpl) Ask(ctx context.Context, logID, question string) (*Run, error) {
	run, err := e.start(ctx, logID, question)
	if err != nil {
		return nil, err
	}
	err = e.execute(ctx, run)
	return e.snapshot(run), err
}

// Submit runs the pipeline in the background, detached from ctx's
// cancellation so the run survives the HTTP request that started it.
func (e *engineImpl) Submit(ctx context.Context, logID, question string) (*Run, error) {
	run, err := e.start(ctx, logID, question)
	if err != nil {
		return nil, err
	}
	snap := e.snapshot(run)
	go func() {
		_ = e.execute(context.WithoutCancel(ctx), run)
	}()
	return snap, nil
}

// GetRun returns the live state of an active run, or the persisted record.
func (e *engineImpl) GetRun(ctx context.Context, id string) (*Run, error) {
	e.subsMu.Lock()
	run, ok := e.active[id]
	e.subsMu.Unlock()
	if ok {
		return e.snapshot(run), nil
	}
	if e.runs == nil {
		return nil, fmt.Errorf("run %s: %w", id, db.ErrNotFound)
	}
	rec, err := e.runs.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	return fromRecord(rec), nil
}

// ListRuns returns persisted runs of a log.
func (e *engineImpl) ListRuns(ctx context.Context, logID string, limit, offset int) ([]*Run, error) {
	if e.runs == nil {
		return []*Run{}, nil
	}
	recs, err := e.runs.ListRuns(ctx, logID, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]*Run, len(recs))
	for i, rec := range recs {
		out[i] = fromRecord(rec)
	}
	return out, nil
}

// ─── Run loop ─────────────────────────────────────────────────────────────────

func (e *engineImpl) start(ctx context.Context, logID, question string) (*Run, error) {
	if err := validate(logID, question); err != nil {
		return nil, err
	}
	now := time.Now()
	run := &Run{
		ID:        uuid.New().String(),
		LogID:     logID,
		Question:  question,
		State:     StatePlan,
		Status:    StatusRunning,
		Path:      PathPipeline,
		Steps:     []Step{},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.save(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	e.subsMu.Lock()
	e.active[run.ID] = run
	e.subsMu.Unlock()
	return run, nil
}

func (e *engineImpl) execute(ctx context.Context, run *Run) (err error) {
	ctx, cancel := e.withRunTimeout(ctx)
	defer cancel()
	ctx = audit.WithCorrelationID(ctx, run.ID)
	ctx, span := tracer.Start(ctx, "engine.run")
	span.SetAttributes(attribute.String("run_id", run.ID), attribute.String("log_id", run.LogID))
	defer span.End()

	started := time.Now()
	_ = e.audit.LogRunStarted(ctx, run.ID, run.LogID, run.Question)
	e.logger.Info("run started", zap.String("run_id", run.ID), zap.String("log_id", run.LogID))

	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		e.finish(context.WithoutCancel(ctx), run, started, err)
	}()

	var plan *Plan
	if err := e.stage(ctx, run, StatePlan, audit.EventPlanProduced, AgentPlanner, func(ctx context.Context) (err error) {
		plan, err = e.plan(ctx, run)
		return err
	}); err != nil {
		return err
	}

	if !plan.HasExperts() {
		e.mu.Lock()
		run.Path = PathGeneral
		e.mu.Unlock()
		e.transition(run, StateNoExperts)
		return e.stage(ctx, run, StateGeneralAnswer, audit.EventGeneralAnswer, AgentGeneral, func(ctx context.Context) error {
			answer, err := e.general(ctx, run)
			e.setAnswer(run, answer)
			return err
		})
	}

	var c *collected
	if err := e.stage(ctx, run, StateDispatch, "", "", func(ctx context.Context) error {
		payloads, err := e.consult(ctx, run, plan.Experts, plan.Windows, "planner")
		c = newCollected(plan.Experts, payloads)
		return err
	}); err != nil {
		return err
	}

	var unified response.Payload
	if err := e.stage(ctx, run, StateIntegrate, "", "", func(ctx context.Context) (err error) {
		unified, err = e.integrate(ctx, run, c)
		return err
	}); err != nil {
		return err
	}

	return e.stage(ctx, run, StateSummarize, audit.EventSummaryProduced, AgentSummarizer, func(ctx context.Context) error {
		answer, err := e.summarize(ctx, run, unified)
		e.setAnswer(run, answer)
		return err
	})
}

// stage moves run to state, runs fn inside a span and records duration.
// A non-empty event is audited with actor.
func (e *engineImpl) stage(ctx context.Context, run *Run, state State, event audit.EventType, actor string, fn func(context.Context) error) error {
	e.transition(run, state)
	name := strings.ToLower(string(state))
	ctx, span := tracer.Start(ctx, "engine."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	dur := time.Since(start)
	metrics.StageDuration.WithLabelValues(name).Observe(dur.Seconds())
	if event != "" {
		_ = e.audit.LogStage(ctx, run.ID, run.LogID, event, actor, dur, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &StageError{Stage: state, Err: err}
	}
	return nil
}

// consult dispatches identities and records one step per result.
func (e *engineImpl) consult(ctx context.Context, run *Run, identities []string, windows []telemetry.Window, origin string) (map[string][]expert.Result, error) {
	start := time.Now()
	payloads, err := e.specialists.ConsultAll(ctx, run.LogID, run.Question, identities, windows, origin)
	if err != nil {
		return nil, fmt.Errorf("consult %v: %w", identities, err)
	}
	for _, id := range identities {
		for _, res := range payloads[id] {
			e.addStep(run, expert.Agent(id), res.Window.String(), res.Response)
		}
		_ = e.audit.LogStage(ctx, run.ID, run.LogID, audit.EventExpertConsulted, expert.Agent(id), time.Since(start), nil)
	}
	return payloads, nil
}

func (e *engineImpl) finish(ctx context.Context, run *Run, started time.Time, err error) {
	defer e.release(run.ID)
	dur := time.Since(started)

	e.mu.Lock()
	if err != nil {
		run.Status = StatusFailed
		run.Error = err.Error()
	} else {
		run.Status = StatusCompleted
	}
	run.UpdatedAt = time.Now()
	path, state, status, answer := run.Path, run.State, run.Status, run.Answer
	e.mu.Unlock()

	metrics.RunsTotal.WithLabelValues(path, string(status)).Inc()
	metrics.RunDuration.WithLabelValues(path).Observe(dur.Seconds())

	if saveErr := e.save(ctx, run); saveErr != nil {
		e.logger.Warn("failed to persist run", zap.String("run_id", run.ID), zap.Error(saveErr))
	}

	now := time.Now()
	if err != nil {
		_ = e.audit.LogRunFailed(ctx, run.ID, run.LogID, err)
		e.logger.Warn("run failed",
			zap.String("run_id", run.ID),
			zap.String("state", string(state)),
			zap.Error(err),
		)
		e.publish(Event{RunID: run.ID, Type: "error", State: state, Status: StatusFailed, Error: err.Error(), Timestamp: now})
		e.publish(Event{RunID: run.ID, Type: "done", State: state, Status: StatusFailed, Timestamp: now})
		return
	}

	_ = e.audit.LogRunCompleted(ctx, run.ID, run.LogID, dur)
	e.logger.Info("run completed",
		zap.String("run_id", run.ID),
		zap.String("path", path),
		zap.Duration("duration", dur),
	)
	e.publish(Event{RunID: run.ID, Type: "done", State: state, Status: StatusCompleted, Answer: answer, Timestamp: now})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func (e *engineImpl) complete(ctx context.Context, system, user string) (string, error) {
	callCtx, cancel := withTimeout(ctx, e.callTimeout)
	defer cancel()
	return e.client.Complete(callCtx, system, user, e.maxOutputTokens)
}

func (e *engineImpl) withRunTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, e.runTimeout)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

func (e *engineImpl) transition(run *Run, state State) {
	e.mu.Lock()
	run.State = state
	run.UpdatedAt = time.Now()
	e.mu.Unlock()
	e.publish(Event{RunID: run.ID, Type: "state", State: state, Status: StatusRunning, Timestamp: time.Now()})
}

func (e *engineImpl) addStep(run *Run, agent, summary, result string) {
	e.mu.Lock()
	step := Step{
		Number:    len(run.Steps) + 1,
		Agent:     agent,
		Summary:   summary,
		Result:    result,
		Timestamp: time.Now(),
	}
	run.Steps = append(run.Steps, step)
	run.UpdatedAt = step.Timestamp
	state := run.State
	e.mu.Unlock()
	e.publish(Event{RunID: run.ID, Type: "step", State: state, Status: StatusRunning, Step: &step, Timestamp: step.Timestamp})
}

func (e *engineImpl) setAnswer(run *Run, answer string) {
	e.mu.Lock()
	run.Answer = answer
	e.mu.Unlock()
}

func (e *engineImpl) snapshot(run *Run) *Run {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp := *run
	cp.Steps = append([]Step(nil), run.Steps...)
	return &cp
}

// ─── Persistence ──────────────────────────────────────────────────────────────

func (e *engineImpl) save(ctx context.Context, run *Run) error {
	if e.runs == nil {
		return nil
	}
	rec, err := toRecord(e.snapshot(run))
	if err != nil {
		return err
	}
	return e.runs.SaveRun(ctx, rec)
}

func toRecord(run *Run) (*db.RunRecord, error) {
	var plan string
	if run.Plan != nil {
		b, err := json.Marshal(run.Plan)
		if err != nil {
			return nil, fmt.Errorf("encode plan: %w", err)
		}
		plan = string(b)
	}
	rec := &db.RunRecord{
		ID:        run.ID,
		LogID:     run.LogID,
		Question:  run.Question,
		State:     string(run.State),
		Status:    string(run.Status),
		Path:      run.Path,
		Plan:      plan,
		Answer:    run.Answer,
		Error:     run.Error,
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
		Steps:     make([]db.StepRecord, len(run.Steps)),
	}
	for i, s := range run.Steps {
		rec.Steps[i] = db.StepRecord{
			RunID:     run.ID,
			Number:    s.Number,
			Agent:     s.Agent,
			Summary:   s.Summary,
			Result:    s.Result,
			Timestamp: s.Timestamp,
		}
	}
	return rec, nil
}

func fromRecord(rec *db.RunRecord) *Run {
	run := &Run{
		ID:        rec.ID,
		LogID:     rec.LogID,
		Question:  rec.Question,
		State:     State(rec.State),
		Status:    Status(rec.Status),
		Path:      rec.Path,
		Answer:    rec.Answer,
		Error:     rec.Error,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
		Steps:     make([]Step, len(rec.Steps)),
	}
	if rec.Plan != "" && rec.Plan != "{}" {
		var p Plan
		if err := json.Unmarshal([]byte(rec.Plan), &p); err == nil {
			run.Plan = &p
		}
	}
	for i, s := range rec.Steps {
		run.Steps[i] = Step{
			Number:    s.Number,
			Agent:     s.Agent,
			Summary:   s.Summary,
			Result:    s.Result,
			Timestamp: s.Timestamp,
		}
	}
	return run
}
