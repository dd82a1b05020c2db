package expert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kubilitics/flightlog-ai/internal/contextdoc"
	"github.com/kubilitics/flightlog-ai/internal/metrics"
	"github.com/kubilitics/flightlog-ai/internal/reasoning"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/prompt"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/response"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/tokens"
	"github.com/kubilitics/flightlog-ai/internal/telemetry"
)

var tracer = otel.Tracer("github.com/kubilitics/flightlog-ai/internal/reasoning/expert")

// Extractor is the telemetry dependency of the dispatcher.
type Extractor interface {
	Extract(ctx context.Context, logID string, window telemetry.Window, signals []telemetry.Signal) (*telemetry.Extraction, error)
}

// Memory receives one entry per specialist call.
type Memory interface {
	AppendBestEffort(ctx context.Context, logID, actor, question, answer string)
}

// Result is the outcome of one specialist call over one window.
type Result struct {
	Identity string
	Window   telemetry.Window
	Payload  response.Payload
	// Response is the unparsed model output.
	Response string
	// ExtractionError is set when the telemetry could not be extracted; the
	// call still ran with the error in place of flight data.
	ExtractionError string
	Duration        time.Duration
}

// MarshalJSON renders the payload, with the extraction error folded in.
func (r Result) MarshalJSON() ([]byte, error) {
	if r.ExtractionError == "" {
		return json.Marshal(r.Payload)
	}
	return json.Marshal(map[string]any{
		"extraction_error": r.ExtractionError,
		"response":         r.Payload,
	})
}

// Agent is the memory actor name of a specialist.
func Agent(identity string) string { return "expert:" + identity }

// Dispatcher runs specialists. It holds no per-run state.
type Dispatcher struct {
	table     *Table
	extractor Extractor
	docs      contextdoc.Provider
	client    reasoning.Client
	memory    Memory
	logger    *zap.Logger

	maxInputTokens  int
	maxOutputTokens int
	maxConcurrent   int
	callTimeout     time.Duration
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithTokenLimits overrides the input and output token ceilings.
func WithTokenLimits(input, output int) Option {
	return func(d *Dispatcher) {
		if input > 0 {
			d.maxInputTokens = input
		}
		if output > 0 {
			d.maxOutputTokens = output
		}
	}
}

// WithMaxConcurrent bounds concurrent specialist calls in ConsultAll.
func WithMaxConcurrent(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxConcurrent = n
		}
	}
}

// WithCallTimeout bounds each reasoning call.
func WithCallTimeout(t time.Duration) Option { return func(d *Dispatcher) { d.callTimeout = t } }

// NewDispatcher creates a Dispatcher.
func NewDispatcher(table *Table, extractor Extractor, docs contextdoc.Provider, client reasoning.Client, memory Memory, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		table:           table,
		extractor:       extractor,
		docs:            docs,
		client:          client,
		memory:          memory,
		logger:          zap.NewNop(),
		maxInputTokens:  tokens.MaxInputTokens,
		maxOutputTokens: tokens.MaxOutputTokens,
		maxConcurrent:   4,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Table returns the specialist table.
func (d *Dispatcher) Table() *Table { return d.table }

// Consult runs identity once per window and returns one result per window,
// in window order. No windows means the whole log. Extraction failures
// (unknown log, window out of range) are reported inside the result; any
// other failure aborts the call.
func (d *Dispatcher) Consult(ctx context.Context, logID, question, identity string, windows []telemetry.Window) ([]Result, error) {
	sp, err := d.table.Lookup(identity)
	if err != nil {
		return nil, err
	}
	if len(windows) == 0 {
		windows = []telemetry.Window{telemetry.WholeLog}
	}

	ctx, span := tracer.Start(ctx, "expert.consult")
	span.SetAttributes(
		attribute.String("log_id", logID),
		attribute.String("expert", sp.Identity),
		attribute.Int("windows", len(windows)),
	)
	defer span.End()

	docs, err := d.docs.Documents(ctx, logID, sp.DocumentFilter())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("expert %s: context documents: %w", sp.Identity, err)
	}

	share := tokens.Share(d.maxInputTokens, 3)
	docContext := reasoning.Fit("expert_context", contextdoc.Format(docs...), share)
	q := reasoning.Fit("question", question, share)

	results := make([]Result, 0, len(windows))
	for _, w := range windows {
		res, err := d.consultWindow(ctx, logID, question, q, docContext, sp, w, share)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

func (d *Dispatcher) consultWindow(ctx context.Context, logID, question, q, docContext string, sp Specialist, w telemetry.Window, share int) (Result, error) {
	start := time.Now()
	res := Result{Identity: sp.Identity, Window: w}

	var flightData string
	ex, err := d.extractor.Extract(ctx, logID, w, sp.Signals())
	switch {
	case err == nil:
		b, mErr := json.MarshalIndent(ex, "", "  ")
		if mErr != nil {
			return Result{}, fmt.Errorf("expert %s: encode telemetry: %w", sp.Identity, mErr)
		}
		flightData = string(b)
	case errors.Is(err, telemetry.ErrNotFound), errors.Is(err, telemetry.ErrOutOfRange):
		res.ExtractionError = err.Error()
		b, _ := json.Marshal(map[string]string{"error": err.Error()})
		flightData = string(b)
		d.logger.Info("telemetry unavailable for expert window",
			zap.String("log_id", logID),
			zap.String("expert", sp.Identity),
			zap.Stringer("window", w),
			zap.Error(err),
		)
	default:
		return Result{}, fmt.Errorf("expert %s: extract telemetry: %w", sp.Identity, err)
	}

	user := prompt.Expert(q, docContext, reasoning.Fit("telemetry", flightData, share))

	callCtx, cancel := d.withCallTimeout(ctx)
	text, err := d.client.Complete(callCtx, sp.Instruction, user, d.maxOutputTokens)
	cancel()
	if err != nil {
		return Result{}, fmt.Errorf("expert %s: reasoning call: %w", sp.Identity, err)
	}

	res.Response = text
	res.Payload = response.Parse(text)
	if !res.Payload.IsStructured() {
		metrics.MalformedResponses.WithLabelValues(Agent(sp.Identity)).Inc()
	}
	d.memory.AppendBestEffort(ctx, logID, Agent(sp.Identity), question, text)

	res.Duration = time.Since(start)
	return res, nil
}

func (d *Dispatcher) withCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.callTimeout > 0 {
		return context.WithTimeout(ctx, d.callTimeout)
	}
	return context.WithCancel(ctx)
}

// ConsultAll runs several identities concurrently over the same windows.
// origin labels the consultation in metrics (planner or integration).
// The first failure cancels the remaining calls.
func (d *Dispatcher) ConsultAll(ctx context.Context, logID, question string, identities []string, windows []telemetry.Window, origin string) (map[string][]Result, error) {
	var mu sync.Mutex
	out := make(map[string][]Result, len(identities))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.maxConcurrent)
	for _, id := range identities {
		id := id
		g.Go(func() error {
			res, err := d.Consult(gctx, logID, question, id, windows)
			if err != nil {
				return err
			}
			metrics.ExpertsConsulted.WithLabelValues(id, origin).Inc()
			mu.Lock()
			out[id] = res
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
