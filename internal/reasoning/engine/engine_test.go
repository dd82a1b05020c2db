package engine_test

// The pipeline is exercised against the real sqlite store, memory store,
// document provider and dispatcher. Only the reasoning call is stubbed: the
// stub routes on the system instruction, so each role can be scripted.

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kubilitics/flightlog-ai/internal/contextdoc"
	"github.com/kubilitics/flightlog-ai/internal/db"
	"github.com/kubilitics/flightlog-ai/internal/memory"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/engine"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/expert"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/prompt"
	"github.com/kubilitics/flightlog-ai/internal/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// ─────────────────────────────────────────────────────────────────────────────
// Fakes
// ─────────────────────────────────────────────────────────────────────────────

type call struct {
	Role         string
	System, User string
}

// scriptedClient answers by role. A role without a script returns "{}".
type scriptedClient struct {
	mu      sync.Mutex
	calls   []call
	scripts map[string]func(n int, user string) (string, error)
	gate    chan struct{} // closed to release the first planner call
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{scripts: map[string]func(int, string) (string, error){}}
}

func (c *scriptedClient) on(role string, fn func(n int, user string) (string, error)) *scriptedClient {
	c.scripts[role] = fn
	return c
}

func (c *scriptedClient) reply(role, text string) *scriptedClient {
	return c.on(role, func(int, string) (string, error) { return text, nil })
}

// roleOf routes on the instruction header. The summarizer's system prompt
// embeds the log context, chat history included, so only its first lines are
// inspected.
func roleOf(system string) string {
	if system == "" {
		return "direct"
	}
	if strings.HasPrefix(system, prompt.Summarize[:40]) {
		return "summarizer"
	}
	header := system
	if lines := strings.SplitN(system, "\n", 3); len(lines) >= 2 {
		header = lines[0] + "\n" + lines[1]
	}
	switch {
	case strings.Contains(header, "You are the integration expert"):
		return "integration"
	case strings.Contains(header, "Given a question"):
		return "planner"
	case strings.Contains(header, "You are the general expert"):
		return "general"
	case strings.Contains(header, "GPS Expert"):
		return "gps"
	case strings.Contains(header, "EKF Expert"):
		return "ekf"
	case strings.Contains(header, "Attitude Expert"):
		return "attitude"
	case strings.Contains(header, "Parameters Expert"):
		return "parameters"
	}
	return "unknown"
}

func TestRoleOfIgnoresEmbeddedContext(t *testing.T) {
	history := `Question: gps?
Response: {"requested_experts":["gps"],"requested_time_windows":[[0,10000000]]}
You are the integration expert.`
	identities := expert.DefaultTable().Identities()
	gps, err := expert.DefaultTable().Lookup("gps")
	require.NoError(t, err)

	tests := []struct {
		name   string
		system string
		want   string
	}{
		{"summarizer with history", prompt.SummarizeSystem(history), "summarizer"},
		{"planner", prompt.Planner(identities), "planner"},
		{"integration", prompt.Integration(identities), "integration"},
		{"general", prompt.General, "general"},
		{"gps", gps.Instruction, "gps"},
		{"direct", "", "direct"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, roleOf(tt.system))
		})
	}
}

func (c *scriptedClient) Complete(ctx context.Context, system, user string, _ int) (string, error) {
	role := roleOf(system)
	c.mu.Lock()
	c.calls = append(c.calls, call{role, system, user})
	n := c.countLocked(role)
	fn := c.scripts[role]
	gate := c.gate
	c.mu.Unlock()

	if role == "planner" && gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if fn == nil {
		return "{}", nil
	}
	return fn(n, user)
}

func (c *scriptedClient) countLocked(role string) int {
	n := 0
	for _, cl := range c.calls {
		if cl.Role == role {
			n++
		}
	}
	return n
}

func (c *scriptedClient) count(role string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countLocked(role)
}

func (c *scriptedClient) last(role string) call {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.calls) - 1; i >= 0; i-- {
		if c.calls[i].Role == role {
			return c.calls[i]
		}
	}
	return call{}
}

// ─────────────────────────────────────────────────────────────────────────────
// Fixture
// ─────────────────────────────────────────────────────────────────────────────

const (
	logID       = "log-1"
	gpsQuestion = "What was the GPS signal quality during the flight?"
	gpsPlan     = `{"requested_experts":["gps"],"requested_time_windows":[[0,10000000]]}`
)

type fixture struct {
	store  db.Store
	memory *memory.Store
	client *scriptedClient
	engine engine.Engine
}

func flightLog() *telemetry.LogRecord {
	axis := []any{}
	sats := []any{}
	for t := 0.0; t < 10000; t += 500 {
		axis = append(axis, t)
		sats = append(sats, 11.0)
	}
	return &telemetry.LogRecord{
		LogID:    logID,
		Filename: "flight.bin",
		TimeSeries: map[string]telemetry.MessageSeries{
			"GPS[0]": {
				Fields:      []string{telemetry.TimeAxis, "NSats"},
				SampleCount: len(axis),
				TimeRange:   telemetry.TimeRange{Start: 0, End: 9500},
				Data:        map[string][]any{telemetry.TimeAxis: axis, "NSats": sats},
			},
		},
	}
}

func newFixture(t *testing.T, client *scriptedClient, seedDocs bool, opts ...engine.Option) *fixture {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	require.NoError(t, store.SaveLog(ctx, flightLog()))
	if seedDocs {
		require.NoError(t, store.SaveDocuments(ctx, logID, []*contextdoc.Document{
			{DocumentID: logID + "_overview", DocumentType: contextdoc.TypeOverview, Title: "Flight Overview - flight.bin", Content: "Duration 9.5s"},
			{DocumentID: logID + "_gps", DocumentType: "gps_navigation", Title: "GPS Analysis", Content: "11 satellites"},
		}))
	}

	mem := memory.NewStore(store)
	docs := contextdoc.NewStoreProvider(store)
	dispatcher := expert.NewDispatcher(expert.DefaultTable(), telemetry.NewExtractor(store), docs, client, mem)
	opts = append([]engine.Option{engine.WithRunStore(store)}, opts...)

	return &fixture{
		store:  store,
		memory: mem,
		client: client,
		engine: engine.NewEngine(dispatcher, docs, mem, client, opts...),
	}
}

func (f *fixture) agents(t *testing.T) []string {
	t.Helper()
	entries, err := f.memory.Read(context.Background(), logID)
	require.NoError(t, err)
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Agent
	}
	return out
}

// ─────────────────────────────────────────────────────────────────────────────
// Tests
// ─────────────────────────────────────────────────────────────────────────────

func TestAskGPSEndToEnd(t *testing.T) {
	client := newScriptedClient().
		reply("planner", gpsPlan).
		reply("gps", `{"evidence":["NSats 11 throughout"],"suggested_cause":"none","confidence":0.9}`).
		reply("integration", `{"suggested_cause":"healthy GPS","confidence":0.9}`).
		reply("summarizer", "GPS quality was good: 11 satellites for the whole flight.")
	f := newFixture(t, client, true)

	run, err := f.engine.Ask(context.Background(), logID, gpsQuestion)
	require.NoError(t, err)

	assert.Equal(t, engine.StatusCompleted, run.Status)
	assert.Equal(t, engine.StateSummarize, run.State)
	assert.Equal(t, engine.PathPipeline, run.Path)
	assert.Equal(t, "GPS quality was good: 11 satellites for the whole flight.", run.Answer)
	require.NotNil(t, run.Plan)
	assert.Equal(t, []string{"gps"}, run.Plan.Experts)
	assert.Equal(t, []telemetry.Window{telemetry.WholeLog}, run.Plan.Windows)

	assert.Equal(t, 1, client.count("planner"))
	assert.Equal(t, 1, client.count("gps"))
	assert.Equal(t, 1, client.count("integration"))
	assert.Equal(t, 1, client.count("summarizer"))

	assert.Equal(t, []string{"planner", "expert:gps", "integration", "summarizeForUser"}, f.agents(t))

	integration := client.last("integration").User
	assert.True(t, strings.HasPrefix(integration, "Question: "+gpsQuestion+"\n\nExpert Responses:\ngps: "))
	assert.Contains(t, integration, `"suggested_cause":"none"`)

	summary := client.last("summarizer")
	assert.Contains(t, summary.System, "Title: Flight Overview - flight.bin")
	assert.Contains(t, summary.User, "Integration Result: {\n")
	assert.Contains(t, summary.User, `"suggested_cause": "healthy GPS"`)

	require.Len(t, run.Steps, 4)
	assert.Equal(t, "expert:gps", run.Steps[1].Agent)
	assert.Equal(t, "whole log", run.Steps[1].Summary)

	stored, err := f.engine.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, stored.Status)
	assert.Equal(t, run.Answer, stored.Answer)
	assert.Len(t, stored.Steps, 4)
	require.NotNil(t, stored.Plan)
	assert.Equal(t, []string{"gps"}, stored.Plan.Experts)
}

func TestAskPlannerSeesChatHistoryLast(t *testing.T) {
	client := newScriptedClient().reply("planner", gpsPlan)
	f := newFixture(t, client, true)
	ctx := context.Background()

	_, err := f.engine.Ask(ctx, logID, "first question")
	require.NoError(t, err)
	_, err = f.engine.Ask(ctx, logID, "second question")
	require.NoError(t, err)

	user := client.last("planner").User
	overview := strings.Index(user, "Title: Flight Overview - flight.bin")
	history := strings.Index(user, "Title: Chat History - "+logID)
	require.GreaterOrEqual(t, overview, 0)
	require.GreaterOrEqual(t, history, 0)
	assert.Less(t, overview, history)
	assert.Equal(t, 1, strings.Count(user, "Title: Chat History"))
	assert.Contains(t, user, "Question: first question")
}

func TestAskWithoutExpertsUsesGeneralAnswer(t *testing.T) {
	tests := []struct {
		name string
		plan string
	}{
		{"no requested_experts", `{"requested_time_windows":[[0,10000000]]}`},
		{"empty list", `{"requested_experts":[]}`},
		{"unknown expert only", `{"requested_experts":["battery"]}`},
		{"planner not json", "I think you should look at the GPS."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newScriptedClient().
				reply("planner", tt.plan).
				reply("general", "The flight looks nominal.")
			f := newFixture(t, client, true)

			run, err := f.engine.Ask(context.Background(), logID, "How did it go?")
			require.NoError(t, err)
			assert.Equal(t, engine.StateGeneralAnswer, run.State)
			assert.Equal(t, engine.PathGeneral, run.Path)
			assert.Equal(t, "The flight looks nominal.", run.Answer)
			assert.Zero(t, client.count("integration"))
			assert.Zero(t, client.count("summarizer"))
			assert.Equal(t, []string{"planner", "general"}, f.agents(t))
		})
	}
}

func TestIntegrationDispatchesAdditionalExperts(t *testing.T) {
	client := newScriptedClient().
		reply("planner", `{"requested_experts":["gps"],"requested_time_windows":[[2000,100]]}`).
		on("integration", func(n int, _ string) (string, error) {
			if n == 1 {
				return `{"additional_experts":["EKF","gps","battery"]}`, nil
			}
			return `{"suggested_cause":"ekf lane switch"}`, nil
		})
	f := newFixture(t, client, true)

	run, err := f.engine.Ask(context.Background(), logID, "Why did it drift?")
	require.NoError(t, err)

	assert.Equal(t, 2, client.count("integration"))
	assert.Equal(t, 1, client.count("ekf"))
	assert.Equal(t, 1, client.count("gps"))
	assert.Equal(t, []string{
		"planner", "expert:gps", "integration", "expert:ekf", "integration", "summarizeForUser",
	}, f.agents(t))

	second := client.last("integration").User
	assert.Contains(t, second, "\ngps: ")
	assert.Contains(t, second, "\nekf: ")

	// ekf is dispatched over the whole log.
	var ekfStep engine.Step
	for _, s := range run.Steps {
		if s.Agent == "expert:ekf" {
			ekfStep = s
		}
	}
	assert.Equal(t, "whole log", ekfStep.Summary)
}

func TestIntegrationLoopTerminates(t *testing.T) {
	all := `{"additional_experts":["attitude","gps","ekf","parameters"]}`
	client := newScriptedClient().
		reply("planner", gpsPlan).
		reply("integration", all)
	f := newFixture(t, client, true)

	run, err := f.engine.Ask(context.Background(), logID, "Check everything")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, run.Status)

	identities := expert.DefaultTable().Len()
	assert.LessOrEqual(t, client.count("integration"), identities+1)
	for _, id := range []string{"attitude", "gps", "ekf", "parameters"} {
		assert.Equal(t, 1, client.count(id), id)
	}
}

func TestIntegrationRoundCap(t *testing.T) {
	client := newScriptedClient().
		reply("planner", gpsPlan).
		reply("integration", `{"suggested_cause":"unclear","additional_experts":["ekf"]}`)
	f := newFixture(t, client, true, engine.WithMaxIntegrationRounds(1))

	run, err := f.engine.Ask(context.Background(), logID, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, client.count("integration"))
	assert.Zero(t, client.count("ekf"))
	assert.Contains(t, client.last("summarizer").User, `"suggested_cause": "unclear"`)
	assert.Equal(t, engine.StatusCompleted, run.Status)
}

func TestIntegrationIgnoresMalformedAdditionalExperts(t *testing.T) {
	tests := []string{
		`{"additional_experts":"ekf"}`,
		`{"additional_experts":["ekf", 3]}`,
		`{"additional_experts":{"ekf":true}}`,
	}
	for _, reply := range tests {
		client := newScriptedClient().reply("planner", gpsPlan).reply("integration", reply)
		f := newFixture(t, client, true)

		_, err := f.engine.Ask(context.Background(), logID, "q")
		require.NoError(t, err)
		assert.Equal(t, 1, client.count("integration"), reply)
		assert.Zero(t, client.count("ekf"), reply)
	}
}

func TestIntegrationRawResultPassesThrough(t *testing.T) {
	client := newScriptedClient().
		reply("planner", gpsPlan).
		reply("integration", "Everything points to multipath near the hangar.")
	f := newFixture(t, client, true)

	_, err := f.engine.Ask(context.Background(), logID, "q")
	require.NoError(t, err)
	assert.Equal(t, 1, client.count("integration"))
	assert.Contains(t, client.last("summarizer").User, "Integration Result: Everything points to multipath near the hangar.")
}

func TestAskExtractionErrorDoesNotAbort(t *testing.T) {
	client := newScriptedClient().
		reply("planner", `{"requested_experts":["gps","attitude"],"requested_time_windows":[[50000,100]]}`)
	f := newFixture(t, client, true)

	run, err := f.engine.Ask(context.Background(), logID, "q")
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, run.Status)
	assert.Contains(t, client.last("gps").User, `{"error":`)
	assert.Contains(t, client.last("integration").User, "extraction_error")
}

func TestAskStageFailure(t *testing.T) {
	boom := errors.New("model unavailable")
	tests := []struct {
		name  string
		role  string
		stage engine.State
	}{
		{"planner", "planner", engine.StatePlan},
		{"specialist", "gps", engine.StateDispatch},
		{"integration", "integration", engine.StateIntegrate},
		{"summarizer", "summarizer", engine.StateSummarize},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newScriptedClient().reply("planner", gpsPlan).
				on(tt.role, func(int, string) (string, error) { return "", boom })
			f := newFixture(t, client, true)

			run, err := f.engine.Ask(context.Background(), logID, "q")
			require.Error(t, err)
			assert.ErrorIs(t, err, boom)

			var stageErr *engine.StageError
			require.ErrorAs(t, err, &stageErr)
			assert.Equal(t, tt.stage, stageErr.Stage)

			require.NotNil(t, run)
			assert.Equal(t, engine.StatusFailed, run.Status)
			assert.Equal(t, tt.stage, run.State)
			assert.Contains(t, run.Error, "model unavailable")

			stored, err := f.engine.GetRun(context.Background(), run.ID)
			require.NoError(t, err)
			assert.Equal(t, engine.StatusFailed, stored.Status)
		})
	}
}

func TestAskCallTimeout(t *testing.T) {
	client := newScriptedClient().reply("planner", gpsPlan)
	client.gate = make(chan struct{})
	f := newFixture(t, client, true, engine.WithCallTimeout(20*time.Millisecond))

	_, err := f.engine.Ask(context.Background(), logID, "q")
	var stageErr *engine.StageError
	require.ErrorAs(t, err, &stageErr)
	assert.Equal(t, engine.StatePlan, stageErr.Stage)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAskRunTimeout(t *testing.T) {
	client := newScriptedClient().reply("planner", gpsPlan)
	client.gate = make(chan struct{})
	f := newFixture(t, client, true, engine.WithRunTimeout(20*time.Millisecond))

	run, err := f.engine.Ask(context.Background(), logID, "q")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, engine.StatusFailed, run.Status)
}

func TestAskValidation(t *testing.T) {
	f := newFixture(t, newScriptedClient(), true)
	ctx := context.Background()

	_, err := f.engine.Ask(ctx, logID, "   ")
	assert.ErrorIs(t, err, engine.ErrInvalidRequest)
	_, err = f.engine.Ask(ctx, "", "q")
	assert.ErrorIs(t, err, engine.ErrInvalidRequest)
	_, err = f.engine.General(ctx, logID, "")
	assert.ErrorIs(t, err, engine.ErrInvalidRequest)
	assert.Zero(t, f.client.count("planner"))
}

func TestAskWithoutCollectionSkipsMemory(t *testing.T) {
	client := newScriptedClient().reply("planner", gpsPlan).reply("summarizer", "fine")
	f := newFixture(t, client, false)

	run, err := f.engine.Ask(context.Background(), logID, "q")
	require.NoError(t, err)
	assert.Equal(t, "fine", run.Answer)
	assert.Empty(t, f.agents(t))

	has, err := f.store.HasCollection(context.Background(), logID)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestGeneralAndDirect(t *testing.T) {
	client := newScriptedClient().
		reply("general", "general answer").
		reply("direct", "direct answer")
	f := newFixture(t, client, true)
	ctx := context.Background()

	answer, err := f.engine.General(ctx, logID, "Was it a good flight?")
	require.NoError(t, err)
	assert.Equal(t, "general answer", answer)
	assert.True(t, strings.HasPrefix(client.last("general").User, "Question: Was it a good flight?\n\nContext:\nTitle: Flight Overview"))

	answer, err = f.engine.Direct(ctx, logID, "hello")
	require.NoError(t, err)
	assert.Equal(t, "direct answer", answer)
	assert.Equal(t, "hello", client.last("direct").User)

	assert.Equal(t, []string{"general", "ask"}, f.agents(t))
}

func TestSubmitStreamsEvents(t *testing.T) {
	client := newScriptedClient().reply("planner", gpsPlan).reply("summarizer", "streamed answer")
	client.gate = make(chan struct{})
	f := newFixture(t, client, true)

	run, err := f.engine.Submit(context.Background(), logID, gpsQuestion)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusRunning, run.Status)

	sub, ok := f.engine.Subscribe(run.ID)
	require.True(t, ok)
	close(client.gate)

	var events []engine.Event
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev, open := <-sub.Ch:
			if !open {
				done = true
				break
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("run did not finish")
		}
	}

	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "done", last.Type)
	assert.Equal(t, engine.StatusCompleted, last.Status)
	assert.Equal(t, "streamed answer", last.Answer)

	var states []engine.State
	steps := 0
	for _, ev := range events {
		switch ev.Type {
		case "state":
			states = append(states, ev.State)
		case "step":
			steps++
		}
	}
	assert.Equal(t, []engine.State{engine.StateDispatch, engine.StateIntegrate, engine.StateSummarize}, states[len(states)-3:])
	assert.Equal(t, 4, steps)

	_, ok = f.engine.Subscribe(run.ID)
	assert.False(t, ok)

	stored, err := f.engine.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, "streamed answer", stored.Answer)

	runs, err := f.engine.ListRuns(context.Background(), logID, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)
}

func TestGetRunUnknown(t *testing.T) {
	f := newFixture(t, newScriptedClient(), true)
	_, err := f.engine.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, db.ErrNotFound)
}
