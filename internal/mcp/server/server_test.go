package server

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/flightlog-ai/internal/contextdoc"
	"github.com/kubilitics/flightlog-ai/internal/db"
	"github.com/kubilitics/flightlog-ai/internal/memory"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/engine"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/expert"
	"github.com/kubilitics/flightlog-ai/internal/telemetry"
)

// cannedClient plans no specialist and answers every other role with a
// fixed text.
type cannedClient struct{}

func (cannedClient) Complete(_ context.Context, system, _ string, _ int) (string, error) {
	switch {
	case system == "":
		return "direct reply", nil
	case strings.Contains(system, "requested_time_windows"):
		return `{"requested_experts":[]}`, nil
	}
	return "general reply", nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := db.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	rec, err := telemetry.Normalize("log-1", &telemetry.Upload{
		Filename: "flight.bin",
		Messages: map[string]map[string][]any{
			"ATT": {telemetry.TimeAxis: {0.0, 100.0}, "Roll": {0.1, 0.2}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, store.SaveLog(ctx, rec))
	require.NoError(t, store.SaveDocuments(ctx, "log-1", []*contextdoc.Document{contextdoc.Overview(rec)}))

	client := cannedClient{}
	mem := memory.NewStore(store)
	docs := contextdoc.NewStoreProvider(store)
	dispatcher := expert.NewDispatcher(expert.DefaultTable(), telemetry.NewExtractor(store), docs, client, mem)
	eng := engine.NewEngine(dispatcher, docs, mem, client, engine.WithRunStore(store))
	return NewServer(eng, store, mem, "test", nil)
}

func TestAskModes(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	out, err := s.Ask(ctx, AskInput{LogID: "log-1", Question: "How was the flight?"})
	require.NoError(t, err)
	assert.Equal(t, "general reply", out.Answer)
	assert.NotEmpty(t, out.RunID)
	assert.Equal(t, string(engine.StateGeneralAnswer), out.State)
	assert.Equal(t, engine.PathGeneral, out.Path)

	out, err = s.Ask(ctx, AskInput{LogID: "log-1", Question: "Summarize", Mode: "General"})
	require.NoError(t, err)
	assert.Equal(t, "general reply", out.Answer)
	assert.Empty(t, out.RunID)

	out, err = s.Ask(ctx, AskInput{LogID: "log-1", Question: "hi", Mode: ModeDirect})
	require.NoError(t, err)
	assert.Equal(t, "direct reply", out.Answer)

	_, err = s.Ask(ctx, AskInput{LogID: "log-1", Question: "hi", Mode: "shout"})
	assert.ErrorIs(t, err, engine.ErrInvalidRequest)

	_, err = s.Ask(ctx, AskInput{LogID: "missing", Question: "hi"})
	assert.ErrorIs(t, err, telemetry.ErrNotFound)
}

func TestHistoryLimit(t *testing.T) {
	s := newTestServer(t)
	ctx := context.Background()

	_, err := s.Ask(ctx, AskInput{LogID: "log-1", Question: "first", Mode: ModeDirect})
	require.NoError(t, err)
	_, err = s.Ask(ctx, AskInput{LogID: "log-1", Question: "second", Mode: ModeDirect})
	require.NoError(t, err)

	out, err := s.History(ctx, HistoryInput{LogID: "log-1"})
	require.NoError(t, err)
	require.Len(t, out.Entries, 2)

	out, err = s.History(ctx, HistoryInput{LogID: "log-1", Limit: 1})
	require.NoError(t, err)
	require.Len(t, out.Entries, 1)
	assert.Equal(t, "second", out.Entries[0].Question)
	assert.Equal(t, engine.AgentDirect, out.Entries[0].Agent)
}

func TestList(t *testing.T) {
	s := newTestServer(t)
	out, err := s.List(context.Background(), ListInput{})
	require.NoError(t, err)
	require.Len(t, out.Logs, 1)
	assert.Equal(t, "log-1", out.Logs[0].LogID)
}

func TestToolsOverInMemoryTransport(t *testing.T) {
	s := newTestServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	ss, err := s.MCP().Connect(ctx, serverTransport, nil)
	require.NoError(t, err)
	defer ss.Close()

	client := mcp.NewClient(&mcp.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	cs, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer cs.Close()

	tools, err := cs.ListTools(ctx, nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"ask_flight_log", "flight_log_history", "list_flight_logs"}, names)

	res, err := cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "ask_flight_log",
		Arguments: map[string]any{"log_id": "log-1", "question": "hi", "mode": "direct"},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)

	b, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	var out AskOutput
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "direct reply", out.Answer)

	res, err = cs.CallTool(ctx, &mcp.CallToolParams{
		Name:      "ask_flight_log",
		Arguments: map[string]any{"log_id": "missing", "question": "hi"},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)

	stats := s.GetStats()
	assert.Equal(t, int64(2), stats["total_calls"])
	assert.Equal(t, int64(1), stats["failed_calls"])
}
