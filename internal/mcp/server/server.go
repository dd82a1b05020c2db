// Package server exposes the orchestration engine as Model Context Protocol
// tools so assistants can question flight logs over stdio.
package server

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/kubilitics/flightlog-ai/internal/db"
	"github.com/kubilitics/flightlog-ai/internal/memory"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/engine"
)

const instructions = `flightlog-ai answers diagnostic questions about ingested UAV flight logs.

1. list_flight_logs to find a log id
2. ask_flight_log to question it (mode "pipeline" consults specialists, "general" and "direct" are single calls)
3. flight_log_history to read earlier answers for the same log`

// Ask modes.
const (
	ModePipeline = "pipeline"
	ModeGeneral  = "general"
	ModeDirect   = "direct"
)

// HistoryReader reads the chat history of a log.
type HistoryReader interface {
	Read(ctx context.Context, logID string) ([]memory.Entry, error)
}

// AskInput is the argument of ask_flight_log.
type AskInput struct {
	LogID    string `json:"log_id" jsonschema:"id of an ingested flight log"`
	Question string `json:"question" jsonschema:"the diagnostic question"`
	Mode     string `json:"mode,omitempty" jsonschema:"pipeline (default), general or direct"`
}

// AskOutput is the result of ask_flight_log.
type AskOutput struct {
	Answer string `json:"answer"`
	RunID  string `json:"run_id,omitempty"`
	State  string `json:"state,omitempty"`
	Path   string `json:"path,omitempty"`
}

// HistoryInput is the argument of flight_log_history.
type HistoryInput struct {
	LogID string `json:"log_id" jsonschema:"id of an ingested flight log"`
	Limit int    `json:"limit,omitempty" jsonschema:"newest entries to return, 0 for all"`
}

// HistoryOutput is the result of flight_log_history.
type HistoryOutput struct {
	LogID   string         `json:"log_id"`
	Entries []memory.Entry `json:"entries"`
}

// ListInput is the argument of list_flight_logs.
type ListInput struct {
	Limit  int `json:"limit,omitempty" jsonschema:"page size, default 20"`
	Offset int `json:"offset,omitempty"`
}

// ListOutput is the result of list_flight_logs.
type ListOutput struct {
	Logs []*db.LogSummary `json:"logs"`
}

// Server wraps an MCP server whose tools call the engine.
type Server struct {
	mcp     *mcp.Server
	engine  engine.Engine
	logs    db.LogStore
	history HistoryReader
	logger  *zap.Logger

	stats struct {
		sync.Mutex
		TotalCalls  int64
		FailedCalls int64
		CallsByTool map[string]int64
	}
}

// NewServer registers the flight log tools.
func NewServer(eng engine.Engine, logs db.LogStore, history HistoryReader, version string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{engine: eng, logs: logs, history: history, logger: logger}
	s.stats.CallsByTool = make(map[string]int64)

	s.mcp = mcp.NewServer(&mcp.Implementation{Name: "flightlog-ai", Version: version}, &mcp.ServerOptions{
		Instructions: instructions,
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "ask_flight_log",
		Description: "Ask a diagnostic question about a flight log. Returns the user-facing answer and, for the pipeline mode, the run id.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in AskInput) (*mcp.CallToolResult, AskOutput, error) {
		out, err := s.Ask(ctx, in)
		s.record("ask_flight_log", err)
		return nil, out, err
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "flight_log_history",
		Description: "Read the chat history of a flight log, oldest first.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in HistoryInput) (*mcp.CallToolResult, HistoryOutput, error) {
		out, err := s.History(ctx, in)
		s.record("flight_log_history", err)
		return nil, out, err
	})

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "list_flight_logs",
		Description: "List ingested flight logs, newest first.",
	}, func(ctx context.Context, _ *mcp.CallToolRequest, in ListInput) (*mcp.CallToolResult, ListOutput, error) {
		out, err := s.List(ctx, in)
		s.record("list_flight_logs", err)
		return nil, out, err
	})

	return s
}

// Run serves the tools over stdio until ctx is done or the client leaves.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("MCP server started", zap.String("transport", "stdio"))
	return s.mcp.Run(ctx, &mcp.StdioTransport{})
}

// MCP returns the underlying protocol server.
func (s *Server) MCP() *mcp.Server { return s.mcp }

// Ask answers one question in the requested mode.
func (s *Server) Ask(ctx context.Context, in AskInput) (AskOutput, error) {
	if _, err := s.logs.GetLog(ctx, in.LogID); err != nil {
		return AskOutput{}, err
	}
	start := time.Now()
	defer func() {
		s.logger.Debug("tool call", zap.String("tool", "ask_flight_log"), zap.String("log_id", in.LogID), zap.Duration("duration", time.Since(start)))
	}()

	switch strings.ToLower(strings.TrimSpace(in.Mode)) {
	case "", ModePipeline:
		run, err := s.engine.Ask(ctx, in.LogID, in.Question)
		if err != nil {
			return AskOutput{}, err
		}
		return AskOutput{Answer: run.Answer, RunID: run.ID, State: string(run.State), Path: run.Path}, nil
	case ModeGeneral:
		answer, err := s.engine.General(ctx, in.LogID, in.Question)
		return AskOutput{Answer: answer, Path: engine.PathGeneral}, err
	case ModeDirect:
		answer, err := s.engine.Direct(ctx, in.LogID, in.Question)
		return AskOutput{Answer: answer}, err
	default:
		return AskOutput{}, fmt.Errorf("%w: unknown mode %q", engine.ErrInvalidRequest, in.Mode)
	}
}

// History returns the chat history of a log, cut to the newest Limit entries.
func (s *Server) History(ctx context.Context, in HistoryInput) (HistoryOutput, error) {
	if _, err := s.logs.GetLog(ctx, in.LogID); err != nil {
		return HistoryOutput{}, err
	}
	entries, err := s.history.Read(ctx, in.LogID)
	if err != nil {
		return HistoryOutput{}, err
	}
	if in.Limit > 0 && len(entries) > in.Limit {
		entries = entries[len(entries)-in.Limit:]
	}
	if entries == nil {
		entries = []memory.Entry{}
	}
	return HistoryOutput{LogID: in.LogID, Entries: entries}, nil
}

// List pages through the stored logs.
func (s *Server) List(ctx context.Context, in ListInput) (ListOutput, error) {
	limit := in.Limit
	if limit <= 0 {
		limit = 20
	}
	logs, err := s.logs.ListLogs(ctx, limit, max(in.Offset, 0))
	if err != nil {
		return ListOutput{}, err
	}
	return ListOutput{Logs: logs}, nil
}

func (s *Server) record(tool string, err error) {
	s.stats.Lock()
	defer s.stats.Unlock()
	s.stats.TotalCalls++
	s.stats.CallsByTool[tool]++
	if err != nil {
		s.stats.FailedCalls++
		s.logger.Warn("tool call failed", zap.String("tool", tool), zap.Error(err))
	}
}

// GetStats returns call counters.
func (s *Server) GetStats() map[string]interface{} {
	s.stats.Lock()
	defer s.stats.Unlock()
	byTool := make(map[string]int64, len(s.stats.CallsByTool))
	for k, v := range s.stats.CallsByTool {
		byTool[k] = v
	}
	return map[string]interface{}{
		"total_calls":   s.stats.TotalCalls,
		"failed_calls":  s.stats.FailedCalls,
		"calls_by_tool": byTool,
	}
}
