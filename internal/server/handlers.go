package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kubilitics/flightlog-ai/internal/audit"
	"github.com/kubilitics/flightlog-ai/internal/contextdoc"
	"github.com/kubilitics/flightlog-ai/internal/db"
	"github.com/kubilitics/flightlog-ai/internal/llm/adapter"
	"github.com/kubilitics/flightlog-ai/internal/llm/budget"
	"github.com/kubilitics/flightlog-ai/internal/middleware"
	"github.com/kubilitics/flightlog-ai/internal/reasoning/engine"
	"github.com/kubilitics/flightlog-ai/internal/telemetry"
)

const (
	defaultPageSize = 50
	maxPageSize     = 500
	maxQuestionBody = 1 << 20
)

// QuestionRequest is the body of the ask, general and direct endpoints.
type QuestionRequest struct {
	Question string `json:"question"`
	// Async returns 202 with the created run instead of waiting (ask only).
	Async bool `json:"async,omitempty"`
}

// AnswerResponse is returned by the general and direct endpoints.
type AnswerResponse struct {
	LogID  string `json:"log_id"`
	Answer string `json:"answer"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	RunID string `json:"run_id,omitempty"`
	Stage string `json:"stage,omitempty"`
}

// ─── Logs ─────────────────────────────────────────────────────────────────────

// handleIngestLog stores an uploaded parsed log and its overview document.
func (s *Server) handleIngestLog(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	var up telemetry.Upload
	if err := json.NewDecoder(r.Body).Decode(&up); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid log body: %v", err)})
		return
	}

	logID := strings.TrimSpace(r.URL.Query().Get("log_id"))
	if logID == "" {
		logID = uuid.New().String()
	}
	rec, err := telemetry.Normalize(logID, &up)
	if err != nil {
		s.writeError(w, err)
		return
	}

	ctx := r.Context()
	if err := s.deps.Store.SaveLog(ctx, rec); err != nil {
		s.writeError(w, fmt.Errorf("save log: %w", err))
		return
	}
	if err := s.deps.Store.SaveDocuments(ctx, logID, []*contextdoc.Document{contextdoc.Overview(rec)}); err != nil {
		s.writeError(w, fmt.Errorf("save overview: %w", err))
		return
	}
	_ = s.deps.Audit.LogIngested(ctx, logID, len(rec.TimeSeries))

	writeJSON(w, http.StatusCreated, db.LogSummary{
		LogID:        rec.LogID,
		Filename:     rec.Filename,
		Vehicle:      rec.Vehicle,
		MessageTypes: len(rec.TimeSeries),
		CreatedAt:    time.Now().UTC(),
	})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	limit, offset := pagination(r)
	logs, err := s.deps.Store.ListLogs(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": logs, "limit": limit, "offset": offset})
}

func (s *Server) handleGetLog(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Store.GetLog(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	logID := mux.Vars(r)["id"]
	docs, err := s.deps.Store.ListDocuments(r.Context(), logID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if t := r.URL.Query().Get("type"); t != "" {
		docs = contextdoc.Filter(docs, t)
	}
	writeJSON(w, http.StatusOK, map[string]any{"log_id": logID, "documents": docs})
}

// handleStoreDocuments upserts reference documents for a log. Chat-history
// documents are rejected.
func (s *Server) handleStoreDocuments(w http.ResponseWriter, r *http.Request) {
	logID := mux.Vars(r)["id"]
	ctx := r.Context()
	if _, err := s.deps.Store.GetLog(ctx, logID); err != nil {
		s.writeError(w, err)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	var docs []*contextdoc.Document
	if err := json.NewDecoder(r.Body).Decode(&docs); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid documents body: %v", err)})
		return
	}
	now := time.Now().UTC()
	for i, d := range docs {
		if d == nil || strings.TrimSpace(d.Content) == "" {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("document %d has no content", i)})
			return
		}
		if contextdoc.IsChatHistory(d) {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("document %d: chat history is written by the service only", i)})
			return
		}
		if d.DocumentID == "" {
			d.DocumentID = uuid.New().String()
		}
		if d.DocumentType == "" {
			d.DocumentType = contextdoc.TypeReference
		}
		d.UpdatedAt = now
	}
	if err := s.deps.Store.SaveDocuments(ctx, logID, docs); err != nil {
		s.writeError(w, err)
		return
	}
	_ = s.deps.Audit.Log(ctx, audit.NewEvent(audit.EventDocumentsStored).
		WithLogID(logID).
		WithSourceIP(middleware.ClientIP(r)).
		WithMetadata("count", len(docs)).
		WithResult(audit.ResultSuccess))

	writeJSON(w, http.StatusCreated, map[string]any{"log_id": logID, "stored": len(docs)})
}

// ─── Questions ────────────────────────────────────────────────────────────────

// handleAsk runs the orchestration pipeline. A stage failure responds with
// the run id and the failing stage so the client can fetch the steps.
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	logID, req, ok := s.questionRequest(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	if req.Async {
		run, err := s.deps.Engine.Submit(ctx, logID, req.Question)
		if err != nil {
			s.writeError(w, err)
			return
		}
		w.Header().Set("Location", "/api/v1/runs/"+run.ID)
		writeJSON(w, http.StatusAccepted, run)
		return
	}

	run, err := s.deps.Engine.Ask(ctx, logID, req.Question)
	if err != nil {
		var se *engine.StageError
		if errors.As(err, &se) && run != nil {
			writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error(), RunID: run.ID, Stage: string(se.Stage)})
			return
		}
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGeneral(w http.ResponseWriter, r *http.Request) {
	logID, req, ok := s.questionRequest(w, r)
	if !ok {
		return
	}
	answer, err := s.deps.Engine.General(r.Context(), logID, req.Question)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AnswerResponse{LogID: logID, Answer: answer})
}

func (s *Server) handleDirect(w http.ResponseWriter, r *http.Request) {
	logID, req, ok := s.questionRequest(w, r)
	if !ok {
		return
	}
	answer, err := s.deps.Engine.Direct(r.Context(), logID, req.Question)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AnswerResponse{LogID: logID, Answer: answer})
}

// questionRequest decodes the body and checks that the log exists.
func (s *Server) questionRequest(w http.ResponseWriter, r *http.Request) (string, QuestionRequest, bool) {
	var req QuestionRequest
	logID := mux.Vars(r)["id"]
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxQuestionBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("read body: %v", err)})
		return "", req, false
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("invalid JSON: %v", err)})
		return "", req, false
	}
	if strings.TrimSpace(req.Question) == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "question is required"})
		return "", req, false
	}
	if _, err := s.deps.Store.GetLog(r.Context(), logID); err != nil {
		s.writeError(w, err)
		return "", req, false
	}
	return logID, req, true
}

// ─── History and runs ─────────────────────────────────────────────────────────

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "chat history not configured"})
		return
	}
	logID := mux.Vars(r)["id"]
	entries, err := s.deps.History.Read(r.Context(), logID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"log_id": logID, "entries": entries})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	logID := mux.Vars(r)["id"]
	limit, offset := pagination(r)
	runs, err := s.deps.Engine.ListRuns(r.Context(), logID, limit, offset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"log_id": logID, "runs": runs, "limit": limit, "offset": offset})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.deps.Engine.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// ─── Usage and health ─────────────────────────────────────────────────────────

// handleUsage reports the current month's spend of the requesting user.
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	if s.deps.Tracker == nil {
		writeJSON(w, http.StatusServiceUnavailable, ErrorResponse{Error: "budget tracking not configured"})
		return
	}
	user := r.URL.Query().Get("user_id")
	if user == "" {
		user = budget.UserFrom(r.Context())
	}
	summary, err := s.deps.Tracker.Summary(r.Context(), user)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	dbStatus := "ok"
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		status, code, dbStatus = "unhealthy", http.StatusServiceUnavailable, err.Error()
	}
	writeJSON(w, code, map[string]any{
		"status":    status,
		"version":   s.deps.Version,
		"database":  dbStatus,
		"provider":  s.cfg.LLM.Provider,
		"timestamp": time.Now().UTC(),
	})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func pagination(r *http.Request) (int, int) {
	limit, offset := defaultPageSize, 0
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, maxPageSize)
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, telemetry.ErrNotFound), errors.Is(err, db.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidRequest), errors.Is(err, telemetry.ErrInvalidUpload):
		return http.StatusBadRequest
	case errors.Is(err, budget.ErrBudgetExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, adapter.ErrProviderNotConfigured):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.deps.Logger.Error("request failed", zap.Error(err))
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
