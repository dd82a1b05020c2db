package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kubilitics/flightlog-ai/internal/contextdoc"
	"github.com/kubilitics/flightlog-ai/internal/telemetry"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testLog(id string) *telemetry.LogRecord {
	return &telemetry.LogRecord{
		LogID:    id,
		Filename: id + ".bin",
		Vehicle:  "copter",
		TimeSeries: map[string]telemetry.MessageSeries{
			"ATT": {
				Fields:      []string{"time_boot_ms", "Roll"},
				SampleCount: 2,
				TimeRange:   telemetry.TimeRange{Start: 0, End: 100},
				Data: map[string][]any{
					"time_boot_ms": {0.0, 100.0},
					"Roll":         {1.5, -2.0},
				},
			},
		},
		Parameters: map[string]any{"changeArray": []any{[]any{0.0, "ATC_RAT_RLL_P", 0.135}}},
	}
}

// ─── Logs ─────────────────────────────────────────────────────────────────────

func TestLogRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveLog(ctx, testLog("log-1")); err != nil {
		t.Fatalf("SaveLog: %v", err)
	}

	got, err := s.GetLog(ctx, "log-1")
	if err != nil {
		t.Fatalf("GetLog: %v", err)
	}
	if got.Filename != "log-1.bin" {
		t.Errorf("expected filename log-1.bin, got %s", got.Filename)
	}
	att, ok := got.TimeSeries["ATT"]
	if !ok {
		t.Fatal("expected ATT series")
	}
	if att.SampleCount != 2 || len(att.Data["Roll"]) != 2 {
		t.Errorf("unexpected ATT series %+v", att)
	}
	if len(got.ParameterChanges()) != 1 {
		t.Errorf("expected 1 parameter change, got %d", len(got.ParameterChanges()))
	}
}

func TestSaveLogIsImmutable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveLog(ctx, testLog("log-1")); err != nil {
		t.Fatalf("SaveLog: %v", err)
	}
	if err := s.SaveLog(ctx, testLog("log-1")); err == nil {
		t.Fatal("expected second SaveLog with the same id to fail")
	}
}

func TestGetLogNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetLog(context.Background(), "missing")
	if !errors.Is(err, telemetry.ErrNotFound) {
		t.Fatalf("expected telemetry.ErrNotFound, got %v", err)
	}
}

func TestListLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := s.SaveLog(ctx, testLog(id)); err != nil {
			t.Fatalf("SaveLog %s: %v", id, err)
		}
	}

	all, err := s.ListLogs(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListLogs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 logs, got %d", len(all))
	}
	if all[0].MessageTypes != 1 {
		t.Errorf("expected 1 message type, got %d", all[0].MessageTypes)
	}

	page, err := s.ListLogs(ctx, 2, 2)
	if err != nil {
		t.Fatalf("ListLogs page: %v", err)
	}
	if len(page) != 1 {
		t.Errorf("expected 1 log on second page, got %d", len(page))
	}
}

// ─── Documents ────────────────────────────────────────────────────────────────

func TestDocumentsInsertionOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docs := []*contextdoc.Document{
		{DocumentID: "log-1_overview", DocumentType: "overview", Title: "Overview", Content: "flight overview"},
		{DocumentID: "log-1_gps", DocumentType: "gps", Title: "GPS", Content: "gps notes",
			Metadata: map[string]any{"sats": 12.0}, SearchableFields: []string{"NSats", "HDop"}},
	}
	if err := s.SaveDocuments(ctx, "log-1", docs); err != nil {
		t.Fatalf("SaveDocuments: %v", err)
	}

	ok, err := s.HasCollection(ctx, "log-1")
	if err != nil || !ok {
		t.Fatalf("expected collection, got %v, %v", ok, err)
	}

	got, err := s.ListDocuments(ctx, "log-1")
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 documents, got %d", len(got))
	}
	if got[0].DocumentID != "log-1_overview" || got[1].DocumentID != "log-1_gps" {
		t.Errorf("unexpected order %s, %s", got[0].DocumentID, got[1].DocumentID)
	}
	if got[1].Metadata["sats"] != 12.0 {
		t.Errorf("metadata not preserved: %v", got[1].Metadata)
	}
	if len(got[1].SearchableFields) != 2 {
		t.Errorf("searchable fields not preserved: %v", got[1].SearchableFields)
	}
}

func TestListDocumentsWithoutCollection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	docs, err := s.ListDocuments(ctx, "nobody")
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 0 {
		t.Errorf("expected no documents, got %d", len(docs))
	}
	ok, err := s.HasCollection(ctx, "nobody")
	if err != nil || ok {
		t.Errorf("expected no collection, got %v, %v", ok, err)
	}
}

func TestUpdateDocumentNoCollection(t *testing.T) {
	s := newTestStore(t)
	called := false
	err := s.UpdateDocument(context.Background(), "nobody", "chat_history", func(d *contextdoc.Document) (*contextdoc.Document, error) {
		called = true
		return d, nil
	})
	if !errors.Is(err, ErrNoCollection) {
		t.Fatalf("expected ErrNoCollection, got %v", err)
	}
	if called {
		t.Error("fn must not run without a collection")
	}
}

func TestUpdateDocumentCreateThenModify(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveDocuments(ctx, "log-1", nil); err != nil {
		t.Fatalf("SaveDocuments: %v", err)
	}

	err := s.UpdateDocument(ctx, "log-1", "chat_history", func(d *contextdoc.Document) (*contextdoc.Document, error) {
		if d != nil {
			t.Errorf("expected nil document on first update, got %+v", d)
		}
		return &contextdoc.Document{DocumentID: "log-1_chat_history", DocumentType: "chat_history", Content: "one"}, nil
	})
	if err != nil {
		t.Fatalf("UpdateDocument create: %v", err)
	}

	err = s.UpdateDocument(ctx, "log-1", "chat_history", func(d *contextdoc.Document) (*contextdoc.Document, error) {
		if d == nil {
			t.Fatal("expected existing document")
		}
		d.Content += " two"
		d.UpdatedAt = time.Now()
		return d, nil
	})
	if err != nil {
		t.Fatalf("UpdateDocument modify: %v", err)
	}

	docs, err := s.ListDocuments(ctx, "log-1")
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 1 {
		t.Fatalf("expected 1 document, got %d", len(docs))
	}
	if docs[0].Content != "one two" {
		t.Errorf("expected content 'one two', got %q", docs[0].Content)
	}
}

func TestUpdateDocumentFnErrorRollsBack(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SaveDocuments(ctx, "log-1", nil); err != nil {
		t.Fatalf("SaveDocuments: %v", err)
	}
	boom := errors.New("boom")
	err := s.UpdateDocument(ctx, "log-1", "chat_history", func(*contextdoc.Document) (*contextdoc.Document, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}
	docs, _ := s.ListDocuments(ctx, "log-1")
	if len(docs) != 0 {
		t.Errorf("expected no documents after failed update, got %d", len(docs))
	}
}

// ─── Runs ─────────────────────────────────────────────────────────────────────

func TestRunCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().Round(time.Second)
	rec := &RunRecord{
		ID:        "run-001",
		LogID:     "log-1",
		Question:  "Why did the GPS glitch?",
		State:     "PLAN",
		Status:    "running",
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.SaveRun(ctx, rec); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	rec.State = "SUMMARIZE"
	rec.Status = "completed"
	rec.Path = "pipeline"
	rec.Answer = "Low satellite count at takeoff."
	rec.Steps = []StepRecord{
		{Number: 1, Agent: "planner", Summary: "planned", Timestamp: now},
		{Number: 2, Agent: "expert:gps", Summary: "consulted", Timestamp: now},
	}
	if err := s.SaveRun(ctx, rec); err != nil {
		t.Fatalf("SaveRun update: %v", err)
	}

	got, err := s.GetRun(ctx, "run-001")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.State != "SUMMARIZE" || got.Status != "completed" || got.Answer != rec.Answer {
		t.Errorf("unexpected run %+v", got)
	}
	if got.Plan != "{}" {
		t.Errorf("expected empty plan to be stored as {}, got %q", got.Plan)
	}
	if len(got.Steps) != 2 || got.Steps[1].Agent != "expert:gps" {
		t.Errorf("unexpected steps %+v", got.Steps)
	}
	if !got.CreatedAt.Equal(now) {
		t.Errorf("created_at changed: %v != %v", got.CreatedAt, now)
	}
}

func TestGetRunNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetRun(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestListRunsByLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().Round(time.Second)
	for i, logID := range []string{"log-1", "log-1", "log-2"} {
		rec := &RunRecord{
			ID:        "run-" + string(rune('A'+i)),
			LogID:     logID,
			Question:  "q",
			State:     "SUMMARIZE",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
			UpdatedAt: base,
		}
		if err := s.SaveRun(ctx, rec); err != nil {
			t.Fatalf("SaveRun: %v", err)
		}
	}

	runs, err := s.ListRuns(ctx, "log-1", 10, 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs for log-1, got %d", len(runs))
	}
	if runs[0].ID != "run-B" {
		t.Errorf("expected newest first, got %s", runs[0].ID)
	}

	all, err := s.ListRuns(ctx, "", 10, 0)
	if err != nil {
		t.Fatalf("ListRuns all: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 runs, got %d", len(all))
	}
}

// ─── Usage ────────────────────────────────────────────────────────────────────

func TestUsageAppendAndQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	records := []*UsageRecord{
		{UserID: "alice", RunID: "run-1", Provider: "openai", InputTokens: 1000, OutputTokens: 200, CostUSD: 0.01, RecordedAt: now.Add(-time.Hour)},
		{UserID: "alice", RunID: "run-2", Provider: "openai", InputTokens: 500, OutputTokens: 100, CostUSD: 0.005, RecordedAt: now},
		{UserID: "bob", RunID: "run-3", Provider: "anthropic", InputTokens: 800, OutputTokens: 300, CostUSD: 0.02, RecordedAt: now},
	}
	for _, r := range records {
		if err := s.AppendUsage(ctx, r); err != nil {
			t.Fatalf("AppendUsage: %v", err)
		}
	}

	alice, err := s.QueryUsage(ctx, "alice", now.Add(-2*time.Hour), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("QueryUsage: %v", err)
	}
	if len(alice) != 2 {
		t.Fatalf("expected 2 records for alice, got %d", len(alice))
	}
	if alice[0].RunID != "run-1" {
		t.Errorf("expected oldest first, got %s", alice[0].RunID)
	}

	total, err := s.TotalCost(ctx, now.Add(-2*time.Hour), now.Add(time.Minute))
	if err != nil {
		t.Fatalf("TotalCost: %v", err)
	}
	if total < 0.0349 || total > 0.0351 {
		t.Errorf("expected total 0.035, got %f", total)
	}
}

func TestTotalCostEmpty(t *testing.T) {
	s := newTestStore(t)
	now := time.Now()
	total, err := s.TotalCost(context.Background(), now.Add(-time.Hour), now)
	if err != nil {
		t.Fatalf("TotalCost: %v", err)
	}
	if total != 0 {
		t.Errorf("expected 0, got %f", total)
	}
}

// ─── Health ───────────────────────────────────────────────────────────────────

func TestPing(t *testing.T) {
	s := newTestStore(t)
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestIdempotentMigration(t *testing.T) {
	path := t.TempDir() + "/flightlog.db"
	s1, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := s1.SaveLog(context.Background(), testLog("persisted")); err != nil {
		t.Fatalf("SaveLog: %v", err)
	}
	_ = s1.Close()

	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer s2.Close()
	if _, err := s2.GetLog(context.Background(), "persisted"); err != nil {
		t.Errorf("expected log to survive reopen: %v", err)
	}
}
