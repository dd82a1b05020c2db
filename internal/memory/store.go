// Package memory is the conversational memory of a flight log: one growing
// chat-history document per log that every reasoning step appends to.
//
// The document lives in the log's context document collection, so planners
// and experts see earlier exchanges as ordinary context. Writes are
// serialized per log id in-process and each append is a single store
// transaction, so concurrent runs on the same log never lose an entry.
package memory

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/flightlog-ai/internal/audit"
	"github.com/kubilitics/flightlog-ai/internal/contextdoc"
	"github.com/kubilitics/flightlog-ai/internal/db"
	"github.com/kubilitics/flightlog-ai/internal/metrics"
)

const entryMarker = "--- Agent Chat Entry "

var entryHeader = regexp.MustCompile(`\n\n--- Agent Chat Entry ([^\n\[]+) \[([^\]\n]*)\] ---\n`)

// Entry is one parsed exchange of the chat history.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Agent     string    `json:"agent"`
	Question  string    `json:"question"`
	Response  string    `json:"response"`
}

// DocumentStore is the persistence the memory store needs.
type DocumentStore interface {
	ListDocuments(ctx context.Context, logID string) ([]*contextdoc.Document, error)
	UpdateDocument(ctx context.Context, logID, docType string, fn func(*contextdoc.Document) (*contextdoc.Document, error)) error
}

// Store appends to and reads the chat history of flight logs.
type Store struct {
	docs   DocumentStore
	logger *zap.Logger
	audit  audit.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*logLock
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the application logger.
func WithLogger(l *zap.Logger) Option { return func(s *Store) { s.logger = l } }

// WithAudit sets the audit logger used for dropped appends.
func WithAudit(a audit.Logger) Option { return func(s *Store) { s.audit = a } }

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option { return func(s *Store) { s.now = now } }

// NewStore creates a Store over docs.
func NewStore(docs DocumentStore, opts ...Option) *Store {
	s := &Store{
		docs:   docs,
		logger: zap.NewNop(),
		audit:  audit.NewNopLogger(),
		now:    time.Now,
		locks:  make(map[string]*logLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// logLock serializes appends to one log. It is dropped from the map once no
// append holds or waits on it.
type logLock struct {
	mu   sync.Mutex
	refs int
}

func (s *Store) lock(logID string) {
	s.mu.Lock()
	l, ok := s.locks[logID]
	if !ok {
		l = &logLock{}
		s.locks[logID] = l
	}
	l.refs++
	s.mu.Unlock()
	l.mu.Lock()
}

func (s *Store) unlock(logID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.locks[logID]
	l.mu.Unlock()
	if l.refs--; l.refs == 0 {
		delete(s.locks, logID)
	}
}

// Append records one exchange for actor. It is a no-op for a log that has
// no document collection.
func (s *Store) Append(ctx context.Context, logID, actor, question, answer string) error {
	s.lock(logID)
	defer s.unlock(logID)

	now := s.now().UTC()
	stamp := now.Format(time.RFC3339Nano)
	entry := fmt.Sprintf("\n\n%s%s [%s] ---\nQuestion: %s\nResponse: %s", entryMarker, stamp, actor, question, answer)

	err := s.docs.UpdateDocument(ctx, logID, contextdoc.TypeChatHistory, func(doc *contextdoc.Document) (*contextdoc.Document, error) {
		if doc == nil {
			return &contextdoc.Document{
				DocumentID:   contextdoc.ChatHistoryID(logID),
				DocumentType: contextdoc.TypeChatHistory,
				Title:        "Chat History - " + logID,
				Content:      "Chat History for Flight Log " + logID + entry,
				Metadata: map[string]any{
					"created_at":    stamp,
					"last_updated":  stamp,
					"message_count": 1,
					"log_id":        logID,
				},
				SearchableFields: []string{"content"},
				UpdatedAt:        now,
			}, nil
		}

		if doc.Metadata == nil {
			doc.Metadata = map[string]any{"created_at": stamp, "log_id": logID}
		}
		doc.Content += entry
		doc.Metadata["message_count"] = messageCount(doc.Metadata) + 1
		doc.Metadata["last_updated"] = stamp
		doc.UpdatedAt = now
		return doc, nil
	})
	if errors.Is(err, db.ErrNoCollection) {
		metrics.MemoryAppendsTotal.WithLabelValues("skipped").Inc()
		return nil
	}
	if err != nil {
		metrics.MemoryAppendsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("append chat history for %s: %w", logID, err)
	}
	metrics.MemoryAppendsTotal.WithLabelValues("ok").Inc()
	return nil
}

// AppendBestEffort appends and swallows failures with a warning. Memory is
// context for later steps, so a lost entry never fails the caller.
func (s *Store) AppendBestEffort(ctx context.Context, logID, actor, question, answer string) {
	if err := s.Append(ctx, logID, actor, question, answer); err != nil {
		s.logger.Warn("chat history append dropped",
			zap.String("log_id", logID),
			zap.String("agent", actor),
			zap.Error(err),
		)
		_ = s.audit.LogMemoryAppendFailed(ctx, logID, actor, err)
	}
}

// Document returns the chat-history document of logID, or nil if none exists.
func (s *Store) Document(ctx context.Context, logID string) (*contextdoc.Document, error) {
	docs, err := s.docs.ListDocuments(ctx, logID)
	if err != nil {
		return nil, fmt.Errorf("list documents for %s: %w", logID, err)
	}
	for _, d := range docs {
		if d.DocumentType == contextdoc.TypeChatHistory {
			return d, nil
		}
	}
	return nil, nil
}

// Read parses the chat history of logID into entries in insertion order.
// Malformed entries are skipped.
func (s *Store) Read(ctx context.Context, logID string) ([]Entry, error) {
	doc, err := s.Document(ctx, logID)
	if err != nil {
		return nil, err
	}
	if doc == nil {
		return []Entry{}, nil
	}
	return Parse(doc.Content), nil
}

// Parse splits chat-history content into entries.
func Parse(content string) []Entry {
	locs := entryHeader.FindAllStringSubmatchIndex(content, -1)
	entries := make([]Entry, 0, len(locs))
	for i, loc := range locs {
		end := len(content)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(content[loc[2]:loc[3]]))
		if err != nil {
			continue
		}
		q, a, ok := splitBody(content[loc[1]:end])
		if !ok {
			continue
		}
		entries = append(entries, Entry{
			Timestamp: ts,
			Agent:     content[loc[4]:loc[5]],
			Question:  q,
			Response:  a,
		})
	}
	return entries
}

func splitBody(body string) (string, string, bool) {
	if !strings.HasPrefix(body, "Question: ") {
		return "", "", false
	}
	q, a, ok := strings.Cut(strings.TrimPrefix(body, "Question: "), "\nResponse: ")
	if !ok {
		return "", "", false
	}
	return q, a, true
}

func messageCount(meta map[string]any) int {
	switch n := meta["message_count"].(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
