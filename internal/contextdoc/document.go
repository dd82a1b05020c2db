// Package contextdoc holds the retrievable background documents attached to a
// flight log and the filtering policy used to select them for a prompt.
package contextdoc

import (
	"strings"
	"time"
)

// Well-known document types.
const (
	TypeOverview    = "flight_overview"
	TypeReference   = "reference"
	TypeChatHistory = "chat_history"
)

const chatHistorySuffix = "_chat_history"

// ChatHistoryID is the id of the single chat-history document of a log.
func ChatHistoryID(logID string) string { return logID + chatHistorySuffix }

// IsChatHistory reports whether d is, or would replace, a chat-history
// document. Only the memory store may write those.
func IsChatHistory(d *Document) bool {
	return strings.EqualFold(strings.TrimSpace(d.DocumentType), TypeChatHistory) ||
		strings.HasSuffix(d.DocumentID, chatHistorySuffix)
}

// Document is a named, typed unit of retrievable text.
type Document struct {
	DocumentID       string         `json:"document_id"`
	DocumentType     string         `json:"document_type"`
	Title            string         `json:"title"`
	Content          string         `json:"content"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	SearchableFields []string       `json:"searchable_fields,omitempty"`
	UpdatedAt        time.Time      `json:"updated_at"`
}
