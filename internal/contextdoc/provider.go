package contextdoc

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Provider returns the context documents of a log.
type Provider interface {
	// Documents returns the documents of logID whose type matches typeFilter.
	// An empty filter returns every document.
	Documents(ctx context.Context, logID, typeFilter string) ([]*Document, error)
}

// Lister is the storage dependency of StoreProvider.
type Lister interface {
	ListDocuments(ctx context.Context, logID string) ([]*Document, error)
}

// StoreProvider serves documents from a Lister and applies Filter.
type StoreProvider struct {
	store Lister
}

// NewStoreProvider creates a Provider backed by store.
func NewStoreProvider(store Lister) *StoreProvider {
	return &StoreProvider{store: store}
}

// Documents implements Provider.
func (p *StoreProvider) Documents(ctx context.Context, logID, typeFilter string) ([]*Document, error) {
	docs, err := p.store.ListDocuments(ctx, logID)
	if err != nil {
		return nil, fmt.Errorf("list documents for %s: %w", logID, err)
	}
	return Filter(docs, typeFilter), nil
}

// Filter selects the documents whose DocumentType matches typeFilter, a case
// insensitive regular expression. A pattern that does not compile is matched
// as a case insensitive substring. Reference documents are always kept when
// a filter is given. Order is preserved.
func Filter(docs []*Document, typeFilter string) []*Document {
	if typeFilter == "" {
		return docs
	}
	match := matcher(typeFilter)
	out := make([]*Document, 0, len(docs))
	for _, d := range docs {
		if d.DocumentType == TypeReference || match(d.DocumentType) {
			out = append(out, d)
		}
	}
	return out
}

func matcher(pattern string) func(string) bool {
	re, err := regexp.Compile("(?i)" + pattern)
	if err == nil {
		return re.MatchString
	}
	needle := strings.ToLower(pattern)
	return func(s string) bool {
		return strings.Contains(strings.ToLower(s), needle)
	}
}

// Format renders documents as prompt context: "Title: ...\nContent: ..."
// blocks separated by a blank line. Nil entries are skipped.
func Format(docs ...*Document) string {
	parts := make([]string, 0, len(docs))
	for _, d := range docs {
		if d == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("Title: %s\nContent: %s", d.Title, d.Content))
	}
	return strings.Join(parts, "\n\n")
}

// WithoutType drops documents of the given type.
func WithoutType(docs []*Document, docType string) []*Document {
	out := make([]*Document, 0, len(docs))
	for _, d := range docs {
		if d.DocumentType != docType {
			out = append(out, d)
		}
	}
	return out
}
