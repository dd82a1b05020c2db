// Package expert holds the specialist table and the dispatcher that runs a
// specialist over telemetry windows of a flight log.
package expert

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kubilitics/flightlog-ai/internal/telemetry"
)

//go:embed experts.yaml
var defaultTableYAML []byte

// ErrUnknownIdentity is returned for an identity missing from the table.
var ErrUnknownIdentity = errors.New("unknown expert identity")

// Specialist describes one expert: its instruction and the telemetry it reads.
type Specialist struct {
	Identity      string   `yaml:"identity"`
	Instruction   string   `yaml:"instruction"`
	Messages      []string `yaml:"messages"`
	Fields        []string `yaml:"fields"`
	ContextFilter string   `yaml:"context_filter"`
}

// Signals returns every (message, field) pair of the specialist.
func (s Specialist) Signals() []telemetry.Signal {
	out := make([]telemetry.Signal, 0, len(s.Messages)*len(s.Fields))
	for _, m := range s.Messages {
		for _, f := range s.Fields {
			out = append(out, telemetry.Signal{Message: m, Field: f})
		}
	}
	return out
}

// DocumentFilter is the document_type pattern used to select context.
func (s Specialist) DocumentFilter() string {
	if s.ContextFilter != "" {
		return s.ContextFilter
	}
	return s.Identity
}

// Table is the ordered set of known specialists.
type Table struct {
	specialists []Specialist
	index       map[string]int
}

type tableFile struct {
	Experts []Specialist `yaml:"experts"`
}

// DefaultTable returns the built-in table.
func DefaultTable() *Table {
	t, err := ParseTable(defaultTableYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded expert table: %v", err))
	}
	return t
}

// LoadTable reads a table from a YAML file. An empty path returns the
// built-in table.
func LoadTable(path string) (*Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read expert table: %w", err)
	}
	return ParseTable(data)
}

// ParseTable decodes and validates a YAML table.
func ParseTable(data []byte) (*Table, error) {
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse expert table: %w", err)
	}
	return NewTable(f.Experts...)
}

// NewTable builds a table from specialists. Identities are normalized to lower
// case and must be unique.
func NewTable(specialists ...Specialist) (*Table, error) {
	if len(specialists) == 0 {
		return nil, fmt.Errorf("expert table is empty")
	}
	t := &Table{index: make(map[string]int, len(specialists))}
	for i, s := range specialists {
		s.Identity = strings.ToLower(strings.TrimSpace(s.Identity))
		s.Instruction = strings.TrimSpace(s.Instruction)
		switch {
		case s.Identity == "":
			return nil, fmt.Errorf("expert %d: identity is required", i)
		case s.Instruction == "":
			return nil, fmt.Errorf("expert %s: instruction is required", s.Identity)
		case len(s.Messages) == 0:
			return nil, fmt.Errorf("expert %s: at least one message type is required", s.Identity)
		case len(s.Fields) == 0:
			return nil, fmt.Errorf("expert %s: at least one field is required", s.Identity)
		}
		if _, dup := t.index[s.Identity]; dup {
			return nil, fmt.Errorf("expert %s: duplicate identity", s.Identity)
		}
		t.index[s.Identity] = len(t.specialists)
		t.specialists = append(t.specialists, s)
	}
	return t, nil
}

// Identities returns the known identities in table order.
func (t *Table) Identities() []string {
	out := make([]string, len(t.specialists))
	for i, s := range t.specialists {
		out[i] = s.Identity
	}
	return out
}

// Len is the number of known identities.
func (t *Table) Len() int { return len(t.specialists) }

// Lookup returns the specialist description of identity.
func (t *Table) Lookup(identity string) (Specialist, error) {
	id, ok := t.Normalize(identity)
	if !ok {
		return Specialist{}, fmt.Errorf("%w: %q", ErrUnknownIdentity, identity)
	}
	return t.specialists[t.index[id]], nil
}

// Normalize maps a model-produced name ("GPS", " expert:gps ") to a known
// identity.
func (t *Table) Normalize(name string) (string, bool) {
	id := strings.ToLower(strings.TrimSpace(name))
	id = strings.TrimPrefix(id, "expert:")
	id = strings.TrimSuffix(id, " expert")
	if _, ok := t.index[id]; !ok {
		return "", false
	}
	return id, true
}
