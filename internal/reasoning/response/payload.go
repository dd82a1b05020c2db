// Package response turns raw reasoning-call output into a Payload. Models are
// asked for bare JSON but do not always comply, so parsing never fails: text
// that is not a JSON object becomes a Raw payload.
package response

import (
	"encoding/json"
	"strings"
)

// Kind discriminates the Payload union.
type Kind int

const (
	// KindRaw holds unparsed text.
	KindRaw Kind = iota
	// KindStructured holds a decoded JSON object.
	KindStructured
)

func (k Kind) String() string {
	if k == KindStructured {
		return "structured"
	}
	return "raw"
}

// Structured is a decoded JSON object response. The well-known keys are
// lifted out; every key, including these, remains available in Fields.
type Structured struct {
	Evidence          any
	Diagnostics       any
	SuggestedCause    any
	Confidence        any
	AdditionalExperts any
	Fields            map[string]any
}

// Payload is either Structured or Raw.
type Payload struct {
	Kind       Kind
	Structured *Structured
	Raw        string
}

// Raw wraps text that could not be parsed.
func Raw(text string) Payload {
	return Payload{Kind: KindRaw, Raw: text}
}

// IsStructured reports whether p holds a decoded object.
func (p Payload) IsStructured() bool {
	return p.Kind == KindStructured && p.Structured != nil
}

// Field returns a top-level key of a structured payload.
func (p Payload) Field(key string) (any, bool) {
	if !p.IsStructured() {
		return nil, false
	}
	v, ok := p.Structured.Fields[key]
	return v, ok
}

// Text renders the payload for a prompt: indented JSON for structured
// payloads and the original text for raw ones.
func (p Payload) Text() string {
	if !p.IsStructured() {
		return p.Raw
	}
	b, err := json.MarshalIndent(p.Structured.Fields, "", "  ")
	if err != nil {
		return p.Raw
	}
	return string(b)
}

// MarshalJSON emits the object itself, or {"raw": text}.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.IsStructured() {
		return json.Marshal(p.Structured.Fields)
	}
	return json.Marshal(map[string]string{"raw": p.Raw})
}

// Parse decodes text into a Payload. Markdown code fences and prose around a
// single JSON object are tolerated. Anything else yields Raw(text).
func Parse(text string) Payload {
	candidate, ok := extractJSONBlock(text)
	if !ok {
		return Raw(text)
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(candidate), &fields); err != nil || fields == nil {
		return Raw(text)
	}

	return Payload{
		Kind: KindStructured,
		Raw:  text,
		Structured: &Structured{
			Evidence:          fields["evidence"],
			Diagnostics:       fields["diagnostics"],
			SuggestedCause:    fields["suggested_cause"],
			Confidence:        fields["confidence"],
			AdditionalExperts: fields["additional_experts"],
			Fields:            fields,
		},
	}
}

// extractJSONBlock strips a code fence if present and returns the outermost
// {...} span.
func extractJSONBlock(text string) (string, bool) {
	stripped := text
	for _, fence := range []string{"```json", "```JSON", "```"} {
		if idx := strings.Index(stripped, fence); idx != -1 {
			stripped = stripped[idx+len(fence):]
			if end := strings.Index(stripped, "```"); end != -1 {
				stripped = stripped[:end]
			}
			break
		}
	}

	start := strings.Index(stripped, "{")
	end := strings.LastIndex(stripped, "}")
	if start == -1 || end <= start {
		return "", false
	}
	return stripped[start : end+1], true
}
