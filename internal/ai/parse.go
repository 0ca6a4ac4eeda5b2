package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"queryinsight/internal/db"
	pipeerr "queryinsight/internal/errors"
)

// Kind tells where a Result's suggestions came from.
type Kind int

const (
	Parsed Kind = iota
	Fallback
)

func (k Kind) String() string {
	if k == Parsed {
		return "parsed"
	}
	return "fallback"
}

// Source maps the kind to the value stored on the suggestion set.
func (k Kind) Source() string {
	if k == Parsed {
		return db.SourceAI
	}
	return db.SourceFallback
}

// Result is exactly three suggestions plus their origin. Err holds the parse
// failure that caused a Fallback.
type Result struct {
	Kind        Kind
	Suggestions [3]db.Suggestion
	Err         error
}

var validate = validator.New()

// Parse extracts the first well-formed JSON array from text and requires it
// to hold exactly three valid suggestions. Prose around the array is ignored.
func Parse(text string) ([3]db.Suggestion, error) {
	var out [3]db.Suggestion

	raw, ok := firstArray(text)
	if !ok {
		return out, pipeerr.NewSynthesisParseError("no JSON array in output", nil)
	}
	if len(raw) != len(out) {
		return out, pipeerr.NewSynthesisParseError(fmt.Sprintf("expected 3 suggestions, got %d", len(raw)), nil)
	}
	for i, r := range raw {
		var s db.Suggestion
		if err := json.Unmarshal(r, &s); err != nil {
			return out, pipeerr.NewSynthesisParseError(fmt.Sprintf("suggestion %d", i), err)
		}
		s.Title = strings.TrimSpace(s.Title)
		s.Description = strings.TrimSpace(s.Description)
		s.Priority = strings.ToLower(strings.TrimSpace(s.Priority))
		s.Category = strings.TrimSpace(s.Category)
		if err := validate.Struct(s); err != nil {
			return out, pipeerr.NewSynthesisParseError(fmt.Sprintf("suggestion %d", i), err)
		}
		out[i] = s
	}
	return out, nil
}

// firstArray returns the elements of the first '[' that starts a complete
// JSON array.
func firstArray(text string) ([]json.RawMessage, bool) {
	for i := strings.IndexByte(text, '['); i >= 0; {
		var arr []json.RawMessage
		if err := json.NewDecoder(strings.NewReader(text[i:])).Decode(&arr); err == nil {
			return arr, true
		}
		next := strings.IndexByte(text[i+1:], '[')
		if next < 0 {
			break
		}
		i += next + 1
	}
	return nil, false
}

// Resolve parses text, substituting the deterministic fallback for m when
// the output is malformed.
func Resolve(text string, m Metrics) Result {
	s, err := Parse(text)
	if err != nil {
		return Result{Kind: Fallback, Suggestions: FallbackSuggestions(m), Err: err}
	}
	return Result{Kind: Parsed, Suggestions: s}
}
