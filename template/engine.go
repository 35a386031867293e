// Package template substitutes {queryId.field} references with values from
// a query store, either as display text or inside a JSON argument payload.
package template

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/c360/hypernote/errors"
	"github.com/c360/hypernote/query"
)

// refPattern matches {queryId.field} and {queryId}
var refPattern = regexp.MustCompile(`\{([^{}".\s]+)(?:\.([^{}"\s]+))?\}`)

// Reference is one {queryId.field} occurrence
type Reference struct {
	QueryID string
	Field   string
}

// Source is the part of the query store the engine reads
type Source interface {
	Field(queryID, field string) query.Value
	QueryResult(queryID string) (query.Record, bool)
}

// Engine performs substitutions against a Source
type Engine struct {
	source Source
}

// NewEngine creates an engine over source
func NewEngine(source Source) *Engine {
	return &Engine{source: source}
}

// References lists the references in raw in order of appearance
func References(raw string) []Reference {
	matches := refPattern.FindAllStringSubmatch(raw, -1)
	out := make([]Reference, 0, len(matches))
	for _, m := range matches {
		out = append(out, Reference{QueryID: m[1], Field: m[2]})
	}
	return out
}

// Text replaces every resolvable reference with its display form. A bare
// {queryId} renders the whole record as JSON. Unresolved references stay
// verbatim.
func (e *Engine) Text(raw string) string {
	return e.text(raw, "")
}

// TextFor is Text restricted to references of one query
func (e *Engine) TextFor(raw, queryID string) string {
	return e.text(raw, queryID)
}

func (e *Engine) text(raw, only string) string {
	return refPattern.ReplaceAllStringFunc(raw, func(match string) string {
		m := refPattern.FindStringSubmatch(match)
		queryID, field := m[1], m[2]
		if only != "" && queryID != only {
			return match
		}

		if field == "" {
			rec, ok := e.source.QueryResult(queryID)
			if !ok {
				return match
			}
			data, err := json.Marshal(rec)
			if err != nil {
				return match
			}
			return string(data)
		}

		v := e.source.Field(queryID, field)
		if !v.IsResolved() {
			return match
		}
		return v.String()
	})
}

// Args substitutes references of queryID inside a raw JSON argument string.
// Numbers are inserted bare; every other value is JSON encoded with its
// outer quotes removed, since the reference already sits inside the
// payload's own quoting. The result must parse as JSON, otherwise an
// invalid error wrapping ErrInvalidArguments is returned. Empty input is {}.
func (e *Engine) Args(raw, queryID string) (json.RawMessage, error) {
	if strings.TrimSpace(raw) == "" {
		raw = "{}"
	}

	out := refPattern.ReplaceAllStringFunc(raw, func(match string) string {
		m := refPattern.FindStringSubmatch(match)
		if m[1] != queryID || m[2] == "" {
			return match
		}
		v := e.source.Field(m[1], m[2])
		if !v.IsResolved() {
			return match
		}
		return argToken(v)
	})

	if !json.Valid([]byte(out)) {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrInvalidArguments, out),
			"Engine", "Args", "parse substituted arguments")
	}
	return json.RawMessage(out), nil
}

func argToken(v query.Value) string {
	if v.IsNumber() {
		return v.String()
	}
	data, err := json.Marshal(v.Any())
	if err != nil {
		return v.String()
	}
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	return s
}
