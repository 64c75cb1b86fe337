// Package evaluator implements the condition-evaluation DSL: jq-path
// extraction from JSON-like documents, {{variable}} substitution from an
// evaluation context, and typed comparators. Absence of data always
// resolves to condition-not-met, never to an error.
package evaluator

import (
	"fmt"
	"log/slog"
	"reflect"

	"github.com/MISP/SkillAegis-Dashboard/internal/models"
)

// TraceEntry is one assertion's outcome in a debug trace.
type TraceEntry struct {
	Path      string `json:"path"`
	Message   string `json:"message"`
	Extracted any    `json:"extracted_data,omitempty"`
	Passed    bool   `json:"passed"`
}

// EvalDataFiltering runs every data_filtering step of the evaluation against
// the document. A step fails as soon as one of its path/comparator pairs
// fails; without debug the whole evaluation short-circuits on the first
// failure. With debug every assertion runs and a structured trace is
// returned for UI display.
func EvalDataFiltering(eval *models.InjectEvaluation, doc any, ctx map[string]any, debug bool) (bool, []TraceEntry) {
	steps, err := ParseSteps(eval.Parameters)
	if err != nil {
		slog.Debug("invalid data_filtering parameters", "error", err)
		return false, []TraceEntry{{Message: fmt.Sprintf("invalid parameters: %v", err)}}
	}

	passed := true
	var trace []TraceEntry
	for _, step := range steps {
		stepFailed := false
		for _, assertion := range step {
			if stepFailed && !debug {
				break
			}
			entry := evalAssertion(assertion, doc, ctx)
			if debug {
				trace = append(trace, entry)
			}
			if !entry.Passed {
				stepFailed = true
			}
		}
		if stepFailed {
			passed = false
			if !debug {
				return false, nil
			}
		}
	}
	return passed, trace
}

func evalAssertion(assertion Assertion, doc any, ctx map[string]any) TraceEntry {
	path := Substitute(assertion.Path, ctx)
	entry := TraceEntry{Path: path}

	extracted, ok := Extract(path, doc, assertion.Config.ExtractType)
	if !ok {
		entry.Message = "no data matched the path"
		return entry
	}
	entry.Extracted = extracted

	cfg := assertion.Config
	cfg.Values = substituteValues(cfg.Values, ctx)
	if conditionSatisfied(cfg, extracted) {
		entry.Passed = true
		entry.Message = "condition satisfied"
		return entry
	}
	entry.Message = fmt.Sprintf("comparison %q did not match", cfg.Comparison)
	return entry
}

func substituteValues(values []any, ctx map[string]any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		if s, isStr := v.(string); isStr {
			out[i] = Substitute(s, ctx)
		} else {
			out[i] = v
		}
	}
	return out
}

// EvalQueryMirror requires structural equality between the replayed
// expected query result and the result of the query the user performed.
func EvalQueryMirror(expected, actual any) bool {
	return reflect.DeepEqual(expected, actual)
}
