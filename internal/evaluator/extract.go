package evaluator

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/itchyny/gojq"
)

// Extraction modes configurable per evaluation.
const (
	ExtractFirst = "first"
	ExtractAll   = "all"
)

// CompilePath reports whether a jq path expression is syntactically valid.
// Used by the registry for fail-closed load validation.
func CompilePath(path string) error {
	if _, err := gojq.Parse(normalizePath(path)); err != nil {
		return fmt.Errorf("could not compile jq path %q: %w", path, err)
	}
	return nil
}

// normalizePath prefixes the leading dot exercise authors routinely omit.
func normalizePath(path string) string {
	if !strings.HasPrefix(path, ".") {
		return "." + path
	}
	return path
}

// Extract applies a jq path to a document. The second return is false when
// the path does not compile or yields no match; absence of data is
// condition-not-met, never an error.
func Extract(path string, doc any, extractType string) (any, bool) {
	query, err := gojq.Parse(normalizePath(path))
	if err != nil {
		slog.Debug("jq path does not compile", "path", path, "error", err)
		return nil, false
	}

	iter := query.Run(doc)
	if extractType == ExtractAll {
		var all []any
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if _, isErr := v.(error); isErr {
				continue
			}
			all = append(all, v)
		}
		if len(all) == 0 {
			return nil, false
		}
		return all, true
	}

	for {
		v, ok := iter.Next()
		if !ok {
			return nil, false
		}
		if _, isErr := v.(error); isErr {
			continue
		}
		if v == nil {
			return nil, false
		}
		return v, true
	}
}

// templateVarRe matches a string that is exactly one {{variable}} token.
var templateVarRe = regexp.MustCompile(`^\{\{\s*([^{}]+?)\s*\}\}$`)

// Substitute resolves s when the whole string is a single {{variable}}
// token. Resolution order: exact key lookup in ctx, then the token
// evaluated as a jq path against ctx, then the empty string. Strings with
// the token embedded in other text pass through untouched.
func Substitute(s string, ctx map[string]any) string {
	m := templateVarRe.FindStringSubmatch(s)
	if m == nil {
		return s
	}
	name := m[1]

	if v, ok := ctx[name]; ok {
		return stringify(v)
	}
	if v, ok := Extract(name, normalizeContext(ctx), ExtractFirst); ok {
		return stringify(v)
	}
	return ""
}

// normalizeContext converts context values into the scalar set gojq accepts.
func normalizeContext(ctx map[string]any) map[string]any {
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		switch t := v.(type) {
		case int:
			out[k] = t
		case int64:
			out[k] = int(t)
		default:
			out[k] = v
		}
	}
	return out
}

// stringify renders an extracted scalar the way comparators expect it:
// booleans become "1"/"0", numbers lose a trailing ".0".
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		if t {
			return "1"
		}
		return "0"
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	default:
		return fmt.Sprintf("%v", t)
	}
}
