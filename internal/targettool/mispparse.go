package targettool

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
)

var (
	eventIDFromChangeRe = regexp.MustCompile(`(?i)event_id \(.*?\) => \((\d+)\)`)
	eventIDFromTitleRe  = regexp.MustCompile(`(?i)from Event \((\d+)\)`)
)

// ParseEventID recovers the id of the event an audit record acted on, from
// the model id, the change summary, or the log title.
func ParseEventID(event map[string]any) (int, bool) {
	if log, ok := asMap(event["Log"]); ok {
		if asString(log["model"]) == "Event" {
			if id, ok := asInt(log["model_id"]); ok {
				return id, true
			}
		}
		if change := asString(log["change"]); change != "" {
			if m := eventIDFromChangeRe.FindStringSubmatch(change); m != nil {
				return mustAtoi(m[1])
			}
		}
		if title := asString(log["title"]); title != "" {
			if m := eventIDFromTitleRe.FindStringSubmatch(title); m != nil {
				return mustAtoi(m[1])
			}
		}
		return 0, false
	}
	if log, ok := asMap(event["AuditLog"]); ok {
		if asString(log["model"]) == "Event" {
			if id, ok := asInt(log["model_id"]); ok {
				return id, true
			}
		}
		if _, hasChange := log["change"]; hasChange {
			if id, ok := asInt(log["event_id"]); ok {
				return id, true
			}
		}
	}
	return 0, false
}

// PerformedQuery is the REST query a user actually executed, recovered
// from the audit record.
type PerformedQuery struct {
	Method  string
	URL     string
	Payload map[string]any
}

const jsonRequestPrefix = "application/json\n\n"

// ParsePerformedQuery rebuilds the user's query from the audit record.
func ParsePerformedQuery(event map[string]any) (*PerformedQuery, bool) {
	method := asString(event["request_method"])
	url := asString(event["url"])

	raw, hasRequest := event["request"]
	if !hasRequest {
		// No data POSTed.
		return &PerformedQuery{Method: method, URL: url, Payload: map[string]any{}}, true
	}
	if method == "" || url == "" {
		return nil, false
	}

	query := &PerformedQuery{Method: method, URL: url, Payload: map[string]any{}}
	request := asString(raw)
	if strings.HasPrefix(request, jsonRequestPrefix) {
		body := strings.TrimPrefix(request, jsonRequestPrefix)
		var payload map[string]any
		if err := json.Unmarshal([]byte(body), &payload); err == nil {
			query.Payload = payload
		}
	}
	return query, true
}

// Models and actions whose audit records can trigger checks.
var (
	acceptedModels = map[string]struct{}{
		"Event": {}, "Attribute": {}, "Object": {}, "Tag": {},
	}
	acceptedActions = map[string]struct{}{
		"add": {}, "edit": {}, "delete": {}, "publish": {}, "tag": {},
	}
	acceptedRestURLs = map[string]struct{}{
		"/attributes/restSearch": {},
		"/events/restSearch":     {},
		"/events/index":          {},
		"/users/view/me":         {},
	}
)

// SelfUserAgent marks traffic the dashboard generates against MISP itself.
const SelfUserAgent = "SkillAegis"

// IsAcceptedQuery decides whether an audit record is worth evaluating:
// content mutations on the accepted models, or whitelisted REST reads.
// Self-generated traffic never qualifies.
func IsAcceptedQuery(event map[string]any) bool {
	model, action := ModelAction(event)
	if _, okModel := acceptedModels[model]; okModel {
		if _, okAction := acceptedActions[action]; okAction {
			if log, ok := asMap(event["Log"]); ok {
				if strings.HasPrefix(asString(log["change"]), "Validation errors:") {
					return false
				}
			}
			return true
		}
	}

	if asString(event["user_agent"]) == SelfUserAgent {
		return false
	}
	if url := asString(event["url"]); url != "" {
		_, ok := acceptedRestURLs[url]
		return ok
	}
	return false
}

// ModelAction extracts the (model, action) pair of an audit record.
func ModelAction(event map[string]any) (string, string) {
	log, ok := asMap(event["Log"])
	if !ok {
		log, ok = asMap(event["AuditLog"])
	}
	if !ok {
		return "", ""
	}
	model := asString(log["model"])
	action := asString(log["action"])
	if model == "" || action == "" {
		return "", ""
	}
	return model, action
}

// JSON value coercion helpers. Audit records are loosely typed: numeric
// ids arrive both as numbers and as strings.

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case string:
		n, err := strconv.Atoi(t)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func mustAtoi(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}
