// Package notification turns MISP audit records into dashboard live-log
// entries and keeps the bounded message, history, and activity buffers.
package notification

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

var authkeyTitleRe = regexp.MustCompile(`(?i)API key.*\((\w+)\)`)

const authkeyTitlePrefix = "Successful authentication using API key"

// UserID finds the acting user's id at the top level or inside the audit
// record.
func UserID(event map[string]any) (int, bool) {
	if id, ok := toInt(event["user_id"]); ok {
		return id, true
	}
	for _, key := range []string{"Log", "AuditLog"} {
		if log, ok := event[key].(map[string]any); ok {
			if id, ok := toInt(log["user_id"]); ok {
				return id, true
			}
		}
	}
	return 0, false
}

// EmailPair extracts the (user id, email) pair a login audit record carries.
func EmailPair(event map[string]any) (int, string, bool) {
	log, ok := event["Log"].(map[string]any)
	if !ok {
		return 0, "", false
	}
	email, _ := log["email"].(string)
	id, okID := toInt(log["user_id"])
	if email == "" || !okID {
		return 0, "", false
	}
	return id, email, true
}

// AuthkeyPair extracts the (user id, authkey) pair from an API-key
// authentication audit record.
func AuthkeyPair(event map[string]any) (int, string, bool) {
	log, ok := event["Log"].(map[string]any)
	if !ok {
		return 0, "", false
	}
	title, _ := log["title"].(string)
	id, okID := toInt(log["user_id"])
	if !okID || !strings.HasPrefix(title, authkeyTitlePrefix) {
		return 0, "", false
	}
	m := authkeyTitleRe.FindStringSubmatch(title)
	if m == nil {
		return 0, "", false
	}
	return id, m[1], true
}

// IsHTTPRequest reports whether the record describes a full HTTP request
// rather than an internal log line.
func IsHTTPRequest(event map[string]any) bool {
	for _, key := range []string{"url", "request_method", "response_code", "user_id"} {
		if _, ok := event[key]; !ok {
			return false
		}
	}
	return true
}

// ContentType returns the content type of the recorded request body.
func ContentType(event map[string]any) string {
	request, ok := event["request"].(string)
	if !ok {
		return ""
	}
	contentType, _, found := strings.Cut(request, "\n\n")
	if !found {
		return ""
	}
	return contentType
}

// IsAPIRequest reports whether the recorded request carried a JSON body.
func IsAPIRequest(event map[string]any) bool {
	return ContentType(event) == "application/json"
}

// PostBody decodes the recorded request body. JSON bodies come back as-is;
// form-urlencoded bodies are flattened the way MISP names its form fields
// (data[Event][info] becomes Event.info). Anything else is empty.
func PostBody(event map[string]any) map[string]any {
	request, ok := event["request"].(string)
	if !ok {
		return map[string]any{}
	}
	contentType, body, found := strings.Cut(request, "\n\n")
	if !found {
		return map[string]any{}
	}
	switch contentType {
	case "application/json":
		if body == "" {
			return map[string]any{}
		}
		var parsed map[string]any
		if err := json.Unmarshal([]byte(body), &parsed); err != nil {
			return map[string]any{}
		}
		return parsed
	case "application/x-www-form-urlencoded":
		values, err := url.ParseQuery(body)
		if err != nil {
			return map[string]any{}
		}
		return cleanFormData(values)
	}
	return map[string]any{}
}

var formKeySplitRe = regexp.MustCompile(`[\[\]]`)

func cleanFormData(values url.Values) map[string]any {
	cleaned := map[string]any{}
	for key, vals := range values {
		if !strings.HasPrefix(key, "data[") || strings.HasPrefix(key, "data[_") {
			continue
		}
		var parts []string
		for _, part := range formKeySplitRe.Split(key, -1) {
			if part != "" {
				parts = append(parts, part)
			}
		}
		if len(parts) < 2 {
			continue
		}
		cleanKey := strings.Join(parts[1:], ".")
		if len(vals) == 1 {
			cleaned[cleanKey] = vals[0]
		} else {
			cleaned[cleanKey] = vals
		}
	}
	return cleaned
}

// ScopeAction splits a MISP URL into its (controller, action) pair.
func ScopeAction(rawURL string) (string, string) {
	split := strings.Split(rawURL, "/")
	if len(split) > 2 {
		return split[1], split[2]
	}
	return "", ""
}

func toInt(v any) (int, bool) {
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
