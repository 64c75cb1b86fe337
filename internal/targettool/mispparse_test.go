package targettool

import "testing"

func TestParseEventIDFromModelID(t *testing.T) {
	event := map[string]any{
		"Log": map[string]any{"model": "Event", "model_id": float64(42)},
	}
	id, ok := ParseEventID(event)
	if !ok || id != 42 {
		t.Fatalf("got (%d, %v), want (42, true)", id, ok)
	}
}

func TestParseEventIDFromChange(t *testing.T) {
	event := map[string]any{
		"Log": map[string]any{
			"model":  "Attribute",
			"change": "attribute_id (1) => (7), event_id () => (19)",
		},
	}
	id, ok := ParseEventID(event)
	if !ok || id != 19 {
		t.Fatalf("got (%d, %v), want (19, true)", id, ok)
	}
}

func TestParseEventIDFromTitle(t *testing.T) {
	event := map[string]any{
		"Log": map[string]any{
			"model": "Tag",
			"title": `Attached tag (3) "tlp:red" from Event (23)`,
		},
	}
	id, ok := ParseEventID(event)
	if !ok || id != 23 {
		t.Fatalf("got (%d, %v), want (23, true)", id, ok)
	}
}

func TestParseEventIDAuditLog(t *testing.T) {
	event := map[string]any{
		"AuditLog": map[string]any{
			"model":    "Attribute",
			"change":   map[string]any{"value": []any{"", "8.8.8.8"}},
			"event_id": "5",
		},
	}
	id, ok := ParseEventID(event)
	if !ok || id != 5 {
		t.Fatalf("got (%d, %v), want (5, true)", id, ok)
	}
}

func TestParseEventIDMissing(t *testing.T) {
	if _, ok := ParseEventID(map[string]any{"Log": map[string]any{"model": "User"}}); ok {
		t.Fatal("expected no event id")
	}
	if _, ok := ParseEventID(map[string]any{}); ok {
		t.Fatal("expected no event id without an audit record")
	}
}

func TestParsePerformedQueryJSONBody(t *testing.T) {
	event := map[string]any{
		"request_method": "POST",
		"url":            "/attributes/restSearch",
		"request":        "application/json\n\n{\"value\":\"8.8.8.8\"}",
	}
	q, ok := ParsePerformedQuery(event)
	if !ok {
		t.Fatal("expected a parsed query")
	}
	if q.Method != "POST" || q.URL != "/attributes/restSearch" {
		t.Fatalf("unexpected method/url: %s %s", q.Method, q.URL)
	}
	if q.Payload["value"] != "8.8.8.8" {
		t.Fatalf("unexpected payload: %#v", q.Payload)
	}
}

func TestParsePerformedQueryNoBody(t *testing.T) {
	q, ok := ParsePerformedQuery(map[string]any{
		"request_method": "GET",
		"url":            "/events/index",
	})
	if !ok || len(q.Payload) != 0 {
		t.Fatalf("got (%#v, %v), want empty payload", q, ok)
	}
}

func TestParsePerformedQueryMissingURL(t *testing.T) {
	if _, ok := ParsePerformedQuery(map[string]any{
		"request_method": "POST",
		"request":        "application/json\n\n{}",
	}); ok {
		t.Fatal("expected failure without a url")
	}
}

func TestIsAcceptedQuery(t *testing.T) {
	cases := []struct {
		name  string
		event map[string]any
		want  bool
	}{
		{
			"content mutation",
			map[string]any{"Log": map[string]any{"model": "Attribute", "action": "add"}},
			true,
		},
		{
			"validation error",
			map[string]any{"Log": map[string]any{
				"model": "Attribute", "action": "add",
				"change": "Validation errors: value missing",
			}},
			false,
		},
		{
			"unaccepted model",
			map[string]any{"Log": map[string]any{"model": "User", "action": "edit"}},
			false,
		},
		{
			"whitelisted rest read",
			map[string]any{
				"Log": map[string]any{"model": "Attribute", "action": "restSearch"},
				"url": "/attributes/restSearch",
			},
			true,
		},
		{
			"self traffic",
			map[string]any{
				"Log":        map[string]any{"model": "Attribute", "action": "restSearch"},
				"url":        "/attributes/restSearch",
				"user_agent": SelfUserAgent,
			},
			false,
		},
		{
			"unlisted url",
			map[string]any{
				"Log": map[string]any{"model": "Attribute", "action": "restSearch"},
				"url": "/attributes/describeTypes",
			},
			false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsAcceptedQuery(tc.event); got != tc.want {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}

func TestModelAction(t *testing.T) {
	model, action := ModelAction(map[string]any{
		"AuditLog": map[string]any{"model": "Event", "action": "publish"},
	})
	if model != "Event" || action != "publish" {
		t.Fatalf("got (%q, %q)", model, action)
	}
	if m, a := ModelAction(map[string]any{}); m != "" || a != "" {
		t.Fatalf("expected empty pair, got (%q, %q)", m, a)
	}
}
