package mispclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

type recordedRequest struct {
	method  string
	path    string
	authkey string
	agent   string
	body    []byte
}

func newRecordingServer(t *testing.T, respond func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *[]recordedRequest) {
	t.Helper()
	var requests []recordedRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests = append(requests, recordedRequest{
			method:  r.Method,
			path:    r.URL.Path,
			authkey: r.Header.Get("Authorization"),
			agent:   r.Header.Get("User-Agent"),
			body:    body,
		})
		respond(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func TestGetEvent(t *testing.T) {
	srv, requests := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"Event": {"id": "42", "info": "drill"}}`)
	})

	client := NewClient(srv.URL, "instance-key")
	result := client.GetEvent(context.Background(), 42)
	doc, ok := result.(map[string]any)
	if !ok {
		t.Fatalf("expected decoded document, got %T", result)
	}
	if doc["Event"].(map[string]any)["info"] != "drill" {
		t.Fatalf("event content wrong: %v", doc)
	}

	req := (*requests)[0]
	if req.path != "/events/view/42" || req.method != http.MethodGet {
		t.Fatalf("request wrong: %s %s", req.method, req.path)
	}
	if req.authkey != "instance-key" {
		t.Fatalf("instance key not sent: %q", req.authkey)
	}
	if req.agent != "SkillAegis" {
		t.Fatalf("self marker user agent missing: %q", req.agent)
	}
}

func TestDoRestQueryUsesUserAuthkey(t *testing.T) {
	srv, requests := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"response": []}`)
	})

	client := NewClient(srv.URL, "instance-key")
	payload := map[string]any{"returnFormat": "json", "value": "8.8.8.8"}
	client.DoRestQuery(context.Background(), "user-key", http.MethodPost, "/attributes/restSearch", payload)

	req := (*requests)[0]
	if req.authkey != "user-key" {
		t.Fatalf("user key not sent: %q", req.authkey)
	}
	var sent map[string]any
	if err := json.Unmarshal(req.body, &sent); err != nil || sent["value"] != "8.8.8.8" {
		t.Fatalf("payload not forwarded: %s", req.body)
	}

	// GET replays never carry a body.
	client.DoRestQuery(context.Background(), "user-key", http.MethodGet, "/events/index", payload)
	if len((*requests)[1].body) != 0 {
		t.Fatal("GET replay must not send a payload")
	}
}

func TestNonJSONResponseReturnsRawString(t *testing.T) {
	srv, _ := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		io.WriteString(w, "alert ip any any -> any any (msg:\"drill\";)")
	})

	client := NewClient(srv.URL, "instance-key")
	result := client.DoRestQuery(context.Background(), "", http.MethodPost, "/events/restSearch", map[string]any{"returnFormat": "suricata"})
	rules, ok := result.(string)
	if !ok || rules == "" {
		t.Fatalf("expected raw rule text, got %T", result)
	}
}

func TestGenAPIKey(t *testing.T) {
	srv, requests := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"AuthKey": {"id": "9", "authkey_raw": "fresh-user-key"}}`)
	})

	client := NewClient(srv.URL, "instance-key")
	key, ok := client.GenAPIKey(context.Background(), 7)
	if !ok || key != "fresh-user-key" {
		t.Fatalf("key extraction failed: %q %v", key, ok)
	}
	if (*requests)[0].path != "/auth_keys/add/7" {
		t.Fatalf("path wrong: %s", (*requests)[0].path)
	}
}

func TestGenAPIKeyMalformedResponse(t *testing.T) {
	srv, _ := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"unexpected": true}`)
	})

	client := NewClient(srv.URL, "instance-key")
	if _, ok := client.GenAPIKey(context.Background(), 7); ok {
		t.Fatal("malformed response must not yield a key")
	}
}

func TestUnreachableServerReturnsNil(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", "instance-key")
	if result := client.GetEvent(context.Background(), 1); result != nil {
		t.Fatalf("expected nil on unreachable instance, got %v", result)
	}
}

func TestGetSettingsComparesWantedValues(t *testing.T) {
	srv, _ := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"finalSettings": [
  {"setting": "Plugin.ZeroMQ_enable", "value": false},
  {"setting": "MISP.log_auth", "value": true},
  {"setting": "MISP.baseurl", "value": "https://misp"}
]}`)
	})

	client := NewClient(srv.URL, "instance-key")
	result := client.GetSettings(context.Background())
	states, ok := result.(map[string]*SettingState)
	if !ok {
		t.Fatalf("expected setting states, got %T", result)
	}
	zmq := states["Plugin.ZeroMQ_enable"]
	if zmq == nil || zmq.ExpectedValue != true || zmq.Value != false {
		t.Fatalf("drifted setting not reported: %+v", zmq)
	}
	if states["MISP.log_auth"].Value != true {
		t.Fatal("matching setting lost")
	}
	if _, tracked := states["MISP.baseurl"]; tracked {
		t.Fatal("unrelated settings must not be tracked")
	}
	// Every wanted setting appears even when the instance omits it.
	if states["MISP.log_paranoid"] == nil || states["MISP.log_paranoid"].Value != nil {
		t.Fatal("missing setting must report a nil live value")
	}
}

func TestRemediateSetting(t *testing.T) {
	srv, requests := newRecordingServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"saved": true}`)
	})

	client := NewClient(srv.URL, "instance-key")
	client.RemediateSetting(context.Background(), "Plugin.ZeroMQ_audit_notifications_enable")

	req := (*requests)[0]
	if req.path != "/servers/serverSettingsEdit/Plugin.ZeroMQ_audit_notifications_enable" {
		t.Fatalf("path wrong: %s", req.path)
	}
	var sent map[string]any
	if err := json.Unmarshal(req.body, &sent); err != nil || sent["value"] != true || sent["force"] != float64(1) {
		t.Fatalf("payload wrong: %s", req.body)
	}

	// Settings outside the wanted set are never touched.
	if result := client.RemediateSetting(context.Background(), "MISP.baseurl"); result != nil {
		t.Fatal("unrelated setting must not be remediated")
	}
	if len(*requests) != 1 {
		t.Fatalf("unexpected extra request: %d", len(*requests))
	}
}
