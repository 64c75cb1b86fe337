package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MISP/SkillAegis-Dashboard/internal/config"
	"github.com/MISP/SkillAegis-Dashboard/internal/exercise"
	"github.com/MISP/SkillAegis-Dashboard/internal/leaderboard"
	"github.com/MISP/SkillAegis-Dashboard/internal/ledger"
	"github.com/MISP/SkillAegis-Dashboard/internal/models"
	"github.com/MISP/SkillAegis-Dashboard/internal/notification"
	"github.com/MISP/SkillAegis-Dashboard/internal/orchestrator"
	"github.com/MISP/SkillAegis-Dashboard/internal/state"
	"github.com/MISP/SkillAegis-Dashboard/internal/targettool"
)

const (
	exUUID   = "9b0f4a2e-41c3-4f6a-9d8e-0a1b2c3d0001"
	taskUUID = "9b0f4a2e-41c3-4f6a-9d8e-0a1b2c3d0002"
)

type stubRouter struct {
	tool   models.TargetTool
	result bool
	calls  int
}

func (r *stubRouter) Tool() models.TargetTool { return r.tool }

func (r *stubRouter) CheckEvaluation(_ context.Context, _ int, _ *models.InjectEvaluation, _ map[string]any, _ map[string]any) bool {
	r.calls++
	return r.result
}

func newTestServer(t *testing.T, router *stubRouter) (*Server, *state.Game, *ledger.Ledger) {
	t.Helper()
	dir := t.TempDir()
	def := fmt.Sprintf(`{
  "exercise": {"uuid": %q, "name": "drill", "description": "test drill"},
  "injects": [
    {
      "uuid": %q,
      "name": "submit the event",
      "target_tool": "webhook",
      "inject_evaluation": [
        {
          "evaluation_strategy": "data_filtering",
          "score_range": [0, 10],
          "parameters": [{".answer": {"comparison": "equals", "values": ["42"]}}]
        }
      ]
    }
  ],
  "inject_flow": [
    {"inject_uuid": %q, "requirements": {}, "sequence": {}, "timing": {}}
  ]
}`, exUUID, taskUUID, taskUUID)
	if err := os.WriteFile(filepath.Join(dir, "drill.json"), []byte(def), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := exercise.NewRegistry(dir)
	if err := reg.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
	game := state.New()
	game.SetStatuses(reg.InitStatuses())
	game.SetSelected(exUUID, true)
	game.ObserveEmail(1, "blue@exercise.test")

	led := ledger.New(game, reg)
	board := leaderboard.New(game, led)
	if router == nil {
		router = &stubRouter{tool: models.ToolWebhook}
	}
	orch := orchestrator.New(reg, game, led, []targettool.Router{router}, nil, 2*time.Second)
	srv := NewServer(config.ServerConfig{Host: "127.0.0.1", Port: 4001}, NewHub(), game, reg, led, board, notification.NewService(), orch, nil, nil)
	return srv, game, led
}

func doRequest(t *testing.T, srv *Server, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("non-JSON response %d: %s", rec.Code, rec.Body.String())
	}
	return rec, resp
}

func TestHealthAndReady(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	rec, _ := doRequest(t, srv, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}
	rec, _ = doRequest(t, srv, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ready: %d", rec.Code)
	}
}

func TestListAndSelectExercises(t *testing.T) {
	srv, game, _ := newTestServer(t, nil)

	rec, resp := doRequest(t, srv, http.MethodGet, "/api/v1/exercises", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list: %d", rec.Code)
	}
	data := resp["data"].(map[string]any)
	if len(data["exercises"].([]any)) != 1 {
		t.Fatalf("expected one exercise, got %v", data["exercises"])
	}

	rec, _ = doRequest(t, srv, http.MethodPost, "/api/v1/exercises/"+exUUID+"/deselect", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("deselect: %d", rec.Code)
	}
	if game.IsSelected(exUUID) {
		t.Fatal("exercise should be deselected")
	}

	rec, _ = doRequest(t, srv, http.MethodPost, "/api/v1/exercises/"+exUUID+"/select", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("select: %d", rec.Code)
	}
	if !game.IsSelected(exUUID) {
		t.Fatal("exercise should be selected again")
	}

	rec, _ = doRequest(t, srv, http.MethodPost, "/api/v1/exercises/no-such-uuid/select", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown uuid should 404, got %d", rec.Code)
	}
}

func TestMarkTask(t *testing.T) {
	srv, _, led := newTestServer(t, nil)

	body := map[string]any{"user_id": 1, "exercise_uuid": exUUID, "task_uuid": taskUUID}
	rec, resp := doRequest(t, srv, http.MethodPost, "/api/v1/tasks/complete", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: %d", rec.Code)
	}
	if resp["data"].(map[string]any)["changed"] != true {
		t.Fatal("first completion should report a change")
	}
	if !led.IsCompleted(1, exUUID, taskUUID) {
		t.Fatal("completion not recorded")
	}

	_, resp = doRequest(t, srv, http.MethodPost, "/api/v1/tasks/complete", body)
	if resp["data"].(map[string]any)["changed"] != false {
		t.Fatal("repeat completion must be idempotent")
	}

	rec, _ = doRequest(t, srv, http.MethodPost, "/api/v1/tasks/incomplete", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("incomplete: %d", rec.Code)
	}
	if led.IsCompleted(1, exUUID, taskUUID) {
		t.Fatal("task should be incomplete again")
	}
}

func TestResetProgress(t *testing.T) {
	srv, _, led := newTestServer(t, nil)
	led.MarkComplete(1, exUUID, taskUUID)

	rec, _ := doRequest(t, srv, http.MethodPost, "/api/v1/reset/progress", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: %d", rec.Code)
	}
	if led.IsCompleted(1, exUUID, taskUUID) {
		t.Fatal("reset must clear completions")
	}
}

func TestWebhookIntake(t *testing.T) {
	router := &stubRouter{tool: models.ToolWebhook, result: true}
	srv, _, led := newTestServer(t, router)

	rec, _ := doRequest(t, srv, http.MethodPost, "/webhook", map[string]any{
		"email":       "blue@exercise.test",
		"target_tool": "webhook",
		"data":        map[string]any{"answer": "42"},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("webhook: %d %s", rec.Code, rec.Body.String())
	}
	if router.calls != 1 {
		t.Fatalf("expected one evaluation, got %d", router.calls)
	}
	if !led.IsCompleted(1, exUUID, taskUUID) {
		t.Fatal("webhook completion not recorded")
	}
	if len(srv.notifications.Messages()) != 1 {
		t.Fatal("webhook submissions produce a notification")
	}
}

func TestWebhookRejectsUnknownUserAndTool(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec, _ := doRequest(t, srv, http.MethodPost, "/webhook", map[string]any{
		"email":       "stranger@nowhere.test",
		"target_tool": "webhook",
		"data":        map[string]any{},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown user should 400, got %d", rec.Code)
	}

	rec, _ = doRequest(t, srv, http.MethodPost, "/webhook", map[string]any{
		"user_id":     1,
		"target_tool": "telnet",
		"data":        map[string]any{},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid tool should 400, got %d", rec.Code)
	}
}

func TestNotificationToggles(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	rec, _ := doRequest(t, srv, http.MethodPost, "/api/v1/notifications/verbose", map[string]any{"enabled": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("verbose: %d", rec.Code)
	}
	if !srv.notifications.Verbose() {
		t.Fatal("verbose toggle did not stick")
	}

	rec, _ = doRequest(t, srv, http.MethodPost, "/api/v1/notifications/apiquery", map[string]any{"enabled": true})
	if rec.Code != http.StatusOK {
		t.Fatalf("apiquery: %d", rec.Code)
	}
	if !srv.notifications.APIQuery() {
		t.Fatal("apiquery toggle did not stick")
	}
}

func TestProgressEndpoint(t *testing.T) {
	srv, _, led := newTestServer(t, nil)
	led.MarkComplete(1, exUUID, taskUUID)

	rec, resp := doRequest(t, srv, http.MethodGet, "/api/v1/progress", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("progress: %d", rec.Code)
	}
	data := resp["data"].(map[string]any)
	user, ok := data["1"].(map[string]any)
	if !ok {
		t.Fatalf("expected progress for user 1, got %v", data)
	}
	if user["email"] != "blue@exercise.test" {
		t.Fatalf("unexpected user payload: %v", user)
	}
}

func TestDiagnosticMasksAuthkey(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	srv.SetMISPInfo(config.MISPConfig{URL: "https://misp.exercise.test", APIKey: "abcd0123456789efabcd0123456789efabcd0123"})

	rec, resp := doRequest(t, srv, http.MethodGet, "/api/v1/diagnostic", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("diagnostic: %d", rec.Code)
	}
	data := resp["data"].(map[string]any)
	if data["misp_url"] != "https://misp.exercise.test" {
		t.Fatalf("misp url missing: %v", data)
	}
	key, _ := data["misp_apikey"].(string)
	if !strings.HasPrefix(key, "abcd") || !strings.HasSuffix(key, "0123") || strings.Contains(key, "4567") {
		t.Fatalf("authkey not masked: %q", key)
	}
}

type fakeDiagnoser struct {
	remediated []string
}

func (f *fakeDiagnoser) GetVersion(ctx context.Context) any  { return map[string]any{"version": "2.5"} }
func (f *fakeDiagnoser) GetSettings(ctx context.Context) any { return map[string]any{} }
func (f *fakeDiagnoser) RemediateSetting(ctx context.Context, setting string) any {
	if setting == "MISP.log_auth" {
		f.remediated = append(f.remediated, setting)
		return map[string]any{"saved": true}
	}
	return nil
}

func TestRemediateSettingEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)
	diag := &fakeDiagnoser{}
	srv.diagnoser = diag

	rec, _ := doRequest(t, srv, http.MethodPost, "/api/v1/diagnostic/remediate/MISP.log_auth", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("remediate: %d", rec.Code)
	}
	if len(diag.remediated) != 1 {
		t.Fatal("remediation not forwarded")
	}

	rec, _ = doRequest(t, srv, http.MethodPost, "/api/v1/diagnostic/remediate/MISP.baseurl", nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("unknown setting: %d", rec.Code)
	}
}
