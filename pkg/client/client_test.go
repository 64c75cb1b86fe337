package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MISP/SkillAegis-Dashboard/internal/models"
)

func TestSubmitWebhook(t *testing.T) {
	var got models.WebhookEvent
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/webhook" || r.Method != http.MethodPost {
			t.Fatalf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatal(err)
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer server.Close()

	c := NewClient(server.URL)
	userID := 3
	err := c.SubmitWebhook(context.Background(), models.WebhookEvent{
		UserID:     &userID,
		TargetTool: models.ToolWebhook,
		Data:       map[string]any{"answer": "42"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.UserID == nil || *got.UserID != 3 || got.Data["answer"] != "42" {
		t.Fatalf("payload mangled: %#v", got)
	}
}

func TestSubmitWebhookAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"error":   map[string]string{"code": "unknown_user", "message": "could not get associated user"},
		})
	}))
	defer server.Close()

	err := NewClient(server.URL).SubmitWebhook(context.Background(), models.WebhookEvent{TargetTool: models.ToolWebhook})
	if err == nil {
		t.Fatal("expected an error")
	}
}

func TestProgress(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/progress" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"1": map[string]any{"user_id": 1, "email": "blue@exercise.test"},
			},
		})
	}))
	defer server.Close()

	progress, err := NewClient(server.URL).Progress(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if progress["1"].Email != "blue@exercise.test" {
		t.Fatalf("unexpected progress: %#v", progress["1"])
	}
}
