// Package client is a small Go SDK for the SkillAegis dashboard API, used
// by exercise tooling that submits webhook results or steers the selected
// exercises.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/MISP/SkillAegis-Dashboard/internal/models"
)

// Client talks to a running dashboard.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures the client
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the client timeout
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new dashboard client
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type apiEnvelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// SubmitWebhook sends evidence to the webhook intake for evaluation.
func (c *Client) SubmitWebhook(ctx context.Context, event models.WebhookEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.post(ctx, "/webhook", body)
}

// SelectExercise marks the exercise as active.
func (c *Client) SelectExercise(ctx context.Context, exerciseUUID string) error {
	return c.post(ctx, fmt.Sprintf("/api/v1/exercises/%s/select", exerciseUUID), nil)
}

// DeselectExercise removes the exercise from the active set.
func (c *Client) DeselectExercise(ctx context.Context, exerciseUUID string) error {
	return c.post(ctx, fmt.Sprintf("/api/v1/exercises/%s/deselect", exerciseUUID), nil)
}

// MarkTaskRequest identifies one (user, task) pair for manual overrides.
type MarkTaskRequest struct {
	UserID       int    `json:"user_id"`
	ExerciseUUID string `json:"exercise_uuid"`
	TaskUUID     string `json:"task_uuid"`
}

// MarkTaskComplete manually marks the task complete for the user.
func (c *Client) MarkTaskComplete(ctx context.Context, req MarkTaskRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.post(ctx, "/api/v1/tasks/complete", body)
}

// MarkTaskIncomplete undoes a completion.
func (c *Client) MarkTaskIncomplete(ctx context.Context, req MarkTaskRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	return c.post(ctx, "/api/v1/tasks/incomplete", body)
}

// Progress fetches the per-user progress payload.
func (c *Client) Progress(ctx context.Context) (map[string]*models.UserProgress, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/api/v1/progress", nil)
	if err != nil {
		return nil, err
	}
	env, err := decodeEnvelope(resp)
	if err != nil {
		return nil, err
	}
	var progress map[string]*models.UserProgress
	if err := json.Unmarshal(env.Data, &progress); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return progress, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	resp, err := c.doRequest(ctx, http.MethodPost, path, reader)
	if err != nil {
		return err
	}
	_, err = decodeEnvelope(resp)
	return err
}

func decodeEnvelope(resp []byte) (*apiEnvelope, error) {
	var env apiEnvelope
	if err := json.Unmarshal(resp, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if !env.Success {
		if env.Error != nil {
			return nil, fmt.Errorf("API error: %s - %s", env.Error.Code, env.Error.Message)
		}
		return nil, fmt.Errorf("API error: request failed")
	}
	return &env, nil
}

func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return data, nil
}
