// Package mispclient is a thin REST client for the monitored MISP
// instance. Every call returns nil data on failure; a missing document is a
// definitive "cannot evaluate now" for the caller, never an error to
// propagate into the evaluation path.
package mispclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to one MISP instance.
type Client struct {
	baseURL    string
	apiKey     string
	userAgent  string
	httpClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithTimeout sets the client timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// WithInsecureSkipVerify disables TLS certificate verification, for
// training setups running MISP with a self-signed certificate.
func WithInsecureSkipVerify() Option {
	return func(c *Client) {
		c.httpClient.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		}
	}
}

// WithUserAgent overrides the User-Agent header. The default marks traffic
// as self-generated so the feed can ignore it.
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		c.userAgent = ua
	}
}

// NewClient creates a MISP client authenticated with the instance API key.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		userAgent: "SkillAegis",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// do performs one request. A nil return means the request failed or the
// body was not decodable; callers treat that as data-unavailable.
func (c *Client) do(ctx context.Context, method, path string, payload any, apiKey string) any {
	if apiKey == "" {
		apiKey = c.apiKey
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			slog.Warn("could not encode MISP payload", "url", path, "error", err)
			return nil
		}
		body = bytes.NewReader(data)
	}

	fullURL, err := url.JoinPath(c.baseURL, path)
	if err != nil {
		slog.Warn("invalid MISP url", "url", path, "error", err)
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		slog.Warn("could not build MISP request", "url", path, "error", err)
		return nil
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Authorization", apiKey)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Info("could not perform request on MISP", "url", path, "error", err)
		return nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Info("could not read MISP response", "url", path, "error", err)
		return nil
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var decoded any
		if err := json.Unmarshal(raw, &decoded); err == nil {
			return decoded
		}
	}
	return string(raw)
}

// GetEvent fetches one event by id.
func (c *Client) GetEvent(ctx context.Context, eventID int) any {
	return c.do(ctx, http.MethodGet, fmt.Sprintf("/events/view/%d", eventID), nil, "")
}

// DoRestQuery replays an arbitrary REST query on behalf of a user.
func (c *Client) DoRestQuery(ctx context.Context, authkey, method, path string, payload map[string]any) any {
	if method == http.MethodPost {
		return c.do(ctx, http.MethodPost, path, payload, authkey)
	}
	return c.do(ctx, http.MethodGet, path, nil, authkey)
}

// GenAPIKey creates a fresh authentication key for the user.
func (c *Client) GenAPIKey(ctx context.Context, userID int) (string, bool) {
	result := c.do(ctx, http.MethodPost, fmt.Sprintf("/auth_keys/add/%d", userID), nil, "")
	doc, ok := result.(map[string]any)
	if !ok {
		return "", false
	}
	authKey, ok := doc["AuthKey"].(map[string]any)
	if !ok {
		return "", false
	}
	raw, ok := authKey["authkey_raw"].(string)
	return raw, ok
}

// GetVersion returns the server version document, nil when unreachable.
func (c *Client) GetVersion(ctx context.Context) any {
	return c.do(ctx, http.MethodGet, "/servers/getVersion.json", nil, "")
}

// wantedSettings are the instance settings the engine depends on: the
// audit feed must publish, and paranoid logging must capture request
// bodies and authkeys for the evaluators to see them.
var wantedSettings = map[string]any{
	"Plugin.ZeroMQ_enable":                           true,
	"Plugin.ZeroMQ_audit_notifications_enable":       true,
	"Plugin.ZeroMQ_event_notifications_enable":       true,
	"Plugin.ZeroMQ_attribute_notifications_enable":   true,
	"MISP.log_paranoid":                              true,
	"MISP.log_paranoid_skip_db":                      true,
	"MISP.log_paranoid_include_post_body":            true,
	"MISP.log_auth":                                  true,
	"Security.allow_unsafe_cleartext_apikey_logging": true,
}

// SettingState pairs a wanted setting's expected value with its live value.
type SettingState struct {
	ExpectedValue any `json:"expected_value"`
	Value         any `json:"value"`
}

// GetSettings returns, for each setting the engine depends on, the
// expected value and the value the instance currently holds. Nil when the
// instance is unreachable.
func (c *Client) GetSettings(ctx context.Context) any {
	result := c.do(ctx, http.MethodGet, "/servers/serverSettings.json", nil, "")
	doc, ok := result.(map[string]any)
	if !ok {
		return nil
	}

	states := make(map[string]*SettingState, len(wantedSettings))
	for name, expected := range wantedSettings {
		states[name] = &SettingState{ExpectedValue: expected}
	}
	finalSettings, _ := doc["finalSettings"].([]any)
	for _, raw := range finalSettings {
		setting, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		name, _ := setting["setting"].(string)
		if state, wanted := states[name]; wanted {
			state.Value = setting["value"]
		}
	}
	return states
}

// RemediateSetting forces a wanted setting back to its expected value.
// Settings the engine does not depend on are not touched.
func (c *Client) RemediateSetting(ctx context.Context, setting string) any {
	expected, ok := wantedSettings[setting]
	if !ok {
		return nil
	}
	payload := map[string]any{
		"value": expected,
		"force": 1,
	}
	return c.do(ctx, http.MethodPost, "/servers/serverSettingsEdit/"+setting, payload, "")
}
