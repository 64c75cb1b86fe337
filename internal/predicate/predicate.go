// Package predicate delegates scriptable checks to the remote sandboxed
// script evaluator. The verdict travels back as one of two sentinel
// markers printed on stdout; anything else, including execution failure,
// counts as condition-not-met.
package predicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Sentinel markers the wrapped script prints to report its verdict.
const (
	ValidationTrue  = "__validation_true__"
	ValidationFalse = "__validation_false__"
)

// Result is the remote evaluator's execution report.
type Result struct {
	Status   string `json:"status"`
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// Runner executes a script remotely. Implemented by Client; faked in tests.
type Runner interface {
	Run(ctx context.Context, script string, scriptContext map[string]any) (*Result, error)
}

// Client posts scripts to the sandbox agent over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a predicate client for the given agent endpoint.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Run submits the script and returns the execution report.
func (c *Client) Run(ctx context.Context, script string, scriptContext map[string]any) (*Result, error) {
	payload := map[string]any{
		"script":  script,
		"context": scriptContext,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode script payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox agent unreachable: %w", err)
	}
	defer resp.Body.Close()

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode agent response: %w", err)
	}
	return &result, nil
}

// WrapScript embeds the user-provided evaluate() body into the runner
// program the agent executes. The data and context are inlined as JSON so
// the script sees exactly what the engine evaluated.
func WrapScript(userScript string, data any, scriptContext map[string]any) (string, error) {
	dataJSON, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to encode data: %w", err)
	}
	ctxJSON, err := json.Marshal(map[string]any{
		"data":    data,
		"context": scriptContext,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode context: %w", err)
	}

	var indented strings.Builder
	for _, line := range strings.Split(userScript, "\n") {
		indented.WriteString("    ")
		indented.WriteString(line)
		indented.WriteString("\n")
	}

	script := fmt.Sprintf(`
import json

def evaluate(data: dict, context: dict) -> bool:
%s
data = json.loads(%s)
context = json.loads(%s)
outcome = evaluate(data, context)
if outcome is True:
    print('%s')
else:
    print('%s')
`, indented.String(), pyQuote(dataJSON), pyQuote(ctxJSON), ValidationTrue, ValidationFalse)
	return script, nil
}

// pyQuote renders JSON bytes as a python single-quoted string literal.
func pyQuote(raw []byte) string {
	s := strings.ReplaceAll(string(raw), `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	return "'" + s + "'"
}

// Verdict extracts the boolean outcome from an execution report.
func Verdict(result *Result, err error) bool {
	if err != nil {
		slog.Debug("predicate execution failed", "error", err)
		return false
	}
	if result.Status != "success" {
		slog.Debug("predicate did not succeed", "status", result.Status, "stderr", result.Stderr)
		return false
	}
	return strings.Contains(result.Stdout, ValidationTrue)
}
