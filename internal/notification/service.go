package notification

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MISP/SkillAegis-Dashboard/internal/models"
)

// Buffer geometry of the live-log widgets.
const (
	MessageBufferSize = 30

	HistoryResolutionPerMin = 12
	HistoryTimespanMin      = 20

	ActivityResolutionPerMin = 2
	ActivityTimespanMin      = 20
)

const (
	historyBufferSize  = HistoryResolutionPerMin * HistoryTimespanMin
	activityBufferSize = ActivityResolutionPerMin * ActivityTimespanMin
)

// Sampling cadence matching the buffer resolutions.
const (
	HistoryFrequency  = time.Minute / HistoryResolutionPerMin
	ActivityFrequency = time.Minute / ActivityResolutionPerMin
)

// URL scopes whose notifications reach the live log and the activity graph.
var (
	liveLogScopes = map[string][]string{
		"events":       {"add", "edit", "delete", "restSearch"},
		"attributes":   {"add", "add_attachment", "edit", "revise_object", "delete", "restSearch"},
		"eventReports": {"add", "edit", "delete"},
		"tags":         {"*"},
	}
	activityScopes = map[string][]string{
		"events":       {"view", "add", "edit", "delete", "restSearch"},
		"attributes":   {"add", "add_attachment", "edit", "delete", "restSearch"},
		"objects":      {"add", "edit", "revise_object", "delete"},
		"eventReports": {"view", "add", "edit", "delete"},
		"tags":         {"*"},
	}
)

// Service keeps the recent notifications, the message-rate history, and the
// per-user activity rates. All buffers are fixed size; old samples fall off.
type Service struct {
	mu       sync.Mutex
	verbose  bool
	apiQuery bool
	nextID   int

	messages []*models.Notification

	history      []int
	historyCount int

	activity       map[int][]int
	activityCounts map[int]int

	now func() time.Time
}

func NewService() *Service {
	return &Service{
		nextID:         1,
		history:        make([]int, historyBufferSize),
		activity:       make(map[int][]int),
		activityCounts: make(map[int]int),
		now:            time.Now,
	}
}

// SetVerbose lets every notification through regardless of scope.
func (s *Service) SetVerbose(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verbose = enabled
}

func (s *Service) Verbose() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verbose
}

// SetAPIQuery restricts the live log to API (JSON body) requests.
func (s *Service) SetAPIQuery(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiQuery = enabled
}

func (s *Service) APIQuery() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.apiQuery
}

// Record prepends the notification to the message buffer and counts it
// toward the next history sample.
func (s *Service) Record(n *models.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append([]*models.Notification{n}, s.messages...)
	if len(s.messages) > MessageBufferSize {
		s.messages = s.messages[:MessageBufferSize]
	}
	s.historyCount++
}

// RecordActivity counts one action toward the user's next activity sample.
func (s *Service) RecordActivity(userID int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activityCounts[userID]++
}

// Messages returns the buffered notifications, newest first.
func (s *Service) Messages() []*models.Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*models.Notification, len(s.messages))
	copy(out, s.messages)
	return out
}

// SampleHistory pushes the message count of the elapsed window into the
// history ring and resets the counter.
func (s *Service) SampleHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history[1:], s.historyCount)
	s.historyCount = 0
}

// SampleActivity pushes every known user's activity count into their ring
// and resets the counters.
func (s *Service) SampleActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for userID, count := range s.activityCounts {
		ring, ok := s.activity[userID]
		if !ok {
			ring = make([]int, activityBufferSize)
		}
		s.activity[userID] = append(ring[1:], count)
		s.activityCounts[userID] = 0
	}
}

// History returns the sampled message rates plus the buffer geometry the
// dashboard needs to draw them.
func (s *Service) History() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	history := make([]int, len(s.history))
	copy(history, s.history)
	return map[string]any{
		"history": history,
		"config": map[string]any{
			"buffer_resolution_per_minute": HistoryResolutionPerMin,
			"buffer_timestamp_min":         HistoryTimespanMin,
			"frequency":                    HistoryFrequency.Seconds(),
			"notification_history_size":    historyBufferSize,
		},
	}
}

// Activity returns the per-user activity rings plus their geometry.
func (s *Service) Activity() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	activity := make(map[int][]int, len(s.activity))
	for userID, ring := range s.activity {
		out := make([]int, len(ring))
		copy(out, ring)
		activity[userID] = out
	}
	return map[string]any{
		"activity": activity,
		"config": map[string]any{
			"timestamp_min":                ActivityTimespanMin,
			"buffer_resolution_per_minute": ActivityResolutionPerMin,
			"frequency":                    ActivityFrequency.Seconds(),
			"activity_buffer_size":         activityBufferSize,
		},
	}
}

// Reset clears the messages, the history, and the activity rings.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	s.history = make([]int, historyBufferSize)
	s.historyCount = 0
	for userID := range s.activity {
		s.activity[userID] = make([]int, activityBufferSize)
	}
	for userID := range s.activityCounts {
		s.activityCounts[userID] = 0
	}
}

// BuildMessage turns an HTTP-request audit record into a live-log entry.
// emailOf resolves user ids to addresses; unknown users show as "?".
func (s *Service) BuildMessage(event map[string]any, emailOf func(int) (string, bool)) *models.Notification {
	user := "?"
	if id, ok := UserID(event); ok {
		if email, ok := emailOf(id); ok {
			user = email
		}
	}
	rawURL, _ := event["url"].(string)
	method, _ := event["request_method"].(string)
	if method == "" {
		method = "GET"
	}
	_, action := ScopeAction(rawURL)
	// The UI shows form-based deletions as what they are.
	if (method == "POST" || method == "PUT") && action == "delete" {
		method = "DELETE"
	}
	responseCode := "?"
	if code, ok := event["response_code"].(string); ok {
		responseCode = code
	} else if code, ok := toInt(event["response_code"]); ok {
		responseCode = fmt.Sprintf("%d", code)
	}
	userAgent, _ := event["user_agent"].(string)
	if userAgent == "" {
		userAgent = "?"
	}

	return &models.Notification{
		ID:           s.claimID(),
		Origin:       "zmq",
		User:         user,
		Time:         eventClock(event, s.now),
		URL:          rawURL,
		HTTPMethod:   method,
		UserAgent:    userAgent,
		IsAPIRequest: IsAPIRequest(event),
		ResponseCode: responseCode,
		Payload:      PostBody(event),
	}
}

// BuildWebhookMessage turns a webhook submission into a live-log entry. The
// payload is summarized rather than echoed; customMessage is capped at 128
// characters.
func (s *Service) BuildWebhookMessage(userID int, tool models.TargetTool, data map[string]any, customMessage string, emailOf func(int) (string, bool)) *models.Notification {
	user := "?"
	if email, ok := emailOf(userID); ok {
		user = email
	}
	encoded, _ := json.Marshal(data)
	payload := fmt.Sprintf("@data - %d byte(s), %d key(s).\n", len(encoded), len(data))
	if customMessage != "" {
		if len(customMessage) > 128 {
			customMessage = customMessage[:128]
		}
		payload += customMessage
	}
	return &models.Notification{
		ID:         s.claimID(),
		Origin:     "webhook",
		TargetTool: tool,
		User:       user,
		Time:       s.now().Format("15:04:05"),
		Payload:    payload,
	}
}

func (s *Service) claimID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	return id
}

// Accepted decides whether a notification reaches the live log.
func (s *Service) Accepted(n *models.Notification) bool {
	if n.UserAgent == "SkillAegis" {
		return false
	}
	s.mu.Lock()
	verbose, apiQuery := s.verbose, s.apiQuery
	s.mu.Unlock()
	if verbose {
		return true
	}
	if apiQuery && !n.IsAPIRequest {
		return false
	}
	if !strings.Contains(n.User, "@") {
		return false
	}
	return scopeAccepts(liveLogScopes, n.URL)
}

// AcceptedActivity decides whether a notification counts as user activity.
func (s *Service) AcceptedActivity(n *models.Notification) bool {
	if n.UserAgent == "SkillAegis" {
		return false
	}
	if !strings.Contains(n.User, "@") {
		return false
	}
	return scopeAccepts(activityScopes, n.URL)
}

func scopeAccepts(scopes map[string][]string, rawURL string) bool {
	scope, action := ScopeAction(rawURL)
	actions, ok := scopes[scope]
	if !ok {
		return false
	}
	for _, a := range actions {
		if a == "*" || a == action {
			return true
		}
	}
	return false
}

// eventClock extracts the wall-clock time of the record, falling back to
// now. MISP timestamps look like "2024-01-02 10:11:12.123".
func eventClock(event map[string]any, now func() time.Time) string {
	created, _ := event["created"].(string)
	if _, clock, found := strings.Cut(created, " "); found {
		clock, _, _ = strings.Cut(clock, ".")
		if clock != "" {
			return clock
		}
	}
	return now().Format("15:04:05")
}
