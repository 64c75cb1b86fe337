package models

// Notification is one entry of the dashboard live-log feed.
type Notification struct {
	ID           int            `json:"id"`
	Origin       string         `json:"notification_origin"`
	User         string         `json:"user"`
	Time         string         `json:"time"`
	URL          string         `json:"url,omitempty"`
	HTTPMethod   string         `json:"http_method,omitempty"`
	UserAgent    string         `json:"user_agent,omitempty"`
	IsAPIRequest bool           `json:"is_api_request"`
	ResponseCode string         `json:"response_code,omitempty"`
	TargetTool   TargetTool     `json:"target_tool,omitempty"`
	Payload      any            `json:"payload,omitempty"`
	Extra        map[string]any `json:"-"`
}

// WebhookEvent is the body accepted by the webhook intake endpoint.
type WebhookEvent struct {
	UserID           *int           `json:"user_id,omitempty"`
	Email            string         `json:"email,omitempty"`
	TargetTool       TargetTool     `json:"target_tool"`
	Data             map[string]any `json:"data"`
	DashboardMessage string         `json:"dashboard_message,omitempty"`
}
