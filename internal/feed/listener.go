// Package feed consumes the live MISP audit stream from redis pub/sub and
// feeds it into identity capture, notifications, and task checking.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MISP/SkillAegis-Dashboard/internal/models"
	"github.com/MISP/SkillAegis-Dashboard/internal/notification"
	"github.com/MISP/SkillAegis-Dashboard/internal/state"
	"github.com/MISP/SkillAegis-Dashboard/internal/targettool"
)

// TopicAudit is the only topic whose messages drive evaluation. Other
// subscribed topics are counted and dropped.
const TopicAudit = "misp_json_audit"

// Events the listener emits to connected dashboards.
const (
	EventNewUser      = "new_user"
	EventNotification = "notification"
)

// Checker runs the evaluation loop for one user and reports whether any
// task newly completed.
type Checker interface {
	CheckActiveTasksDebounced(ctx context.Context, userID int, tool models.TargetTool, event map[string]any, evalCtx map[string]any) bool
}

// Emitter pushes an event to every connected dashboard.
type Emitter interface {
	Emit(event string, payload any)
}

// Listener subscribes to the audit topics and processes messages until its
// context ends.
type Listener struct {
	client        *redis.Client
	topics        []string
	game          *state.Game
	notifications *notification.Service
	checker       Checker
	emitter       Emitter
	refresh       func()

	mu           sync.Mutex
	messageCount int64
	lastMessage  time.Time
}

// NewListener wires a listener. refresh is called after any message that
// completed a task; it may be nil.
func NewListener(client *redis.Client, topics []string, game *state.Game, notifications *notification.Service, checker Checker, emitter Emitter, refresh func()) *Listener {
	if refresh == nil {
		refresh = func() {}
	}
	return &Listener{
		client:        client,
		topics:        topics,
		game:          game,
		notifications: notifications,
		checker:       checker,
		emitter:       emitter,
		refresh:       refresh,
	}
}

// Listen blocks consuming messages until the context is cancelled. A
// malformed message is logged and dropped; the loop keeps going.
func (l *Listener) Listen(ctx context.Context) error {
	pubsub := l.client.Subscribe(ctx, l.topics...)
	defer pubsub.Close()

	slog.Info("listening for audit messages", "topics", strings.Join(l.topics, ","))
	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			l.HandleMessage(ctx, msg.Channel, []byte(msg.Payload))
		}
	}
}

// HandleMessage processes one raw message from the given topic.
func (l *Listener) HandleMessage(ctx context.Context, topic string, payload []byte) {
	l.mu.Lock()
	l.messageCount++
	l.lastMessage = time.Now()
	l.mu.Unlock()

	if topic != TopicAudit {
		return
	}
	var event map[string]any
	if err := json.Unmarshal(payload, &event); err != nil {
		slog.Warn("dropping unparseable audit message", "error", err)
		return
	}

	if userID, email, ok := notification.EmailPair(event); ok && userID != 0 && strings.Contains(email, "@") {
		if l.game.ObserveEmail(userID, email) {
			l.emitter.Emit(EventNewUser, email)
		}
	}
	if userID, authkey, ok := notification.AuthkeyPair(event); ok && userID != 0 {
		if _, known := l.game.AuthkeyOf(userID); !known {
			l.game.ObserveAuthkey(userID, authkey)
			return
		}
	}

	if notification.IsHTTPRequest(event) {
		n := l.notifications.BuildMessage(event, l.game.EmailOf)
		if l.notifications.Accepted(n) {
			l.notifications.Record(n)
			l.emitter.Emit(EventNotification, n)
		}
		if l.notifications.AcceptedActivity(n) {
			if userID, ok := notification.UserID(event); ok {
				l.notifications.RecordActivity(userID)
			}
		}
	}

	userID, ok := notification.UserID(event)
	if !ok {
		return
	}
	if !targettool.IsAcceptedQuery(event) {
		return
	}
	evalCtx := l.BuildContext(topic, userID, event)
	if l.checker.CheckActiveTasksDebounced(ctx, userID, models.ToolMISP, event, evalCtx) {
		l.refresh()
	}
}

// BuildContext assembles the evaluation context evaluations can reference
// through template variables and the request_is_rest gate.
func (l *Listener) BuildContext(topic string, userID int, event map[string]any) map[string]any {
	evalCtx := map[string]any{
		"zmq_topic": topic,
		"user_id":   userID,
		"webhook":   false,
	}
	if email, ok := l.game.EmailOf(userID); ok {
		evalCtx["user_email"] = email
	}
	if authkey, ok := l.game.AuthkeyOf(userID); ok {
		evalCtx["user_authkey"] = authkey
	}
	if log, ok := event["Log"].(map[string]any); ok {
		if isRest, ok := log["request_is_rest"].(bool); ok {
			evalCtx["request_is_rest"] = isRest
		}
	} else if _, ok := event["authkey_id"]; ok {
		evalCtx["request_is_rest"] = true
	}
	return evalCtx
}

// MessageCount reports how many raw messages arrived since startup.
func (l *Listener) MessageCount() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.messageCount
}

// LastMessageAt reports when the last raw message arrived; zero when none
// has.
func (l *Listener) LastMessageAt() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastMessage
}
