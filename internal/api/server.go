// Package api is the dashboard's control surface: a REST API for admin
// operations and a websocket hub pushing live updates to connected
// dashboards.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/MISP/SkillAegis-Dashboard/internal/config"
	"github.com/MISP/SkillAegis-Dashboard/internal/exercise"
	"github.com/MISP/SkillAegis-Dashboard/internal/leaderboard"
	"github.com/MISP/SkillAegis-Dashboard/internal/ledger"
	"github.com/MISP/SkillAegis-Dashboard/internal/notification"
	"github.com/MISP/SkillAegis-Dashboard/internal/orchestrator"
	"github.com/MISP/SkillAegis-Dashboard/internal/state"
)

// Events the server pushes on score or roster changes.
const (
	EventUpdateProgress   = "update_progress"
	EventUpdateStatistics = "update_statistics"
	EventNotification     = "notification"
	EventKeepAlive        = "keep_alive"
)

// Diagnoser answers the health questions the diagnostic endpoint asks of
// the monitored MISP instance.
type Diagnoser interface {
	GetVersion(ctx context.Context) any
	GetSettings(ctx context.Context) any
	RemediateSetting(ctx context.Context, setting string) any
}

// FeedStats exposes the audit stream counters.
type FeedStats interface {
	MessageCount() int64
	LastMessageAt() time.Time
}

// Server is the HTTP API server.
type Server struct {
	config        config.ServerConfig
	router        *chi.Mux
	hub           *Hub
	game          *state.Game
	registry      *exercise.Registry
	ledger        *ledger.Ledger
	board         *leaderboard.Service
	notifications *notification.Service
	orchestrator  *orchestrator.Orchestrator
	diagnoser     Diagnoser
	feedStats     FeedStats
	misp          config.MISPConfig
	startedAt     time.Time
}

// NewServer wires the API server. diagnoser and feedStats may be nil; the
// diagnostic endpoint then reports what it can.
func NewServer(
	cfg config.ServerConfig,
	hub *Hub,
	game *state.Game,
	registry *exercise.Registry,
	led *ledger.Ledger,
	board *leaderboard.Service,
	notifications *notification.Service,
	orch *orchestrator.Orchestrator,
	diagnoser Diagnoser,
	feedStats FeedStats,
) *Server {
	s := &Server{
		config:        cfg,
		hub:           hub,
		game:          game,
		registry:      registry,
		ledger:        led,
		board:         board,
		notifications: notifications,
		orchestrator:  orch,
		diagnoser:     diagnoser,
		feedStats:     feedStats,
		startedAt:     time.Now(),
	}
	s.setupRouter()
	return s
}

// SetMISPInfo records the monitored instance settings the diagnostic
// endpoint reports. The API key is masked before it leaves the server.
func (s *Server) SetMISPInfo(cfg config.MISPConfig) {
	s.misp = cfg
}

// Router returns the configured router.
func (s *Server) Router() http.Handler {
	return s.router
}

// BroadcastRefresh pushes fresh progress and statistics to every
// connected dashboard.
func (s *Server) BroadcastRefresh() {
	s.hub.Emit(EventUpdateProgress, s.board.Progress())
	s.hub.Emit(EventUpdateStatistics, s.board.Stats())
}

// BroadcastKeepAlive pushes the liveness heartbeat the dashboards expect.
func (s *Server) BroadcastKeepAlive() {
	payload := map[string]any{
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	}
	if s.feedStats != nil {
		payload["zmq_message_count"] = s.feedStats.MessageCount()
		if last := s.feedStats.LastMessageAt(); !last.IsZero() {
			payload["zmq_last_time"] = last.UTC().Format(time.RFC3339)
		}
	}
	s.hub.Emit(EventKeepAlive, payload)
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/ws", s.hub.HandleWS)
	r.Post("/webhook", s.handleWebhook)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/exercises", func(r chi.Router) {
			r.Get("/", s.handleListExercises)
			r.Post("/reload", s.handleReloadExercises)
			r.Post("/{uuid}/select", s.handleSelectExercise)
			r.Post("/{uuid}/deselect", s.handleDeselectExercise)
		})

		r.Get("/progress", s.handleProgress)
		r.Get("/stats", s.handleStats)

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/complete", s.handleMarkTask(true))
			r.Post("/incomplete", s.handleMarkTask(false))
		})

		r.Route("/reset", func(r chi.Router) {
			r.Post("/progress", s.handleResetProgress)
			r.Post("/all", s.handleResetAll)
		})

		r.Route("/notifications", func(r chi.Router) {
			r.Get("/", s.handleListNotifications)
			r.Get("/history", s.handleNotificationHistory)
			r.Post("/reset", s.handleResetNotifications)
			r.Post("/verbose", s.handleToggle(s.notifications.SetVerbose))
			r.Post("/apiquery", s.handleToggle(s.notifications.SetAPIQuery))
		})

		r.Get("/activity", s.handleUserActivity)
		r.Get("/diagnostic", s.handleDiagnostic)
		r.Post("/diagnostic/remediate/{setting}", s.handleRemediateSetting)
	})

	s.router = r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			slog.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
				"remote_addr", r.RemoteAddr,
			)
		}()

		next.ServeHTTP(ww, r)
	})
}
