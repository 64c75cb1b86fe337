package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/MISP/SkillAegis-Dashboard/internal/api"
	"github.com/MISP/SkillAegis-Dashboard/internal/config"
	"github.com/MISP/SkillAegis-Dashboard/internal/exercise"
	"github.com/MISP/SkillAegis-Dashboard/internal/feed"
	"github.com/MISP/SkillAegis-Dashboard/internal/leaderboard"
	"github.com/MISP/SkillAegis-Dashboard/internal/ledger"
	"github.com/MISP/SkillAegis-Dashboard/internal/mispclient"
	"github.com/MISP/SkillAegis-Dashboard/internal/notification"
	"github.com/MISP/SkillAegis-Dashboard/internal/orchestrator"
	"github.com/MISP/SkillAegis-Dashboard/internal/predicate"
	"github.com/MISP/SkillAegis-Dashboard/internal/snapshot"
	"github.com/MISP/SkillAegis-Dashboard/internal/state"
	"github.com/MISP/SkillAegis-Dashboard/internal/targettool"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	slog.Info("starting skillaegis-dashboard",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"exercise_dir", cfg.Exercise.Dir,
	)

	// Exercise definitions are fatal when broken: scoring a drill against
	// half a definition set helps nobody.
	registry := exercise.NewRegistry(cfg.Exercise.Dir)
	if err := registry.Load(); err != nil {
		slog.Error("failed to load exercises", "error", err)
		os.Exit(1)
	}

	initCtx, initCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer initCancel()

	store, err := newSnapshotStore(initCtx, cfg.Snapshot)
	if err != nil {
		slog.Error("failed to initialize snapshot backend", "error", err)
		os.Exit(1)
	}

	game := state.New()
	game.SetStatuses(registry.InitStatuses())
	restoreSnapshot(initCtx, store, game, registry)

	led := ledger.New(game, registry)
	board := leaderboard.New(game, led)
	notifications := notification.NewService()

	mispOpts := []mispclient.Option{}
	if cfg.MISP.SkipSSL {
		mispOpts = append(mispOpts, mispclient.WithInsecureSkipVerify())
	}
	if cfg.MISP.UserAgent != "" {
		mispOpts = append(mispOpts, mispclient.WithUserAgent(cfg.MISP.UserAgent))
	}
	misp := mispclient.NewClient(cfg.MISP.URL, cfg.MISP.APIKey, mispOpts...)

	runner := predicate.NewClient(cfg.Predicate.URL, cfg.Predicate.Timeout)

	routers := []targettool.Router{
		targettool.NewMISPRouter(misp, game, runner),
		targettool.NewSuricataRouter(misp, game, nil),
		targettool.NewWebhookRouter(),
	}

	hub := api.NewHub()
	debounce := time.Duration(cfg.Engine.DebounceSeconds) * time.Second
	orch := orchestrator.New(registry, game, led, routers, hub, debounce)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Feed.RedisAddress,
		Password: cfg.Feed.RedisPassword,
		DB:       cfg.Feed.RedisDB,
	})
	if err := redisClient.Ping(initCtx).Err(); err != nil {
		slog.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	var server *api.Server
	listener := feed.NewListener(redisClient, cfg.Feed.Topics, game, notifications, orch, hub, func() {
		server.BroadcastRefresh()
	})
	server = api.NewServer(cfg.Server, hub, game, registry, led, board, notifications, orch, misp, listener)
	server.SetMISPInfo(cfg.MISP)

	go func() {
		if err := listener.Listen(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("audit feed stopped", "error", err)
		}
	}()

	orch.StartTimedInjects(ctx)
	go housekeeping(ctx, cfg, server, notifications, store, game)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("HTTP server starting", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down gracefully...")
	cancel()
	orch.StopAllTimedInjects()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := store.Save(shutdownCtx, game.Snapshot()); err != nil {
		slog.Error("final snapshot failed", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("skillaegis-dashboard stopped")
}

func newSnapshotStore(ctx context.Context, cfg config.SnapshotConfig) (snapshot.Store, error) {
	switch cfg.Backend {
	case "postgres":
		return snapshot.NewPostgresStore(ctx, cfg.DSN)
	default:
		return snapshot.NewFileStore(cfg.Path), nil
	}
}

// restoreSnapshot loads the saved state if any. A snapshot that cannot be
// restored resets the game rather than leaving it half-applied.
func restoreSnapshot(ctx context.Context, store snapshot.Store, game *state.Game, registry *exercise.Registry) {
	snap, err := store.Load(ctx)
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		return
	}
	if err != nil {
		slog.Warn("could not load snapshot, starting fresh", "error", err)
		game.Reset()
		game.SetStatuses(registry.InitStatuses())
		return
	}
	game.Restore(snap)
	if !game.HasStatus() {
		slog.Warn("snapshot carried no usable state, starting fresh")
		game.Reset()
		game.SetStatuses(registry.InitStatuses())
		return
	}
	slog.Info("snapshot restored")
}

// housekeeping runs the periodic loops: the dashboard heartbeat, the
// notification-rate samplers, and the snapshot writer.
func housekeeping(ctx context.Context, cfg *config.Config, server *api.Server, notifications *notification.Service, store snapshot.Store, game *state.Game) {
	keepalive := time.NewTicker(cfg.Engine.KeepaliveInterval)
	history := time.NewTicker(cfg.Engine.HistoryInterval)
	activity := time.NewTicker(cfg.Engine.ActivityInterval)
	backup := time.NewTicker(cfg.Snapshot.Interval)
	defer keepalive.Stop()
	defer history.Stop()
	defer activity.Stop()
	defer backup.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			server.BroadcastKeepAlive()
		case <-history.C:
			notifications.SampleHistory()
		case <-activity.C:
			notifications.SampleActivity()
		case <-backup.C:
			saveCtx, saveCancel := context.WithTimeout(ctx, 10*time.Second)
			if err := store.Save(saveCtx, game.Snapshot()); err != nil {
				slog.Warn("snapshot save failed", "error", err)
			}
			saveCancel()
		}
	}
}
