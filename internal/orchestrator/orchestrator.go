// Package orchestrator drives inject evaluation: it decides which tasks
// are worth checking for a user, runs their evaluations through the
// target-tool routers, and records completions.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MISP/SkillAegis-Dashboard/internal/exercise"
	"github.com/MISP/SkillAegis-Dashboard/internal/ledger"
	"github.com/MISP/SkillAegis-Dashboard/internal/models"
	"github.com/MISP/SkillAegis-Dashboard/internal/state"
	"github.com/MISP/SkillAegis-Dashboard/internal/targettool"
)

// Events the orchestrator emits to connected dashboards.
const (
	EventTaskCheckInProgress = "user_task_check_in_progress"
	EventRefreshScore        = "refresh_score"
)

// Emitter pushes an event to every connected dashboard.
type Emitter interface {
	Emit(event string, payload any)
}

type nopEmitter struct{}

func (nopEmitter) Emit(string, any) {}

// Orchestrator owns the evaluation loop and the timed-inject scheduler.
type Orchestrator struct {
	reg     *exercise.Registry
	game    *state.Game
	ledger  *ledger.Ledger
	routers map[models.TargetTool]targettool.Router
	emitter Emitter

	debounce time.Duration
	now      func() time.Time

	mu      sync.Mutex
	lastRun map[int]time.Time
	timers  map[string]struct{}
}

// New builds an orchestrator over the given routers. A nil emitter is
// replaced with a no-op one.
func New(reg *exercise.Registry, game *state.Game, led *ledger.Ledger, routers []targettool.Router, emitter Emitter, debounce time.Duration) *Orchestrator {
	if emitter == nil {
		emitter = nopEmitter{}
	}
	byTool := make(map[models.TargetTool]targettool.Router, len(routers))
	for _, r := range routers {
		byTool[r.Tool()] = r
	}
	return &Orchestrator{
		reg:      reg,
		game:     game,
		ledger:   led,
		routers:  byTool,
		emitter:  emitter,
		debounce: debounce,
		now:      time.Now,
		lastRun:  make(map[int]time.Time),
		timers:   make(map[string]struct{}),
	}
}

// CheckActiveTasksDebounced runs CheckActiveTasks unless the same user
// was already checked within the debounce window. The first call in a
// window runs and stamps it; later calls inside the window are dropped.
func (o *Orchestrator) CheckActiveTasksDebounced(ctx context.Context, userID int, tool models.TargetTool, event map[string]any, evalCtx map[string]any) bool {
	o.mu.Lock()
	now := o.now()
	if last, ok := o.lastRun[userID]; ok && now.Sub(last) < o.debounce {
		o.mu.Unlock()
		slog.Debug("skipping check, user checked recently", "user_id", userID)
		return false
	}
	o.lastRun[userID] = now
	o.mu.Unlock()
	return o.CheckActiveTasks(ctx, userID, tool, event, evalCtx)
}

// CheckActiveTasks evaluates every available task of every selected
// exercise for the user against the given event. It reports whether any
// task newly completed.
func (o *Orchestrator) CheckActiveTasks(ctx context.Context, userID int, tool models.TargetTool, event map[string]any, evalCtx map[string]any) bool {
	completedAny := false
	for _, taskUUID := range o.ledger.AvailableTasks(userID) {
		inject, ok := o.reg.InjectByUUID(taskUUID)
		if !ok {
			continue
		}
		if !o.game.IsSelected(inject.ExerciseUUID) {
			continue
		}
		if inject.TargetTool != tool {
			continue
		}
		if o.checkInject(ctx, userID, inject, event, evalCtx, false) {
			if o.ledger.MarkComplete(userID, inject.ExerciseUUID, inject.UUID) {
				completedAny = true
			}
		}
	}
	return completedAny
}

// checkInject runs the inject's evaluations under its join type:
// AND stops at the first failure, OR stops at the first success, and an
// unset join runs everything and requires all of it.
//
// timed checks only ever run query_search evaluations. Hitting any other
// strategy aborts the inject under AND (and the unset join), and skips
// just that evaluation under OR.
func (o *Orchestrator) checkInject(ctx context.Context, userID int, inject *models.Inject, event map[string]any, evalCtx map[string]any, timed bool) bool {
	router, ok := o.routers[inject.TargetTool]
	if !ok {
		slog.Warn("no router for target tool", "target_tool", inject.TargetTool, "inject_uuid", inject.UUID)
		return false
	}

	if len(inject.Evaluations) == 0 {
		return false
	}

	if inject.JoinType == models.JoinOR {
		for _, eval := range inject.Evaluations {
			if timed && eval.Strategy != models.StrategyQuerySearch {
				continue
			}
			o.emitCheckInProgress(userID, inject)
			if router.CheckEvaluation(ctx, userID, eval, event, evalCtx) {
				return true
			}
		}
		return false
	}

	// AND short-circuits on failure; the unset join runs everything and
	// requires all of it.
	success := true
	for _, eval := range inject.Evaluations {
		if timed && eval.Strategy != models.StrategyQuerySearch {
			return false
		}
		o.emitCheckInProgress(userID, inject)
		if !router.CheckEvaluation(ctx, userID, eval, event, evalCtx) {
			if inject.JoinType == models.JoinAND {
				return false
			}
			success = false
		}
	}
	return success
}

func (o *Orchestrator) emitCheckInProgress(userID int, inject *models.Inject) {
	o.emitter.Emit(EventTaskCheckInProgress, map[string]any{
		"user_id":     userID,
		"inject_uuid": inject.UUID,
		"inject_name": inject.Name,
	})
}
