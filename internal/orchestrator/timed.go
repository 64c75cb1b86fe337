package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/MISP/SkillAegis-Dashboard/internal/models"
)

// StartTimedInjects cancels every running timer and arms new ones for the
// triggered_at and periodic injects of the selected exercises.
func (o *Orchestrator) StartTimedInjects(ctx context.Context) {
	o.StopAllTimedInjects()
	for _, ex := range o.reg.All() {
		if !o.game.IsSelected(ex.Meta.UUID) {
			continue
		}
		for _, flow := range ex.InjectFlow {
			inject, ok := o.reg.InjectByUUID(flow.InjectUUID)
			if !ok {
				continue
			}
			if flow.Sequence.HasTrigger(models.TriggerTriggeredAt) && flow.Timing.TriggeredAt != nil {
				o.armTimer(ctx, inject, models.TriggerTriggeredAt, time.Duration(*flow.Timing.TriggeredAt)*time.Second, false)
			}
			if flow.Sequence.HasTrigger(models.TriggerPeriodic) && flow.Timing.PeriodicRunEvery != nil {
				o.armTimer(ctx, inject, models.TriggerPeriodic, time.Duration(*flow.Timing.PeriodicRunEvery)*time.Second, true)
			}
		}
	}
}

// StopAllTimedInjects invalidates every running timer. Sleeping timer
// goroutines notice on their next wake-up and exit.
func (o *Orchestrator) StopAllTimedInjects() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.timers) > 0 {
		slog.Info("cancelling timed injects", "count", len(o.timers))
	}
	o.timers = make(map[string]struct{})
}

// armTimer registers a cancellation token and starts the timer goroutine.
// The token carries a random salt so a restarted timer for the same
// inject never revives a cancelled one.
func (o *Orchestrator) armTimer(ctx context.Context, inject *models.Inject, kind string, interval time.Duration, periodic bool) {
	if interval <= 0 {
		slog.Warn("timed inject with non-positive interval", "inject_uuid", inject.UUID, "trigger", kind)
		return
	}
	token := fmt.Sprintf("%s:%s:%s", kind, inject.UUID, uuid.NewString())
	o.mu.Lock()
	o.timers[token] = struct{}{}
	o.mu.Unlock()

	slog.Info("starting timed inject", "inject_uuid", inject.UUID, "trigger", kind, "interval", interval)
	go o.runTimer(ctx, token, inject, kind, interval, periodic)
}

func (o *Orchestrator) runTimer(ctx context.Context, token string, inject *models.Inject, kind string, interval time.Duration, periodic bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(interval):
		}
		if !o.timerAlive(token) {
			return
		}
		if !periodic {
			// One-shot tokens simply expire; no evaluation runs.
			slog.Info("timed inject expired", "inject_uuid", inject.UUID, "trigger", kind)
			o.mu.Lock()
			delete(o.timers, token)
			o.mu.Unlock()
			return
		}
		if o.runTimedCheck(ctx, inject, kind) {
			o.emitter.Emit(EventRefreshScore, nil)
		}
	}
}

func (o *Orchestrator) timerAlive(token string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.timers[token]
	return ok
}

// runTimedCheck evaluates the inject for every known user against a
// synthetic empty event. Users for whom the task is not yet available are
// skipped. It reports whether any user newly completed the task.
func (o *Orchestrator) runTimedCheck(ctx context.Context, inject *models.Inject, kind string) bool {
	completedAny := false
	for _, userID := range o.game.KnownUsers() {
		if !o.taskAvailable(userID, inject.UUID) {
			continue
		}
		evalCtx := map[string]any{
			"evaluation_trigger": kind,
			"request_is_rest":    false,
			"user_id":            userID,
		}
		if email, ok := o.game.EmailOf(userID); ok {
			evalCtx["user_email"] = email
		}
		if authkey, ok := o.game.AuthkeyOf(userID); ok {
			evalCtx["user_authkey"] = authkey
		}
		if o.checkInject(ctx, userID, inject, map[string]any{}, evalCtx, true) {
			if o.ledger.MarkComplete(userID, inject.ExerciseUUID, inject.UUID) {
				completedAny = true
			}
		}
	}
	return completedAny
}

func (o *Orchestrator) taskAvailable(userID int, taskUUID string) bool {
	for _, available := range o.ledger.AvailableTasks(userID) {
		if available == taskUUID {
			return true
		}
	}
	return false
}
