// Package ledger provides the task-completion bookkeeping: idempotent
// completion records with first-completion attribution and the derived
// per-user completion and availability views.
package ledger

import (
	"log/slog"

	"github.com/MISP/SkillAegis-Dashboard/internal/exercise"
	"github.com/MISP/SkillAegis-Dashboard/internal/models"
	"github.com/MISP/SkillAegis-Dashboard/internal/state"
)

// Ledger couples the mutable game state with the immutable task registry.
type Ledger struct {
	game *state.Game
	reg  *exercise.Registry
}

// New creates a ledger over the given state and registry.
func New(game *state.Game, reg *exercise.Registry) *Ledger {
	return &Ledger{game: game, reg: reg}
}

// MarkComplete records a completion for (user, task). Calling it twice
// never produces two entries.
func (l *Ledger) MarkComplete(userID int, exerciseUUID, taskUUID string) bool {
	ok := l.game.MarkCompleted(exerciseUUID, taskUUID, userID)
	if !ok {
		slog.Warn("mark complete on unknown task", "exercise_uuid", exerciseUUID, "task_uuid", taskUUID)
	}
	return ok
}

// MarkIncomplete removes the user's completion entry only.
func (l *Ledger) MarkIncomplete(userID int, exerciseUUID, taskUUID string) bool {
	return l.game.MarkIncomplete(exerciseUUID, taskUUID, userID)
}

// CompletionForUsers returns, for every known user, a per-exercise per-task
// map whose entries are nil until the task is completed.
func (l *Ledger) CompletionForUsers() map[int]map[string]map[string]*models.CompletionEntry {
	completion := make(map[int]map[string]map[string]*models.CompletionEntry)
	users := l.game.KnownUsers()
	for _, userID := range users {
		completion[userID] = make(map[string]map[string]*models.CompletionEntry)
	}

	l.game.EachStatus(func(status *models.ExerciseStatus) {
		for _, userID := range users {
			perTask := make(map[string]*models.CompletionEntry, len(status.Tasks))
			for taskUUID, task := range status.Tasks {
				perTask[taskUUID] = task.EntryFor(userID)
			}
			completion[userID][status.UUID] = perTask
		}
	})
	return completion
}

// CompletionFor returns the per-exercise per-task completion of one user.
func (l *Ledger) CompletionFor(userID int) map[string]map[string]*models.CompletionEntry {
	completion := make(map[string]map[string]*models.CompletionEntry)
	l.game.EachStatus(func(status *models.ExerciseStatus) {
		perTask := make(map[string]*models.CompletionEntry, len(status.Tasks))
		for taskUUID, task := range status.Tasks {
			perTask[taskUUID] = task.EntryFor(userID)
		}
		completion[status.UUID] = perTask
	})
	return completion
}

// IsCompleted reports whether the user has completed the task.
func (l *Ledger) IsCompleted(userID int, exerciseUUID, taskUUID string) bool {
	status, ok := l.game.StatusFor(exerciseUUID)
	if !ok {
		return false
	}
	task, ok := status.Tasks[taskUUID]
	if !ok {
		return false
	}
	return task.EntryFor(userID) != nil
}

// AvailableTasks returns every task the user can currently progress on:
// not yet completed, and either without a prerequisite or with its
// prerequisite completed. Definition order is preserved. A user whose
// identity was never observed on the feed has no tasks.
func (l *Ledger) AvailableTasks(userID int) []string {
	if _, known := l.game.EmailOf(userID); !known {
		return nil
	}
	var available []string
	for _, ex := range l.reg.All() {
		for _, inject := range ex.Injects {
			if l.IsCompleted(userID, ex.Meta.UUID, inject.UUID) {
				continue
			}
			required := l.reg.Requirement(inject.UUID)
			if required == "" || l.IsCompleted(userID, ex.Meta.UUID, required) {
				available = append(available, inject.UUID)
			}
		}
	}
	return available
}

// ScoreForCompletion sums the score ceiling of every completed task in one
// exercise completion map; incomplete tasks contribute zero.
func (l *Ledger) ScoreForCompletion(tasksCompletion map[string]*models.CompletionEntry) int {
	score := 0
	for taskUUID, entry := range tasksCompletion {
		if entry == nil {
			continue
		}
		if inject, ok := l.reg.InjectByUUID(taskUUID); ok {
			score += inject.MaxScore()
		}
	}
	return score
}

// CompletedCount counts completed tasks in one exercise completion map.
func (l *Ledger) CompletedCount(tasksCompletion map[string]*models.CompletionEntry) int {
	count := 0
	for _, entry := range tasksCompletion {
		if entry != nil {
			count++
		}
	}
	return count
}
