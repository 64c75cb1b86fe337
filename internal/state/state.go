// Package state owns the mutable runtime state of the scoring engine: user
// identity maps, the selected exercise set, and the per-exercise scoring
// status. Every mutation is a single atomic method, never a sequence the
// caller has to lock around.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/MISP/SkillAegis-Dashboard/internal/models"
)

// Game is the single owned state object. All fields are private; operations
// are atomic with respect to each other.
type Game struct {
	mu          sync.Mutex
	userEmail   map[int]string
	emailUser   map[string]int
	userAuthkey map[int]string
	selected    []string
	status      map[string]*models.ExerciseStatus

	now func() float64
}

// New returns an empty game state.
func New() *Game {
	g := &Game{now: unixNow}
	g.resetLocked()
	return g
}

func unixNow() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func (g *Game) resetLocked() {
	g.userEmail = make(map[int]string)
	g.emailUser = make(map[string]int)
	g.userAuthkey = make(map[int]string)
	g.selected = nil
	g.status = make(map[string]*models.ExerciseStatus)
}

// Reset drops all identity, selection and completion state.
func (g *Game) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetLocked()
}

// SetStatuses replaces the exercise status scaffolding (load/reset time).
func (g *Game) SetStatuses(status map[string]*models.ExerciseStatus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status = status
}

// Identity

// ObserveEmail records a user_id<->email pair. Returns true the first time
// the user is seen.
func (g *Game) ObserveEmail(userID int, email string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, known := g.userEmail[userID]; known {
		return false
	}
	g.userEmail[userID] = email
	g.emailUser[email] = userID
	return true
}

// ObserveAuthkey records a user's authentication key.
func (g *Game) ObserveAuthkey(userID int, authkey string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.userAuthkey[userID] = authkey
}

// EmailOf returns the known email for a user, if any.
func (g *Game) EmailOf(userID int) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	email, ok := g.userEmail[userID]
	return email, ok
}

// UserIDFor returns the user id bound to an email, if any.
func (g *Game) UserIDFor(email string) (int, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.emailUser[email]
	return id, ok
}

// AuthkeyOf returns the known authkey for a user, if any.
func (g *Game) AuthkeyOf(userID int) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	key, ok := g.userAuthkey[userID]
	return key, ok
}

// IsFullyKnown reports whether both email and authkey have been observed.
func (g *Game) IsFullyKnown(userID int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, hasEmail := g.userEmail[userID]
	_, hasKey := g.userAuthkey[userID]
	return hasEmail && hasKey
}

// KnownUsers returns every user id with an observed email, sorted.
func (g *Game) KnownUsers() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	users := make([]int, 0, len(g.userEmail))
	for id := range g.userEmail {
		users = append(users, id)
	}
	sort.Ints(users)
	return users
}

// Selection

// SetSelected toggles whether an exercise is part of the active set.
func (g *Game) SetSelected(exerciseUUID string, selected bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := -1
	for i, uuid := range g.selected {
		if uuid == exerciseUUID {
			idx = i
			break
		}
	}
	if selected && idx == -1 {
		g.selected = append(g.selected, exerciseUUID)
	}
	if !selected && idx != -1 {
		g.selected = append(g.selected[:idx], g.selected[idx+1:]...)
	}
}

// Selected returns the active exercise UUIDs in selection order.
func (g *Game) Selected() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.selected))
	copy(out, g.selected)
	return out
}

// IsSelected reports whether an exercise is in the active set.
func (g *Game) IsSelected(exerciseUUID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, uuid := range g.selected {
		if uuid == exerciseUUID {
			return true
		}
	}
	return false
}

// Completion ledger primitives

// MarkCompleted inserts a completion entry for (user, task) if absent and
// recomputes the single first_completion flag across all entries for the
// task. Idempotent. Returns false when the exercise or task is unknown.
func (g *Game) MarkCompleted(exerciseUUID, taskUUID string, userID int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	task := g.taskLocked(exerciseUUID, taskUUID)
	if task == nil {
		return false
	}
	if task.EntryFor(userID) == nil {
		task.CompletedBy = append(task.CompletedBy, &models.CompletionEntry{
			UserID:    userID,
			Timestamp: g.now(),
		})
	}
	recomputeFirstCompletion(task)
	return true
}

// MarkIncomplete removes the given user's completion entry only.
func (g *Game) MarkIncomplete(exerciseUUID, taskUUID string, userID int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	task := g.taskLocked(exerciseUUID, taskUUID)
	if task == nil {
		return false
	}
	kept := task.CompletedBy[:0]
	for _, entry := range task.CompletedBy {
		if entry.UserID != userID {
			kept = append(kept, entry)
		}
	}
	task.CompletedBy = kept
	if len(task.CompletedBy) > 0 {
		recomputeFirstCompletion(task)
	}
	return true
}

func (g *Game) taskLocked(exerciseUUID, taskUUID string) *models.TaskStatus {
	status, ok := g.status[exerciseUUID]
	if !ok {
		return nil
	}
	return status.Tasks[taskUUID]
}

// recomputeFirstCompletion clears every flag and sets exactly one entry,
// the one with the minimum timestamp, as the true first.
func recomputeFirstCompletion(task *models.TaskStatus) {
	var first *models.CompletionEntry
	for _, entry := range task.CompletedBy {
		entry.FirstCompletion = false
		if first == nil || entry.Timestamp < first.Timestamp {
			first = entry
		}
	}
	if first != nil {
		first.FirstCompletion = true
	}
}

// Status views

// StatusFor returns the status record for one exercise.
func (g *Game) StatusFor(exerciseUUID string) (*models.ExerciseStatus, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	status, ok := g.status[exerciseUUID]
	return status, ok
}

// EachStatus invokes fn for every exercise status under the state lock.
// fn must not call back into Game.
func (g *Game) EachStatus(fn func(status *models.ExerciseStatus)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, status := range g.status {
		fn(status)
	}
}

// TaskScore returns the recorded score of a task, zero when unknown.
func (g *Game) TaskScore(exerciseUUID, taskUUID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	task := g.taskLocked(exerciseUUID, taskUUID)
	if task == nil {
		return 0
	}
	return task.Score
}
