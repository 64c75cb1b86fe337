// Package leaderboard aggregates the completion ledger into per-user score
// totals, the hall of fame, and the progress payloads broadcast to
// dashboards.
package leaderboard

import (
	"sort"

	"github.com/MISP/SkillAegis-Dashboard/internal/ledger"
	"github.com/MISP/SkillAegis-Dashboard/internal/state"
)

// HallOfFameSize caps the published ranking.
const HallOfFameSize = 9

// Entry is one user's aggregate over the selected exercises.
type Entry struct {
	UserID    int    `json:"user_id"`
	Email     string `json:"email"`
	Score     int    `json:"score"`
	TaskCount int    `json:"completed_task_count"`
}

// Service computes leaderboard views.
type Service struct {
	game   *state.Game
	ledger *ledger.Ledger
}

// New creates a leaderboard service.
func New(game *state.Game, l *ledger.Ledger) *Service {
	return &Service{game: game, ledger: l}
}

// TotalScores returns every known user's total score and completed-task
// count over the currently selected exercises.
func (s *Service) TotalScores() []*Entry {
	selected := make(map[string]struct{})
	for _, uuid := range s.game.Selected() {
		selected[uuid] = struct{}{}
	}

	var entries []*Entry
	for userID, perExercise := range s.ledger.CompletionForUsers() {
		email, known := s.game.EmailOf(userID)
		if !known {
			continue
		}
		entry := &Entry{UserID: userID, Email: email}
		for exerciseUUID, tasksCompletion := range perExercise {
			if _, ok := selected[exerciseUUID]; !ok {
				continue
			}
			entry.Score += s.ledger.ScoreForCompletion(tasksCompletion)
			entry.TaskCount += s.ledger.CompletedCount(tasksCompletion)
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].UserID < entries[j].UserID
	})
	return entries
}

// HallOfFame returns the top scorers.
func (s *Service) HallOfFame() []*Entry {
	entries := s.TotalScores()
	if len(entries) > HallOfFameSize {
		entries = entries[:HallOfFameSize]
	}
	return entries
}

// Stats is the statistics payload broadcast alongside progress updates.
func (s *Service) Stats() map[string]any {
	return map[string]any{
		"hall_of_fame": s.HallOfFame(),
	}
}
