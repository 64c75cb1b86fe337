package leaderboard

import (
	"github.com/MISP/SkillAegis-Dashboard/internal/models"
)

// Progress builds the full per-user progress view over the selected
// exercises, with leaderboard placement flags attached.
func (s *Service) Progress() map[int]*models.UserProgress {
	selected := make(map[string]struct{})
	for _, uuid := range s.game.Selected() {
		selected[uuid] = struct{}{}
	}

	fame := make(map[int]struct{})
	for _, entry := range s.HallOfFame() {
		fame[entry.UserID] = struct{}{}
	}

	progress := make(map[int]*models.UserProgress)
	for userID, perExercise := range s.ledger.CompletionForUsers() {
		email, known := s.game.EmailOf(userID)
		if !known {
			continue
		}
		user := &models.UserProgress{
			UserID:    userID,
			Email:     email,
			Exercises: make(map[string]*models.ExerciseProgress),
		}
		totalScore := 0
		taskCount := 0
		for exerciseUUID, tasksCompletion := range perExercise {
			if _, ok := selected[exerciseUUID]; !ok {
				continue
			}
			score := s.ledger.ScoreForCompletion(tasksCompletion)
			totalScore += score
			taskCount += s.ledger.CompletedCount(tasksCompletion)
			maxScore := 0
			if status, ok := s.game.StatusFor(exerciseUUID); ok {
				maxScore = status.MaxScore
			}
			user.Exercises[exerciseUUID] = &models.ExerciseProgress{
				TasksCompletion: tasksCompletion,
				Score:           score,
				MaxScore:        maxScore,
			}
		}
		_, onFame := fame[userID]
		user.Status = &models.UserStatus{
			OnHallOfFame: onFame,
			TotalScore:   totalScore,
			TaskCount:    taskCount,
		}
		progress[userID] = user
	}
	return progress
}
