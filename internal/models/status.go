package models

// CompletionEntry records one user's completion of one task. At most one
// entry exists per (user, task); see the ledger for the insertion rules.
type CompletionEntry struct {
	UserID          int     `json:"user_id"`
	Timestamp       float64 `json:"timestamp"`
	FirstCompletion bool    `json:"first_completion"`
}

// TaskStatus is the mutable scoring record of one inject.
type TaskStatus struct {
	UUID        string             `json:"uuid"`
	Name        string             `json:"name"`
	CompletedBy []*CompletionEntry `json:"completed_by_user"`
	Score       int                `json:"score"`
}

// EntryFor returns the completion entry for the given user, or nil.
func (t *TaskStatus) EntryFor(userID int) *CompletionEntry {
	for _, entry := range t.CompletedBy {
		if entry.UserID == userID {
			return entry
		}
	}
	return nil
}

// ExerciseStatus is the mutable per-exercise scoring state, rebuilt at load
// or reset time and mutated in place by the ledger afterwards.
type ExerciseStatus struct {
	UUID     string                 `json:"uuid"`
	Name     string                 `json:"name"`
	Tasks    map[string]*TaskStatus `json:"tasks"`
	MaxScore int                    `json:"max_score"`
}

// ExerciseProgress is the per-user per-exercise progress view.
type ExerciseProgress struct {
	TasksCompletion map[string]*CompletionEntry `json:"tasks_completion"`
	Score           int                         `json:"score"`
	MaxScore        int                         `json:"max_score"`
}

// UserProgress is the full per-user progress payload broadcast to dashboards.
type UserProgress struct {
	UserID    int                          `json:"user_id"`
	Email     string                       `json:"email"`
	Exercises map[string]*ExerciseProgress `json:"exercises"`
	Status    *UserStatus                  `json:"status"`
}

// UserStatus carries leaderboard placement flags for one user.
type UserStatus struct {
	OnHallOfFame bool `json:"is_on_hall_of_fame"`
	TotalScore   int  `json:"total_score"`
	TaskCount    int  `json:"completed_task_count"`
}

// ExerciseSummary is the read-only listing entry served to dashboards.
type ExerciseSummary struct {
	UUID        string         `json:"uuid"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Level       string         `json:"level"`
	Priority    int            `json:"priority"`
	Tasks       []*TaskSummary `json:"tasks"`
}

// TaskSummary is the read-only listing entry for one inject.
type TaskSummary struct {
	UUID         string             `json:"uuid"`
	Name         string             `json:"name"`
	Description  string             `json:"description"`
	Score        int                `json:"score"`
	Requirements InjectRequirements `json:"requirements"`
}
