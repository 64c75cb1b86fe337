package state

import (
	"github.com/MISP/SkillAegis-Dashboard/internal/models"
)

// Snapshot is the serializable form of the game state, exactly what the
// persistence backends save and restore.
type Snapshot struct {
	ExercisesStatus   map[string]*models.ExerciseStatus `json:"exercises_status"`
	SelectedExercises []string                          `json:"selected_exercises"`
	UserIDToEmail     map[int]string                    `json:"user_id_to_email"`
	EmailToUserID     map[string]int                    `json:"email_to_user_id"`
	UserIDToAuthkey   map[int]string                    `json:"user_id_to_authkey"`
}

// Snapshot captures the current state.
func (g *Game) Snapshot() *Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := &Snapshot{
		ExercisesStatus:   make(map[string]*models.ExerciseStatus, len(g.status)),
		SelectedExercises: append([]string(nil), g.selected...),
		UserIDToEmail:     make(map[int]string, len(g.userEmail)),
		EmailToUserID:     make(map[string]int, len(g.emailUser)),
		UserIDToAuthkey:   make(map[int]string, len(g.userAuthkey)),
	}
	for uuid, status := range g.status {
		copied := &models.ExerciseStatus{
			UUID:     status.UUID,
			Name:     status.Name,
			MaxScore: status.MaxScore,
			Tasks:    make(map[string]*models.TaskStatus, len(status.Tasks)),
		}
		for taskUUID, task := range status.Tasks {
			copiedTask := &models.TaskStatus{
				UUID:  task.UUID,
				Name:  task.Name,
				Score: task.Score,
			}
			for _, entry := range task.CompletedBy {
				e := *entry
				copiedTask.CompletedBy = append(copiedTask.CompletedBy, &e)
			}
			copied.Tasks[taskUUID] = copiedTask
		}
		snap.ExercisesStatus[uuid] = copied
	}
	for id, email := range g.userEmail {
		snap.UserIDToEmail[id] = email
	}
	for email, id := range g.emailUser {
		snap.EmailToUserID[email] = id
	}
	for id, key := range g.userAuthkey {
		snap.UserIDToAuthkey[id] = key
	}
	return snap
}

// Restore replaces the state with the snapshot content.
func (g *Game) Restore(snap *Snapshot) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.resetLocked()
	if snap.ExercisesStatus != nil {
		g.status = snap.ExercisesStatus
	}
	g.selected = append([]string(nil), snap.SelectedExercises...)
	for id, email := range snap.UserIDToEmail {
		g.userEmail[id] = email
	}
	for email, id := range snap.EmailToUserID {
		g.emailUser[email] = id
	}
	for id, key := range snap.UserIDToAuthkey {
		g.userAuthkey[id] = key
	}
}

// HasStatus reports whether any exercise status is present, used to decide
// whether the scaffolding must be rebuilt after a restore.
func (g *Game) HasStatus() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.status) > 0
}
