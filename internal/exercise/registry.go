// Package exercise loads and indexes exercise definitions. Loading is
// fail-closed: a duplicate UUID or an uncompilable path expression anywhere
// rejects the whole set.
package exercise

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/MISP/SkillAegis-Dashboard/internal/evaluator"
	"github.com/MISP/SkillAegis-Dashboard/internal/models"
)

// Definition errors, fatal at load time.
var (
	ErrDuplicateUUID = errors.New("duplicate uuid")
	ErrInvalidUUID   = errors.New("invalid uuid")
	ErrBadExpression = errors.New("uncompilable path expression")
)

// Registry holds the loaded exercise definitions and their derived indexes.
// Definitions are immutable between loads.
type Registry struct {
	mu           sync.RWMutex
	dir          string
	exercises    []*models.Exercise
	injectByUUID map[string]*models.Inject
	flowByInject map[string]*models.InjectFlow
}

// NewRegistry creates a registry reading definitions from dir.
func NewRegistry(dir string) *Registry {
	return &Registry{
		dir:          dir,
		injectByUUID: make(map[string]*models.Inject),
		flowByInject: make(map[string]*models.InjectFlow),
	}
}

// Load reads every *.json definition in the directory, validates the whole
// set and rebuilds the indexes. On error the previously loaded set stays in
// place.
func (r *Registry) Load() error {
	files, err := filepath.Glob(filepath.Join(r.dir, "*.json"))
	if err != nil {
		return fmt.Errorf("failed to scan exercise directory: %w", err)
	}
	sort.Strings(files)

	var exercises []*models.Exercise
	for _, file := range files {
		data, err := os.ReadFile(file)
		if err != nil {
			slog.Warn("could not read exercise file", "file", file, "error", err)
			continue
		}
		var ex models.Exercise
		if err := json.Unmarshal(data, &ex); err != nil {
			slog.Warn("could not parse exercise file", "file", file, "error", err)
			continue
		}
		exercises = append(exercises, &ex)
	}

	if err := validate(exercises); err != nil {
		return err
	}

	injectByUUID := make(map[string]*models.Inject)
	flowByInject := make(map[string]*models.InjectFlow)
	for _, ex := range exercises {
		for _, inject := range ex.Injects {
			inject.ExerciseUUID = ex.Meta.UUID
			injectByUUID[inject.UUID] = inject
		}
		for _, flow := range ex.InjectFlow {
			flowByInject[flow.InjectUUID] = flow
		}
	}

	r.mu.Lock()
	r.exercises = exercises
	r.injectByUUID = injectByUUID
	r.flowByInject = flowByInject
	r.mu.Unlock()

	slog.Info("exercises loaded", "count", len(exercises), "dir", r.dir)
	return nil
}

// validate enforces the structural invariants of the whole definition set.
func validate(exercises []*models.Exercise) error {
	exerciseUUIDs := make(map[string]string)
	taskUUIDs := make(map[string]string)
	for _, ex := range exercises {
		eUUID := ex.Meta.UUID
		if err := uuid.Validate(eUUID); err != nil {
			return fmt.Errorf("%w: exercise %q (%s)", ErrInvalidUUID, ex.Meta.Name, eUUID)
		}
		if other, dup := exerciseUUIDs[eUUID]; dup {
			return fmt.Errorf("%w: %s (%s, %s)", ErrDuplicateUUID, eUUID, ex.Meta.Name, other)
		}
		exerciseUUIDs[eUUID] = ex.Meta.Name

		for _, inject := range ex.Injects {
			if err := uuid.Validate(inject.UUID); err != nil {
				return fmt.Errorf("%w: inject %q (%s)", ErrInvalidUUID, inject.Name, inject.UUID)
			}
			if other, dup := taskUUIDs[inject.UUID]; dup {
				return fmt.Errorf("%w: %s (%s, %s)", ErrDuplicateUUID, inject.UUID, inject.Name, other)
			}
			taskUUIDs[inject.UUID] = inject.Name

			for _, eval := range inject.Evaluations {
				if eval.Strategy != models.StrategyDataFiltering {
					continue
				}
				steps, err := evaluator.ParseSteps(eval.Parameters)
				if err != nil {
					return fmt.Errorf("[%s :: %s] %w: %v", inject.UUID, inject.Name, ErrBadExpression, err)
				}
				for _, step := range steps {
					for _, assertion := range step {
						if err := evaluator.CompilePath(assertion.Path); err != nil {
							return fmt.Errorf("[%s :: %s] %w: %v", inject.UUID, inject.Name, ErrBadExpression, err)
						}
					}
				}
			}
		}
	}
	return nil
}

// All returns the loaded exercises in load order.
func (r *Registry) All() []*models.Exercise {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*models.Exercise, len(r.exercises))
	copy(out, r.exercises)
	return out
}

// InjectByUUID returns an inject by its process-wide unique UUID.
func (r *Registry) InjectByUUID(taskUUID string) (*models.Inject, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inject, ok := r.injectByUUID[taskUUID]
	return inject, ok
}

// FlowFor returns the inject-flow metadata of a task.
func (r *Registry) FlowFor(taskUUID string) (*models.InjectFlow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	flow, ok := r.flowByInject[taskUUID]
	return flow, ok
}

// Requirement returns the prerequisite task UUID, empty when the task has
// no requirement.
func (r *Registry) Requirement(taskUUID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	flow, ok := r.flowByInject[taskUUID]
	if !ok {
		return ""
	}
	return flow.Requirements.InjectUUID
}

// Sequence returns the informational successor list of a task.
func (r *Registry) Sequence(taskUUID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	flow, ok := r.flowByInject[taskUUID]
	if !ok {
		return nil
	}
	return flow.Sequence.FollowedBy
}

// InitStatuses builds fresh per-exercise status scaffolding with empty
// completion lists and the per-task score ceilings.
func (r *Registry) InitStatuses() map[string]*models.ExerciseStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make(map[string]*models.ExerciseStatus, len(r.exercises))
	for _, ex := range r.exercises {
		maxScore := 0
		tasks := make(map[string]*models.TaskStatus, len(ex.Injects))
		for _, inject := range ex.Injects {
			score := inject.MaxScore()
			maxScore += score
			tasks[inject.UUID] = &models.TaskStatus{
				UUID:  inject.UUID,
				Name:  inject.Name,
				Score: score,
			}
		}
		statuses[ex.Meta.UUID] = &models.ExerciseStatus{
			UUID:     ex.Meta.UUID,
			Name:     ex.Meta.Name,
			Tasks:    tasks,
			MaxScore: maxScore,
		}
	}
	return statuses
}

// Summaries returns the dashboard listing, sorted by priority.
func (r *Registry) Summaries() []*models.ExerciseSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()

	summaries := make([]*models.ExerciseSummary, 0, len(r.exercises))
	for _, ex := range r.exercises {
		summary := &models.ExerciseSummary{
			UUID:        ex.Meta.UUID,
			Name:        ex.Meta.Name,
			Description: ex.Meta.Description,
			Level:       ex.Meta.Level(),
			Priority:    ex.Meta.Priority(),
		}
		for _, inject := range ex.Injects {
			task := &models.TaskSummary{
				UUID:        inject.UUID,
				Name:        inject.Name,
				Description: inject.Description,
				Score:       inject.MaxScore(),
			}
			if flow, ok := r.flowByInject[inject.UUID]; ok {
				task.Requirements = flow.Requirements
			}
			summary.Tasks = append(summary.Tasks, task)
		}
		summaries = append(summaries, summary)
	}
	sort.SliceStable(summaries, func(i, j int) bool {
		return summaries[i].Priority < summaries[j].Priority
	})
	return summaries
}

// MaxScoreFor returns the maximum attainable score of one exercise.
func (r *Registry) MaxScoreFor(exerciseUUID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ex := range r.exercises {
		if ex.Meta.UUID != exerciseUUID {
			continue
		}
		total := 0
		for _, inject := range ex.Injects {
			total += inject.MaxScore()
		}
		return total
	}
	return 0
}
