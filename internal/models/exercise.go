package models

import (
	"encoding/json"
	"fmt"
)

// TargetTool identifies the monitored system an inject's evidence comes from.
type TargetTool string

const (
	ToolMISP     TargetTool = "MISP"
	ToolSuricata TargetTool = "suricata"
	ToolWebhook  TargetTool = "webhook"
)

// IsValid returns true if the tool is one of the supported target tools.
func (t TargetTool) IsValid() bool {
	return t == ToolMISP || t == ToolSuricata || t == ToolWebhook
}

// Strategy is the method used to decide whether an inject is satisfied.
type Strategy string

const (
	StrategyDataFiltering Strategy = "data_filtering"
	StrategyQueryMirror   Strategy = "query_mirror"
	StrategyQuerySearch   Strategy = "query_search"
	StrategyPython        Strategy = "python"
	// StrategySimulateIPS is the suricata rule-replay variant of data filtering.
	StrategySimulateIPS Strategy = "simulate_ips"
)

// JoinType controls how multiple evaluations within one inject combine.
type JoinType string

const (
	JoinAND JoinType = "AND"
	JoinOR  JoinType = "OR"
	// JoinUndefined runs every evaluation without short-circuiting and
	// requires all of them to succeed.
	JoinUndefined JoinType = ""
)

// Exercise is one loaded exercise definition file.
type Exercise struct {
	Meta       ExerciseMeta  `json:"exercise"`
	Injects    []*Inject     `json:"injects"`
	InjectFlow []*InjectFlow `json:"inject_flow"`
}

// ExerciseMeta is the descriptive header of an exercise.
type ExerciseMeta struct {
	UUID        string       `json:"uuid"`
	Name        string       `json:"name"`
	Namespace   string       `json:"namespace,omitempty"`
	Description string       `json:"description"`
	Attrs       ExerciseAttr `json:"meta"`
}

// ExerciseAttr carries optional presentation metadata.
type ExerciseAttr struct {
	Level    string `json:"level,omitempty"`
	Priority *int   `json:"priority,omitempty"`
}

// DefaultLevel and DefaultPriority apply when the definition omits them.
const (
	DefaultLevel    = "beginner"
	DefaultPriority = 50
)

// Level returns the declared level or the default.
func (m ExerciseMeta) Level() string {
	if m.Attrs.Level == "" {
		return DefaultLevel
	}
	return m.Attrs.Level
}

// Priority returns the declared priority or the default. Lower sorts first.
func (m ExerciseMeta) Priority() int {
	if m.Attrs.Priority == nil {
		return DefaultPriority
	}
	return *m.Attrs.Priority
}

// Inject is one scored task within an exercise.
type Inject struct {
	UUID        string              `json:"uuid"`
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	TargetTool  TargetTool          `json:"target_tool"`
	Evaluations []*InjectEvaluation `json:"inject_evaluation"`
	JoinType    JoinType            `json:"inject_evaluation_join_type,omitempty"`

	// ExerciseUUID is set by the registry at load time, not by the file.
	ExerciseUUID string `json:"-"`
}

// MaxScore is the sum of every evaluation's score ceiling.
func (i *Inject) MaxScore() int {
	score := 0
	for _, ev := range i.Evaluations {
		score += ev.MaxScore()
	}
	return score
}

// InjectEvaluation is one check within an inject.
type InjectEvaluation struct {
	Strategy   Strategy           `json:"evaluation_strategy"`
	Context    *EvaluationContext `json:"evaluation_context,omitempty"`
	Parameters []json.RawMessage  `json:"parameters"`
	ScoreRange []int              `json:"score_range,omitempty"`
}

// MaxScore returns the upper bound of the score range, zero when unset.
func (e *InjectEvaluation) MaxScore() int {
	if len(e.ScoreRange) < 2 {
		return 0
	}
	return e.ScoreRange[1]
}

// Script decodes the first parameter as a script body (python strategy).
func (e *InjectEvaluation) Script() (string, error) {
	if len(e.Parameters) == 0 {
		return "", fmt.Errorf("evaluation has no parameters")
	}
	var script string
	if err := json.Unmarshal(e.Parameters[0], &script); err != nil {
		return "", fmt.Errorf("script parameter is not a string: %w", err)
	}
	return script, nil
}

// Payload decodes the first parameter as a query payload (query_mirror).
func (e *InjectEvaluation) Payload() map[string]any {
	if len(e.Parameters) == 0 {
		return map[string]any{}
	}
	var payload map[string]any
	if err := json.Unmarshal(e.Parameters[0], &payload); err != nil {
		return map[string]any{}
	}
	return payload
}

// EvaluationContext scopes when and against what an evaluation runs.
type EvaluationContext struct {
	RequestIsRest *bool         `json:"request_is_rest,omitempty"`
	QueryContext  *QueryContext `json:"query_context,omitempty"`
}

// QueryContext describes a MISP query to replay.
type QueryContext struct {
	RequestMethod string         `json:"request_method"`
	URL           string         `json:"url"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// InjectFlow is per-inject dependency and timing metadata.
type InjectFlow struct {
	InjectUUID   string             `json:"inject_uuid"`
	Description  string             `json:"description,omitempty"`
	Requirements InjectRequirements `json:"requirements"`
	Sequence     InjectSequence     `json:"sequence"`
	Timing       InjectTiming       `json:"timing"`
}

// InjectRequirements holds the single optional prerequisite task.
type InjectRequirements struct {
	InjectUUID string `json:"inject_uuid,omitempty"`
}

// InjectSequence lists informational successors and trigger kinds.
type InjectSequence struct {
	FollowedBy []string `json:"followed_by,omitempty"`
	Trigger    []string `json:"trigger,omitempty"`
}

// Trigger kinds recognized in InjectSequence.Trigger.
const (
	TriggerPeriodic    = "periodic"
	TriggerTriggeredAt = "triggered_at"
)

// HasTrigger reports whether the sequence declares the given trigger kind.
func (s InjectSequence) HasTrigger(kind string) bool {
	for _, t := range s.Trigger {
		if t == kind {
			return true
		}
	}
	return false
}

// InjectTiming holds timer configuration in seconds.
type InjectTiming struct {
	TriggeredAt      *int `json:"triggered_at,omitempty"`
	PeriodicRunEvery *int `json:"periodic_run_every,omitempty"`
}
