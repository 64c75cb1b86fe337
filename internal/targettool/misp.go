package targettool

import (
	"context"
	"log/slog"

	"github.com/MISP/SkillAegis-Dashboard/internal/evaluator"
	"github.com/MISP/SkillAegis-Dashboard/internal/models"
	"github.com/MISP/SkillAegis-Dashboard/internal/predicate"
)

// MISPRouter checks evaluations against live MISP audit data and the
// MISP REST API.
type MISPRouter struct {
	api    MISPAPI
	keys   AuthkeyStore
	runner predicate.Runner
}

// NewMISPRouter wires a router over the given MISP client. runner may be
// nil when no predicate service is configured; python evaluations then
// resolve to false.
func NewMISPRouter(api MISPAPI, keys AuthkeyStore, runner predicate.Runner) *MISPRouter {
	return &MISPRouter{api: api, keys: keys, runner: runner}
}

func (r *MISPRouter) Tool() models.TargetTool { return models.ToolMISP }

func (r *MISPRouter) CheckEvaluation(ctx context.Context, userID int, eval *models.InjectEvaluation, event map[string]any, evalCtx map[string]any) bool {
	if !validEvaluationContext(eval, evalCtx) {
		return false
	}
	switch eval.Strategy {
	case models.StrategyDataFiltering:
		return r.checkDataFiltering(ctx, eval, event, evalCtx)
	case models.StrategyQueryMirror:
		return r.checkQueryMirror(ctx, userID, eval, event)
	case models.StrategyQuerySearch:
		return r.checkQuerySearch(ctx, userID, eval, evalCtx)
	case models.StrategyPython:
		return r.checkPython(ctx, userID, eval, evalCtx)
	default:
		slog.Warn("unsupported evaluation strategy", "strategy", eval.Strategy)
		return false
	}
}

// checkDataFiltering resolves the full event the audit record refers to
// and runs the filtering assertions on it.
func (r *MISPRouter) checkDataFiltering(ctx context.Context, eval *models.InjectEvaluation, event map[string]any, evalCtx map[string]any) bool {
	eventID, ok := ParseEventID(event)
	if !ok {
		slog.Debug("could not parse event id from audit record")
		return false
	}
	fullEvent := r.api.GetEvent(ctx, eventID)
	if fullEvent == nil {
		slog.Debug("could not fetch event", "event_id", eventID)
		return false
	}
	passed, _ := evaluator.EvalDataFiltering(eval, fullEvent, evalCtx, false)
	return passed
}

// checkQueryMirror replays the user's query and an expected query with
// the user's own authkey and compares the results.
func (r *MISPRouter) checkQueryMirror(ctx context.Context, userID int, eval *models.InjectEvaluation, event map[string]any) bool {
	if eval.Context == nil || eval.Context.QueryContext == nil {
		slog.Warn("query_mirror evaluation without query_context")
		return false
	}
	performed, ok := ParsePerformedQuery(event)
	if !ok {
		return false
	}
	authkey, ok := authkeyOrGenerate(ctx, r.api, r.keys, userID)
	if !ok {
		slog.Debug("no authkey available for user", "user_id", userID)
		return false
	}
	// The expected query runs the query_context method/url with the
	// evaluation's first parameter as its payload.
	expected := eval.Context.QueryContext
	expectedResult := r.api.DoRestQuery(ctx, authkey, expected.RequestMethod, expected.URL, eval.Payload())
	actualResult := r.api.DoRestQuery(ctx, authkey, performed.Method, performed.URL, performed.Payload)
	if expectedResult == nil || actualResult == nil {
		return false
	}
	return evaluator.EvalQueryMirror(expectedResult, actualResult)
}

// checkQuerySearch runs the query_context query as the user and applies
// the filtering assertions to the result.
func (r *MISPRouter) checkQuerySearch(ctx context.Context, userID int, eval *models.InjectEvaluation, evalCtx map[string]any) bool {
	if eval.Context == nil || eval.Context.QueryContext == nil {
		slog.Warn("query_search evaluation without query_context")
		return false
	}
	authkey, ok := authkeyOrGenerate(ctx, r.api, r.keys, userID)
	if !ok {
		slog.Debug("no authkey available for user", "user_id", userID)
		return false
	}
	qc := eval.Context.QueryContext
	result := r.api.DoRestQuery(ctx, authkey, qc.RequestMethod, qc.URL, qc.Payload)
	if result == nil {
		return false
	}
	passed, _ := evaluator.EvalDataFiltering(eval, result, evalCtx, false)
	return passed
}

// checkPython runs the query_context query as the user, then submits the
// evaluation script with the query result to the predicate service and
// reads its verdict.
func (r *MISPRouter) checkPython(ctx context.Context, userID int, eval *models.InjectEvaluation, evalCtx map[string]any) bool {
	if r.runner == nil {
		slog.Warn("python evaluation requested but no predicate service configured")
		return false
	}
	if eval.Context == nil || eval.Context.QueryContext == nil {
		slog.Warn("python evaluation without query_context")
		return false
	}
	script, err := eval.Script()
	if err != nil {
		slog.Warn("python evaluation with unusable script", "error", err)
		return false
	}
	authkey, ok := authkeyOrGenerate(ctx, r.api, r.keys, userID)
	if !ok {
		slog.Debug("no authkey available for user", "user_id", userID)
		return false
	}
	qc := eval.Context.QueryContext
	document := r.api.DoRestQuery(ctx, authkey, qc.RequestMethod, qc.URL, qc.Payload)
	if document == nil {
		slog.Debug("could not fetch data for python evaluation")
		return false
	}
	wrapped, err := predicate.WrapScript(script, document, evalCtx)
	if err != nil {
		slog.Warn("could not wrap evaluation script", "error", err)
		return false
	}
	result, err := r.runner.Run(ctx, wrapped, evalCtx)
	return predicate.Verdict(result, err)
}
