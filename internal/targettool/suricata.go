package targettool

import (
	"context"
	"log/slog"

	"github.com/MISP/SkillAegis-Dashboard/internal/evaluator"
	"github.com/MISP/SkillAegis-Dashboard/internal/models"
)

// RuleReplayer runs suricata rules against captured traffic and reports
// the verdict events they produced.
type RuleReplayer interface {
	VerdictEvents(ctx context.Context, rules string) ([]any, error)
}

// suricataRulePayload is the restSearch query that collects the rules a
// user published. Its keys win over any query_context payload.
var suricataRulePayload = map[string]any{
	"published":    false,
	"timestamp":    "1d",
	"returnFormat": "suricata",
}

// SuricataRouter fetches the rules a user authored from MISP, replays
// them against the exercise traffic, and filters the verdicts.
type SuricataRouter struct {
	api      MISPAPI
	keys     AuthkeyStore
	replayer RuleReplayer
}

// NewSuricataRouter wires a router over the MISP client and a rule
// replayer. replayer may be nil when no IPS simulation backend is
// configured; evaluations then resolve to false.
func NewSuricataRouter(api MISPAPI, keys AuthkeyStore, replayer RuleReplayer) *SuricataRouter {
	return &SuricataRouter{api: api, keys: keys, replayer: replayer}
}

func (r *SuricataRouter) Tool() models.TargetTool { return models.ToolSuricata }

func (r *SuricataRouter) CheckEvaluation(ctx context.Context, userID int, eval *models.InjectEvaluation, event map[string]any, evalCtx map[string]any) bool {
	if eval.Strategy != models.StrategySimulateIPS {
		slog.Warn("unsupported evaluation strategy for suricata", "strategy", eval.Strategy)
		return false
	}
	if r.replayer == nil {
		slog.Warn("simulate_ips evaluation requested but no replayer configured")
		return false
	}
	if !validEvaluationContext(eval, evalCtx) {
		return false
	}
	rules, ok := r.fetchRules(ctx, userID, eval)
	if !ok || rules == "" {
		return false
	}
	verdicts, err := r.replayer.VerdictEvents(ctx, rules)
	if err != nil {
		slog.Warn("rule replay failed", "error", err)
		return false
	}
	for _, verdict := range verdicts {
		if passed, _ := evaluator.EvalDataFiltering(eval, verdict, evalCtx, false); passed {
			return true
		}
	}
	return false
}

// fetchRules pulls the user's recent suricata rules from MISP as a single
// rule file body.
func (r *SuricataRouter) fetchRules(ctx context.Context, userID int, eval *models.InjectEvaluation) (string, bool) {
	authkey, ok := authkeyOrGenerate(ctx, r.api, r.keys, userID)
	if !ok {
		slog.Debug("no authkey available for user", "user_id", userID)
		return "", false
	}
	method, url := "POST", "/events/restSearch"
	payload := map[string]any{}
	if eval.Context != nil && eval.Context.QueryContext != nil {
		qc := eval.Context.QueryContext
		if qc.RequestMethod != "" {
			method = qc.RequestMethod
		}
		if qc.URL != "" {
			url = qc.URL
		}
		for k, v := range qc.Payload {
			payload[k] = v
		}
	}
	for k, v := range suricataRulePayload {
		payload[k] = v
	}
	result := r.api.DoRestQuery(ctx, authkey, method, url, payload)
	rules, ok := result.(string)
	if !ok {
		slog.Debug("rule fetch did not return a rule body", "user_id", userID)
		return "", false
	}
	return rules, true
}
