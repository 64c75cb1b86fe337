package targettool

import (
	"context"
	"log/slog"

	"github.com/MISP/SkillAegis-Dashboard/internal/evaluator"
	"github.com/MISP/SkillAegis-Dashboard/internal/models"
)

// WebhookRouter filters data submitted directly to the dashboard. There
// is nothing to fetch: the submission is the evidence.
type WebhookRouter struct{}

func NewWebhookRouter() *WebhookRouter { return &WebhookRouter{} }

func (r *WebhookRouter) Tool() models.TargetTool { return models.ToolWebhook }

func (r *WebhookRouter) CheckEvaluation(ctx context.Context, userID int, eval *models.InjectEvaluation, event map[string]any, evalCtx map[string]any) bool {
	if eval.Strategy != models.StrategyDataFiltering {
		slog.Warn("unsupported evaluation strategy for webhook", "strategy", eval.Strategy)
		return false
	}
	if !validEvaluationContext(eval, evalCtx) {
		return false
	}
	passed, _ := evaluator.EvalDataFiltering(eval, event, evalCtx, false)
	return passed
}
