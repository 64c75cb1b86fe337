// Package targettool routes inject evaluations to the fetch and check
// logic of the tool that produced the evidence: MISP audit data, suricata
// rule replays, or webhook submissions.
package targettool

import (
	"context"
	"log/slog"

	"github.com/MISP/SkillAegis-Dashboard/internal/models"
)

// Router evaluates a single inject evaluation for one tool.
type Router interface {
	Tool() models.TargetTool
	// CheckEvaluation resolves the data the evaluation needs and applies
	// the evaluation strategy. Any data or transport failure resolves to
	// false, never an error.
	CheckEvaluation(ctx context.Context, userID int, eval *models.InjectEvaluation, event map[string]any, evalCtx map[string]any) bool
}

// MISPAPI is the slice of the MISP client the routers use.
type MISPAPI interface {
	GetEvent(ctx context.Context, eventID int) any
	DoRestQuery(ctx context.Context, authkey, method, path string, payload map[string]any) any
	GenAPIKey(ctx context.Context, userID int) (string, bool)
}

// AuthkeyStore resolves and records per-user MISP authentication keys.
type AuthkeyStore interface {
	AuthkeyOf(userID int) (string, bool)
	ObserveAuthkey(userID int, authkey string)
}

// validEvaluationContext applies the request_is_rest gate: when the
// evaluation declares it, the live event's request type must match before
// any fetch happens.
func validEvaluationContext(eval *models.InjectEvaluation, evalCtx map[string]any) bool {
	if eval.Context == nil || eval.Context.RequestIsRest == nil {
		return true
	}
	got, present := evalCtx["request_is_rest"]
	if !present {
		slog.Debug("unknown request type")
		return false
	}
	isRest, ok := got.(bool)
	if !ok || isRest != *eval.Context.RequestIsRest {
		slog.Debug("request type does not match request_is_rest constraint")
		return false
	}
	return true
}

// authkeyOrGenerate returns the user's known authkey, creating a new one
// on the MISP side when none has been observed yet.
func authkeyOrGenerate(ctx context.Context, api MISPAPI, keys AuthkeyStore, userID int) (string, bool) {
	if key, ok := keys.AuthkeyOf(userID); ok {
		return key, true
	}
	slog.Info("user authkey unknown, creating a new one", "user_id", userID)
	key, ok := api.GenAPIKey(ctx, userID)
	if !ok {
		return "", false
	}
	keys.ObserveAuthkey(userID, key)
	return key, true
}
