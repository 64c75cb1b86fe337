// Package snapshot persists and restores the game state so a dashboard
// restart does not lose scores or identities.
package snapshot

import (
	"context"
	"errors"

	"github.com/MISP/SkillAegis-Dashboard/internal/state"
)

// ErrNoSnapshot means the backend holds no saved state yet.
var ErrNoSnapshot = errors.New("no snapshot available")

// Store saves and loads one snapshot of the game state.
type Store interface {
	Save(ctx context.Context, snap *state.Snapshot) error
	Load(ctx context.Context) (*state.Snapshot, error)
}
