package effects

import (
	"context"
	"fmt"
)

// Applier commits partial field merges for several entries as one atomic
// batch: either every update lands or none does.
type Applier interface {
	MergeEntryFields(ctx context.Context, userID, moduleID string, updates map[string]map[string]any) error
}

// Apply writes updates atomically. An empty map is a no-op.
func Apply(ctx context.Context, a Applier, userID, moduleID string, updates UpdateMap) error {
	if len(updates) == 0 {
		return nil
	}
	if err := a.MergeEntryFields(ctx, userID, moduleID, updates); err != nil {
		return fmt.Errorf("apply effects to %d entries: %w", len(updates), err)
	}
	return nil
}
