package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/arkhaul/arkhaul/internal/store"
)

// RestartReason is recorded on jobs that were active when the process died.
const RestartReason = "interrupted by restart"

// Recover reconciles durable state after a restart. Any job the previous
// process left pending or running has no runner anymore, so it is marked
// failed with a restart reason. Must run before the manager starts accepting
// work, otherwise a freshly submitted job could be swept up.
func Recover(ctx context.Context, s store.Store) error {
	n, err := s.FailActive(ctx, RestartReason)
	if err != nil {
		return fmt.Errorf("recovering interrupted jobs: %w", err)
	}
	if n > 0 {
		slog.Info("interrupted jobs marked failed", "count", n)
	}
	return nil
}
