package pipeline

import (
	"context"
	"fmt"

	"github.com/kilnwork/kiln/graphstore"
)

// Status is the aggregate kiln health snapshot exposed through the root
// facade's status() call, combining graphstore counts with the number of
// notes currently tracked by changestore.
type Status struct {
	graphstore.Stats
	TrackedFiles int
}

// Status reports the current state of the kiln's persisted graph.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	stats, err := e.Graph.Stats(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("pipeline: status: %w", err)
	}
	paths, err := e.Changes.AllPaths(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("pipeline: status: %w", err)
	}
	return Status{Stats: stats, TrackedFiles: len(paths)}, nil
}
