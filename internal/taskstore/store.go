// Package taskstore is the boundary to the task persistence collaborator.
//
// The in-memory graph store is authoritative for real-time consistency; the
// task store is authoritative for durability. Every accepted mutation is
// forwarded here best-effort after acceptance - a persistence failure is
// logged and never rolls back the in-memory state, so the two converge.
package taskstore

import (
	"context"

	"github.com/taskmap/mapd/internal/graph"
)

// Store is what the sequencer needs from the persistence collaborator.
type Store interface {
	// ProjectSnapshot cold-loads the map for a project. Called once per
	// project lifecycle, when the first session opens it.
	ProjectSnapshot(ctx context.Context, projectID string) ([]graph.Node, []graph.Edge, error)

	// PersistMutation durably commits an accepted mutation. Failures are
	// the caller's to log; they are not retried synchronously.
	PersistMutation(ctx context.Context, projectID string, applied *graph.Applied) error

	// Close releases underlying resources.
	Close() error
}
