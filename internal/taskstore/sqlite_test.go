package taskstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/taskmap/mapd/internal/graph"
)

func openTestDB(t *testing.T) *SQLite {
	t.Helper()

	path := filepath.Join(t.TempDir(), "maps.db")
	store, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Failed to close database: %v", err)
		}
	})
	return store
}

func persistNode(t *testing.T, store *SQLite, projectID string, kind graph.MutationKind, n graph.Node) {
	t.Helper()

	err := store.PersistMutation(context.Background(), projectID, &graph.Applied{
		Mutation: graph.Mutation{MutationID: "m-" + n.ID, NodeID: n.ID, Kind: kind},
		Node:     &n,
		Revision: n.Revision,
	})
	if err != nil {
		t.Fatalf("PersistMutation failed: %v", err)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()

	persistNode(t, store, "p1", graph.MutationCreate, graph.Node{
		ID: "n1", TaskID: "t1", Kind: graph.NodeKindTask, Title: "Ship", X: 10, Y: 20, Revision: 1,
	})
	persistNode(t, store, "p1", graph.MutationCreate, graph.Node{
		ID: "n2", Kind: graph.NodeKindSticky, Text: "note", X: 1, Y: 2, Revision: 1,
	})

	edge := graph.Edge{ID: "e1", FromNodeID: "n1", ToNodeID: "n2", Label: "blocks"}
	err := store.PersistMutation(ctx, "p1", &graph.Applied{
		Mutation: graph.Mutation{MutationID: "m3", NodeID: "e1", Kind: graph.MutationEdgeCreate},
		Edge:     &edge,
	})
	if err != nil {
		t.Fatalf("Edge persist failed: %v", err)
	}

	nodes, edges, err := store.ProjectSnapshot(ctx, "p1")
	if err != nil {
		t.Fatalf("ProjectSnapshot failed: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("Expected 2 nodes, got %d", len(nodes))
	}
	if len(edges) != 1 || edges[0].Label != "blocks" {
		t.Fatalf("Expected 1 labelled edge, got %+v", edges)
	}

	for _, n := range nodes {
		if n.ID == "n1" && (n.Title != "Ship" || n.TaskID != "t1" || n.X != 10) {
			t.Errorf("Node n1 fields lost: %+v", n)
		}
	}
}

func TestPersistMoveUpdatesRevision(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()

	persistNode(t, store, "p1", graph.MutationCreate, graph.Node{
		ID: "n1", Kind: graph.NodeKindTask, X: 0, Y: 0, Revision: 1,
	})
	persistNode(t, store, "p1", graph.MutationMove, graph.Node{
		ID: "n1", Kind: graph.NodeKindTask, X: 30, Y: 40, Revision: 2,
	})

	nodes, _, err := store.ProjectSnapshot(ctx, "p1")
	if err != nil {
		t.Fatalf("ProjectSnapshot failed: %v", err)
	}
	if len(nodes) != 1 {
		t.Fatalf("Expected 1 node, got %d", len(nodes))
	}
	if nodes[0].X != 30 || nodes[0].Revision != 2 {
		t.Errorf("Move not persisted: %+v", nodes[0])
	}
}

func TestPersistDeleteCascadesEdges(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()

	persistNode(t, store, "p1", graph.MutationCreate, graph.Node{ID: "n1", Kind: graph.NodeKindTask, Revision: 1})
	persistNode(t, store, "p1", graph.MutationCreate, graph.Node{ID: "n2", Kind: graph.NodeKindTask, Revision: 1})

	edge := graph.Edge{ID: "e1", FromNodeID: "n1", ToNodeID: "n2"}
	if err := store.PersistMutation(ctx, "p1", &graph.Applied{
		Mutation: graph.Mutation{NodeID: "e1", Kind: graph.MutationEdgeCreate},
		Edge:     &edge,
	}); err != nil {
		t.Fatalf("Edge persist failed: %v", err)
	}

	if err := store.PersistMutation(ctx, "p1", &graph.Applied{
		Mutation:     graph.Mutation{NodeID: "n1", Kind: graph.MutationDelete},
		RemovedEdges: []graph.Edge{edge},
	}); err != nil {
		t.Fatalf("Delete persist failed: %v", err)
	}

	nodes, edges, err := store.ProjectSnapshot(ctx, "p1")
	if err != nil {
		t.Fatalf("ProjectSnapshot failed: %v", err)
	}
	if len(nodes) != 1 || len(edges) != 0 {
		t.Errorf("Expected 1 node and 0 edges, got %d/%d", len(nodes), len(edges))
	}
}

func TestProjectsAreIsolated(t *testing.T) {
	store := openTestDB(t)
	ctx := context.Background()

	persistNode(t, store, "p1", graph.MutationCreate, graph.Node{ID: "n1", Kind: graph.NodeKindTask, Revision: 1})

	nodes, edges, err := store.ProjectSnapshot(ctx, "p2")
	if err != nil {
		t.Fatalf("ProjectSnapshot failed: %v", err)
	}
	if len(nodes) != 0 || len(edges) != 0 {
		t.Errorf("Project p2 sees p1 data: %d nodes, %d edges", len(nodes), len(edges))
	}
}
