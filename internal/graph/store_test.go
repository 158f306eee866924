package graph

import (
	"errors"
	"testing"
)

func strptr(s string) *string { return &s }

func seedStore(t *testing.T) *Store {
	t.Helper()

	s := NewStore()
	s.Load(
		[]Node{
			{ID: "n1", TaskID: "t1", Kind: NodeKindTask, Title: "Ship it", X: 10, Y: 10, Revision: 3},
			{ID: "n2", Kind: NodeKindSubgoal, Title: "Plan", X: 50, Y: 20, Revision: 1},
		},
		[]Edge{
			{ID: "e1", FromNodeID: "n1", ToNodeID: "n2"},
		},
	)
	return s
}

func TestApplyMoveIncrementsRevision(t *testing.T) {
	s := seedStore(t)

	applied, err := s.ApplyMutation(Mutation{
		MutationID:   "m1",
		NodeID:       "n1",
		Kind:         MutationMove,
		Payload:      Payload{X: 20, Y: 10},
		BaseRevision: 3,
	})
	if err != nil {
		t.Fatalf("Move failed: %v", err)
	}

	if applied.Node.X != 20 || applied.Node.Y != 10 {
		t.Errorf("Expected position (20,10), got (%v,%v)", applied.Node.X, applied.Node.Y)
	}
	if applied.Revision != 4 {
		t.Errorf("Expected revision 4, got %d", applied.Revision)
	}

	n, ok := s.Node("n1")
	if !ok {
		t.Fatal("n1 missing after move")
	}
	if n.Revision != 4 {
		t.Errorf("Store revision = %d, want 4", n.Revision)
	}
}

func TestApplyMoveStaleRevisionConflicts(t *testing.T) {
	s := seedStore(t)

	// Client A wins the race.
	if _, err := s.ApplyMutation(Mutation{
		MutationID: "mA", NodeID: "n1", Kind: MutationMove,
		Payload: Payload{X: 20, Y: 10}, BaseRevision: 3,
	}); err != nil {
		t.Fatalf("First move failed: %v", err)
	}

	// Client B still holds baseRevision 3.
	_, err := s.ApplyMutation(Mutation{
		MutationID: "mB", NodeID: "n1", Kind: MutationMove,
		Payload: Payload{X: 10, Y: 50}, BaseRevision: 3,
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("Expected ErrConflict, got %v", err)
	}

	// The losing write must not be visible.
	n, _ := s.Node("n1")
	if n.X != 20 || n.Y != 10 || n.Revision != 4 {
		t.Errorf("Node corrupted by rejected mutation: %+v", n)
	}
}

func TestApplyCreateDuplicateRejected(t *testing.T) {
	s := seedStore(t)

	_, err := s.ApplyMutation(Mutation{
		MutationID: "m1", NodeID: "n1", Kind: MutationCreate,
		Payload: Payload{Kind: NodeKindTask},
	})
	if !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("Expected ErrAlreadyExists, got %v", err)
	}
}

func TestApplyCreateStartsAtRevisionOne(t *testing.T) {
	s := NewStore()

	applied, err := s.ApplyMutation(Mutation{
		MutationID: "m1", NodeID: "n9", Kind: MutationCreate,
		Payload: Payload{Kind: NodeKindSticky, Text: strptr("remember"), X: 1, Y: 2},
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if applied.Node.Revision != 1 {
		t.Errorf("Expected revision 1, got %d", applied.Node.Revision)
	}
	if applied.Node.Text != "remember" {
		t.Errorf("Expected sticky text, got %q", applied.Node.Text)
	}
}

func TestApplyUpdateOnlyChangesSetFields(t *testing.T) {
	s := seedStore(t)

	applied, err := s.ApplyMutation(Mutation{
		MutationID: "m1", NodeID: "n1", Kind: MutationUpdate,
		Payload: Payload{Status: strptr("done")}, BaseRevision: 3,
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if applied.Node.Status != "done" {
		t.Errorf("Expected status done, got %q", applied.Node.Status)
	}
	if applied.Node.Title != "Ship it" {
		t.Errorf("Title clobbered by partial update: %q", applied.Node.Title)
	}
}

func TestApplyDeleteCascadesEdges(t *testing.T) {
	s := seedStore(t)

	applied, err := s.ApplyMutation(Mutation{
		MutationID: "m1", NodeID: "n1", Kind: MutationDelete, BaseRevision: 3,
	})
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if len(applied.RemovedEdges) != 1 || applied.RemovedEdges[0].ID != "e1" {
		t.Errorf("Expected e1 cascade-removed, got %+v", applied.RemovedEdges)
	}

	nodes, edges := s.Snapshot()
	if len(nodes) != 1 {
		t.Errorf("Expected 1 node after delete, got %d", len(nodes))
	}
	if len(edges) != 0 {
		t.Errorf("Expected 0 edges after cascade, got %d", len(edges))
	}

	// Second delete loses the race and is rejected.
	_, err = s.ApplyMutation(Mutation{
		MutationID: "m2", NodeID: "n1", Kind: MutationDelete, BaseRevision: 3,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestEdgeCreateAgainstDeletedNode(t *testing.T) {
	s := seedStore(t)

	if _, err := s.ApplyMutation(Mutation{
		MutationID: "m1", NodeID: "n2", Kind: MutationDelete, BaseRevision: 1,
	}); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	// Edge issued before the delete, sequenced after it.
	_, err := s.ApplyMutation(Mutation{
		MutationID: "m2", NodeID: "e2", Kind: MutationEdgeCreate,
		Payload: Payload{FromNodeID: "n1", ToNodeID: "n2"},
	})
	if !errors.Is(err, ErrDanglingReference) {
		t.Fatalf("Expected ErrDanglingReference, got %v", err)
	}
}

func TestEdgeCreateAndDelete(t *testing.T) {
	s := seedStore(t)

	applied, err := s.ApplyMutation(Mutation{
		MutationID: "m1", NodeID: "e2", Kind: MutationEdgeCreate,
		Payload: Payload{FromNodeID: "n2", ToNodeID: "n1", Label: strptr("blocks")},
	})
	if err != nil {
		t.Fatalf("EdgeCreate failed: %v", err)
	}
	if applied.Edge.Label != "blocks" {
		t.Errorf("Expected label blocks, got %q", applied.Edge.Label)
	}

	if _, err := s.ApplyMutation(Mutation{
		MutationID: "m2", NodeID: "e2", Kind: MutationEdgeDelete,
	}); err != nil {
		t.Fatalf("EdgeDelete failed: %v", err)
	}

	_, err = s.ApplyMutation(Mutation{
		MutationID: "m3", NodeID: "e2", Kind: MutationEdgeDelete,
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound on second delete, got %v", err)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := seedStore(t)

	nodes, _ := s.Snapshot()
	for i := range nodes {
		nodes[i].X = -999
	}

	n, _ := s.Node("n1")
	if n.X == -999 {
		t.Error("Mutating a snapshot leaked into the store")
	}
}

func TestConflictClassification(t *testing.T) {
	for _, err := range []error{ErrConflict, ErrAlreadyExists, ErrNotFound, ErrDanglingReference} {
		if !IsConflictClass(err) {
			t.Errorf("%v should be conflict-class", err)
		}
	}
	if IsConflictClass(ErrUnknownKind) {
		t.Error("ErrUnknownKind must not be conflict-class")
	}
	if IsConflictClass(nil) {
		t.Error("nil must not be conflict-class")
	}
}
