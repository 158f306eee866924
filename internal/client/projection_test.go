package client

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmap/mapd/internal/graph"
	"github.com/taskmap/mapd/internal/protocol"
)

func baselineProjection() *Projection {
	p := NewProjection()
	p.ResetBaseline(
		[]graph.Node{
			{ID: "n1", Kind: graph.NodeKindTask, Title: "Ship", X: 10, Y: 10, Revision: 3},
			{ID: "n2", Kind: graph.NodeKindSubgoal, X: 50, Y: 50, Revision: 1},
		},
		[]graph.Edge{{ID: "e1", FromNodeID: "n1", ToNodeID: "n2"}},
	)
	return p
}

func TestOptimisticMoveVisibleBeforeConfirmation(t *testing.T) {
	p := baselineProjection()

	p.ApplyLocal(graph.Mutation{
		MutationID: "m1", NodeID: "n1", Kind: graph.MutationMove,
		Payload: graph.Payload{X: 99, Y: 1}, BaseRevision: 3,
	})

	n, ok := p.ViewNode("n1")
	require.True(t, ok)
	assert.Equal(t, 99.0, n.X)
	assert.Equal(t, 1.0, n.Y)

	// The confirmed baseline is untouched until the echo arrives.
	rev, _ := p.BaseRevision("n1")
	assert.Equal(t, int64(3), rev)
	assert.Equal(t, 1, p.PendingCount())
}

func TestConfirmFoldsEchoIntoBaseline(t *testing.T) {
	p := baselineProjection()
	p.ApplyLocal(graph.Mutation{
		MutationID: "m1", NodeID: "n1", Kind: graph.MutationMove,
		Payload: graph.Payload{X: 99, Y: 1}, BaseRevision: 3,
	})

	confirmed := p.Confirm(&protocol.MutationAccepted{
		MutationID: "m1", NodeID: "n1", Kind: graph.MutationMove,
		Node:     &graph.Node{ID: "n1", Kind: graph.NodeKindTask, Title: "Ship", X: 99, Y: 1, Revision: 4},
		Revision: 4,
	})
	require.True(t, confirmed)

	assert.Equal(t, 0, p.PendingCount())
	rev, _ := p.BaseRevision("n1")
	assert.Equal(t, int64(4), rev)
}

func TestRejectRollsBackToCorrectedState(t *testing.T) {
	p := baselineProjection()

	// Local optimistic move to (10,50) loses against a remote writer who
	// already advanced n1 to (20,10) at revision 4.
	p.ApplyLocal(graph.Mutation{
		MutationID: "m1", NodeID: "n1", Kind: graph.MutationMove,
		Payload: graph.Payload{X: 10, Y: 50}, BaseRevision: 3,
	})

	rejected, wasPending := p.Reject("m1", "n1",
		&graph.Node{ID: "n1", Kind: graph.NodeKindTask, X: 20, Y: 10, Revision: 4})
	require.True(t, wasPending)
	assert.Equal(t, 10.0, rejected.Payload.X)

	n, ok := p.ViewNode("n1")
	require.True(t, ok)
	assert.Equal(t, 20.0, n.X, "view must show the corrected state, not the rolled-back edit")
	assert.Equal(t, 10.0, n.Y)
	assert.Equal(t, int64(4), n.Revision)
	assert.Equal(t, 0, p.PendingCount())
}

func TestRejectWithoutCorrectionRemovesNode(t *testing.T) {
	p := baselineProjection()
	p.ApplyLocal(graph.Mutation{
		MutationID: "m1", NodeID: "n1", Kind: graph.MutationMove,
		Payload: graph.Payload{X: 1}, BaseRevision: 3,
	})

	_, wasPending := p.Reject("m1", "n1", nil)
	require.True(t, wasPending)

	_, ok := p.ViewNode("n1")
	assert.False(t, ok, "a nil correction means the node no longer exists")
	_, edges := p.View()
	assert.Empty(t, edges, "edges into the vanished node go with it")
}

func TestPendingEditDeferredAcrossRemoteMutation(t *testing.T) {
	p := baselineProjection()

	title := "Renamed"
	p.ApplyLocal(graph.Mutation{
		MutationID: "m1", NodeID: "n1", Kind: graph.MutationUpdate,
		Payload: graph.Payload{Title: &title}, BaseRevision: 3,
	})

	// A remote move on the same node lands first. The pending title edit is
	// deferred, not dropped: the view re-derives it on top of the new state.
	p.ApplyRemote(&protocol.MutationAccepted{
		MutationID: "remote1", NodeID: "n1", Kind: graph.MutationMove,
		Node:     &graph.Node{ID: "n1", Kind: graph.NodeKindTask, Title: "Ship", X: 70, Y: 80, Revision: 4},
		Revision: 4,
	})

	n, ok := p.ViewNode("n1")
	require.True(t, ok)
	assert.Equal(t, 70.0, n.X, "remote move visible")
	assert.Equal(t, "Renamed", n.Title, "pending edit still applied on top")
	assert.Equal(t, 1, p.PendingCount())
}

func TestResetBaselineReturnsOrphanedPending(t *testing.T) {
	p := baselineProjection()
	p.ApplyLocal(graph.Mutation{MutationID: "m1", NodeID: "n1", Kind: graph.MutationMove})
	p.ApplyLocal(graph.Mutation{MutationID: "m2", NodeID: "n2", Kind: graph.MutationMove})

	orphaned := p.ResetBaseline([]graph.Node{{ID: "n1", Revision: 9}}, nil)

	require.Len(t, orphaned, 2)
	assert.Equal(t, "m1", orphaned[0].MutationID)
	assert.Equal(t, 0, p.PendingCount())
	rev, _ := p.BaseRevision("n1")
	assert.Equal(t, int64(9), rev)
}

func TestPendingDeleteCascadesInView(t *testing.T) {
	p := baselineProjection()
	p.ApplyLocal(graph.Mutation{
		MutationID: "m1", NodeID: "n2", Kind: graph.MutationDelete, BaseRevision: 1,
	})

	nodes, edges := p.View()
	assert.Len(t, nodes, 1)
	assert.Empty(t, edges, "pending delete hides edges touching the node")
}

// Replaying every accepted mutation onto a fresh projection must reproduce
// the server's graph store state exactly.
func TestSnapshotPlusReplayMatchesAuthoritativeStore(t *testing.T) {
	store := graph.NewStore()
	store.Load([]graph.Node{{ID: "n1", Kind: graph.NodeKindTask, Revision: 1}}, nil)

	p := NewProjection()
	nodes, edges := store.Snapshot()
	p.ResetBaseline(nodes, edges)

	title := "Grown"
	mutations := []graph.Mutation{
		{MutationID: "m1", NodeID: "n2", Kind: graph.MutationCreate, Payload: graph.Payload{Kind: graph.NodeKindSticky, X: 5, Y: 5}},
		{MutationID: "m2", NodeID: "n1", Kind: graph.MutationMove, Payload: graph.Payload{X: 33, Y: 44}, BaseRevision: 1},
		{MutationID: "m3", NodeID: "e1", Kind: graph.MutationEdgeCreate, Payload: graph.Payload{FromNodeID: "n1", ToNodeID: "n2"}},
		{MutationID: "m4", NodeID: "n1", Kind: graph.MutationUpdate, Payload: graph.Payload{Title: &title}, BaseRevision: 2},
		{MutationID: "m5", NodeID: "n2", Kind: graph.MutationDelete, BaseRevision: 1},
	}

	for _, m := range mutations {
		applied, err := store.ApplyMutation(m)
		require.NoError(t, err, m.MutationID)
		p.ApplyRemote(protocol.NewAccepted(applied))
	}

	wantNodes, wantEdges := store.Snapshot()
	gotNodes, gotEdges := p.View()

	sortNodes := func(ns []graph.Node) {
		sort.Slice(ns, func(i, j int) bool { return ns[i].ID < ns[j].ID })
	}
	sortNodes(wantNodes)
	sortNodes(gotNodes)
	assert.Equal(t, wantNodes, gotNodes)
	assert.Equal(t, len(wantEdges), len(gotEdges))
}

func TestViewIsolatedFromCallerMutation(t *testing.T) {
	p := baselineProjection()

	nodes, _ := p.View()
	for i := range nodes {
		nodes[i].X = -1
	}

	n, _ := p.ViewNode("n1")
	assert.Equal(t, 10.0, n.X, fmt.Sprintf("caller writes must not leak into the projection, got %+v", n))
}
