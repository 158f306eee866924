package taskstore

import (
	"context"
	"sync"

	"github.com/taskmap/mapd/internal/graph"
)

// Memory is an in-process Store used for development mode and tests.
type Memory struct {
	mu    sync.Mutex
	nodes map[string]map[string]graph.Node // projectID -> nodeID -> node
	edges map[string]map[string]graph.Edge
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		nodes: make(map[string]map[string]graph.Node),
		edges: make(map[string]map[string]graph.Edge),
	}
}

// Seed preloads a project map, replacing any existing contents.
func (m *Memory) Seed(projectID string, nodes []graph.Node, edges []graph.Edge) {
	m.mu.Lock()
	defer m.mu.Unlock()

	nm := make(map[string]graph.Node, len(nodes))
	for _, n := range nodes {
		nm[n.ID] = n
	}
	em := make(map[string]graph.Edge, len(edges))
	for _, e := range edges {
		em[e.ID] = e
	}
	m.nodes[projectID] = nm
	m.edges[projectID] = em
}

// ProjectSnapshot implements Store.
func (m *Memory) ProjectSnapshot(_ context.Context, projectID string) ([]graph.Node, []graph.Edge, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var nodes []graph.Node
	for _, n := range m.nodes[projectID] {
		nodes = append(nodes, n)
	}
	var edges []graph.Edge
	for _, e := range m.edges[projectID] {
		edges = append(edges, e)
	}
	return nodes, edges, nil
}

// PersistMutation implements Store.
func (m *Memory) PersistMutation(_ context.Context, projectID string, applied *graph.Applied) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.nodes[projectID] == nil {
		m.nodes[projectID] = make(map[string]graph.Node)
		m.edges[projectID] = make(map[string]graph.Edge)
	}

	switch applied.Mutation.Kind {
	case graph.MutationCreate, graph.MutationMove, graph.MutationUpdate:
		m.nodes[projectID][applied.Node.ID] = *applied.Node
	case graph.MutationDelete:
		delete(m.nodes[projectID], applied.Mutation.NodeID)
		for _, e := range applied.RemovedEdges {
			delete(m.edges[projectID], e.ID)
		}
	case graph.MutationEdgeCreate:
		m.edges[projectID][applied.Edge.ID] = *applied.Edge
	case graph.MutationEdgeDelete:
		delete(m.edges[projectID], applied.Edge.ID)
	}
	return nil
}

// Close implements Store.
func (m *Memory) Close() error { return nil }
