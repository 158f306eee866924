package graph

import (
	"fmt"
	"sync"
)

// Store holds the authoritative node and edge sets for one project map.
//
// Only the mutation sequencer for the project writes to the store, one
// mutation at a time. Acceptance and the revision bump happen under a single
// lock acquisition, so readers (Snapshot) always observe fully-applied
// state, never a partial mutation.
type Store struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	edges map[string]*Edge
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		nodes: make(map[string]*Node),
		edges: make(map[string]*Edge),
	}
}

// Load seeds the store from a cold snapshot obtained from the task
// persistence collaborator. It replaces any existing contents and is meant
// to be called once, before the first session attaches.
func (s *Store) Load(nodes []Node, edges []Edge) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes = make(map[string]*Node, len(nodes))
	for i := range nodes {
		n := nodes[i]
		s.nodes[n.ID] = &n
	}
	s.edges = make(map[string]*Edge, len(edges))
	for i := range edges {
		e := edges[i]
		s.edges[e.ID] = &e
	}
}

// Snapshot returns a consistent point-in-time copy of the map, used to
// bootstrap newly joined sessions.
func (s *Store) Snapshot() ([]Node, []Edge) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nodes := make([]Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		nodes = append(nodes, *n)
	}
	edges := make([]Edge, 0, len(s.edges))
	for _, e := range s.edges {
		edges = append(edges, *e)
	}
	return nodes, edges
}

// Node returns a copy of the node with the given id, if present.
// The returned copy is safe to send to clients as a correction.
func (s *Store) Node(id string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// ApplyMutation validates and applies a single mutation atomically.
//
// On success the node's revision is incremented and the canonical
// post-mutation state is returned for broadcast. On failure one of the
// sentinel errors from errors.go is returned and the store is unchanged.
func (s *Store) ApplyMutation(m Mutation) (*Applied, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch m.Kind {
	case MutationCreate:
		return s.applyCreate(m)
	case MutationMove, MutationUpdate:
		return s.applyNodeEdit(m)
	case MutationDelete:
		return s.applyDelete(m)
	case MutationEdgeCreate:
		return s.applyEdgeCreate(m)
	case MutationEdgeDelete:
		return s.applyEdgeDelete(m)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, m.Kind)
	}
}

func (s *Store) applyCreate(m Mutation) (*Applied, error) {
	if _, exists := s.nodes[m.NodeID]; exists {
		return nil, fmt.Errorf("create %s: %w", m.NodeID, ErrAlreadyExists)
	}

	kind := m.Payload.Kind
	if kind == "" {
		kind = NodeKindTask
	}
	n := &Node{
		ID:       m.NodeID,
		TaskID:   m.Payload.TaskID,
		Kind:     kind,
		X:        m.Payload.X,
		Y:        m.Payload.Y,
		Revision: 1,
	}
	if m.Payload.Title != nil {
		n.Title = *m.Payload.Title
	}
	if m.Payload.Status != nil {
		n.Status = *m.Payload.Status
	}
	if m.Payload.Text != nil {
		n.Text = *m.Payload.Text
	}
	s.nodes[n.ID] = n

	copied := *n
	return &Applied{Mutation: m, Node: &copied, Revision: n.Revision}, nil
}

func (s *Store) applyNodeEdit(m Mutation) (*Applied, error) {
	n, ok := s.nodes[m.NodeID]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", m.Kind, m.NodeID, ErrNotFound)
	}
	if m.BaseRevision != n.Revision {
		return nil, fmt.Errorf("%s %s: base %d, current %d: %w",
			m.Kind, m.NodeID, m.BaseRevision, n.Revision, ErrConflict)
	}

	switch m.Kind {
	case MutationMove:
		n.X = m.Payload.X
		n.Y = m.Payload.Y
	case MutationUpdate:
		if m.Payload.Title != nil {
			n.Title = *m.Payload.Title
		}
		if m.Payload.Status != nil {
			n.Status = *m.Payload.Status
		}
		if m.Payload.Text != nil {
			n.Text = *m.Payload.Text
		}
	}
	n.Revision++

	copied := *n
	return &Applied{Mutation: m, Node: &copied, Revision: n.Revision}, nil
}

func (s *Store) applyDelete(m Mutation) (*Applied, error) {
	n, ok := s.nodes[m.NodeID]
	if !ok {
		return nil, fmt.Errorf("delete %s: %w", m.NodeID, ErrNotFound)
	}
	if m.BaseRevision != n.Revision {
		return nil, fmt.Errorf("delete %s: base %d, current %d: %w",
			m.NodeID, m.BaseRevision, n.Revision, ErrConflict)
	}

	delete(s.nodes, m.NodeID)

	// Cascade: edges referencing a deleted node are removed with it.
	var removed []Edge
	for id, e := range s.edges {
		if e.FromNodeID == m.NodeID || e.ToNodeID == m.NodeID {
			removed = append(removed, *e)
			delete(s.edges, id)
		}
	}

	return &Applied{Mutation: m, Revision: n.Revision + 1, RemovedEdges: removed}, nil
}

func (s *Store) applyEdgeCreate(m Mutation) (*Applied, error) {
	if _, exists := s.edges[m.NodeID]; exists {
		return nil, fmt.Errorf("edge create %s: %w", m.NodeID, ErrAlreadyExists)
	}

	// Endpoints are validated against the node set as it is now, not as it
	// was when the client issued the mutation.
	if _, ok := s.nodes[m.Payload.FromNodeID]; !ok {
		return nil, fmt.Errorf("edge %s from %s: %w", m.NodeID, m.Payload.FromNodeID, ErrDanglingReference)
	}
	if _, ok := s.nodes[m.Payload.ToNodeID]; !ok {
		return nil, fmt.Errorf("edge %s to %s: %w", m.NodeID, m.Payload.ToNodeID, ErrDanglingReference)
	}

	e := &Edge{
		ID:         m.NodeID,
		FromNodeID: m.Payload.FromNodeID,
		ToNodeID:   m.Payload.ToNodeID,
	}
	if m.Payload.Label != nil {
		e.Label = *m.Payload.Label
	}
	s.edges[e.ID] = e

	copied := *e
	return &Applied{Mutation: m, Edge: &copied}, nil
}

func (s *Store) applyEdgeDelete(m Mutation) (*Applied, error) {
	e, ok := s.edges[m.NodeID]
	if !ok {
		return nil, fmt.Errorf("edge delete %s: %w", m.NodeID, ErrNotFound)
	}

	copied := *e
	delete(s.edges, m.NodeID)
	return &Applied{Mutation: m, Edge: &copied}, nil
}
