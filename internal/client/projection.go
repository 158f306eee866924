// Package client is the Go client for the collaborative map server: it
// maintains an optimistic local projection of the project map, speaks the
// sync protocol over a WebSocket, and reconciles the projection against the
// authoritative broadcast stream.
package client

import (
	"sync"

	"github.com/taskmap/mapd/internal/graph"
	"github.com/taskmap/mapd/internal/protocol"
)

// Projection is the local optimistic mirror of a project map.
//
// It holds a confirmed baseline (the last authoritative state) plus an
// ordered log of locally-pending mutations. The rendered view is always the
// baseline with the pending log replayed on top, so rollback-and-reapply is
// not a special case: when the baseline moves (remote mutation, rejection
// correction, fresh snapshot), the next View naturally re-derives the
// pending edits against it.
type Projection struct {
	mu      sync.Mutex
	nodes   map[string]graph.Node
	edges   map[string]graph.Edge
	pending []graph.Mutation
}

// NewProjection creates an empty projection.
func NewProjection() *Projection {
	return &Projection{
		nodes: make(map[string]graph.Node),
		edges: make(map[string]graph.Edge),
	}
}

// ResetBaseline replaces the confirmed baseline with a snapshot. The pending
// log is returned and cleared; on reconnect the caller replays those edits
// as brand-new mutations against the fresh baseline.
func (p *Projection) ResetBaseline(nodes []graph.Node, edges []graph.Edge) []graph.Mutation {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nodes = make(map[string]graph.Node, len(nodes))
	for _, n := range nodes {
		p.nodes[n.ID] = n
	}
	p.edges = make(map[string]graph.Edge, len(edges))
	for _, e := range edges {
		p.edges[e.ID] = e
	}

	pending := p.pending
	p.pending = nil
	return pending
}

// ApplyLocal records an optimistic local mutation. The view reflects it
// immediately; the baseline does not change until the server confirms.
func (p *Projection) ApplyLocal(m graph.Mutation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = append(p.pending, m)
}

// ApplyRemote folds another session's accepted mutation into the baseline.
// Local pending mutations touching the same node are deliberately left in
// the log untouched: they stay deferred until their own acknowledgment or
// rejection resolves, so an edit is never compounded onto state that may be
// about to be corrected.
func (p *Projection) ApplyRemote(msg *protocol.MutationAccepted) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyAccepted(msg)
}

// Confirm resolves the local pending mutation echoed back by the server,
// removing it from the log and folding its authoritative result into the
// baseline. Returns false when no such pending mutation exists (it was a
// remote session's mutation, or an echo after a resync).
func (p *Projection) Confirm(msg *protocol.MutationAccepted) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.removePending(msg.MutationID) {
		p.applyAccepted(msg)
		return false
	}
	p.applyAccepted(msg)
	return true
}

// Reject rolls back a pending mutation: it is removed from the log and the
// contested node's baseline is replaced with the server's corrected state
// (removed when corrected is nil, meaning the node no longer exists). The
// rejected mutation is returned for rebasing if it was pending.
func (p *Projection) Reject(mutationID string, nodeID string, corrected *graph.Node) (graph.Mutation, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var rejected graph.Mutation
	found := false
	for i, m := range p.pending {
		if m.MutationID == mutationID {
			rejected = m
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			found = true
			break
		}
	}

	if corrected != nil {
		p.nodes[corrected.ID] = *corrected
	} else if nodeID != "" {
		p.removeNodeLocked(nodeID)
	}
	return rejected, found
}

// BaseRevision returns the confirmed revision of a node, the value new
// mutations against it must carry.
func (p *Projection) BaseRevision(nodeID string) (int64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n, ok := p.nodes[nodeID]
	return n.Revision, ok
}

// PendingCount returns the number of unresolved local mutations.
func (p *Projection) PendingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// View renders the projection: the confirmed baseline with every pending
// mutation replayed on top, in submission order.
func (p *Projection) View() ([]graph.Node, []graph.Edge) {
	p.mu.Lock()
	defer p.mu.Unlock()

	nodes := make(map[string]graph.Node, len(p.nodes))
	for id, n := range p.nodes {
		nodes[id] = n
	}
	edges := make(map[string]graph.Edge, len(p.edges))
	for id, e := range p.edges {
		edges[id] = e
	}

	for _, m := range p.pending {
		replayMutation(nodes, edges, m)
	}

	nodeList := make([]graph.Node, 0, len(nodes))
	for _, n := range nodes {
		nodeList = append(nodeList, n)
	}
	edgeList := make([]graph.Edge, 0, len(edges))
	for _, e := range edges {
		edgeList = append(edgeList, e)
	}
	return nodeList, edgeList
}

// ViewNode renders a single node through the pending log.
func (p *Projection) ViewNode(nodeID string) (graph.Node, bool) {
	nodes, _ := p.View()
	for _, n := range nodes {
		if n.ID == nodeID {
			return n, true
		}
	}
	return graph.Node{}, false
}

func (p *Projection) removePending(mutationID string) bool {
	for i, m := range p.pending {
		if m.MutationID == mutationID {
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			return true
		}
	}
	return false
}

// applyAccepted folds an authoritative result into the baseline. Deletes
// cascade locally the same way the server cascades them.
func (p *Projection) applyAccepted(msg *protocol.MutationAccepted) {
	switch msg.Kind {
	case graph.MutationCreate, graph.MutationMove, graph.MutationUpdate:
		if msg.Node != nil {
			p.nodes[msg.Node.ID] = *msg.Node
		}
	case graph.MutationDelete:
		p.removeNodeLocked(msg.NodeID)
	case graph.MutationEdgeCreate:
		if msg.Edge != nil {
			p.edges[msg.Edge.ID] = *msg.Edge
		}
	case graph.MutationEdgeDelete:
		delete(p.edges, msg.NodeID)
	}
}

func (p *Projection) removeNodeLocked(nodeID string) {
	delete(p.nodes, nodeID)
	for id, e := range p.edges {
		if e.FromNodeID == nodeID || e.ToNodeID == nodeID {
			delete(p.edges, id)
		}
	}
}

// replayMutation applies one pending mutation optimistically to a working
// copy. Revisions are not checked; the server is the arbiter of conflicts.
func replayMutation(nodes map[string]graph.Node, edges map[string]graph.Edge, m graph.Mutation) {
	switch m.Kind {
	case graph.MutationCreate:
		n := graph.Node{
			ID:     m.NodeID,
			TaskID: m.Payload.TaskID,
			Kind:   m.Payload.Kind,
			X:      m.Payload.X,
			Y:      m.Payload.Y,
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
		nodes[m.NodeID] = n

	case graph.MutationMove:
		if n, ok := nodes[m.NodeID]; ok {
			n.X, n.Y = m.Payload.X, m.Payload.Y
			nodes[m.NodeID] = n
		}

	case graph.MutationUpdate:
		if n, ok := nodes[m.NodeID]; ok {
			if m.Payload.Title != nil {
				n.Title = *m.Payload.Title
			}
			if m.Payload.Status != nil {
				n.Status = *m.Payload.Status
			}
			if m.Payload.Text != nil {
				n.Text = *m.Payload.Text
			}
			nodes[m.NodeID] = n
		}

	case graph.MutationDelete:
		delete(nodes, m.NodeID)
		for id, e := range edges {
			if e.FromNodeID == m.NodeID || e.ToNodeID == m.NodeID {
				delete(edges, id)
			}
		}

	case graph.MutationEdgeCreate:
		e := graph.Edge{ID: m.NodeID, FromNodeID: m.Payload.FromNodeID, ToNodeID: m.Payload.ToNodeID}
		if m.Payload.Label != nil {
			e.Label = *m.Payload.Label
		}
		edges[m.NodeID] = e

	case graph.MutationEdgeDelete:
		delete(edges, m.NodeID)
	}
}
