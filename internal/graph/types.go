// Package graph provides the authoritative in-memory representation of a
// collaborative project map: task nodes, the edges connecting them, and the
// mutations that change them.
//
// One Store exists per open project map. The store is the single source of
// truth on the server side; clients keep an optimistic mirror that is
// reconciled against the store's broadcasts. Conflict detection uses
// per-node revisions with reject-and-resync semantics: a mutation whose
// baseRevision no longer matches the node's current revision is rejected,
// and the rejecting client receives the current authoritative state.
package graph

// NodeKind classifies what a map node renders as.
type NodeKind string

const (
	// NodeKindTask links the node to an external task entity.
	NodeKindTask NodeKind = "task"

	// NodeKindSubgoal is a grouping node under a goal.
	NodeKindSubgoal NodeKind = "subgoal"

	// NodeKindSticky is a free-form sticky note with text content.
	NodeKindSticky NodeKind = "sticky"
)

// Node is a single element on the project map.
//
// TaskID references the external task entity owned by the task CRUD API;
// only display fields are duplicated here. Revision is a per-node monotonic
// counter incremented on every accepted mutation and never decreases.
type Node struct {
	ID       string   `json:"id"`
	TaskID   string   `json:"taskId,omitempty"`
	Kind     NodeKind `json:"kind"`
	Title    string   `json:"title,omitempty"`
	Status   string   `json:"status,omitempty"`
	Text     string   `json:"text,omitempty"`
	X        float64  `json:"x"`
	Y        float64  `json:"y"`
	Revision int64    `json:"revision"`
}

// Edge is a directed connection between two nodes of the same project map.
// Both endpoints must exist; an edge is removed automatically when either
// endpoint node is deleted.
type Edge struct {
	ID         string `json:"id"`
	FromNodeID string `json:"fromNodeId"`
	ToNodeID   string `json:"toNodeId"`
	Label      string `json:"label,omitempty"`
}

// MutationKind identifies what a mutation does to the map.
type MutationKind string

const (
	MutationCreate     MutationKind = "Create"
	MutationMove       MutationKind = "Move"
	MutationUpdate     MutationKind = "Update"
	MutationDelete     MutationKind = "Delete"
	MutationEdgeCreate MutationKind = "EdgeCreate"
	MutationEdgeDelete MutationKind = "EdgeDelete"
)

// IsEdgeKind reports whether the mutation targets an edge rather than a node.
func (k MutationKind) IsEdgeKind() bool {
	return k == MutationEdgeCreate || k == MutationEdgeDelete
}

// Payload carries the kind-specific data of a mutation.
//
// Move uses X/Y. Create uses Kind, TaskID, X/Y and the content fields.
// Update uses the pointer fields so that only fields the client actually
// set are changed. EdgeCreate uses FromNodeID/ToNodeID/Label.
type Payload struct {
	X          float64  `json:"x"`
	Y          float64  `json:"y"`
	Kind       NodeKind `json:"kind,omitempty"`
	TaskID     string   `json:"taskId,omitempty"`
	Title      *string  `json:"title,omitempty"`
	Status     *string  `json:"status,omitempty"`
	Text       *string  `json:"text,omitempty"`
	FromNodeID string   `json:"fromNodeId,omitempty"`
	ToNodeID   string   `json:"toNodeId,omitempty"`
	Label      *string  `json:"label,omitempty"`
}

// Mutation is one client-requested change to the map.
//
// Mutations are immutable once created; they are either accepted (applied,
// revision incremented) or rejected (a correction is sent back). For edge
// kinds NodeID carries the edge id. BaseRevision is the revision the client
// believes the node has and is ignored for edge kinds, which are validated
// against the live node set instead.
type Mutation struct {
	MutationID   string       `json:"mutationId"`
	SessionID    string       `json:"sessionId,omitempty"`
	NodeID       string       `json:"nodeId"`
	Kind         MutationKind `json:"kind"`
	Payload      Payload      `json:"payload"`
	BaseRevision int64        `json:"baseRevision"`
}

// Applied is the result of an accepted mutation: the canonical state to
// broadcast to every session and to hand to the persistence collaborator.
type Applied struct {
	Mutation Mutation

	// Node is the canonical post-mutation node state.
	// Nil for Delete and for edge kinds.
	Node *Node

	// Edge is set for EdgeCreate and EdgeDelete.
	Edge *Edge

	// Revision is the node's revision after the mutation (0 for edge kinds).
	Revision int64

	// RemovedEdges lists edges cascade-removed by a node Delete.
	RemovedEdges []Edge

	// Seq is the per-project sequence number assigned by the sequencer.
	Seq int64
}
