// Package protocol defines the JSON messages exchanged over the persistent
// WebSocket connection between a map client and the server.
//
// Every message carries a top-level "type" field; the remaining fields are
// flat, matching the wire format the web frontend speaks. Client messages
// are decoded into a single envelope and dispatched on Type; server messages
// are separate structs marshalled directly.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/taskmap/mapd/internal/graph"
)

// Client -> server message types.
const (
	TypeJoin     = "join"
	TypeMutation = "mutation"
	TypeCursor   = "cursor"
	TypeAck      = "ack"
	TypeLeave    = "leave"
)

// Server -> client message types.
const (
	TypeSnapshot         = "snapshot"
	TypeMutationAccepted = "mutationAccepted"
	TypeMutationRejected = "mutationRejected"
	TypeCursorUpdate     = "cursorUpdate"
	TypeUserJoined       = "userJoined"
	TypeUserLeft         = "userLeft"
)

// RejectReason is the wire value explaining a mutation rejection.
type RejectReason string

const (
	ReasonConflict          RejectReason = "Conflict"
	ReasonAlreadyExists     RejectReason = "AlreadyExists"
	ReasonNotFound          RejectReason = "NotFound"
	ReasonDanglingReference RejectReason = "DanglingReference"
	ReasonBadRequest        RejectReason = "BadRequest"
)

// ReasonForError maps a graph store error to its wire reason.
func ReasonForError(err error) RejectReason {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, graph.ErrConflict):
		return ReasonConflict
	case errors.Is(err, graph.ErrAlreadyExists):
		return ReasonAlreadyExists
	case errors.Is(err, graph.ErrNotFound):
		return ReasonNotFound
	case errors.Is(err, graph.ErrDanglingReference):
		return ReasonDanglingReference
	default:
		return ReasonBadRequest
	}
}

// ClientMessage is the envelope for everything a client sends.
//
// Only the fields relevant to Type are populated:
//
//	join:     projectId
//	mutation: mutationId, nodeId, kind, payload, baseRevision
//	cursor:   x, y
//	ack:      (snapshot acknowledgment, no fields)
//	leave:    (no fields)
type ClientMessage struct {
	Type         string             `json:"type"`
	ProjectID    string             `json:"projectId,omitempty"`
	MutationID   string             `json:"mutationId,omitempty"`
	NodeID       string             `json:"nodeId,omitempty"`
	Kind         graph.MutationKind `json:"kind,omitempty"`
	Payload      graph.Payload      `json:"payload,omitempty"`
	BaseRevision int64              `json:"baseRevision,omitempty"`
	X            float64            `json:"x,omitempty"`
	Y            float64            `json:"y,omitempty"`
}

// DecodeClientMessage parses and minimally validates a client frame.
func DecodeClientMessage(data []byte) (*ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse client message: %w", err)
	}

	switch msg.Type {
	case TypeJoin:
		if msg.ProjectID == "" {
			return nil, fmt.Errorf("join message missing projectId")
		}
	case TypeMutation:
		if msg.MutationID == "" {
			return nil, fmt.Errorf("mutation message missing mutationId")
		}
		if msg.NodeID == "" {
			return nil, fmt.Errorf("mutation message missing nodeId")
		}
	case TypeCursor, TypeAck, TypeLeave:
		// No required fields.
	case "":
		return nil, fmt.Errorf("client message missing type")
	default:
		return nil, fmt.Errorf("unknown client message type %q", msg.Type)
	}

	return &msg, nil
}

// Mutation converts a decoded mutation frame into a graph mutation,
// stamping the originating session.
func (m *ClientMessage) Mutation(sessionID string) graph.Mutation {
	return graph.Mutation{
		MutationID:   m.MutationID,
		SessionID:    sessionID,
		NodeID:       m.NodeID,
		Kind:         m.Kind,
		Payload:      m.Payload,
		BaseRevision: m.BaseRevision,
	}
}

// Cursor is the presence entry sent in snapshots and cursor updates.
type Cursor struct {
	SessionID string  `json:"sessionId"`
	UserID    string  `json:"userId,omitempty"`
	Username  string  `json:"username,omitempty"`
	ColorTag  string  `json:"colorTag,omitempty"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

// Snapshot is the full map state sent on join and on every reconnect.
// It is the only message that carries complete state; afterwards the
// session receives incremental events only.
type Snapshot struct {
	Type    string       `json:"type"`
	Nodes   []graph.Node `json:"nodes"`
	Edges   []graph.Edge `json:"edges"`
	Cursors []Cursor     `json:"cursors"`
}

// MutationAccepted echoes an accepted mutation to every session in the
// project, including the originator (which treats it as its ack).
type MutationAccepted struct {
	Type       string             `json:"type"`
	MutationID string             `json:"mutationId"`
	NodeID     string             `json:"nodeId"`
	Kind       graph.MutationKind `json:"kind"`
	Node       *graph.Node        `json:"node,omitempty"`
	Edge       *graph.Edge        `json:"edge,omitempty"`
	Revision   int64              `json:"revision"`
}

// MutationRejected is sent only to the originating session. CorrectedNode
// carries the current authoritative state of the contested node so the
// client can rebase; it is omitted when the node no longer exists.
type MutationRejected struct {
	Type          string       `json:"type"`
	MutationID    string       `json:"mutationId"`
	Reason        RejectReason `json:"reason"`
	CorrectedNode *graph.Node  `json:"correctedNode,omitempty"`
}

// CursorUpdate broadcasts the latest coalesced cursor position for a session.
type CursorUpdate struct {
	Type      string  `json:"type"`
	SessionID string  `json:"sessionId"`
	Username  string  `json:"username,omitempty"`
	ColorTag  string  `json:"colorTag,omitempty"`
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
}

// UserJoined announces a session that entered the live broadcast group.
type UserJoined struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	ColorTag  string `json:"colorTag"`
}

// UserLeft announces a session removed by explicit leave or liveness timeout.
type UserLeft struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// NewAccepted builds the broadcast frame for an accepted mutation.
func NewAccepted(applied *graph.Applied) *MutationAccepted {
	return &MutationAccepted{
		Type:       TypeMutationAccepted,
		MutationID: applied.Mutation.MutationID,
		NodeID:     applied.Mutation.NodeID,
		Kind:       applied.Mutation.Kind,
		Node:       applied.Node,
		Edge:       applied.Edge,
		Revision:   applied.Revision,
	}
}

// NewRejected builds the rejection frame for the originating session.
func NewRejected(mutationID string, reason RejectReason, corrected *graph.Node) *MutationRejected {
	return &MutationRejected{
		Type:          TypeMutationRejected,
		MutationID:    mutationID,
		Reason:        reason,
		CorrectedNode: corrected,
	}
}

// Marshal encodes any server message, panicking only on programmer error
// (all message structs are marshalable by construction).
func Marshal(msg interface{}) []byte {
	data, err := json.Marshal(msg)
	if err != nil {
		panic(fmt.Sprintf("protocol: failed to marshal %T: %v", msg, err))
	}
	return data
}
