package graph

import "errors"

// Errors returned by Store.ApplyMutation.
//
// These can be checked using errors.Is() for proper error handling:
//
//	if errors.Is(err, graph.ErrConflict) {
//	    // Stale baseRevision - send the corrected node back to the client
//	}
var (
	// ErrConflict is returned when a mutation's baseRevision does not match
	// the node's current revision. The losing client must re-derive its edit
	// against the corrected state and resubmit.
	ErrConflict = errors.New("stale base revision")

	// ErrAlreadyExists is returned when a Create or EdgeCreate targets an
	// id that is already present in the map.
	ErrAlreadyExists = errors.New("id already exists")

	// ErrNotFound is returned when a mutation targets a node or edge that
	// does not exist (typically lost a Create/Delete race).
	ErrNotFound = errors.New("not found")

	// ErrDanglingReference is returned when an edge mutation references a
	// node that is missing at sequencing time.
	ErrDanglingReference = errors.New("edge references missing node")

	// ErrUnknownKind is returned for a mutation kind the store does not
	// understand. This is a protocol error, not a conflict.
	ErrUnknownKind = errors.New("unknown mutation kind")
)

// IsConflictClass reports whether the error is resolved by resyncing the
// client against the current authoritative state. Conflict-class errors
// never surface to the user as a hard failure.
func IsConflictClass(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDanglingReference)
}
