package protocol

import (
	"encoding/json"
	"testing"

	"github.com/taskmap/mapd/internal/graph"
)

func TestDecodeJoin(t *testing.T) {
	msg, err := DecodeClientMessage([]byte(`{"type":"join","projectId":"p1"}`))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if msg.Type != TypeJoin || msg.ProjectID != "p1" {
		t.Errorf("Unexpected message: %+v", msg)
	}
}

func TestDecodeMutation(t *testing.T) {
	raw := `{"type":"mutation","mutationId":"m1","nodeId":"n1","kind":"Move","payload":{"x":20,"y":10},"baseRevision":3}`
	msg, err := DecodeClientMessage([]byte(raw))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	m := msg.Mutation("s1")
	if m.SessionID != "s1" {
		t.Errorf("Session not stamped: %+v", m)
	}
	if m.Kind != graph.MutationMove || m.Payload.X != 20 || m.BaseRevision != 3 {
		t.Errorf("Mutation fields lost in decode: %+v", m)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"bad json", `{"type":`},
		{"missing type", `{"projectId":"p1"}`},
		{"unknown type", `{"type":"shout"}`},
		{"join without project", `{"type":"join"}`},
		{"mutation without id", `{"type":"mutation","nodeId":"n1"}`},
		{"mutation without node", `{"type":"mutation","mutationId":"m1"}`},
	}

	for _, tc := range cases {
		if _, err := DecodeClientMessage([]byte(tc.raw)); err == nil {
			t.Errorf("%s: expected decode error", tc.name)
		}
	}
}

func TestRejectionOmitsMissingNode(t *testing.T) {
	data := Marshal(NewRejected("m1", ReasonNotFound, nil))

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if _, present := fields["correctedNode"]; present {
		t.Error("correctedNode must be omitted when the node no longer exists")
	}
	if string(fields["reason"]) != `"NotFound"` {
		t.Errorf("Unexpected reason: %s", fields["reason"])
	}
}

func TestReasonForError(t *testing.T) {
	cases := map[error]RejectReason{
		graph.ErrConflict:          ReasonConflict,
		graph.ErrAlreadyExists:     ReasonAlreadyExists,
		graph.ErrNotFound:          ReasonNotFound,
		graph.ErrDanglingReference: ReasonDanglingReference,
		graph.ErrUnknownKind:       ReasonBadRequest,
	}
	for err, want := range cases {
		if got := ReasonForError(err); got != want {
			t.Errorf("ReasonForError(%v) = %s, want %s", err, got, want)
		}
	}
}
