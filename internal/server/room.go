package server

import (
	"context"
	"log"
	"sync"

	"github.com/coder/websocket"

	"github.com/taskmap/mapd/internal/graph"
	"github.com/taskmap/mapd/internal/presence"
	"github.com/taskmap/mapd/internal/protocol"
	"github.com/taskmap/mapd/internal/sequencer"
	"github.com/taskmap/mapd/internal/taskstore"
)

// room is the live arena for one project map: the authoritative graph
// store, its mutation sequencer, its presence tracker, and the sessions
// currently viewing it.
//
// room implements sequencer.Sink and presence.Sink; both deliver their
// events through each session's ordered outbound queue, so all sessions
// observe accepted mutations in the sequencer's total order. Mutation and
// presence streams are independent and carry no cross-ordering guarantee.
type room struct {
	projectID string
	graph     *graph.Store
	seq       *sequencer.Project
	presence  *presence.Tracker
	logger    *log.Logger

	mu       sync.RWMutex
	sessions map[string]*session
}

func newRoom(ctx context.Context, projectID string, tasks taskstore.Store, cfg *Config) (*room, error) {
	store := graph.NewStore()
	nodes, edges, err := tasks.ProjectSnapshot(ctx, projectID)
	if err != nil {
		return nil, err
	}
	store.Load(nodes, edges)

	r := &room{
		projectID: projectID,
		graph:     store,
		logger:    cfg.Logger,
		sessions:  make(map[string]*session),
	}

	r.seq = sequencer.NewProject(projectID, store, tasks, r, &sequencer.Config{
		QueueSize:        256,
		PersistQueueSize: 256,
		PersistTimeout:   cfg.PersistTimeout,
		Logger:           cfg.Logger,
	})
	r.presence = presence.NewTracker(&presence.Config{
		FlushInterval:   cfg.CursorFlushInterval,
		LivenessTimeout: cfg.PresenceTimeout,
		Logger:          cfg.Logger,
	}, r)

	return r, nil
}

// stop tears the room down after the grace period expires with no sessions.
func (r *room) stop() {
	r.presence.Stop()
	r.seq.Stop()
}

// attach sends the session its snapshot and adds it to the broadcast group.
//
// Both happen inside a sequencer barrier: the snapshot occupies an exact
// position in the project's total order, and because every later event is
// queued behind the snapshot on the session's outbound channel, the client
// misses nothing and receives nothing twice. No incremental replay is kept
// server-side; reconnecting sessions always come back through here.
func (r *room) attach(ctx context.Context, sess *session) error {
	return r.seq.Barrier(ctx, func() {
		nodes, edges := r.graph.Snapshot()
		snapshot := &protocol.Snapshot{
			Type:    protocol.TypeSnapshot,
			Nodes:   nodes,
			Edges:   edges,
			Cursors: r.cursorList(),
		}

		r.mu.Lock()
		r.sessions[sess.id] = sess
		r.mu.Unlock()

		sess.setState(stateSyncing)
		if !sess.send(protocol.Marshal(snapshot)) {
			r.detach(sess)
		}
	})
}

// goLive is called when the client acknowledges the snapshot. The session
// starts receiving presence traffic and is announced to the others.
func (r *room) goLive(sess *session) {
	if !sess.transition(stateSyncing, stateLive) {
		return
	}
	r.presence.Join(presence.Session{
		SessionID: sess.id,
		UserID:    sess.identity.UserID,
		Username:  sess.identity.Username,
		ColorTag:  sess.colorTag,
	})
}

// detach removes a session from the room. Safe to call more than once.
func (r *room) detach(sess *session) {
	r.mu.Lock()
	_, present := r.sessions[sess.id]
	delete(r.sessions, sess.id)
	r.mu.Unlock()

	if present {
		r.presence.Leave(sess.id)
	}
}

func (r *room) sessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *room) cursorList() []protocol.Cursor {
	states := r.presence.Cursors()
	cursors := make([]protocol.Cursor, 0, len(states))
	for _, cur := range states {
		c := protocol.Cursor{SessionID: cur.SessionID, X: cur.X, Y: cur.Y}
		if sess, ok := r.presence.SessionInfo(cur.SessionID); ok {
			c.UserID = sess.UserID
			c.Username = sess.Username
			c.ColorTag = sess.ColorTag
		}
		cursors = append(cursors, c)
	}
	return cursors
}

// broadcast enqueues a frame to every attached session. Sessions whose
// outbound queue is full are dropped; they resync on reconnect.
func (r *room) broadcast(data []byte, skip string) {
	r.mu.RLock()
	targets := make([]*session, 0, len(r.sessions))
	for id, sess := range r.sessions {
		if id == skip {
			continue
		}
		targets = append(targets, sess)
	}
	r.mu.RUnlock()

	for _, sess := range targets {
		if !sess.send(data) {
			r.logger.Printf("Session %s cannot keep up, dropping", sess.id)
			sess.close(websocket.StatusPolicyViolation, "client too slow")
			r.detach(sess)
		}
	}
}

func (r *room) sendTo(sessionID string, data []byte) {
	r.mu.RLock()
	sess := r.sessions[sessionID]
	r.mu.RUnlock()

	if sess != nil && !sess.send(data) {
		sess.close(websocket.StatusPolicyViolation, "client too slow")
		r.detach(sess)
	}
}

// MutationAccepted implements sequencer.Sink. The originator receives the
// echo too; that echo is its acknowledgment.
func (r *room) MutationAccepted(applied *graph.Applied) {
	r.broadcast(protocol.Marshal(protocol.NewAccepted(applied)), "")
}

// MutationRejected implements sequencer.Sink. Rejections go only to the
// originating session, with the corrected node state for rebasing.
func (r *room) MutationRejected(m graph.Mutation, err error, corrected *graph.Node) {
	if graph.IsConflictClass(err) {
		r.logger.Printf("Rejected mutation %s on %s: %v", m.MutationID, m.NodeID, err)
	}
	frame := protocol.Marshal(protocol.NewRejected(m.MutationID, protocol.ReasonForError(err), corrected))
	r.sendTo(m.SessionID, frame)
}

// UserJoined implements presence.Sink.
func (r *room) UserJoined(sess presence.Session) {
	r.broadcast(protocol.Marshal(&protocol.UserJoined{
		Type:      protocol.TypeUserJoined,
		SessionID: sess.SessionID,
		UserID:    sess.UserID,
		Username:  sess.Username,
		ColorTag:  sess.ColorTag,
	}), sess.SessionID)
}

// CursorMoved implements presence.Sink. The owning session already knows
// where its cursor is, so it is skipped.
func (r *room) CursorMoved(sess presence.Session, cur presence.CursorState) {
	r.broadcast(protocol.Marshal(&protocol.CursorUpdate{
		Type:      protocol.TypeCursorUpdate,
		SessionID: cur.SessionID,
		Username:  sess.Username,
		ColorTag:  sess.ColorTag,
		X:         cur.X,
		Y:         cur.Y,
	}), cur.SessionID)
}

// UserLeft implements presence.Sink. Fired on explicit leave and on
// liveness timeout; a timed-out session also loses its connection.
func (r *room) UserLeft(sessionID string) {
	r.mu.Lock()
	sess := r.sessions[sessionID]
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	if sess != nil {
		sess.close(websocket.StatusNormalClosure, "session timed out")
	}

	r.broadcast(protocol.Marshal(&protocol.UserLeft{
		Type:      protocol.TypeUserLeft,
		SessionID: sessionID,
	}), sessionID)
}

// submitMutation stamps the session and hands the mutation to the
// sequencer. Overload is reported back to the caller as a rejection rather
// than an error so the client's pending entry resolves.
func (r *room) submitMutation(sess *session, m graph.Mutation) {
	if err := r.seq.Submit(m); err != nil {
		r.logger.Printf("Submit failed for %s: %v", m.MutationID, err)
		frame := protocol.Marshal(protocol.NewRejected(m.MutationID, protocol.ReasonBadRequest, nil))
		r.sendTo(sess.id, frame)
	}
}
