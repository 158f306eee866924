package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/taskmap/mapd/internal/graph"
	"github.com/taskmap/mapd/internal/protocol"
)

// State is where the client is in the sync protocol.
type State int

const (
	StateConnecting State = iota
	StateSyncing
	StateLive
	StateReconnecting
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSyncing:
		return "syncing"
	case StateLive:
		return "live"
	case StateReconnecting:
		return "reconnecting"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Handlers are optional callbacks for application code. All callbacks fire
// from the client's read goroutine; they must not block.
type Handlers struct {
	// OnMutation fires for every accepted mutation folded into the
	// projection, local echoes included.
	OnMutation func(msg *protocol.MutationAccepted)

	// OnConflict fires when a mutation exhausts its retry budget. The edit
	// has been rolled back; the application decides whether to resubmit.
	OnConflict func(mutationID string, reason protocol.RejectReason, corrected *graph.Node)

	// OnCursor fires for other sessions' coalesced cursor positions.
	OnCursor func(msg *protocol.CursorUpdate)

	// OnPresence fires on userJoined (joined=true) and userLeft.
	OnPresence func(sessionID string, joined bool)

	// OnStateChange fires on every protocol state transition.
	OnStateChange func(state State)
}

// Config holds client configuration.
type Config struct {
	// URL is the WebSocket endpoint, e.g. "ws://localhost:8090/ws".
	URL string

	// Token is the JWT issued by the authentication collaborator.
	Token string

	// ProjectID names the project map to join.
	ProjectID string

	// AckTimeout bounds how long a mutation may stay unacknowledged before
	// it is retried once with a refreshed base revision.
	AckTimeout time.Duration

	// ReconnectBackoff is the initial reconnect delay; it doubles per
	// attempt up to MaxReconnectBackoff.
	ReconnectBackoff    time.Duration
	MaxReconnectBackoff time.Duration

	// MaxReconnectAttempts terminates the session when exceeded.
	MaxReconnectAttempts int

	// Logger for client activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for url/token/project.
func DefaultConfig(url, token, projectID string) *Config {
	return &Config{
		URL:                  url,
		Token:                token,
		ProjectID:            projectID,
		AckTimeout:           5 * time.Second,
		ReconnectBackoff:     250 * time.Millisecond,
		MaxReconnectBackoff:  10 * time.Second,
		MaxReconnectAttempts: 10,
		Logger:               log.New(os.Stderr, "[mapclient] ", log.LstdFlags),
	}
}

// inflight tracks one unacknowledged mutation.
type inflight struct {
	mutation graph.Mutation
	retried  bool
	timer    *time.Timer
}

// Client connects to the map server and keeps a Projection reconciled
// against the authoritative stream.
type Client struct {
	config     *Config
	handlers   Handlers
	projection *Projection

	mu       sync.Mutex
	conn     *websocket.Conn
	state    State
	inflight map[string]*inflight

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a client. Call Connect to join the project.
func New(config *Config, handlers Handlers) *Client {
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[mapclient] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		config:     config,
		handlers:   handlers,
		projection: NewProjection(),
		state:      StateConnecting,
		inflight:   make(map[string]*inflight),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Projection exposes the optimistic local view for rendering.
func (c *Client) Projection() *Projection { return c.projection }

// State returns the current protocol state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the server, joins the project, and syncs the initial
// snapshot. On return the client is Live and the read loop is running.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dialAndSync(ctx); err != nil {
		return err
	}

	c.wg.Add(1)
	go c.readLoop()
	return nil
}

// Close leaves the project and terminates the client.
func (c *Client) Close() error {
	c.setState(StateTerminated)
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	for _, fl := range c.inflight {
		fl.timer.Stop()
	}
	c.inflight = make(map[string]*inflight)
	c.mu.Unlock()

	if conn != nil {
		_ = c.writeFrame(conn, &protocol.ClientMessage{Type: protocol.TypeLeave})
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	c.wg.Wait()
	return nil
}

// dialAndSync performs Connecting -> Syncing -> Live: dial, join, consume
// the snapshot, reset the baseline, acknowledge.
func (c *Client) dialAndSync(ctx context.Context) error {
	c.setState(StateConnecting)

	url := fmt.Sprintf("%s?token=%s", c.config.URL, c.config.Token)
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", c.config.URL, err)
	}

	if err := c.writeFrame(conn, &protocol.ClientMessage{
		Type:      protocol.TypeJoin,
		ProjectID: c.config.ProjectID,
	}); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return fmt.Errorf("failed to send join: %w", err)
	}

	c.setState(StateSyncing)

	_, data, err := conn.Read(ctx)
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return fmt.Errorf("failed to read snapshot: %w", err)
	}
	var snapshot protocol.Snapshot
	if err := json.Unmarshal(data, &snapshot); err != nil || snapshot.Type != protocol.TypeSnapshot {
		_ = conn.Close(websocket.StatusProtocolError, "")
		return fmt.Errorf("expected snapshot, got %s", data)
	}

	// Unacknowledged optimistic mutations do not survive a resync: they are
	// discarded from the log and replayed as brand-new mutations against the
	// fresh baseline.
	orphaned := c.projection.ResetBaseline(snapshot.Nodes, snapshot.Edges)

	if err := c.writeFrame(conn, &protocol.ClientMessage{Type: protocol.TypeAck}); err != nil {
		_ = conn.Close(websocket.StatusInternalError, "")
		return fmt.Errorf("failed to acknowledge snapshot: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	for _, fl := range c.inflight {
		fl.timer.Stop()
	}
	c.inflight = make(map[string]*inflight)
	c.mu.Unlock()

	c.setState(StateLive)

	for _, m := range orphaned {
		c.resubmit(m)
	}
	return nil
}

// Move submits an optimistic node move.
func (c *Client) Move(nodeID string, x, y float64) (string, error) {
	return c.submit(nodeID, graph.MutationMove, graph.Payload{X: x, Y: y})
}

// CreateNode submits an optimistic node creation and returns the new node id.
func (c *Client) CreateNode(kind graph.NodeKind, taskID, title string, x, y float64) (string, error) {
	nodeID := ulid.Make().String()
	_, err := c.submit(nodeID, graph.MutationCreate, graph.Payload{
		Kind: kind, TaskID: taskID, Title: &title, X: x, Y: y,
	})
	return nodeID, err
}

// UpdateNode submits an optimistic content edit; nil fields are untouched.
func (c *Client) UpdateNode(nodeID string, title, status, text *string) (string, error) {
	return c.submit(nodeID, graph.MutationUpdate, graph.Payload{Title: title, Status: status, Text: text})
}

// DeleteNode submits an optimistic node deletion.
func (c *Client) DeleteNode(nodeID string) (string, error) {
	return c.submit(nodeID, graph.MutationDelete, graph.Payload{})
}

// CreateEdge submits an optimistic edge creation and returns the new edge id.
func (c *Client) CreateEdge(fromNodeID, toNodeID string, label *string) (string, error) {
	edgeID := ulid.Make().String()
	_, err := c.submit(edgeID, graph.MutationEdgeCreate, graph.Payload{
		FromNodeID: fromNodeID, ToNodeID: toNodeID, Label: label,
	})
	return edgeID, err
}

// DeleteEdge submits an optimistic edge deletion.
func (c *Client) DeleteEdge(edgeID string) (string, error) {
	return c.submit(edgeID, graph.MutationEdgeDelete, graph.Payload{})
}

// SendCursor reports the local cursor position. Fire-and-forget; the server
// coalesces and only the latest position within a window is broadcast.
func (c *Client) SendCursor(x, y float64) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return c.writeFrame(conn, &protocol.ClientMessage{Type: protocol.TypeCursor, X: x, Y: y})
}

// submit builds a mutation against the confirmed baseline, applies it
// optimistically, and sends it.
func (c *Client) submit(nodeID string, kind graph.MutationKind, payload graph.Payload) (string, error) {
	m := graph.Mutation{
		MutationID: ulid.Make().String(),
		NodeID:     nodeID,
		Kind:       kind,
		Payload:    payload,
	}
	if !kind.IsEdgeKind() && kind != graph.MutationCreate {
		rev, ok := c.projection.BaseRevision(nodeID)
		if !ok {
			return "", fmt.Errorf("node %s not in projection", nodeID)
		}
		m.BaseRevision = rev
	}

	c.projection.ApplyLocal(m)
	if err := c.sendMutation(m, false); err != nil {
		return "", err
	}
	return m.MutationID, nil
}

// resubmit replays an orphaned pending edit as a brand-new mutation against
// the post-resync baseline. Edits whose node vanished are dropped.
func (c *Client) resubmit(old graph.Mutation) {
	m := old
	m.MutationID = ulid.Make().String()
	if !m.Kind.IsEdgeKind() && m.Kind != graph.MutationCreate {
		rev, ok := c.projection.BaseRevision(m.NodeID)
		if !ok {
			c.config.Logger.Printf("Dropping pending edit to vanished node %s", m.NodeID)
			return
		}
		m.BaseRevision = rev
	}

	c.projection.ApplyLocal(m)
	if err := c.sendMutation(m, false); err != nil {
		c.config.Logger.Printf("Failed to replay pending edit %s: %v", m.MutationID, err)
	}
}

func (c *Client) sendMutation(m graph.Mutation, retried bool) error {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return fmt.Errorf("not connected")
	}

	fl := &inflight{mutation: m, retried: retried}
	fl.timer = time.AfterFunc(c.config.AckTimeout, func() { c.ackTimeout(m.MutationID) })
	c.inflight[m.MutationID] = fl
	c.mu.Unlock()

	err := c.writeFrame(conn, &protocol.ClientMessage{
		Type:         protocol.TypeMutation,
		MutationID:   m.MutationID,
		NodeID:       m.NodeID,
		Kind:         m.Kind,
		Payload:      m.Payload,
		BaseRevision: m.BaseRevision,
	})
	if err != nil {
		c.mu.Lock()
		if fl, ok := c.inflight[m.MutationID]; ok {
			fl.timer.Stop()
			delete(c.inflight, m.MutationID)
		}
		c.mu.Unlock()
	}
	return err
}

// ackTimeout fires when a mutation got no acknowledgment in time. It is
// treated as lost: retried once with a refreshed base revision, then
// surfaced as a conflict requiring a manual retry. Never silently dropped.
func (c *Client) ackTimeout(mutationID string) {
	c.mu.Lock()
	fl, ok := c.inflight[mutationID]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.inflight, mutationID)
	retried := fl.retried
	m := fl.mutation
	c.mu.Unlock()

	c.projection.Reject(mutationID, "", nil)

	if retried {
		c.config.Logger.Printf("Mutation %s lost twice, surfacing conflict", mutationID)
		if c.handlers.OnConflict != nil {
			c.handlers.OnConflict(mutationID, protocol.ReasonConflict, nil)
		}
		return
	}

	m.MutationID = ulid.Make().String()
	if !m.Kind.IsEdgeKind() && m.Kind != graph.MutationCreate {
		if rev, ok := c.projection.BaseRevision(m.NodeID); ok {
			m.BaseRevision = rev
		}
	}
	c.config.Logger.Printf("Mutation %s unacknowledged, retrying as %s", mutationID, m.MutationID)
	c.projection.ApplyLocal(m)
	if err := c.sendMutation(m, true); err != nil {
		c.config.Logger.Printf("Retry failed for %s: %v", m.MutationID, err)
	}
}

// readLoop consumes the authoritative stream until transport loss, then
// hands off to the reconnect loop.
func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() != nil || c.State() == StateTerminated {
				return
			}
			if !c.reconnect() {
				return
			}
			continue
		}
		c.dispatch(data)
	}
}

func (c *Client) dispatch(data []byte) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		c.config.Logger.Printf("Bad server frame: %v", err)
		return
	}

	switch envelope.Type {
	case protocol.TypeMutationAccepted:
		var msg protocol.MutationAccepted
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		c.handleAccepted(&msg)

	case protocol.TypeMutationRejected:
		var msg protocol.MutationRejected
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		c.handleRejected(&msg)

	case protocol.TypeCursorUpdate:
		var msg protocol.CursorUpdate
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if c.handlers.OnCursor != nil {
			c.handlers.OnCursor(&msg)
		}

	case protocol.TypeUserJoined:
		var msg protocol.UserJoined
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if c.handlers.OnPresence != nil {
			c.handlers.OnPresence(msg.SessionID, true)
		}

	case protocol.TypeUserLeft:
		var msg protocol.UserLeft
		if err := json.Unmarshal(data, &msg); err != nil {
			return
		}
		if c.handlers.OnPresence != nil {
			c.handlers.OnPresence(msg.SessionID, false)
		}
	}
}

func (c *Client) handleAccepted(msg *protocol.MutationAccepted) {
	c.mu.Lock()
	fl, mine := c.inflight[msg.MutationID]
	if mine {
		fl.timer.Stop()
		delete(c.inflight, msg.MutationID)
	}
	c.mu.Unlock()

	if mine {
		c.projection.Confirm(msg)
	} else {
		c.projection.ApplyRemote(msg)
	}

	if c.handlers.OnMutation != nil {
		c.handlers.OnMutation(msg)
	}
}

// handleRejected rolls the optimistic edit back onto the corrected state.
// A first conflict-class rejection rebases the edit and resubmits it with
// the corrected revision; a repeat rejection surfaces to the application.
func (c *Client) handleRejected(msg *protocol.MutationRejected) {
	c.mu.Lock()
	fl, mine := c.inflight[msg.MutationID]
	if mine {
		fl.timer.Stop()
		delete(c.inflight, msg.MutationID)
	}
	c.mu.Unlock()

	nodeID := ""
	if mine {
		nodeID = fl.mutation.NodeID
	}
	rejected, wasPending := c.projection.Reject(msg.MutationID, nodeID, msg.CorrectedNode)

	if !mine || !wasPending {
		return
	}

	retriable := msg.Reason == protocol.ReasonConflict && msg.CorrectedNode != nil && !fl.retried
	if !retriable {
		if c.handlers.OnConflict != nil {
			c.handlers.OnConflict(msg.MutationID, msg.Reason, msg.CorrectedNode)
		}
		return
	}

	m := rejected
	m.MutationID = ulid.Make().String()
	m.BaseRevision = msg.CorrectedNode.Revision
	c.projection.ApplyLocal(m)
	if err := c.sendMutation(m, true); err != nil {
		c.config.Logger.Printf("Rebase resubmit failed for %s: %v", m.MutationID, err)
	}
}

// reconnect re-dials with exponential backoff and resyncs via a fresh
// snapshot. Returns false when the retry budget is exhausted.
func (c *Client) reconnect() bool {
	c.setState(StateReconnecting)

	c.mu.Lock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusAbnormalClosure, "")
		c.conn = nil
	}
	for _, fl := range c.inflight {
		fl.timer.Stop()
	}
	c.inflight = make(map[string]*inflight)
	c.mu.Unlock()

	backoff := c.config.ReconnectBackoff
	for attempt := 1; attempt <= c.config.MaxReconnectAttempts; attempt++ {
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(jitter(backoff)):
		}

		ctx, cancel := context.WithTimeout(c.ctx, 10*time.Second)
		err := c.dialAndSync(ctx)
		cancel()
		if err == nil {
			c.config.Logger.Printf("Reconnected to project %s after %d attempt(s)", c.config.ProjectID, attempt)
			return true
		}

		c.config.Logger.Printf("Reconnect attempt %d failed: %v", attempt, err)
		c.setState(StateReconnecting)
		backoff *= 2
		if backoff > c.config.MaxReconnectBackoff {
			backoff = c.config.MaxReconnectBackoff
		}
	}

	c.config.Logger.Printf("Reconnect budget exhausted for project %s", c.config.ProjectID)
	c.setState(StateTerminated)
	return false
}

func (c *Client) setState(state State) {
	c.mu.Lock()
	if c.state == state || c.state == StateTerminated {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()

	if c.handlers.OnStateChange != nil {
		c.handlers.OnStateChange(state)
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, msg *protocol.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal %s frame: %w", msg.Type, err)
	}
	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, data)
}

func jitter(d time.Duration) time.Duration {
	return d + time.Duration(rand.Int63n(int64(d)/2+1))
}
