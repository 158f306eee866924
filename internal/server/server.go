// Package server hosts the real-time collaboration endpoint: it upgrades
// WebSocket connections, authenticates sessions, and routes each one into
// the per-project room that owns the authoritative map state.
//
// Project rooms live in an arena keyed by project id, lifecycle-managed by
// reference counting: a room is created (and cold-loaded from the task
// persistence collaborator) when the first session joins, and evicted after
// the last session leaves and a grace period elapses.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/taskmap/mapd/internal/auth"
	"github.com/taskmap/mapd/internal/protocol"
	"github.com/taskmap/mapd/internal/taskstore"
)

// cursorColors is the palette for session color tags, assigned by a stable
// hash of the user id so a user keeps their color across reconnects.
var cursorColors = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8",
	"#f58231", "#911eb4", "#46f0f0", "#f032e6",
}

// Config holds server configuration.
type Config struct {
	// ListenAddr is the host:port to bind (":0" picks a random port).
	ListenAddr string

	// GracePeriod keeps an empty room in memory before eviction.
	GracePeriod time.Duration

	// CursorFlushInterval is the presence coalescing window.
	CursorFlushInterval time.Duration

	// PresenceTimeout removes sessions silent for this long.
	PresenceTimeout time.Duration

	// PersistTimeout bounds each durability write.
	PersistTimeout time.Duration

	// Logger for server activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:          ":8090",
		GracePeriod:         30 * time.Second,
		CursorFlushInterval: 50 * time.Millisecond,
		PresenceTimeout:     30 * time.Second,
		PersistTimeout:      5 * time.Second,
		Logger:              log.Default(),
	}
}

type projectEntry struct {
	room  *room
	refs  int
	evict *time.Timer
}

// Server accepts WebSocket sessions and manages the project room arena.
type Server struct {
	config   *Config
	verifier *auth.Verifier
	tasks    taskstore.Store

	listener net.Listener
	server   *http.Server

	mu       sync.Mutex
	projects map[string]*projectEntry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a collaboration server.
func NewServer(config *Config, verifier *auth.Verifier, tasks taskstore.Store) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.Default()
	}
	defaults := DefaultConfig()
	if config.GracePeriod <= 0 {
		config.GracePeriod = defaults.GracePeriod
	}
	if config.CursorFlushInterval <= 0 {
		config.CursorFlushInterval = defaults.CursorFlushInterval
	}
	if config.PresenceTimeout <= 0 {
		config.PresenceTimeout = defaults.PresenceTimeout
	}
	if config.PersistTimeout <= 0 {
		config.PersistTimeout = defaults.PersistTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:   config,
		verifier: verifier,
		tasks:    tasks,
		projects: make(map[string]*projectEntry),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins listening and serving WebSocket upgrades.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.config.Logger.Printf("Map server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.config.Logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down: sessions are closed, rooms are torn down.
func (s *Server) Stop() error {
	s.config.Logger.Println("Stopping map server")
	s.cancel()

	s.mu.Lock()
	for id, entry := range s.projects {
		if entry.evict != nil {
			entry.evict.Stop()
		}
		entry.room.stop()
		delete(s.projects, id)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.config.ListenAddr
}

// RoomCount returns the number of live project rooms.
func (s *Server) RoomCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.projects)
}

// acquireRoom returns the room for projectID, cold-loading it on first use,
// and takes a reference. Cancels any pending eviction.
func (s *Server) acquireRoom(ctx context.Context, projectID string) (*room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry, ok := s.projects[projectID]; ok {
		entry.refs++
		if entry.evict != nil {
			entry.evict.Stop()
			entry.evict = nil
		}
		return entry.room, nil
	}

	r, err := newRoom(ctx, projectID, s.tasks, s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to open project %s: %w", projectID, err)
	}
	s.projects[projectID] = &projectEntry{room: r, refs: 1}
	s.config.Logger.Printf("Opened project map %s", projectID)
	return r, nil
}

// releaseRoom drops a reference. When the last session leaves, the room
// survives the grace period before being evicted, so quick reconnects skip
// the cold load.
func (s *Server) releaseRoom(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.projects[projectID]
	if !ok {
		return
	}
	entry.refs--
	if entry.refs > 0 {
		return
	}

	entry.evict = time.AfterFunc(s.config.GracePeriod, func() {
		s.evictRoom(projectID)
	})
}

func (s *Server) evictRoom(projectID string) {
	s.mu.Lock()
	entry, ok := s.projects[projectID]
	if !ok || entry.refs > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.projects, projectID)
	s.mu.Unlock()

	entry.room.stop()
	s.config.Logger.Printf("Evicted idle project map %s", projectID)
}

// handleWebSocket runs the sync protocol for one connection:
// Connecting -> Syncing -> Live -> Terminated.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity, err := s.verifier.Verify(r.URL.Query().Get("token"))
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.config.Logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	sessionID, err := gonanoid.New()
	if err != nil {
		_ = conn.Close(websocket.StatusInternalError, "id generation failed")
		return
	}

	sess := newSession(sessionID, identity, colorTagFor(identity.UserID), conn)
	go sess.writeLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runSession(sess)
	}()
}

// runSession drives one session's read loop until termination.
func (s *Server) runSession(sess *session) {
	defer sess.close(websocket.StatusNormalClosure, "")

	// Connecting: the first frame must be a join naming the project.
	msg, err := s.readMessage(sess)
	if err != nil || msg.Type != protocol.TypeJoin {
		sess.close(websocket.StatusPolicyViolation, "expected join")
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 10*time.Second)
	room, err := s.acquireRoom(ctx, msg.ProjectID)
	cancel()
	if err != nil {
		s.config.Logger.Printf("Join failed for session %s: %v", sess.id, err)
		sess.close(websocket.StatusInternalError, "project unavailable")
		return
	}
	defer s.releaseRoom(msg.ProjectID)
	defer room.detach(sess)

	// Syncing: snapshot + cursor list, positioned in the project's total
	// order by the sequencer barrier.
	ctx, cancel = context.WithTimeout(s.ctx, 10*time.Second)
	err = room.attach(ctx, sess)
	cancel()
	if err != nil {
		sess.close(websocket.StatusInternalError, "snapshot failed")
		return
	}

	s.config.Logger.Printf("Session %s (%s) joined project %s", sess.id, sess.identity.Username, room.projectID)

	for {
		msg, err := s.readMessage(sess)
		if err != nil {
			return
		}
		room.presence.Touch(sess.id)

		switch msg.Type {
		case protocol.TypeAck:
			room.goLive(sess)

		case protocol.TypeMutation:
			room.submitMutation(sess, msg.Mutation(sess.id))

		case protocol.TypeCursor:
			room.presence.UpdateCursor(sess.id, msg.X, msg.Y)

		case protocol.TypeLeave:
			return

		case protocol.TypeJoin:
			// A session joins exactly one project for its lifetime.
			sess.close(websocket.StatusPolicyViolation, "already joined")
			return
		}
	}
}

func (s *Server) readMessage(sess *session) (*protocol.ClientMessage, error) {
	_, data, err := sess.conn.Read(s.ctx)
	if err != nil {
		return nil, err
	}
	msg, err := protocol.DecodeClientMessage(data)
	if err != nil {
		s.config.Logger.Printf("Bad frame from session %s: %v", sess.id, err)
		return nil, err
	}
	return msg, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	rooms := len(s.projects)
	sessions := 0
	for _, entry := range s.projects {
		sessions += entry.room.sessionCount()
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":   "ok",
		"projects": rooms,
		"sessions": sessions,
	})
}

func colorTagFor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return cursorColors[h.Sum32()%uint32(len(cursorColors))]
}
