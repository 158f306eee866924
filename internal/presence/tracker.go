// Package presence maintains the set of live sessions and their cursor
// positions for one project map.
//
// Cursor state is ephemeral and lossy-tolerant: only the latest position per
// session matters, so updates land in a coalescing buffer keyed by session
// and a flush ticker broadcasts the last value in each window. Intermediate
// positions may be dropped under load; they are never queued.
package presence

import (
	"context"
	"log"
	"os"
	"sync"
	"time"
)

// Session is one live connection's user metadata. Sessions are created on
// connect, destroyed on disconnect or liveness timeout, and never persisted.
type Session struct {
	SessionID  string
	UserID     string
	Username   string
	ColorTag   string
	LastSeenAt time.Time
}

// CursorState is the latest known cursor position for a session.
type CursorState struct {
	SessionID string
	X         float64
	Y         float64
	UpdatedAt time.Time
}

// Sink receives presence events for broadcast. Calls are made from the
// tracker's own goroutines; implementations must not block for long.
type Sink interface {
	// UserJoined fires once when a session is first tracked.
	UserJoined(sess Session)

	// CursorMoved fires with the last coalesced position in a flush window.
	CursorMoved(sess Session, cur CursorState)

	// UserLeft fires exactly once per removed session, whether the removal
	// came from an explicit leave or a liveness timeout.
	UserLeft(sessionID string)
}

// Config holds tracker tuning.
type Config struct {
	// FlushInterval is the cursor coalescing window.
	FlushInterval time.Duration

	// LivenessTimeout removes sessions with no activity for this long.
	LivenessTimeout time.Duration

	// Logger for tracker activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		FlushInterval:   50 * time.Millisecond,
		LivenessTimeout: 30 * time.Second,
		Logger:          log.New(os.Stderr, "[presence] ", log.LstdFlags),
	}
}

type entry struct {
	sess   Session
	cursor CursorState
	dirty  bool // true when a cursor update is waiting for the next flush
}

// Tracker owns presence state for a single project map. It is the only
// component that mutates presence state.
type Tracker struct {
	config *Config
	sink   Sink

	mu       sync.Mutex
	sessions map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewTracker creates a tracker and starts its flush and liveness loops.
// Call Stop to shut them down.
func NewTracker(config *Config, sink Sink) *Tracker {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[presence] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Tracker{
		config:   config,
		sink:     sink,
		sessions: make(map[string]*entry),
		ctx:      ctx,
		cancel:   cancel,
	}

	t.wg.Add(2)
	go t.flushLoop()
	go t.sweepLoop()

	return t
}

// Stop shuts down the tracker's goroutines. Tracked sessions are not
// individually announced as left; the caller is tearing the project down.
func (t *Tracker) Stop() {
	t.cancel()
	t.wg.Wait()
}

// Join starts tracking a session and announces it.
func (t *Tracker) Join(sess Session) {
	sess.LastSeenAt = time.Now()

	t.mu.Lock()
	if _, exists := t.sessions[sess.SessionID]; exists {
		t.mu.Unlock()
		return
	}
	t.sessions[sess.SessionID] = &entry{sess: sess}
	t.mu.Unlock()

	t.sink.UserJoined(sess)
}

// Leave removes a session and announces the departure. Duplicate calls for
// an already-removed session are a no-op.
func (t *Tracker) Leave(sessionID string) {
	t.mu.Lock()
	_, exists := t.sessions[sessionID]
	delete(t.sessions, sessionID)
	t.mu.Unlock()

	if exists {
		t.sink.UserLeft(sessionID)
	}
}

// Touch records activity for a session, deferring its liveness timeout.
func (t *Tracker) Touch(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.sessions[sessionID]; ok {
		e.sess.LastSeenAt = time.Now()
	}
}

// UpdateCursor overwrites the session's cursor state unconditionally.
// The value is broadcast on the next flush tick; positions arriving within
// the same window replace each other.
func (t *Tracker) UpdateCursor(sessionID string, x, y float64) {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	e.cursor = CursorState{SessionID: sessionID, X: x, Y: y, UpdatedAt: now}
	e.dirty = true
	e.sess.LastSeenAt = now
}

// Cursors returns the current cursor list, used to bootstrap snapshots.
// Sessions that have not reported a cursor yet are skipped.
func (t *Tracker) Cursors() []CursorState {
	t.mu.Lock()
	defer t.mu.Unlock()

	cursors := make([]CursorState, 0, len(t.sessions))
	for _, e := range t.sessions {
		if e.cursor.UpdatedAt.IsZero() {
			continue
		}
		cursors = append(cursors, e.cursor)
	}
	return cursors
}

// SessionInfo returns the tracked metadata for a session.
func (t *Tracker) SessionInfo(sessionID string) (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	return e.sess, true
}

// Count returns the number of tracked sessions.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// flushLoop broadcasts dirty cursors once per coalescing window.
func (t *Tracker) flushLoop() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return

		case <-ticker.C:
			t.flushDirtyCursors()
		}
	}
}

func (t *Tracker) flushDirtyCursors() {
	type moved struct {
		sess Session
		cur  CursorState
	}

	t.mu.Lock()
	var pending []moved
	for _, e := range t.sessions {
		if e.dirty {
			pending = append(pending, moved{sess: e.sess, cur: e.cursor})
			e.dirty = false
		}
	}
	t.mu.Unlock()

	// Broadcast outside the lock so a slow sink never blocks updates.
	for _, m := range pending {
		t.sink.CursorMoved(m.sess, m.cur)
	}
}

// sweepLoop removes sessions that exceeded the liveness timeout.
func (t *Tracker) sweepLoop() {
	defer t.wg.Done()

	interval := t.config.LivenessTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-t.ctx.Done():
			return

		case <-ticker.C:
			t.sweepStale()
		}
	}
}

func (t *Tracker) sweepStale() {
	cutoff := time.Now().Add(-t.config.LivenessTimeout)

	t.mu.Lock()
	var stale []string
	for id, e := range t.sessions {
		if e.sess.LastSeenAt.Before(cutoff) {
			stale = append(stale, id)
			delete(t.sessions, id)
		}
	}
	t.mu.Unlock()

	for _, id := range stale {
		t.config.Logger.Printf("Session %s timed out", id)
		t.sink.UserLeft(id)
	}
}
