// Package sequencer imposes a single global order on mutations arriving
// concurrently for the same project map.
//
// Each project gets one Project instance with one goroutine draining a
// request channel, so mutations for a project are processed strictly
// one-at-a-time with no interleaving; distinct projects run their loops
// independently and in parallel.
//
// Conflict policy is optimistic concurrency with reject-and-resync: the
// first mutation sequenced against a revision wins, later mutations holding
// the stale revision are rejected and their sessions receive the current
// authoritative node state to rebase against. There is no automatic merge.
package sequencer

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/taskmap/mapd/internal/graph"
	"github.com/taskmap/mapd/internal/taskstore"
)

// Sink receives sequencing results in the exact order they were decided.
// Both methods are called from the project's sequencer goroutine and must
// not block for long; implementations fan out through buffered queues.
type Sink interface {
	// MutationAccepted delivers an accepted mutation for broadcast to every
	// session of the project, including the originator.
	MutationAccepted(applied *graph.Applied)

	// MutationRejected delivers a rejection to the originating session only.
	// corrected is the node's current authoritative state, nil when the node
	// no longer exists.
	MutationRejected(m graph.Mutation, err error, corrected *graph.Node)
}

// Config holds sequencer tuning.
type Config struct {
	// QueueSize bounds the inbound request channel.
	QueueSize int

	// PersistQueueSize bounds the durability write queue. When the queue is
	// full the write is dropped with a warning; real-time consistency is
	// unaffected.
	PersistQueueSize int

	// PersistTimeout bounds each durability write.
	PersistTimeout time.Duration

	// Logger for sequencer activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		QueueSize:        256,
		PersistQueueSize: 256,
		PersistTimeout:   5 * time.Second,
		Logger:           log.New(os.Stderr, "[sequencer] ", log.LstdFlags),
	}
}

type request struct {
	mutation *graph.Mutation
	barrier  func()
}

// Project serializes all mutations for one project map.
type Project struct {
	projectID string
	store     *graph.Store
	tasks     taskstore.Store
	sink      Sink
	config    *Config

	requests chan request
	persists chan *graph.Applied
	seq      int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewProject creates the sequencer for a project and starts its loops.
// The graph store must already be loaded with the cold snapshot.
func NewProject(projectID string, store *graph.Store, tasks taskstore.Store, sink Sink, config *Config) *Project {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[sequencer] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Project{
		projectID: projectID,
		store:     store,
		tasks:     tasks,
		sink:      sink,
		config:    config,
		requests:  make(chan request, config.QueueSize),
		persists:  make(chan *graph.Applied, config.PersistQueueSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	p.wg.Add(2)
	go p.run()
	go p.persistLoop()

	return p
}

// Stop shuts down the sequencer. Queued requests are discarded; queued
// durability writes are drained first.
func (p *Project) Stop() {
	p.cancel()
	p.wg.Wait()
}

// Submit enqueues a mutation for sequencing. It returns an error when the
// sequencer is stopped or its queue is full; the caller should treat either
// as a transient rejection.
func (p *Project) Submit(m graph.Mutation) error {
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("sequencer for project %s is stopped", p.projectID)
	default:
	}

	select {
	case p.requests <- request{mutation: &m}:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("sequencer for project %s is stopped", p.projectID)
	default:
		return fmt.Errorf("sequencer queue full for project %s", p.projectID)
	}
}

// Barrier runs fn inside the sequencer loop and waits for it to finish.
//
// This is how sessions attach: taking the snapshot and joining the broadcast
// group inside the loop guarantees the snapshot sits at an exact position in
// the project's total order, so the session misses nothing and sees nothing
// twice.
func (p *Project) Barrier(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	req := request{barrier: func() {
		fn()
		close(done)
	}}

	select {
	case p.requests <- req:
	case <-p.ctx.Done():
		return fmt.Errorf("sequencer for project %s is stopped", p.projectID)
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-p.ctx.Done():
		return fmt.Errorf("sequencer for project %s is stopped", p.projectID)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the per-project sequencing loop.
func (p *Project) run() {
	defer p.wg.Done()
	defer close(p.persists)

	for {
		select {
		case <-p.ctx.Done():
			return

		case req := <-p.requests:
			if req.barrier != nil {
				req.barrier()
				continue
			}
			p.sequence(*req.mutation)
		}
	}
}

func (p *Project) sequence(m graph.Mutation) {
	applied, err := p.store.ApplyMutation(m)
	if err != nil {
		// Conflict-class rejections carry the current node state so the
		// losing client can rebase its edit; protocol errors do not.
		var corrected *graph.Node
		if !m.Kind.IsEdgeKind() {
			if n, ok := p.store.Node(m.NodeID); ok {
				corrected = &n
			}
		}
		if !graph.IsConflictClass(err) {
			p.config.Logger.Printf("Rejecting malformed mutation %s: %v", m.MutationID, err)
		}
		p.sink.MutationRejected(m, err, corrected)
		return
	}

	p.seq++
	applied.Seq = p.seq

	p.enqueuePersist(applied)
	p.sink.MutationAccepted(applied)
}

func (p *Project) enqueuePersist(applied *graph.Applied) {
	select {
	case p.persists <- applied:
	default:
		p.config.Logger.Printf("Warning: persist queue full for project %s, dropping durability write for %s",
			p.projectID, applied.Mutation.MutationID)
	}
}

// persistLoop forwards accepted mutations to the task persistence
// collaborator in sequence order. Failures are logged and never retried
// synchronously; they do not affect in-memory acceptance.
func (p *Project) persistLoop() {
	defer p.wg.Done()

	for applied := range p.persists {
		ctx, cancel := context.WithTimeout(context.Background(), p.config.PersistTimeout)
		err := p.tasks.PersistMutation(ctx, p.projectID, applied)
		cancel()

		if err != nil {
			p.config.Logger.Printf("Warning: failed to persist mutation %s for project %s: %v",
				applied.Mutation.MutationID, p.projectID, err)
		}
	}
}
