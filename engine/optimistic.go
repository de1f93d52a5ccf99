package engine

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"boardsync/board"
	"boardsync/domain"
)

const (
	defaultServerRetries    = 2
	defaultServerRetryDelay = 250 * time.Millisecond
)

// Mutation describes one optimistic write. Key identifies the affected
// collection; issuing a mutation cancels any in-flight read registered
// under the same key so a stale read cannot overwrite the speculative
// state.
type Mutation struct {
	Key       string
	ProjectID string
	// Speculate applies the guessed outcome to the store for instant
	// feedback.
	Speculate func(store *board.Store)
	// Remote performs the authoritative write and returns the entity the
	// authority computed.
	Remote func(ctx context.Context) (domain.Task, error)
	// Reconcile replaces the speculative entry with the authoritative
	// result. May be nil for deletions.
	Reconcile func(store *board.Store, result domain.Task)
}

// Coordinator wraps remote writes in a speculate/commit/rollback cycle.
// For any single Run call exactly one of reconcile or rollback happens.
type Coordinator struct {
	store            *board.Store
	clock            Clock
	log              *log.Logger
	serverRetries    int
	serverRetryDelay time.Duration

	mu    sync.Mutex
	reads map[string]*readHandle
}

type readHandle struct {
	cancel context.CancelFunc
}

// NewCoordinator creates a coordinator over the store.
func NewCoordinator(store *board.Store, clock Clock, logger *log.Logger) *Coordinator {
	if clock == nil {
		clock = RealClock()
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Coordinator{
		store:            store,
		clock:            clock,
		log:              logger,
		serverRetries:    defaultServerRetries,
		serverRetryDelay: defaultServerRetryDelay,
		reads:            make(map[string]*readHandle),
	}
}

// Read runs fetch under a cancellable context registered for key. When a
// mutation for the same key starts before fetch resolves, the read is
// canceled and its result discarded.
func (c *Coordinator) Read(ctx context.Context, key string, fetch func(ctx context.Context) ([]domain.Task, error)) ([]domain.Task, error) {
	rctx, cancel := context.WithCancel(ctx)
	handle := &readHandle{cancel: cancel}
	c.mu.Lock()
	if prev, ok := c.reads[key]; ok {
		prev.cancel()
	}
	c.reads[key] = handle
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.reads[key] == handle {
			delete(c.reads, key)
		}
		c.mu.Unlock()
		cancel()
	}()

	tasks, err := fetch(rctx)
	if rctx.Err() != nil {
		return nil, rctx.Err()
	}
	return tasks, err
}

func (c *Coordinator) cancelRead(key string) {
	c.mu.Lock()
	handle, ok := c.reads[key]
	if ok {
		delete(c.reads, key)
	}
	c.mu.Unlock()
	if ok {
		handle.cancel()
	}
}

// Run executes the mutation: snapshot, speculate, remote write, then
// either reconcile with the authoritative result or restore the snapshot
// verbatim. Server errors are retried a bounded number of times before
// rolling back; all other failures roll back immediately.
func (c *Coordinator) Run(ctx context.Context, m Mutation) (domain.Task, error) {
	c.cancelRead(m.Key)

	snapshot := c.store.Snapshot(m.ProjectID)
	if m.Speculate != nil {
		m.Speculate(c.store)
	}

	result, err := c.callRemote(ctx, m)
	if err != nil {
		c.store.Restore(m.ProjectID, snapshot)
		return domain.Task{}, err
	}
	if m.Reconcile != nil {
		m.Reconcile(c.store, result)
	}
	return result, nil
}

func (c *Coordinator) callRemote(ctx context.Context, m Mutation) (domain.Task, error) {
	var (
		result domain.Task
		err    error
	)
	for attempt := 0; ; attempt++ {
		result, err = m.Remote(ctx)
		if err == nil || !retryable(err) || attempt >= c.serverRetries {
			return result, err
		}
		delay := c.serverRetryDelay << attempt
		c.log.WithError(err).WithField("attempt", attempt+1).Warn("remote write failed, retrying")
		select {
		case <-c.clock.After(delay):
		case <-ctx.Done():
			return domain.Task{}, ctx.Err()
		}
	}
}
