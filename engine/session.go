// Package engine implements the client side of the board synchronization
// protocol: a position-ordered task store fed by optimistic mutations and
// by domain events arriving on a persistent live channel.
package engine

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"boardsync/board"
	"boardsync/domain"
)

const sendTimeout = 10 * time.Second

// Config configures a Session.
type Config struct {
	// BaseURL is the authority's root URL.
	BaseURL string
	// Credential is the opaque bearer credential presented at connect
	// time and on every request.
	Credential string
	// UserID is the local user's identifier, used for presence
	// bookkeeping and membership eviction.
	UserID string

	HTTPClient       *http.Client
	Clock            Clock
	Logger           *log.Logger
	Reconnect        ReconnectPolicy
	HandshakeTimeout time.Duration
}

// Session owns one live channel connection and the synchronization state
// behind it. Sessions are independent values; tests can run several
// against the same authority.
type Session struct {
	cfg        Config
	log        *log.Logger
	store      *board.Store
	presence   *PresenceTracker
	channel    *Channel
	dispatcher *Dispatcher
	coord      *Coordinator
	remote     *remoteClient
}

// NewSession wires up a disconnected session.
func NewSession(cfg Config) *Session {
	if cfg.Clock == nil {
		cfg.Clock = RealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.StandardLogger()
	}
	s := &Session{
		cfg:      cfg,
		log:      cfg.Logger,
		store:    board.NewStore(),
		presence: NewPresenceTracker(cfg.UserID),
	}
	s.channel = NewChannel(ChannelConfig{
		BaseURL:          cfg.BaseURL,
		HandshakeTimeout: cfg.HandshakeTimeout,
		Reconnect:        cfg.Reconnect,
		HTTPClient:       cfg.HTTPClient,
		Clock:            cfg.Clock,
		Logger:           cfg.Logger,
	})
	s.remote = newRemoteClient(s.channel.cfg.BaseURL, cfg.HTTPClient, func() string { return cfg.Credential })
	s.coord = NewCoordinator(s.store, cfg.Clock, cfg.Logger)
	s.dispatcher = NewDispatcher(s.store, s.presence, cfg.UserID, cfg.Logger)
	s.dispatcher.Bind(s.channel)

	s.channel.OnStateChange(func(state ConnState) {
		// A dropped connection cannot assert accurate presence.
		if state == StateDisconnected || state == StateGaveUp {
			s.presence.ClearActive()
		}
	})
	s.channel.OnConnected(func(reconnected bool) {
		if reconnected {
			go s.rejoinRooms()
		}
	})
	return s
}

// Connect brings up the live channel.
func (s *Session) Connect(ctx context.Context) error {
	return s.channel.Connect(ctx, s.cfg.Credential)
}

// Close tears the session down.
func (s *Session) Close() {
	s.channel.Disconnect()
}

// State returns the live channel connection state.
func (s *Session) State() ConnState { return s.channel.State() }

// OnStateChange registers a connection-state observer.
func (s *Session) OnStateChange(f func(ConnState)) { s.channel.OnStateChange(f) }

// OnRemovedFromProject registers the navigation hook fired when the local
// user loses access to a project.
func (s *Session) OnRemovedFromProject(f func(projectID string)) {
	s.dispatcher.OnRemovedFromProject(f)
}

// OnMembershipChanged registers the hook fired when project membership
// changes for other users.
func (s *Session) OnMembershipChanged(f func(projectID string)) {
	s.dispatcher.OnMembershipChanged(f)
}

// Tasks returns a snapshot of a project's task list.
func (s *Session) Tasks(projectID string) []domain.Task { return s.store.List(projectID) }

// Presence returns the users currently present in a project's room.
func (s *Session) Presence(projectID string) []string { return s.presence.Presence(projectID) }

// JoinProject joins the project's room, records the local user as present
// and loads the authoritative task list. The room is marked tracked
// before the join request goes out: the authority queues the presenceSync
// snapshot onto the stream as soon as it processes the join, which can
// land before the request's response does.
func (s *Session) JoinProject(ctx context.Context, projectID string) error {
	s.presence.Join(projectID)
	if err := s.channel.Send(ctx, domain.EventJoinRoom, domain.RoomPayload{RoomID: projectID}); err != nil {
		s.presence.Leave(projectID)
		return err
	}
	return s.RefreshTasks(ctx, projectID)
}

// LeaveProject leaves the project's room. The task cache is kept; only
// presence and room tracking are reset.
func (s *Session) LeaveProject(ctx context.Context, projectID string) error {
	s.presence.Leave(projectID)
	return s.channel.Send(ctx, domain.EventLeaveRoom, domain.RoomPayload{RoomID: projectID})
}

// RefreshTasks reloads the project's task list from the authority. The
// read is registered under the project's operation key, so a mutation
// issued while it is in flight cancels it instead of letting a stale list
// overwrite speculative state.
func (s *Session) RefreshTasks(ctx context.Context, projectID string) error {
	tasks, err := s.coord.Read(ctx, taskListKey(projectID), func(ctx context.Context) ([]domain.Task, error) {
		return s.remote.ListTasks(ctx, projectID)
	})
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.Canceled) {
			// Superseded by a mutation; nothing to apply.
			return nil
		}
		return err
	}
	s.store.Replace(projectID, tasks)
	return nil
}

// MoveTask moves a task to (status, position) optimistically. Moving a
// task to its current slot is a no-op and issues no remote write.
func (s *Session) MoveTask(ctx context.Context, projectID, taskID string, status domain.Status, position int) (domain.Task, error) {
	current, ok := s.store.Get(projectID, taskID)
	if !ok {
		return domain.Task{}, &Error{Kind: KindConflict, Code: domain.CodeNotFound, Message: "task not found"}
	}
	if status == current.Status {
		clamped := domain.ClampPosition(position, domain.ColumnLength(s.store.Snapshot(projectID), status)-1)
		if clamped == current.Position {
			return current, nil
		}
	}

	return s.coord.Run(ctx, Mutation{
		Key:       taskListKey(projectID),
		ProjectID: projectID,
		Speculate: func(store *board.Store) {
			store.Move(projectID, taskID, status, position)
		},
		Remote: func(ctx context.Context) (domain.Task, error) {
			return s.remote.MoveTask(ctx, projectID, taskID, domain.MoveRequest{
				Status:         status,
				Position:       position,
				IdempotencyKey: uuid.NewString(),
			})
		},
		Reconcile: func(store *board.Store, result domain.Task) {
			store.Move(projectID, taskID, result.Status, result.Position)
		},
	})
}

// CreateTask creates a task optimistically, appending it to the end of
// its column until the authority assigns the real entity.
func (s *Session) CreateTask(ctx context.Context, projectID string, patch domain.TaskPatch) (domain.Task, error) {
	tempID := uuid.NewString()
	status := domain.StatusTodo
	if patch.Status != nil {
		status = *patch.Status
	}
	speculative := domain.Task{ID: tempID, Status: status, ProjectID: projectID}
	if patch.Title != nil {
		speculative.Title = *patch.Title
	}
	if patch.Notes != nil {
		speculative.Notes = *patch.Notes
	}
	if patch.Priority != nil {
		speculative.Priority = *patch.Priority
	}
	if patch.AssigneeID != nil {
		speculative.AssigneeID = *patch.AssigneeID
	}
	if patch.IdempotencyKey == "" {
		patch.IdempotencyKey = uuid.NewString()
	}

	return s.coord.Run(ctx, Mutation{
		Key:       taskListKey(projectID),
		ProjectID: projectID,
		Speculate: func(store *board.Store) {
			speculative.Position = domain.ColumnLength(store.Snapshot(projectID), status)
			store.Insert(projectID, speculative)
		},
		Remote: func(ctx context.Context) (domain.Task, error) {
			return s.remote.CreateTask(ctx, projectID, patch)
		},
		Reconcile: func(store *board.Store, result domain.Task) {
			store.Remove(projectID, tempID)
			store.Insert(projectID, result)
		},
	})
}

// UpdateTask patches a task's fields optimistically.
func (s *Session) UpdateTask(ctx context.Context, projectID, taskID string, patch domain.TaskPatch) (domain.Task, error) {
	current, ok := s.store.Get(projectID, taskID)
	if !ok {
		return domain.Task{}, &Error{Kind: KindConflict, Code: domain.CodeNotFound, Message: "task not found"}
	}
	speculative := current
	if patch.Title != nil {
		speculative.Title = *patch.Title
	}
	if patch.Notes != nil {
		speculative.Notes = *patch.Notes
	}
	if patch.Priority != nil {
		speculative.Priority = *patch.Priority
	}
	if patch.AssigneeID != nil {
		speculative.AssigneeID = *patch.AssigneeID
	}
	if patch.IdempotencyKey == "" {
		patch.IdempotencyKey = uuid.NewString()
	}

	return s.coord.Run(ctx, Mutation{
		Key:       taskListKey(projectID),
		ProjectID: projectID,
		Speculate: func(store *board.Store) {
			store.Put(projectID, speculative)
		},
		Remote: func(ctx context.Context) (domain.Task, error) {
			return s.remote.UpdateTask(ctx, projectID, taskID, patch)
		},
		Reconcile: func(store *board.Store, result domain.Task) {
			store.Put(projectID, result)
		},
	})
}

// DeleteTask removes a task optimistically.
func (s *Session) DeleteTask(ctx context.Context, projectID, taskID string) error {
	if _, ok := s.store.Get(projectID, taskID); !ok {
		return &Error{Kind: KindConflict, Code: domain.CodeNotFound, Message: "task not found"}
	}
	_, err := s.coord.Run(ctx, Mutation{
		Key:       taskListKey(projectID),
		ProjectID: projectID,
		Speculate: func(store *board.Store) {
			store.Remove(projectID, taskID)
		},
		Remote: func(ctx context.Context) (domain.Task, error) {
			return domain.Task{}, s.remote.DeleteTask(ctx, projectID, taskID)
		},
	})
	return err
}

// rejoinRooms re-establishes room membership after a reconnect: the
// authority forgets membership when the transport drops. Task lists are
// refreshed afterwards to correct any drift from missed events.
func (s *Session) rejoinRooms() {
	for _, room := range s.presence.Joined() {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := s.channel.Send(ctx, domain.EventJoinRoom, domain.RoomPayload{RoomID: room})
		if err != nil {
			s.log.WithError(err).WithField("room", room).Error("rejoin failed")
			cancel()
			continue
		}
		s.presence.Join(room)
		if err := s.RefreshTasks(ctx, room); err != nil {
			s.log.WithError(err).WithField("room", room).Warn("post-reconnect refresh failed")
		}
		cancel()
	}
}

func taskListKey(projectID string) string {
	return "tasks:" + projectID
}
