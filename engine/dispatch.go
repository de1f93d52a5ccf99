package engine

import (
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"boardsync/board"
	"boardsync/domain"
)

// Dispatcher applies inbound domain events to the local store and
// presence cache. Every handler is idempotent and tolerates out-of-order
// delivery: duplicates are absorbed and events referencing unknown tasks
// are logged and ignored.
type Dispatcher struct {
	store     *board.Store
	presence  *PresenceTracker
	localUser string
	log       *log.Logger

	onRemoved    func(projectID string)
	onMembership func(projectID string)
}

// NewDispatcher creates a dispatcher over the given store and presence
// tracker.
func NewDispatcher(store *board.Store, presence *PresenceTracker, localUser string, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Dispatcher{store: store, presence: presence, localUser: localUser, log: logger}
}

// OnRemovedFromProject registers the hook invoked when the local user is
// removed from a project; the caller typically navigates away.
func (d *Dispatcher) OnRemovedFromProject(f func(projectID string)) { d.onRemoved = f }

// OnMembershipChanged registers the hook invoked when another user's
// membership in a project changes.
func (d *Dispatcher) OnMembershipChanged(f func(projectID string)) { d.onMembership = f }

// Bind subscribes the dispatcher to every inbound event on the channel.
func (d *Dispatcher) Bind(ch *Channel) {
	ch.On(domain.EventEntityCreated, d.handleCreated)
	ch.On(domain.EventEntityUpdated, d.handleUpdated)
	ch.On(domain.EventEntityMoved, d.handleMoved)
	ch.On(domain.EventEntityDeleted, d.handleDeleted)
	ch.On(domain.EventCollectionUpdated, d.handleCollection)
	ch.On(domain.EventMembershipChanged, d.handleMembership)
	ch.On(domain.EventUserJoined, d.handleUserJoined)
	ch.On(domain.EventUserLeft, d.handleUserLeft)
	ch.On(domain.EventPresenceSync, d.handlePresenceSync)
	ch.On(domain.EventChannelError, d.handleChannelError)
}

func (d *Dispatcher) handleCreated(frame domain.EventFrame) {
	var task domain.Task
	if err := sonic.Unmarshal(frame.Data, &task); err != nil {
		d.log.WithError(err).Warn("bad entityCreated payload")
		return
	}
	// Insert refuses duplicate ids, so redelivery cannot double-create.
	d.store.Insert(task.ProjectID, task)
}

func (d *Dispatcher) handleUpdated(frame domain.EventFrame) {
	var task domain.Task
	if err := sonic.Unmarshal(frame.Data, &task); err != nil {
		d.log.WithError(err).Warn("bad entityUpdated payload")
		return
	}
	if _, ok := d.store.Get(task.ProjectID, task.ID); !ok {
		d.log.WithField("task", task.ID).Debug("update for unknown task ignored")
		return
	}
	d.store.Put(task.ProjectID, task)
}

func (d *Dispatcher) handleMoved(frame domain.EventFrame) {
	var payload domain.EntityMovedPayload
	if err := sonic.Unmarshal(frame.Data, &payload); err != nil {
		d.log.WithError(err).Warn("bad entityMoved payload")
		return
	}
	if _, ok := d.store.Move(frame.Room, payload.ID, payload.NewStatus, payload.NewPosition); !ok {
		d.log.WithField("task", payload.ID).Debug("move for unknown task ignored")
	}
}

func (d *Dispatcher) handleDeleted(frame domain.EventFrame) {
	var payload domain.EntityDeletedPayload
	if err := sonic.Unmarshal(frame.Data, &payload); err != nil {
		d.log.WithError(err).Warn("bad entityDeleted payload")
		return
	}
	d.store.Remove(payload.RoomID, payload.ID)
}

func (d *Dispatcher) handleCollection(frame domain.EventFrame) {
	var payload domain.CollectionUpdatedPayload
	if err := sonic.Unmarshal(frame.Data, &payload); err != nil {
		d.log.WithError(err).Warn("bad collectionUpdated payload")
		return
	}
	d.store.Replace(payload.RoomID, payload.Tasks)
}

func (d *Dispatcher) handleMembership(frame domain.EventFrame) {
	var payload domain.MembershipChangedPayload
	if err := sonic.Unmarshal(frame.Data, &payload); err != nil {
		d.log.WithError(err).Warn("bad membershipChanged payload")
		return
	}
	for _, removed := range payload.RemovedUserIDs {
		if removed == d.localUser {
			d.store.Evict(payload.RoomID)
			d.presence.Leave(payload.RoomID)
			if d.onRemoved != nil {
				d.onRemoved(payload.RoomID)
			}
			return
		}
	}
	if d.onMembership != nil {
		d.onMembership(payload.RoomID)
	}
}

func (d *Dispatcher) handleUserJoined(frame domain.EventFrame) {
	var payload domain.PresencePayload
	if err := sonic.Unmarshal(frame.Data, &payload); err != nil {
		return
	}
	d.presence.HandleJoined(payload.RoomID, payload.UserID)
}

func (d *Dispatcher) handleUserLeft(frame domain.EventFrame) {
	var payload domain.PresencePayload
	if err := sonic.Unmarshal(frame.Data, &payload); err != nil {
		return
	}
	d.presence.HandleLeft(payload.RoomID, payload.UserID)
}

func (d *Dispatcher) handlePresenceSync(frame domain.EventFrame) {
	var payload domain.PresenceSyncPayload
	if err := sonic.Unmarshal(frame.Data, &payload); err != nil {
		return
	}
	d.presence.HandleSync(payload.RoomID, payload.ActiveUserIDs)
}

func (d *Dispatcher) handleChannelError(frame domain.EventFrame) {
	var payload domain.ChannelErrorPayload
	if err := sonic.Unmarshal(frame.Data, &payload); err != nil {
		return
	}
	d.log.WithField("message", payload.Message).Error("channel error")
}
