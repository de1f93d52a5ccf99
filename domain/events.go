package domain

import "github.com/bytedance/sonic"

// Live-channel event names. These are wire-level identifiers shared with
// every connected client; changing one is a protocol break.
const (
	// Outbound (client -> authority).
	EventJoinRoom     = "joinRoom"
	EventLeaveRoom    = "leaveRoom"
	EventUpdateEntity = "updateEntity"
	EventMoveEntity   = "moveEntity"

	// Inbound (authority -> client).
	EventEntityUpdated     = "entityUpdated"
	EventEntityCreated     = "entityCreated"
	EventEntityMoved       = "entityMoved"
	EventEntityDeleted     = "entityDeleted"
	EventCollectionUpdated = "collectionUpdated"
	EventMembershipChanged = "membershipChanged"
	EventUserJoined        = "userJoined"
	EventUserLeft          = "userLeft"
	EventPresenceSync      = "presenceSync"
	EventChannelError      = "channelError"
)

// EventFrame is the envelope carried on the live channel, one frame per
// SSE data line.
type EventFrame struct {
	Event string               `json:"event"`
	Room  string               `json:"room,omitempty"`
	Data  sonic.NoCopyRawMessage `json:"data,omitempty"`
}

// EncodeFrame marshals an event payload into a ready-to-send frame.
func EncodeFrame(event, room string, payload any) (EventFrame, error) {
	frame := EventFrame{Event: event, Room: room}
	if payload == nil {
		return frame, nil
	}
	data, err := sonic.Marshal(payload)
	if err != nil {
		return EventFrame{}, err
	}
	frame.Data = data
	return frame, nil
}

// EntityMovedPayload carries an authoritative move broadcast.
type EntityMovedPayload struct {
	ID          string `json:"id"`
	NewStatus   Status `json:"newStatus"`
	NewPosition int    `json:"newPosition"`
}

// EntityDeletedPayload identifies a removed task and its room.
type EntityDeletedPayload struct {
	ID     string `json:"id"`
	RoomID string `json:"roomId"`
}

// CollectionUpdatedPayload replaces a project's task list wholesale.
type CollectionUpdatedPayload struct {
	RoomID string `json:"roomId"`
	Tasks  []Task `json:"tasks"`
}

// MembershipChangedPayload announces project membership edits.
type MembershipChangedPayload struct {
	RoomID         string   `json:"roomId"`
	RemovedUserIDs []string `json:"removedUserIds"`
}

// PresencePayload carries a single join/leave notification.
type PresencePayload struct {
	RoomID string `json:"roomId"`
	UserID string `json:"userId"`
}

// PresenceSyncPayload is the authority's full presence snapshot for a
// room; it replaces local presence state outright.
type PresenceSyncPayload struct {
	RoomID        string   `json:"roomId"`
	ActiveUserIDs []string `json:"activeUserIds"`
	Timestamp     int64    `json:"timestamp"`
}

// RoomPayload names the room for joinRoom/leaveRoom requests.
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// ChannelErrorPayload is a fatal or advisory message from the authority.
type ChannelErrorPayload struct {
	Message string `json:"message"`
}
