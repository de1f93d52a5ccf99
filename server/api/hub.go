package api

import (
	"sort"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// subscriber is one live channel connection on the fan-out side.
type subscriber struct {
	channelID string
	userID    string
	frames    chan []byte
	rooms     map[string]struct{}
}

// Hub multicasts domain events to the channels joined to each room and
// keeps the authoritative per-room presence.
type Hub struct {
	log *log.Logger
	now func() time.Time

	mu    sync.Mutex
	subs  map[string]*subscriber
	rooms map[string]map[*subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Hub{
		log:   logger,
		now:   time.Now,
		subs:  make(map[string]*subscriber),
		rooms: make(map[string]map[*subscriber]struct{}),
	}
}

// Subscribe registers a channel connection and returns its frame queue.
// An existing subscription with the same channel ID is replaced: the
// client reconnected before the server noticed the old stream die.
func (h *Hub) Subscribe(channelID, userID string) (<-chan []byte, func()) {
	sub := &subscriber{
		channelID: channelID,
		userID:    userID,
		frames:    make(chan []byte, subscriberBuffer),
		rooms:     make(map[string]struct{}),
	}
	h.mu.Lock()
	if old, ok := h.subs[channelID]; ok {
		h.detachLocked(old)
	}
	h.subs[channelID] = sub
	h.mu.Unlock()

	return sub.frames, func() { h.unsubscribe(sub) }
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	if h.subs[sub.channelID] == sub {
		delete(h.subs, sub.channelID)
	}
	h.detachLocked(sub)
	h.mu.Unlock()
}

// detachLocked removes sub from every room, emitting userLeft where the
// user no longer has any connection in the room.
func (h *Hub) detachLocked(sub *subscriber) {
	for room := range sub.rooms {
		h.leaveRoomLocked(sub, room)
	}
}

// Join adds the channel to a room, announces the arrival to the other
// members and sends the authoritative presence snapshot to the joiner.
// The join is not echoed back as a userJoined event: the originator
// already recorded itself.
func (h *Hub) Join(channelID, roomID string) bool {
	h.mu.Lock()
	sub, ok := h.subs[channelID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	members := h.rooms[roomID]
	if members == nil {
		members = make(map[*subscriber]struct{})
		h.rooms[roomID] = members
	}
	_, already := sub.rooms[roomID]
	sub.rooms[roomID] = struct{}{}
	members[sub] = struct{}{}

	firstForUser := !already && h.userConnectionsLocked(roomID, sub.userID) == 1
	active := h.presenceLocked(roomID)
	others := h.membersExceptLocked(roomID, sub)
	h.mu.Unlock()

	if firstForUser {
		h.sendTo(others, domain.EventUserJoined, roomID,
			domain.PresencePayload{RoomID: roomID, UserID: sub.userID})
	}
	h.sendTo([]*subscriber{sub}, domain.EventPresenceSync, roomID, domain.PresenceSyncPayload{
		RoomID:        roomID,
		ActiveUserIDs: active,
		Timestamp:     h.now().UnixMilli(),
	})
	return true
}

// Leave removes the channel from a room.
func (h *Hub) Leave(channelID, roomID string) {
	h.mu.Lock()
	sub, ok := h.subs[channelID]
	if ok {
		h.leaveRoomLocked(sub, roomID)
	}
	h.mu.Unlock()
}

func (h *Hub) leaveRoomLocked(sub *subscriber, roomID string) {
	members := h.rooms[roomID]
	if members == nil {
		return
	}
	if _, ok := members[sub]; !ok {
		return
	}
	delete(members, sub)
	delete(sub.rooms, roomID)
	if len(members) == 0 {
		delete(h.rooms, roomID)
		return
	}
	if h.userConnectionsLocked(roomID, sub.userID) == 0 {
		remaining := make([]*subscriber, 0, len(members))
		for m := range members {
			remaining = append(remaining, m)
		}
		h.sendTo(remaining, domain.EventUserLeft, roomID,
			domain.PresencePayload{RoomID: roomID, UserID: sub.userID})
	}
}

// Broadcast multicasts a domain event to every channel joined to the
// room, including the originator: redundant delivery there is absorbed by
// the client's idempotent reconciliation.
func (h *Hub) Broadcast(roomID, event string, payload any) {
	h.mu.Lock()
	members := make([]*subscriber, 0, len(h.rooms[roomID]))
	for m := range h.rooms[roomID] {
		members = append(members, m)
	}
	h.mu.Unlock()
	h.sendTo(members, event, roomID, payload)
}

// Presence returns the users currently joined to the room, sorted.
func (h *Hub) Presence(roomID string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.presenceLocked(roomID)
}

func (h *Hub) presenceLocked(roomID string) []string {
	seen := make(map[string]struct{})
	for m := range h.rooms[roomID] {
		seen[m.userID] = struct{}{}
	}
	users := make([]string, 0, len(seen))
	for u := range seen {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

func (h *Hub) userConnectionsLocked(roomID, userID string) int {
	n := 0
	for m := range h.rooms[roomID] {
		if m.userID == userID {
			n++
		}
	}
	return n
}

func (h *Hub) membersExceptLocked(roomID string, skip *subscriber) []*subscriber {
	out := make([]*subscriber, 0, len(h.rooms[roomID]))
	for m := range h.rooms[roomID] {
		if m != skip {
			out = append(out, m)
		}
	}
	return out
}

func (h *Hub) sendTo(subs []*subscriber, event, roomID string, payload any) {
	if len(subs) == 0 {
		return
	}
	frame, err := domain.EncodeFrame(event, roomID, payload)
	if err != nil {
		h.log.WithError(err).WithField("event", event).Error("failed to encode event")
		return
	}
	data, err := sonic.Marshal(frame)
	if err != nil {
		h.log.WithError(err).WithField("event", event).Error("failed to encode frame")
		return
	}
	wire := make([]byte, 0, len(data)+8)
	wire = append(wire, "data: "...)
	wire = append(wire, data...)
	wire = append(wire, "\n\n"...)
	for _, sub := range subs {
		select {
		case sub.frames <- wire:
		default:
			h.log.WithField("channel", sub.channelID).Warn("subscriber queue full, dropping frame")
		}
	}
}
