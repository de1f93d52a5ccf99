package engine

import (
	"sort"
	"sync"
)

// PresenceTracker keeps the set of rooms this session has joined and the
// users currently present in each. Presence is never persisted; it is
// rebuilt from join/leave events and presenceSync snapshots after every
// (re)connect.
type PresenceTracker struct {
	localUser string

	mu     sync.Mutex
	joined map[string]struct{}
	active map[string]map[string]struct{}
}

// NewPresenceTracker creates a tracker for the given local user.
func NewPresenceTracker(localUser string) *PresenceTracker {
	return &PresenceTracker{
		localUser: localUser,
		joined:    make(map[string]struct{}),
		active:    make(map[string]map[string]struct{}),
	}
}

// Join marks the room as tracked and adds the local user to its presence
// set immediately: the authority does not echo a join event back to its
// originator.
func (p *PresenceTracker) Join(room string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joined[room] = struct{}{}
	set := p.active[room]
	if set == nil {
		set = make(map[string]struct{})
		p.active[room] = set
	}
	set[p.localUser] = struct{}{}
}

// Leave stops tracking the room and drops its presence entries, so a
// late-arriving event for the old room is ignored.
func (p *PresenceTracker) Leave(room string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.joined, room)
	delete(p.active, room)
}

// Joined returns the rooms this session currently tracks, sorted.
func (p *PresenceTracker) Joined() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	rooms := make([]string, 0, len(p.joined))
	for r := range p.joined {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}

// Presence returns the users known to be present in the room, sorted.
func (p *PresenceTracker) Presence(room string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	users := make([]string, 0, len(p.active[room]))
	for u := range p.active[room] {
		users = append(users, u)
	}
	sort.Strings(users)
	return users
}

// HandleJoined records a remote user's arrival. Events for rooms the
// session is not tracking are stale and ignored.
func (p *PresenceTracker) HandleJoined(room, user string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.joined[room]; !ok {
		return
	}
	set := p.active[room]
	if set == nil {
		set = make(map[string]struct{})
		p.active[room] = set
	}
	set[user] = struct{}{}
}

// HandleLeft records a remote user's departure.
func (p *PresenceTracker) HandleLeft(room, user string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.joined[room]; !ok {
		return
	}
	delete(p.active[room], user)
}

// HandleSync replaces the room's presence set with the authority's full
// snapshot in one step, with no transient empty state.
func (p *PresenceTracker) HandleSync(room string, users []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.joined[room]; !ok {
		return
	}
	set := make(map[string]struct{}, len(users))
	for _, u := range users {
		set[u] = struct{}{}
	}
	p.active[room] = set
}

// ClearActive drops every room's presence entries while keeping the
// joined-rooms set, which is needed to re-establish membership after a
// reconnect. A dropped connection cannot vouch for anyone's presence.
func (p *PresenceTracker) ClearActive() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = make(map[string]map[string]struct{})
}
