package presence

import (
	"slices"
	"sync"

	"github.com/samber/lo"

	"github.com/studyhive/hive-realtime/internal/metrics"
)

type set map[string]struct{}

func (s set) sorted() []string {
	out := lo.Keys(s)
	slices.Sort(out)
	return out
}

// RoomIndex is a bidirectional map between rooms and the users attached to
// them in this process. A room whose member set becomes empty is removed.
type RoomIndex struct {
	mu       sync.RWMutex
	rooms    map[string]set // room id -> user ids
	users    map[string]set // user id -> room ids
	registry *Registry
}

// NewRoomIndex creates an empty RoomIndex. registry resolves which members
// are online.
func NewRoomIndex(registry *Registry) *RoomIndex {
	return &RoomIndex{
		rooms:    make(map[string]set),
		users:    make(map[string]set),
		registry: registry,
	}
}

// Join adds userID to roomID and returns the resulting member set. Joining
// twice is a no-op.
func (ri *RoomIndex) Join(roomID, userID string) []string {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	members, ok := ri.rooms[roomID]
	if !ok {
		members = make(set)
		ri.rooms[roomID] = members
		metrics.RoomsActive.Inc()
	}
	members[userID] = struct{}{}

	rooms, ok := ri.users[userID]
	if !ok {
		rooms = make(set)
		ri.users[userID] = rooms
	}
	rooms[roomID] = struct{}{}

	return members.sorted()
}

// Leave removes userID from roomID. It reports whether userID was a member.
func (ri *RoomIndex) Leave(roomID, userID string) bool {
	ri.mu.Lock()
	defer ri.mu.Unlock()
	return ri.leaveLocked(roomID, userID)
}

func (ri *RoomIndex) leaveLocked(roomID, userID string) bool {
	members, ok := ri.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := members[userID]; !ok {
		return false
	}

	delete(members, userID)
	if len(members) == 0 {
		delete(ri.rooms, roomID)
		metrics.RoomsActive.Dec()
	}

	if rooms, ok := ri.users[userID]; ok {
		delete(rooms, roomID)
		if len(rooms) == 0 {
			delete(ri.users, userID)
		}
	}
	return true
}

// LeaveAll removes userID from every room and returns the rooms it left.
func (ri *RoomIndex) LeaveAll(userID string) []string {
	ri.mu.Lock()
	defer ri.mu.Unlock()

	rooms := ri.users[userID].sorted()
	for _, roomID := range rooms {
		ri.leaveLocked(roomID, userID)
	}
	return rooms
}

// MembersOf returns every user attached to roomID, sorted.
func (ri *RoomIndex) MembersOf(roomID string) []string {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return ri.rooms[roomID].sorted()
}

// OnlineMembersOf returns the members of roomID that hold a live connection.
func (ri *RoomIndex) OnlineMembersOf(roomID string) []string {
	return lo.Filter(ri.MembersOf(roomID), func(userID string, _ int) bool {
		return ri.registry.Online(userID)
	})
}

// IsMember reports whether userID is attached to roomID.
func (ri *RoomIndex) IsMember(roomID, userID string) bool {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	_, ok := ri.rooms[roomID][userID]
	return ok
}

// RoomsOf returns the rooms userID is attached to, sorted.
func (ri *RoomIndex) RoomsOf(userID string) []string {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return ri.users[userID].sorted()
}

// RoomCount returns the number of non-empty rooms.
func (ri *RoomIndex) RoomCount() int {
	ri.mu.RLock()
	defer ri.mu.RUnlock()
	return len(ri.rooms)
}
