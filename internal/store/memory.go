package store

import (
	"context"
	"slices"
	"sync"

	"github.com/studyhive/hive-realtime/internal/chat"
)

type memRoom struct {
	creatorID string
	members   map[string]chat.Role
	messages  []string // message ids in creation order
}

// Memory is an in-process store. Every read and write returns a copy so
// callers never share aggregate state.
type Memory struct {
	mu       sync.Mutex
	rooms    map[string]*memRoom
	messages map[string]*chat.Message
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		rooms:    make(map[string]*memRoom),
		messages: make(map[string]*chat.Message),
	}
}

// CreateRoom creates roomID with creatorID as its admin. Creating an
// existing room is a no-op.
func (s *Memory) CreateRoom(_ context.Context, roomID, creatorID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rooms[roomID]; ok {
		return nil
	}
	s.rooms[roomID] = &memRoom{
		creatorID: creatorID,
		members:   map[string]chat.Role{creatorID: chat.RoleAdmin},
	}
	return nil
}

// AddMember adds or updates userID's role in roomID.
func (s *Memory) AddMember(_ context.Context, roomID, userID string, role chat.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return chat.ErrRoomNotFound
	}
	r.members[userID] = role
	return nil
}

// RemoveMember deletes userID's membership of roomID.
func (s *Memory) RemoveMember(_ context.Context, roomID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rooms[roomID]; ok {
		delete(r.members, userID)
	}
	return nil
}

// Membership returns userID's membership of roomID, or nil when userID is
// not a member.
func (s *Memory) Membership(_ context.Context, roomID, userID string) (*chat.Membership, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, chat.ErrRoomNotFound
	}
	role, ok := r.members[userID]
	if !ok {
		return nil, nil
	}
	return &chat.Membership{RoomID: roomID, UserID: userID, Role: role, CreatorID: r.creatorID}, nil
}

// RoomsForUser returns every room userID belongs to, sorted.
func (s *Memory) RoomsForUser(_ context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id, r := range s.rooms {
		if _, ok := r.members[userID]; ok {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

// CreateMessage stores a new message.
func (s *Memory) CreateMessage(_ context.Context, m *chat.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[m.RoomID]
	if !ok {
		return chat.ErrRoomNotFound
	}
	s.messages[m.ID] = m.Clone()
	r.messages = append(r.messages, m.ID)
	return nil
}

// GetMessage returns a copy of the message with id.
func (s *Memory) GetMessage(_ context.Context, id string) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, chat.ErrMessageNotFound
	}
	return m.Clone(), nil
}

// UpdateMessage applies fn to a copy of the message and stores the copy
// only if fn succeeds. The store lock is held across fn, so updates to the
// same message never interleave.
func (s *Memory) UpdateMessage(ctx context.Context, id string, fn func(*chat.Message) error) (*chat.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cur, ok := s.messages[id]
	if !ok {
		return nil, chat.ErrMessageNotFound
	}
	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	s.messages[id] = next
	return next.Clone(), nil
}

// UnreadMessageIDs returns up to limit of the newest messages in roomID
// that userID has no receipt for, newest first.
func (s *Memory) UnreadMessageIDs(_ context.Context, roomID, userID string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[roomID]
	if !ok {
		return nil, chat.ErrRoomNotFound
	}
	if limit <= 0 {
		limit = DefaultUnreadLimit
	}
	var out []string
	for i := len(r.messages) - 1; i >= 0 && len(out) < limit; i-- {
		if m := s.messages[r.messages[i]]; !m.HasRead(userID) {
			out = append(out, m.ID)
		}
	}
	return out, nil
}

// Close is a no-op.
func (s *Memory) Close() error { return nil }
