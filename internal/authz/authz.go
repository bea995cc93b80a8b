// Package authz is the authorization gate consulted before every mutation.
// The predicates are pure functions of a persisted membership record; Gate
// only adds the lookup.
package authz

import (
	"context"
	"errors"

	"github.com/studyhive/hive-realtime/internal/chat"
)

// IsMember reports whether m grants any standing in its room.
func IsMember(m *chat.Membership) bool {
	return m != nil && m.UserID != ""
}

// CanAdminister reports whether the user is an administrator of the room or
// the room's original creator.
func CanAdminister(m *chat.Membership) bool {
	return IsMember(m) && (m.Role == chat.RoleAdmin || m.UserID == m.CreatorID)
}

// CanModerate reports whether the user holds the moderator role or can
// administer the room.
func CanModerate(m *chat.Membership) bool {
	return IsMember(m) && (m.Role == chat.RoleModerator || CanAdminister(m))
}

// MembershipSource resolves persisted membership. It returns (nil, nil) when
// the user is not a member.
type MembershipSource interface {
	Membership(ctx context.Context, roomID, userID string) (*chat.Membership, error)
}

// Gate resolves membership and applies the predicates.
type Gate struct {
	src MembershipSource
}

// NewGate creates a Gate over src.
func NewGate(src MembershipSource) *Gate {
	return &Gate{src: src}
}

// RequireMember returns the membership or chat.ErrNotMember.
func (g *Gate) RequireMember(ctx context.Context, roomID, userID string) (*chat.Membership, error) {
	m, err := g.src.Membership(ctx, roomID, userID)
	if err != nil {
		if errors.Is(err, chat.ErrRoomNotFound) {
			return nil, chat.ErrNotMember
		}
		return nil, chat.Persistence(err)
	}
	if !IsMember(m) {
		return nil, chat.ErrNotMember
	}
	return m, nil
}

// RequireModerator returns the membership or an authorization error.
func (g *Gate) RequireModerator(ctx context.Context, roomID, userID string) (*chat.Membership, error) {
	m, err := g.RequireMember(ctx, roomID, userID)
	if err != nil {
		return nil, err
	}
	if !CanModerate(m) {
		return nil, chat.ErrCannotModerate
	}
	return m, nil
}
