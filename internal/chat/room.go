package chat

// Role is a member's standing inside one room.
type Role string

const (
	RoleMember    Role = "member"
	RoleModerator Role = "moderator"
	RoleAdmin     Role = "admin"
)

// Membership is the persisted relation between a user and a room, joined
// with the room's creator so administrator checks need one lookup.
type Membership struct {
	RoomID    string `json:"room_id"`
	UserID    string `json:"user_id"`
	Role      Role   `json:"role"`
	CreatorID string `json:"creator_id"`
}
