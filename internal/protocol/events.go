package protocol

import (
	"time"

	"github.com/studyhive/hive-realtime/internal/chat"
)

// ---------------------------------------------------------------------------
// Server -> Client events
// ---------------------------------------------------------------------------

// ConnectedEvent is sent once after a successful handshake.
type ConnectedEvent struct {
	UserID     string    `json:"user_id"`
	Status     string    `json:"status"`
	Rooms      []string  `json:"rooms"`
	ServerTime time.Time `json:"server_time"`
}

// NewMessageEvent carries a newly created message.
type NewMessageEvent struct {
	Message *chat.Message `json:"message"`
}

// MessageEditedEvent carries replacement content for a message.
type MessageEditedEvent struct {
	MessageID string    `json:"message_id"`
	RoomID    string    `json:"room_id"`
	Content   string    `json:"content"`
	IsEdited  bool      `json:"is_edited"`
	EditedBy  string    `json:"edited_by"`
	EditedAt  time.Time `json:"edited_at"`
}

// MessageDeletedEvent announces a soft delete.
type MessageDeletedEvent struct {
	MessageID string    `json:"message_id"`
	RoomID    string    `json:"room_id"`
	Content   string    `json:"content"`
	DeletedBy string    `json:"deleted_by"`
	DeletedAt time.Time `json:"deleted_at"`
}

// ReactionAddedEvent carries the full reaction state after a toggle. Added
// is false when the toggle removed the user's reaction.
type ReactionAddedEvent struct {
	MessageID string                 `json:"message_id"`
	RoomID    string                 `json:"room_id"`
	UserID    string                 `json:"user_id"`
	Emoji     string                 `json:"emoji"`
	Added     bool                   `json:"added"`
	Reactions []chat.ReactionSummary `json:"reactions"`
}

// MessagePinnedEvent carries the pin marker after a toggle.
type MessagePinnedEvent struct {
	MessageID string     `json:"message_id"`
	RoomID    string     `json:"room_id"`
	IsPinned  bool       `json:"is_pinned"`
	PinnedBy  string     `json:"pinned_by,omitempty"`
	PinnedAt  *time.Time `json:"pinned_at,omitempty"`
}

// PollVoteUpdatedEvent carries the poll state after a vote toggle.
type PollVoteUpdatedEvent struct {
	MessageID   string           `json:"message_id"`
	RoomID      string           `json:"room_id"`
	UserID      string           `json:"user_id"`
	OptionIndex int              `json:"option_index"`
	Voted       bool             `json:"voted"`
	Poll        chat.PollSummary `json:"poll"`
}

// UserTypingStartEvent reports that a user is typing in a room.
type UserTypingStartEvent struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// UserTypingStopEvent reports that a user stopped typing in a room.
type UserTypingStopEvent struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// UserJoinedRoomEvent reports that a user came online in a room.
type UserJoinedRoomEvent struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// UserLeftRoomEvent reports that a user left a room or disconnected.
type UserLeftRoomEvent struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
}

// UserStatusUpdateEvent carries a user's presence status.
type UserStatusUpdateEvent struct {
	UserID   string    `json:"user_id"`
	Status   string    `json:"status"`
	LastSeen time.Time `json:"last_seen"`
}

// MentionNotificationEvent is sent to a mentioned user's connection.
type MentionNotificationEvent struct {
	MessageID   string `json:"message_id"`
	RoomID      string `json:"room_id"`
	MentionedBy string `json:"mentioned_by"`
	Preview     string `json:"preview"`
}

// RoomJoinedEvent confirms a join and carries the room's online members at
// the moment of joining.
type RoomJoinedEvent struct {
	RoomID        string   `json:"room_id"`
	OnlineMembers []string `json:"online_members"`
}

// MessagesReadEvent announces new read receipts in a room.
type MessagesReadEvent struct {
	RoomID     string    `json:"room_id"`
	UserID     string    `json:"user_id"`
	MessageIDs []string  `json:"message_ids"`
	ReadAt     time.Time `json:"read_at"`
}

// AckEvent confirms a request to its sender only.
type AckEvent struct {
	RequestID string `json:"request_id,omitempty"`
	Event     string `json:"event"`
	MessageID string `json:"message_id,omitempty"`
}

// ErrorEvent reports a failed request to its sender only.
type ErrorEvent struct {
	RequestID string `json:"request_id,omitempty"`
	Event     string `json:"event,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// PongEvent answers a client ping.
type PongEvent struct{}

func (ConnectedEvent) EventType() string           { return TypeConnected }
func (NewMessageEvent) EventType() string          { return TypeNewMessage }
func (MessageEditedEvent) EventType() string       { return TypeMessageEdited }
func (MessageDeletedEvent) EventType() string      { return TypeMessageDeleted }
func (ReactionAddedEvent) EventType() string       { return TypeReactionAdded }
func (MessagePinnedEvent) EventType() string       { return TypeMessagePinned }
func (PollVoteUpdatedEvent) EventType() string     { return TypePollVoteUpdated }
func (UserTypingStartEvent) EventType() string     { return TypeUserTypingStart }
func (UserTypingStopEvent) EventType() string      { return TypeUserTypingStop }
func (UserJoinedRoomEvent) EventType() string      { return TypeUserJoinedRoom }
func (UserLeftRoomEvent) EventType() string        { return TypeUserLeftRoom }
func (UserStatusUpdateEvent) EventType() string    { return TypeUserStatusUpdate }
func (MentionNotificationEvent) EventType() string { return TypeMentionNotification }
func (RoomJoinedEvent) EventType() string          { return TypeRoomJoined }
func (MessagesReadEvent) EventType() string        { return TypeMessagesRead }
func (AckEvent) EventType() string                 { return TypeAck }
func (ErrorEvent) EventType() string               { return TypeError }
func (PongEvent) EventType() string                { return TypePong }

// NewErrorEvent builds the error frame for a failed request.
func NewErrorEvent(requestID, event string, err error) ErrorEvent {
	return ErrorEvent{
		RequestID: requestID,
		Event:     event,
		Code:      string(chat.KindOf(err)),
		Message:   chat.PublicMessage(err),
	}
}
