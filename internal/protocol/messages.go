// Package protocol defines the WebSocket events exchanged between a client
// and the realtime server. Every frame is a JSON object with a "type"
// discriminator; inbound frames decode into one concrete ClientEvent and
// outbound payloads are concrete ServerEvent structs.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/studyhive/hive-realtime/internal/chat"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeJoinRoom      = "join_room"
	TypeLeaveRoom     = "leave_room"
	TypeSendMessage   = "send_message"
	TypeEditMessage   = "edit_message"
	TypeDeleteMessage = "delete_message"
	TypeAddReaction   = "add_reaction"
	TypePinMessage    = "pin_message"
	TypeTypingStart   = "typing_start"
	TypeTypingStop    = "typing_stop"
	TypePollVote      = "poll_vote"
	TypeUpdateStatus  = "update_status"
	TypeMarkRead      = "mark_read"
	TypePing          = "ping"
)

// Server -> Client event types.
const (
	TypeConnected           = "connected"
	TypeNewMessage          = "new_message"
	TypeMessageEdited       = "message_edited"
	TypeMessageDeleted      = "message_deleted"
	TypeReactionAdded       = "reaction_added"
	TypeMessagePinned       = "message_pinned"
	TypePollVoteUpdated     = "poll_vote_updated"
	TypeUserTypingStart     = "user_typing_start"
	TypeUserTypingStop      = "user_typing_stop"
	TypeUserJoinedRoom      = "user_joined_room"
	TypeUserLeftRoom        = "user_left_room"
	TypeUserStatusUpdate    = "user_status_update"
	TypeMentionNotification = "mention_notification"
	TypeRoomJoined          = "room_joined"
	TypeMessagesRead        = "messages_read"
	TypeAck                 = "ack"
	TypeError               = "error"
	TypePong                = "pong"
)

// ---------------------------------------------------------------------------
// Envelope: first-pass parse that extracts the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest can be decoded into the right concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server events
// ---------------------------------------------------------------------------

// ClientEvent is implemented by every inbound event struct.
type ClientEvent interface {
	EventType() string
	RequestRef() string
}

// Request carries the optional client-chosen id echoed in ack and error
// frames.
type Request struct {
	RequestID string `json:"request_id,omitempty" validate:"max=64"`
}

// RequestRef returns the client request id.
func (r Request) RequestRef() string { return r.RequestID }

// JoinRoomMsg attaches the connection to a room it is a member of.
type JoinRoomMsg struct {
	Request
	RoomID string `json:"room_id" validate:"required,max=128"`
}

// LeaveRoomMsg detaches the connection from a room.
type LeaveRoomMsg struct {
	Request
	RoomID string `json:"room_id" validate:"required,max=128"`
}

// PollPayload is the poll definition attached to a new poll message.
type PollPayload struct {
	Question      string     `json:"question" validate:"required"`
	Options       []string   `json:"options" validate:"required,min=2,max=10"`
	AllowMultiple bool       `json:"allow_multiple"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
}

// SendMessageMsg posts a new message to a room.
type SendMessageMsg struct {
	Request
	RoomID       string            `json:"room_id" validate:"required,max=128"`
	Content      string            `json:"content"`
	MessageType  chat.MessageType  `json:"message_type,omitempty"`
	ReplyTo      string            `json:"reply_to,omitempty" validate:"max=128"`
	Mentions     []string          `json:"mentions,omitempty" validate:"max=50,dive,max=128"`
	Poll         *PollPayload      `json:"poll,omitempty"`
	CodeLanguage string            `json:"code_language,omitempty"`
	Attachments  []chat.Attachment `json:"attachments,omitempty" validate:"max=10"`
}

// EditMessageMsg replaces the content of the sender's own message.
type EditMessageMsg struct {
	Request
	MessageID string `json:"message_id" validate:"required,max=128"`
	Content   string `json:"content"`
}

// DeleteMessageMsg soft-deletes a message.
type DeleteMessageMsg struct {
	Request
	MessageID string `json:"message_id" validate:"required,max=128"`
}

// AddReactionMsg toggles the sender's reaction on a message.
type AddReactionMsg struct {
	Request
	MessageID string `json:"message_id" validate:"required,max=128"`
	Emoji     string `json:"emoji" validate:"required"`
}

// PinMessageMsg toggles the pin marker of a message.
type PinMessageMsg struct {
	Request
	MessageID string `json:"message_id" validate:"required,max=128"`
}

// TypingStartMsg reports that the sender started typing in a room.
type TypingStartMsg struct {
	Request
	RoomID string `json:"room_id" validate:"required,max=128"`
}

// TypingStopMsg reports that the sender stopped typing in a room.
type TypingStopMsg struct {
	Request
	RoomID string `json:"room_id" validate:"required,max=128"`
}

// PollVoteMsg toggles the sender's vote on one poll option.
type PollVoteMsg struct {
	Request
	MessageID   string `json:"message_id" validate:"required,max=128"`
	OptionIndex *int   `json:"option_index" validate:"required"`
}

// UpdateStatusMsg changes the sender's presence status.
type UpdateStatusMsg struct {
	Request
	Status string `json:"status" validate:"required"`
}

// MarkReadMsg records read receipts either for explicit messages or for
// every message of a room.
type MarkReadMsg struct {
	Request
	MessageIDs []string `json:"message_ids,omitempty" validate:"required_without=RoomID,max=500,dive,required,max=128"`
	RoomID     string   `json:"room_id,omitempty" validate:"required_without=MessageIDs,max=128"`
}

// PingMsg is a client keepalive.
type PingMsg struct {
	Request
}

func (JoinRoomMsg) EventType() string      { return TypeJoinRoom }
func (LeaveRoomMsg) EventType() string     { return TypeLeaveRoom }
func (SendMessageMsg) EventType() string   { return TypeSendMessage }
func (EditMessageMsg) EventType() string   { return TypeEditMessage }
func (DeleteMessageMsg) EventType() string { return TypeDeleteMessage }
func (AddReactionMsg) EventType() string   { return TypeAddReaction }
func (PinMessageMsg) EventType() string    { return TypePinMessage }
func (TypingStartMsg) EventType() string   { return TypeTypingStart }
func (TypingStopMsg) EventType() string    { return TypeTypingStop }
func (PollVoteMsg) EventType() string      { return TypePollVote }
func (UpdateStatusMsg) EventType() string  { return TypeUpdateStatus }
func (MarkReadMsg) EventType() string      { return TypeMarkRead }
func (PingMsg) EventType() string          { return TypePing }

// ---------------------------------------------------------------------------
// Parsing
// ---------------------------------------------------------------------------

var clientTypes = map[string]struct{}{
	TypeJoinRoom:      {},
	TypeLeaveRoom:     {},
	TypeSendMessage:   {},
	TypeEditMessage:   {},
	TypeDeleteMessage: {},
	TypeAddReaction:   {},
	TypePinMessage:    {},
	TypeTypingStart:   {},
	TypeTypingStop:    {},
	TypePollVote:      {},
	TypeUpdateStatus:  {},
	TypeMarkRead:      {},
	TypePing:          {},
}

// IsClientType reports whether t names an inbound event type.
func IsClientType(t string) bool {
	_, ok := clientTypes[t]
	return ok
}

// ParseClientMessage parses raw WebSocket bytes into a typed client event and
// validates its fields. It returns the event type (even on failure, when it
// could be read), the decoded event, and any error. Decode failures and
// field validation failures are returned as chat validation errors.
func ParseClientMessage(data []byte) (string, ClientEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, chat.Validation("invalid message format")
	}

	var ev ClientEvent
	var err error
	switch env.Type {
	case TypeJoinRoom:
		ev, err = decode[JoinRoomMsg](env.Raw)
	case TypeLeaveRoom:
		ev, err = decode[LeaveRoomMsg](env.Raw)
	case TypeSendMessage:
		ev, err = decode[SendMessageMsg](env.Raw)
	case TypeEditMessage:
		ev, err = decode[EditMessageMsg](env.Raw)
	case TypeDeleteMessage:
		ev, err = decode[DeleteMessageMsg](env.Raw)
	case TypeAddReaction:
		ev, err = decode[AddReactionMsg](env.Raw)
	case TypePinMessage:
		ev, err = decode[PinMessageMsg](env.Raw)
	case TypeTypingStart:
		ev, err = decode[TypingStartMsg](env.Raw)
	case TypeTypingStop:
		ev, err = decode[TypingStopMsg](env.Raw)
	case TypePollVote:
		ev, err = decode[PollVoteMsg](env.Raw)
	case TypeUpdateStatus:
		ev, err = decode[UpdateStatusMsg](env.Raw)
	case TypeMarkRead:
		ev, err = decode[MarkReadMsg](env.Raw)
	case TypePing:
		ev, err = decode[PingMsg](env.Raw)
	default:
		return env.Type, nil, chat.Validation("unsupported event type %q", env.Type)
	}
	if err != nil {
		return env.Type, nil, err
	}
	return env.Type, ev, nil
}

func decode[T ClientEvent](raw json.RawMessage) (ClientEvent, error) {
	var m T
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, chat.Validation("malformed %s payload", m.EventType())
	}
	if err := Validate(m); err != nil {
		return nil, err
	}
	return m, nil
}

// ---------------------------------------------------------------------------
// Encoding
// ---------------------------------------------------------------------------

// ServerEvent is implemented by every outbound payload struct.
type ServerEvent interface {
	EventType() string
}

// Encode serializes ev with its type discriminator.
func Encode(ev ServerEvent) ([]byte, error) {
	return NewServerMessage(ev.EventType(), ev)
}

// NewServerMessage creates a JSON-encoded frame for a server event. The
// msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: payload is not an object: %w", err)
	}
	if m == nil {
		m = make(map[string]json.RawMessage, 1)
	}
	m["type"], _ = json.Marshal(msgType)

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
