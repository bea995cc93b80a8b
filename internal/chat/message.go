// Package chat holds the message aggregate of a hive (study-group room) and
// the rules every mutation of it must follow. Nothing in this package does
// I/O; persistence and fan-out live with the callers.
package chat

import (
	"slices"
	"time"
)

// MessageType enumerates the kinds of chat message.
type MessageType string

const (
	TypeText   MessageType = "text"
	TypeFile   MessageType = "file"
	TypeImage  MessageType = "image"
	TypeSystem MessageType = "system"
	TypePoll   MessageType = "poll"
	TypeCode   MessageType = "code"
	TypeVoice  MessageType = "voice"
	TypeAI     MessageType = "ai"
)

// Valid reports whether t is one of the enumerated message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeText, TypeFile, TypeImage, TypeSystem, TypePoll, TypeCode, TypeVoice, TypeAI:
		return true
	}
	return false
}

// DeletedPlaceholder replaces the content of a soft-deleted message.
const DeletedPlaceholder = "This message was deleted"

// EditWindow is how long after creation the author may still edit.
const EditWindow = 24 * time.Hour

// Attachment references a file already stored by the upload service.
type Attachment struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type"`
}

// EditRecord is one archived pre-edit snapshot.
type EditRecord struct {
	Content  string    `json:"content"`
	EditedAt time.Time `json:"edited_at"`
}

// ReadReceipt records that a user has seen a message.
type ReadReceipt struct {
	UserID string    `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

// Message is the persisted message aggregate.
type Message struct {
	ID           string              `json:"id"`
	RoomID       string              `json:"room_id"`
	AuthorID     string              `json:"author_id"`
	Type         MessageType         `json:"type"`
	Content      string              `json:"content"`
	CodeLanguage string              `json:"code_language,omitempty"`
	Attachments  []Attachment        `json:"attachments,omitempty"`
	Mentions     []string            `json:"mentions,omitempty"`
	Reactions    map[string][]string `json:"reactions,omitempty"` // emoji -> reacting user ids
	ReplyTo      string              `json:"reply_to,omitempty"`
	Replies      []string            `json:"replies,omitempty"`
	EditHistory  []EditRecord        `json:"edit_history,omitempty"`
	IsEdited     bool                `json:"is_edited"`
	IsDeleted    bool                `json:"is_deleted"`
	DeletedAt    *time.Time          `json:"deleted_at,omitempty"`
	DeletedBy    string              `json:"deleted_by,omitempty"`
	IsPinned     bool                `json:"is_pinned"`
	PinnedBy     string              `json:"pinned_by,omitempty"`
	PinnedAt     *time.Time          `json:"pinned_at,omitempty"`
	ReadBy       []ReadReceipt       `json:"read_by,omitempty"`
	Poll         *Poll               `json:"poll,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// Clone returns a deep copy so callers can hand the aggregate to other
// goroutines without sharing slices or maps.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.Attachments = slices.Clone(m.Attachments)
	c.Mentions = slices.Clone(m.Mentions)
	c.Replies = slices.Clone(m.Replies)
	c.EditHistory = slices.Clone(m.EditHistory)
	c.ReadBy = slices.Clone(m.ReadBy)
	if m.Reactions != nil {
		c.Reactions = make(map[string][]string, len(m.Reactions))
		for emoji, users := range m.Reactions {
			c.Reactions[emoji] = slices.Clone(users)
		}
	}
	if m.DeletedAt != nil {
		t := *m.DeletedAt
		c.DeletedAt = &t
	}
	if m.PinnedAt != nil {
		t := *m.PinnedAt
		c.PinnedAt = &t
	}
	c.Poll = m.Poll.clone()
	return &c
}

// ReactionSummary is the displayed state of one emoji.
type ReactionSummary struct {
	Emoji string   `json:"emoji"`
	Count int      `json:"count"`
	Users []string `json:"users"`
}

// ReactionSummaries lists reactions ordered by emoji. Count is always the
// size of the voter set.
func (m *Message) ReactionSummaries() []ReactionSummary {
	out := make([]ReactionSummary, 0, len(m.Reactions))
	for emoji, users := range m.Reactions {
		out = append(out, ReactionSummary{Emoji: emoji, Count: len(users), Users: slices.Clone(users)})
	}
	slices.SortFunc(out, func(a, b ReactionSummary) int {
		switch {
		case a.Emoji < b.Emoji:
			return -1
		case a.Emoji > b.Emoji:
			return 1
		}
		return 0
	})
	return out
}

// HasRead reports whether userID already has a receipt on m.
func (m *Message) HasRead(userID string) bool {
	return slices.ContainsFunc(m.ReadBy, func(r ReadReceipt) bool { return r.UserID == userID })
}
