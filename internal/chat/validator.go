package chat

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

const (
	MaxTextChars      = 2000 // max character count of message content
	MaxAttachments    = 10
	MaxMentions       = 50
	MaxEmojiBytes     = 64
	MaxPollTextChars  = 300
	MaxCodeLangLength = 32
)

// ValidateContent checks that message content meets length requirements.
func ValidateContent(text string) error {
	if strings.TrimSpace(text) == "" {
		return Validation("message content is empty")
	}
	if !utf8.ValidString(text) {
		return Validation("message contains invalid UTF-8")
	}
	if utf8.RuneCountInString(text) > MaxTextChars {
		return Validation("message exceeds %d character limit", MaxTextChars)
	}
	return nil
}

// ValidateEmoji checks a reaction key.
func ValidateEmoji(emoji string) error {
	if emoji == "" || len(emoji) > MaxEmojiBytes || !utf8.ValidString(emoji) {
		return Validation("invalid emoji")
	}
	return nil
}

// PollDraft is the client-supplied shape of a new poll.
type PollDraft struct {
	Question      string
	Options       []string
	AllowMultiple bool
	ExpiresAt     *time.Time
}

// Draft is everything needed to create a message.
type Draft struct {
	RoomID       string
	AuthorID     string
	Type         MessageType
	Content      string
	CodeLanguage string
	ReplyTo      string
	Mentions     []string
	Attachments  []Attachment
	Poll         *PollDraft
}

// NewMessage validates d and builds the aggregate. Mentions are
// de-duplicated and the author is dropped from them.
func NewMessage(d Draft, now time.Time) (*Message, error) {
	if d.Type == "" {
		d.Type = TypeText
	}
	if !d.Type.Valid() {
		return nil, Validation("unknown message type %q", d.Type)
	}
	if d.Type == TypeSystem {
		return nil, Validation("system messages cannot be sent by clients")
	}
	if err := ValidateContent(d.Content); err != nil {
		return nil, err
	}
	if len(d.Attachments) > MaxAttachments {
		return nil, Validation("at most %d attachments allowed", MaxAttachments)
	}
	if d.Type == TypeCode && utf8.RuneCountInString(d.CodeLanguage) > MaxCodeLangLength {
		return nil, Validation("code language is too long")
	}

	mentions := lo.Without(lo.Uniq(lo.Compact(d.Mentions)), d.AuthorID)
	if len(mentions) > MaxMentions {
		return nil, Validation("at most %d mentions allowed", MaxMentions)
	}

	m := &Message{
		ID:          uuid.New().String(),
		RoomID:      d.RoomID,
		AuthorID:    d.AuthorID,
		Type:        d.Type,
		Content:     d.Content,
		ReplyTo:     d.ReplyTo,
		Mentions:    mentions,
		Attachments: d.Attachments,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if d.Type == TypeCode {
		m.CodeLanguage = d.CodeLanguage
	}

	switch {
	case d.Type == TypePoll && d.Poll == nil:
		return nil, Validation("poll messages require a poll")
	case d.Type != TypePoll && d.Poll != nil:
		return nil, Validation("only poll messages may carry a poll")
	case d.Poll != nil:
		poll, err := newPollFromDraft(*d.Poll, now)
		if err != nil {
			return nil, err
		}
		m.Poll = poll
	}
	return m, nil
}

func newPollFromDraft(d PollDraft, now time.Time) (*Poll, error) {
	if strings.TrimSpace(d.Question) == "" {
		return nil, Validation("poll question is empty")
	}
	if utf8.RuneCountInString(d.Question) > MaxPollTextChars {
		return nil, Validation("poll question is too long")
	}
	if len(d.Options) < MinPollOptions || len(d.Options) > MaxPollOptions {
		return nil, Validation("polls need between %d and %d options", MinPollOptions, MaxPollOptions)
	}
	for _, opt := range d.Options {
		if strings.TrimSpace(opt) == "" || utf8.RuneCountInString(opt) > MaxPollTextChars {
			return nil, Validation("invalid poll option")
		}
	}
	if d.ExpiresAt != nil && !d.ExpiresAt.After(now) {
		return nil, Validation("poll expiry must be in the future")
	}
	return NewPoll(d.Question, d.Options, d.AllowMultiple, d.ExpiresAt), nil
}
