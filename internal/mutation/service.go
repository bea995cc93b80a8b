// Package mutation applies authorized changes to message aggregates and
// broadcasts the results. Every operation validates its input, consults the
// authorization gate, persists the new state and only then broadcasts.
// Operations on one message id run strictly one after another.
package mutation

import (
	"context"
	"errors"
	"log"
	"time"
	"unicode/utf8"

	"github.com/studyhive/hive-realtime/internal/authz"
	"github.com/studyhive/hive-realtime/internal/chat"
	"github.com/studyhive/hive-realtime/internal/gamification"
	"github.com/studyhive/hive-realtime/internal/metrics"
	"github.com/studyhive/hive-realtime/internal/protocol"
	"github.com/studyhive/hive-realtime/internal/store"
)

// Store is the persistence the service needs.
type Store interface {
	authz.MembershipSource
	CreateMessage(ctx context.Context, m *chat.Message) error
	GetMessage(ctx context.Context, id string) (*chat.Message, error)
	UpdateMessage(ctx context.Context, id string, fn func(*chat.Message) error) (*chat.Message, error)
	UnreadMessageIDs(ctx context.Context, roomID, userID string, limit int) ([]string, error)
}

// Broadcaster delivers events to rooms and users.
type Broadcaster interface {
	ToRoom(roomID string, ev protocol.ServerEvent, except ...string) int
	ToUser(userID string, ev protocol.ServerEvent) bool
}

// Config holds tunables for the service.
type Config struct {
	EditWindow  time.Duration    // how long after creation an author may edit
	UnreadLimit int              // cap on a room-wide mark_read
	Now         func() time.Time // clock, for tests
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		EditWindow:  chat.EditWindow,
		UnreadLimit: store.DefaultUnreadLimit,
		Now:         time.Now,
	}
}

// previewLength is how much content a mention notification carries.
const previewLength = 100

// errUnchanged aborts an update that would write nothing.
var errUnchanged = errors.New("mutation: unchanged")

// Service is the message mutation service.
type Service struct {
	store  Store
	gate   *authz.Gate
	out    Broadcaster
	ledger gamification.Ledger
	serial *Serializer
	cfg    Config
}

// NewService creates a Service. A nil ledger disables point credits.
func NewService(st Store, out Broadcaster, ledger gamification.Ledger, cfg Config) *Service {
	if ledger == nil {
		ledger = gamification.Noop{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.EditWindow <= 0 {
		cfg.EditWindow = chat.EditWindow
	}
	if cfg.UnreadLimit <= 0 {
		cfg.UnreadLimit = store.DefaultUnreadLimit
	}
	return &Service{
		store:  st,
		gate:   authz.NewGate(st),
		out:    out,
		ledger: ledger,
		serial: NewSerializer(),
		cfg:    cfg,
	}
}

// Close waits for in-flight mutations to finish.
func (s *Service) Close() {
	s.serial.Close()
}

// Create validates and stores a new message from authorID, links it into
// its parent's replies when it is a reply, and broadcasts it. Mentioned
// users with a live connection are notified directly.
func (s *Service) Create(ctx context.Context, authorID string, d chat.Draft) (*chat.Message, error) {
	d.AuthorID = authorID
	now := s.cfg.Now()

	m, err := chat.NewMessage(d, now)
	if err != nil {
		return nil, err
	}
	if _, err := s.gate.RequireMember(ctx, m.RoomID, authorID); err != nil {
		return nil, err
	}
	if m.ReplyTo != "" {
		parent, err := s.store.GetMessage(ctx, m.ReplyTo)
		if errors.Is(err, chat.ErrMessageNotFound) || (err == nil && parent.RoomID != m.RoomID) {
			return nil, chat.ErrInvalidReply
		}
		if err != nil {
			return nil, chat.Persistence(err)
		}
	}

	if err := s.store.CreateMessage(ctx, m); err != nil {
		return nil, chat.Persistence(err)
	}
	metrics.MutationsTotal.WithLabelValues("create").Inc()

	if m.ReplyTo != "" {
		s.appendReply(ctx, m.ReplyTo, m.ID)
	}

	s.out.ToRoom(m.RoomID, protocol.NewMessageEvent{Message: m})
	for _, userID := range m.Mentions {
		s.out.ToUser(userID, protocol.MentionNotificationEvent{
			MessageID:   m.ID,
			RoomID:      m.RoomID,
			MentionedBy: authorID,
			Preview:     preview(m.Content),
		})
	}
	s.ledger.Credit(ctx, gamification.NewCredit(authorID, gamification.ActionMessageSent, m.RoomID, m.ID, now))
	return m, nil
}

// appendReply links childID into the parent's replies. The child is already
// stored, so a failure here is logged rather than returned.
func (s *Service) appendReply(ctx context.Context, parentID, childID string) {
	err := s.serial.Do(ctx, parentID, func(ctx context.Context) error {
		_, err := s.store.UpdateMessage(ctx, parentID, func(p *chat.Message) error {
			p.AppendReply(childID, s.cfg.Now())
			return nil
		})
		return err
	})
	if err != nil {
		log.Printf("[mutation] append reply parent=%s child=%s: %v", parentID, childID, err)
	}
}

// Edit replaces the content of messageID. Only the author may edit, within
// the edit window.
func (s *Service) Edit(ctx context.Context, actorID, messageID, content string) (*chat.Message, error) {
	if err := chat.ValidateContent(content); err != nil {
		return nil, err
	}
	return s.mutate(ctx, "edit", actorID, messageID, false, func(m *chat.Message, _ *chat.Membership, now time.Time) error {
		return m.Edit(actorID, content, now, s.cfg.EditWindow)
	}, func(m *chat.Message, now time.Time) {
		s.out.ToRoom(m.RoomID, protocol.MessageEditedEvent{
			MessageID: m.ID,
			RoomID:    m.RoomID,
			Content:   m.Content,
			IsEdited:  m.IsEdited,
			EditedBy:  actorID,
			EditedAt:  now,
		})
	})
}

// Delete soft-deletes messageID. The author or a room moderator may delete.
func (s *Service) Delete(ctx context.Context, actorID, messageID string) (*chat.Message, error) {
	return s.mutate(ctx, "delete", actorID, messageID, false, func(m *chat.Message, mem *chat.Membership, now time.Time) error {
		return m.SoftDelete(actorID, authz.CanModerate(mem), now)
	}, func(m *chat.Message, now time.Time) {
		s.out.ToRoom(m.RoomID, protocol.MessageDeletedEvent{
			MessageID: m.ID,
			RoomID:    m.RoomID,
			Content:   m.Content,
			DeletedBy: actorID,
			DeletedAt: now,
		})
	})
}

// ToggleReaction adds or removes actorID's emoji reaction on messageID.
func (s *Service) ToggleReaction(ctx context.Context, actorID, messageID, emoji string) (*chat.Message, error) {
	if err := chat.ValidateEmoji(emoji); err != nil {
		return nil, err
	}
	var added bool
	return s.mutate(ctx, "reaction", actorID, messageID, false, func(m *chat.Message, _ *chat.Membership, now time.Time) error {
		var err error
		added, err = m.ToggleReaction(actorID, emoji, now)
		return err
	}, func(m *chat.Message, now time.Time) {
		s.out.ToRoom(m.RoomID, protocol.ReactionAddedEvent{
			MessageID: m.ID,
			RoomID:    m.RoomID,
			UserID:    actorID,
			Emoji:     emoji,
			Added:     added,
			Reactions: m.ReactionSummaries(),
		})
		if added {
			s.ledger.Credit(ctx, gamification.NewCredit(actorID, gamification.ActionReactionAdded, m.RoomID, m.ID, now))
		}
	})
}

// TogglePin flips the pin marker of messageID. Moderators only.
func (s *Service) TogglePin(ctx context.Context, actorID, messageID string) (*chat.Message, error) {
	return s.mutate(ctx, "pin", actorID, messageID, true, func(m *chat.Message, _ *chat.Membership, now time.Time) error {
		return m.TogglePin(actorID, now)
	}, func(m *chat.Message, _ time.Time) {
		s.out.ToRoom(m.RoomID, protocol.MessagePinnedEvent{
			MessageID: m.ID,
			RoomID:    m.RoomID,
			IsPinned:  m.IsPinned,
			PinnedBy:  m.PinnedBy,
			PinnedAt:  m.PinnedAt,
		})
	})
}

// CastVote toggles actorID's vote on option idx of the poll in messageID.
func (s *Service) CastVote(ctx context.Context, actorID, messageID string, idx int) (*chat.Message, error) {
	var voted bool
	return s.mutate(ctx, "vote", actorID, messageID, false, func(m *chat.Message, _ *chat.Membership, now time.Time) error {
		var err error
		voted, err = m.CastVote(actorID, idx, now)
		return err
	}, func(m *chat.Message, now time.Time) {
		s.out.ToRoom(m.RoomID, protocol.PollVoteUpdatedEvent{
			MessageID:   m.ID,
			RoomID:      m.RoomID,
			UserID:      actorID,
			OptionIndex: idx,
			Voted:       voted,
			Poll:        m.Poll.Summary(),
		})
		if voted {
			s.ledger.Credit(ctx, gamification.NewCredit(actorID, gamification.ActionPollVote, m.RoomID, m.ID, now))
		}
	})
}

// MarkRead records read receipts for actorID, either on the listed messages
// or on the newest unread messages of roomID. Messages that do not exist,
// or belong to rooms the actor is not a member of, are skipped. It returns
// the ids that gained a receipt, and broadcasts one messages_read notice
// per affected room.
func (s *Service) MarkRead(ctx context.Context, actorID string, messageIDs []string, roomID string) ([]string, error) {
	if roomID != "" {
		if _, err := s.gate.RequireMember(ctx, roomID, actorID); err != nil {
			return nil, err
		}
		ids, err := s.store.UnreadMessageIDs(ctx, roomID, actorID, s.cfg.UnreadLimit)
		if err != nil {
			return nil, chat.Persistence(err)
		}
		messageIDs = ids
	}

	now := s.cfg.Now()
	member := make(map[string]bool) // room id -> actor is a member
	byRoom := make(map[string][]string)
	var order []string
	var marked []string

	for _, id := range messageIDs {
		err := s.serial.Do(ctx, id, func(ctx context.Context) error {
			cur, err := s.store.GetMessage(ctx, id)
			if err != nil {
				return err
			}
			ok, seen := member[cur.RoomID]
			if !seen {
				_, gerr := s.gate.RequireMember(ctx, cur.RoomID, actorID)
				if gerr != nil && chat.KindOf(gerr) != chat.KindAuthorization {
					return gerr
				}
				ok = gerr == nil
				member[cur.RoomID] = ok
			}
			if !ok || cur.HasRead(actorID) {
				return errUnchanged
			}
			m, err := s.store.UpdateMessage(ctx, id, func(m *chat.Message) error {
				if !m.MarkRead(actorID, now) {
					return errUnchanged
				}
				return nil
			})
			if err != nil {
				return err
			}
			if _, ok := byRoom[m.RoomID]; !ok {
				order = append(order, m.RoomID)
			}
			byRoom[m.RoomID] = append(byRoom[m.RoomID], m.ID)
			marked = append(marked, m.ID)
			return nil
		})
		switch {
		case err == nil, errors.Is(err, errUnchanged), errors.Is(err, chat.ErrMessageNotFound):
		default:
			return nil, chat.Persistence(err)
		}
	}

	for _, rid := range order {
		s.out.ToRoom(rid, protocol.MessagesReadEvent{
			RoomID:     rid,
			UserID:     actorID,
			MessageIDs: byRoom[rid],
			ReadAt:     now,
		}, actorID)
	}
	if len(marked) > 0 {
		metrics.MutationsTotal.WithLabelValues("read").Add(float64(len(marked)))
	}
	return marked, nil
}

// mutate is the shared path of every single-message mutation. Inside the
// message's serialized slot it loads the message, checks the actor is a
// member (or moderator when requireMod is set), applies the change through
// the store's atomic update and broadcasts. The broadcast runs inside the
// slot so observers see updates to one message in commit order.
func (s *Service) mutate(
	ctx context.Context,
	op, actorID, messageID string,
	requireMod bool,
	apply func(m *chat.Message, mem *chat.Membership, now time.Time) error,
	broadcast func(m *chat.Message, now time.Time),
) (*chat.Message, error) {
	var result *chat.Message
	err := s.serial.Do(ctx, messageID, func(ctx context.Context) error {
		cur, err := s.store.GetMessage(ctx, messageID)
		if err != nil {
			return chat.Persistence(err)
		}

		var mem *chat.Membership
		if requireMod {
			mem, err = s.gate.RequireModerator(ctx, cur.RoomID, actorID)
		} else {
			mem, err = s.gate.RequireMember(ctx, cur.RoomID, actorID)
		}
		if err != nil {
			return err
		}

		now := s.cfg.Now()
		m, err := s.store.UpdateMessage(ctx, messageID, func(m *chat.Message) error {
			return apply(m, mem, now)
		})
		if err != nil {
			return chat.Persistence(err)
		}
		metrics.MutationsTotal.WithLabelValues(op).Inc()
		broadcast(m, now)
		result = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func preview(content string) string {
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	r := []rune(content)
	return string(r[:previewLength]) + "…"
}
