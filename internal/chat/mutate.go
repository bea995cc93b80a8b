package chat

import (
	"slices"
	"time"

	"github.com/samber/lo"
)

// Edit replaces the content of m, archiving the previous content first.
// Only the author may edit, and only within window of creation.
func (m *Message) Edit(actorID, content string, now time.Time, window time.Duration) error {
	if actorID != m.AuthorID {
		return ErrNotAuthor
	}
	if m.IsDeleted {
		return ErrMessageDeleted
	}
	if now.Sub(m.CreatedAt) > window {
		return ErrEditWindowExpired
	}
	if err := ValidateContent(content); err != nil {
		return err
	}
	m.EditHistory = append(m.EditHistory, EditRecord{Content: m.Content, EditedAt: now})
	m.Content = content
	m.IsEdited = true
	m.UpdatedAt = now
	return nil
}

// SoftDelete redacts m. canModerate is the actor's moderation right in the
// message's room. Deletion is terminal.
func (m *Message) SoftDelete(actorID string, canModerate bool, now time.Time) error {
	if actorID != m.AuthorID && !canModerate {
		return ErrCannotDelete
	}
	if m.IsDeleted {
		return ErrMessageDeleted
	}
	m.IsDeleted = true
	m.DeletedAt = &now
	m.DeletedBy = actorID
	m.Content = DeletedPlaceholder
	m.Attachments = nil
	m.Mentions = nil
	m.Poll = nil
	m.CodeLanguage = ""
	m.EditHistory = nil
	m.UpdatedAt = now
	return nil
}

// ToggleReaction adds actorID to emoji's voter set, or removes it when
// already present. An emoji left with no voters is removed. It reports
// whether the reaction was added.
func (m *Message) ToggleReaction(actorID, emoji string, now time.Time) (bool, error) {
	if m.IsDeleted {
		return false, ErrMessageDeleted
	}
	if err := ValidateEmoji(emoji); err != nil {
		return false, err
	}
	voters := m.Reactions[emoji]
	added := !slices.Contains(voters, actorID)
	if added {
		if m.Reactions == nil {
			m.Reactions = make(map[string][]string)
		}
		m.Reactions[emoji] = append(voters, actorID)
	} else {
		voters = lo.Without(voters, actorID)
		if len(voters) == 0 {
			delete(m.Reactions, emoji)
		} else {
			m.Reactions[emoji] = voters
		}
	}
	m.UpdatedAt = now
	return added, nil
}

// TogglePin flips the pin marker. pinnedBy and pinnedAt are always set or
// cleared together. The caller checks moderation rights.
func (m *Message) TogglePin(actorID string, now time.Time) error {
	if m.IsDeleted {
		return ErrMessageDeleted
	}
	if m.IsPinned {
		m.IsPinned = false
		m.PinnedBy = ""
		m.PinnedAt = nil
	} else {
		m.IsPinned = true
		m.PinnedBy = actorID
		m.PinnedAt = &now
	}
	m.UpdatedAt = now
	return nil
}

// CastVote toggles actorID's vote on option idx. For single-choice polls the
// actor is first removed from every other option. It reports whether the
// vote on idx is now held.
func (m *Message) CastVote(actorID string, idx int, now time.Time) (bool, error) {
	if m.IsDeleted {
		return false, ErrMessageDeleted
	}
	if m.Type != TypePoll || m.Poll == nil {
		return false, ErrNotAPoll
	}
	if m.Poll.Expired(now) {
		return false, ErrPollExpired
	}
	if idx < 0 || idx >= len(m.Poll.Options) {
		return false, ErrOptionOutOfRange
	}

	opts := m.Poll.Options
	if !m.Poll.AllowMultiple {
		for i := range opts {
			if i != idx {
				opts[i].Voters = lo.Without(opts[i].Voters, actorID)
			}
		}
	}

	held := slices.Contains(opts[idx].Voters, actorID)
	if held {
		opts[idx].Voters = lo.Without(opts[idx].Voters, actorID)
	} else {
		opts[idx].Voters = append(opts[idx].Voters, actorID)
	}
	m.UpdatedAt = now
	return !held, nil
}

// MarkRead appends a receipt for userID unless one exists. It reports
// whether a receipt was added.
func (m *Message) MarkRead(userID string, now time.Time) bool {
	if m.HasRead(userID) {
		return false
	}
	m.ReadBy = append(m.ReadBy, ReadReceipt{UserID: userID, ReadAt: now})
	return true
}

// AppendReply records childID in m's ordered replies list, once.
func (m *Message) AppendReply(childID string, now time.Time) {
	if slices.Contains(m.Replies, childID) {
		return
	}
	m.Replies = append(m.Replies, childID)
	m.UpdatedAt = now
}
