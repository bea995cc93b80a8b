package chat

import (
	"slices"
	"time"
)

const (
	MinPollOptions = 2
	MaxPollOptions = 10
)

// PollOption is one choice and the users who picked it.
type PollOption struct {
	Text   string   `json:"text"`
	Voters []string `json:"voters"`
}

// Poll is the optional sub-aggregate of a poll message.
type Poll struct {
	Question      string       `json:"question"`
	Options       []PollOption `json:"options"`
	AllowMultiple bool         `json:"allow_multiple"`
	ExpiresAt     *time.Time   `json:"expires_at,omitempty"`
}

// NewPoll builds a poll with empty voter sets.
func NewPoll(question string, options []string, allowMultiple bool, expiresAt *time.Time) *Poll {
	p := &Poll{
		Question:      question,
		AllowMultiple: allowMultiple,
		ExpiresAt:     expiresAt,
		Options:       make([]PollOption, len(options)),
	}
	for i, text := range options {
		p.Options[i] = PollOption{Text: text, Voters: []string{}}
	}
	return p
}

// Expired reports whether the poll stopped accepting votes at or before now.
func (p *Poll) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !now.Before(*p.ExpiresAt)
}

// VotesOf returns the option indexes userID currently holds.
func (p *Poll) VotesOf(userID string) []int {
	var idx []int
	for i, opt := range p.Options {
		if slices.Contains(opt.Voters, userID) {
			idx = append(idx, i)
		}
	}
	return idx
}

func (p *Poll) clone() *Poll {
	if p == nil {
		return nil
	}
	c := *p
	c.Options = make([]PollOption, len(p.Options))
	for i, opt := range p.Options {
		c.Options[i] = PollOption{Text: opt.Text, Voters: slices.Clone(opt.Voters)}
	}
	if p.ExpiresAt != nil {
		t := *p.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// PollOptionSummary is the displayed state of one option.
type PollOptionSummary struct {
	Text   string   `json:"text"`
	Votes  int      `json:"votes"`
	Voters []string `json:"voters"`
}

// PollSummary is the broadcast view of a poll.
type PollSummary struct {
	Question      string              `json:"question"`
	Options       []PollOptionSummary `json:"options"`
	AllowMultiple bool                `json:"allow_multiple"`
	ExpiresAt     *time.Time          `json:"expires_at,omitempty"`
	TotalVotes    int                 `json:"total_votes"`
}

// Summary returns the broadcast view of p.
func (p *Poll) Summary() PollSummary {
	s := PollSummary{
		Question:      p.Question,
		AllowMultiple: p.AllowMultiple,
		ExpiresAt:     p.ExpiresAt,
		Options:       make([]PollOptionSummary, len(p.Options)),
	}
	for i, opt := range p.Options {
		s.Options[i] = PollOptionSummary{Text: opt.Text, Votes: len(opt.Voters), Voters: slices.Clone(opt.Voters)}
		s.TotalVotes += len(opt.Voters)
	}
	return s
}
