// Package gamification credits points to users for activity. Credits are
// published to the points ledger service and never awaited.
package gamification

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/studyhive/hive-realtime/internal/metrics"
)

// Action names a creditable activity.
type Action string

const (
	ActionMessageSent   Action = "message_sent"
	ActionReactionAdded Action = "reaction_added"
	ActionPollVote      Action = "poll_vote"
)

// points per action.
var points = map[Action]int{
	ActionMessageSent:   1,
	ActionReactionAdded: 1,
	ActionPollVote:      1,
}

// Credit is one point award.
type Credit struct {
	UserID    string    `json:"user_id"`
	Action    Action    `json:"action"`
	Points    int       `json:"points"`
	RoomID    string    `json:"room_id"`
	MessageID string    `json:"message_id"`
	At        time.Time `json:"at"`
}

// NewCredit builds a credit with the standard points for action.
func NewCredit(userID string, action Action, roomID, messageID string, at time.Time) Credit {
	return Credit{
		UserID:    userID,
		Action:    action,
		Points:    points[action],
		RoomID:    roomID,
		MessageID: messageID,
		At:        at,
	}
}

// Ledger accepts credits. Implementations must not block the caller on the
// ledger's availability.
type Ledger interface {
	Credit(ctx context.Context, c Credit)
}

// Publisher publishes a ledger payload for action.
type Publisher interface {
	PublishPoints(action string, data []byte) error
}

// NATSLedger publishes credits over NATS.
type NATSLedger struct {
	pub Publisher
}

// NewNATSLedger creates a ledger publishing through pub.
func NewNATSLedger(pub Publisher) *NATSLedger {
	return &NATSLedger{pub: pub}
}

// Credit publishes c. Failures are logged and counted, never returned.
func (l *NATSLedger) Credit(_ context.Context, c Credit) {
	data, err := json.Marshal(c)
	if err != nil {
		log.Printf("[gamification] marshal credit user=%s: %v", c.UserID, err)
		metrics.LedgerFailures.Inc()
		return
	}
	if err := l.pub.PublishPoints(string(c.Action), data); err != nil {
		log.Printf("[gamification] publish credit user=%s action=%s: %v", c.UserID, c.Action, err)
		metrics.LedgerFailures.Inc()
	}
}

// Noop discards credits. It is used when no broker is configured.
type Noop struct{}

// Credit does nothing.
func (Noop) Credit(context.Context, Credit) {}
