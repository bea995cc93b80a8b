package gamification

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakePublisher) PublishPoints(action string, data []byte) error {
	f.subjects = append(f.subjects, action)
	f.payloads = append(f.payloads, data)
	return f.err
}

func TestNATSLedger_PublishesCredit(t *testing.T) {
	pub := &fakePublisher{}
	l := NewNATSLedger(pub)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	l.Credit(context.Background(), NewCredit("u1", ActionReactionAdded, "r1", "m1", at))

	require.Equal(t, []string{"reaction_added"}, pub.subjects)
	var c Credit
	require.NoError(t, json.Unmarshal(pub.payloads[0], &c))
	require.Equal(t, "u1", c.UserID)
	require.Equal(t, 1, c.Points)
	require.True(t, c.At.Equal(at))
}

func TestNATSLedger_FailureIsSwallowed(t *testing.T) {
	l := NewNATSLedger(&fakePublisher{err: errors.New("nats: connection closed")})
	require.NotPanics(t, func() {
		l.Credit(context.Background(), NewCredit("u1", ActionPollVote, "r1", "m1", time.Now()))
	})
}
