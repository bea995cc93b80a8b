package typing

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/studyhive/hive-realtime/internal/protocol"
)

type recorder struct {
	mu     sync.Mutex
	events []protocol.ServerEvent
}

func (r *recorder) ToRoom(_ string, ev protocol.ServerEvent, _ ...string) int {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	return 1
}

func (r *recorder) count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.EventType() == eventType {
			n++
		}
	}
	return n
}

const ttl = 40 * time.Millisecond

func TestStart_ExpiresExactlyOnce(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(rec, ttl)

	c.Start("room", "u1")
	require.True(t, c.Active("room", "u1"))
	require.Equal(t, 1, rec.count(protocol.TypeUserTypingStart))

	require.Eventually(t, func() bool {
		return rec.count(protocol.TypeUserTypingStop) == 1
	}, time.Second, 5*time.Millisecond)
	require.False(t, c.Active("room", "u1"))

	time.Sleep(3 * ttl)
	require.Equal(t, 1, rec.count(protocol.TypeUserTypingStop))
}

func TestStart_RestartReplacesTimer(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(rec, ttl)

	for i := 0; i < 5; i++ {
		c.Start("room", "u1")
		time.Sleep(ttl / 4)
	}
	require.Equal(t, 1, c.Len())
	require.Equal(t, 0, rec.count(protocol.TypeUserTypingStop))

	require.Eventually(t, func() bool {
		return rec.count(protocol.TypeUserTypingStop) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(2 * ttl)
	require.Equal(t, 1, rec.count(protocol.TypeUserTypingStop))
}

func TestStop_IsIdempotentAndCancelsTimer(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(rec, ttl)

	c.Stop("room", "u1")
	require.Equal(t, 1, rec.count(protocol.TypeUserTypingStop))

	c.Start("room", "u1")
	c.Stop("room", "u1")
	require.Equal(t, 2, rec.count(protocol.TypeUserTypingStop))

	time.Sleep(3 * ttl)
	require.Equal(t, 2, rec.count(protocol.TypeUserTypingStop))
	require.Equal(t, 0, c.Len())
}

func TestCancel_SuppressesPhantomStop(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(rec, ttl)

	c.Start("r1", "u1")
	c.Start("r2", "u1")
	c.CancelUser("u1", []string{"r1", "r2"})
	require.False(t, c.Cancel("r1", "u1"))

	time.Sleep(3 * ttl)
	require.Equal(t, 0, rec.count(protocol.TypeUserTypingStop))
	require.Equal(t, 0, c.Len())
}

func TestClose_StopsAll(t *testing.T) {
	rec := &recorder{}
	c := NewCoordinator(rec, ttl)
	c.Start("r1", "a")
	c.Start("r1", "b")
	c.Close()

	time.Sleep(3 * ttl)
	require.Equal(t, 0, rec.count(protocol.TypeUserTypingStop))
}
