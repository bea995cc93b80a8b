// Package typing runs typing indicators: one cancellable expiry timer per
// (room, user) pair that broadcasts start and stop events to the room.
package typing

import (
	"sync"
	"time"

	"github.com/studyhive/hive-realtime/internal/metrics"
	"github.com/studyhive/hive-realtime/internal/protocol"
)

// DefaultTTL is how long an indicator lives without a refresh.
const DefaultTTL = 10 * time.Second

// Broadcaster delivers an event to a room's online members.
type Broadcaster interface {
	ToRoom(roomID string, ev protocol.ServerEvent, except ...string) int
}

type key struct {
	roomID string
	userID string
}

// entry identifies one scheduled timer. A timer that fires after its entry
// was replaced or cancelled finds a different pointer in the map and does
// nothing.
type entry struct {
	timer *time.Timer
}

// Coordinator owns every live typing timer in the process.
type Coordinator struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[key]*entry
	out     Broadcaster
}

// NewCoordinator creates a Coordinator. A non-positive ttl uses DefaultTTL.
func NewCoordinator(out Broadcaster, ttl time.Duration) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Coordinator{
		ttl:     ttl,
		entries: make(map[key]*entry),
		out:     out,
	}
}

// Start replaces any timer for (roomID, userID) with a fresh one and tells
// the other members of the room that userID is typing. When the timer fires
// the stop event is broadcast automatically.
func (c *Coordinator) Start(roomID, userID string) {
	k := key{roomID, userID}
	e := &entry{}

	c.mu.Lock()
	if old, ok := c.entries[k]; ok {
		old.timer.Stop()
	} else {
		metrics.TypingActive.Inc()
	}
	c.entries[k] = e
	e.timer = time.AfterFunc(c.ttl, func() { c.expire(k, e) })
	c.mu.Unlock()

	c.out.ToRoom(roomID, protocol.UserTypingStartEvent{RoomID: roomID, UserID: userID}, userID)
}

// Stop cancels the timer for (roomID, userID) if there is one and
// broadcasts the stop event. Calling it with no live timer is safe.
func (c *Coordinator) Stop(roomID, userID string) {
	c.Cancel(roomID, userID)
	c.out.ToRoom(roomID, protocol.UserTypingStopEvent{RoomID: roomID, UserID: userID}, userID)
}

// Cancel removes the timer for (roomID, userID) without broadcasting. It is
// used when the user leaves the room or disconnects. It reports whether a
// timer was live.
func (c *Coordinator) Cancel(roomID, userID string) bool {
	k := key{roomID, userID}

	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[k]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(c.entries, k)
	metrics.TypingActive.Dec()
	return true
}

// CancelUser cancels userID's timers in each of rooms.
func (c *Coordinator) CancelUser(userID string, rooms []string) {
	for _, roomID := range rooms {
		c.Cancel(roomID, userID)
	}
}

// Active reports whether (roomID, userID) has a live timer.
func (c *Coordinator) Active(roomID, userID string) bool {
	c.mu.Lock()
	_, ok := c.entries[key{roomID, userID}]
	c.mu.Unlock()
	return ok
}

// Len returns the number of live timers.
func (c *Coordinator) Len() int {
	c.mu.Lock()
	n := len(c.entries)
	c.mu.Unlock()
	return n
}

// Close cancels every live timer without broadcasting.
func (c *Coordinator) Close() {
	c.mu.Lock()
	for k, e := range c.entries {
		e.timer.Stop()
		delete(c.entries, k)
		metrics.TypingActive.Dec()
	}
	c.mu.Unlock()
}

func (c *Coordinator) expire(k key, e *entry) {
	c.mu.Lock()
	if c.entries[k] != e {
		c.mu.Unlock()
		return
	}
	delete(c.entries, k)
	metrics.TypingActive.Dec()
	c.mu.Unlock()

	c.out.ToRoom(k.roomID, protocol.UserTypingStopEvent{RoomID: k.roomID, UserID: k.userID}, k.userID)
}
