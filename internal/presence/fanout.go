package presence

import (
	"log"

	"github.com/samber/lo"

	"github.com/studyhive/hive-realtime/internal/metrics"
	"github.com/studyhive/hive-realtime/internal/protocol"
)

// Transport writes frames to live connections by handle.
type Transport interface {
	SendMessage(handle string, data []byte) error
}

// Fanout delivers server events to the online members of a room or to a
// single user. Offline recipients are skipped silently.
type Fanout struct {
	registry  *Registry
	rooms     *RoomIndex
	transport Transport
}

// NewFanout creates a Fanout over the given registry, index and transport.
func NewFanout(registry *Registry, rooms *RoomIndex, transport Transport) *Fanout {
	return &Fanout{registry: registry, rooms: rooms, transport: transport}
}

// ToRoom encodes ev once and writes it to every online member of roomID
// except the listed users. It returns the number of frames written.
func (f *Fanout) ToRoom(roomID string, ev protocol.ServerEvent, except ...string) int {
	data, err := protocol.Encode(ev)
	if err != nil {
		log.Printf("presence: encode %s for room=%s: %v", ev.EventType(), roomID, err)
		return 0
	}

	sent := 0
	for _, userID := range lo.Without(f.rooms.OnlineMembersOf(roomID), except...) {
		if f.write(userID, data) {
			sent++
		}
	}
	metrics.FramesDelivered.WithLabelValues(ev.EventType()).Add(float64(sent))
	return sent
}

// ToUser writes ev to userID's connection if it has one.
func (f *Fanout) ToUser(userID string, ev protocol.ServerEvent) bool {
	data, err := protocol.Encode(ev)
	if err != nil {
		log.Printf("presence: encode %s for user=%s: %v", ev.EventType(), userID, err)
		return false
	}
	ok := f.write(userID, data)
	if ok {
		metrics.FramesDelivered.WithLabelValues(ev.EventType()).Inc()
	}
	return ok
}

// ToHandle writes ev to one connection regardless of registry state. It is
// used for replies to the requesting connection.
func (f *Fanout) ToHandle(handle string, ev protocol.ServerEvent) error {
	data, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	if err := f.transport.SendMessage(handle, data); err != nil {
		return err
	}
	metrics.FramesDelivered.WithLabelValues(ev.EventType()).Inc()
	return nil
}

func (f *Fanout) write(userID string, data []byte) bool {
	e, ok := f.registry.Lookup(userID)
	if !ok {
		return false
	}
	if err := f.transport.SendMessage(e.Handle, data); err != nil {
		log.Printf("presence: write to user=%s conn=%s failed: %v", userID, e.Handle, err)
		return false
	}
	return true
}
