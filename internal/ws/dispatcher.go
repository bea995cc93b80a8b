package ws

import (
	"context"
	"log"
	"time"

	"github.com/studyhive/hive-realtime/internal/chat"
	"github.com/studyhive/hive-realtime/internal/metrics"
	"github.com/studyhive/hive-realtime/internal/protocol"
)

// MessageHandler handles one parsed client event. The returned ack is sent
// to the requester when err is nil; RequestID and Event are filled in by
// the dispatcher.
type MessageHandler func(ctx context.Context, conn *Connection, ev protocol.ClientEvent) (protocol.AckEvent, error)

// MessageDispatcher routes incoming WebSocket frames to registered handlers
// by event type. It answers ping itself and turns every handler failure
// into an error frame for the requester only.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
	timeout  time.Duration
}

// NewMessageDispatcher creates a dispatcher whose handlers each get a
// context bounded by timeout. Zero means no bound.
func NewMessageDispatcher(timeout time.Duration) *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
		timeout:  timeout,
	}
}

// Register associates a handler with an event type, replacing any previous
// one. Register is not safe for use once Dispatch is being called.
func (d *MessageDispatcher) Register(eventType string, handler MessageHandler) {
	d.handlers[eventType] = handler
}

// Dispatch is the Server's message callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	if !conn.AllowFrame() {
		metrics.RateLimited.WithLabelValues("inbound").Inc()
		d.sendError(conn, "", "", chat.ErrRateLimited)
		return
	}

	eventType, ev, err := protocol.ParseClientMessage(data)
	if err != nil {
		log.Printf("ws: dispatch parse error conn=%s user=%s type=%q: %v", conn.ID, conn.UserID, eventType, err)
		d.fail(conn, eventType, "", err)
		return
	}

	metrics.EventsReceived.WithLabelValues(eventType).Inc()

	if eventType == protocol.TypePing {
		d.send(conn, protocol.PongEvent{})
		return
	}

	handler, ok := d.handlers[eventType]
	if !ok {
		d.fail(conn, eventType, ev.RequestRef(), chat.Validation("unsupported event type %q", eventType))
		return
	}

	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	ack, err := handler(ctx, conn, ev)
	metrics.EventLatency.WithLabelValues(eventType).Observe(time.Since(start).Seconds())
	if err != nil {
		d.fail(conn, eventType, ev.RequestRef(), err)
		return
	}

	ack.RequestID = ev.RequestRef()
	ack.Event = eventType
	d.send(conn, ack)
}

func (d *MessageDispatcher) fail(conn *Connection, eventType, requestID string, err error) {
	kind := chat.KindOf(err)
	label := eventLabel(eventType)
	metrics.EventErrors.WithLabelValues(label, string(kind)).Inc()
	if kind == chat.KindInternal || kind == chat.KindPersistence {
		log.Printf("ws: handler error type=%s conn=%s user=%s: %v", label, conn.ID, conn.UserID, err)
	}
	d.sendError(conn, requestID, eventType, err)
}

func (d *MessageDispatcher) sendError(conn *Connection, requestID, eventType string, err error) {
	d.send(conn, protocol.NewErrorEvent(requestID, eventType, err))
}

func (d *MessageDispatcher) send(conn *Connection, ev protocol.ServerEvent) {
	data, err := protocol.Encode(ev)
	if err != nil {
		log.Printf("ws: failed to build %s frame conn=%s: %v", ev.EventType(), conn.ID, err)
		return
	}
	if err := conn.WriteMessage(data); err != nil {
		log.Printf("ws: failed to send %s frame conn=%s: %v", ev.EventType(), conn.ID, err)
		return
	}
	metrics.FramesDelivered.WithLabelValues(ev.EventType()).Inc()
}

// eventLabel bounds the metric label set to the known inbound types.
func eventLabel(eventType string) string {
	if protocol.IsClientType(eventType) {
		return eventType
	}
	return "unknown"
}
