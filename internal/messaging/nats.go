// Package messaging provides a NATS client wrapper for pub/sub messaging
// between the realtime server and the rest of the platform. It handles
// connection lifecycle and subject-based subscriptions.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subjects shared with other platform services.
const (
	SubjectPoints     = "gamification.points" // + .<action>
	SubjectMembership = "rooms.membership"    // membership changes made by the API service
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "hive-realtime",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// PublishPoints publishes a gamification credit on gamification.points.<action>.
func (c *NATSClient) PublishPoints(action string, data []byte) error {
	return c.Publish(SubjectPoints+"."+action, data)
}

// MembershipChange is published by the API service whenever a room's
// membership is edited.
type MembershipChange struct {
	RoomID string `json:"room_id"`
	UserID string `json:"user_id"`
	Action string `json:"action"` // added | removed | role_changed
	Role   string `json:"role,omitempty"`
}

// Membership change actions.
const (
	MembershipAdded       = "added"
	MembershipRemoved     = "removed"
	MembershipRoleChanged = "role_changed"
)

// DecodeMembershipChange parses a membership change payload.
func DecodeMembershipChange(data []byte) (MembershipChange, error) {
	var mc MembershipChange
	if err := json.Unmarshal(data, &mc); err != nil {
		return mc, fmt.Errorf("messaging: decode membership change: %w", err)
	}
	if mc.RoomID == "" || mc.UserID == "" {
		return mc, fmt.Errorf("messaging: membership change missing room_id or user_id")
	}
	switch mc.Action {
	case MembershipAdded, MembershipRemoved, MembershipRoleChanged:
	default:
		return mc, fmt.Errorf("messaging: unknown membership action %q", mc.Action)
	}
	return mc, nil
}

// SubscribeMembership subscribes to rooms.membership. Malformed payloads are
// logged and dropped.
func (c *NATSClient) SubscribeMembership(handler func(MembershipChange)) error {
	return c.Subscribe(SubjectMembership, func(msg *nats.Msg) {
		mc, err := DecodeMembershipChange(msg.Data)
		if err != nil {
			log.Printf("[nats] %v", err)
			return
		}
		handler(mc)
	})
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// Unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) Unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
