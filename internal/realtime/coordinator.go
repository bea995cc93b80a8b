// Package realtime owns the in-memory presence state of one server process
// and connects it to the WebSocket transport. A Coordinator is built once in
// main and shared by every connection.
package realtime

import (
	"context"
	"hash/fnv"
	"log"
	"sync"
	"time"

	"github.com/studyhive/hive-realtime/internal/authz"
	"github.com/studyhive/hive-realtime/internal/chat"
	"github.com/studyhive/hive-realtime/internal/gamification"
	"github.com/studyhive/hive-realtime/internal/messaging"
	"github.com/studyhive/hive-realtime/internal/metrics"
	"github.com/studyhive/hive-realtime/internal/mutation"
	"github.com/studyhive/hive-realtime/internal/presence"
	"github.com/studyhive/hive-realtime/internal/protocol"
	"github.com/studyhive/hive-realtime/internal/ratelimit"
	"github.com/studyhive/hive-realtime/internal/typing"
)

// Store is the persistence the coordinator needs.
type Store interface {
	mutation.Store
	RoomsForUser(ctx context.Context, userID string) ([]string, error)
}

// Transport writes frames to connections and can force one closed.
type Transport interface {
	presence.Transport
	CloseConnection(handle, reason string) bool
}

// Limiter enforces per-user rate rules.
type Limiter interface {
	Check(ctx context.Context, identifier string, rule ratelimit.Rule) error
}

// LastSeenRecorder mirrors presence changes to durable storage.
type LastSeenRecorder interface {
	Record(ctx context.Context, userID string, status presence.Status, at time.Time) error
}

// Config holds coordinator tunables.
type Config struct {
	TypingTTL time.Duration
	Mutation  mutation.Config
	// SideEffectTimeout bounds last-seen writes made outside a request.
	SideEffectTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TypingTTL:         typing.DefaultTTL,
		Mutation:          mutation.DefaultConfig(),
		SideEffectTimeout: 3 * time.Second,
	}
}

// Option configures optional collaborators.
type Option func(*Coordinator)

// WithLimiter enables rate limiting.
func WithLimiter(l Limiter) Option {
	return func(c *Coordinator) { c.limiter = l }
}

// WithLastSeen enables the last-seen mirror.
func WithLastSeen(r LastSeenRecorder) Option {
	return func(c *Coordinator) { c.lastSeen = r }
}

// WithLedger enables gamification credits.
func WithLedger(l gamification.Ledger) Option {
	return func(c *Coordinator) { c.ledger = l }
}

// Coordinator owns the connection registry, room index, typing timers and
// mutation service of the process.
type Coordinator struct {
	cfg       Config
	store     Store
	transport Transport
	limiter   Limiter
	lastSeen  LastSeenRecorder
	ledger    gamification.Ledger

	registry  *presence.Registry
	rooms     *presence.RoomIndex
	fanout    *presence.Fanout
	typing    *typing.Coordinator
	mutations *mutation.Service
	gate      *authz.Gate
	users     userLocks
	now       func() time.Time
}

// userLocks serializes the presence transitions of one user. Connect,
// Disconnect and every handler that reads then writes the registry, room
// index or typing timers of a user hold that user's stripe.
type userLocks struct {
	stripes [64]sync.Mutex
}

func (l *userLocks) lock(userID string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	m := &l.stripes[h.Sum32()%uint32(len(l.stripes))]
	m.Lock()
	return m.Unlock
}

// NewCoordinator wires a Coordinator over st and transport.
func NewCoordinator(st Store, transport Transport, cfg Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		cfg:       cfg,
		store:     st,
		transport: transport,
		registry:  presence.NewRegistry(),
		gate:      authz.NewGate(st),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if cfg.Mutation.Now != nil {
		c.now = cfg.Mutation.Now
	}

	c.rooms = presence.NewRoomIndex(c.registry)
	c.fanout = presence.NewFanout(c.registry, c.rooms, transport)
	c.typing = typing.NewCoordinator(c.fanout, cfg.TypingTTL)
	c.mutations = mutation.NewService(st, c.fanout, c.ledger, cfg.Mutation)
	return c
}

// Connect registers an authenticated connection, attaches the user to every
// room they are a member of and greets them. A previous connection of the
// same user is closed.
func (c *Coordinator) Connect(ctx context.Context, handle, userID string) error {
	if err := c.checkRate(ctx, userID, ratelimit.RuleConnect); err != nil {
		_ = c.fanout.ToHandle(handle, protocol.NewErrorEvent("", protocol.TypeConnected, err))
		return err
	}

	roomIDs, err := c.store.RoomsForUser(ctx, userID)
	if err != nil {
		err = chat.Persistence(err)
		_ = c.fanout.ToHandle(handle, protocol.NewErrorEvent("", protocol.TypeConnected, err))
		return err
	}

	unlock := c.users.lock(userID)
	prev, replaced := c.registry.Register(userID, handle)
	stale := replaced && prev.Handle != handle
	if stale {
		metrics.ConnectionsReplaced.Inc()
		// Keep the status the user chose on the old connection.
		if prev.Status != presence.StatusOnline {
			_, _ = c.registry.UpdateStatus(userID, string(prev.Status))
		}
	}

	entry, _ := c.registry.Lookup(userID)
	for _, roomID := range roomIDs {
		c.rooms.Join(roomID, userID)
		if !replaced {
			c.fanout.ToRoom(roomID, protocol.UserJoinedRoomEvent{RoomID: roomID, UserID: userID}, userID)
			c.fanout.ToRoom(roomID, statusEvent(entry), userID)
		}
	}

	c.recordLastSeen(userID, entry.Status)

	err = c.fanout.ToHandle(handle, protocol.ConnectedEvent{
		UserID:     userID,
		Status:     string(entry.Status),
		Rooms:      roomIDs,
		ServerTime: c.now().UTC(),
	})
	unlock()

	// Closing runs the old handle's teardown, which takes the user lock.
	if stale {
		c.transport.CloseConnection(prev.Handle, "replaced by a newer connection")
		log.Printf("[realtime] user=%s replaced conn=%s with conn=%s", userID, prev.Handle, handle)
	}
	return err
}

// Disconnect tears down handle. It is safe to call more than once and is a
// no-op for a connection that was already replaced.
func (c *Coordinator) Disconnect(handle, userID string) {
	defer c.users.lock(userID)()

	entry, ok := c.registry.DeregisterHandle(userID, handle)
	if !ok {
		return
	}

	c.typing.CancelUser(userID, c.rooms.RoomsOf(userID))
	left := c.rooms.LeaveAll(userID)
	for _, roomID := range left {
		c.fanout.ToRoom(roomID, protocol.UserLeftRoomEvent{RoomID: roomID, UserID: userID})
	}

	c.recordLastSeen(userID, presence.StatusOffline)
	log.Printf("[realtime] user=%s disconnected conn=%s status=%s rooms=%d", userID, handle, entry.Status, len(left))
}

// JoinRoom attaches userID to a room they are a persisted member of and
// returns the room's online members at that instant.
func (c *Coordinator) JoinRoom(ctx context.Context, handle, userID, roomID string) error {
	if _, err := c.gate.RequireMember(ctx, roomID, userID); err != nil {
		return err
	}

	defer c.users.lock(userID)()
	if !c.holds(userID, handle) {
		return nil
	}

	already := c.rooms.IsMember(roomID, userID)
	c.rooms.Join(roomID, userID)
	if !already {
		c.fanout.ToRoom(roomID, protocol.UserJoinedRoomEvent{RoomID: roomID, UserID: userID}, userID)
	}

	return c.fanout.ToHandle(handle, protocol.RoomJoinedEvent{
		RoomID:        roomID,
		OnlineMembers: c.rooms.OnlineMembersOf(roomID),
	})
}

// LeaveRoom detaches userID from a room. Leaving a room the user is not
// attached to succeeds.
func (c *Coordinator) LeaveRoom(userID, roomID string) {
	defer c.users.lock(userID)()
	c.detach(roomID, userID)
}

func (c *Coordinator) detach(roomID, userID string) bool {
	c.typing.Cancel(roomID, userID)
	if !c.rooms.Leave(roomID, userID) {
		return false
	}
	c.fanout.ToRoom(roomID, protocol.UserLeftRoomEvent{RoomID: roomID, UserID: userID})
	return true
}

// StartTyping starts or restarts userID's typing indicator in roomID.
func (c *Coordinator) StartTyping(ctx context.Context, userID, roomID string) error {
	if !c.rooms.IsMember(roomID, userID) {
		return chat.ErrNotMember
	}
	if err := c.checkRate(ctx, userID, ratelimit.RuleTyping); err != nil {
		return err
	}

	defer c.users.lock(userID)()
	// The user may have left or disconnected while the rate check ran.
	if !c.rooms.IsMember(roomID, userID) {
		return chat.ErrNotMember
	}
	c.typing.Start(roomID, userID)
	return nil
}

// StopTyping ends userID's typing indicator in roomID.
func (c *Coordinator) StopTyping(userID, roomID string) error {
	defer c.users.lock(userID)()
	if !c.rooms.IsMember(roomID, userID) {
		return chat.ErrNotMember
	}
	c.typing.Stop(roomID, userID)
	return nil
}

// UpdateStatus changes userID's presence status and tells every room they
// are attached to.
func (c *Coordinator) UpdateStatus(userID, status string) error {
	defer c.users.lock(userID)()
	entry, err := c.registry.UpdateStatus(userID, status)
	if err != nil {
		return err
	}
	ev := statusEvent(entry)
	for _, roomID := range c.rooms.RoomsOf(userID) {
		c.fanout.ToRoom(roomID, ev, userID)
	}
	c.recordLastSeen(userID, entry.Status)
	return nil
}

// HandleMembershipChange applies a membership change made by the room
// service to the live index.
func (c *Coordinator) HandleMembershipChange(ch messaging.MembershipChange) {
	defer c.users.lock(ch.UserID)()
	switch ch.Action {
	case messaging.MembershipRemoved:
		if c.detach(ch.RoomID, ch.UserID) {
			log.Printf("[realtime] user=%s removed from room=%s", ch.UserID, ch.RoomID)
		}
	case messaging.MembershipAdded:
		if !c.registry.Online(ch.UserID) || c.rooms.IsMember(ch.RoomID, ch.UserID) {
			return
		}
		c.rooms.Join(ch.RoomID, ch.UserID)
		c.fanout.ToRoom(ch.RoomID, protocol.UserJoinedRoomEvent{RoomID: ch.RoomID, UserID: ch.UserID}, ch.UserID)
	}
}

// Mutations returns the message mutation service.
func (c *Coordinator) Mutations() *mutation.Service {
	return c.mutations
}

// Stats reports live counters for the health endpoint.
func (c *Coordinator) Stats() map[string]int {
	return map[string]int{
		"users":  c.registry.Count(),
		"rooms":  c.rooms.RoomCount(),
		"typing": c.typing.Len(),
	}
}

// Close cancels every typing timer and drains the mutation service.
func (c *Coordinator) Close() {
	c.typing.Close()
	c.mutations.Close()
}

// holds reports whether handle is still userID's live connection.
func (c *Coordinator) holds(userID, handle string) bool {
	e, ok := c.registry.Lookup(userID)
	return ok && e.Handle == handle
}

func (c *Coordinator) checkRate(ctx context.Context, userID string, rule ratelimit.Rule) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Check(ctx, userID, rule)
}

func (c *Coordinator) recordLastSeen(userID string, status presence.Status) {
	if c.lastSeen == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SideEffectTimeout)
	defer cancel()
	if err := c.lastSeen.Record(ctx, userID, status, c.now()); err != nil {
		log.Printf("[realtime] last-seen write failed user=%s: %v", userID, err)
	}
}

func statusEvent(e presence.Entry) protocol.UserStatusUpdateEvent {
	return protocol.UserStatusUpdateEvent{
		UserID:   e.UserID,
		Status:   string(e.Status.Visible()),
		LastSeen: e.LastSeen,
	}
}
