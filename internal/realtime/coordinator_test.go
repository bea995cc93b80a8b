package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyhive/hive-realtime/internal/chat"
	"github.com/studyhive/hive-realtime/internal/messaging"
	"github.com/studyhive/hive-realtime/internal/presence"
	"github.com/studyhive/hive-realtime/internal/protocol"
	"github.com/studyhive/hive-realtime/internal/ratelimit"
	"github.com/studyhive/hive-realtime/internal/store"
	"github.com/studyhive/hive-realtime/internal/ws"
)

type frame map[string]any

// fakeTransport records frames per handle. CloseConnection runs the
// disconnect path synchronously the way ws.Server does.
type fakeTransport struct {
	mu      sync.Mutex
	frames  map[string][]frame
	closed  []string
	onClose func(handle string)
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{frames: make(map[string][]frame)}
}

func (f *fakeTransport) SendMessage(handle string, data []byte) error {
	var fr frame
	if err := json.Unmarshal(data, &fr); err != nil {
		return err
	}
	f.mu.Lock()
	f.frames[handle] = append(f.frames[handle], fr)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) CloseConnection(handle, _ string) bool {
	f.mu.Lock()
	f.closed = append(f.closed, handle)
	onClose := f.onClose
	f.mu.Unlock()
	if onClose != nil {
		onClose(handle)
	}
	return true
}

func (f *fakeTransport) of(handle string) []frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]frame(nil), f.frames[handle]...)
}

func (f *fakeTransport) typesOf(handle string) []string {
	var out []string
	for _, fr := range f.of(handle) {
		out = append(out, fr["type"].(string))
	}
	return out
}

func (f *fakeTransport) reset() {
	f.mu.Lock()
	f.frames = make(map[string][]frame)
	f.mu.Unlock()
}

type denyLimiter struct{ deny ratelimit.Rule }

func (l denyLimiter) Check(_ context.Context, _ string, rule ratelimit.Rule) error {
	if rule.Name == l.deny.Name {
		return chat.ErrRateLimited
	}
	return nil
}

type seenRecorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *seenRecorder) Record(_ context.Context, userID string, status presence.Status, _ time.Time) error {
	r.mu.Lock()
	r.seen = append(r.seen, userID+":"+string(status))
	r.mu.Unlock()
	return nil
}

type fixture struct {
	c  *Coordinator
	tr *fakeTransport
	st *store.Memory
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	require.NoError(t, st.CreateRoom(ctx, "R", "owner"))
	require.NoError(t, st.AddMember(ctx, "R", "A", chat.RoleMember))
	require.NoError(t, st.AddMember(ctx, "R", "B", chat.RoleModerator))
	require.NoError(t, st.CreateRoom(ctx, "other", "owner"))

	cfg := DefaultConfig()
	cfg.TypingTTL = 30 * time.Millisecond
	tr := newFakeTransport()
	c := NewCoordinator(st, tr, cfg, opts...)
	t.Cleanup(c.Close)
	return &fixture{c: c, tr: tr, st: st}
}

func (fx *fixture) connect(t *testing.T, handle, user string) {
	t.Helper()
	require.NoError(t, fx.c.Connect(context.Background(), handle, user))
}

func conn(handle, user string) *ws.Connection {
	return &ws.Connection{ID: handle, UserID: user}
}

func TestConnect_GreetsAndAnnounces(t *testing.T) {
	fx := newFixture(t)
	fx.connect(t, "hA", "A")

	hello := fx.tr.of("hA")
	require.Len(t, hello, 1)
	assert.Equal(t, protocol.TypeConnected, hello[0]["type"])
	assert.Equal(t, []any{"R"}, hello[0]["rooms"])
	assert.Equal(t, "online", hello[0]["status"])

	fx.connect(t, "hB", "B")
	assert.Equal(t, []string{protocol.TypeConnected, protocol.TypeUserJoinedRoom, protocol.TypeUserStatusUpdate}, fx.tr.typesOf("hA"))
	assert.Equal(t, []string{"A", "B"}, fx.c.rooms.OnlineMembersOf("R"))
}

func TestConnect_RateLimitedCreatesNothing(t *testing.T) {
	fx := newFixture(t, WithLimiter(denyLimiter{deny: ratelimit.RuleConnect}))
	err := fx.c.Connect(context.Background(), "hA", "A")
	require.ErrorIs(t, err, chat.ErrRateLimited)
	assert.False(t, fx.c.registry.Online("A"))
	assert.Equal(t, []string{protocol.TypeError}, fx.tr.typesOf("hA"))
}

func TestConnect_ReplacesPreviousConnection(t *testing.T) {
	fx := newFixture(t)
	fx.tr.onClose = func(handle string) { fx.c.Disconnect(handle, "A") }
	fx.connect(t, "hB", "B")
	fx.connect(t, "hA1", "A")
	require.NoError(t, fx.c.UpdateStatus("A", "busy"))
	fx.tr.reset()

	fx.connect(t, "hA2", "A")

	assert.Equal(t, []string{"hA1"}, fx.tr.closed)
	e, ok := fx.c.registry.Lookup("A")
	require.True(t, ok)
	assert.Equal(t, "hA2", e.Handle)
	assert.Equal(t, presence.StatusBusy, e.Status)
	assert.True(t, fx.c.rooms.IsMember("R", "A"))
	assert.Empty(t, fx.tr.of("hB"), "replacement is invisible to the room")

	// Late teardown of the old handle changes nothing.
	fx.c.Disconnect("hA1", "A")
	assert.True(t, fx.c.registry.Online("A"))
}

func TestDisconnect_TearsDownOnce(t *testing.T) {
	seen := &seenRecorder{}
	fx := newFixture(t, WithLastSeen(seen))
	fx.connect(t, "hA", "A")
	fx.connect(t, "hB", "B")
	require.NoError(t, fx.c.StartTyping(context.Background(), "A", "R"))
	fx.tr.reset()

	fx.c.Disconnect("hA", "A")
	fx.c.Disconnect("hA", "A")

	assert.Equal(t, []string{protocol.TypeUserLeftRoom}, fx.tr.typesOf("hB"))
	assert.False(t, fx.c.typing.Active("R", "A"))
	assert.Equal(t, []string{"B"}, fx.c.rooms.OnlineMembersOf("R"))

	// No phantom typing stop once the TTL would have passed.
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, []string{protocol.TypeUserLeftRoom}, fx.tr.typesOf("hB"))

	seen.mu.Lock()
	defer seen.mu.Unlock()
	assert.Equal(t, []string{"A:online", "B:online", "A:offline"}, seen.seen)
}

func TestJoinRoom_SnapshotAndMembership(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.connect(t, "hA", "A")
	fx.connect(t, "hB", "B")
	fx.tr.reset()

	require.NoError(t, fx.c.JoinRoom(ctx, "hA", "A", "R"))
	joined := fx.tr.of("hA")
	require.Len(t, joined, 1)
	assert.Equal(t, protocol.TypeRoomJoined, joined[0]["type"])
	assert.Equal(t, []any{"A", "B"}, joined[0]["online_members"])
	assert.Empty(t, fx.tr.of("hB"), "rejoin is not announced")

	err := fx.c.JoinRoom(ctx, "hA", "A", "other")
	require.ErrorIs(t, err, chat.ErrNotMember)
	err = fx.c.JoinRoom(ctx, "hA", "A", "missing")
	require.ErrorIs(t, err, chat.ErrNotMember)
	assert.False(t, fx.c.rooms.IsMember("other", "A"))
}

func TestLeaveRoom_CancelsTyping(t *testing.T) {
	fx := newFixture(t)
	fx.connect(t, "hA", "A")
	fx.connect(t, "hB", "B")
	require.NoError(t, fx.c.StartTyping(context.Background(), "A", "R"))
	fx.tr.reset()

	fx.c.LeaveRoom("A", "R")
	fx.c.LeaveRoom("A", "R")
	time.Sleep(80 * time.Millisecond)

	assert.Equal(t, []string{protocol.TypeUserLeftRoom}, fx.tr.typesOf("hB"))
	require.ErrorIs(t, fx.c.StartTyping(context.Background(), "A", "R"), chat.ErrNotMember)
	require.ErrorIs(t, fx.c.StopTyping("A", "R"), chat.ErrNotMember)
}

func TestTyping_ExpiresOnce(t *testing.T) {
	fx := newFixture(t)
	fx.connect(t, "hA", "A")
	fx.connect(t, "hB", "B")
	fx.tr.reset()

	require.NoError(t, fx.c.StartTyping(context.Background(), "A", "R"))
	require.Eventually(t, func() bool {
		return len(fx.tr.of("hB")) == 2
	}, time.Second, 5*time.Millisecond)
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, []string{protocol.TypeUserTypingStart, protocol.TypeUserTypingStop}, fx.tr.typesOf("hB"))
	assert.Empty(t, fx.tr.of("hA"))
}

func TestUpdateStatus_InvisibleShowsOffline(t *testing.T) {
	fx := newFixture(t)
	fx.connect(t, "hA", "A")
	fx.connect(t, "hB", "B")
	fx.tr.reset()

	require.NoError(t, fx.c.UpdateStatus("A", "invisible"))
	got := fx.tr.of("hB")
	require.Len(t, got, 1)
	assert.Equal(t, protocol.TypeUserStatusUpdate, got[0]["type"])
	assert.Equal(t, "offline", got[0]["status"])

	err := fx.c.UpdateStatus("A", "sleeping")
	assert.Equal(t, chat.KindValidation, chat.KindOf(err))
	e, _ := fx.c.registry.Lookup("A")
	assert.Equal(t, presence.StatusInvisible, e.Status)
}

func TestMembershipChange(t *testing.T) {
	fx := newFixture(t)
	fx.connect(t, "hA", "A")
	fx.connect(t, "hB", "B")
	require.NoError(t, fx.c.StartTyping(context.Background(), "A", "R"))
	fx.tr.reset()

	fx.c.HandleMembershipChange(messaging.MembershipChange{RoomID: "R", UserID: "A", Action: messaging.MembershipRemoved})
	assert.False(t, fx.c.rooms.IsMember("R", "A"))
	assert.False(t, fx.c.typing.Active("R", "A"))
	assert.Equal(t, []string{protocol.TypeUserLeftRoom}, fx.tr.typesOf("hB"))

	fx.c.HandleMembershipChange(messaging.MembershipChange{RoomID: "other", UserID: "B", Action: messaging.MembershipAdded})
	assert.True(t, fx.c.rooms.IsMember("other", "B"))

	fx.c.HandleMembershipChange(messaging.MembershipChange{RoomID: "other", UserID: "offline-user", Action: messaging.MembershipAdded})
	assert.False(t, fx.c.rooms.IsMember("other", "offline-user"))
}

func TestHandlers_SendAndMutate(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.connect(t, "hA", "A")
	fx.connect(t, "hB", "B")
	fx.tr.reset()

	ack, err := fx.c.handleSendMessage(ctx, conn("hA", "A"), protocol.SendMessageMsg{RoomID: "R", Content: "hello", Mentions: []string{"B"}})
	require.NoError(t, err)
	require.NotEmpty(t, ack.MessageID)
	assert.Equal(t, []string{protocol.TypeNewMessage}, fx.tr.typesOf("hA"))
	assert.Equal(t, []string{protocol.TypeNewMessage, protocol.TypeMentionNotification}, fx.tr.typesOf("hB"))

	_, err = fx.c.handlePinMessage(ctx, conn("hB", "B"), protocol.PinMessageMsg{MessageID: ack.MessageID})
	require.NoError(t, err)
	_, err = fx.c.handleDeleteMessage(ctx, conn("hA", "A"), protocol.DeleteMessageMsg{MessageID: ack.MessageID})
	require.NoError(t, err)
	_, err = fx.c.handleEditMessage(ctx, conn("hB", "B"), protocol.EditMessageMsg{MessageID: ack.MessageID, Content: "edited"})
	require.ErrorIs(t, err, chat.ErrNotAuthor)

	m, err := fx.st.GetMessage(ctx, ack.MessageID)
	require.NoError(t, err)
	assert.Equal(t, chat.DeletedPlaceholder, m.Content)
	assert.Equal(t, "B", m.PinnedBy)
}

func TestHandlers_PollVote(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.connect(t, "hA", "A")

	ack, err := fx.c.handleSendMessage(ctx, conn("hA", "A"), protocol.SendMessageMsg{
		RoomID: "R", Content: "pets", MessageType: chat.TypePoll,
		Poll: &protocol.PollPayload{Question: "Pets?", Options: []string{"Cats", "Dogs"}},
	})
	require.NoError(t, err)

	for _, idx := range []int{0, 1} {
		idx := idx
		_, err := fx.c.handlePollVote(ctx, conn("hA", "A"), protocol.PollVoteMsg{MessageID: ack.MessageID, OptionIndex: &idx})
		require.NoError(t, err)
	}

	m, err := fx.st.GetMessage(ctx, ack.MessageID)
	require.NoError(t, err)
	assert.Empty(t, m.Poll.Options[0].Voters)
	assert.Equal(t, []string{"A"}, m.Poll.Options[1].Voters)
}

func TestHandlers_RateLimitedSend(t *testing.T) {
	fx := newFixture(t, WithLimiter(denyLimiter{deny: ratelimit.RuleSend}))
	fx.connect(t, "hA", "A")
	fx.tr.reset()

	_, err := fx.c.handleSendMessage(context.Background(), conn("hA", "A"), protocol.SendMessageMsg{RoomID: "R", Content: "hi"})
	require.ErrorIs(t, err, chat.ErrRateLimited)
	assert.Empty(t, fx.tr.of("hA"))
}

func TestRegisterHandlers_CoversInboundTypes(t *testing.T) {
	fx := newFixture(t)
	d := ws.NewMessageDispatcher(time.Second)
	fx.c.RegisterHandlers(d)
	fx.connect(t, "hA", "A")
	fx.tr.reset()

	fx.c.touching(fx.c.handleLeaveRoom)(context.Background(), conn("hA", "A"), protocol.LeaveRoomMsg{RoomID: "R"})
	assert.False(t, fx.c.rooms.IsMember("R", "A"))
	assert.Equal(t, map[string]int{"users": 1, "rooms": 0, "typing": 0}, fx.c.Stats())
}

// race runs a and b at the same moment.
func race(a, b func()) {
	var wg sync.WaitGroup
	start := make(chan struct{})
	for _, fn := range []func(){a, b} {
		wg.Add(1)
		go func(fn func()) {
			defer wg.Done()
			<-start
			fn()
		}(fn)
	}
	close(start)
	wg.Wait()
}

func TestStartTyping_RacingDisconnectLeavesNoTimer(t *testing.T) {
	for i := 0; i < 500; i++ {
		fx := newFixture(t)
		fx.connect(t, "hA", "A")
		fx.connect(t, "hB", "B")
		fx.tr.reset()

		race(
			func() { _ = fx.c.StartTyping(context.Background(), "A", "R") },
			func() { fx.c.Disconnect("hA", "A") },
		)

		require.False(t, fx.c.typing.Active("R", "A"), "iteration %d", i)
		types := fx.tr.typesOf("hB")
		require.NotEmpty(t, types)
		require.Equal(t, protocol.TypeUserLeftRoom, types[len(types)-1], "iteration %d: %v", i, types)
	}
}

func TestJoinRoom_RacingDisconnectLeavesNoIndexEntry(t *testing.T) {
	for i := 0; i < 500; i++ {
		fx := newFixture(t)
		fx.connect(t, "hA", "A")

		race(
			func() { _ = fx.c.JoinRoom(context.Background(), "hA", "A", "R") },
			func() { fx.c.Disconnect("hA", "A") },
		)

		require.False(t, fx.c.rooms.IsMember("R", "A"), "iteration %d", i)
		require.Empty(t, fx.c.rooms.RoomsOf("A"), "iteration %d", i)
	}
}

func TestMembershipAdded_RacingDisconnectLeavesNoIndexEntry(t *testing.T) {
	for i := 0; i < 500; i++ {
		fx := newFixture(t)
		require.NoError(t, fx.st.AddMember(context.Background(), "other", "A", chat.RoleMember))
		fx.connect(t, "hA", "A")
		fx.c.LeaveRoom("A", "other")

		race(
			func() {
				fx.c.HandleMembershipChange(messaging.MembershipChange{RoomID: "other", UserID: "A", Action: messaging.MembershipAdded})
			},
			func() { fx.c.Disconnect("hA", "A") },
		)

		require.Empty(t, fx.c.rooms.RoomsOf("A"), "iteration %d", i)
	}
}

func TestReconnect_RacingOldTeardownKeepsRooms(t *testing.T) {
	for i := 0; i < 500; i++ {
		fx := newFixture(t)
		fx.tr.onClose = func(handle string) { fx.c.Disconnect(handle, "A") }
		fx.connect(t, "hA1", "A")

		race(
			func() { _ = fx.c.Connect(context.Background(), "hA2", "A") },
			func() { fx.c.Disconnect("hA1", "A") },
		)

		e, ok := fx.c.registry.Lookup("A")
		require.True(t, ok, "iteration %d", i)
		require.Equal(t, "hA2", e.Handle)
		require.True(t, fx.c.rooms.IsMember("R", "A"), "iteration %d", i)
	}
}
