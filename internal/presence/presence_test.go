package presence

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/studyhive/hive-realtime/internal/chat"
	"github.com/studyhive/hive-realtime/internal/protocol"
)

type recordingTransport struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func newRecordingTransport() *recordingTransport {
	return &recordingTransport{frames: make(map[string][][]byte)}
}

func (rt *recordingTransport) SendMessage(handle string, data []byte) error {
	rt.mu.Lock()
	rt.frames[handle] = append(rt.frames[handle], data)
	rt.mu.Unlock()
	return nil
}

func (rt *recordingTransport) types(handle string) []string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	var out []string
	for _, f := range rt.frames[handle] {
		var env struct{ Type string }
		_ = json.Unmarshal(f, &env)
		out = append(out, env.Type)
	}
	return out
}

func TestRegistry_RegisterReturnsPrevious(t *testing.T) {
	r := NewRegistry()
	_, replaced := r.Register("u1", "c1")
	require.False(t, replaced)

	prev, replaced := r.Register("u1", "c2")
	require.True(t, replaced)
	require.Equal(t, "c1", prev.Handle)

	e, ok := r.Lookup("u1")
	require.True(t, ok)
	require.Equal(t, "c2", e.Handle)
	require.Equal(t, StatusOnline, e.Status)
	require.Equal(t, 1, r.Count())
}

func TestRegistry_DeregisterHandleIgnoresReplaced(t *testing.T) {
	r := NewRegistry()
	r.Register("u1", "c1")
	r.Register("u1", "c2")

	_, ok := r.DeregisterHandle("u1", "c1")
	require.False(t, ok)
	require.True(t, r.Online("u1"))

	_, ok = r.DeregisterHandle("u1", "c2")
	require.True(t, ok)
	require.False(t, r.Online("u1"))

	_, ok = r.Deregister("u1")
	require.False(t, ok)
}

func TestRegistry_UpdateStatus(t *testing.T) {
	r := NewRegistry()
	r.Register("u1", "c1")

	e, err := r.UpdateStatus("u1", "away")
	require.NoError(t, err)
	require.Equal(t, StatusAway, e.Status)

	_, err = r.UpdateStatus("u1", "sleeping")
	require.ErrorIs(t, err, chat.ErrInvalidStatus)
	e, _ = r.Lookup("u1")
	require.Equal(t, StatusAway, e.Status)

	_, err = r.UpdateStatus("ghost", "busy")
	require.Equal(t, chat.KindNotFound, chat.KindOf(err))
}

func TestStatus_InvisibleShownOffline(t *testing.T) {
	require.Equal(t, StatusOffline, StatusInvisible.Visible())
	require.Equal(t, StatusBusy, StatusBusy.Visible())
}

func TestRoomIndex_JoinLeave(t *testing.T) {
	r := NewRegistry()
	ri := NewRoomIndex(r)

	require.Equal(t, []string{"a"}, ri.Join("room", "a"))
	require.Equal(t, []string{"a", "b"}, ri.Join("room", "b"))
	require.Equal(t, []string{"a", "b"}, ri.Join("room", "b"))

	require.True(t, ri.Leave("room", "a"))
	require.False(t, ri.Leave("room", "a"))
	require.True(t, ri.Leave("room", "b"))
	require.Equal(t, 0, ri.RoomCount())
	require.Empty(t, ri.RoomsOf("b"))
}

func TestRoomIndex_LeaveAll(t *testing.T) {
	ri := NewRoomIndex(NewRegistry())
	ri.Join("r1", "a")
	ri.Join("r2", "a")
	ri.Join("r2", "b")

	require.Equal(t, []string{"r1", "r2"}, ri.LeaveAll("a"))
	require.Equal(t, 1, ri.RoomCount())
	require.Equal(t, []string{"b"}, ri.MembersOf("r2"))
	require.Empty(t, ri.LeaveAll("a"))
}

func TestRoomIndex_OnlineMembersIntersectsRegistry(t *testing.T) {
	r := NewRegistry()
	ri := NewRoomIndex(r)
	ri.Join("room", "a")
	ri.Join("room", "b")
	r.Register("a", "c-a")

	require.Equal(t, []string{"a"}, ri.OnlineMembersOf("room"))
	require.True(t, ri.IsMember("room", "b"))
}

func TestFanout_ToRoomSkipsOfflineAndExcluded(t *testing.T) {
	r := NewRegistry()
	ri := NewRoomIndex(r)
	tr := newRecordingTransport()
	f := NewFanout(r, ri, tr)

	for _, u := range []string{"a", "b", "c"} {
		ri.Join("room", u)
	}
	r.Register("a", "c-a")
	r.Register("b", "c-b")

	n := f.ToRoom("room", protocol.UserTypingStartEvent{RoomID: "room", UserID: "a"}, "a")
	require.Equal(t, 1, n)
	require.Equal(t, []string{protocol.TypeUserTypingStart}, tr.types("c-b"))
	require.Empty(t, tr.types("c-a"))
}

func TestFanout_ToUser(t *testing.T) {
	r := NewRegistry()
	tr := newRecordingTransport()
	f := NewFanout(r, NewRoomIndex(r), tr)

	require.False(t, f.ToUser("x", protocol.PongEvent{}))
	r.Register("x", "c-x")
	require.True(t, f.ToUser("x", protocol.PongEvent{}))
	require.Equal(t, []string{protocol.TypePong}, tr.types("c-x"))
}

func TestLastSeenStore_Record(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	s := &LastSeenStore{client: client, serverName: "test-ws"}
	t.Cleanup(func() {
		client.Del(ctx, LastSeenPrefix+"test_user")
		client.Close()
	})

	at := time.Unix(1_700_000_000, 0)
	require.NoError(t, s.Record(ctx, "test_user", StatusAway, at))

	var ls LastSeen
	require.NoError(t, client.HGetAll(ctx, LastSeenPrefix+"test_user").Scan(&ls))
	require.Equal(t, "test_user", ls.UserID)
	require.Equal(t, "away", ls.Status)
	require.Equal(t, "test-ws", ls.Server)
	require.Equal(t, at.Unix(), ls.LastSeen)

	ttl, err := client.TTL(ctx, LastSeenPrefix+"test_user").Result()
	require.NoError(t, err)
	require.Greater(t, ttl, time.Duration(0))
}
