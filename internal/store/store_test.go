package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyhive/hive-realtime/internal/chat"
)

type backend interface {
	CreateRoom(ctx context.Context, roomID, creatorID string) error
	AddMember(ctx context.Context, roomID, userID string, role chat.Role) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	Membership(ctx context.Context, roomID, userID string) (*chat.Membership, error)
	RoomsForUser(ctx context.Context, userID string) ([]string, error)
	CreateMessage(ctx context.Context, m *chat.Message) error
	GetMessage(ctx context.Context, id string) (*chat.Message, error)
	UpdateMessage(ctx context.Context, id string, fn func(*chat.Message) error) (*chat.Message, error)
	UnreadMessageIDs(ctx context.Context, roomID, userID string, limit int) ([]string, error)
}

// backends returns the memory store and, when TEST_DATABASE_URL points at a
// reachable Postgres, the Postgres store.
func backends(t *testing.T) map[string]backend {
	t.Helper()
	out := map[string]backend{"memory": NewMemory()}

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		return out
	}
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	if err := db.Ping(); err != nil {
		t.Logf("postgres not available: %v", err)
		db.Close()
		return out
	}
	require.NoError(t, Migrate(db))
	t.Cleanup(func() { db.Close() })
	out["postgres"] = NewPostgres(db)
	return out
}

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func seedRoom(t *testing.T, s backend) string {
	t.Helper()
	ctx := context.Background()
	roomID := "test_room_" + uuid.NewString()
	require.NoError(t, s.CreateRoom(ctx, roomID, "creator"))
	require.NoError(t, s.AddMember(ctx, roomID, "alice", chat.RoleMember))
	require.NoError(t, s.AddMember(ctx, roomID, "mod", chat.RoleModerator))
	return roomID
}

func newMessage(t *testing.T, roomID, author, content string, at time.Time) *chat.Message {
	t.Helper()
	m, err := chat.NewMessage(chat.Draft{RoomID: roomID, AuthorID: author, Content: content}, at)
	require.NoError(t, err)
	return m
}

func TestMembership(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			roomID := seedRoom(t, s)

			m, err := s.Membership(ctx, roomID, "mod")
			require.NoError(t, err)
			require.Equal(t, chat.RoleModerator, m.Role)
			require.Equal(t, "creator", m.CreatorID)

			m, err = s.Membership(ctx, roomID, "creator")
			require.NoError(t, err)
			require.Equal(t, chat.RoleAdmin, m.Role)

			m, err = s.Membership(ctx, roomID, "stranger")
			require.NoError(t, err)
			require.Nil(t, m)

			_, err = s.Membership(ctx, "test_missing_room", "alice")
			require.ErrorIs(t, err, chat.ErrRoomNotFound)

			require.ErrorIs(t, s.AddMember(ctx, "test_missing_room", "x", chat.RoleMember), chat.ErrRoomNotFound)

			require.NoError(t, s.RemoveMember(ctx, roomID, "alice"))
			m, err = s.Membership(ctx, roomID, "alice")
			require.NoError(t, err)
			require.Nil(t, m)
		})
	}
}

func TestRoomsForUser(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r1 := seedRoom(t, s)
			r2 := seedRoom(t, s)

			rooms, err := s.RoomsForUser(ctx, "mod")
			require.NoError(t, err)
			require.Contains(t, rooms, r1)
			require.Contains(t, rooms, r2)
		})
	}
}

func TestMessageRoundTrip(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			roomID := seedRoom(t, s)
			m := newMessage(t, roomID, "alice", "hello", t0)
			_, _ = m.ToggleReaction("mod", "👍", t0)
			require.NoError(t, s.CreateMessage(ctx, m))

			got, err := s.GetMessage(ctx, m.ID)
			require.NoError(t, err)
			require.Equal(t, "hello", got.Content)
			require.Equal(t, []string{"mod"}, got.Reactions["👍"])
			require.True(t, got.CreatedAt.Equal(t0))

			_, err = s.GetMessage(ctx, "test_missing_message")
			require.ErrorIs(t, err, chat.ErrMessageNotFound)
		})
	}
}

func TestUpdateMessage_FailureWritesNothing(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			roomID := seedRoom(t, s)
			m := newMessage(t, roomID, "alice", "hello", t0)
			require.NoError(t, s.CreateMessage(ctx, m))

			boom := errors.New("boom")
			_, err := s.UpdateMessage(ctx, m.ID, func(m *chat.Message) error {
				m.Content = "changed"
				return boom
			})
			require.ErrorIs(t, err, boom)

			got, err := s.GetMessage(ctx, m.ID)
			require.NoError(t, err)
			require.Equal(t, "hello", got.Content)

			updated, err := s.UpdateMessage(ctx, m.ID, func(m *chat.Message) error {
				return m.Edit("alice", "edited", t0.Add(time.Minute), chat.EditWindow)
			})
			require.NoError(t, err)
			require.Equal(t, "edited", updated.Content)
			require.Len(t, updated.EditHistory, 1)
		})
	}
}

func TestUpdateMessage_ConcurrentTogglesDoNotLoseUpdates(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			roomID := seedRoom(t, s)
			m := newMessage(t, roomID, "alice", "hello", t0)
			require.NoError(t, s.CreateMessage(ctx, m))

			const n = 20
			var wg sync.WaitGroup
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					user := uuid.NewString()
					_, err := s.UpdateMessage(ctx, m.ID, func(m *chat.Message) error {
						_, err := m.ToggleReaction(user, "🔥", t0)
						return err
					})
					assert.NoError(t, err)
				}()
			}
			wg.Wait()

			got, err := s.GetMessage(ctx, m.ID)
			require.NoError(t, err)
			require.Len(t, got.Reactions["🔥"], n)
		})
	}
}

func TestUnreadMessageIDs(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			roomID := seedRoom(t, s)

			var ids []string
			for i := 0; i < 3; i++ {
				m := newMessage(t, roomID, "alice", "msg", t0.Add(time.Duration(i)*time.Second))
				require.NoError(t, s.CreateMessage(ctx, m))
				ids = append(ids, m.ID)
			}
			_, err := s.UpdateMessage(ctx, ids[1], func(m *chat.Message) error {
				m.MarkRead("mod", t0)
				return nil
			})
			require.NoError(t, err)

			unread, err := s.UnreadMessageIDs(ctx, roomID, "mod", 0)
			require.NoError(t, err)
			require.Equal(t, []string{ids[2], ids[0]}, unread)

			unread, err = s.UnreadMessageIDs(ctx, roomID, "mod", 1)
			require.NoError(t, err)
			require.Equal(t, []string{ids[2]}, unread)
		})
	}
}
