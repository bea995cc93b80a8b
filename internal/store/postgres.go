package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"

	"github.com/studyhive/hive-realtime/internal/chat"
)

// Postgres stores rooms and memberships relationally and each message as a
// JSONB document.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects to dsn, verifies the connection and applies any
// pending migrations.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}

	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return NewPostgres(db), nil
}

// NewPostgres wraps an already-migrated database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate applies the embedded schema migrations to db.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: migrations source: %w", err)
	}
	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("store: migrations driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// CreateRoom creates roomID with creatorID as its admin. Creating an
// existing room is a no-op.
func (s *Postgres) CreateRoom(ctx context.Context, roomID, creatorID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	const insertRoom = `
		INSERT INTO rooms (id, creator_id) VALUES ($1, $2)
		ON CONFLICT (id) DO NOTHING`
	if _, err := tx.ExecContext(ctx, insertRoom, roomID, creatorID); err != nil {
		return fmt.Errorf("store: insert room: %w", err)
	}

	const insertCreator = `
		INSERT INTO room_members (room_id, user_id, role) VALUES ($1, $2, 'admin')
		ON CONFLICT (room_id, user_id) DO NOTHING`
	if _, err := tx.ExecContext(ctx, insertCreator, roomID, creatorID); err != nil {
		return fmt.Errorf("store: insert creator: %w", err)
	}
	return tx.Commit()
}

// AddMember adds or updates userID's role in roomID.
func (s *Postgres) AddMember(ctx context.Context, roomID, userID string, role chat.Role) error {
	const query = `
		INSERT INTO room_members (room_id, user_id, role)
		SELECT $1, $2, $3 WHERE EXISTS (SELECT 1 FROM rooms WHERE id = $1)
		ON CONFLICT (room_id, user_id) DO UPDATE SET role = EXCLUDED.role`
	res, err := s.db.ExecContext(ctx, query, roomID, userID, string(role))
	if err != nil {
		return fmt.Errorf("store: upsert member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return chat.ErrRoomNotFound
	}
	return nil
}

// RemoveMember deletes userID's membership of roomID.
func (s *Postgres) RemoveMember(ctx context.Context, roomID, userID string) error {
	const query = `DELETE FROM room_members WHERE room_id = $1 AND user_id = $2`
	if _, err := s.db.ExecContext(ctx, query, roomID, userID); err != nil {
		return fmt.Errorf("store: delete member: %w", err)
	}
	return nil
}

// Membership returns userID's membership of roomID, or nil when userID is
// not a member.
func (s *Postgres) Membership(ctx context.Context, roomID, userID string) (*chat.Membership, error) {
	const query = `
		SELECT r.creator_id, m.role
		FROM rooms r
		LEFT JOIN room_members m ON m.room_id = r.id AND m.user_id = $2
		WHERE r.id = $1`

	var creatorID string
	var role sql.NullString
	err := s.db.QueryRowContext(ctx, query, roomID, userID).Scan(&creatorID, &role)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: query membership: %w", err)
	}
	if !role.Valid {
		return nil, nil
	}
	return &chat.Membership{
		RoomID:    roomID,
		UserID:    userID,
		Role:      chat.Role(role.String),
		CreatorID: creatorID,
	}, nil
}

// RoomsForUser returns every room userID belongs to, sorted.
func (s *Postgres) RoomsForUser(ctx context.Context, userID string) ([]string, error) {
	const query = `SELECT room_id FROM room_members WHERE user_id = $1 ORDER BY room_id`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: query rooms: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan room: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CreateMessage stores a new message.
func (s *Postgres) CreateMessage(ctx context.Context, m *chat.Message) error {
	doc, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("store: marshal message: %w", err)
	}

	const query = `
		INSERT INTO messages (id, room_id, author_id, created_at, doc)
		VALUES ($1, $2, $3, $4, $5)`
	if _, err := s.db.ExecContext(ctx, query, m.ID, m.RoomID, m.AuthorID, m.CreatedAt, string(doc)); err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}
	return nil
}

// GetMessage returns the message with id.
func (s *Postgres) GetMessage(ctx context.Context, id string) (*chat.Message, error) {
	const query = `SELECT doc FROM messages WHERE id = $1`
	var doc []byte
	err := s.db.QueryRowContext(ctx, query, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: query message: %w", err)
	}
	return decodeMessage(doc)
}

// UpdateMessage locks the message row, applies fn to the decoded document
// and writes it back in the same transaction. Nothing is written when fn
// fails, and fn's error is returned unchanged.
func (s *Postgres) UpdateMessage(ctx context.Context, id string, fn func(*chat.Message) error) (*chat.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	var doc []byte
	err = tx.QueryRowContext(ctx, `SELECT doc FROM messages WHERE id = $1 FOR UPDATE`, id).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, chat.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: lock message: %w", err)
	}

	m, err := decodeMessage(doc)
	if err != nil {
		return nil, err
	}
	if err := fn(m); err != nil {
		return nil, err
	}

	next, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("store: marshal message: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE messages SET doc = $2 WHERE id = $1`, id, string(next)); err != nil {
		return nil, fmt.Errorf("store: update message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit: %w", err)
	}
	return m, nil
}

// UnreadMessageIDs returns up to limit of the newest messages in roomID
// that userID has no receipt for, newest first.
func (s *Postgres) UnreadMessageIDs(ctx context.Context, roomID, userID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = DefaultUnreadLimit
	}
	receipt, err := json.Marshal([]map[string]string{{"user_id": userID}})
	if err != nil {
		return nil, fmt.Errorf("store: marshal receipt: %w", err)
	}

	const query = `
		SELECT id FROM messages
		WHERE room_id = $1
		  AND NOT (COALESCE(doc->'read_by', '[]'::jsonb) @> $2::jsonb)
		ORDER BY created_at DESC
		LIMIT $3`
	rows, err := s.db.QueryContext(ctx, query, roomID, string(receipt), limit)
	if err != nil {
		return nil, fmt.Errorf("store: query unread: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan unread: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Close closes the database handle.
func (s *Postgres) Close() error {
	return s.db.Close()
}

func decodeMessage(doc []byte) (*chat.Message, error) {
	var m chat.Message
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, fmt.Errorf("store: decode message: %w", err)
	}
	return &m, nil
}
