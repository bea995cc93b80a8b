// Package store persists rooms, memberships and message aggregates. Memory
// keeps everything in process for development and tests; Postgres stores
// each message as a JSONB document next to relational room membership.
package store

import (
	"embed"
	"time"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// DefaultUnreadLimit caps how many messages one room-wide mark_read covers.
const DefaultUnreadLimit = 200

// opTimeout bounds a single migration or ping at startup.
const opTimeout = 10 * time.Second
