// Package presence tracks which users are connected to this process, which
// rooms their connections are attached to, and delivers events to them.
// All state is process-local and lost on restart.
package presence

import "github.com/studyhive/hive-realtime/internal/chat"

var errNotConnected = &chat.Error{Kind: chat.KindNotFound, Msg: "user is not connected"}

// Status is a user's presence status.
type Status string

const (
	StatusOnline    Status = "online"
	StatusAway      Status = "away"
	StatusBusy      Status = "busy"
	StatusInvisible Status = "invisible"
	StatusOffline   Status = "offline"
)

// ParseStatus returns the Status named by s, or chat.ErrInvalidStatus.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusOnline, StatusAway, StatusBusy, StatusInvisible, StatusOffline:
		return st, nil
	}
	return "", chat.ErrInvalidStatus
}

// Visible is the status other users are shown. Invisible users appear
// offline.
func (s Status) Visible() Status {
	if s == StatusInvisible {
		return StatusOffline
	}
	return s
}
