package chat

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the wire. The string value is sent to the
// requester as the error code.
type Kind string

const (
	KindAuthentication Kind = "authentication_error"
	KindAuthorization  Kind = "authorization_error"
	KindValidation     Kind = "validation_error"
	KindNotFound       Kind = "not_found"
	KindPersistence    Kind = "persistence_error"
	KindRateLimited    Kind = "rate_limited"
	KindInternal       Kind = "internal_error"
)

// Error is a classified failure local to one request.
type Error struct {
	Kind Kind
	Msg  string
	Err  error // optional cause
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// Sentinel errors. Compare with errors.Is.
var (
	ErrNotMember         = &Error{Kind: KindAuthorization, Msg: "not a member of this room"}
	ErrNotAuthor         = &Error{Kind: KindAuthorization, Msg: "only the author may edit this message"}
	ErrCannotDelete      = &Error{Kind: KindAuthorization, Msg: "only the author or a moderator may delete this message"}
	ErrCannotModerate    = &Error{Kind: KindAuthorization, Msg: "moderator role required"}
	ErrMessageNotFound   = &Error{Kind: KindNotFound, Msg: "message not found"}
	ErrRoomNotFound      = &Error{Kind: KindNotFound, Msg: "room not found"}
	ErrMessageDeleted    = &Error{Kind: KindNotFound, Msg: "message has been deleted"}
	ErrEditWindowExpired = &Error{Kind: KindValidation, Msg: "edit window has expired"}
	ErrNotAPoll          = &Error{Kind: KindValidation, Msg: "message is not a poll"}
	ErrPollExpired       = &Error{Kind: KindValidation, Msg: "poll has expired"}
	ErrOptionOutOfRange  = &Error{Kind: KindValidation, Msg: "poll option out of range"}
	ErrInvalidReply      = &Error{Kind: KindValidation, Msg: "reply target does not exist in this room"}
	ErrInvalidStatus     = &Error{Kind: KindValidation, Msg: "invalid presence status"}
	ErrRateLimited       = &Error{Kind: KindRateLimited, Msg: "too many requests"}
)

// Validation returns a validation error with the given message.
func Validation(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

// Persistence wraps a storage failure.
func Persistence(err error) error {
	if err == nil {
		return nil
	}
	var ce *Error
	if errors.As(err, &ce) {
		return err
	}
	return &Error{Kind: KindPersistence, Msg: "storage unavailable", Err: err}
}

// Authentication wraps a handshake credential failure.
func Authentication(err error) error {
	return &Error{Kind: KindAuthentication, Msg: "invalid credential", Err: err}
}

// KindOf returns the classification of err, or KindInternal for anything
// that was never classified.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// PublicMessage returns the text safe to send to a client. Causes are
// dropped so storage details never leave the process.
func PublicMessage(err error) string {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Msg
	}
	return "internal error"
}
