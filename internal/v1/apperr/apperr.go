// Package apperr defines the error taxonomy shared across the session and
// routing core. Callers classify failures by Kind to decide whether an error
// is fatal to a connection, retryable, or a final answer for the client.
package apperr

import (
	"errors"
	"fmt"
)

// Kind partitions every failure the core can surface.
type Kind int

const (
	// KindUnknown is the zero value for errors that did not originate here.
	KindUnknown Kind = iota
	// KindProtocol covers malformed, oversized, or out-of-order frames. Fatal
	// to the connection.
	KindProtocol
	// KindAuth covers missing, expired, invalid, or revoked tokens.
	KindAuth
	// KindAdmission covers rate-limit denials. Non-fatal per frame, fatal
	// after repeated denials.
	KindAdmission
	// KindLogical covers final domain answers (full room, wrong password,
	// duplicate join). Never retried.
	KindLogical
	// KindTransient covers store transport failures that exhausted the retry
	// policy. The caller may retry the whole operation.
	KindTransient
	// KindResource covers outbound-queue overflow for control-class messages.
	// Fatal to the connection.
	KindResource
	// KindShutdown marks server-initiated connection teardown.
	KindShutdown
)

func (k Kind) String() string {
	switch k {
	case KindProtocol:
		return "protocol"
	case KindAuth:
		return "auth"
	case KindAdmission:
		return "admission"
	case KindLogical:
		return "logical"
	case KindTransient:
		return "transient"
	case KindResource:
		return "resource"
	case KindShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Error carries a Kind, a stable machine-readable code sent to clients, and
// an optional wrapped cause.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a taxonomy error.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Wrap builds a taxonomy error around a cause.
func Wrap(kind Kind, code, msg string, err error) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, or KindUnknown if err is not from this
// taxonomy.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// CodeOf extracts the machine-readable code from err, or "internal".
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return "internal"
}

// IsFatalToConnection reports whether the error kind requires closing the
// framed-stream connection that produced it.
func IsFatalToConnection(err error) bool {
	switch KindOf(err) {
	case KindProtocol, KindAuth, KindResource, KindShutdown:
		return true
	default:
		return false
	}
}

// Well-known logical errors surfaced by the room registry. They are final
// answers: the dispatcher converts them into *_error responses and never
// retries them.
var (
	ErrRoomNotFound      = New(KindLogical, "not_found", "room does not exist")
	ErrRoomFull          = New(KindLogical, "full", "room is at capacity")
	ErrRoomInProgress    = New(KindLogical, "in_progress", "room already started")
	ErrWrongPassword     = New(KindLogical, "wrong_password", "room password mismatch")
	ErrUserAlreadyInRoom = New(KindLogical, "already_in_room", "user is already in a room")
	ErrUserNotInRoom     = New(KindLogical, "not_in_room", "user is not in this room")
	ErrBanned            = New(KindLogical, "banned", "user is banned from this room")
	ErrNotAuthorized     = New(KindLogical, "not_authorized", "actor is not allowed to perform this action")
	ErrNotAllReady       = New(KindLogical, "not_all_ready", "not every member is ready")
	ErrUserExists        = New(KindLogical, "user_exists", "user id already registered")
	ErrUserNotFound      = New(KindLogical, "user_not_found", "user does not exist")
)
