package session

import "errors"

var (
	// ErrInvalidState reports an operation on an invalidated, terminated or wrong-role session.
	ErrInvalidState = errors.New("invalid session state")
	// ErrInvalidArgument reports a malformed or disallowed argument.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotFound is returned when a session or application session is unknown.
	ErrNotFound = errors.New("session not found")
)
