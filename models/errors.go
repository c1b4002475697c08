// parlor/models/errors.go
package models

import "errors"

// Typed results for expected, user-facing denials. Handlers translate these
// with errors.Is; none of them is a process-level failure.
var (
	ErrNotFound          = errors.New("not found")
	ErrForbidden         = errors.New("forbidden")
	ErrGone              = errors.New("message has been deleted")
	ErrPaused            = errors.New("chat is paused")
	ErrBanned            = errors.New("you are banned")
	ErrLocked            = errors.New("chat is locked")
	ErrBadCredentials    = errors.New("invalid username or password")
	ErrProtectedIdentity = errors.New("this identity cannot be sanctioned")

	// ErrStorageUnavailable wraps persistence I/O failures. The attempted
	// mutation is never silently dropped: callers may retry, and send
	// retries carry a client token so the retry cannot double-append.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
