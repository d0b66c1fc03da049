package domain

import "errors"

// Sentinel errors crossing package boundaries. The control adapter maps them
// to wire error codes; everything unmatched surfaces as internal.
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrRateLimited     = errors.New("rate limited")
	ErrTooLarge        = errors.New("too large")
	ErrServerBusy      = errors.New("server busy")
	ErrChannelFull     = errors.New("channel full")
	ErrSuperseded      = errors.New("session superseded")
	ErrBadPayload      = errors.New("bad payload")
)
