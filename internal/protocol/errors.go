package protocol

import (
	"errors"

	"github.com/dkeye/Chorus/internal/domain"
)

type ErrorCode string

const (
	CodeUnauthenticated ErrorCode = "unauthenticated"
	CodeForbidden       ErrorCode = "forbidden"
	CodeNotFound        ErrorCode = "not_found"
	CodeConflict        ErrorCode = "conflict"
	CodeRateLimited     ErrorCode = "rate_limited"
	CodeTooLarge        ErrorCode = "too_large"
	CodeServerBusy      ErrorCode = "server_busy"
	CodeSuperseded      ErrorCode = "superseded"
	CodeBadRequest      ErrorCode = "bad_request"
	CodeInternal        ErrorCode = "internal"
)

// AppErrorCode maps a wire code onto the numeric application error carried in
// the transport CONNECTION_CLOSE.
func AppErrorCode(c ErrorCode) uint64 {
	switch c {
	case CodeUnauthenticated:
		return 1
	case CodeForbidden:
		return 2
	case CodeNotFound:
		return 3
	case CodeConflict:
		return 4
	case CodeRateLimited:
		return 5
	case CodeTooLarge:
		return 6
	case CodeServerBusy:
		return 7
	case CodeSuperseded:
		return 8
	case CodeBadRequest:
		return 10
	default:
		return 9
	}
}

// CodeForError maps domain sentinels onto wire codes. Anything unmatched is
// internal so storage details never leak to clients.
func CodeForError(err error) ErrorCode {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, domain.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, domain.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, domain.ErrConflict):
		return CodeConflict
	case errors.Is(err, domain.ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, domain.ErrTooLarge):
		return CodeTooLarge
	case errors.Is(err, domain.ErrChannelFull), errors.Is(err, domain.ErrServerBusy):
		return CodeServerBusy
	case errors.Is(err, domain.ErrBadPayload),
		errors.Is(err, domain.ErrMessageEmpty),
		errors.Is(err, domain.ErrDisplayNameEmpty),
		errors.Is(err, domain.ErrDisplayNameTooLong),
		errors.Is(err, domain.ErrChannelNameEmpty),
		errors.Is(err, domain.ErrChannelNameTooLong):
		return CodeBadRequest
	case errors.Is(err, domain.ErrSuperseded):
		return CodeSuperseded
	default:
		return CodeInternal
	}
}
