package wire

import (
	"errors"
	"fmt"
)

// ErrorCode is the error enum carried inside an ErrorResponse
type ErrorCode string

const (
	ErrBadRequest        ErrorCode = "bad_request"
	ErrNotLeader         ErrorCode = "not_leader"
	ErrSyncTimeout       ErrorCode = "sync_timeout"
	ErrLeaderUnreachable ErrorCode = "leader_unreachable"
	ErrProposalDropped   ErrorCode = "proposal_dropped"
	ErrNoSuchInode       ErrorCode = "no_such_inode"
	ErrNoSuchEntry       ErrorCode = "no_such_entry"
	ErrNameExists        ErrorCode = "name_exists"
	ErrNotEmpty          ErrorCode = "not_empty"
	ErrWrongKind         ErrorCode = "wrong_kind"
	ErrNotSupported      ErrorCode = "not_supported"
	ErrLockConflict      ErrorCode = "lock_conflict"
	ErrStorageIO         ErrorCode = "storage_io"
	ErrInternal          ErrorCode = "internal"
)

// Error is an ErrorCode as a Go error, so handlers can return typed failures
// that the router turns into an ErrorResponse.
type Error struct {
	Code ErrorCode
}

func (e *Error) Error() string {
	return fmt.Sprintf("fleetfs: %s", e.Code)
}

// NewError wraps code as an error value
func NewError(code ErrorCode) *Error {
	return &Error{Code: code}
}

// CodeOf extracts the wire error code from err, mapping unknown errors to
// internal.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ErrInternal
	}
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Code
	}
	return ErrInternal
}
