package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies runtime failures so callers can pick a recovery or a
// user-facing message without string matching.
type ErrorKind string

const (
	KindRPCUnavailable   ErrorKind = "rpc_unavailable"
	KindRPCTimeout       ErrorKind = "rpc_timeout"
	KindToolBlocked      ErrorKind = "tool_blocked"
	KindScannerBlocked   ErrorKind = "scanner_blocked"
	KindAgentUnavailable ErrorKind = "agent_unavailable"
	KindAgentPaused      ErrorKind = "agent_paused"
	KindCapacityExceeded ErrorKind = "capacity_exceeded"
	KindInvalidArgument  ErrorKind = "invalid_argument"
	KindSchedulerSkipped ErrorKind = "scheduler_skipped"
)

// KindedError carries an ErrorKind alongside the underlying cause.
type KindedError struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *KindedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *KindedError) Unwrap() error { return e.Err }

// NewError creates a KindedError with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *KindedError {
	return &KindedError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// WrapError creates a KindedError wrapping a cause.
func WrapError(kind ErrorKind, err error, format string, args ...any) *KindedError {
	return &KindedError{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the ErrorKind of err, or "" if err carries none.
func KindOf(err error) ErrorKind {
	var ke *KindedError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
