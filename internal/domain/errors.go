// Package domain defines core types, interfaces, and errors shared by the
// coordinator, its schedulers and the worker transport.
package domain

import (
	"errors"
	"fmt"
)

// NotFoundError indicates a resource was not found.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string { return e.Message }

// ValidationError indicates invalid input.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ErrNotFound creates a NotFoundError with a formatted message.
func ErrNotFound(format string, args ...interface{}) *NotFoundError {
	return &NotFoundError{Message: fmt.Sprintf(format, args...)}
}

// ErrValidation creates a ValidationError with a formatted message.
func ErrValidation(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ErrorKind tags an ExecError so that the statement executor can decide
// whether and how to retry.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindRPC
	KindTimeout
	KindRemoteFileNotFound
	KindGlobalDictNotMatch
	KindNodeNotAlive
	KindUser
)

func (k ErrorKind) String() string {
	switch k {
	case KindRPC:
		return "RPC_ERROR"
	case KindTimeout:
		return "TIMEOUT"
	case KindRemoteFileNotFound:
		return "REMOTE_FILE_NOT_FOUND"
	case KindGlobalDictNotMatch:
		return "GLOBAL_DICT_NOT_MATCH"
	case KindNodeNotAlive:
		return "CANCEL_NODE_NOT_ALIVE"
	case KindUser:
		return "USER_ERROR"
	default:
		return "INTERNAL_ERROR"
	}
}

// ExecError is the classified failure surfaced by the coordinator.
type ExecError struct {
	Kind    ErrorKind
	Code    ErrorCode
	Message string
	Host    string
	Err     error
}

func (e *ExecError) Error() string {
	if e.Host != "" {
		return fmt.Sprintf("rpc failed with %s: %s", e.Host, e.Message)
	}
	return e.Message
}

func (e *ExecError) Unwrap() error { return e.Err }

// NewExecError builds an ExecError of the given kind.
func NewExecError(kind ErrorKind, code ErrorCode, format string, args ...interface{}) *ExecError {
	return &ExecError{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the ErrorKind of err, or KindInternal when err carries none.
func KindOf(err error) ErrorKind {
	var ee *ExecError
	if errors.As(err, &ee) {
		return ee.Kind
	}
	return KindInternal
}

// IsRPCError reports whether err was classified as an RPC failure.
func IsRPCError(err error) bool { return err != nil && KindOf(err) == KindRPC }

// IsTimeout reports whether err was classified as a timeout.
func IsTimeout(err error) bool { return err != nil && KindOf(err) == KindTimeout }
