// Package errors provides the error-kind taxonomy shared by every jobctl
// component (§7 of the design). Kinds are compared with errors.Is against
// the small set of sentinel values below; callers that need a message wrap
// a sentinel with New/Newf.
package errors

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Is, As and Unwrap re-export the standard library so callers only need to
// import this package at error-handling call sites.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
)

// Kind sentinels, one per §7 error kind. They are never returned bare; they
// are always wrapped with a message via New or Newf.
var (
	// InvalidArgument indicates a malformed payload, schema violation, or
	// encode/decode failure.
	InvalidArgument = errors.New("invalid argument")
	// NotFound indicates an unknown jobid, missing key, or missing pid/label.
	NotFound = errors.New("not found")
	// Permission indicates the sender was not authorized.
	Permission = errors.New("permission denied")
	// AgainLater indicates a transient condition; the caller should retry.
	AgainLater = errors.New("try again")
	// AlreadyExists indicates a duplicate label or duplicate drain without
	// overwrite.
	AlreadyExists = errors.New("already exists")
	// NoData indicates a streaming RPC has reached its natural end.
	NoData = errors.New("no data")
	// NoSystem indicates the service is shutting down or not loaded.
	NoSystem = errors.New("no system")
	// Overflow indicates a buffer or limit was exceeded.
	Overflow = errors.New("overflow")
	// Timeout indicates a deadline was reached.
	Timeout = errors.New("timeout")
	// Protocol indicates a peer misbehaved.
	Protocol = errors.New("protocol error")
	// Deadlock indicates the SDExec stop escalation was exhausted.
	Deadlock = errors.New("deadlock")
)

// New builds an error of the given kind carrying msg, suitable for
// errors.Is(err, kind) checks at call sites.
func New(kind error, msg string) error {
	return fmt.Errorf("%w: %s", kind, msg)
}

// Newf is New with Printf-style formatting.
func Newf(kind error, format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// Wrap returns a new error wrapping the passed error with a stack trace. If
// the passed error is nil, nil is returned. Used at syscall-adjacent
// boundaries the way the teacher's reexec package uses pkg/errors.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	return pkgerrors.WithStack(err)
}

// Wrapf is Wrap with an additional formatted message.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return pkgerrors.Wrapf(err, format, args...)
}
