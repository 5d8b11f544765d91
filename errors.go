package main

import (
	"errors"
	"fmt"
)

// Exit codes: 0 success, 1 user error, 2 internal invariant violation.
const (
	ExitSuccess           = 0
	ExitUserError         = 1
	ExitInvariantViolated = 2
)

// userError is a rejection the engine surfaces verbatim to the operator:
// empty stack, poisoned head, botched rebase, closed PR, concurrent
// remote update, land-on-non-head-of-stack, non-ff land, and friends.
type userError struct {
	msg string
}

func (e *userError) Error() string { return e.msg }

func errorf(format string, args ...any) error {
	return &userError{msg: fmt.Sprintf(format, args...)}
}

func wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// invariantError marks a condition that must never arise from ordinary
// user action: a bug, not a user mistake. It is never surfaced as a
// userError and always carries diagnostics.
type invariantError struct {
	msg   string
	diags string
}

func (e *invariantError) Error() string {
	if e.diags == "" {
		return "internal invariant violated: " + e.msg
	}
	return "internal invariant violated: " + e.msg + "\n" + e.diags
}

func invariantf(diags, format string, args ...any) error {
	return &invariantError{msg: fmt.Sprintf(format, args...), diags: diags}
}

// isUserError reports whether err (or something it wraps) is a userError.
func isUserError(err error) bool {
	var ue *userError
	return errors.As(err, &ue)
}

// isInvariantError reports whether err (or something it wraps) is an
// invariantError.
func isInvariantError(err error) bool {
	var ie *invariantError
	return errors.As(err, &ie)
}

// exitCodeFor maps an error to the process exit code.
func exitCodeFor(err error) int {
	switch {
	case err == nil:
		return ExitSuccess
	case isInvariantError(err):
		return ExitInvariantViolated
	default:
		return ExitUserError
	}
}
