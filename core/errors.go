package core

import (
	"context"
	"errors"
	"fmt"

	"pkt.systems/notebookx/schema"
)

// CancelledError is the cancellation cause attached to a run's context.
type CancelledError struct {
	Reason schema.CancelReason
}

func (e *CancelledError) Error() string {
	if e == nil || e.Reason == schema.CancelNone {
		return "run cancelled"
	}
	return fmt.Sprintf("run cancelled (%s)", e.Reason)
}

// Is matches any CancelledError and context.Canceled.
func (e *CancelledError) Is(target error) bool {
	if target == context.Canceled {
		return true
	}
	_, ok := target.(*CancelledError)
	return ok
}

// CancelReasonOf returns the reason the context was cancelled with, or CancelNone.
func CancelReasonOf(ctx context.Context) schema.CancelReason {
	if ctx == nil || ctx.Err() == nil {
		return schema.CancelNone
	}
	var cancelled *CancelledError
	if errors.As(context.Cause(ctx), &cancelled) {
		return cancelled.Reason
	}
	return schema.CancelUser
}

// IsCancelled reports whether err signals a cancelled run.
func IsCancelled(err error) bool {
	var cancelled *CancelledError
	return errors.As(err, &cancelled) || errors.Is(err, context.Canceled)
}

// cancelCause returns the distinguished cancellation error for a cancelled context.
func cancelCause(ctx context.Context) error {
	var cancelled *CancelledError
	if errors.As(context.Cause(ctx), &cancelled) {
		return cancelled
	}
	return &CancelledError{Reason: schema.CancelUser}
}

// ExecutionError is a failure reported by the server while a run was in progress.
type ExecutionError struct {
	Op      string
	Message string
}

func (e *ExecutionError) Error() string {
	if e == nil {
		return "execution failed"
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return fmt.Sprintf("%s failed", e.Op)
}

// userMessage extracts the structured message of err, or returns fallback.
func userMessage(err error, fallback string) string {
	var remote *schema.RemoteError
	if errors.As(err, &remote) && remote.Message != "" {
		return remote.Message
	}
	var exec *ExecutionError
	if errors.As(err, &exec) && exec.Message != "" {
		return exec.Message
	}
	return fallback
}
