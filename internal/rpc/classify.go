package rpc

import (
	"context"
	"errors"
	"net"

	apperrors "github.com/fieldsync/fieldsync/internal/errors"
)

// Class buckets an RPC failure for retry policy.
type Class int

const (
	// ClassTransient covers timeouts and temporary server unavailability;
	// retried with backoff up to the operation's budget.
	ClassTransient Class = iota
	// ClassRejected means the server actively refused the mutation. It
	// still consumes retry budget (the core cannot tell "will never
	// succeed" from a transient validation race) but the message is
	// surfaced verbatim through the operation's last error.
	ClassRejected
	// ClassFatal means the session is no longer authenticated; the
	// orchestrator halts cycles instead of burning retry budget across
	// every queued operation.
	ClassFatal
)

// Transient wraps err as a retryable failure.
func Transient(err error) error {
	return apperrors.Wrap(apperrors.ErrSyncTransient, "transient failure", err)
}

// Rejected marks a mutation the server refused.
func Rejected(message string) error {
	return apperrors.New(apperrors.ErrSyncRejected, message)
}

// AuthFailed marks a dead session.
func AuthFailed(err error) error {
	return apperrors.Wrap(apperrors.ErrSyncAuthFailed, "session no longer authenticated", err)
}

// Classify maps an RPC failure to its retry class. Unknown errors are
// treated as transient: the queue's retry bound caps the damage, while
// misclassifying a flaky network as fatal would halt sync entirely.
func Classify(err error) Class {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		switch appErr.Code {
		case apperrors.ErrSyncAuthFailed:
			return ClassFatal
		case apperrors.ErrSyncRejected, apperrors.ErrValidation, apperrors.ErrInvalid:
			return ClassRejected
		}
		return ClassTransient
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	return ClassTransient
}
