package errors

import (
	"errors"
	"time"
)

// baser is satisfied by every error kind in this package through its
// embedded *BaseError.
type baser interface {
	base() *BaseError
}

// baseOf digs the shared BaseError out of err, unwrapping as needed.
func baseOf(err error) *BaseError {
	var b baser
	if errors.As(err, &b) {
		return b.base()
	}
	return nil
}

// KindOf extracts the taxonomy kind from an error, or KindInternal for
// errors that did not originate in this package.
func KindOf(err error) Kind {
	if b := baseOf(err); b != nil {
		return b.Kind
	}
	return KindInternal
}

// IsRetryable reports whether the operation that produced err may be
// re-attempted with backoff.
func IsRetryable(err error) bool {
	if b := baseOf(err); b != nil {
		return b.Retryable
	}
	return false
}

// IsNetworkClass reports whether err should count against the circuit
// breaker's failure window. Transport failures, 5xx responses and
// 429/503 throttling qualify; other rejections (validation, auth,
// permission, not-found, conflict) say nothing about endpoint health.
func IsNetworkClass(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindServer, KindRetryable:
		return true
	}
	return false
}

// GetRetryAfter extracts the server-suggested retry delay, if any.
func GetRetryAfter(err error) *time.Duration {
	if b := baseOf(err); b != nil {
		return b.RetryAfter
	}
	return nil
}

// SummaryOf returns a compact diagnostic string for err, suitable for
// the pending operation's last_error field.
func SummaryOf(err error) string {
	if err == nil {
		return ""
	}
	if b := baseOf(err); b != nil {
		return b.Summary()
	}
	return err.Error()
}
