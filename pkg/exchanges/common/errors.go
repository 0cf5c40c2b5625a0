package common

import (
	"errors"
	"fmt"
)

// ErrorKind classifies exchange failures.
type ErrorKind string

const (
	KindNetworkTimeout ErrorKind = "NETWORK_TIMEOUT"
	KindRejected       ErrorKind = "REJECTED"
	KindRateLimited    ErrorKind = "RATE_LIMITED"
)

// ExchangeError is returned by every Gateway call that fails.
type ExchangeError struct {
	Kind    ErrorKind
	Code    int
	Message string
	Err     error
}

func (e *ExchangeError) Error() string {
	switch {
	case e.Code != 0:
		return fmt.Sprintf("exchange %s: code=%d %s", e.Kind, e.Code, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("exchange %s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("exchange %s: %s", e.Kind, e.Message)
	}
}

func (e *ExchangeError) Unwrap() error { return e.Err }

func NewNetworkError(err error) *ExchangeError {
	return &ExchangeError{Kind: KindNetworkTimeout, Err: err}
}

func NewRejected(code int, msg string) *ExchangeError {
	return &ExchangeError{Kind: KindRejected, Code: code, Message: msg}
}

func NewRateLimited(code int, msg string) *ExchangeError {
	return &ExchangeError{Kind: KindRateLimited, Code: code, Message: msg}
}

// KindOf extracts the exchange error kind, if any.
func KindOf(err error) (ErrorKind, bool) {
	var ee *ExchangeError
	if errors.As(err, &ee) {
		return ee.Kind, true
	}
	return "", false
}

// IsRetryable is true for transient transport and throttling failures.
// Rejections are terminal.
func IsRetryable(err error) bool {
	kind, ok := KindOf(err)
	return ok && (kind == KindNetworkTimeout || kind == KindRateLimited)
}
