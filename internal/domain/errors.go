package domain

import "errors"

var (
	// ErrDriverUnreachable means the automation session itself is gone or
	// did not answer in time. It is the only error treated as fatal.
	ErrDriverUnreachable  = errors.New("driver unreachable")
	ErrWindowNotFound     = errors.New("window not found")
	ErrProbeFailed        = errors.New("probe failed")
	ErrSubscriptionFailed = errors.New("subscription failed")

	ErrUpstreamTimeout  = errors.New("upstream timeout")
	ErrUpstreamRejected = errors.New("upstream rejected")

	ErrConversion   = errors.New("message conversion failed")
	ErrQuoteOfQuote = errors.New("quote of quote is not allowed")
)
