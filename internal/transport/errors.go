package transport

import (
	"errors"
	"strconv"
	"time"
)

var (
	// ErrSubchannelUnsupported: the destination cannot host sub-channels
	// (not a forum, or the bot lacks the right to create topics).
	ErrSubchannelUnsupported = errors.New("destination does not support sub-channels")
	// ErrSubchannelGone: the sub-channel a send targeted no longer exists.
	ErrSubchannelGone = errors.New("sub-channel not found")
)

// RateLimitedError is returned when the platform asks the client to slow down.
// RetryAfter is zero when the platform gave no hint.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	msg := "rate limited"
	if e.RetryAfter > 0 {
		msg += " (retry after " + strconv.FormatFloat(e.RetryAfter.Seconds(), 'f', -1, 64) + "s)"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RateLimitedError) Unwrap() error { return e.Err }

// AsRateLimited extracts a *RateLimitedError from err's chain.
func AsRateLimited(err error) (*RateLimitedError, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl, true
	}
	return nil, false
}

// ErrPartialSend: a multi-part send failed after some parts were delivered.
// Resending would duplicate the delivered parts.
var ErrPartialSend = errors.New("partial send")

// PartialSendError reports how many parts reached the destination before
// Cause stopped the send. Its chain holds ErrPartialSend only, so retry
// policies that match on the cause (rate limits, missing sub-channels) do
// not fire.
type PartialSendError struct {
	Sent  int
	Cause error
}

func (e *PartialSendError) Error() string {
	return "partial send after " + strconv.Itoa(e.Sent) + " part(s): " + e.Cause.Error()
}

func (e *PartialSendError) Unwrap() error { return ErrPartialSend }
