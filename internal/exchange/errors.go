package exchange

import (
	"errors"
	"fmt"
)

// ErrRateLimitExceeded is returned when the weight budget cannot be
// acquired within the maximum wait.
var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// TransportError is any failure talking to the exchange: network errors,
// non-2xx responses and undecodable payloads.
type TransportError struct {
	Op         string
	StatusCode int
	Code       int
	Message    string
	Err        error
}

func (e *TransportError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Code != 0:
		return fmt.Sprintf("exchange %s failed (%d): code %d: %s", e.Op, e.StatusCode, e.Code, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("exchange %s failed (%d): %s", e.Op, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("exchange %s failed: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("exchange %s failed: %s", e.Op, e.Message)
	}
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransportError reports whether err is or wraps a TransportError.
func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsRateLimited reports whether err came from the local weight limiter or
// from the exchange rejecting a request for exceeding its limits.
func IsRateLimited(err error) bool {
	if errors.Is(err, ErrRateLimitExceeded) {
		return true
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.StatusCode == 429 || te.StatusCode == 418
	}
	return false
}
