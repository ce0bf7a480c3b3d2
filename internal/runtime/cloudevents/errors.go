package cloudevents

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Handler outcomes. Subscription handlers return them, directly or wrapped,
// to steer redelivery.
var (
	// ErrRetry nacks the event so the broker redelivers it.
	ErrRetry = errors.New("outrigger: retry event")
	// ErrDeadLetter moves the event to the dead-letter topic without retrying.
	ErrDeadLetter = errors.New("outrigger: send event to dead-letter topic")
	// ErrSkip acks the event without further processing.
	ErrSkip = errors.New("outrigger: drop event")
)

// Delivery statuses an application may answer with.
const (
	StatusSuccess    = "SUCCESS"
	StatusRetry      = "RETRY"
	StatusDrop       = "DROP"
	StatusDeadLetter = "DEAD_LETTER"
)

// RetryAfterError asks for redelivery after Delay.
type RetryAfterError struct {
	Delay time.Duration
	Cause error
}

func ErrRetryAfter(delay time.Duration, cause error) *RetryAfterError {
	return &RetryAfterError{Delay: delay, Cause: cause}
}

func (e *RetryAfterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("outrigger: retry after %v: %v", e.Delay, e.Cause)
	}
	return fmt.Sprintf("outrigger: retry after %v", e.Delay)
}

func (e *RetryAfterError) Unwrap() error { return e.Cause }

func (e *RetryAfterError) Is(target error) bool {
	if target == ErrRetry {
		return true
	}
	_, ok := target.(*RetryAfterError)
	return ok
}

// DeadLetterError dead-letters the event with a reason.
type DeadLetterError struct {
	Reason string
	Cause  error
}

func ErrDeadLetterWithReason(reason string, cause error) *DeadLetterError {
	return &DeadLetterError{Reason: reason, Cause: cause}
}

func (e *DeadLetterError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("outrigger: dead letter (%s): %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("outrigger: dead letter (%s)", e.Reason)
}

func (e *DeadLetterError) Unwrap() error { return e.Cause }

func (e *DeadLetterError) Is(target error) bool {
	if target == ErrDeadLetter {
		return true
	}
	_, ok := target.(*DeadLetterError)
	return ok
}

// HandlerResult is what the router does with an event after its handler ran.
type HandlerResult int

const (
	ResultAck HandlerResult = iota
	ResultRetry
	ResultRetryAfter
	ResultDeadLetter
	ResultSkip
)

func (r HandlerResult) String() string {
	switch r {
	case ResultAck:
		return "ack"
	case ResultRetry:
		return "retry"
	case ResultRetryAfter:
		return "retry_after"
	case ResultDeadLetter:
		return "dead_letter"
	case ResultSkip:
		return "drop"
	default:
		return "unknown"
	}
}

// ClassifyError maps a handler error to a result. Unknown errors retry.
func ClassifyError(err error) (HandlerResult, time.Duration) {
	if err == nil {
		return ResultAck, 0
	}
	var retryAfter *RetryAfterError
	if errors.As(err, &retryAfter) {
		return ResultRetryAfter, retryAfter.Delay
	}
	switch {
	case errors.Is(err, ErrDeadLetter):
		return ResultDeadLetter, 0
	case errors.Is(err, ErrSkip):
		return ResultSkip, 0
	default:
		return ResultRetry, 0
	}
}

// ErrorFromStatus converts an application delivery status to a handler
// error. An empty status counts as success.
func ErrorFromStatus(status string) error {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case "", StatusSuccess:
		return nil
	case StatusDrop:
		return ErrSkip
	case StatusRetry:
		return ErrRetry
	case StatusDeadLetter:
		return ErrDeadLetter
	default:
		return fmt.Errorf("%w: unknown delivery status %q", ErrRetry, status)
	}
}

// StatusFromError is the inverse of ErrorFromStatus for in-process handlers.
func StatusFromError(err error) string {
	switch result, _ := ClassifyError(err); result {
	case ResultAck:
		return StatusSuccess
	case ResultSkip:
		return StatusDrop
	case ResultDeadLetter:
		return StatusDeadLetter
	default:
		return StatusRetry
	}
}

func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	result, _ := ClassifyError(err)
	return result == ResultRetry || result == ResultRetryAfter
}

func ShouldDeadLetter(err error) bool {
	if err == nil {
		return false
	}
	result, _ := ClassifyError(err)
	return result == ResultDeadLetter
}
