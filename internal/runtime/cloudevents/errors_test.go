package cloudevents

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassifyError(t *testing.T) {
	cases := []struct {
		name  string
		err   error
		want  HandlerResult
		delay time.Duration
	}{
		{"nil", nil, ResultAck, 0},
		{"plain", errors.New("boom"), ResultRetry, 0},
		{"retry", ErrRetry, ResultRetry, 0},
		{"retry after", ErrRetryAfter(3*time.Second, nil), ResultRetryAfter, 3 * time.Second},
		{"dead letter", ErrDeadLetterWithReason("bad input", nil), ResultDeadLetter, 0},
		{"wrapped dead letter", fmt.Errorf("ctx: %w", ErrDeadLetter), ResultDeadLetter, 0},
		{"skip", ErrSkip, ResultSkip, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, delay := ClassifyError(tc.err)
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.delay, delay)
		})
	}
}

func TestRetryAfterMatchesRetry(t *testing.T) {
	cause := errors.New("rate limited")
	err := ErrRetryAfter(time.Minute, cause)

	assert.True(t, errors.Is(err, ErrRetry))
	assert.False(t, errors.Is(err, ErrDeadLetter))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "retry after 1m0s")
	assert.True(t, IsRetryable(err))
}

func TestDeadLetterErrorCarriesReason(t *testing.T) {
	err := ErrDeadLetterWithReason("payment already processed", errors.New("dup"))
	assert.True(t, ShouldDeadLetter(err))
	assert.Contains(t, err.Error(), "payment already processed")
	assert.Contains(t, err.Error(), "dup")
	assert.False(t, IsRetryable(err))
	assert.False(t, ShouldDeadLetter(nil))
}

func TestDeliveryStatusMapping(t *testing.T) {
	assert.NoError(t, ErrorFromStatus(""))
	assert.NoError(t, ErrorFromStatus("success"))
	assert.ErrorIs(t, ErrorFromStatus("DROP"), ErrSkip)
	assert.ErrorIs(t, ErrorFromStatus("RETRY"), ErrRetry)
	assert.ErrorIs(t, ErrorFromStatus("DEAD_LETTER"), ErrDeadLetter)
	assert.ErrorIs(t, ErrorFromStatus("MAYBE"), ErrRetry)

	for _, status := range []string{StatusSuccess, StatusDrop, StatusRetry, StatusDeadLetter} {
		assert.Equal(t, status, StatusFromError(ErrorFromStatus(status)))
	}
	assert.Equal(t, StatusRetry, StatusFromError(errors.New("boom")))
}
