package mirror

import (
	"errors"
	"fmt"
	"time"

	"telemirror/internal/model"
)

// ErrClosed is returned when submitting to a stopped dispatcher or coalescer.
var ErrClosed = errors.New("mirror: closed")

// DispatchError wraps a failed gateway call for one target.
type DispatchError struct {
	Op     string
	Target model.ChannelRef
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%s in %s: %v", e.Op, e.Target, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// StoreError wraps a failed correlation store call.
type StoreError struct {
	Op  string
	Key model.CorrelationKey
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// retryHinter is implemented by gateway errors carrying a flood-wait delay.
type retryHinter interface {
	RetryAfter() time.Duration
}

func retryAfter(err error) (time.Duration, bool) {
	var h retryHinter
	if errors.As(err, &h) && h.RetryAfter() > 0 {
		return h.RetryAfter(), true
	}
	return 0, false
}
