package store

import (
	"errors"
	"fmt"
)

// ErrUnavailable indicates the coordination store could not be reached or a
// call timed out. Callers on the job-status path catch this, log, and
// continue; callers on the locking path treat it as "cannot safely proceed".
// Check with errors.Is().
var ErrUnavailable = errors.New("coordination store unavailable")

// wrapUnavailable maps failures from the backing service onto ErrUnavailable
// so callers can branch on a single sentinel.
func wrapUnavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
