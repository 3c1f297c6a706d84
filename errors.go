package tweetwatch

import (
	"fmt"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// FetchError reports that the source API could not be read. A tick that
// fails this way leaves the stored state alone and is retried on the next
// tick.
type FetchError struct {
	Op     string
	URL    string
	Status int       // HTTP status, 0 if the API was not reached
	Reset  time.Time // when the rate limit window resets, if known
	Err    error
}

func (e *FetchError) Error() string {
	msg := fmt.Sprintf("fetch %s", e.Op)
	if e.Status != 0 {
		msg += fmt.Sprintf(": status %d", e.Status)
	}
	if e.URL != "" {
		msg += fmt.Sprintf(" (url: %s)", e.URL)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *FetchError) Unwrap() error { return e.Err }

// Unauthorized reports whether the API rejected the credential.
func (e *FetchError) Unauthorized() bool {
	return e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden
}

// RateLimited reports whether the API refused the call for exceeding a rate
// limit.
func (e *FetchError) RateLimited() bool {
	return e.Status == http.StatusTooManyRequests
}

// NotifyError reports a notification that could not be delivered for one
// item. It never aborts a tick.
type NotifyError struct {
	ItemID string
	Err    error
}

func (e *NotifyError) Error() string {
	return fmt.Sprintf("notify item %s: %v", e.ItemID, e.Err)
}

func (e *NotifyError) Unwrap() error { return e.Err }

// PersistError reports that state could not be loaded or saved. It is fatal
// for the tick: carrying on would re-send or skip items next time.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("%s state: %v", e.Op, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// IsFetchError reports whether err is, or wraps, a *FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// IsPersistError reports whether err is, or wraps, a *PersistError.
func IsPersistError(err error) bool {
	var pe *PersistError
	return errors.As(err, &pe)
}

// InterruptedError reports that a tick's context ended before every new
// item was offered to the sender. Pending counts the items never attempted.
type InterruptedError struct {
	Pending int
	Err     error
}

func (e *InterruptedError) Error() string {
	return fmt.Sprintf("tick interrupted with %d notifications pending: %v", e.Pending, e.Err)
}

func (e *InterruptedError) Unwrap() error { return e.Err }

// IsInterrupted reports whether err is, or wraps, an *InterruptedError.
func IsInterrupted(err error) bool {
	var ie *InterruptedError
	return errors.As(err, &ie)
}
