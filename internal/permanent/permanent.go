package permanent

import (
	"errors"
	"net/http"
)

// Error marks delivery failures that must not be retried.
// Params: wrapped root cause.
// Returns: typed permanent error marker.
type Error struct {
	Err error
}

// Error returns wrapped error message.
// Params: none.
// Returns: string representation.
func (e Error) Error() string {
	if e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}

// Unwrap exposes wrapped cause for errors.Is/errors.As.
// Params: none.
// Returns: wrapped error.
func (e Error) Unwrap() error {
	return e.Err
}

// Mark wraps error with permanent marker.
// Params: source error.
// Returns: wrapped error or nil.
func Mark(err error) error {
	if err == nil {
		return nil
	}
	return Error{Err: err}
}

// Is reports whether error chain carries permanent marker.
// Params: candidate error.
// Returns: true when failure is non-retryable.
func Is(err error) bool {
	var marked Error
	return err != nil && errors.As(err, &marked)
}

// FromHTTPStatus marks client-side rejections as permanent.
// Params: response status and error describing it.
// Returns: permanent error for 4xx other than 408/429, original error otherwise.
func FromHTTPStatus(status int, err error) error {
	if err == nil {
		return nil
	}
	if status >= 400 && status < 500 && status != http.StatusRequestTimeout && status != http.StatusTooManyRequests {
		return Mark(err)
	}
	return err
}
