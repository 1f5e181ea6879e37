package completion

import (
	"errors"
	"fmt"
)

// maxErrorBody is how much of an error response body is kept.
const maxErrorBody = 200

// UpstreamError is returned when the completion endpoint rejects a request
// or cannot be reached after all retries.
type UpstreamError struct {
	Cause      string // human-readable reason
	StatusCode int    // HTTP status, 0 if no response was received
	Body       string // response body, at most 200 characters
	Attempts   int
	Err        error // underlying transport error, if any
}

func (e *UpstreamError) Error() string {
	if e.Cause == "" && e.StatusCode != 0 {
		return fmt.Sprintf("API Error %d: %s", e.StatusCode, e.Body)
	}
	return e.Cause
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// IsUpstream reports whether err is or wraps an *UpstreamError.
func IsUpstream(err error) bool {
	var ue *UpstreamError
	return errors.As(err, &ue)
}

func truncateBody(b []byte) string {
	r := []rune(string(b))
	if len(r) > maxErrorBody {
		r = r[:maxErrorBody]
	}
	return string(r)
}
