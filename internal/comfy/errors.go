package comfy

import (
	"errors"
	"fmt"
)

var (
	ErrReceiveTimeout = errors.New("receive timed out")
	ErrSessionClosed  = errors.New("session closed")
)

// ConnectError reports that the backend socket could not be opened or the
// handshake frame never arrived. Callers may retry.
type ConnectError struct {
	URL string
	Err error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connecting to %s: %v", e.URL, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SubmissionError reports that the backend refused a workflow. Retrying the
// same document will fail the same way.
type SubmissionError struct {
	StatusCode int
	Body       string
	NodeErrors string
}

func (e *SubmissionError) Error() string {
	if e.NodeErrors != "" {
		return fmt.Sprintf("workflow rejected: node errors %s", e.NodeErrors)
	}
	return fmt.Sprintf("workflow rejected (%d): %s", e.StatusCode, e.Body)
}
