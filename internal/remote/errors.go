package remote

import (
	"fmt"
	"net/http"
)

// StatusError is a non-2xx response from the manufacturing server.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("remote: http %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("remote: http %d", e.Status)
}

// HTTPStatus exposes the status code to the error classifier.
func (e *StatusError) HTTPStatus() int { return e.Status }

// ConflictError is an HTTP 409 carrying the server's current snapshot of the
// entity, the trigger for conflict detection and resolution.
type ConflictError struct {
	Table    string
	Snapshot map[string]any
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote: conflict on %s", e.Table)
}

// HTTPStatus reports 409 so the classifier maps this to the conflict kind.
func (e *ConflictError) HTTPStatus() int { return http.StatusConflict }
