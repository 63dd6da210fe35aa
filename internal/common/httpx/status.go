package httpx

import (
	"fmt"
	"net/http"

	"github.com/ssellini/EMT/pkg/emt/models"
)

// StatusError is a non-2xx HTTP response
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, body)
}

// Unwrap maps the status code to an error kind
func (e *StatusError) Unwrap() error {
	switch {
	case e.Code == http.StatusBadRequest:
		return models.ErrBadRequest
	case e.Code == http.StatusNotFound:
		return models.ErrNotFound
	case e.Code == http.StatusUnauthorized:
		return models.ErrAuthenticationFailed
	case e.Code == http.StatusTooManyRequests:
		return models.ErrTooManyRequests
	default:
		return models.ErrServer
	}
}
