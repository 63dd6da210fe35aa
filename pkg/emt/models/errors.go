package models

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the retrieval pipeline. Wrapped errors keep these
// as their chain root so callers can use errors.Is.
var (
	ErrInvalidStopID        = errors.New("invalid stop number")
	ErrOffline              = errors.New("no network connection")
	ErrTimeout              = errors.New("request timed out")
	ErrBadRequest           = errors.New("bad request")
	ErrNotFound             = errors.New("stop not found")
	ErrTooManyRequests      = errors.New("too many requests")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrInvalidData          = errors.New("invalid data received")
	ErrAllProxiesFailed     = errors.New("all proxies failed")
	ErrServer               = errors.New("server error")
	ErrNetwork              = errors.New("network error")
)

var userMessages = []struct {
	kind error
	msg  string
}{
	{ErrInvalidStopID, "Invalid stop number. Enter a number between 1 and 99999."},
	{ErrOffline, "You are offline. Check your internet connection."},
	{ErrNotFound, "Stop not found. Check the number."},
	{ErrTimeout, "The request took too long. Try again."},
	{ErrBadRequest, "The request was rejected by the server."},
	{ErrTooManyRequests, "Too many requests. Wait a moment and try again."},
	{ErrAuthenticationFailed, "Could not authenticate with the EMT service."},
	{ErrInvalidData, "Invalid data received from the server."},
	{ErrAllProxiesFailed, "All proxy services failed. Please try again later."},
	{ErrServer, "Service temporarily unavailable. Try again in a few minutes."},
	{ErrNetwork, "Connection failed. Check your internet connection."},
}

// StopError attaches the stop number to a terminal retrieval failure
type StopError struct {
	StopID string
	Err    error
}

func (e *StopError) Error() string {
	return fmt.Sprintf("stop %s: %v", e.StopID, e.Err)
}

func (e *StopError) Unwrap() error {
	return e.Err
}

// UserMessage maps an error to the single sentence shown to end users.
// The stop number is included when the error carries one.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	msg := "Something went wrong."
	for _, m := range userMessages {
		if errors.Is(err, m.kind) {
			msg = m.msg
			break
		}
	}

	var se *StopError
	if errors.As(err, &se) && se.StopID != "" {
		return fmt.Sprintf("Stop %s: %s", se.StopID, msg)
	}
	return msg
}

// Known reports whether err wraps one of the retrieval error kinds
func Known(err error) bool {
	for _, m := range userMessages {
		if errors.Is(err, m.kind) {
			return true
		}
	}
	return false
}
