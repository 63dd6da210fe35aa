package models

import (
	"fmt"
	"strconv"
)

const (
	MinStopID       = 1
	MaxStopID       = 99999
	maxStopIDDigits = 5
)

// ValidateStopID parses a raw stop number and returns its canonical form
// (the decimal rendering of the parsed integer, so "05998" becomes "5998").
// Whitespace is not trimmed here.
func ValidateStopID(raw string) (string, error) {
	if raw == "" {
		return "", fmt.Errorf("%w: empty stop number", ErrInvalidStopID)
	}
	if len(raw) > maxStopIDDigits {
		return "", fmt.Errorf("%w: %q has more than %d digits", ErrInvalidStopID, raw, maxStopIDDigits)
	}
	for _, r := range raw {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: %q is not numeric", ErrInvalidStopID, raw)
		}
	}

	n, err := strconv.Atoi(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidStopID, raw, err)
	}
	if n < MinStopID || n > MaxStopID {
		return "", fmt.Errorf("%w: %d is outside [%d, %d]", ErrInvalidStopID, n, MinStopID, MaxStopID)
	}

	return strconv.Itoa(n), nil
}
