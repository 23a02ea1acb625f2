package hlsmon

import (
	"errors"
	"fmt"
)

// Registry and selection misuse, rejected synchronously.
var (
	ErrAlreadyRunning  = errors.New("monitor already running for this client")
	ErrNoActiveSession = errors.New("no active monitor for this client")
	ErrProfileNotFound = errors.New("selected profile not found in available profiles")
)

// NetworkError is a transport level fetch failure: timeout, DNS,
// connection refused. Always retried by the poll loop's backoff.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// HTTPError marks a non-2xx response on a path where the caller treats
// it as failure. The fetch client itself returns non-2xx as data.
type HTTPError struct {
	URL    string
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d fetching %s", e.Status, e.URL)
}

// ParseError means the manifest text does not conform to the expected
// structure. Fatal for the single fetch it came from, not the session.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "parse manifest: " + e.Reason
}
