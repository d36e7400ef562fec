package sitefeed

import (
	"errors"
	"fmt"
	"time"
)

// ErrKeyNotFound indicates that the requested key was not found in a cache backend
type ErrKeyNotFound struct{}

func (e *ErrKeyNotFound) Error() string {
	return "key not found"
}

// IsErrKeyNotFound checks if the error is an ErrKeyNotFound
func IsErrKeyNotFound(err error) bool {
	if err == nil {
		return false
	}
	var e *ErrKeyNotFound
	return errors.As(err, &e)
}

// ErrOverload is the upstream's "slow down" signal (HTTP 429)
type ErrOverload struct {
	Endpoint   string
	RetryAfter time.Duration // zero when the upstream sent no Retry-After
}

func (e *ErrOverload) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("upstream overloaded: %s (retry after %s)", e.Endpoint, e.RetryAfter)
	}
	return fmt.Sprintf("upstream overloaded: %s", e.Endpoint)
}

// IsOverload checks if the error carries an overload signal
func IsOverload(err error) bool {
	if err == nil {
		return false
	}
	var e *ErrOverload
	return errors.As(err, &e)
}

// ErrUpstreamStatus is returned for any non-2xx response other than 429
type ErrUpstreamStatus struct {
	Endpoint   string
	StatusCode int
	Body       string
}

func (e *ErrUpstreamStatus) Error() string {
	return fmt.Sprintf("upstream %s returned %d: %s", e.Endpoint, e.StatusCode, e.Body)
}

// Programming errors. Retrying cannot fix these, so they are the only ones surfaced.
var (
	ErrNoFetcher  = errors.New("no fetcher provided")
	ErrNoProducer = errors.New("no producer provided")
	ErrInvalidKey = errors.New("invalid cache key")
)
