package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Category classifies a failure by how the system should respond to it.
type Category string

// Failure categories.
const (
	// CategoryTransient covers timeouts and network faults; retry as-is.
	CategoryTransient Category = "transient"
	// CategoryOperational covers infrastructure faults on our side, such as
	// a store outage or a missing engine.
	CategoryOperational Category = "operational"
	// CategorySecurity covers active countermeasures: captchas, blocks,
	// HTTP 403/429 challenges. Retry with rotated resources.
	CategorySecurity Category = "security"
	// CategoryPermanent covers failures no retry can fix: bad input,
	// vanished pages.
	CategoryPermanent Category = "permanent"
)

// Point tags the pipeline step where an attempt stopped.
type Point string

// Failure points.
const (
	PointValidate  Point = "validate"
	PointThrottle  Point = "throttle"
	PointCircuit   Point = "circuit"
	PointRateLimit Point = "rate_limit"
	PointResource  Point = "resource"
	PointFetch     Point = "fetch"
	PointEnrich    Point = "enrich"
)

// Error is a classified attempt failure. The category and retryable flag
// drive the worker's retry decision; the point feeds diagnostics.
type Error struct {
	Category  Category
	Point     Point
	Code      string
	Message   string
	Retryable bool
	Err       error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s/%s at %s: %s: %v", e.Category, e.Code, e.Point, e.Message, e.Err)
	}
	return fmt.Sprintf("%s/%s at %s: %s", e.Category, e.Code, e.Point, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Err }

// Transient builds a retryable transient failure.
func Transient(point Point, code, message string, cause error) *Error {
	return &Error{Category: CategoryTransient, Point: point, Code: code, Message: message, Retryable: true, Err: cause}
}

// Operational builds an infrastructure failure. Retryable because the fault
// is on our side and usually recovers.
func Operational(point Point, code, message string, cause error) *Error {
	return &Error{Category: CategoryOperational, Point: point, Code: code, Message: message, Retryable: true, Err: cause}
}

// Security builds a countermeasure failure; retries should rotate the
// fingerprint and proxy first.
func Security(point Point, code, message string, cause error) *Error {
	return &Error{Category: CategorySecurity, Point: point, Code: code, Message: message, Retryable: true, Err: cause}
}

// Permanent builds a non-retryable failure.
func Permanent(point Point, code, message string, cause error) *Error {
	return &Error{Category: CategoryPermanent, Point: point, Code: code, Message: message, Err: cause}
}

// blockMarkers are response error substrings that indicate an active block
// rather than an ordinary failure.
var blockMarkers = []string{"captcha", "challenge", "blocked", "access denied", "bot detected"}

// classifyFetch turns a raw fetch result into a classified error, or nil when
// the fetch succeeded.
func classifyFetch(res FetchResult, err error) *Error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Transient(PointFetch, "timeout", "fetch exceeded its deadline", err)
	case err != nil:
		return Transient(PointFetch, "network", "fetch transport error", err)
	case res.Success:
		return nil
	}

	msg := strings.ToLower(res.Error)
	for _, marker := range blockMarkers {
		if strings.Contains(msg, marker) {
			return Security(PointFetch, "blocked", res.Error, nil)
		}
	}
	switch {
	case res.StatusCode == 401 || res.StatusCode == 403 || res.StatusCode == 429:
		return Security(PointFetch, fmt.Sprintf("http_%d", res.StatusCode), res.Error, nil)
	case res.StatusCode == 404 || res.StatusCode == 410:
		return Permanent(PointFetch, "not_found", res.Error, nil)
	case res.StatusCode >= 400 && res.StatusCode < 500:
		return Permanent(PointFetch, fmt.Sprintf("http_%d", res.StatusCode), res.Error, nil)
	case res.StatusCode >= 500:
		return Transient(PointFetch, "upstream_error", res.Error, nil)
	default:
		return Transient(PointFetch, "fetch_failed", res.Error, nil)
	}
}
