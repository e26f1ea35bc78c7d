// ABOUTME: Routing error taxonomy: transport vs business vs exhausted-route.
// ABOUTME: Transport errors retry across the fallback chain; business errors never do.

package routing

import (
	"errors"
	"fmt"
	"strings"
)

// TransportError is a delivery failure (timeout, connection refused, circuit
// open). The router retries these against the next fallback in the chain.
type TransportError struct {
	Provider string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error from %s: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// BusinessError is a validation or business-rule rejection from a provider.
// Retrying a malformed request against another provider wastes quota and
// cannot succeed, so these surface to the caller verbatim.
type BusinessError struct {
	Provider string
	Code     int
	Message  string
}

func (e *BusinessError) Error() string {
	return fmt.Sprintf("provider %s rejected request (code %d): %s", e.Provider, e.Code, e.Message)
}

// NoRouteError means every candidate in the chain was exhausted. Attempted
// carries the providers tried or skipped, in order, for the caller's report.
type NoRouteError struct {
	TaskType  string
	Attempted []string
}

func (e *NoRouteError) Error() string {
	return fmt.Sprintf("no route available for task type %q (attempted: %s)",
		e.TaskType, strings.Join(e.Attempted, ", "))
}

// IsTransport reports whether err is retryable across the fallback chain.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
