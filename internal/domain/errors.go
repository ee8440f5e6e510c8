package domain

import (
	"errors"
	"fmt"
	"time"
)

// ErrOperationNotFound is returned when an operation id is unknown.
var ErrOperationNotFound = errors.New("operation not found")

// ErrOperationExpired is returned when an operation's expiry passed before it
// could be executed.
var ErrOperationExpired = errors.New("operation expired before execution")

// ErrRouteNotFound is returned when no route exists for an operation type.
var ErrRouteNotFound = errors.New("route not found")

// ErrRouteDisabled is returned when the route for an operation type exists but
// is switched off.
var ErrRouteDisabled = errors.New("route disabled")

// ErrCircuitOpen is a pre-flight rejection: every candidate provider for the
// operation is unhealthy. It tells the caller "the providers are broken", as
// opposed to "your request is broken".
var ErrCircuitOpen = errors.New("all candidate providers unavailable")

// ErrRetryExhausted is returned when a transient failure has been retried up
// to the ceiling.
var ErrRetryExhausted = errors.New("retry attempts exhausted")

// ErrInvoiceNotFound is returned when an invoice id is unknown.
var ErrInvoiceNotFound = errors.New("invoice not found")

// QuotaExceededError is an admission-control rejection raised at submission
// time when a tenant's daily quota cannot cover the request.
type QuotaExceededError struct {
	TenantID  string
	Used      int
	Ceiling   int
	Remaining int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("tenant %s exceeded daily quota: used %d of %d (%d remaining)",
		e.TenantID, e.Used, e.Ceiling, e.Remaining)
}

// RateLimitedError is an admission-control rejection raised when a tenant's
// token bucket cannot cover the request right now.
type RateLimitedError struct {
	TenantID   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("tenant %s rate limited, retry after %s", e.TenantID, e.RetryAfter)
}
