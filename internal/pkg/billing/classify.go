package billing

import (
	"context"
	"database/sql/driver"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/stripe/stripe-go/v75"
)

// ErrorClass labels a processing failure for the response policy: transient
// failures get a server-error response so the provider redelivers, permanent
// ones get a success response to stop redelivery.
type ErrorClass int

const (
	ClassPermanent ErrorClass = iota
	ClassTransient
)

func (c ErrorClass) String() string {
	if c == ClassTransient {
		return "transient"
	}
	return "permanent"
}

// transientFragments catches driver and infrastructure failures that only
// surface as strings.
var transientFragments = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"i/o timeout",
	"no such host",
	"too many connections",
	"invalid connection",
	"bad connection",
	"deadlock",
	"lock wait timeout",
	"try again",
}

// Classify inspects a processing failure and labels it transient or
// permanent. Pure function; applied only to handler/finalize failures, never
// to verification errors.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassPermanent
	}

	// Business ordering race: dependent record not created yet.
	if errors.Is(err, ErrDependencyNotReady) {
		return ClassTransient
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	if errors.Is(err, driver.ErrBadConn) {
		return ClassTransient
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}

	// Provider rate limits and server errors are retriable; provider 4xx
	// (invalid request, missing resource) is not.
	var sErr *stripe.Error
	if errors.As(err, &sErr) {
		if sErr.HTTPStatusCode == 429 || sErr.HTTPStatusCode >= 500 {
			return ClassTransient
		}
		return ClassPermanent
	}

	msg := strings.ToLower(err.Error())
	for _, fragment := range transientFragments {
		if strings.Contains(msg, fragment) {
			return ClassTransient
		}
	}

	// Validation errors, malformed payloads, constraint violations and
	// everything else: redelivery can never succeed.
	return ClassPermanent
}
