package ytapi

import (
	"context"
	"errors"
	"fmt"
	"net"

	"google.golang.org/api/googleapi"
)

// Kind is the closed set of remote error kinds the pipelines distinguish.
type Kind string

const (
	// KindNotFound means the remote returned 404/410 for a URL or ID.
	KindNotFound Kind = "not_found"
	// KindThrottled means the remote signalled a rate limit.
	KindThrottled Kind = "throttled"
	// KindTransport covers timeouts, connection failures, and unexpected 5xx.
	KindTransport Kind = "transport"
	// KindContent means a 200 whose payload failed validation.
	KindContent Kind = "content"
	// KindCancelled means the surrounding run was interrupted.
	KindCancelled Kind = "cancelled"
)

// Error carries a Kind alongside the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, err error) *Error { return &Error{Kind: kind, Err: err} }

// KindOf classifies err into the closed kind set. Unknown errors are treated
// as transport so retry logic doesn't give up too early.
func KindOf(err error) Kind {
	if err == nil {
		return KindTransport
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return kindOfStatus(ge.Code, reasonOf(ge))
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindTransport
	}
	return KindTransport
}

// IsThrottled reports whether err is a rate-limit signal.
func IsThrottled(err error) bool { return KindOf(err) == KindThrottled }

// IsNotFound reports whether err means the remote no longer serves the item.
func IsNotFound(err error) bool { return KindOf(err) == KindNotFound }

func kindOfStatus(code int, reason string) Kind {
	switch {
	case code == 429:
		return KindThrottled
	case code == 403 && (reason == "rateLimitExceeded" || reason == "quotaExceeded" || reason == "userRateLimitExceeded"):
		// The Data API reports quota exhaustion as 403 with these reasons.
		return KindThrottled
	case code == 404 || code == 410:
		return KindNotFound
	default:
		return KindTransport
	}
}

func reasonOf(ge *googleapi.Error) string {
	if len(ge.Errors) > 0 {
		return ge.Errors[0].Reason
	}
	return ""
}
