// Package apperr defines the pipeline's failure taxonomy. Callers branch on the
// Kind of an error instead of treating every failure the same way.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// Kind classifies a failure
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransient covers timeouts, 5xx and rate limits. Retry-eligible.
	KindTransient
	// KindPermanent covers validation failures that retrying cannot fix.
	KindPermanent
	// KindResolution means no ticket could be found or created.
	KindResolution
	// KindOracle means the decision step failed.
	KindOracle
	// KindEscalation is an explicit request for human intervention.
	KindEscalation
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindResolution:
		return "resolution"
	case KindOracle:
		return "oracle"
	case KindEscalation:
		return "escalation"
	default:
		return "unknown"
	}
}

// Error is a classified pipeline error
type Error struct {
	Kind   Kind
	Op     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Reason
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, msg)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps err as a retry-eligible failure
func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Err: err}
}

// Permanent builds a non-retryable failure
func Permanent(op, reason string, err error) error {
	return &Error{Kind: KindPermanent, Op: op, Reason: reason, Err: err}
}

// Resolution builds a ticket resolution failure
func Resolution(op, reason string, err error) error {
	return &Error{Kind: KindResolution, Op: op, Reason: reason, Err: err}
}

// Oracle builds a decision oracle failure
func Oracle(op string, err error) error {
	return &Error{Kind: KindOracle, Op: op, Err: err}
}

// Escalation builds an explicit escalation signal
func Escalation(op, reason string) error {
	return &Error{Kind: KindEscalation, Op: op, Reason: reason}
}

// KindOf returns the Kind of the first classified error in err's chain.
// Unclassified errors are inspected by Classify.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Classify(err)
}

// IsTransient reports whether err is retry-eligible
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsPermanent reports whether err is a permanent failure
func IsPermanent(err error) bool { return KindOf(err) == KindPermanent }

// IsResolution reports whether err is a resolution failure
func IsResolution(err error) bool { return KindOf(err) == KindResolution }

// Classify maps unclassified errors from the standard library onto a Kind.
// Timeouts count as transient.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindTransient
	}
	return KindUnknown
}

// FromStatus classifies an HTTP status code
func FromStatus(status int) Kind {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return KindTransient
	case status >= 400:
		return KindPermanent
	default:
		return KindUnknown
	}
}
