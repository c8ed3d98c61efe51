package inference

import (
	"errors"
	"fmt"

	"github.com/chirpneighbors/coordinator/internal/model"
)

// Kind is the closed set of failures an inference call can surface. Callers
// branch on Kind, never on error strings.
type Kind int

const (
	// KindTimeout: the per-call wall-clock budget expired.
	KindTimeout Kind = iota
	// KindUnavailable: the breaker is open or the collaborator kept
	// returning 5xx through all retries.
	KindUnavailable
	// KindBadRequest: the collaborator rejected the request (4xx). Permanent.
	KindBadRequest
	// KindTransport: connection-level failure that survived all retries.
	KindTransport
	// KindMalformed: the collaborator answered 200 with an undecodable or
	// incomplete body. Permanent.
	KindMalformed
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "Timeout"
	case KindUnavailable:
		return "Unavailable"
	case KindBadRequest:
		return "BadRequest"
	case KindTransport:
		return "Transport"
	case KindMalformed:
		return "Malformed"
	default:
		return "Unknown"
	}
}

// FailureReason maps an error kind onto the capture failure taxonomy.
func (k Kind) FailureReason() model.FailureReason {
	switch k {
	case KindTimeout:
		return model.ReasonTimeout
	case KindUnavailable:
		return model.ReasonUnavailable
	case KindBadRequest:
		return model.ReasonBadRequest
	case KindMalformed:
		return model.ReasonMalformed
	default:
		return model.ReasonTransport
	}
}

// Error is the typed error returned by both clients.
type Error struct {
	Kind   Kind
	Target string // "classifier" or "generator"
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("inference %s: %s: %v", e.Target, e.Kind, e.cause)
	}
	return fmt.Sprintf("inference %s: %s", e.Target, e.Kind)
}

func (e *Error) Unwrap() error { return e.cause }

// KindOf extracts the Kind from an inference error. ok is false for foreign
// errors.
func KindOf(err error) (Kind, bool) {
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind, true
	}
	return 0, false
}
