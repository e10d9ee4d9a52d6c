package pipeline

import (
	"net/http"
	"time"
)

// Error kinds are stable wire strings; each carries its HTTP status.
const (
	KindInvalidEnvelope    = "INVALID_ENVELOPE"
	KindInvalidRequest     = "INVALID_REQUEST"
	KindUnsupportedVersion = "UNSUPPORTED_VERSION"
	KindInvalidIntent      = "INVALID_INTENT"
	KindUnauthorized       = "UNAUTHORIZED"
	KindInvalidSignature   = "INVALID_SIGNATURE"
	KindSignatureError     = "SIGNATURE_VERIFICATION_ERROR"
	KindForbidden          = "FORBIDDEN"
	KindNotFound           = "NOT_FOUND"
	KindStale              = "STALE"
	KindDuplicateEmail     = "DUPLICATE_EMAIL"
	KindReplayDetected     = "REPLAY_DETECTED"
	KindGreylisted         = "GREYLISTED"
	KindRateLimited        = "RATE_LIMIT_EXCEEDED"
	KindPaymentRequired    = "PAYMENT_REQUIRED"
	KindQuorumNotMet       = "QUORUM_NOT_MET"
	KindInsufficientFunds  = "INSUFFICIENT_FUNDS"
	KindMaxRounds          = "MAX_ROUNDS_EXCEEDED"
	KindNegotiationExpired = "NEGOTIATION_EXPIRED"
	KindInvalidTransition  = "INVALID_STATE_TRANSITION"
	KindFeatureDisabled    = "FEATURE_DISABLED"
	KindInternal           = "INTERNAL_ERROR"
)

// Fault is a rejected admission step. Kind is the stable error string the
// wire format reports; Status is the HTTP status it maps to.
type Fault struct {
	Kind       string
	Status     int
	Message    string
	RetryAfter time.Duration
	Degraded   bool
}

func (f *Fault) Error() string {
	if f.Message != "" {
		return f.Kind + ": " + f.Message
	}
	return f.Kind
}

// NewFault builds a fault with the canonical status for its kind.
func NewFault(kind, message string) *Fault {
	return &Fault{Kind: kind, Status: StatusFor(kind), Message: message}
}

// StatusFor maps an error kind to its HTTP status suggestion.
func StatusFor(kind string) int {
	switch kind {
	case KindInvalidEnvelope, KindInvalidRequest, KindUnsupportedVersion, KindInvalidIntent, KindStale:
		return http.StatusBadRequest
	case KindUnauthorized, KindInvalidSignature, KindSignatureError:
		return http.StatusUnauthorized
	case KindPaymentRequired:
		return http.StatusPaymentRequired
	case KindForbidden:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindDuplicateEmail, KindReplayDetected, KindQuorumNotMet,
		KindInsufficientFunds, KindMaxRounds, KindNegotiationExpired, KindInvalidTransition:
		return http.StatusConflict
	case KindGreylisted:
		return http.StatusTooEarly
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindFeatureDisabled:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
