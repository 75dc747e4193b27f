package auth

import "fmt"

// FailureKind classifies why verification of an inbound OIDC token failed.
type FailureKind int

const (
	// FailureMalformed covers bad token structure, signature mismatches and
	// unexpected signing algorithms.
	FailureMalformed FailureKind = iota

	// FailureExpired means the token's 'exp' claim is in the past.
	FailureExpired

	// FailureInvalidAudience means the 'aud' claim does not match the
	// configured allowed audience.
	FailureInvalidAudience

	// FailureInvalidIssuer means the 'iss' claim does not match the expected
	// GitHub Actions issuer.
	FailureInvalidIssuer

	// FailureUnreachable means the JWKS endpoint could not be fetched.
	FailureUnreachable
)

func (k FailureKind) String() string {
	switch k {
	case FailureExpired:
		return "expired"
	case FailureInvalidAudience:
		return "invalid_audience"
	case FailureInvalidIssuer:
		return "invalid_issuer"
	case FailureUnreachable:
		return "unreachable"
	default:
		return "malformed"
	}
}

// VerificationError is returned by Verifier.Verify for any rejected token.
// Reason is safe to surface to the caller; the wrapped error carries the
// full library detail for logging.
type VerificationError struct {
	Kind    FailureKind
	Reason  string
	wrapped error
}

func (e *VerificationError) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.wrapped)
	}
	return e.Reason
}

func (e *VerificationError) Unwrap() error {
	return e.wrapped
}

func verificationError(kind FailureKind, reason string, err error) *VerificationError {
	return &VerificationError{
		Kind:    kind,
		Reason:  reason,
		wrapped: err,
	}
}
