package authgate

import (
	"errors"
	"fmt"
)

// Reason is the machine-readable classification of an authentication
// failure. Every rejection maps to exactly one Reason; no layer may
// re-classify or swallow it on the way to the HTTP boundary.
type Reason string

const (
	// ReasonMissingHeader: no Authorization header, wrong scheme, or an
	// empty token after the Bearer prefix.
	ReasonMissingHeader Reason = "missing_header"
	// ReasonMalformedToken: the token does not parse as a signed JWT.
	ReasonMalformedToken Reason = "malformed_token"
	// ReasonInvalidTokenHeader: the protected header is missing a key id or
	// declares an algorithm outside the allow-list.
	ReasonInvalidTokenHeader Reason = "invalid_token_header"
	// ReasonJWKSFetchError: the key-set endpoint was unreachable, timed out,
	// or returned a non-2xx response.
	ReasonJWKSFetchError Reason = "jwks_fetch_error"
	// ReasonMissingPublicKey: the key id is not present in the fetched set.
	ReasonMissingPublicKey Reason = "missing_public_key"
	// ReasonInvalidSignature: cryptographic verification failed.
	ReasonInvalidSignature Reason = "invalid_signature"
	// ReasonTokenExpired: the exp claim is in the past.
	ReasonTokenExpired Reason = "token_expired"
	// ReasonTokenNotActive: the nbf claim is in the future.
	ReasonTokenNotActive Reason = "token_not_active"
	// ReasonInvalidClaims: issuer mismatch or a missing required claim.
	ReasonInvalidClaims Reason = "invalid_claims"
	// ReasonInvalidPayload: the subject claim is absent or empty.
	ReasonInvalidPayload Reason = "invalid_payload"
	// ReasonVerificationFailed: any otherwise-unclassified failure.
	ReasonVerificationFailed Reason = "auth_verification_failed"
)

// Denial is a classified authentication failure. It wraps the underlying
// cause so operators can diagnose it, while clients only ever see the Reason.
type Denial struct {
	Reason Reason
	Err    error
}

func (d *Denial) Error() string {
	if d.Err != nil {
		return fmt.Sprintf("%s: %v", d.Reason, d.Err)
	}
	return string(d.Reason)
}

func (d *Denial) Unwrap() error { return d.Err }

func deny(r Reason, err error) *Denial {
	return &Denial{Reason: r, Err: err}
}

// AsDenial extracts the Denial from err, classifying anything else as
// auth_verification_failed. The Reason of an existing Denial is preserved
// unchanged no matter how deeply it is wrapped.
func AsDenial(err error) *Denial {
	var d *Denial
	if errors.As(err, &d) {
		return d
	}
	return &Denial{Reason: ReasonVerificationFailed, Err: err}
}

var reasonMessages = map[Reason]string{
	ReasonMissingHeader:      "Unauthorized - Missing bearer token",
	ReasonMalformedToken:     "Unauthorized - Malformed token",
	ReasonInvalidTokenHeader: "Unauthorized - Invalid token header",
	ReasonJWKSFetchError:     "Unauthorized - Unable to fetch signing keys",
	ReasonMissingPublicKey:   "Unauthorized - Unknown signing key",
	ReasonInvalidSignature:   "Unauthorized - Invalid token signature",
	ReasonTokenExpired:       "Unauthorized - Token expired",
	ReasonTokenNotActive:     "Unauthorized - Token not yet active",
	ReasonInvalidClaims:      "Unauthorized - Invalid token claims",
	ReasonInvalidPayload:     "Unauthorized - Invalid token payload",
	ReasonVerificationFailed: "Unauthorized - Auth verification failed",
}

// Message returns the human-readable companion to a reason code, suitable
// for the 401 response body.
func (r Reason) Message() string {
	if m, ok := reasonMessages[r]; ok {
		return m
	}
	return reasonMessages[ReasonVerificationFailed]
}

// reasonHints are operator-facing diagnostics attached to denial log lines.
// They never reach the client.
var reasonHints = map[Reason]string{
	ReasonMissingHeader:      "Ensure the client sends Authorization: Bearer <token>.",
	ReasonMalformedToken:     "The credential is not a structured signed token.",
	ReasonInvalidTokenHeader: "Token header missing kid or using a disallowed algorithm.",
	ReasonJWKSFetchError:     "Unable to fetch the key set. Verify the key-set URL, api key header, and network access.",
	ReasonMissingPublicKey:   "Key id not found in the key set; the provider may have rotated keys.",
	ReasonInvalidSignature:   "Token signature rejected; confirm provider keys and service URLs.",
	ReasonTokenExpired:       "Session expired; the client should refresh its session.",
	ReasonTokenNotActive:     "Token is not yet valid; check system clock drift.",
	ReasonInvalidClaims:      "Issuer mismatch or a required claim is missing.",
	ReasonInvalidPayload:     "Token payload is missing the required subject claim.",
	ReasonVerificationFailed: "Unexpected verification failure; check server logs for details.",
}
