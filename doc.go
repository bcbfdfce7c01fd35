// Package authgate is the authentication boundary for the community
// platform: it verifies provider-issued bearer tokens against the
// provider's published signing keys, synchronizes a local user record for
// every verified subject, and attaches a normalized identity to the request
// context for downstream handlers.
//
// The package exposes two interchangeable token verifiers behind the
// TokenVerifier interface: a static verifier configured with an explicit
// key-set URL, and a discovery verifier that learns the key-set location via
// OIDC discovery. Every verification failure carries a machine-readable
// Reason surfaced to clients in the 401 body and to operators in logs.
package authgate
