package authgate

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// RoleAuthenticated is the role assumed for tokens that carry no role claim.
const RoleAuthenticated = "authenticated"

// Profile holds the optional profile metadata a provider may embed in the
// token's user_metadata object. Absent or wrong-typed fields stay empty and
// are never synchronized, so they cannot overwrite good data.
type Profile struct {
	FirstName string
	LastName  string
	AvatarURL string
}

// VerifiedClaims is the decoded, signature-checked payload of a bearer
// token. Values only ever exist after full cryptographic and claim
// validation; there is no constructor from unverified input.
type VerifiedClaims struct {
	Subject   string
	Email     string
	Role      string
	IssuedAt  time.Time
	ExpiresAt time.Time
	Profile   Profile

	raw jwt.MapClaims
}

// Claims unmarshals the full raw claim set into ref, for callers that need
// provider-specific claims beyond the normalized fields.
func (c *VerifiedClaims) Claims(ref any) error {
	b, err := json.Marshal(map[string]any(c.raw))
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}

// claimsFromMap maps a validated claim set into VerifiedClaims. Signature,
// issuer, and time validation have already happened; this enforces the
// structural requirement (non-empty sub) and extracts optional fields.
func claimsFromMap(m jwt.MapClaims) (*VerifiedClaims, error) {
	sub, _ := m["sub"].(string)
	if sub == "" {
		return nil, deny(ReasonInvalidPayload, errors.New("missing sub claim"))
	}

	vc := &VerifiedClaims{
		Subject: sub,
		Role:    RoleAuthenticated,
		raw:     m,
	}
	if email, ok := m["email"].(string); ok {
		vc.Email = email
	}
	if role, ok := m["role"].(string); ok && role != "" {
		vc.Role = role
	}
	if exp, err := m.GetExpirationTime(); err == nil && exp != nil {
		vc.ExpiresAt = exp.Time
	}
	if iat, err := m.GetIssuedAt(); err == nil && iat != nil {
		vc.IssuedAt = iat.Time
	}
	if meta, ok := m["user_metadata"].(map[string]any); ok {
		if v, ok := meta["first_name"].(string); ok {
			vc.Profile.FirstName = v
		}
		if v, ok := meta["last_name"].(string); ok {
			vc.Profile.LastName = v
		}
		if v, ok := meta["avatar_url"].(string); ok {
			vc.Profile.AvatarURL = v
		}
	}
	return vc, nil
}
