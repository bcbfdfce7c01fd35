package authgate

import (
	"context"
	"errors"
	"fmt"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// DiscoveryConfig controls the OIDC-discovery verifier.
type DiscoveryConfig struct {
	// Issuer is the provider's issuer URL; discovery happens against its
	// /.well-known/openid-configuration document. Required.
	Issuer string
	// AllowedAlgs restricts accepted signature algorithms. Asymmetric only;
	// defaults to RS256 and ES256.
	AllowedAlgs []string
	// Leeway is the clock-skew tolerance for time-based claims. Zero means
	// strict expiry checking.
	Leeway time.Duration
}

// DiscoveryVerifier validates tokens using keys discovered from the
// provider's OIDC metadata. The key set is auto-refreshed in the background,
// so key rotation needs no process restart.
type DiscoveryVerifier struct {
	issuer      string
	allowedAlgs []string
	leeway      time.Duration
	keyfunc     jwt.Keyfunc
}

var _ TokenVerifier = (*DiscoveryVerifier)(nil)

// NewDiscoveryVerifier performs OIDC discovery against cfg.Issuer to locate
// the provider's key set and returns a verifier backed by it. The context
// bounds both the discovery call and the lifetime of the background key
// refresher.
func NewDiscoveryVerifier(ctx context.Context, cfg DiscoveryConfig) (*DiscoveryVerifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("authgate: issuer is required")
	}
	algs := cfg.AllowedAlgs
	if len(algs) == 0 {
		algs = defaultAllowedAlgs
	}
	for _, alg := range algs {
		if !isAsymmetricAlg(alg) {
			return nil, fmt.Errorf("authgate: refusing non-asymmetric algorithm %q", alg)
		}
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("authgate: oidc discovery failed: %w", err)
	}
	var meta struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&meta); err != nil {
		return nil, fmt.Errorf("authgate: invalid discovery metadata: %w", err)
	}
	if meta.JwksURI == "" {
		return nil, errors.New("authgate: discovery metadata missing jwks_uri")
	}

	kf, err := keyfunc.NewDefaultCtx(ctx, []string{meta.JwksURI})
	if err != nil {
		return nil, fmt.Errorf("authgate: jwks init failed: %w", err)
	}

	return &DiscoveryVerifier{
		issuer:      cfg.Issuer,
		allowedAlgs: algs,
		leeway:      cfg.Leeway,
		keyfunc: func(t *jwt.Token) (any, error) {
			alg := t.Method.Alg()
			allowed := false
			for _, a := range algs {
				if alg == a {
					allowed = true
					break
				}
			}
			if !allowed {
				return nil, deny(ReasonInvalidTokenHeader, fmt.Errorf("disallowed alg %q", alg))
			}
			if kid, _ := t.Header["kid"].(string); kid == "" {
				return nil, deny(ReasonInvalidTokenHeader, errors.New("missing kid header"))
			}
			key, err := kf.Keyfunc(t)
			if err != nil {
				// The refresher holds the current set; a lookup failure here
				// means the declared kid is not in it.
				return nil, deny(ReasonMissingPublicKey, err)
			}
			return key, nil
		},
	}, nil
}

// Verify implements TokenVerifier with the same pipeline and reason
// classification as the static Verifier.
func (v *DiscoveryVerifier) Verify(ctx context.Context, token string) (*VerifiedClaims, error) {
	if token == "" {
		return nil, deny(ReasonMalformedToken, errors.New("empty token"))
	}

	parser := jwt.NewParser(
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.leeway),
	)
	parsed, err := parser.Parse(token, v.keyfunc)
	if err != nil {
		return nil, classifyJWTError(err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, deny(ReasonVerificationFailed, errors.New("unexpected claims type"))
	}
	return claimsFromMap(claims)
}
