package authgate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/gatherhub/authgate/internal/jwks"
)

// TokenVerifier validates a bearer token string (already stripped of the
// Bearer prefix) and returns its verified claims. Every failure is a *Denial
// carrying one of the Reason codes.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (*VerifiedClaims, error)
}

// defaultAllowedAlgs lists the asymmetric signature algorithms accepted by
// default. Symmetric and "none" algorithms are always rejected, even when the
// token header claims them, to prevent algorithm-confusion attacks.
var defaultAllowedAlgs = []string{"RS256", "ES256"}

// Config controls the static (explicit key-set URL) verifier.
type Config struct {
	// Issuer is the exact expected value of the iss claim. Required.
	Issuer string
	// JWKSURL is the provider's published key-set endpoint. Required unless
	// the verifier is constructed from a key file.
	JWKSURL string
	// AllowedAlgs restricts accepted signature algorithms. Only asymmetric
	// algorithms may be listed. Defaults to RS256 and ES256.
	AllowedAlgs []string
	// Leeway is the clock-skew tolerance for time-based claims. Zero means
	// strict: a token is rejected the moment its exp passes. Set it only for
	// deployments with known clock drift.
	Leeway time.Duration
	// APIKey, when set, is sent as an "apikey" header on every key-set fetch.
	// Some providers gate their key endpoint behind it.
	APIKey string
	// HTTPClient used for key-set fetches. Defaults to http.DefaultClient.
	HTTPClient *http.Client
	// CacheTTL bounds how long fetched keys are served before a refetch.
	CacheTTL time.Duration
	// CacheMaxEntries bounds the number of cached keys (oldest evicted first).
	CacheMaxEntries int
	// MissBackoff is the window during which a failed resolution for a key id
	// is not retried against the endpoint.
	MissBackoff time.Duration
	// FetchTimeout bounds a single key-set fetch.
	FetchTimeout time.Duration
}

// Verifier is the static TokenVerifier: it resolves signing keys from an
// explicit key-set source and validates tokens with golang-jwt. Stateless per
// call except for the key cache.
type Verifier struct {
	issuer      string
	allowedAlgs []string
	leeway      time.Duration
	keys        jwks.Resolver
}

var _ TokenVerifier = (*Verifier)(nil)

// NewVerifier builds a Verifier that fetches keys from cfg.JWKSURL.
func NewVerifier(cfg Config) (*Verifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("authgate: issuer is required")
	}
	var headers http.Header
	if cfg.APIKey != "" {
		headers = http.Header{"Apikey": []string{cfg.APIKey}}
	}
	keys, err := jwks.New(jwks.Config{
		URL:          cfg.JWKSURL,
		HTTPClient:   cfg.HTTPClient,
		Headers:      headers,
		TTL:          cfg.CacheTTL,
		MaxEntries:   cfg.CacheMaxEntries,
		MissBackoff:  cfg.MissBackoff,
		FetchTimeout: cfg.FetchTimeout,
	})
	if err != nil {
		return nil, err
	}
	return newVerifier(cfg, keys)
}

// NewVerifierFromKeyFile builds a Verifier that reads keys from a local
// key-set file, reloading it on change. cfg.JWKSURL is ignored.
func NewVerifierFromKeyFile(path string, cfg Config) (*Verifier, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("authgate: issuer is required")
	}
	keys, err := jwks.NewFileSource(path)
	if err != nil {
		return nil, err
	}
	return newVerifier(cfg, keys)
}

func newVerifier(cfg Config, keys jwks.Resolver) (*Verifier, error) {
	algs := cfg.AllowedAlgs
	if len(algs) == 0 {
		algs = defaultAllowedAlgs
	}
	for _, alg := range algs {
		if !isAsymmetricAlg(alg) {
			return nil, fmt.Errorf("authgate: refusing non-asymmetric algorithm %q", alg)
		}
	}
	return &Verifier{
		issuer:      cfg.Issuer,
		allowedAlgs: algs,
		leeway:      cfg.Leeway,
		keys:        keys,
	}, nil
}

func isAsymmetricAlg(alg string) bool {
	switch alg {
	case "RS256", "RS384", "RS512", "PS256", "PS384", "PS512",
		"ES256", "ES384", "ES512", "EdDSA":
		return true
	}
	return false
}

// CheckKeys probes the key-set endpoint once and reports the HTTP status.
// Useful as a startup diagnostic. Returns an error for file-backed verifiers,
// which have no endpoint to probe.
func (v *Verifier) CheckKeys(ctx context.Context) (int, error) {
	c, ok := v.keys.(*jwks.Client)
	if !ok {
		return 0, errors.New("authgate: verifier has no key endpoint")
	}
	return c.Check(ctx)
}

// Verify runs the full validation pipeline: parse header, resolve key,
// check signature, validate registered claims, enforce the structural
// subject requirement. One attempt per call, no retries.
func (v *Verifier) Verify(ctx context.Context, token string) (*VerifiedClaims, error) {
	if token == "" {
		return nil, deny(ReasonMalformedToken, errors.New("empty token"))
	}

	parser := jwt.NewParser(
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.issuer),
		jwt.WithLeeway(v.leeway),
	)
	parsed, err := parser.Parse(token, v.keyfunc(ctx))
	if err != nil {
		return nil, classifyJWTError(err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, deny(ReasonVerificationFailed, errors.New("unexpected claims type"))
	}
	return claimsFromMap(claims)
}

// keyfunc enforces the algorithm allow-list before any key resolution, so a
// disallowed algorithm never triggers a key fetch.
func (v *Verifier) keyfunc(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (any, error) {
		alg := t.Method.Alg()
		allowed := false
		for _, a := range v.allowedAlgs {
			if alg == a {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil, deny(ReasonInvalidTokenHeader, fmt.Errorf("disallowed alg %q", alg))
		}
		kid, _ := t.Header["kid"].(string)
		key, err := v.keys.Key(ctx, kid)
		if err != nil {
			return nil, classifyKeyError(err)
		}
		return key, nil
	}
}

func classifyKeyError(err error) error {
	switch {
	case errors.Is(err, jwks.ErrMissingKeyID):
		return deny(ReasonInvalidTokenHeader, err)
	case errors.Is(err, jwks.ErrKeyNotFound):
		return deny(ReasonMissingPublicKey, err)
	}
	var fe *jwks.FetchError
	if errors.As(err, &fe) {
		return deny(ReasonJWKSFetchError, err)
	}
	return deny(ReasonVerificationFailed, err)
}

// classifyJWTError maps golang-jwt parse/verify failures onto the reason
// taxonomy. A Denial produced deeper in the pipeline (key resolution,
// algorithm check) passes through with its reason intact.
func classifyJWTError(err error) error {
	var d *Denial
	if errors.As(err, &d) {
		return d
	}
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return deny(ReasonMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return deny(ReasonTokenExpired, err)
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return deny(ReasonTokenNotActive, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer),
		errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return deny(ReasonInvalidClaims, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return deny(ReasonInvalidSignature, err)
	}
	return deny(ReasonVerificationFailed, err)
}
