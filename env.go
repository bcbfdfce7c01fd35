package authgate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/joeshaw/envdecode"
)

// envConfig is the process-start configuration surface. Missing required
// values are a startup-time fatal error for callers, never a per-request one.
type envConfig struct {
	ProviderURL string `env:"AUTH_PROVIDER_URL"`
	JWKSURL     string `env:"AUTH_JWKS_URL"`
	Issuer      string `env:"AUTH_ISSUER,required"`
	APIKey      string `env:"AUTH_API_KEY"`
}

// FromEnv loads verifier configuration from the environment. When
// AUTH_JWKS_URL is not set, the key-set URL is derived from
// AUTH_PROVIDER_URL's well-known location.
func FromEnv() (Config, error) {
	var e envConfig
	if err := envdecode.Decode(&e); err != nil {
		return Config{}, fmt.Errorf("authgate: incomplete configuration: %w", err)
	}

	jwksURL := strings.TrimRight(e.JWKSURL, "/")
	if jwksURL == "" {
		provider := strings.TrimRight(e.ProviderURL, "/")
		if provider == "" {
			return Config{}, errors.New("authgate: one of AUTH_JWKS_URL or AUTH_PROVIDER_URL must be set")
		}
		jwksURL = provider + "/.well-known/jwks.json"
	}

	return Config{
		Issuer:  e.Issuer,
		JWKSURL: jwksURL,
		APIKey:  e.APIKey,
	}, nil
}
