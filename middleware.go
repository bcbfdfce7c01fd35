package authgate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/gatherhub/authgate/internal/logctx"
	"github.com/gatherhub/authgate/userstore"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
)

var (
	jsonMediaType      = contenttype.NewMediaType("application/json")
	deniableMediaTypes = []contenttype.MediaType{jsonMediaType}
)

// Identity is the request-scoped, normalized principal attached for
// downstream handlers. If it is present on a request, the synchronizer has
// already guaranteed a matching user record exists.
type Identity struct {
	ID        string
	Email     string
	Role      string
	ExpiresAt time.Time
	// Claims carries the original verified claims for audit logging.
	Claims *VerifiedClaims
}

type identityContextKey struct{}

func withIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey{}, id)
}

// IdentityFromContext retrieves the authenticated identity attached by the
// middleware. Handlers behind the middleware may trust it unconditionally.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey{}).(*Identity)
	return id, ok
}

// Middleware is the single integration point every protected route depends
// on: it extracts the bearer token, verifies it, synchronizes the local user
// record, and attaches the Identity — or terminates the request with a
// reason-coded 401. It is the only place permitted to produce a 401.
type Middleware struct {
	verifier TokenVerifier
	sync     *Synchronizer
	log      *slog.Logger
	now      func() time.Time
}

// MiddlewareOption configures optional middleware behavior.
type MiddlewareOption func(*Middleware)

// WithLogger sets the slog logger used for denial and audit lines. If not
// provided, logs are discarded.
func WithLogger(l *slog.Logger) MiddlewareOption {
	return func(m *Middleware) { m.log = l }
}

// NewMiddleware builds the middleware from a verifier and a synchronizer.
func NewMiddleware(v TokenVerifier, sync *Synchronizer, opts ...MiddlewareOption) *Middleware {
	m := &Middleware{
		verifier: v,
		sync:     sync,
		log:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Wrap returns a handler that runs the auth pipeline ahead of next: extract
// token, verify, synchronize, attach identity, then call next exactly once.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  uuid.NewString(),
			Method:     r.Method,
			Path:       r.URL.Path,
			RemoteAddr: r.RemoteAddr,
		})

		header := r.Header.Get(authorizationHeader)
		if !strings.HasPrefix(header, bearerPrefix) {
			m.deny(ctx, w, r, deny(ReasonMissingHeader, errors.New("no bearer authorization header")))
			return
		}
		token := strings.TrimSpace(header[len(bearerPrefix):])
		if token == "" {
			m.deny(ctx, w, r, deny(ReasonMissingHeader, errors.New("empty bearer token")))
			return
		}

		claims, err := m.verifier.Verify(ctx, token)
		if err != nil {
			m.deny(ctx, w, r, err)
			return
		}

		user, err := m.sync.Sync(ctx, claims)
		if err != nil {
			// Infrastructure failure, not an authentication one: the request
			// must not proceed with an unsynced identity.
			m.log.ErrorContext(ctx, "auth.sync.fail",
				slog.String("sub", claims.Subject),
				slog.String("err", err.Error()))
			writeJSON(w, r, http.StatusInternalServerError, map[string]string{
				"message": "Internal server error",
			})
			return
		}

		ident := identityFor(claims, user)
		ctx = logctx.WithAuthData(ctx, &logctx.AuthData{Subject: ident.ID, Role: ident.Role})
		m.log.DebugContext(ctx, "auth.verified",
			slog.String("sub", claims.Subject),
			slog.Duration("expires_in", claims.ExpiresAt.Sub(m.now())))

		next.ServeHTTP(w, r.WithContext(withIdentity(ctx, ident)))
	})
}

// identityFor prefers persisted record fields: the stored role is
// authoritative after first sync, with the token role as fallback only when
// the store has none.
func identityFor(claims *VerifiedClaims, user *userstore.User) *Identity {
	role := user.Role
	if role == "" {
		role = claims.Role
	}
	email := claims.Email
	if email == "" {
		email = user.Email
	}
	return &Identity{
		ID:        user.ID,
		Email:     email,
		Role:      role,
		ExpiresAt: claims.ExpiresAt,
		Claims:    claims,
	}
}

func (m *Middleware) deny(ctx context.Context, w http.ResponseWriter, r *http.Request, err error) {
	d := AsDenial(err)
	m.log.WarnContext(ctx, "auth.denied",
		slog.String("path", r.URL.Path),
		slog.String("method", r.Method),
		slog.String("reason", string(d.Reason)),
		slog.String("hint", reasonHints[d.Reason]),
	)
	writeJSON(w, r, http.StatusUnauthorized, map[string]string{
		"message": d.Reason.Message(),
		"reason":  string(d.Reason),
	})
}

// writeJSON negotiates the response media type against the request's Accept
// header. JSON is the only representation offered, so a client that cannot
// accept it still receives JSON rather than an empty body.
func writeJSON(w http.ResponseWriter, r *http.Request, status int, body any) {
	mt, _, err := contenttype.GetAcceptableMediaType(r, deniableMediaTypes)
	if err != nil {
		mt = jsonMediaType
	}
	w.Header().Set("Content-Type", mt.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
