package authgate

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gatherhub/authgate/userstore"
	"github.com/gatherhub/authgate/userstore/memory"
)

type stubVerifier struct {
	claims *VerifiedClaims
	err    error
	calls  int
}

func (s *stubVerifier) Verify(_ context.Context, _ string) (*VerifiedClaims, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.claims, nil
}

type failingStore struct{}

func (failingStore) GetUser(context.Context, string) (*userstore.User, error) {
	return nil, errors.New("store down")
}
func (failingStore) UpsertUser(context.Context, userstore.Upsert) (*userstore.User, error) {
	return nil, errors.New("store down")
}
func (failingStore) Close() error { return nil }

func verifiedClaims(sub string) *VerifiedClaims {
	return &VerifiedClaims{
		Subject:   sub,
		Role:      RoleAuthenticated,
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

type denialBody struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

func doRequest(t *testing.T, m *Middleware, authHeader string) (*httptest.ResponseRecorder, int) {
	t.Helper()
	nextCalls := 0
	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalls++
		w.WriteHeader(http.StatusNoContent)
	}))
	r := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	if authHeader != "" {
		r.Header.Set("Authorization", authHeader)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w, nextCalls
}

func decodeDenial(t *testing.T, w *httptest.ResponseRecorder) denialBody {
	t.Helper()
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("want application/json, got %q", ct)
	}
	var b denialBody
	if err := json.NewDecoder(w.Body).Decode(&b); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return b
}

func TestMiddleware_NoAuthorizationHeader(t *testing.T) {
	m := NewMiddleware(&stubVerifier{}, NewSynchronizer(memory.New()))

	w, nextCalls := doRequest(t, m, "")
	if w.Code != http.StatusUnauthorized || nextCalls != 0 {
		t.Fatalf("want 401 and no next call, got %d / %d", w.Code, nextCalls)
	}
	if b := decodeDenial(t, w); b.Reason != string(ReasonMissingHeader) || b.Message == "" {
		t.Fatalf("want missing_header with message, got %+v", b)
	}
}

func TestMiddleware_WrongScheme(t *testing.T) {
	sv := &stubVerifier{}
	m := NewMiddleware(sv, NewSynchronizer(memory.New()))

	w, _ := doRequest(t, m, "Token abc")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", w.Code)
	}
	if b := decodeDenial(t, w); b.Reason != string(ReasonMissingHeader) {
		t.Fatalf("want missing_header, got %+v", b)
	}
	if sv.calls != 0 {
		t.Fatalf("verifier must not run on a wrong scheme, got %d calls", sv.calls)
	}
}

func TestMiddleware_EmptyBearerToken(t *testing.T) {
	m := NewMiddleware(&stubVerifier{}, NewSynchronizer(memory.New()))

	w, _ := doRequest(t, m, "Bearer    ")
	if b := decodeDenial(t, w); b.Reason != string(ReasonMissingHeader) {
		t.Fatalf("want missing_header, got %+v", b)
	}
}

func TestMiddleware_PropagatesVerifierReason(t *testing.T) {
	for _, reason := range []Reason{
		ReasonTokenExpired,
		ReasonJWKSFetchError,
		ReasonInvalidClaims,
		ReasonInvalidSignature,
		ReasonMissingPublicKey,
	} {
		t.Run(string(reason), func(t *testing.T) {
			m := NewMiddleware(
				&stubVerifier{err: deny(reason, errors.New("nope"))},
				NewSynchronizer(memory.New()),
			)
			w, nextCalls := doRequest(t, m, "Bearer some-token")
			if w.Code != http.StatusUnauthorized || nextCalls != 0 {
				t.Fatalf("want 401 and no next call, got %d / %d", w.Code, nextCalls)
			}
			if b := decodeDenial(t, w); b.Reason != string(reason) {
				t.Fatalf("reason not propagated unchanged: %+v", b)
			}
		})
	}
}

func TestMiddleware_DenialBodyNegotiation(t *testing.T) {
	m := NewMiddleware(&stubVerifier{}, NewSynchronizer(memory.New()))
	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next must not run")
	}))

	for _, accept := range []string{
		"",
		"application/json",
		"application/*;q=0.8, text/html",
		"text/html", // not offered; JSON is still the fallback
	} {
		r := httptest.NewRequest(http.MethodGet, "/api/events", nil)
		if accept != "" {
			r.Header.Set("Accept", accept)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("accept %q: want 401, got %d", accept, w.Code)
		}
		if b := decodeDenial(t, w); b.Reason != string(ReasonMissingHeader) {
			t.Fatalf("accept %q: want missing_header, got %+v", accept, b)
		}
	}
}

func TestMiddleware_AttachesIdentityAndSyncs(t *testing.T) {
	store := memory.New()
	claims := verifiedClaims("U1")
	claims.Email = "u1@example.test"
	claims.Profile = Profile{FirstName: "A", LastName: "B"}
	m := NewMiddleware(&stubVerifier{claims: claims}, NewSynchronizer(store))

	before, err := store.GetUser(context.Background(), "U1")
	if err != nil || before != nil {
		t.Fatalf("want no record before first sync, got %+v err %v", before, err)
	}

	var got *Identity
	nextCalls := 0
	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nextCalls++
		got, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))
	r := httptest.NewRequest(http.MethodGet, "/api/auth/user", nil)
	r.Header.Set("Authorization", "Bearer good-token")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent || nextCalls != 1 {
		t.Fatalf("want 204 and exactly one next call, got %d / %d", w.Code, nextCalls)
	}
	if got == nil || got.ID != "U1" || got.Email != "u1@example.test" || got.Role != RoleAuthenticated {
		t.Fatalf("identity mismatch: %+v", got)
	}

	after, err := store.GetUser(context.Background(), "U1")
	if err != nil || after == nil {
		t.Fatalf("want record after sync, got %+v err %v", after, err)
	}
	if after.ID != "U1" || after.FirstName != "A" || after.LastName != "B" {
		t.Fatalf("synced record mismatch: %+v", after)
	}
}

func TestMiddleware_SyncRoundTrip(t *testing.T) {
	store := memory.New()
	first := verifiedClaims("S")
	first.Role = "resident"
	first.Profile = Profile{FirstName: "A", LastName: "B"}
	m := NewMiddleware(&stubVerifier{claims: first}, NewSynchronizer(store))
	if w, _ := doRequest(t, m, "Bearer t1"); w.Code != http.StatusNoContent {
		t.Fatalf("first sync failed: %d", w.Code)
	}

	second := verifiedClaims("S")
	second.Role = "admin" // persisted role must win after first sync
	second.Profile = Profile{FirstName: "C"}
	m2 := NewMiddleware(&stubVerifier{claims: second}, NewSynchronizer(store))
	if w, _ := doRequest(t, m2, "Bearer t2"); w.Code != http.StatusNoContent {
		t.Fatalf("second sync failed: %d", w.Code)
	}

	u, err := store.GetUser(context.Background(), "S")
	if err != nil || u == nil {
		t.Fatalf("get user: %+v err %v", u, err)
	}
	if u.FirstName != "C" {
		t.Fatalf("want updated first name C, got %q", u.FirstName)
	}
	if u.LastName != "B" {
		t.Fatalf("unrelated field must remain, got %q", u.LastName)
	}
	if u.Role != "resident" {
		t.Fatalf("persisted role must be authoritative, got %q", u.Role)
	}
}

func TestMiddleware_StoreFailureIsServerError(t *testing.T) {
	m := NewMiddleware(&stubVerifier{claims: verifiedClaims("U1")}, NewSynchronizer(failingStore{}))

	w, nextCalls := doRequest(t, m, "Bearer good-token")
	if w.Code != http.StatusInternalServerError || nextCalls != 0 {
		t.Fatalf("want 500 and no next call, got %d / %d", w.Code, nextCalls)
	}
	var b denialBody
	if err := json.NewDecoder(w.Body).Decode(&b); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if b.Reason != "" {
		t.Fatalf("persistence failures are not part of the auth taxonomy, got %+v", b)
	}
}

// End to end: real static verifier, real key-set server, real memory store.
func TestMiddleware_EndToEnd(t *testing.T) {
	pk, jwksJSON := genRSA(t, "k1")
	js := newJWKSServer(t, jwksJSON)
	v := newTestVerifier(t, js.srv.URL)
	store := memory.New()
	m := NewMiddleware(v, NewSynchronizer(store))

	claims := baseClaims("U1")
	claims["email"] = "u1@example.test"
	tok := signToken(t, pk, "k1", claims)

	var got *Identity
	h := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/auth/user", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	if w.Code != http.StatusNoContent {
		t.Fatalf("want 204, got %d: %s", w.Code, w.Body.String())
	}
	if got == nil || got.ID != "U1" {
		t.Fatalf("identity mismatch: %+v", got)
	}
	if u, _ := store.GetUser(context.Background(), "U1"); u == nil || u.ID != "U1" {
		t.Fatalf("user not synced: %+v", u)
	}

	// Expired token through the same stack.
	expired := baseClaims("U1")
	expired["exp"] = time.Now().Add(-2 * time.Hour).Unix()
	r2 := httptest.NewRequest(http.MethodGet, "/api/auth/user", nil)
	r2.Header.Set("Authorization", "Bearer "+signToken(t, pk, "k1", expired))
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, r2)
	if w2.Code != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d", w2.Code)
	}
	if b := decodeDenial(t, w2); b.Reason != string(ReasonTokenExpired) {
		t.Fatalf("want token_expired, got %+v", b)
	}
}
