package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/records"
	"github.com/golang-jwt/jwt/v5"
)

type stubResolver struct {
	owner string
	err   error
	calls int
}

func (r *stubResolver) ResolveCanonicalUserID(claims SessionClaims) (string, error) {
	r.calls++
	if r.err != nil {
		return "", r.err
	}
	return r.owner, nil
}

func newTestAuthenticator(t *testing.T, resolver IdentityResolver) (*Authenticator, *TokenIssuer) {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("bearer-secret"),
		Issuer:        "notesync-api",
		Audience:      "notesync-clients",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	sessions, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build session validator: %v", err)
	}
	authenticator, err := NewAuthenticator(AuthenticatorConfig{Tokens: issuer, Sessions: sessions, Resolver: resolver})
	if err != nil {
		t.Fatalf("failed to build authenticator: %v", err)
	}
	return authenticator, issuer
}

func signedSessionCookie(t *testing.T) *http.Cookie {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, SessionClaims{
		UserID: "google:" + testSessionUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign session: %v", err)
	}
	return &http.Cookie{Name: testSessionCookieName, Value: signed}
}

func TestNewAuthenticatorRequiresAMethod(t *testing.T) {
	if _, err := NewAuthenticator(AuthenticatorConfig{}); !errors.Is(err, ErrNoAuthenticationMethod) {
		t.Fatalf("expected missing method error, got %v", err)
	}
	sessions, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte("s"), CookieName: "c"})
	if err != nil {
		t.Fatalf("failed to build session validator: %v", err)
	}
	if _, err := NewAuthenticator(AuthenticatorConfig{Sessions: sessions}); !errors.Is(err, ErrNoAuthenticationMethod) {
		t.Fatalf("sessions without a resolver must not count, got %v", err)
	}
}

func TestAuthenticateBearerToken(t *testing.T) {
	resolver := &stubResolver{owner: "cookie-owner"}
	authenticator, issuer := newTestAuthenticator(t, resolver)
	token, _, err := issuer.IssueToken(context.Background(), "bearer-owner")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	request := httptest.NewRequest(http.MethodGet, "/sync/pull", http.NoBody)
	request.Header.Set("Authorization", "Bearer "+token)
	request.AddCookie(signedSessionCookie(t))

	owner, err := authenticator.Authenticate(request)
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if owner != "bearer-owner" {
		t.Fatalf("expected bearer subject, got %q", owner)
	}
	if resolver.calls != 0 {
		t.Fatalf("session must not be consulted when a bearer token is present")
	}
}

func TestAuthenticateSessionCookie(t *testing.T) {
	resolver := &stubResolver{owner: testSessionUserID}
	authenticator, _ := newTestAuthenticator(t, resolver)

	request := httptest.NewRequest(http.MethodGet, "/sync/pull", http.NoBody)
	request.AddCookie(signedSessionCookie(t))

	owner, err := authenticator.Authenticate(request)
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if owner != testSessionUserID || resolver.calls != 1 {
		t.Fatalf("expected resolved owner, got %q after %d calls", owner, resolver.calls)
	}
}

func TestAuthenticateRejectsBadCredentials(t *testing.T) {
	authenticator, _ := newTestAuthenticator(t, &stubResolver{err: errors.New("identity store down")})

	testCases := []struct {
		name    string
		prepare func(*http.Request)
	}{
		{name: "no credentials", prepare: func(*http.Request) {}},
		{name: "basic scheme", prepare: func(r *http.Request) { r.Header.Set("Authorization", "Basic Zm9vOmJhcg==") }},
		{name: "empty bearer", prepare: func(r *http.Request) { r.Header.Set("Authorization", "Bearer   ") }},
		{name: "garbage bearer", prepare: func(r *http.Request) { r.Header.Set("Authorization", "Bearer not-a-token") }},
		{name: "resolver failure", prepare: func(r *http.Request) { r.AddCookie(signedSessionCookie(t)) }},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			request := httptest.NewRequest(http.MethodGet, "/sync/pull", http.NoBody)
			testCase.prepare(request)
			if _, err := authenticator.Authenticate(request); !errors.Is(err, ErrUnauthenticated) {
				t.Fatalf("expected unauthenticated, got %v", err)
			}
		})
	}
}

func TestAuthenticateRejectsUnusableResolvedOwner(t *testing.T) {
	testCases := []struct {
		name  string
		owner string
	}{
		{name: "empty", owner: "  "},
		{name: "oversized", owner: strings.Repeat("o", 191)},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			authenticator, _ := newTestAuthenticator(t, &stubResolver{owner: testCase.owner})
			request := httptest.NewRequest(http.MethodGet, "/sync/pull", http.NoBody)
			request.AddCookie(signedSessionCookie(t))

			_, err := authenticator.Authenticate(request)
			if !errors.Is(err, ErrUnauthenticated) || !errors.Is(err, records.ErrInvalidOwnerID) {
				t.Fatalf("expected invalid owner rejection, got %v", err)
			}
		})
	}
}
