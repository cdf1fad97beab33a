package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/notesync/internal/records"
)

const bearerPrefix = "Bearer "

var (
	// ErrUnauthenticated is returned when a request carries no usable credentials.
	ErrUnauthenticated = errors.New("auth: request is not authenticated")
	// ErrNoAuthenticationMethod is returned when neither bearer tokens nor sessions are configured.
	ErrNoAuthenticationMethod = errors.New("auth: at least one authentication method is required")
)

// BearerValidator validates a bearer token and returns its subject.
type BearerValidator interface {
	ValidateToken(token string) (string, error)
}

// IdentityResolver maps session claims onto the canonical owner identifier.
type IdentityResolver interface {
	ResolveCanonicalUserID(claims SessionClaims) (string, error)
}

// AuthenticatorConfig wires the supported credential types. Sessions require a resolver.
type AuthenticatorConfig struct {
	Tokens   BearerValidator
	Sessions *SessionValidator
	Resolver IdentityResolver
}

// Authenticator resolves the owner of an HTTP request from a bearer token or a session cookie.
type Authenticator struct {
	tokens   BearerValidator
	sessions *SessionValidator
	resolver IdentityResolver
}

func NewAuthenticator(cfg AuthenticatorConfig) (*Authenticator, error) {
	sessions := cfg.Sessions
	if cfg.Resolver == nil {
		sessions = nil
	}
	if cfg.Tokens == nil && sessions == nil {
		return nil, ErrNoAuthenticationMethod
	}
	return &Authenticator{tokens: cfg.Tokens, sessions: sessions, resolver: cfg.Resolver}, nil
}

// Authenticate returns the owner id of the request. An Authorization header takes precedence
// over the session cookie; a present but invalid header is never retried against the cookie.
func (a *Authenticator) Authenticate(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrUnauthenticated
	}

	if header := r.Header.Get("Authorization"); header != "" {
		if a.tokens == nil || !strings.HasPrefix(header, bearerPrefix) {
			return "", ErrUnauthenticated
		}
		token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
		if token == "" {
			return "", ErrUnauthenticated
		}
		subject, err := a.tokens.ValidateToken(token)
		if err != nil {
			return "", errors.Join(ErrUnauthenticated, err)
		}
		return subject, nil
	}

	if a.sessions == nil {
		return "", ErrUnauthenticated
	}
	claims, err := a.sessions.ValidateRequest(r)
	if err != nil {
		return "", errors.Join(ErrUnauthenticated, err)
	}
	resolved, err := a.resolver.ResolveCanonicalUserID(claims)
	if err != nil {
		return "", errors.Join(ErrUnauthenticated, err)
	}
	owner, err := records.NewOwnerID(resolved)
	if err != nil {
		return "", errors.Join(ErrUnauthenticated, err)
	}
	return owner.String(), nil
}
