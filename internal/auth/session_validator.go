package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/records"
	"github.com/golang-jwt/jwt/v5"
)

const defaultSessionIssuer = "tauth"

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionSubject    = errors.New("session validator: subject required")
)

// SessionClaims is the payload of a TAuth browser session cookie. UserID usually carries the
// identity provider as a prefix ("google:1234"); users.Service maps it onto an owner id.
type SessionClaims struct {
	UserID          string   `json:"user_id"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	UserAvatarURL   string   `json:"user_avatar_url"`
	UserRoles       []string `json:"user_roles"`
	jwt.RegisteredClaims
}

// SessionValidatorConfig configures cookie sessions. Issuer defaults to "tauth".
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator accepts HS256 session cookies whose identity fits an owner id.
type SessionValidator struct {
	signingSecret []byte
	cookieName    string
	parser        *jwt.Parser
}

func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		cookieName:    cookieName,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(issuer),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(clock),
		),
	}, nil
}

func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateRequest reads the session cookie and returns its claims.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil {
		return SessionClaims{}, ErrMissingSessionToken
	}
	return v.ValidateToken(cookie.Value)
}

// ValidateToken verifies signature, issuer and expiry, then checks that the session names an
// identity usable as an owner id.
func (v *SessionValidator) ValidateToken(tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	claims := SessionClaims{}
	_, err := v.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return v.signingSecret, nil
	})
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return SessionClaims{}, ErrExpiredSessionToken
	case err != nil:
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}

	if err := checkSessionIdentity(claims); err != nil {
		return SessionClaims{}, err
	}
	return claims, nil
}

func checkSessionIdentity(claims SessionClaims) error {
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.UserID) == "" {
		return ErrMissingSessionSubject
	}
	for _, identity := range []string{claims.Subject, claims.UserID} {
		if _, err := records.NewOwnerID(identity); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidSessionToken, err)
		}
	}
	return nil
}
