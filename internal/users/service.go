package users

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/auth"
	"github.com/MarcoPoloResearchLab/notesync/internal/records"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultProvider = "default"
	queryIdentity   = "provider = ? AND subject = ?"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service maps provider logins onto the owner ids that partition synced records.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

// NewService constructs the identity service. The user_identities table must already exist.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:     cfg.Database,
		now:    clock,
		logger: logger,
	}, nil
}

// ResolveCanonicalUserID returns the owner id for the provided session claims, creating the
// identity mapping the first time a provider+subject pair is seen. A "provider:subject" user id
// resolves to the bare subject so the same person keeps one partition across providers' prefixes.
func (s *Service) ResolveCanonicalUserID(claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if _, err := records.NewOwnerID(subject); err != nil {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if owner, ok := cached.(string); ok {
			return owner, nil
		}
	}

	var identity Identity
	err := s.db.Where(queryIdentity, provider, subject).First(&identity).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity = Identity{
			Provider:    provider,
			Subject:     subject,
			UserID:      subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: normalize(claims.UserDisplayName),
			AvatarURL:   normalize(claims.UserAvatarURL),
			LastSeenAt:  s.now(),
		}
		if err := s.db.Create(&identity).Error; err != nil {
			return "", err
		}
		s.logger.Info("registered user identity",
			zap.String("provider", provider),
			zap.String("owner", identity.UserID))
	case err != nil:
		return "", err
	default:
		s.touch(identity, claims)
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

// touch refreshes the profile columns. Failures only cost stale profile data.
func (s *Service) touch(identity Identity, claims auth.SessionClaims) {
	updates := map[string]interface{}{"last_seen_at": s.now()}
	if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
		updates["user_email"] = email
	}
	if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
		updates["user_display_name"] = display
	}
	if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != identity.AvatarURL {
		updates["user_avatar_url"] = avatar
	}
	err := s.db.Model(&Identity{}).
		Where(queryIdentity, identity.Provider, identity.Subject).
		Updates(updates).
		Error
	if err != nil {
		s.logger.Warn("failed to refresh user identity", zap.String("owner", identity.UserID), zap.Error(err))
	}
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if prefix, rest, found := strings.Cut(raw, ":"); found {
			if normalize(prefix) != "" && normalize(rest) != "" {
				provider = normalize(prefix)
				subject = normalize(rest)
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}
