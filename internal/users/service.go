package users

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/gravity/collab/internal/auth"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

const (
	queryProviderSubject = "provider = ? AND subject = ?"
	defaultProvider      = "default"
)

type loginKey struct {
	provider string
	subject  string
}

// Service maps provider logins onto canonical user ids and remembers the profile details
// each login last presented.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	logger     *zap.Logger
	identities sync.Map // loginKey -> Identity
}

// NewService constructs the identity service.
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
	return &Service{db: cfg.Database, now: clock, logger: logger}, nil
}

// ResolveCanonicalUserID returns the canonical user id for the provided session claims.
// Notes, queue entries and room updates are all keyed by the canonical id, so one person
// signing in through different providers edits the same notes.
func (s *Service) ResolveCanonicalUserID(claims auth.SessionClaims) (string, error) {
	identity, err := s.resolve(claims)
	if err != nil {
		return "", err
	}
	return identity.UserID, nil
}

// Profile resolves the canonical user and returns the presence identity for its rooms.
// Details missing from the claims come from the stored identity; names fall back to the
// email and then to the id so a cursor is never anonymous.
func (s *Service) Profile(claims auth.SessionClaims) (Profile, error) {
	identity, err := s.resolve(claims)
	if err != nil {
		return Profile{}, err
	}
	name := firstNonEmpty(claims.UserDisplayName, identity.DisplayName, claims.UserEmail, identity.Email, identity.UserID)
	return Profile{
		ID:        identity.UserID,
		Name:      name,
		Email:     firstNonEmpty(claims.UserEmail, identity.Email),
		AvatarURL: firstNonEmpty(claims.UserAvatarURL, identity.AvatarURL),
		Color:     PresenceColor(identity.UserID),
	}, nil
}

func (s *Service) resolve(claims auth.SessionClaims) (Identity, error) {
	key := deriveLogin(claims)
	if key.subject == "" {
		return Identity{}, ErrInvalidIdentity
	}

	if cached, ok := s.identities.Load(key); ok {
		return cached.(Identity), nil
	}

	identity, err := s.lookup(key)
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity, err = s.create(key, claims)
	case err == nil:
		identity = s.refresh(identity, claims)
	}
	if err != nil {
		return Identity{}, err
	}

	s.identities.Store(key, identity)
	return identity, nil
}

func (s *Service) lookup(key loginKey) (Identity, error) {
	var identity Identity
	err := s.db.Where(queryProviderSubject, key.provider, key.subject).First(&identity).Error
	return identity, err
}

// create registers a first-seen login. The subject doubles as the canonical id, which keeps
// ids stable across the provider prefix some session issuers add.
func (s *Service) create(key loginKey, claims auth.SessionClaims) (Identity, error) {
	identity := Identity{
		Provider:    key.provider,
		Subject:     key.subject,
		UserID:      key.subject,
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
		AvatarURL:   normalize(claims.UserAvatarURL),
		LastSeenAt:  s.now(),
	}
	if err := s.db.Create(&identity).Error; err != nil {
		return Identity{}, fmt.Errorf("users: create identity: %w", err)
	}
	return identity, nil
}

// refresh records profile details that changed since the last sign in. A failed write only
// loses those details, so the login still resolves.
func (s *Service) refresh(identity Identity, claims auth.SessionClaims) Identity {
	updates := map[string]any{"last_seen_at": s.now()}
	if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
		updates["user_email"] = email
		identity.Email = email
	}
	if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
		updates["user_display_name"] = display
		identity.DisplayName = display
	}
	if avatar := normalize(claims.UserAvatarURL); avatar != "" && avatar != identity.AvatarURL {
		updates["user_avatar_url"] = avatar
		identity.AvatarURL = avatar
	}

	err := s.db.Model(&Identity{}).
		Where(queryProviderSubject, identity.Provider, identity.Subject).
		Updates(updates).
		Error
	if err != nil {
		s.logger.Warn("refresh identity failed",
			zap.String("provider", identity.Provider),
			zap.String("user_id", identity.UserID),
			zap.Error(err),
		)
	}
	return identity
}

// deriveLogin splits a "provider:subject" user id; bare ids belong to the default provider
// and the email is the last resort subject.
func deriveLogin(claims auth.SessionClaims) loginKey {
	key := loginKey{provider: defaultProvider, subject: normalize(claims.Subject)}

	if raw := normalize(claims.UserID); raw != "" {
		provider, subject, found := strings.Cut(raw, ":")
		switch {
		case found && normalize(provider) != "" && normalize(subject) != "":
			key.provider = normalize(provider)
			key.subject = normalize(subject)
		case !found && key.subject == "":
			key.subject = raw
		}
	}

	if key.subject == "" {
		key.subject = normalize(claims.UserEmail)
	}
	return key
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := normalize(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
