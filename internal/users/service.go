package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/relations/internal/auth"
	"gorm.io/gorm"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for user identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service maps authenticated sessions onto user rows.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
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
	return &Service{
		db:  cfg.Database,
		now: clock,
	}, nil
}

// ResolveUserID returns the numeric user id for the provided session claims.
// A user row and identity mapping are created the first time a provider+subject pair is seen.
func (s *Service) ResolveUserID(ctx context.Context, claims auth.SessionClaims) (int64, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return 0, ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if userID, ok := cached.(int64); ok {
			return userID, nil
		}
	}

	var identity Identity
	err := s.db.WithContext(ctx).
		Where("provider = ? AND subject = ?", provider, subject).
		First(&identity).
		Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		identity, err = s.createIdentity(ctx, provider, subject, claims)
		if err != nil {
			return 0, err
		}
	case err != nil:
		return 0, err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if email := normalize(claims.UserEmail); email != "" && email != identity.Email {
			updates["user_email"] = email
		}
		if display := normalize(claims.UserDisplayName); display != "" && display != identity.DisplayName {
			updates["user_display_name"] = display
		}
		_ = s.db.WithContext(ctx).Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).
			Error
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

func (s *Service) createIdentity(ctx context.Context, provider, subject string, claims auth.SessionClaims) (Identity, error) {
	firstName, lastName := splitDisplayName(normalize(claims.UserDisplayName))
	identity := Identity{
		Provider:    provider,
		Subject:     subject,
		Email:       normalize(claims.UserEmail),
		DisplayName: normalize(claims.UserDisplayName),
		LastSeenAt:  s.now(),
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		user := User{FirstName: firstName, LastName: lastName, Email: identity.Email}
		if err := tx.Create(&user).Error; err != nil {
			return err
		}
		identity.UserID = user.ID
		return tx.Create(&identity).Error
	})
	if err != nil {
		return Identity{}, err
	}
	return identity, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
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
