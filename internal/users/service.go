package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

const defaultProvider = "default"

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves session claims into canonical reader identifiers.
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
	return &Service{db: cfg.Database, now: clock}, nil
}

// ResolvePrincipal maps validated session claims to a Principal,
// creating the identity row the first time a provider+subject pair is seen.
func (s *Service) ResolvePrincipal(ctx context.Context, claims auth.SessionClaims) (Principal, error) {
	userID, err := s.ResolveCanonicalUserID(ctx, claims)
	if err != nil {
		return Principal{}, err
	}
	return Principal{
		UserID:      userID,
		DisplayName: normalize(claims.UserDisplayName),
		Roles:       append([]string(nil), claims.UserRoles...),
	}, nil
}

// ResolveCanonicalUserID returns the canonical reader id for the provided session claims.
func (s *Service) ResolveCanonicalUserID(ctx context.Context, claims auth.SessionClaims) (string, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		if canonical, ok := cached.(string); ok {
			return canonical, nil
		}
	}

	now := unixSeconds(s.now())
	candidate := Identity{
		Provider:         provider,
		Subject:          subject,
		UserID:           subject,
		Email:            normalize(claims.UserEmail),
		DisplayName:      normalize(claims.UserDisplayName),
		LastSeenAtSecond: now,
		CreatedAtSeconds: now,
	}

	var identity Identity
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&candidate).Error; err != nil {
			return err
		}
		if err := tx.Where("provider = ? AND subject = ?", provider, subject).Take(&identity).Error; err != nil {
			return err
		}
		updates := map[string]any{"last_seen_at_s": now}
		if candidate.Email != "" && candidate.Email != identity.Email {
			updates["user_email"] = candidate.Email
		}
		if candidate.DisplayName != "" && candidate.DisplayName != identity.DisplayName {
			updates["user_display_name"] = candidate.DisplayName
		}
		return tx.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).Error
	})
	if err != nil {
		return "", fmt.Errorf("users: resolve identity: %w", err)
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := defaultProvider
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if head, tail, found := strings.Cut(raw, ":"); found {
			if normalize(head) != "" && normalize(tail) != "" {
				provider = normalize(head)
				subject = normalize(tail)
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
