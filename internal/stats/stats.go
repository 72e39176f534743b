package stats

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Counter names one of the aggregate activity counters kept per user.
type Counter string

const (
	CounterQuestsCompleted Counter = "total_quests_completed"
	CounterRewardsReceived Counter = "total_rewards_received"
	CounterBooksRead       Counter = "books_read"
	CounterCommentsCreated Counter = "comments_created"
	CounterRepliesCreated  Counter = "replies_created"
)

var (
	// ErrUnknownCounter indicates the counter is not one of the supported columns.
	ErrUnknownCounter = errors.New("stats: unknown counter")
	// ErrInvalidUserID indicates the user identifier is empty.
	ErrInvalidUserID = errors.New("stats: invalid user id")

	errMissingDatabase = errors.New("database handle is required")
)

// UserStats holds the per-user activity counters.
type UserStats struct {
	UserID               string `gorm:"column:user_id;primaryKey;size:190;not null" json:"user_id"`
	TotalQuestsCompleted int64  `gorm:"column:total_quests_completed;not null;default:0" json:"total_quests_completed"`
	TotalRewardsReceived int64  `gorm:"column:total_rewards_received;not null;default:0" json:"total_rewards_received"`
	BooksRead            int64  `gorm:"column:books_read;not null;default:0" json:"books_read"`
	CommentsCreated      int64  `gorm:"column:comments_created;not null;default:0" json:"comments_created"`
	RepliesCreated       int64  `gorm:"column:replies_created;not null;default:0" json:"replies_created"`
	UpdatedAtSeconds     int64  `gorm:"column:updated_at_s;not null;default:0" json:"updated_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (UserStats) TableName() string {
	return "user_stats"
}

// ServiceConfig describes the dependencies of the stats service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service maintains per-user counters with store-level increments.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("stats: %w", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// IncrementTx bumps a counter by one inside the caller's transaction.
func (s *Service) IncrementTx(tx *gorm.DB, userID string, counter Counter) error {
	column, err := counter.column()
	if err != nil {
		return err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidUserID
	}
	now := s.clock().UTC().Unix()

	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).
		Create(&UserStats{UserID: userID, UpdatedAtSeconds: now}).Error; err != nil {
		s.logger.Error("stats row upsert failed", zap.String("user_id", userID), zap.Error(err))
		return fmt.Errorf("stats: upsert %s: %w", userID, err)
	}

	if err := tx.Model(&UserStats{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{
			column:         gorm.Expr(column + " + 1"),
			"updated_at_s": now,
		}).Error; err != nil {
		s.logger.Error("stats increment failed",
			zap.String("user_id", userID),
			zap.String("counter", column),
			zap.Error(err))
		return fmt.Errorf("stats: increment %s: %w", column, err)
	}
	return nil
}

// Increment bumps a counter by one in its own transaction.
func (s *Service) Increment(ctx context.Context, userID string, counter Counter) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return s.IncrementTx(tx, userID, counter)
	})
}

// Get returns the counters for a user; unknown users report zeros.
func (s *Service) Get(ctx context.Context, userID string) (UserStats, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return UserStats{}, ErrInvalidUserID
	}
	var row UserStats
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return UserStats{UserID: userID}, nil
	}
	if err != nil {
		return UserStats{}, fmt.Errorf("stats: load %s: %w", userID, err)
	}
	return row, nil
}

func (c Counter) column() (string, error) {
	switch c {
	case CounterQuestsCompleted, CounterRewardsReceived, CounterBooksRead, CounterCommentsCreated, CounterRepliesCreated:
		return string(c), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCounter, string(c))
	}
}
