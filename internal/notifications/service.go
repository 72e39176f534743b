package notifications

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/ids"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates the notification does not exist.
	ErrNotFound = errors.New("notifications: not found")
	// ErrForbidden indicates the caller is not the recipient of the notification.
	ErrForbidden = errors.New("notifications: forbidden")
	// ErrInvalidNotification indicates a notification is missing required fields.
	ErrInvalidNotification = errors.New("notifications: invalid notification")

	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew = "notifications.service.new"
	opAppend     = "notifications.append"
	opList       = "notifications.list"
	opGet        = "notifications.get"
	opDelete     = "notifications.delete"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// ServiceConfig describes the dependencies of the notification outbox.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Service is the durable outbox of user-facing notifications.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// AppendTx stores the notification using the caller's transaction.
// ID and SentAtSeconds are filled in when zero.
func (s *Service) AppendTx(tx *gorm.DB, notification Notification) (Notification, error) {
	notification.RecipientID = strings.TrimSpace(notification.RecipientID)
	if notification.RecipientID == "" || !notification.Category.Valid() {
		return Notification{}, newServiceError(opAppend, "invalid_notification", ErrInvalidNotification)
	}
	if notification.ID == "" {
		id, err := s.idProvider.NewID()
		if err != nil {
			s.logError(opAppend, "id_generation_failed", err)
			return Notification{}, newServiceError(opAppend, "id_generation_failed", err)
		}
		notification.ID = id
	}
	if notification.SentAtSeconds == 0 {
		notification.SentAtSeconds = s.clock().UTC().Unix()
	}
	if len(notification.Payload) == 0 {
		notification.Payload = []byte("{}")
	}
	if err := tx.Create(&notification).Error; err != nil {
		s.logError(opAppend, "insert_failed", err, zap.String("recipient_id", notification.RecipientID))
		return Notification{}, newServiceError(opAppend, "insert_failed", err)
	}
	return notification, nil
}

// Append stores the notification in its own transaction.
func (s *Service) Append(ctx context.Context, notification Notification) (Notification, error) {
	var stored Notification
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var appendErr error
		stored, appendErr = s.AppendTx(tx, notification)
		return appendErr
	})
	if err != nil {
		return Notification{}, err
	}
	return stored, nil
}

// List returns the recipient's notifications, newest first.
func (s *Service) List(ctx context.Context, recipientID string, limit, offset int) ([]Notification, error) {
	recipientID = strings.TrimSpace(recipientID)
	if recipientID == "" {
		return nil, newServiceError(opList, "missing_recipient", ErrInvalidNotification)
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	var items []Notification
	if err := s.db.WithContext(ctx).
		Where("recipient_id = ?", recipientID).
		Order("sent_at_s DESC").
		Order("notification_id DESC").
		Limit(limit).
		Offset(offset).
		Find(&items).Error; err != nil {
		s.logError(opList, "query_failed", err, zap.String("recipient_id", recipientID))
		return nil, newServiceError(opList, "query_failed", err)
	}
	return items, nil
}

// Get loads a single notification by id.
func (s *Service) Get(ctx context.Context, notificationID string) (Notification, error) {
	var notification Notification
	err := s.db.WithContext(ctx).Where("notification_id = ?", notificationID).Take(&notification).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Notification{}, newServiceError(opGet, "not_found", ErrNotFound)
	}
	if err != nil {
		s.logError(opGet, "query_failed", err, zap.String("notification_id", notificationID))
		return Notification{}, newServiceError(opGet, "query_failed", err)
	}
	return notification, nil
}

// Delete removes a notification on behalf of its recipient.
func (s *Service) Delete(ctx context.Context, recipientID, notificationID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var notification Notification
		err := tx.Where("notification_id = ?", notificationID).Take(&notification).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opDelete, "not_found", ErrNotFound)
		}
		if err != nil {
			s.logError(opDelete, "query_failed", err, zap.String("notification_id", notificationID))
			return newServiceError(opDelete, "query_failed", err)
		}
		if notification.RecipientID != strings.TrimSpace(recipientID) {
			return newServiceError(opDelete, "forbidden", ErrForbidden)
		}
		if err := tx.Delete(&Notification{}, "notification_id = ?", notificationID).Error; err != nil {
			s.logError(opDelete, "delete_failed", err, zap.String("notification_id", notificationID))
			return newServiceError(opDelete, "delete_failed", err)
		}
		return nil
	})
}

// MarshalPayload encodes a payload map for storage, falling back to an empty object.
func MarshalPayload(values map[string]any) []byte {
	if len(values) == 0 {
		return []byte("{}")
	}
	encoded, err := json.Marshal(values)
	if err != nil {
		return []byte("{}")
	}
	return encoded
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("notifications service error", attrs...)
}
