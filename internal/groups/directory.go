package groups

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/ids"
	"github.com/MarcoPoloResearchLab/quire/internal/notifications"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrGroupNotFound indicates the group does not exist.
	ErrGroupNotFound = errors.New("groups: group not found")
	// ErrMembershipNotFound indicates the user has no membership row for the group.
	ErrMembershipNotFound = errors.New("groups: membership not found")
	// ErrNotOwner indicates the caller does not own the group.
	ErrNotOwner = errors.New("groups: caller is not the group owner")
	// ErrInvalidName indicates the group name is empty or too long.
	ErrInvalidName = errors.New("groups: invalid name")
	// ErrInvalidUserID indicates an empty user identifier.
	ErrInvalidUserID = errors.New("groups: invalid user id")
	// ErrOwnerMembership indicates an attempt to remove the owner from their own group.
	ErrOwnerMembership = errors.New("groups: owner membership cannot be changed")

	errMissingDatabase = errors.New("database handle is required")
)

const maxNameLength = 190

// NotificationAppender stores notifications within a transaction.
type NotificationAppender interface {
	AppendTx(tx *gorm.DB, notification notifications.Notification) (notifications.Notification, error)
}

// DirectoryConfig describes the dependencies of the group directory.
type DirectoryConfig struct {
	Database      *gorm.DB
	Clock         func() time.Time
	IDProvider    ids.Provider
	Notifications NotificationAppender
	Publisher     notifications.Publisher
	Logger        *zap.Logger
}

// Directory answers membership questions and manages join requests.
type Directory struct {
	db            *gorm.DB
	clock         func() time.Time
	idProvider    ids.Provider
	notifications NotificationAppender
	publisher     notifications.Publisher
	logger        *zap.Logger
}

func NewDirectory(cfg DirectoryConfig) (*Directory, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("groups: %w", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = ids.NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		db:            cfg.Database,
		clock:         clock,
		idProvider:    idProvider,
		notifications: cfg.Notifications,
		publisher:     cfg.Publisher,
		logger:        logger,
	}, nil
}

// CreateGroup stores a new group and enrolls the owner as a confirmed member.
func (d *Directory) CreateGroup(ctx context.Context, ownerID, name string) (Group, error) {
	ownerID = strings.TrimSpace(ownerID)
	name = strings.TrimSpace(name)
	if ownerID == "" {
		return Group{}, ErrInvalidUserID
	}
	if name == "" || len(name) > maxNameLength {
		return Group{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	groupID, err := d.idProvider.NewID()
	if err != nil {
		return Group{}, fmt.Errorf("groups: generate id: %w", err)
	}
	now := d.clock().UTC().Unix()
	group := Group{ID: groupID, Name: name, OwnerID: ownerID, CreatedAtSeconds: now}

	err = d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&group).Error; err != nil {
			return err
		}
		return tx.Create(&Membership{GroupID: groupID, UserID: ownerID, Confirmed: true, UpdatedAtSeconds: now}).Error
	})
	if err != nil {
		d.logger.Error("group create failed", zap.String("owner_id", ownerID), zap.Error(err))
		return Group{}, fmt.Errorf("groups: create: %w", err)
	}
	return group, nil
}

// Get loads a group by id.
func (d *Directory) Get(ctx context.Context, groupID string) (Group, error) {
	var group Group
	err := d.db.WithContext(ctx).Where("group_id = ?", groupID).Take(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Group{}, ErrGroupNotFound
	}
	if err != nil {
		return Group{}, fmt.Errorf("groups: load %s: %w", groupID, err)
	}
	return group, nil
}

// AddMember inserts a membership row. Pending rows notify the owner of a join request.
// Re-adding an existing member is a no-op.
func (d *Directory) AddMember(ctx context.Context, groupID, userID string, confirmed bool) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return ErrInvalidUserID
	}
	var pending []notifications.Notification
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group, err := loadGroup(tx, groupID)
		if err != nil {
			return err
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&Membership{
			GroupID:          groupID,
			UserID:           userID,
			Confirmed:        confirmed,
			UpdatedAtSeconds: d.clock().UTC().Unix(),
		})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 || confirmed {
			return nil
		}
		notification, err := d.appendNotification(tx, notifications.Notification{
			RecipientID: group.OwnerID,
			ActorID:     userID,
			GroupID:     &group.ID,
			Category:    notifications.CategoryGroupJoinRequest,
			Payload:     notifications.MarshalPayload(map[string]any{"group_name": group.Name}),
		})
		if err != nil {
			return err
		}
		pending = append(pending, notification...)
		return nil
	})
	if err != nil {
		return err
	}
	d.publish(pending)
	return nil
}

// ConfirmMember accepts a pending join request on behalf of the group owner.
func (d *Directory) ConfirmMember(ctx context.Context, ownerID, groupID, userID string) error {
	return d.resolveRequest(ctx, ownerID, groupID, userID, notifications.CategoryGroupRequestAccepted)
}

// DeclineMember rejects a pending join request and removes it.
func (d *Directory) DeclineMember(ctx context.Context, ownerID, groupID, userID string) error {
	return d.resolveRequest(ctx, ownerID, groupID, userID, notifications.CategoryGroupRequestDeclined)
}

// RemoveMember removes a confirmed member from the group.
func (d *Directory) RemoveMember(ctx context.Context, ownerID, groupID, userID string) error {
	return d.resolveRequest(ctx, ownerID, groupID, userID, notifications.CategoryGroupKick)
}

func (d *Directory) resolveRequest(ctx context.Context, ownerID, groupID, userID string, category notifications.Category) error {
	var pending []notifications.Notification
	err := d.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		group, err := loadGroup(tx, groupID)
		if err != nil {
			return err
		}
		if group.OwnerID != strings.TrimSpace(ownerID) {
			return ErrNotOwner
		}
		if group.OwnerID == userID {
			return ErrOwnerMembership
		}
		var membership Membership
		err = tx.Where("group_id = ? AND user_id = ?", groupID, userID).Take(&membership).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrMembershipNotFound
		}
		if err != nil {
			return err
		}

		switch category {
		case notifications.CategoryGroupRequestAccepted:
			if membership.Confirmed {
				return nil
			}
			if err := tx.Model(&Membership{}).
				Where("group_id = ? AND user_id = ?", groupID, userID).
				Updates(map[string]any{"confirmed": true, "updated_at_s": d.clock().UTC().Unix()}).Error; err != nil {
				return err
			}
		case notifications.CategoryGroupRequestDeclined:
			if membership.Confirmed {
				return ErrMembershipNotFound
			}
			if err := tx.Delete(&Membership{}, "group_id = ? AND user_id = ?", groupID, userID).Error; err != nil {
				return err
			}
		case notifications.CategoryGroupKick:
			if !membership.Confirmed {
				return ErrMembershipNotFound
			}
			if err := tx.Delete(&Membership{}, "group_id = ? AND user_id = ?", groupID, userID).Error; err != nil {
				return err
			}
		}

		notification, err := d.appendNotification(tx, notifications.Notification{
			RecipientID: userID,
			ActorID:     group.OwnerID,
			GroupID:     &group.ID,
			Category:    category,
			Payload:     notifications.MarshalPayload(map[string]any{"group_name": group.Name}),
		})
		if err != nil {
			return err
		}
		pending = append(pending, notification...)
		return nil
	})
	if err != nil {
		return err
	}
	d.publish(pending)
	return nil
}

// ConfirmedGroupIDs lists the groups where the user is a confirmed member.
func (d *Directory) ConfirmedGroupIDs(ctx context.Context, userID string) ([]string, error) {
	var groupIDs []string
	if err := d.db.WithContext(ctx).
		Model(&Membership{}).
		Where("user_id = ? AND confirmed = ?", userID, true).
		Order("group_id").
		Pluck("group_id", &groupIDs).Error; err != nil {
		return nil, fmt.Errorf("groups: confirmed groups for %s: %w", userID, err)
	}
	return groupIDs, nil
}

// IsOwner reports whether the user owns the group. Unknown groups return ErrGroupNotFound.
func (d *Directory) IsOwner(ctx context.Context, groupID, userID string) (bool, error) {
	group, err := d.Get(ctx, groupID)
	if err != nil {
		return false, err
	}
	return group.OwnerID == userID, nil
}

// IsConfirmedMember reports whether the user is a confirmed member of the group.
func (d *Directory) IsConfirmedMember(ctx context.Context, groupID, userID string) (bool, error) {
	var count int64
	if err := d.db.WithContext(ctx).
		Model(&Membership{}).
		Where("group_id = ? AND user_id = ? AND confirmed = ?", groupID, userID, true).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("groups: membership lookup: %w", err)
	}
	return count > 0, nil
}

// Members lists memberships of a group, confirmed and pending.
func (d *Directory) Members(ctx context.Context, groupID string) ([]Membership, error) {
	var members []Membership
	if err := d.db.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("user_id").
		Find(&members).Error; err != nil {
		return nil, fmt.Errorf("groups: members of %s: %w", groupID, err)
	}
	return members, nil
}

func (d *Directory) appendNotification(tx *gorm.DB, notification notifications.Notification) ([]notifications.Notification, error) {
	if d.notifications == nil {
		return nil, nil
	}
	stored, err := d.notifications.AppendTx(tx, notification)
	if err != nil {
		return nil, err
	}
	return []notifications.Notification{stored}, nil
}

func (d *Directory) publish(pending []notifications.Notification) {
	if d.publisher == nil {
		return
	}
	for _, notification := range pending {
		d.publisher.Publish(notification)
	}
}

func loadGroup(tx *gorm.DB, groupID string) (Group, error) {
	var group Group
	err := tx.Where("group_id = ?", groupID).Take(&group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Group{}, ErrGroupNotFound
	}
	if err != nil {
		return Group{}, err
	}
	return group, nil
}
