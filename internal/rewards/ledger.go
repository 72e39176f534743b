package rewards

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/ids"
	"github.com/MarcoPoloResearchLab/quire/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrRewardTypeNotFound indicates the reward type does not exist.
	ErrRewardTypeNotFound = errors.New("rewards: reward type not found")
	// ErrGrantNotFound indicates the grant does not exist.
	ErrGrantNotFound = errors.New("rewards: grant not found")
	// ErrForbidden indicates the caller may not perform the operation.
	ErrForbidden = errors.New("rewards: forbidden")
	// ErrInvalidRewardType indicates a reward type definition failed validation.
	ErrInvalidRewardType = errors.New("rewards: invalid reward type")

	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

const maxNameLength = 190

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
	opLedgerNew     = "rewards.ledger.new"
	opCreateType    = "rewards.create_type"
	opListTypes     = "rewards.list_types"
	opGrant         = "rewards.grant"
	opResync        = "rewards.resync"
	opResyncAll     = "rewards.resync_all"
	opDeleteGrant   = "rewards.delete_grant"
	opListGrants    = "rewards.list_grants"
	opListSummaries = "rewards.list_summaries"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// GroupOwnership answers whether a user owns a group.
type GroupOwnership interface {
	IsOwner(ctx context.Context, groupID, userID string) (bool, error)
}

// LedgerConfig describes the dependencies of the reward ledger.
type LedgerConfig struct {
	Database   *gorm.DB
	Groups     GroupOwnership
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Ledger stores reward types and grants and keeps summaries consistent with the grants.
type Ledger struct {
	db         *gorm.DB
	groups     GroupOwnership
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger

	deleteHooks []GrantDeleteHook
}

// GrantDeleteHook runs inside the DeleteGrant transaction before the grant row is removed.
type GrantDeleteHook func(tx *gorm.DB, grant Grant) error

// OnGrantDeleted registers a hook for grant deletion. Register hooks before serving requests.
func (l *Ledger) OnGrantDeleted(hook GrantDeleteHook) {
	if hook == nil {
		return
	}
	l.deleteHooks = append(l.deleteHooks, hook)
}

func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opLedgerNew, "missing_database", errMissingDatabase)
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
		logger = noOpLogger
	}
	return &Ledger{
		db:         cfg.Database,
		groups:     cfg.Groups,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// TypeDefinition is the input for CreateType.
type TypeDefinition struct {
	Name        string
	Description string
	GroupID     string
}

// CreateType stores a reward type. Group types require group ownership; global types require staff.
func (l *Ledger) CreateType(ctx context.Context, actor users.Principal, definition TypeDefinition) (RewardType, error) {
	name := strings.TrimSpace(definition.Name)
	if name == "" || len(name) > maxNameLength {
		return RewardType{}, newServiceError(opCreateType, "invalid_name", ErrInvalidRewardType)
	}
	groupID := strings.TrimSpace(definition.GroupID)
	var groupRef *string
	if groupID == "" {
		if !actor.IsStaff() {
			return RewardType{}, newServiceError(opCreateType, "forbidden", ErrForbidden)
		}
	} else {
		if l.groups == nil {
			return RewardType{}, newServiceError(opCreateType, "forbidden", ErrForbidden)
		}
		owner, err := l.groups.IsOwner(ctx, groupID, actor.UserID)
		if err != nil {
			return RewardType{}, newServiceError(opCreateType, "group_lookup_failed", err)
		}
		if !owner {
			return RewardType{}, newServiceError(opCreateType, "forbidden", ErrForbidden)
		}
		groupRef = &groupID
	}

	id, err := l.idProvider.NewID()
	if err != nil {
		l.logError(opCreateType, "id_generation_failed", err)
		return RewardType{}, newServiceError(opCreateType, "id_generation_failed", err)
	}
	rewardType := RewardType{
		ID:               id,
		Name:             name,
		Description:      strings.TrimSpace(definition.Description),
		GroupID:          groupRef,
		CreatedBy:        actor.UserID,
		CreatedAtSeconds: l.clock().UTC().Unix(),
	}
	if err := l.db.WithContext(ctx).Create(&rewardType).Error; err != nil {
		l.logError(opCreateType, "insert_failed", err, zap.String("user_id", actor.UserID))
		return RewardType{}, newServiceError(opCreateType, "insert_failed", err)
	}
	return rewardType, nil
}

// ListTypes returns global reward types plus those of the provided groups.
func (l *Ledger) ListTypes(ctx context.Context, groupIDs []string) ([]RewardType, error) {
	query := l.db.WithContext(ctx).Model(&RewardType{})
	if len(groupIDs) > 0 {
		query = query.Where("group_id IS NULL OR group_id IN ?", groupIDs)
	} else {
		query = query.Where("group_id IS NULL")
	}
	var types []RewardType
	if err := query.Order("name").Order("reward_type_id").Find(&types).Error; err != nil {
		l.logError(opListTypes, "query_failed", err)
		return nil, newServiceError(opListTypes, "query_failed", err)
	}
	return types, nil
}

// TypeExistsTx reports whether the reward type can still be resolved.
func (l *Ledger) TypeExistsTx(tx *gorm.DB, rewardTypeID string) (bool, error) {
	var count int64
	if err := tx.Model(&RewardType{}).Where("reward_type_id = ?", rewardTypeID).Count(&count).Error; err != nil {
		return false, newServiceError(opGrant, "type_lookup_failed", err)
	}
	return count > 0, nil
}

// GrantTx creates the grant unless one already exists for (user, type, completion).
// The boolean reports whether a new row was written.
func (l *Ledger) GrantTx(tx *gorm.DB, userID, rewardTypeID, completionID string) (Grant, bool, error) {
	id, err := l.idProvider.NewID()
	if err != nil {
		l.logError(opGrant, "id_generation_failed", err)
		return Grant{}, false, newServiceError(opGrant, "id_generation_failed", err)
	}
	grant := Grant{
		ID:               id,
		UserID:           userID,
		RewardTypeID:     rewardTypeID,
		CompletionID:     completionID,
		GrantedAtSeconds: l.clock().UTC().Unix(),
	}
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&grant)
	if result.Error != nil {
		l.logError(opGrant, "insert_failed", result.Error,
			zap.String("user_id", userID),
			zap.String("reward_type_id", rewardTypeID))
		return Grant{}, false, newServiceError(opGrant, "insert_failed", result.Error)
	}
	if result.RowsAffected > 0 {
		return grant, true, nil
	}

	var existing Grant
	if err := tx.Where("user_id = ? AND reward_type_id = ? AND completion_id = ?", userID, rewardTypeID, completionID).
		Take(&existing).Error; err != nil {
		return Grant{}, false, newServiceError(opGrant, "reload_failed", err)
	}
	return existing, false, nil
}

// ResyncTx rebuilds the summary for (user, type) from the grant ledger.
func (l *Ledger) ResyncTx(tx *gorm.DB, userID, rewardTypeID string) (Summary, error) {
	var aggregate struct {
		Total  int64
		Latest *int64
	}
	if err := tx.Model(&Grant{}).
		Select("COUNT(*) AS total, MAX(granted_at_s) AS latest").
		Where("user_id = ? AND reward_type_id = ?", userID, rewardTypeID).
		Scan(&aggregate).Error; err != nil {
		l.logError(opResync, "aggregate_failed", err, zap.String("user_id", userID), zap.String("reward_type_id", rewardTypeID))
		return Summary{}, newServiceError(opResync, "aggregate_failed", err)
	}

	summary := Summary{
		UserID:       userID,
		RewardTypeID: rewardTypeID,
		TotalCount:   aggregate.Total,
	}
	if aggregate.Total > 0 {
		summary.LastReceivedAtSeconds = aggregate.Latest
	}

	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "reward_type_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"total_count", "last_received_at_s"}),
	}).Create(&summary).Error; err != nil {
		l.logError(opResync, "upsert_failed", err, zap.String("user_id", userID), zap.String("reward_type_id", rewardTypeID))
		return Summary{}, newServiceError(opResync, "upsert_failed", err)
	}
	return summary, nil
}

// Resync rebuilds one summary in its own transaction.
func (l *Ledger) Resync(ctx context.Context, userID, rewardTypeID string) (Summary, error) {
	var summary Summary
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var resyncErr error
		summary, resyncErr = l.ResyncTx(tx, userID, rewardTypeID)
		return resyncErr
	})
	return summary, err
}

type summaryKey struct {
	UserID       string
	RewardTypeID string
}

// ResyncAll rebuilds every summary referenced by the ledger or the summary table and
// returns the number of pairs processed.
func (l *Ledger) ResyncAll(ctx context.Context) (int, error) {
	var fromGrants []summaryKey
	if err := l.db.WithContext(ctx).Model(&Grant{}).
		Distinct("user_id", "reward_type_id").
		Scan(&fromGrants).Error; err != nil {
		l.logError(opResyncAll, "grant_scan_failed", err)
		return 0, newServiceError(opResyncAll, "grant_scan_failed", err)
	}
	var fromSummaries []summaryKey
	if err := l.db.WithContext(ctx).Model(&Summary{}).
		Select("user_id", "reward_type_id").
		Scan(&fromSummaries).Error; err != nil {
		l.logError(opResyncAll, "summary_scan_failed", err)
		return 0, newServiceError(opResyncAll, "summary_scan_failed", err)
	}

	seen := make(map[summaryKey]struct{}, len(fromGrants)+len(fromSummaries))
	processed := 0
	for _, key := range append(fromGrants, fromSummaries...) {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		if _, err := l.Resync(ctx, key.UserID, key.RewardTypeID); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

// DeleteGrant removes a grant owned by the actor (or any grant for staff) and resyncs the summary.
func (l *Ledger) DeleteGrant(ctx context.Context, actor users.Principal, grantID string) (Summary, error) {
	var summary Summary
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var grant Grant
		err := tx.Where("grant_id = ?", grantID).Take(&grant).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opDeleteGrant, "not_found", ErrGrantNotFound)
		}
		if err != nil {
			l.logError(opDeleteGrant, "query_failed", err, zap.String("grant_id", grantID))
			return newServiceError(opDeleteGrant, "query_failed", err)
		}
		if grant.UserID != actor.UserID && !actor.IsStaff() {
			return newServiceError(opDeleteGrant, "forbidden", ErrForbidden)
		}
		for _, hook := range l.deleteHooks {
			if err := hook(tx, grant); err != nil {
				return err
			}
		}
		if err := tx.Delete(&Grant{}, "grant_id = ?", grantID).Error; err != nil {
			l.logError(opDeleteGrant, "delete_failed", err, zap.String("grant_id", grantID))
			return newServiceError(opDeleteGrant, "delete_failed", err)
		}
		var resyncErr error
		summary, resyncErr = l.ResyncTx(tx, grant.UserID, grant.RewardTypeID)
		return resyncErr
	})
	if err != nil {
		return Summary{}, err
	}
	return summary, nil
}

// ListGrants returns a user's grants, newest first.
func (l *Ledger) ListGrants(ctx context.Context, userID string) ([]Grant, error) {
	var grants []Grant
	if err := l.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("granted_at_s DESC").
		Order("grant_id DESC").
		Find(&grants).Error; err != nil {
		l.logError(opListGrants, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListGrants, "query_failed", err)
	}
	return grants, nil
}

// ListSummaries returns a user's non-empty reward summaries.
func (l *Ledger) ListSummaries(ctx context.Context, userID string) ([]Summary, error) {
	var summaries []Summary
	if err := l.db.WithContext(ctx).
		Where("user_id = ? AND total_count > 0", userID).
		Order("reward_type_id").
		Find(&summaries).Error; err != nil {
		l.logError(opListSummaries, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListSummaries, "query_failed", err)
	}
	return summaries, nil
}

func (l *Ledger) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	l.logger.Error("rewards ledger error", attrs...)
}
