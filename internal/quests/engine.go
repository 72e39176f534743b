package quests

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/ids"
	"github.com/MarcoPoloResearchLab/quire/internal/notifications"
	"github.com/MarcoPoloResearchLab/quire/internal/rewards"
	"github.com/MarcoPoloResearchLab/quire/internal/stats"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opEngineNew      = "quests.engine.new"
	opRecordActivity = "quests.record_activity"
)

const (
	defaultConcurrency = 4
	defaultMaxAttempts = 3
	retryBackoffStep   = 20 * time.Millisecond
	postgresDialect    = "postgres"
)

// RewardLedger is the part of the reward ledger used inside a quest transaction.
type RewardLedger interface {
	TypeExistsTx(tx *gorm.DB, rewardTypeID string) (bool, error)
	GrantTx(tx *gorm.DB, userID, rewardTypeID, completionID string) (rewards.Grant, bool, error)
	ResyncTx(tx *gorm.DB, userID, rewardTypeID string) (rewards.Summary, error)
}

// StatsRecorder bumps per-user counters inside a quest transaction.
type StatsRecorder interface {
	IncrementTx(tx *gorm.DB, userID string, counter stats.Counter) error
}

// NotificationAppender stores notifications inside a quest transaction.
type NotificationAppender interface {
	AppendTx(tx *gorm.DB, notification notifications.Notification) (notifications.Notification, error)
}

// EngineConfig describes the dependencies of the progress engine.
type EngineConfig struct {
	Database      *gorm.DB
	Catalog       *Catalog
	Groups        GroupDirectory
	Rewards       RewardLedger
	Stats         StatsRecorder
	Notifications NotificationAppender
	Publisher     notifications.Publisher
	Clock         func() time.Time
	IDProvider    ids.Provider
	Logger        *zap.Logger
	Concurrency   int
	MaxAttempts   int
}

// Engine advances quest progress for activities and fans out completion side effects.
type Engine struct {
	db            *gorm.DB
	catalog       *Catalog
	groups        GroupDirectory
	rewards       RewardLedger
	stats         StatsRecorder
	notifications NotificationAppender
	publisher     notifications.Publisher
	clock         func() time.Time
	idProvider    ids.Provider
	logger        *zap.Logger
	concurrency   int
	maxAttempts   int
	progress      progressStore
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opEngineNew, "missing_database", errMissingDatabase)
	}
	if cfg.Catalog == nil {
		return nil, newServiceError(opEngineNew, "missing_catalog", errMissingCatalog)
	}
	if cfg.Groups == nil {
		return nil, newServiceError(opEngineNew, "missing_groups", errMissingGroups)
	}
	if cfg.Rewards == nil {
		return nil, newServiceError(opEngineNew, "missing_rewards", errMissingLedger)
	}
	if cfg.Stats == nil {
		return nil, newServiceError(opEngineNew, "missing_stats", errors.New("stats recorder is required"))
	}
	if cfg.Notifications == nil {
		return nil, newServiceError(opEngineNew, "missing_notifications", errors.New("notification appender is required"))
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
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return &Engine{
		db:            cfg.Database,
		catalog:       cfg.Catalog,
		groups:        cfg.Groups,
		rewards:       cfg.Rewards,
		stats:         cfg.Stats,
		notifications: cfg.Notifications,
		publisher:     cfg.Publisher,
		clock:         clock,
		idProvider:    idProvider,
		logger:        logger,
		concurrency:   concurrency,
		maxAttempts:   maxAttempts,
	}, nil
}

// QuestOutcome describes what one candidate quest did with the activity.
type QuestOutcome struct {
	QuestID      string
	Advanced     bool
	Count        int64
	Completed    bool
	Contributors []string
	Grants       int
	Attempts     int
	Err          error
}

// ActivityOutcome collects the per-quest outcomes of one activity.
type ActivityOutcome struct {
	Quests []QuestOutcome
}

// Failed returns the outcomes whose transaction did not commit.
func (o ActivityOutcome) Failed() []QuestOutcome {
	var failed []QuestOutcome
	for _, outcome := range o.Quests {
		if outcome.Err != nil {
			failed = append(failed, outcome)
		}
	}
	return failed
}

// RecordActivity advances every eligible quest by one, each in its own transaction.
// A failing quest never stops the others; the returned error then carries the
// quests.record_activity.partial_failure code and joins the per-quest causes.
func (e *Engine) RecordActivity(ctx context.Context, activity Activity) (ActivityOutcome, error) {
	actorID, err := NewUserID(activity.ActorID)
	if err != nil {
		return ActivityOutcome{}, newServiceError(opRecordActivity, "invalid_activity", errors.Join(ErrInvalidActivity, err))
	}
	if _, err := ParseActivityKind(string(activity.Kind)); err != nil {
		return ActivityOutcome{}, newServiceError(opRecordActivity, "invalid_activity", errors.Join(ErrInvalidActivity, err))
	}

	groupIDs, err := e.eligibleGroups(ctx, actorID.String(), activity)
	if err != nil {
		e.logError(opRecordActivity, "group_lookup_failed", err, zap.String("user_id", actorID.String()))
		return ActivityOutcome{}, newServiceError(opRecordActivity, "group_lookup_failed", err)
	}

	candidates, err := e.catalog.ActiveCandidates(ctx, CandidateQuery{
		Kind:     activity.Kind,
		ActorID:  actorID.String(),
		GroupIDs: groupIDs,
		Now:      e.clock(),
	})
	if err != nil {
		return ActivityOutcome{}, newServiceError(opRecordActivity, "candidate_query_failed", err)
	}

	questIDs := dedupeQuestIDs(candidates)
	outcomes := make([]QuestOutcome, len(questIDs))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(e.concurrency)
	for index, questID := range questIDs {
		group.Go(func() error {
			outcomes[index] = e.processWithRetry(groupCtx, questID, actorID.String())
			return nil
		})
	}
	_ = group.Wait()

	result := ActivityOutcome{Quests: outcomes}
	var failures []error
	for _, outcome := range outcomes {
		if outcome.Err != nil {
			failures = append(failures, fmt.Errorf("quest %s: %w", outcome.QuestID, outcome.Err))
		}
	}
	if len(failures) > 0 {
		return result, newServiceError(opRecordActivity, "partial_failure", errors.Join(append([]error{ErrPartialFailure}, failures...)...))
	}
	return result, nil
}

func (e *Engine) eligibleGroups(ctx context.Context, actorID string, activity Activity) ([]string, error) {
	if groupID := strings.TrimSpace(activity.GroupID); groupID != "" {
		return []string{groupID}, nil
	}
	if activity.Subject != nil && activity.Subject.Public {
		return e.groups.ConfirmedGroupIDs(ctx, actorID)
	}
	return nil, nil
}

func dedupeQuestIDs(candidates []Quest) []string {
	seen := make(map[string]struct{}, len(candidates))
	questIDs := make([]string, 0, len(candidates))
	for _, quest := range candidates {
		if _, ok := seen[quest.ID]; ok {
			continue
		}
		seen[quest.ID] = struct{}{}
		questIDs = append(questIDs, quest.ID)
	}
	return questIDs
}

// processWithRetry reruns a quest's transaction on contention. A failed attempt rolled back
// entirely, so the rerun cannot double count.
func (e *Engine) processWithRetry(ctx context.Context, questID, actorID string) QuestOutcome {
	var outcome QuestOutcome
	var pending []notifications.Notification
	var err error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		outcome, pending, err = e.processQuest(ctx, questID, actorID)
		outcome.Attempts = attempt
		if err == nil {
			e.publish(pending)
			return outcome
		}
		if !IsRetryable(err) || attempt == e.maxAttempts {
			break
		}
		e.logger.Warn("quest transaction retry",
			zap.String("quest_id", questID),
			zap.String("user_id", actorID),
			zap.Int("attempt", attempt),
			zap.Error(err))
		select {
		case <-ctx.Done():
			outcome.Err = ctx.Err()
			return outcome
		case <-time.After(time.Duration(attempt) * retryBackoffStep):
		}
	}
	e.logError(opRecordActivity, "quest_failed", err,
		zap.String("quest_id", questID),
		zap.String("user_id", actorID),
		zap.Int("attempts", outcome.Attempts))
	outcome.QuestID = questID
	outcome.Err = err
	return outcome
}

func (e *Engine) processQuest(ctx context.Context, questID, actorID string) (QuestOutcome, []notifications.Notification, error) {
	outcome := QuestOutcome{QuestID: questID}
	var pending []notifications.Notification

	txErr := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		outcome = QuestOutcome{QuestID: questID}
		pending = nil
		now := e.clock()
		nowSeconds := now.UTC().Unix()

		var quest Quest
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("quest_id = ?", questID).
			Take(&quest).Error; err != nil {
			return newServiceError(opRecordActivity, "quest_lock_failed", err)
		}
		if quest.Completed || quest.TargetCount <= 0 || !quest.ActiveAt(now) {
			return nil
		}

		if _, err := e.progress.increment(tx, quest.ID, actorID, nowSeconds); err != nil {
			return newServiceError(opRecordActivity, "progress_increment_failed", err)
		}
		outcome.Advanced = true

		count, err := e.progress.compared(tx, quest, actorID)
		if err != nil {
			return newServiceError(opRecordActivity, "progress_read_failed", err)
		}
		outcome.Count = count
		if count < quest.TargetCount {
			return nil
		}

		result := tx.Model(&Quest{}).
			Where("quest_id = ? AND completed = ?", quest.ID, false).
			Updates(map[string]any{"completed": true, "completed_at_s": nowSeconds})
		if result.Error != nil {
			return newServiceError(opRecordActivity, "quest_complete_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return nil
		}
		outcome.Completed = true

		contributors, err := e.progress.contributors(tx, quest.ID)
		if err != nil {
			return newServiceError(opRecordActivity, "contributors_failed", err)
		}
		outcome.Contributors = contributors

		rewardTypeID := ""
		if quest.RewardTypeID != nil {
			exists, err := e.rewards.TypeExistsTx(tx, *quest.RewardTypeID)
			if err != nil {
				return newServiceError(opRecordActivity, "reward_lookup_failed", err)
			}
			if exists {
				rewardTypeID = *quest.RewardTypeID
			} else {
				e.logger.Warn("quest reward type missing; completing without grants",
					zap.String("quest_id", quest.ID),
					zap.String("reward_type_id", *quest.RewardTypeID))
			}
		}

		for _, contributorID := range contributors {
			notification, granted, err := e.creditContributor(tx, quest, contributorID, rewardTypeID, nowSeconds)
			if err != nil {
				return err
			}
			if granted {
				outcome.Grants++
			}
			pending = append(pending, notification)
		}
		return nil
	}, e.txOptions()...)

	if txErr != nil {
		return QuestOutcome{QuestID: questID}, nil, txErr
	}
	return outcome, pending, nil
}

func (e *Engine) creditContributor(tx *gorm.DB, quest Quest, contributorID, rewardTypeID string, nowSeconds int64) (notifications.Notification, bool, error) {
	completion, created, err := e.ensureCompletion(tx, quest, contributorID, nowSeconds)
	if err != nil {
		return notifications.Notification{}, false, newServiceError(opRecordActivity, "completion_failed", err)
	}
	if created {
		if err := e.stats.IncrementTx(tx, contributorID, stats.CounterQuestsCompleted); err != nil {
			return notifications.Notification{}, false, newServiceError(opRecordActivity, "stats_failed", err)
		}
	}

	granted := false
	if rewardTypeID != "" {
		_, grantCreated, err := e.rewards.GrantTx(tx, contributorID, rewardTypeID, completion.ID)
		if err != nil {
			return notifications.Notification{}, false, newServiceError(opRecordActivity, "grant_failed", err)
		}
		if grantCreated {
			granted = true
			if _, err := e.rewards.ResyncTx(tx, contributorID, rewardTypeID); err != nil {
				return notifications.Notification{}, false, newServiceError(opRecordActivity, "summary_resync_failed", err)
			}
			if err := e.stats.IncrementTx(tx, contributorID, stats.CounterRewardsReceived); err != nil {
				return notifications.Notification{}, false, newServiceError(opRecordActivity, "stats_failed", err)
			}
		}
	}

	payload := map[string]any{
		"quest_title":  quest.Title,
		"target_count": quest.TargetCount,
	}
	notification := notifications.Notification{
		RecipientID: contributorID,
		ActorID:     contributorID,
		GroupID:     quest.GroupID,
		QuestID:     &quest.ID,
		Category:    notifications.CategoryQuestCompleted,
		Payload:     notifications.MarshalPayload(payload),
	}
	if rewardTypeID != "" {
		notification.RewardTypeID = &rewardTypeID
	}
	stored, err := e.notifications.AppendTx(tx, notification)
	if err != nil {
		return notifications.Notification{}, false, newServiceError(opRecordActivity, "notification_failed", err)
	}
	return stored, granted, nil
}

func (e *Engine) ensureCompletion(tx *gorm.DB, quest Quest, userID string, nowSeconds int64) (Completion, bool, error) {
	id, err := e.idProvider.NewID()
	if err != nil {
		return Completion{}, false, err
	}
	completion := Completion{
		ID:                 id,
		QuestID:            quest.ID,
		UserID:             userID,
		CompletedAtSeconds: nowSeconds,
	}
	if quest.ScopeKind == scopeKindGroup {
		completion.GroupID = quest.GroupID
	}
	result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&completion)
	if result.Error != nil {
		return Completion{}, false, result.Error
	}
	if result.RowsAffected > 0 {
		return completion, true, nil
	}
	var existing Completion
	if err := tx.Where("quest_id = ? AND user_id = ?", quest.ID, userID).Take(&existing).Error; err != nil {
		return Completion{}, false, err
	}
	return existing, false, nil
}

// txOptions requests serializable isolation where the dialect honors it.
// SQLite already serializes writers on its single connection.
func (e *Engine) txOptions() []*sql.TxOptions {
	if e.db.Dialector != nil && e.db.Dialector.Name() == postgresDialect {
		return []*sql.TxOptions{{Isolation: sql.LevelSerializable}}
	}
	return nil
}

func (e *Engine) publish(pending []notifications.Notification) {
	if e.publisher == nil {
		return
	}
	for _, notification := range pending {
		e.publisher.Publish(notification)
	}
}

func (e *Engine) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	e.logger.Error("quests engine error", attrs...)
}
