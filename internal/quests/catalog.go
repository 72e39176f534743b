package quests

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/ids"
	"github.com/MarcoPoloResearchLab/quire/internal/rewards"
	"github.com/MarcoPoloResearchLab/quire/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCatalogNew       = "quests.catalog.new"
	opCreateQuest      = "quests.create"
	opGetQuest         = "quests.get"
	opActiveCandidates = "quests.active_candidates"
	opListForUser      = "quests.list_for_user"
	opGroupQuests      = "quests.group_quests"
	opProgressFor      = "quests.progress_for"
	opGenerateDaily    = "quests.generate_daily"
	opTemplates        = "quests.templates"
)

const maxTitleLength = 190

// GroupDirectory answers the membership questions the catalog and engine need.
type GroupDirectory interface {
	ConfirmedGroupIDs(ctx context.Context, userID string) ([]string, error)
	IsOwner(ctx context.Context, groupID, userID string) (bool, error)
	IsConfirmedMember(ctx context.Context, groupID, userID string) (bool, error)
}

// RewardTypeLister lists the reward types visible to a set of groups.
type RewardTypeLister interface {
	ListTypes(ctx context.Context, groupIDs []string) ([]rewards.RewardType, error)
}

// CatalogConfig describes the dependencies of the quest catalog.
type CatalogConfig struct {
	Database    *gorm.DB
	Groups      GroupDirectory
	RewardTypes RewardTypeLister
	Clock       func() time.Time
	IDProvider  ids.Provider
	Logger      *zap.Logger
	Shuffle     func(n int, swap func(i, j int))
	IntN        func(n int) int
}

// Catalog stores quest definitions, templates and answers eligibility queries.
type Catalog struct {
	db          *gorm.DB
	groups      GroupDirectory
	rewardTypes RewardTypeLister
	clock       func() time.Time
	idProvider  ids.Provider
	logger      *zap.Logger
	shuffle     func(n int, swap func(i, j int))
	intN        func(n int) int
	progress    progressStore
}

func NewCatalog(cfg CatalogConfig) (*Catalog, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opCatalogNew, "missing_database", errMissingDatabase)
	}
	if cfg.Groups == nil {
		return nil, newServiceError(opCatalogNew, "missing_groups", errMissingGroups)
	}
	if cfg.RewardTypes == nil {
		return nil, newServiceError(opCatalogNew, "missing_reward_types", errMissingLedger)
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
	shuffle := cfg.Shuffle
	if shuffle == nil {
		shuffle = rand.Shuffle
	}
	intN := cfg.IntN
	if intN == nil {
		intN = rand.IntN
	}
	return &Catalog{
		db:          cfg.Database,
		groups:      cfg.Groups,
		rewardTypes: cfg.RewardTypes,
		clock:       clock,
		idProvider:  idProvider,
		logger:      logger,
		shuffle:     shuffle,
		intN:        intN,
	}, nil
}

// Create validates and stores a quest. The creator is always the actor.
func (c *Catalog) Create(ctx context.Context, actor users.Principal, definition Definition) (Quest, error) {
	creatorID, err := NewUserID(actor.UserID)
	if err != nil {
		return Quest{}, newServiceError(opCreateQuest, "invalid_actor", err)
	}
	quest, err := c.buildQuest(ctx, creatorID, definition, true)
	if err != nil {
		return Quest{}, err
	}
	if err := c.db.WithContext(ctx).Create(&quest).Error; err != nil {
		c.logError(opCreateQuest, "insert_failed", err, zap.String("user_id", creatorID.String()))
		return Quest{}, newServiceError(opCreateQuest, "insert_failed", err)
	}
	return quest, nil
}

func (c *Catalog) buildQuest(ctx context.Context, creatorID UserID, definition Definition, requireOwner bool) (Quest, error) {
	invalid := func(reason string) (Quest, error) {
		return Quest{}, newServiceError(opCreateQuest, reason, ErrInvalidDefinition)
	}

	title := strings.TrimSpace(definition.Title)
	if title == "" || len(title) > maxTitleLength {
		return invalid("invalid_title")
	}
	if _, err := ParseActivityKind(string(definition.ActivityKind)); err != nil {
		return Quest{}, newServiceError(opCreateQuest, "invalid_activity_kind", errors.Join(ErrInvalidDefinition, err))
	}
	participation, err := ParseParticipationMode(string(definition.Participation))
	if err != nil {
		return Quest{}, newServiceError(opCreateQuest, "invalid_participation", errors.Join(ErrInvalidDefinition, err))
	}
	period, err := ParsePeriod(string(definition.Period))
	if err != nil {
		return Quest{}, newServiceError(opCreateQuest, "invalid_period", errors.Join(ErrInvalidDefinition, err))
	}
	if definition.TargetCount <= 0 {
		return invalid("invalid_target")
	}
	if definition.StartsAt.IsZero() || definition.EndsAt.IsZero() || !definition.StartsAt.Before(definition.EndsAt) {
		return invalid("invalid_window")
	}

	quest := Quest{
		Title:            title,
		Description:      strings.TrimSpace(definition.Description),
		ActivityKind:     definition.ActivityKind,
		TargetCount:      definition.TargetCount,
		StartsAtSeconds:  definition.StartsAt.UTC().Unix(),
		EndsAtSeconds:    definition.EndsAt.UTC().Unix(),
		Participation:    participation,
		CreatorID:        creatorID.String(),
		Period:           period,
		CreatedAtSeconds: c.clock().UTC().Unix(),
	}
	if quest.StartsAtSeconds >= quest.EndsAtSeconds {
		return invalid("invalid_window")
	}

	var rewardGroups []string
	switch scope := definition.Scope.(type) {
	case PersonalScope:
		if participation == ParticipationGroup {
			return invalid("group_participation_requires_group")
		}
		quest.ScopeKind = scopeKindPersonal
	case GroupScope:
		groupID := strings.TrimSpace(scope.GroupID)
		if groupID == "" {
			return invalid("missing_group")
		}
		if requireOwner {
			owner, err := c.groups.IsOwner(ctx, groupID, creatorID.String())
			if err != nil {
				return Quest{}, newServiceError(opCreateQuest, "group_lookup_failed", err)
			}
			if !owner {
				return Quest{}, newServiceError(opCreateQuest, "forbidden", ErrForbidden)
			}
		}
		quest.ScopeKind = scopeKindGroup
		quest.GroupID = &groupID
		rewardGroups = []string{groupID}
	default:
		return invalid("missing_scope")
	}

	if rewardTypeID := strings.TrimSpace(definition.RewardTypeID); rewardTypeID != "" {
		visible, err := c.rewardTypes.ListTypes(ctx, rewardGroups)
		if err != nil {
			return Quest{}, newServiceError(opCreateQuest, "reward_lookup_failed", err)
		}
		found := false
		for _, rewardType := range visible {
			if rewardType.ID == rewardTypeID {
				found = true
				break
			}
		}
		if !found {
			return invalid("unknown_reward_type")
		}
		quest.RewardTypeID = &rewardTypeID
	}

	id, err := c.idProvider.NewID()
	if err != nil {
		c.logError(opCreateQuest, "id_generation_failed", err)
		return Quest{}, newServiceError(opCreateQuest, "id_generation_failed", err)
	}
	quest.ID = id
	return quest, nil
}

// Get loads a quest by id.
func (c *Catalog) Get(ctx context.Context, questID string) (Quest, error) {
	var quest Quest
	err := c.db.WithContext(ctx).Where("quest_id = ?", questID).Take(&quest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Quest{}, newServiceError(opGetQuest, "not_found", ErrQuestNotFound)
	}
	if err != nil {
		c.logError(opGetQuest, "query_failed", err, zap.String("quest_id", questID))
		return Quest{}, newServiceError(opGetQuest, "query_failed", err)
	}
	return quest, nil
}

// ActiveCandidates returns not-completed quests of the kind whose window contains Now
// and whose scope matches the actor or one of the provided groups.
func (c *Catalog) ActiveCandidates(ctx context.Context, query CandidateQuery) ([]Quest, error) {
	now := query.Now.UTC().Unix()
	statement := c.db.WithContext(ctx).
		Where("completed = ? AND activity_kind = ?", false, query.Kind).
		Where("starts_at_s <= ? AND ends_at_s > ?", now, now).
		Where("target_count > 0")
	if len(query.GroupIDs) > 0 {
		statement = statement.Where("(scope_kind = ? AND creator_id = ?) OR (scope_kind = ? AND group_id IN ?)",
			scopeKindPersonal, query.ActorID, scopeKindGroup, query.GroupIDs)
	} else {
		statement = statement.Where("scope_kind = ? AND creator_id = ?", scopeKindPersonal, query.ActorID)
	}

	var found []Quest
	if err := statement.Order("quest_id").Find(&found).Error; err != nil {
		c.logError(opActiveCandidates, "query_failed", err, zap.String("user_id", query.ActorID))
		return nil, newServiceError(opActiveCandidates, "query_failed", err)
	}

	candidates := make([]Quest, 0, len(found))
	for _, quest := range found {
		if query.eligible(quest) {
			candidates = append(candidates, quest)
		}
	}
	return candidates, nil
}

func (c *Catalog) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	c.logger.Error("quests catalog error", attrs...)
}
