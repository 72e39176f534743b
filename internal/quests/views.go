package quests

import (
	"context"
	"math"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ProgressView is a quest as seen by one user.
type ProgressView struct {
	Quest          Quest
	State          State
	CurrentCount   int64
	OwnCount       int64
	Percentage     float64
	Participated   bool
	RewardReceived bool
}

// ListForUser returns quests active now that the user can see: their own personal quests
// and the quests of their confirmed groups.
func (c *Catalog) ListForUser(ctx context.Context, userID string) ([]ProgressView, error) {
	groupIDs, err := c.groups.ConfirmedGroupIDs(ctx, userID)
	if err != nil {
		c.logError(opListForUser, "group_lookup_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListForUser, "group_lookup_failed", err)
	}

	now := c.clock().UTC().Unix()
	statement := c.db.WithContext(ctx).Where("starts_at_s <= ? AND ends_at_s > ?", now, now)
	if len(groupIDs) > 0 {
		statement = statement.Where("(scope_kind = ? AND creator_id = ?) OR (scope_kind = ? AND group_id IN ?)",
			scopeKindPersonal, userID, scopeKindGroup, groupIDs)
	} else {
		statement = statement.Where("scope_kind = ? AND creator_id = ?", scopeKindPersonal, userID)
	}

	var found []Quest
	if err := statement.Order("ends_at_s").Order("quest_id").Find(&found).Error; err != nil {
		c.logError(opListForUser, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListForUser, "query_failed", err)
	}
	return c.buildViews(ctx, opListForUser, found, userID)
}

// GroupQuests returns every quest of a group, newest first. Only confirmed members may look.
func (c *Catalog) GroupQuests(ctx context.Context, userID, groupID string) ([]ProgressView, error) {
	member, err := c.groups.IsConfirmedMember(ctx, groupID, userID)
	if err != nil {
		return nil, newServiceError(opGroupQuests, "group_lookup_failed", err)
	}
	if !member {
		return nil, newServiceError(opGroupQuests, "forbidden", ErrForbidden)
	}

	var found []Quest
	if err := c.db.WithContext(ctx).
		Where("scope_kind = ? AND group_id = ?", scopeKindGroup, groupID).
		Order("starts_at_s DESC").
		Order("quest_id").
		Find(&found).Error; err != nil {
		c.logError(opGroupQuests, "query_failed", err, zap.String("group_id", groupID))
		return nil, newServiceError(opGroupQuests, "query_failed", err)
	}
	return c.buildViews(ctx, opGroupQuests, found, userID)
}

// ProgressFor returns the user's view of one quest; zero progress when no record exists.
func (c *Catalog) ProgressFor(ctx context.Context, userID, questID string) (ProgressView, error) {
	quest, err := c.Get(ctx, questID)
	if err != nil {
		return ProgressView{}, err
	}

	switch scope := quest.Scope().(type) {
	case PersonalScope:
		if scope.CreatorID != userID {
			return ProgressView{}, newServiceError(opProgressFor, "forbidden", ErrForbidden)
		}
	case GroupScope:
		member, err := c.groups.IsConfirmedMember(ctx, scope.GroupID, userID)
		if err != nil {
			return ProgressView{}, newServiceError(opProgressFor, "group_lookup_failed", err)
		}
		if !member {
			return ProgressView{}, newServiceError(opProgressFor, "forbidden", ErrForbidden)
		}
	}

	view, err := c.buildView(c.db.WithContext(ctx), quest, userID)
	if err != nil {
		c.logError(opProgressFor, "query_failed", err, zap.String("quest_id", questID))
		return ProgressView{}, newServiceError(opProgressFor, "query_failed", err)
	}
	return view, nil
}

func (c *Catalog) buildViews(ctx context.Context, operation string, found []Quest, userID string) ([]ProgressView, error) {
	db := c.db.WithContext(ctx)
	views := make([]ProgressView, 0, len(found))
	for _, quest := range found {
		view, err := c.buildView(db, quest, userID)
		if err != nil {
			c.logError(operation, "progress_query_failed", err, zap.String("quest_id", quest.ID))
			return nil, newServiceError(operation, "progress_query_failed", err)
		}
		views = append(views, view)
	}
	return views, nil
}

func (c *Catalog) buildView(db *gorm.DB, quest Quest, userID string) (ProgressView, error) {
	own, err := c.progress.userCount(db, quest.ID, userID)
	if err != nil {
		return ProgressView{}, err
	}
	current, err := c.progress.compared(db, quest, userID)
	if err != nil {
		return ProgressView{}, err
	}
	var completions int64
	if err := db.Model(&Completion{}).
		Where("quest_id = ? AND user_id = ?", quest.ID, userID).
		Count(&completions).Error; err != nil {
		return ProgressView{}, err
	}
	return ProgressView{
		Quest:          quest,
		State:          quest.StateAt(c.clock()),
		CurrentCount:   current,
		OwnCount:       own,
		Percentage:     progressPercentage(current, quest.TargetCount),
		Participated:   own > 0,
		RewardReceived: completions > 0,
	}, nil
}

func progressPercentage(count, target int64) float64 {
	if target <= 0 {
		return 0
	}
	return math.Min(100, float64(count)/float64(target)*100)
}
