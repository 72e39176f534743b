package quests

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const dailyQuestCount = 3

// TemplateScope selects whether a template feeds personal or group daily quests.
type TemplateScope string

const (
	TemplateScopePersonal TemplateScope = "personal"
	TemplateScopeGroup    TemplateScope = "group"
)

// Template is a reusable quest blueprint used for daily generation.
type Template struct {
	ID               string        `gorm:"column:template_id;primaryKey;size:190;not null" json:"id"`
	Title            string        `gorm:"column:title;size:190;not null" json:"title"`
	Description      string        `gorm:"column:description;type:text;not null;default:''" json:"description"`
	ActivityKind     ActivityKind  `gorm:"column:activity_kind;size:32;not null" json:"activity_kind"`
	TargetCount      int64         `gorm:"column:target_count;not null" json:"target_count"`
	Scope            TemplateScope `gorm:"column:scope;size:16;not null;index:idx_quest_templates_scope_active,priority:1" json:"scope"`
	Active           bool          `gorm:"column:active;not null;default:true;index:idx_quest_templates_scope_active,priority:2" json:"active"`
	CreatedAtSeconds int64         `gorm:"column:created_at_s;not null" json:"created_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Template) TableName() string {
	return "quest_templates"
}

// TemplateInput is the editable part of a template.
type TemplateInput struct {
	Title        string        `json:"title" yaml:"title"`
	Description  string        `json:"description" yaml:"description"`
	ActivityKind ActivityKind  `json:"activity_kind" yaml:"activity_kind"`
	TargetCount  int64         `json:"target_count" yaml:"target_count"`
	Scope        TemplateScope `json:"scope" yaml:"scope"`
	Active       *bool         `json:"active" yaml:"active"`
}

// BuiltinTemplates is the fallback set used when no active template exists for a scope.
var BuiltinTemplates = []TemplateInput{
	{Title: "Reading marathon", Description: "Finish a book today", ActivityKind: ActivityReadBook, TargetCount: 1},
	{Title: "Active reader", Description: "Leave comments on books", ActivityKind: ActivityCreateComment, TargetCount: 3},
	{Title: "Discussion", Description: "Reply to other readers' comments", ActivityKind: ActivityReplyComment, TargetCount: 2},
	{Title: "Generosity", Description: "Place prizes on the board", ActivityKind: ActivityPlaceReward, TargetCount: 1},
	{Title: "Bookworm", Description: "Finish several books", ActivityKind: ActivityReadBook, TargetCount: 2},
	{Title: "Commentator", Description: "Leave many comments", ActivityKind: ActivityCreateComment, TargetCount: 5},
}

func (input TemplateInput) validate() error {
	title := strings.TrimSpace(input.Title)
	if title == "" || len(title) > maxTitleLength {
		return ErrInvalidDefinition
	}
	if _, err := ParseActivityKind(string(input.ActivityKind)); err != nil {
		return errors.Join(ErrInvalidDefinition, err)
	}
	if input.TargetCount <= 0 {
		return ErrInvalidDefinition
	}
	switch input.Scope {
	case TemplateScopePersonal, TemplateScopeGroup:
		return nil
	default:
		return ErrInvalidDefinition
	}
}

// CreateTemplate stores a new template. Staff only.
func (c *Catalog) CreateTemplate(ctx context.Context, actor users.Principal, input TemplateInput) (Template, error) {
	if !actor.IsStaff() {
		return Template{}, newServiceError(opTemplates, "forbidden", ErrForbidden)
	}
	return c.insertTemplate(c.db.WithContext(ctx), input)
}

func (c *Catalog) insertTemplate(db *gorm.DB, input TemplateInput) (Template, error) {
	if err := input.validate(); err != nil {
		return Template{}, newServiceError(opTemplates, "invalid_template", err)
	}
	id, err := c.idProvider.NewID()
	if err != nil {
		return Template{}, newServiceError(opTemplates, "id_generation_failed", err)
	}
	active := true
	if input.Active != nil {
		active = *input.Active
	}
	template := Template{
		ID:               id,
		Title:            strings.TrimSpace(input.Title),
		Description:      strings.TrimSpace(input.Description),
		ActivityKind:     input.ActivityKind,
		TargetCount:      input.TargetCount,
		Scope:            input.Scope,
		Active:           active,
		CreatedAtSeconds: c.clock().UTC().Unix(),
	}
	// Select keeps an explicit false for Active instead of falling back to the column default.
	if err := db.Select("*").Create(&template).Error; err != nil {
		c.logError(opTemplates, "insert_failed", err)
		return Template{}, newServiceError(opTemplates, "insert_failed", err)
	}
	return template, nil
}

// UpdateTemplate replaces the editable fields of a template. Staff only.
func (c *Catalog) UpdateTemplate(ctx context.Context, actor users.Principal, templateID string, input TemplateInput) (Template, error) {
	if !actor.IsStaff() {
		return Template{}, newServiceError(opTemplates, "forbidden", ErrForbidden)
	}
	if err := input.validate(); err != nil {
		return Template{}, newServiceError(opTemplates, "invalid_template", err)
	}
	updates := map[string]any{
		"title":         strings.TrimSpace(input.Title),
		"description":   strings.TrimSpace(input.Description),
		"activity_kind": input.ActivityKind,
		"target_count":  input.TargetCount,
		"scope":         input.Scope,
	}
	if input.Active != nil {
		updates["active"] = *input.Active
	}
	result := c.db.WithContext(ctx).Model(&Template{}).Where("template_id = ?", templateID).Updates(updates)
	if result.Error != nil {
		c.logError(opTemplates, "update_failed", result.Error, zap.String("template_id", templateID))
		return Template{}, newServiceError(opTemplates, "update_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Template{}, newServiceError(opTemplates, "not_found", ErrTemplateNotFound)
	}
	var template Template
	if err := c.db.WithContext(ctx).Where("template_id = ?", templateID).Take(&template).Error; err != nil {
		return Template{}, newServiceError(opTemplates, "reload_failed", err)
	}
	return template, nil
}

// DeleteTemplate removes a template. Staff only.
func (c *Catalog) DeleteTemplate(ctx context.Context, actor users.Principal, templateID string) error {
	if !actor.IsStaff() {
		return newServiceError(opTemplates, "forbidden", ErrForbidden)
	}
	result := c.db.WithContext(ctx).Delete(&Template{}, "template_id = ?", templateID)
	if result.Error != nil {
		c.logError(opTemplates, "delete_failed", result.Error, zap.String("template_id", templateID))
		return newServiceError(opTemplates, "delete_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return newServiceError(opTemplates, "not_found", ErrTemplateNotFound)
	}
	return nil
}

// ListTemplates returns templates ordered by scope and title.
func (c *Catalog) ListTemplates(ctx context.Context, activeOnly bool) ([]Template, error) {
	statement := c.db.WithContext(ctx).Model(&Template{})
	if activeOnly {
		statement = statement.Where("active = ?", true)
	}
	var templates []Template
	if err := statement.Order("scope").Order("title").Order("template_id").Find(&templates).Error; err != nil {
		c.logError(opTemplates, "query_failed", err)
		return nil, newServiceError(opTemplates, "query_failed", err)
	}
	return templates, nil
}

// SeedTemplates inserts templates whose (scope, title) pair is not already present
// and returns how many were added.
func (c *Catalog) SeedTemplates(ctx context.Context, inputs []TemplateInput) (int, error) {
	added := 0
	err := c.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, input := range inputs {
			var existing int64
			if err := tx.Model(&Template{}).
				Where("scope = ? AND title = ?", input.Scope, strings.TrimSpace(input.Title)).
				Count(&existing).Error; err != nil {
				return newServiceError(opTemplates, "query_failed", err)
			}
			if existing > 0 {
				continue
			}
			if _, err := c.insertTemplate(tx, input); err != nil {
				return err
			}
			added++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return added, nil
}

// DailyResult reports the quests for today and whether they were created by this call.
type DailyResult struct {
	Quests  []Quest
	Created bool
}

// GenerateDaily creates up to three quests for today from random active templates.
// An empty groupID generates personal quests for the actor; otherwise group quests,
// which requires confirmed membership. Existing quests for today are returned unchanged.
func (c *Catalog) GenerateDaily(ctx context.Context, actor users.Principal, groupID string) (DailyResult, error) {
	creatorID, err := NewUserID(actor.UserID)
	if err != nil {
		return DailyResult{}, newServiceError(opGenerateDaily, "invalid_actor", err)
	}
	groupID = strings.TrimSpace(groupID)

	scope := TemplateScopePersonal
	var rewardGroups []string
	if groupID != "" {
		member, err := c.groups.IsConfirmedMember(ctx, groupID, creatorID.String())
		if err != nil {
			return DailyResult{}, newServiceError(opGenerateDaily, "group_lookup_failed", err)
		}
		if !member {
			return DailyResult{}, newServiceError(opGenerateDaily, "forbidden", ErrForbidden)
		}
		scope = TemplateScopeGroup
		rewardGroups = []string{groupID}
	}

	now := c.clock().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	dayEnd := dayStart.Add(24 * time.Hour)

	existing, err := c.todaysQuests(ctx, creatorID.String(), groupID, dayStart, dayEnd)
	if err != nil {
		return DailyResult{}, err
	}
	if len(existing) > 0 {
		return DailyResult{Quests: existing}, nil
	}

	pool, err := c.templatePool(ctx, scope)
	if err != nil {
		return DailyResult{}, err
	}
	c.shuffle(len(pool), func(i, j int) { pool[i], pool[j] = pool[j], pool[i] })
	if len(pool) > dailyQuestCount {
		pool = pool[:dailyQuestCount]
	}

	rewardTypes, err := c.rewardTypes.ListTypes(ctx, rewardGroups)
	if err != nil {
		return DailyResult{}, newServiceError(opGenerateDaily, "reward_lookup_failed", err)
	}

	created := make([]Quest, 0, len(pool))
	for _, input := range pool {
		definition := Definition{
			Title:        input.Title,
			Description:  input.Description,
			ActivityKind: input.ActivityKind,
			TargetCount:  input.TargetCount,
			StartsAt:     dayStart,
			EndsAt:       dayEnd,
			Period:       PeriodDay,
		}
		if groupID != "" {
			definition.Scope = GroupScope{GroupID: groupID}
			definition.Participation = ParticipationGroup
		} else {
			definition.Scope = PersonalScope{CreatorID: creatorID.String()}
			definition.Participation = ParticipationPersonal
		}
		if len(rewardTypes) > 0 {
			definition.RewardTypeID = rewardTypes[c.intN(len(rewardTypes))].ID
		}
		// Any confirmed member may generate the group's daily set, so ownership is not required.
		quest, err := c.buildQuest(ctx, creatorID, definition, false)
		if err != nil {
			return DailyResult{}, err
		}
		created = append(created, quest)
	}

	if len(created) > 0 {
		if err := c.db.WithContext(ctx).Create(&created).Error; err != nil {
			c.logError(opGenerateDaily, "insert_failed", err, zap.String("user_id", creatorID.String()))
			return DailyResult{}, newServiceError(opGenerateDaily, "insert_failed", err)
		}
	}
	return DailyResult{Quests: created, Created: true}, nil
}

func (c *Catalog) todaysQuests(ctx context.Context, creatorID, groupID string, dayStart, dayEnd time.Time) ([]Quest, error) {
	statement := c.db.WithContext(ctx).
		Where("starts_at_s >= ? AND ends_at_s <= ?", dayStart.Unix(), dayEnd.Unix()).
		Where("period = ?", PeriodDay)
	if groupID != "" {
		statement = statement.Where("scope_kind = ? AND group_id = ?", scopeKindGroup, groupID)
	} else {
		statement = statement.Where("scope_kind = ? AND creator_id = ? AND participation_mode = ?",
			scopeKindPersonal, creatorID, ParticipationPersonal)
	}
	var existing []Quest
	if err := statement.Order("quest_id").Find(&existing).Error; err != nil {
		c.logError(opGenerateDaily, "query_failed", err)
		return nil, newServiceError(opGenerateDaily, "query_failed", err)
	}
	return existing, nil
}

func (c *Catalog) templatePool(ctx context.Context, scope TemplateScope) ([]TemplateInput, error) {
	var stored []Template
	if err := c.db.WithContext(ctx).
		Where("scope = ? AND active = ?", scope, true).
		Order("title").
		Order("template_id").
		Find(&stored).Error; err != nil {
		c.logError(opGenerateDaily, "template_query_failed", err)
		return nil, newServiceError(opGenerateDaily, "template_query_failed", err)
	}
	if len(stored) == 0 {
		pool := make([]TemplateInput, len(BuiltinTemplates))
		copy(pool, BuiltinTemplates)
		return pool, nil
	}
	pool := make([]TemplateInput, 0, len(stored))
	for _, template := range stored {
		pool = append(pool, TemplateInput{
			Title:        template.Title,
			Description:  template.Description,
			ActivityKind: template.ActivityKind,
			TargetCount:  template.TargetCount,
			Scope:        template.Scope,
		})
	}
	return pool, nil
}
