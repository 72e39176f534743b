package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/activity"
	"github.com/MarcoPoloResearchLab/quire/internal/quests"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type questPayload struct {
	ID                string  `json:"id"`
	Title             string  `json:"title"`
	Description       string  `json:"description"`
	ActivityKind      string  `json:"activity_kind"`
	TargetCount       int64   `json:"target_count"`
	StartsAtSeconds   int64   `json:"starts_at_s"`
	EndsAtSeconds     int64   `json:"ends_at_s"`
	Scope             string  `json:"scope"`
	GroupID           *string `json:"group_id,omitempty"`
	ParticipationMode string  `json:"participation_mode"`
	CreatorID         string  `json:"creator_id"`
	RewardTypeID      *string `json:"reward_type_id,omitempty"`
	Period            string  `json:"period"`
	Completed         bool    `json:"completed"`
	State             string  `json:"state"`
}

type progressPayload struct {
	Quest          questPayload `json:"quest"`
	CurrentCount   int64        `json:"current_count"`
	OwnCount       int64        `json:"own_count"`
	Percentage     float64      `json:"percentage"`
	Participated   bool         `json:"participated"`
	RewardReceived bool         `json:"reward_received"`
}

func newQuestPayload(quest quests.Quest, now time.Time) questPayload {
	return questPayload{
		ID:                quest.ID,
		Title:             quest.Title,
		Description:       quest.Description,
		ActivityKind:      string(quest.ActivityKind),
		TargetCount:       quest.TargetCount,
		StartsAtSeconds:   quest.StartsAtSeconds,
		EndsAtSeconds:     quest.EndsAtSeconds,
		Scope:             quest.ScopeKind,
		GroupID:           quest.GroupID,
		ParticipationMode: string(quest.Participation),
		CreatorID:         quest.CreatorID,
		RewardTypeID:      quest.RewardTypeID,
		Period:            string(quest.Period),
		Completed:         quest.Completed,
		State:             string(quest.StateAt(now)),
	}
}

func newProgressPayload(view quests.ProgressView, now time.Time) progressPayload {
	quest := newQuestPayload(view.Quest, now)
	quest.State = string(view.State)
	return progressPayload{
		Quest:          quest,
		CurrentCount:   view.CurrentCount,
		OwnCount:       view.OwnCount,
		Percentage:     view.Percentage,
		Participated:   view.Participated,
		RewardReceived: view.RewardReceived,
	}
}

func newProgressPayloads(views []quests.ProgressView, now time.Time) []progressPayload {
	payloads := make([]progressPayload, 0, len(views))
	for _, view := range views {
		payloads = append(payloads, newProgressPayload(view, now))
	}
	return payloads
}

type createQuestRequest struct {
	Title             string    `json:"title"`
	Description       string    `json:"description"`
	ActivityKind      string    `json:"activity_kind"`
	TargetCount       int64     `json:"target_count"`
	StartsAt          time.Time `json:"starts_at"`
	EndsAt            time.Time `json:"ends_at"`
	GroupID           string    `json:"group_id"`
	ParticipationMode string    `json:"participation_mode"`
	RewardTypeID      string    `json:"reward_type_id"`
	Period            string    `json:"period"`
}

func (h *httpHandler) handleCreateQuest(c *gin.Context) {
	principal := principalFrom(c)
	var request createQuestRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	definition := quests.Definition{
		Title:         request.Title,
		Description:   request.Description,
		ActivityKind:  quests.ActivityKind(strings.ToLower(strings.TrimSpace(request.ActivityKind))),
		TargetCount:   request.TargetCount,
		StartsAt:      request.StartsAt,
		EndsAt:        request.EndsAt,
		Participation: quests.ParticipationMode(strings.ToLower(strings.TrimSpace(request.ParticipationMode))),
		RewardTypeID:  request.RewardTypeID,
		Period:        quests.Period(request.Period),
	}
	if groupID := strings.TrimSpace(request.GroupID); groupID != "" {
		definition.Scope = quests.GroupScope{GroupID: groupID}
	} else {
		definition.Scope = quests.PersonalScope{CreatorID: principal.UserID}
	}

	quest, err := h.catalog.Create(c.Request.Context(), principal, definition)
	if err != nil {
		h.writeError(c, "quests.create", err)
		return
	}
	c.JSON(http.StatusCreated, newQuestPayload(quest, h.clock()))
}

func (h *httpHandler) handleListQuests(c *gin.Context) {
	views, err := h.catalog.ListForUser(c.Request.Context(), principalFrom(c).UserID)
	if err != nil {
		h.writeError(c, "quests.list", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quests": newProgressPayloads(views, h.clock())})
}

func (h *httpHandler) handleQuestProgress(c *gin.Context) {
	view, err := h.catalog.ProgressFor(c.Request.Context(), principalFrom(c).UserID, c.Param("id"))
	if err != nil {
		h.writeError(c, "quests.progress", err)
		return
	}
	c.JSON(http.StatusOK, newProgressPayload(view, h.clock()))
}

func (h *httpHandler) handleGroupQuests(c *gin.Context) {
	views, err := h.catalog.GroupQuests(c.Request.Context(), principalFrom(c).UserID, c.Param("id"))
	if err != nil {
		h.writeError(c, "quests.group", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"quests": newProgressPayloads(views, h.clock())})
}

type dailyRequest struct {
	GroupID string `json:"group_id"`
}

func (h *httpHandler) handleGenerateDaily(c *gin.Context) {
	var request dailyRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
			return
		}
	}

	result, err := h.catalog.GenerateDaily(c.Request.Context(), principalFrom(c), request.GroupID)
	if err != nil {
		h.writeError(c, "quests.daily", err)
		return
	}
	now := h.clock()
	payloads := make([]questPayload, 0, len(result.Quests))
	for _, quest := range result.Quests {
		payloads = append(payloads, newQuestPayload(quest, now))
	}
	status := http.StatusOK
	if result.Created {
		status = http.StatusCreated
	}
	c.JSON(status, gin.H{"created": result.Created, "quests": payloads})
}

func (h *httpHandler) handleListTemplates(c *gin.Context) {
	activeOnly := c.Query("active") == "true"
	templates, err := h.catalog.ListTemplates(c.Request.Context(), activeOnly)
	if err != nil {
		h.writeError(c, "quest_templates.list", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"templates": templates})
}

func (h *httpHandler) handleCreateTemplate(c *gin.Context) {
	var input quests.TemplateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	template, err := h.catalog.CreateTemplate(c.Request.Context(), principalFrom(c), input)
	if err != nil {
		h.writeError(c, "quest_templates.create", err)
		return
	}
	c.JSON(http.StatusCreated, template)
}

func (h *httpHandler) handleUpdateTemplate(c *gin.Context) {
	var input quests.TemplateInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	template, err := h.catalog.UpdateTemplate(c.Request.Context(), principalFrom(c), c.Param("id"), input)
	if err != nil {
		h.writeError(c, "quest_templates.update", err)
		return
	}
	c.JSON(http.StatusOK, template)
}

func (h *httpHandler) handleDeleteTemplate(c *gin.Context) {
	if err := h.catalog.DeleteTemplate(c.Request.Context(), principalFrom(c), c.Param("id")); err != nil {
		h.writeError(c, "quest_templates.delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type questOutcomePayload struct {
	QuestID   string `json:"quest_id"`
	Advanced  bool   `json:"advanced"`
	Count     int64  `json:"count"`
	Completed bool   `json:"completed"`
	Grants    int    `json:"grants"`
	Failed    bool   `json:"failed"`
}

func newQuestOutcomePayload(outcome quests.QuestOutcome) questOutcomePayload {
	return questOutcomePayload{
		QuestID:   outcome.QuestID,
		Advanced:  outcome.Advanced,
		Count:     outcome.Count,
		Completed: outcome.Completed,
		Grants:    outcome.Grants,
		Failed:    outcome.Err != nil,
	}
}

type activityResponse struct {
	EventID   string                `json:"event_id"`
	Duplicate bool                  `json:"duplicate"`
	Quests    []questOutcomePayload `json:"quests"`
}

// handleRecordActivity accepts an event envelope from a trusted event source acting for the caller.
func (h *httpHandler) handleRecordActivity(c *gin.Context) {
	principal := principalFrom(c)
	var event activity.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	event.ActorID = strings.TrimSpace(event.ActorID)
	if event.ActorID == "" {
		event.ActorID = principal.UserID
	}
	if event.ActorID != principal.UserID {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	if event.Type == activity.EventRewardPlaced {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "code": "activities.record.use_board_placement"})
		return
	}
	if groupID := strings.TrimSpace(event.GroupID); groupID != "" {
		member, err := h.groups.IsConfirmedMember(c.Request.Context(), groupID, principal.UserID)
		if err != nil {
			h.writeError(c, "activities.record", err)
			return
		}
		if !member {
			c.JSON(http.StatusForbidden, gin.H{"error": "forbidden"})
			return
		}
	}

	result, err := h.ingestor.Ingest(c.Request.Context(), event)
	if err != nil {
		h.writeError(c, "activities.record", err)
		return
	}
	if result.EngineErr != nil {
		h.logger.Warn("activity applied with quest failures",
			zap.String("event_id", result.EventID),
			zap.String("user_id", principal.UserID),
			zap.Error(result.EngineErr))
	}

	response := activityResponse{
		EventID:   result.EventID,
		Duplicate: result.Duplicate,
		Quests:    make([]questOutcomePayload, 0, len(result.Outcome.Quests)),
	}
	for _, outcome := range result.Outcome.Quests {
		response.Quests = append(response.Quests, newQuestOutcomePayload(outcome))
	}
	c.JSON(http.StatusOK, response)
}
