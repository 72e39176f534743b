package server

import (
	"net/http"

	"github.com/MarcoPoloResearchLab/quire/internal/rewards"
	"github.com/gin-gonic/gin"
)

const (
	defaultNotificationLimit = 50
	maxNotificationLimit     = 200
)

type createGroupRequest struct {
	Name string `json:"name"`
}

func (h *httpHandler) handleCreateGroup(c *gin.Context) {
	var request createGroupRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	group, err := h.groups.CreateGroup(c.Request.Context(), principalFrom(c).UserID, request.Name)
	if err != nil {
		h.writeError(c, "groups.create", err)
		return
	}
	c.JSON(http.StatusCreated, group)
}

// handleJoinGroup files a pending join request; the owner is notified.
func (h *httpHandler) handleJoinGroup(c *gin.Context) {
	if err := h.groups.AddMember(c.Request.Context(), c.Param("id"), principalFrom(c).UserID, false); err != nil {
		h.writeError(c, "groups.join", err)
		return
	}
	c.Status(http.StatusAccepted)
}

func (h *httpHandler) handleAcceptMember(c *gin.Context) {
	if err := h.groups.ConfirmMember(c.Request.Context(), principalFrom(c).UserID, c.Param("id"), c.Param("user")); err != nil {
		h.writeError(c, "groups.accept", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleDeclineMember(c *gin.Context) {
	if err := h.groups.DeclineMember(c.Request.Context(), principalFrom(c).UserID, c.Param("id"), c.Param("user")); err != nil {
		h.writeError(c, "groups.decline", err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRemoveMember(c *gin.Context) {
	if err := h.groups.RemoveMember(c.Request.Context(), principalFrom(c).UserID, c.Param("id"), c.Param("user")); err != nil {
		h.writeError(c, "groups.remove", err)
		return
	}
	c.Status(http.StatusNoContent)
}

type createRewardTypeRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	GroupID     string `json:"group_id"`
}

func (h *httpHandler) handleCreateRewardType(c *gin.Context) {
	var request createRewardTypeRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	rewardType, err := h.rewards.CreateType(c.Request.Context(), principalFrom(c), rewards.TypeDefinition{
		Name:        request.Name,
		Description: request.Description,
		GroupID:     request.GroupID,
	})
	if err != nil {
		h.writeError(c, "reward_types.create", err)
		return
	}
	c.JSON(http.StatusCreated, rewardType)
}

// handleListRewardTypes returns global types plus those of the caller's confirmed groups.
func (h *httpHandler) handleListRewardTypes(c *gin.Context) {
	groupIDs, err := h.groups.ConfirmedGroupIDs(c.Request.Context(), principalFrom(c).UserID)
	if err != nil {
		h.writeError(c, "reward_types.list", err)
		return
	}
	rewardTypes, err := h.rewards.ListTypes(c.Request.Context(), groupIDs)
	if err != nil {
		h.writeError(c, "reward_types.list", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reward_types": rewardTypes})
}

func (h *httpHandler) handleListGrants(c *gin.Context) {
	grants, err := h.rewards.ListGrants(c.Request.Context(), principalFrom(c).UserID)
	if err != nil {
		h.writeError(c, "rewards.list", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"rewards": grants})
}

func (h *httpHandler) handleListSummaries(c *gin.Context) {
	summaries, err := h.rewards.ListSummaries(c.Request.Context(), principalFrom(c).UserID)
	if err != nil {
		h.writeError(c, "rewards.summaries", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"summaries": summaries})
}

func (h *httpHandler) handleDeleteGrant(c *gin.Context) {
	summary, err := h.rewards.DeleteGrant(c.Request.Context(), principalFrom(c), c.Param("id"))
	if err != nil {
		h.writeError(c, "rewards.delete", err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (h *httpHandler) handleStats(c *gin.Context) {
	userStats, err := h.stats.Get(c.Request.Context(), principalFrom(c).UserID)
	if err != nil {
		h.writeError(c, "stats.get", err)
		return
	}
	c.JSON(http.StatusOK, userStats)
}

func (h *httpHandler) handleListNotifications(c *gin.Context) {
	limit := queryInt(c, "limit", defaultNotificationLimit)
	if limit == 0 || limit > maxNotificationLimit {
		limit = maxNotificationLimit
	}
	offset := queryInt(c, "offset", 0)
	found, err := h.notifications.List(c.Request.Context(), principalFrom(c).UserID, limit, offset)
	if err != nil {
		h.writeError(c, "notifications.list", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": found})
}

func (h *httpHandler) handleDeleteNotification(c *gin.Context) {
	if err := h.notifications.Delete(c.Request.Context(), principalFrom(c).UserID, c.Param("id")); err != nil {
		h.writeError(c, "notifications.delete", err)
		return
	}
	c.Status(http.StatusNoContent)
}
