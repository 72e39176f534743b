package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/quire/internal/boards"
	"github.com/gin-gonic/gin"
)

type createBoardRequest struct {
	GroupID string `json:"group_id"`
	Width   int    `json:"width"`
	Height  int    `json:"height"`
}

// handleCreateBoard creates the caller's personal board, or a group board when group_id is set.
func (h *httpHandler) handleCreateBoard(c *gin.Context) {
	var request createBoardRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	board, err := h.boards.Create(c.Request.Context(), principalFrom(c), boards.Definition{
		GroupID: request.GroupID,
		Width:   request.Width,
		Height:  request.Height,
	})
	if err != nil {
		h.writeError(c, "boards.create", err)
		return
	}
	c.JSON(http.StatusCreated, board)
}

// handleFindBoard resolves a board by owner: ?group_id= or ?user_id=, defaulting to the caller.
func (h *httpHandler) handleFindBoard(c *gin.Context) {
	principal := principalFrom(c)
	var (
		view boards.View
		err  error
	)
	if groupID := strings.TrimSpace(c.Query("group_id")); groupID != "" {
		view, err = h.boards.ForGroup(c.Request.Context(), principal, groupID)
	} else {
		userID := strings.TrimSpace(c.Query("user_id"))
		if userID == "" {
			userID = principal.UserID
		}
		view, err = h.boards.ForUser(c.Request.Context(), principal, userID)
	}
	if err != nil {
		h.writeError(c, "boards.find", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (h *httpHandler) handleGetBoard(c *gin.Context) {
	view, err := h.boards.Get(c.Request.Context(), principalFrom(c), c.Param("id"))
	if err != nil {
		h.writeError(c, "boards.get", err)
		return
	}
	c.JSON(http.StatusOK, view)
}

type placeRewardRequest struct {
	X       *int   `json:"x"`
	Y       *int   `json:"y"`
	GrantID string `json:"grant_id"`
}

type placementResponse struct {
	Cell   boards.Cell           `json:"cell"`
	Quests []questOutcomePayload `json:"quests"`
}

func (h *httpHandler) handlePlaceReward(c *gin.Context) {
	var request placeRewardRequest
	if err := c.ShouldBindJSON(&request); err != nil || request.X == nil || request.Y == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	placement, err := h.boards.Place(c.Request.Context(), principalFrom(c), c.Param("id"), *request.X, *request.Y, request.GrantID)
	if err != nil {
		h.writeError(c, "boards.place", err)
		return
	}
	response := placementResponse{
		Cell:   placement.Cell,
		Quests: make([]questOutcomePayload, 0, len(placement.Outcome.Quests)),
	}
	for _, outcome := range placement.Outcome.Quests {
		response.Quests = append(response.Quests, newQuestOutcomePayload(outcome))
	}
	c.JSON(http.StatusCreated, response)
}

func (h *httpHandler) handleRemoveReward(c *gin.Context) {
	x, xErr := strconv.Atoi(c.Param("x"))
	y, yErr := strconv.Atoi(c.Param("y"))
	if xErr != nil || yErr != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.boards.Remove(c.Request.Context(), principalFrom(c), c.Param("id"), x, y); err != nil {
		h.writeError(c, "boards.remove", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// handleListPlacements lists where the caller's grants sit, plus their ids for quick lookup.
func (h *httpHandler) handleListPlacements(c *gin.Context) {
	cells, err := h.boards.ListPlacements(c.Request.Context(), principalFrom(c).UserID)
	if err != nil {
		h.writeError(c, "rewards.placements", err)
		return
	}
	grantIDs := make([]string, 0, len(cells))
	for _, cell := range cells {
		grantIDs = append(grantIDs, cell.GrantID)
	}
	c.JSON(http.StatusOK, gin.H{"placements": cells, "placed_grant_ids": grantIDs})
}
