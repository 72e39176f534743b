package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/activity"
	"github.com/MarcoPoloResearchLab/quire/internal/auth"
	"github.com/MarcoPoloResearchLab/quire/internal/boards"
	"github.com/MarcoPoloResearchLab/quire/internal/groups"
	"github.com/MarcoPoloResearchLab/quire/internal/notifications"
	"github.com/MarcoPoloResearchLab/quire/internal/quests"
	"github.com/MarcoPoloResearchLab/quire/internal/rewards"
	"github.com/MarcoPoloResearchLab/quire/internal/stats"
	"github.com/MarcoPoloResearchLab/quire/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const principalContextKey = "quire_principal"

const defaultHeartbeatInterval = 25 * time.Second

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingUsers            = errors.New("users dependency required")
	errMissingCatalog          = errors.New("quest catalog dependency required")
	errMissingIngestor         = errors.New("activity ingestor dependency required")
	errMissingGroups           = errors.New("groups dependency required")
	errMissingRewards          = errors.New("rewards dependency required")
	errMissingNotifications    = errors.New("notifications dependency required")
	errMissingStats            = errors.New("stats dependency required")
	errMissingBoards           = errors.New("boards dependency required")
)

type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type PrincipalResolver interface {
	ResolvePrincipal(ctx context.Context, claims auth.SessionClaims) (users.Principal, error)
}

type ActivityIngestor interface {
	Ingest(ctx context.Context, event activity.Event) (activity.IngestResult, error)
}

type Dependencies struct {
	SessionValidator  SessionValidator
	Users             PrincipalResolver
	Catalog           *quests.Catalog
	Ingestor          ActivityIngestor
	Groups            *groups.Directory
	Rewards           *rewards.Ledger
	Notifications     *notifications.Service
	Stats             *stats.Service
	Boards            *boards.Service
	Realtime          *RealtimeDispatcher
	HeartbeatInterval time.Duration
	Clock             func() time.Time
	Logger            *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.SessionValidator == nil:
		return nil, errMissingSessionValidator
	case deps.Users == nil:
		return nil, errMissingUsers
	case deps.Catalog == nil:
		return nil, errMissingCatalog
	case deps.Ingestor == nil:
		return nil, errMissingIngestor
	case deps.Groups == nil:
		return nil, errMissingGroups
	case deps.Rewards == nil:
		return nil, errMissingRewards
	case deps.Notifications == nil:
		return nil, errMissingNotifications
	case deps.Stats == nil:
		return nil, errMissingStats
	case deps.Boards == nil:
		return nil, errMissingBoards
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	realtime := deps.Realtime
	if realtime == nil {
		realtime = NewRealtimeDispatcher()
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		sessions:      deps.SessionValidator,
		users:         deps.Users,
		catalog:       deps.Catalog,
		ingestor:      deps.Ingestor,
		groups:        deps.Groups,
		rewards:       deps.Rewards,
		notifications: deps.Notifications,
		stats:         deps.Stats,
		boards:        deps.Boards,
		realtime:      realtime,
		heartbeat:     heartbeat,
		clock:         clock,
		logger:        logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)

	protected.POST("/activities", handler.handleRecordActivity)

	protected.GET("/quests", handler.handleListQuests)
	protected.POST("/quests", handler.handleCreateQuest)
	protected.POST("/quests/daily", handler.handleGenerateDaily)
	protected.GET("/quests/:id/progress", handler.handleQuestProgress)

	protected.GET("/quest-templates", handler.handleListTemplates)
	protected.POST("/quest-templates", handler.handleCreateTemplate)
	protected.PUT("/quest-templates/:id", handler.handleUpdateTemplate)
	protected.DELETE("/quest-templates/:id", handler.handleDeleteTemplate)

	protected.POST("/groups", handler.handleCreateGroup)
	protected.GET("/groups/:id/quests", handler.handleGroupQuests)
	protected.POST("/groups/:id/join", handler.handleJoinGroup)
	protected.POST("/groups/:id/members/:user/accept", handler.handleAcceptMember)
	protected.POST("/groups/:id/members/:user/decline", handler.handleDeclineMember)
	protected.DELETE("/groups/:id/members/:user", handler.handleRemoveMember)

	protected.GET("/reward-types", handler.handleListRewardTypes)
	protected.POST("/reward-types", handler.handleCreateRewardType)
	protected.GET("/rewards", handler.handleListGrants)
	protected.GET("/rewards/summaries", handler.handleListSummaries)
	protected.GET("/rewards/placements", handler.handleListPlacements)
	protected.DELETE("/rewards/:id", handler.handleDeleteGrant)

	protected.GET("/boards", handler.handleFindBoard)
	protected.POST("/boards", handler.handleCreateBoard)
	protected.GET("/boards/:id", handler.handleGetBoard)
	protected.POST("/boards/:id/cells", handler.handlePlaceReward)
	protected.DELETE("/boards/:id/cells/:x/:y", handler.handleRemoveReward)

	protected.GET("/stats", handler.handleStats)

	protected.GET("/notifications", handler.handleListNotifications)
	protected.GET("/notifications/stream", handler.handleNotificationStream)
	protected.DELETE("/notifications/:id", handler.handleDeleteNotification)

	return router, nil
}

type httpHandler struct {
	sessions      SessionValidator
	users         PrincipalResolver
	catalog       *quests.Catalog
	ingestor      ActivityIngestor
	groups        *groups.Directory
	rewards       *rewards.Ledger
	notifications *notifications.Service
	stats         *stats.Service
	boards        *boards.Service
	realtime      *RealtimeDispatcher
	heartbeat     time.Duration
	clock         func() time.Time
	logger        *zap.Logger
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc:  func(string) bool { return true },
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	principal, err := h.users.ResolvePrincipal(c.Request.Context(), claims)
	if err != nil {
		h.logger.Warn("principal resolution failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(principalContextKey, principal)
	c.Next()
}

func principalFrom(c *gin.Context) users.Principal {
	value, ok := c.Get(principalContextKey)
	if !ok {
		return users.Principal{}
	}
	principal, _ := value.(users.Principal)
	return principal
}

type codedError interface {
	Code() string
}

var (
	badRequestErrors = []error{
		quests.ErrInvalidDefinition,
		quests.ErrInvalidActivity,
		activity.ErrMalformedEvent,
		rewards.ErrInvalidRewardType,
		groups.ErrInvalidName,
		groups.ErrInvalidUserID,
		groups.ErrOwnerMembership,
		notifications.ErrInvalidNotification,
		boards.ErrInvalidBoard,
	}
	forbiddenErrors = []error{
		quests.ErrForbidden,
		rewards.ErrForbidden,
		notifications.ErrForbidden,
		groups.ErrNotOwner,
		boards.ErrForbidden,
	}
	notFoundErrors = []error{
		quests.ErrQuestNotFound,
		quests.ErrTemplateNotFound,
		rewards.ErrGrantNotFound,
		rewards.ErrRewardTypeNotFound,
		notifications.ErrNotFound,
		groups.ErrGroupNotFound,
		groups.ErrMembershipNotFound,
		boards.ErrBoardNotFound,
		boards.ErrCellNotFound,
	}
	conflictErrors = []error{
		boards.ErrBoardExists,
		boards.ErrCellOccupied,
		boards.ErrGrantPlaced,
	}
)

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// writeError maps domain errors onto HTTP statuses and echoes the service error code.
func (h *httpHandler) writeError(c *gin.Context, operation string, err error) {
	status := http.StatusInternalServerError
	label := "internal_error"
	switch {
	case matchesAny(err, badRequestErrors):
		status, label = http.StatusBadRequest, "invalid_request"
	case matchesAny(err, forbiddenErrors):
		status, label = http.StatusForbidden, "forbidden"
	case matchesAny(err, notFoundErrors):
		status, label = http.StatusNotFound, "not_found"
	case matchesAny(err, conflictErrors):
		status, label = http.StatusConflict, "conflict"
	}

	body := gin.H{"error": label}
	var coded codedError
	if errors.As(err, &coded) {
		body["code"] = coded.Code()
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, body)
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
