package boards

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/ids"
	"github.com/MarcoPoloResearchLab/quire/internal/quests"
	"github.com/MarcoPoloResearchLab/quire/internal/rewards"
	"github.com/MarcoPoloResearchLab/quire/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrBoardNotFound indicates the board does not exist.
	ErrBoardNotFound = errors.New("boards: board not found")
	// ErrBoardExists indicates the group or user already owns a board.
	ErrBoardExists = errors.New("boards: board already exists")
	// ErrCellNotFound indicates nothing is placed at the position.
	ErrCellNotFound = errors.New("boards: cell not found")
	// ErrCellOccupied indicates another grant already sits at the position.
	ErrCellOccupied = errors.New("boards: cell occupied")
	// ErrGrantPlaced indicates the grant already sits on a board.
	ErrGrantPlaced = errors.New("boards: grant already placed")
	// ErrInvalidBoard indicates a board definition or position failed validation.
	ErrInvalidBoard = errors.New("boards: invalid board")
	// ErrForbidden indicates the caller may not use the board or the grant.
	ErrForbidden = errors.New("boards: forbidden")

	errMissingDatabase = errors.New("database handle is required")
	errMissingGroups   = errors.New("group access is required")
	errMissingTracker  = errors.New("placement tracker is required")
)

const (
	defaultDimension = 5
	maxDimension     = 20
)

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
	opNew            = "boards.new"
	opCreate         = "boards.create"
	opGet            = "boards.get"
	opPlace          = "boards.place"
	opRemove         = "boards.remove"
	opRelease        = "boards.release_grant"
	opListPlacements = "boards.list_placements"
)

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// GroupAccess answers ownership and membership questions for group boards.
type GroupAccess interface {
	IsOwner(ctx context.Context, groupID, userID string) (bool, error)
	IsConfirmedMember(ctx context.Context, groupID, userID string) (bool, error)
}

// PlacementTracker reports a newly placed prize to the quest engine.
type PlacementTracker interface {
	RewardPlaced(ctx context.Context, placerID, groupID string) (quests.ActivityOutcome, error)
}

// ServiceConfig describes the dependencies of the board service.
type ServiceConfig struct {
	Database   *gorm.DB
	Groups     GroupAccess
	Tracker    PlacementTracker
	Clock      func() time.Time
	IDProvider ids.Provider
	Logger     *zap.Logger
}

// Service stores prize boards and the grants readers place on them.
type Service struct {
	db         *gorm.DB
	groups     GroupAccess
	tracker    PlacementTracker
	clock      func() time.Time
	idProvider ids.Provider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	switch {
	case cfg.Database == nil:
		return nil, newServiceError(opNew, "missing_database", errMissingDatabase)
	case cfg.Groups == nil:
		return nil, newServiceError(opNew, "missing_groups", errMissingGroups)
	case cfg.Tracker == nil:
		return nil, newServiceError(opNew, "missing_tracker", errMissingTracker)
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
	return &Service{
		db:         cfg.Database,
		groups:     cfg.Groups,
		tracker:    cfg.Tracker,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// Definition is the input for Create. An empty GroupID creates the caller's personal board.
type Definition struct {
	GroupID string
	Width   int
	Height  int
}

// Create stores a board. Group boards require group ownership.
func (s *Service) Create(ctx context.Context, actor users.Principal, definition Definition) (Board, error) {
	width, height := definition.Width, definition.Height
	if width == 0 {
		width = defaultDimension
	}
	if height == 0 {
		height = defaultDimension
	}
	if width < 1 || height < 1 || width > maxDimension || height > maxDimension {
		return Board{}, newServiceError(opCreate, "invalid_dimensions", ErrInvalidBoard)
	}

	board := Board{
		Width:            width,
		Height:           height,
		CreatedBy:        actor.UserID,
		CreatedAtSeconds: s.clock().UTC().Unix(),
	}
	if groupID := strings.TrimSpace(definition.GroupID); groupID != "" {
		owner, err := s.groups.IsOwner(ctx, groupID, actor.UserID)
		if err != nil {
			return Board{}, newServiceError(opCreate, "group_lookup_failed", err)
		}
		if !owner {
			return Board{}, newServiceError(opCreate, "forbidden", ErrForbidden)
		}
		board.Kind = KindGroup
		board.GroupID = &groupID
	} else {
		userID := actor.UserID
		board.Kind = KindUser
		board.UserID = &userID
	}

	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err)
		return Board{}, newServiceError(opCreate, "id_generation_failed", err)
	}
	board.ID = id

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&board)
	if result.Error != nil {
		s.logError(opCreate, "insert_failed", result.Error, zap.String("user_id", actor.UserID))
		return Board{}, newServiceError(opCreate, "insert_failed", result.Error)
	}
	if result.RowsAffected == 0 {
		return Board{}, newServiceError(opCreate, "exists", ErrBoardExists)
	}
	return board, nil
}

// Get returns a board with its cells. Group boards are visible to confirmed members and staff.
func (s *Service) Get(ctx context.Context, actor users.Principal, boardID string) (View, error) {
	board, err := s.loadBoard(ctx, opGet, "board_id = ?", boardID)
	if err != nil {
		return View{}, err
	}
	return s.view(ctx, actor, board)
}

// ForGroup returns the group's board.
func (s *Service) ForGroup(ctx context.Context, actor users.Principal, groupID string) (View, error) {
	board, err := s.loadBoard(ctx, opGet, "group_id = ?", groupID)
	if err != nil {
		return View{}, err
	}
	return s.view(ctx, actor, board)
}

// ForUser returns a reader's personal board. Personal boards are visible to everyone.
func (s *Service) ForUser(ctx context.Context, actor users.Principal, userID string) (View, error) {
	board, err := s.loadBoard(ctx, opGet, "user_id = ?", userID)
	if err != nil {
		return View{}, err
	}
	return s.view(ctx, actor, board)
}

// Placement is a newly occupied cell and the quest outcome of placing it.
type Placement struct {
	Cell    Cell
	Outcome quests.ActivityOutcome
}

// Place puts one of the actor's grants on a free cell and reports the placement to
// the quest engine once the cell is committed.
func (s *Service) Place(ctx context.Context, actor users.Principal, boardID string, x, y int, grantID string) (Placement, error) {
	grantID = strings.TrimSpace(grantID)
	if grantID == "" {
		return Placement{}, newServiceError(opPlace, "missing_grant", ErrInvalidBoard)
	}
	board, err := s.loadBoard(ctx, opPlace, "board_id = ?", boardID)
	if err != nil {
		return Placement{}, err
	}
	if x < 0 || y < 0 || x >= board.Width || y >= board.Height {
		return Placement{}, newServiceError(opPlace, "out_of_bounds", ErrInvalidBoard)
	}
	allowed, err := s.canPlace(ctx, actor, board)
	if err != nil {
		return Placement{}, newServiceError(opPlace, "group_lookup_failed", err)
	}
	if !allowed {
		return Placement{}, newServiceError(opPlace, "forbidden", ErrForbidden)
	}

	cellID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opPlace, "id_generation_failed", err)
		return Placement{}, newServiceError(opPlace, "id_generation_failed", err)
	}
	cell := Cell{
		ID:              cellID,
		BoardID:         board.ID,
		X:               x,
		Y:               y,
		GrantID:         grantID,
		PlacedBy:        actor.UserID,
		PlacedAtSeconds: s.clock().UTC().Unix(),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var grant rewards.Grant
		lookupErr := tx.Where("grant_id = ?", grantID).Take(&grant).Error
		if errors.Is(lookupErr, gorm.ErrRecordNotFound) {
			return newServiceError(opPlace, "grant_not_found", rewards.ErrGrantNotFound)
		}
		if lookupErr != nil {
			s.logError(opPlace, "grant_lookup_failed", lookupErr, zap.String("grant_id", grantID))
			return newServiceError(opPlace, "grant_lookup_failed", lookupErr)
		}
		if grant.UserID != actor.UserID {
			return newServiceError(opPlace, "foreign_grant", ErrForbidden)
		}

		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&cell)
		if result.Error != nil {
			s.logError(opPlace, "insert_failed", result.Error, zap.String("board_id", board.ID))
			return newServiceError(opPlace, "insert_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return s.placementConflict(tx, board.ID, x, y)
		}
		return nil
	})
	if err != nil {
		return Placement{}, err
	}

	outcome, trackErr := s.tracker.RewardPlaced(ctx, actor.UserID, board.groupID())
	if trackErr != nil {
		fields := []zap.Field{
			zap.String("cell_id", cell.ID),
			zap.String("user_id", actor.UserID),
			zap.Error(trackErr),
		}
		if len(outcome.Quests) == 0 {
			s.logger.Error("reward placement not applied to any quest", fields...)
		} else {
			s.logger.Warn("reward placement applied with quest failures", fields...)
		}
	}
	return Placement{Cell: cell, Outcome: outcome}, nil
}

// placementConflict explains why the insert wrote nothing.
func (s *Service) placementConflict(tx *gorm.DB, boardID string, x, y int) error {
	var occupied int64
	if err := tx.Model(&Cell{}).
		Where("board_id = ? AND x = ? AND y = ?", boardID, x, y).
		Count(&occupied).Error; err != nil {
		return newServiceError(opPlace, "conflict_lookup_failed", err)
	}
	if occupied > 0 {
		return newServiceError(opPlace, "cell_occupied", ErrCellOccupied)
	}
	return newServiceError(opPlace, "grant_placed", ErrGrantPlaced)
}

// Remove frees a cell. The placer, the board owner and staff may remove. Removal does
// not touch quest progress.
func (s *Service) Remove(ctx context.Context, actor users.Principal, boardID string, x, y int) error {
	board, err := s.loadBoard(ctx, opRemove, "board_id = ?", boardID)
	if err != nil {
		return err
	}
	var cell Cell
	err = s.db.WithContext(ctx).
		Where("board_id = ? AND x = ? AND y = ?", board.ID, x, y).
		Take(&cell).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return newServiceError(opRemove, "cell_not_found", ErrCellNotFound)
	}
	if err != nil {
		s.logError(opRemove, "query_failed", err, zap.String("board_id", board.ID))
		return newServiceError(opRemove, "query_failed", err)
	}

	allowed := actor.IsStaff() || cell.PlacedBy == actor.UserID
	if !allowed {
		allowed, err = s.ownsBoard(ctx, actor, board)
		if err != nil {
			return newServiceError(opRemove, "group_lookup_failed", err)
		}
	}
	if !allowed {
		return newServiceError(opRemove, "forbidden", ErrForbidden)
	}

	if err := s.db.WithContext(ctx).Delete(&Cell{}, "cell_id = ?", cell.ID).Error; err != nil {
		s.logError(opRemove, "delete_failed", err, zap.String("cell_id", cell.ID))
		return newServiceError(opRemove, "delete_failed", err)
	}
	return nil
}

// ReleaseGrantTx frees any cell holding the grant. The reward ledger runs it when a grant is deleted.
func (s *Service) ReleaseGrantTx(tx *gorm.DB, grant rewards.Grant) error {
	if err := tx.Delete(&Cell{}, "grant_id = ?", grant.ID).Error; err != nil {
		s.logError(opRelease, "delete_failed", err, zap.String("grant_id", grant.ID))
		return newServiceError(opRelease, "delete_failed", err)
	}
	return nil
}

// ListPlacements returns the cells holding the user's grants, newest first.
func (s *Service) ListPlacements(ctx context.Context, userID string) ([]Cell, error) {
	var cells []Cell
	if err := s.db.WithContext(ctx).
		Model(&Cell{}).
		Joins("JOIN reward_grants ON reward_grants.grant_id = prize_board_cells.grant_id").
		Where("reward_grants.user_id = ?", userID).
		Order("prize_board_cells.placed_at_s DESC").
		Order("prize_board_cells.cell_id").
		Find(&cells).Error; err != nil {
		s.logError(opListPlacements, "query_failed", err, zap.String("user_id", userID))
		return nil, newServiceError(opListPlacements, "query_failed", err)
	}
	return cells, nil
}

func (s *Service) loadBoard(ctx context.Context, operation, condition string, value string) (Board, error) {
	var board Board
	err := s.db.WithContext(ctx).Where(condition, value).Take(&board).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Board{}, newServiceError(operation, "board_not_found", ErrBoardNotFound)
	}
	if err != nil {
		s.logError(operation, "board_lookup_failed", err)
		return Board{}, newServiceError(operation, "board_lookup_failed", err)
	}
	return board, nil
}

func (s *Service) view(ctx context.Context, actor users.Principal, board Board) (View, error) {
	if board.Kind == KindGroup && !actor.IsStaff() {
		member, err := s.groups.IsConfirmedMember(ctx, board.groupID(), actor.UserID)
		if err != nil {
			return View{}, newServiceError(opGet, "group_lookup_failed", err)
		}
		if !member {
			return View{}, newServiceError(opGet, "forbidden", ErrForbidden)
		}
	}
	cells := make([]Cell, 0)
	if err := s.db.WithContext(ctx).
		Where("board_id = ?", board.ID).
		Order("y").
		Order("x").
		Find(&cells).Error; err != nil {
		s.logError(opGet, "cells_query_failed", err, zap.String("board_id", board.ID))
		return View{}, newServiceError(opGet, "cells_query_failed", err)
	}
	return View{Board: board, Cells: cells}, nil
}

// canPlace allows the owner of a personal board and confirmed members of a group board.
func (s *Service) canPlace(ctx context.Context, actor users.Principal, board Board) (bool, error) {
	if board.Kind == KindUser {
		return board.UserID != nil && *board.UserID == actor.UserID, nil
	}
	return s.groups.IsConfirmedMember(ctx, board.groupID(), actor.UserID)
}

func (s *Service) ownsBoard(ctx context.Context, actor users.Principal, board Board) (bool, error) {
	if board.Kind == KindUser {
		return board.UserID != nil && *board.UserID == actor.UserID, nil
	}
	return s.groups.IsOwner(ctx, board.groupID(), actor.UserID)
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("prize board error", attrs...)
}
