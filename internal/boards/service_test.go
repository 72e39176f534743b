package boards

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/quests"
	"github.com/MarcoPoloResearchLab/quire/internal/rewards"
	"github.com/MarcoPoloResearchLab/quire/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type sequentialIDs struct {
	next int
}

func (g *sequentialIDs) NewID() (string, error) {
	g.next++
	return fmt.Sprintf("id-%03d", g.next), nil
}

// staticGroups maps group ids to owners and confirmed members.
type staticGroups struct {
	owners  map[string]string
	members map[string][]string
}

func (g staticGroups) IsOwner(_ context.Context, groupID, userID string) (bool, error) {
	owner, ok := g.owners[groupID]
	if !ok {
		return false, errors.New("group not found")
	}
	return owner == userID, nil
}

func (g staticGroups) IsConfirmedMember(_ context.Context, groupID, userID string) (bool, error) {
	for _, member := range g.members[groupID] {
		if member == userID {
			return true, nil
		}
	}
	return false, nil
}

type placementCall struct {
	placerID string
	groupID  string
}

type recordingTracker struct {
	calls   []placementCall
	outcome quests.ActivityOutcome
	err     error
}

func (r *recordingTracker) RewardPlaced(_ context.Context, placerID, groupID string) (quests.ActivityOutcome, error) {
	r.calls = append(r.calls, placementCall{placerID: placerID, groupID: groupID})
	return r.outcome, r.err
}

type boardsFixture struct {
	service *Service
	ledger  *rewards.Ledger
	db      *gorm.DB
	tracker *recordingTracker
}

func newBoardsFixture(t *testing.T, logger *zap.Logger) *boardsFixture {
	t.Helper()

	dsn := fmt.Sprintf("file:boards_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&rewards.Grant{}, &rewards.Summary{}, &Board{}, &Cell{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	idProvider := &sequentialIDs{}
	now := time.Unix(1700000000, 0).UTC()
	ledger, err := rewards.NewLedger(rewards.LedgerConfig{
		Database:   db,
		Clock:      func() time.Time { return now },
		IDProvider: idProvider,
	})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	tracker := &recordingTracker{}
	service, err := NewService(ServiceConfig{
		Database: db,
		Groups: staticGroups{
			owners:  map[string]string{"club": "owner"},
			members: map[string][]string{"club": {"owner", "reader"}},
		},
		Tracker:    tracker,
		Clock:      func() time.Time { return now },
		IDProvider: idProvider,
		Logger:     logger,
	})
	if err != nil {
		t.Fatalf("failed to construct board service: %v", err)
	}
	ledger.OnGrantDeleted(service.ReleaseGrantTx)
	return &boardsFixture{service: service, ledger: ledger, db: db, tracker: tracker}
}

func (f *boardsFixture) grant(t *testing.T, userID, completionID string) string {
	t.Helper()
	var grantID string
	err := f.db.Transaction(func(tx *gorm.DB) error {
		grant, _, err := f.ledger.GrantTx(tx, userID, "type-1", completionID)
		grantID = grant.ID
		return err
	})
	if err != nil {
		t.Fatalf("grant failed: %v", err)
	}
	return grantID
}

func (f *boardsFixture) groupBoard(t *testing.T) Board {
	t.Helper()
	board, err := f.service.Create(context.Background(), users.Principal{UserID: "owner"}, Definition{GroupID: "club", Width: 3, Height: 2})
	if err != nil {
		t.Fatalf("create group board failed: %v", err)
	}
	return board
}

func TestPlaceReportsEachNewCellOnce(t *testing.T) {
	fixture := newBoardsFixture(t, nil)
	ctx := context.Background()
	reader := users.Principal{UserID: "reader"}
	board := fixture.groupBoard(t)
	first := fixture.grant(t, "reader", "completion-1")
	second := fixture.grant(t, "reader", "completion-2")

	placement, err := fixture.service.Place(ctx, reader, board.ID, 1, 1, first)
	if err != nil {
		t.Fatalf("place failed: %v", err)
	}
	if placement.Cell.PlacedBy != "reader" || placement.Cell.GrantID != first {
		t.Fatalf("unexpected cell %+v", placement.Cell)
	}
	if len(fixture.tracker.calls) != 1 || fixture.tracker.calls[0] != (placementCall{placerID: "reader", groupID: "club"}) {
		t.Fatalf("unexpected tracker calls %+v", fixture.tracker.calls)
	}

	if _, err := fixture.service.Place(ctx, reader, board.ID, 1, 1, second); !errors.Is(err, ErrCellOccupied) {
		t.Fatalf("expected ErrCellOccupied, got %v", err)
	}
	if _, err := fixture.service.Place(ctx, reader, board.ID, 0, 0, first); !errors.Is(err, ErrGrantPlaced) {
		t.Fatalf("expected ErrGrantPlaced, got %v", err)
	}
	if len(fixture.tracker.calls) != 1 {
		t.Fatalf("expected rejected placements not to be tracked, got %d calls", len(fixture.tracker.calls))
	}

	view, err := fixture.service.ForGroup(ctx, reader, "club")
	if err != nil {
		t.Fatalf("view failed: %v", err)
	}
	if len(view.Cells) != 1 || view.Cells[0].X != 1 || view.Cells[0].Y != 1 {
		t.Fatalf("unexpected cells %+v", view.Cells)
	}
}

func TestPlaceRejectsForeignGrantsAndOutsiders(t *testing.T) {
	fixture := newBoardsFixture(t, nil)
	ctx := context.Background()
	reader := users.Principal{UserID: "reader"}
	board := fixture.groupBoard(t)
	ownerGrant := fixture.grant(t, "owner", "completion-1")
	outsiderGrant := fixture.grant(t, "outsider", "completion-2")

	cases := []struct {
		name    string
		actor   users.Principal
		x, y    int
		grantID string
		want    error
	}{
		{name: "foreign grant", actor: reader, x: 0, y: 0, grantID: ownerGrant, want: ErrForbidden},
		{name: "not a member", actor: users.Principal{UserID: "outsider"}, x: 0, y: 0, grantID: outsiderGrant, want: ErrForbidden},
		{name: "outside the grid", actor: users.Principal{UserID: "owner"}, x: 3, y: 0, grantID: ownerGrant, want: ErrInvalidBoard},
		{name: "negative position", actor: users.Principal{UserID: "owner"}, x: 0, y: -1, grantID: ownerGrant, want: ErrInvalidBoard},
		{name: "missing grant", actor: reader, x: 0, y: 0, grantID: "", want: ErrInvalidBoard},
		{name: "unknown grant", actor: reader, x: 0, y: 0, grantID: "grant-missing", want: rewards.ErrGrantNotFound},
	}
	for _, testCase := range cases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := fixture.service.Place(ctx, testCase.actor, board.ID, testCase.x, testCase.y, testCase.grantID)
			if !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
	if _, err := fixture.service.Place(ctx, reader, "board-missing", 0, 0, ownerGrant); !errors.Is(err, ErrBoardNotFound) {
		t.Fatalf("expected ErrBoardNotFound, got %v", err)
	}
	if len(fixture.tracker.calls) != 0 {
		t.Fatalf("expected no tracker calls, got %+v", fixture.tracker.calls)
	}
}

func TestPersonalBoardBelongsToItsOwner(t *testing.T) {
	fixture := newBoardsFixture(t, nil)
	ctx := context.Background()
	reader := users.Principal{UserID: "reader"}

	board, err := fixture.service.Create(ctx, reader, Definition{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if board.Kind != KindUser || board.Width != defaultDimension || board.Height != defaultDimension {
		t.Fatalf("unexpected board %+v", board)
	}
	if _, err := fixture.service.Create(ctx, reader, Definition{}); !errors.Is(err, ErrBoardExists) {
		t.Fatalf("expected ErrBoardExists, got %v", err)
	}
	if _, err := fixture.service.Create(ctx, reader, Definition{GroupID: "club"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden for non-owner group board, got %v", err)
	}
	if _, err := fixture.service.Create(ctx, users.Principal{UserID: "owner"}, Definition{Width: maxDimension + 1}); !errors.Is(err, ErrInvalidBoard) {
		t.Fatalf("expected ErrInvalidBoard, got %v", err)
	}

	grantID := fixture.grant(t, "reader", "completion-1")
	if _, err := fixture.service.Place(ctx, users.Principal{UserID: "owner"}, board.ID, 0, 0, grantID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden on someone else's board, got %v", err)
	}
	if _, err := fixture.service.Place(ctx, reader, board.ID, 4, 4, grantID); err != nil {
		t.Fatalf("place failed: %v", err)
	}
	if len(fixture.tracker.calls) != 1 || fixture.tracker.calls[0].groupID != "" {
		t.Fatalf("expected one personal placement, got %+v", fixture.tracker.calls)
	}

	view, err := fixture.service.ForUser(ctx, users.Principal{UserID: "visitor"}, "reader")
	if err != nil {
		t.Fatalf("personal board view failed: %v", err)
	}
	if len(view.Cells) != 1 {
		t.Fatalf("expected one cell, got %+v", view.Cells)
	}
	if _, err := fixture.service.ForGroup(ctx, users.Principal{UserID: "visitor"}, "club"); !errors.Is(err, ErrBoardNotFound) {
		t.Fatalf("expected ErrBoardNotFound, got %v", err)
	}
}

func TestGroupBoardHiddenFromOutsiders(t *testing.T) {
	fixture := newBoardsFixture(t, nil)
	ctx := context.Background()
	board := fixture.groupBoard(t)

	if _, err := fixture.service.Get(ctx, users.Principal{UserID: "outsider"}, board.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	staff := users.Principal{UserID: "admin", Roles: []string{users.RoleStaff}}
	if _, err := fixture.service.Get(ctx, staff, board.ID); err != nil {
		t.Fatalf("staff view failed: %v", err)
	}
}

func TestPlacementsFollowTheGrant(t *testing.T) {
	fixture := newBoardsFixture(t, nil)
	ctx := context.Background()
	reader := users.Principal{UserID: "reader"}
	board := fixture.groupBoard(t)
	first := fixture.grant(t, "reader", "completion-1")
	second := fixture.grant(t, "reader", "completion-2")

	for index, grantID := range []string{first, second} {
		if _, err := fixture.service.Place(ctx, reader, board.ID, index, 0, grantID); err != nil {
			t.Fatalf("place failed: %v", err)
		}
	}
	placements, err := fixture.service.ListPlacements(ctx, "reader")
	if err != nil {
		t.Fatalf("list placements failed: %v", err)
	}
	if len(placements) != 2 {
		t.Fatalf("expected two placements, got %+v", placements)
	}
	if others, err := fixture.service.ListPlacements(ctx, "owner"); err != nil || len(others) != 0 {
		t.Fatalf("expected no placements for owner, got %+v (%v)", others, err)
	}

	if _, err := fixture.ledger.DeleteGrant(ctx, reader, first); err != nil {
		t.Fatalf("delete grant failed: %v", err)
	}
	placements, err = fixture.service.ListPlacements(ctx, "reader")
	if err != nil {
		t.Fatalf("list placements failed: %v", err)
	}
	if len(placements) != 1 || placements[0].GrantID != second {
		t.Fatalf("expected the deleted grant to leave the board, got %+v", placements)
	}
	if _, err := fixture.service.Place(ctx, reader, board.ID, 0, 0, fixture.grant(t, "reader", "completion-3")); err != nil {
		t.Fatalf("expected the freed cell to accept a new grant: %v", err)
	}
}

func TestRemoveRequiresPlacerOrBoardOwner(t *testing.T) {
	fixture := newBoardsFixture(t, nil)
	ctx := context.Background()
	board := fixture.groupBoard(t)
	readerGrant := fixture.grant(t, "reader", "completion-1")
	ownerGrant := fixture.grant(t, "owner", "completion-2")

	if _, err := fixture.service.Place(ctx, users.Principal{UserID: "reader"}, board.ID, 0, 0, readerGrant); err != nil {
		t.Fatalf("place failed: %v", err)
	}
	if _, err := fixture.service.Place(ctx, users.Principal{UserID: "owner"}, board.ID, 1, 0, ownerGrant); err != nil {
		t.Fatalf("place failed: %v", err)
	}

	if err := fixture.service.Remove(ctx, users.Principal{UserID: "reader"}, board.ID, 1, 0); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if err := fixture.service.Remove(ctx, users.Principal{UserID: "owner"}, board.ID, 0, 0); err != nil {
		t.Fatalf("owner remove failed: %v", err)
	}
	if err := fixture.service.Remove(ctx, users.Principal{UserID: "owner"}, board.ID, 0, 0); !errors.Is(err, ErrCellNotFound) {
		t.Fatalf("expected ErrCellNotFound, got %v", err)
	}
	if err := fixture.service.Remove(ctx, users.Principal{UserID: "owner"}, board.ID, 1, 0); err != nil {
		t.Fatalf("placer remove failed: %v", err)
	}
	if len(fixture.tracker.calls) != 2 {
		t.Fatalf("expected removals not to be tracked, got %d calls", len(fixture.tracker.calls))
	}
}

func TestUntrackedPlacementIsLoggedAsError(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	fixture := newBoardsFixture(t, zap.New(core))
	ctx := context.Background()
	board := fixture.groupBoard(t)
	grantID := fixture.grant(t, "reader", "completion-1")
	fixture.tracker.err = errors.New("candidate query failed")

	placement, err := fixture.service.Place(ctx, users.Principal{UserID: "reader"}, board.ID, 2, 1, grantID)
	if err != nil {
		t.Fatalf("expected the committed placement to be returned, got %v", err)
	}
	if placement.Cell.ID == "" {
		t.Fatalf("expected a cell, got %+v", placement)
	}
	entries := logs.FilterMessage("reward placement not applied to any quest").All()
	if len(entries) != 1 || entries[0].Level != zapcore.ErrorLevel {
		t.Fatalf("expected one error entry, got %+v", logs.All())
	}
	if entries[0].ContextMap()["cell_id"] != placement.Cell.ID {
		t.Fatalf("expected cell id in log context, got %+v", entries[0].ContextMap())
	}
}
