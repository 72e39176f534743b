package stats

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	dsn := fmt.Sprintf("file:stats_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&UserStats{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0).UTC() },
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func TestIncrementCreatesRowOnFirstUse(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if err := service.Increment(ctx, "user-1", CounterCommentsCreated); err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	if err := service.Increment(ctx, "user-1", CounterCommentsCreated); err != nil {
		t.Fatalf("increment failed: %v", err)
	}
	if err := service.Increment(ctx, "user-1", CounterBooksRead); err != nil {
		t.Fatalf("increment failed: %v", err)
	}

	row, err := service.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if row.CommentsCreated != 2 || row.BooksRead != 1 || row.RepliesCreated != 0 {
		t.Fatalf("unexpected counters: %+v", row)
	}
	if row.UpdatedAtSeconds != 1700000000 {
		t.Fatalf("unexpected updated_at %d", row.UpdatedAtSeconds)
	}
}

func TestIncrementRejectsUnknownCounter(t *testing.T) {
	service := newTestService(t)

	err := service.Increment(context.Background(), "user-1", Counter("books_read = 0; --"))
	if !errors.Is(err, ErrUnknownCounter) {
		t.Fatalf("expected ErrUnknownCounter, got %v", err)
	}
}

func TestGetReportsZerosForUnknownUser(t *testing.T) {
	service := newTestService(t)

	row, err := service.Get(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if row.UserID != "ghost" || row.TotalQuestsCompleted != 0 {
		t.Fatalf("unexpected row %+v", row)
	}
}

func TestConcurrentIncrementsAreNotLost(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	const workers = 20

	group, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		group.Go(func() error {
			return service.Increment(groupCtx, "user-1", CounterRepliesCreated)
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatalf("concurrent increment failed: %v", err)
	}

	row, err := service.Get(ctx, "user-1")
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if row.RepliesCreated != workers {
		t.Fatalf("expected %d replies, got %d", workers, row.RepliesCreated)
	}
}
