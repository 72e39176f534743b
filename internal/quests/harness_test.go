package quests

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/groups"
	"github.com/MarcoPoloResearchLab/quire/internal/notifications"
	"github.com/MarcoPoloResearchLab/quire/internal/rewards"
	"github.com/MarcoPoloResearchLab/quire/internal/stats"
	"github.com/MarcoPoloResearchLab/quire/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var testNow = time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)

type sequentialIDs struct {
	prefix string
	next   atomic.Int64
}

func (g *sequentialIDs) NewID() (string, error) {
	return fmt.Sprintf("%s-%04d", g.prefix, g.next.Add(1)), nil
}

type recordingPublisher struct {
	mu        sync.Mutex
	published []notifications.Notification
}

func (p *recordingPublisher) Publish(notification notifications.Notification) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, notification)
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.published)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

type testHarness struct {
	db            *gorm.DB
	clock         *testClock
	directory     *groups.Directory
	ledger        *rewards.Ledger
	stats         *stats.Service
	notifications *notifications.Service
	publisher     *recordingPublisher
	catalog       *Catalog
	engine        *Engine
}

type harnessOption func(*EngineConfig)

func withNotificationAppender(appender NotificationAppender) harnessOption {
	return func(cfg *EngineConfig) {
		cfg.Notifications = appender
	}
}

func withLogger(logger *zap.Logger) harnessOption {
	return func(cfg *EngineConfig) {
		cfg.Logger = logger
	}
}

func newTestHarness(t *testing.T, options ...harnessOption) *testHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:quests_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(
		&Quest{}, &ProgressRecord{}, &Completion{}, &Template{},
		&rewards.RewardType{}, &rewards.Grant{}, &rewards.Summary{},
		&notifications.Notification{}, &stats.UserStats{},
		&groups.Group{}, &groups.Membership{},
	); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	clock := &testClock{now: testNow}
	outbox, err := notifications.NewService(notifications.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequentialIDs{prefix: "notification"},
	})
	if err != nil {
		t.Fatalf("failed to construct outbox: %v", err)
	}
	directory, err := groups.NewDirectory(groups.DirectoryConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequentialIDs{prefix: "group"},
	})
	if err != nil {
		t.Fatalf("failed to construct directory: %v", err)
	}
	ledger, err := rewards.NewLedger(rewards.LedgerConfig{
		Database:   db,
		Groups:     directory,
		Clock:      clock.Now,
		IDProvider: &sequentialIDs{prefix: "reward"},
	})
	if err != nil {
		t.Fatalf("failed to construct ledger: %v", err)
	}
	statsService, err := stats.NewService(stats.ServiceConfig{Database: db, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct stats: %v", err)
	}
	catalog, err := NewCatalog(CatalogConfig{
		Database:    db,
		Groups:      directory,
		RewardTypes: ledger,
		Clock:       clock.Now,
		IDProvider:  &sequentialIDs{prefix: "quest"},
		Shuffle:     func(int, func(i, j int)) {},
		IntN:        func(int) int { return 0 },
	})
	if err != nil {
		t.Fatalf("failed to construct catalog: %v", err)
	}

	publisher := &recordingPublisher{}
	engineConfig := EngineConfig{
		Database:      db,
		Catalog:       catalog,
		Groups:        directory,
		Rewards:       ledger,
		Stats:         statsService,
		Notifications: outbox,
		Publisher:     publisher,
		Clock:         clock.Now,
		IDProvider:    &sequentialIDs{prefix: "completion"},
		Concurrency:   4,
		MaxAttempts:   3,
	}
	for _, option := range options {
		option(&engineConfig)
	}
	engine, err := NewEngine(engineConfig)
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}

	return &testHarness{
		db:            db,
		clock:         clock,
		directory:     directory,
		ledger:        ledger,
		stats:         statsService,
		notifications: outbox,
		publisher:     publisher,
		catalog:       catalog,
		engine:        engine,
	}
}

func staffPrincipal() users.Principal {
	return users.Principal{UserID: "staff", Roles: []string{users.RoleStaff}}
}

func (h *testHarness) createGroup(t *testing.T, ownerID string, memberIDs ...string) groups.Group {
	t.Helper()
	ctx := context.Background()
	group, err := h.directory.CreateGroup(ctx, ownerID, "Group of "+ownerID)
	if err != nil {
		t.Fatalf("failed to create group: %v", err)
	}
	for _, memberID := range memberIDs {
		if err := h.directory.AddMember(ctx, group.ID, memberID, true); err != nil {
			t.Fatalf("failed to add member %s: %v", memberID, err)
		}
	}
	return group
}

func (h *testHarness) createRewardType(t *testing.T, name string) rewards.RewardType {
	t.Helper()
	rewardType, err := h.ledger.CreateType(context.Background(), staffPrincipal(), rewards.TypeDefinition{Name: name})
	if err != nil {
		t.Fatalf("failed to create reward type: %v", err)
	}
	return rewardType
}

func (h *testHarness) createQuest(t *testing.T, actorID string, definition Definition) Quest {
	t.Helper()
	if definition.Title == "" {
		definition.Title = "Quest"
	}
	if definition.StartsAt.IsZero() {
		definition.StartsAt = testNow.Add(-time.Hour)
	}
	if definition.EndsAt.IsZero() {
		definition.EndsAt = testNow.Add(time.Hour)
	}
	quest, err := h.catalog.Create(context.Background(), users.Principal{UserID: actorID}, definition)
	if err != nil {
		t.Fatalf("failed to create quest: %v", err)
	}
	return quest
}

func (h *testHarness) reloadQuest(t *testing.T, questID string) Quest {
	t.Helper()
	var quest Quest
	if err := h.db.Where("quest_id = ?", questID).Take(&quest).Error; err != nil {
		t.Fatalf("failed to reload quest: %v", err)
	}
	return quest
}

func (h *testHarness) count(t *testing.T, model any, query string, args ...any) int64 {
	t.Helper()
	var total int64
	if err := h.db.Model(model).Where(query, args...).Count(&total).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	return total
}

func (h *testHarness) progressCount(t *testing.T, questID, userID string) int64 {
	t.Helper()
	count, err := progressStore{}.userCount(h.db, questID, userID)
	if err != nil {
		t.Fatalf("progress read failed: %v", err)
	}
	return count
}
