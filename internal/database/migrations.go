package database

import (
	"context"
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/quire/internal/quests"
	"github.com/MarcoPoloResearchLab/quire/internal/rewards"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationRebuildRewardSummaries = "2024-05-01_rebuild_reward_summaries"
	migrationNormalizeActivityKinds = "2024-05-02_normalize_activity_kinds"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB, *zap.Logger) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRebuildRewardSummaries, apply: rebuildRewardSummaries},
		{name: migrationNormalizeActivityKinds, apply: normalizeActivityKinds},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db, logger); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		logger.Info("database migration applied", zap.String("migration", migration.name))
	}
	return nil
}

// rebuildRewardSummaries recounts every summary from the grant ledger.
func rebuildRewardSummaries(db *gorm.DB, logger *zap.Logger) error {
	ledger, err := rewards.NewLedger(rewards.LedgerConfig{Database: db, Logger: logger})
	if err != nil {
		return err
	}
	processed, err := ledger.ResyncAll(context.Background())
	if err != nil {
		return err
	}
	logger.Info("reward summaries rebuilt", zap.Int("pairs", processed))
	return nil
}

// normalizeActivityKinds lowercases kinds written by older clients so candidate lookups match.
func normalizeActivityKinds(db *gorm.DB, _ *zap.Logger) error {
	for _, table := range []string{(quests.Quest{}).TableName(), (quests.Template{}).TableName()} {
		if err := db.Exec("UPDATE " + table + " SET activity_kind = LOWER(TRIM(activity_kind))").Error; err != nil {
			return err
		}
	}
	return nil
}
