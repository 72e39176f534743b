package quests

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errProgressRowMissing = errors.New("progress row missing after upsert")

// progressStore owns the quest_progress table. Every method runs on the handle it is given,
// which inside the engine is the quest's transaction.
type progressStore struct{}

// increment adds one to (quest, user) with a store-level update and returns the re-read count.
func (store progressStore) increment(tx *gorm.DB, questID, userID string, nowSeconds int64) (int64, error) {
	if err := store.ensure(tx, questID, userID, nowSeconds); err != nil {
		return 0, fmt.Errorf("create progress: %w", err)
	}

	var locked ProgressRecord
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("quest_id = ? AND user_id = ?", questID, userID).
		Take(&locked).Error; err != nil {
		return 0, fmt.Errorf("lock progress: %w", err)
	}

	result := tx.Model(&ProgressRecord{}).
		Where("quest_id = ? AND user_id = ?", questID, userID).
		Updates(map[string]any{
			"current_count": gorm.Expr("current_count + ?", 1),
			"updated_at_s":  nowSeconds,
		})
	if result.Error != nil {
		return 0, fmt.Errorf("increment progress: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return 0, errProgressRowMissing
	}

	return store.userCount(tx, questID, userID)
}

func (progressStore) userCount(db *gorm.DB, questID, userID string) (int64, error) {
	var counts []int64
	if err := db.Model(&ProgressRecord{}).
		Where("quest_id = ? AND user_id = ?", questID, userID).
		Pluck("current_count", &counts).Error; err != nil {
		return 0, fmt.Errorf("read progress: %w", err)
	}
	if len(counts) == 0 {
		return 0, nil
	}
	return counts[0], nil
}

func (progressStore) groupSum(db *gorm.DB, questID string) (int64, error) {
	var total int64
	if err := db.Model(&ProgressRecord{}).
		Select("COALESCE(SUM(current_count), 0)").
		Where("quest_id = ?", questID).
		Scan(&total).Error; err != nil {
		return 0, fmt.Errorf("sum progress: %w", err)
	}
	return total, nil
}

// compared returns the count checked against the target: the summed total for group
// participation, the user's own count otherwise.
func (store progressStore) compared(db *gorm.DB, quest Quest, userID string) (int64, error) {
	switch quest.Participation {
	case ParticipationGroup:
		return store.groupSum(db, quest.ID)
	default:
		return store.userCount(db, quest.ID, userID)
	}
}

func (progressStore) contributors(tx *gorm.DB, questID string) ([]string, error) {
	var userIDs []string
	if err := tx.Model(&ProgressRecord{}).
		Where("quest_id = ? AND current_count > 0", questID).
		Order("user_id").
		Pluck("user_id", &userIDs).Error; err != nil {
		return nil, fmt.Errorf("list contributors: %w", err)
	}
	return userIDs, nil
}

// ensure creates a zero record when none exists.
func (progressStore) ensure(db *gorm.DB, questID, userID string, nowSeconds int64) error {
	return db.Clauses(clause.OnConflict{DoNothing: true}).Create(&ProgressRecord{
		QuestID:          questID,
		UserID:           userID,
		UpdatedAtSeconds: nowSeconds,
	}).Error
}
