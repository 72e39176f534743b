package rewards

// RewardType is a kind of prize that quests can award. A nil GroupID marks a global type.
type RewardType struct {
	ID               string  `gorm:"column:reward_type_id;primaryKey;size:190;not null" json:"id"`
	Name             string  `gorm:"column:name;size:190;not null" json:"name"`
	Description      string  `gorm:"column:description;type:text;not null;default:''" json:"description"`
	GroupID          *string `gorm:"column:group_id;size:190;index" json:"group_id,omitempty"`
	CreatedBy        string  `gorm:"column:created_by;size:190;not null" json:"created_by"`
	CreatedAtSeconds int64   `gorm:"column:created_at_s;not null" json:"created_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (RewardType) TableName() string {
	return "reward_types"
}

// Grant records that a contributor received a reward for a quest completion.
type Grant struct {
	ID               string `gorm:"column:grant_id;primaryKey;size:190;not null" json:"id"`
	UserID           string `gorm:"column:user_id;size:190;not null;uniqueIndex:idx_reward_grants_unique,priority:1" json:"user_id"`
	RewardTypeID     string `gorm:"column:reward_type_id;size:190;not null;uniqueIndex:idx_reward_grants_unique,priority:2" json:"reward_type_id"`
	CompletionID     string `gorm:"column:completion_id;size:190;not null;uniqueIndex:idx_reward_grants_unique,priority:3" json:"completion_id"`
	GrantedAtSeconds int64  `gorm:"column:granted_at_s;not null" json:"granted_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Grant) TableName() string {
	return "reward_grants"
}

// Summary is the per-user, per-type aggregate rebuilt from the grant ledger.
type Summary struct {
	UserID                string `gorm:"column:user_id;primaryKey;size:190;not null" json:"user_id"`
	RewardTypeID          string `gorm:"column:reward_type_id;primaryKey;size:190;not null" json:"reward_type_id"`
	TotalCount            int64  `gorm:"column:total_count;not null;default:0" json:"total_count"`
	LastReceivedAtSeconds *int64 `gorm:"column:last_received_at_s" json:"last_received_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Summary) TableName() string {
	return "reward_summaries"
}
