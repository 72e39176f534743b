package groups

// Group is a reading group owned by a single user.
type Group struct {
	ID               string `gorm:"column:group_id;primaryKey;size:190;not null" json:"id"`
	Name             string `gorm:"column:name;size:190;not null" json:"name"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index" json:"owner_id"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null" json:"created_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Group) TableName() string {
	return "reading_groups"
}

// Membership links a user to a group. Unconfirmed rows are pending join requests.
type Membership struct {
	GroupID          string `gorm:"column:group_id;primaryKey;size:190;not null" json:"group_id"`
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_group_members_user_confirmed,priority:1" json:"user_id"`
	Confirmed        bool   `gorm:"column:confirmed;not null;default:false;index:idx_group_members_user_confirmed,priority:2" json:"confirmed"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null" json:"updated_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Membership) TableName() string {
	return "reading_group_members"
}
