package notifications

import (
	"gorm.io/datatypes"
)

// Category enumerates the kinds of notifications delivered to users.
type Category string

const (
	CategoryGroupJoinRequest     Category = "GroupJoinRequest"
	CategoryGroupRequestDeclined Category = "GroupRequestDeclined"
	CategoryGroupRequestAccepted Category = "GroupRequestAccepted"
	CategoryGroupKick            Category = "GroupKick"
	CategoryQuestCompleted       Category = "QuestCompleted"
)

// Valid reports whether the category is one of the known kinds.
func (c Category) Valid() bool {
	switch c {
	case CategoryGroupJoinRequest, CategoryGroupRequestDeclined, CategoryGroupRequestAccepted, CategoryGroupKick, CategoryQuestCompleted:
		return true
	default:
		return false
	}
}

// Notification is an append-only message addressed to a single recipient.
type Notification struct {
	ID            string         `gorm:"column:notification_id;primaryKey;size:190;not null" json:"id"`
	RecipientID   string         `gorm:"column:recipient_id;size:190;not null;index:idx_notifications_recipient_sent,priority:1" json:"recipient_id"`
	ActorID       string         `gorm:"column:actor_id;size:190;not null" json:"actor_id"`
	GroupID       *string        `gorm:"column:group_id;size:190" json:"group_id,omitempty"`
	QuestID       *string        `gorm:"column:quest_id;size:190" json:"quest_id,omitempty"`
	RewardTypeID  *string        `gorm:"column:reward_type_id;size:190" json:"reward_type_id,omitempty"`
	Category      Category       `gorm:"column:category;size:64;not null" json:"category"`
	Payload       datatypes.JSON `gorm:"column:payload" json:"payload"`
	SentAtSeconds int64          `gorm:"column:sent_at_s;not null;index:idx_notifications_recipient_sent,priority:2" json:"sent_at_s"`
}

// TableName provides the explicit table binding for GORM.
func (Notification) TableName() string {
	return "notifications"
}

// Publisher pushes committed notifications to live subscribers.
type Publisher interface {
	Publish(notification Notification)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(notification Notification)

// Publish calls f(notification).
func (f PublisherFunc) Publish(notification Notification) {
	f(notification)
}
