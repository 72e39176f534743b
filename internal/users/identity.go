package users

import (
	"strings"
	"time"
)

// Identity maps a login subject from the session issuer to a canonical reader id.
type Identity struct {
	Provider         string `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject          string `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID           string `gorm:"column:user_id;size:190;not null;index"`
	Email            string `gorm:"column:user_email;size:320"`
	DisplayName      string `gorm:"column:user_display_name;size:320"`
	LastSeenAtSecond int64  `gorm:"column:last_seen_at_s;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

// RoleStaff grants catalog administration: templates, global reward types and grant removal.
const RoleStaff = "staff"

// Principal is the authenticated caller resolved from a session.
type Principal struct {
	UserID      string
	DisplayName string
	Roles       []string
}

// IsStaff reports whether the principal carries the staff role.
func (p Principal) IsStaff() bool {
	for _, role := range p.Roles {
		if strings.EqualFold(strings.TrimSpace(role), RoleStaff) {
			return true
		}
	}
	return false
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

func unixSeconds(t time.Time) int64 {
	return t.UTC().Unix()
}
