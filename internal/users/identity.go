package users

import (
	"strings"
	"time"
)

// User is the account row referenced as actor, creator and assignee throughout the feed.
type User struct {
	ID        int64     `gorm:"column:id;primaryKey;autoIncrement"`
	FirstName string    `gorm:"column:first_name;size:190"`
	LastName  string    `gorm:"column:last_name;size:190"`
	Email     string    `gorm:"column:email;size:320;index"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

// TableName exposes the table backing users.
func (User) TableName() string {
	return "users"
}

// Identity captures the mapping between a user row and a provider-specific login.
type Identity struct {
	Provider    string    `gorm:"column:provider;primaryKey;size:32;not null"`
	Subject     string    `gorm:"column:subject;primaryKey;size:190;not null"`
	UserID      int64     `gorm:"column:user_id;not null;index"`
	Email       string    `gorm:"column:user_email;size:320"`
	DisplayName string    `gorm:"column:user_display_name;size:320"`
	LastSeenAt  time.Time `gorm:"column:last_seen_at"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing user identities.
func (Identity) TableName() string {
	return "user_identities"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

// splitDisplayName turns "Ada King Lovelace" into ("Ada", "King Lovelace").
func splitDisplayName(displayName string) (string, string) {
	fields := strings.Fields(displayName)
	switch len(fields) {
	case 0:
		return "", ""
	case 1:
		return fields[0], ""
	default:
		return fields[0], strings.Join(fields[1:], " ")
	}
}
