package devices

import (
	"strings"
	"time"
)

// Device captures one replica of a user's review log. Each device carries
// its own slice of the event G-Set and identifies itself on every sync.
type Device struct {
	UserID     string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	DeviceID   string    `gorm:"column:device_id;primaryKey;size:190;not null"`
	Platform   string    `gorm:"column:platform;size:64;not null;default:''"`
	Label      string    `gorm:"column:label;size:190;not null;default:''"`
	LastSeenAt time.Time `gorm:"column:last_seen_at;autoUpdateTime"`
	CreatedAt  time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName exposes the table backing registered devices.
func (Device) TableName() string {
	return "devices"
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}
