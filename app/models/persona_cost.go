package models

import "time"

// PersonaCost is one row of the persona cost table.
type PersonaCost struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	Name      string    `gorm:"type:varchar(64);uniqueIndex;not null" json:"name"`
	Cost      int64     `gorm:"not null" json:"cost"`
	MinPlan   string    `gorm:"type:varchar(20);not null;default:'free'" json:"min_plan"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"-"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
