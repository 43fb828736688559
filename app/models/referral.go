package models

import "time"

// Referral links a referred account to the account that referred it.
// ReferredID is unique: an account can be referred at most once.
type Referral struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	ReferrerID       uint      `gorm:"not null;index" json:"referrer_id"`
	ReferredID       uint      `gorm:"not null;uniqueIndex" json:"referred_id"`
	CreditsAwarded   int64     `gorm:"not null;default:0" json:"credits_awarded"`
	CashAwardedCents int64     `gorm:"not null;default:0" json:"cash_awarded_cents"`
	Processed        bool      `gorm:"not null;default:false;index" json:"processed"`
	CreatedAt        time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt        time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
