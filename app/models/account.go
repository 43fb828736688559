package models

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// Plan tiers stored on accounts.
const (
	PlanFree     = "free"
	PlanPlus     = "plus"
	PlanBusiness = "business"
)

// Subscription states mirrored from the payment provider.
const (
	SubscriptionStatusNone              = ""
	SubscriptionStatusIncomplete        = "incomplete"
	SubscriptionStatusActive            = "active"
	SubscriptionStatusPastDue           = "past_due"
	SubscriptionStatusCanceled          = "canceled"
	SubscriptionStatusCancelAtPeriodEnd = "cancel_at_period_end"
)

// Account holds the credit balance and plan state of a user.
// Credits are only ever written through the ledger package.
type Account struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	Email              string    `gorm:"type:varchar(200);uniqueIndex;not null" json:"email"`
	APIKeyHash         string    `gorm:"type:char(64);index;default:''" json:"-"`
	APIKeyPrefix       string    `gorm:"type:varchar(20);default:''" json:"api_key_prefix"`
	ReferralCode       string    `gorm:"type:varchar(32);uniqueIndex;not null" json:"referral_code"`
	Credits            int64     `gorm:"not null;default:0" json:"credits"`
	Plan               string    `gorm:"type:varchar(20);not null;default:'free';index" json:"plan"`
	SubscriptionRef    *string   `gorm:"type:varchar(191);uniqueIndex" json:"subscription_ref,omitempty"`
	SubscriptionStatus string    `gorm:"type:varchar(32);not null;default:''" json:"subscription_status"`
	StripeCustomerID   string    `gorm:"type:varchar(191);index;default:''" json:"-"`
	IsAdmin            bool      `gorm:"default:false" json:"is_admin"`
	Disabled           bool      `gorm:"default:false" json:"disabled"`
	Version            uint64    `gorm:"not null;default:0" json:"-"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// HasSubscription reports whether a provider subscription is linked.
func (a *Account) HasSubscription() bool {
	return a != nil && a.SubscriptionRef != nil && *a.SubscriptionRef != ""
}

// SubscriptionID returns the linked provider subscription id or "".
func (a *Account) SubscriptionID() string {
	if !a.HasSubscription() {
		return ""
	}
	return *a.SubscriptionRef
}

var apiKeyEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

const apiKeyPrefix = "ck_"

// IssueAPIKey generates a new API key, stores its hash and prefix on the
// account and returns the raw secret. Callers persist the account.
func (a *Account) IssueAPIKey() (string, error) {
	rawKey, prefix, hash, err := generateAPIKeyMaterial()
	if err != nil {
		return "", err
	}
	a.APIKeyHash = hash
	a.APIKeyPrefix = prefix
	return rawKey, nil
}

// HashAPIKey returns the SHA-256 hash for the provided API key.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(raw)))
	return hex.EncodeToString(sum[:])
}

// NewReferralCode returns a short random code shared by referrers.
func NewReferralCode() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strings.ToLower(apiKeyEncoding.EncodeToString(b)), nil
}

func generateAPIKeyMaterial() (string, string, string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", "", err
	}
	rawKey := apiKeyPrefix + strings.ToLower(apiKeyEncoding.EncodeToString(b))
	if len(rawKey) < 12 {
		return "", "", "", fmt.Errorf("api key generation failed: key too short")
	}
	prefix := rawKey[:min(len(rawKey), 16)]
	return rawKey, prefix, HashAPIKey(rawKey), nil
}
