package repository

import (
	"context"
	"strings"

	"github.com/ManuelReschke/ChatCredits/app/models"
	"gorm.io/gorm"
)

// accountRepository implements the AccountRepository interface
type accountRepository struct {
	db *gorm.DB
}

// Create creates a new account in the database
func (r *accountRepository) Create(ctx context.Context, account *models.Account) error {
	return translateWriteError(r.db.WithContext(ctx).Create(account).Error)
}

// GetByID retrieves an account by its ID
func (r *accountRepository) GetByID(ctx context.Context, id uint) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).First(&account, id).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// GetByEmail retrieves an account by its email address
func (r *accountRepository) GetByEmail(ctx context.Context, email string) (*models.Account, error) {
	return r.firstWhere(ctx, "email = ?", strings.ToLower(strings.TrimSpace(email)))
}

// GetByAPIKeyHash resolves an API key hash to its account.
func (r *accountRepository) GetByAPIKeyHash(ctx context.Context, hash string) (*models.Account, error) {
	trimmed := strings.TrimSpace(hash)
	if trimmed == "" {
		return nil, gorm.ErrRecordNotFound
	}
	return r.firstWhere(ctx, "api_key_hash = ?", trimmed)
}

func (r *accountRepository) GetByReferralCode(ctx context.Context, code string) (*models.Account, error) {
	trimmed := strings.ToLower(strings.TrimSpace(code))
	if trimmed == "" {
		return nil, gorm.ErrRecordNotFound
	}
	return r.firstWhere(ctx, "referral_code = ?", trimmed)
}

func (r *accountRepository) GetBySubscriptionRef(ctx context.Context, ref string) (*models.Account, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return nil, gorm.ErrRecordNotFound
	}
	return r.firstWhere(ctx, "subscription_ref = ?", trimmed)
}

func (r *accountRepository) GetByStripeCustomerID(ctx context.Context, customerID string) (*models.Account, error) {
	trimmed := strings.TrimSpace(customerID)
	if trimmed == "" {
		return nil, gorm.ErrRecordNotFound
	}
	return r.firstWhere(ctx, "stripe_customer_id = ?", trimmed)
}

// CompareAndSwapCredits writes a new balance only if the row still carries
// the expected version, and bumps the version.
func (r *accountRepository) CompareAndSwapCredits(ctx context.Context, id uint, version uint64, credits int64) error {
	res := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ? AND version = ?", id, version).
		Updates(map[string]interface{}{
			"credits": credits,
			"version": gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// Touch bumps the version without changing the balance. It serialises
// writers that derive decisions from ledger history of the account.
func (r *accountRepository) Touch(ctx context.Context, id uint, version uint64) error {
	res := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ? AND version = ?", id, version).
		Update("version", gorm.Expr("version + 1"))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	return nil
}

func (r *accountRepository) UpdateSubscription(ctx context.Context, id uint, plan string, ref *string, status string) error {
	return translateWriteError(r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"plan":                plan,
			"subscription_ref":    ref,
			"subscription_status": status,
		}).Error)
}

func (r *accountRepository) UpdateSubscriptionStatus(ctx context.Context, id uint, status string) error {
	return r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", id).
		Update("subscription_status", status).Error
}

func (r *accountRepository) SetStripeCustomerID(ctx context.Context, id uint, customerID string) error {
	return r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", id).
		Update("stripe_customer_id", customerID).Error
}

// SetAPIKey replaces the stored API key hash and display prefix.
func (r *accountRepository) SetAPIKey(ctx context.Context, id uint, hash, prefix string) error {
	return r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"api_key_hash":   hash,
			"api_key_prefix": prefix,
		}).Error
}

func (r *accountRepository) firstWhere(ctx context.Context, query string, args ...interface{}) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).Where(query, args...).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}
