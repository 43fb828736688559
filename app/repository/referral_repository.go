package repository

import (
	"context"

	"github.com/ManuelReschke/ChatCredits/app/models"
	"gorm.io/gorm"
)

type referralRepository struct {
	db *gorm.DB
}

// Create inserts a referral. A second referral for the same referred
// account yields ErrDuplicate.
func (r *referralRepository) Create(ctx context.Context, referral *models.Referral) error {
	return translateWriteError(r.db.WithContext(ctx).Create(referral).Error)
}

func (r *referralRepository) GetByReferredID(ctx context.Context, referredID uint) (*models.Referral, error) {
	var referral models.Referral
	if err := r.db.WithContext(ctx).Where("referred_id = ?", referredID).First(&referral).Error; err != nil {
		return nil, err
	}
	return &referral, nil
}

// MarkProcessed flips processed from false to true exactly once.
func (r *referralRepository) MarkProcessed(ctx context.Context, id uint, creditsAwarded, cashAwardedCents int64) error {
	res := r.db.WithContext(ctx).Model(&models.Referral{}).
		Where("id = ? AND processed = ?", id, false).
		Updates(map[string]interface{}{
			"processed":          true,
			"credits_awarded":    creditsAwarded,
			"cash_awarded_cents": cashAwardedCents,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStateConflict
	}
	return nil
}

func (r *referralRepository) CountByReferrer(ctx context.Context, referrerID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Referral{}).Where("referrer_id = ?", referrerID).Count(&count).Error
	return count, err
}
