package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/ChatCredits/app/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type webhookEventRepository struct {
	db *gorm.DB
}

// Record stores a delivery. Redeliveries of the same provider event bump the
// delivery counter; created is true only for the first delivery.
func (r *webhookEventRepository) Record(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	db := r.db.WithContext(ctx)
	if event.Deliveries == 0 {
		event.Deliveries = 1
	}
	err := db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"deliveries": gorm.Expr("deliveries + 1"),
			"updated_at": time.Now(),
		}),
	}).Create(event).Error
	if err != nil {
		return false, nil, err
	}

	var stored models.BillingWebhookEvent
	if err := db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return stored.Deliveries == 1, &stored, nil
}

func (r *webhookEventRepository) MarkProcessed(ctx context.Context, id uint, outcome, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"outcome":          outcome,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}
