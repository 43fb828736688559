package repository

import (
	"context"
	"strings"
	"time"

	"github.com/ManuelReschke/ChatCredits/app/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// transactionRepository implements the TransactionRepository interface
type transactionRepository struct {
	db *gorm.DB
}

// Create appends a ledger transaction. A reused ExternalEventRef yields
// ErrDuplicate.
func (r *transactionRepository) Create(ctx context.Context, txn *models.LedgerTransaction) error {
	if txn.PublicID == "" {
		txn.PublicID = uuid.New().String()
	}
	return translateWriteError(r.db.WithContext(ctx).Create(txn).Error)
}

func (r *transactionRepository) GetByPublicID(ctx context.Context, publicID string) (*models.LedgerTransaction, error) {
	var txn models.LedgerTransaction
	err := r.db.WithContext(ctx).Where("public_id = ?", strings.TrimSpace(publicID)).First(&txn).Error
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *transactionRepository) GetByRef(ctx context.Context, ref string) (*models.LedgerTransaction, error) {
	trimmed := strings.TrimSpace(ref)
	if trimmed == "" {
		return nil, gorm.ErrRecordNotFound
	}
	var txn models.LedgerTransaction
	if err := r.db.WithContext(ctx).Where("external_event_ref = ?", trimmed).First(&txn).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

// Transition moves a PENDING transaction to a terminal status. Rows in any
// other status are left untouched and ErrStateConflict is returned.
func (r *transactionRepository) Transition(ctx context.Context, id uint, to models.TransactionStatus, balanceAfter *int64, reason string) error {
	updates := map[string]interface{}{
		"status": to,
	}
	if balanceAfter != nil {
		updates["balance_after"] = *balanceAfter
	}
	if reason != "" {
		updates["failure_reason"] = reason
	}
	res := r.db.WithContext(ctx).Model(&models.LedgerTransaction{}).
		Where("id = ? AND status = ?", id, models.TransactionStatusPending).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrStateConflict
	}
	return nil
}

func (r *transactionRepository) ListByAccount(ctx context.Context, accountID uint, limit int) ([]models.LedgerTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var txns []models.LedgerTransaction
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("id DESC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

func (r *transactionRepository) ListPendingBefore(ctx context.Context, kind models.TransactionKind, before time.Time, limit int) ([]models.LedgerTransaction, error) {
	if limit <= 0 {
		limit = 100
	}
	var txns []models.LedgerTransaction
	err := r.db.WithContext(ctx).
		Where("kind = ? AND status = ? AND created_at < ?", kind, models.TransactionStatusPending, before).
		Order("id ASC").
		Limit(limit).
		Find(&txns).Error
	return txns, err
}

// SumCash sums cash_delta_cents for an account's transactions of one kind.
func (r *transactionRepository) SumCash(ctx context.Context, accountID uint, kind models.TransactionKind, statuses ...models.TransactionStatus) (int64, error) {
	var sum int64
	q := r.db.WithContext(ctx).Model(&models.LedgerTransaction{}).
		Where("account_id = ? AND kind = ?", accountID, kind)
	if len(statuses) > 0 {
		q = q.Where("status IN ?", statuses)
	}
	err := q.Select("COALESCE(SUM(cash_delta_cents), 0)").Scan(&sum).Error
	return sum, err
}
