package models

import "time"

// TransactionKind classifies why a balance moved.
type TransactionKind string

const (
	TransactionKindSubscription TransactionKind = "SUBSCRIPTION"
	TransactionKindCredits      TransactionKind = "CREDITS"
	TransactionKindReferral     TransactionKind = "REFERRAL"
	TransactionKindCashout      TransactionKind = "CASHOUT"
	TransactionKindUsage        TransactionKind = "USAGE"
)

// TransactionStatus is the lifecycle state of a ledger transaction.
type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusCompleted TransactionStatus = "COMPLETED"
	TransactionStatusFailed    TransactionStatus = "FAILED"
	TransactionStatusCancelled TransactionStatus = "CANCELLED"
)

// IsTerminal reports whether no further transition is allowed.
func (s TransactionStatus) IsTerminal() bool {
	return s != TransactionStatusPending
}

// LedgerTransaction is an append-only record of a balance-affecting event.
// ExternalEventRef is unique when set; webhook idempotency relies on it.
type LedgerTransaction struct {
	ID                uint              `gorm:"primaryKey" json:"-"`
	PublicID          string            `gorm:"type:char(36);uniqueIndex;not null" json:"id"`
	AccountID         uint              `gorm:"not null;index:idx_ledger_transactions_account_kind,priority:1" json:"account_id"`
	Kind              TransactionKind   `gorm:"type:varchar(20);not null;index:idx_ledger_transactions_account_kind,priority:2" json:"kind"`
	CreditDelta       int64             `gorm:"not null;default:0" json:"credit_delta"`
	CashDeltaCents    int64             `gorm:"not null;default:0" json:"cash_delta_cents"`
	Status            TransactionStatus `gorm:"type:varchar(20);not null;index" json:"status"`
	ExternalEventRef  *string           `gorm:"type:varchar(191);uniqueIndex" json:"external_event_ref,omitempty"`
	BalanceAfter      *int64            `json:"balance_after,omitempty"`
	Persona           string            `gorm:"type:varchar(64);default:''" json:"persona,omitempty"`
	PayoutMethod      string            `gorm:"type:varchar(32);default:''" json:"payout_method,omitempty"`
	PayoutDestination string            `gorm:"type:varchar(255);default:''" json:"-"`
	Description       string            `gorm:"type:varchar(255);default:''" json:"description,omitempty"`
	FailureReason     string            `gorm:"type:text" json:"failure_reason,omitempty"`
	CreatedAt         time.Time         `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt         time.Time         `gorm:"autoUpdateTime" json:"updated_at"`
}

// Ref returns the external event reference or "".
func (t *LedgerTransaction) Ref() string {
	if t == nil || t.ExternalEventRef == nil {
		return ""
	}
	return *t.ExternalEventRef
}

// StringRef returns a pointer for non-empty refs and nil otherwise.
func StringRef(ref string) *string {
	if ref == "" {
		return nil
	}
	return &ref
}
