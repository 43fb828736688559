package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/ChatCredits/app/models"
)

// AccountRepository defines account persistence. Balance writes go through
// CompareAndSwapCredits only.
type AccountRepository interface {
	Create(ctx context.Context, account *models.Account) error
	GetByID(ctx context.Context, id uint) (*models.Account, error)
	GetByEmail(ctx context.Context, email string) (*models.Account, error)
	GetByAPIKeyHash(ctx context.Context, hash string) (*models.Account, error)
	GetByReferralCode(ctx context.Context, code string) (*models.Account, error)
	GetBySubscriptionRef(ctx context.Context, ref string) (*models.Account, error)
	GetByStripeCustomerID(ctx context.Context, customerID string) (*models.Account, error)
	CompareAndSwapCredits(ctx context.Context, id uint, version uint64, credits int64) error
	Touch(ctx context.Context, id uint, version uint64) error
	UpdateSubscription(ctx context.Context, id uint, plan string, ref *string, status string) error
	UpdateSubscriptionStatus(ctx context.Context, id uint, status string) error
	SetStripeCustomerID(ctx context.Context, id uint, customerID string) error
	SetAPIKey(ctx context.Context, id uint, hash, prefix string) error
}

// TransactionRepository defines ledger transaction persistence.
type TransactionRepository interface {
	Create(ctx context.Context, txn *models.LedgerTransaction) error
	GetByPublicID(ctx context.Context, publicID string) (*models.LedgerTransaction, error)
	GetByRef(ctx context.Context, ref string) (*models.LedgerTransaction, error)
	Transition(ctx context.Context, id uint, to models.TransactionStatus, balanceAfter *int64, reason string) error
	ListByAccount(ctx context.Context, accountID uint, limit int) ([]models.LedgerTransaction, error)
	ListPendingBefore(ctx context.Context, kind models.TransactionKind, before time.Time, limit int) ([]models.LedgerTransaction, error)
	SumCash(ctx context.Context, accountID uint, kind models.TransactionKind, statuses ...models.TransactionStatus) (int64, error)
}

// ReferralRepository defines referral persistence.
type ReferralRepository interface {
	Create(ctx context.Context, referral *models.Referral) error
	GetByReferredID(ctx context.Context, referredID uint) (*models.Referral, error)
	MarkProcessed(ctx context.Context, id uint, creditsAwarded, cashAwardedCents int64) error
	CountByReferrer(ctx context.Context, referrerID uint) (int64, error)
}

// PersonaRepository defines persona cost table persistence.
type PersonaRepository interface {
	List(ctx context.Context) ([]models.PersonaCost, error)
	Upsert(ctx context.Context, persona *models.PersonaCost) error
	CreateIfMissing(ctx context.Context, persona *models.PersonaCost) error
}

// WebhookEventRepository defines the provider webhook audit log.
type WebhookEventRepository interface {
	Record(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkProcessed(ctx context.Context, id uint, outcome, processingError string) error
}

// Store bundles the repositories and the unit-of-work boundary. Inside
// Transaction every repository returned by the passed Store shares one
// database transaction.
type Store interface {
	Accounts() AccountRepository
	Transactions() TransactionRepository
	Referrals() ReferralRepository
	Personas() PersonaRepository
	WebhookEvents() WebhookEventRepository
	Transaction(ctx context.Context, fn func(tx Store) error) error
}
