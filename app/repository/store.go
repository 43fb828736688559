package repository

import (
	"context"

	"gorm.io/gorm"
)

type gormStore struct {
	db *gorm.DB
}

// NewStore creates a Store backed by GORM.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Accounts() AccountRepository {
	return &accountRepository{db: s.db}
}

func (s *gormStore) Transactions() TransactionRepository {
	return &transactionRepository{db: s.db}
}

func (s *gormStore) Referrals() ReferralRepository {
	return &referralRepository{db: s.db}
}

func (s *gormStore) Personas() PersonaRepository {
	return &personaRepository{db: s.db}
}

func (s *gormStore) WebhookEvents() WebhookEventRepository {
	return &webhookEventRepository{db: s.db}
}

// Transaction runs fn inside one database transaction. fn must only use the
// Store it receives.
func (s *gormStore) Transaction(ctx context.Context, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormStore{db: tx})
	})
}
