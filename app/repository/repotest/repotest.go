// Package repotest provides a throwaway SQL store for tests.
package repotest

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/ChatCredits/app/models"
	"github.com/ManuelReschke/ChatCredits/app/repository"
)

// NewDB opens a migrated SQLite database in a temp dir. A single connection
// serialises transactions the way row locks do on the production database.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "chatcredits.db")
	db, err := gorm.Open(sqlite.Open(path+"?_pragma=busy_timeout(5000)"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	if err := db.AutoMigrate(
		&models.Account{},
		&models.LedgerTransaction{},
		&models.Referral{},
		&models.PersonaCost{},
		&models.BillingWebhookEvent{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// NewStore returns a repository.Store over a fresh database.
func NewStore(t *testing.T) repository.Store {
	t.Helper()
	return repository.NewStore(NewDB(t))
}

// CreateAccount inserts an account with the given balance and plan.
func CreateAccount(t *testing.T, store repository.Store, credits int64, plan string) *models.Account {
	t.Helper()

	code, err := models.NewReferralCode()
	if err != nil {
		t.Fatalf("referral code: %v", err)
	}
	account := &models.Account{
		Email:        fmt.Sprintf("%s@example.test", code),
		ReferralCode: code,
		Credits:      credits,
		Plan:         plan,
	}
	if err := store.Accounts().Create(context.Background(), account); err != nil {
		t.Fatalf("create account: %v", err)
	}
	return account
}

// Balance reloads an account's credits.
func Balance(t *testing.T, store repository.Store, accountID uint) int64 {
	t.Helper()

	account, err := store.Accounts().GetByID(context.Background(), accountID)
	if err != nil {
		t.Fatalf("load account %d: %v", accountID, err)
	}
	return account.Credits
}
