// Package accounts creates accounts, hands out API keys and resolves them.
package accounts

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ChatCredits/app/models"
	"github.com/ManuelReschke/ChatCredits/app/repository"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/entitlements"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/ledger"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/referral"
)

var (
	ErrInvalidEmail        = errors.New("accounts: invalid email")
	ErrInvalidReferralCode = errors.New("accounts: unknown referral code")
	ErrInvalidAPIKey       = errors.New("accounts: invalid api key")
	ErrAccountDisabled     = errors.New("accounts: account disabled")
)

type SignupInput struct {
	Email        string
	ReferralCode string
}

// SignupResult carries the raw API key only when the account was created
// by this call.
type SignupResult struct {
	Account  *models.Account
	APIKey   string
	Referral *models.Referral
	Created  bool
}

type Service struct {
	ledger    *ledger.Ledger
	referrals *referral.Service
	grants    entitlements.Grants
}

func NewService(l *ledger.Ledger, referrals *referral.Service, grants entitlements.Grants) *Service {
	return &Service{ledger: l, referrals: referrals, grants: grants}
}

// Signup creates a FREE account with the starter grant. Retrying with the
// same email returns the existing account and completes a referral bonus
// that an earlier attempt left unapplied.
func (s *Service) Signup(ctx context.Context, in SignupInput) (*SignupResult, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" || !strings.Contains(email, "@") {
		return nil, ErrInvalidEmail
	}
	accounts := s.ledger.Store().Accounts()

	existing, err := accounts.GetByEmail(ctx, email)
	switch {
	case err == nil:
		return s.resumeSignup(ctx, existing)
	case !repository.IsNotFound(err):
		return nil, err
	}

	var referrer *models.Account
	if code := strings.TrimSpace(in.ReferralCode); code != "" {
		referrer, err = accounts.GetByReferralCode(ctx, code)
		if repository.IsNotFound(err) {
			return nil, ErrInvalidReferralCode
		}
		if err != nil {
			return nil, err
		}
	}

	code, err := models.NewReferralCode()
	if err != nil {
		return nil, err
	}
	account := &models.Account{
		Email:        email,
		ReferralCode: code,
		Plan:         string(entitlements.PlanFree),
	}
	rawKey, err := account.IssueAPIKey()
	if err != nil {
		return nil, err
	}

	starter := s.grants.For(entitlements.PlanFree)
	err = s.ledger.Atomically(ctx, func(tx *ledger.Tx) error {
		account.ID = 0
		account.Credits = 0
		account.Version = 0
		if err := tx.Store().Accounts().Create(ctx, account); err != nil {
			return err
		}
		if starter <= 0 {
			return nil
		}
		balance, err := tx.Grant(ctx, account.ID, starter, ledger.Meta{
			Kind:        models.TransactionKindSubscription,
			Ref:         fmt.Sprintf("signup:%d", account.ID),
			Description: "starter grant",
		})
		account.Credits = balance
		return err
	})
	if errors.Is(err, repository.ErrDuplicate) {
		// a concurrent signup with the same email won
		if existing, err := accounts.GetByEmail(ctx, email); err == nil {
			return s.resumeSignup(ctx, existing)
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	log.Infof("[Accounts] Created account %d with %d starter credits", account.ID, account.Credits)

	result := &SignupResult{Account: account, APIKey: rawKey, Created: true}
	if referrer == nil {
		return result, nil
	}

	ref, err := s.referrals.RecordReferral(ctx, referrer.ID, account.ID)
	if err != nil {
		log.Warnf("[Accounts] Referral of account %d by %d not recorded: %v", account.ID, referrer.ID, err)
		return result, nil
	}
	result.Referral = ref
	if err := s.award(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) resumeSignup(ctx context.Context, account *models.Account) (*SignupResult, error) {
	result := &SignupResult{Account: account}
	ref, err := s.ledger.Store().Referrals().GetByReferredID(ctx, account.ID)
	if repository.IsNotFound(err) {
		return result, nil
	}
	if err != nil {
		return nil, err
	}
	result.Referral = ref
	if err := s.award(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Service) award(ctx context.Context, result *SignupResult) error {
	if result.Referral.Processed {
		return nil
	}
	awarded, err := s.referrals.AwardSignupBonus(ctx, result.Referral)
	if err != nil {
		return fmt.Errorf("award referral bonus: %w", err)
	}
	if awarded.Awarded {
		result.Account.Credits = awarded.ReferredBalance
		result.Referral.Processed = true
	}
	return nil
}

// Authenticate resolves a raw API key to its enabled account.
func (s *Service) Authenticate(ctx context.Context, rawKey string) (*models.Account, error) {
	rawKey = strings.TrimSpace(rawKey)
	if rawKey == "" {
		return nil, ErrInvalidAPIKey
	}
	account, err := s.ledger.Store().Accounts().GetByAPIKeyHash(ctx, models.HashAPIKey(rawKey))
	if repository.IsNotFound(err) {
		return nil, ErrInvalidAPIKey
	}
	if err != nil {
		return nil, err
	}
	if account.Disabled {
		return nil, ErrAccountDisabled
	}
	return account, nil
}

// RotateAPIKey issues a new key and invalidates the previous one.
func (s *Service) RotateAPIKey(ctx context.Context, accountID uint) (string, error) {
	account, err := s.ledger.Store().Accounts().GetByID(ctx, accountID)
	if err != nil {
		return "", err
	}
	rawKey, err := account.IssueAPIKey()
	if err != nil {
		return "", err
	}
	if err := s.ledger.Store().Accounts().SetAPIKey(ctx, account.ID, account.APIKeyHash, account.APIKeyPrefix); err != nil {
		return "", err
	}
	log.Infof("[Accounts] Rotated API key of account %d", account.ID)
	return rawKey, nil
}
