package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/ChatCredits/app/models"
	"github.com/ManuelReschke/ChatCredits/app/repository"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/entitlements"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/ledger"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/metrics"
)

// GrantTable answers the monthly grant of a plan.
type GrantTable interface {
	MonthlyGrant(plan entitlements.Plan) int64
}

// Processor applies provider webhook deliveries to the ledger and account
// plan state. Idempotency comes from the unique external reference on
// ledger transactions; every applied event writes one.
type Processor struct {
	verifier Verifier
	ledger   *ledger.Ledger
	grants   GrantTable
	metrics  *metrics.Metrics
}

// NewProcessor wires a Processor.
func NewProcessor(verifier Verifier, l *ledger.Ledger, grants GrantTable, m *metrics.Metrics) *Processor {
	return &Processor{verifier: verifier, ledger: l, grants: grants, metrics: m}
}

// outcome carriers used inside the ledger unit
type skip struct{ reason string }

func (s skip) Error() string { return s.reason }

type terminal struct {
	reason string
	err    error
}

func (t terminal) Error() string { return fmt.Sprintf("%s: %v", t.reason, t.err) }
func (t terminal) Unwrap() error { return t.err }

// Apply verifies, records and applies one raw delivery.
func (p *Processor) Apply(ctx context.Context, payload []byte, signatureHeader string) Outcome {
	stripeEvent, err := p.verifier.Verify(payload, signatureHeader)
	if err != nil {
		log.Warnf("[Billing] Rejected webhook: %v", err)
		p.metrics.WebhookEvent("unknown", ReasonSignatureInvalid)
		return rejected(ReasonSignatureInvalid, false, err)
	}

	audit := p.ledger.Store().WebhookEvents()
	created, stored, err := audit.Record(ctx, &models.BillingWebhookEvent{
		Provider:        models.BillingProviderStripe,
		ProviderEventID: stripeEvent.ID,
		EventType:       string(stripeEvent.Type),
		PayloadJSON:     string(payload),
	})
	if err != nil {
		log.Errorf("[Billing] Failed to record webhook %s: %v", stripeEvent.ID, err)
		return p.finish(rejected(ReasonStorageUnavailable, true, err), "unknown", stripeEvent.ID, string(stripeEvent.Type))
	}
	if !created {
		log.Infof("[Billing] Redelivery #%d of %s (%s)", stored.Deliveries, stripeEvent.ID, stripeEvent.Type)
	}

	var outcome Outcome
	category := "unknown"
	event, err := Decode(stripeEvent)
	if err != nil {
		log.Warnf("[Billing] Malformed %s event %s: %v", stripeEvent.Type, stripeEvent.ID, err)
		outcome = rejected(ReasonMalformed, false, err)
	} else {
		category = event.category()
		outcome = p.Process(ctx, event)
	}

	if outcome.Kind != Rejected || !outcome.Retry {
		// retryable failures stay unprocessed so the redelivery is visible
		errMsg := ""
		if outcome.Err != nil {
			errMsg = outcome.Err.Error()
		}
		if err := audit.MarkProcessed(ctx, stored.ID, outcome.Kind.String(), errMsg); err != nil {
			log.Warnf("[Billing] Failed to mark webhook %s processed: %v", stripeEvent.ID, err)
		}
	}
	return p.finish(outcome, category, stripeEvent.ID, string(stripeEvent.Type))
}

// Process applies a decoded event. It is also the entry point for events
// synthesised by reconciliation.
func (p *Processor) Process(ctx context.Context, event Event) Outcome {
	if _, ok := event.(Unhandled); ok {
		return ignored(ReasonUnhandled)
	}

	ref := event.ExternalRef()
	if existing, err := p.ledger.Store().Transactions().GetByRef(ctx, ref); err == nil {
		if existing.Status == models.TransactionStatusCompleted {
			return ignored(ReasonDuplicate)
		}
	} else if !repository.IsNotFound(err) {
		return rejected(ReasonStorageUnavailable, true, err)
	}

	err := p.ledger.Atomically(ctx, func(tx *ledger.Tx) error {
		switch e := event.(type) {
		case CreditPurchaseSucceeded:
			return p.applyCreditPurchase(ctx, tx, e)
		case InvoicePaid:
			return p.applyInvoicePaid(ctx, tx, e)
		case SubscriptionChanged:
			return p.applySubscriptionChanged(ctx, tx, e)
		default:
			return skip{reason: ReasonUnhandled}
		}
	})

	var s skip
	var term terminal
	switch {
	case err == nil:
		return applied()
	case errors.As(err, &s):
		return ignored(s.reason)
	case errors.Is(err, ledger.ErrDuplicateRef), errors.Is(err, ledger.ErrNotPending):
		// a concurrent delivery won the race
		return ignored(ReasonDuplicate)
	case errors.As(err, &term):
		log.Warnf("[Billing] Cannot apply %s %s: %v", event.EventType(), event.EventID(), err)
		return rejected(term.reason, false, err)
	default:
		log.Errorf("[Billing] Applying %s %s failed, asking for redelivery: %v", event.EventType(), event.EventID(), err)
		return rejected(ReasonStorageUnavailable, true, err)
	}
}

func (p *Processor) applyCreditPurchase(ctx context.Context, tx *ledger.Tx, e CreditPurchaseSucceeded) error {
	pending, err := tx.Store().Transactions().GetByRef(ctx, e.PaymentIntentID)
	switch {
	case err == nil:
		switch pending.Status {
		case models.TransactionStatusPending:
		case models.TransactionStatusCompleted:
			return skip{reason: ReasonDuplicate}
		default:
			log.Warnf("[Billing] Payment %s succeeded for %s purchase %s", e.PaymentIntentID, pending.Status, pending.PublicID)
			return skip{reason: ReasonPurchaseClosed}
		}
		if e.Credits > 0 && e.Credits != pending.CreditDelta {
			log.Warnf("[Billing] Purchase %s metadata says %d credits, pending row %d; using pending row", pending.PublicID, e.Credits, pending.CreditDelta)
		}
		balance, err := tx.Settle(ctx, pending)
		if err != nil {
			return err
		}
		log.Infof("[Billing] Settled purchase %s for account %d: +%d credits, balance %d", pending.PublicID, pending.AccountID, pending.CreditDelta, balance)
		return nil
	case !repository.IsNotFound(err):
		return err
	}

	// no pending row: the intent was created but its local row was not written
	if e.AccountID == 0 || e.Credits <= 0 {
		return skip{reason: ReasonNotCreditPurchase}
	}
	if _, err := tx.Account(ctx, e.AccountID); err != nil {
		if repository.IsNotFound(err) {
			return terminal{reason: ReasonUnknownAccount, err: err}
		}
		return err
	}
	balance, err := tx.Grant(ctx, e.AccountID, e.Credits, ledger.Meta{
		Kind:        models.TransactionKindCredits,
		Ref:         e.PaymentIntentID,
		Description: "credit purchase",
	})
	if err != nil {
		return err
	}
	log.Infof("[Billing] Granted purchase %s to account %d: +%d credits, balance %d", e.PaymentIntentID, e.AccountID, e.Credits, balance)
	return nil
}

func (p *Processor) applyInvoicePaid(ctx context.Context, tx *ledger.Tx, e InvoicePaid) error {
	account, err := resolveAccount(ctx, tx.Store(), e.AccountID, e.SubscriptionID, e.CustomerID)
	if err != nil {
		return err
	}

	stale, err := isStaleSubscription(ctx, tx, account, e.SubscriptionID)
	if err != nil {
		return err
	}
	if stale {
		log.Infof("[Billing] Invoice %s is for subscription %s, account %d is on %q", e.InvoiceID, e.SubscriptionID, account.ID, account.SubscriptionID())
		return skip{reason: ReasonStaleSubscription}
	}

	plan, ok := entitlements.ParsePlan(e.Plan)
	if !ok && account.SubscriptionID() == e.SubscriptionID {
		// renewals of a known subscription keep the current plan
		plan, ok = entitlements.ParsePlan(account.Plan)
	}
	if !ok || !plan.IsPaid() {
		return terminal{reason: ReasonMissingPlan, err: fmt.Errorf("invoice %s has no paid plan", e.InvoiceID)}
	}

	ref := e.SubscriptionID
	if err := tx.Store().Accounts().UpdateSubscription(ctx, account.ID, string(plan), &ref, models.SubscriptionStatusActive); err != nil {
		return err
	}
	if account.StripeCustomerID == "" && e.CustomerID != "" {
		if err := tx.Store().Accounts().SetStripeCustomerID(ctx, account.ID, e.CustomerID); err != nil {
			return err
		}
	}

	grant := p.grants.MonthlyGrant(plan)
	balance, err := tx.SetBalance(ctx, account.ID, grant, ledger.Meta{
		Kind:        models.TransactionKindSubscription,
		Ref:         e.InvoiceID,
		Description: fmt.Sprintf("%s monthly grant", plan),
	})
	if err != nil {
		return err
	}
	log.Infof("[Billing] Invoice %s: account %d on %s, credits reset to %d", e.InvoiceID, account.ID, plan, balance)
	return nil
}

func (p *Processor) applySubscriptionChanged(ctx context.Context, tx *ledger.Tx, e SubscriptionChanged) error {
	account, err := resolveAccount(ctx, tx.Store(), e.AccountID, e.SubscriptionID, e.CustomerID)
	if err != nil {
		return err
	}
	status := e.LocalStatus()
	if status == "" {
		return skip{reason: ReasonUnknownStatus}
	}

	stale, err := isStaleSubscription(ctx, tx, account, e.SubscriptionID)
	if err != nil {
		return err
	}
	if stale {
		return skip{reason: ReasonStaleSubscription}
	}
	if account.SubscriptionID() == "" {
		// without a paid subscription only the checkout state is tracked
		switch status {
		case models.SubscriptionStatusIncomplete:
		case models.SubscriptionStatusCanceled:
			if account.SubscriptionStatus != models.SubscriptionStatusIncomplete {
				return skip{reason: ReasonStaleSubscription}
			}
		default:
			return skip{reason: ReasonStaleSubscription}
		}
		if err := tx.Store().Accounts().UpdateSubscriptionStatus(ctx, account.ID, status); err != nil {
			return err
		}
		return p.recordStatusChange(ctx, tx, account, e, status)
	}

	if status == models.SubscriptionStatusCanceled {
		if err := tx.Store().Accounts().UpdateSubscription(ctx, account.ID, string(entitlements.PlanFree), nil, status); err != nil {
			return err
		}
		grant := p.grants.MonthlyGrant(entitlements.PlanFree)
		balance, err := tx.SetBalance(ctx, account.ID, grant, ledger.Meta{
			Kind:        models.TransactionKindSubscription,
			Ref:         canceledRef(e.SubscriptionID),
			Description: "subscription canceled",
		})
		if err != nil {
			return err
		}
		log.Infof("[Billing] Subscription %s canceled: account %d back on free, credits reset to %d", e.SubscriptionID, account.ID, balance)
		return nil
	}

	if status == models.SubscriptionStatusIncomplete && account.SubscriptionStatus != models.SubscriptionStatusIncomplete {
		// a paid subscription never returns to checkout
		return skip{reason: ReasonStaleSubscription}
	}

	plan := account.Plan
	if parsed, ok := entitlements.ParsePlan(e.Plan); ok && parsed.IsPaid() && isEntitlingStatus(status) {
		plan = string(parsed)
	}
	ref := e.SubscriptionID
	if err := tx.Store().Accounts().UpdateSubscription(ctx, account.ID, plan, &ref, status); err != nil {
		return err
	}
	return p.recordStatusChange(ctx, tx, account, e, status)
}

// canceledRef is the ledger reference of the reset written when a
// subscription ends. A subscription ends at most once.
func canceledRef(subscriptionID string) string {
	return "canceled:" + subscriptionID
}

// isStaleSubscription reports whether events for subscriptionID must no
// longer change the account: another subscription is current, or this one
// was already canceled.
func isStaleSubscription(ctx context.Context, tx *ledger.Tx, account *models.Account, subscriptionID string) (bool, error) {
	if current := account.SubscriptionID(); current != "" {
		return current != subscriptionID, nil
	}
	_, err := tx.Store().Transactions().GetByRef(ctx, canceledRef(subscriptionID))
	switch {
	case err == nil:
		return true, nil
	case repository.IsNotFound(err):
		return false, nil
	default:
		return false, err
	}
}

func (p *Processor) recordStatusChange(ctx context.Context, tx *ledger.Tx, account *models.Account, e SubscriptionChanged, status string) error {
	if err := tx.Record(ctx, &models.LedgerTransaction{
		AccountID:        account.ID,
		Kind:             models.TransactionKindSubscription,
		Status:           models.TransactionStatusCompleted,
		ExternalEventRef: models.StringRef(e.ExternalRef()),
		Description:      "subscription " + status,
	}); err != nil {
		return err
	}
	log.Infof("[Billing] Subscription %s of account %d is %s", e.SubscriptionID, account.ID, status)
	return nil
}

func (p *Processor) finish(o Outcome, category, eventID, eventType string) Outcome {
	o.EventID = eventID
	o.EventType = eventType
	outcome := o.Kind.String()
	if o.Reason != "" {
		outcome = o.Reason
	}
	p.metrics.WebhookEvent(category, outcome)
	return o
}

// resolveAccount finds the account an event belongs to, preferring the
// metadata written at checkout.
func resolveAccount(ctx context.Context, store repository.Store, accountID uint, subscriptionID, customerID string) (*models.Account, error) {
	var (
		account *models.Account
		err     error
	)
	switch {
	case accountID != 0:
		account, err = store.Accounts().GetByID(ctx, accountID)
	case subscriptionID != "":
		account, err = store.Accounts().GetBySubscriptionRef(ctx, subscriptionID)
		if repository.IsNotFound(err) && customerID != "" {
			account, err = store.Accounts().GetByStripeCustomerID(ctx, customerID)
		}
	case customerID != "":
		account, err = store.Accounts().GetByStripeCustomerID(ctx, customerID)
	default:
		return nil, terminal{reason: ReasonUnknownAccount, err: errors.New("event carries no account linkage")}
	}
	if repository.IsNotFound(err) {
		return nil, terminal{reason: ReasonUnknownAccount, err: err}
	}
	return account, err
}
