package billing

import (
	"net/http"
)

// Event is a decoded, verified provider event. The set of implementations is
// closed: CreditPurchaseSucceeded, InvoicePaid, SubscriptionChanged and
// Unhandled.
type Event interface {
	EventID() string
	EventType() string
	// ExternalRef is the ledger reference that makes applying the event
	// idempotent.
	ExternalRef() string
	category() string
}

type eventHeader struct {
	ID   string
	Type string
}

func (h eventHeader) EventID() string   { return h.ID }
func (h eventHeader) EventType() string { return h.Type }

// CreditPurchaseSucceeded is a settled one-off credit purchase.
type CreditPurchaseSucceeded struct {
	eventHeader
	PaymentIntentID string
	AccountID       uint
	Credits         int64
	AmountCents     int64
}

func (e CreditPurchaseSucceeded) ExternalRef() string { return e.PaymentIntentID }
func (CreditPurchaseSucceeded) category() string      { return "credit_purchase" }

// InvoicePaid is a paid subscription invoice. One grant is issued per
// invoice, however many event types describe it.
type InvoicePaid struct {
	eventHeader
	InvoiceID      string
	SubscriptionID string
	CustomerID     string
	AccountID      uint
	Plan           string
}

func (e InvoicePaid) ExternalRef() string { return e.InvoiceID }
func (InvoicePaid) category() string      { return "invoice_paid" }

// SubscriptionChanged is a subscription update or deletion.
type SubscriptionChanged struct {
	eventHeader
	SubscriptionID    string
	CustomerID        string
	AccountID         uint
	Plan              string
	Status            string
	CancelAtPeriodEnd bool
	Deleted           bool
}

func (e SubscriptionChanged) ExternalRef() string { return e.ID }
func (SubscriptionChanged) category() string      { return "subscription_changed" }

// LocalStatus is the local subscription status the event describes.
func (e SubscriptionChanged) LocalStatus() string {
	if e.Deleted {
		return mapSubscriptionStatus("canceled", false)
	}
	return mapSubscriptionStatus(e.Status, e.CancelAtPeriodEnd)
}

// Unhandled is any event type the processor does not act on.
type Unhandled struct {
	eventHeader
}

func (Unhandled) ExternalRef() string { return "" }
func (Unhandled) category() string    { return "unhandled" }

// OutcomeKind discriminates processing results.
type OutcomeKind int

const (
	Applied OutcomeKind = iota + 1
	Ignored
	Rejected
)

func (k OutcomeKind) String() string {
	switch k {
	case Applied:
		return "applied"
	case Ignored:
		return "ignored"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Outcome is the result of applying one delivery. Retry is only meaningful
// for Rejected and asks the provider to redeliver.
type Outcome struct {
	Kind      OutcomeKind
	Reason    string
	Retry     bool
	EventID   string
	EventType string
	Err       error
}

// Outcome reasons.
const (
	ReasonDuplicate          = "duplicate"
	ReasonUnhandled          = "unhandled"
	ReasonStaleSubscription  = "stale_subscription"
	ReasonNotCreditPurchase  = "not_credit_purchase"
	ReasonPurchaseClosed     = "purchase_closed"
	ReasonSignatureInvalid   = "signature_invalid"
	ReasonMalformed          = "malformed"
	ReasonUnknownAccount     = "unknown_account"
	ReasonMissingPlan        = "missing_plan"
	ReasonUnknownStatus      = "unknown_status"
	ReasonStorageUnavailable = "storage_unavailable"
)

func applied() Outcome { return Outcome{Kind: Applied} }

func ignored(reason string) Outcome { return Outcome{Kind: Ignored, Reason: reason} }

func rejected(reason string, retry bool, err error) Outcome {
	return Outcome{Kind: Rejected, Reason: reason, Retry: retry, Err: err}
}

// HTTPStatus maps the outcome to the webhook response code. Only retryable
// rejections produce a 5xx.
func (o Outcome) HTTPStatus() int {
	switch {
	case o.Kind == Rejected && o.Retry:
		return http.StatusInternalServerError
	case o.Kind == Rejected:
		return http.StatusBadRequest
	default:
		return http.StatusOK
	}
}

// Checkout is returned when a subscription is started.
type Checkout struct {
	SubscriptionID string `json:"subscription_id"`
	ClientSecret   string `json:"client_secret"`
	Status         string `json:"status"`
}

// Purchase is returned when a credit purchase is started.
type Purchase struct {
	TransactionID   string `json:"transaction_id"`
	PaymentIntentID string `json:"payment_intent_id"`
	ClientSecret    string `json:"client_secret"`
	Credits         int64  `json:"credits"`
	AmountCents     int64  `json:"amount_cents"`
}

// ReconcileResult summarises one ReconcileStalePurchases run.
type ReconcileResult struct {
	Checked   int
	Applied   int
	Cancelled int
	Failed    int
}
