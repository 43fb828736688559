package billing

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/stripe/stripe-go/v82"
)

// Event types acted on.
const (
	EventPaymentIntentSucceeded = "payment_intent.succeeded"
	EventInvoicePaymentSucceed  = "invoice.payment_succeeded"
	EventInvoicePaid            = "invoice.paid"
	EventSubscriptionUpdated    = "customer.subscription.updated"
	EventSubscriptionDeleted    = "customer.subscription.deleted"
)

// Metadata keys written on provider objects.
const (
	metaAccountID = "accountId"
	metaPlan      = "plan"
	metaCredits   = "credits"
)

type stripePaymentIntent struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Customer json.RawMessage   `json:"customer"`
	Metadata map[string]string `json:"metadata"`
}

type stripeSubscriptionDetails struct {
	Subscription json.RawMessage   `json:"subscription"`
	Metadata     map[string]string `json:"metadata"`
}

// stripeInvoice covers both the flat and the parent.subscription_details
// invoice shapes.
type stripeInvoice struct {
	ID                  string                     `json:"id"`
	Customer            json.RawMessage            `json:"customer"`
	Subscription        json.RawMessage            `json:"subscription"`
	SubscriptionDetails *stripeSubscriptionDetails `json:"subscription_details"`
	Parent              *struct {
		SubscriptionDetails *stripeSubscriptionDetails `json:"subscription_details"`
	} `json:"parent"`
}

type stripeSubscription struct {
	ID                string            `json:"id"`
	Customer          json.RawMessage   `json:"customer"`
	Status            string            `json:"status"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	Metadata          map[string]string `json:"metadata"`
}

// Decode maps a verified provider event to the closed Event set. An error
// means the payload of a recognised type is malformed.
func Decode(event stripe.Event) (Event, error) {
	header := eventHeader{ID: event.ID, Type: string(event.Type)}
	if header.ID == "" {
		return nil, fmt.Errorf("event id missing")
	}
	var raw json.RawMessage
	if event.Data != nil {
		raw = event.Data.Raw
	}

	switch header.Type {
	case EventPaymentIntentSucceeded:
		var pi stripePaymentIntent
		if err := unmarshalObject(raw, &pi); err != nil {
			return nil, err
		}
		if pi.ID == "" {
			return nil, fmt.Errorf("payment intent id missing")
		}
		credits, err := metadataInt(pi.Metadata, metaCredits)
		if err != nil {
			return nil, err
		}
		accountID, err := metadataAccountID(pi.Metadata)
		if err != nil {
			return nil, err
		}
		return CreditPurchaseSucceeded{
			eventHeader:     header,
			PaymentIntentID: pi.ID,
			AccountID:       accountID,
			Credits:         credits,
			AmountCents:     pi.Amount,
		}, nil

	case EventInvoicePaymentSucceed, EventInvoicePaid:
		var inv stripeInvoice
		if err := unmarshalObject(raw, &inv); err != nil {
			return nil, err
		}
		if inv.ID == "" {
			return nil, fmt.Errorf("invoice id missing")
		}
		subscriptionID, meta := inv.subscription()
		if subscriptionID == "" {
			// one-off invoices carry no plan
			return Unhandled{eventHeader: header}, nil
		}
		accountID, err := metadataAccountID(meta)
		if err != nil {
			return nil, err
		}
		return InvoicePaid{
			eventHeader:    header,
			InvoiceID:      inv.ID,
			SubscriptionID: subscriptionID,
			CustomerID:     expandableID(inv.Customer),
			AccountID:      accountID,
			Plan:           strings.ToLower(strings.TrimSpace(meta[metaPlan])),
		}, nil

	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		var sub stripeSubscription
		if err := unmarshalObject(raw, &sub); err != nil {
			return nil, err
		}
		if sub.ID == "" {
			return nil, fmt.Errorf("subscription id missing")
		}
		accountID, err := metadataAccountID(sub.Metadata)
		if err != nil {
			return nil, err
		}
		return SubscriptionChanged{
			eventHeader:       header,
			SubscriptionID:    sub.ID,
			CustomerID:        expandableID(sub.Customer),
			AccountID:         accountID,
			Plan:              strings.ToLower(strings.TrimSpace(sub.Metadata[metaPlan])),
			Status:            sub.Status,
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
			Deleted:           header.Type == EventSubscriptionDeleted,
		}, nil

	default:
		return Unhandled{eventHeader: header}, nil
	}
}

func (inv stripeInvoice) subscription() (string, map[string]string) {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		details := inv.Parent.SubscriptionDetails
		if id := expandableID(details.Subscription); id != "" {
			return id, details.Metadata
		}
	}
	var meta map[string]string
	if inv.SubscriptionDetails != nil {
		meta = inv.SubscriptionDetails.Metadata
	}
	return expandableID(inv.Subscription), meta
}

func unmarshalObject(raw json.RawMessage, dst interface{}) error {
	if len(raw) == 0 {
		return fmt.Errorf("event data missing")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode event object: %w", err)
	}
	return nil
}

// expandableID reads a field that is either an id string or an expanded
// object with an id.
func expandableID(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var id string
	if err := json.Unmarshal(raw, &id); err == nil {
		return strings.TrimSpace(id)
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return strings.TrimSpace(obj.ID)
	}
	return ""
}

func metadataInt(meta map[string]string, key string) (int64, error) {
	raw := strings.TrimSpace(meta[key])
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("metadata %s=%q is not a non-negative integer", key, raw)
	}
	return v, nil
}

func metadataAccountID(meta map[string]string) (uint, error) {
	v, err := metadataInt(meta, metaAccountID)
	if err != nil {
		return 0, err
	}
	return uint(v), nil
}
