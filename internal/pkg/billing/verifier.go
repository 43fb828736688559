package billing

import (
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// ErrSignatureInvalid means the payload could not be authenticated.
var ErrSignatureInvalid = errors.New("billing: invalid webhook signature")

// Verifier authenticates a raw delivery and decodes the provider envelope.
type Verifier interface {
	Verify(payload []byte, signatureHeader string) (stripe.Event, error)
}

// StripeVerifier checks Stripe-Signature headers against the endpoint
// secret.
type StripeVerifier struct {
	secret string
}

// NewStripeVerifier creates a verifier for the given endpoint secret.
func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: strings.TrimSpace(secret)}
}

func (v *StripeVerifier) Verify(payload []byte, signatureHeader string) (stripe.Event, error) {
	if v.secret == "" || strings.TrimSpace(signatureHeader) == "" {
		return stripe.Event{}, ErrSignatureInvalid
	}
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return stripe.Event{}, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return event, nil
}
