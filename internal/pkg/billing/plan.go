package billing

import (
	"strings"

	"github.com/ManuelReschke/ChatCredits/app/models"
)

// mapSubscriptionStatus translates a provider subscription status into the
// local status. Unknown statuses map to "".
func mapSubscriptionStatus(status string, cancelAtPeriodEnd bool) string {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		if cancelAtPeriodEnd {
			return models.SubscriptionStatusCancelAtPeriodEnd
		}
		return models.SubscriptionStatusActive
	case "past_due", "unpaid":
		return models.SubscriptionStatusPastDue
	case "canceled", "incomplete_expired":
		return models.SubscriptionStatusCanceled
	case "incomplete":
		return models.SubscriptionStatusIncomplete
	default:
		return ""
	}
}

func isEntitlingStatus(status string) bool {
	switch status {
	case models.SubscriptionStatusActive, models.SubscriptionStatusCancelAtPeriodEnd, models.SubscriptionStatusPastDue:
		return true
	default:
		return false
	}
}
