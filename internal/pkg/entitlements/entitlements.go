package entitlements

import (
	"strings"

	"github.com/ManuelReschke/ChatCredits/app/models"
)

type Plan string

const (
	PlanFree     Plan = models.PlanFree
	PlanPlus     Plan = models.PlanPlus
	PlanBusiness Plan = models.PlanBusiness
)

// ParsePlan accepts a plan name in any case.
func ParsePlan(s string) (Plan, bool) {
	switch p := Plan(strings.ToLower(strings.TrimSpace(s))); p {
	case PlanFree, PlanPlus, PlanBusiness:
		return p, true
	default:
		return "", false
	}
}

// NormalizePlan maps unknown plan names to PlanFree.
func NormalizePlan(s string) Plan {
	if p, ok := ParsePlan(s); ok {
		return p
	}
	return PlanFree
}

// Rank orders plans FREE < PLUS < BUSINESS.
func (p Plan) Rank() int {
	switch p {
	case PlanBusiness:
		return 2
	case PlanPlus:
		return 1
	default:
		return 0
	}
}

// Includes reports whether p grants at least the access of required.
func (p Plan) Includes(required Plan) bool {
	return p.Rank() >= required.Rank()
}

// IsPaid reports whether the plan is bought through a subscription.
func (p Plan) IsPaid() bool {
	return p == PlanPlus || p == PlanBusiness
}

// Grants are the monthly credit amounts per plan.
type Grants struct {
	Free     int64
	Plus     int64
	Business int64
}

// DefaultGrants match the published plan sheet.
var DefaultGrants = Grants{Free: 100, Plus: 1000, Business: 5000}

// For returns the grant of plan.
func (g Grants) For(plan Plan) int64 {
	switch plan {
	case PlanBusiness:
		return g.Business
	case PlanPlus:
		return g.Plus
	default:
		return g.Free
	}
}

// MonthlyGrant returns the grant of plan.
func (g Grants) MonthlyGrant(plan Plan) int64 {
	return g.For(plan)
}
