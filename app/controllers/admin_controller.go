package controllers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ChatCredits/internal/pkg/entitlements"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/jobqueue"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/referral"
)

// ============================================================================
// ADMIN CONTROLLER
// ============================================================================

// AdminController handles persona table edits, cashout settlement and the
// background job queue.
type AdminController struct {
	resolver  *entitlements.Resolver
	referrals *referral.Service
	jobs      *jobqueue.Manager
}

func NewAdminController(resolver *entitlements.Resolver, referrals *referral.Service, jobs *jobqueue.Manager) *AdminController {
	return &AdminController{resolver: resolver, referrals: referrals, jobs: jobs}
}

type upsertPersonaRequest struct {
	Cost    int64  `json:"cost" validate:"required,gte=1"`
	MinPlan string `json:"min_plan" validate:"required"`
}

// HandleUpsertPersona creates or changes one persona and reloads the table
// on every instance.
func (ac *AdminController) HandleUpsertPersona(c *fiber.Ctx) error {
	var req upsertPersonaRequest
	if ok, err := parseAndValidate(c, &req); !ok {
		return err
	}
	plan, ok := entitlements.ParsePlan(req.MinPlan)
	if !ok {
		return apiError(c, fiber.StatusBadRequest, "invalid_request", "min_plan must be free, plus or business")
	}
	rule := entitlements.PersonaRule{Name: c.Params("name"), Cost: req.Cost, MinPlan: plan}
	snap, err := ac.resolver.UpsertPersona(c.UserContext(), rule)
	if err != nil {
		return respondError(c, err)
	}
	saved, _ := snap.Lookup(rule.Name)
	return c.JSON(fiber.Map{"persona": saved, "version": snap.Version})
}

// HandleCompleteCashout marks a cashout as paid out.
func (ac *AdminController) HandleCompleteCashout(c *fiber.Ctx) error {
	txn, err := ac.referrals.CompleteCashout(c.UserContext(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(txn)
}

type failCashoutRequest struct {
	Reason string `json:"reason" validate:"required,max=500"`
}

// HandleFailCashout releases a cashout's reserved amount.
func (ac *AdminController) HandleFailCashout(c *fiber.Ctx) error {
	var req failCashoutRequest
	if ok, err := parseAndValidate(c, &req); !ok {
		return err
	}
	txn, err := ac.referrals.FailCashout(c.UserContext(), c.Params("id"), strings.TrimSpace(req.Reason))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(txn)
}

// HandleRunReconcile queues a purchase reconciliation run now.
func (ac *AdminController) HandleRunReconcile(c *fiber.Ctx) error {
	job, err := ac.jobs.RunReconcileOnce(c.UserContext())
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"job_id": job.ID, "status": job.Status})
}

// HandleQueueStats reports queue depth and job counters.
func (ac *AdminController) HandleQueueStats(c *fiber.Ctx) error {
	ctx := c.UserContext()
	queue := ac.jobs.GetQueue()

	pending, err := queue.GetQueueSize(ctx)
	if err != nil {
		return respondError(c, err)
	}
	processing, err := queue.GetProcessingSize(ctx)
	if err != nil {
		return respondError(c, err)
	}
	delayed, err := queue.GetDelayedSize(ctx)
	if err != nil {
		return respondError(c, err)
	}
	stats, err := queue.GetJobStats(ctx)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"running":    ac.jobs.IsRunning(),
		"pending":    pending,
		"processing": processing,
		"delayed":    delayed,
		"stats":      stats,
	})
}
