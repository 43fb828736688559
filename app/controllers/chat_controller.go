package controllers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/ChatCredits/internal/pkg/llm"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/usage"
	"github.com/ManuelReschke/ChatCredits/internal/pkg/usercontext"
)

// ChatController answers persona messages behind the usage gate.
type ChatController struct {
	gate   *usage.Gate
	client llm.ChatClient
}

func NewChatController(gate *usage.Gate, client llm.ChatClient) *ChatController {
	return &ChatController{gate: gate, client: client}
}

type chatMessageRequest struct {
	Persona string `json:"persona" validate:"required,max=64"`
	Message string `json:"message" validate:"required,max=8000"`
}

// HandleSendMessage charges the persona cost and returns the model's reply.
// Failed or timed out replies are refunded before the error is returned.
func (cc *ChatController) HandleSendMessage(c *fiber.Ctx) error {
	var req chatMessageRequest
	if ok, err := parseAndValidate(c, &req); !ok {
		return err
	}

	res, err := usage.Perform(c.UserContext(), cc.gate, usercontext.AccountID(c), req.Persona,
		func(ctx context.Context) (string, error) {
			return cc.client.Reply(ctx, req.Persona, req.Message)
		})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"reply":     res.Value,
		"persona":   req.Persona,
		"model":     cc.client.Model(),
		"cost":      res.Cost,
		"balance":   res.Balance,
		"charge_id": res.ChargeID,
	})
}
