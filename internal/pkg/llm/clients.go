// Package llm talks to the model that answers persona chat messages.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// DefaultModel is used when no model is configured.
const DefaultModel = "gemini-2.5-flash"

var ErrEmptyReply = errors.New("llm: empty reply")

// ChatClient answers one message in the voice of a persona.
type ChatClient interface {
	Reply(ctx context.Context, persona, message string) (string, error)
	Model() string
}

type Option func(*genai.ClientConfig)

// WithBaseURL points the client at another endpoint.
func WithBaseURL(url string) Option {
	return func(cc *genai.ClientConfig) { cc.HTTPOptions.BaseURL = url }
}

// GeminiChatClient is a ChatClient backed by the Gemini API.
type GeminiChatClient struct {
	client *genai.Client
	model  string
}

func NewGeminiChatClient(ctx context.Context, apiKey, model string, opts ...Option) (*GeminiChatClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, errors.New("llm: api key required")
	}
	if model == "" {
		model = DefaultModel
	}
	cc := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	for _, opt := range opts {
		opt(cc)
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("llm: create gemini client: %w", err)
	}
	return &GeminiChatClient{client: client, model: model}, nil
}

func (g *GeminiChatClient) Reply(ctx context.Context, persona, message string) (string, error) {
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemInstruction(persona), genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(message), config)
	if err != nil {
		return "", fmt.Errorf("llm: generate with %s: %w", g.model, err)
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", ErrEmptyReply
	}
	return text, nil
}

func (g *GeminiChatClient) Model() string {
	return g.model
}

func systemInstruction(persona string) string {
	return fmt.Sprintf("You are the %q assistant persona. Answer the user's message helpfully and concisely.", persona)
}
