// Package llm wraps the OpenAI-compatible chat and embedding API. The
// same client works against a local Ollama endpoint or a hosted one.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

// ErrEmptyCompletion means the model returned no choices.
var ErrEmptyCompletion = errors.New("empty completion")

// Options configure the client.
type Options struct {
	APIKey         string
	APIBase        string
	Model          string
	SummaryModel   string
	EmbeddingModel string
}

// Client is a thin wrapper over go-openai for the three things the
// assistant needs: one-shot completions, history summaries and
// embeddings.
type Client struct {
	api            *openai.Client
	model          string
	summaryModel   string
	embeddingModel string
	log            *zap.Logger
}

func NewClient(opts Options, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.APIBase != "" {
		cfg.BaseURL = opts.APIBase
	}
	summaryModel := opts.SummaryModel
	if summaryModel == "" {
		summaryModel = opts.Model
	}
	return &Client{
		api:            openai.NewClientWithConfig(cfg),
		model:          opts.Model,
		summaryModel:   summaryModel,
		embeddingModel: opts.EmbeddingModel,
		log:            log,
	}
}

// Invoke runs a single-turn completion with an optional system prompt.
func (c *Client) Invoke(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	return c.complete(ctx, c.model, systemPrompt, userPrompt)
}

// Summarize condenses a transcript, folding in an existing summary if
// one is carried over from an earlier pass.
func (c *Client) Summarize(ctx context.Context, existingSummary, transcript string) (string, error) {
	var b strings.Builder
	if existingSummary != "" {
		b.WriteString("Earlier summary:\n")
		b.WriteString(existingSummary)
		b.WriteString("\n\n")
	}
	b.WriteString("Conversation:\n")
	b.WriteString(transcript)

	const sys = "Summarize the conversation below in a few short sentences. " +
		"Keep concrete facts, requests and decisions. Output only the summary."
	return c.complete(ctx, c.summaryModel, sys, b.String())
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.EmbeddingModel(c.embeddingModel),
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("create embedding: %w", ErrEmptyCompletion)
	}
	return resp.Data[0].Embedding, nil
}

func (c *Client) complete(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if systemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: systemPrompt,
		})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userPrompt,
	})

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: msgs,
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
