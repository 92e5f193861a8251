package model

import (
	"context"
	"log/slog"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/hrygo/branchtalk/store"
)

// OpenAIClient streams chat completions from any OpenAI-compatible endpoint.
type OpenAIClient struct {
	client  *openai.Client
	timeout time.Duration
}

// NewOpenAIClient builds a client for the given endpoint. apiKey may be a
// per-user key or the server fallback key.
func NewOpenAIClient(apiKey, baseURL string, timeout time.Duration) *OpenAIClient {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(config), timeout: timeout}
}

func (c *OpenAIClient) Stream(ctx context.Context, req *Request, onChunk func(Chunk) error) (*Usage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	oreq := openai.ChatCompletionRequest{
		Model:       req.Model,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
		Messages:    convertMessages(req),
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.TopP != nil {
		oreq.TopP = float32(*req.TopP)
	}

	slog.Debug("model stream starting", "model", req.Model, "messages", len(oreq.Messages))
	stream, err := c.client.CreateChatCompletionStream(ctx, oreq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = stream.Close() }()

	usage := &Usage{}
	for {
		response, err := stream.Recv()
		if err != nil {
			if strings.Contains(err.Error(), "EOF") {
				if chunkErr := onChunk(Chunk{Done: true, Usage: usage}); chunkErr != nil {
					return usage, chunkErr
				}
				return usage, nil
			}
			if ctx.Err() != nil {
				return usage, ctx.Err()
			}
			return usage, err
		}

		if response.Usage != nil && response.Usage.TotalTokens > 0 {
			usage.InputTokens = response.Usage.PromptTokens
			usage.OutputTokens = response.Usage.CompletionTokens
			if err := onChunk(Chunk{Done: true, Usage: usage}); err != nil {
				return usage, err
			}
			return usage, nil
		}

		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		if err := onChunk(Chunk{Delta: delta}); err != nil {
			return usage, err
		}
	}
}

// convertMessages maps the normalized request onto OpenAI chat messages.
// In prefill mode a trailing assistant message is passed through as-is; the
// provider continues it.
func convertMessages(req *Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case store.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case store.RoleSystem:
			role = openai.ChatMessageRoleSystem
		}
		out = append(out, openai.ChatCompletionMessage{
			Role:    role,
			Content: m.Content,
			Name:    m.Name,
		})
	}
	return out
}
