// Package model abstracts the generative-model provider behind a streaming
// Client interface. The OpenAI-compatible implementation lives in openai.go.
package model

import (
	"context"
	"strings"

	"github.com/hrygo/branchtalk/chat"
	"github.com/hrygo/branchtalk/store"
)

// Message is one normalized turn of provider context. Roles alternate
// user/assistant after hidden-branch filtering; a trailing assistant message
// combined with Request.Prefill asks the provider to continue it.
type Message struct {
	Role    store.Role
	Content string
	Name    string
}

// Request is a normalized provider request.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Temperature float64
	MaxTokens   int
	TopP        *float64
	Prefill     bool
}

// Chunk is one streamed delta. The final chunk has Done set and may carry
// Usage.
type Chunk struct {
	Delta  string
	Blocks []store.ContentBlock
	Done   bool
	Usage  *Usage
}

// Usage is the provider's final token accounting.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Client converts a normalized request into a provider streaming call.
// onChunk is invoked in stream order; returning an error stops the stream.
// Stream honors ctx cancellation and returns the usage observed so far.
type Client interface {
	Stream(ctx context.Context, req *Request, onChunk func(Chunk) error) (*Usage, error)
}

// Capability prefixes by model family. SupportsPrefill marks families whose
// chat endpoint accepts a partially authored assistant turn.
var capabilityPrefixes = []struct {
	prefix string
	caps   chat.ModelCapabilities
}{
	{"claude", chat.ModelCapabilities{Provider: "anthropic", SupportsPrefill: true}},
	{"gpt", chat.ModelCapabilities{Provider: "openai"}},
	{"o3", chat.ModelCapabilities{Provider: "openai"}},
	{"o4", chat.ModelCapabilities{Provider: "openai"}},
	{"deepseek", chat.ModelCapabilities{Provider: "deepseek", SupportsPrefill: true}},
	{"llama", chat.ModelCapabilities{Provider: "openrouter", SupportsPrefill: true}},
}

// Capabilities resolves a model identifier to its capabilities. Unknown
// models default to a plain-messages provider.
func Capabilities(model string) chat.ModelCapabilities {
	for _, cp := range capabilityPrefixes {
		if strings.HasPrefix(model, cp.prefix) {
			return cp.caps
		}
	}
	return chat.ModelCapabilities{Provider: "openai"}
}
