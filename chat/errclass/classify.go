// Package errclass maps provider error text into the closed client-facing
// taxonomy. Matching is case-insensitive substring, first rule wins, and the
// result always carries a short message plus suggestion.
package errclass

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/hrygo/branchtalk/chat"
)

// maxMessageLen bounds pass-through provider text.
const maxMessageLen = 300

type rule struct {
	// all listed needles must appear
	needles []string
	// any listed needle suffices (checked when needles is empty)
	anyOf      []string
	code       string
	message    string
	suggestion string
}

// Rules in priority order. The "aborted" rule is first so cancellations are
// never surfaced as user errors.
var rules = []rule{
	{anyOf: []string{"aborted"}, code: chat.CodeAborted,
		message: "Generation aborted"},
	{anyOf: []string{"rate limit", "429"}, code: chat.CodeRateLimited,
		message:    "The model provider is rate limiting requests",
		suggestion: "Wait a moment and try again"},
	{anyOf: []string{"no api key", "api key"}, code: chat.CodeNoAPIKey,
		message:    "No usable API key for this model",
		suggestion: "Add a provider API key in your account settings"},
	{anyOf: []string{"overloaded", "503"}, code: chat.CodeOverloaded,
		message:    "The model provider is overloaded",
		suggestion: "Try again shortly or switch models"},
	{needles: []string{"context", "long"}, code: chat.CodeContextTooLong,
		message:    "The conversation is too long for this model",
		suggestion: "Delete or hide older messages, or switch to a model with a larger context window"},
	{needles: []string{"content", "filter"}, code: chat.CodeContentBlocked,
		message:    "The response was blocked by the provider's content policy",
		suggestion: "Rephrase your message"},
	{needles: []string{"content", "flagged"}, code: chat.CodeContentBlocked,
		message:    "The response was blocked by the provider's content policy",
		suggestion: "Rephrase your message"},
	{needles: []string{"content", "policy"}, code: chat.CodeContentBlocked,
		message:    "The response was blocked by the provider's content policy",
		suggestion: "Rephrase your message"},
	{anyOf: []string{"401"}, code: chat.CodeAuthFailed,
		message:    "Authentication with the model provider failed",
		suggestion: "Check that your API key is valid"},
	{anyOf: []string{"econnrefused", "network", "etimedout"}, code: chat.CodeConnectionError,
		message:    "Could not reach the model provider",
		suggestion: "Check your network connection and the provider status page"},
	{anyOf: []string{"timeout"}, code: chat.CodeRequestTimeout,
		message:    "The model request timed out",
		suggestion: "Try again; long prompts may need a smaller maxTokens"},
	{anyOf: []string{"500", "server error"}, code: chat.CodeServerError,
		message:    "The model provider returned a server error",
		suggestion: "Try again shortly"},
	{anyOf: []string{"404", "not found"}, code: chat.CodeEndpointNotFound,
		message:    "The model endpoint was not found",
		suggestion: "Check the model identifier and base URL"},
	{needles: []string{"insufficient", "credit"}, code: chat.CodeInsufficientCredits,
		message:    "Insufficient credits for this request",
		suggestion: "Top up your balance or add your own API key"},
}

// Classify maps a provider error to the taxonomy. It is deterministic and
// total: unmatched errors pass through as generic with the provider text
// (JSON "message" extracted when present, truncated to 300 chars).
func Classify(err error) *chat.OpError {
	text := ""
	if err != nil {
		text = err.Error()
	}
	lower := strings.ToLower(text)

	for _, r := range rules {
		if r.matches(lower) {
			return chat.NewOpError(r.code, r.message, r.suggestion)
		}
	}

	return chat.NewOpError(chat.CodeGeneric, truncate(extractMessage(text)), "")
}

// IsAborted reports whether the error represents a cooperative cancellation.
func IsAborted(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "aborted")
}

func (r rule) matches(lower string) bool {
	if len(r.needles) > 0 {
		for _, n := range r.needles {
			if !strings.Contains(lower, n) {
				return false
			}
		}
		return true
	}
	for _, n := range r.anyOf {
		if strings.Contains(lower, n) {
			return true
		}
	}
	return false
}

// extractMessage pulls a "message" field out of embedded JSON, if any.
func extractMessage(text string) string {
	start := strings.IndexByte(text, '{')
	if start < 0 {
		return text
	}
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(text[start:]), &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return text
}

// truncate cuts at maxMessageLen without splitting a rune.
func truncate(text string) string {
	if len(text) <= maxMessageLen {
		return text
	}
	cut := maxMessageLen
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "..."
}
