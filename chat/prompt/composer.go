// Package prompt composes the system prompt delivered with a model call.
// Two conditional prefixes exist: a CLI-simulation prefix used early in
// prefill conversations, and an identity prefix for participants that fall
// back to plain message mode.
package prompt

import (
	"fmt"
	"strings"

	"github.com/hrygo/branchtalk/chat"
	"github.com/hrygo/branchtalk/store"
)

// CLIModeConfig controls the CLI-simulation prefix.
type CLIModeConfig struct {
	Enabled          bool
	MessageThreshold int
}

// DefaultCLIMode returns the default prefix config: enabled, threshold 10.
func DefaultCLIMode() CLIModeConfig {
	return CLIModeConfig{Enabled: true, MessageThreshold: 10}
}

// Providers whose chat APIs accept a partially authored assistant turn.
var prefillProviders = map[string]bool{
	"anthropic":  true,
	"openrouter": true,
}

const cliSimulationPrefix = "This is a command-line interface simulation. Respond as the terminal would: stay in the simulated session, keep output plain, and do not break character to address the user directly."

const identityPrefixFormat = "You are %s. You are connected to a multi-participant chat system. Please respond in character."

// Compose builds the effective system prompt for one participant.
// messageCount is the number of messages already in the conversation.
// Compose is idempotent: feeding its output back yields the same string.
func Compose(participant *store.Participant, conversation *store.Conversation, messageCount int, caps chat.ModelCapabilities, cli CLIModeConfig) string {
	base := participant.SystemPrompt

	if prefix := selectPrefix(participant, conversation, messageCount, caps, cli); prefix != "" {
		if strings.HasPrefix(base, prefix) {
			return base
		}
		if base == "" {
			return prefix
		}
		return prefix + "\n\n" + base
	}
	return base
}

func selectPrefix(participant *store.Participant, conversation *store.Conversation, messageCount int, caps chat.ModelCapabilities, cli CLIModeConfig) string {
	if conversation.Format != store.FormatPrefill {
		return ""
	}

	supportsPrefill := caps.SupportsPrefill || prefillProviders[caps.Provider]

	if cli.Enabled && messageCount < cli.MessageThreshold && supportsPrefill && modeAllowsPrefill(participant.Mode) {
		return cliSimulationPrefix
	}

	if participant.SystemPrompt == "" && effectiveModeIsMessages(participant.Mode, supportsPrefill) {
		return fmt.Sprintf(identityPrefixFormat, participant.Name)
	}
	return ""
}

func modeAllowsPrefill(mode store.ConversationMode) bool {
	switch mode {
	case "", store.ModeAuto, store.ModePrefill:
		return true
	default:
		return false
	}
}

// effectiveModeIsMessages reports whether the participant resolves to plain
// message mode: explicitly messages/completion, or auto with a model that
// lacks prefill support.
func effectiveModeIsMessages(mode store.ConversationMode, supportsPrefill bool) bool {
	switch mode {
	case store.ModeMessages, store.ModeCompletion:
		return true
	case "", store.ModeAuto:
		return !supportsPrefill
	default:
		return false
	}
}
