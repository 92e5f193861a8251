package store

// Format describes how assistant turns are produced for a conversation.
// - "standard": a single implicit assistant derived from Conversation.Model
// - "prefill": an explicit participant set; the model continues partially
//   authored assistant turns when the provider supports it
type Format string

const (
	FormatStandard Format = "standard"
	FormatPrefill  Format = "prefill"
)

// Role of a branch author.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// ConversationMode overrides how a participant's turns are delivered to the
// provider. Empty means "auto".
type ConversationMode string

const (
	ModeAuto       ConversationMode = "auto"
	ModePrefill    ConversationMode = "prefill"
	ModeMessages   ConversationMode = "messages"
	ModeCompletion ConversationMode = "completion"
)

// Settings are sampling parameters. TopP/TopK are optional and omitted from
// provider requests when nil.
type Settings struct {
	Temperature float64
	MaxTokens   int
	TopP        *float64
	TopK        *int
}

type Conversation struct {
	ID        string
	OwnerID   string
	Title     string
	Model     string
	Format    Format
	Settings  Settings
	Archived  bool
	CreatedTs int64
	UpdatedTs int64
}

type FindConversation struct {
	ID       *string
	OwnerID  *string
	Archived *bool
}

type UpdateConversation struct {
	ID        string
	Title     *string
	Model     *string
	Settings  *Settings
	Archived  *bool
	UpdatedTs *int64
}

// Participant is a named speaker in a prefill conversation. Standard
// conversations synthesize an implicit assistant participant instead.
type Participant struct {
	ID             string
	ConversationID string
	Name           string
	Role           Role
	Model          string
	SystemPrompt   string
	Mode           ConversationMode
	IsActive       bool
	Settings       *Settings
}
