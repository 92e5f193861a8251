package store

// RootParentID is the sentinel parent of tree-root branches.
const RootParentID = "root"

// ContentBlock is one structured segment of an assistant turn.
type ContentBlock struct {
	Type string `json:"type"` // "text", "thinking", "tool"
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"` // tool name for "tool" blocks
}

type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Mime string `json:"mime"`
	URL  string `json:"url"`
}

// Branch is one alternative at a tree node. All branches of the same Message
// share the same ParentBranchID; different messages may parent at the same
// branch (generation alternatives).
type Branch struct {
	ID              string         `json:"id"`
	ParentBranchID  string         `json:"parentBranchId"`
	Content         string         `json:"content"`
	ContentBlocks   []ContentBlock `json:"contentBlocks,omitempty"`
	Role            Role           `json:"role"`
	ParticipantID   string         `json:"participantId,omitempty"`
	Model           string         `json:"model,omitempty"`
	HiddenFromAI    bool           `json:"hiddenFromAi,omitempty"`
	PrivateToUserID string         `json:"privateToUserId,omitempty"`
	CreatedTs       int64          `json:"createdTs"`
	Attachments     []Attachment   `json:"attachments,omitempty"`
}

// Message is a container for sibling branches at one tree point. Exactly one
// branch is active; the message is removed when its last branch is deleted.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Order          int       `json:"order"`
	Branches       []*Branch `json:"branches"`
	ActiveBranchID string    `json:"activeBranchId"`
}

// Branch returns the branch with the given id, or nil.
func (m *Message) Branch(id string) *Branch {
	for _, b := range m.Branches {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// ActiveBranch returns the currently active branch, or nil if the message is
// inconsistent.
func (m *Message) ActiveBranch() *Branch {
	return m.Branch(m.ActiveBranchID)
}

type CreateMessage struct {
	ID             string
	ConversationID string
	Branch         *Branch
}

// UpdateBranch patches branch metadata. Nil fields are untouched.
type UpdateBranch struct {
	MessageID       string
	BranchID        string
	HiddenFromAI    *bool
	PrivateToUserID *string
	Model           *string
}
