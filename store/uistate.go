package store

// UIState is per user x conversation view state. DetachedBranches overrides
// the shared activeBranchId choices for this viewer only.
type UIState struct {
	UserID           string
	ConversationID   string
	ReadBranchIDs    []string
	IsDetached       bool
	DetachedBranches map[string]string // messageID -> branchID
	UpdatedTs        int64
}

// UsageMetric is one generation's billed usage.
type UsageMetric struct {
	ID             string
	ConversationID string
	UserID         string
	Model          string
	InputTokens    int
	OutputTokens   int
	Cost           float64
	Currency       string
	CreatedTs      int64
}

type FindUsageMetric struct {
	ConversationID *string
	UserID         *string
}
