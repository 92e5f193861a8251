package postgres

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/hrygo/branchtalk/store"
)

// uiStatePayload is the JSON shape stored in the ui_state payload column.
type uiStatePayload struct {
	ReadBranchIDs    []string          `json:"readBranchIds,omitempty"`
	IsDetached       bool              `json:"isDetached,omitempty"`
	DetachedBranches map[string]string `json:"detachedBranches,omitempty"`
}

func (d *DB) GetUIState(ctx context.Context, userID, conversationID string) (*store.UIState, error) {
	var payload string
	var updatedTs int64
	if err := d.db.QueryRowContext(ctx,
		`SELECT payload, updated_ts FROM ui_state WHERE user_id = $1 AND conversation_id = $2`,
		userID, conversationID).Scan(&payload, &updatedTs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrap(store.ErrNotFound, "ui state")
		}
		return nil, errors.Wrap(err, "failed to get ui state")
	}

	var p uiStatePayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal ui state")
	}
	return &store.UIState{
		UserID:           userID,
		ConversationID:   conversationID,
		ReadBranchIDs:    p.ReadBranchIDs,
		IsDetached:       p.IsDetached,
		DetachedBranches: p.DetachedBranches,
		UpdatedTs:        updatedTs,
	}, nil
}

func (d *DB) UpsertUIState(ctx context.Context, state *store.UIState) error {
	payload, err := json.Marshal(uiStatePayload{
		ReadBranchIDs:    state.ReadBranchIDs,
		IsDetached:       state.IsDetached,
		DetachedBranches: state.DetachedBranches,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal ui state")
	}
	stmt := `INSERT INTO ui_state (user_id, conversation_id, payload, updated_ts) VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, conversation_id) DO UPDATE SET payload = excluded.payload, updated_ts = excluded.updated_ts`
	if _, err := d.db.ExecContext(ctx, stmt,
		state.UserID, state.ConversationID, string(payload), state.UpdatedTs); err != nil {
		return errors.Wrap(err, "failed to upsert ui state")
	}
	return nil
}

func (d *DB) AddUsageMetric(ctx context.Context, metric *store.UsageMetric) error {
	args := []any{metric.ConversationID, metric.UserID, metric.Model, metric.InputTokens,
		metric.OutputTokens, metric.Cost, metric.Currency, metric.CreatedTs}
	stmt := `INSERT INTO usage_metric (conversation_id, user_id, model, input_tokens, output_tokens, cost, currency, created_ts)
		VALUES (` + placeholders(len(args)) + `)`
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return errors.Wrap(err, "failed to add usage metric")
	}
	return nil
}
