package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/branchtalk/store"
)

func (d *DB) CreateMessage(ctx context.Context, create *store.CreateMessage) (*store.Message, error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	var ord int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(ord), 0) + 1 FROM message WHERE conversation_id = ?`,
		create.ConversationID).Scan(&ord); err != nil {
		return nil, errors.Wrap(err, "failed to compute message order")
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO message (id, conversation_id, ord, active_branch_id) VALUES (?, ?, ?, ?)`,
		create.ID, create.ConversationID, ord, create.Branch.ID); err != nil {
		return nil, errors.Wrap(err, "failed to create message")
	}
	if err := insertBranch(ctx, tx, create.ID, create.Branch); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "failed to commit message")
	}

	return &store.Message{
		ID:             create.ID,
		ConversationID: create.ConversationID,
		Order:          ord,
		Branches:       []*store.Branch{create.Branch},
		ActiveBranchID: create.Branch.ID,
	}, nil
}

func (d *DB) GetMessage(ctx context.Context, id string) (*store.Message, error) {
	m := &store.Message{}
	if err := d.db.QueryRowContext(ctx,
		`SELECT id, conversation_id, ord, active_branch_id FROM message WHERE id = ?`, id).
		Scan(&m.ID, &m.ConversationID, &m.Order, &m.ActiveBranchID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(store.ErrNotFound, "message %s", id)
		}
		return nil, errors.Wrap(err, "failed to get message")
	}

	rows, err := d.db.QueryContext(ctx, branchSelect+` WHERE message_id = ? ORDER BY created_ts, id`, id)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list branches")
	}
	defer rows.Close()
	for rows.Next() {
		branch, _, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		m.Branches = append(m.Branches, branch)
	}
	return m, rows.Err()
}

func (d *DB) ListMessages(ctx context.Context, conversationID string) ([]*store.Message, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, conversation_id, ord, active_branch_id FROM message WHERE conversation_id = ? ORDER BY ord`,
		conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}
	defer rows.Close()

	list := make([]*store.Message, 0)
	byID := make(map[string]*store.Message)
	for rows.Next() {
		m := &store.Message{}
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Order, &m.ActiveBranchID); err != nil {
			return nil, errors.Wrap(err, "failed to scan message")
		}
		list = append(list, m)
		byID[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	branchRows, err := d.db.QueryContext(ctx, branchSelect+`
		WHERE message_id IN (SELECT id FROM message WHERE conversation_id = ?)
		ORDER BY created_ts, id`, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list branches")
	}
	defer branchRows.Close()
	for branchRows.Next() {
		branch, messageID, err := scanBranch(branchRows)
		if err != nil {
			return nil, err
		}
		if m, ok := byID[messageID]; ok {
			m.Branches = append(m.Branches, branch)
		}
	}
	return list, branchRows.Err()
}

func (d *DB) AddMessageBranch(ctx context.Context, messageID string, branch *store.Branch) error {
	return insertBranch(ctx, d.db, messageID, branch)
}

func (d *DB) UpdateMessageContent(ctx context.Context, messageID, branchID, content string, blocks []store.ContentBlock) error {
	contentBlocks, err := marshalNullable(blocks)
	if err != nil {
		return err
	}
	result, err := d.db.ExecContext(ctx,
		`UPDATE branch SET content = ?, content_blocks = ? WHERE id = ? AND message_id = ?`,
		content, contentBlocks, branchID, messageID)
	if err != nil {
		return errors.Wrap(err, "failed to update branch content")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Wrapf(store.ErrNotFound, "branch %s on message %s", branchID, messageID)
	}
	return nil
}

func (d *DB) UpdateMessageBranch(ctx context.Context, update *store.UpdateBranch) error {
	set, args := []string{}, []any{}
	if update.HiddenFromAI != nil {
		set, args = append(set, "hidden_from_ai = ?"), append(args, *update.HiddenFromAI)
	}
	if update.PrivateToUserID != nil {
		set, args = append(set, "private_to_user_id = ?"), append(args, *update.PrivateToUserID)
	}
	if update.Model != nil {
		set, args = append(set, "model = ?"), append(args, *update.Model)
	}
	if len(set) == 0 {
		return errors.New("no fields to update")
	}

	args = append(args, update.BranchID, update.MessageID)
	result, err := d.db.ExecContext(ctx,
		`UPDATE branch SET `+strings.Join(set, ", ")+` WHERE id = ? AND message_id = ?`, args...)
	if err != nil {
		return errors.Wrap(err, "failed to update branch")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Wrapf(store.ErrNotFound, "branch %s on message %s", update.BranchID, update.MessageID)
	}
	return nil
}

func (d *DB) SetActiveBranch(ctx context.Context, messageID, branchID string) error {
	result, err := d.db.ExecContext(ctx,
		`UPDATE message SET active_branch_id = ? WHERE id = ?`, branchID, messageID)
	if err != nil {
		return errors.Wrap(err, "failed to set active branch")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Wrapf(store.ErrNotFound, "message %s", messageID)
	}
	return nil
}

func (d *DB) DeleteBranch(ctx context.Context, messageID, branchID string) error {
	result, err := d.db.ExecContext(ctx,
		`DELETE FROM branch WHERE id = ? AND message_id = ?`, branchID, messageID)
	if err != nil {
		return errors.Wrap(err, "failed to delete branch")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return errors.Wrapf(store.ErrNotFound, "branch %s on message %s", branchID, messageID)
	}
	return nil
}

func (d *DB) DeleteMessage(ctx context.Context, messageID string) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "failed to begin tx")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM branch WHERE message_id = ?`, messageID); err != nil {
		return errors.Wrap(err, "failed to delete branches")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM message WHERE id = ?`, messageID); err != nil {
		return errors.Wrap(err, "failed to delete message")
	}
	return errors.Wrap(tx.Commit(), "failed to commit delete")
}

const branchSelect = `SELECT id, message_id, parent_branch_id, content, content_blocks, role,
	participant_id, model, hidden_from_ai, private_to_user_id, created_ts, attachments FROM branch`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertBranch(ctx context.Context, db execer, messageID string, branch *store.Branch) error {
	blocks, err := marshalNullable(branch.ContentBlocks)
	if err != nil {
		return err
	}
	attachments, err := marshalNullable(branch.Attachments)
	if err != nil {
		return err
	}
	parent := branch.ParentBranchID
	if parent == "" {
		parent = store.RootParentID
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO branch (id, message_id, parent_branch_id, content, content_blocks, role,
			participant_id, model, hidden_from_ai, private_to_user_id, created_ts, attachments)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		branch.ID, messageID, parent, branch.Content, blocks, string(branch.Role),
		branch.ParticipantID, branch.Model, branch.HiddenFromAI, branch.PrivateToUserID,
		branch.CreatedTs, attachments); err != nil {
		return errors.Wrap(err, "failed to insert branch")
	}
	return nil
}

func scanBranch(row rowScanner) (*store.Branch, string, error) {
	b := &store.Branch{}
	var messageID, role string
	var blocks, attachments sql.NullString
	if err := row.Scan(&b.ID, &messageID, &b.ParentBranchID, &b.Content, &blocks, &role,
		&b.ParticipantID, &b.Model, &b.HiddenFromAI, &b.PrivateToUserID, &b.CreatedTs, &attachments); err != nil {
		return nil, "", errors.Wrap(err, "failed to scan branch")
	}
	b.Role = store.Role(role)
	if blocks.Valid && blocks.String != "" {
		if err := json.Unmarshal([]byte(blocks.String), &b.ContentBlocks); err != nil {
			return nil, "", errors.Wrap(err, "failed to unmarshal content blocks")
		}
	}
	if attachments.Valid && attachments.String != "" {
		if err := json.Unmarshal([]byte(attachments.String), &b.Attachments); err != nil {
			return nil, "", errors.Wrap(err, "failed to unmarshal attachments")
		}
	}
	return b, messageID, nil
}
