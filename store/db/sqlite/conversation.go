package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/hrygo/branchtalk/store"
)

func (d *DB) CreateConversation(ctx context.Context, create *store.Conversation) (*store.Conversation, error) {
	settings, err := json.Marshal(create.Settings)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal settings")
	}
	stmt := `INSERT INTO conversation (id, owner_id, title, model, format, settings, archived, created_ts, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := d.db.ExecContext(ctx, stmt,
		create.ID, create.OwnerID, create.Title, create.Model, string(create.Format),
		string(settings), create.Archived, create.CreatedTs, create.UpdatedTs); err != nil {
		return nil, errors.Wrap(err, "failed to create conversation")
	}
	return create, nil
}

func (d *DB) GetConversation(ctx context.Context, id string) (*store.Conversation, error) {
	stmt := `SELECT id, owner_id, title, model, format, settings, archived, created_ts, updated_ts
		FROM conversation WHERE id = ?`
	conversation, err := scanConversation(d.db.QueryRowContext(ctx, stmt, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(store.ErrNotFound, "conversation %s", id)
		}
		return nil, err
	}
	return conversation, nil
}

func (d *DB) ListConversations(ctx context.Context, find *store.FindConversation) ([]*store.Conversation, error) {
	where, args := []string{"1 = 1"}, []any{}
	if find.ID != nil {
		where, args = append(where, "id = ?"), append(args, *find.ID)
	}
	if find.OwnerID != nil {
		where, args = append(where, "owner_id = ?"), append(args, *find.OwnerID)
	}
	if find.Archived != nil {
		where, args = append(where, "archived = ?"), append(args, *find.Archived)
	}

	stmt := `SELECT id, owner_id, title, model, format, settings, archived, created_ts, updated_ts
		FROM conversation WHERE ` + strings.Join(where, " AND ") + ` ORDER BY updated_ts DESC`
	rows, err := d.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list conversations")
	}
	defer rows.Close()

	list := make([]*store.Conversation, 0)
	for rows.Next() {
		conversation, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, conversation)
	}
	return list, rows.Err()
}

func (d *DB) UpdateConversation(ctx context.Context, update *store.UpdateConversation) (*store.Conversation, error) {
	set, args := []string{}, []any{}
	if update.Title != nil {
		set, args = append(set, "title = ?"), append(args, *update.Title)
	}
	if update.Model != nil {
		set, args = append(set, "model = ?"), append(args, *update.Model)
	}
	if update.Settings != nil {
		settings, err := json.Marshal(*update.Settings)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal settings")
		}
		set, args = append(set, "settings = ?"), append(args, string(settings))
	}
	if update.Archived != nil {
		set, args = append(set, "archived = ?"), append(args, *update.Archived)
	}
	if update.UpdatedTs != nil {
		set, args = append(set, "updated_ts = ?"), append(args, *update.UpdatedTs)
	}
	if len(set) == 0 {
		return nil, errors.New("no fields to update")
	}

	args = append(args, update.ID)
	stmt := `UPDATE conversation SET ` + strings.Join(set, ", ") + ` WHERE id = ?`
	result, err := d.db.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to update conversation")
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, errors.Wrapf(store.ErrNotFound, "conversation %s", update.ID)
	}
	return d.GetConversation(ctx, update.ID)
}

func (d *DB) CreateParticipant(ctx context.Context, create *store.Participant) (*store.Participant, error) {
	settings, err := marshalNullable(create.Settings)
	if err != nil {
		return nil, err
	}
	stmt := `INSERT INTO participant (id, conversation_id, name, role, model, system_prompt, mode, is_active, settings)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := d.db.ExecContext(ctx, stmt,
		create.ID, create.ConversationID, create.Name, string(create.Role), create.Model,
		create.SystemPrompt, string(create.Mode), create.IsActive, settings); err != nil {
		return nil, errors.Wrap(err, "failed to create participant")
	}
	return create, nil
}

func (d *DB) GetParticipant(ctx context.Context, id string) (*store.Participant, error) {
	stmt := `SELECT id, conversation_id, name, role, model, system_prompt, mode, is_active, settings
		FROM participant WHERE id = ?`
	participant, err := scanParticipant(d.db.QueryRowContext(ctx, stmt, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(store.ErrNotFound, "participant %s", id)
		}
		return nil, err
	}
	return participant, nil
}

func (d *DB) ListParticipants(ctx context.Context, conversationID string) ([]*store.Participant, error) {
	stmt := `SELECT id, conversation_id, name, role, model, system_prompt, mode, is_active, settings
		FROM participant WHERE conversation_id = ? ORDER BY id`
	rows, err := d.db.QueryContext(ctx, stmt, conversationID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list participants")
	}
	defer rows.Close()

	list := make([]*store.Participant, 0)
	for rows.Next() {
		participant, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, participant)
	}
	return list, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*store.Conversation, error) {
	c := &store.Conversation{}
	var format, settings string
	if err := row.Scan(&c.ID, &c.OwnerID, &c.Title, &c.Model, &format, &settings,
		&c.Archived, &c.CreatedTs, &c.UpdatedTs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan conversation")
	}
	c.Format = store.Format(format)
	if err := json.Unmarshal([]byte(settings), &c.Settings); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal settings")
	}
	return c, nil
}

func scanParticipant(row rowScanner) (*store.Participant, error) {
	p := &store.Participant{}
	var role, mode string
	var settings sql.NullString
	if err := row.Scan(&p.ID, &p.ConversationID, &p.Name, &role, &p.Model,
		&p.SystemPrompt, &mode, &p.IsActive, &settings); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to scan participant")
	}
	p.Role = store.Role(role)
	p.Mode = store.ConversationMode(mode)
	if settings.Valid && settings.String != "" {
		s := &store.Settings{}
		if err := json.Unmarshal([]byte(settings.String), s); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal participant settings")
		}
		p.Settings = s
	}
	return p, nil
}

func marshalNullable(v any) (any, error) {
	switch value := v.(type) {
	case *store.Settings:
		if value == nil {
			return nil, nil
		}
	case []store.ContentBlock:
		if len(value) == 0 {
			return nil, nil
		}
	case []store.Attachment:
		if len(value) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal json column")
	}
	return string(data), nil
}
