package postgres

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/hrygo/branchtalk/store"
)

func (d *DB) CreateUser(ctx context.Context, create *store.User) (*store.User, error) {
	args := []any{create.ID, create.Username, create.Email, create.DisplayName, create.AgeVerified, create.CreatedTs}
	stmt := `INSERT INTO user_account (id, username, email, display_name, age_verified, created_ts)
		VALUES (` + placeholders(len(args)) + `)`
	if _, err := d.db.ExecContext(ctx, stmt, args...); err != nil {
		return nil, errors.Wrap(err, "failed to create user")
	}
	return create, nil
}

func (d *DB) GetUser(ctx context.Context, id string) (*store.User, error) {
	return d.getUser(ctx, "id = $1", id)
}

func (d *DB) GetUserByUsername(ctx context.Context, username string) (*store.User, error) {
	return d.getUser(ctx, "username = $1", username)
}

func (d *DB) getUser(ctx context.Context, condition string, arg any) (*store.User, error) {
	u := &store.User{}
	stmt := `SELECT id, username, email, display_name, age_verified, created_ts FROM user_account WHERE ` + condition
	if err := d.db.QueryRowContext(ctx, stmt, arg).
		Scan(&u.ID, &u.Username, &u.Email, &u.DisplayName, &u.AgeVerified, &u.CreatedTs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrap(store.ErrNotFound, "user")
		}
		return nil, errors.Wrap(err, "failed to get user")
	}
	return u, nil
}

func (d *DB) GetAccessToken(ctx context.Context, id string) (*store.AccessToken, error) {
	t := &store.AccessToken{}
	if err := d.db.QueryRowContext(ctx,
		`SELECT id, user_id, secret_hash, created_ts FROM access_token WHERE id = $1`, id).
		Scan(&t.ID, &t.UserID, &t.SecretHash, &t.CreatedTs); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrap(store.ErrNotFound, "access token")
		}
		return nil, errors.Wrap(err, "failed to get access token")
	}
	return t, nil
}

func (d *DB) CreateAccessToken(ctx context.Context, create *store.AccessToken) (*store.AccessToken, error) {
	if _, err := d.db.ExecContext(ctx,
		`INSERT INTO access_token (id, user_id, secret_hash, created_ts) VALUES ($1, $2, $3, $4)`,
		create.ID, create.UserID, create.SecretHash, create.CreatedTs); err != nil {
		return nil, errors.Wrap(err, "failed to create access token")
	}
	return create, nil
}

func (d *DB) ListUserAPIKeys(ctx context.Context, userID string) ([]*store.APIKey, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT id, user_id, provider, created_ts FROM api_key WHERE user_id = $1 ORDER BY created_ts`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list api keys")
	}
	defer rows.Close()

	list := make([]*store.APIKey, 0)
	for rows.Next() {
		k := &store.APIKey{}
		if err := rows.Scan(&k.ID, &k.UserID, &k.Provider, &k.CreatedTs); err != nil {
			return nil, errors.Wrap(err, "failed to scan api key")
		}
		list = append(list, k)
	}
	return list, rows.Err()
}

func (d *DB) GetUserGrantSummary(ctx context.Context, userID string) (*store.GrantSummary, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT currency, balance FROM grant_balance WHERE user_id = $1`, userID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to get grant summary")
	}
	defer rows.Close()

	summary := &store.GrantSummary{UserID: userID, Balances: make(map[string]float64)}
	for rows.Next() {
		var currency string
		var balance float64
		if err := rows.Scan(&currency, &balance); err != nil {
			return nil, errors.Wrap(err, "failed to scan grant balance")
		}
		summary.Balances[currency] = balance
	}
	return summary, rows.Err()
}

// DebitGrant subtracts from the bucket, creating it when absent. Balances may
// go negative; the credit gate stops further spend afterwards.
func (d *DB) DebitGrant(ctx context.Context, userID, currency string, amount float64) error {
	stmt := `INSERT INTO grant_balance (user_id, currency, balance) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, currency) DO UPDATE SET balance = grant_balance.balance + excluded.balance`
	if _, err := d.db.ExecContext(ctx, stmt, userID, currency, -amount); err != nil {
		return errors.Wrap(err, "failed to debit grant")
	}
	return nil
}

func (d *DB) UserHasCapability(ctx context.Context, userID, capability string) (bool, error) {
	var exists bool
	if err := d.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM user_capability WHERE user_id = $1 AND capability = $2)`,
		userID, capability).Scan(&exists); err != nil {
		return false, errors.Wrap(err, "failed to check capability")
	}
	return exists, nil
}

// GetPermission resolves the explicit grant, falling back to full access for
// the conversation owner and none for everyone else.
func (d *DB) GetPermission(ctx context.Context, conversationID, userID string) (*store.Permission, error) {
	p := &store.Permission{}
	err := d.db.QueryRowContext(ctx,
		`SELECT can_chat, can_delete FROM conversation_permission WHERE conversation_id = $1 AND user_id = $2`,
		conversationID, userID).Scan(&p.CanChat, &p.CanDelete)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(err, "failed to get permission")
	}

	var ownerID string
	if err := d.db.QueryRowContext(ctx,
		`SELECT owner_id FROM conversation WHERE id = $1`, conversationID).Scan(&ownerID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.Wrapf(store.ErrNotFound, "conversation %s", conversationID)
		}
		return nil, errors.Wrap(err, "failed to get conversation owner")
	}
	if ownerID == userID {
		return &store.Permission{CanChat: true, CanDelete: true}, nil
	}
	return &store.Permission{}, nil
}
