// Package postgres implements store.Driver on PostgreSQL, the production
// driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	// Import the PostgreSQL driver.
	_ "github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/hrygo/branchtalk/internal/profile"
	"github.com/hrygo/branchtalk/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens a connection pool against profile.DSN.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}
	postgresDB, err := sql.Open("postgres", profile.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}
	return &DB{db: postgresDB, profile: profile}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS conversation (
	id TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL,
	title TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	format TEXT NOT NULL DEFAULT 'standard',
	settings TEXT NOT NULL DEFAULT '{}',
	archived BOOLEAN NOT NULL DEFAULT FALSE,
	created_ts BIGINT NOT NULL DEFAULT 0,
	updated_ts BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS participant (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	name TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	system_prompt TEXT NOT NULL DEFAULT '',
	mode TEXT NOT NULL DEFAULT '',
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	settings TEXT
);
CREATE INDEX IF NOT EXISTS idx_participant_conversation ON participant (conversation_id);

CREATE TABLE IF NOT EXISTS message (
	id TEXT PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	ord INTEGER NOT NULL,
	active_branch_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_message_conversation ON message (conversation_id, ord);

CREATE TABLE IF NOT EXISTS branch (
	id TEXT PRIMARY KEY,
	message_id TEXT NOT NULL,
	parent_branch_id TEXT NOT NULL DEFAULT 'root',
	content TEXT NOT NULL DEFAULT '',
	content_blocks TEXT,
	role TEXT NOT NULL,
	participant_id TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	hidden_from_ai BOOLEAN NOT NULL DEFAULT FALSE,
	private_to_user_id TEXT NOT NULL DEFAULT '',
	created_ts BIGINT NOT NULL DEFAULT 0,
	attachments TEXT
);
CREATE INDEX IF NOT EXISTS idx_branch_message ON branch (message_id);

CREATE TABLE IF NOT EXISTS user_account (
	id TEXT PRIMARY KEY,
	username TEXT NOT NULL UNIQUE,
	email TEXT NOT NULL DEFAULT '',
	display_name TEXT NOT NULL DEFAULT '',
	age_verified BOOLEAN NOT NULL DEFAULT FALSE,
	created_ts BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS access_token (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	secret_hash TEXT NOT NULL,
	created_ts BIGINT NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS api_key (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	provider TEXT NOT NULL,
	created_ts BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_api_key_user ON api_key (user_id);

CREATE TABLE IF NOT EXISTS grant_balance (
	user_id TEXT NOT NULL,
	currency TEXT NOT NULL,
	balance DOUBLE PRECISION NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, currency)
);

CREATE TABLE IF NOT EXISTS user_capability (
	user_id TEXT NOT NULL,
	capability TEXT NOT NULL,
	PRIMARY KEY (user_id, capability)
);

CREATE TABLE IF NOT EXISTS conversation_permission (
	conversation_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	can_chat BOOLEAN NOT NULL DEFAULT FALSE,
	can_delete BOOLEAN NOT NULL DEFAULT FALSE,
	PRIMARY KEY (conversation_id, user_id)
);

CREATE TABLE IF NOT EXISTS ui_state (
	user_id TEXT NOT NULL,
	conversation_id TEXT NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	updated_ts BIGINT NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, conversation_id)
);

CREATE TABLE IF NOT EXISTS usage_metric (
	id BIGSERIAL PRIMARY KEY,
	conversation_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost DOUBLE PRECISION NOT NULL DEFAULT 0,
	currency TEXT NOT NULL DEFAULT '',
	created_ts BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_usage_metric_conversation ON usage_metric (conversation_id);
`

func (d *DB) Migrate(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return errors.Wrap(err, "failed to apply schema")
	}
	return nil
}

func placeholder(n int) string {
	return fmt.Sprintf("$%d", n)
}

func placeholders(n int) string {
	list := []string{}
	for i := 1; i <= n; i++ {
		list = append(list, placeholder(i))
	}
	return strings.Join(list, ", ")
}
