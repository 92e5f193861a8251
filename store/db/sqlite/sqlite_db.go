// Package sqlite implements store.Driver on SQLite. It is the default driver
// for development and single-node deployments; postgres is the production
// counterpart.
package sqlite

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	// Import the SQLite driver.
	_ "modernc.org/sqlite"

	"github.com/hrygo/branchtalk/internal/profile"
	"github.com/hrygo/branchtalk/store"
)

type DB struct {
	db      *sql.DB
	profile *profile.Profile
}

// NewDB opens the SQLite database at profile.DSN.
//
// Notes on the pragmas:
// - busy_timeout avoids immediate SQLITE_BUSY under the WAL writer lock;
// - WAL journal mode is the recommended mode for server workloads;
// - with the `modernc.org/sqlite` driver, each pragma is prefixed `_pragma=`.
func NewDB(profile *profile.Profile) (store.Driver, error) {
	if profile.DSN == "" {
		return nil, errors.New("dsn required")
	}

	sqliteDB, err := sql.Open("sqlite", profile.DSN+"?_pragma=foreign_keys(0)&_pragma=busy_timeout(10000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open db with dsn: %s", profile.DSN)
	}

	// A single connection is optimal for SQLite with WAL.
	sqliteDB.SetMaxOpenConns(1)
	sqliteDB.SetMaxIdleConns(1)
	sqliteDB.SetConnMaxLifetime(0)
	sqliteDB.SetConnMaxIdleTime(0)

	return &DB{db: sqliteDB, profile: profile}, nil
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
	archived INTEGER NOT NULL DEFAULT 0,
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
	is_active INTEGER NOT NULL DEFAULT 1,
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
	hidden_from_ai INTEGER NOT NULL DEFAULT 0,
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
	age_verified INTEGER NOT NULL DEFAULT 0,
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
	balance REAL NOT NULL DEFAULT 0,
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
	can_chat INTEGER NOT NULL DEFAULT 0,
	can_delete INTEGER NOT NULL DEFAULT 0,
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
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	model TEXT NOT NULL DEFAULT '',
	input_tokens INTEGER NOT NULL DEFAULT 0,
	output_tokens INTEGER NOT NULL DEFAULT 0,
	cost REAL NOT NULL DEFAULT 0,
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
