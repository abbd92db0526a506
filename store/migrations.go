package store

import (
	"context"
	"database/sql"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS accounts (
	id uuid NOT NULL PRIMARY KEY,
	local boolean NOT NULL DEFAULT 0,
	username varchar(100) NOT NULL,
	domain varchar(255) NOT NULL,
	url varchar(500) NOT NULL,
	inbox_url varchar(500) NOT NULL DEFAULT '',
	shared_inbox_url varchar(500) NOT NULL DEFAULT '',
	outbox_url varchar(500) NOT NULL DEFAULT '',
	followers_url varchar(500) NOT NULL DEFAULT '',
	following_url varchar(500) NOT NULL DEFAULT '',
	public_key_id varchar(500) NOT NULL DEFAULT '',
	public_key_pem text NOT NULL DEFAULT '',
	actor_type varchar(20) NOT NULL DEFAULT 'Person',
	display_name varchar(500) NOT NULL DEFAULT '',
	note text NOT NULL DEFAULT '',
	locked boolean NOT NULL DEFAULT 0,
	avatar_id uuid,
	header_id uuid,
	created_at timestamp NOT NULL DEFAULT current_timestamp,
	updated_at timestamp NOT NULL DEFAULT current_timestamp
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_url ON accounts(url);
CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_username_domain ON accounts(username COLLATE NOCASE, domain COLLATE NOCASE);
CREATE INDEX IF NOT EXISTS idx_accounts_domain ON accounts(domain);

CREATE TABLE IF NOT EXISTS local_users (
	id uuid NOT NULL PRIMARY KEY,
	account_id uuid NOT NULL UNIQUE,
	email varchar(320) NOT NULL UNIQUE,
	password_hash varchar(255) NOT NULL,
	private_key_pem text NOT NULL,
	confirmation_token varchar(100) NOT NULL DEFAULT '',
	confirmed_at timestamp
);

CREATE TABLE IF NOT EXISTS posts (
	id uuid NOT NULL PRIMARY KEY,
	account_id uuid NOT NULL,
	in_reply_to_id uuid,
	reposted_post_id uuid,
	is_sensitive boolean NOT NULL DEFAULT 0,
	subject varchar(500) NOT NULL DEFAULT '',
	content text NOT NULL DEFAULT '',
	content_source text NOT NULL DEFAULT '',
	content_lang varchar(10) NOT NULL DEFAULT '',
	link_preview_url varchar(500) NOT NULL DEFAULT '',
	visibility varchar(20) NOT NULL DEFAULT 'public',
	is_local boolean NOT NULL DEFAULT 0,
	url varchar(500) NOT NULL,
	created_at timestamp NOT NULL DEFAULT current_timestamp,
	updated_at timestamp NOT NULL DEFAULT current_timestamp
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_posts_url ON posts(url);
CREATE INDEX IF NOT EXISTS idx_posts_account_id ON posts(account_id);
CREATE INDEX IF NOT EXISTS idx_posts_in_reply_to_id ON posts(in_reply_to_id);
CREATE INDEX IF NOT EXISTS idx_posts_reposted_post_id ON posts(reposted_post_id);
CREATE INDEX IF NOT EXISTS idx_posts_created_at ON posts(created_at DESC);

CREATE TABLE IF NOT EXISTS follows (
	id uuid NOT NULL PRIMARY KEY,
	account_id uuid NOT NULL,
	follower_id uuid NOT NULL,
	url varchar(500) NOT NULL,
	approved_at timestamp,
	notify boolean NOT NULL DEFAULT 0,
	created_at timestamp NOT NULL DEFAULT current_timestamp
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_follows_account_follower ON follows(account_id, follower_id);
CREATE UNIQUE INDEX IF NOT EXISTS idx_follows_url ON follows(url);
CREATE INDEX IF NOT EXISTS idx_follows_follower_id ON follows(follower_id);

CREATE TABLE IF NOT EXISTS favourites (
	id uuid NOT NULL PRIMARY KEY,
	account_id uuid NOT NULL,
	post_id uuid NOT NULL,
	url varchar(500) NOT NULL,
	created_at timestamp NOT NULL DEFAULT current_timestamp
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_favourites_account_post ON favourites(account_id, post_id);
CREATE INDEX IF NOT EXISTS idx_favourites_post_id ON favourites(post_id);

CREATE TABLE IF NOT EXISTS mentions (
	post_id uuid NOT NULL,
	account_id uuid NOT NULL,
	mention_text varchar(500) NOT NULL DEFAULT '',
	PRIMARY KEY (post_id, account_id)
);
CREATE INDEX IF NOT EXISTS idx_mentions_account_id ON mentions(account_id);

CREATE TABLE IF NOT EXISTS media_attachments (
	id uuid NOT NULL PRIMARY KEY,
	account_id uuid,
	post_id uuid,
	content_type varchar(100) NOT NULL DEFAULT '',
	description varchar(1500) NOT NULL DEFAULT '',
	blurhash varchar(100) NOT NULL DEFAULT '',
	file_path varchar(500) NOT NULL DEFAULT '',
	remote_url varchar(500) NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_media_attachments_post_id ON media_attachments(post_id);

CREATE TABLE IF NOT EXISTS custom_emojis (
	id uuid NOT NULL PRIMARY KEY,
	shortcode varchar(100) NOT NULL,
	domain varchar(255) NOT NULL DEFAULT '',
	remote_id varchar(500) NOT NULL DEFAULT '',
	media_attachment_id uuid NOT NULL,
	endorsed boolean NOT NULL DEFAULT 0,
	created_at timestamp NOT NULL DEFAULT current_timestamp,
	updated_at timestamp NOT NULL DEFAULT current_timestamp
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_custom_emojis_shortcode_domain ON custom_emojis(shortcode COLLATE NOCASE, domain COLLATE NOCASE);
CREATE UNIQUE INDEX IF NOT EXISTS idx_custom_emojis_remote_id ON custom_emojis(remote_id) WHERE remote_id != '';

CREATE TABLE IF NOT EXISTS job_queue (
	id uuid NOT NULL PRIMARY KEY,
	payload blob NOT NULL,
	fail_count int NOT NULL DEFAULT 0,
	run_at timestamp NOT NULL,
	claimed_by varchar(100),
	lease_expires_at timestamp,
	created_at timestamp NOT NULL DEFAULT current_timestamp
);
CREATE INDEX IF NOT EXISTS idx_job_queue_run_at ON job_queue(run_at);
CREATE INDEX IF NOT EXISTS idx_job_queue_lease_expires_at ON job_queue(lease_expires_at);
`

// migrate applies the schema idempotently (every statement is IF NOT
// EXISTS), mirroring the teacher's CreateDB-within-a-transaction pattern.
func (d *DB) migrate() error {
	return d.wrapTransaction(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.Exec(schemaSQL)
		return err
	})
}
