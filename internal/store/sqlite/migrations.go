package sqlite

type migration struct {
	version int
	sql     string
}

// migrations must stay ordered by version.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE accounts (
	id               TEXT PRIMARY KEY,
	user_id          TEXT NOT NULL,
	token            TEXT NOT NULL DEFAULT '',
	provider         TEXT NOT NULL,
	email_address    TEXT NOT NULL DEFAULT '',
	name             TEXT NOT NULL DEFAULT '',
	next_delta_token TEXT,
	sync_status      TEXT NOT NULL DEFAULT 'NO_CURSOR',
	last_error       TEXT NOT NULL DEFAULT '',
	last_synced_at   DATETIME,
	created_at       DATETIME NOT NULL,
	updated_at       DATETIME NOT NULL
);
CREATE INDEX idx_accounts_user_id ON accounts(user_id);

CREATE TABLE email_addresses (
	id         TEXT PRIMARY KEY,
	account_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	address    TEXT NOT NULL,
	name       TEXT NOT NULL DEFAULT '',
	raw        TEXT NOT NULL DEFAULT '',
	UNIQUE (account_id, address)
);

CREATE TABLE threads (
	id                TEXT PRIMARY KEY,
	account_id        TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
	subject           TEXT NOT NULL DEFAULT '',
	last_message_date DATETIME NOT NULL,
	participant_ids   TEXT NOT NULL DEFAULT '[]',
	inbox_status      INTEGER NOT NULL DEFAULT 1,
	sent_status       INTEGER NOT NULL DEFAULT 0,
	draft_status      INTEGER NOT NULL DEFAULT 0,
	done              INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX idx_threads_account_date ON threads(account_id, last_message_date);

CREATE TABLE emails (
	id                  TEXT PRIMARY KEY,
	thread_id           TEXT NOT NULL REFERENCES threads(id) ON DELETE CASCADE,
	created_time        DATETIME NOT NULL,
	last_modified_time  DATETIME NOT NULL,
	sent_at             DATETIME NOT NULL,
	received_at         DATETIME NOT NULL,
	internet_message_id TEXT NOT NULL DEFAULT '',
	subject             TEXT NOT NULL DEFAULT '',
	sys_labels          TEXT NOT NULL DEFAULT '[]',
	keywords            TEXT NOT NULL DEFAULT '[]',
	sys_classifications TEXT NOT NULL DEFAULT '[]',
	sensitivity         TEXT NOT NULL DEFAULT '',
	from_id             TEXT NOT NULL DEFAULT '',
	has_attachments     INTEGER NOT NULL DEFAULT 0,
	body                TEXT NOT NULL DEFAULT '',
	body_snippet        TEXT NOT NULL DEFAULT '',
	in_reply_to         TEXT NOT NULL DEFAULT '',
	references_header   TEXT NOT NULL DEFAULT '',
	thread_index        TEXT NOT NULL DEFAULT '',
	native_properties   TEXT NOT NULL DEFAULT '{}',
	folder_id           TEXT NOT NULL DEFAULT '',
	omitted             TEXT NOT NULL DEFAULT '[]',
	email_label         TEXT NOT NULL DEFAULT 'inbox'
);
CREATE INDEX idx_emails_thread_id ON emails(thread_id);

CREATE TABLE email_recipients (
	email_id   TEXT NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
	address_id TEXT NOT NULL REFERENCES email_addresses(id) ON DELETE CASCADE,
	role       TEXT NOT NULL,
	PRIMARY KEY (email_id, address_id, role)
);

CREATE TABLE email_attachments (
	id         TEXT PRIMARY KEY,
	email_id   TEXT NOT NULL REFERENCES emails(id) ON DELETE CASCADE,
	name       TEXT NOT NULL DEFAULT '',
	mime_type  TEXT NOT NULL DEFAULT '',
	size       INTEGER NOT NULL DEFAULT 0,
	inline     INTEGER NOT NULL DEFAULT 0,
	content_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE outbox (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	ts              INTEGER NOT NULL,
	subject         TEXT NOT NULL,
	event_type      TEXT NOT NULL,
	payload         BLOB NOT NULL,
	msg_id          TEXT NOT NULL UNIQUE,
	retries         INTEGER NOT NULL DEFAULT 0,
	next_attempt_at INTEGER NOT NULL,
	published_at    INTEGER
);
CREATE INDEX idx_outbox_pending ON outbox(published_at, next_attempt_at);
`,
	},
}
