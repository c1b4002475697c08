package database

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	username TEXT PRIMARY KEY,
	password_hash TEXT NOT NULL,
	is_admin BOOLEAN DEFAULT 0,
	profile_ref TEXT DEFAULT '',
	last_login_at DATETIME,
	banned BOOLEAN DEFAULT 0,
	warning TEXT DEFAULT ''
);
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	author TEXT NOT NULL,
	body TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	edited_at DATETIME,
	parent_id INTEGER,
	deleted BOOLEAN DEFAULT 0,
	FOREIGN KEY (parent_id) REFERENCES messages(id)
);
-- Overlays are keyed by message id, never by log position, so an earlier
-- delete or edit cannot shift annotations onto the wrong line.
CREATE TABLE IF NOT EXISTS reactions (
	message_id INTEGER NOT NULL,
	emoji TEXT NOT NULL,
	username TEXT NOT NULL,
	created_at DATETIME,
	PRIMARY KEY (message_id, emoji, username),
	FOREIGN KEY (message_id) REFERENCES messages(id)
);
CREATE TABLE IF NOT EXISTS pins (
	message_id INTEGER PRIMARY KEY,
	created_at DATETIME,
	FOREIGN KEY (message_id) REFERENCES messages(id)
);
CREATE TABLE IF NOT EXISTS receipts (
	message_id INTEGER NOT NULL,
	username TEXT NOT NULL,
	read_at DATETIME,
	PRIMARY KEY (message_id, username),
	FOREIGN KEY (message_id) REFERENCES messages(id)
);
-- Singleton row, id constrained to 1.
CREATE TABLE IF NOT EXISTS chat_mode (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	posting TEXT NOT NULL DEFAULT 'open',
	access TEXT NOT NULL DEFAULT 'open'
);
CREATE TABLE IF NOT EXISTS mod_actions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME NOT NULL,
	moderator TEXT NOT NULL,
	action TEXT NOT NULL,
	target TEXT,
	details TEXT
);

-- --- INDEXES ---
CREATE INDEX IF NOT EXISTS idx_messages_parent ON messages(parent_id);
CREATE INDEX IF NOT EXISTS idx_messages_author ON messages(author);
CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
CREATE INDEX IF NOT EXISTS idx_reactions_message ON reactions(message_id);
CREATE INDEX IF NOT EXISTS idx_receipts_message ON receipts(message_id);
CREATE INDEX IF NOT EXISTS idx_mod_actions_time ON mod_actions(timestamp DESC);
`
