// parlor/database/migrations.go
package database

// migration represents a single database schema migration.
type migration struct {
	Version uint
	Query   string
}

// allMigrations holds all schema changes in order.
var allMigrations = []migration{
	{
		Version: 1,
		Query: `
-- Client-supplied request identifier so a retried send after a storage
-- failure cannot append the same message twice.
ALTER TABLE messages ADD COLUMN client_token TEXT;
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_token
	ON messages(client_token) WHERE client_token IS NOT NULL AND client_token != '';
		`,
	},
}
