// parlor/database/database.go
package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"parlor/models"
	"parlor/utils"

	_ "github.com/mattn/go-sqlite3"
)

// DatabaseService is the central struct for all persistent state: the
// message log, its annotation overlays, the account registry, and the
// global chat mode.
type DatabaseService struct {
	DB     *sql.DB
	logger *slog.Logger
	policy models.GatePolicy
	locks  resourceLocks
}

// InitDB connects to the database, runs migrations, and seeds default data.
func InitDB(dataSourceName string, policy models.GatePolicy, logger *slog.Logger) (*DatabaseService, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, err
	}

	// Run the base schema to ensure all tables exist.
	if _, err = db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to execute base schema: %w", err)
	}

	// Run versioned migrations
	if err := runMigrations(db, logger); err != nil {
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	// Seed the chat mode singleton if absent
	if _, err := db.Exec("INSERT OR IGNORE INTO chat_mode (id, posting, access) VALUES (1, ?, ?)",
		models.PostingOpen, models.AccessOpen); err != nil {
		return nil, fmt.Errorf("failed to seed chat mode: %w", err)
	}

	logger.Info("Database initialized.")

	return &DatabaseService{
		DB:     db,
		logger: logger,
		policy: policy,
	}, nil
}

// Policy returns the gate policy this service enforces.
func (ds *DatabaseService) Policy() models.GatePolicy { return ds.policy }

// runMigrations applies all un-applied migrations.
func runMigrations(db *sql.DB, logger *slog.Logger) error {
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY, applied_at DATETIME)`); err != nil {
		return fmt.Errorf("could not create migrations table: %w", err)
	}

	var latestVersion uint
	err := db.QueryRow("SELECT version FROM schema_migrations ORDER BY version DESC LIMIT 1").Scan(&latestVersion)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("could not get db version: %w", err)
	}

	logger.Info("Current database schema version", "version", latestVersion)

	for _, m := range allMigrations {
		if m.Version > latestVersion {
			logger.Info("Applying migration", "version", m.Version)
			tx, err := db.Begin()
			if err != nil {
				return err
			}

			if _, err := tx.Exec(m.Query); err != nil {
				if rerr := tx.Rollback(); rerr != nil {
					logger.Error("Failed to rollback migration", "version", m.Version, "error", rerr)
				}
				return fmt.Errorf("failed to apply migration v%d: %w", m.Version, err)
			}
			if _, err := tx.Exec("INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)", m.Version, utils.GetSQLTime()); err != nil {
				if rerr := tx.Rollback(); rerr != nil {
					logger.Error("Failed to rollback migration record", "version", m.Version, "error", rerr)
				}
				return fmt.Errorf("failed to record migration v%d: %w", m.Version, err)
			}

			if err := tx.Commit(); err != nil {
				return fmt.Errorf("failed to commit migration v%d: %w", m.Version, err)
			}
			logger.Info("Successfully applied migration", "version", m.Version)
		}
	}
	return nil
}

// storageErr marks a persistence I/O failure so callers can distinguish it
// from moderation denials and retry safely.
func storageErr(err error) error {
	return fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err)
}

// rollback is the shared deferred-rollback helper for write transactions.
func (ds *DatabaseService) rollback(tx *sql.Tx, op string) {
	if rerr := tx.Rollback(); rerr != nil && rerr != sql.ErrTxDone {
		ds.logger.Error("Failed to rollback transaction", "op", op, "error", rerr)
	}
}

// --- Account Registry ---

// GetAccount fetches a single account by username.
func (ds *DatabaseService) GetAccount(username string) (*models.Account, error) {
	var acct models.Account
	var lastLogin sql.NullTime
	err := ds.DB.QueryRow(`SELECT username, password_hash, is_admin, profile_ref, last_login_at, banned, warning
		FROM accounts WHERE username = ?`, username).Scan(
		&acct.Username, &acct.PasswordHash, &acct.IsAdmin, &acct.ProfileRef, &lastLogin, &acct.Banned, &acct.Warning)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, storageErr(err)
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		acct.LastLoginAt = &t
	}
	return &acct, nil
}

// EnsureAccount creates an account if it does not exist yet. Used to seed
// the founder identity and by the legacy importer.
func (ds *DatabaseService) EnsureAccount(username, passwordHash string, isAdmin bool) error {
	ds.locks.registry.Lock()
	defer ds.locks.registry.Unlock()

	_, err := ds.DB.Exec("INSERT OR IGNORE INTO accounts (username, password_hash, is_admin) VALUES (?, ?, ?)",
		username, passwordHash, isAdmin)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

// Authenticate verifies credentials against the registry and the chat
// access mode. Checked order: access lock (founder exempt), then the
// credential match, then the ban policy. By default a ban does not block
// login, only posting.
func (ds *DatabaseService) Authenticate(username, password string) (*models.Account, error) {
	mode, err := ds.GetChatMode()
	if err != nil {
		return nil, err
	}
	if err := ds.policy.CanLogin(username, false, mode); err != nil {
		return nil, err
	}

	acct, err := ds.GetAccount(username)
	if err != nil {
		if err == models.ErrNotFound {
			return nil, models.ErrBadCredentials
		}
		return nil, err
	}
	if !utils.CheckPassword(acct.PasswordHash, password) {
		return nil, models.ErrBadCredentials
	}

	if err := ds.policy.CanLogin(username, acct.Banned, mode); err != nil {
		return nil, err
	}
	return acct, nil
}

// RecordLogin stamps last_login_at and appends a system-authored log line
// carrying the previous login time, in one transaction.
func (ds *DatabaseService) RecordLogin(username string) (*models.Message, error) {
	ds.locks.registry.Lock()
	defer ds.locks.registry.Unlock()
	ds.locks.log.Lock()
	defer ds.locks.log.Unlock()

	tx, err := ds.DB.Begin()
	if err != nil {
		return nil, storageErr(err)
	}
	defer ds.rollback(tx, "RecordLogin")

	var prev sql.NullTime
	if err := tx.QueryRow("SELECT last_login_at FROM accounts WHERE username = ?", username).Scan(&prev); err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, storageErr(err)
	}
	if _, err := tx.Exec("UPDATE accounts SET last_login_at = ? WHERE username = ?", utils.GetSQLTime(), username); err != nil {
		return nil, storageErr(err)
	}

	lastSeen := "never"
	if prev.Valid {
		lastSeen = prev.Time.UTC().Format("2006-01-02 15:04:05 UTC")
	}
	msg, err := insertSystemMessage(tx, fmt.Sprintf("%s logged on (last login: %s)", username, lastSeen))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr(err)
	}
	return msg, nil
}

// RecordLogoff appends a system-authored logoff line.
func (ds *DatabaseService) RecordLogoff(username string) (*models.Message, error) {
	ds.locks.log.Lock()
	defer ds.locks.log.Unlock()

	tx, err := ds.DB.Begin()
	if err != nil {
		return nil, storageErr(err)
	}
	defer ds.rollback(tx, "RecordLogoff")

	msg, err := insertSystemMessage(tx, fmt.Sprintf("%s logged off", username))
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr(err)
	}
	return msg, nil
}

// SetBanned sets or clears the ban flag on an account. The founder identity
// can never be banned.
func (ds *DatabaseService) SetBanned(target string, banned bool, moderator string) error {
	if target == ds.policy.Founder {
		return models.ErrProtectedIdentity
	}

	ds.locks.registry.Lock()
	defer ds.locks.registry.Unlock()

	tx, err := ds.DB.Begin()
	if err != nil {
		return storageErr(err)
	}
	defer ds.rollback(tx, "SetBanned")

	res, err := tx.Exec("UPDATE accounts SET banned = ? WHERE username = ?", banned, target)
	if err != nil {
		return storageErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}

	action := "ban"
	if !banned {
		action = "unban"
	}
	if err := logModAction(tx, moderator, action, target, ""); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr(err)
	}
	return nil
}

// SetWarning attaches an advisory warning to an account, overwriting any
// prior one, and records the sanction in the log.
func (ds *DatabaseService) SetWarning(target, reason, moderator string) (*models.Message, error) {
	if target == ds.policy.Founder {
		return nil, models.ErrProtectedIdentity
	}

	ds.locks.registry.Lock()
	defer ds.locks.registry.Unlock()
	ds.locks.log.Lock()
	defer ds.locks.log.Unlock()

	tx, err := ds.DB.Begin()
	if err != nil {
		return nil, storageErr(err)
	}
	defer ds.rollback(tx, "SetWarning")

	res, err := tx.Exec("UPDATE accounts SET warning = ? WHERE username = ?", reason, target)
	if err != nil {
		return nil, storageErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, models.ErrNotFound
	}

	var msg *models.Message
	if reason != "" {
		msg, err = insertSystemMessage(tx, fmt.Sprintf("%s was warned: %s", target, reason))
		if err != nil {
			return nil, err
		}
	}
	if err := logModAction(tx, moderator, "warn", target, reason); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr(err)
	}
	return msg, nil
}

// GetWarning returns the active warning for a user, empty if none.
func (ds *DatabaseService) GetWarning(username string) (string, error) {
	var warning string
	err := ds.DB.QueryRow("SELECT warning FROM accounts WHERE username = ?", username).Scan(&warning)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", models.ErrNotFound
		}
		return "", storageErr(err)
	}
	return warning, nil
}

// listUsernames runs a single-column username query.
func (ds *DatabaseService) listUsernames(query string) ([]string, error) {
	rows, err := ds.DB.Query(query)
	if err != nil {
		return nil, storageErr(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in listUsernames", "error", err)
		}
	}()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			ds.logger.Error("Failed to scan username row", "error", err)
			continue
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return users, nil
}

// ListAdmins returns every admin username, sorted.
func (ds *DatabaseService) ListAdmins() ([]string, error) {
	return ds.listUsernames("SELECT username FROM accounts WHERE is_admin = 1 ORDER BY username")
}

// ListBanned returns every banned username, sorted.
func (ds *DatabaseService) ListBanned() ([]string, error) {
	return ds.listUsernames("SELECT username FROM accounts WHERE banned = 1 ORDER BY username")
}

// SetProfileRef updates the avatar reference on an account.
func (ds *DatabaseService) SetProfileRef(username, ref string) error {
	ds.locks.registry.Lock()
	defer ds.locks.registry.Unlock()

	res, err := ds.DB.Exec("UPDATE accounts SET profile_ref = ? WHERE username = ?", ref, username)
	if err != nil {
		return storageErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// --- Chat Mode ---

// GetChatMode reads the global moderation switch.
func (ds *DatabaseService) GetChatMode() (models.ChatMode, error) {
	var mode models.ChatMode
	err := ds.DB.QueryRow("SELECT posting, access FROM chat_mode WHERE id = 1").Scan(&mode.Posting, &mode.Access)
	if err != nil {
		return mode, storageErr(err)
	}
	return mode, nil
}

// SetChatMode updates the singleton. Empty posting/access leave that axis
// unchanged. The transition is recorded as a system-authored message in the
// same transaction so it is visible in the log.
func (ds *DatabaseService) SetChatMode(posting, access, moderator string) (models.ChatMode, *models.Message, error) {
	ds.locks.log.Lock()
	defer ds.locks.log.Unlock()
	ds.locks.mode.Lock()
	defer ds.locks.mode.Unlock()

	var mode models.ChatMode
	tx, err := ds.DB.Begin()
	if err != nil {
		return mode, nil, storageErr(err)
	}
	defer ds.rollback(tx, "SetChatMode")

	if err := tx.QueryRow("SELECT posting, access FROM chat_mode WHERE id = 1").Scan(&mode.Posting, &mode.Access); err != nil {
		return mode, nil, storageErr(err)
	}
	if posting != "" {
		mode.Posting = posting
	}
	if access != "" {
		mode.Access = access
	}
	if _, err := tx.Exec("UPDATE chat_mode SET posting = ?, access = ? WHERE id = 1", mode.Posting, mode.Access); err != nil {
		return mode, nil, storageErr(err)
	}

	msg, err := insertSystemMessage(tx, fmt.Sprintf("chat mode changed: posting=%s access=%s", mode.Posting, mode.Access))
	if err != nil {
		return mode, nil, err
	}
	if err := logModAction(tx, moderator, "chat_mode", "", fmt.Sprintf("posting=%s access=%s", mode.Posting, mode.Access)); err != nil {
		return mode, nil, err
	}
	if err := tx.Commit(); err != nil {
		return mode, nil, storageErr(err)
	}
	return mode, msg, nil
}

// --- Moderation Audit ---

// logModAction records a moderator's action to the database.
func logModAction(tx *sql.Tx, moderator, action, target, details string) error {
	_, err := tx.Exec("INSERT INTO mod_actions (timestamp, moderator, action, target, details) VALUES (?, ?, ?, ?, ?)",
		utils.GetSQLTime(), moderator, action, target, details)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

// GetModActions returns the most recent moderation audit entries.
func (ds *DatabaseService) GetModActions(limit int) ([]models.ModAction, error) {
	rows, err := ds.DB.Query("SELECT id, timestamp, moderator, action, target, details FROM mod_actions ORDER BY timestamp DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, storageErr(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in GetModActions", "error", err)
		}
	}()

	var actions []models.ModAction
	for rows.Next() {
		var a models.ModAction
		var target, details sql.NullString
		if err := rows.Scan(&a.ID, &a.Timestamp, &a.Moderator, &a.Action, &target, &details); err != nil {
			ds.logger.Error("Failed to scan mod action row", "error", err)
			continue
		}
		a.Target, a.Details = target.String, details.String
		actions = append(actions, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return actions, nil
}

// --- Legacy Import ---

// legacyAccount is the object form of the old dual-shape account record.
type legacyAccount struct {
	Password   string `json:"password"`
	ProfilePic string `json:"profilePic"`
}

// ImportLegacyAccounts normalizes the legacy account file, where a value is
// either a bare password string or a {password, profilePic} object, into
// Account rows with bcrypt hashes. Existing accounts are left untouched.
// Returns the number of accounts created.
func (ds *DatabaseService) ImportLegacyAccounts(accountsJSON []byte, admins []string) (int, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(accountsJSON, &raw); err != nil {
		return 0, fmt.Errorf("invalid legacy accounts file: %w", err)
	}
	adminSet := make(map[string]bool, len(admins))
	for _, a := range admins {
		adminSet[a] = true
	}

	ds.locks.registry.Lock()
	defer ds.locks.registry.Unlock()

	tx, err := ds.DB.Begin()
	if err != nil {
		return 0, storageErr(err)
	}
	defer ds.rollback(tx, "ImportLegacyAccounts")

	imported := 0
	for username, value := range raw {
		var password, profileRef string
		var bare string
		if err := json.Unmarshal(value, &bare); err == nil {
			password = bare
		} else {
			var obj legacyAccount
			if err := json.Unmarshal(value, &obj); err != nil {
				ds.logger.Warn("Skipping malformed legacy account record", "username", username)
				continue
			}
			password, profileRef = obj.Password, obj.ProfilePic
		}

		hash, err := utils.HashPassword(password)
		if err != nil {
			return 0, fmt.Errorf("failed to hash password for %q: %w", username, err)
		}
		res, err := tx.Exec(`INSERT OR IGNORE INTO accounts (username, password_hash, is_admin, profile_ref)
			VALUES (?, ?, ?, ?)`, username, hash, adminSet[username], profileRef)
		if err != nil {
			return 0, storageErr(err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			imported++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, storageErr(err)
	}
	return imported, nil
}
