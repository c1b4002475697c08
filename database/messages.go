// parlor/database/messages.go
package database

import (
	"database/sql"
	"strings"

	"parlor/config"
	"parlor/models"
	"parlor/utils"
)

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

const messageColumns = "id, author, body, created_at, edited_at, parent_id, deleted"

func scanMessage(s scanner) (*models.Message, error) {
	var m models.Message
	var editedAt sql.NullTime
	var parentID sql.NullInt64
	if err := s.Scan(&m.ID, &m.Author, &m.Body, &m.CreatedAt, &editedAt, &parentID, &m.Deleted); err != nil {
		return nil, err
	}
	if editedAt.Valid {
		t := editedAt.Time
		m.EditedAt = &t
	}
	if parentID.Valid {
		id := parentID.Int64
		m.ParentID = &id
	}
	return &m, nil
}

// insertSystemMessage appends a log line authored by the system identity,
// inside the caller's transaction.
func insertSystemMessage(tx *sql.Tx, body string) (*models.Message, error) {
	res, err := tx.Exec("INSERT INTO messages (author, body, created_at) VALUES (?, ?, ?)",
		config.SystemAuthor, body, utils.GetSQLTime())
	if err != nil {
		return nil, storageErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, storageErr(err)
	}
	msg, err := scanMessage(tx.QueryRow("SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if err != nil {
		return nil, storageErr(err)
	}
	return msg, nil
}

// PostMessage appends a message to the log. The moderation gate is
// reevaluated inside the locked transaction, so a ban or pause that lands
// just before the append is always respected. A non-empty clientToken makes
// the call idempotent: retrying after a storage failure returns the message
// the first attempt created instead of appending twice.
func (ds *DatabaseService) PostMessage(author, body string, parentID int64, clientToken string) (*models.Message, error) {
	ds.locks.log.Lock()
	defer ds.locks.log.Unlock()

	tx, err := ds.DB.Begin()
	if err != nil {
		return nil, storageErr(err)
	}
	defer ds.rollback(tx, "PostMessage")

	if clientToken != "" {
		msg, err := scanMessage(tx.QueryRow("SELECT "+messageColumns+" FROM messages WHERE client_token = ?", clientToken))
		if err == nil {
			return msg, nil
		}
		if err != sql.ErrNoRows {
			return nil, storageErr(err)
		}
	}

	var mode models.ChatMode
	if err := tx.QueryRow("SELECT posting, access FROM chat_mode WHERE id = 1").Scan(&mode.Posting, &mode.Access); err != nil {
		return nil, storageErr(err)
	}
	var banned bool
	if err := tx.QueryRow("SELECT banned FROM accounts WHERE username = ?", author).Scan(&banned); err != nil && err != sql.ErrNoRows {
		return nil, storageErr(err)
	}
	if err := ds.policy.CanPost(author, banned, mode); err != nil {
		return nil, err
	}

	var parent interface{}
	if parentID != 0 {
		var exists int
		if err := tx.QueryRow("SELECT 1 FROM messages WHERE id = ?", parentID).Scan(&exists); err != nil {
			if err == sql.ErrNoRows {
				return nil, models.ErrNotFound
			}
			return nil, storageErr(err)
		}
		parent = parentID
	}

	var token interface{}
	if clientToken != "" {
		token = clientToken
	}
	res, err := tx.Exec("INSERT INTO messages (author, body, created_at, parent_id, client_token) VALUES (?, ?, ?, ?, ?)",
		author, body, utils.GetSQLTime(), parent, token)
	if err != nil {
		return nil, storageErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, storageErr(err)
	}
	msg, err := scanMessage(tx.QueryRow("SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if err != nil {
		return nil, storageErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr(err)
	}
	return msg, nil
}

// EditMessage replaces the body of a message. Only the original author may
// edit, and tombstoned messages cannot be edited.
func (ds *DatabaseService) EditMessage(id int64, requestor, newBody string) (*models.Message, error) {
	ds.locks.log.Lock()
	defer ds.locks.log.Unlock()

	tx, err := ds.DB.Begin()
	if err != nil {
		return nil, storageErr(err)
	}
	defer ds.rollback(tx, "EditMessage")

	var author string
	var deleted bool
	if err := tx.QueryRow("SELECT author, deleted FROM messages WHERE id = ?", id).Scan(&author, &deleted); err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, storageErr(err)
	}
	if author != requestor {
		return nil, models.ErrForbidden
	}
	if deleted {
		return nil, models.ErrGone
	}

	if _, err := tx.Exec("UPDATE messages SET body = ?, edited_at = ? WHERE id = ?", newBody, utils.GetSQLTime(), id); err != nil {
		return nil, storageErr(err)
	}
	msg, err := scanMessage(tx.QueryRow("SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if err != nil {
		return nil, storageErr(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr(err)
	}
	return msg, nil
}

// TombstoneMessage marks a message deleted and clears its body. The row is
// kept so replies and overlays pointing at this id stay resolvable.
// Authorization follows the configured delete policy.
func (ds *DatabaseService) TombstoneMessage(id int64, requestor string, isAdmin bool) error {
	ds.locks.log.Lock()
	defer ds.locks.log.Unlock()

	tx, err := ds.DB.Begin()
	if err != nil {
		return storageErr(err)
	}
	defer ds.rollback(tx, "TombstoneMessage")

	var author string
	var deleted bool
	if err := tx.QueryRow("SELECT author, deleted FROM messages WHERE id = ?", id).Scan(&author, &deleted); err != nil {
		if err == sql.ErrNoRows {
			return models.ErrNotFound
		}
		return storageErr(err)
	}
	if err := ds.policy.CanDelete(requestor, isAdmin, author); err != nil {
		return err
	}
	if deleted {
		return nil // already tombstoned; delete is idempotent
	}

	if _, err := tx.Exec("UPDATE messages SET deleted = 1, body = '' WHERE id = ?", id); err != nil {
		return storageErr(err)
	}
	if err := tx.Commit(); err != nil {
		return storageErr(err)
	}
	return nil
}

// GetLog returns all messages with id greater than sinceID in id order,
// with their overlays joined for display.
func (ds *DatabaseService) GetLog(sinceID int64) ([]models.MessageView, error) {
	rows, err := ds.DB.Query("SELECT "+messageColumns+" FROM messages WHERE id > ? ORDER BY id ASC", sinceID)
	if err != nil {
		return nil, storageErr(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in GetLog", "error", err)
		}
	}()

	var views []models.MessageView
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			ds.logger.Error("Failed to scan message row", "error", err)
			continue
		}
		views = append(views, models.MessageView{Message: *m})
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	if len(views) == 0 {
		return views, nil
	}

	viewMap := make(map[int64]*models.MessageView, len(views))
	ids := make([]interface{}, 0, len(views))
	for i := range views {
		viewMap[views[i].ID] = &views[i]
		ids = append(ids, views[i].ID)
	}

	ds.fetchAndAssignReactions(ids, func(msgID int64, emoji, user string) {
		if v, ok := viewMap[msgID]; ok {
			if v.Reactions == nil {
				v.Reactions = make(map[string][]string)
			}
			v.Reactions[emoji] = append(v.Reactions[emoji], user)
		}
	})
	ds.fetchAndAssignPins(ids, func(msgID int64) {
		if v, ok := viewMap[msgID]; ok {
			v.Pinned = true
		}
	})
	ds.fetchAndAssignReceipts(ids, func(msgID int64, user string) {
		if v, ok := viewMap[msgID]; ok {
			v.ReadBy = append(v.ReadBy, user)
		}
	})

	return views, nil
}

// GetMessage fetches a single message by id.
func (ds *DatabaseService) GetMessage(id int64) (*models.Message, error) {
	msg, err := scanMessage(ds.DB.QueryRow("SELECT "+messageColumns+" FROM messages WHERE id = ?", id))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, storageErr(err)
	}
	return msg, nil
}

// GetThread returns the root message and everything reachable from it by
// following parent edges, in id order. The recursive CTE deduplicates with
// UNION, so a cycle introduced by a bug terminates instead of looping.
func (ds *DatabaseService) GetThread(rootID int64) ([]models.Message, error) {
	var exists int
	if err := ds.DB.QueryRow("SELECT 1 FROM messages WHERE id = ?", rootID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, storageErr(err)
	}

	rows, err := ds.DB.Query(`
		WITH RECURSIVE thread(id) AS (
			SELECT id FROM messages WHERE id = ?
			UNION
			SELECT m.id FROM messages m JOIN thread t ON m.parent_id = t.id
		)
		SELECT `+messageColumns+` FROM messages WHERE id IN (SELECT id FROM thread) ORDER BY id ASC`, rootID)
	if err != nil {
		return nil, storageErr(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in GetThread", "error", err)
		}
	}()

	var msgs []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			ds.logger.Error("Failed to scan thread row", "error", err)
			continue
		}
		msgs = append(msgs, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return msgs, nil
}

// SearchMessages scans non-deleted messages whose body contains term as a
// case-sensitive literal substring. The scan restarts from afterID, so
// callers can page through results without holding server state.
func (ds *DatabaseService) SearchMessages(term string, afterID int64, limit int) ([]models.SearchMatch, error) {
	if term == "" {
		return nil, nil
	}
	rows, err := ds.DB.Query("SELECT "+messageColumns+` FROM messages
		WHERE id > ? AND deleted = 0 AND instr(body, ?) > 0 ORDER BY id ASC LIMIT ?`,
		afterID, term, limit)
	if err != nil {
		return nil, storageErr(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in SearchMessages", "error", err)
		}
	}()

	var matches []models.SearchMatch
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			ds.logger.Error("Failed to scan search row", "error", err)
			continue
		}
		matches = append(matches, models.SearchMatch{Message: *m, Positions: substringPositions(m.Body, term)})
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return matches, nil
}

// substringPositions returns the byte offset of every occurrence of term in
// body. Occurrences may not overlap.
func substringPositions(body, term string) []int {
	var positions []int
	for start := 0; ; {
		i := strings.Index(body[start:], term)
		if i < 0 {
			break
		}
		positions = append(positions, start+i)
		start += i + len(term)
	}
	return positions
}

// --- Stats ---

// DailyMessageCounts counts user-authored, non-deleted messages per UTC day
// for the last `days` days, zero-filled.
func (ds *DatabaseService) DailyMessageCounts(days int) (map[string]int, error) {
	counts := make(map[string]int, days)
	now := utils.GetSQLTime()
	for i := 0; i < days; i++ {
		counts[now.AddDate(0, 0, -i).Format("2006-01-02")] = 0
	}

	cutoff := now.AddDate(0, 0, -(days - 1)).Format("2006-01-02")
	rows, err := ds.DB.Query(`SELECT date(created_at), COUNT(*) FROM messages
		WHERE author != ? AND deleted = 0 AND date(created_at) >= ?
		GROUP BY date(created_at)`, config.SystemAuthor, cutoff)
	if err != nil {
		return nil, storageErr(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in DailyMessageCounts", "error", err)
		}
	}()

	for rows.Next() {
		var day string
		var n int
		if err := rows.Scan(&day, &n); err != nil {
			ds.logger.Error("Failed to scan daily count row", "error", err)
			continue
		}
		if _, ok := counts[day]; ok {
			counts[day] = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return counts, nil
}

// RecentMessage returns the newest user-authored, non-deleted message.
func (ds *DatabaseService) RecentMessage() (*models.Message, error) {
	msg, err := scanMessage(ds.DB.QueryRow("SELECT "+messageColumns+` FROM messages
		WHERE author != ? AND deleted = 0 ORDER BY id DESC LIMIT 1`, config.SystemAuthor))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, models.ErrNotFound
		}
		return nil, storageErr(err)
	}
	return msg, nil
}
