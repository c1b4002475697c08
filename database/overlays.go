// parlor/database/overlays.go
package database

import (
	"database/sql"
	"strings"

	"parlor/models"
	"parlor/utils"
)

// Annotation overlays live in their own tables keyed by message id. They
// are independent of the message lifecycle: a tombstoned message may still
// be reacted to, pinned, or marked read, and annotations survive edits and
// deletes of the target. ErrNotFound means the id never existed at all.

// messageIDExists checks the id against the log, tombstones included.
func (ds *DatabaseService) messageIDExists(id int64) error {
	var exists int
	if err := ds.DB.QueryRow("SELECT 1 FROM messages WHERE id = ?", id).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return models.ErrNotFound
		}
		return storageErr(err)
	}
	return nil
}

// React adds user to the emoji's reaction set on a message. Idempotent.
func (ds *DatabaseService) React(messageID int64, emoji, user string) error {
	if err := ds.messageIDExists(messageID); err != nil {
		return err
	}

	ds.locks.log.Lock()
	defer ds.locks.log.Unlock()

	if _, err := ds.DB.Exec("INSERT OR IGNORE INTO reactions (message_id, emoji, username, created_at) VALUES (?, ?, ?, ?)",
		messageID, emoji, user, utils.GetSQLTime()); err != nil {
		return storageErr(err)
	}
	return nil
}

// Unreact removes user from the emoji's reaction set. Idempotent.
func (ds *DatabaseService) Unreact(messageID int64, emoji, user string) error {
	if err := ds.messageIDExists(messageID); err != nil {
		return err
	}

	ds.locks.log.Lock()
	defer ds.locks.log.Unlock()

	if _, err := ds.DB.Exec("DELETE FROM reactions WHERE message_id = ? AND emoji = ? AND username = ?",
		messageID, emoji, user); err != nil {
		return storageErr(err)
	}
	return nil
}

// Pin adds a message to the pin set. Idempotent.
func (ds *DatabaseService) Pin(messageID int64) error {
	if err := ds.messageIDExists(messageID); err != nil {
		return err
	}

	ds.locks.log.Lock()
	defer ds.locks.log.Unlock()

	if _, err := ds.DB.Exec("INSERT OR IGNORE INTO pins (message_id, created_at) VALUES (?, ?)",
		messageID, utils.GetSQLTime()); err != nil {
		return storageErr(err)
	}
	return nil
}

// Unpin removes a message from the pin set. Idempotent.
func (ds *DatabaseService) Unpin(messageID int64) error {
	if err := ds.messageIDExists(messageID); err != nil {
		return err
	}

	ds.locks.log.Lock()
	defer ds.locks.log.Unlock()

	if _, err := ds.DB.Exec("DELETE FROM pins WHERE message_id = ?", messageID); err != nil {
		return storageErr(err)
	}
	return nil
}

// MarkRead records that user has read a message. Idempotent.
func (ds *DatabaseService) MarkRead(messageID int64, user string) error {
	if err := ds.messageIDExists(messageID); err != nil {
		return err
	}

	ds.locks.log.Lock()
	defer ds.locks.log.Unlock()

	if _, err := ds.DB.Exec("INSERT OR IGNORE INTO receipts (message_id, username, read_at) VALUES (?, ?, ?)",
		messageID, user, utils.GetSQLTime()); err != nil {
		return storageErr(err)
	}
	return nil
}

// GetPinned returns the pinned messages in id order, with overlays.
func (ds *DatabaseService) GetPinned() ([]models.MessageView, error) {
	rows, err := ds.DB.Query("SELECT " + messageColumns + " FROM messages WHERE id IN (SELECT message_id FROM pins) ORDER BY id ASC")
	if err != nil {
		return nil, storageErr(err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in GetPinned", "error", err)
		}
	}()

	var views []models.MessageView
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			ds.logger.Error("Failed to scan pinned row", "error", err)
			continue
		}
		views = append(views, models.MessageView{Message: *m, Pinned: true})
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}

	ids := make([]interface{}, 0, len(views))
	viewMap := make(map[int64]*models.MessageView, len(views))
	for i := range views {
		ids = append(ids, views[i].ID)
		viewMap[views[i].ID] = &views[i]
	}
	ds.fetchAndAssignReactions(ids, func(msgID int64, emoji, user string) {
		if v, ok := viewMap[msgID]; ok {
			if v.Reactions == nil {
				v.Reactions = make(map[string][]string)
			}
			v.Reactions[emoji] = append(v.Reactions[emoji], user)
		}
	})
	ds.fetchAndAssignReceipts(ids, func(msgID int64, user string) {
		if v, ok := viewMap[msgID]; ok {
			v.ReadBy = append(v.ReadBy, user)
		}
	})
	return views, nil
}

// --- Internal join helpers ---

func (ds *DatabaseService) fetchAndAssignReactions(messageIDs []interface{}, assignFunc func(messageID int64, emoji, user string)) {
	if len(messageIDs) == 0 {
		return
	}
	query := "SELECT message_id, emoji, username FROM reactions WHERE message_id IN (?" +
		strings.Repeat(",?", len(messageIDs)-1) + ") ORDER BY message_id, emoji, created_at"
	rows, err := ds.DB.Query(query, messageIDs...)
	if err != nil {
		ds.logger.Error("Failed to query reactions", "error", err)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in fetchAndAssignReactions", "error", err)
		}
	}()
	for rows.Next() {
		var msgID int64
		var emoji, user string
		if err := rows.Scan(&msgID, &emoji, &user); err == nil {
			assignFunc(msgID, emoji, user)
		} else {
			ds.logger.Error("Failed to scan reaction row", "error", err)
		}
	}
	if err := rows.Err(); err != nil {
		ds.logger.Error("Row error during reaction scan", "error", err)
	}
}

func (ds *DatabaseService) fetchAndAssignPins(messageIDs []interface{}, assignFunc func(messageID int64)) {
	if len(messageIDs) == 0 {
		return
	}
	query := "SELECT message_id FROM pins WHERE message_id IN (?" + strings.Repeat(",?", len(messageIDs)-1) + ")"
	rows, err := ds.DB.Query(query, messageIDs...)
	if err != nil {
		ds.logger.Error("Failed to query pins", "error", err)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in fetchAndAssignPins", "error", err)
		}
	}()
	for rows.Next() {
		var msgID int64
		if err := rows.Scan(&msgID); err == nil {
			assignFunc(msgID)
		} else {
			ds.logger.Error("Failed to scan pin row", "error", err)
		}
	}
	if err := rows.Err(); err != nil {
		ds.logger.Error("Row error during pin scan", "error", err)
	}
}

func (ds *DatabaseService) fetchAndAssignReceipts(messageIDs []interface{}, assignFunc func(messageID int64, user string)) {
	if len(messageIDs) == 0 {
		return
	}
	query := "SELECT message_id, username FROM receipts WHERE message_id IN (?" +
		strings.Repeat(",?", len(messageIDs)-1) + ") ORDER BY message_id, read_at"
	rows, err := ds.DB.Query(query, messageIDs...)
	if err != nil {
		ds.logger.Error("Failed to query receipts", "error", err)
		return
	}
	defer func() {
		if err := rows.Close(); err != nil {
			ds.logger.Error("Failed to close rows in fetchAndAssignReceipts", "error", err)
		}
	}()
	for rows.Next() {
		var msgID int64
		var user string
		if err := rows.Scan(&msgID, &user); err == nil {
			assignFunc(msgID, user)
		} else {
			ds.logger.Error("Failed to scan receipt row", "error", err)
		}
	}
	if err := rows.Err(); err != nil {
		ds.logger.Error("Row error during receipt scan", "error", err)
	}
}
