// parlor/models/models.go
package models

import (
	"time"
)

// --- Core Data Models ---

// Account is the normalized registry record for a user. Legacy imports
// (bare password strings or {password, profilePic} objects) are converted
// to this shape at the registry boundary and never stored dual-shaped.
type Account struct {
	Username     string     `json:"username"`
	PasswordHash string     `json:"-"`
	IsAdmin      bool       `json:"isAdmin"`
	ProfileRef   string     `json:"profileRef,omitempty"`
	LastLoginAt  *time.Time `json:"lastLoginAt,omitempty"`
	Banned       bool       `json:"banned"`
	Warning      string     `json:"warning,omitempty"`
}

// Message is one entry in the append-only chat log. Deleted messages are
// tombstoned in place: the row survives so replies and overlays that point
// at its id stay resolvable.
type Message struct {
	ID        int64      `json:"id"`
	Author    string     `json:"author"`
	Body      string     `json:"body"`
	CreatedAt time.Time  `json:"createdAt"`
	EditedAt  *time.Time `json:"editedAt,omitempty"`
	ParentID  *int64     `json:"parentId,omitempty"`
	Deleted   bool       `json:"deleted"`
}

// MessageView is a Message with its annotation overlays joined for display.
type MessageView struct {
	Message
	Reactions map[string][]string `json:"reactions,omitempty"`
	Pinned    bool                `json:"pinned"`
	ReadBy    []string            `json:"readBy,omitempty"`
}

// SearchMatch pairs a matching message with the byte offsets of every
// occurrence of the search term in its body.
type SearchMatch struct {
	Message   Message `json:"message"`
	Positions []int   `json:"positions"`
}

// --- Moderation & System Models ---

// Chat mode values. Posting and access are independent axes: PAUSED blocks
// send, LOCKED blocks login, and the founder identity is exempt from both.
const (
	PostingOpen   = "open"
	PostingPaused = "paused"
	AccessOpen    = "open"
	AccessLocked  = "locked"
)

// ChatMode is the global singleton moderation switch.
type ChatMode struct {
	Posting string `json:"posting"`
	Access  string `json:"access"`
}

// StorageService abstracts where avatar assets are stored (local disk or
// S3-compatible object storage).
type StorageService interface {
	SaveFile(filename string, data []byte, contentType string) (string, error)
	DeleteFile(path string) error
}

// ModAction is one entry in the moderation audit trail.
type ModAction struct {
	ID        int64     `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Moderator string    `json:"moderator"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Details   string    `json:"details,omitempty"`
}
