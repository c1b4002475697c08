// parlor/handlers/moderation.go

package handlers

import (
	"net/http"
	"strings"
	"unicode/utf8"

	"parlor/config"
	"parlor/models"

	"github.com/go-chi/chi/v5"
)

// Moderation handlers. All routes in this file sit behind RequireAdmin.

// HandleBan flags an account as banned. The founder identity is protected.
func HandleBan(w http.ResponseWriter, r *http.Request, app App) {
	setBanned(w, r, app, true)
}

// HandleUnban clears the ban flag on an account.
func HandleUnban(w http.ResponseWriter, r *http.Request, app App) {
	setBanned(w, r, app, false)
}

func setBanned(w http.ResponseWriter, r *http.Request, app App, banned bool) {
	sess, _ := sessionFrom(r)
	target := strings.TrimSpace(r.FormValue("user"))
	if target == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing user."}, app)
		return
	}

	if err := app.DB().SetBanned(target, banned, sess.Username); err != nil {
		respondError(w, err, app)
		return
	}
	app.Logger().Info("Ban state changed", "target", target, "banned", banned, "moderator", sess.Username)
	respondJSON(w, http.StatusOK, map[string]bool{"success": true}, app)
}

// HandleWarn attaches an advisory warning to an account. An empty reason
// clears the warning without a log line.
func HandleWarn(w http.ResponseWriter, r *http.Request, app App) {
	sess, _ := sessionFrom(r)
	target := chi.URLParam(r, "user")
	reason := r.FormValue("reason")
	if utf8.RuneCountInString(reason) > config.MaxReasonLen {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Warning reason too long."}, app)
		return
	}

	sysmsg, err := app.DB().SetWarning(target, reason, sess.Username)
	if err != nil {
		respondError(w, err, app)
		return
	}
	if sysmsg != nil {
		app.Hub().Broadcast(Event{Type: "message", Message: sysmsg})
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true}, app)
}

// HandlePause stops non-founder posting while leaving login open.
func HandlePause(w http.ResponseWriter, r *http.Request, app App) {
	setChatMode(w, r, app, models.PostingPaused, "")
}

// HandleUnpause reopens posting.
func HandleUnpause(w http.ResponseWriter, r *http.Request, app App) {
	setChatMode(w, r, app, models.PostingOpen, "")
}

// HandleChatOff locks login for everyone but the founder.
func HandleChatOff(w http.ResponseWriter, r *http.Request, app App) {
	setChatMode(w, r, app, "", models.AccessLocked)
}

// HandleChatOn unlocks login.
func HandleChatOn(w http.ResponseWriter, r *http.Request, app App) {
	setChatMode(w, r, app, "", models.AccessOpen)
}

func setChatMode(w http.ResponseWriter, r *http.Request, app App, posting, access string) {
	sess, _ := sessionFrom(r)

	mode, sysmsg, err := app.DB().SetChatMode(posting, access, sess.Username)
	if err != nil {
		respondError(w, err, app)
		return
	}
	app.Hub().Broadcast(Event{Type: "chat_mode", Mode: &mode})
	if sysmsg != nil {
		app.Hub().Broadcast(Event{Type: "message", Message: sysmsg})
	}
	app.Logger().Info("Chat mode changed", "posting", mode.Posting, "access", mode.Access, "moderator", sess.Username)
	respondJSON(w, http.StatusOK, mode, app)
}

// HandleModLog returns the most recent moderation audit entries.
func HandleModLog(w http.ResponseWriter, r *http.Request, app App) {
	actions, err := app.DB().GetModActions(100)
	if err != nil {
		respondError(w, err, app)
		return
	}
	if actions == nil {
		actions = []models.ModAction{}
	}
	respondJSON(w, http.StatusOK, actions, app)
}
