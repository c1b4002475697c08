// parlor/handlers/actions.go

package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"unicode/utf8"

	"parlor/config"
	"parlor/models"
	"parlor/utils"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	// webp uploads decode through the stdlib image registry.
	_ "golang.org/x/image/webp"
)

// allowLimited applies the per-IP rate limiter, writing a 429 if exceeded.
func allowLimited(w http.ResponseWriter, r *http.Request, app App) bool {
	ip := utils.GetIPAddress(r)
	if !app.RateLimiter().GetLimiter(ip).Allow() {
		app.Logger().Warn("Rate limit exceeded", "ip", ip, "path", r.URL.Path)
		respondJSON(w, http.StatusTooManyRequests, map[string]string{"error": "You are doing that too fast.", "code": "RATE_LIMITED"}, app)
		return false
	}
	return true
}

// parseMessageID reads a message id from a form field.
func parseMessageID(r *http.Request, field string) (int64, error) {
	id, err := strconv.ParseInt(r.FormValue(field), 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid message id")
	}
	return id, nil
}

// HandleLogin authenticates a user, stamps their login, and mints a session.
func HandleLogin(w http.ResponseWriter, r *http.Request, app App) {
	if !allowLimited(w, r, app) {
		return
	}

	username := strings.TrimSpace(r.FormValue("username"))
	password := r.FormValue("password")
	if username == "" || password == "" || utf8.RuneCountInString(username) > config.MaxUsernameLen {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid username or password."}, app)
		return
	}

	acct, err := app.DB().Authenticate(username, password)
	if err != nil {
		respondError(w, err, app)
		return
	}

	sysmsg, err := app.DB().RecordLogin(acct.Username)
	if err != nil {
		respondError(w, err, app)
		return
	}
	app.Hub().Broadcast(Event{Type: "message", Message: sysmsg})

	token := app.Sessions().Create(acct.Username, acct.IsAdmin)
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	app.Logger().Info("User logged in", "username", acct.Username, "ip", utils.GetIPAddress(r))
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"token":    token,
		"username": acct.Username,
		"isAdmin":  acct.IsAdmin,
		"warning":  acct.Warning,
	}, app)
}

// HandleLogoff ends the session and appends the logoff line.
func HandleLogoff(w http.ResponseWriter, r *http.Request, app App) {
	sess, _ := sessionFrom(r)

	sysmsg, err := app.DB().RecordLogoff(sess.Username)
	if err != nil {
		respondError(w, err, app)
		return
	}
	app.Hub().Broadcast(Event{Type: "message", Message: sysmsg})

	app.Sessions().Delete(tokenFrom(r))
	http.SetCookie(w, &http.Cookie{Name: SessionCookieName, Value: "", Path: "/", MaxAge: -1})
	respondJSON(w, http.StatusOK, map[string]bool{"success": true}, app)
}

// HandleSend appends a message to the log. An optional client_token makes
// retries idempotent; an optional parent_id threads the message as a reply.
func HandleSend(w http.ResponseWriter, r *http.Request, app App) {
	if !allowLimited(w, r, app) {
		return
	}
	sess, _ := sessionFrom(r)

	body := r.FormValue("body")
	if strings.TrimSpace(body) == "" || utf8.RuneCountInString(body) > config.MaxBodyLen {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Message body is empty or too long."}, app)
		return
	}

	var parentID int64
	if p := r.FormValue("parent_id"); p != "" {
		var err error
		parentID, err = strconv.ParseInt(p, 10, 64)
		if err != nil || parentID < 1 {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid parent_id."}, app)
			return
		}
	}

	clientToken := r.FormValue("client_token")
	if len(clientToken) > 64 {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid client_token."}, app)
		return
	}

	msg, err := app.DB().PostMessage(sess.Username, body, parentID, clientToken)
	if err != nil {
		respondError(w, err, app)
		return
	}
	app.Hub().Broadcast(Event{Type: "message", Message: msg})
	respondJSON(w, http.StatusOK, msg, app)
}

// HandleEdit replaces the body of the caller's own message.
func HandleEdit(w http.ResponseWriter, r *http.Request, app App) {
	if !allowLimited(w, r, app) {
		return
	}
	sess, _ := sessionFrom(r)

	id, err := parseMessageID(r, "id")
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid message id."}, app)
		return
	}
	body := r.FormValue("body")
	if strings.TrimSpace(body) == "" || utf8.RuneCountInString(body) > config.MaxBodyLen {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Message body is empty or too long."}, app)
		return
	}

	msg, err := app.DB().EditMessage(id, sess.Username, body)
	if err != nil {
		respondError(w, err, app)
		return
	}
	app.Hub().Broadcast(Event{Type: "edit", Message: msg})
	respondJSON(w, http.StatusOK, msg, app)
}

// HandleDelete tombstones a message under the configured delete policy.
func HandleDelete(w http.ResponseWriter, r *http.Request, app App) {
	sess, _ := sessionFrom(r)

	id, err := parseMessageID(r, "id")
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid message id."}, app)
		return
	}

	if err := app.DB().TombstoneMessage(id, sess.Username, sess.IsAdmin); err != nil {
		respondError(w, err, app)
		return
	}
	app.Hub().Broadcast(Event{Type: "delete", MessageID: id})
	respondJSON(w, http.StatusOK, map[string]bool{"success": true}, app)
}

// --- Annotation Overlays ---

func validEmoji(emoji string) bool {
	return emoji != "" && utf8.RuneCountInString(emoji) <= config.MaxEmojiLen
}

// HandleReact adds the caller to a reaction set on a message.
func HandleReact(w http.ResponseWriter, r *http.Request, app App) {
	sess, _ := sessionFrom(r)

	id, err := parseMessageID(r, "id")
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid message id."}, app)
		return
	}
	emoji := r.FormValue("emoji")
	if !validEmoji(emoji) {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid emoji."}, app)
		return
	}

	if err := app.DB().React(id, emoji, sess.Username); err != nil {
		respondError(w, err, app)
		return
	}
	app.Hub().Broadcast(Event{Type: "react", MessageID: id, Emoji: emoji, User: sess.Username})
	respondJSON(w, http.StatusOK, map[string]bool{"success": true}, app)
}

// HandleUnreact removes the caller from a reaction set on a message.
func HandleUnreact(w http.ResponseWriter, r *http.Request, app App) {
	sess, _ := sessionFrom(r)

	id, err := parseMessageID(r, "id")
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid message id."}, app)
		return
	}
	emoji := r.FormValue("emoji")
	if !validEmoji(emoji) {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid emoji."}, app)
		return
	}

	if err := app.DB().Unreact(id, emoji, sess.Username); err != nil {
		respondError(w, err, app)
		return
	}
	app.Hub().Broadcast(Event{Type: "unreact", MessageID: id, Emoji: emoji, User: sess.Username})
	respondJSON(w, http.StatusOK, map[string]bool{"success": true}, app)
}

// HandlePin adds a message to the pin set.
func HandlePin(w http.ResponseWriter, r *http.Request, app App) {
	id, err := parseMessageID(r, "id")
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid message id."}, app)
		return
	}
	if err := app.DB().Pin(id); err != nil {
		respondError(w, err, app)
		return
	}
	app.Hub().Broadcast(Event{Type: "pin", MessageID: id})
	respondJSON(w, http.StatusOK, map[string]bool{"success": true}, app)
}

// HandleUnpin removes a message from the pin set.
func HandleUnpin(w http.ResponseWriter, r *http.Request, app App) {
	id, err := parseMessageID(r, "id")
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid message id."}, app)
		return
	}
	if err := app.DB().Unpin(id); err != nil {
		respondError(w, err, app)
		return
	}
	app.Hub().Broadcast(Event{Type: "unpin", MessageID: id})
	respondJSON(w, http.StatusOK, map[string]bool{"success": true}, app)
}

// HandleMarkRead records a read receipt for the caller on a message.
func HandleMarkRead(w http.ResponseWriter, r *http.Request, app App) {
	sess, _ := sessionFrom(r)

	id, err := parseMessageID(r, "id")
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid message id."}, app)
		return
	}
	if err := app.DB().MarkRead(id, sess.Username); err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"success": true}, app)
}

// --- Avatar Upload ---

// HandleAvatar accepts an image upload, normalizes it to a square JPEG, and
// stores it under a fresh name.
func HandleAvatar(w http.ResponseWriter, r *http.Request, app App) {
	if !allowLimited(w, r, app) {
		return
	}
	sess, _ := sessionFrom(r)

	r.Body = http.MaxBytesReader(w, r.Body, config.MaxAvatarSize)
	if err := r.ParseMultipartForm(config.MaxAvatarSize); err != nil {
		respondJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "Avatar too large."}, app)
		return
	}
	file, _, err := r.FormFile("avatar")
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing avatar file."}, app)
		return
	}
	defer func() {
		if err := file.Close(); err != nil {
			app.Logger().Error("Failed to close uploaded file", "error", err)
		}
	}()

	img, err := imaging.Decode(file, imaging.AutoOrientation(true))
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "File is not a valid image."}, app)
		return
	}
	thumb := imaging.Fill(img, config.AvatarSize, config.AvatarSize, imaging.Center, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		respondError(w, err, app)
		return
	}

	filename := uuid.New().String() + ".jpg"
	ref, err := app.Storage().SaveFile(filename, buf.Bytes(), "image/jpeg")
	if err != nil {
		app.Logger().Error("Failed to store avatar", "username", sess.Username, "error", err)
		respondError(w, fmt.Errorf("%w: %v", models.ErrStorageUnavailable, err), app)
		return
	}

	// Drop the previous avatar so abandoned files do not pile up.
	if acct, err := app.DB().GetAccount(sess.Username); err == nil && acct.ProfileRef != "" {
		if err := app.Storage().DeleteFile(acct.ProfileRef); err != nil {
			app.Logger().Warn("Failed to delete old avatar", "ref", acct.ProfileRef, "error", err)
		}
	}

	if err := app.DB().SetProfileRef(sess.Username, ref); err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"profileRef": ref}, app)
}
