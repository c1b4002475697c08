// parlor/handlers/handlers.go

package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"parlor/config"
	"parlor/database"
	"parlor/models"

	"github.com/go-chi/chi/v5"
)

// App is an interface that defines the dependencies our handlers need.
type App interface {
	DB() *database.DatabaseService
	RateLimiter() *models.RateLimiter
	Sessions() *models.SessionStore
	Presence() *models.Presence
	Hub() *Hub
	Traffic() *models.TrafficCounter
	Logger() *slog.Logger
	Storage() models.StorageService
	AvatarDir() string
}

// respondJSON sends a JSON response with a given status code.
func respondJSON(w http.ResponseWriter, status int, payload interface{}, app App) {
	response, err := json.Marshal(payload)
	if err != nil {
		app.Logger().Error("Failed to marshal JSON payload", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		if _, werr := w.Write([]byte(`{"error":"Failed to marshal JSON response"}`)); werr != nil {
			app.Logger().Error("Failed to write internal server error response", "error", werr)
		}
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(response); err != nil {
		app.Logger().Error("Failed to write JSON response", "error", err)
	}
}

// errCode maps a core error to its wire-level code.
func errCode(err error) (int, string) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN"
	case errors.Is(err, models.ErrGone):
		return http.StatusGone, "GONE"
	case errors.Is(err, models.ErrPaused):
		return http.StatusForbidden, "PAUSED"
	case errors.Is(err, models.ErrBanned):
		return http.StatusForbidden, "BANNED"
	case errors.Is(err, models.ErrLocked):
		return http.StatusForbidden, "LOCKED"
	case errors.Is(err, models.ErrBadCredentials):
		return http.StatusUnauthorized, "BAD_CREDENTIALS"
	case errors.Is(err, models.ErrProtectedIdentity):
		return http.StatusForbidden, "PROTECTED_IDENTITY"
	case errors.Is(err, models.ErrStorageUnavailable):
		return http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// respondError translates a core error into its JSON shape.
func respondError(w http.ResponseWriter, err error, app App) {
	status, code := errCode(err)
	if status == http.StatusInternalServerError || status == http.StatusServiceUnavailable {
		app.Logger().Error("Request failed", "error", err)
	}
	respondJSON(w, status, map[string]string{"error": err.Error(), "code": code}, app)
}

// MakeHandler adapts an App-aware handler to http.HandlerFunc.
func MakeHandler(app App, fn func(http.ResponseWriter, *http.Request, App)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fn(w, r, app)
	}
}

// --- Read Handlers ---

// HandleStatus returns the global chat mode.
func HandleStatus(w http.ResponseWriter, r *http.Request, app App) {
	mode, err := app.DB().GetChatMode()
	if err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, mode, app)
}

// HandleLog returns the message log with overlays joined, optionally only
// entries newer than ?since=.
func HandleLog(w http.ResponseWriter, r *http.Request, app App) {
	var sinceID int64
	if s := r.URL.Query().Get("since"); s != "" {
		var err error
		sinceID, err = strconv.ParseInt(s, 10, 64)
		if err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid since parameter."}, app)
			return
		}
	}
	views, err := app.DB().GetLog(sinceID)
	if err != nil {
		respondError(w, err, app)
		return
	}
	if views == nil {
		views = []models.MessageView{}
	}
	respondJSON(w, http.StatusOK, views, app)
}

// HandleThread returns a root message and all replies reachable from it.
func HandleThread(w http.ResponseWriter, r *http.Request, app App) {
	rootID, err := strconv.ParseInt(chi.URLParam(r, "rootID"), 10, 64)
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid message ID."}, app)
		return
	}
	msgs, err := app.DB().GetThread(rootID)
	if err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, msgs, app)
}

// HandleSearch scans non-deleted messages for a literal substring. The
// cursor is the last message id of the previous page (?after=).
func HandleSearch(w http.ResponseWriter, r *http.Request, app App) {
	term := r.URL.Query().Get("q")
	if term == "" {
		respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Missing search term."}, app)
		return
	}

	var afterID int64
	if s := r.URL.Query().Get("after"); s != "" {
		var err error
		afterID, err = strconv.ParseInt(s, 10, 64)
		if err != nil {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid after parameter."}, app)
			return
		}
	}
	limit := config.DefaultSearchLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > config.MaxSearchLimit {
			respondJSON(w, http.StatusBadRequest, map[string]string{"error": "Invalid limit parameter."}, app)
			return
		}
		limit = n
	}

	matches, err := app.DB().SearchMessages(term, afterID, limit)
	if err != nil {
		respondError(w, err, app)
		return
	}
	if matches == nil {
		matches = []models.SearchMatch{}
	}
	respondJSON(w, http.StatusOK, matches, app)
}

// HandlePinned returns the pin overlay as full messages.
func HandlePinned(w http.ResponseWriter, r *http.Request, app App) {
	views, err := app.DB().GetPinned()
	if err != nil {
		respondError(w, err, app)
		return
	}
	if views == nil {
		views = []models.MessageView{}
	}
	respondJSON(w, http.StatusOK, views, app)
}

// HandleWarnLookup returns the active warning for a user, empty string if
// none. Unknown users also read as empty, matching the legacy endpoint.
func HandleWarnLookup(w http.ResponseWriter, r *http.Request, app App) {
	warning, err := app.DB().GetWarning(chi.URLParam(r, "user"))
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, warning, app)
}

// HandleProfile returns the public profile of a user.
func HandleProfile(w http.ResponseWriter, r *http.Request, app App) {
	acct, err := app.DB().GetAccount(chi.URLParam(r, "user"))
	if err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, acct, app)
}

// HandleAdmins returns the usernames holding admin rights.
func HandleAdmins(w http.ResponseWriter, r *http.Request, app App) {
	admins, err := app.DB().ListAdmins()
	if err != nil {
		respondError(w, err, app)
		return
	}
	if admins == nil {
		admins = []string{}
	}
	respondJSON(w, http.StatusOK, admins, app)
}

// HandleBanned returns the usernames currently banned.
func HandleBanned(w http.ResponseWriter, r *http.Request, app App) {
	banned, err := app.DB().ListBanned()
	if err != nil {
		respondError(w, err, app)
		return
	}
	if banned == nil {
		banned = []string{}
	}
	respondJSON(w, http.StatusOK, banned, app)
}

// HandlePresence returns the set of currently connected users.
func HandlePresence(w http.ResponseWriter, r *http.Request, app App) {
	respondJSON(w, http.StatusOK, app.Presence().Online(), app)
}

// --- Stats Handlers ---

// HandleStatsMessages returns per-day message counts for the trailing window.
func HandleStatsMessages(w http.ResponseWriter, r *http.Request, app App) {
	counts, err := app.DB().DailyMessageCounts(config.DefaultStatsDays)
	if err != nil {
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, counts, app)
}

// HandleStatsRecent returns the newest user-authored message.
func HandleStatsRecent(w http.ResponseWriter, r *http.Request, app App) {
	msg, err := app.DB().RecentMessage()
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondJSON(w, http.StatusOK, nil, app)
			return
		}
		respondError(w, err, app)
		return
	}
	respondJSON(w, http.StatusOK, msg, app)
}

// HandleStatsTraffic reports requests in the current counting window.
func HandleStatsTraffic(w http.ResponseWriter, r *http.Request, app App) {
	respondJSON(w, http.StatusOK, map[string]int{"requestsPerMinute": app.Traffic().Rate()}, app)
}
