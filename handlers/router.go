// parlor/handlers/router.go

package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter wires every route to its handler behind the shared middleware
// stack.
func NewRouter(app App) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(NewStructuredLogger(app))
	r.Use(middleware.Recoverer)
	r.Use(NewSecurityHeadersMiddleware())
	r.Use(NewTrafficMiddleware(app))
	r.Use(NewSessionMiddleware(app))

	// Public surface
	r.Post("/login", MakeHandler(app, HandleLogin))
	r.Get("/status", MakeHandler(app, HandleStatus))
	r.Get("/log", MakeHandler(app, HandleLog))
	r.Get("/thread/{rootID}", MakeHandler(app, HandleThread))
	r.Get("/search", MakeHandler(app, HandleSearch))
	r.Get("/pins", MakeHandler(app, HandlePinned))
	r.Get("/warn/{user}", MakeHandler(app, HandleWarnLookup))
	r.Get("/admins", MakeHandler(app, HandleAdmins))
	r.Get("/banned", MakeHandler(app, HandleBanned))
	r.Get("/profile/{user}", MakeHandler(app, HandleProfile))
	r.Get("/presence", MakeHandler(app, HandlePresence))
	r.Get("/stats/messages", MakeHandler(app, HandleStatsMessages))
	r.Get("/stats/recent", MakeHandler(app, HandleStatsRecent))
	r.Get("/stats/traffic", MakeHandler(app, HandleStatsTraffic))
	r.Get("/ws", MakeHandler(app, HandleWebSocket))

	// Authenticated surface
	r.Group(func(r chi.Router) {
		r.Use(RequireAuth(app))
		r.Post("/logoff", MakeHandler(app, HandleLogoff))
		r.Post("/send", MakeHandler(app, HandleSend))
		r.Post("/edit", MakeHandler(app, HandleEdit))
		r.Post("/delete", MakeHandler(app, HandleDelete))
		r.Post("/react", MakeHandler(app, HandleReact))
		r.Post("/unreact", MakeHandler(app, HandleUnreact))
		r.Post("/pin", MakeHandler(app, HandlePin))
		r.Post("/unpin", MakeHandler(app, HandleUnpin))
		r.Post("/read", MakeHandler(app, HandleMarkRead))
		r.Post("/avatar", MakeHandler(app, HandleAvatar))
	})

	// Moderation surface
	r.Group(func(r chi.Router) {
		r.Use(RequireAdmin(app))
		r.Post("/mod/ban", MakeHandler(app, HandleBan))
		r.Post("/mod/unban", MakeHandler(app, HandleUnban))
		r.Post("/mod/warn/{user}", MakeHandler(app, HandleWarn))
		r.Post("/mod/pause", MakeHandler(app, HandlePause))
		r.Post("/mod/unpause", MakeHandler(app, HandleUnpause))
		r.Post("/mod/off", MakeHandler(app, HandleChatOff))
		r.Post("/mod/on", MakeHandler(app, HandleChatOn))
		r.Get("/mod/log", MakeHandler(app, HandleModLog))
	})

	// Locally stored avatars. When S3 storage is configured, profile refs
	// are absolute URLs and this route is never hit.
	if dir := app.AvatarDir(); dir != "" {
		fs := http.StripPrefix("/avatars/", http.FileServer(http.Dir(dir)))
		r.Get("/avatars/*", fs.ServeHTTP)
	}

	return r
}
