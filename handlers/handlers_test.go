// parlor/handlers/handlers_test.go
package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"parlor/database"
	"parlor/models"
	"parlor/utils"
)

// testApp wires real services against a temp database. The rate limiter is
// configured generously so tests never trip it.
type testApp struct {
	db        *database.DatabaseService
	limiter   *models.RateLimiter
	sessions  *models.SessionStore
	presence  *models.Presence
	hub       *Hub
	traffic   *models.TrafficCounter
	logger    *slog.Logger
	storage   models.StorageService
	avatarDir string
}

func (a *testApp) DB() *database.DatabaseService    { return a.db }
func (a *testApp) RateLimiter() *models.RateLimiter { return a.limiter }
func (a *testApp) Sessions() *models.SessionStore   { return a.sessions }
func (a *testApp) Presence() *models.Presence       { return a.presence }
func (a *testApp) Hub() *Hub                        { return a.hub }
func (a *testApp) Traffic() *models.TrafficCounter  { return a.traffic }
func (a *testApp) Logger() *slog.Logger             { return a.logger }
func (a *testApp) Storage() models.StorageService   { return a.storage }
func (a *testApp) AvatarDir() string                { return a.avatarDir }

func setupTestApp(t *testing.T) (*testApp, http.Handler) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	policy := models.GatePolicy{Founder: "founder", DeletePolicy: models.DeleteByAuthorOrAdmin}
	ds, err := database.InitDB(filepath.Join(t.TempDir(), "test.db"), policy, logger)
	if err != nil {
		t.Fatalf("InitDB failed: %v", err)
	}
	t.Cleanup(func() {
		if err := ds.DB.Close(); err != nil {
			t.Errorf("failed to close test db: %v", err)
		}
	})

	avatarDir := t.TempDir()
	app := &testApp{
		db:        ds,
		limiter:   models.NewRateLimiter(time.Millisecond, 1000, time.Hour, time.Hour),
		sessions:  models.NewSessionStore(time.Hour),
		presence:  models.NewPresence(),
		hub:       NewHub(),
		traffic:   models.NewTrafficCounter(time.Minute),
		logger:    logger,
		storage:   &utils.LocalStorage{AvatarDir: avatarDir},
		avatarDir: avatarDir,
	}
	return app, NewRouter(app)
}

// createTestAccount registers a user with a real password hash.
func createTestAccount(t *testing.T, app *testApp, username, password string, isAdmin bool) {
	t.Helper()
	hash, err := utils.HashPassword(password)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	if err := app.db.EnsureAccount(username, hash, isAdmin); err != nil {
		t.Fatalf("failed to create account: %v", err)
	}
}

// sessionToken mints a session directly, bypassing the login endpoint.
func sessionToken(app *testApp, username string, isAdmin bool) string {
	return app.sessions.Create(username, isAdmin)
}

// postForm performs a form POST with an optional bearer token.
func postForm(t *testing.T, router http.Handler, path, token string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func get(t *testing.T, router http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	return getWithToken(t, router, path, "")
}

func getWithToken(t *testing.T, router http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rr.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", rr.Body.String(), err)
	}
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	decodeBody(t, rr, &body)
	return body["code"]
}

func TestStatusEndpoint(t *testing.T) {
	_, router := setupTestApp(t)

	rr := get(t, router, "/status")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var mode models.ChatMode
	decodeBody(t, rr, &mode)
	if mode.Posting != models.PostingOpen || mode.Access != models.AccessOpen {
		t.Errorf("fresh chat should be open/open, got %+v", mode)
	}
}

func TestLogAndThreadEndpoints(t *testing.T) {
	app, router := setupTestApp(t)

	root, err := app.db.PostMessage("alice", "root", 0, "")
	if err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}
	if _, err := app.db.PostMessage("bob", "reply", root.ID, ""); err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}

	rr := get(t, router, "/log")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var views []models.MessageView
	decodeBody(t, rr, &views)
	if len(views) != 2 {
		t.Errorf("log length = %d, want 2", len(views))
	}

	rr = get(t, router, "/thread/1")
	var msgs []models.Message
	decodeBody(t, rr, &msgs)
	if len(msgs) != 2 {
		t.Errorf("thread length = %d, want 2", len(msgs))
	}

	rr = get(t, router, "/thread/999")
	if rr.Code != http.StatusNotFound {
		t.Errorf("unknown thread status = %d, want 404", rr.Code)
	}

	rr = get(t, router, "/thread/abc")
	if rr.Code != http.StatusBadRequest {
		t.Errorf("malformed thread id status = %d, want 400", rr.Code)
	}
}

func TestSearchEndpoint(t *testing.T) {
	app, router := setupTestApp(t)
	if _, err := app.db.PostMessage("alice", "needle in a haystack", 0, ""); err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}

	rr := get(t, router, "/search?q=needle")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	var matches []models.SearchMatch
	decodeBody(t, rr, &matches)
	if len(matches) != 1 {
		t.Errorf("matches = %d, want 1", len(matches))
	}

	if rr := get(t, router, "/search"); rr.Code != http.StatusBadRequest {
		t.Errorf("missing term status = %d, want 400", rr.Code)
	}
	if rr := get(t, router, "/search?q=x&limit=9999"); rr.Code != http.StatusBadRequest {
		t.Errorf("oversized limit status = %d, want 400", rr.Code)
	}
}

func TestWarnLookupEndpoint(t *testing.T) {
	app, router := setupTestApp(t)
	createTestAccount(t, app, "alice", "pw", false)
	if _, err := app.db.SetWarning("alice", "tone it down", "mod"); err != nil {
		t.Fatalf("SetWarning failed: %v", err)
	}

	rr := get(t, router, "/warn/alice")
	var warning string
	decodeBody(t, rr, &warning)
	if warning != "tone it down" {
		t.Errorf("warning = %q", warning)
	}

	// Unknown users read as unwarned rather than erroring.
	rr = get(t, router, "/warn/nobody")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	decodeBody(t, rr, &warning)
	if warning != "" {
		t.Errorf("warning for unknown user = %q, want empty", warning)
	}
}

func TestAdminsAndBannedEndpoints(t *testing.T) {
	app, router := setupTestApp(t)
	createTestAccount(t, app, "mod", "pw", true)
	createTestAccount(t, app, "alice", "pw", false)

	rr := get(t, router, "/admins")
	if rr.Code != http.StatusOK {
		t.Fatalf("admins status = %d, want 200", rr.Code)
	}
	var admins []string
	decodeBody(t, rr, &admins)
	if len(admins) != 1 || admins[0] != "mod" {
		t.Errorf("admins = %v, want [mod]", admins)
	}

	// The banned list starts empty and tracks the ban flag.
	rr = get(t, router, "/banned")
	if rr.Code != http.StatusOK {
		t.Fatalf("banned status = %d, want 200", rr.Code)
	}
	var banned []string
	decodeBody(t, rr, &banned)
	if len(banned) != 0 {
		t.Errorf("banned = %v, want []", banned)
	}

	if err := app.db.SetBanned("alice", true, "mod"); err != nil {
		t.Fatalf("SetBanned failed: %v", err)
	}
	decodeBody(t, get(t, router, "/banned"), &banned)
	if len(banned) != 1 || banned[0] != "alice" {
		t.Errorf("banned = %v, want [alice]", banned)
	}
}

func TestProfileEndpoint(t *testing.T) {
	app, router := setupTestApp(t)
	createTestAccount(t, app, "alice", "secretpw", false)

	rr := get(t, router, "/profile/alice")
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "secretpw") || strings.Contains(rr.Body.String(), "$2a$") {
		t.Error("profile response must not leak password material")
	}

	if rr := get(t, router, "/profile/nobody"); rr.Code != http.StatusNotFound {
		t.Errorf("unknown profile status = %d, want 404", rr.Code)
	}
}

func TestStatsEndpoints(t *testing.T) {
	app, router := setupTestApp(t)
	if _, err := app.db.PostMessage("alice", "hello", 0, ""); err != nil {
		t.Fatalf("PostMessage failed: %v", err)
	}

	rr := get(t, router, "/stats/messages")
	if rr.Code != http.StatusOK {
		t.Fatalf("stats/messages status = %d", rr.Code)
	}
	var counts map[string]int
	decodeBody(t, rr, &counts)
	if len(counts) != 10 {
		t.Errorf("expected 10 days of counts, got %d", len(counts))
	}

	rr = get(t, router, "/stats/recent")
	var msg models.Message
	decodeBody(t, rr, &msg)
	if msg.Body != "hello" {
		t.Errorf("recent body = %q", msg.Body)
	}

	rr = get(t, router, "/stats/traffic")
	var traffic map[string]int
	decodeBody(t, rr, &traffic)
	if traffic["requestsPerMinute"] < 1 {
		t.Errorf("traffic counter should have seen this request burst: %v", traffic)
	}
}

func TestPresenceEndpoint(t *testing.T) {
	app, router := setupTestApp(t)
	app.presence.Connect("alice")

	rr := get(t, router, "/presence")
	var online []string
	decodeBody(t, rr, &online)
	if len(online) != 1 || online[0] != "alice" {
		t.Errorf("presence = %v, want [alice]", online)
	}
}
