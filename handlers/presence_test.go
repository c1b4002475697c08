// parlor/handlers/presence_test.go
package handlers

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"parlor/models"

	"github.com/gorilla/websocket"
)

func dialWS(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("failed to set read deadline: %v", err)
	}
	var ev Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("failed to read event: %v", err)
	}
	return ev
}

func TestWebSocketRejectsCrossOrigin(t *testing.T) {
	app, router := setupTestApp(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{
		"Authorization": {"Bearer " + sessionToken(app, "alice", false)},
		"Origin":        {"http://evil.example"},
	}
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, header); err == nil {
		t.Error("cross-origin upgrade should be refused")
	}
}

func TestBroadcastSurvivesStalledClient(t *testing.T) {
	app, router := setupTestApp(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	conn := dialWS(t, srv, sessionToken(app, "alice", false))
	defer func() {
		_ = conn.Close()
	}()
	readEvent(t, conn) // initial presence frame

	// The client now stops reading. Flooding it with large events must not
	// block Broadcast: the hub evicts the stalled connection instead of
	// holding up the mutating request that triggered the event.
	done := make(chan struct{})
	go func() {
		defer close(done)
		body := strings.Repeat("x", 64*1024)
		for i := 0; i < 500; i++ {
			app.hub.Broadcast(Event{Type: "message", Message: &models.Message{Body: body}})
		}
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("a client that stops reading must not stall broadcasts")
	}
}

func TestWebSocketRequiresAuth(t *testing.T) {
	_, router := setupTestApp(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	if _, _, err := websocket.DefaultDialer.Dial(wsURL, nil); err == nil {
		t.Error("unauthenticated upgrade should fail")
	}
}

func TestWebSocketPresenceAndEvents(t *testing.T) {
	app, router := setupTestApp(t)
	srv := httptest.NewServer(router)
	defer srv.Close()

	alice := dialWS(t, srv, sessionToken(app, "alice", false))
	defer func() {
		if err := alice.Close(); err != nil {
			t.Logf("close error: %v", err)
		}
	}()

	// First frame: the presence set with alice in it.
	ev := readEvent(t, alice)
	if ev.Type != "presence" {
		t.Fatalf("first event type = %q, want presence", ev.Type)
	}
	if len(ev.Presence) != 1 || ev.Presence[0] != "alice" {
		t.Errorf("presence = %v, want [alice]", ev.Presence)
	}

	// A post lands as a message event.
	bob := sessionToken(app, "bob", false)
	rr := postForm(t, router, "/send", bob, url.Values{"body": {"live update"}})
	if rr.Code != http.StatusOK {
		t.Fatalf("send status = %d", rr.Code)
	}
	ev = readEvent(t, alice)
	if ev.Type != "message" || ev.Message == nil || ev.Message.Body != "live update" {
		t.Errorf("unexpected event: %+v", ev)
	}

	// A second connection joins the presence set.
	bobConn := dialWS(t, srv, bob)
	ev = readEvent(t, alice)
	if ev.Type != "presence" || len(ev.Presence) != 2 {
		t.Errorf("join event = %+v, want presence of 2", ev)
	}

	// When the last connection for a user drops, they leave the set.
	if err := bobConn.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	ev = readEvent(t, alice)
	if ev.Type != "presence" || len(ev.Presence) != 1 {
		t.Errorf("leave event = %+v, want presence of 1", ev)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(app.presence.Online()) != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("presence never settled: %v", app.presence.Online())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
