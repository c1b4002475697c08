// parlor/handlers/presence.go

package handlers

import (
	"net/http"
	"net/url"
	"sync"
	"time"

	"parlor/models"

	"github.com/gorilla/websocket"
)

// Event is one frame pushed to connected clients.
type Event struct {
	Type      string           `json:"type"`
	Message   *models.Message  `json:"message,omitempty"`
	MessageID int64            `json:"messageId,omitempty"`
	Emoji     string           `json:"emoji,omitempty"`
	User      string           `json:"user,omitempty"`
	Mode      *models.ChatMode `json:"mode,omitempty"`
	Presence  []string         `json:"presence,omitempty"`
}

const (
	// writeWait bounds a single frame write so a dead peer cannot hold the
	// writer goroutine indefinitely.
	writeWait = 10 * time.Second

	// sendBuffer is how many events a client may fall behind before it is
	// evicted.
	sendBuffer = 32
)

// hubConn is one client connection. All writes go through the send channel
// to a dedicated writer goroutine, so Broadcast never blocks on a peer's
// socket.
type hubConn struct {
	ws       *websocket.Conn
	send     chan Event
	username string
}

// writeLoop drains the send channel onto the socket. It exits when the
// channel closes (eviction or unregister) or a write fails, and closes the
// socket so the read loop in HandleWebSocket notices.
func (c *hubConn) writeLoop() {
	defer func() {
		_ = c.ws.Close()
	}()
	for ev := range c.send {
		if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := c.ws.WriteJSON(ev); err != nil {
			return
		}
	}
}

// Hub fans events out to every connected websocket client.
type Hub struct {
	mu    sync.Mutex
	conns map[*hubConn]struct{}
}

func NewHub() *Hub {
	return &Hub{conns: make(map[*hubConn]struct{})}
}

func (h *Hub) register(c *hubConn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
	go c.writeLoop()
}

// unregister detaches a connection and closes its send channel exactly once.
func (h *Hub) unregister(c *hubConn) {
	h.mu.Lock()
	if _, ok := h.conns[c]; ok {
		delete(h.conns, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// Broadcast queues an event for every client. The enqueue is non-blocking: a
// client whose buffer is full has stopped reading and gets evicted, so one
// stalled peer can never hold up the callers mutating the log.
func (h *Hub) Broadcast(ev Event) {
	h.mu.Lock()
	for c := range h.conns {
		select {
		case c.send <- ev:
		default:
			delete(h.conns, c)
			close(c.send)
		}
	}
	h.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Sessions ride a cookie, so a cross-origin page must not be able to
	// open a socket with the browser's ambient credentials.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && u.Host == r.Host
	},
}

// HandleWebSocket upgrades an authenticated request, joins the presence set,
// and holds the connection open until the client goes away. Clients receive
// pushed events only; inbound frames are drained and ignored.
func HandleWebSocket(w http.ResponseWriter, r *http.Request, app App) {
	sess, ok := sessionFrom(r)
	if !ok {
		respondJSON(w, http.StatusUnauthorized, map[string]string{"error": "Authentication required.", "code": "UNAUTHENTICATED"}, app)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		app.Logger().Error("Websocket upgrade failed", "error", err)
		return
	}

	conn := &hubConn{ws: ws, send: make(chan Event, sendBuffer), username: sess.Username}
	app.Hub().register(conn)
	online := app.Presence().Connect(sess.Username)
	app.Hub().Broadcast(Event{Type: "presence", User: sess.Username, Presence: online})
	app.Logger().Info("Websocket connected", "username", sess.Username)

	defer func() {
		app.Hub().unregister(conn)
		online := app.Presence().Disconnect(sess.Username)
		app.Hub().Broadcast(Event{Type: "presence", User: sess.Username, Presence: online})
		app.Logger().Info("Websocket disconnected", "username", sess.Username)
		_ = ws.Close()
	}()

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}
