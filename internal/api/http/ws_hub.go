package apihttp

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"charactersearch/searchservice/internal/domain"
	"charactersearch/searchservice/internal/session"
)

const (
	wsWriteWait   = 10 * time.Second
	wsPongWait    = 60 * time.Second
	wsPingPeriod  = 30 * time.Second
	wsReadLimit   = 4096
	wsSendBuffer  = 8
	wsCloseReason = "server shutting down"
)

type wsMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// wsInbound is what the browser sends: keystrokes and explicit submits.
type wsInbound struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type wsClient struct {
	hub     *wsHub
	conn    *websocket.Conn
	session *session.Session
	updates <-chan domain.SearchState
	touch   func()
	// send carries replies produced by the read side; only writePump writes
	// to the connection.
	send      chan []byte
	closing   chan struct{}
	closeOnce sync.Once
}

func (c *wsClient) shutdown() {
	c.closeOnce.Do(func() { close(c.closing) })
}

type wsHub struct {
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	done       chan struct{}
	doneOnce   sync.Once
	count      chan chan int
	logger     *slog.Logger
}

func newWSHub(logger *slog.Logger) *wsHub {
	return &wsHub{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		done:       make(chan struct{}),
		count:      make(chan chan int),
		logger:     logger,
	}
}

func (h *wsHub) run() {
	for {
		select {
		case <-h.done:
			for client := range h.clients {
				client.shutdown()
				delete(h.clients, client)
			}
			h.logger.Debug("ws hub stopped, all clients disconnected")
			return
		case client := <-h.register:
			h.clients[client] = true
			h.logger.Debug("ws client connected", slog.Int("total", len(h.clients)))
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				h.logger.Debug("ws client disconnected", slog.Int("total", len(h.clients)))
			}
		case reply := <-h.count:
			reply <- len(h.clients)
		}
	}
}

// Close signals the hub to stop and disconnect all clients.
func (h *wsHub) Close() {
	h.doneOnce.Do(func() { close(h.done) })
}

func (h *wsHub) clientCount() int {
	reply := make(chan int, 1)
	select {
	case h.count <- reply:
		return <-reply
	case <-h.done:
		return 0
	}
}

func (h *wsHub) add(client *wsClient) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *wsHub) remove(client *wsClient) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleWS opens a private search session for the connection. The session
// lives exactly as long as the socket.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "session store is not configured")
		return
	}
	sess, err := s.sessions.Create()
	if err != nil {
		s.writeSessionError(w, err)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", slog.String("error", err.Error()))
		_ = s.sessions.Delete(sess.ID)
		return
	}

	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := conn.WriteJSON(wsMessage{Type: "session", Data: map[string]string{"id": sess.ID}}); err != nil {
		conn.Close()
		_ = s.sessions.Delete(sess.ID)
		return
	}

	updates, unsubscribe := sess.Controller.Subscribe()
	client := &wsClient{
		hub:     s.wsHub,
		conn:    conn,
		session: sess,
		updates: updates,
		touch:   func() { _, _ = s.sessions.Get(sess.ID) },
		send:    make(chan []byte, wsSendBuffer),
		closing: make(chan struct{}),
	}
	if !s.wsHub.add(client) {
		unsubscribe()
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, wsCloseReason),
			time.Now().Add(2*time.Second),
		)
		conn.Close()
		_ = s.sessions.Delete(sess.ID)
		return
	}

	go client.writePump()
	go func() {
		client.readPump()
		unsubscribe()
		client.shutdown()
		if err := s.sessions.Delete(sess.ID); err == nil {
			s.logger.Debug("ws session closed", slog.String("session", sess.ID))
		}
	}()
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case state, ok := <-c.updates:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed"))
				return
			}
			if err := c.conn.WriteJSON(wsMessage{Type: "state", Data: state}); err != nil {
				return
			}
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.closing:
			_ = c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, wsCloseReason),
				time.Now().Add(2*time.Second),
			)
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) readPump() {
	defer func() {
		c.hub.remove(c)
		c.conn.Close()
	}()
	c.conn.SetReadLimit(wsReadLimit)
	_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		c.touch()
		var msg wsInbound
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply("error", map[string]string{"message": "invalid message"})
			continue
		}
		if len(msg.Text) > maxQueryLength {
			c.reply("error", map[string]string{"message": "query too long (max 500 characters)"})
			continue
		}
		switch msg.Type {
		case "input":
			c.session.Controller.OnQueryChange(msg.Text)
		case "submit":
			if err := c.session.Controller.Submit(msg.Text); err != nil {
				return
			}
		default:
			c.reply("error", map[string]string{"message": "unknown message type"})
		}
	}
}

func (c *wsClient) reply(msgType string, data any) {
	payload, err := json.Marshal(wsMessage{Type: msgType, Data: data})
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
		// Slow reader; drop the reply rather than block input handling.
	}
}
