// Package notify pushes session status and operator notifications to the
// UI over a WebSocket.
package notify

import (
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"portrait-capture/pkg/utils"
)

type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

const (
	TypeStatus       = "status"
	TypeNotification = "notification"

	pingInterval = 30 * time.Second
	writeTimeout = 5 * time.Second
)

type Message struct {
	Type  string `json:"type"`
	Level Level  `json:"level,omitempty"`
	Text  string `json:"text,omitempty"`
	// Session is the session view for status messages.
	Session any       `json:"session,omitempty"`
	At      time.Time `json:"at"`
}

type Hub struct {
	out     *utils.Fanout[Message]
	logger  *zap.SugaredLogger
	origins []string

	mu     sync.RWMutex
	status *Message

	upgrader websocket.Upgrader
}

// NewHub builds a hub. origins are extra page origins, as
// "scheme://host[:port]", allowed to open the events socket.
func NewHub(origins ...string) *Hub {
	h := &Hub{
		out:     utils.NewFanout[Message](),
		logger:  utils.GetLogger().Named("notify"),
		origins: origins,
	}
	h.upgrader = websocket.Upgrader{CheckOrigin: h.checkOrigin}
	return h
}

// checkOrigin allows same-origin pages, configured origins, and pages
// served from loopback or private network addresses.
func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		h.logger.Warnf("rejected websocket connection from malformed origin %q", origin)
		return false
	}
	if strings.EqualFold(u.Host, r.Host) {
		return true
	}
	for _, o := range h.origins {
		if o == "*" || strings.EqualFold(strings.TrimSuffix(o, "/"), u.Scheme+"://"+u.Host) {
			return true
		}
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil && (ip.IsLoopback() || ip.IsPrivate()) {
		return true
	}
	h.logger.Warnf("rejected websocket connection from origin %s", origin)
	return false
}

func (h *Hub) Notify(level Level, text string) {
	switch level {
	case LevelError:
		h.logger.Warn(text)
	default:
		h.logger.Info(text)
	}
	h.out.Publish(Message{Type: TypeNotification, Level: level, Text: text, At: time.Now()})
}

// Status publishes a session view and keeps it for clients that connect later.
func (h *Hub) Status(view any) {
	m := Message{Type: TypeStatus, Session: view, At: time.Now()}
	h.mu.Lock()
	h.status = &m
	h.mu.Unlock()
	h.out.Publish(m)
}

func (h *Hub) Subscribe(buffer int) (<-chan Message, func()) {
	return h.out.Subscribe(buffer)
}

func (h *Hub) Clients() int {
	return h.out.Len()
}

func (h *Hub) Close() {
	h.out.Close()
}

// ServeWS upgrades the request and streams messages until either side
// goes away. Client messages are read and discarded.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Errorf("websocket upgrade failed: %s", err)
		return
	}
	defer conn.Close()

	ch, cancel := h.out.Subscribe(16)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.mu.RLock()
	last := h.status
	h.mu.RUnlock()
	if last != nil {
		if err = h.write(conn, *last); err != nil {
			return
		}
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-done:
			return
		case m, ok := <-ch:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(writeTimeout))
				return
			}
			if err = h.write(conn, m); err != nil {
				return
			}
		case <-ping.C:
			if err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func (h *Hub) write(conn *websocket.Conn, m Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, data)
}
