package api

import (
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mescon/Pollarr/internal/domain"
	"github.com/mescon/Pollarr/internal/logger"
)

const (
	pongWait     = 60 * time.Second
	pingPeriod   = (pongWait * 9) / 10
	writeTimeout = 10 * time.Second
	// broadcastBuffer bounds queued messages; beyond it messages are dropped
	// so a stalled client never blocks event delivery.
	broadcastBuffer = 256
)

// EventSource delivers every published event. *eventbus.EventBus implements it.
type EventSource interface {
	SubscribeAll(handler func(domain.Event))
}

// getWebSocketUpgrader validates origins against POLLARR_CORS_ORIGIN.
func getWebSocketUpgrader() websocket.Upgrader {
	corsOrigins := os.Getenv("POLLARR_CORS_ORIGIN")
	allowedOrigins := make(map[string]bool)
	if corsOrigins != "" && corsOrigins != "*" {
		for _, origin := range strings.Split(corsOrigins, ",") {
			allowedOrigins[strings.TrimSpace(origin)] = true
		}
	}

	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			if corsOrigins == "*" {
				return true
			}
			origin := r.Header.Get("Origin")
			if corsOrigins == "" {
				// No Origin header means a non-browser client.
				return origin == "" || strings.TrimPrefix(strings.TrimPrefix(origin, "https://"), "http://") == r.Host
			}
			return allowedOrigins[origin]
		},
	}
}

var upgrader = getWebSocketUpgrader()

// Message is one frame sent to clients.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// WebSocketHub streams events and log lines to every connected client.
type WebSocketHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan Message
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.Mutex
	logCh      chan logger.LogEntry
	done       chan struct{}
	closeOnce  sync.Once
	dropped    atomic.Uint64
}

// NewWebSocketHub subscribes to events (when source is non-nil) and logs.
func NewWebSocketHub(source EventSource) *WebSocketHub {
	h := &WebSocketHub{
		broadcast:  make(chan Message, broadcastBuffer),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		clients:    make(map[*websocket.Conn]bool),
		logCh:      logger.Subscribe(),
		done:       make(chan struct{}),
	}

	if source != nil {
		source.SubscribeAll(func(e domain.Event) {
			h.Broadcast(Message{Type: "event", Data: e})
		})
	}

	go func() {
		for entry := range h.logCh {
			h.Broadcast(Message{Type: "log", Data: entry})
		}
	}()

	go h.run()
	return h
}

// Broadcast queues msg for every client, dropping it when the queue is full.
func (h *WebSocketHub) Broadcast(msg Message) {
	select {
	case <-h.done:
	case h.broadcast <- msg:
	default:
		h.dropped.Add(1)
	}
}

// Dropped returns how many messages were discarded.
func (h *WebSocketHub) Dropped() uint64 {
	return h.dropped.Load()
}

func (h *WebSocketHub) run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				_ = client.Close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			logger.Debugf("WebSocket client connected (Total: %d)", len(h.clients))
			h.mu.Unlock()

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				if err := client.Close(); err != nil {
					logger.Debugf("WebSocket close error: %v", err)
				}
				logger.Debugf("WebSocket client disconnected")
			}
			h.mu.Unlock()

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				_ = client.SetWriteDeadline(time.Now().Add(writeTimeout))
				if err := client.WriteJSON(message); err != nil {
					logger.Debugf("WebSocket write error: %v", err)
					_ = client.Close()
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Close disconnects every client and stops the log subscription.
func (h *WebSocketHub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)
		logger.Unsubscribe(h.logCh)
	})
}

func (h *WebSocketHub) send(ch chan *websocket.Conn, ws *websocket.Conn) bool {
	select {
	case ch <- ws:
		return true
	case <-h.done:
		return false
	}
}

func (h *WebSocketHub) HandleConnection(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Errorf("Failed to upgrade to WebSocket: %v", err)
		return
	}
	if !h.send(h.register, ws) {
		_ = ws.Close()
		return
	}

	// Written under the hub lock so it cannot interleave with a broadcast.
	h.mu.Lock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := ws.WriteJSON(Message{Type: "hello", Data: gin.H{"timestamp": time.Now()}}); err != nil {
		logger.Debugf("Failed to send hello: %v", err)
	}
	h.mu.Unlock()

	if err := ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		logger.Debugf("Failed to set initial read deadline: %v", err)
	}
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	stopPing := make(chan struct{})
	defer close(stopPing)
	go h.pingLoop(ws, stopPing)

	defer func() {
		h.send(h.unregister, ws)
		logger.Debugf("WebSocket client handler exited")
	}()

	// Reading keeps the pong handler running; clients are not expected to send.
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WebSocketHub) pingLoop(ws *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-h.done:
			return
		case <-ticker.C:
			h.mu.Lock()
			if !h.clients[ws] {
				h.mu.Unlock()
				return
			}
			err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			h.mu.Unlock()
			if err != nil {
				logger.Debugf("WebSocket ping error: %v", err)
				h.send(h.unregister, ws)
				return
			}
		}
	}
}

// ClientCount returns the number of connected WebSocket clients
func (h *WebSocketHub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
