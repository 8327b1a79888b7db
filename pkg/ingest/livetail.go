package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tailwatch/tailwatch/pkg/config"
	"github.com/tailwatch/tailwatch/pkg/logger"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header = non-browser client (curl, SDKs, tests).
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
	ReadBufferSize:  config.WSReadBufferSize,
	WriteBufferSize: config.WSWriteBufferSize,
}

type subscription struct {
	conn      *websocket.Conn
	projectID string
}

// TailHub manages WebSocket connections for per-project live tailing of
// newly ingested log records.
type TailHub struct {
	clients map[*websocket.Conn]string

	register   chan subscription
	unregister chan *websocket.Conn
	events     chan TailEvent

	mu  sync.RWMutex
	log zerolog.Logger
}

// NewTailHub creates a live-tail hub.
func NewTailHub(log zerolog.Logger) *TailHub {
	return &TailHub{
		clients:    make(map[*websocket.Conn]string),
		register:   make(chan subscription, config.WSChannelBuffer),
		unregister: make(chan *websocket.Conn, config.WSChannelBuffer),
		events:     make(chan TailEvent, config.WSBroadcastBuffer),
		log:        logger.WithComponent(log, "livetail"),
	}
}

// Run starts the hub's main loop.
func (h *TailHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
			}
			h.mu.Unlock()
			return
		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub.projectID
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Str("project_id", sub.projectID).Int("total", count).Msg("Tail subscriber connected")
		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Debug().Int("total", count).Msg("Tail subscriber disconnected")
		case event := <-h.events:
			message, err := json.Marshal(event)
			if err != nil {
				continue
			}
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn, projectID := range h.clients {
				if projectID != event.ProjectID {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()

			// Unregister failed connections without holding the lock.
			for _, conn := range failed {
				h.unregister <- conn
			}
		}
	}
}

// Publish sends an event to the hub. Never blocks: when the channel is full
// the event is dropped, since live tail is best-effort by contract.
func (h *TailHub) Publish(event TailEvent) {
	if !h.HasSubscribers(event.ProjectID) {
		return
	}
	select {
	case h.events <- event:
	default:
	}
}

// HasSubscribers reports whether any client tails the project.
func (h *TailHub) HasSubscribers(projectID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, p := range h.clients {
		if p == projectID {
			return true
		}
	}
	return false
}

// HandleTail upgrades the request to a WebSocket subscribed to the
// project's new log records.
func (h *TailHub) HandleTail(projectID string, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	h.register <- subscription{conn: conn, projectID: projectID}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Ping sender keeps the connection alive.
	go func() {
		ticker := time.NewTicker(config.WSPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(config.WSWriteDeadline))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	defer func() {
		cancel()
		h.unregister <- conn
	}()

	conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(config.WSReadDeadline))
		return nil
	})

	// Read loop handles control frames and detects connection close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Debug().Err(err).Msg("WebSocket read error")
			}
			break
		}
	}
}
