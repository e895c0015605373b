package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"dsrules/internal/events"
	"dsrules/internal/logging"
	"dsrules/internal/web/middleware"
)

const (
	streamBuffer = 64
	writeWait    = 5 * time.Second
	pingPeriod   = 30 * time.Second
)

// Hub fans handled events out to websocket subscribers. It is an
// engine observer; slow subscribers lose events rather than block the loop.
type Hub struct {
	mu       sync.Mutex
	clients  map[*subscriber]struct{}
	upgrader websocket.Upgrader
	log      zerolog.Logger
}

type subscriber struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[*subscriber]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logging.Component("stream"),
	}
}

// Observe implements engine.Observer
func (h *Hub) Observe(ev events.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.clients) == 0 {
		return
	}
	msg, err := json.Marshal(ev)
	if err != nil {
		h.log.Warn().Err(err).Str("event", ev.Name).Msg("event not encodable")
		return
	}
	for s := range h.clients {
		select {
		case s.send <- msg:
		default:
			h.log.Debug().Str("event", ev.Name).Msg("subscriber behind, event dropped")
		}
	}
}

// Subscribers returns the number of connected clients
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[s] = struct{}{}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[s]; ok {
		delete(h.clients, s)
		close(s.send)
	}
}

func (h *Hub) serve(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}
	s := &subscriber{conn: conn, send: make(chan []byte, streamBuffer)}
	h.add(s)
	h.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("stream subscriber connected")

	go h.writer(s)

	// reads only detect the close; clients have nothing to say
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(s)
	h.log.Info().Str("remote", conn.RemoteAddr().String()).Msg("stream subscriber left")
}

func (h *Hub) writer(s *subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func RegisterStreamRoutes(r *gin.Engine, middleware *middleware.MiddlewareManager, hub *Hub) {
	r.GET("/events/stream", middleware.RequireAuth(), hub.serve)
}
