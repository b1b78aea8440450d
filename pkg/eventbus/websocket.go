package eventbus

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/armorclaw/conference/pkg/logger"
)

// wsServer delivers bus notifications to WebSocket clients. Each connection
// sends a JSON subscribe frame carrying its filter and then receives
// matching notifications until it disconnects.
type wsServer struct {
	bus    *Bus
	config Config
	log    *logger.Logger

	httpServer *http.Server
	upgrader   websocket.Upgrader

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// subscribeFrame is the first frame a client sends
type subscribeFrame struct {
	Action      string   `json:"action"`
	RoomID      string   `json:"room_id,omitempty"`
	GroupCallID string   `json:"group_call_id,omitempty"`
	Kinds       []string `json:"kinds,omitempty"`
}

func newWSServer(bus *Bus, config Config) *wsServer {
	return &wsServer{
		bus:    bus,
		config: config,
		log:    logger.Global().WithComponent("eventbus.ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

func (s *wsServer) start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.config.WebSocketPath, s.handleConnection)

	s.httpServer = &http.Server{
		Addr:    s.config.WebSocketAddr,
		Handler: mux,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("websocket server failed", "error", err)
		}
	}()
	return nil
}

func (s *wsServer) stop() {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.Warn("websocket shutdown", "error", err)
		}
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.conns = make(map[*websocket.Conn]struct{})
	s.mu.Unlock()
}

func (s *wsServer) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		s.log.Debug("websocket closed before subscribe", "remote", r.RemoteAddr)
		return
	}

	var frame subscribeFrame
	if err := json.Unmarshal(raw, &frame); err != nil || frame.Action != "subscribe" {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"expected subscribe frame"}`))
		return
	}

	kinds := make([]Kind, 0, len(frame.Kinds))
	for _, k := range frame.Kinds {
		kinds = append(kinds, Kind(k))
	}
	sub, err := s.bus.Subscribe(Filter{
		RoomID:      frame.RoomID,
		GroupCallID: frame.GroupCallID,
		Kinds:       kinds,
	})
	if err != nil {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"error":"subscriber limit reached"}`))
		return
	}
	defer s.bus.Unsubscribe(sub.ID)

	s.log.Debug("websocket subscriber connected",
		"subscriber_id", sub.ID, "remote", r.RemoteAddr)

	// Reader goroutine: drain control frames and detect disconnect
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadDeadline(time.Time{})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case n, ok := <-sub.Channel:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(n); err != nil {
				s.log.Debug("websocket write failed", "subscriber_id", sub.ID, "error", err)
				return
			}
		}
	}
}
