package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"eibdvis/internal/gateway"
	"eibdvis/internal/knx"
	"eibdvis/internal/store"
)

// wsMessage is what room.js receives. Group events carry the display string
// so the browser does not need to know the datapoint codecs.
type wsMessage struct {
	Type       string                   `json:"type"`
	Address    string                   `json:"address,omitempty"`
	Display    string                   `json:"display,omitempty"`
	Value      *store.GroupValue        `json:"value,omitempty"`
	Connection *gateway.ConnectionState `json:"connection,omitempty"`
	Values     []wsValue                `json:"values,omitempty"`
}

type wsValue struct {
	Address string `json:"address"`
	Display string `json:"display"`
}

const wsSnapshot = "snapshot"

// wsMessageFor converts a gateway event. ok is false for events the browser
// has no use for.
func wsMessageFor(event gateway.Event) (wsMessage, bool) {
	switch data := event.Data.(type) {
	case *store.GroupValue:
		msg := wsMessage{Type: event.Type, Address: data.Address.String()}
		if event.Type != gateway.EventGroupRead {
			msg.Display = knx.Format(data.DPT, data.Value)
			msg.Value = data
		}
		return msg, true
	case gateway.ConnectionState:
		return wsMessage{Type: event.Type, Connection: &data}, true
	}
	return wsMessage{}, false
}

// snapshotMessage is sent to every new client before live events.
func snapshotMessage(gw *gateway.Gateway) wsMessage {
	values := gw.Values()
	msg := wsMessage{
		Type:       wsSnapshot,
		Connection: &gateway.ConnectionState{Connected: gw.Connected()},
		Values:     make([]wsValue, 0, len(values)),
	}
	for _, v := range values {
		msg.Values = append(msg.Values, wsValue{Address: v.Address.String(), Display: knx.Format(v.DPT, v.Value)})
	}
	return msg
}

// WSHub manages WebSocket connections and broadcasts gateway events.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan wsMessage

	done     chan struct{}
	stopOnce sync.Once
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
	// snapshot, if set, is queued by the hub loop as the client registers,
	// ahead of any broadcast the client can receive.
	snapshot func() []byte
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan wsMessage, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				close(client.send)
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			if client.snapshot != nil {
				if data := client.snapshot(); data != nil {
					select {
					case client.send <- data:
					default:
					}
				}
			}
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("ws marshal", "type", msg.Type, "err", err)
				continue
			}
			h.mu.Lock()
			var slow []*wsClient
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			for _, client := range slow {
				delete(h.clients, client)
				close(client.send)
				h.logger.Warn("ws client evicted (too slow)")
			}
			h.mu.Unlock()
		}
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast converts a gateway event and queues it for all clients.
func (h *WSHub) Broadcast(event gateway.Event) {
	msg, ok := wsMessageFor(event)
	if !ok {
		return
	}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws broadcast channel full, dropping message", "type", event.Type)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}

	conn.SetReadLimit(4096)

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
		snapshot: func() []byte {
			data, err := json.Marshal(snapshotMessage(s.gw))
			if err != nil {
				s.logger.Error("ws snapshot", "err", err)
				return nil
			}
			return data
		},
	}

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	go s.wsWritePump(client)
	s.wsReadPump(client)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(client *wsClient) {
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	// The feed is one-way; reads only detect the client going away.
	for {
		if _, _, err := client.conn.Read(ctx); err != nil {
			return
		}
	}
}
