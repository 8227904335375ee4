// Package ws streams ledger events to WebSocket clients.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/alanyoungcy/betledger/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Channels are the signal bus channels relayed to clients.
var Channels = []string{domain.ChannelWagers, domain.ChannelSettlements}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Auth middleware runs before the upgrade.
	CheckOrigin: func(*http.Request) bool { return true },
}

// client is one WebSocket connection.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan frame
	asJSON bool

	mu   sync.RWMutex
	subs map[string]bool
}

// frame is one bus message, routed by channel.
type frame struct {
	channel string
	payload []byte
}

// subscribeMsg is the text frame a client sends to change its channels.
type subscribeMsg struct {
	Action   string   `json:"action"` // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"`
}

// Hub bridges the signal bus to connected clients. By default events are
// sent as binary frames holding a protobuf Struct {channel, event};
// connecting with ?format=json gets text frames instead.
type Hub struct {
	bus        domain.SignalBus
	clients    map[*client]bool
	broadcast  chan frame
	register   chan *client
	unregister chan *client
	done       chan struct{}
	mu         sync.RWMutex
	startedAt  time.Time
	logger     *slog.Logger
}

// NewHub creates a Hub reading from bus.
func NewHub(bus domain.SignalBus, logger *slog.Logger) *Hub {
	return &Hub{
		bus:        bus,
		clients:    make(map[*client]bool),
		broadcast:  make(chan frame, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		startedAt:  time.Now().UTC(),
		logger:     logger.With(slog.String("component", "ws_hub")),
	}
}

// Run subscribes to the bus and fans messages out until ctx is done.
func (h *Hub) Run(ctx context.Context) error {
	for _, ch := range Channels {
		go h.subscribe(ctx, ch)
	}

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return nil

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if h.clients[c] {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case f := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.isSubscribed(f.channel) {
					continue
				}
				select {
				case c.send <- f:
				default:
					h.logger.Warn("ws: dropping message for slow client", slog.String("channel", f.channel))
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) subscribe(ctx context.Context, channel string) {
	msgs, err := h.bus.Subscribe(ctx, channel)
	if err != nil {
		h.logger.Error("ws: subscribe failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-msgs:
			if !ok {
				h.logger.Warn("ws: subscription closed", slog.String("channel", channel))
				return
			}
			select {
			case h.broadcast <- frame{channel: channel, payload: data}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades the request and registers the client on every channel.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan frame, sendBufferSize),
		asJSON: r.URL.Query().Get("format") == "json",
		subs:   make(map[string]bool, len(Channels)),
	}
	for _, ch := range Channels {
		c.subs[ch] = true
	}

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	c.sendHello()

	go c.writePump()
	go c.readPump()
}

// EncodeFrame wraps a JSON event published on channel into the binary
// frame format.
func EncodeFrame(channel string, payload []byte) ([]byte, error) {
	var event any
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("ws: decode %s event: %w", channel, err)
	}
	s, err := structpb.NewStruct(map[string]any{"channel": channel, "event": event})
	if err != nil {
		return nil, fmt.Errorf("ws: build frame: %w", err)
	}
	return proto.Marshal(s)
}

func (c *client) sendHello() {
	payload, err := json.Marshal(map[string]any{
		"uptime_seconds": int64(time.Since(c.hub.startedAt).Seconds()),
		"channels":       Channels,
	})
	if err != nil {
		return
	}
	select {
	case c.send <- frame{channel: "hello", payload: payload}:
	default:
	}
}

func (c *client) isSubscribed(channel string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subs[channel]
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) != nil {
			continue
		}
		c.mu.Lock()
		for _, ch := range sub.Channels {
			switch sub.Action {
			case "subscribe":
				c.subs[ch] = true
			case "unsubscribe":
				delete(c.subs, ch)
			}
		}
		c.mu.Unlock()
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case f, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.write(f); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) write(f frame) error {
	if c.asJSON {
		msg, err := json.Marshal(map[string]any{"channel": f.channel, "event": json.RawMessage(f.payload)})
		if err != nil {
			return nil
		}
		return c.conn.WriteMessage(websocket.TextMessage, msg)
	}
	data, err := EncodeFrame(f.channel, f.payload)
	if err != nil {
		c.hub.logger.Warn("ws: skipping undecodable event",
			slog.String("channel", f.channel),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}
