package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/polyield/internal/domain"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10 // must be less than pongWait
	maxMessageSize = 4096
	sendBufferSize = 256
)

// Envelope types sent to clients.
const (
	typeHello       = "hello"
	typeLedgerEvent = "ledger_event"
)

// envelope wraps every frame the hub sends.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// client is one WebSocket connection. An empty asset set receives events of
// every vault.
type client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	assets map[common.Address]bool
	mu     sync.RWMutex
}

// subscribeMsg is sent by clients to narrow or widen their asset filter:
//
//	{"action":"subscribe","assets":["0x..."]}
type subscribeMsg struct {
	Action string   `json:"action"`
	Assets []string `json:"assets"`
}

// Config carries the hub's runtime metadata and origin policy.
type Config struct {
	Mode      string
	StartedAt time.Time
	// AllowedOrigins restricts browser origins. Empty allows all.
	AllowedOrigins []string
}

// Hub relays committed ledger events from the event bus to connected
// WebSocket clients.
type Hub struct {
	clients    map[*client]bool
	broadcast  chan broadcastMsg
	register   chan *client
	unregister chan *client
	done       chan struct{} // closed when Run returns
	bus        domain.EventBus
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
	logger     *slog.Logger
	mode       string
	startedAt  time.Time
}

type broadcastMsg struct {
	asset common.Address
	data  []byte
}

// NewHub creates a Hub fed by bus.
func NewHub(bus domain.EventBus, logger *slog.Logger, cfg Config) *Hub {
	mode := strings.TrimSpace(strings.ToLower(cfg.Mode))
	if mode == "" {
		mode = "unknown"
	}
	startedAt := cfg.StartedAt
	if startedAt.IsZero() {
		startedAt = time.Now().UTC()
	}
	h := &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan broadcastMsg, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		bus:        bus,
		logger:     logger,
		mode:       mode,
		startedAt:  startedAt,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

// Run subscribes to the ledger event channel and fans events out until ctx
// is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	events, err := h.bus.Subscribe(ctx, domain.EventsChannel)
	if err != nil {
		return err
	}
	go h.relay(ctx, events)
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return ctx.Err()

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client connected", slog.Int("total_clients", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("ws: client disconnected", slog.Int("total_clients", n))

		case msg := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				if !c.wants(msg.asset) {
					continue
				}
				select {
				case c.send <- msg.data:
				default:
					h.logger.Warn("ws: dropping message for slow client")
				}
			}
			h.mu.RUnlock()
		}
	}
}

// relay wraps bus payloads in envelopes and hands them to the Run loop.
func (h *Hub) relay(ctx context.Context, events <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-events:
			if !ok {
				h.logger.Warn("ws: event subscription closed")
				return
			}
			var head struct {
				Asset common.Address `json:"asset"`
			}
			if err := json.Unmarshal(data, &head); err != nil {
				h.logger.Warn("ws: skipping malformed event", slog.String("error", err.Error()))
				continue
			}
			frame, err := json.Marshal(envelope{Type: typeLedgerEvent, Payload: data})
			if err != nil {
				continue
			}
			select {
			case h.broadcast <- broadcastMsg{asset: head.Asset, data: frame}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// HandleWS upgrades the request and registers the client. An "asset" query
// parameter (repeatable) sets the initial filter.
// GET /ws
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("ws: upgrade failed", slog.String("error", err.Error()))
		return
	}

	c := &client{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBufferSize),
		assets: make(map[common.Address]bool),
	}
	c.setAssets("subscribe", r.URL.Query()["asset"])
	c.sendHello()

	select {
	case h.register <- c:
	case <-h.done:
		conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
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
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("ws: unexpected close error", slog.String("error", err.Error()))
			}
			return
		}
		var sub subscribeMsg
		if json.Unmarshal(message, &sub) == nil && sub.Action != "" {
			c.setAssets(sub.Action, sub.Assets)
		}
	}
}

// setAssets applies a subscribe or unsubscribe request. Invalid addresses
// are ignored.
func (c *client) setAssets(action string, assets []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, a := range assets {
		if !common.IsHexAddress(a) {
			continue
		}
		addr := common.HexToAddress(a)
		switch action {
		case "subscribe":
			c.assets[addr] = true
		case "unsubscribe":
			delete(c.assets, addr)
		}
	}
}

func (c *client) wants(asset common.Address) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.assets) == 0 || c.assets[asset]
}

// sendHello lets clients mark the connection healthy before any event
// arrives.
func (c *client) sendHello() {
	payload, err := json.Marshal(map[string]any{
		"mode":           c.hub.mode,
		"uptime_seconds": max(0, int64(time.Since(c.hub.startedAt).Seconds())),
		"channel":        domain.EventsChannel,
	})
	if err != nil {
		return
	}
	msg, err := json.Marshal(envelope{Type: typeHello, Payload: payload})
	if err != nil {
		return
	}
	select {
	case c.send <- msg:
	default:
	}
}

// writePump sends queued frames as text messages and pings periodically.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
