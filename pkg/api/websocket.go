package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/uhyunpark/youstock/pkg/events"
	"go.uber.org/zap"
)

const (
	ChannelEvents  = "events"   // every event
	accountPrefix  = "account:" // events involving one address
	bookPrefix     = "book:"    // order and fill events of one give:get pair
	clientBuffer   = 256
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 4096
)

// ErrHubBackpressure is returned by Publish when the broadcast queue is full
var ErrHubBackpressure = errors.New("websocket hub queue full")

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// CORS is enforced on the REST routes
		return true
	},
}

type outbound struct {
	channels []string
	message  []byte
}

// Hub maintains active WebSocket connections and pushes engine events to
// the clients subscribed to their channels. It is an events.Sink.
type Hub struct {
	clients   map[*Client]bool
	broadcast chan outbound
	mu        sync.RWMutex
	logger    *zap.SugaredLogger
}

// NewHub creates a new WebSocket hub
func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		clients:   make(map[*Client]bool),
		broadcast: make(chan outbound, 1024),
		logger:    logger,
	}
}

// Run delivers queued messages until ctx is done, then disconnects everyone
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

// Publish queues every event for its channels without blocking the caller
func (h *Hub) Publish(_ context.Context, evs []events.Event) error {
	for _, ev := range evs {
		message, err := json.Marshal(WSMessage{Type: string(ev.Type), Seq: ev.Seq, Data: ev})
		if err != nil {
			return fmt.Errorf("marshal %s: %w", ev.Type, err)
		}
		select {
		case h.broadcast <- outbound{channels: eventChannels(ev), message: message}:
		default:
			return fmt.Errorf("%w: dropped seq %d", ErrHubBackpressure, ev.Seq)
		}
	}
	return nil
}

// BroadcastToChannel sends a message to all clients subscribed to a channel
func (h *Hub) BroadcastToChannel(channel string, data any) {
	message, err := json.Marshal(data)
	if err != nil {
		h.logger.Warnw("ws_marshal_failed", "channel", channel, "err", err)
		return
	}
	h.deliver(outbound{channels: []string{channel}, message: message})
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// deliver sends msg once to every client subscribed to any of its channels.
// A client whose buffer is full is disconnected.
func (h *Hub) deliver(msg outbound) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		if !client.IsSubscribedAny(msg.channels) {
			continue
		}
		select {
		case client.send <- msg.message:
		default:
			delete(h.clients, client)
			close(client.send)
			h.logger.Warnw("ws_client_dropped", "client", client.id, "reason", "slow consumer")
		}
	}
}

func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.mu.Unlock()
	h.logger.Infow("ws_client_connected", "client", c.id, "total", n)
}

func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		delete(h.clients, c)
		close(c.send)
	}
	n := len(h.clients)
	h.mu.Unlock()
	if ok {
		h.logger.Infow("ws_client_disconnected", "client", c.id, "total", n)
	}
}

// eventChannels lists the channels an event is published on
func eventChannels(ev events.Event) []string {
	chans := []string{ChannelEvents}
	if ev.Account != (common.Address{}) {
		chans = append(chans, accountPrefix+ev.Account.Hex())
	}
	switch p := ev.Payload.(type) {
	case events.OrderPayload:
		chans = append(chans, bookPrefix+p.Give+":"+p.Get)
	case events.FillPayload:
		chans = append(chans, bookPrefix+p.Give+":"+p.Get)
		for _, addr := range []string{p.Maker, p.Taker} {
			if addr != ev.Account.Hex() {
				chans = append(chans, accountPrefix+addr)
			}
		}
	}
	return chans
}

// normalizeChannel checksums addresses so subscriptions match regardless of case
func normalizeChannel(channel string) string {
	rest, ok := strings.CutPrefix(channel, accountPrefix)
	if ok && common.IsHexAddress(rest) {
		return accountPrefix + common.HexToAddress(rest).Hex()
	}
	return channel
}

// Client represents a WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
	id   string

	subscriptions map[string]bool
	subsMu        sync.RWMutex
}

// IsSubscribed checks if client is subscribed to a channel
func (c *Client) IsSubscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	return c.subscriptions[channel]
}

// IsSubscribedAny checks whether client follows at least one of channels
func (c *Client) IsSubscribedAny(channels []string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	for _, ch := range channels {
		if c.subscriptions[ch] {
			return true
		}
	}
	return false
}

func (c *Client) subscribe(channels []string) []string {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		ch = normalizeChannel(ch)
		c.subscriptions[ch] = true
		out = append(out, ch)
	}
	return out
}

func (c *Client) unsubscribe(channels []string) []string {
	c.subsMu.Lock()
	defer c.subsMu.Unlock()
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		ch = normalizeChannel(ch)
		delete(c.subscriptions, ch)
		out = append(out, ch)
	}
	return out
}

// reply queues a control message for this client only
func (c *Client) reply(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	c.hub.mu.RLock()
	defer c.hub.mu.RUnlock()
	if !c.hub.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// readPump handles subscription requests until the connection drops
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister(c)
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
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debugw("ws_read_failed", "client", c.id, "err", err)
			}
			return
		}

		var req WSSubscribeRequest
		if err := json.Unmarshal(message, &req); err != nil {
			c.reply(WSMessage{Type: "error", Data: "invalid message"})
			continue
		}

		switch req.Op {
		case "subscribe":
			c.reply(WSMessage{Type: "subscribed", Data: c.subscribe(req.Channels)})
		case "unsubscribe":
			c.reply(WSMessage{Type: "unsubscribed", Data: c.unsubscribe(req.Channels)})
		default:
			c.reply(WSMessage{Type: "error", Data: "unknown op: " + req.Op})
		}
	}
}

// writePump writes queued messages, one frame each, and keeps the connection alive
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
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

// handleWebSocket upgrades the connection and starts the client pumps
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugw("ws_upgrade_failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	client := &Client{
		hub:           s.hub,
		conn:          conn,
		send:          make(chan []byte, clientBuffer),
		id:            conn.RemoteAddr().String(),
		subscriptions: make(map[string]bool),
	}
	s.hub.register(client)

	go client.writePump()
	go client.readPump()
}
