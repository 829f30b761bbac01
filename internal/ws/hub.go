package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/lanternlabs/lantern/internal/logger"
	"github.com/lanternlabs/lantern/internal/metrics"
)

const (
	// defaultWriteWait bounds a single send; a client that cannot drain a
	// frame within it is dropped so it never stalls the rest.
	defaultWriteWait = 10 * time.Second

	maxMessageSize = 1 << 20

	// Inbound envelope rate per client. Bursty UIs are fine; floods are not.
	messagesPerSecond = 20
	messageBurst      = 40
)

// Client is one connected WebSocket peer. Sends are serialized per client.
type Client struct {
	conn    *websocket.Conn
	limiter *rate.Limiter

	mu sync.Mutex
}

// send writes one envelope with a deadline. Not safe to call without the
// hub tracking the client.
func (c *Client) send(env Envelope, writeWait time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(env)
}

// Handler processes one inbound envelope from a client. Replies go through
// the hub's Send or Broadcast.
type Handler func(client *Client, env Envelope)

// Hub owns the client set and fans envelopes out to it.
type Hub struct {
	upgrader  websocket.Upgrader
	writeWait time.Duration

	handler   Handler
	onConnect func(client *Client)

	mu      sync.Mutex
	clients map[*Client]struct{}
}

// NewHub creates an empty hub. The envelope handler and connect hook are
// wired afterwards, before the HTTP server starts accepting.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Local daemon; the remote UI connects from any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		writeWait: defaultWriteWait,
		clients:   make(map[*Client]struct{}),
	}
}

// SetHandler installs the inbound envelope handler.
func (h *Hub) SetHandler(fn Handler) { h.handler = fn }

// SetOnConnect installs a hook invoked once per new client, before its
// read loop starts.
func (h *Hub) SetOnConnect(fn func(*Client)) { h.onConnect = fn }

// ServeWS upgrades an HTTP request and runs the client's read loop until
// the connection dies.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	client := &Client{
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(messagesPerSecond), messageBurst),
	}

	h.mu.Lock()
	h.clients[client] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	metrics.ConnectedClients.Set(float64(n))
	logger.Info("client connected", "remote", r.RemoteAddr, "clients", n)

	if h.onConnect != nil {
		h.onConnect(client)
	}

	h.readLoop(client)
}

func (h *Hub) readLoop(client *Client) {
	defer h.remove(client, "disconnected")

	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			_ = h.Send(client, ErrorEnvelope(CodeInvalidMessage, "malformed envelope"))
			continue
		}

		if !client.limiter.Allow() {
			_ = h.Send(client, ErrorEnvelope(CodeRateLimited, "too many messages"))
			continue
		}

		if env.Type == TypePing {
			_ = h.Send(client, Envelope{Type: TypePong, ID: env.ID})
			continue
		}

		if h.handler != nil {
			h.handler(client, env)
		}
	}
}

// Send delivers one envelope to one client, dropping the client on a
// timed-out or failed write.
func (h *Hub) Send(client *Client, env Envelope) error {
	if err := client.send(env, h.writeWait); err != nil {
		h.remove(client, "send failed")
		metrics.DroppedClients.Inc()
		return err
	}
	return nil
}

// Broadcast delivers one envelope to every connected client. Clients whose
// write times out are dropped; the rest still receive the envelope.
func (h *Hub) Broadcast(env Envelope) {
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.send(env, h.writeWait); err != nil {
			logger.Warn("dropping slow client", "type", env.Type, "error", err)
			h.remove(c, "write timeout")
			metrics.DroppedClients.Inc()
		}
	}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		h.remove(c, "shutdown")
	}
}

func (h *Hub) remove(client *Client, reason string) {
	h.mu.Lock()
	_, present := h.clients[client]
	delete(h.clients, client)
	n := len(h.clients)
	h.mu.Unlock()

	if !present {
		return
	}
	_ = client.conn.Close()
	metrics.ConnectedClients.Set(float64(n))
	logger.Info("client removed", "reason", reason, "clients", n)
}
