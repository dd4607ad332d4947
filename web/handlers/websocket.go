package handlers

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket" //nolint:staticcheck // TODO: migrate to github.com/coder/websocket

	"github.com/scrypster/fanout/internal/bus"
	"github.com/scrypster/fanout/internal/logging"
)

// StreamMessage is the frame sent to websocket clients.
type StreamMessage struct {
	Type string         `json:"type"`
	Data bus.DeadLetter `json:"data"`
}

// DeadLetterHub streams dead letters to connected websocket clients.
type DeadLetterHub struct {
	clients    map[clientInterface]bool
	broadcast  chan bus.DeadLetter
	register   chan clientInterface
	unregister chan clientInterface
	mu         sync.RWMutex
	ctx        context.Context
	cancel     context.CancelFunc

	originPatterns []string
	logger         *slog.Logger
}

// clientInterface allows for both real clients and test clients.
type clientInterface interface {
	getSendChannel() chan []byte
	close()
}

// Client represents a websocket connection.
type Client struct {
	hub  *DeadLetterHub
	conn *websocket.Conn //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
	send chan []byte
	once sync.Once
}

func (c *Client) getSendChannel() chan []byte {
	return c.send
}

func (c *Client) close() {
	c.once.Do(func() {
		if c.conn != nil {
			_ = c.conn.Close(websocket.StatusNormalClosure, "") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		}
	})
}

// NewDeadLetterHub creates a hub. originPatterns lists the extra hosts
// allowed to open a stream; same-origin requests are always accepted.
func NewDeadLetterHub(originPatterns []string, logger *slog.Logger) *DeadLetterHub {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DeadLetterHub{
		clients:        make(map[clientInterface]bool),
		broadcast:      make(chan bus.DeadLetter, 256),
		register:       make(chan clientInterface),
		unregister:     make(chan clientInterface),
		ctx:            ctx,
		cancel:         cancel,
		originPatterns: originPatterns,
		logger:         logging.WithComponent(logger, "deadletter_hub"),
	}
}

// Run processes registrations and broadcasts until Stop is called.
func (h *DeadLetterHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.ctx.Err() != nil {
				// Stop already ran; it will not see this client.
				h.mu.Unlock()
				close(client.getSendChannel())
				client.close()
				continue
			}
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client connected", "clients", count)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.getSendChannel())
			}
			count := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("websocket client disconnected", "clients", count)

		case dl := <-h.broadcast:
			data, err := json.Marshal(StreamMessage{Type: "dead_letter", Data: dl})
			if err != nil {
				h.logger.Error("failed to marshal dead letter", "error", err)
				continue
			}

			h.mu.Lock()
			for client := range h.clients {
				sendChan := client.getSendChannel()
				select {
				case sendChan <- data:
				default:
					// Slow consumer.
					close(sendChan)
					delete(h.clients, client)
				}
			}
			h.mu.Unlock()

		case <-h.ctx.Done():
			return
		}
	}
}

// Stop disconnects every client and ends Run.
func (h *DeadLetterHub) Stop() {
	h.cancel()

	h.mu.Lock()
	for client := range h.clients {
		close(client.getSendChannel())
		client.close()
	}
	h.clients = make(map[clientInterface]bool)
	h.mu.Unlock()
}

// Publish queues a dead letter for broadcast. It never blocks; it matches
// bus.Options.OnDeadLetter.
func (h *DeadLetterHub) Publish(dl bus.DeadLetter) {
	select {
	case h.broadcast <- dl:
	default:
		h.logger.Warn("broadcast channel full, dropping dead letter",
			"subscriber", dl.Subscriber, "delivery_id", dl.DeliveryID)
	}
}

// Clients returns the number of connected clients.
func (h *DeadLetterHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// registerClient hands client to Run. It reports false when the hub has
// stopped; the caller then owns the client.
func (h *DeadLetterHub) registerClient(client clientInterface) bool {
	select {
	case h.register <- client:
		return true
	case <-h.ctx.Done():
		return false
	}
}

func (h *DeadLetterHub) unregisterClient(client clientInterface) {
	select {
	case h.unregister <- client:
	case <-h.ctx.Done():
	}
}

// ServeHTTP upgrades the request and streams dead letters to it.
func (h *DeadLetterHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		respondText(w, http.StatusServiceUnavailable, "dead letter stream is shutting down")
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{ //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		// Accept has already written the response.
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	client := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, 64),
	}

	if !h.registerClient(client) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down") //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		return
	}

	go client.writePump()
	go client.readPump()
}

// writePump sends frames to the connection until the send channel closes.
func (c *Client) writePump() {
	defer func() {
		c.hub.unregisterClient(c)
		c.close()
	}()

	for message := range c.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := c.conn.Write(ctx, websocket.MessageText, message) //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
		cancel()

		if err != nil {
			c.hub.logger.Debug("websocket write failed", "error", err)
			return
		}
	}
}

// readPump drains client frames to detect disconnects.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregisterClient(c)
		c.close()
	}()

	for {
		if _, _, err := c.conn.Read(c.hub.ctx); err != nil { //nolint:staticcheck // TODO: migrate to github.com/coder/websocket
			return
		}
	}
}
