package server

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"go.uber.org/zap"

	"crashpool/internal/events"
	"crashpool/internal/metrics"
)

const (
	HUB_FEED_BUFFER   = 1024
	CLIENT_BUFFER     = 256
	CLIENT_WRITE_WAIT = 10 * time.Second
)

// wsConn is the part of a websocket connection the hub writes to.
type wsConn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Client struct {
	conn   wsConn
	userID string
	out    chan []byte

	mu     sync.Mutex
	closed bool
}

// enqueue hands a frame to the client's writer. A full queue means the
// client is too slow; the frame is dropped and it catches up with replay.
func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.out <- frame:
		return true
	default:
		return false
	}
}

// send marshals v and queues it, for direct replies to the client.
func (c *Client) send(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		return false
	}
	return c.enqueue(data)
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.out)
	}
}

func (c *Client) writePump(log *zap.Logger) {
	for frame := range c.out {
		c.conn.SetWriteDeadline(time.Now().Add(CLIENT_WRITE_WAIT))
		if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			log.Debug("[WS] Write error", zap.String("user_id", c.userID), zap.Error(err))
			c.close()
			for range c.out {
			}
			break
		}
	}
	c.conn.Close()
}

type registration struct {
	client  *Client
	backlog []events.Event
}

// Hub relays bus events to websocket clients. Every frame is an
// events.Event; clients order and dedupe on (round_id, seq).
type Hub struct {
	clients    map[*Client]bool
	register   chan registration
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	log        *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan registration),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		log:        log,
	}
}

// Run delivers feed to every registered client until ctx ends or the feed
// is closed.
func (h *Hub) Run(ctx context.Context, feed <-chan events.Event) {
	defer func() {
		close(h.done)
		h.mu.Lock()
		for client := range h.clients {
			client.close()
			delete(h.clients, client)
		}
		h.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case reg := <-h.register:
			for _, e := range reg.backlog {
				h.deliver(reg.client, e)
			}
			h.mu.Lock()
			h.clients[reg.client] = true
			total := len(h.clients)
			h.mu.Unlock()
			h.log.Info("[WS] Client connected", zap.String("user_id", reg.client.userID), zap.Int("total", total))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
				h.log.Info("[WS] Client disconnected", zap.String("user_id", client.userID), zap.Int("total", len(h.clients)))
			}
			h.mu.Unlock()

		case e, ok := <-feed:
			if !ok {
				return
			}
			frame, err := json.Marshal(e)
			if err != nil {
				h.log.Error("[WS] Marshal error", zap.String("kind", string(e.Kind)), zap.Error(err))
				continue
			}
			h.mu.RLock()
			for client := range h.clients {
				if !client.enqueue(frame) {
					metrics.EventsDropped.WithLabelValues("websocket").Inc()
				}
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) deliver(c *Client, e events.Event) {
	if !c.send(e) {
		metrics.EventsDropped.WithLabelValues("websocket").Inc()
	}
}

// RegisterClient starts a writer for conn and queues backlog ahead of live
// events. It returns nil once the hub has stopped.
func (h *Hub) RegisterClient(conn wsConn, userID string, backlog []events.Event) *Client {
	client := &Client{
		conn:   conn,
		userID: userID,
		out:    make(chan []byte, CLIENT_BUFFER),
	}
	go client.writePump(h.log)
	select {
	case h.register <- registration{client: client, backlog: backlog}:
		return client
	case <-h.done:
		client.close()
		return nil
	}
}

func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
		client.close()
	}
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
