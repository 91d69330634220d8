// Package sse fans change-feed events out to connected clients and to
// in-process subscribers.
package sse

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/facility-hub/facility-hub/internal/domain/changefeed"
)

// EventChange is the SSE event name carrying a changefeed.Event.
const EventChange = "change"

// Client is one open event stream.
type Client struct {
	ClientID    string
	UserID      string
	ConnectedAt time.Time
	MessageChan chan *Message

	once sync.Once
}

func NewClient(clientID, userID string) *Client {
	return &Client{
		ClientID:    clientID,
		UserID:      userID,
		ConnectedAt: time.Now().UTC(),
		MessageChan: make(chan *Message, 100),
	}
}

// Close closes the client's message channel. It is safe to call twice.
func (c *Client) Close() {
	c.once.Do(func() { close(c.MessageChan) })
}

// Message is one SSE frame.
type Message struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

func NewMessage(event string, data json.RawMessage) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}

// Hub manages SSE clients and local change subscribers.
type Hub struct {
	mu          sync.RWMutex
	clients     map[string]*Client
	subscribers map[uint64]changefeed.Handler
	nextSub     uint64
}

func NewHub() *Hub {
	return &Hub{
		clients:     make(map[string]*Client),
		subscribers: make(map[uint64]changefeed.Handler),
	}
}

// Register adds client, replacing and closing any stream with the same id.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[client.ClientID]; ok && old != client {
		old.Close()
	}
	h.clients[client.ClientID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[client.ClientID]; ok && c == client {
		delete(h.clients, client.ClientID)
	}
	client.Close()
}

func (h *Hub) GetClient(clientID string) *Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.clients[clientID]
}

func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) BroadcastToAll(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		trySend(c, message)
	}
}

func (h *Hub) BroadcastToUser(userID string, message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.UserID == userID {
			trySend(c, message)
		}
	}
}

// Publish delivers event to local subscribers and every connected stream.
// A full client buffer drops the frame; the client's next refresh covers it.
func (h *Hub) Publish(ctx context.Context, event changefeed.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	h.mu.RLock()
	handlers := make([]changefeed.Handler, 0, len(h.subscribers))
	for _, fn := range h.subscribers {
		handlers = append(handlers, fn)
	}
	h.mu.RUnlock()

	for _, fn := range handlers {
		fn(ctx, event)
	}
	msg := NewMessage(EventChange, data)
	if event.Collection == changefeed.CollectionUsers && event.EntityID != "" {
		// balance changes only concern the account owner
		h.BroadcastToUser(event.EntityID, msg)
		return nil
	}
	h.BroadcastToAll(msg)
	return nil
}

// Bridge republishes every event delivered by sub through the hub, so
// changes made by other instances reach local streams and subscribers.
func (h *Hub) Bridge(ctx context.Context, sub changefeed.Subscriber) (func(), error) {
	return sub.Subscribe(ctx, func(ctx context.Context, event changefeed.Event) {
		_ = h.Publish(ctx, event)
	})
}

// Subscribe registers handler for every published event.
func (h *Hub) Subscribe(_ context.Context, handler changefeed.Handler) (func(), error) {
	if handler == nil {
		return nil, errors.New("handler is required")
	}
	h.mu.Lock()
	h.nextSub++
	id := h.nextSub
	h.subscribers[id] = handler
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, id)
			h.mu.Unlock()
		})
	}, nil
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		c.Close()
		delete(h.clients, id)
	}
	for id := range h.subscribers {
		delete(h.subscribers, id)
	}
}

// trySend must run under the hub lock so it never races Close.
func trySend(c *Client, msg *Message) bool {
	select {
	case c.MessageChan <- msg:
		return true
	default:
		return false
	}
}
