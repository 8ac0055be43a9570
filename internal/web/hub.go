package web

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/codefionn/agentloop/internal/approval"
	"github.com/codefionn/agentloop/internal/events"
	"github.com/codefionn/agentloop/internal/logger"
)

// ErrHubStopped is returned for messages sent after the hub stopped.
var ErrHubStopped = errors.New("websocket hub stopped")

// Hub maintains the set of active clients and broadcasts messages. It is an
// events.Sink, so run events fan out to every connected client in order.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan *WebMessage
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
	done       chan struct{}
}

// NewHub creates a new hub
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan *WebMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run dispatches registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	logger.Info("WebSocket hub started")
	defer logger.Info("WebSocket hub stopped")
	defer close(h.done)

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			logger.Debug("Client registered: %s", client.ID)

		case client := <-h.unregister:
			h.remove(client)
			logger.Debug("Client unregistered: %s", client.ID)

		case message := <-h.broadcast:
			h.mu.Lock()
			for client := range h.clients {
				select {
				case client.send <- message:
				default:
					// Slow client, drop it rather than stall every run
					delete(h.clients, client)
					close(client.send)
					logger.Warn("Dropping slow client %s", client.ID)
				}
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
}

// Register registers a new client
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.done:
	}
}

// Unregister unregisters a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Broadcast queues a message for every client, waiting while the queue is
// full. Only a stopped hub discards messages.
func (h *Hub) Broadcast(message *WebMessage) {
	if err := h.Send(context.Background(), message); err != nil {
		logger.Debug("Dropping %s message: %v", message.Type, err)
	}
}

// Send queues a message for every client. It blocks until the hub accepts
// the message, the hub stops or ctx is done. Clients that cannot keep up
// are disconnected by Run; the queue itself never drops messages.
func (h *Hub) Send(ctx context.Context, message *WebMessage) error {
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now()
	}
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.broadcast <- message:
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Emit implements events.Sink. Events of a run reach every connected
// client in emission order, terminal events included.
func (h *Hub) Emit(ev events.Event) error {
	return h.Send(context.Background(), &WebMessage{Type: MessageTypeEvent, RunID: ev.ConversationID, Event: &ev, Timestamp: ev.Time})
}

// NotifyApproval forwards a pending approval to every client.
func (h *Hub) NotifyApproval(req approval.Request) {
	h.Broadcast(&WebMessage{
		Type:       MessageTypeApprovalRequest,
		RunID:      req.RunID,
		ApprovalID: req.ID,
		Approval:   &req,
	})
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
