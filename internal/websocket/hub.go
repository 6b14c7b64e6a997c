package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Message types
const (
	MessageTypeGameEvent   = "game_event"
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"
	MessageTypePing        = "ping"
	MessageTypePong        = "pong"
	MessageTypeError       = "error"
)

// Message represents a WebSocket message
type Message struct {
	Type      string      `json:"type"`
	Event     string      `json:"event,omitempty"`
	GameID    string      `json:"game_id,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// Hub maintains the set of active clients and broadcasts game events to
// the clients subscribed to each game.
type Hub struct {
	// Registered clients by game ID
	clients map[string]map[*Client]bool

	// All connected clients
	allClients map[*Client]bool

	// Register requests from clients
	register chan *Client

	// Unregister requests from clients
	unregister chan *Client

	// Outbound messages
	broadcast chan *Message

	// Subscription requests
	subscribe chan *subscriptionRequest

	// Unsubscription requests
	unsubscribe chan *subscriptionRequest

	// Mutex for thread-safe operations
	mu sync.RWMutex

	// Logger
	logger *slog.Logger

	// Context for shutdown
	ctx    context.Context
	cancel context.CancelFunc
}

type subscriptionRequest struct {
	client *Client
	gameID string
}

// NewHub creates a new Hub
func NewHub(logger *slog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		clients:     make(map[string]map[*Client]bool),
		allClients:  make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		subscribe:   make(chan *subscriptionRequest, 64),
		unsubscribe: make(chan *subscriptionRequest, 64),
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-h.ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", "client_id", client.id)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.allClients[client]; ok {
				delete(h.allClients, client)
				// Remove from all game subscriptions
				for gameID, clients := range h.clients {
					if _, ok := clients[client]; ok {
						delete(clients, client)
						if len(clients) == 0 {
							delete(h.clients, gameID)
						}
					}
				}
				close(client.send)
			}
			h.mu.Unlock()
			h.logger.Debug("client unregistered", "client_id", client.id)

		case req := <-h.subscribe:
			h.mu.Lock()
			if _, ok := h.clients[req.gameID]; !ok {
				h.clients[req.gameID] = make(map[*Client]bool)
			}
			h.clients[req.gameID][req.client] = true
			h.mu.Unlock()
			h.logger.Debug("client subscribed", "client_id", req.client.id, "game_id", req.gameID)

		case req := <-h.unsubscribe:
			h.mu.Lock()
			if clients, ok := h.clients[req.gameID]; ok {
				delete(clients, req.client)
				if len(clients) == 0 {
					delete(h.clients, req.gameID)
				}
			}
			h.mu.Unlock()
			h.logger.Debug("client unsubscribed", "client_id", req.client.id, "game_id", req.gameID)

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	h.cancel()
}

// broadcastMessage sends a message to all subscribed clients
func (h *Hub) broadcastMessage(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("failed to marshal message", "error", err)
		return
	}

	// If message has a game ID, only send to subscribed clients
	if message.GameID != "" {
		if clients, ok := h.clients[message.GameID]; ok {
			for client := range clients {
				select {
				case client.send <- data:
				default:
					// Client's buffer is full, skip
					h.logger.Warn("client buffer full, skipping", "client_id", client.id)
				}
			}
		}
	} else {
		// Broadcast to all clients
		for client := range h.allClients {
			select {
			case client.send <- data:
			default:
				h.logger.Warn("client buffer full, skipping", "client_id", client.id)
			}
		}
	}
}

// BroadcastGameEvent sends a game event to all clients subscribed to the
// game. Implements the engine's EventSink.
func (h *Hub) BroadcastGameEvent(gameID, eventType string, payload any) {
	message := &Message{
		Type:      MessageTypeGameEvent,
		Event:     eventType,
		GameID:    gameID,
		Data:      payload,
		Timestamp: time.Now(),
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn("broadcast channel full, dropping message",
			"game_id", gameID, "event", eventType)
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Subscribe adds a client to a game subscription
func (h *Hub) Subscribe(client *Client, gameID string) {
	h.subscribe <- &subscriptionRequest{
		client: client,
		gameID: gameID,
	}
}

// Unsubscribe removes a client from a game subscription
func (h *Hub) Unsubscribe(client *Client, gameID string) {
	h.unsubscribe <- &subscriptionRequest{
		client: client,
		gameID: gameID,
	}
}

// GetSubscriberCount returns the number of subscribers for a game
func (h *Hub) GetSubscriberCount(gameID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if clients, ok := h.clients[gameID]; ok {
		return len(clients)
	}
	return 0
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}
