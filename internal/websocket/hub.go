package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gamestats-mongo/internal/domain"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Message types
const (
	MessageTypeStatsUpdate  = "stats_update"
	MessageTypeSubscribe    = "subscribe"
	MessageTypeUnsubscribe  = "unsubscribe"
	MessageTypeSubscribed   = "subscribed"
	MessageTypeUnsubscribed = "unsubscribed"
	MessageTypePing         = "ping"
	MessageTypePong         = "pong"
	MessageTypeError        = "error"
)

// AllNamespaces subscribes a client to updates from every namespace
const AllNamespaces = "*"

// Message represents a WebSocket message
type Message struct {
	Type      string    `json:"type"`
	Namespace string    `json:"namespace,omitempty"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatsUpdate announces an accepted stats upload
type StatsUpdate struct {
	ServerName string      `json:"server_name"`
	Namespace  string      `json:"namespace"`
	Players    []uuid.UUID `json:"players"`
	StatCount  int         `json:"stat_count"`
	Global     bool        `json:"global"`
}

// Hub maintains the set of active clients and broadcasts stats updates to
// the clients subscribed to their namespace
type Hub struct {
	// Subscribed clients by namespace
	clients map[string]map[*Client]bool

	// All connected clients
	allClients map[*Client]bool

	register    chan *Client
	unregister  chan *Client
	broadcast   chan *Message
	subscribe   chan *subscriptionRequest
	unsubscribe chan *subscriptionRequest

	// Closed when Run returns
	stopped chan struct{}

	mu     sync.RWMutex
	logger zerolog.Logger
	now    func() time.Time
}

type subscriptionRequest struct {
	client    *Client
	namespace string
	done      chan struct{}
}

// NewHub creates a new Hub
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients:     make(map[string]map[*Client]bool),
		allClients:  make(map[*Client]bool),
		register:    make(chan *Client),
		unregister:  make(chan *Client),
		broadcast:   make(chan *Message, 256),
		subscribe:   make(chan *subscriptionRequest, 64),
		unsubscribe: make(chan *subscriptionRequest, 64),
		stopped:     make(chan struct{}),
		logger:      logger.With().Str("component", "websocket").Logger(),
		now:         time.Now,
	}
}

// Run starts the hub's main loop and returns when ctx is cancelled
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info().Msg("WebSocket hub started")
	defer close(h.stopped)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			h.logger.Info().Msg("WebSocket hub stopped")
			return

		case client := <-h.register:
			h.mu.Lock()
			h.allClients[client] = true
			h.mu.Unlock()
			h.logger.Debug().Str("client_id", client.id).Msg("client registered")

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.allClients[client]; ok {
				delete(h.allClients, client)
				for ns, clients := range h.clients {
					delete(clients, client)
					if len(clients) == 0 {
						delete(h.clients, ns)
					}
				}
				client.closeSend()
			}
			h.mu.Unlock()
			h.logger.Debug().Str("client_id", client.id).Msg("client unregistered")

		case req := <-h.subscribe:
			h.mu.Lock()
			if _, ok := h.clients[req.namespace]; !ok {
				h.clients[req.namespace] = make(map[*Client]bool)
			}
			h.clients[req.namespace][req.client] = true
			h.mu.Unlock()
			close(req.done)
			h.logger.Debug().Str("client_id", req.client.id).Str("namespace", req.namespace).Msg("client subscribed")

		case req := <-h.unsubscribe:
			h.mu.Lock()
			if clients, ok := h.clients[req.namespace]; ok {
				delete(clients, req.client)
				if len(clients) == 0 {
					delete(h.clients, req.namespace)
				}
			}
			h.mu.Unlock()
			close(req.done)
			h.logger.Debug().Str("client_id", req.client.id).Str("namespace", req.namespace).Msg("client unsubscribed")

		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.allClients {
		client.closeSend()
	}
	h.allClients = make(map[*Client]bool)
	h.clients = make(map[string]map[*Client]bool)
}

// broadcastMessage sends a message to the clients subscribed to its
// namespace and to the clients subscribed to every namespace
func (h *Hub) broadcastMessage(message *Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to marshal message")
		return
	}

	targets := make(map[*Client]bool)
	for client := range h.clients[message.Namespace] {
		targets[client] = true
	}
	for client := range h.clients[AllNamespaces] {
		targets[client] = true
	}

	for client := range targets {
		select {
		case client.send <- data:
		default:
			// Client's buffer is full, skip
			h.logger.Warn().Str("client_id", client.id).Msg("client buffer full, skipping")
		}
	}
}

// NotifyStatsUpdate broadcasts an accepted upload to its namespace
func (h *Hub) NotifyStatsUpdate(summary *domain.UploadSummary) {
	message := &Message{
		Type:      MessageTypeStatsUpdate,
		Namespace: summary.Namespace,
		Data: StatsUpdate{
			ServerName: summary.ServerName,
			Namespace:  summary.Namespace,
			Players:    summary.Players,
			StatCount:  summary.StatCount,
			Global:     summary.Global,
		},
		Timestamp: h.now(),
	}

	select {
	case h.broadcast <- message:
	default:
		h.logger.Warn().Str("namespace", summary.Namespace).Msg("broadcast channel full, dropping message")
	}
}

// Register adds a client to the hub. It reports false once the hub stopped.
func (h *Hub) Register(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.stopped:
		return false
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.stopped:
	}
}

// Subscribe adds a client to a namespace and waits until the hub applied it
func (h *Hub) Subscribe(client *Client, namespace string) {
	h.request(h.subscribe, client, namespace)
}

// Unsubscribe removes a client from a namespace
func (h *Hub) Unsubscribe(client *Client, namespace string) {
	h.request(h.unsubscribe, client, namespace)
}

func (h *Hub) request(ch chan *subscriptionRequest, client *Client, namespace string) {
	req := &subscriptionRequest{client: client, namespace: namespace, done: make(chan struct{})}
	select {
	case ch <- req:
	case <-h.stopped:
		return
	}
	select {
	case <-req.done:
	case <-h.stopped:
	}
}

// GetSubscriberCount returns the number of subscribers for a namespace
func (h *Hub) GetSubscriberCount(namespace string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[namespace])
}

// GetTotalConnections returns the total number of connected clients
func (h *Hub) GetTotalConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allClients)
}

// ServeWs upgrades a request and attaches the connection to the hub
func (h *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	serveWs(h, h.logger, w, r)
}
