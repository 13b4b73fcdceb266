// Package hub provides an optional websocket fan-out of the daemon's
// task and group status-change events, for external dashboards and
// shells that want to watch activity live instead of polling Status.
// Adapted from the teacher's websocket Hub/Client/Handler trio
// (internal/websocket), with the Redis-backed events.RedisPubSub
// replaced by a direct subscription to internal/eventbus — the teacher
// fanned events out to a Hub that had already received them over Redis
// pub/sub from other processes; pueue's daemon is both the sole producer
// and the sole process, so the hub subscribes to the in-process bus
// directly instead of a second transport hop.
package hub

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pueue-rs/pueued-go/internal/eventbus"
	"github.com/pueue-rs/pueued-go/internal/logger"
	"github.com/pueue-rs/pueued-go/internal/metrics"
)

// Hub manages websocket clients and broadcasts eventbus.Events to them.
type Hub struct {
	clients    map[*Client]bool
	broadcast  chan eventbus.Event
	register   chan *Client
	unregister chan *Client
	bus        *eventbus.Bus
	mu         sync.RWMutex
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// NewHub creates a hub that will subscribe to bus once Run is called.
func NewHub(bus *eventbus.Bus) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan eventbus.Event, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		bus:        bus,
		stopCh:     make(chan struct{}),
	}
}

// Run subscribes to the event bus and starts the hub's register/broadcast
// loop. It returns once both goroutines have been started.
func (h *Hub) Run(ctx context.Context) {
	eventCh, unsubscribe := h.bus.Subscribe(256)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stopCh:
				return
			case event, ok := <-eventCh:
				if !ok {
					return
				}
				select {
				case h.broadcast <- event:
				default:
					logger.Warn().Msg("hub broadcast channel full, dropping event")
				}
			}
		}
	}()

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		for {
			select {
			case <-ctx.Done():
				h.closeAllClients()
				return
			case <-h.stopCh:
				h.closeAllClients()
				return
			case client := <-h.register:
				h.mu.Lock()
				h.clients[client] = true
				h.mu.Unlock()
				metrics.SetActiveConnections(float64(h.ClientCount()))
				logger.Debug().Str("client_id", client.ID).Msg("hub client registered")

			case client := <-h.unregister:
				h.mu.Lock()
				if _, ok := h.clients[client]; ok {
					delete(h.clients, client)
					close(client.send)
				}
				h.mu.Unlock()
				metrics.SetActiveConnections(float64(h.ClientCount()))
				logger.Debug().Str("client_id", client.ID).Msg("hub client unregistered")

			case event := <-h.broadcast:
				h.broadcastEvent(event)
			}
		}
	}()

	logger.Info().Msg("observability hub started")
}

// Stop shuts the hub's goroutines down and closes every client.
func (h *Hub) Stop() {
	close(h.stopCh)
	h.wg.Wait()
	logger.Info().Msg("observability hub stopped")
}

// Register admits client into the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister drops client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// ClientCount returns the number of currently connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) broadcastEvent(event eventbus.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		logger.Error().Err(err).Msg("failed to marshal event for hub broadcast")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		if !client.IsSubscribed(event.Kind) {
			continue
		}
		select {
		case client.send <- data:
		default:
			go func(c *Client) { h.unregister <- c }(client)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
}
