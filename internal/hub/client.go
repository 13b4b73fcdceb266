package hub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pueue-rs/pueued-go/internal/eventbus"
	"github.com/pueue-rs/pueued-go/internal/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	sendBufferSize = 256
)

// Client is one connected websocket observer.
type Client struct {
	ID            string
	hub           *Hub
	conn          *websocket.Conn
	send          chan []byte
	subscriptions map[eventbus.Kind]bool
	subMu         sync.RWMutex
}

func NewClient(hub *Hub, conn *websocket.Conn) *Client {
	return &Client{
		ID:            uuid.New().String()[:8],
		hub:           hub,
		conn:          conn,
		send:          make(chan []byte, sendBufferSize),
		subscriptions: make(map[eventbus.Kind]bool),
	}
}

func (c *Client) Subscribe(kind eventbus.Kind) {
	c.subMu.Lock()
	c.subscriptions[kind] = true
	c.subMu.Unlock()
}

func (c *Client) Unsubscribe(kind eventbus.Kind) {
	c.subMu.Lock()
	delete(c.subscriptions, kind)
	c.subMu.Unlock()
}

// SubscribeAll clears any filter, restoring the default of receiving
// every event kind.
func (c *Client) SubscribeAll() {
	c.subMu.Lock()
	c.subscriptions = make(map[eventbus.Kind]bool)
	c.subMu.Unlock()
}

// IsSubscribed reports whether the client should receive kind. An empty
// filter set means "receive everything" (the default).
func (c *Client) IsSubscribed(kind eventbus.Kind) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	if len(c.subscriptions) == 0 {
		return true
	}
	return c.subscriptions[kind]
}

// ReadPump reads incoming messages from the connection, keeping the read
// deadline alive on pongs, and unregisters the client when reading fails.
// Each message is passed to handleMessage, which only logs it; incoming
// messages do not change the client's subscriptions.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error().Err(err).Str("client_id", c.ID).Msg("hub websocket read error")
			}
			break
		}
		c.handleMessage(message)
	}
}

// WritePump pumps broadcast events (and keepalive pings) to the connection.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)

			n := len(c.send)
			for i := 0; i < n; i++ {
				_, _ = w.Write([]byte{'\n'})
				_, _ = w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
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

// ClientMessage is the shape of a subscription-control message from an
// observer. ReadPump does not decode incoming messages into it.
type ClientMessage struct {
	Action string `json:"action"`
	Kind   string `json:"kind,omitempty"`
}

func (c *Client) handleMessage(message []byte) {
	logger.Debug().Str("client_id", c.ID).Str("message", string(message)).Msg("received hub client message")
}
