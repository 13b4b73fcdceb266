package hub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/pueue-rs/pueued-go/internal/eventbus"
)

func TestHubBroadcastsEventToConnectedClient(t *testing.T) {
	bus := eventbus.New()
	h := NewHub(bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.Run(ctx)
	defer h.Stop()

	handler := NewHandler(h)
	server := httptest.NewServer(http.HandlerFunc(handler.ServeWS))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, time.Second, 10*time.Millisecond)

	bus.Publish(eventbus.Event{Kind: eventbus.KindTaskStatusChanged, TaskID: 42, Status: "Running"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, message, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(message), `"task_id":42`)
}

func TestClientSubscriptionFilter(t *testing.T) {
	c := &Client{subscriptions: make(map[eventbus.Kind]bool)}
	require.True(t, c.IsSubscribed(eventbus.KindTaskStatusChanged))

	c.Subscribe(eventbus.KindGroupStatusChanged)
	require.False(t, c.IsSubscribed(eventbus.KindTaskStatusChanged))
	require.True(t, c.IsSubscribed(eventbus.KindGroupStatusChanged))

	c.SubscribeAll()
	require.True(t, c.IsSubscribed(eventbus.KindTaskStatusChanged))
}
