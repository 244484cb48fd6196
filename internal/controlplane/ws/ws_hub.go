package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
	"github.com/openmined/syftmirror/internal/controlplane/handlers"
	mirrorsync "github.com/openmined/syftmirror/internal/sync"
	"github.com/openmined/syftmirror/internal/version"
)

var errHubStopped = errors.New("event hub stopped")

// EventHub streams monitoring events to websocket subscribers. It is a
// MonitoringSink: Publish never blocks and a subscriber that cannot keep up
// loses events instead of stalling the engine.
type EventHub struct {
	clients  map[string]*EventClient
	register chan *EventClient
	done     chan struct{}

	wg sync.WaitGroup
	mu sync.RWMutex
}

func NewEventHub() *EventHub {
	return &EventHub{
		clients:  make(map[string]*EventClient),
		register: make(chan *EventClient),
		done:     make(chan struct{}),
	}
}

// Run registers clients until ctx is done, then closes every client
func (h *EventHub) Run(ctx context.Context) {
	slog.Info("wshub started")
	defer slog.Info("wshub stopped")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ConnID] = client
			slog.Debug("wshub registered", "connId", client.ConnID, "ip", client.IPAddr, "active", len(h.clients))
			h.mu.Unlock()

			h.wg.Add(1)
			client.Start(ctx)
			go func() {
				<-client.Closed

				h.mu.Lock()
				delete(h.clients, client.ConnID)
				slog.Debug("wshub removed", "connId", client.ConnID, "active", len(h.clients))
				h.mu.Unlock()
				h.wg.Done()
			}()

		case <-ctx.Done():
			h.shutdown()
			return
		}
	}
}

func (h *EventHub) shutdown() {
	close(h.done)

	h.mu.RLock()
	clients := make([]*EventClient, 0, len(h.clients))
	for _, client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		go client.Close()
	}
	h.wg.Wait()
}

// Publish implements MonitoringSink
func (h *EventHub) Publish(e mirrorsync.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.clients) == 0 {
		return
	}
	msg := newEventMessage(e)
	for _, client := range h.clients {
		select {
		case client.MsgTx <- msg:
		default:
			slog.Warn("wshub send buffer full", "connId", client.ConnID, "eventId", e.ID)
		}
	}
}

// Clients returns the number of connected subscribers
func (h *EventHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// WebsocketHandler upgrades the request and subscribes it to the event stream
func (h *EventHub) WebsocketHandler(c *gin.Context) {
	select {
	case <-h.done:
		handlers.AbortWithError(c, http.StatusServiceUnavailable, handlers.ErrCodeNotReady, errHubStopped)
		return
	default:
	}

	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		handlers.AbortWithError(c, http.StatusBadRequest, handlers.ErrCodeBadRequest, fmt.Errorf("websocket accept failed: %w", err))
		return
	}

	enc := PreferredEncoding(c.GetHeader(EncodingHeader))
	client := NewEventClient(conn, c.ClientIP(), enc)
	client.MsgTx <- newHelloMessage(version.Version)

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close(websocket.StatusGoingAway, shutdownReason)
	case <-c.Request.Context().Done():
		conn.Close(websocket.StatusGoingAway, shutdownReason)
	}
}
