package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/gin-gonic/gin"
	mirrorsync "github.com/openmined/syftmirror/internal/sync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func startHub(t *testing.T) (*EventHub, string, context.CancelFunc) {
	t.Helper()

	hub := NewEventHub()
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	r := gin.New()
	r.GET("/v1/events", hub.WebsocketHandler)
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		cancel()
		<-stopped
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events", cancel
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })

	var hello Message
	require.NoError(t, wsjson.Read(ctx, conn, &hello))
	require.Equal(t, MsgHello, hello.Type)
	require.NotEmpty(t, hello.Version)
	return conn
}

func TestEventHub_PublishReachesEverySubscriber(t *testing.T) {
	hub, url, _ := startHub(t)

	a := dial(t, url)
	b := dial(t, url)
	assert.Equal(t, 2, hub.Clients())

	hub.Publish(mirrorsync.Event{ID: "ev-1", Type: mirrorsync.EventSynced, Path: "docs/a.txt", Providers: []string{"disk"}})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, conn := range []*websocket.Conn{a, b} {
		var msg Message
		require.NoError(t, wsjson.Read(ctx, conn, &msg))
		assert.Equal(t, MsgEvent, msg.Type)
		require.NotNil(t, msg.Event)
		assert.Equal(t, "ev-1", msg.Event.ID)
		assert.Equal(t, mirrorsync.EventSynced, msg.Event.Type)
		assert.Equal(t, "docs/a.txt", msg.Event.Path)
		assert.Equal(t, []string{"disk"}, msg.Event.Providers)
	}
}

func TestEventHub_PublishWithoutSubscribers(t *testing.T) {
	hub := NewEventHub()
	assert.NotPanics(t, func() {
		hub.Publish(mirrorsync.Event{Type: mirrorsync.EventDeleted})
	})
}

func TestEventHub_ClientDisconnectUnregisters(t *testing.T) {
	hub, url, _ := startHub(t)

	conn := dial(t, url)
	require.Equal(t, 1, hub.Clients())

	conn.Close(websocket.StatusNormalClosure, "bye")

	assert.Eventually(t, func() bool {
		return hub.Clients() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEventHub_ShutdownClosesClients(t *testing.T) {
	hub, url, cancel := startHub(t)

	conn := dial(t, url)
	cancel()

	ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()

	var msg Message
	err := wsjson.Read(ctx, conn, &msg)
	require.Error(t, err)

	assert.Eventually(t, func() bool {
		return hub.Clients() == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestEventHub_MsgPackSubscriber(t *testing.T) {
	hub, url, _ := startHub(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: http.Header{EncodingHeader: []string{"msgpack,json"}},
	})
	require.NoError(t, err)
	t.Cleanup(func() { conn.CloseNow() })

	read := func() *Message {
		typ, data, err := conn.Read(ctx)
		require.NoError(t, err)
		require.Equal(t, websocket.MessageBinary, typ)
		msg, enc, err := Unmarshal(typ, data)
		require.NoError(t, err)
		require.Equal(t, EncodingMsgPack, enc)
		return msg
	}

	assert.Equal(t, MsgHello, read().Type)

	hub.Publish(mirrorsync.Event{ID: "ev-2", Type: mirrorsync.EventDeleted, Path: "docs/old.txt"})

	msg := read()
	assert.Equal(t, MsgEvent, msg.Type)
	require.NotNil(t, msg.Event)
	assert.Equal(t, "ev-2", msg.Event.ID)
	assert.Equal(t, "docs/old.txt", msg.Event.Path)
}
