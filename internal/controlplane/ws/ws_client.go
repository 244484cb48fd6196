package ws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/openmined/syftmirror/internal/utils"
)

const (
	writeTimeout   = 20 * time.Second
	sendBufferSize = 256
	shutdownReason = "shutdown"
)

// EventClient is one websocket subscriber of the event stream
type EventClient struct {
	ConnID   string
	IPAddr   string
	Encoding Encoding
	MsgTx    chan *Message
	Closed   chan struct{}

	conn      *websocket.Conn
	wsDone    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewEventClient(conn *websocket.Conn, ipAddr string, enc Encoding) *EventClient {
	return &EventClient{
		ConnID:   utils.TokenHex(4),
		IPAddr:   ipAddr,
		Encoding: enc,
		MsgTx:    make(chan *Message, sendBufferSize),
		Closed:   make(chan struct{}),
		wsDone:   make(chan struct{}),
		conn:     conn,
	}
}

func (c *EventClient) Start(ctx context.Context) {
	slog.Debug("wsclient start", "connId", c.ConnID)
	c.wg.Add(2)
	go c.writeLoop(ctx)
	go c.readLoop(ctx)
}

func (c *EventClient) Close() {
	c.closeConnection(websocket.StatusNormalClosure, shutdownReason)
	c.wg.Wait()
}

// closeConnection leaves MsgTx open; senders select on it without a lock
func (c *EventClient) closeConnection(status websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.wsDone)
		c.conn.Close(status, reason)

		c.wg.Wait()

		close(c.Closed)
		slog.Debug("wsclient closed", "connId", c.ConnID)
	})
}

// readLoop only watches for the peer going away. Subscribers have nothing to say.
func (c *EventClient) readLoop(ctx context.Context) {
	defer func() {
		slog.Debug("wsclient reader shutdown", "connId", c.ConnID)
		c.wg.Done()
		c.closeConnection(websocket.StatusNormalClosure, shutdownReason)
	}()

	for {
		_, _, err := c.conn.Read(ctx)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
				// closed by client
			} else if status := websocket.CloseStatus(err); status != websocket.StatusNormalClosure && status != websocket.StatusNoStatusRcvd && status != websocket.StatusGoingAway {
				slog.Warn("wsclient reader", "error", err, "connId", c.ConnID)
			}
			return
		}

		select {
		case <-c.wsDone:
			return
		default:
		}
	}
}

func (c *EventClient) writeLoop(ctx context.Context) {
	defer func() {
		slog.Debug("wsclient writer shutdown", "connId", c.ConnID)
		c.wg.Done()
		c.closeConnection(websocket.StatusNormalClosure, shutdownReason)
	}()

	for {
		select {
		case msg := <-c.MsgTx:
			typ, data, err := Marshal(msg, c.Encoding)
			if err != nil {
				slog.Error("wsclient encode", "connId", c.ConnID, "msgType", msg.Type, "error", err)
				continue
			}

			ctxWrite, cancel := context.WithTimeout(ctx, writeTimeout)
			err = c.conn.Write(ctxWrite, typ, data)
			cancel()
			if err != nil {
				slog.Error("wsclient writer", "connId", c.ConnID, "msgType", msg.Type, "error", err)
				return
			}

		case <-c.wsDone:
			return

		case <-ctx.Done():
			return
		}
	}
}
