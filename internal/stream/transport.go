package stream

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNormalClosure is returned by Conn.ReadMessage when the peer closed the
// connection with a normal close frame.
var ErrNormalClosure = errors.New("stream: connection closed normally by peer")

// Conn is one established duplex connection. ReadMessage is called from a
// single goroutine; WriteMessage calls are serialized by the caller.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(b []byte) error
	Close() error
}

// Dialer opens connections. keepalive is called for every transport-level
// keepalive (ping/pong) so that they count as inbound traffic.
type Dialer interface {
	Dial(ctx context.Context, url string, keepalive func()) (Conn, error)
}

// WebsocketDialer dials the aggregator over gorilla/websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

func (d WebsocketDialer) Dial(ctx context.Context, url string, keepalive func()) (Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: d.HandshakeTimeout,
	}
	c, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}

	wc := &wsConn{conn: c, writeTimeout: d.WriteTimeout}
	c.SetPingHandler(func(data string) error {
		if keepalive != nil {
			keepalive()
		}
		err := c.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(wc.controlTimeout()))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})
	c.SetPongHandler(func(string) error {
		if keepalive != nil {
			keepalive()
		}
		return nil
	})
	return wc, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, b, err := c.conn.ReadMessage()
	if err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return nil, fmt.Errorf("%w: %v", ErrNormalClosure, err)
		}
		return nil, err
	}
	return b, nil
}

func (c *wsConn) WriteMessage(b []byte) error {
	if c.writeTimeout > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
			return err
		}
	}
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

func (c *wsConn) controlTimeout() time.Duration {
	if c.writeTimeout > 0 {
		return c.writeTimeout
	}
	return 5 * time.Second
}
