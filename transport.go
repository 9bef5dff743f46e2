package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a connected text-message socket. ReadMessage is only called from
// the reader goroutine and WriteMessage only from the socket manager; Close
// may run concurrently with both.
type Conn interface {
	ReadMessage(ctx context.Context) ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// Dialer opens Conns.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// WebSocket close codes used by the socket
const (
	CloseNormalClosure   = 1000
	CloseGoingAway       = 1001
	CloseAbnormalClosure = 1006
)

// CloseError is returned by a Conn's ReadMessage when the peer closed the
// connection with a close frame.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket closed: code=%d reason=%q", e.Code, e.Reason)
}

// closeCode returns the close code carried by err, or CloseAbnormalClosure.
func closeCode(err error) int {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code
	}
	return CloseAbnormalClosure
}

// GorillaDialer dials with github.com/gorilla/websocket. It is the default.
type GorillaDialer struct {
	Dialer *websocket.Dialer
}

// NewGorillaDialer returns a GorillaDialer with the given handshake timeout.
func NewGorillaDialer(handshakeTimeout time.Duration) *GorillaDialer {
	return &GorillaDialer{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: handshakeTimeout,
		},
	}
}

// Dial connects to url.
func (d *GorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return &gorillaConn{conn: conn}, nil
}

type gorillaConn struct {
	conn *websocket.Conn
}

func (c *gorillaConn) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return nil, &CloseError{Code: ce.Code, Reason: ce.Text}
		}
		return nil, err
	}
	return data, nil
}

func (c *gorillaConn) WriteMessage(ctx context.Context, data []byte) error {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetWriteDeadline(deadline)
	} else {
		c.conn.SetWriteDeadline(time.Time{})
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *gorillaConn) Close(code int, reason string) error {
	deadline := time.Now().Add(time.Second)
	err := c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.conn.Close()
		return fmt.Errorf("failed to send close frame: %w", err)
	}
	return c.conn.Close()
}
