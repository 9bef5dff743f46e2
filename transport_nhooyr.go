package realtime

import (
	"context"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"
)

// NhooyrDialer dials with nhooyr.io/websocket.
type NhooyrDialer struct {
	HTTPClient *http.Client
	// ReadLimit caps inbound frame size; 0 keeps the 1 MiB default.
	ReadLimit int64
}

// Dial connects to url.
func (d *NhooyrDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	limit := d.ReadLimit
	if limit == 0 {
		limit = 1 << 20
	}
	conn.SetReadLimit(limit)

	return &nhooyrConn{conn: conn}, nil
}

type nhooyrConn struct {
	conn *websocket.Conn
}

func (c *nhooyrConn) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		if status := websocket.CloseStatus(err); status != -1 {
			return nil, &CloseError{Code: int(status), Reason: err.Error()}
		}
		return nil, err
	}
	return data, nil
}

func (c *nhooyrConn) WriteMessage(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c *nhooyrConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}
