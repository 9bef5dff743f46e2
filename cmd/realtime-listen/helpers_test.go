package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"

	realtime "github.com/go-realtime-channels"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// scriptedConn replays frames pushed on incoming and discards writes
type scriptedConn struct {
	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newScriptedConn() *scriptedConn {
	return &scriptedConn{incoming: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *scriptedConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.closed:
		return nil, &realtime.CloseError{Code: realtime.CloseNormalClosure}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *scriptedConn) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
		return nil
	}
}

func (c *scriptedConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// scriptedDialer always returns the same conn
type scriptedDialer struct {
	conn *scriptedConn
}

func (d *scriptedDialer) Dial(ctx context.Context, url string, header http.Header) (realtime.Conn, error) {
	return d.conn, nil
}
