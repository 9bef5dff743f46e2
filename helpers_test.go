package realtime

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeConn is an in-memory Conn. Frames written by the socket are recorded;
// frames for the socket are fed through deliver.
type fakeConn struct {
	incoming  chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		incoming: make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.incoming:
		return data, nil
	case <-c.closed:
		return nil, &CloseError{Code: CloseAbnormalClosure, Reason: "connection dropped"}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteMessage(ctx context.Context, data []byte) error {
	select {
	case <-c.closed:
		return errors.New("write on closed connection")
	default:
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, data)
	return nil
}

func (c *fakeConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// drop simulates the server going away
func (c *fakeConn) drop() {
	c.Close(CloseAbnormalClosure, "")
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) deliver(t *testing.T, msg *Message) {
	t.Helper()
	data, err := NewSerializer().Encode(msg)
	require.NoError(t, err)
	c.incoming <- data
}

func (c *fakeConn) deliverRaw(data string) {
	c.incoming <- []byte(data)
}

// frames decodes every frame written so far
func (c *fakeConn) frames() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := NewSerializer()
	out := make([]*Message, 0, len(c.written))
	for _, data := range c.written {
		if msg, err := s.Decode(data); err == nil {
			out = append(out, msg)
		}
	}
	return out
}

func (c *fakeConn) framesFor(topic, event string) []*Message {
	var out []*Message
	for _, msg := range c.frames() {
		if msg.Topic == topic && msg.Event == event {
			out = append(out, msg)
		}
	}
	return out
}

// waitFrame waits for the n-th (1-based) frame matching topic and event
func (c *fakeConn) waitFrame(t *testing.T, topic, event string, n int) *Message {
	t.Helper()
	var msg *Message
	require.Eventually(t, func() bool {
		frames := c.framesFor(topic, event)
		if len(frames) < n {
			return false
		}
		msg = frames[n-1]
		return true
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s %s #%d", topic, event, n)
	return msg
}

// fakeDialer hands out fakeConns and can be told to fail. When gate is set,
// Dial blocks until it is closed.
type fakeDialer struct {
	gate chan struct{}

	mu    sync.Mutex
	conns []*fakeConn
	fail  bool
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.fail {
		return nil, errors.New("connection refused")
	}
	conn := newFakeConn()
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *fakeDialer) setFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) connCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.conns)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestSocket builds a socket on a fakeDialer with fast timers
func newTestSocket(t *testing.T, options *SocketOptions) (*Socket, *fakeDialer) {
	t.Helper()

	dialer := &fakeDialer{}
	if options == nil {
		options = &SocketOptions{}
	}
	options.Dialer = dialer
	if options.Logger == nil {
		options.Logger = discardLogger()
	}
	if options.HeartbeatInterval == 0 {
		options.HeartbeatInterval = time.Hour
	}
	if options.ReconnectAfter == nil {
		options.ReconnectAfter = func(int) time.Duration { return 10 * time.Millisecond }
	}

	socket, err := NewSocket("http://localhost:4000", "test-key", options)
	require.NoError(t, err)
	t.Cleanup(socket.Close)

	return socket, dialer
}

// connectTestSocket connects and waits for the first connection to open
func connectTestSocket(t *testing.T, socket *Socket, dialer *fakeDialer) *fakeConn {
	t.Helper()
	require.NoError(t, socket.Connect())
	require.Eventually(t, socket.IsConnected, 2*time.Second, 5*time.Millisecond)
	return dialer.last()
}

func replyOK(ref, topic string) *Message {
	return &Message{
		Topic:   topic,
		Event:   EventReply,
		Payload: map[string]any{"status": ReplyOK, "response": map[string]any{}},
		Ref:     ref,
	}
}

// joinChannel subscribes ch and acknowledges the join on conn
func joinChannel(t *testing.T, conn *fakeConn, ch *Channel, n int) {
	t.Helper()
	ch.Subscribe(nil)
	join := conn.waitFrame(t, ch.Topic(), EventJoin, n)
	conn.deliver(t, replyOK(join.Ref, ch.Topic()))
	require.Eventually(t, ch.IsJoined, 2*time.Second, 5*time.Millisecond)
}

// recordingSocket is a channelSocket that records pushes without a connection
type recordingSocket struct {
	mu     sync.Mutex
	pushed []*Message
	refs   refGenerator
	token  string
	connID uint64
}

func (r *recordingSocket) push(msg *Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pushed = append(r.pushed, msg)
}

func (r *recordingSocket) makeRef() string { return r.refs.next() }

func (r *recordingSocket) accessToken() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.token
}

func (r *recordingSocket) connectionID() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connID
}

func (r *recordingSocket) messages(event string) []*Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Message
	for _, msg := range r.pushed {
		if msg.Event == event {
			out = append(out, msg)
		}
	}
	return out
}

func (r *recordingSocket) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pushed)
}
