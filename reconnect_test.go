package realtime

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconnectRejoinsWithFreshRef(t *testing.T) {
	socket, dialer := newTestSocket(t, nil)
	conn := connectTestSocket(t, socket, dialer)

	var delivered atomic.Int32
	ch := socket.Channel("room").OnBroadcast(BroadcastFilter{
		Event:    "cursor",
		Callback: func(map[string]any) { delivered.Add(1) },
	})
	joinChannel(t, conn, ch, 1)
	firstRef := ch.JoinRef()

	conn.drop()

	require.Eventually(t, func() bool { return dialer.connCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	second := dialer.last()

	rejoin := second.waitFrame(t, "realtime:room", EventJoin, 1)
	assert.NotEqual(t, firstRef, rejoin.Ref)
	assert.Equal(t, ch.JoinRef(), rejoin.Ref)

	second.deliver(t, replyOK(rejoin.Ref, "realtime:room"))
	require.Eventually(t, ch.IsJoined, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, socket.ReconnectAttempts())

	// listeners registered before the drop still fire
	second.deliver(t, &Message{Topic: "realtime:room", Event: EventBroadcast, Payload: map[string]any{"event": "cursor"}})
	require.Eventually(t, func() bool { return delivered.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, second.framesFor("realtime:room", EventJoin), 1)
}

func TestReconnectSkipsErroredAndClosedChannels(t *testing.T) {
	socket, dialer := newTestSocket(t, nil)
	conn := connectTestSocket(t, socket, dialer)

	joined := socket.Channel("joined")
	joinChannel(t, conn, joined, 1)

	errored := socket.Channel("errored")
	errored.Subscribe(nil)
	join := conn.waitFrame(t, "realtime:errored", EventJoin, 1)
	conn.deliver(t, &Message{
		Topic:   "realtime:errored",
		Event:   EventReply,
		Payload: map[string]any{"status": ReplyError, "response": map[string]any{"reason": "denied"}},
		Ref:     join.Ref,
	})
	require.Eventually(t, errored.IsErrored, time.Second, 5*time.Millisecond)

	socket.Channel("closed")

	conn.drop()
	require.Eventually(t, func() bool { return dialer.connCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	second := dialer.last()

	second.waitFrame(t, "realtime:joined", EventJoin, 1)
	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, second.framesFor("realtime:errored", EventJoin))
	assert.Empty(t, second.framesFor("realtime:closed", EventJoin))
}

func TestReconnectBackoffStopsAtMaxAttempts(t *testing.T) {
	var mu sync.Mutex
	var seen []int

	socket, dialer := newTestSocket(t, &SocketOptions{
		MaxReconnectAttempts: 3,
		ReconnectAfter: func(attempts int) time.Duration {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, attempts)
			return 5 * time.Millisecond
		},
	})
	dialer.setFail(true)

	require.NoError(t, socket.Connect())

	require.Eventually(t, func() bool { return dialer.dialCount() == 4 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, 4, dialer.dialCount())
	assert.Equal(t, 3, socket.ReconnectAttempts())
	assert.Equal(t, StateClosed, socket.State())

	mu.Lock()
	assert.Equal(t, []int{0, 1, 2}, seen)
	mu.Unlock()
}

func TestReconnectAttemptsResetOnOpen(t *testing.T) {
	socket, dialer := newTestSocket(t, nil)
	dialer.setFail(true)

	require.NoError(t, socket.Connect())
	require.Eventually(t, func() bool { return dialer.dialCount() >= 3 }, 2*time.Second, 5*time.Millisecond)

	dialer.setFail(false)
	require.Eventually(t, socket.IsConnected, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, socket.ReconnectAttempts())
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	socket, dialer := newTestSocket(t, &SocketOptions{
		ReconnectAfter: func(int) time.Duration { return 50 * time.Millisecond },
	})
	dialer.setFail(true)

	require.NoError(t, socket.Connect())
	require.Eventually(t, func() bool { return dialer.dialCount() == 1 }, time.Second, 5*time.Millisecond)

	socket.Disconnect()
	time.Sleep(120 * time.Millisecond)

	assert.Equal(t, 1, dialer.dialCount())
	assert.Equal(t, 0, socket.ReconnectAttempts())
}

func TestManualConnectAfterDisconnect(t *testing.T) {
	socket, dialer := newTestSocket(t, nil)
	first := connectTestSocket(t, socket, dialer)

	ch := socket.Channel("room")
	joinChannel(t, first, ch, 1)

	socket.Disconnect()
	require.False(t, socket.IsConnected())

	second := connectTestSocket(t, socket, dialer)
	rejoin := second.waitFrame(t, "realtime:room", EventJoin, 1)
	second.deliver(t, replyOK(rejoin.Ref, "realtime:room"))
	require.Eventually(t, ch.IsJoined, time.Second, 5*time.Millisecond)
}

func TestStaleConnectionErrorIsIgnored(t *testing.T) {
	socket, dialer := newTestSocket(t, nil)
	first := connectTestSocket(t, socket, dialer)

	socket.Disconnect()
	second := connectTestSocket(t, socket, dialer)

	// the first connection's reader may report after the second opened
	first.drop()
	time.Sleep(30 * time.Millisecond)

	assert.True(t, socket.IsConnected())
	assert.False(t, second.isClosed())
	assert.Equal(t, 2, dialer.dialCount())
}
