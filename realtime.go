// Package realtime provides a Go client for Realtime channels: a single
// auto-reconnecting WebSocket that multiplexes many topic channels using the
// Phoenix join/leave handshake, heartbeats and ref-correlated replies.
//
// Basic usage:
//
//	socket, err := realtime.NewSocket("https://project.example.co", apiKey, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	socket.Connect()
//	defer socket.Close()
//
//	ch := socket.Channel("db-changes").
//		OnDataChange(realtime.DataChangeFilter{
//			Event:  realtime.ChangeInsert,
//			Schema: "public",
//			Table:  "messages",
//			Callback: func(payload map[string]any) {
//				fmt.Println("new row:", payload)
//			},
//		})
//	ch.Subscribe(func(status realtime.SubscribeStatus) {
//		fmt.Println("status:", status)
//	})
package realtime

import "errors"

// DefaultVSN is the protocol version sent as the vsn query parameter.
const DefaultVSN = "1.0.0"

// Protocol events
const (
	EventJoin           = "phx_join"
	EventReply          = "phx_reply"
	EventLeave          = "phx_leave"
	EventClose          = "phx_close"
	EventError          = "phx_error"
	EventHeartbeat      = "heartbeat"
	EventPostgresChange = "postgres_changes"
	EventBroadcast      = "broadcast"
	EventPresence       = "presence"
	EventPresenceState  = "presence_state"
	EventPresenceDiff   = "presence_diff"
)

// Reply statuses
const (
	ReplyOK    = "ok"
	ReplyError = "error"
)

// PhoenixTopic is the system topic heartbeats are sent on.
const PhoenixTopic = "phoenix"

// TopicPrefix is prepended to channel names that don't already carry it.
const TopicPrefix = "realtime:"

var (
	// ErrSubscriptionTimeout is reported when no join reply arrives in time.
	ErrSubscriptionTimeout = errors.New("realtime: subscription timed out")

	// ErrSubscriptionRejected is reported when the server replies to a join
	// with a non-ok status.
	ErrSubscriptionRejected = errors.New("realtime: subscription rejected")

	// ErrChannelError is reported when the server sends phx_error for a topic.
	ErrChannelError = errors.New("realtime: channel error")

	// ErrTokenExpired is returned by SetAuth for a JWT whose exp has passed.
	ErrTokenExpired = errors.New("realtime: access token expired")

	// ErrSocketClosed is returned when operating on a socket after Close.
	ErrSocketClosed = errors.New("realtime: socket closed")
)
