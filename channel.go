package realtime

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ChannelState represents the channel state
type ChannelState int

const (
	ChannelClosed ChannelState = iota
	ChannelErrored
	ChannelJoined
	ChannelJoining
	ChannelLeaving
)

// String returns the string representation of the channel state
func (cs ChannelState) String() string {
	switch cs {
	case ChannelClosed:
		return "closed"
	case ChannelErrored:
		return "errored"
	case ChannelJoined:
		return "joined"
	case ChannelJoining:
		return "joining"
	case ChannelLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// SubscribeStatus is reported to a Subscribe status callback
type SubscribeStatus string

const (
	StatusSubscribed SubscribeStatus = "SUBSCRIBED"
	StatusError      SubscribeStatus = "ERROR"
	StatusClosed     SubscribeStatus = "CLOSED"
)

// StatusCallback receives subscription status changes
type StatusCallback func(status SubscribeStatus)

// ErrorCallback receives subscription failures: ErrSubscriptionTimeout,
// ErrSubscriptionRejected or ErrChannelError (possibly wrapped).
type ErrorCallback func(err error)

// channelSocket is what a channel needs from its socket.
type channelSocket interface {
	push(msg *Message)
	makeRef() string
	accessToken() string
	connectionID() uint64
}

// ChannelOption configures a channel at creation
type ChannelOption func(*channelOptions)

type channelOptions struct {
	broadcastSelf bool
	broadcastAck  bool
	presenceKey   string
	private       bool
}

// WithBroadcastSelf makes the server echo this client's own broadcasts back.
func WithBroadcastSelf(self bool) ChannelOption {
	return func(o *channelOptions) { o.broadcastSelf = self }
}

// WithBroadcastAck asks the server to acknowledge broadcasts.
func WithBroadcastAck(ack bool) ChannelOption {
	return func(o *channelOptions) { o.broadcastAck = ack }
}

// WithPresenceKey sets the key this client is tracked under. A random
// UUID is used when unset.
func WithPresenceKey(key string) ChannelOption {
	return func(o *channelOptions) { o.presenceKey = key }
}

// WithPrivate marks the channel as private (authorized by RLS policies).
func WithPrivate(private bool) ChannelOption {
	return func(o *channelOptions) { o.private = private }
}

// Channel represents a realtime channel
type Channel struct {
	mu        sync.Mutex
	topic     string
	socket    channelSocket
	logger    *slog.Logger
	options   channelOptions
	state     ChannelState
	joinPush  *Push
	joinConn  uint64
	onStatus  StatusCallback
	onError   ErrorCallback
	listeners listenerSet
}

// newChannel creates a new channel instance
func newChannel(topic string, socket channelSocket, logger *slog.Logger, timeout time.Duration, opts ...ChannelOption) *Channel {
	ch := &Channel{
		topic:  topic,
		socket: socket,
		logger: logger.With("topic", topic),
		state:  ChannelClosed,
	}
	for _, opt := range opts {
		opt(&ch.options)
	}
	if ch.options.presenceKey == "" {
		ch.options.presenceKey = uuid.NewString()
	}

	ch.joinPush = newPush(ch, EventJoin, ch.joinPayload, timeout)
	return ch
}

// normalizeTopic prefixes a channel name with TopicPrefix.
func normalizeTopic(name string) string {
	if strings.HasPrefix(name, TopicPrefix) {
		return name
	}
	return TopicPrefix + name
}

// OnDataChange registers a data-change listener
func (ch *Channel) OnDataChange(filter DataChangeFilter) *Channel {
	if filter.Callback == nil {
		panic(fmt.Sprintf("tried to register a data-change listener on '%s' without a callback", ch.topic))
	}

	event := filter.Event
	if event == "" {
		event = ChangeAll
	}
	schema := filter.Schema
	if schema == "" {
		schema = "public"
	}

	ch.listeners.dataChange.add(listener{
		family:   FamilyDataChange,
		event:    string(event),
		schema:   schema,
		table:    filter.Table,
		filter:   filter.Filter,
		callback: filter.Callback,
	})
	return ch
}

// OnBroadcast registers a broadcast listener
func (ch *Channel) OnBroadcast(filter BroadcastFilter) *Channel {
	if filter.Callback == nil || filter.Event == "" {
		panic(fmt.Sprintf("tried to register a broadcast listener on '%s' without an event or callback", ch.topic))
	}

	ch.listeners.broadcast.add(listener{
		family:   FamilyBroadcast,
		event:    filter.Event,
		callback: filter.Callback,
	})
	return ch
}

// OnPresence registers a presence listener
func (ch *Channel) OnPresence(filter PresenceFilter) *Channel {
	if filter.Callback == nil || filter.Event == "" {
		panic(fmt.Sprintf("tried to register a presence listener on '%s' without an event or callback", ch.topic))
	}

	ch.listeners.presence.add(listener{
		family:   FamilyPresence,
		event:    filter.Event,
		callback: filter.Callback,
	})
	return ch
}

// Subscribe joins the channel. onStatus may be nil. When an error callback
// is given the join is bounded by the socket's join timeout.
func (ch *Channel) Subscribe(onStatus StatusCallback, onError ...ErrorCallback) *Channel {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.state != ChannelClosed {
		ch.logger.Warn("Subscribe called on a channel that is not closed", "state", ch.state.String())
		return ch
	}

	ch.onStatus = onStatus
	ch.onError = nil
	if len(onError) > 0 {
		ch.onError = onError[0]
	}

	ch.rejoin()
	return ch
}

// rejoin sends the join handshake with a fresh ref (must be called with lock held)
func (ch *Channel) rejoin() {
	ch.state = ChannelJoining
	ch.joinConn = ch.socket.connectionID()
	ch.joinPush.send()
	ch.logger.Debug("Joining channel", "ref", ch.joinPush.ref)

	if ch.onError != nil {
		ch.joinPush.startTimeout(ch.handleJoinTimeout)
	} else {
		ch.joinPush.cancelTimeout()
	}
}

// resubscribe restores server-side interest on connection conn. A join
// already sent on that connection is not repeated.
func (ch *Channel) resubscribe(conn uint64) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.state != ChannelJoined && ch.state != ChannelJoining {
		return
	}
	if ch.joinConn == conn {
		return
	}
	ch.rejoin()
}

// RejoinWithNewAuth resends the join so the server sees the socket's
// current access token.
func (ch *Channel) RejoinWithNewAuth() {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.state != ChannelJoined && ch.state != ChannelJoining {
		return
	}
	ch.rejoin()
}

// joinPayload builds the phx_join payload (called with lock held)
func (ch *Channel) joinPayload() map[string]any {
	config := map[string]any{}

	if changes := ch.listeners.dataChange.snapshot(); len(changes) > 0 {
		list := make([]map[string]any, 0, len(changes))
		for _, l := range changes {
			list = append(list, l.config())
		}
		config[EventPostgresChange] = list
	}
	if ch.listeners.broadcast.len() > 0 {
		config[EventBroadcast] = map[string]any{
			"self": ch.options.broadcastSelf,
			"ack":  ch.options.broadcastAck,
		}
	}
	if ch.listeners.presence.len() > 0 {
		config[EventPresence] = map[string]any{
			"key": ch.options.presenceKey,
		}
	}
	if ch.options.private {
		config["private"] = true
	}

	payload := map[string]any{"config": config}
	if token := ch.socket.accessToken(); token != "" {
		payload["access_token"] = token
	}
	return payload
}

// handleJoinTimeout fires when no reply arrived for ref
func (ch *Channel) handleJoinTimeout(ref string) {
	ch.mu.Lock()
	if ch.state != ChannelJoining || !ch.joinPush.matches(ref) {
		ch.mu.Unlock()
		return
	}

	ch.joinPush.timeoutTimer = nil
	ch.state = ChannelErrored
	onError := ch.onError

	// The server may still complete the join; tell it we gave up.
	ch.sendLocked(EventLeave, map[string]any{})
	ch.mu.Unlock()

	ch.logger.Warn("Channel join timed out", "ref", ref)
	ch.invokeError(onError, ErrSubscriptionTimeout)
}

// Unsubscribe leaves the channel and drops every listener
func (ch *Channel) Unsubscribe() {
	ch.mu.Lock()
	if ch.state == ChannelClosed || ch.state == ChannelLeaving {
		ch.mu.Unlock()
		return
	}

	ch.state = ChannelLeaving
	ch.joinPush.reset()
	ch.sendLocked(EventLeave, map[string]any{})
	ch.state = ChannelClosed

	onStatus := ch.onStatus
	ch.onStatus = nil
	ch.onError = nil
	ch.listeners.clear()
	ch.mu.Unlock()

	ch.logger.Debug("Channel left")
	ch.invokeStatus(onStatus, StatusClosed)
}

// Send broadcasts event with payload to the channel's other subscribers.
// It is dropped unless the channel is joined.
func (ch *Channel) Send(event string, payload map[string]any) {
	if payload == nil {
		payload = map[string]any{}
	}
	ch.pushJoined("broadcast", map[string]any{
		"type":    EventBroadcast,
		"event":   event,
		"payload": payload,
	})
}

// Track publishes this client's presence state
func (ch *Channel) Track(state map[string]any) {
	if state == nil {
		state = map[string]any{}
	}
	ch.pushJoined("track", map[string]any{
		"type":    EventPresence,
		"event":   "track",
		"payload": state,
	})
}

// Untrack removes this client's presence state
func (ch *Channel) Untrack() {
	ch.pushJoined("untrack", map[string]any{
		"type":  EventPresence,
		"event": "untrack",
	})
}

func (ch *Channel) pushJoined(what string, payload map[string]any) {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.state != ChannelJoined {
		ch.logger.Warn("Dropping push on a channel that is not joined", "push", what, "state", ch.state.String())
		return
	}
	ch.sendLocked(payload["type"].(string), payload)
}

// sendLocked pushes a fire-and-forget message (must be called with lock held)
func (ch *Channel) sendLocked(event string, payload map[string]any) {
	ch.socket.push(&Message{
		Topic:   ch.topic,
		Event:   event,
		Payload: payload,
		Ref:     ch.socket.makeRef(),
	})
}

// trigger handles an inbound message routed to this channel
func (ch *Channel) trigger(event string, payload map[string]any, ref string) {
	switch event {
	case EventReply:
		ch.handleReply(payload, ref)
	case EventError:
		ch.handleServerError(payload, ref)
	case EventClose:
		ch.handleServerClose(ref)
	case EventPostgresChange:
		ch.dispatchDataChange(payload)
	case EventBroadcast:
		name, _ := payload["event"].(string)
		ch.dispatch(&ch.listeners.broadcast, name, payload)
	case EventPresence, EventPresenceState, EventPresenceDiff:
		for _, name := range presenceEventNames(event, payload) {
			ch.dispatch(&ch.listeners.presence, name, payload)
		}
	default:
		ch.logger.Debug("Ignoring event", "event", event)
	}
}

// handleReply resolves the outstanding join
func (ch *Channel) handleReply(payload map[string]any, ref string) {
	ch.mu.Lock()
	if !ch.joinPush.matches(ref) || ch.state != ChannelJoining {
		state := ch.state
		ch.mu.Unlock()
		ch.logger.Debug("Discarding stale reply", "ref", ref, "state", state.String())
		return
	}

	reply, err := GetReplyPayload(payload)
	if err != nil {
		ch.mu.Unlock()
		ch.logger.Error("Malformed join reply", "ref", ref, "error", err)
		return
	}

	ch.joinPush.cancelTimeout()
	onStatus, onError := ch.onStatus, ch.onError

	if reply.Status == ReplyOK {
		ch.state = ChannelJoined
		ch.mu.Unlock()

		ch.logger.Debug("Channel joined", "ref", ref)
		ch.invokeStatus(onStatus, StatusSubscribed)
		return
	}

	ch.state = ChannelErrored
	ch.mu.Unlock()

	reason := reply.reason()
	ch.logger.Warn("Channel join rejected", "ref", ref, "reason", reason)
	ch.invokeStatus(onStatus, StatusError)
	ch.invokeError(onError, fmt.Errorf("%w: %s", ErrSubscriptionRejected, reason))
}

// handleServerError handles phx_error for this topic. A frame carrying the
// ref of an earlier join ends a membership that was already replaced.
func (ch *Channel) handleServerError(payload map[string]any, ref string) {
	ch.mu.Lock()
	if ch.state != ChannelJoining && ch.state != ChannelJoined {
		ch.mu.Unlock()
		return
	}
	if ref != "" && !ch.joinPush.matches(ref) {
		ch.mu.Unlock()
		ch.logger.Debug("Discarding stale channel error", "ref", ref)
		return
	}
	ch.joinPush.cancelTimeout()
	ch.state = ChannelErrored
	onStatus, onError := ch.onStatus, ch.onError
	ch.mu.Unlock()

	ch.logger.Warn("Channel error from server", "payload", payload)
	ch.invokeStatus(onStatus, StatusError)
	ch.invokeError(onError, ErrChannelError)
}

// handleServerClose handles phx_close for this topic. Listeners are kept so
// the channel can be subscribed again.
func (ch *Channel) handleServerClose(ref string) {
	ch.mu.Lock()
	if ch.state == ChannelClosed {
		ch.mu.Unlock()
		return
	}
	if ref != "" && !ch.joinPush.matches(ref) {
		ch.mu.Unlock()
		ch.logger.Debug("Discarding stale channel close", "ref", ref)
		return
	}
	ch.joinPush.reset()
	ch.state = ChannelClosed
	onStatus := ch.onStatus
	ch.mu.Unlock()

	ch.logger.Info("Channel closed by server")
	ch.invokeStatus(onStatus, StatusClosed)
}

// dispatchDataChange validates a postgres_changes payload and delivers it
func (ch *Channel) dispatchDataChange(payload map[string]any) {
	data, ok := payload["data"].(map[string]any)
	if !ok {
		ch.logger.Error("Dropping data-change event without data", "payload", payload)
		return
	}
	changeType, ok := data["type"].(string)
	if !ok || changeType == "" {
		ch.logger.Error("Dropping data-change event without an operation type", "payload", payload)
		return
	}

	for _, l := range ch.listeners.dataChange.snapshot() {
		if l.matches(changeType) && l.matchesRecord(data) {
			invokeListener(ch.logger, l, changeType, payload)
		}
	}
}

func (ch *Channel) dispatch(list *listenerList, name string, payload map[string]any) {
	if name == "" {
		ch.logger.Debug("Dropping event without a name", "payload", payload)
		return
	}
	for _, l := range list.snapshot() {
		if l.matches(name) {
			invokeListener(ch.logger, l, name, payload)
		}
	}
}

// presenceEventNames maps an inbound presence frame to listener event names.
// The raw frame name always matches; state and diff frames also fan out to
// sync, and diffs to join/leave when they carry entries.
func presenceEventNames(event string, payload map[string]any) []string {
	switch event {
	case EventPresenceState:
		return []string{EventPresenceState, PresenceSync}
	case EventPresenceDiff:
		names := []string{EventPresenceDiff}
		if joins, ok := payload["joins"].(map[string]any); ok && len(joins) > 0 {
			names = append(names, PresenceJoin)
		}
		if leaves, ok := payload["leaves"].(map[string]any); ok && len(leaves) > 0 {
			names = append(names, PresenceLeave)
		}
		return append(names, PresenceSync)
	default:
		name, _ := payload["event"].(string)
		return []string{name}
	}
}

func (ch *Channel) invokeStatus(cb StatusCallback, status SubscribeStatus) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			ch.logger.Error("Status callback panicked", "status", string(status), "error", fmt.Sprint(r))
		}
	}()
	cb(status)
}

func (ch *Channel) invokeError(cb ErrorCallback, err error) {
	if cb == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			ch.logger.Error("Error callback panicked", "cause", err, "error", fmt.Sprint(r))
		}
	}()
	cb(err)
}

// State query methods

// IsClosed returns true if the channel is closed
func (ch *Channel) IsClosed() bool {
	return ch.GetState() == ChannelClosed
}

// IsErrored returns true if the channel is in error state
func (ch *Channel) IsErrored() bool {
	return ch.GetState() == ChannelErrored
}

// IsJoined returns true if the channel is joined
func (ch *Channel) IsJoined() bool {
	return ch.GetState() == ChannelJoined
}

// IsJoining returns true if the channel is joining
func (ch *Channel) IsJoining() bool {
	return ch.GetState() == ChannelJoining
}

// GetState returns the current channel state
func (ch *Channel) GetState() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Topic returns the channel topic
func (ch *Channel) Topic() string {
	return ch.topic
}

// JoinRef returns the ref of the outstanding or last successful join
func (ch *Channel) JoinRef() string {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.joinPush.ref
}
