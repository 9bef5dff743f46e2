package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SocketOptions configures the socket behavior
type SocketOptions struct {
	// JoinTimeout bounds a Subscribe that was given an error callback (default: 10 seconds)
	JoinTimeout time.Duration

	// HeartbeatInterval for sending heartbeats (default: 30 seconds)
	HeartbeatInterval time.Duration

	// ReconnectAfter returns the delay before the next reconnect given the
	// number of attempts made so far (default: DefaultReconnectAfter)
	ReconnectAfter func(attempts int) time.Duration

	// MaxReconnectAttempts limits reconnection attempts (0 = unlimited)
	MaxReconnectAttempts int

	// DialTimeout bounds the WebSocket handshake (default: 10 seconds)
	DialTimeout time.Duration

	// WriteTimeout bounds a single frame write (default: 5 seconds)
	WriteTimeout time.Duration

	// DisconnectTimeout bounds how long Disconnect waits for teardown (default: 1 second)
	DisconnectTimeout time.Duration

	// Logger for lifecycle and protocol logs. Defaults to slog.Default, or a
	// debug-level stderr logger when REALTIME_DEBUG is set.
	Logger *slog.Logger

	// Dialer opens the WebSocket (default: gorilla/websocket)
	Dialer Dialer

	// Header is sent with the WebSocket handshake
	Header http.Header

	// VSN is the protocol version (default: "1.0.0")
	VSN string

	// AccessToken is the initial token attached to joins; see Socket.SetAuth
	AccessToken string

	// Params are extra query parameters for the socket URL
	Params map[string]string
}

// DefaultReconnectAfter doubles the delay per attempt starting at one
// second, capped at 30 seconds.
func DefaultReconnectAfter(attempts int) time.Duration {
	const maxDelay = 30 * time.Second
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= 5 {
		return maxDelay
	}
	delay := time.Duration(math.Pow(2, float64(attempts))) * time.Second
	return min(delay, maxDelay)
}

// defaultLogger mirrors the REALTIME_DEBUG switch
func defaultLogger() *slog.Logger {
	if os.Getenv("REALTIME_DEBUG") != "" {
		return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return slog.Default()
}

// setDefaultOptions sets default values for unspecified options
func setDefaultOptions(options *SocketOptions) {
	if options.JoinTimeout == 0 {
		options.JoinTimeout = 10 * time.Second
	}
	if options.HeartbeatInterval == 0 {
		options.HeartbeatInterval = 30 * time.Second
	}
	if options.ReconnectAfter == nil {
		options.ReconnectAfter = DefaultReconnectAfter
	}
	if options.DialTimeout == 0 {
		options.DialTimeout = 10 * time.Second
	}
	if options.WriteTimeout == 0 {
		options.WriteTimeout = 5 * time.Second
	}
	if options.DisconnectTimeout == 0 {
		options.DisconnectTimeout = time.Second
	}
	if options.Logger == nil {
		options.Logger = defaultLogger()
	}
	if options.Dialer == nil {
		options.Dialer = NewGorillaDialer(options.DialTimeout)
	}
	if options.VSN == "" {
		options.VSN = DefaultVSN
	}
}

// RealtimeURL derives the socket URL from a project's base URL: https
// becomes wss, http becomes ws, and the realtime websocket path and the
// apikey/vsn query parameters are added.
func RealtimeURL(projectURL, apiKey, vsn string, params map[string]string) (string, error) {
	u, err := url.Parse(projectURL)
	if err != nil {
		return "", fmt.Errorf("invalid project URL: %w", err)
	}

	switch u.Scheme {
	case "https", "wss":
		u.Scheme = "wss"
	case "http", "ws":
		u.Scheme = "ws"
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("project URL has no host")
	}

	if !strings.HasSuffix(u.Path, "/websocket") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/realtime/v1/websocket"
	}

	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	q.Set("apikey", apiKey)
	q.Set("vsn", vsn)
	u.RawQuery = q.Encode()

	return u.String(), nil
}

// SocketState represents the state of the socket connection
type SocketState int32

const (
	StateClosed SocketState = iota
	StateConnecting
	StateOpen
	StateClosing
)

// String returns the string representation of the socket state
func (s SocketState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

type commandKind int

const (
	cmdConnect commandKind = iota
	cmdDisconnect
	cmdHeartbeatReply
)

// socketCommand represents commands sent to the socket manager
type socketCommand struct {
	kind     commandKind
	ref      string
	response chan struct{}
}

// connError tags a read failure with the connection it came from so
// failures of an already replaced connection can be ignored.
type connError struct {
	conn Conn
	err  error
}

var errHeartbeatTimeout = errors.New("heartbeat timeout")

// Socket is one realtime WebSocket connection shared by many channels.
//
// A manager goroutine owns the connection, heartbeat and reconnect timer;
// a reader goroutine per connection decodes frames; a dispatcher goroutine
// routes decoded messages to channels in arrival order.
type Socket struct {
	id         string
	endpoint   string
	options    *SocketOptions
	logger     *slog.Logger
	serializer *Serializer
	refs       refGenerator
	token      atomic.Pointer[string]

	// Communication channels
	commands        chan socketCommand
	outbound        chan *Message
	inbound         chan *Message
	notifications   chan SocketState
	connectionError chan connError

	// Readable from any goroutine, written only by the manager
	state             atomic.Int32
	reconnectAttempts atomic.Int64
	connections       atomic.Uint64

	channelsMu sync.RWMutex
	channels   map[string]*Channel

	callbacksMu      sync.RWMutex
	stateCallbacks   []func(SocketState)
	messageCallbacks []func(*Message)

	// Only accessed by the manager goroutine
	conn             Conn
	manualDisconnect bool
	heartbeatTicker  *time.Ticker
	reconnectTimer   *time.Timer
	pendingHeartbeat string

	// Lifecycle
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewSocket creates a socket for the project at projectURL. It does not
// connect until Connect is called.
func NewSocket(projectURL, apiKey string, options *SocketOptions) (*Socket, error) {
	if options == nil {
		options = &SocketOptions{}
	}
	setDefaultOptions(options)

	endpoint, err := RealtimeURL(projectURL, apiKey, options.VSN, options.Params)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	id := uuid.NewString()
	s := &Socket{
		id:              id,
		endpoint:        endpoint,
		options:         options,
		logger:          options.Logger.With("socket", id),
		serializer:      NewSerializer(),
		commands:        make(chan socketCommand, 100),
		outbound:        make(chan *Message, 256),
		inbound:         make(chan *Message, 256),
		notifications:   make(chan SocketState, 64),
		connectionError: make(chan connError, 10),
		channels:        make(map[string]*Channel),
		ctx:             ctx,
		cancel:          cancel,
	}
	s.state.Store(int32(StateClosed))

	token := options.AccessToken
	if err := checkTokenExpiry(token, time.Now()); err != nil {
		s.logger.Warn("Initial access token rejected", "error", err)
		token = ""
	}
	s.token.Store(&token)

	s.wg.Add(1)
	go s.socketManager()

	s.wg.Add(1)
	go s.messageHandler()

	return s, nil
}

// tickerC returns t's channel, or nil so the select case never fires
func tickerC(t *time.Ticker) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

// socketManager is the main goroutine that owns socket state
func (s *Socket) socketManager() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			s.stopHeartbeat()
			s.stopReconnectTimer()
			if s.conn != nil {
				s.conn.Close(CloseNormalClosure, "socket closed")
				s.conn = nil
			}
			return

		case cmd := <-s.commands:
			s.handleCommand(cmd)

		case msg := <-s.outbound:
			s.handleOutboundMessage(msg)

		case <-tickerC(s.heartbeatTicker):
			s.sendHeartbeat()

		case <-timerC(s.reconnectTimer):
			s.reconnectTimer = nil
			s.attemptReconnect()

		case ce := <-s.connectionError:
			if ce.conn != s.conn {
				s.logger.Debug("Ignoring error from replaced connection", "error", ce.err)
				continue
			}
			s.handleConnectionLost(ce.err)
		}
	}
}

// messageHandler routes inbound messages and state notifications
func (s *Socket) messageHandler() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case msg := <-s.inbound:
			s.routeMessage(msg)

		case state := <-s.notifications:
			s.notifyState(state)
			if state == StateOpen {
				s.rejoinChannels()
			}
		}
	}
}

// handleCommand processes commands from the public API
func (s *Socket) handleCommand(cmd socketCommand) {
	switch cmd.kind {
	case cmdConnect:
		s.doConnect()

	case cmdDisconnect:
		s.doDisconnect()

	case cmdHeartbeatReply:
		if cmd.ref == s.pendingHeartbeat {
			s.pendingHeartbeat = ""
		}
	}

	if cmd.response != nil {
		close(cmd.response)
	}
}

// sendCommand queues cmd unless the socket has been closed
func (s *Socket) sendCommand(cmd socketCommand) bool {
	if s.ctx.Err() != nil {
		return false
	}
	select {
	case s.commands <- cmd:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Public API methods that send commands to the socket manager

// Connect starts connecting in the background. It is a no-op unless the
// socket is closed. Progress is reported through OnStateChange.
func (s *Socket) Connect() error {
	if !s.sendCommand(socketCommand{kind: cmdConnect}) {
		return ErrSocketClosed
	}
	return nil
}

// Disconnect closes the connection and stops automatic reconnection. It
// waits for the close handshake, bounded by DisconnectTimeout.
func (s *Socket) Disconnect() {
	response := make(chan struct{})
	if !s.sendCommand(socketCommand{kind: cmdDisconnect, response: response}) {
		return
	}

	select {
	case <-response:
	case <-time.After(s.options.DisconnectTimeout):
		s.logger.Warn("Disconnect timed out waiting for teardown")
	}
}

// Close removes every channel, disconnects and stops the socket's
// goroutines. The socket cannot be reused.
func (s *Socket) Close() {
	s.closeOnce.Do(func() {
		s.RemoveAllChannels()
		s.Disconnect()
		s.cancel()

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			s.logger.Info("Socket closed", "endpoint", s.endpoint)
		case <-time.After(500 * time.Millisecond):
			s.logger.Warn("Socket closed, some goroutines still running", "endpoint", s.endpoint)
		}
	})
}

// State returns the current connection state
func (s *Socket) State() SocketState {
	return SocketState(s.state.Load())
}

// IsConnected returns true if the socket is open
func (s *Socket) IsConnected() bool {
	return s.State() == StateOpen
}

// ReconnectAttempts returns the number of reconnects since the last open
func (s *Socket) ReconnectAttempts() int {
	return int(s.reconnectAttempts.Load())
}

// Endpoint returns the socket URL
func (s *Socket) Endpoint() string {
	return s.endpoint
}

// MakeRef generates a unique reference
func (s *Socket) MakeRef() string {
	return s.refs.next()
}

func (s *Socket) makeRef() string {
	return s.refs.next()
}

// connectionID identifies the current connection; it increases on every open
func (s *Socket) connectionID() uint64 {
	return s.connections.Load()
}

func (s *Socket) accessToken() string {
	if t := s.token.Load(); t != nil {
		return *t
	}
	return ""
}

// SetAuth replaces the access token and rejoins every joined or joining
// channel with it. An expired JWT is rejected with ErrTokenExpired.
func (s *Socket) SetAuth(token string) error {
	if err := checkTokenExpiry(token, time.Now()); err != nil {
		s.logger.Warn("Access token rejected", "error", err)
		return err
	}

	prev := s.token.Swap(&token)
	if prev != nil && *prev == token {
		return nil
	}

	s.logger.Debug("Access token updated, rejoining channels")
	for _, ch := range s.Channels() {
		ch.RejoinWithNewAuth()
	}
	return nil
}

// OnStateChange registers a callback for socket state transitions. It runs
// on the dispatcher goroutine.
func (s *Socket) OnStateChange(callback func(SocketState)) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.stateCallbacks = append(s.stateCallbacks, callback)
}

// OnMessage registers a callback for every decoded inbound message
func (s *Socket) OnMessage(callback func(*Message)) {
	s.callbacksMu.Lock()
	defer s.callbacksMu.Unlock()
	s.messageCallbacks = append(s.messageCallbacks, callback)
}

// Channel returns the channel for name, creating it on first use. Options
// only apply when the channel is created.
func (s *Socket) Channel(name string, opts ...ChannelOption) *Channel {
	if name == "" {
		panic("tried to create a channel with an empty topic")
	}
	topic := normalizeTopic(name)

	s.channelsMu.RLock()
	ch, exists := s.channels[topic]
	s.channelsMu.RUnlock()
	if exists {
		return ch
	}

	s.channelsMu.Lock()
	defer s.channelsMu.Unlock()
	if ch, exists := s.channels[topic]; exists {
		return ch
	}

	ch = newChannel(topic, s, s.logger, s.options.JoinTimeout, opts...)
	s.channels[topic] = ch
	return ch
}

// Channels returns a snapshot of the registered channels
func (s *Socket) Channels() []*Channel {
	s.channelsMu.RLock()
	defer s.channelsMu.RUnlock()

	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	return channels
}

// RemoveChannel unregisters ch and leaves it
func (s *Socket) RemoveChannel(ch *Channel) {
	s.channelsMu.Lock()
	if cur, exists := s.channels[ch.topic]; exists && cur == ch {
		delete(s.channels, ch.topic)
	}
	s.channelsMu.Unlock()

	ch.Unsubscribe()
}

// RemoveAllChannels leaves every channel and clears the registry
func (s *Socket) RemoveAllChannels() {
	for _, ch := range s.Channels() {
		ch.Unsubscribe()
	}

	s.channelsMu.Lock()
	s.channels = make(map[string]*Channel)
	s.channelsMu.Unlock()
}

func (s *Socket) lookupChannel(topic string) *Channel {
	s.channelsMu.RLock()
	defer s.channelsMu.RUnlock()
	return s.channels[topic]
}

// push queues a message for the manager to write
func (s *Socket) push(msg *Message) {
	msg.conn = s.connectionID()
	select {
	case s.outbound <- msg:
	case <-s.ctx.Done():
		s.logger.Debug("Dropping message, socket closed", "topic", msg.Topic, "event", msg.Event)
	}
}

// Private methods (only called by socket manager goroutine)

func (s *Socket) setState(state SocketState) {
	if SocketState(s.state.Swap(int32(state))) == state {
		return
	}
	select {
	case s.notifications <- state:
	case <-s.ctx.Done():
	}
}

func (s *Socket) doConnect() {
	if s.State() != StateClosed {
		return
	}

	s.manualDisconnect = false
	s.stopReconnectTimer()
	s.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(s.ctx, s.options.DialTimeout)
	conn, err := s.options.Dialer.Dial(ctx, s.endpoint, s.options.Header)
	cancel()
	if err != nil {
		s.logger.Warn("Connection failed", "error", err)
		s.setState(StateClosed)
		s.scheduleReconnect()
		return
	}

	s.conn = conn
	s.connections.Add(1)
	s.pendingHeartbeat = ""
	s.reconnectAttempts.Store(0)
	s.heartbeatTicker = time.NewTicker(s.options.HeartbeatInterval)

	s.wg.Add(1)
	go s.readMessages(conn)

	s.logger.Info("Connected", "endpoint", s.endpoint)
	s.setState(StateOpen)
}

func (s *Socket) doDisconnect() {
	s.manualDisconnect = true
	s.stopReconnectTimer()
	s.stopHeartbeat()
	s.reconnectAttempts.Store(0)

	// Leaves queued before the disconnect still go out.
	s.flushOutbound()

	if s.conn == nil {
		s.setState(StateClosed)
		return
	}

	s.setState(StateClosing)
	conn := s.conn
	s.conn = nil
	if err := conn.Close(CloseNormalClosure, "client disconnect"); err != nil {
		s.logger.Debug("Close handshake failed", "error", err)
	}
	s.setState(StateClosed)

	s.logger.Info("Disconnected", "endpoint", s.endpoint)
}

func (s *Socket) handleOutboundMessage(msg *Message) {
	if s.conn == nil || s.State() != StateOpen {
		s.logger.Warn("Dropping message, socket not open",
			"topic", msg.Topic, "event", msg.Event, "state", s.State().String())
		return
	}
	// Queued while dialing or for a connection that has since been replaced;
	// rejoinChannels restores joins on the current one.
	if msg.conn != s.connectionID() {
		s.logger.Debug("Dropping message queued for another connection",
			"topic", msg.Topic, "event", msg.Event, "ref", msg.Ref)
		return
	}
	s.writeMessage(msg)
}

func (s *Socket) flushOutbound() {
	for {
		select {
		case msg := <-s.outbound:
			if s.conn == nil {
				continue
			}
			s.handleOutboundMessage(msg)
		default:
			return
		}
	}
}

func (s *Socket) writeMessage(msg *Message) {
	data, err := s.serializer.Encode(msg)
	if err != nil {
		s.logger.Error("Failed to encode message", "topic", msg.Topic, "event", msg.Event, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.options.WriteTimeout)
	defer cancel()

	if err := s.conn.WriteMessage(ctx, data); err != nil {
		s.logger.Warn("Failed to send message", "topic", msg.Topic, "event", msg.Event, "error", err)
		s.handleConnectionLost(err)
	}
}

func (s *Socket) sendHeartbeat() {
	if s.conn == nil || s.State() != StateOpen {
		return
	}

	if s.pendingHeartbeat != "" {
		s.logger.Warn("Heartbeat not answered, closing connection", "ref", s.pendingHeartbeat)
		s.handleConnectionLost(errHeartbeatTimeout)
		return
	}

	s.pendingHeartbeat = s.makeRef()
	s.logger.Debug("Sending heartbeat", "ref", s.pendingHeartbeat)
	s.writeMessage(&Message{
		Topic:   PhoenixTopic,
		Event:   EventHeartbeat,
		Payload: map[string]any{},
		Ref:     s.pendingHeartbeat,
	})
}

// handleConnectionLost tears down a failed connection and schedules a
// reconnect unless the user disconnected.
func (s *Socket) handleConnectionLost(err error) {
	s.logger.Warn("Connection lost", "error", err, "code", closeCode(err))

	s.stopHeartbeat()
	s.pendingHeartbeat = ""
	if s.conn != nil {
		go s.conn.Close(CloseGoingAway, "connection lost")
		s.conn = nil
	}
	s.setState(StateClosed)

	if !s.manualDisconnect {
		s.scheduleReconnect()
	}
}

func (s *Socket) attemptReconnect() {
	if s.manualDisconnect {
		return
	}
	s.logger.Info("Attempting to reconnect", "attempt", s.ReconnectAttempts())
	s.doConnect()
}

// scheduleReconnect arms the single reconnect timer with backoff
func (s *Socket) scheduleReconnect() {
	attempts := int(s.reconnectAttempts.Load())
	if s.options.MaxReconnectAttempts > 0 && attempts >= s.options.MaxReconnectAttempts {
		s.logger.Error("Max reconnect attempts reached", "attempts", attempts)
		return
	}

	delay := s.options.ReconnectAfter(attempts)
	s.reconnectAttempts.Add(1)

	s.stopReconnectTimer()
	s.reconnectTimer = time.NewTimer(delay)
	s.logger.Info("Scheduling reconnect", "attempt", attempts+1, "delay", delay)
}

func (s *Socket) stopReconnectTimer() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
}

func (s *Socket) stopHeartbeat() {
	if s.heartbeatTicker != nil {
		s.heartbeatTicker.Stop()
		s.heartbeatTicker = nil
	}
}

func (s *Socket) readMessages(conn Conn) {
	defer s.wg.Done()

	for {
		data, err := conn.ReadMessage(s.ctx)
		if err != nil {
			select {
			case s.connectionError <- connError{conn: conn, err: err}:
			case <-s.ctx.Done():
			}
			return
		}

		msg, err := s.serializer.Decode(data)
		if err != nil {
			s.logger.Error("Failed to decode message", "error", err, "size", len(data))
			continue
		}

		select {
		case s.inbound <- msg:
		case <-s.ctx.Done():
			return
		}
	}
}

// Dispatcher methods (only called by the message handler goroutine)

func (s *Socket) routeMessage(msg *Message) {
	s.notifyMessage(msg)

	if msg.Topic == PhoenixTopic {
		if msg.Event == EventReply {
			s.sendCommand(socketCommand{kind: cmdHeartbeatReply, ref: msg.Ref})
		}
		return
	}

	ch := s.lookupChannel(msg.Topic)
	if ch == nil {
		s.logger.Debug("No channel found for topic", "topic", msg.Topic, "event", msg.Event)
		return
	}
	ch.trigger(msg.Event, msg.Payload, msg.Ref)
}

func (s *Socket) rejoinChannels() {
	conn := s.connectionID()
	for _, ch := range s.Channels() {
		ch.resubscribe(conn)
	}
}

func (s *Socket) notifyState(state SocketState) {
	s.callbacksMu.RLock()
	callbacks := append([]func(SocketState){}, s.stateCallbacks...)
	s.callbacksMu.RUnlock()

	for _, cb := range callbacks {
		s.safeCall("state", func() { cb(state) })
	}
}

func (s *Socket) notifyMessage(msg *Message) {
	s.callbacksMu.RLock()
	callbacks := append([]func(*Message){}, s.messageCallbacks...)
	s.callbacksMu.RUnlock()

	for _, cb := range callbacks {
		s.safeCall("message", func() { cb(msg) })
	}
}

func (s *Socket) safeCall(kind string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Socket callback panicked", "callback", kind, "error", fmt.Sprint(r))
		}
	}()
	fn()
}
