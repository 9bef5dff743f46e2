package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	realtime "github.com/go-realtime-channels"
)

type listenFlags struct {
	url       string
	apiKey    string
	token     string
	transport string
	sink      string

	table      string
	schema     string
	change     string
	filter     string
	broadcasts []string
	presence   bool

	kafkaBrokers []string
	kafkaTopic   string
}

var lf listenFlags

func init() {
	rootCmd.AddCommand(listenCmd)

	f := listenCmd.Flags()
	f.StringVar(&lf.url, "url", "", "project URL (overrides project.url)")
	f.StringVar(&lf.apiKey, "api-key", "", "project API key (overrides project.api_key)")
	f.StringVar(&lf.token, "token", "", "access token sent with joins (overrides project.access_token)")
	f.StringVar(&lf.transport, "transport", "", "websocket library: gorilla or nhooyr (overrides socket.transport)")
	f.StringVar(&lf.sink, "sink", "stdout", "where events go: stdout or kafka")

	f.StringVar(&lf.table, "table", "", "listen for row changes on this table")
	f.StringVar(&lf.schema, "schema", "public", "schema of --table")
	f.StringVar(&lf.change, "change", "*", "row operation: INSERT, UPDATE, DELETE or *")
	f.StringVar(&lf.filter, "filter", "", "server-side row filter, e.g. id=eq.1")
	f.StringSliceVar(&lf.broadcasts, "broadcast", nil, "broadcast event names to listen for")
	f.BoolVar(&lf.presence, "presence", false, "listen for presence sync/join/leave")

	f.StringSliceVar(&lf.kafkaBrokers, "kafka-brokers", nil, "kafka brokers (overrides kafka.brokers)")
	f.StringVar(&lf.kafkaTopic, "kafka-topic", "", "kafka topic (overrides kafka.topic)")
}

var listenCmd = &cobra.Command{
	Use:   "listen <channel>",
	Short: "Subscribe to a channel and stream its events",
	Long: "Subscribe to a channel and stream row changes, broadcasts and presence events.\n" +
		"Example: realtime-listen listen db --table messages --change INSERT",
	Args: cobra.ExactArgs(1),
	RunE: runListen,
}

// applyFlags overlays explicitly set flags on cfg
func applyFlags(cmd *cobra.Command, cfg *Config) {
	changed := cmd.Flags().Changed
	if changed("url") {
		cfg.Project.URL = lf.url
	}
	if changed("api-key") {
		cfg.Project.APIKey = lf.apiKey
	}
	if changed("token") {
		cfg.Project.AccessToken = lf.token
	}
	if changed("transport") {
		cfg.Socket.Transport = lf.transport
	}
	if changed("kafka-brokers") {
		cfg.Kafka.Brokers = lf.kafkaBrokers
	}
	if changed("kafka-topic") {
		cfg.Kafka.Topic = lf.kafkaTopic
	}
}

// socketOptions maps the config onto realtime.SocketOptions
func socketOptions(cfg *Config, logger *slog.Logger) (*realtime.SocketOptions, error) {
	opts := &realtime.SocketOptions{
		Logger:      logger,
		AccessToken: cfg.Project.AccessToken,
	}
	if cfg.Socket.HeartbeatSeconds > 0 {
		opts.HeartbeatInterval = time.Duration(cfg.Socket.HeartbeatSeconds) * time.Second
	}
	if cfg.Socket.JoinTimeoutSecs > 0 {
		opts.JoinTimeout = time.Duration(cfg.Socket.JoinTimeoutSecs) * time.Second
	}

	switch cfg.Socket.Transport {
	case "", "gorilla":
	case "nhooyr":
		opts.Dialer = &realtime.NhooyrDialer{}
	default:
		return nil, fmt.Errorf("unknown transport %q (valid: gorilla, nhooyr)", cfg.Socket.Transport)
	}
	return opts, nil
}

func openSink(name string, cfg *Config, stdout io.Writer) (sink, error) {
	switch name {
	case "stdout":
		return newJSONLinesSink(stdout), nil
	case "kafka":
		return newKafkaSink(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	default:
		return nil, fmt.Errorf("unknown sink %q (valid: stdout, kafka)", name)
	}
}

// registerListeners wires the requested listeners to emit and reports
// whether any were registered.
func registerListeners(ch *realtime.Channel, flags listenFlags, emit func(kind, name string, payload map[string]any)) bool {
	registered := false

	if flags.table != "" {
		ch.OnDataChange(realtime.DataChangeFilter{
			Event:  realtime.ChangeEvent(flags.change),
			Schema: flags.schema,
			Table:  flags.table,
			Filter: flags.filter,
			Callback: func(payload map[string]any) {
				name := ""
				if data, ok := payload["data"].(map[string]any); ok {
					name, _ = data["type"].(string)
				}
				emit(realtime.EventPostgresChange, name, payload)
			},
		})
		registered = true
	}

	for _, name := range flags.broadcasts {
		ch.OnBroadcast(realtime.BroadcastFilter{
			Event:    name,
			Callback: func(payload map[string]any) { emit(realtime.EventBroadcast, name, payload) },
		})
		registered = true
	}

	if flags.presence {
		for _, name := range []string{realtime.PresenceSync, realtime.PresenceJoin, realtime.PresenceLeave} {
			ch.OnPresence(realtime.PresenceFilter{
				Event:    name,
				Callback: func(payload map[string]any) { emit(realtime.EventPresence, name, payload) },
			})
		}
		registered = true
	}

	return registered
}

func runListen(cmd *cobra.Command, args []string) error {
	path, err := resolveConfigPath()
	if err != nil {
		return err
	}
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}
	applyFlags(cmd, cfg)

	if cfg.Project.URL == "" || cfg.Project.APIKey == "" {
		return errors.New("project URL and API key are required (set project.url and project.api_key, or pass --url and --api-key)")
	}

	logger := slog.Default()
	opts, err := socketOptions(cfg, logger)
	if err != nil {
		return err
	}

	out, err := openSink(lf.sink, cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer out.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	socket, err := realtime.NewSocket(cfg.Project.URL, cfg.Project.APIKey, opts)
	if err != nil {
		return err
	}
	defer socket.Close()

	ch := socket.Channel(args[0])
	events := make(chan event, 256)
	emit := func(kind, name string, payload map[string]any) {
		ev := event{Channel: ch.Topic(), Kind: kind, Name: name, Payload: payload, ReceivedAt: time.Now().UTC()}
		select {
		case events <- ev:
		default:
			logger.Warn("Sink is falling behind, dropping event", "channel", ev.Channel, "kind", kind, "name", name)
		}
	}

	if !registerListeners(ch, lf, emit) {
		return errors.New("nothing to listen to: pass --table, --broadcast or --presence")
	}

	socket.OnStateChange(func(state realtime.SocketState) {
		logger.Info("Socket state changed", "state", state.String())
	})
	ch.Subscribe(
		func(status realtime.SubscribeStatus) { emit("status", string(status), nil) },
		func(err error) { logger.Error("Subscription failed", "channel", ch.Topic(), "error", err) },
	)

	if err := socket.Connect(); err != nil {
		return err
	}

	pumpCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go pump(pumpCtx, events, out, logger)

	<-ctx.Done()
	logger.Info("Shutting down")
	return nil
}
