package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// event is one line of listener output
type event struct {
	Channel    string         `json:"channel"`
	Kind       string         `json:"kind"`
	Name       string         `json:"name"`
	Payload    map[string]any `json:"payload,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

type sink interface {
	Write(ctx context.Context, ev event) error
	Close() error
}

// jsonLinesSink writes one JSON object per line
type jsonLinesSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newJSONLinesSink(w io.Writer) *jsonLinesSink {
	return &jsonLinesSink{enc: json.NewEncoder(w)}
}

func (s *jsonLinesSink) Write(ctx context.Context, ev event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(ev)
}

func (s *jsonLinesSink) Close() error { return nil }

// kafkaSink publishes events keyed by channel topic so a channel's events
// stay ordered within a partition.
type kafkaSink struct {
	writer *kafka.Writer
}

func newKafkaSink(brokers []string, topic string) (*kafkaSink, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka sink needs at least one broker")
	}
	if topic == "" {
		return nil, errors.New("kafka sink needs a topic")
	}

	writer := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  brokers,
		Topic:    topic,
		Balancer: &kafka.Hash{},
	})
	return &kafkaSink{writer: writer}, nil
}

func (s *kafkaSink) Write(ctx context.Context, ev event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	return s.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.Channel),
		Value: data,
		Time:  ev.ReceivedAt,
	})
}

func (s *kafkaSink) Close() error {
	return s.writer.Close()
}

// pump drains events into out until ctx is done or events is closed
func pump(ctx context.Context, events <-chan event, out sink, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := out.Write(ctx, ev); err != nil {
				logger.Error("Failed to write event", "channel", ev.Channel, "kind", ev.Kind, "error", err)
			}
		}
	}
}
