package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Sink receives the events of one committed operation at a time. Publish is
// called outside the exchange lock and may block, so batches from concurrent
// operations can arrive out of order; Event.Seq restores the commit order.
type Sink interface {
	Publish(ctx context.Context, evs []Event) error
}

// MultiSink fans events out to every sink; one failing sink does not stop the rest
type MultiSink []Sink

func (m MultiSink) Publish(ctx context.Context, evs []Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, evs); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes every event as a structured log line
type LogSink struct {
	logger *zap.SugaredLogger
}

func NewLogSink(logger *zap.SugaredLogger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(_ context.Context, evs []Event) error {
	for _, ev := range evs {
		s.logger.Infow(string(ev.Type),
			"seq", ev.Seq,
			"account", ev.Account.Hex(),
			"payload", ev.Payload,
		)
	}
	return nil
}

// KafkaSink publishes events as JSON, keyed by account so one account's
// events stay ordered within a partition
type KafkaSink struct {
	writer *kafka.Writer
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
			Async:        false,
			BatchTimeout: 10 * time.Millisecond,
		},
	}
}

func (s *KafkaSink) Publish(ctx context.Context, evs []Event) error {
	msgs, err := Messages(evs)
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka publish: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// Messages encodes events the way KafkaSink writes them
func Messages(evs []Event) ([]kafka.Message, error) {
	msgs := make([]kafka.Message, 0, len(evs))
	for _, ev := range evs {
		val, err := json.Marshal(ev)
		if err != nil {
			return nil, fmt.Errorf("encode %s event: %w", ev.Type, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(ev.Account.Hex()),
			Value: val,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(ev.Type)},
			},
			Time: ev.Timestamp,
		})
	}
	return msgs, nil
}

// Recorder keeps every published event in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, evs []Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evs...)
	return nil
}

// Events returns a copy of everything recorded so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType filters the recorded events
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}
