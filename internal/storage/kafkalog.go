package storage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"outreachd/internal/eventbus"
)

type KafkaLogConfig struct {
	Brokers []string
	Topic   string
	Timeout time.Duration
}

// messageWriter is the subset of *kgo.Writer the sink uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// KafkaLog publishes event records to a topic keyed by subject, so one
// subject's events stay ordered within a partition.
type KafkaLog struct {
	w       messageWriter
	timeout time.Duration
}

func NewKafkaLog(cfg KafkaLogConfig) (*KafkaLog, error) {
	brokers := make([]string, 0, len(cfg.Brokers))
	for _, b := range cfg.Brokers {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	if len(brokers) == 0 {
		return nil, errors.New("kafka brokers are required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("kafka topic is required")
	}
	w := &kgo.Writer{
		Addr:         kgo.TCP(brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kgo.Hash{},
		RequiredAcks: kgo.RequireOne,
	}
	return newKafkaLog(w, cfg.Timeout), nil
}

func newKafkaLog(w messageWriter, timeout time.Duration) *KafkaLog {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &KafkaLog{w: w, timeout: timeout}
}

func (l *KafkaLog) Close() error { return l.w.Close() }

func (l *KafkaLog) AppendEvent(ctx context.Context, r eventbus.Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	key := r.SubjectID
	if key == "" {
		key = string(r.Type)
	}
	cctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.w.WriteMessages(cctx, kgo.Message{
		Key:   []byte(key),
		Value: b,
		Time:  r.Timestamp,
		Headers: []kgo.Header{
			{Key: "event-type", Value: []byte(r.Type)},
		},
	})
}
