package shared

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"
)

// Producer abstracts Kafka production so the mirror path can be faked in tests.
type Producer interface {
	Produce(ctx context.Context, topic string, key []byte, value []byte) error
	ProduceJSON(ctx context.Context, topic string, key []byte, v any) error
	Close()
}

// KafkaProducer implements Producer using segmentio/kafka-go.
type KafkaProducer struct {
	cfg     KafkaConfig
	mu      sync.Mutex
	writers map[string]*kafka.Writer
}

func NewProducer(cfg KafkaConfig) *KafkaProducer {
	return &KafkaProducer{
		cfg:     cfg,
		writers: make(map[string]*kafka.Writer),
	}
}

func (k *KafkaProducer) writer(topic string) *kafka.Writer {
	k.mu.Lock()
	defer k.mu.Unlock()
	if w, ok := k.writers[topic]; ok {
		return w
	}
	batchTimeout := k.cfg.LingerMS
	if batchTimeout < 0 {
		batchTimeout = 0
	}
	batchBytes := k.cfg.BatchBytes
	if batchBytes < 1 {
		batchBytes = 1
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(k.cfg.BrokerList()...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: writerAcks(k.cfg.ProducerAcks),
		BatchTimeout: time.Duration(batchTimeout) * time.Millisecond,
		BatchBytes:   int64(batchBytes),
	}
	k.writers[topic] = w
	return w
}

func (k *KafkaProducer) Produce(ctx context.Context, topic string, key []byte, value []byte) error {
	return k.writer(topic).WriteMessages(ctx, kafka.Message{
		Key:   key,
		Value: value,
		Time:  time.Now().UTC(),
	})
}

func (k *KafkaProducer) ProduceJSON(ctx context.Context, topic string, key []byte, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return k.Produce(ctx, topic, key, b)
}

func (k *KafkaProducer) Close() {
	k.mu.Lock()
	ws := make([]*kafka.Writer, 0, len(k.writers))
	for _, w := range k.writers {
		ws = append(ws, w)
	}
	k.writers = make(map[string]*kafka.Writer)
	k.mu.Unlock()
	for _, w := range ws {
		_ = w.Close()
	}
}

func writerAcks(raw string) kafka.RequiredAcks {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "all", "-1":
		return kafka.RequireAll
	case "none", "0":
		return kafka.RequireNone
	default:
		return kafka.RequireOne
	}
}
