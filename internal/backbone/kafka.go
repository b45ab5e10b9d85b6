package backbone

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

// Kafka publishes each channel to a single-partition topic <prefix><channel>, so
// the broker keeps the order in which sequences were assigned. Every replica reads
// the partition from the newest offset without a consumer group, so each one sees
// every message.
type Kafka struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer
	prefix   string
	logger   *slog.Logger

	mu         sync.Mutex
	partitions []sarama.PartitionConsumer
	closed     bool
	wg         sync.WaitGroup
}

// NewKafkaConfig returns the sarama settings the backbone relies on.
func NewKafkaConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForLocal
	config.Producer.Retry.Max = 1
	config.Producer.Partitioner = sarama.NewManualPartitioner
	config.Producer.Timeout = 2 * time.Second
	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest
	return config
}

// DialKafka connects a producer and a consumer to the brokers.
func DialKafka(brokers []string, clientID, prefix string, logger *slog.Logger) (*Kafka, error) {
	config := NewKafkaConfig(clientID)

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	consumer, err := sarama.NewConsumer(brokers, config)
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}

	return NewKafka(producer, consumer, prefix, logger), nil
}

func NewKafka(producer sarama.SyncProducer, consumer sarama.Consumer, prefix string, logger *slog.Logger) *Kafka {
	return &Kafka{
		producer: producer,
		consumer: consumer,
		prefix:   prefix,
		logger:   logger,
	}
}

func (k *Kafka) topic(channel string) string {
	return k.prefix + channel
}

func (k *Kafka) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	k.mu.Lock()
	closed := k.closed
	k.mu.Unlock()
	if closed {
		return ErrClosed
	}

	msg := &sarama.ProducerMessage{
		Topic:     k.topic(channel),
		Key:       sarama.StringEncoder(channel),
		Value:     sarama.ByteEncoder(payload),
		Partition: 0,
	}
	if _, _, err := k.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

func (k *Kafka) Subscribe(channel string, handler Handler) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.closed {
		return ErrClosed
	}

	topic := k.topic(channel)
	pc, err := k.consumer.ConsumePartition(topic, 0, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("consume %s: %w", topic, err)
	}
	k.partitions = append(k.partitions, pc)

	k.wg.Add(2)
	go func() {
		defer k.wg.Done()
		for msg := range pc.Messages() {
			handler(msg.Value)
		}
	}()
	go func() {
		defer k.wg.Done()
		for err := range pc.Errors() {
			k.logger.Error("kafka consume error", "topic", topic, "error", err)
		}
	}()

	k.logger.Info("backbone subscribed", "backbone", "kafka", "topic", topic)
	return nil
}

func (k *Kafka) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	partitions := k.partitions
	k.partitions = nil
	k.mu.Unlock()

	var firstErr error
	for _, pc := range partitions {
		pc.AsyncClose()
	}
	k.wg.Wait()

	if err := k.consumer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := k.producer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
