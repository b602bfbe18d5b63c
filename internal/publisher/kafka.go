package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"github.com/irfndi/candle-sync/internal/config"
	"github.com/irfndi/candle-sync/internal/models"
	"github.com/sirupsen/logrus"
)

const kafkaFlushTimeoutMs = 5000

// kafkaProducer is the part of *kafka.Producer the publisher uses.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

// KafkaPublisher produces candles to one topic keyed by series.
type KafkaPublisher struct {
	producer kafkaProducer
	topic    string
	logger   *logrus.Entry
	done     chan struct{}
}

// NewKafkaPublisher creates a producer for the configured brokers.
func NewKafkaPublisher(cfg config.KafkaPublisherConfig, logger *logrus.Logger) (*KafkaPublisher, error) {
	acks := cfg.Acks
	if acks == "" {
		acks = "1"
	}
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": strings.Join(cfg.Brokers, ","),
		"acks":              acks,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}
	return newKafkaPublisher(producer, cfg.Topic, logger), nil
}

func newKafkaPublisher(producer kafkaProducer, topic string, logger *logrus.Logger) *KafkaPublisher {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	p := &KafkaPublisher{
		producer: producer,
		topic:    topic,
		logger:   logger.WithFields(logrus.Fields{"component": "kafka_publisher", "topic": topic}),
		done:     make(chan struct{}),
	}
	go p.deliveryReports()
	return p
}

// deliveryReports logs failed deliveries until the producer is closed.
func (p *KafkaPublisher) deliveryReports() {
	events := p.producer.Events()
	for {
		select {
		case <-p.done:
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if m, isMsg := e.(*kafka.Message); isMsg && m.TopicPartition.Error != nil {
				p.logger.WithError(m.TopicPartition.Error).Error("Candle delivery failed")
			}
		}
	}
}

func (p *KafkaPublisher) Publish(_ context.Context, symbol string, candle models.Candle) error {
	data, err := json.Marshal(CandleMessage{Symbol: models.NormalizeSymbol(symbol), Candle: candle})
	if err != nil {
		return fmt.Errorf("failed to marshal candle: %w", err)
	}
	topic := p.topic
	err = p.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(MessageKey(symbol, candle.Interval)),
		Value:          data,
	}, nil)
	if err != nil {
		return fmt.Errorf("failed to produce candle: %w", err)
	}
	return nil
}

// Close flushes outstanding messages and closes the producer.
func (p *KafkaPublisher) Close() error {
	select {
	case <-p.done:
		return nil
	default:
	}
	close(p.done)
	if remaining := p.producer.Flush(kafkaFlushTimeoutMs); remaining > 0 {
		p.logger.WithField("remaining", remaining).Warn("Kafka producer closed with undelivered candles")
	}
	p.producer.Close()
	return nil
}
