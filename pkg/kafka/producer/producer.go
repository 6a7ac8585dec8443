package producer

import (
	"os"
	"strings"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

// Producer wraps a sarama sync producer for the drop-copy feed.
type Producer struct {
	sp  sarama.SyncProducer
	log *zap.Logger
}

// NewProducer connects to the brokers in KAFKA_BROKER (comma separated)
// when brokers is empty.
func NewProducer(brokers []string, log *zap.Logger) (*Producer, error) {
	if len(brokers) == 0 {
		brokers = strings.Split(os.Getenv("KAFKA_BROKER"), ",")
	}
	if log == nil {
		log = zap.NewNop()
	}
	config := sarama.NewConfig()
	config.Producer.Return.Successes = true

	sp, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, err
	}
	return &Producer{sp: sp, log: log.Named("kafka")}, nil
}

// Publish sends one message.
func (p *Producer) Publish(topic, key string, value []byte) error {
	message := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}
	partition, offset, err := p.sp.SendMessage(message)
	if err != nil {
		return err
	}
	p.log.Debug("kafka message sent",
		zap.String("topic", topic),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

// Close releases the underlying producer.
func (p *Producer) Close() error {
	return p.sp.Close()
}
