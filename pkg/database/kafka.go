package database

import (
	"context"
	"fmt"
	"time"

	errprocess "media_transcoder/pkg/err"
	"media_transcoder/pkg/logger"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaWriter subset of *kafka.Writer used by publishers
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewKafkaWriterWithRetry 建立 Kafka Writer 並確認 topic 可連線
func NewKafkaWriterWithRetry(k KafkaConnection) (*kafka.Writer, error) {
	var err error

	for attempt := 1; attempt <= k.RetryCount; attempt++ {
		err = pingKafka(k)
		if err == nil {
			logger.Log.Info("Kafka writer ready", zap.Strings("brokers", k.Brokers), zap.String("topic", k.Topic))
			return &kafka.Writer{
				Addr:                   kafka.TCP(k.Brokers...),
				Topic:                  k.Topic,
				Balancer:               &kafka.Hash{},
				RequiredAcks:           kafka.RequireOne,
				AllowAutoTopicCreation: true,
			}, nil
		}

		logger.Log.Warn("Kafka connect failed, retrying...", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < k.RetryCount {
			time.Sleep(k.RetryInterval)
		}
	}

	return nil, fmt.Errorf("無法建立 Kafka Writer，經過 %d 次嘗試: %w", k.RetryCount, err)
}

func pingKafka(k KafkaConnection) error {
	if len(k.Brokers) == 0 {
		return errprocess.Set("no kafka broker configured")
	}
	conn, err := kafka.Dial("tcp", k.Brokers[0])
	if err != nil {
		return err
	}
	defer conn.Close()
	_, err = conn.Brokers()
	return err
}
