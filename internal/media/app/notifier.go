package app

import (
	"context"
	"encoding/json"

	"media_transcoder/internal/media/domain"
	"media_transcoder/pkg/database"
	errprocess "media_transcoder/pkg/err"

	"github.com/segmentio/kafka-go"
)

// EventPublisher 發佈轉碼結果事件
type EventPublisher interface {
	Publish(ctx context.Context, event domain.MediaEvent) error
}

type kafkaPublisher struct {
	writer database.KafkaWriter
}

// NewKafkaPublisher key 為 mediaId，同一個 media 的事件會進同一個 partition
func NewKafkaPublisher(writer database.KafkaWriter) EventPublisher {
	return &kafkaPublisher{writer: writer}
}

func (p *kafkaPublisher) Publish(ctx context.Context, event domain.MediaEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return errprocess.New(errprocess.KindIO, "marshal media event", err)
	}
	if err := p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.MediaID),
		Value: data,
	}); err != nil {
		return errprocess.New(errprocess.KindStorage, "publish media event", err)
	}
	return nil
}

type nopPublisher struct{}

// NewNopPublisher kafka 未啟用時使用
func NewNopPublisher() EventPublisher {
	return nopPublisher{}
}

func (nopPublisher) Publish(context.Context, domain.MediaEvent) error {
	return nil
}
