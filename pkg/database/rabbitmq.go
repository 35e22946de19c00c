package database

import (
	"fmt"
	"time"

	"media_transcoder/pkg/logger"

	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

// RabbitRepo definition rabbit repo
type RabbitRepo interface {
	Qos(prefetchCount int) error
	QueueDeclare(name string, args amqp.Table) error
	ExchangeDeclare(name, kind string) error
	QueueBind(name, key, exchange string) error
	Consume(queue, consumer string) (<-chan amqp.Delivery, error)
	Cancel(consumer string) error
}

type rabbitRepo struct {
	channel *amqp.Channel
}

// NewRabbitRepository create a RabbitRepository
func NewRabbitRepository(ch *amqp.Channel) RabbitRepo {
	return &rabbitRepo{channel: ch}
}

// RabbitURL build amqp uri, uri 有值時直接使用
func RabbitURL(uri, user, password, ip, port string) string {
	if uri != "" {
		return uri
	}
	return fmt.Sprintf("amqp://%s:%s@%s:%s/", user, password, ip, port)
}

// ConnectRabbitMQWithRetry 嘗試連線到 RabbitMQ，失敗時依 RetryInterval 重試
func ConnectRabbitMQWithRetry(d Connection) (*amqp.Connection, error) {
	var conn *amqp.Connection
	var err error

	for attempt := 1; attempt <= d.RetryCount; attempt++ {
		conn, err = amqp.Dial(d.ConnectStr)
		if err == nil {
			logger.Log.Info("RabbitMQ connected", zap.Int("attempt", attempt))
			return conn, nil
		}

		logger.Log.Warn("RabbitMQ connect failed, retrying...",
			zap.Int("attempt", attempt),
			zap.Int("retryCount", d.RetryCount),
			zap.Error(err),
		)
		if attempt < d.RetryCount {
			time.Sleep(d.RetryInterval)
		}
	}

	return nil, fmt.Errorf("無法連線 RabbitMQ，經過 %d 次嘗試: %w", d.RetryCount, err)
}

// GetRabbitMQChannelWithRetry 使用已有的 RabbitMQ 連線嘗試取得 Channel
func GetRabbitMQChannelWithRetry(conn *amqp.Connection, maxRetries int, delay time.Duration) (*amqp.Channel, error) {
	var ch *amqp.Channel
	var err error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		ch, err = conn.Channel()
		if err == nil {
			return ch, nil
		}

		logger.Log.Warn("RabbitMQ channel open failed, retrying...", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < maxRetries {
			time.Sleep(delay)
		}
	}

	return nil, fmt.Errorf("無法取得 RabbitMQ Channel，經過 %d 次嘗試: %w", maxRetries, err)
}

// Qos prefetchCount 0 代表不限制（broker 預設）
func (r *rabbitRepo) Qos(prefetchCount int) error {
	return r.channel.Qos(prefetchCount, 0, false)
}

// QueueDeclare declare a durable queue
func (r *rabbitRepo) QueueDeclare(name string, args amqp.Table) error {
	_, err := r.channel.QueueDeclare(
		name,  // queue name
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		args,  // arguments
	)
	return err
}

func (r *rabbitRepo) ExchangeDeclare(name, kind string) error {
	return r.channel.ExchangeDeclare(
		name,  // exchange name
		kind,  // direct / fanout / topic
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,   // arguments
	)
}

func (r *rabbitRepo) QueueBind(name, key, exchange string) error {
	return r.channel.QueueBind(name, key, exchange, false, nil)
}

// Consume 手動 ack
func (r *rabbitRepo) Consume(queue, consumer string) (<-chan amqp.Delivery, error) {
	return r.channel.Consume(
		queue,    // queue name
		consumer, // consumer tag
		false,    // autoAck
		false,    // exclusive
		false,    // noLocal
		false,    // noWait
		nil,      // arguments
	)
}

func (r *rabbitRepo) Cancel(consumer string) error {
	return r.channel.Cancel(consumer, false)
}
