package database

import (
	"time"
)

// Connection definition sql / broker setting
type Connection struct {
	ConnectStr string

	RetryCount    int
	RetryInterval time.Duration
}

// MinIOConnection definition minio
type MinIOConnection struct {
	Endpoint   string
	User       string
	Password   string
	BucketName string
	UseSSL     bool
	Region     string

	// ExternalHost 對外 host，RewriteHost 為 true 時 presigned URL 會被改寫
	ExternalHost  string
	RewriteHost   bool
	PresignExpiry time.Duration

	RetryCount    int
	RetryInterval time.Duration
}

// KafkaConnection definition kafka
type KafkaConnection struct {
	Brokers       []string
	Topic         string
	RetryCount    int
	RetryInterval time.Duration
}

// RedisConnection definition redis, SentinelAddrs 有值時使用 failover client
type RedisConnection struct {
	Addr          string
	Password      string
	DB            int
	MasterName    string
	SentinelAddrs []string
}
