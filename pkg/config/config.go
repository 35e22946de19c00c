package config

import "time"

// Transcode definition transcode_service YAML structure
type Transcode struct {
	Port string `mapstructure:"port"`
	IP   string `mapstructure:"ip"`

	MinIO      MinIOConfig    `mapstructure:"minio"`
	RabbitMQ   RabbitMQConfig `mapstructure:"rabbitmq"`
	PostgreSQL DatabaseConfig `mapstructure:"pg"`
	Redis      RedisConfig    `mapstructure:"redis"`
	Kafka      KafkaConfig    `mapstructure:"kafka"`
	Worker     WorkerConfig   `mapstructure:"worker"`
	FFmpeg     FFmpegConfig   `mapstructure:"ffmpeg"`
	Sentry     SentryConfig   `mapstructure:"sentry"`
}

// DatabaseConfig definition db setting
type DatabaseConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	Database      string `mapstructure:"database"`
	RetryInterval int    `mapstructure:"retry_interval"`
	RetryCount    int    `mapstructure:"retry_count"`
}

// MinIOConfig definition object storage setting
type MinIOConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	User       string `mapstructure:"user"`
	Password   string `mapstructure:"password"`
	BucketName string `mapstructure:"bucket_name"`
	UseSSL     bool   `mapstructure:"use_ssl"`
	// ExternalHost 對外可連線的 host，非 development 環境會改寫 presigned URL
	ExternalHost string `mapstructure:"external_host"`

	RetryInterval time.Duration `mapstructure:"retry_interval"`
	RetryCount    int           `mapstructure:"retry_count"`
}

// RabbitMQConfig definition broker setting
type RabbitMQConfig struct {
	IP       string `mapstructure:"ip"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	// URI 若有設定則優先於 IP/Port/User/Password
	URI string `mapstructure:"uri"`

	RetryInterval time.Duration `mapstructure:"retry_interval"`
	RetryCount    int           `mapstructure:"retry_count"`
}

// RedisConfig definition redis setting
type RedisConfig struct {
	Addr          string   `mapstructure:"addr"`
	Password      string   `mapstructure:"password"`
	RedisDB       int      `mapstructure:"redis_db"`
	MasterName    string   `mapstructure:"master_name"`
	SentinelAddrs []string `mapstructure:"sentinel_addrs"`

	SnapshotTTL time.Duration `mapstructure:"snapshot_ttl"`
	LockTTL     time.Duration `mapstructure:"lock_ttl"`
}

// KafkaConfig definition kafka
type KafkaConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Brokers       []string      `mapstructure:"brokers"`
	Topic         string        `mapstructure:"topic"`
	RetryCount    int           `mapstructure:"retry_count"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
}

// SentryConfig dsn 空字串時不啟用
type SentryConfig struct {
	DSN         string `mapstructure:"dsn"`
	Environment string `mapstructure:"environment"`
	Release     string `mapstructure:"release"`
}

// WorkerConfig definition queue consumer setting
type WorkerConfig struct {
	ImageQueue string `mapstructure:"image_queue"`
	VideoQueue string `mapstructure:"video_queue"`
	// Prefetch 0 代表沿用 broker 預設
	Prefetch       int           `mapstructure:"prefetch"`
	ImageWorkers   int           `mapstructure:"image_workers"`
	VideoWorkers   int           `mapstructure:"video_workers"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	DeadLetter     bool          `mapstructure:"dead_letter"`
	TempDir        string        `mapstructure:"temp_dir"`
	PresignExpiry  time.Duration `mapstructure:"presign_expiry"`
	ShutdownBudget time.Duration `mapstructure:"shutdown_budget"`
	LockRetryDelay time.Duration `mapstructure:"lock_retry_delay"`
}

// FFmpegConfig definition external codec binaries
type FFmpegConfig struct {
	FFmpegPath  string `mapstructure:"ffmpeg_path"`
	FFprobePath string `mapstructure:"ffprobe_path"`
}

// SetDefaults fill zero values with the service defaults
func (c *Transcode) SetDefaults() {
	if c.Port == "" {
		c.Port = "8085"
	}
	w := &c.Worker
	if w.ImageQueue == "" {
		w.ImageQueue = "imageQueue"
	}
	if w.VideoQueue == "" {
		w.VideoQueue = "videoQueue"
	}
	if w.ImageWorkers <= 0 {
		w.ImageWorkers = 1
	}
	if w.VideoWorkers <= 0 {
		w.VideoWorkers = 1
	}
	if w.MaxAttempts <= 0 {
		w.MaxAttempts = 1
	}
	if w.BackoffBase <= 0 {
		w.BackoffBase = time.Second
	}
	if w.LockRetryDelay <= 0 {
		w.LockRetryDelay = 5 * time.Second
	}
	if w.TempDir == "" {
		w.TempDir = "./temp"
	}
	if w.PresignExpiry <= 0 {
		w.PresignExpiry = 7 * 24 * time.Hour
	}
	if w.ShutdownBudget <= 0 {
		w.ShutdownBudget = 30 * time.Second
	}
	if c.FFmpeg.FFmpegPath == "" {
		c.FFmpeg.FFmpegPath = "ffmpeg"
	}
	if c.FFmpeg.FFprobePath == "" {
		c.FFmpeg.FFprobePath = "ffprobe"
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = "media.events"
	}
	if c.Redis.SnapshotTTL <= 0 {
		c.Redis.SnapshotTTL = 24 * time.Hour
	}
	if c.Redis.LockTTL <= 0 {
		c.Redis.LockTTL = 30 * time.Minute
	}
	if c.MinIO.RetryCount <= 0 {
		c.MinIO.RetryCount = 1
	}
	if c.RabbitMQ.RetryCount <= 0 {
		c.RabbitMQ.RetryCount = 1
	}
	if c.PostgreSQL.RetryCount <= 0 {
		c.PostgreSQL.RetryCount = 1
	}
}
