package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"media_transcoder/internal/media/api/handlers"
	"media_transcoder/internal/media/api/router"
	"media_transcoder/internal/media/app"
	"media_transcoder/internal/media/domain"
	"media_transcoder/internal/media/repository"
	"media_transcoder/pkg/config"
	"media_transcoder/pkg/database"
	"media_transcoder/pkg/logger"
	testtool "media_transcoder/pkg/test_tool"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger.Log = logger.Initialize(config.EnvConfig.Transcode, config.EnvConfig.TranscodeLogPath)
	defer logger.Log.Sync()

	cfg := config.LoadConfig[config.Transcode](config.EnvConfig.Transcode, config.EnvConfig.TranscodeYAMLPath)
	cfg.SetDefaults()

	testtool.StartPprof(":6060")

	tracker := app.NewNopTracker()
	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
			Release:     cfg.Sentry.Release,
		}); err != nil {
			logger.Log.Fatal("sentry.Init 失敗", zap.Error(err))
		}
		defer sentry.Flush(2 * time.Second)
		tracker = app.NewSentryTracker(sentry.CurrentHub())
	}

	// 1. 連線 PostgreSQL（medias 用 pgx，transcode_logs 用 gorm）
	dsn := database.PostgresDSN(cfg.PostgreSQL.Host, cfg.PostgreSQL.Port, cfg.PostgreSQL.User, cfg.PostgreSQL.Password, cfg.PostgreSQL.Database)
	pgConn := database.Connection{
		ConnectStr:    dsn,
		RetryCount:    cfg.PostgreSQL.RetryCount,
		RetryInterval: time.Duration(cfg.PostgreSQL.RetryInterval) * time.Second,
	}
	pool, err := database.NewDatabaseConnection(pgConn)
	if err != nil {
		logger.Log.Fatal("Unable to connect to postgreSQL database after retries",
			zap.String("host", cfg.PostgreSQL.Host),
			zap.Error(err),
		)
	}
	defer pool.Close()

	db, err := database.NewPGConnection(pgConn)
	if err != nil {
		logger.Log.Fatal("Unable to open gorm connection after retries", zap.Error(err))
	}
	journal := repository.NewJobLogRepo(db)
	if err := journal.AutoMigrate(); err != nil {
		logger.Log.Fatal("transcode_logs 遷移失敗", zap.Error(err))
	}
	medias := repository.NewMediaRepository(pool)

	// 2. MinIO，bucket 不存在時建立並設定 public-read
	store, err := database.NewMinIOConnection(database.MinIOConnection{
		Endpoint:      fmt.Sprintf("%s:%d", cfg.MinIO.Host, cfg.MinIO.Port),
		User:          cfg.MinIO.User,
		Password:      cfg.MinIO.Password,
		BucketName:    cfg.MinIO.BucketName,
		UseSSL:        cfg.MinIO.UseSSL,
		ExternalHost:  cfg.MinIO.ExternalHost,
		RewriteHost:   !config.IsDevelopment(),
		PresignExpiry: cfg.Worker.PresignExpiry,
		RetryCount:    cfg.MinIO.RetryCount,
		RetryInterval: cfg.MinIO.RetryInterval,
	})
	if err != nil {
		logger.Log.Fatal("Unable to connect to minio after retries",
			zap.String("host", cfg.MinIO.Host),
			zap.Error(err),
		)
	}

	// 3. RabbitMQ
	conn, err := database.ConnectRabbitMQWithRetry(database.Connection{
		ConnectStr:    database.RabbitURL(cfg.RabbitMQ.URI, cfg.RabbitMQ.User, cfg.RabbitMQ.Password, cfg.RabbitMQ.IP, cfg.RabbitMQ.Port),
		RetryCount:    cfg.RabbitMQ.RetryCount,
		RetryInterval: cfg.RabbitMQ.RetryInterval,
	})
	if err != nil {
		logger.Log.Fatal("RabbitMQ 連線失敗", zap.Error(err))
	}
	defer conn.Close()

	rabbitChannel, err := database.GetRabbitMQChannelWithRetry(conn, cfg.RabbitMQ.RetryCount, cfg.RabbitMQ.RetryInterval)
	if err != nil {
		logger.Log.Fatal("取得 RabbitMQ Channel 失敗", zap.Error(err))
	}
	defer rabbitChannel.Close()

	// 4. Redis：job snapshot 與 per-media lock，無法連線時照常處理但不加鎖
	var states repository.JobStateRepo
	rdb, err := database.NewRedisClient(database.RedisConnection{
		Addr:          cfg.Redis.Addr,
		Password:      cfg.Redis.Password,
		DB:            cfg.Redis.RedisDB,
		MasterName:    cfg.Redis.MasterName,
		SentinelAddrs: cfg.Redis.SentinelAddrs,
	})
	if err != nil {
		logger.Log.Warn("Redis 無法連線，停用 job snapshot 與 media lock", zap.Error(err))
	} else {
		defer rdb.Close()
		states = repository.NewJobStateRepo(
			database.NewRedisRepository[domain.JobSnapshot](rdb),
			database.NewRedisRepository[string](rdb),
			cfg.Redis.SnapshotTTL,
			cfg.Redis.LockTTL,
		)
	}

	// 5. Kafka：轉碼結果事件
	events := app.NewNopPublisher()
	if cfg.Kafka.Enabled {
		kafkaWriter, err := database.NewKafkaWriterWithRetry(database.KafkaConnection{
			Brokers:       cfg.Kafka.Brokers,
			Topic:         cfg.Kafka.Topic,
			RetryCount:    cfg.Kafka.RetryCount,
			RetryInterval: cfg.Kafka.RetryInterval,
		})
		if err != nil {
			logger.Log.Fatal("Kafka Writer 建立失敗", zap.Error(err))
		}
		defer kafkaWriter.Close()
		events = app.NewKafkaPublisher(kafkaWriter)
	}

	// 6. 轉碼流程
	ffmpeg := app.NewFFmpeg(cfg.FFmpeg.FFmpegPath, cfg.FFmpeg.FFprobePath)
	usecase := app.NewMediaUseCase(
		store,
		app.NewImageTranscoder(),
		app.NewVideoTranscoder(store, ffmpeg, ffmpeg, cfg.Worker.TempDir),
		medias,
		cfg.Worker.TempDir,
	)
	consumer := app.NewConsumer(
		database.NewRabbitRepository(rabbitChannel),
		usecase,
		app.NewJobReporter(states, journal, events, tracker),
		states,
		app.ConsumerConfig{
			ImageQueue:   cfg.Worker.ImageQueue,
			VideoQueue:   cfg.Worker.VideoQueue,
			Prefetch:     cfg.Worker.Prefetch,
			ImageWorkers: cfg.Worker.ImageWorkers,
			VideoWorkers: cfg.Worker.VideoWorkers,
			MaxAttempts:  cfg.Worker.MaxAttempts,
			BackoffBase:  cfg.Worker.BackoffBase,
			DeadLetter:   cfg.Worker.DeadLetter,

			LockRetryDelay: cfg.Worker.LockRetryDelay,
		},
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- consumer.Start(ctx)
	}()

	// 7. ops API
	r := fiber.New(fiber.Config{DisableStartupMessage: true})
	router.RegisterRoutes(r, handlers.NewOpsHandler(states, journal))
	go func() {
		addr := cfg.IP + ":" + cfg.Port
		logger.Log.Info("ops server listening", zap.String("addr", addr))
		if err := r.Listen(addr); err != nil {
			logger.Log.Error("ops server stopped", zap.Error(err))
		}
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
		logger.Log.Info("收到停止訊號，等待處理中的 job", zap.Duration("budget", cfg.Worker.ShutdownBudget))
		select {
		case err := <-consumerDone:
			if err != nil {
				logger.Log.Error("consumer stopped with error", zap.Error(err))
			}
		case <-time.After(cfg.Worker.ShutdownBudget):
			logger.Log.Warn("shutdown budget exceeded, in-flight jobs will be redelivered")
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			consumer.ReleaseLocks(releaseCtx)
			cancel()
		}
	case err := <-consumerDone:
		if errors.Is(err, app.ErrDeliveriesClosed) {
			logger.Log.Error("RabbitMQ delivery channels closed", zap.Error(err))
		} else if err != nil {
			logger.Log.Error("consumer failed", zap.Error(err))
		}
		exitCode = 1
	}

	if err := r.ShutdownWithTimeout(5 * time.Second); err != nil {
		logger.Log.Warn("ops server shutdown", zap.Error(err))
	}
	return exitCode
}
