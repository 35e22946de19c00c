package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"media_transcoder/internal/media/domain"
	"media_transcoder/internal/media/repository"
	"media_transcoder/pkg/database"
	errprocess "media_transcoder/pkg/err"
	"media_transcoder/pkg/logger"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

var (
	// ErrDeliveriesClosed broker 關閉了所有 delivery channel
	ErrDeliveriesClosed = errors.New("all delivery channels closed")
	// ErrMediaLocked 另一個 worker 正在處理同一個 media
	ErrMediaLocked = errors.New("media is locked by another worker")
)

const defaultLockRetryDelay = 5 * time.Second

// ConsumerConfig queue 與 worker 設定
type ConsumerConfig struct {
	ImageQueue   string
	VideoQueue   string
	Prefetch     int
	ImageWorkers int
	VideoWorkers int
	// MaxAttempts 只有 io / storage 錯誤會在 process 內重試
	MaxAttempts int
	BackoffBase time.Duration
	DeadLetter  bool
	// LockRetryDelay media 被鎖住時，等待多久後把訊息交還 broker
	LockRetryDelay time.Duration
}

type jobHandler func(ctx context.Context, fileName, mediaID string) (*domain.TranscodeResult, error)

type queueSpec struct {
	name    string
	tag     string
	workers int
	handle  jobHandler
}

// Consumer 從 imageQueue / videoQueue 取出 job 並交給 MediaUseCase
type Consumer struct {
	rabbit   database.RabbitRepo
	usecase  MediaUseCase
	reporter JobReporter
	locks    repository.JobStateRepo
	cfg      ConsumerConfig
	owner    string

	sleep func(ctx context.Context, d time.Duration)
	wg    sync.WaitGroup

	mu   sync.Mutex
	held map[string]string // mediaID -> lock token
}

// NewConsumer 建構 Consumer 實例，locks 為 nil 時不做 per-media 鎖
func NewConsumer(rabbit database.RabbitRepo, usecase MediaUseCase, reporter JobReporter, locks repository.JobStateRepo, cfg ConsumerConfig) *Consumer {
	if cfg.ImageQueue == "" {
		cfg.ImageQueue = domain.ImageQueueName
	}
	if cfg.VideoQueue == "" {
		cfg.VideoQueue = domain.VideoQueueName
	}
	if cfg.ImageWorkers <= 0 {
		cfg.ImageWorkers = 1
	}
	if cfg.VideoWorkers <= 0 {
		cfg.VideoWorkers = 1
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.LockRetryDelay <= 0 {
		cfg.LockRetryDelay = defaultLockRetryDelay
	}
	return &Consumer{
		rabbit:   rabbit,
		usecase:  usecase,
		reporter: reporter,
		locks:    locks,
		cfg:      cfg,
		owner:    uuid.NewString(),
		sleep:    sleepContext,
		held:     map[string]string{},
	}
}

func (c *Consumer) queues() []queueSpec {
	return []queueSpec{
		{name: c.cfg.ImageQueue, tag: "transcoder-image-" + c.owner, workers: c.cfg.ImageWorkers, handle: c.usecase.ProcessImage},
		{name: c.cfg.VideoQueue, tag: "transcoder-video-" + c.owner, workers: c.cfg.VideoWorkers, handle: c.usecase.ProcessVideo},
	}
}

// Setup 設定 prefetch，宣告 durable queue，DeadLetter 開啟時另外宣告 dlx 與 dlq
func (c *Consumer) Setup() error {
	if c.cfg.Prefetch > 0 {
		if err := c.rabbit.Qos(c.cfg.Prefetch); err != nil {
			return errprocess.Wrap(err, "設定 prefetch 失敗")
		}
	}

	var args amqp.Table
	if c.cfg.DeadLetter {
		if err := c.rabbit.ExchangeDeclare(domain.DeadLetterExchange, amqp.ExchangeDirect); err != nil {
			return errprocess.Wrap(err, "宣告 dead letter exchange 失敗")
		}
		args = amqp.Table{"x-dead-letter-exchange": domain.DeadLetterExchange}
	}

	for _, q := range c.queues() {
		if c.cfg.DeadLetter {
			dlq := domain.DeadLetterQueue(q.name)
			if err := c.rabbit.QueueDeclare(dlq, nil); err != nil {
				return errprocess.Wrap(err, "宣告 "+dlq+" 失敗")
			}
			if err := c.rabbit.QueueBind(dlq, q.name, domain.DeadLetterExchange); err != nil {
				return errprocess.Wrap(err, "綁定 "+dlq+" 失敗")
			}
		}
		if err := c.rabbit.QueueDeclare(q.name, args); err != nil {
			var amqpErr *amqp.Error
			if errors.As(err, &amqpErr) && amqpErr.Code == amqp.PreconditionFailed {
				// 同名 queue 已以不同參數存在 (常見於 producer 先宣告且未帶 x-dead-letter-exchange)
				return errprocess.Wrap(err, "宣告 "+q.name+" 失敗，queue 參數與現有宣告不一致，請確認 worker.dead_letter 與 producer 的宣告相同")
			}
			return errprocess.Wrap(err, "宣告 "+q.name+" 失敗")
		}
	}
	return nil
}

// Start 開始消費訊息，ctx 結束時停止接收新訊息並等待處理中的 job 完成。
// 所有 delivery channel 被 broker 關閉時回傳 ErrDeliveriesClosed。
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.Setup(); err != nil {
		return err
	}

	var tags []string
	for _, q := range c.queues() {
		msgs, err := c.rabbit.Consume(q.name, q.tag)
		if err != nil {
			c.cancel(tags)
			return errprocess.Wrap(err, "無法開始消費 "+q.name)
		}
		tags = append(tags, q.tag)

		for i := 0; i < q.workers; i++ {
			c.wg.Add(1)
			go func(q queueSpec) {
				defer c.wg.Done()
				c.work(ctx, q, msgs)
			}(q)
		}
		logger.Log.Info("Consumer 已啟動", zap.String("queue", q.name), zap.Int("workers", q.workers))
	}

	allDone := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(allDone)
	}()

	select {
	case <-ctx.Done():
		logger.Log.Info("Consumer 收到停止訊號，等待處理中的 job")
		c.cancel(tags)
		<-allDone
		return nil
	case <-allDone:
		return ErrDeliveriesClosed
	}
}

func (c *Consumer) cancel(tags []string) {
	for _, tag := range tags {
		if err := c.rabbit.Cancel(tag); err != nil {
			logger.Log.Warn("取消 consumer 失敗", zap.String("tag", tag), zap.Error(err))
		}
	}
}

func (c *Consumer) work(ctx context.Context, q queueSpec, msgs <-chan amqp.Delivery) {
	// 處理中的 job 不因 shutdown 中斷
	jobCtx := context.WithoutCancel(ctx)
	for d := range msgs {
		if ctx.Err() != nil {
			// 已停止：尚未開始的訊息交還 broker
			if err := d.Nack(false, true); err != nil {
				logger.Log.Warn("Nack 訊息失敗", zap.String("queue", q.name), zap.Error(err))
			}
			continue
		}
		c.handleDelivery(jobCtx, q, d)
	}
}

// handleDelivery 每個 delivery 只會 Ack、Reject 或 Nack 一次；失敗一律不 requeue，只有 media 被鎖住時才 requeue
func (c *Consumer) handleDelivery(ctx context.Context, q queueSpec, d amqp.Delivery) {
	job, err := domain.ParseTranscodeJob(d.Body)
	if err != nil {
		logger.Log.Error("解析轉碼工作訊息失敗", zap.String("queue", q.name), zap.ByteString("body", d.Body), zap.Error(err))
		c.reporter.Failed(ctx, q.name, job, err, 0)
		c.reject(q.name, d)
		return
	}

	log := logger.Log.With(zap.String("queue", q.name), zap.String("mediaId", job.MediaID))
	log.Info("收到轉碼工作訊息", zap.String("fileName", job.FileName))

	result, attempts, err := c.process(ctx, q, job)
	if errors.Is(err, ErrMediaLocked) {
		// 鎖被占用不算失敗，延遲後 requeue 讓 broker 重新投遞
		log.Warn("media 正被處理，稍後重新投遞",
			zap.Bool("redelivered", d.Redelivered),
			zap.Duration("delay", c.cfg.LockRetryDelay),
		)
		c.sleep(ctx, c.cfg.LockRetryDelay)
		if err := d.Nack(false, true); err != nil {
			log.Error("Nack 訊息失敗", zap.Error(err))
		}
		return
	}
	if err != nil {
		log.Error("處理轉碼工作失敗",
			zap.String("kind", string(errprocess.KindOf(err))),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		c.reporter.Failed(ctx, q.name, job, err, attempts)
		c.reject(q.name, d)
		return
	}

	if err := d.Ack(false); err != nil {
		log.Error("確認訊息失敗", zap.Error(err))
	}
	log.Info("成功處理並確認訊息", zap.String("filePath", result.FilePath))
	c.reporter.Succeeded(ctx, q.name, job, result, attempts)
}

// process io / storage 錯誤以指數 backoff 重試，其它錯誤立即回傳
func (c *Consumer) process(ctx context.Context, q queueSpec, job domain.TranscodeJob) (*domain.TranscodeResult, int, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.MaxAttempts; attempt++ {
		c.reporter.Started(ctx, q.name, job, attempt)

		result, err := c.attempt(ctx, q, job)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err
		if errors.Is(err, ErrMediaLocked) || !errprocess.Retryable(err) || attempt == c.cfg.MaxAttempts {
			return nil, attempt, err
		}

		backoff := c.cfg.BackoffBase << (attempt - 1)
		logger.Log.Warn("轉碼工作重試",
			zap.String("mediaId", job.MediaID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		c.sleep(ctx, backoff)
	}
	return nil, c.cfg.MaxAttempts, lastErr
}

func (c *Consumer) attempt(ctx context.Context, q queueSpec, job domain.TranscodeJob) (*domain.TranscodeResult, error) {
	if c.locks != nil {
		token := c.owner + ":" + uuid.NewString()
		locked, err := c.locks.Lock(ctx, job.MediaID, token)
		switch {
		case err != nil:
			logger.Log.Warn("取得 media lock 失敗，不加鎖繼續處理", zap.String("mediaId", job.MediaID), zap.Error(err))
		case !locked:
			return nil, errprocess.New(errprocess.KindStorage, "lock media", fmt.Errorf("%w: %s", ErrMediaLocked, job.MediaID))
		default:
			c.track(job.MediaID, token)
			defer c.release(ctx, job.MediaID, token)
		}
	}
	return q.handle(ctx, job.FileName, job.MediaID)
}

func (c *Consumer) track(mediaID, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.held[mediaID] = token
}

// release 只釋放 token 對應的鎖；token 已被 ReleaseLocks 處理過時略過
func (c *Consumer) release(ctx context.Context, mediaID, token string) {
	c.mu.Lock()
	if c.held[mediaID] != token {
		c.mu.Unlock()
		return
	}
	delete(c.held, mediaID)
	c.mu.Unlock()

	c.unlock(ctx, mediaID, token)
}

func (c *Consumer) unlock(ctx context.Context, mediaID, token string) {
	released, err := c.locks.Unlock(ctx, mediaID, token)
	switch {
	case err != nil:
		logger.Log.Warn("釋放 media lock 失敗", zap.String("mediaId", mediaID), zap.Error(err))
	case !released:
		logger.Log.Warn("media lock 已過期或被其他 worker 取得", zap.String("mediaId", mediaID))
	}
}

// ReleaseLocks 釋放所有處理中 job 持有的鎖。
// shutdown 超過時限、process 即將結束時呼叫，讓 broker 重新投遞的 job 不必等 lock ttl。
func (c *Consumer) ReleaseLocks(ctx context.Context) {
	if c.locks == nil {
		return
	}
	c.mu.Lock()
	held := c.held
	c.held = map[string]string{}
	c.mu.Unlock()

	for mediaID, token := range held {
		c.unlock(ctx, mediaID, token)
	}
	if len(held) > 0 {
		logger.Log.Warn("shutdown 時釋放處理中的 media lock", zap.Int("count", len(held)))
	}
}

func (c *Consumer) reject(queue string, d amqp.Delivery) {
	if err := d.Reject(false); err != nil {
		logger.Log.Error("Reject 訊息失敗", zap.String("queue", queue), zap.Error(err))
		return
	}
	if c.cfg.DeadLetter {
		logger.Log.Warn("訊息已轉送 dead letter queue", zap.String("queue", domain.DeadLetterQueue(queue)))
	}
}

func sleepContext(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
