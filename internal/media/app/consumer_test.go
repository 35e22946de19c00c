package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"media_transcoder/internal/media/domain"
	errprocess "media_transcoder/pkg/err"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type consumerFixture struct {
	rabbit   *MockRabbit
	usecase  *MockUseCase
	reporter *MockReporter
	locks    *MockJobStateRepo
	consumer *Consumer
	sleeps   []time.Duration
}

func newConsumerFixture(cfg ConsumerConfig, withLocks bool) *consumerFixture {
	f := &consumerFixture{
		rabbit:   new(MockRabbit),
		usecase:  new(MockUseCase),
		reporter: new(MockReporter),
	}
	var c *Consumer
	if withLocks {
		f.locks = new(MockJobStateRepo)
		c = NewConsumer(f.rabbit, f.usecase, f.reporter, f.locks, cfg)
	} else {
		c = NewConsumer(f.rabbit, f.usecase, f.reporter, nil, cfg)
	}
	c.sleep = func(_ context.Context, d time.Duration) { f.sleeps = append(f.sleeps, d) }
	f.consumer = c
	f.reporter.On("Started", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return()
	return f
}

func (f *consumerFixture) imageQueue() queueSpec {
	return f.consumer.queues()[0]
}

func delivery(ack amqp.Acknowledger, tag uint64, body string) amqp.Delivery {
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: tag, Body: []byte(body)}
}

func TestHandleDelivery(t *testing.T) {
	ctx := context.Background()
	job := domain.TranscodeJob{FileName: "photo_uploaded_abc.png", MediaID: "m1"}
	body := `{"fileName":"photo_uploaded_abc.png","mediaId":"m1"}`
	result := &domain.TranscodeResult{MediaID: "m1", OutputName: "photo_transcoded_abc.jpg", FilePath: "http://cdn/x"}

	t.Run("成功只 ack 一次", func(t *testing.T) {
		f := newConsumerFixture(ConsumerConfig{}, false)
		ack := &fakeAcknowledger{}
		f.usecase.On("ProcessImage", ctx, job.FileName, job.MediaID).Return(result, nil)
		f.reporter.On("Succeeded", ctx, domain.ImageQueueName, job, result, 1).Return()

		f.consumer.handleDelivery(ctx, f.imageQueue(), delivery(ack, 1, body))

		acks, nacks, rejects := ack.counts()
		assert.Equal(t, 1, acks)
		assert.Zero(t, nacks)
		assert.Zero(t, rejects)
		f.reporter.AssertExpectations(t)
	})

	t.Run("無法解析的訊息直接 reject 不 requeue", func(t *testing.T) {
		f := newConsumerFixture(ConsumerConfig{}, false)
		ack := &fakeAcknowledger{}
		f.reporter.On("Failed", ctx, domain.ImageQueueName, mock.Anything, mock.MatchedBy(func(err error) bool {
			return errors.Is(err, errprocess.ErrDecode)
		}), 0).Return()

		f.consumer.handleDelivery(ctx, f.imageQueue(), delivery(ack, 2, `{"fileName":`))

		acks, _, rejects := ack.counts()
		assert.Zero(t, acks)
		assert.Equal(t, 1, rejects)
		assert.Equal(t, []bool{false}, ack.requeue)
		f.usecase.AssertNotCalled(t, "ProcessImage", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("缺少 mediaId 直接 reject", func(t *testing.T) {
		f := newConsumerFixture(ConsumerConfig{}, false)
		ack := &fakeAcknowledger{}
		f.reporter.On("Failed", ctx, domain.ImageQueueName, mock.Anything, mock.Anything, 0).Return()

		f.consumer.handleDelivery(ctx, f.imageQueue(), delivery(ack, 3, `{"fileName":"a.png"}`))

		_, _, rejects := ack.counts()
		assert.Equal(t, 1, rejects)
	})

	t.Run("不可重試的錯誤只處理一次", func(t *testing.T) {
		f := newConsumerFixture(ConsumerConfig{MaxAttempts: 3}, false)
		ack := &fakeAcknowledger{}
		decodeErr := errprocess.Newf(errprocess.KindDecode, "decode image", "unknown format")
		f.usecase.On("ProcessImage", ctx, job.FileName, job.MediaID).Return(nil, decodeErr).Once()
		f.reporter.On("Failed", ctx, domain.ImageQueueName, job, decodeErr, 1).Return()

		f.consumer.handleDelivery(ctx, f.imageQueue(), delivery(ack, 4, body))

		acks, _, rejects := ack.counts()
		assert.Zero(t, acks)
		assert.Equal(t, 1, rejects)
		assert.Empty(t, f.sleeps)
		f.usecase.AssertNumberOfCalls(t, "ProcessImage", 1)
	})

	t.Run("storage 錯誤以 backoff 重試後成功", func(t *testing.T) {
		f := newConsumerFixture(ConsumerConfig{MaxAttempts: 3, BackoffBase: time.Second}, false)
		ack := &fakeAcknowledger{}
		storageErr := errprocess.Newf(errprocess.KindStorage, "put object", "connection reset")
		f.usecase.On("ProcessImage", ctx, job.FileName, job.MediaID).Return(nil, storageErr).Twice()
		f.usecase.On("ProcessImage", ctx, job.FileName, job.MediaID).Return(result, nil).Once()
		f.reporter.On("Succeeded", ctx, domain.ImageQueueName, job, result, 3).Return()

		f.consumer.handleDelivery(ctx, f.imageQueue(), delivery(ack, 5, body))

		acks, _, rejects := ack.counts()
		assert.Equal(t, 1, acks)
		assert.Zero(t, rejects)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, f.sleeps)
	})

	t.Run("重試用盡後 reject", func(t *testing.T) {
		f := newConsumerFixture(ConsumerConfig{MaxAttempts: 2, BackoffBase: time.Millisecond}, false)
		ack := &fakeAcknowledger{}
		ioErr := errprocess.Newf(errprocess.KindIO, "寫入暫存檔案", "disk full")
		f.usecase.On("ProcessImage", ctx, job.FileName, job.MediaID).Return(nil, ioErr)
		f.reporter.On("Failed", ctx, domain.ImageQueueName, job, ioErr, 2).Return()

		f.consumer.handleDelivery(ctx, f.imageQueue(), delivery(ack, 6, body))

		acks, _, rejects := ack.counts()
		assert.Zero(t, acks)
		assert.Equal(t, 1, rejects)
		f.usecase.AssertNumberOfCalls(t, "ProcessImage", 2)
	})

	t.Run("media 被鎖住時延遲後 requeue，不算失敗", func(t *testing.T) {
		f := newConsumerFixture(ConsumerConfig{MaxAttempts: 3, BackoffBase: time.Second, LockRetryDelay: 7 * time.Second}, true)
		ack := &fakeAcknowledger{}
		f.locks.On("Lock", ctx, "m1", mock.Anything).Return(false, nil).Once()

		f.consumer.handleDelivery(ctx, f.imageQueue(), delivery(ack, 7, body))

		acks, nacks, rejects := ack.counts()
		assert.Zero(t, acks)
		assert.Zero(t, rejects)
		assert.Equal(t, 1, nacks)
		assert.Equal(t, []bool{true}, ack.nackRequeue)
		assert.Equal(t, []time.Duration{7 * time.Second}, f.sleeps, "no in-process retry on a busy lock")
		f.usecase.AssertNotCalled(t, "ProcessImage", mock.Anything, mock.Anything, mock.Anything)
		f.reporter.AssertNotCalled(t, "Failed", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("重新投遞遇到殘留的鎖不會進 dead letter", func(t *testing.T) {
		f := newConsumerFixture(ConsumerConfig{MaxAttempts: 3, BackoffBase: time.Second, DeadLetter: true}, true)
		// 前一個 instance shutdown 逾時，鎖還在；第二次投遞時鎖已過期
		f.locks.On("Lock", ctx, "m1", mock.Anything).Return(false, nil).Once()
		f.locks.On("Lock", ctx, "m1", mock.Anything).Return(true, nil).Once()
		f.locks.On("Unlock", ctx, "m1", mock.Anything).Return(true, nil).Once()
		f.usecase.On("ProcessImage", ctx, job.FileName, job.MediaID).Return(result, nil).Once()
		f.reporter.On("Succeeded", ctx, domain.ImageQueueName, job, result, 1).Return()

		first := &fakeAcknowledger{}
		d := delivery(first, 10, body)
		d.Redelivered = true
		f.consumer.handleDelivery(ctx, f.imageQueue(), d)

		_, nacks, rejects := first.counts()
		assert.Equal(t, 1, nacks)
		assert.Zero(t, rejects)

		second := &fakeAcknowledger{}
		d = delivery(second, 11, body)
		d.Redelivered = true
		f.consumer.handleDelivery(ctx, f.imageQueue(), d)

		acks, _, rejects := second.counts()
		assert.Equal(t, 1, acks)
		assert.Zero(t, rejects)
		f.locks.AssertExpectations(t)
	})

	t.Run("每次取鎖使用不同 token，並以同一 token 釋放", func(t *testing.T) {
		f := newConsumerFixture(ConsumerConfig{}, true)
		var tokens []string
		f.locks.On("Lock", ctx, "m1", mock.Anything).Return(true, nil).Run(func(args mock.Arguments) {
			tokens = append(tokens, args.String(2))
		})
		var released []string
		f.locks.On("Unlock", ctx, "m1", mock.Anything).Return(true, nil).Run(func(args mock.Arguments) {
			released = append(released, args.String(2))
		})
		f.usecase.On("ProcessImage", ctx, job.FileName, job.MediaID).Return(result, nil)
		f.reporter.On("Succeeded", ctx, domain.ImageQueueName, job, result, 1).Return()

		f.consumer.handleDelivery(ctx, f.imageQueue(), delivery(&fakeAcknowledger{}, 8, body))
		f.consumer.handleDelivery(ctx, f.imageQueue(), delivery(&fakeAcknowledger{}, 9, body))

		require.Len(t, tokens, 2)
		assert.NotEqual(t, tokens[0], tokens[1])
		assert.Equal(t, tokens, released)
		assert.Empty(t, f.consumer.held)
	})

	t.Run("鎖已被他人取得時釋放不報錯", func(t *testing.T) {
		f := newConsumerFixture(ConsumerConfig{}, true)
		ack := &fakeAcknowledger{}
		f.locks.On("Lock", ctx, "m1", mock.Anything).Return(true, nil)
		f.locks.On("Unlock", ctx, "m1", mock.Anything).Return(false, nil)
		f.usecase.On("ProcessImage", ctx, job.FileName, job.MediaID).Return(result, nil)
		f.reporter.On("Succeeded", ctx, domain.ImageQueueName, job, result, 1).Return()

		f.consumer.handleDelivery(ctx, f.imageQueue(), delivery(ack, 12, body))

		acks, _, _ := ack.counts()
		assert.Equal(t, 1, acks)
		f.locks.AssertExpectations(t)
	})

	t.Run("redis 無法使用時照常處理", func(t *testing.T) {
		f := newConsumerFixture(ConsumerConfig{}, true)
		ack := &fakeAcknowledger{}
		f.locks.On("Lock", ctx, "m1", mock.Anything).Return(false, errors.New("dial tcp: connection refused"))
		f.usecase.On("ProcessImage", ctx, job.FileName, job.MediaID).Return(result, nil)
		f.reporter.On("Succeeded", ctx, domain.ImageQueueName, job, result, 1).Return()

		f.consumer.handleDelivery(ctx, f.imageQueue(), delivery(ack, 9, body))

		acks, _, _ := ack.counts()
		assert.Equal(t, 1, acks)
		f.locks.AssertNotCalled(t, "Unlock", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestConsumerReleaseLocks(t *testing.T) {
	ctx := context.Background()
	job := domain.TranscodeJob{FileName: "clip_uploaded_1.mov", MediaID: "v1"}
	result := &domain.TranscodeResult{MediaID: "v1", OutputName: "clip_transcoded_1.mp4"}

	f := newConsumerFixture(ConsumerConfig{}, true)
	var token string
	f.locks.On("Lock", ctx, "v1", mock.Anything).Return(true, nil).Run(func(args mock.Arguments) {
		token = args.String(2)
	})
	f.locks.On("Unlock", mock.Anything, "v1", mock.Anything).Return(true, nil)

	encoding := make(chan struct{})
	finish := make(chan struct{})
	f.usecase.On("ProcessVideo", ctx, job.FileName, job.MediaID).Return(result, nil).Run(func(mock.Arguments) {
		close(encoding)
		<-finish
	})
	f.reporter.On("Succeeded", ctx, domain.VideoQueueName, job, result, 1).Return()

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.consumer.handleDelivery(ctx, f.consumer.queues()[1], delivery(&fakeAcknowledger{}, 1,
			`{"fileName":"clip_uploaded_1.mov","mediaId":"v1"}`))
	}()
	<-encoding

	// shutdown 逾時：鎖在 job 結束前就被釋放
	f.consumer.ReleaseLocks(ctx)
	f.locks.AssertCalled(t, "Unlock", ctx, "v1", token)

	close(finish)
	<-done
	// job 結束時不會再釋放一次
	f.locks.AssertNumberOfCalls(t, "Unlock", 1)
}

func TestConsumerSetup(t *testing.T) {
	t.Run("dead letter 開啟", func(t *testing.T) {
		f := newConsumerFixture(ConsumerConfig{Prefetch: 2, DeadLetter: true}, false)
		dlxArgs := amqp.Table{"x-dead-letter-exchange": domain.DeadLetterExchange}

		f.rabbit.On("Qos", 2).Return(nil)
		f.rabbit.On("ExchangeDeclare", domain.DeadLetterExchange, amqp.ExchangeDirect).Return(nil)
		for _, q := range []string{domain.ImageQueueName, domain.VideoQueueName} {
			f.rabbit.On("QueueDeclare", domain.DeadLetterQueue(q), amqp.Table(nil)).Return(nil)
			f.rabbit.On("QueueBind", domain.DeadLetterQueue(q), q, domain.DeadLetterExchange).Return(nil)
			f.rabbit.On("QueueDeclare", q, dlxArgs).Return(nil)
		}

		require.NoError(t, f.consumer.Setup())
		f.rabbit.AssertExpectations(t)
	})

	t.Run("未設定 prefetch 與 dead letter", func(t *testing.T) {
		f := newConsumerFixture(ConsumerConfig{}, false)
		f.rabbit.On("QueueDeclare", domain.ImageQueueName, amqp.Table(nil)).Return(nil)
		f.rabbit.On("QueueDeclare", domain.VideoQueueName, amqp.Table(nil)).Return(nil)

		require.NoError(t, f.consumer.Setup())
		f.rabbit.AssertNotCalled(t, "Qos", mock.Anything)
		f.rabbit.AssertNotCalled(t, "ExchangeDeclare", mock.Anything, mock.Anything)
	})

	t.Run("宣告失敗", func(t *testing.T) {
		f := newConsumerFixture(ConsumerConfig{}, false)
		f.rabbit.On("QueueDeclare", domain.ImageQueueName, amqp.Table(nil)).Return(errors.New("channel closed"))

		assert.Error(t, f.consumer.Setup())
	})

	t.Run("queue 已以不同參數存在", func(t *testing.T) {
		f := newConsumerFixture(ConsumerConfig{DeadLetter: true}, false)
		inequivalent := &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'x-dead-letter-exchange'"}
		f.rabbit.On("ExchangeDeclare", domain.DeadLetterExchange, amqp.ExchangeDirect).Return(nil)
		f.rabbit.On("QueueDeclare", domain.DeadLetterQueue(domain.ImageQueueName), amqp.Table(nil)).Return(nil)
		f.rabbit.On("QueueBind", mock.Anything, mock.Anything, mock.Anything).Return(nil)
		f.rabbit.On("QueueDeclare", domain.ImageQueueName, mock.Anything).Return(inequivalent)

		err := f.consumer.Setup()
		require.Error(t, err)
		assert.ErrorIs(t, err, inequivalent)
		assert.Contains(t, err.Error(), "worker.dead_letter")
	})
}

func TestConsumerStart(t *testing.T) {
	t.Run("ctx 結束時取消 consumer 並等待處理中的 job", func(t *testing.T) {
		f := newConsumerFixture(ConsumerConfig{}, false)
		images := make(chan amqp.Delivery)
		videos := make(chan amqp.Delivery)

		f.rabbit.On("QueueDeclare", mock.Anything, mock.Anything).Return(nil)
		f.rabbit.On("Consume", domain.ImageQueueName, mock.Anything).Return(images, nil)
		f.rabbit.On("Consume", domain.VideoQueueName, mock.Anything).Return(videos, nil)

		var once sync.Once
		closeAll := func() {
			once.Do(func() {
				close(images)
				close(videos)
			})
		}
		f.rabbit.On("Cancel", mock.Anything).Return(nil).Run(func(mock.Arguments) { closeAll() })

		result := &domain.TranscodeResult{MediaID: "v1", OutputName: "clip_transcoded_1.mp4"}
		processed := make(chan struct{})
		f.usecase.On("ProcessVideo", mock.Anything, "clip_uploaded_1.mov", "v1").Return(result, nil).
			Run(func(mock.Arguments) { close(processed) })
		f.reporter.On("Succeeded", mock.Anything, domain.VideoQueueName, mock.Anything, result, 1).Return()

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- f.consumer.Start(ctx) }()

		ack := &fakeAcknowledger{}
		videos <- delivery(ack, 1, `{"fileName":"clip_uploaded_1.mov","mediaId":"v1"}`)
		<-processed

		cancel()
		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("consumer did not stop")
		}

		acks, _, _ := ack.counts()
		assert.Equal(t, 1, acks)
		f.rabbit.AssertNumberOfCalls(t, "Cancel", 2)
	})

	t.Run("broker 關閉 channel 時回傳錯誤", func(t *testing.T) {
		f := newConsumerFixture(ConsumerConfig{}, false)
		images := make(chan amqp.Delivery)
		videos := make(chan amqp.Delivery)
		close(images)
		close(videos)

		f.rabbit.On("QueueDeclare", mock.Anything, mock.Anything).Return(nil)
		f.rabbit.On("Consume", domain.ImageQueueName, mock.Anything).Return(images, nil)
		f.rabbit.On("Consume", domain.VideoQueueName, mock.Anything).Return(videos, nil)

		err := f.consumer.Start(context.Background())
		assert.ErrorIs(t, err, ErrDeliveriesClosed)
	})
}
