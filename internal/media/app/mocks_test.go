package app

import (
	"context"
	"io"
	"sync"

	"media_transcoder/internal/media/domain"

	"github.com/segmentio/kafka-go"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/mock"
)

// MockStore mock MinIOClientRepo
type MockStore struct {
	mock.Mock
}

func (m *MockStore) EnsureBucket(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *MockStore) GetObject(ctx context.Context, objectName string) (io.ReadCloser, error) {
	args := m.Called(ctx, objectName)
	if rc, ok := args.Get(0).(io.ReadCloser); ok {
		return rc, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockStore) StatObject(ctx context.Context, objectName string) (bool, error) {
	args := m.Called(ctx, objectName)
	return args.Bool(0), args.Error(1)
}

func (m *MockStore) PutStream(ctx context.Context, objectName string, r io.Reader, size int64, contentType string) error {
	// 讀完 stream，模擬真的上傳
	if r != nil {
		io.Copy(io.Discard, r)
	}
	return m.Called(ctx, objectName, r, size, contentType).Error(0)
}

func (m *MockStore) UploadFile(ctx context.Context, objectName, filePath, contentType string) error {
	return m.Called(ctx, objectName, filePath, contentType).Error(0)
}

func (m *MockStore) DeleteObject(ctx context.Context, objectName string) error {
	return m.Called(ctx, objectName).Error(0)
}

func (m *MockStore) DeleteObjects(ctx context.Context, objectNames []string) error {
	return m.Called(ctx, objectNames).Error(0)
}

func (m *MockStore) PresignedURL(ctx context.Context, objectName, method string) (string, error) {
	args := m.Called(ctx, objectName, method)
	return args.String(0), args.Error(1)
}

// MockImageTranscoder mock ImageTranscoder
type MockImageTranscoder struct {
	mock.Mock
}

func (m *MockImageTranscoder) Convert(ctx context.Context, sourcePath string) (*ImageOutput, error) {
	args := m.Called(ctx, sourcePath)
	if out, ok := args.Get(0).(*ImageOutput); ok {
		return out, args.Error(1)
	}
	return nil, args.Error(1)
}

// MockVideoTranscoder mock VideoTranscoder
type MockVideoTranscoder struct {
	mock.Mock
}

func (m *MockVideoTranscoder) Transcode(ctx context.Context, source io.Reader, fileName string) (*VideoOutput, error) {
	args := m.Called(ctx, source, fileName)
	if out, ok := args.Get(0).(*VideoOutput); ok {
		return out, args.Error(1)
	}
	return nil, args.Error(1)
}

// MockMediaRepository mock MediaRepository
type MockMediaRepository struct {
	mock.Mock
}

func (m *MockMediaRepository) UpdateTranscoded(ctx context.Context, mediaID string, update domain.MediaUpdate) error {
	return m.Called(ctx, mediaID, update).Error(0)
}

// MockProber mock MediaProber
type MockProber struct {
	mock.Mock
}

func (m *MockProber) Probe(ctx context.Context, path string) (VideoMetadata, error) {
	args := m.Called(ctx, path)
	return args.Get(0).(VideoMetadata), args.Error(1)
}

// MockEncoder mock VideoEncoder
type MockEncoder struct {
	mock.Mock
}

func (m *MockEncoder) Encode(ctx context.Context, spec EncodeSpec) <-chan EncodeOutcome {
	args := m.Called(ctx, spec)
	done := make(chan EncodeOutcome, 1)
	done <- EncodeOutcome{Err: args.Error(0)}
	close(done)
	return done
}

// MockUseCase mock MediaUseCase
type MockUseCase struct {
	mock.Mock
}

func (m *MockUseCase) ProcessImage(ctx context.Context, fileName, mediaID string) (*domain.TranscodeResult, error) {
	args := m.Called(ctx, fileName, mediaID)
	if r, ok := args.Get(0).(*domain.TranscodeResult); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockUseCase) ProcessVideo(ctx context.Context, fileName, mediaID string) (*domain.TranscodeResult, error) {
	args := m.Called(ctx, fileName, mediaID)
	if r, ok := args.Get(0).(*domain.TranscodeResult); ok {
		return r, args.Error(1)
	}
	return nil, args.Error(1)
}

// MockReporter mock JobReporter
type MockReporter struct {
	mock.Mock
}

func (m *MockReporter) Started(ctx context.Context, queue string, job domain.TranscodeJob, attempt int) {
	m.Called(ctx, queue, job, attempt)
}

func (m *MockReporter) Succeeded(ctx context.Context, queue string, job domain.TranscodeJob, result *domain.TranscodeResult, attempts int) {
	m.Called(ctx, queue, job, result, attempts)
}

func (m *MockReporter) Failed(ctx context.Context, queue string, job domain.TranscodeJob, err error, attempts int) {
	m.Called(ctx, queue, job, err, attempts)
}

// MockJobStateRepo mock JobStateRepo
type MockJobStateRepo struct {
	mock.Mock
}

func (m *MockJobStateRepo) Save(ctx context.Context, snapshot domain.JobSnapshot) error {
	return m.Called(ctx, snapshot).Error(0)
}

func (m *MockJobStateRepo) Get(ctx context.Context, mediaID string) (*domain.JobSnapshot, error) {
	args := m.Called(ctx, mediaID)
	if s, ok := args.Get(0).(*domain.JobSnapshot); ok {
		return s, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockJobStateRepo) Lock(ctx context.Context, mediaID, owner string) (bool, error) {
	args := m.Called(ctx, mediaID, owner)
	return args.Bool(0), args.Error(1)
}

func (m *MockJobStateRepo) Unlock(ctx context.Context, mediaID, owner string) (bool, error) {
	args := m.Called(ctx, mediaID, owner)
	return args.Bool(0), args.Error(1)
}

// MockJobLogRepo mock JobLogRepo
type MockJobLogRepo struct {
	mock.Mock
}

func (m *MockJobLogRepo) AutoMigrate() error {
	return m.Called().Error(0)
}

func (m *MockJobLogRepo) Create(ctx context.Context, entry *domain.JobLog) error {
	return m.Called(ctx, entry).Error(0)
}

func (m *MockJobLogRepo) Find(ctx context.Context, filter domain.FindLogsFilter) ([]domain.JobLog, int64, error) {
	args := m.Called(ctx, filter)
	logs, _ := args.Get(0).([]domain.JobLog)
	return logs, args.Get(1).(int64), args.Error(2)
}

// MockPublisher mock EventPublisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, event domain.MediaEvent) error {
	return m.Called(ctx, event).Error(0)
}

// MockTracker mock ErrorTracker
type MockTracker struct {
	mock.Mock
}

func (m *MockTracker) CaptureFailure(queue string, job domain.TranscodeJob, err error, attempts int) {
	m.Called(queue, job, err, attempts)
}

// MockKafkaWriter mock KafkaWriter
type MockKafkaWriter struct {
	mock.Mock
}

func (m *MockKafkaWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	return m.Called(ctx, msgs).Error(0)
}

func (m *MockKafkaWriter) Close() error {
	return m.Called().Error(0)
}

// MockRabbit mock RabbitRepo
type MockRabbit struct {
	mock.Mock
}

func (m *MockRabbit) Qos(prefetchCount int) error {
	return m.Called(prefetchCount).Error(0)
}

func (m *MockRabbit) QueueDeclare(name string, args amqp.Table) error {
	return m.Called(name, args).Error(0)
}

func (m *MockRabbit) ExchangeDeclare(name, kind string) error {
	return m.Called(name, kind).Error(0)
}

func (m *MockRabbit) QueueBind(name, key, exchange string) error {
	return m.Called(name, key, exchange).Error(0)
}

func (m *MockRabbit) Consume(queue, consumer string) (<-chan amqp.Delivery, error) {
	args := m.Called(queue, consumer)
	if ch, ok := args.Get(0).(chan amqp.Delivery); ok {
		return ch, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockRabbit) Cancel(consumer string) error {
	return m.Called(consumer).Error(0)
}

// fakeAcknowledger 紀錄 delivery 的 ack / nack / reject
type fakeAcknowledger struct {
	mu      sync.Mutex
	acks    []uint64
	nacks   []uint64
	rejects []uint64
	requeue []bool
	// nackRequeue Nack 的 requeue 參數
	nackRequeue []bool
}

func (f *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, tag)
	return nil
}

func (f *fakeAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nacks = append(f.nacks, tag)
	f.nackRequeue = append(f.nackRequeue, requeue)
	return nil
}

func (f *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejects = append(f.rejects, tag)
	f.requeue = append(f.requeue, requeue)
	return nil
}

func (f *fakeAcknowledger) counts() (acks, nacks, rejects int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.acks), len(f.nacks), len(f.rejects)
}
