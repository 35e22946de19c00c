package database

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	errprocess "media_transcoder/pkg/err"
	"media_transcoder/pkg/logger"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"
)

// DefaultPresignExpiry presigned URL 預設有效期限
const DefaultPresignExpiry = 7 * 24 * time.Hour

// DefaultRegion 固定 region，presign 時不必再查 bucket location
const DefaultRegion = "us-east-1"

// MinIOClientRepo object store 操作介面
type MinIOClientRepo interface {
	EnsureBucket(ctx context.Context) error
	GetObject(ctx context.Context, objectName string) (io.ReadCloser, error)
	StatObject(ctx context.Context, objectName string) (bool, error)
	PutStream(ctx context.Context, objectName string, r io.Reader, size int64, contentType string) error
	UploadFile(ctx context.Context, objectName, filePath, contentType string) error
	DeleteObject(ctx context.Context, objectName string) error
	DeleteObjects(ctx context.Context, objectNames []string) error
	PresignedURL(ctx context.Context, objectName, method string) (string, error)
}

// MinIOClient definition minio client
type MinIOClient struct {
	Client     *minio.Client
	BucketName string

	// endpoint 內部 host:port，externalHost 為對外 host
	endpoint      string
	externalHost  string
	rewriteHost   bool
	presignExpiry time.Duration
}

// NewMinIOConnection create a new minio connection have retry, bucket 會在此確保存在
func NewMinIOConnection(d MinIOConnection) (*MinIOClient, error) {
	var mc *MinIOClient
	var err error

	for i := 1; i <= d.RetryCount; i++ {
		mc, err = NewMinioClient(d)
		if err == nil {
			err = mc.EnsureBucket(context.Background())
		}
		if err == nil {
			logger.Log.Info("minIO connected", zap.String("endpoint", d.Endpoint), zap.Int("attempt", i))
			return mc, nil
		}

		logger.Log.Warn("minIO connect failed, retrying...",
			zap.String("endpoint", d.Endpoint),
			zap.Int("attempt", i),
			zap.Int("retryCount", d.RetryCount),
			zap.Error(err),
		)
		if i < d.RetryCount {
			time.Sleep(d.RetryInterval)
		}
	}

	return nil, errprocess.New(errprocess.KindStorage, "connect minio", err)
}

// NewMinioClient create a new minio
func NewMinioClient(d MinIOConnection) (*MinIOClient, error) {
	region := d.Region
	if region == "" {
		region = DefaultRegion
	}
	client, err := minio.New(d.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(d.User, d.Password, ""),
		Secure: d.UseSSL,
		Region: region,
	})
	if err != nil {
		return nil, fmt.Errorf("初始化 MinIO 失敗: %w", err)
	}

	expiry := d.PresignExpiry
	if expiry <= 0 {
		expiry = DefaultPresignExpiry
	}

	return &MinIOClient{
		Client:        client,
		BucketName:    d.BucketName,
		endpoint:      d.Endpoint,
		externalHost:  d.ExternalHost,
		rewriteHost:   d.RewriteHost,
		presignExpiry: expiry,
	}, nil
}

// EnsureBucket 建立 bucket 並設定 public-read policy，已存在則不動
func (m *MinIOClient) EnsureBucket(ctx context.Context) error {
	if m.BucketName == "" {
		return errprocess.Newf(errprocess.KindNotFound, "ensure bucket", "bucket name is not configured")
	}

	exists, err := m.Client.BucketExists(ctx, m.BucketName)
	if err != nil {
		return errprocess.New(errprocess.KindStorage, fmt.Sprintf("檢查 bucket [%s]", m.BucketName), err)
	}
	if exists {
		logger.Log.Info("bucket already exists", zap.String("bucket", m.BucketName))
		return nil
	}

	if err := m.Client.MakeBucket(ctx, m.BucketName, minio.MakeBucketOptions{}); err != nil {
		// 另一個 instance 可能剛好先建立
		if resp := minio.ToErrorResponse(err); resp.Code == "BucketAlreadyOwnedByYou" || resp.Code == "BucketAlreadyExists" {
			return nil
		}
		return errprocess.New(errprocess.KindStorage, fmt.Sprintf("建立 bucket [%s]", m.BucketName), err)
	}

	if err := m.Client.SetBucketPolicy(ctx, m.BucketName, PublicReadPolicy(m.BucketName)); err != nil {
		return errprocess.New(errprocess.KindStorage, fmt.Sprintf("設定 bucket [%s] policy", m.BucketName), err)
	}
	logger.Log.Info("bucket created with public-read policy", zap.String("bucket", m.BucketName))
	return nil
}

// PublicReadPolicy anonymous s3:GetObject on every object of bucket
func PublicReadPolicy(bucket string) string {
	return fmt.Sprintf(`{"Version":"2012-10-17","Statement":[{"Effect":"Allow","Principal":{"AWS":["*"]},"Action":["s3:GetObject"],"Resource":["arn:aws:s3:::%s/*"]}]}`, bucket)
}

// GetObject 取得 object stream，caller 負責 Close
func (m *MinIOClient) GetObject(ctx context.Context, objectName string) (io.ReadCloser, error) {
	if m.BucketName == "" {
		return nil, errprocess.Newf(errprocess.KindNotFound, "get object", "bucket not found")
	}

	obj, err := m.Client.GetObject(ctx, m.BucketName, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, storageError("get object "+objectName, err)
	}
	// GetObject 是 lazy 的，先 Stat 才知道 object 是否存在
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, storageError("get object "+objectName, err)
	}
	return obj, nil
}

// StatObject reports whether objectName exists
func (m *MinIOClient) StatObject(ctx context.Context, objectName string) (bool, error) {
	_, err := m.Client.StatObject(ctx, m.BucketName, objectName, minio.StatObjectOptions{})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, storageError("stat object "+objectName, err)
}

// PutStream 上傳 stream，size = -1 時以 multipart 分段上傳，不會整個讀進記憶體
func (m *MinIOClient) PutStream(ctx context.Context, objectName string, r io.Reader, size int64, contentType string) error {
	_, err := m.Client.PutObject(ctx, m.BucketName, objectName, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return storageError("put object "+objectName, err)
	}
	return nil
}

// UploadFile minio upload file func
func (m *MinIOClient) UploadFile(ctx context.Context, objectName, filePath, contentType string) error {
	file, err := os.Open(filePath)
	if err != nil {
		return errprocess.New(errprocess.KindIO, "開啟檔案", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return errprocess.New(errprocess.KindIO, "讀取檔案資訊", err)
	}
	return m.PutStream(ctx, objectName, file, stat.Size(), contentType)
}

// DeleteObject remove a single object
func (m *MinIOClient) DeleteObject(ctx context.Context, objectName string) error {
	if err := m.Client.RemoveObject(ctx, m.BucketName, objectName, minio.RemoveObjectOptions{}); err != nil {
		return storageError("delete object "+objectName, err)
	}
	return nil
}

// DeleteObjects remove objects in batch, every failure is returned joined
func (m *MinIOClient) DeleteObjects(ctx context.Context, objectNames []string) error {
	objectsCh := make(chan minio.ObjectInfo, len(objectNames))
	for _, name := range objectNames {
		objectsCh <- minio.ObjectInfo{Key: name}
	}
	close(objectsCh)

	var errs []error
	for rErr := range m.Client.RemoveObjects(ctx, m.BucketName, objectsCh, minio.RemoveObjectsOptions{}) {
		errs = append(errs, fmt.Errorf("%s: %w", rErr.ObjectName, rErr.Err))
	}
	if len(errs) > 0 {
		logger.Log.Error("batch delete left stale objects", zap.Int("failed", len(errs)), zap.Error(errors.Join(errs...)))
		return errprocess.New(errprocess.KindStorage, "delete objects", errors.Join(errs...))
	}
	return nil
}

// PresignedURL 生成 presigned URL，非 development 環境改寫為對外 host
func (m *MinIOClient) PresignedURL(ctx context.Context, objectName, method string) (string, error) {
	if method == "" {
		method = http.MethodGet
	}
	u, err := m.Client.Presign(ctx, method, m.BucketName, objectName, m.presignExpiry, url.Values{})
	if err != nil {
		return "", storageError("presign "+objectName, err)
	}
	if m.rewriteHost {
		return RewriteHost(u.String(), m.endpoint, m.externalHost), nil
	}
	return u.String(), nil
}

// RewriteHost replace the storage-internal host in rawURL with externalHost
func RewriteHost(rawURL, internalHost, externalHost string) string {
	if externalHost == "" {
		return rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return strings.Replace(rawURL, internalHost, externalHost, 1)
	}
	u.Host = externalHost
	return u.String()
}

func isNotFound(err error) bool {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket", "NotFound":
		return true
	}
	return false
}

func storageError(op string, err error) error {
	if isNotFound(err) {
		return errprocess.New(errprocess.KindNotFound, op, err)
	}
	return errprocess.New(errprocess.KindStorage, op, err)
}
