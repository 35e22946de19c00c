package app

import (
	"context"
	"errors"
	"net/http"

	"media_transcoder/internal/media/domain"
	"media_transcoder/internal/media/repository"
	"media_transcoder/pkg/database"
	errprocess "media_transcoder/pkg/err"
	"media_transcoder/pkg/logger"

	"go.uber.org/zap"
)

// MediaUseCase definition transcode flow per media type
type MediaUseCase interface {
	ProcessImage(ctx context.Context, fileName, mediaID string) (*domain.TranscodeResult, error)
	ProcessVideo(ctx context.Context, fileName, mediaID string) (*domain.TranscodeResult, error)
}

type mediaUseCase struct {
	store   database.MinIOClientRepo
	images  ImageTranscoder
	videos  VideoTranscoder
	medias  repository.MediaRepository
	tempDir string
}

// NewMediaUseCase create MediaUseCase
func NewMediaUseCase(store database.MinIOClientRepo, images ImageTranscoder, videos VideoTranscoder, medias repository.MediaRepository, tempDir string) MediaUseCase {
	return &mediaUseCase{
		store:   store,
		images:  images,
		videos:  videos,
		medias:  medias,
		tempDir: tempDir,
	}
}

// ProcessImage 下載 -> 轉 jpeg -> 上傳 -> 刪除原始檔 -> presign -> 更新 medias
func (m *mediaUseCase) ProcessImage(ctx context.Context, fileName, mediaID string) (*domain.TranscodeResult, error) {
	outputName := domain.ImageOutputName(fileName)

	src, err := m.store.GetObject(ctx, fileName)
	if err != nil {
		if errors.Is(err, errprocess.ErrNotFound) {
			return m.reuseOutput(ctx, fileName, outputName, mediaID)
		}
		return nil, err
	}
	tempPath, err := writeTempFile(m.tempDir, fileName, src)
	src.Close()
	if err != nil {
		return nil, err
	}
	defer removeTemp(tempPath)

	out, err := m.images.Convert(ctx, tempPath)
	if err != nil {
		return nil, err
	}

	result := &domain.TranscodeResult{MediaID: mediaID, OutputName: outputName}
	if out.CleanupErr != nil {
		result.Warnings = append(result.Warnings, out.CleanupErr.Error())
	}

	err = m.store.PutStream(ctx, outputName, out.Reader, -1, out.MimeType)
	out.Reader.Close()
	if err != nil {
		return nil, err
	}
	logger.Log.Info("image uploaded",
		zap.String("mediaId", mediaID),
		zap.String("outputName", outputName),
		zap.Int("width", out.Width),
		zap.Int("height", out.Height),
	)

	if outputName != fileName {
		if err := m.store.DeleteObject(ctx, fileName); err != nil {
			logger.Log.Warn("刪除原始圖片失敗", zap.String("fileName", fileName), zap.Error(err))
			result.Warnings = append(result.Warnings, err.Error())
		}
	}

	url, err := m.store.PresignedURL(ctx, outputName, http.MethodGet)
	if err != nil {
		return nil, err
	}
	return m.complete(ctx, result, url)
}

// ProcessVideo 上傳 / 刪除 / presign 由 VideoTranscoder 完成，這裡只負責最後更新 medias
func (m *mediaUseCase) ProcessVideo(ctx context.Context, fileName, mediaID string) (*domain.TranscodeResult, error) {
	outputName := domain.VideoOutputName(fileName)

	src, err := m.store.GetObject(ctx, fileName)
	if err != nil {
		if errors.Is(err, errprocess.ErrNotFound) {
			return m.reuseOutput(ctx, fileName, outputName, mediaID)
		}
		return nil, err
	}
	defer src.Close()

	out, err := m.videos.Transcode(ctx, src, fileName)
	if err != nil {
		return nil, err
	}

	result := &domain.TranscodeResult{MediaID: mediaID, OutputName: out.OutputName}
	if out.CleanupErr != nil {
		result.Warnings = append(result.Warnings, out.CleanupErr.Error())
	}
	return m.complete(ctx, result, out.URL)
}

// reuseOutput 原始檔已被先前的處理刪除，若轉碼結果還在就重新 presign 並更新
func (m *mediaUseCase) reuseOutput(ctx context.Context, fileName, outputName, mediaID string) (*domain.TranscodeResult, error) {
	if outputName == fileName {
		return nil, errprocess.Newf(errprocess.KindNotFound, "get object", "object %s not found", fileName)
	}
	exists, err := m.store.StatObject(ctx, outputName)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errprocess.Newf(errprocess.KindNotFound, "get object", "object %s not found", fileName)
	}

	logger.Log.Info("source already transcoded, reuse output",
		zap.String("mediaId", mediaID),
		zap.String("fileName", fileName),
		zap.String("outputName", outputName),
	)
	url, err := m.store.PresignedURL(ctx, outputName, http.MethodGet)
	if err != nil {
		return nil, err
	}
	return m.complete(ctx, &domain.TranscodeResult{MediaID: mediaID, OutputName: outputName, Reused: true}, url)
}

// complete medias 只在 object 就位後才更新
func (m *mediaUseCase) complete(ctx context.Context, result *domain.TranscodeResult, url string) (*domain.TranscodeResult, error) {
	err := m.medias.UpdateTranscoded(ctx, result.MediaID, domain.MediaUpdate{
		FileName: result.OutputName,
		Status:   domain.MediaTranscoded,
		FilePath: url,
	})
	if err != nil {
		return nil, err
	}
	result.FilePath = url
	return result, nil
}
